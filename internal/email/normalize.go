package email

import (
	"encoding/base64"
	"path"
	"strings"

	"google.golang.org/api/gmail/v1"
)

const defaultSubject = "No Subject"

// maxPartDepth caps body-extraction recursion; real messages nest a handful
// of multipart levels at most, anything deeper is treated as malformed.
const maxPartDepth = 32

// Normalize converts a raw Gmail message into a Record. It is a pure
// function of its input: no I/O, no hidden state. Attachment data is left
// empty and hydrated separately.
func Normalize(msg *gmail.Message) Record {
	rec := Record{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Subject:  defaultSubject,
		To:       []string{},
		CC:       []string{},
		BCC:      []string{},
	}

	if msg.Payload == nil {
		return rec
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			rec.Sender = ParseAddress(h.Value)
		case "to":
			rec.To = splitRecipients(h.Value)
		case "cc":
			rec.CC = splitRecipients(h.Value)
		case "bcc":
			rec.BCC = splitRecipients(h.Value)
		case "subject":
			if h.Value != "" {
				rec.Subject = h.Value
			}
		case "message-id":
			rec.MessageID = h.Value
		case "in-reply-to":
			rec.InReplyTo = h.Value
		case "references":
			rec.References = h.Value
		}
	}

	rec.IsReply = rec.InReplyTo != ""
	rec.Body = StripQuotedReply(extractBody(msg.Payload))
	rec.Attachments = detectAttachments(msg.Payload)

	return rec
}

// ParseAddress parses a From-style header value: either
// `Display Name <addr@host>` (quotes around the name are stripped) or a
// bare address.
func ParseAddress(value string) Address {
	addr := Address{}

	if idx := strings.Index(value, "<"); idx != -1 {
		addr.Name = strings.TrimSpace(value[:idx])
		if endIdx := strings.Index(value[idx:], ">"); endIdx != -1 {
			addr.Email = strings.TrimSpace(value[idx+1 : idx+endIdx])
		}
	} else {
		addr.Email = strings.TrimSpace(value)
	}

	addr.Name = strings.Trim(addr.Name, "\"")

	return addr
}

func splitRecipients(value string) []string {
	if value == "" {
		return []string{}
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}

// extractBody prefers a direct top-level payload over the parts tree; within
// the tree the first text/plain leaf wins, pre-order.
func extractBody(payload *gmail.MessagePart) string {
	if payload.Body != nil && payload.Body.Data != "" {
		return decodeBase64URL(payload.Body.Data)
	}

	return findPlainText(payload.Parts, 0)
}

func findPlainText(parts []*gmail.MessagePart, depth int) string {
	if depth >= maxPartDepth {
		return ""
	}

	for _, part := range parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			return decodeBase64URL(part.Body.Data)
		}
		if len(part.Parts) > 0 {
			if found := findPlainText(part.Parts, depth+1); found != "" {
				return found
			}
		}
	}

	return ""
}

// detectAttachments scans the top-level parts only: a part qualifies when it
// carries both a filename and an attachment ID. Ordering follows the source
// tree.
func detectAttachments(payload *gmail.MessagePart) []Attachment {
	var attachments []Attachment

	for _, part := range payload.Parts {
		if part.Filename == "" || part.Body == nil || part.Body.AttachmentId == "" {
			continue
		}

		mimeType := part.MimeType
		if mimeType == "" {
			mimeType = MimeTypeForFilename(part.Filename)
		}

		attachments = append(attachments, Attachment{
			AttachmentID: part.Body.AttachmentId,
			Filename:     part.Filename,
			MimeType:     mimeType,
			Size:         part.Body.Size,
		})
	}

	return attachments
}

// MimeTypeForFilename maps a filename extension to a MIME type, used when
// the provider omits an explicit one.
func MimeTypeForFilename(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".zip":
		return "application/zip"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func decodeBase64URL(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return data
		}
	}
	return string(decoded)
}

// DecodeBody decodes a base64url-encoded attachment body as returned by the
// provider.
func DecodeBody(data string) ([]byte, error) {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return base64.RawURLEncoding.DecodeString(data)
	}
	return decoded, nil
}
