// Package mail composes outbound RFC 2822 messages for the Gmail send API.
package mail

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c64dev/mailpulse/internal/email"
)

// Attachment is an outbound attachment with raw content bytes.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// Message describes an outbound email. Text and HTML are alternatives; when
// both are set HTML wins.
type Message struct {
	FromName    string
	FromAddress string
	To          string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Compose builds the raw message, base64url-encoded the way
// users.messages.send expects it.
func Compose(msg Message) string {
	var buf strings.Builder

	buf.WriteString(fmt.Sprintf("From: %s\r\n", formatFrom(msg.FromName, msg.FromAddress)))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	contentType, body := "text/plain", msg.Text
	if msg.HTML != "" {
		contentType, body = "text/html", msg.HTML
	}

	if len(msg.Attachments) == 0 {
		buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=UTF-8\r\n", contentType))
		buf.WriteString("\r\n")
		buf.WriteString(body)
		buf.WriteString("\r\n")
		return base64.URLEncoding.EncodeToString([]byte(buf.String()))
	}

	boundary := "b_" + uuid.NewString()
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n", boundary))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=UTF-8\r\n", contentType))
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")

	for _, att := range msg.Attachments {
		mimeType := att.MimeType
		if mimeType == "" {
			mimeType = email.MimeTypeForFilename(att.Filename)
		}

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString(fmt.Sprintf("Content-Type: %s; name=%q\r\n", mimeType, att.Filename))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n", att.Filename))
		buf.WriteString("\r\n")
		buf.WriteString(base64.StdEncoding.EncodeToString(att.Data))
		buf.WriteString("\r\n")
	}

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return base64.URLEncoding.EncodeToString([]byte(buf.String()))
}

func formatFrom(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}
