// Package email normalizes raw Gmail messages into structured records.
package email

// Address is an email address with optional display name.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment is a single attachment carried by a message. Data is filled by
// a separate fetch step; detection itself never performs I/O.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Data         []byte `json:"data,omitempty"`
}

// Record is the normalized representation of a single message. Immutable
// once produced.
type Record struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	MessageID   string       `json:"message_id"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  string       `json:"references,omitempty"`
	Sender      Address      `json:"sender"`
	To          []string     `json:"to"`
	CC          []string     `json:"cc"`
	BCC         []string     `json:"bcc"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	IsReply     bool         `json:"is_reply"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
