// Package httpapi exposes the push-notification webhook and the send API.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/gmail/v1"

	"github.com/c64dev/mailpulse/internal/email"
	"github.com/c64dev/mailpulse/internal/mail"
	"github.com/c64dev/mailpulse/internal/reconcile"
)

type reconciler interface {
	Reconcile(ctx context.Context, n reconcile.Notification) ([]email.Record, error)
}

type sender interface {
	Send(ctx context.Context, raw string) (*gmail.Message, error)
}

type forwarder interface {
	Forward(ctx context.Context, records []email.Record)
}

// Config carries the sender identity stamped on outbound mail.
type Config struct {
	SenderName    string
	SenderAddress string
}

// Server holds the handler dependencies.
type Server struct {
	rec reconciler
	snd sender
	fwd forwarder
	cfg Config
}

// NewServer creates the handler set.
func NewServer(rec reconciler, snd sender, fwd forwarder, cfg Config) *Server {
	return &Server{rec: rec, snd: snd, fwd: fwd, cfg: cfg}
}

// Router builds the gin engine with all routes. oauthHandler, when non-nil,
// is mounted at /oauth for the authorization flow.
func (s *Server) Router(oauthHandler http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", s.handleLiveness)
	r.POST("/pubsub", s.handlePubSub)
	r.POST("/send-email", s.handleSendEmail)

	if oauthHandler != nil {
		r.Any("/oauth", gin.WrapH(oauthHandler))
	}

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		log.Printf(">>> Incoming %s %s from %s", c.Request.Method, c.Request.URL.Path, c.ClientIP())
		c.Next()
	}
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.String(http.StatusOK, "It works.")
}

type pubsubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handlePubSub accepts a Pub/Sub push delivery. Only structural problems get
// a 400; everything past decoding answers 200, because any other status
// makes the transport redeliver and amplify.
func (s *Server) handlePubSub(c *gin.Context) {
	var env pubsubEnvelope
	if err := c.ShouldBindJSON(&env); err != nil || env.Message.Data == "" {
		c.String(http.StatusBadRequest, "Invalid Pub/Sub message")
		return
	}

	data, err := decodeBase64(env.Message.Data)
	if err != nil {
		c.String(http.StatusBadRequest, "Invalid data format")
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.String(http.StatusBadRequest, "Invalid data format")
		return
	}

	if payload.HistoryID == 0 {
		log.Printf("httpapi: notification without historyId, ignored")
		c.String(http.StatusOK, "No action required")
		return
	}

	records, err := s.rec.Reconcile(c.Request.Context(), reconcile.Notification{HistoryID: payload.HistoryID})
	if err != nil && !errors.Is(err, reconcile.ErrMissingCheckpoint) {
		log.Printf("httpapi: reconcile for historyId=%d failed: %v", payload.HistoryID, err)
	}

	if len(records) > 0 {
		log.Printf("httpapi: %d record(s) produced for historyId=%d", len(records), payload.HistoryID)
		s.fwd.Forward(c.Request.Context(), records)
	}

	c.String(http.StatusOK, "OK")
}

type sendRequest struct {
	To          string           `json:"to"`
	Subject     string           `json:"subject"`
	Text        string           `json:"text"`
	HTML        string           `json:"html"`
	Attachments []sendAttachment `json:"attachments"`
}

type sendAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"` // base64
}

type sendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

func (s *Server) handleSendEmail(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if req.To == "" && req.Subject == "" && req.Text == "" && req.HTML == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to, subject and body are all missing"})
		return
	}

	msg := mail.Message{
		FromName:    s.cfg.SenderName,
		FromAddress: s.cfg.SenderAddress,
		To:          req.To,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
	}

	for _, att := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "undecodable attachment content: " + att.Filename})
			return
		}
		msg.Attachments = append(msg.Attachments, mail.Attachment{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Data:     data,
		})
	}

	sent, err := s.snd.Send(c.Request.Context(), mail.Compose(msg))
	if err != nil {
		log.Printf("httpapi: send failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provider rejected the message"})
		return
	}

	c.JSON(http.StatusOK, sendResponse{ID: sent.Id, ThreadID: sent.ThreadId})
}

func decodeBase64(data string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(data)
	}
	return decoded, nil
}
