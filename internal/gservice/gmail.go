// Package gservice is the Gmail provider adapter: history listing, message
// and attachment retrieval, watch registration and outbound send.
package gservice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/c64dev/mailpulse/internal/auth"
)

const (
	gmailUserID = "me"
	inboxLabel  = "INBOX"

	fetchAttempts = 3
	fetchBackoff  = 500 * time.Millisecond
)

// NewGmail creates the adapter. A fresh gmail.Service is built per operation
// from the shared token manager, so credential refresh never races two
// concurrent callers.
func NewGmail(cfg *oauth2.Config, tok *auth.Token, fetchTimeout time.Duration) *GMail {
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &GMail{
		cfg:          cfg,
		tok:          tok,
		fetchTimeout: fetchTimeout,
	}
}

// GMail wraps the Gmail API for a single mailbox.
type GMail struct {
	cfg          *oauth2.Config
	tok          *auth.Token
	fetchTimeout time.Duration
}

// ListHistory returns all history entries recorded after startHistoryID,
// restricted to messages added to the inbox, following pagination. A
// provider 404 means the checkpoint predates history retention; that gap is
// reported as an empty result, not an error.
func (m *GMail) ListHistory(ctx context.Context, startHistoryID uint64) ([]*gmail.History, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	var entries []*gmail.History
	pageToken := ""

	for {
		call := svc.Users.History.List(gmailUserID).
			StartHistoryId(startHistoryID).
			LabelId(inboxLabel).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
				log.Printf("gservice: history expired for startHistoryId=%d, treating as gap", startHistoryID)
				return nil, nil
			}
			return nil, fmt.Errorf("history.List failed: %w", err)
		}

		entries = append(entries, resp.History...)

		if resp.NextPageToken == "" {
			return entries, nil
		}
		pageToken = resp.NextPageToken
	}
}

// GetMessage fetches the full message, retrying transient failures within a
// fixed budget.
func (m *GMail) GetMessage(ctx context.Context, msgID string) (*gmail.Message, error) {
	var msg *gmail.Message
	err := m.withRetry(ctx, "messages.Get", func(cctx context.Context) error {
		svc, err := m.newSvc(cctx)
		if err != nil {
			return fmt.Errorf("newSvc failed: %w", err)
		}
		msg, err = svc.Users.Messages.Get(gmailUserID, msgID).Format("full").Context(cctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("messages.Get(%s) failed: %w", msgID, err)
	}

	return msg, nil
}

// GetAttachment fetches attachment bytes, retrying within the same budget as
// GetMessage.
func (m *GMail) GetAttachment(ctx context.Context, msgID, attachmentID string) (*gmail.MessagePartBody, error) {
	var body *gmail.MessagePartBody
	err := m.withRetry(ctx, "attachments.Get", func(cctx context.Context) error {
		svc, err := m.newSvc(cctx)
		if err != nil {
			return fmt.Errorf("newSvc failed: %w", err)
		}
		body, err = svc.Users.Messages.Attachments.Get(gmailUserID, msgID, attachmentID).Context(cctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("attachments.Get(%s/%s) failed: %w", msgID, attachmentID, err)
	}

	return body, nil
}

// Watch registers the mailbox for push notifications on the given Pub/Sub
// topic. The response carries the historyId to seed a cold-start checkpoint
// and the watch expiration.
func (m *GMail) Watch(ctx context.Context, topic string) (*gmail.WatchResponse, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	resp, err := svc.Users.Watch(gmailUserID, &gmail.WatchRequest{
		LabelIds:  []string{inboxLabel},
		TopicName: topic,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("users.Watch failed: %w", err)
	}

	return resp, nil
}

// Send submits a base64url-encoded RFC 2822 message.
func (m *GMail) Send(ctx context.Context, raw string) (*gmail.Message, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	sent, err := svc.Users.Messages.Send(gmailUserID, &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("messages.Send failed: %w", err)
	}

	return sent, nil
}

func (m *GMail) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fetchBackoff << (attempt - 1)):
			}
			log.Printf("gservice: retrying %s, attempt %d/%d", op, attempt+1, fetchAttempts)
		}

		cctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
		err = fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
	}

	return err
}

func (m *GMail) newSvc(ctx context.Context) (*gmail.Service, error) {
	t, err := m.tok.OAuthToken()
	if err != nil {
		return nil, fmt.Errorf("tok.OAuthToken failed: %w", err)
	}

	clt := m.cfg.Client(ctx, t)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(clt))
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}

	return svc, nil
}
