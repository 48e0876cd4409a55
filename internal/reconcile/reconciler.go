// Package reconcile turns checkpoint notifications into batches of
// normalized email records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"

	"github.com/c64dev/mailpulse/internal/email"
)

// ErrMissingCheckpoint indicates a notification without a usable checkpoint;
// the cycle is a no-op and the stored checkpoint is untouched.
var ErrMissingCheckpoint = errors.New("notification carries no checkpoint")

const defaultFetchLimit = 4

// Notification is the decoded payload of a push notification: the new
// checkpoint position reported by the provider.
type Notification struct {
	HistoryID uint64
}

type mailSvc interface {
	ListHistory(ctx context.Context, startHistoryID uint64) ([]*gmail.History, error)
	GetMessage(ctx context.Context, msgID string) (*gmail.Message, error)
	GetAttachment(ctx context.Context, msgID, attachmentID string) (*gmail.MessagePartBody, error)
}

type checkpointStore interface {
	Load() (uint64, bool, error)
	Save(historyID uint64) error
}

// Reconciler runs one cycle at a time: resolve history since the stored
// checkpoint, fetch and normalize the added messages, then advance the
// checkpoint to the notification value.
type Reconciler struct {
	mu         sync.Mutex
	svc        mailSvc
	store      checkpointStore
	filter     string
	fetchLimit int
}

// New creates a Reconciler. filter, when non-empty, restricts results to
// messages whose subject contains it case-insensitively. fetchLimit bounds
// concurrent per-message fetches within a cycle.
func New(svc mailSvc, store checkpointStore, filter string, fetchLimit int) *Reconciler {
	if fetchLimit <= 0 {
		fetchLimit = defaultFetchLimit
	}
	return &Reconciler{
		svc:        svc,
		store:      store,
		filter:     filter,
		fetchLimit: fetchLimit,
	}
}

// Reconcile processes a single notification. Delivery is at-least-once: a
// crash before the checkpoint advances makes the next identical notification
// reprocess the same message set, so downstream consumers must tolerate
// duplicates.
func (r *Reconciler) Reconcile(ctx context.Context, n Notification) ([]email.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.HistoryID == 0 {
		return nil, ErrMissingCheckpoint
	}

	prev, ok, err := r.store.Load()
	if err != nil {
		return nil, fmt.Errorf("store.Load failed: %w", err)
	}

	var ids []string
	if ok {
		entries, err := r.svc.ListHistory(ctx, prev)
		if err != nil {
			return nil, fmt.Errorf("svc.ListHistory failed: %w", err)
		}
		ids = addedMessageIDs(entries)
	} else {
		// Cold start: there is no position to list history from. The gap is
		// accepted and the new checkpoint becomes the baseline.
		log.Printf("reconcile: no prior checkpoint, starting from historyId=%d", n.HistoryID)
	}

	records := r.fetchAll(ctx, ids)

	// A cancelled cycle must not advance: its skips were caused by the
	// cancellation, not by individual messages, and the transport will
	// redeliver the notification.
	if err := ctx.Err(); err != nil {
		return records, fmt.Errorf("cycle interrupted: %w", err)
	}

	// The checkpoint advances even for an empty batch; staying on an expired
	// position would fail every following cycle. It never moves backward: a
	// stale out-of-order notification keeps the current position.
	if !ok || n.HistoryID > prev {
		if err := r.store.Save(n.HistoryID); err != nil {
			return records, fmt.Errorf("store.Save failed: %w", err)
		}
	}

	return records, nil
}

// addedMessageIDs flattens history entries into message IDs, deduplicated in
// first-seen order. A message touched by several history entries appears
// once.
func addedMessageIDs(entries []*gmail.History) []string {
	seen := make(map[string]bool)
	var ids []string

	for _, entry := range entries {
		for _, added := range entry.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			ids = append(ids, added.Message.Id)
		}
	}

	return ids
}

// fetchAll retrieves and normalizes messages with bounded concurrency,
// preserving first-seen order in the result. Individual failures are logged
// and skipped; they never abort the cycle.
func (r *Reconciler) fetchAll(ctx context.Context, ids []string) []email.Record {
	slots := make([]*email.Record, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fetchLimit)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			msg, err := r.svc.GetMessage(gctx, id)
			if err != nil {
				log.Printf("reconcile: skipping message %s: %v", id, err)
				return nil
			}

			if r.filter != "" && !strings.Contains(strings.ToLower(rawSubject(msg)), strings.ToLower(r.filter)) {
				return nil
			}

			rec := email.Normalize(msg)
			rec.Attachments = r.hydrateAttachments(gctx, rec.ID, rec.Attachments)
			slots[i] = &rec

			return nil
		})
	}
	_ = g.Wait()

	records := make([]email.Record, 0, len(ids))
	for _, rec := range slots {
		if rec != nil {
			records = append(records, *rec)
		}
	}

	return records
}

// rawSubject reads the Subject header as sent, empty when the header is
// absent. The keyword filter matches what the sender wrote, not the
// normalizer's placeholder subject.
func rawSubject(msg *gmail.Message) string {
	if msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, "Subject") {
			return h.Value
		}
	}
	return ""
}

// hydrateAttachments fetches attachment bytes. A failed attachment is logged
// and omitted from the record; the record itself survives.
func (r *Reconciler) hydrateAttachments(ctx context.Context, msgID string, attachments []email.Attachment) []email.Attachment {
	if len(attachments) == 0 {
		return attachments
	}

	kept := make([]email.Attachment, 0, len(attachments))
	for _, att := range attachments {
		body, err := r.svc.GetAttachment(ctx, msgID, att.AttachmentID)
		if err != nil {
			log.Printf("reconcile: omitting attachment %s of message %s: %v", att.Filename, msgID, err)
			continue
		}

		data, err := email.DecodeBody(body.Data)
		if err != nil {
			log.Printf("reconcile: omitting undecodable attachment %s of message %s: %v", att.Filename, msgID, err)
			continue
		}

		att.Data = data
		if att.Size == 0 {
			att.Size = int64(len(data))
		}
		kept = append(kept, att)
	}

	return kept
}
