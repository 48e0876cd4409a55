package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"

	"github.com/c64dev/mailpulse/internal/email"
	"github.com/c64dev/mailpulse/internal/reconcile"
)

type mailSvcMock struct {
	mu                sync.Mutex
	fetchedIDs        []string
	ListHistoryFunc   func(ctx context.Context, startHistoryID uint64) ([]*gmail.History, error)
	GetMessageFunc    func(ctx context.Context, msgID string) (*gmail.Message, error)
	GetAttachmentFunc func(ctx context.Context, msgID, attachmentID string) (*gmail.MessagePartBody, error)
}

func (m *mailSvcMock) ListHistory(ctx context.Context, startHistoryID uint64) ([]*gmail.History, error) {
	return m.ListHistoryFunc(ctx, startHistoryID)
}

func (m *mailSvcMock) GetMessage(ctx context.Context, msgID string) (*gmail.Message, error) {
	m.mu.Lock()
	m.fetchedIDs = append(m.fetchedIDs, msgID)
	m.mu.Unlock()
	return m.GetMessageFunc(ctx, msgID)
}

func (m *mailSvcMock) GetAttachment(ctx context.Context, msgID, attachmentID string) (*gmail.MessagePartBody, error) {
	if m.GetAttachmentFunc == nil {
		return nil, fmt.Errorf("unexpected attachment fetch %s/%s", msgID, attachmentID)
	}
	return m.GetAttachmentFunc(ctx, msgID, attachmentID)
}

type storeMock struct {
	loaded  uint64
	ok      bool
	saved   []uint64
	saveErr error
}

func (s *storeMock) Load() (uint64, bool, error) {
	return s.loaded, s.ok, nil
}

func (s *storeMock) Save(historyID uint64) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, historyID)
	return nil
}

func historyAdded(ids ...string) []*gmail.History {
	entries := make([]*gmail.History, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, &gmail.History{
			MessagesAdded: []*gmail.HistoryMessageAdded{
				{Message: &gmail.Message{Id: id}},
			},
		})
	}
	return entries
}

func simpleMessage(id, subject string) *gmail.Message {
	return &gmail.Message{
		Id:       id,
		ThreadId: "t-" + id,
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "Sender <sender@example.com>"},
				{Name: "Subject", Value: subject},
			},
		},
	}
}

func TestReconcileDedupesAndOrders(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(_ context.Context, startHistoryID uint64) ([]*gmail.History, error) {
			assert.Equal(t, uint64(50), startHistoryID)
			return historyAdded("A", "B", "A"), nil
		},
		GetMessageFunc: func(_ context.Context, msgID string) (*gmail.Message, error) {
			return simpleMessage(msgID, "subject "+msgID), nil
		},
	}
	store := &storeMock{loaded: 50, ok: true}

	r := reconcile.New(svc, store, "", 1)

	records, err := r.Reconcile(context.Background(), reconcile.Notification{HistoryID: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, svc.fetchedIDs, "each ID fetched exactly once, first-seen order")
	require.Len(t, records, 2)
	assert.Equal(t, "A", records[0].ID)
	assert.Equal(t, "B", records[1].ID)
	assert.Equal(t, []uint64{100}, store.saved)
}

func TestReconcileMissingCheckpointNotification(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			t.Fatal("history must not be listed for an empty notification")
			return nil, nil
		},
	}
	store := &storeMock{loaded: 50, ok: true}

	r := reconcile.New(svc, store, "", 1)

	_, err := r.Reconcile(context.Background(), reconcile.Notification{})
	assert.ErrorIs(t, err, reconcile.ErrMissingCheckpoint)
	assert.Empty(t, store.saved, "checkpoint must not advance")
}

func TestReconcileGapAdvancesCheckpoint(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			return nil, nil // provider reported nothing for this position
		},
	}
	store := &storeMock{loaded: 10, ok: true}

	r := reconcile.New(svc, store, "", 1)

	records, err := r.Reconcile(context.Background(), reconcile.Notification{HistoryID: 200})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, []uint64{200}, store.saved)
}

func TestReconcileColdStart(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			t.Fatal("no prior checkpoint, nothing to list history from")
			return nil, nil
		},
	}
	store := &storeMock{}

	r := reconcile.New(svc, store, "", 1)

	records, err := r.Reconcile(context.Background(), reconcile.Notification{HistoryID: 300})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, []uint64{300}, store.saved)
}

func TestReconcileIdempotentBeforeSave(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			return historyAdded("A", "B"), nil
		},
		GetMessageFunc: func(_ context.Context, msgID string) (*gmail.Message, error) {
			return simpleMessage(msgID, "subject"), nil
		},
	}
	store := &storeMock{loaded: 50, ok: true, saveErr: fmt.Errorf("disk full")}

	r := reconcile.New(svc, store, "", 1)
	n := reconcile.Notification{HistoryID: 100}

	first, err := r.Reconcile(context.Background(), n)
	require.Error(t, err, "save failure must surface")

	store.saveErr = nil
	second, err := r.Reconcile(context.Background(), n)
	require.NoError(t, err)

	recordIDs := func(recs []email.Record) []string {
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
		return ids
	}
	assert.Equal(t, recordIDs(first), recordIDs(second), "same notification reprocesses the same set")
	assert.Equal(t, []uint64{100}, store.saved)
}

func TestReconcileSubjectFilter(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			return historyAdded("A", "B", "C"), nil
		},
		GetMessageFunc: func(_ context.Context, msgID string) (*gmail.Message, error) {
			subjects := map[string]string{
				"A": "Declaration de SINISTRE auto",
				"B": "Newsletter",
				"C": "sinistre habitation",
			}
			return simpleMessage(msgID, subjects[msgID]), nil
		},
	}
	store := &storeMock{loaded: 50, ok: true}

	r := reconcile.New(svc, store, "Sinistre", 1)

	records, err := r.Reconcile(context.Background(), reconcile.Notification{HistoryID: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, svc.fetchedIDs, "filter requires fetching to read the subject")
	require.Len(t, records, 2)
	assert.Equal(t, "A", records[0].ID)
	assert.Equal(t, "C", records[1].ID)
}

func TestReconcileSkipsFailedFetches(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			return historyAdded("A", "broken", "B"), nil
		},
		GetMessageFunc: func(_ context.Context, msgID string) (*gmail.Message, error) {
			if msgID == "broken" {
				return nil, fmt.Errorf("simulated fetch failure")
			}
			return simpleMessage(msgID, "subject"), nil
		},
	}
	store := &storeMock{loaded: 50, ok: true}

	r := reconcile.New(svc, store, "", 1)

	records, err := r.Reconcile(context.Background(), reconcile.Notification{HistoryID: 100})
	require.NoError(t, err, "one failed message must not abort the cycle")

	require.Len(t, records, 2)
	assert.Equal(t, "A", records[0].ID)
	assert.Equal(t, "B", records[1].ID)
	assert.Equal(t, []uint64{100}, store.saved, "checkpoint still advances")
}

func TestReconcileCancelledCycleDoesNotAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			return historyAdded("A", "B"), nil
		},
		GetMessageFunc: func(context.Context, string) (*gmail.Message, error) {
			cancel() // caller dropped mid-cycle
			return nil, context.Canceled
		},
	}
	store := &storeMock{loaded: 50, ok: true}

	r := reconcile.New(svc, store, "", 1)

	records, err := r.Reconcile(ctx, reconcile.Notification{HistoryID: 100})
	require.Error(t, err, "a cancelled cycle must surface, so the transport redelivers")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, records)
	assert.Empty(t, store.saved, "checkpoint must not advance past an unprocessed batch")
}

func TestReconcileFilterIgnoresPlaceholderSubject(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			return historyAdded("A", "B"), nil
		},
		GetMessageFunc: func(_ context.Context, msgID string) (*gmail.Message, error) {
			if msgID == "A" {
				// no Subject header at all
				return &gmail.Message{
					Id:       "A",
					ThreadId: "t-A",
					Payload: &gmail.MessagePart{
						Headers: []*gmail.MessagePartHeader{
							{Name: "From", Value: "sender@example.com"},
						},
					},
				}, nil
			}
			return simpleMessage(msgID, "Subject: claim update"), nil
		},
	}
	store := &storeMock{loaded: 50, ok: true}

	r := reconcile.New(svc, store, "subject", 1)

	records, err := r.Reconcile(context.Background(), reconcile.Notification{HistoryID: 100})
	require.NoError(t, err)

	require.Len(t, records, 1, "a message without a subject matches no keyword")
	assert.Equal(t, "B", records[0].ID)
}

func TestReconcileStaleNotificationKeepsCheckpoint(t *testing.T) {
	svc := &mailSvcMock{
		ListHistoryFunc: func(_ context.Context, startHistoryID uint64) ([]*gmail.History, error) {
			assert.Equal(t, uint64(200), startHistoryID)
			return historyAdded("A"), nil
		},
		GetMessageFunc: func(_ context.Context, msgID string) (*gmail.Message, error) {
			return simpleMessage(msgID, "subject"), nil
		},
	}
	store := &storeMock{loaded: 200, ok: true}

	r := reconcile.New(svc, store, "", 1)

	records, err := r.Reconcile(context.Background(), reconcile.Notification{HistoryID: 100})
	require.NoError(t, err, "a stale notification still reconciles")
	require.Len(t, records, 1)
	assert.Empty(t, store.saved, "checkpoint never moves backward")
}

func TestReconcileHydratesAttachments(t *testing.T) {
	msgWithAttachments := &gmail.Message{
		Id:       "A",
		ThreadId: "t-A",
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "with files"},
			},
			Parts: []*gmail.MessagePart{
				{Filename: "ok.pdf", Body: &gmail.MessagePartBody{AttachmentId: "att-ok"}},
				{Filename: "gone.zip", Body: &gmail.MessagePartBody{AttachmentId: "att-gone"}},
			},
		},
	}

	svc := &mailSvcMock{
		ListHistoryFunc: func(context.Context, uint64) ([]*gmail.History, error) {
			return historyAdded("A"), nil
		},
		GetMessageFunc: func(context.Context, string) (*gmail.Message, error) {
			return msgWithAttachments, nil
		},
		GetAttachmentFunc: func(_ context.Context, _, attachmentID string) (*gmail.MessagePartBody, error) {
			if attachmentID == "att-gone" {
				return nil, fmt.Errorf("simulated attachment failure")
			}
			return &gmail.MessagePartBody{Data: "UERGLUJZVEVT"}, nil // "PDF-BYTES"
		},
	}
	store := &storeMock{loaded: 50, ok: true}

	r := reconcile.New(svc, store, "", 1)

	records, err := r.Reconcile(context.Background(), reconcile.Notification{HistoryID: 100})
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.Len(t, records[0].Attachments, 1, "failed attachment omitted, record kept")
	att := records[0].Attachments[0]
	assert.Equal(t, "ok.pdf", att.Filename)
	assert.Equal(t, []byte("PDF-BYTES"), att.Data)
	assert.Equal(t, int64(len("PDF-BYTES")), att.Size)
}
