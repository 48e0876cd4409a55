// Package sink forwards normalized records to a downstream HTTP endpoint.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/c64dev/mailpulse/internal/email"
)

const forwardTimeout = 10 * time.Second

// Forwarder delivers record batches fire-and-forget: failures are logged,
// never retried and never surfaced to the reconciliation flow.
type Forwarder struct {
	url string
	clt *http.Client
}

// New creates a Forwarder. An empty URL disables forwarding.
func New(url string) *Forwarder {
	return &Forwarder{
		url: url,
		clt: &http.Client{Timeout: forwardTimeout},
	}
}

// Forward posts the batch as JSON. Empty batches and a disabled sink are
// no-ops.
func (f *Forwarder) Forward(ctx context.Context, records []email.Record) {
	if f.url == "" || len(records) == 0 {
		return
	}

	if err := f.post(ctx, records); err != nil {
		log.Printf("sink: forwarding %d record(s) failed: %v", len(records), err)
	}
}

func (f *Forwarder) post(ctx context.Context, records []email.Record) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http.NewRequestWithContext failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.clt.Do(req)
	if err != nil {
		return fmt.Errorf("clt.Do failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("downstream responded %d", resp.StatusCode)
	}

	return nil
}
