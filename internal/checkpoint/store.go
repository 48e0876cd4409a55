// Package checkpoint persists the last successfully processed history
// position in a single durable slot.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

type slot struct {
	HistoryID uint64 `json:"historyId"`
}

// FileStore holds the checkpoint in a single JSON file, replaced wholly on
// each save via write-temp-then-rename.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the given file path. The file does
// not need to exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns the stored checkpoint. A missing or unreadable file degrades
// to "no prior checkpoint" (ok=false) rather than failing the caller; the
// reconciler then cold-starts from the next notification.
func (s *FileStore) Load() (uint64, bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("checkpoint: reading %s failed, treating as cold start: %v", s.path, err)
		}
		return 0, false, nil
	}

	var sl slot
	if err := json.Unmarshal(raw, &sl); err != nil {
		log.Printf("checkpoint: %s is corrupt, treating as cold start: %v", s.path, err)
		return 0, false, nil
	}
	if sl.HistoryID == 0 {
		return 0, false, nil
	}

	return sl.HistoryID, true, nil
}

// Save atomically replaces the checkpoint slot.
func (s *FileStore) Save(historyID uint64) error {
	raw, err := json.Marshal(slot{HistoryID: historyID})
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("os.MkdirAll failed: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("os.CreateTemp failed: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("tmp.Write failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("tmp.Close failed: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("os.Rename failed: %w", err)
	}

	return nil
}
