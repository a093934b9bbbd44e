// Package checkpoint persists run progress so an interrupted migration can
// resume without re-creating already-migrated records or re-scanning
// already-processed source ids. The checkpoint is written after every
// processed item; it is a resume aid, not an audit log.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the persisted snapshot of one run's progress.
type Checkpoint struct {
	RunID     string            `json:"run_id"`
	LastIndex int               `json:"last_index"` // Highest index with everything at or below it processed
	XRef      map[string]string `json:"xref"`       // Source id -> target id
	Timestamp time.Time         `json:"timestamp"`
}

// Store reads and writes checkpoints at a fixed path.
type Store struct {
	path string
}

// NewStore creates a checkpoint store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the checkpoint. Returns nil, nil when no checkpoint exists.
func (s *Store) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", s.path, err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically: a temp file in the same directory
// is renamed over the target so a crash mid-write never corrupts the
// previous checkpoint.
func (s *Store) Save(cp *Checkpoint) error {
	cp.Timestamp = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint after a fully completed run.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	return nil
}
