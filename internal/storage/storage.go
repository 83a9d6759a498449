// Package storage persists broker state as one JSON document per id under a
// single directory. Writes go through a temp file and rename so a crash never
// leaves a half-written document, and saves are debounced so chatty callers
// do not hammer the disk.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is a directory of <uuid>.json documents.
type Store struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]any         // id → latest value awaiting flush
	timers  map[string]*time.Timer // id → debounce timer
	closed  bool
}

// New opens (or creates) the store directory and reaps orphaned temp files
// left behind by a crash mid-write.
func New(dir string, debounce time.Duration, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		debounce: debounce,
		logger:   logger.With("component", "storage"),
		pending:  make(map[string]any),
		timers:   make(map[string]*time.Timer),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("orphan temp file not removed", "path", path, "error", err)
			} else {
				s.logger.Info("removed orphan temp file", "path", path)
			}
		}
	}
	return s, nil
}

// NewID mints a canonical lowercase v4 id.
func NewID() string { return uuid.NewString() }

// ValidID reports whether id is a canonical lowercase UUIDv4. Uppercase and
// non-v4 forms are rejected so on-disk names stay in one shape.
func ValidID(id string) bool {
	if id != strings.ToLower(id) {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && u.String() == id
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save schedules a debounced write. Repeated saves for the same id within
// the debounce window coalesce to one write of the latest value.
func (s *Store) Save(id string, v any) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid storage id: %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store closed")
	}

	s.pending[id] = v
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(s.debounce, func() { s.flush(id) })
	return nil
}

// SaveSync writes immediately, superseding any pending debounced save.
func (s *Store) SaveSync(id string, v any) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid storage id: %q", id)
	}

	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.pending, id)
	s.mu.Unlock()

	return s.write(id, v)
}

func (s *Store) flush(id string) {
	s.mu.Lock()
	v, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	delete(s.timers, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.write(id, v); err != nil {
		s.logger.Error("debounced save failed", "id", id, "error", err)
	}
}

// write performs the atomic temp-and-rename write.
func (s *Store) write(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Load reads the document for id into v. A missing or corrupt file returns
// false rather than an error: stale state is recoverable, a crash loop from
// one bad document is not.
func (s *Store) Load(id string, v any) bool {
	if !ValidID(id) {
		return false
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("corrupt document ignored", "id", id, "error", err)
		return false
	}
	return true
}

// List returns the ids of every document with a valid uuid filename.
// Foreign files in the directory are skipped.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if ValidID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Delete removes the document and any pending save for id.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid storage id: %q", id)
	}

	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.pending, id)
	s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

// Close flushes every pending debounced save synchronously.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	flushes := make(map[string]any, len(s.pending))
	for id, v := range s.pending {
		flushes[id] = v
	}
	s.pending = make(map[string]any)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	var firstErr error
	for id, v := range flushes {
		if err := s.write(id, v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
