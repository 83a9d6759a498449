package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T, debounce time.Duration) *Store {
	t.Helper()
	s, err := New(t.TempDir(), debounce, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestValidID(t *testing.T) {
	valid := NewID()
	if !ValidID(valid) {
		t.Errorf("ValidID(%q) = false, want true", valid)
	}

	invalid := []string{
		"",
		"not-a-uuid",
		"../../etc/passwd",
		"6BA7B810-9DAD-41D1-80B4-00C04FD430C8", // uppercase
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8", // v1
		"6ba7b810-9dad-41d1-80b4-00c04fd430c8.json",         // suffix
		"{6ba7b810-9dad-41d1-80b4-00c04fd430c8}",            // braces
		"urn:uuid:6ba7b810-9dad-41d1-80b4-00c04fd430c8",     // urn form
		"6ba7b8109dad41d180b400c04fd430c8",                  // no dashes
		"6ba7b810-9dad-41d1-80b4-00c04fd430c8-00c04fd430c8", // too long
	}
	for _, id := range invalid {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}

func TestSaveSyncAndLoad(t *testing.T) {
	s := newTestStore(t, time.Hour)
	id := NewID()

	if err := s.SaveSync(id, doc{Name: "alpha", Count: 3}); err != nil {
		t.Fatalf("SaveSync: %v", err)
	}

	var got doc
	if !s.Load(id, &got) {
		t.Fatal("Load returned false for existing document")
	}
	if got.Name != "alpha" || got.Count != 3 {
		t.Errorf("got %+v, want alpha/3", got)
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t, time.Hour)
	var got doc
	if s.Load(NewID(), &got) {
		t.Error("Load returned true for missing document")
	}
}

func TestLoadCorrupt(t *testing.T) {
	s := newTestStore(t, time.Hour)
	id := NewID()
	if err := os.WriteFile(filepath.Join(s.dir, id+".json"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	var got doc
	if s.Load(id, &got) {
		t.Error("Load returned true for corrupt document")
	}
}

func TestDebouncedSaveCoalesces(t *testing.T) {
	s := newTestStore(t, 20*time.Millisecond)
	id := NewID()

	for i := 1; i <= 5; i++ {
		if err := s.Save(id, doc{Name: "beta", Count: i}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	// Before the debounce fires nothing is on disk.
	var got doc
	if s.Load(id, &got) {
		t.Fatal("document flushed before debounce window elapsed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !s.Load(id, &got) {
		if time.Now().After(deadline) {
			t.Fatal("debounced save never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got.Count != 5 {
		t.Errorf("count = %d, want last value 5", got.Count)
	}
}

func TestSaveSyncSupersedesPending(t *testing.T) {
	s := newTestStore(t, 50*time.Millisecond)
	id := NewID()

	if err := s.Save(id, doc{Count: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.SaveSync(id, doc{Count: 2}); err != nil {
		t.Fatalf("SaveSync: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	var got doc
	if !s.Load(id, &got) {
		t.Fatal("Load failed")
	}
	if got.Count != 2 {
		t.Errorf("count = %d, want 2 (stale debounced write ran)", got.Count)
	}
}

func TestListSkipsForeignFiles(t *testing.T) {
	s := newTestStore(t, time.Hour)
	id := NewID()
	if err := s.SaveSync(id, doc{}); err != nil {
		t.Fatalf("SaveSync: %v", err)
	}
	os.WriteFile(filepath.Join(s.dir, "README.json"), []byte("{}"), 0o644)
	os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o644)

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("List = %v, want [%s]", ids, id)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, time.Hour)
	id := NewID()
	if err := s.SaveSync(id, doc{}); err != nil {
		t.Fatalf("SaveSync: %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var got doc
	if s.Load(id, &got) {
		t.Error("document still loadable after Delete")
	}
	// Deleting again is fine.
	if err := s.Delete(id); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestOrphanTempReap(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, NewID()+".json.tmp")
	if err := os.WriteFile(orphan, []byte("partial"), 0o644); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	if _, err := New(dir, time.Hour, slog.New(slog.NewTextHandler(os.Stderr, nil))); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan temp file survived store open")
	}
}

func TestCloseFlushesPending(t *testing.T) {
	s := newTestStore(t, time.Hour)
	id := NewID()
	if err := s.Save(id, doc{Count: 9}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got doc
	if !s.Load(id, &got) {
		t.Fatal("pending save lost on Close")
	}
	if got.Count != 9 {
		t.Errorf("count = %d, want 9", got.Count)
	}
}
