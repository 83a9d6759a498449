package manager

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/broker"
	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/eventbus"
	"github.com/beamcode/beamcode/internal/launcher"
	"github.com/beamcode/beamcode/internal/unified"
)

// fakeBackend is a minimal in-memory BackendSession.
type fakeBackend struct {
	mu     sync.Mutex
	sent   []unified.Message
	msgs   chan unified.Message
	closed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{msgs: make(chan unified.Message, 16)}
}

func (f *fakeBackend) Send(msg unified.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return adapter.ErrSessionClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeBackend) SendRaw(string) error             { return adapter.ErrRawUnsupported }
func (f *fakeBackend) Messages() <-chan unified.Message { return f.msgs }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

// fakeAdapter forward-connects instantly and counts connects.
type fakeAdapter struct {
	name     string
	connects atomic.Int64

	mu   sync.Mutex
	last *fakeBackend
}

func (a *fakeAdapter) Name() string                       { return a.name }
func (a *fakeAdapter) Capabilities() adapter.Capabilities { return adapter.Capabilities{} }

func (a *fakeAdapter) Connect(context.Context, adapter.ConnectOptions) (adapter.BackendSession, error) {
	a.connects.Add(1)
	b := newFakeBackend()
	a.mu.Lock()
	a.last = b
	a.mu.Unlock()
	return b, nil
}

// invertedAdapter waits for a CLI socket delivery.
type invertedAdapter struct {
	fakeAdapter
	delivered atomic.Int64
}

func (a *invertedAdapter) DeliverSocket(sessionID string, conn *websocket.Conn) bool {
	a.delivered.Add(1)
	return true
}

func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{}
	cfg.Storage.Dir = t.TempDir()
	cfg.ApplyDefaults()
	cfg.Storage.SaveDebounce.Duration = time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, adapters ...adapter.Adapter) (*Manager, *eventbus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := adapter.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	bus := eventbus.New()
	m, err := New(cfg, reg, nil, bus, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		m.Stop()
		bus.Close()
	})
	return m, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateSessionConnectsBackend(t *testing.T) {
	fa := &fakeAdapter{name: "fake"}
	m, _ := newTestManager(t, testConfig(t), fa)

	id, err := m.CreateSession("fake", "/work")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	s := m.Broker().Sessions().Get(id)
	if s == nil {
		t.Fatal("session not registered")
	}
	waitFor(t, "backend connect", func() bool { return s.Backend() != nil })

	rec, ok := m.launcher.Record(id)
	if !ok {
		t.Fatal("no launcher record")
	}
	waitFor(t, "record connected", func() bool {
		rec, _ = m.launcher.Record(id)
		return rec.State == launcher.StateConnected
	})
}

func TestInvertedAdapterAwaitsSocket(t *testing.T) {
	ia := &invertedAdapter{fakeAdapter: fakeAdapter{name: "inv"}}
	m, _ := newTestManager(t, testConfig(t), ia)

	id, err := m.CreateSession("inv", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	s := m.Broker().Sessions().Get(id)
	waitFor(t, "pending backend", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.pending[id] != nil
	})
	if s.Backend() != nil {
		t.Fatal("backend registered before socket delivery")
	}

	if !m.DeliverCLISocket(id, nil) {
		t.Fatal("DeliverCLISocket refused")
	}
	if s.Backend() == nil {
		t.Fatal("backend not registered after socket delivery")
	}
	if ia.delivered.Load() != 1 {
		t.Errorf("delivered = %d, want 1", ia.delivered.Load())
	}
	rec, _ := m.launcher.Record(id)
	if rec.State != launcher.StateConnected {
		t.Errorf("state = %q, want connected", rec.State)
	}

	// A socket for an unknown session is refused.
	if m.DeliverCLISocket("unknown", nil) {
		t.Error("socket for unknown session accepted")
	}
}

func TestRelaunchOnStreamEnd(t *testing.T) {
	fa := &fakeAdapter{name: "fake"}
	m, _ := newTestManager(t, testConfig(t), fa)

	id, err := m.CreateSession("fake", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := m.Broker().Sessions().Get(id)
	waitFor(t, "first connect", func() bool { return s.Backend() != nil })

	// Backend dies unexpectedly.
	fa.mu.Lock()
	first := fa.last
	fa.mu.Unlock()
	first.Close()

	waitFor(t, "relaunch", func() bool { return fa.connects.Load() >= 2 })
	waitFor(t, "second backend attached", func() bool {
		b := s.Backend()
		return b != nil && b != first
	})
}

func TestBackendSessionIDRecorded(t *testing.T) {
	fa := &fakeAdapter{name: "fake"}
	m, _ := newTestManager(t, testConfig(t), fa)

	id, err := m.CreateSession("fake", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := m.Broker().Sessions().Get(id)
	waitFor(t, "connect", func() bool { return s.Backend() != nil })

	fa.mu.Lock()
	backend := fa.last
	fa.mu.Unlock()
	backend.msgs <- unified.Message{
		Type:     unified.TypeSessionInit,
		Metadata: map[string]any{"session_id": "native-7"},
	}

	waitFor(t, "resume handle", func() bool {
		rec, _ := m.launcher.Record(id)
		return rec.BackendSessionID == "native-7"
	})
}

func TestIdleReaperArchivesOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.IdleSessionTimeout.Duration = 100 * time.Millisecond
	fa := &fakeAdapter{name: "fake"}
	m, bus := newTestManager(t, cfg, fa)
	events := bus.Subscribe(eventbus.SessionClosed)

	id, err := m.CreateSession("fake", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := m.Broker().Sessions().Get(id)
	waitFor(t, "connect", func() bool { return s.Backend() != nil })
	m.Broker().DisconnectBackend(id, "test")

	// Backend gone, no consumers ever attached: the reaper archives it.
	waitFor(t, "idle reap", func() bool { return m.Broker().Sessions().Get(id) == nil })

	rec, ok := m.launcher.Record(id)
	if !ok || rec.State != launcher.StateArchived {
		t.Errorf("record state = %q, want archived", rec.State)
	}

	// Exactly one close event even though the ticker keeps firing.
	closes := 0
	timeout := time.After(1500 * time.Millisecond)
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Type == eventbus.SessionClosed {
				closes++
			}
		case <-timeout:
			done = true
		}
	}
	if closes != 1 {
		t.Errorf("session closed %d times, want exactly 1", closes)
	}
}

func TestIdleReaperSparesConnectedBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.IdleSessionTimeout.Duration = 100 * time.Millisecond
	fa := &fakeAdapter{name: "fake"}
	m, _ := newTestManager(t, cfg, fa)

	id, err := m.CreateSession("fake", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := m.Broker().Sessions().Get(id)
	waitFor(t, "connect", func() bool { return s.Backend() != nil })

	// Well past the timeout and several reaper ticks, the session survives:
	// a live backend means the conversation can still resume.
	time.Sleep(1500 * time.Millisecond)
	if m.Broker().Sessions().Get(id) == nil {
		t.Fatal("session with a connected backend was reaped")
	}
}

func TestPersistAndRestoreAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	fa := &fakeAdapter{name: "fake"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := adapter.NewRegistry()
	reg.Register(fa)
	bus := eventbus.New()
	m, err := New(cfg, reg, nil, bus, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, err := m.CreateSession("fake", "/work")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := m.Broker().Sessions().Get(id)
	waitFor(t, "connect", func() bool { return s.Backend() != nil })

	fa.mu.Lock()
	backend := fa.last
	fa.mu.Unlock()
	backend.msgs <- unified.Message{
		Type: unified.TypeAssistant, Role: unified.RoleAssistant,
		Content: []unified.Block{unified.TextBlock("remembered")},
	}
	backend.msgs <- unified.Message{
		Type:     unified.TypeResult,
		Metadata: map[string]any{"total_cost_usd": 0.25, "num_turns": 1},
	}
	waitFor(t, "history", func() bool { return len(s.History()) == 2 })

	m.Stop()
	bus.Close()

	// Second process over the same storage directory.
	fa2 := &fakeAdapter{name: "fake"}
	reg2 := adapter.NewRegistry()
	reg2.Register(fa2)
	bus2 := eventbus.New()
	m2, err := New(cfg, reg2, nil, bus2, logger)
	if err != nil {
		t.Fatalf("restart New: %v", err)
	}
	if err := m2.Start(); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	t.Cleanup(func() {
		m2.Stop()
		bus2.Close()
	})

	restored := m2.Broker().Sessions().Get(id)
	if restored == nil {
		t.Fatal("session not restored")
	}
	history := restored.History()
	if len(history) != 2 || history[0].PlainText() != "remembered" {
		t.Errorf("restored history = %+v, want the assistant message first", history)
	}
	state := restored.State()
	if state.TotalCostUSD != 0.25 || state.NumTurns != 1 {
		t.Errorf("restored state = %+v, cost rollups lost", state)
	}
	// The session was live at shutdown, so it relaunches.
	waitFor(t, "relaunch after restore", func() bool { return fa2.connects.Load() >= 1 })
}

func TestArchivedSessionNotRestored(t *testing.T) {
	cfg := testConfig(t)
	fa := &fakeAdapter{name: "fake"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := adapter.NewRegistry()
	reg.Register(fa)
	bus := eventbus.New()
	m, err := New(cfg, reg, nil, bus, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, err := m.CreateSession("fake", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := m.Broker().Sessions().Get(id)
	waitFor(t, "connect", func() bool { return s.Backend() != nil })
	if err := m.ArchiveSession(id); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	m.Stop()
	bus.Close()

	fa2 := &fakeAdapter{name: "fake"}
	reg2 := adapter.NewRegistry()
	reg2.Register(fa2)
	bus2 := eventbus.New()
	m2, err := New(cfg, reg2, nil, bus2, logger)
	if err != nil {
		t.Fatalf("restart New: %v", err)
	}
	if err := m2.Start(); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	t.Cleanup(func() {
		m2.Stop()
		bus2.Close()
	})

	if m2.Broker().Sessions().Get(id) != nil {
		t.Error("archived session revived at restart")
	}
	// The document and resume handle are kept for a deliberate resume.
	var doc sessionDoc
	if !m2.docs.Load(id, &doc) || !doc.Archived {
		t.Error("archived document missing or unflagged")
	}
}

func TestSessionDocCarriesPendingWork(t *testing.T) {
	fa := &fakeAdapter{name: "fake"}
	m, _ := newTestManager(t, testConfig(t), fa)

	id, err := m.CreateSession("fake", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := m.Broker().Sessions().Get(id)

	s.SeedPendingMessages([]unified.Message{unified.UserText("queued while down")})
	s.SeedPendingPermissions(map[string]unified.Message{
		"req-1": {Type: unified.TypePermissionRequest, Metadata: map[string]any{"request_id": "req-1"}},
	})
	m.persistSession(s)

	var doc sessionDoc
	waitFor(t, "document flush", func() bool { return m.docs.Load(id, &doc) })
	if len(doc.PendingMessages) != 1 || doc.PendingMessages[0].PlainText() != "queued while down" {
		t.Errorf("pendingMessages = %+v", doc.PendingMessages)
	}
	if len(doc.PendingPermissions) != 1 || doc.PendingPermissions[0].RequestID != "req-1" {
		t.Errorf("pendingPermissions = %+v", doc.PendingPermissions)
	}
	if doc.State.SessionID != id || doc.State.Status != broker.StatusIdle {
		t.Errorf("state = %+v", doc.State)
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	fa := &fakeAdapter{name: "fake"}
	m, _ := newTestManager(t, testConfig(t), fa)

	id, err := m.CreateSession("fake", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s := m.Broker().Sessions().Get(id)
	waitFor(t, "connect", func() bool { return s.Backend() != nil })

	if err := m.DeleteSession(id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if m.Broker().Sessions().Get(id) != nil {
		t.Error("session still registered")
	}
	if _, ok := m.launcher.Record(id); ok {
		t.Error("launcher record survived delete")
	}
	var doc sessionDoc
	if m.docs.Load(id, &doc) {
		t.Error("session document survived delete")
	}
}

func TestListSessions(t *testing.T) {
	fa := &fakeAdapter{name: "fake"}
	m, _ := newTestManager(t, testConfig(t), fa)

	id, err := m.CreateSession("fake", "/work")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	infos := m.ListSessions()
	if len(infos) != 1 {
		t.Fatalf("sessions = %d, want 1", len(infos))
	}
	if infos[0].ID != id || infos[0].Adapter != "fake" || infos[0].Cwd != "/work" {
		t.Errorf("info = %+v", infos[0])
	}
	if infos[0].Breaker.State != "closed" {
		t.Errorf("breaker state = %q, want closed", infos[0].Breaker.State)
	}

	if _, ok := m.GetSession(id); !ok {
		t.Error("GetSession failed for existing session")
	}
	if _, ok := m.GetSession("missing"); ok {
		t.Error("GetSession returned a missing session")
	}
}
