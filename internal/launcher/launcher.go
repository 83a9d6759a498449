// Package launcher owns backend process lifecycle records: which session
// has which child, what state it is in, and the backend-native session id
// used for resume. Process mechanics live in the supervisor; this package
// tracks intent and persists it.
package launcher

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/supervisor"
)

// Record states.
const (
	StateStarting  = "starting"
	StateConnected = "connected"
	StateExited    = "exited"
	StateArchived  = "archived"
)

// Record is the persisted launch state of one session.
type Record struct {
	SessionID        string    `json:"sessionId"`
	AdapterName      string    `json:"adapterName"`
	Cwd              string    `json:"cwd"`
	PID              int       `json:"pid,omitempty"`
	State            string    `json:"state"`
	BackendSessionID string    `json:"backendSessionId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Launcher tracks launch records and drives the supervisor.
type Launcher struct {
	logger *slog.Logger
	sup    *supervisor.Supervisor
	store  *storage.Store

	mu          sync.Mutex
	records     map[string]*Record
	relaunching map[string]bool
}

// New creates a launcher backed by the given record store.
func New(sup *supervisor.Supervisor, store *storage.Store, logger *slog.Logger) *Launcher {
	return &Launcher{
		logger:      logger.With("component", "launcher"),
		sup:         sup,
		store:       store,
		records:     make(map[string]*Record),
		relaunching: make(map[string]bool),
	}
}

// Restore loads every persisted record into memory and returns the ones
// that were live (starting or connected) when the broker went down.
func (l *Launcher) Restore() ([]Record, error) {
	ids, err := l.store.List()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	var live []Record
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		var rec Record
		if !l.store.Load(id, &rec) {
			continue
		}
		// PIDs from a previous process are meaningless now.
		if rec.State == StateStarting || rec.State == StateConnected {
			rec.State = StateExited
			rec.PID = 0
			live = append(live, rec)
		}
		copied := rec
		l.records[id] = &copied
	}
	l.logger.Info("records restored", "total", len(l.records), "live", len(live))
	return live, nil
}

// Track registers a fresh record in the starting state.
func (l *Launcher) Track(sessionID, adapterName, cwd string) *Record {
	now := time.Now()
	rec := &Record{
		SessionID:   sessionID,
		AdapterName: adapterName,
		Cwd:         cwd,
		State:       StateStarting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.mu.Lock()
	l.records[sessionID] = rec
	l.mu.Unlock()
	l.persist(rec)
	return rec
}

// Record returns a copy of the session's record.
func (l *Launcher) Record(sessionID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[sessionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns a copy of every record.
func (l *Launcher) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	return out
}

// Spawn launches the session's child process through the supervisor and
// moves the record to starting. Only Launchable adapters spawn; for the
// rest this records intent and returns.
func (l *Launcher) Spawn(sessionID string, a adapter.Adapter) error {
	l.mu.Lock()
	rec, ok := l.records[sessionID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("no record for session: %s", sessionID)
	}
	cwd := rec.Cwd
	resume := rec.BackendSessionID
	l.mu.Unlock()

	launchable, ok := a.(adapter.Launchable)
	if !ok {
		l.setState(sessionID, StateStarting, 0)
		return nil
	}

	spec := launchable.BuildSpawnArgs(sessionID, cwd, resume)
	h, err := l.sup.SpawnProcess(sessionID, spec, a.Name())
	if err != nil {
		l.setState(sessionID, StateExited, 0)
		return err
	}

	l.setState(sessionID, StateStarting, h.PID)
	go func() {
		<-h.Exited()
		l.mu.Lock()
		current := l.records[sessionID] != nil && l.records[sessionID].PID == h.PID
		l.mu.Unlock()
		if current {
			l.setState(sessionID, StateExited, 0)
		}
	}()
	return nil
}

// Breaker exposes the session's circuit breaker state.
func (l *Launcher) Breaker(sessionID string) supervisor.BreakerState {
	return l.sup.Breaker(sessionID).State()
}

// MarkConnected moves the record to connected.
func (l *Launcher) MarkConnected(sessionID string) {
	l.setState(sessionID, StateConnected, -1)
}

// SetBackendSessionID records the backend-native session id for resume.
func (l *Launcher) SetBackendSessionID(sessionID, backendID string) {
	l.mu.Lock()
	rec, ok := l.records[sessionID]
	if ok && rec.BackendSessionID != backendID {
		rec.BackendSessionID = backendID
		rec.UpdatedAt = time.Now()
	} else {
		ok = false
	}
	var copied Record
	if ok {
		copied = *rec
	}
	l.mu.Unlock()
	if ok {
		l.persist(&copied)
		l.logger.Info("backend session id recorded",
			"session_id", sessionID, "backend_session_id", backendID)
	}
}

// Kill terminates the session's child and marks the record exited.
func (l *Launcher) Kill(sessionID string) error {
	err := l.sup.KillProcess(sessionID)
	l.setState(sessionID, StateExited, 0)
	return err
}

// Archive kills the child and retires the record. Archived records keep
// their backend session id so an archived session can be resumed later.
func (l *Launcher) Archive(sessionID string) error {
	if err := l.sup.KillProcess(sessionID); err != nil {
		l.logger.Warn("kill on archive failed", "session_id", sessionID, "error", err)
	}
	l.setState(sessionID, StateArchived, 0)
	return nil
}

// Close flushes pending record saves. The launcher is unusable afterwards.
func (l *Launcher) Close() error {
	return l.store.Close()
}

// Forget removes the record entirely, including its persisted form.
func (l *Launcher) Forget(sessionID string) error {
	l.mu.Lock()
	delete(l.records, sessionID)
	l.mu.Unlock()
	return l.store.Delete(sessionID)
}

// TryBeginRelaunch claims the relaunch slot for a session. A second caller
// gets false until EndRelaunch, so crash storms collapse to one relaunch at
// a time.
func (l *Launcher) TryBeginRelaunch(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.relaunching[sessionID] {
		return false
	}
	l.relaunching[sessionID] = true
	return true
}

// EndRelaunch releases the relaunch slot.
func (l *Launcher) EndRelaunch(sessionID string) {
	l.mu.Lock()
	delete(l.relaunching, sessionID)
	l.mu.Unlock()
}

// StarvedStarting returns sessions stuck in starting longer than the grace
// period. The reconnect watchdog feeds these back into relaunch.
func (l *Launcher) StarvedStarting(grace time.Duration) []string {
	cutoff := time.Now().Add(-grace)
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for id, rec := range l.records {
		if rec.State == StateStarting && rec.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// setState transitions a record. pid -1 keeps the current pid.
func (l *Launcher) setState(sessionID, state string, pid int) {
	l.mu.Lock()
	rec, ok := l.records[sessionID]
	if !ok {
		l.mu.Unlock()
		return
	}
	rec.State = state
	if pid >= 0 {
		rec.PID = pid
	}
	rec.UpdatedAt = time.Now()
	copied := *rec
	l.mu.Unlock()

	l.persist(&copied)
	l.logger.Info("record state", "session_id", sessionID, "state", state, "pid", copied.PID)
}

func (l *Launcher) persist(rec *Record) {
	if err := l.store.Save(rec.SessionID, rec); err != nil {
		l.logger.Error("record persist failed", "session_id", rec.SessionID, "error", err)
	}
}
