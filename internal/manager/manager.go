// Package manager composes the broker, launcher, and storage into one
// running system. It owns the event-loop wiring between them plus the two
// background watchdogs: reconnect (sessions stuck in starting) and idle
// reaping.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/broker"
	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/eventbus"
	"github.com/beamcode/beamcode/internal/launcher"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/internal/unified"
)

// sessionDoc is the persisted form of a brokered session. Loading it back
// must reproduce the session's state, history, pending queue, and pending
// permissions exactly.
type sessionDoc struct {
	ID                 string              `json:"id"`
	Adapter            string              `json:"adapter"`
	Cwd                string              `json:"cwd"`
	CreatedAt          time.Time           `json:"createdAt"`
	State              broker.SessionState `json:"state"`
	History            []unified.Message   `json:"history"`
	PendingMessages    []unified.Message   `json:"pendingMessages,omitempty"`
	PendingPermissions []permissionDoc     `json:"pendingPermissions,omitempty"`
	Archived           bool                `json:"archived,omitempty"`
}

// permissionDoc is one pending permission request in persisted form.
type permissionDoc struct {
	RequestID string          `json:"requestId"`
	Request   unified.Message `json:"request"`
}

// SessionInfo is the REST-facing view of a session.
type SessionInfo struct {
	ID               string                  `json:"id"`
	Adapter          string                  `json:"adapter"`
	Cwd              string                  `json:"cwd"`
	State            string                  `json:"state"`
	Status           string                  `json:"status,omitempty"`
	PID              int                     `json:"pid,omitempty"`
	BackendSessionID string                  `json:"backendSessionId,omitempty"`
	Consumers        int                     `json:"consumers"`
	CreatedAt        time.Time               `json:"createdAt"`
	Breaker          supervisor.BreakerState `json:"breaker"`
}

// Manager is the top-level composition root.
type Manager struct {
	logger *slog.Logger
	cfg    *config.Config
	bus    *eventbus.Bus

	registry *adapter.Registry
	broker   *broker.Broker
	launcher *launcher.Launcher
	sup      *supervisor.Supervisor
	docs     *storage.Store

	mu      sync.Mutex
	pending map[string]adapter.BackendSession // inverted backends awaiting their CLI socket

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a manager and its storage. Nothing runs until Start.
func New(cfg *config.Config, registry *adapter.Registry, auth broker.Authenticator, bus *eventbus.Bus, logger *slog.Logger) (*Manager, error) {
	docs, err := storage.New(filepath.Join(cfg.Storage.Dir, "sessions"), cfg.Storage.SaveDebounce.Duration, logger)
	if err != nil {
		return nil, fmt.Errorf("session storage: %w", err)
	}
	records, err := storage.New(filepath.Join(cfg.Storage.Dir, "launchers"), cfg.Storage.SaveDebounce.Duration, logger)
	if err != nil {
		return nil, fmt.Errorf("launcher storage: %w", err)
	}

	sup := supervisor.New(logger, cfg.Broker.KillGracePeriod.Duration)
	m := &Manager{
		logger:   logger.With("component", "manager"),
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		launcher: launcher.New(sup, records, logger),
		sup:      sup,
		docs:     docs,
		pending:  make(map[string]adapter.BackendSession),
		stop:     make(chan struct{}),
	}
	m.broker = broker.New(cfg.Broker, registry, auth, bus, logger)
	m.broker.SetPersistFunc(m.persistSession)
	m.broker.SetBreakerFunc(func(sessionID string) any {
		return m.launcher.Breaker(sessionID)
	})
	return m, nil
}

// Broker exposes the broker for the HTTP server.
func (m *Manager) Broker() *broker.Broker { return m.broker }

// Start restores persisted state and launches the background loops.
func (m *Manager) Start() error {
	if err := m.restore(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.eventLoop()

	m.wg.Add(1)
	go m.reconnectWatchdog()

	if m.cfg.Broker.IdleSessionTimeout.Duration > 0 {
		m.wg.Add(1)
		go m.idleReaper()
	}
	return nil
}

// Stop shuts everything down: backends disconnected, children killed,
// pending saves flushed.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()

	for _, s := range m.broker.Sessions().All() {
		m.broker.DisconnectBackend(s.ID, "shutdown")
	}
	m.sup.KillAll()

	if err := m.launcher.Close(); err != nil {
		m.logger.Error("launcher store flush failed", "error", err)
	}
	if err := m.docs.Close(); err != nil {
		m.logger.Error("session store flush failed", "error", err)
	}
	m.logger.Info("manager stopped")
}

// restore reloads persisted sessions and relaunches the ones that were live.
func (m *Manager) restore() error {
	ids, err := m.docs.List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, id := range ids {
		var doc sessionDoc
		if !m.docs.Load(id, &doc) {
			continue
		}
		if doc.Archived {
			continue
		}
		s, err := m.broker.CreateSession(doc.ID, doc.Adapter, doc.Cwd)
		if err != nil {
			m.logger.Warn("session restore failed", "session_id", doc.ID, "error", err)
			continue
		}
		s.SeedState(doc.State)
		s.SeedHistory(doc.History)
		s.SeedPendingMessages(doc.PendingMessages)
		pending := make(map[string]unified.Message, len(doc.PendingPermissions))
		for _, p := range doc.PendingPermissions {
			pending[p.RequestID] = p.Request
		}
		s.SeedPendingPermissions(pending)
	}

	live, err := m.launcher.Restore()
	if err != nil {
		return err
	}
	for _, rec := range live {
		if m.broker.Sessions().Get(rec.SessionID) == nil {
			continue
		}
		if m.launcher.TryBeginRelaunch(rec.SessionID) {
			go m.relaunch(rec.SessionID)
		}
	}
	m.logger.Info("state restored", "sessions", m.broker.Sessions().Len(), "relaunching", len(live))
	return nil
}

// CreateSession mints a session, persists it, and starts its backend.
func (m *Manager) CreateSession(adapterName, cwd string) (string, error) {
	if adapterName == "" {
		adapterName = "claude"
	}
	id := storage.NewID()
	if _, err := m.broker.CreateSession(id, adapterName, cwd); err != nil {
		return "", err
	}
	m.launcher.Track(id, adapterName, cwd)
	if err := m.launchBackend(id); err != nil {
		m.logger.Warn("initial launch failed", "session_id", id, "error", err)
	}
	return id, nil
}

// ArchiveSession closes a session but keeps its document and resume handle.
// The persisted document is flagged so a restart does not revive it.
func (m *Manager) ArchiveSession(id string) error {
	if err := m.broker.CloseSession(id, "archived"); err != nil {
		return err
	}
	var doc sessionDoc
	if m.docs.Load(id, &doc) {
		doc.Archived = true
		if err := m.docs.Save(id, doc); err != nil {
			m.logger.Error("archive flag persist failed", "session_id", id, "error", err)
		}
	}
	return m.launcher.Archive(id)
}

// DeleteSession closes a session and removes every trace of it.
func (m *Manager) DeleteSession(id string) error {
	if m.broker.Sessions().Get(id) != nil {
		if err := m.broker.CloseSession(id, "deleted"); err != nil {
			return err
		}
	}
	if err := m.launcher.Forget(id); err != nil {
		m.logger.Warn("launcher record delete failed", "session_id", id, "error", err)
	}
	m.clearPending(id)
	return m.docs.Delete(id)
}

// ListSessions returns the REST view over sessions and records.
func (m *Manager) ListSessions() []SessionInfo {
	var out []SessionInfo
	for _, s := range m.broker.Sessions().All() {
		info := SessionInfo{
			ID:        s.ID,
			Adapter:   s.AdapterName,
			Cwd:       s.Cwd,
			Status:    s.Status(),
			Consumers: s.ConsumerCount(),
			CreatedAt: s.CreatedAt,
			Breaker:   m.launcher.Breaker(s.ID),
		}
		if rec, ok := m.launcher.Record(s.ID); ok {
			info.State = rec.State
			info.PID = rec.PID
			info.BackendSessionID = rec.BackendSessionID
		}
		out = append(out, info)
	}
	return out
}

// GetSession returns the REST view of one session.
func (m *Manager) GetSession(id string) (SessionInfo, bool) {
	s := m.broker.Sessions().Get(id)
	if s == nil {
		return SessionInfo{}, false
	}
	info := SessionInfo{
		ID:        s.ID,
		Adapter:   s.AdapterName,
		Cwd:       s.Cwd,
		Status:    s.Status(),
		Consumers: s.ConsumerCount(),
		CreatedAt: s.CreatedAt,
		Breaker:   m.launcher.Breaker(s.ID),
	}
	if rec, ok := m.launcher.Record(s.ID); ok {
		info.State = rec.State
		info.PID = rec.PID
		info.BackendSessionID = rec.BackendSessionID
	}
	return info, true
}

// DeliverCLISocket hands an accepted CLI WebSocket to the session's
// inverted backend. The backend is registered with the broker first so the
// stream consumer is running before the first frame arrives.
func (m *Manager) DeliverCLISocket(sessionID string, conn *websocket.Conn) bool {
	m.mu.Lock()
	backend, ok := m.pending[sessionID]
	if ok {
		delete(m.pending, sessionID)
	}
	m.mu.Unlock()

	s := m.broker.Sessions().Get(sessionID)
	if s == nil {
		return false
	}
	a, err := m.registry.Get(s.AdapterName)
	if err != nil {
		return false
	}
	inverted, isInverted := a.(adapter.InvertedConnection)
	if !isInverted {
		return false
	}

	if ok {
		if err := m.broker.ConnectBackend(sessionID, backend); err != nil {
			m.logger.Error("backend registration failed", "session_id", sessionID, "error", err)
			return false
		}
	}
	if !inverted.DeliverSocket(sessionID, conn) {
		return false
	}
	m.launcher.MarkConnected(sessionID)
	return true
}

// launchBackend starts (or restarts) the session's backend.
func (m *Manager) launchBackend(id string) error {
	s := m.broker.Sessions().Get(id)
	if s == nil {
		return fmt.Errorf("no such session: %s", id)
	}
	a, err := m.registry.Get(s.AdapterName)
	if err != nil {
		return err
	}
	rec, _ := m.launcher.Record(id)

	if err := m.launcher.Spawn(id, a); err != nil {
		if errors.Is(err, supervisor.ErrCircuitOpen) {
			m.bus.PublishType(eventbus.CircuitBreakerOpen, map[string]string{"session_id": id})
		}
		return err
	}

	opts := adapter.ConnectOptions{
		SessionID: id,
		Cwd:       s.Cwd,
		Resume:    rec.BackendSessionID,
	}

	if _, isInverted := a.(adapter.InvertedConnection); isInverted {
		backend, err := a.Connect(context.Background(), opts)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.pending[id] = backend
		m.mu.Unlock()
		return nil
	}

	// Forward-connecting backends finish asynchronously; the dial may wait
	// on a process that is still booting.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Broker.RPCTimeout.Duration)
		defer cancel()

		backend, err := a.Connect(ctx, opts)
		if err != nil {
			m.logger.Error("backend connect failed", "session_id", id, "adapter", a.Name(), "error", err)
			m.sup.Breaker(id).RecordFailure()
			return
		}
		if err := m.broker.ConnectBackend(id, backend); err != nil {
			m.logger.Error("backend registration failed", "session_id", id, "error", err)
			backend.Close()
			return
		}
		m.launcher.MarkConnected(id)
	}()
	return nil
}

// relaunch re-runs launchBackend under the dedup flag.
func (m *Manager) relaunch(id string) {
	defer m.launcher.EndRelaunch(id)
	if err := m.launchBackend(id); err != nil {
		m.logger.Warn("relaunch failed", "session_id", id, "error", err)
	}
}

func (m *Manager) clearPending(id string) {
	m.mu.Lock()
	backend, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if ok {
		backend.Close()
	}
}

// eventLoop routes bus events between the broker and the launcher.
func (m *Manager) eventLoop() {
	defer m.wg.Done()
	events := m.bus.Subscribe(
		eventbus.BackendRelaunchNeeded,
		eventbus.BackendSessionID,
		eventbus.SessionClosed,
	)
	defer m.bus.Unsubscribe(events)

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(e)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) handleEvent(e eventbus.Event) {
	var data map[string]string
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &data); err != nil {
			m.logger.Warn("bad event payload", "event", e.Type, "error", err)
			return
		}
	}
	sessionID := data["session_id"]

	switch e.Type {
	case eventbus.BackendRelaunchNeeded:
		if m.broker.Sessions().Get(sessionID) == nil {
			return
		}
		if m.launcher.TryBeginRelaunch(sessionID) {
			go m.relaunch(sessionID)
		}

	case eventbus.BackendSessionID:
		m.launcher.SetBackendSessionID(sessionID, data["backend_session_id"])

	case eventbus.SessionClosed:
		if err := m.launcher.Kill(sessionID); err != nil {
			m.logger.Warn("process kill failed", "session_id", sessionID, "error", err)
		}
		m.clearPending(sessionID)
	}
}

// reconnectWatchdog relaunches sessions stuck in starting beyond the grace
// period.
func (m *Manager) reconnectWatchdog() {
	defer m.wg.Done()

	grace := m.cfg.Broker.ReconnectGracePeriod.Duration
	interval := grace / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, id := range m.launcher.StarvedStarting(grace) {
				if m.broker.Sessions().Get(id) == nil {
					continue
				}
				m.logger.Warn("session stuck in starting, relaunching", "session_id", id)
				if m.launcher.TryBeginRelaunch(id) {
					go m.relaunch(id)
				}
			}
		case <-m.stop:
			return
		}
	}
}

// idleReaper archives sessions with no consumers and no recent activity.
// Tick interval is a tenth of the timeout, floored at one second, so a
// session overshoots its deadline by at most ten percent.
func (m *Manager) idleReaper() {
	defer m.wg.Done()

	timeout := m.cfg.Broker.IdleSessionTimeout.Duration
	interval := timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-timeout)
			for _, s := range m.broker.Sessions().All() {
				if s.Backend() != nil || s.ConsumerCount() > 0 || s.LastActivity().After(cutoff) {
					continue
				}
				m.logger.Info("reaping idle session", "session_id", s.ID)
				if err := m.ArchiveSession(s.ID); err != nil {
					m.logger.Warn("idle reap failed", "session_id", s.ID, "error", err)
				}
			}
		case <-m.stop:
			return
		}
	}
}

// persistSession is the broker's persistence hook.
func (m *Manager) persistSession(s *broker.Session) {
	doc := sessionDoc{
		ID:              s.ID,
		Adapter:         s.AdapterName,
		Cwd:             s.Cwd,
		CreatedAt:       s.CreatedAt,
		State:           s.State(),
		History:         s.History(),
		PendingMessages: s.PendingMessages(),
	}
	for requestID, req := range s.PendingPermissions() {
		doc.PendingPermissions = append(doc.PendingPermissions, permissionDoc{
			RequestID: requestID,
			Request:   req,
		})
	}
	if err := m.docs.Save(s.ID, doc); err != nil {
		m.logger.Error("session persist failed", "session_id", s.ID, "error", err)
	}
}
