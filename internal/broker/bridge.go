package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/eventbus"
	"github.com/beamcode/beamcode/pkg/protocol"
)

// Broker routes frames between consumers and backend sessions. One broker
// serves every session in the process.
type Broker struct {
	logger   *slog.Logger
	bus      *eventbus.Bus
	cfg      config.BrokerConfig
	registry *adapter.Registry
	auth     Authenticator
	commands *CommandRegistry
	sessions *SessionStore

	// persist is invoked after state changes worth flushing. Set by the
	// manager; nil is fine.
	persist func(*Session)
	// breaker resolves a session's circuit breaker state for snapshots.
	// Set by the manager; nil is fine.
	breaker func(sessionID string) any

	mu      sync.Mutex
	streams map[string]context.CancelFunc // session id → stream consumer cancel
}

// New creates a broker.
func New(cfg config.BrokerConfig, registry *adapter.Registry, auth Authenticator, bus *eventbus.Bus, logger *slog.Logger) *Broker {
	if auth == nil {
		auth = AnonymousAuthenticator{}
	}
	return &Broker{
		logger:   logger.With("component", "broker"),
		bus:      bus,
		cfg:      cfg,
		registry: registry,
		auth:     auth,
		commands: NewCommandRegistry(),
		sessions: NewSessionStore(),
		streams:  make(map[string]context.CancelFunc),
	}
}

// SetPersistFunc installs the persistence hook.
func (b *Broker) SetPersistFunc(fn func(*Session)) { b.persist = fn }

// SetBreakerFunc installs the circuit breaker lookup used in snapshots.
func (b *Broker) SetBreakerFunc(fn func(sessionID string) any) { b.breaker = fn }

// Sessions exposes the session registry.
func (b *Broker) Sessions() *SessionStore { return b.sessions }

// Registry exposes the adapter registry.
func (b *Broker) Registry() *adapter.Registry { return b.registry }

// CreateSession registers a session for routing. The backend connects
// separately via ConnectBackend.
func (b *Broker) CreateSession(id, adapterName, cwd string) (*Session, error) {
	if _, err := b.registry.Get(adapterName); err != nil {
		return nil, err
	}
	s, err := b.sessions.Create(id, adapterName, cwd)
	if err != nil {
		return nil, err
	}
	b.logger.Info("session created", "session_id", id, "adapter", adapterName, "cwd", cwd)
	b.persistSession(s)
	return s, nil
}

// CloseSession tears a session down: backend disconnected, consumers closed,
// registry entry removed.
func (b *Broker) CloseSession(id string, reason string) error {
	s := b.sessions.Get(id)
	if s == nil {
		return fmt.Errorf("no such session: %s", id)
	}

	b.DisconnectBackend(id, reason)

	for sock := range s.Consumers() {
		b.evict(s, sock)
		if err := sock.Close(protocol.CloseSessionNotFound, reason); err != nil {
			b.logger.Debug("consumer close failed", "session_id", id, "error", err)
		}
	}

	b.commands.Drop(id)
	b.sessions.Remove(id)
	b.bus.PublishType(eventbus.SessionClosed, map[string]string{"session_id": id, "reason": reason})
	b.logger.Info("session closed", "session_id", id, "reason", reason)
	return nil
}

func (b *Broker) persistSession(s *Session) {
	if b.persist != nil {
		b.persist(s)
	}
}
