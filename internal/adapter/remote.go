package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/internal/unified"
)

// RemoteAdapter bridges a session to another broker over WebSocket. The
// peer already speaks the unified schema, so there is no translation layer;
// frames cross the wire as-is.
type RemoteAdapter struct {
	cfg    config.RemoteConfig
	logger *slog.Logger
	tracer *trace.Tracer
}

// NewRemoteAdapter creates the remote adapter.
func NewRemoteAdapter(cfg *config.RemoteConfig, logger *slog.Logger, tracer *trace.Tracer) *RemoteAdapter {
	return &RemoteAdapter{
		cfg:    *cfg,
		logger: logger.With("component", "adapter.remote"),
		tracer: tracer,
	}
}

func (a *RemoteAdapter) Name() string { return "remote" }

func (a *RemoteAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  "remote",
	}
}

// Connect dials the peer. The session to attach to travels as a query
// parameter so the peer can route before the first frame.
func (a *RemoteAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	q := u.Query()
	q.Set("session", opts.SessionID)
	if opts.Resume != "" {
		q.Set("resume", opts.Resume)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	for k, v := range a.cfg.Headers {
		header.Set(k, v)
	}

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
		return c, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("dial remote peer: %w", err)
	}

	s := &remoteSession{
		sessionID: opts.SessionID,
		logger:    a.logger.With("session_id", opts.SessionID),
		tracer:    a.tracer,
		conn:      conn,
		msgs:      make(chan unified.Message, 64),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type remoteSession struct {
	sessionID string
	logger    *slog.Logger
	tracer    *trace.Tracer

	conn    *websocket.Conn
	writeMu sync.Mutex

	msgs      chan unified.Message
	done      chan struct{}
	producers sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func (s *remoteSession) Send(msg unified.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.writeFrame(data)
}

func (s *remoteSession) SendRaw(text string) error {
	return s.writeFrame([]byte(text))
}

func (s *remoteSession) writeFrame(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	s.tracer.Frame("remote", "out", peekType(data), data)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *remoteSession) Messages() <-chan unified.Message { return s.msgs }

func (s *remoteSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()
	s.producers.Wait()
	close(s.msgs)
	return nil
}

// deliver hands a message to the consumer. The send registers with the
// producer group under the lock, so Close drains in-flight sends before it
// closes the channel.
func (s *remoteSession) deliver(msg unified.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.producers.Add(1)
	s.mu.Unlock()
	defer s.producers.Done()

	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

func (s *remoteSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Info("remote peer closed", "error", err)
				s.Close()
			}
			return
		}
		s.tracer.Frame("remote", "in", peekType(data), data)

		var msg unified.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("bad remote frame", "error", err)
			continue
		}
		if msg.Type == "" {
			continue
		}

		s.deliver(msg)
	}
}
