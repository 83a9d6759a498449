package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/internal/unified"
)

// ClaudeAdapter drives the claude CLI in SDK mode. The connection is
// inverted: the launcher spawns the CLI with an --sdk-url pointing back at
// the broker, and the CLI dials in over WebSocket. Until the socket arrives
// the session buffers outbound frames.
type ClaudeAdapter struct {
	cfg    config.ClaudeConfig
	logger *slog.Logger
	tracer *trace.Tracer

	mu       sync.Mutex
	sessions map[string]*claudeSession
}

// NewClaudeAdapter creates the claude adapter. A nil cfg uses defaults.
func NewClaudeAdapter(cfg *config.ClaudeConfig, logger *slog.Logger, tracer *trace.Tracer) *ClaudeAdapter {
	c := config.ClaudeConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Command == "" {
		c.Command = "claude"
	}
	if c.SDKURL == "" {
		c.SDKURL = "ws://127.0.0.1:3284"
	}
	return &ClaudeAdapter{
		cfg:      c,
		logger:   logger.With("component", "adapter.claude"),
		tracer:   tracer,
		sessions: make(map[string]*claudeSession),
	}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  "local",
		Teams:         true,
	}
}

// BuildSpawnArgs returns the CLI invocation for a session. The CLI dials
// back to /cli/<sessionID> on the broker.
func (a *ClaudeAdapter) BuildSpawnArgs(sessionID, cwd, resume string) supervisor.SpawnSpec {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--sdk-url", fmt.Sprintf("%s/cli/%s", a.cfg.SDKURL, sessionID),
	}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	env := make([]string, 0, len(a.cfg.Env))
	for k, v := range a.cfg.Env {
		env = append(env, k+"="+v)
	}
	return supervisor.SpawnSpec{
		Command: a.cfg.Command,
		Args:    args,
		Cwd:     cwd,
		Env:     env,
	}
}

// Connect registers a session that waits for the CLI to dial in. It never
// blocks on the socket; Send buffers until DeliverSocket attaches one.
func (a *ClaudeAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	s := &claudeSession{
		adapter:     a,
		sessionID:   opts.SessionID,
		logger:      a.logger.With("session_id", opts.SessionID),
		tracer:      a.tracer,
		msgs:        make(chan unified.Message, 64),
		outbox:      make(chan []byte, 64),
		done:        make(chan struct{}),
		pendingCtrl: make(map[string]chan json.RawMessage),
		nativeID:    opts.Resume,
	}

	a.mu.Lock()
	if prior, ok := a.sessions[opts.SessionID]; ok {
		a.mu.Unlock()
		prior.Close()
		a.mu.Lock()
	}
	a.sessions[opts.SessionID] = s
	a.mu.Unlock()

	return s, nil
}

// DeliverSocket attaches an accepted CLI WebSocket to its session. A false
// return means no session is waiting and the caller should close the socket.
func (a *ClaudeAdapter) DeliverSocket(sessionID string, conn *websocket.Conn) bool {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	s.attach(conn)
	return true
}

func (a *ClaudeAdapter) remove(s *claudeSession) {
	a.mu.Lock()
	if current, ok := a.sessions[s.sessionID]; ok && current == s {
		delete(a.sessions, s.sessionID)
	}
	a.mu.Unlock()
}

type claudeSession struct {
	adapter   *ClaudeAdapter
	sessionID string
	logger    *slog.Logger
	tracer    *trace.Tracer

	msgs      chan unified.Message
	outbox    chan []byte
	done      chan struct{}
	producers sync.WaitGroup

	ctrlSeq atomic.Int64

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	passthrough func(unified.Message) bool
	pendingCtrl map[string]chan json.RawMessage
	nativeID    string
}

// attach binds a CLI socket and starts the pumps. A reconnect replaces the
// old socket; buffered outbound frames survive the swap.
func (s *claudeSession) attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	old := s.conn
	s.conn = conn
	s.mu.Unlock()

	if old != nil {
		s.logger.Info("cli socket replaced")
		old.Close()
	} else {
		s.logger.Info("cli socket attached")
	}

	go s.readLoop(conn)
	go s.writeLoop(conn)
}

func (s *claudeSession) nextRequestID() string {
	return fmt.Sprintf("req_%d", s.ctrlSeq.Add(1))
}

func (s *claudeSession) Send(msg unified.Message) error {
	data, err := translateClaudeOutbound(msg, s.nextRequestID)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return s.enqueue(data)
}

func (s *claudeSession) SendRaw(text string) error {
	return s.enqueue([]byte(text))
}

func (s *claudeSession) enqueue(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	select {
	case s.outbox <- data:
		return nil
	default:
		s.logger.Warn("outbox full, dropping frame", "bytes", len(data))
		return nil
	}
}

func (s *claudeSession) Messages() <-chan unified.Message { return s.msgs }

func (s *claudeSession) SetPassthroughHandler(fn func(msg unified.Message) bool) {
	s.mu.Lock()
	s.passthrough = fn
	s.mu.Unlock()
}

// NativeHandle returns the CLI's own session UUID once seen in init.
func (s *claudeSession) NativeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeID
}

// RequestCapabilities asks the CLI for its command/model/account set via a
// control_request round trip.
func (s *claudeSession) RequestCapabilities(ctx context.Context) (*CapabilityReport, error) {
	id := s.nextRequestID()
	ch := make(chan json.RawMessage, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pendingCtrl[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pendingCtrl, id)
		s.mu.Unlock()
	}()

	frame, err := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    map[string]any{"subtype": "initialize"},
	})
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(frame); err != nil {
		return nil, err
	}

	select {
	case raw := <-ch:
		var rep struct {
			Commands json.RawMessage `json:"commands"`
			Models   json.RawMessage `json:"models"`
			Account  json.RawMessage `json:"account"`
			Skills   json.RawMessage `json:"skills"`
		}
		if err := json.Unmarshal(raw, &rep); err != nil {
			return nil, fmt.Errorf("parse initialize response: %w", err)
		}
		return &CapabilityReport{
			Commands: rep.Commands,
			Models:   rep.Models,
			Account:  rep.Account,
			Skills:   rep.Skills,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *claudeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
	s.producers.Wait()
	close(s.msgs)
	s.adapter.remove(s)
	return nil
}

// deliver hands a message to the consumer. The send registers with the
// producer group under the lock, so Close drains in-flight sends before it
// closes the channel.
func (s *claudeSession) deliver(msg unified.Message) {
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

func (s *claudeSession) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case data := <-s.outbox:
			s.tracer.Frame("claude", "out", peekType(data), data)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("cli write failed", "error", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *claudeSession) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			current := s.conn == conn
			s.mu.Unlock()
			if current {
				s.logger.Info("cli socket closed", "error", err)
			}
			return
		}

		frameType := peekType(data)
		s.tracer.Frame("claude", "in", frameType, data)

		if frameType == "control_response" {
			s.routeControlResponse(data)
			continue
		}

		msg, err := translateClaudeInbound(data)
		if err != nil {
			s.logger.Warn("bad cli frame", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		if msg.Type == unified.TypeSessionInit {
			if id := msg.MetaString("session_id"); id != "" {
				s.mu.Lock()
				s.nativeID = id
				s.mu.Unlock()
			}
		}

		s.mu.Lock()
		handler := s.passthrough
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if msg.Type == unified.TypeUserMessage && handler != nil && handler(*msg) {
			continue
		}

		s.deliver(*msg)
	}
}

func (s *claudeSession) routeControlResponse(data []byte) {
	var frame struct {
		Response struct {
			Subtype   string          `json:"subtype"`
			RequestID string          `json:"request_id"`
			Response  json.RawMessage `json:"response"`
			Error     string          `json:"error"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("bad control_response", "error", err)
		return
	}

	s.mu.Lock()
	ch, ok := s.pendingCtrl[frame.Response.RequestID]
	if ok {
		delete(s.pendingCtrl, frame.Response.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		// Fire-and-forget control requests (interrupt, set_model) land here.
		if frame.Response.Subtype == "error" {
			s.logger.Warn("control request failed",
				"request_id", frame.Response.RequestID, "error", frame.Response.Error)
		}
		return
	}
	ch <- frame.Response.Response
}

// peekType extracts the top-level "type" field without a full decode.
func peekType(data []byte) string {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Type
}
