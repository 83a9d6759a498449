package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/internal/unified"
)

// CodexAdapter talks JSON-RPC to a codex app-server over WebSocket. The
// launcher spawns the server; Connect dials it with exponential backoff
// because the server takes a moment to start listening.
type CodexAdapter struct {
	cfg    config.CodexConfig
	logger *slog.Logger
	tracer *trace.Tracer
}

// NewCodexAdapter creates the codex adapter. A nil cfg uses defaults.
func NewCodexAdapter(cfg *config.CodexConfig, logger *slog.Logger, tracer *trace.Tracer) *CodexAdapter {
	c := config.CodexConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Command == "" {
		c.Command = "codex"
	}
	if c.Port == 0 {
		c.Port = 4500
	}
	return &CodexAdapter{
		cfg:    c,
		logger: logger.With("component", "adapter.codex"),
		tracer: tracer,
	}
}

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: "local",
	}
}

// BuildSpawnArgs returns the app-server invocation. One server per session;
// the session id is not on the command line, the conversation is established
// over RPC after dial.
func (a *CodexAdapter) BuildSpawnArgs(sessionID, cwd, resume string) supervisor.SpawnSpec {
	env := make([]string, 0, len(a.cfg.Env))
	for k, v := range a.cfg.Env {
		env = append(env, k+"="+v)
	}
	return supervisor.SpawnSpec{
		Command: a.cfg.Command,
		Args:    []string{"app-server", "--listen", fmt.Sprintf("ws://127.0.0.1:%d", a.cfg.Port)},
		Cwd:     cwd,
		Env:     env,
	}
}

// Connect dials the app-server and establishes a conversation. Retries the
// dial until the server is up or ctx expires.
func (a *CodexAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	url := fmt.Sprintf("ws://127.0.0.1:%d", a.cfg.Port)

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return c, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("dial codex app-server: %w", err)
	}

	s := &codexSession{
		sessionID:  opts.SessionID,
		logger:     a.logger.With("session_id", opts.SessionID),
		tracer:     a.tracer,
		conn:       conn,
		msgs:       make(chan unified.Message, 64),
		done:       make(chan struct{}),
		pending:    make(map[int64]chan rpcReply),
		serverReqs: make(map[string]string),
	}
	go s.readLoop()

	if err := s.handshake(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

type codexSession struct {
	sessionID string
	logger    *slog.Logger
	tracer    *trace.Tracer

	conn    *websocket.Conn
	writeMu sync.Mutex

	msgs      chan unified.Message
	done      chan struct{}
	producers sync.WaitGroup
	seq       atomic.Int64

	mu         sync.Mutex
	closed     bool
	pending    map[int64]chan rpcReply
	serverReqs map[string]string // stringified request id → method
	convID     string
}

// handshake runs initialize and opens (or resumes) the conversation.
func (s *codexSession) handshake(ctx context.Context, opts ConnectOptions) error {
	if _, err := s.call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "beamcode", "version": "1"},
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := s.notify("initialized", nil); err != nil {
		return err
	}

	var (
		result json.RawMessage
		err    error
	)
	if opts.Resume != "" {
		result, err = s.call(ctx, "resumeConversation", map[string]any{
			"conversationId": opts.Resume,
		})
	} else {
		result, err = s.call(ctx, "newConversation", map[string]any{
			"cwd": opts.Cwd,
		})
	}
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	var conv struct {
		ConversationID string `json:"conversationId"`
		Model          string `json:"model"`
	}
	if err := json.Unmarshal(result, &conv); err != nil {
		return fmt.Errorf("parse conversation: %w", err)
	}
	s.mu.Lock()
	s.convID = conv.ConversationID
	s.mu.Unlock()

	if _, err := s.call(ctx, "addConversationListener", map[string]any{
		"conversationId": conv.ConversationID,
	}); err != nil {
		return fmt.Errorf("subscribe conversation: %w", err)
	}

	s.deliver(unified.Message{
		Type: unified.TypeSessionInit,
		Metadata: map[string]any{
			"session_id": conv.ConversationID,
			"model":      conv.Model,
			"cwd":        opts.Cwd,
		},
	})
	return nil
}

func (s *codexSession) Send(msg unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	convID := s.convID
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		items := make([]map[string]any, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type == "text" {
				items = append(items, map[string]any{
					"type": "text",
					"data": map[string]any{"text": block.Text},
				})
			}
		}
		return s.callAsync("sendUserMessage", map[string]any{
			"conversationId": convID,
			"items":          items,
		})

	case unified.TypeInterrupt:
		return s.callAsync("interruptConversation", map[string]any{
			"conversationId": convID,
		})

	case unified.TypeConfigurationChange:
		if msg.MetaString("subtype") == "set_model" {
			return s.callAsync("setDefaultModel", map[string]any{
				"model": msg.MetaString("model"),
			})
		}
		return nil

	case unified.TypePermissionResponse:
		return s.respondApproval(msg)

	default:
		return nil
	}
}

func (s *codexSession) SendRaw(string) error { return ErrRawUnsupported }

func (s *codexSession) Messages() <-chan unified.Message { return s.msgs }

// NativeHandle returns the conversation id for resume.
func (s *codexSession) NativeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

func (s *codexSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.pending {
		ch <- rpcReply{err: ErrSessionClosed}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()
	s.producers.Wait()
	close(s.msgs)
	return nil
}

// respondApproval answers a pending server-side approval request. The reply
// shape depends on the original method.
func (s *codexSession) respondApproval(msg unified.Message) error {
	requestID := msg.MetaString("request_id")
	id, err := strconv.ParseInt(requestID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad approval request id %q: %w", requestID, err)
	}

	s.mu.Lock()
	method, ok := s.serverReqs[requestID]
	delete(s.serverReqs, requestID)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("approval response for unknown request", "request_id", requestID)
		return nil
	}

	decision := "denied"
	if msg.MetaString("decision") == "accept" {
		decision = "approved"
	}

	var result any
	switch method {
	case "execCommandApproval", "applyPatchApproval":
		result = map[string]any{"decision": decision}
	default:
		result = map[string]any{"decision": decision}
	}

	return s.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

// call sends a request and waits for its response.
func (s *codexSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.seq.Add(1)
	ch := make(chan rpcReply, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(map[string]any{
		"jsonrpc": "2.0", "id": id, "method": method, "params": params,
	}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply.result, reply.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// callAsync sends a request and discards the eventual response.
func (s *codexSession) callAsync(method string, params any) error {
	id := s.seq.Add(1)
	ch := make(chan rpcReply, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	go func() {
		select {
		case reply := <-ch:
			if reply.err != nil {
				s.logger.Warn("rpc failed", "method", method, "error", reply.err)
			}
		case <-s.done:
		}
	}()

	return s.write(map[string]any{
		"jsonrpc": "2.0", "id": id, "method": method, "params": params,
	})
}

func (s *codexSession) notify(method string, params any) error {
	frame := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		frame["params"] = params
	}
	return s.write(frame)
}

func (s *codexSession) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.tracer.Frame("codex", "out", peekType(data), data)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *codexSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Info("app-server socket closed", "error", err)
				s.Close()
			}
			return
		}
		s.tracer.Frame("codex", "in", "", data)

		var frame struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("bad app-server frame", "error", err)
			continue
		}

		switch {
		case frame.Method != "" && frame.ID != nil:
			s.handleServerRequest(*frame.ID, frame.Method, frame.Params)
		case frame.Method != "":
			s.handleNotification(frame.Method, frame.Params)
		case frame.ID != nil:
			reply := rpcReply{result: frame.Result}
			if frame.Error != nil {
				reply.err = fmt.Errorf("rpc error %d: %s", frame.Error.Code, frame.Error.Message)
			}
			s.mu.Lock()
			ch, ok := s.pending[*frame.ID]
			if ok {
				delete(s.pending, *frame.ID)
			}
			s.mu.Unlock()
			if ok {
				ch <- reply
			}
		}
	}
}

// handleServerRequest surfaces approval requests as permission_request
// messages. The numeric RPC id travels as the request_id string.
func (s *codexSession) handleServerRequest(id int64, method string, params json.RawMessage) {
	switch method {
	case "execCommandApproval", "applyPatchApproval":
		requestID := strconv.FormatInt(id, 10)
		s.mu.Lock()
		s.serverReqs[requestID] = method
		s.mu.Unlock()

		toolName := "execCommand"
		if method == "applyPatchApproval" {
			toolName = "applyPatch"
		}
		s.deliver(unified.Message{
			Type: unified.TypePermissionRequest,
			Metadata: map[string]any{
				"request_id": requestID,
				"method":     method,
				"tool_name":  toolName,
				"input":      json.RawMessage(params),
			},
		})
	default:
		s.logger.Warn("unsupported server request", "method", method)
		if err := s.write(map[string]any{
			"jsonrpc": "2.0", "id": id,
			"error": map[string]any{"code": -32601, "message": "method not found"},
		}); err != nil {
			s.logger.Debug("error reply failed", "error", err)
		}
	}
}

func (s *codexSession) handleNotification(method string, params json.RawMessage) {
	if method != "codex/event" {
		return
	}
	msg, err := translateCodexEvent(params)
	if err != nil {
		s.logger.Warn("bad codex event", "error", err)
		return
	}
	if msg == nil {
		return
	}
	s.deliver(*msg)
}

// deliver hands a message to the consumer. The send registers with the
// producer group under the lock, so Close drains in-flight sends before it
// closes the channel.
func (s *codexSession) deliver(msg unified.Message) {
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
