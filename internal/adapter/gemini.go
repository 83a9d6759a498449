package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/internal/unified"
)

// GeminiAdapter speaks ACP (agent client protocol) to a gemini subprocess
// over stdio. Unlike the other local adapters the child is owned here, not
// by the launcher: ACP needs the stdin pipe, which spawning through the
// supervisor would not expose.
type GeminiAdapter struct {
	cfg    config.GeminiConfig
	logger *slog.Logger
	tracer *trace.Tracer
}

// NewGeminiAdapter creates the gemini adapter. A nil cfg uses defaults.
func NewGeminiAdapter(cfg *config.GeminiConfig, logger *slog.Logger, tracer *trace.Tracer) *GeminiAdapter {
	c := config.GeminiConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Command == "" {
		c.Command = "gemini"
	}
	return &GeminiAdapter{
		cfg:    c,
		logger: logger.With("component", "adapter.gemini"),
		tracer: tracer,
	}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: "local",
	}
}

// Connect spawns the agent and runs the ACP handshake.
func (a *GeminiAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	cmd := exec.Command(a.cfg.Command, "--experimental-acp")
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range a.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", a.cfg.Command, err)
	}

	s := &geminiSession{
		sessionID:  opts.SessionID,
		logger:     a.logger.With("session_id", opts.SessionID),
		tracer:     a.tracer,
		cmd:        cmd,
		stdin:      stdin,
		msgs:       make(chan unified.Message, 64),
		done:       make(chan struct{}),
		pending:    make(map[int64]chan rpcReply),
		serverReqs: make(map[string]json.RawMessage),
	}
	go s.readLoop(stdout)

	if err := s.handshake(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

type geminiSession struct {
	sessionID string
	logger    *slog.Logger
	tracer    *trace.Tracer

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	msgs      chan unified.Message
	done      chan struct{}
	producers sync.WaitGroup
	seq       atomic.Int64

	mu         sync.Mutex
	closed     bool
	pending    map[int64]chan rpcReply
	serverReqs map[string]json.RawMessage // request id → permission options
	acpSession string
}

func (s *geminiSession) handshake(ctx context.Context, opts ConnectOptions) error {
	if _, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{"readTextFile": false, "writeTextFile": false},
		},
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var (
		result json.RawMessage
		err    error
	)
	if opts.Resume != "" {
		result, err = s.call(ctx, "session/load", map[string]any{
			"sessionId": opts.Resume,
			"cwd":       opts.Cwd,
		})
		if err == nil {
			s.mu.Lock()
			s.acpSession = opts.Resume
			s.mu.Unlock()
		}
	}
	if opts.Resume == "" || err != nil {
		result, err = s.call(ctx, "session/new", map[string]any{
			"cwd":        opts.Cwd,
			"mcpServers": []any{},
		})
		if err != nil {
			return fmt.Errorf("session/new: %w", err)
		}
		var res struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(result, &res); err != nil {
			return fmt.Errorf("parse session/new: %w", err)
		}
		s.mu.Lock()
		s.acpSession = res.SessionID
		s.mu.Unlock()
	}

	s.deliver(unified.Message{
		Type: unified.TypeSessionInit,
		Metadata: map[string]any{
			"session_id": s.NativeHandle(),
			"cwd":        opts.Cwd,
		},
	})
	return nil
}

func (s *geminiSession) Send(msg unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	acpSession := s.acpSession
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		prompt := make([]map[string]any, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type == "text" {
				prompt = append(prompt, map[string]any{"type": "text", "text": block.Text})
			}
		}
		return s.prompt(acpSession, prompt)

	case unified.TypeInterrupt:
		return s.notify("session/cancel", map[string]any{"sessionId": acpSession})

	case unified.TypePermissionResponse:
		return s.respondPermission(msg)

	default:
		return nil
	}
}

// prompt issues session/prompt and surfaces the eventual stop reason as a
// result message. The call outlives the turn, so it waits in a goroutine.
func (s *geminiSession) prompt(acpSession string, prompt []map[string]any) error {
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
				s.deliver(unified.Message{
					Type:     unified.TypeResult,
					Metadata: map[string]any{"is_error": true, "result": reply.err.Error()},
				})
				return
			}
			var res struct {
				StopReason string `json:"stopReason"`
			}
			if err := json.Unmarshal(reply.result, &res); err != nil {
				s.logger.Warn("bad prompt result", "error", err)
				return
			}
			s.deliver(unified.Message{
				Type:     unified.TypeResult,
				Metadata: map[string]any{"stop_reason": res.StopReason},
			})
		case <-s.done:
		}
	}()

	return s.write(map[string]any{
		"jsonrpc": "2.0", "id": id, "method": "session/prompt",
		"params": map[string]any{"sessionId": acpSession, "prompt": prompt},
	})
}

// respondPermission answers session/request_permission by selecting an
// option: the first allow-kind option on accept, reject-kind on decline.
func (s *geminiSession) respondPermission(msg unified.Message) error {
	requestID := msg.MetaString("request_id")
	id, err := strconv.ParseInt(requestID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad permission request id %q: %w", requestID, err)
	}

	s.mu.Lock()
	rawOptions, ok := s.serverReqs[requestID]
	delete(s.serverReqs, requestID)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("permission response for unknown request", "request_id", requestID)
		return nil
	}

	var options []struct {
		OptionID string `json:"optionId"`
		Kind     string `json:"kind"`
	}
	if err := json.Unmarshal(rawOptions, &options); err != nil {
		return fmt.Errorf("parse permission options: %w", err)
	}

	accept := msg.MetaString("decision") == "accept"
	optionID := ""
	for _, opt := range options {
		allow := opt.Kind == "allow_once" || opt.Kind == "allow_always"
		if allow == accept {
			optionID = opt.OptionID
			break
		}
	}
	if optionID == "" && len(options) > 0 {
		optionID = options[len(options)-1].OptionID
	}

	return s.write(map[string]any{
		"jsonrpc": "2.0", "id": id,
		"result": map[string]any{
			"outcome": map[string]any{"outcome": "selected", "optionId": optionID},
		},
	})
}

func (s *geminiSession) SendRaw(string) error { return ErrRawUnsupported }

func (s *geminiSession) Messages() <-chan unified.Message { return s.msgs }

// NativeHandle returns the ACP session id for resume.
func (s *geminiSession) NativeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acpSession
}

func (s *geminiSession) Close() error {
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
	s.stdin.Close()

	if s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
		exited := make(chan struct{})
		go func() {
			s.cmd.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			s.cmd.Process.Kill()
			<-exited
		}
	}

	s.producers.Wait()
	close(s.msgs)
	return nil
}

func (s *geminiSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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

func (s *geminiSession) notify(method string, params any) error {
	return s.write(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func (s *geminiSession) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.tracer.Frame("gemini", "out", "", data)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (s *geminiSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		s.tracer.Frame("gemini", "in", "", data)

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
			s.logger.Warn("bad acp frame", "error", err)
			continue
		}

		switch {
		case frame.Method == "session/request_permission" && frame.ID != nil:
			s.handlePermissionRequest(*frame.ID, frame.Params)
		case frame.Method == "session/update":
			msg, err := translateGeminiUpdate(frame.Params)
			if err != nil {
				s.logger.Warn("bad session update", "error", err)
				continue
			}
			if msg != nil {
				s.deliver(*msg)
			}
		case frame.Method != "" && frame.ID != nil:
			if err := s.write(map[string]any{
				"jsonrpc": "2.0", "id": *frame.ID,
				"error": map[string]any{"code": -32601, "message": "method not found"},
			}); err != nil {
				s.logger.Debug("error reply failed", "error", err)
			}
		case frame.ID != nil && frame.Method == "":
			reply := rpcReply{result: frame.Result}
			if frame.Error != nil {
				reply.err = fmt.Errorf("acp error %d: %s", frame.Error.Code, frame.Error.Message)
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

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.logger.Info("agent stdout closed")
		s.Close()
	}
}

func (s *geminiSession) handlePermissionRequest(id int64, params json.RawMessage) {
	var req struct {
		ToolCall json.RawMessage `json:"toolCall"`
		Options  json.RawMessage `json:"options"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		s.logger.Warn("bad permission request", "error", err)
		return
	}

	requestID := strconv.FormatInt(id, 10)
	s.mu.Lock()
	s.serverReqs[requestID] = req.Options
	s.mu.Unlock()

	var tool struct {
		Title string `json:"title"`
		Kind  string `json:"kind"`
	}
	json.Unmarshal(req.ToolCall, &tool)

	s.deliver(unified.Message{
		Type: unified.TypePermissionRequest,
		Metadata: map[string]any{
			"request_id": requestID,
			"method":     "session/request_permission",
			"tool_name":  tool.Title,
			"input":      json.RawMessage(req.ToolCall),
			"options":    json.RawMessage(req.Options),
		},
	})
}

// deliver hands a message to the consumer. The send registers with the
// producer group under the lock, so Close drains in-flight sends before it
// closes the channel.
func (s *geminiSession) deliver(msg unified.Message) {
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
