package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/eventbus"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/protocol"
)

// ConnectBackend attaches a backend session: installs the passthrough
// handler, starts the stream consumer, flushes messages queued while the
// backend was down, and kicks off the capability handshake.
func (b *Broker) ConnectBackend(sessionID string, backend adapter.BackendSession) error {
	s := b.sessions.Get(sessionID)
	if s == nil {
		return fmt.Errorf("no such session: %s", sessionID)
	}

	s.mu.Lock()
	prior := s.backend
	s.backend = backend
	s.backends++
	gen := s.backends
	queued := s.pendingMessages
	s.pendingMessages = nil
	s.queuedMessage = nil
	s.mu.Unlock()

	if prior != nil {
		prior.Close()
	}

	if pc, ok := backend.(adapter.PassthroughCapable); ok {
		pc.SetPassthroughHandler(func(msg unified.Message) bool {
			return b.interceptPassthrough(s, msg)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	if old, ok := b.streams[sessionID]; ok {
		old()
	}
	b.streams[sessionID] = cancel
	b.mu.Unlock()
	go b.consumeStream(ctx, s, backend, gen)

	for _, msg := range queued {
		if err := backend.Send(msg); err != nil {
			b.logger.Warn("queued message flush failed", "session_id", sessionID, "error", err)
		}
	}
	if len(queued) > 0 {
		b.logger.Info("flushed queued messages", "session_id", sessionID, "count", len(queued))
	}

	b.broadcast(s, protocol.Outbound{Type: protocol.TypeCLIConnected})
	b.bus.PublishType(eventbus.BackendConnected, map[string]string{
		"session_id": sessionID, "adapter": s.AdapterName,
	})

	if req, ok := backend.(adapter.CapabilityRequester); ok {
		go b.fetchCapabilities(s, req)
	}

	b.logger.Info("backend connected", "session_id", sessionID, "adapter", s.AdapterName)
	return nil
}

// DisconnectBackend detaches the backend. Every pending permission is
// cancelled toward consumers: the process that would have honored the
// answer is gone.
func (b *Broker) DisconnectBackend(sessionID, reason string) {
	s := b.sessions.Get(sessionID)
	if s == nil {
		return
	}

	b.mu.Lock()
	if cancel, ok := b.streams[sessionID]; ok {
		cancel()
		delete(b.streams, sessionID)
	}
	b.mu.Unlock()

	s.mu.Lock()
	backend := s.backend
	s.backend = nil
	cancelled := make([]string, 0, len(s.pendingPermissions))
	for id := range s.pendingPermissions {
		cancelled = append(cancelled, id)
		delete(s.pendingPermissions, id)
	}
	s.pendingPassthroughs = nil
	s.mu.Unlock()

	if backend == nil {
		return
	}
	backend.Close()

	for _, requestID := range cancelled {
		b.broadcast(s, protocol.Outbound{
			Type:      protocol.TypePermissionCancelled,
			RequestID: requestID,
		})
	}

	b.broadcast(s, protocol.Outbound{Type: protocol.TypeCLIDisconnected})
	b.broadcastStatus(s, StatusIdle)
	b.bus.PublishType(eventbus.BackendDisconnected, map[string]string{
		"session_id": sessionID, "reason": reason,
	})
	b.logger.Info("backend disconnected", "session_id", sessionID, "reason", reason)
}

// consumeStream pumps backend messages into the broker until the stream
// ends. An unexpected end (channel closed while this generation is still
// current) asks the manager for a relaunch.
func (b *Broker) consumeStream(ctx context.Context, s *Session, backend adapter.BackendSession, gen int) {
	for {
		select {
		case msg, ok := <-backend.Messages():
			if !ok {
				s.mu.Lock()
				current := s.backends == gen && s.backend == backend
				s.mu.Unlock()
				if current && ctx.Err() == nil {
					b.logger.Warn("backend stream ended unexpectedly", "session_id", s.ID)
					b.DisconnectBackend(s.ID, "stream ended")
					b.bus.PublishType(eventbus.BackendRelaunchNeeded, map[string]string{
						"session_id": s.ID,
					})
				}
				return
			}
			b.handleBackendMessage(s, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleBackendMessage routes one unified message to consumers. Visible
// messages land in history; state mutations happen before the broadcast so
// late joiners and current consumers see the same snapshot.
func (b *Broker) handleBackendMessage(s *Session, msg unified.Message) {
	s.Touch()
	if msg.Visible() {
		s.appendHistory(msg)
	}

	switch msg.Type {
	case unified.TypeSessionInit:
		s.applyInit(msg)
		b.commands.ReseedFromInit(s.ID, s.State().SlashCommands, s.State().Skills)
		b.broadcast(s, protocol.Outbound{
			Type:    protocol.TypeSessionInit,
			Session: mustMarshal(b.sessionSnapshot(s)),
		})
		if native := msg.MetaString("session_id"); native != "" {
			b.bus.PublishType(eventbus.BackendSessionID, map[string]string{
				"session_id": s.ID, "backend_session_id": native,
			})
		}

	case unified.TypeAssistant:
		b.broadcast(s, protocol.Outbound{Type: protocol.TypeAssistant, Message: mustMarshal(msg)})
		b.broadcastStatus(s, StatusRunning)
		b.persistSession(s)

	case unified.TypeUserMessage:
		// Echo not claimed by the passthrough interceptor: another client
		// of the same backend talked, surface it.
		b.broadcast(s, protocol.Outbound{Type: protocol.TypeUserEcho, Message: mustMarshal(msg)})
		b.persistSession(s)

	case unified.TypeStreamEvent:
		frame := protocol.Outbound{Type: protocol.TypeStreamEvent}
		if event, ok := msg.Metadata["event"]; ok {
			frame.Event = mustMarshal(event)
		}
		frame.ParentToolUseID = msg.MetaString("parent_tool_use_id")
		b.broadcast(s, frame)
		if streamEventType(msg) == "message_start" {
			b.broadcastStatus(s, StatusRunning)
		}

	case unified.TypeResult:
		s.applyResult(msg)
		b.broadcast(s, protocol.Outbound{Type: protocol.TypeResult, Data: mustMarshal(msg.Metadata)})
		b.broadcastStatus(s, StatusIdle)
		b.persistSession(s)

		s.mu.Lock()
		first := !s.firstTurn
		s.firstTurn = true
		s.mu.Unlock()
		if first {
			b.bus.PublishType(eventbus.SessionFirstTurn, map[string]string{"session_id": s.ID})
		}

	case unified.TypePermissionRequest:
		b.registerPermission(s, msg)

	case unified.TypePermissionCancelled:
		b.cancelPermission(s, msg.MetaString("request_id"))

	case unified.TypeToolProgress:
		b.broadcast(s, protocol.Outbound{Type: protocol.TypeToolProgress, Detail: mustMarshal(msg.Metadata)})

	case unified.TypeToolUseSummary:
		b.broadcast(s, protocol.Outbound{Type: protocol.TypeToolUseSummary, Detail: mustMarshal(msg.Metadata)})

	case unified.TypeStatusChange:
		s.applyStatusChange(msg)
		if status := msg.MetaString("status"); status != "" {
			b.broadcastStatus(s, status)
		}

	case unified.TypeAuthStatus:
		authenticating, _ := msg.Metadata["is_authenticating"].(bool)
		b.broadcast(s, protocol.Outbound{
			Type:             protocol.TypeAuthStatus,
			IsAuthenticating: &authenticating,
			Output:           msg.MetaString("output"),
		})

	case unified.TypeConfigurationChange:
		// Mode/model updates originated backend-side; nothing to forward
		// beyond the session_init refresh the backend sends afterwards.
		b.logger.Debug("backend configuration change",
			"session_id", s.ID, "subtype", msg.MetaString("subtype"))

	default:
		b.logger.Debug("unrouted backend message", "session_id", s.ID, "type", msg.Type)
	}
}

// fetchCapabilities runs the capability handshake and fans the report out.
func (b *Broker) fetchCapabilities(s *Session, req adapter.CapabilityRequester) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.InitializeTimeout.Duration)
	defer cancel()

	report, err := req.RequestCapabilities(ctx)
	if err != nil {
		b.logger.Warn("capability handshake failed", "session_id", s.ID, "error", err)
		b.bus.PublishType(eventbus.CapabilitiesTimeout, map[string]string{
			"session_id": s.ID, "error": err.Error(),
		})
		return
	}

	s.mu.Lock()
	s.capabilities = report
	s.mu.Unlock()

	b.commands.Enrich(s.ID, report.Commands)
	b.broadcast(s, protocol.Outbound{
		Type:     protocol.TypeCapabilitiesReady,
		Commands: report.Commands,
		Models:   report.Models,
		Account:  report.Account,
		Skills:   report.Skills,
	})
	b.logger.Info("capabilities ready", "session_id", s.ID)
}

// interceptPassthrough claims the first user echo after a forwarded slash
// command and replays it as the command's result. One echo per forward.
func (b *Broker) interceptPassthrough(s *Session, msg unified.Message) bool {
	s.mu.Lock()
	if len(s.pendingPassthroughs) == 0 {
		s.mu.Unlock()
		return false
	}
	pp := s.pendingPassthroughs[0]
	s.pendingPassthroughs = s.pendingPassthroughs[1:]
	s.mu.Unlock()

	b.broadcast(s, protocol.Outbound{
		Type:    protocol.TypeSlashCommandResult,
		Command: pp.Command,
		Content: msg.PlainText(),
		Source:  "cli",
	})
	return true
}

// streamEventType extracts the inner event type of a stream_event message.
// Translators carry the event either decoded or as raw JSON.
func streamEventType(msg unified.Message) string {
	switch ev := msg.Metadata["event"].(type) {
	case map[string]any:
		t, _ := ev["type"].(string)
		return t
	case json.RawMessage:
		var e struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(ev, &e); err != nil {
			return ""
		}
		return e.Type
	}
	return ""
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
