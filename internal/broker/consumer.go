package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/beamcode/beamcode/internal/eventbus"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/protocol"
)

// HandleConsumerOpen admits a consumer socket into a session and replays
// state: identity first, then the session snapshot, history, and cached
// capabilities. Close-code contract: 4404 when the session does not exist,
// 4001 when authentication fails.
func (b *Broker) HandleConsumerOpen(ctx context.Context, sessionID string, sock Socket, token string) (*Session, error) {
	s := b.sessions.Get(sessionID)
	if s == nil {
		sock.Close(protocol.CloseSessionNotFound, "session not found")
		return nil, fmt.Errorf("no such session: %s", sessionID)
	}

	identity, err := b.admit(ctx, s, sock, token)
	if err != nil {
		sock.Close(protocol.CloseAuthFailed, "authentication failed")
		return nil, err
	}

	b.sendTo(sock, protocol.Outbound{
		Type:        protocol.TypeIdentity,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Role:        identity.Role,
	})
	b.sendTo(sock, protocol.Outbound{
		Type:    protocol.TypeSessionInit,
		Session: mustMarshal(b.sessionSnapshot(s)),
	})
	if history := s.History(); len(history) > 0 {
		b.sendTo(sock, protocol.Outbound{
			Type:     protocol.TypeMessageHistory,
			Messages: history,
		})
	}
	if caps := s.Capabilities(); caps != nil {
		b.sendTo(sock, protocol.Outbound{
			Type:     protocol.TypeCapabilitiesReady,
			Commands: caps.Commands,
			Models:   caps.Models,
			Account:  caps.Account,
			Skills:   caps.Skills,
		})
	}
	if identity.CanWrite() {
		for requestID, req := range s.PendingPermissions() {
			b.sendTo(sock, protocol.Outbound{
				Type:      protocol.TypePermissionRequest,
				RequestID: requestID,
				Request:   mustMarshal(req.Metadata),
			})
		}
	}
	s.mu.Lock()
	queued := s.queuedMessage
	s.mu.Unlock()
	if queued != nil {
		b.sendTo(sock, protocol.Outbound{
			Type:    protocol.TypeUserEcho,
			Message: mustMarshal(*queued),
		})
	}

	s.Touch()
	b.broadcastPresence(s)
	b.bus.PublishType(eventbus.ConsumerConnected, map[string]string{
		"session_id": s.ID, "user_id": identity.UserID,
	})

	if s.Backend() != nil {
		b.sendTo(sock, protocol.Outbound{Type: protocol.TypeCLIConnected})
	} else {
		b.sendTo(sock, protocol.Outbound{Type: protocol.TypeCLIDisconnected})
		b.bus.PublishType(eventbus.BackendRelaunchNeeded, map[string]string{
			"session_id": s.ID,
		})
	}
	return s, nil
}

// HandleConsumerClose detaches a socket from its session.
func (b *Broker) HandleConsumerClose(s *Session, sock Socket) {
	b.evict(s, sock)
	b.broadcastPresence(s)
	b.bus.PublishType(eventbus.ConsumerDisconnected, map[string]string{"session_id": s.ID})
}

// HandleConsumerMessage processes one raw frame from a consumer. Malformed
// frames are logged and dropped, never fatal to the socket.
func (b *Broker) HandleConsumerMessage(s *Session, sock Socket, data []byte) {
	var in protocol.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		b.logger.Warn("invalid consumer frame", "session_id", s.ID, "error", err)
		return
	}
	if !in.Validate() {
		b.logger.Warn("malformed consumer frame", "session_id", s.ID, "frame_type", in.Type)
		return
	}

	s.mu.Lock()
	identity, attached := s.consumers[sock]
	s.mu.Unlock()
	if !attached {
		// Socket already evicted; frame raced the close.
		return
	}

	if !identity.CanWrite() {
		if in.Type == protocol.TypeSlashCommand {
			b.sendTo(sock, protocol.Outbound{
				Type:    protocol.TypeSlashCommandError,
				Command: in.Command,
				CmdErr:  "observers cannot run commands",
			})
		} else {
			b.sendTo(sock, protocol.ErrorFrame("observers cannot modify the session"))
		}
		return
	}

	if !s.allowMessage(sock) {
		b.sendTo(sock, protocol.ErrorFrame("rate limit exceeded"))
		b.bus.PublishType(eventbus.RateLimitExceeded, map[string]string{
			"session_id": s.ID, "user_id": identity.UserID,
		})
		return
	}

	s.Touch()

	switch in.Type {
	case protocol.TypeUserMessage:
		b.handleUserMessage(s, in)
	case protocol.TypePermissionReply:
		b.resolvePermission(s, identity, in)
	case protocol.TypeInterrupt:
		b.forwardToBackend(s, unified.Message{Type: unified.TypeInterrupt}, false)
	case protocol.TypeSlashCommand:
		b.handleSlashCommand(s, sock, identity, in.Command)
	case protocol.TypeSetModel:
		// Optimistic update; a later backend echo may overwrite it.
		s.SetModel(in.Model)
		b.forwardToBackend(s, unified.Message{
			Type:     unified.TypeConfigurationChange,
			Metadata: map[string]any{"subtype": "set_model", "model": in.Model},
		}, false)
	case protocol.TypeSetPermissionMode:
		b.forwardToBackend(s, unified.Message{
			Type:     unified.TypeConfigurationChange,
			Metadata: map[string]any{"subtype": "set_permission_mode", "mode": in.Mode},
		}, false)
	case protocol.TypeSetAdapter:
		b.sendTo(sock, protocol.ErrorFrame("Adapter cannot be changed mid-session"))
	}
}

// handleUserMessage echoes to the other consumers, records history, and
// forwards to the backend, queueing if it is down.
func (b *Broker) handleUserMessage(s *Session, in protocol.Inbound) {
	blocks := []unified.Block{unified.TextBlock(in.Content)}
	for _, img := range in.Images {
		blocks = append(blocks, unified.Block{Type: "image", Source: img})
	}
	msg := unified.Message{
		Type:    unified.TypeUserMessage,
		Role:    unified.RoleUser,
		Content: blocks,
	}

	s.appendHistory(msg)
	b.broadcast(s, protocol.Outbound{Type: protocol.TypeUserEcho, Message: mustMarshal(msg)})
	b.broadcastStatus(s, StatusRunning)
	b.forwardToBackend(s, msg, true)
	b.bus.PublishType(eventbus.MessageInbound, map[string]string{"session_id": s.ID})
	b.persistSession(s)
}

// forwardToBackend sends a message to the backend. With queue set the
// message survives a disconnected backend and is flushed on reconnect.
func (b *Broker) forwardToBackend(s *Session, msg unified.Message, queue bool) {
	s.mu.Lock()
	backend := s.backend
	if backend == nil && queue {
		s.pendingMessages = append(s.pendingMessages, msg)
		if msg.Type == unified.TypeUserMessage && s.queuedMessage == nil {
			queued := msg
			s.queuedMessage = &queued
		}
		n := len(s.pendingMessages)
		s.mu.Unlock()
		b.logger.Info("backend down, message queued", "session_id", s.ID, "queued", n)
		return
	}
	s.mu.Unlock()

	if backend == nil {
		b.logger.Debug("dropping message for disconnected backend",
			"session_id", s.ID, "type", msg.Type)
		return
	}
	if err := backend.Send(msg); err != nil {
		b.logger.Warn("backend send failed", "session_id", s.ID, "type", msg.Type, "error", err)
		b.bus.PublishType(eventbus.BridgeError, map[string]string{
			"session_id": s.ID, "error": err.Error(),
		})
	}
}

// sessionSnapshot is the session_init payload sent to a joining consumer:
// the session state plus the live connection counters.
func (b *Broker) sessionSnapshot(s *Session) SessionState {
	s.mu.Lock()
	state := s.state
	state.Connected = s.backend != nil
	state.Consumers = len(s.consumers)
	s.mu.Unlock()

	if b.breaker != nil {
		state.CircuitBreaker = b.breaker(s.ID)
	}
	return state
}
