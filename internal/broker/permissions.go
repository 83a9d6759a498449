package broker

import (
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/protocol"
)

// registerPermission records a backend permission request and fans it out.
// Observers never see permission requests; they could not answer them.
func (b *Broker) registerPermission(s *Session, msg unified.Message) {
	requestID := msg.MetaString("request_id")
	if requestID == "" {
		b.logger.Warn("permission request without request_id", "session_id", s.ID)
		return
	}

	s.mu.Lock()
	s.pendingPermissions[requestID] = msg
	s.mu.Unlock()

	b.broadcastFiltered(s, protocol.Outbound{
		Type:      protocol.TypePermissionRequest,
		RequestID: requestID,
		Request:   mustMarshal(msg.Metadata),
	}, func(id Identity) bool { return id.CanWrite() })
	b.logger.Info("permission requested", "session_id", s.ID,
		"request_id", requestID, "tool", msg.MetaString("tool_name"))
}

// resolvePermission answers a pending request. First answer wins: the
// request is removed before the backend sees the decision, and everyone
// else gets a cancellation so their dialogs close.
func (b *Broker) resolvePermission(s *Session, identity Identity, in protocol.Inbound) {
	s.mu.Lock()
	req, ok := s.pendingPermissions[in.RequestID]
	if ok {
		delete(s.pendingPermissions, in.RequestID)
	}
	backend := s.backend
	s.mu.Unlock()

	if !ok {
		b.logger.Debug("response for unknown permission request",
			"session_id", s.ID, "request_id", in.RequestID)
		return
	}
	if backend == nil {
		b.logger.Warn("permission response with no backend", "session_id", s.ID)
		return
	}

	decision := "decline"
	if in.Behavior == "allow" {
		decision = "accept"
	}
	meta := map[string]any{
		"request_id": in.RequestID,
		"method":     req.MetaString("method"),
		"decision":   decision,
	}
	if in.Message != "" {
		meta["reason"] = in.Message
	}
	if input, ok := req.Metadata["input"]; ok {
		meta["input"] = input
	}

	if err := backend.Send(unified.Message{
		Type:     unified.TypePermissionResponse,
		Metadata: meta,
	}); err != nil {
		b.logger.Warn("permission response send failed", "session_id", s.ID, "error", err)
		return
	}

	b.broadcast(s, protocol.Outbound{
		Type:      protocol.TypePermissionCancelled,
		RequestID: in.RequestID,
	})
	b.broadcastStatus(s, StatusRunning)
	b.logger.Info("permission resolved", "session_id", s.ID,
		"request_id", in.RequestID, "decision", decision, "user_id", identity.UserID)
}

// cancelPermission withdraws one request on the backend's behalf.
func (b *Broker) cancelPermission(s *Session, requestID string) {
	if requestID == "" {
		return
	}
	s.mu.Lock()
	_, ok := s.pendingPermissions[requestID]
	delete(s.pendingPermissions, requestID)
	s.mu.Unlock()
	if !ok {
		return
	}
	b.broadcast(s, protocol.Outbound{
		Type:      protocol.TypePermissionCancelled,
		RequestID: requestID,
	})
}

// PendingPermissionCount reports how many requests await an answer.
func (s *Session) PendingPermissionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingPermissions)
}
