package broker

import (
	"encoding/json"

	"github.com/beamcode/beamcode/pkg/protocol"
)

// broadcast fans a frame out to every consumer of the session. A failed
// send is logged and skipped; one dead socket must not starve the rest.
func (b *Broker) broadcast(s *Session, frame protocol.Outbound) {
	b.broadcastFiltered(s, frame, nil)
}

// broadcastFiltered fans out to consumers whose identity passes the filter.
// A nil filter admits everyone.
func (b *Broker) broadcastFiltered(s *Session, frame protocol.Outbound, filter func(Identity) bool) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("marshal broadcast frame", "session_id", s.ID, "type", frame.Type, "error", err)
		return
	}

	for sock, identity := range s.Consumers() {
		if filter != nil && !filter(identity) {
			continue
		}
		if err := sock.Send(data); err != nil {
			b.logger.Warn("consumer send failed", "session_id", s.ID,
				"user_id", identity.UserID, "type", frame.Type, "error", err)
		}
	}
}

// sendTo sends a frame to a single socket.
func (b *Broker) sendTo(sock Socket, frame protocol.Outbound) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("marshal frame", "type", frame.Type, "error", err)
		return
	}
	if err := sock.Send(data); err != nil {
		b.logger.Debug("send failed", "type", frame.Type, "error", err)
	}
}

// broadcastPresence announces the consumer count to everyone.
func (b *Broker) broadcastPresence(s *Session) {
	b.broadcast(s, protocol.Outbound{
		Type:          protocol.TypePresence,
		ConsumerCount: s.ConsumerCount(),
	})
}

// broadcastStatus transitions the session status and announces it if it
// actually changed.
func (b *Broker) broadcastStatus(s *Session, status string) {
	if !s.setStatus(status) {
		return
	}
	b.broadcast(s, protocol.Outbound{Type: protocol.TypeStatusChange, Status: &status})
}
