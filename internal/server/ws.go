package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
)

// wsSocket adapts a gorilla connection to broker.Socket. All writes go
// through the mutex; gorilla connections do not allow concurrent writers.
type wsSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsSocket) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSocket) Close(code int, reason string) error {
	w.mu.Lock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	w.mu.Unlock()
	return w.conn.Close()
}

func (w *wsSocket) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleConsumer upgrades a consumer connection and pumps its frames into
// the broker until the socket dies.
func (s *Server) handleConsumer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	token := bearerToken(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("consumer upgrade failed", "error", err)
		return
	}
	sock := &wsSocket{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := s.mgr.Broker().HandleConsumerOpen(ctx, sessionID, sock, token)
	if err != nil {
		// The broker already closed the socket with the right code.
		conn.Close()
		return
	}

	conn.SetReadLimit(s.cfg.Broker.MaxConsumerMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if sock.ping() != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				sock.Close(protocol.CloseMessageTooBig, "Message Too Big")
			}
			break
		}
		s.mgr.Broker().HandleConsumerMessage(sess, sock, data)
	}

	s.mgr.Broker().HandleConsumerClose(sess, sock)
	conn.Close()
}

// handleCLI upgrades an inverted backend connection (the claude CLI dialing
// back) and hands the raw socket to the adapter, which owns it from there.
func (s *Server) handleCLI(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("cli upgrade failed", "error", err)
		return
	}

	if !s.mgr.DeliverCLISocket(sessionID, conn) {
		s.logger.Warn("cli socket for unknown session", "session_id", sessionID)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseSessionNotFound, "session not found"),
			time.Now().Add(writeTimeout))
		conn.Close()
	}
}

// bearerToken extracts the auth token from the query string or the
// Authorization header. Browsers cannot set headers on WebSocket dials,
// so the query form is the primary one.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
