package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/protocol"
)

func permissionRequest(requestID string) unified.Message {
	return unified.Message{
		Type: unified.TypePermissionRequest,
		Metadata: map[string]any{
			"request_id": requestID,
			"method":     "can_use_tool",
			"tool_name":  "Bash",
			"input":      map[string]any{"command": "ls"},
		},
	}
}

func TestPermissionRequestFanOut(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	s, sock := newJoinedSession(t, b)
	mb := newMockBackend()
	if err := b.ConnectBackend(s.ID, mb); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}

	b.handleBackendMessage(s, permissionRequest("p1"))

	frame, ok := sock.lastOfType(protocol.TypePermissionRequest)
	if !ok {
		t.Fatal("participant did not receive permission_request")
	}
	if frame.RequestID != "p1" {
		t.Errorf("request_id = %q, want p1", frame.RequestID)
	}
	if s.PendingPermissionCount() != 1 {
		t.Errorf("pending = %d, want 1", s.PendingPermissionCount())
	}
}

func TestPermissionRequestHiddenFromObservers(t *testing.T) {
	b, _ := newTestBroker(t, staticAuth{identity: Identity{UserID: "v", Role: RoleObserver}})
	if _, err := b.CreateSession("s1", "claude", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sock := &mockSocket{}
	s, err := b.HandleConsumerOpen(context.Background(), "s1", sock, "")
	if err != nil {
		t.Fatalf("HandleConsumerOpen: %v", err)
	}

	b.handleBackendMessage(s, permissionRequest("p1"))
	if sock.countType(protocol.TypePermissionRequest) != 0 {
		t.Error("observer received a permission_request")
	}
}

func TestPermissionFirstAnswerWins(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	s, sock := newJoinedSession(t, b)
	mb := newMockBackend()
	if err := b.ConnectBackend(s.ID, mb); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}

	b.handleBackendMessage(s, permissionRequest("p1"))

	reply := []byte(`{"type":"permission_response","request_id":"p1","behavior":"allow"}`)
	b.HandleConsumerMessage(s, sock, reply)
	b.HandleConsumerMessage(s, sock, reply)

	var responses int
	mb.mu.Lock()
	for _, msg := range mb.sent {
		if msg.Type == unified.TypePermissionResponse {
			responses++
			if msg.MetaString("decision") != "accept" {
				t.Errorf("decision = %q, want accept", msg.MetaString("decision"))
			}
			if msg.MetaString("method") != "can_use_tool" {
				t.Errorf("method = %q, want can_use_tool", msg.MetaString("method"))
			}
		}
	}
	mb.mu.Unlock()
	if responses != 1 {
		t.Errorf("backend received %d permission responses, want 1", responses)
	}

	// Everyone is told the request is settled so dialogs close.
	if sock.countType(protocol.TypePermissionCancelled) != 1 {
		t.Error("no permission_cancelled after resolution")
	}
	if s.PendingPermissionCount() != 0 {
		t.Errorf("pending = %d, want 0", s.PendingPermissionCount())
	}
}

func TestPermissionDenyCarriesReason(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	s, sock := newJoinedSession(t, b)
	mb := newMockBackend()
	if err := b.ConnectBackend(s.ID, mb); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}

	b.handleBackendMessage(s, permissionRequest("p1"))
	b.HandleConsumerMessage(s, sock,
		[]byte(`{"type":"permission_response","request_id":"p1","behavior":"deny","message":"not now"}`))

	sent, ok := mb.lastSent()
	if !ok || sent.Type != unified.TypePermissionResponse {
		t.Fatalf("backend got %v, want permission_response", mb.sentTypes())
	}
	if sent.MetaString("decision") != "decline" {
		t.Errorf("decision = %q, want decline", sent.MetaString("decision"))
	}
	if sent.MetaString("reason") != "not now" {
		t.Errorf("reason = %q, want not now", sent.MetaString("reason"))
	}
}

func TestBackendDisconnectCancelsPendingPermissions(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	s, sock := newJoinedSession(t, b)
	mb := newMockBackend()
	if err := b.ConnectBackend(s.ID, mb); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}

	b.handleBackendMessage(s, permissionRequest("p1"))
	b.handleBackendMessage(s, permissionRequest("p2"))
	b.DisconnectBackend(s.ID, "test")

	if got := sock.countType(protocol.TypePermissionCancelled); got != 2 {
		t.Errorf("cancellations = %d, want 2", got)
	}
	if s.PendingPermissionCount() != 0 {
		t.Errorf("pending = %d, want 0", s.PendingPermissionCount())
	}
	// One at join (no backend yet), one from the disconnect broadcast.
	if got := sock.countType(protocol.TypeCLIDisconnected); got != 2 {
		t.Errorf("cli_disconnected frames = %d, want 2", got)
	}
}

func TestBackendCancelRemovesRequest(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	s, sock := newJoinedSession(t, b)
	mb := newMockBackend()
	if err := b.ConnectBackend(s.ID, mb); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}

	b.handleBackendMessage(s, permissionRequest("p1"))
	b.handleBackendMessage(s, unified.Message{
		Type:     unified.TypePermissionCancelled,
		Metadata: map[string]any{"request_id": "p1"},
	})

	if sock.countType(protocol.TypePermissionCancelled) != 1 {
		t.Error("cancellation not fanned out")
	}

	// A late answer is dropped, not forwarded.
	b.HandleConsumerMessage(s, sock,
		[]byte(`{"type":"permission_response","request_id":"p1","behavior":"allow"}`))
	for _, msg := range mb.sentTypes() {
		if msg == unified.TypePermissionResponse {
			t.Error("backend received response for cancelled request")
		}
	}
}

func TestPermissionRequestPayloadRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	s, sock := newJoinedSession(t, b)
	mb := newMockBackend()
	if err := b.ConnectBackend(s.ID, mb); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}

	b.handleBackendMessage(s, permissionRequest("p1"))
	frame, _ := sock.lastOfType(protocol.TypePermissionRequest)

	var req map[string]any
	if err := json.Unmarshal(frame.Request, &req); err != nil {
		t.Fatalf("unmarshal request payload: %v", err)
	}
	if req["tool_name"] != "Bash" {
		t.Errorf("tool_name = %v, want Bash", req["tool_name"])
	}
	input, _ := req["input"].(map[string]any)
	if input["command"] != "ls" {
		t.Errorf("input = %v, want command ls", input)
	}
}
