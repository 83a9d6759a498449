package adapter

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/beamcode/beamcode/internal/unified"
)

func staticID(id string) func() string {
	return func() string { return id }
}

func TestTranslateClaudeOutboundUserMessage(t *testing.T) {
	msg := unified.UserText("hello")
	data, err := translateClaudeOutbound(msg, staticID("req_1"))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}

	var frame struct {
		Type    string `json:"type"`
		Message struct {
			Role    string          `json:"role"`
			Content []unified.Block `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "user" {
		t.Errorf("type = %q, want user", frame.Type)
	}
	if frame.Message.Role != "user" {
		t.Errorf("role = %q, want user", frame.Message.Role)
	}
	if len(frame.Message.Content) != 1 || frame.Message.Content[0].Text != "hello" {
		t.Errorf("content = %+v, want single hello block", frame.Message.Content)
	}
}

func TestTranslateClaudeOutboundInterrupt(t *testing.T) {
	data, err := translateClaudeOutbound(unified.Message{Type: unified.TypeInterrupt}, staticID("req_7"))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if !strings.Contains(string(data), `"control_request"`) {
		t.Errorf("frame = %s, want control_request", data)
	}
	if !strings.Contains(string(data), `"req_7"`) {
		t.Errorf("frame = %s, want request id req_7", data)
	}
	if !strings.Contains(string(data), `"interrupt"`) {
		t.Errorf("frame = %s, want interrupt subtype", data)
	}
}

func TestTranslateClaudeOutboundPermissionAllow(t *testing.T) {
	msg := unified.Message{
		Type: unified.TypePermissionResponse,
		Metadata: map[string]any{
			"request_id": "abc",
			"decision":   "accept",
			"input":      map[string]any{"command": "ls"},
		},
	}
	data, err := translateClaudeOutbound(msg, staticID(""))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}

	var frame struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Response  struct {
				Behavior     string         `json:"behavior"`
				UpdatedInput map[string]any `json:"updatedInput"`
			} `json:"response"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "control_response" {
		t.Errorf("type = %q, want control_response", frame.Type)
	}
	if frame.Response.RequestID != "abc" {
		t.Errorf("request_id = %q, want abc", frame.Response.RequestID)
	}
	if frame.Response.Response.Behavior != "allow" {
		t.Errorf("behavior = %q, want allow", frame.Response.Response.Behavior)
	}
	if frame.Response.Response.UpdatedInput["command"] != "ls" {
		t.Errorf("updatedInput = %v, want original input echoed", frame.Response.Response.UpdatedInput)
	}
}

func TestTranslateClaudeOutboundPermissionDeny(t *testing.T) {
	msg := unified.Message{
		Type: unified.TypePermissionResponse,
		Metadata: map[string]any{
			"request_id": "abc",
			"decision":   "decline",
		},
	}
	data, err := translateClaudeOutbound(msg, staticID(""))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if !strings.Contains(string(data), `"behavior":"deny"`) {
		t.Errorf("frame = %s, want deny behavior", data)
	}
}

func TestTranslateClaudeOutboundPermissionMissingRequestID(t *testing.T) {
	msg := unified.Message{
		Type:     unified.TypePermissionResponse,
		Metadata: map[string]any{"decision": "accept"},
	}
	if _, err := translateClaudeOutbound(msg, staticID("")); err == nil {
		t.Fatal("expected error for missing request_id")
	}
}

func TestTranslateClaudeOutboundDropsUnmappedTypes(t *testing.T) {
	data, err := translateClaudeOutbound(unified.Message{Type: unified.TypeStatusChange}, staticID(""))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if data != nil {
		t.Errorf("frame = %s, want drop", data)
	}
}

func TestTranslateClaudeInboundAssistant(t *testing.T) {
	raw := `{"type":"assistant","session_id":"sid","message":{"id":"m1","role":"assistant","model":"opus",` +
		`"content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`
	msg, err := translateClaudeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if msg.Type != unified.TypeAssistant {
		t.Fatalf("type = %q, want assistant", msg.Type)
	}
	if msg.ID != "m1" {
		t.Errorf("id = %q, want m1", msg.ID)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(msg.Content))
	}
	if msg.Content[1].Name != "Bash" {
		t.Errorf("tool name = %q, want Bash", msg.Content[1].Name)
	}
	if msg.MetaString("model") != "opus" {
		t.Errorf("model = %q, want opus", msg.MetaString("model"))
	}
}

func TestTranslateClaudeInboundStringContent(t *testing.T) {
	raw := `{"type":"user","session_id":"sid","message":{"role":"user","content":"plain text"}}`
	msg, err := translateClaudeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if msg.Type != unified.TypeUserMessage {
		t.Fatalf("type = %q, want user_message", msg.Type)
	}
	if msg.PlainText() != "plain text" {
		t.Errorf("text = %q, want plain text", msg.PlainText())
	}
}

func TestTranslateClaudeInboundCanUseTool(t *testing.T) {
	raw := `{"type":"control_request","request_id":"r9","request":` +
		`{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /tmp/x"}}}`
	msg, err := translateClaudeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if msg.Type != unified.TypePermissionRequest {
		t.Fatalf("type = %q, want permission_request", msg.Type)
	}
	if msg.MetaString("request_id") != "r9" {
		t.Errorf("request_id = %q, want r9", msg.MetaString("request_id"))
	}
	if msg.MetaString("method") != "can_use_tool" {
		t.Errorf("method = %q, want can_use_tool", msg.MetaString("method"))
	}
	if msg.MetaString("tool_name") != "Bash" {
		t.Errorf("tool_name = %q, want Bash", msg.MetaString("tool_name"))
	}
}

func TestTranslateClaudeInboundControlCancel(t *testing.T) {
	msg, err := translateClaudeInbound([]byte(`{"type":"control_cancel_request","request_id":"r9"}`))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if msg.Type != unified.TypePermissionCancelled {
		t.Fatalf("type = %q, want permission_cancelled", msg.Type)
	}
	if msg.MetaString("request_id") != "r9" {
		t.Errorf("request_id = %q, want r9", msg.MetaString("request_id"))
	}
}

func TestTranslateClaudeInboundSystemInit(t *testing.T) {
	raw := `{"type":"system","subtype":"init","session_id":"sid-1","model":"opus","cwd":"/work"}`
	msg, err := translateClaudeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if msg.Type != unified.TypeSessionInit {
		t.Fatalf("type = %q, want session_init", msg.Type)
	}
	if msg.MetaString("session_id") != "sid-1" {
		t.Errorf("session_id = %q, want sid-1", msg.MetaString("session_id"))
	}
}

func TestTranslateClaudeInboundKeepAliveDropped(t *testing.T) {
	msg, err := translateClaudeInbound([]byte(`{"type":"keep_alive"}`))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if msg != nil {
		t.Errorf("msg = %+v, want drop", msg)
	}
}

func TestTranslateClaudeInboundUnknownPreserved(t *testing.T) {
	msg, err := translateClaudeInbound([]byte(`{"type":"something_new","data":1}`))
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if msg.Type != unified.TypeUnknown {
		t.Fatalf("type = %q, want unknown", msg.Type)
	}
}

func TestTranslateClaudeInboundInvalidJSON(t *testing.T) {
	if _, err := translateClaudeInbound([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
