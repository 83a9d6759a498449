package protocol

import (
	"encoding/json"
	"testing"
)

func TestInboundValidate(t *testing.T) {
	cases := []struct {
		name  string
		frame Inbound
		want  bool
	}{
		{"user message", Inbound{Type: TypeUserMessage, Content: "hi"}, true},
		{"user message empty", Inbound{Type: TypeUserMessage}, false},
		{"permission allow", Inbound{Type: TypePermissionReply, RequestID: "r1", Behavior: "allow"}, true},
		{"permission deny", Inbound{Type: TypePermissionReply, RequestID: "r1", Behavior: "deny"}, true},
		{"permission bad behavior", Inbound{Type: TypePermissionReply, RequestID: "r1", Behavior: "maybe"}, false},
		{"permission no request id", Inbound{Type: TypePermissionReply, Behavior: "allow"}, false},
		{"interrupt", Inbound{Type: TypeInterrupt}, true},
		{"slash command", Inbound{Type: TypeSlashCommand, Command: "/help"}, true},
		{"slash command empty", Inbound{Type: TypeSlashCommand}, false},
		{"set model", Inbound{Type: TypeSetModel, Model: "opus"}, true},
		{"set model empty", Inbound{Type: TypeSetModel}, false},
		{"set permission mode plan", Inbound{Type: TypeSetPermissionMode, Mode: "plan"}, true},
		{"set permission mode bogus", Inbound{Type: TypeSetPermissionMode, Mode: "yolo"}, false},
		{"set adapter", Inbound{Type: TypeSetAdapter, Adapter: "codex"}, true},
		{"unknown type", Inbound{Type: "telemetry"}, false},
		{"empty type", Inbound{}, false},
	}
	for _, tc := range cases {
		if got := tc.frame.Validate(); got != tc.want {
			t.Errorf("%s: Validate = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestInboundUnmarshal(t *testing.T) {
	var in Inbound
	err := json.Unmarshal([]byte(`{"type":"permission_response","request_id":"req_3","behavior":"deny","message":"no"}`), &in)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if in.Type != TypePermissionReply || in.RequestID != "req_3" || in.Behavior != "deny" || in.Message != "no" {
		t.Errorf("frame = %+v", in)
	}
	if !in.Validate() {
		t.Error("valid frame rejected")
	}
}

func TestErrorFrame(t *testing.T) {
	frame := ErrorFrame(`rate "limit" exceeded`)
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeError {
		t.Errorf("type = %q", decoded.Type)
	}
	if decoded.Message != `rate "limit" exceeded` {
		t.Errorf("message = %q", decoded.Message)
	}
}

func TestOutboundOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Outbound{Type: TypePresence, ConsumerCount: 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"presence","consumer_count":2}`
	if string(data) != want {
		t.Errorf("presence frame = %s, want %s", data, want)
	}
}
