// Package protocol defines the JSON frames exchanged between the broker and
// its WebSocket consumers, plus the close codes the broker uses.
//
// All frames share a common envelope with a "type" field that determines
// the remaining structure.
package protocol

import (
	"encoding/json"

	"github.com/beamcode/beamcode/internal/unified"
)

// WebSocket close codes used by the broker.
const (
	CloseMessageTooBig   = 1009
	CloseAuthFailed      = 4001
	CloseSessionNotFound = 4404
)

// Inbound frame types (consumer → broker).
const (
	TypeUserMessage       = "user_message"
	TypePermissionReply   = "permission_response"
	TypeInterrupt         = "interrupt"
	TypeSlashCommand      = "slash_command"
	TypeSetModel          = "set_model"
	TypeSetPermissionMode = "set_permission_mode"
	TypeSetAdapter        = "set_adapter"
)

// Outbound frame types (broker → consumer).
const (
	TypeIdentity            = "identity"
	TypeSessionInit         = "session_init"
	TypeMessageHistory      = "message_history"
	TypeCapabilitiesReady   = "capabilities_ready"
	TypeStatusChange        = "status_change"
	TypeCLIConnected        = "cli_connected"
	TypeCLIDisconnected     = "cli_disconnected"
	TypePermissionRequest   = "permission_request"
	TypePermissionCancelled = "permission_cancelled"
	TypeAssistant           = "assistant"
	TypeUserEcho            = "user_message"
	TypeStreamEvent         = "stream_event"
	TypeResult              = "result"
	TypeToolProgress        = "tool_progress"
	TypeToolUseSummary      = "tool_use_summary"
	TypeSlashCommandResult  = "slash_command_result"
	TypeSlashCommandError   = "slash_command_error"
	TypeAuthStatus          = "auth_status"
	TypePresence            = "presence"
	TypeError               = "error"
)

// Inbound is a frame sent by a consumer. Fields beyond Type are populated
// depending on the frame type.
type Inbound struct {
	Type string `json:"type"`

	// user_message
	Content string            `json:"content,omitempty"`
	Images  []json.RawMessage `json:"images,omitempty"`

	// permission_response
	RequestID string `json:"request_id,omitempty"`
	Behavior  string `json:"behavior,omitempty"` // "allow" | "deny"
	Message   string `json:"message,omitempty"`

	// slash_command
	Command string `json:"command,omitempty"`

	// set_model / set_permission_mode / set_adapter
	Model   string `json:"model,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Adapter string `json:"adapter,omitempty"`
}

// Validate reports whether the frame is well-formed for its type.
func (in Inbound) Validate() bool {
	switch in.Type {
	case TypeUserMessage:
		return in.Content != ""
	case TypePermissionReply:
		return in.RequestID != "" && (in.Behavior == "allow" || in.Behavior == "deny")
	case TypeInterrupt:
		return true
	case TypeSlashCommand:
		return in.Command != ""
	case TypeSetModel:
		return in.Model != ""
	case TypeSetPermissionMode:
		switch in.Mode {
		case "default", "plan", "bypassPermissions", "delegate":
			return true
		}
		return false
	case TypeSetAdapter:
		return true
	}
	return false
}

// Outbound is a frame sent by the broker to a consumer.
type Outbound struct {
	Type string `json:"type"`

	// identity
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`

	// session_init
	Session json.RawMessage `json:"session,omitempty"`

	// message_history
	Messages []unified.Message `json:"messages,omitempty"`

	// capabilities_ready
	Commands json.RawMessage `json:"commands,omitempty"`
	Models   json.RawMessage `json:"models,omitempty"`
	Account  json.RawMessage `json:"account,omitempty"`
	Skills   json.RawMessage `json:"skills,omitempty"`

	// status_change
	Status *string `json:"status,omitempty"`

	// permission_request / permission_cancelled
	Request   json.RawMessage `json:"request,omitempty"`
	RequestID string          `json:"request_id,omitempty"`

	// assistant / stream_event
	Message         json.RawMessage `json:"message,omitempty"`
	Event           json.RawMessage `json:"event,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// result
	Data json.RawMessage `json:"data,omitempty"`

	// tool_progress / tool_use_summary
	Detail json.RawMessage `json:"detail,omitempty"`

	// slash_command_result / slash_command_error
	Command string `json:"command,omitempty"`
	Content string `json:"content,omitempty"`
	Source  string `json:"source,omitempty"` // "emulated" | "pty" | "cli"
	CmdErr  string `json:"error,omitempty"`

	// auth_status
	IsAuthenticating *bool  `json:"isAuthenticating,omitempty"`
	Output           string `json:"output,omitempty"`

	// presence
	ConsumerCount int `json:"consumer_count,omitempty"`
}

// ErrorFrame builds an error frame: {"type":"error","message":"..."}.
// The message field doubles as the assistant payload carrier, so the text
// is encoded as a JSON string.
func ErrorFrame(msg string) Outbound {
	quoted, _ := json.Marshal(msg)
	return Outbound{Type: TypeError, Message: quoted}
}
