// Package unified defines the broker-internal, protocol-agnostic message
// envelope. Translators are the only place raw backend JSON is inspected;
// everything past them works with the tagged types in this package.
package unified

import (
	"encoding/json"
	"strings"
)

// Type identifies the kind of a unified message.
type Type string

const (
	TypeUserMessage         Type = "user_message"
	TypeAssistant           Type = "assistant"
	TypeStreamEvent         Type = "stream_event"
	TypeResult              Type = "result"
	TypePermissionRequest   Type = "permission_request"
	TypePermissionResponse  Type = "permission_response"
	TypePermissionCancelled Type = "permission_cancelled"
	TypeToolProgress        Type = "tool_progress"
	TypeToolUseSummary      Type = "tool_use_summary"
	TypeConfigurationChange Type = "configuration_change"
	TypeSessionInit         Type = "session_init"
	TypeStatusChange        Type = "status_change"
	TypeAuthStatus          Type = "auth_status"
	TypeInterrupt           Type = "interrupt"
	TypeUnknown             Type = "unknown"
)

// Role is the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Block is a single content block inside a message. The Type field selects
// which of the remaining fields are meaningful.
type Block struct {
	Type string `json:"type"` // "text", "thinking", "tool_use", "tool_result", "image"

	// text / thinking
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source json.RawMessage `json:"source,omitempty"`
}

// Message is the uniform internal message envelope.
type Message struct {
	Type     Type           `json:"type"`
	Role     Role           `json:"role,omitempty"`
	Content  []Block        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ID       string         `json:"id,omitempty"`
}

// TextBlock returns a plain text content block.
func TextBlock(text string) Block {
	return Block{Type: "text", Text: text}
}

// UserText builds a user_message carrying a single text block.
func UserText(text string) Message {
	return Message{
		Type:    TypeUserMessage,
		Role:    RoleUser,
		Content: []Block{TextBlock(text)},
	}
}

// PlainText concatenates the text blocks of the message.
func (m Message) PlainText() string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// MetaString returns a string metadata value, or "" when absent or not a string.
func (m Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaInt returns an integer metadata value. JSON numbers decode as float64,
// so both forms are accepted.
func (m Message) MetaInt(key string) (int, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	switch v := m.Metadata[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// MetaFloat returns a float metadata value.
func (m Message) MetaFloat(key string) (float64, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	switch v := m.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// WithMeta returns a copy of the message with the given metadata key set.
func (m Message) WithMeta(key string, value any) Message {
	meta := make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[key] = value
	m.Metadata = meta
	return m
}

// Visible reports whether the message represents a consumer-visible event
// that belongs in session history.
func (m Message) Visible() bool {
	switch m.Type {
	case TypeAssistant, TypeUserMessage, TypeResult, TypeToolProgress,
		TypeToolUseSummary, TypePermissionRequest:
		return true
	}
	return false
}
