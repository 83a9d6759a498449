package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/beamcode/beamcode/internal/unified"
)

// translateCodexEvent converts a codex/event notification into a unified
// message. nil, nil means the event has no consumer-facing form.
func translateCodexEvent(params json.RawMessage) (*unified.Message, error) {
	var event struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(params, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(event.Msg, &msg); err != nil {
		return nil, fmt.Errorf("decode event msg: %w", err)
	}
	msgType, _ := msg["type"].(string)
	delete(msg, "type")

	switch msgType {
	case "agent_message":
		text, _ := msg["message"].(string)
		return &unified.Message{
			Type:    unified.TypeAssistant,
			Role:    unified.RoleAssistant,
			ID:      event.ID,
			Content: []unified.Block{unified.TextBlock(text)},
		}, nil

	case "agent_message_delta", "agent_reasoning_delta":
		delta, _ := msg["delta"].(string)
		kind := "text"
		if msgType == "agent_reasoning_delta" {
			kind = "thinking"
		}
		return &unified.Message{
			Type: unified.TypeStreamEvent,
			Metadata: map[string]any{
				"event": map[string]any{"type": "delta", "kind": kind, "text": delta},
			},
		}, nil

	case "agent_reasoning":
		text, _ := msg["text"].(string)
		return &unified.Message{
			Type:    unified.TypeAssistant,
			Role:    unified.RoleAssistant,
			ID:      event.ID,
			Content: []unified.Block{{Type: "thinking", Text: text}},
		}, nil

	case "exec_command_begin", "patch_apply_begin", "web_search_begin":
		return &unified.Message{
			Type:     unified.TypeToolProgress,
			ID:       event.ID,
			Metadata: withTool(msg, msgType),
		}, nil

	case "exec_command_end", "patch_apply_end", "web_search_end":
		return &unified.Message{
			Type:     unified.TypeToolUseSummary,
			ID:       event.ID,
			Metadata: withTool(msg, msgType),
		}, nil

	case "task_complete":
		return &unified.Message{Type: unified.TypeResult, Metadata: msg}, nil

	case "error":
		message, _ := msg["message"].(string)
		return &unified.Message{
			Type:     unified.TypeResult,
			Metadata: map[string]any{"is_error": true, "result": message},
		}, nil

	case "session_configured":
		sessionID, _ := msg["session_id"].(string)
		meta := msg
		meta["session_id"] = sessionID
		return &unified.Message{Type: unified.TypeSessionInit, Metadata: meta}, nil

	case "task_started", "token_count", "turn_diff":
		return nil, nil

	default:
		return &unified.Message{
			Type:     unified.TypeUnknown,
			Metadata: map[string]any{"event_type": msgType, "raw": json.RawMessage(event.Msg)},
		}, nil
	}
}

func withTool(msg map[string]any, eventType string) map[string]any {
	meta := make(map[string]any, len(msg)+1)
	for k, v := range msg {
		meta[k] = v
	}
	meta["event_type"] = eventType
	return meta
}
