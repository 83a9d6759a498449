package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/beamcode/beamcode/internal/unified"
)

// translateGeminiUpdate converts a session/update notification into a
// unified message. nil, nil means the update has no consumer-facing form.
func translateGeminiUpdate(params json.RawMessage) (*unified.Message, error) {
	var upd struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &upd); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}

	var body map[string]any
	if err := json.Unmarshal(upd.Update, &body); err != nil {
		return nil, fmt.Errorf("decode update body: %w", err)
	}
	kind, _ := body["sessionUpdate"].(string)

	switch kind {
	case "agent_message_chunk", "agent_thought_chunk":
		content, _ := body["content"].(map[string]any)
		text, _ := content["text"].(string)
		blockKind := "text"
		if kind == "agent_thought_chunk" {
			blockKind = "thinking"
		}
		return &unified.Message{
			Type: unified.TypeStreamEvent,
			Metadata: map[string]any{
				"event":      map[string]any{"type": "delta", "kind": blockKind, "text": text},
				"session_id": upd.SessionID,
			},
		}, nil

	case "tool_call":
		return &unified.Message{
			Type:     unified.TypeToolProgress,
			ID:       strField(body, "toolCallId"),
			Metadata: toolMeta(body, upd.SessionID),
		}, nil

	case "tool_call_update":
		status := strField(body, "status")
		msgType := unified.TypeToolProgress
		if status == "completed" || status == "failed" {
			msgType = unified.TypeToolUseSummary
		}
		return &unified.Message{
			Type:     msgType,
			ID:       strField(body, "toolCallId"),
			Metadata: toolMeta(body, upd.SessionID),
		}, nil

	case "plan":
		return &unified.Message{
			Type: unified.TypeStreamEvent,
			Metadata: map[string]any{
				"event":      map[string]any{"type": "plan", "entries": body["entries"]},
				"session_id": upd.SessionID,
			},
		}, nil

	case "current_mode_update":
		return &unified.Message{
			Type: unified.TypeConfigurationChange,
			Metadata: map[string]any{
				"subtype": "set_permission_mode",
				"mode":    strField(body, "currentModeId"),
			},
		}, nil

	default:
		return nil, nil
	}
}

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func toolMeta(body map[string]any, sessionID string) map[string]any {
	meta := make(map[string]any, len(body)+1)
	for k, v := range body {
		if k == "sessionUpdate" {
			continue
		}
		meta[k] = v
	}
	meta["session_id"] = sessionID
	return meta
}
