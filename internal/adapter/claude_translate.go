package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/beamcode/beamcode/internal/unified"
)

// translateClaudeOutbound converts a unified message into a CLI stream-json
// frame. A nil, nil return means the message has no wire form and is dropped.
// nextID mints request ids for control requests.
func translateClaudeOutbound(msg unified.Message, nextID func() string) ([]byte, error) {
	switch msg.Type {
	case unified.TypeUserMessage:
		return json.Marshal(map[string]any{
			"type": "user",
			"message": map[string]any{
				"role":    "user",
				"content": msg.Content,
			},
			"parent_tool_use_id": nil,
			"session_id":         msg.MetaString("session_id"),
		})

	case unified.TypeInterrupt:
		return marshalControlRequest(nextID(), map[string]any{"subtype": "interrupt"})

	case unified.TypeConfigurationChange:
		switch msg.MetaString("subtype") {
		case "set_model":
			return marshalControlRequest(nextID(), map[string]any{
				"subtype": "set_model",
				"model":   msg.MetaString("model"),
			})
		case "set_permission_mode":
			return marshalControlRequest(nextID(), map[string]any{
				"subtype": "set_permission_mode",
				"mode":    msg.MetaString("mode"),
			})
		}
		return nil, nil

	case unified.TypePermissionResponse:
		return translateClaudePermissionResponse(msg)

	default:
		return nil, nil
	}
}

func marshalControlRequest(id string, request map[string]any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    request,
	})
}

// translateClaudePermissionResponse shapes a permission decision into the
// control_response the CLI expects for can_use_tool.
func translateClaudePermissionResponse(msg unified.Message) ([]byte, error) {
	requestID := msg.MetaString("request_id")
	if requestID == "" {
		return nil, fmt.Errorf("permission_response missing request_id")
	}

	var response map[string]any
	if msg.MetaString("decision") == "accept" {
		response = map[string]any{"behavior": "allow"}
		if input, ok := msg.Metadata["updated_input"]; ok {
			response["updatedInput"] = input
		} else if input, ok := msg.Metadata["input"]; ok {
			response["updatedInput"] = input
		}
	} else {
		reason := msg.MetaString("reason")
		if reason == "" {
			reason = "Denied by user"
		}
		response = map[string]any{"behavior": "deny", "message": reason}
	}

	return json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	})
}

// translateClaudeInbound converts a CLI stream-json frame into a unified
// message. nil, nil means the frame is protocol noise with no unified form.
func translateClaudeInbound(data []byte) (*unified.Message, error) {
	var frame struct {
		Type            string          `json:"type"`
		Subtype         string          `json:"subtype"`
		Message         json.RawMessage `json:"message"`
		Event           json.RawMessage `json:"event"`
		SessionID       string          `json:"session_id"`
		ParentToolUseID *string         `json:"parent_tool_use_id"`
		RequestID       string          `json:"request_id"`
		Request         json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Type {
	case "assistant", "user":
		return translateClaudeChatMessage(frame.Type, frame.Message, frame.SessionID, frame.ParentToolUseID)

	case "stream_event":
		msg := unified.Message{
			Type: unified.TypeStreamEvent,
			Metadata: map[string]any{
				"event":      json.RawMessage(frame.Event),
				"session_id": frame.SessionID,
			},
		}
		if frame.ParentToolUseID != nil {
			msg.Metadata["parent_tool_use_id"] = *frame.ParentToolUseID
		}
		return &msg, nil

	case "result":
		var res map[string]any
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		delete(res, "type")
		return &unified.Message{Type: unified.TypeResult, Metadata: res}, nil

	case "system":
		if frame.Subtype != "init" {
			return nil, nil
		}
		var meta map[string]any
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("decode init: %w", err)
		}
		delete(meta, "type")
		delete(meta, "subtype")
		return &unified.Message{Type: unified.TypeSessionInit, Metadata: meta}, nil

	case "control_request":
		return translateClaudeControlRequest(frame.RequestID, frame.Request)

	case "control_cancel_request":
		return &unified.Message{
			Type:     unified.TypePermissionCancelled,
			Metadata: map[string]any{"request_id": frame.RequestID},
		}, nil

	case "keep_alive", "ping":
		return nil, nil

	default:
		return &unified.Message{
			Type:     unified.TypeUnknown,
			Metadata: map[string]any{"raw": json.RawMessage(data)},
		}, nil
	}
}

func translateClaudeChatMessage(frameType string, raw json.RawMessage, sessionID string, parentToolUseID *string) (*unified.Message, error) {
	var inner struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		ID      string          `json:"id"`
		Model   string          `json:"model"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", frameType, err)
	}

	msg := unified.Message{
		ID:       inner.ID,
		Metadata: map[string]any{"session_id": sessionID},
	}
	if frameType == "assistant" {
		msg.Type = unified.TypeAssistant
		msg.Role = unified.RoleAssistant
		if inner.Model != "" {
			msg.Metadata["model"] = inner.Model
		}
	} else {
		msg.Type = unified.TypeUserMessage
		msg.Role = unified.RoleUser
	}
	if parentToolUseID != nil {
		msg.Metadata["parent_tool_use_id"] = *parentToolUseID
	}

	// Content is either a plain string or a block array.
	var text string
	if err := json.Unmarshal(inner.Content, &text); err == nil {
		msg.Content = []unified.Block{unified.TextBlock(text)}
		return &msg, nil
	}
	var blocks []unified.Block
	if err := json.Unmarshal(inner.Content, &blocks); err != nil {
		return nil, fmt.Errorf("decode content blocks: %w", err)
	}
	msg.Content = blocks
	return &msg, nil
}

func translateClaudeControlRequest(requestID string, raw json.RawMessage) (*unified.Message, error) {
	var req struct {
		Subtype     string          `json:"subtype"`
		ToolName    string          `json:"tool_name"`
		Input       json.RawMessage `json:"input"`
		Suggestions json.RawMessage `json:"permission_suggestions"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode control_request: %w", err)
	}

	switch req.Subtype {
	case "can_use_tool":
		meta := map[string]any{
			"request_id": requestID,
			"method":     "can_use_tool",
			"tool_name":  req.ToolName,
			"input":      json.RawMessage(req.Input),
		}
		if len(req.Suggestions) > 0 {
			meta["permission_suggestions"] = json.RawMessage(req.Suggestions)
		}
		return &unified.Message{Type: unified.TypePermissionRequest, Metadata: meta}, nil
	default:
		return &unified.Message{
			Type: unified.TypeUnknown,
			Metadata: map[string]any{
				"request_id": requestID,
				"subtype":    req.Subtype,
				"raw":        json.RawMessage(raw),
			},
		}, nil
	}
}
