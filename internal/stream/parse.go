package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type rawEvent struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	SessionID    string          `json:"session_id"`
	Model        string          `json:"model"`
	Cwd          string          `json:"cwd"`
	Message      json.RawMessage `json:"message"`
	IsError      bool            `json:"is_error"`
	Result       string          `json:"result"`
	NumTurns     int             `json:"num_turns"`
	DurationMs   int             `json:"duration_ms"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Error        json.RawMessage `json:"error"`
}

type rawMessage struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseLine decodes one stdout line. It never fails: anything that is not a
// recognised event comes back as UnrecognizedLine.
func ParseLine(line string) Event {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return UnrecognizedLine{Line: line}
	}
	var raw rawEvent
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return UnrecognizedLine{Line: line, Reason: fmt.Sprintf("invalid json: %v", err)}
	}

	switch raw.Type {
	case "system":
		return SystemEvent{Subtype: raw.Subtype, SessionID: raw.SessionID, Model: raw.Model, Cwd: raw.Cwd}
	case "assistant":
		msg, blocks, err := parseMessage(raw.Message)
		if err != nil {
			return UnrecognizedLine{Line: line, Reason: err.Error()}
		}
		return AssistantEvent{MessageID: msg.ID, SessionID: raw.SessionID, Content: blocks}
	case "user":
		_, blocks, err := parseMessage(raw.Message)
		if err != nil {
			return UnrecognizedLine{Line: line, Reason: err.Error()}
		}
		return UserEvent{SessionID: raw.SessionID, Content: blocks}
	case "result":
		return ResultEvent{
			Subtype:      raw.Subtype,
			SessionID:    raw.SessionID,
			IsError:      raw.IsError,
			Result:       raw.Result,
			NumTurns:     raw.NumTurns,
			DurationMs:   raw.DurationMs,
			TotalCostUSD: raw.TotalCostUSD,
		}
	case "error":
		return ErrorEvent{Message: errorMessage(raw)}
	case "":
		return UnrecognizedLine{Line: line, Reason: "missing type"}
	default:
		return UnrecognizedLine{Line: line, Reason: fmt.Sprintf("unknown type %q", raw.Type)}
	}
}

func parseMessage(data json.RawMessage) (rawMessage, []ContentBlock, error) {
	var msg rawMessage
	if len(data) == 0 {
		return msg, nil, fmt.Errorf("missing message")
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, nil, fmt.Errorf("invalid message: %w", err)
	}
	blocks, err := parseContent(msg.Content)
	return msg, blocks, err
}

// parseContent accepts both a block array and a bare string.
func parseContent(data json.RawMessage) ([]ContentBlock, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("invalid content: %w", err)
		}
		return []ContentBlock{TextBlock{Text: s}}, nil
	}
	var raws []rawBlock
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("invalid content: %w", err)
	}
	blocks := make([]ContentBlock, 0, len(raws))
	for _, b := range raws {
		switch b.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: b.Text})
		case "thinking":
			blocks = append(blocks, ThinkingBlock{Thinking: b.Thinking})
		case "tool_use":
			blocks = append(blocks, ToolUseBlock{ID: b.ID, Name: b.Name, Input: b.Input})
		case "tool_result":
			blocks = append(blocks, ToolResultBlock{
				ToolUseID: b.ToolUseID,
				Content:   toolResultText(b.Content),
				IsError:   b.IsError,
			})
		}
	}
	return blocks, nil
}

// toolResultText flattens string or [{type:text,text}] tool result content.
func toolResultText(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var parts []rawBlock
	if err := json.Unmarshal(data, &parts); err != nil {
		return string(data)
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func errorMessage(raw rawEvent) string {
	if len(raw.Error) == 0 {
		if raw.Result != "" {
			return raw.Result
		}
		return "agent reported an error"
	}
	var s string
	if err := json.Unmarshal(raw.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(raw.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw.Error)
}
