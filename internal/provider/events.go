package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType tags one parsed stream event.
type EventType string

const (
	EventSystem     EventType = "system"
	EventUser       EventType = "user"
	EventAssistant  EventType = "assistant"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventUsage      EventType = "usage"
	EventResult     EventType = "result"
	// EventDebug carries unparseable or stderr chatter. Debug events are
	// droppable under back-pressure; everything else is delivered in order.
	EventDebug EventType = "debug"
)

// Usage is the token accounting block providers attach to messages and
// results.
type Usage struct {
	InputTokens              int64 `json:"input_tokens,omitempty"`
	OutputTokens             int64 `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Event is one normalized provider stream event. Which fields are set
// depends on Type.
type Event struct {
	Type EventType

	// system
	Subtype   string
	SessionID string

	// assistant / user / debug
	Text string

	// tool_use
	ToolUseID string
	ToolName  string
	ToolInput map[string]any

	// tool_result
	Content string
	IsError bool

	// usage
	Usage *Usage

	// result
	ResultText   string
	TotalCostUSD float64
	NumTurns     int
	DurationMS   int64
}

// wire shapes follow the stream-json protocol the agent CLIs speak: one JSON
// object per line, message-bearing events nest content blocks.
type wireEvent struct {
	Type      string       `json:"type"`
	Subtype   string       `json:"subtype"`
	SessionID string       `json:"session_id"`
	Message   *wireMessage `json:"message"`

	// result
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms"`
	Usage        *Usage  `json:"usage"`

	// flat tool events (codex emits these without a message wrapper)
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
	Usage   *Usage      `json:"usage"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Parse decodes one stream line into zero or more events. A message-bearing
// line explodes into its blocks: assistant text, tool uses, tool results,
// and a usage event when the message carries token counts. Blank lines
// yield nothing; undecodable lines are an error the caller downgrades to
// debug output.
func Parse(line []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, nil
	}
	var we wireEvent
	if err := json.Unmarshal([]byte(trimmed), &we); err != nil {
		return nil, fmt.Errorf("not a stream event: %w", err)
	}
	if we.Type == "" {
		return nil, fmt.Errorf("stream event missing type")
	}

	switch we.Type {
	case "system":
		return []Event{{Type: EventSystem, Subtype: we.Subtype, SessionID: we.SessionID}}, nil

	case "assistant", "user":
		return parseMessage(we)

	case "tool_use":
		return []Event{{Type: EventToolUse, ToolUseID: we.ID, ToolName: we.Name, ToolInput: we.Input}}, nil

	case "tool_result":
		return []Event{{
			Type:      EventToolResult,
			ToolUseID: we.ToolUseID,
			Content:   normalizeResultContent(we.Content),
			IsError:   we.IsError,
		}}, nil

	case "usage":
		if we.Usage == nil {
			return nil, nil
		}
		return []Event{{Type: EventUsage, Usage: we.Usage}}, nil

	case "result":
		ev := Event{
			Type:         EventResult,
			Subtype:      we.Subtype,
			IsError:      we.IsError,
			ResultText:   we.Result,
			TotalCostUSD: we.TotalCostUSD,
			NumTurns:     we.NumTurns,
			DurationMS:   we.DurationMS,
			Usage:        we.Usage,
		}
		return []Event{ev}, nil

	default:
		// Unknown structured types (thinking deltas, progress ticks) are
		// droppable debug chunks, not errors.
		return []Event{{Type: EventDebug, Text: trimmed}}, nil
	}
}

func parseMessage(we wireEvent) ([]Event, error) {
	var out []Event
	role := we.Type
	if we.Message == nil {
		return nil, nil
	}

	var textParts []string
	for _, block := range we.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		case "tool_use":
			out = append(out, Event{
				Type:      EventToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
		case "tool_result":
			out = append(out, Event{
				Type:      EventToolResult,
				ToolUseID: block.ToolUseID,
				Content:   normalizeResultContent(block.Content),
				IsError:   block.IsError,
			})
		}
	}
	if len(textParts) > 0 {
		ev := Event{Text: strings.Join(textParts, "\n")}
		if role == "assistant" {
			ev.Type = EventAssistant
		} else {
			ev.Type = EventUser
		}
		// Text precedes the tool events it narrates.
		out = append([]Event{ev}, out...)
	}
	if we.Message.Usage != nil {
		out = append(out, Event{Type: EventUsage, Usage: we.Message.Usage})
	}
	return out, nil
}

// normalizeResultContent flattens the two wire forms of tool_result content:
// a plain string, or an array of text blocks.
func normalizeResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
