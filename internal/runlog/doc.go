// Package runlog builds and tails the per-run output artifact: a single
// JSON document in the jeeves.sdk.v1 shape that the viewer reads while the
// run is live and after it ends.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jeeves-sh/jeeves/internal/provider"
)

// DocVersion identifies the artifact schema.
const DocVersion = "jeeves.sdk.v1"

// Document is the run output artifact. Readers must tolerate missing
// optional fields: the document grows as the run progresses.
type Document struct {
	Version    string     `json:"version"`
	SessionID  string     `json:"session_id,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Model      string     `json:"model,omitempty"`
	Phase      string     `json:"phase,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Messages   []Message  `json:"messages"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	Stats      Stats      `json:"stats"`
	Success    *bool      `json:"success,omitempty"`
	// ResultSubtype is the provider's result classification, e.g. "success"
	// or "error_max_turns".
	ResultSubtype string `json:"result_subtype,omitempty"`
	ResultText    string `json:"result_text,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorType     string `json:"error_type,omitempty"`
}

// Message is one conversational turn.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall records one tool invocation. The result arrives later and is
// merged in place by tool_use_id.
type ToolCall struct {
	ToolUseID  string         `json:"tool_use_id"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Completed  bool           `json:"completed,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`

	// ResponseText is the (possibly summarized) tool output.
	ResponseText      string `json:"response_text,omitempty"`
	ResponseTruncated bool   `json:"response_truncated,omitempty"`
	// Compression describes how ResponseText was reduced; nil when the raw
	// output fit the caps.
	Compression *Compression `json:"compression,omitempty"`
	// RetrievalHandle points at the raw output persisted out of band,
	// relative to the run directory.
	RetrievalHandle string `json:"retrieval_handle,omitempty"`
}

// Stats aggregates run accounting.
type Stats struct {
	MessageCount    int            `json:"message_count"`
	ToolCallCount   int            `json:"tool_call_count"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	TotalCostUSD    float64        `json:"total_cost_usd,omitempty"`
	NumTurns        int            `json:"num_turns,omitempty"`
	Usage           provider.Usage `json:"usage"`
}

// ReadDocument loads an artifact from disk. A missing file returns nil.
func ReadDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run output: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode run output: %w", err)
	}
	return &doc, nil
}
