package runs

import (
	"strings"
	"time"

	"github.com/jeeves-sh/jeeves/internal/events"
)

// wireResponseCap bounds tool output carried on the event stream; the full
// text lives in the run artifact.
const wireResponseCap = 2000

// Scope routes a pump's events. The zero Scope is the run itself; a worker
// scope wraps every event in the worker-* envelope types.
type Scope struct {
	WorkerID string
	TaskID   string
}

type sdkInit struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
}

type messageBody struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type sdkMessage struct {
	Message messageBody `json:"message"`
	Index   int         `json:"index"`
	Total   int         `json:"total"`
}

type sdkToolStart struct {
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
}

type sdkToolComplete struct {
	ToolUseID         string `json:"tool_use_id"`
	Name              string `json:"name,omitempty"`
	DurationMS        int64  `json:"duration_ms"`
	IsError           bool   `json:"is_error,omitempty"`
	ResponseText      string `json:"response_text,omitempty"`
	ResponseTruncated bool   `json:"response_truncated,omitempty"`
}

type sdkComplete struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

type logPayload struct {
	Lines []string `json:"lines"`
	Reset bool     `json:"reset,omitempty"`
}

// workerEnvelope nests a run-level event under its worker.
type workerEnvelope struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id,omitempty"`
	Kind     string `json:"kind"`
	Data     any    `json:"data"`
}

// broadcast publishes one envelope, rewriting the type for worker scopes:
// logs become worker-logs, sdk-* collapse to worker-sdk with the original
// type carried as kind.
func (r *Run) broadcast(scope Scope, typ string, data any) {
	if r.mgr.hub == nil {
		return
	}
	if scope.WorkerID == "" {
		r.mgr.hub.Broadcast(events.Event{Type: typ, Data: data})
		return
	}
	outer := "worker-sdk"
	if typ == "logs" {
		outer = "worker-logs"
	}
	r.mgr.hub.Broadcast(events.Event{Type: outer, Data: workerEnvelope{
		WorkerID: scope.WorkerID,
		TaskID:   scope.TaskID,
		Kind:     typ,
		Data:     data,
	}})
}

// clipForWire bounds text for event payloads.
func clipForWire(text string) (string, bool) {
	if len(text) <= wireResponseCap {
		return text, false
	}
	return text[:wireResponseCap], true
}

// splitLines breaks provider text into viewer log lines, dropping trailing
// blanks.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
