package runlog

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/provider"
)

// DefaultDebounce batches artifact writes; a chatty provider otherwise
// rewrites the document hundreds of times a minute.
const DefaultDebounce = 750 * time.Millisecond

// rawOutputsDirName holds full tool outputs referenced by retrieval handles.
const rawOutputsDirName = "tool-outputs"

// WriterOptions configures a Writer.
type WriterOptions struct {
	// Path is the artifact location, conventionally <runDir>/output.json.
	Path string
	// RunDir anchors retrieval handles; raw tool outputs land under
	// <RunDir>/tool-outputs/. Defaults to Path's directory.
	RunDir string

	Provider string
	Model    string
	Phase    string

	// Debounce between mutation and write. Zero means DefaultDebounce;
	// negative disables batching (every mutation writes synchronously).
	Debounce time.Duration

	FS      fsatomic.FS
	Clock   func() time.Time
	OnFlush func()
	Logger  *slog.Logger
}

// Writer folds provider events into the artifact document and persists it
// atomically on a debounce timer. Safe for use from one goroutine per
// method; the run manager calls it from its fan-out loop.
type Writer struct {
	opts WriterOptions

	mu      sync.Mutex
	doc     Document
	dirty   bool
	timer   *time.Timer
	closed  bool
	started time.Time
}

// NewWriter builds a Writer; nothing is written until the first event.
func NewWriter(opts WriterOptions) *Writer {
	if opts.FS == nil {
		opts.FS = fsatomic.OS()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RunDir == "" {
		opts.RunDir = filepath.Dir(opts.Path)
	}
	return &Writer{
		opts: opts,
		doc: Document{
			Version:   DocVersion,
			Provider:  opts.Provider,
			Model:     opts.Model,
			Phase:     opts.Phase,
			Messages:  []Message{},
			ToolCalls: []ToolCall{},
		},
	}
}

// Handle folds one provider event into the document and schedules a write.
// Debug events do not touch the artifact.
func (w *Writer) Handle(ev provider.Event) {
	if ev.Type == provider.EventDebug {
		return
	}
	now := w.opts.Clock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	switch ev.Type {
	case provider.EventSystem:
		if ev.SessionID != "" {
			w.doc.SessionID = ev.SessionID
		}
		if w.doc.StartedAt == nil {
			t := now
			w.doc.StartedAt = &t
			w.started = now
		}

	case provider.EventAssistant:
		w.doc.Messages = append(w.doc.Messages, Message{Role: "assistant", Text: ev.Text, Timestamp: now})

	case provider.EventUser:
		w.doc.Messages = append(w.doc.Messages, Message{Role: "user", Text: ev.Text, Timestamp: now})

	case provider.EventToolUse:
		w.doc.ToolCalls = append(w.doc.ToolCalls, ToolCall{
			ToolUseID: ev.ToolUseID,
			Name:      ev.ToolName,
			Input:     ev.ToolInput,
			StartedAt: now,
		})

	case provider.EventToolResult:
		w.mergeToolResult(ev, now)

	case provider.EventUsage:
		if ev.Usage != nil {
			w.doc.Stats.Usage.Add(*ev.Usage)
		}

	case provider.EventResult:
		success := !ev.IsError
		w.doc.Success = &success
		w.doc.ResultSubtype = ev.Subtype
		w.doc.ResultText = ev.ResultText
		w.doc.Stats.TotalCostUSD = ev.TotalCostUSD
		w.doc.Stats.NumTurns = ev.NumTurns
		if ev.IsError {
			w.doc.Error = ev.ResultText
			w.doc.ErrorType = ev.Subtype
		}
		if ev.Usage != nil {
			w.doc.Stats.Usage.Add(*ev.Usage)
		}
	}
	w.dirty = true
	w.scheduleFlushLocked()
	w.mu.Unlock()

	if w.opts.Debounce < 0 {
		if err := w.Flush(); err != nil {
			w.opts.Logger.Warn("run artifact write failed", "err", err)
		}
	}
}

// mergeToolResult updates the matching pending call in place. Results for
// unknown ids are dropped (the provider replayed or re-ordered).
func (w *Writer) mergeToolResult(ev provider.Event, now time.Time) {
	for i := len(w.doc.ToolCalls) - 1; i >= 0; i-- {
		tc := &w.doc.ToolCalls[i]
		if tc.ToolUseID != ev.ToolUseID || tc.Completed {
			continue
		}
		tc.Completed = true
		tc.IsError = ev.IsError
		tc.DurationMS = now.Sub(tc.StartedAt).Milliseconds()

		summary, comp := Summarize(ev.Content)
		tc.ResponseText = summary
		tc.Compression = comp
		if comp != nil {
			tc.ResponseTruncated = true
			tc.RetrievalHandle = w.persistRaw(ev.ToolUseID, ev.Content)
		}
		return
	}
	w.opts.Logger.Debug("tool result without matching call", "tool_use_id", ev.ToolUseID)
}

// persistRaw stores the full output next to the artifact and returns a
// handle relative to the run dir. Failure downgrades to no handle.
func (w *Writer) persistRaw(toolUseID, content string) string {
	rel := filepath.Join(rawOutputsDirName, sanitizeHandle(toolUseID)+".txt")
	path := filepath.Join(w.opts.RunDir, rel)
	if err := fsatomic.WriteText(w.opts.FS, path, content); err != nil {
		w.opts.Logger.Warn("raw tool output write failed", "tool_use_id", toolUseID, "err", err)
		return ""
	}
	return rel
}

func sanitizeHandle(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "call"
	}
	return string(out)
}

func (w *Writer) scheduleFlushLocked() {
	if w.opts.Debounce <= 0 || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.opts.Debounce, func() {
		if err := w.Flush(); err != nil {
			w.opts.Logger.Warn("run artifact write failed", "err", err)
		}
	})
}

// Flush writes the document now if it changed since the last write.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	w.refreshStatsLocked()
	snapshot := w.copyDocLocked()
	w.dirty = false
	w.mu.Unlock()

	if err := fsatomic.WriteJSON(w.opts.FS, w.opts.Path, snapshot); err != nil {
		w.mu.Lock()
		w.dirty = true
		w.mu.Unlock()
		return fmt.Errorf("write run artifact: %w", err)
	}
	if w.opts.OnFlush != nil {
		w.opts.OnFlush()
	}
	return nil
}

// Finalize folds the exit status in and writes synchronously. The writer
// accepts no events afterwards.
func (w *Writer) Finalize(exit provider.ExitStatus) error {
	w.mu.Lock()
	now := w.opts.Clock()
	w.doc.EndedAt = &now
	if w.doc.Success == nil {
		success := exit.Err == nil
		w.doc.Success = &success
	}
	if exit.Err != nil && w.doc.Error == "" {
		w.doc.Error = exit.Err.Error()
		w.doc.ErrorType = string(exit.State)
	}
	w.dirty = true
	w.closed = true
	w.mu.Unlock()
	return w.Flush()
}

// Snapshot returns a copy of the current document.
func (w *Writer) Snapshot() Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refreshStatsLocked()
	return w.copyDocLocked()
}

// copyDocLocked detaches the slices so later in-place merges cannot race a
// marshal happening outside the lock. Empty slices stay non-nil so the
// artifact always carries messages/tool_calls arrays.
func (w *Writer) copyDocLocked() Document {
	snapshot := w.doc
	snapshot.Messages = make([]Message, len(w.doc.Messages))
	copy(snapshot.Messages, w.doc.Messages)
	snapshot.ToolCalls = make([]ToolCall, len(w.doc.ToolCalls))
	copy(snapshot.ToolCalls, w.doc.ToolCalls)
	return snapshot
}

func (w *Writer) refreshStatsLocked() {
	w.doc.Stats.MessageCount = len(w.doc.Messages)
	w.doc.Stats.ToolCallCount = len(w.doc.ToolCalls)
	if w.doc.StartedAt != nil {
		end := w.opts.Clock()
		if w.doc.EndedAt != nil {
			end = *w.doc.EndedAt
		}
		w.doc.Stats.DurationSeconds = end.Sub(*w.doc.StartedAt).Seconds()
	}
}
