package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/provider"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w := NewWriter(WriterOptions{
		Path:     filepath.Join(dir, "output.json"),
		RunDir:   dir,
		Provider: "claude",
		Model:    "opus",
		Phase:    "build",
		Debounce: -1, // synchronous writes for deterministic tests
	})
	return w, dir
}

func TestWriterFoldsEventsIntoDocument(t *testing.T) {
	w, dir := newTestWriter(t)

	w.Handle(provider.Event{Type: provider.EventSystem, Subtype: "init", SessionID: "s-9"})
	w.Handle(provider.Event{Type: provider.EventAssistant, Text: "starting"})
	w.Handle(provider.Event{Type: provider.EventToolUse, ToolUseID: "tu_1", ToolName: "Read",
		ToolInput: map[string]any{"path": "go.mod"}})
	w.Handle(provider.Event{Type: provider.EventToolResult, ToolUseID: "tu_1", Content: "module x"})
	w.Handle(provider.Event{Type: provider.EventUsage, Usage: &provider.Usage{InputTokens: 7}})
	w.Handle(provider.Event{Type: provider.EventResult, Subtype: "success", ResultText: "done",
		TotalCostUSD: 0.1, NumTurns: 2})

	doc, err := ReadDocument(filepath.Join(dir, "output.json"))
	require.NoError(t, err)
	require.NotNil(t, doc)

	assert.Equal(t, DocVersion, doc.Version)
	assert.Equal(t, "s-9", doc.SessionID)
	assert.Equal(t, "claude", doc.Provider)
	require.Len(t, doc.Messages, 1)
	assert.Equal(t, "assistant", doc.Messages[0].Role)
	require.Len(t, doc.ToolCalls, 1)
	assert.True(t, doc.ToolCalls[0].Completed)
	assert.Equal(t, "module x", doc.ToolCalls[0].ResponseText)
	assert.Nil(t, doc.ToolCalls[0].Compression, "short output is not summarized")
	assert.Equal(t, int64(7), doc.Stats.Usage.InputTokens)
	require.NotNil(t, doc.Success)
	assert.True(t, *doc.Success)
	assert.Equal(t, "done", doc.ResultText)
	assert.Equal(t, 1, doc.Stats.MessageCount)
	assert.Equal(t, 1, doc.Stats.ToolCallCount)
}

func TestWriterSummarizesLargeToolOutput(t *testing.T) {
	w, dir := newTestWriter(t)

	big := strings.Repeat("x", 2000) + "\nerror: it broke\n" + strings.Repeat("y", 4000)
	w.Handle(provider.Event{Type: provider.EventToolUse, ToolUseID: "tu_big", ToolName: "Bash",
		ToolInput: map[string]any{"cmd": "make"}})
	w.Handle(provider.Event{Type: provider.EventToolResult, ToolUseID: "tu_big", Content: big, IsError: true})

	doc := w.Snapshot()
	require.Len(t, doc.ToolCalls, 1)
	tc := doc.ToolCalls[0]
	assert.True(t, tc.ResponseTruncated)
	require.NotNil(t, tc.Compression)
	assert.Equal(t, "extractive", tc.Compression.Mode)
	assert.Equal(t, len(big), tc.Compression.RawChars)
	assert.LessOrEqual(t, len(tc.ResponseText), SummaryCharCap+100)

	// Raw output is retrievable through the handle.
	require.NotEmpty(t, tc.RetrievalHandle)
	raw, err := os.ReadFile(filepath.Join(dir, tc.RetrievalHandle))
	require.NoError(t, err)
	assert.Equal(t, big, string(raw))
}

func TestWriterMatchesToolResultsById(t *testing.T) {
	w, _ := newTestWriter(t)

	w.Handle(provider.Event{Type: provider.EventToolUse, ToolUseID: "a", ToolName: "Read"})
	w.Handle(provider.Event{Type: provider.EventToolUse, ToolUseID: "b", ToolName: "Write"})
	w.Handle(provider.Event{Type: provider.EventToolResult, ToolUseID: "b", Content: "b done"})

	doc := w.Snapshot()
	require.Len(t, doc.ToolCalls, 2)
	assert.False(t, doc.ToolCalls[0].Completed)
	assert.True(t, doc.ToolCalls[1].Completed)
	assert.Equal(t, "b done", doc.ToolCalls[1].ResponseText)

	// A result for an unknown id is dropped, not appended.
	w.Handle(provider.Event{Type: provider.EventToolResult, ToolUseID: "ghost", Content: "?"})
	assert.Len(t, w.Snapshot().ToolCalls, 2)
}

func TestWriterDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.json")
	w := NewWriter(WriterOptions{
		Path:     path,
		Debounce: 50 * time.Millisecond,
	})

	w.Handle(provider.Event{Type: provider.EventAssistant, Text: "one"})
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "write should be deferred")

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "debounced write lands")

	doc, err := ReadDocument(path)
	require.NoError(t, err)
	require.Len(t, doc.Messages, 1)
}

func TestFinalizeStopsWriter(t *testing.T) {
	w, dir := newTestWriter(t)

	w.Handle(provider.Event{Type: provider.EventSystem, SessionID: "s"})
	require.NoError(t, w.Finalize(provider.ExitStatus{State: model.RunCompleted, Code: 0}))

	// Events after Finalize are ignored.
	w.Handle(provider.Event{Type: provider.EventAssistant, Text: "late"})
	doc, err := ReadDocument(filepath.Join(dir, "output.json"))
	require.NoError(t, err)
	assert.Empty(t, doc.Messages)
	assert.NotNil(t, doc.EndedAt)
}

func TestFinalizePreservesResultVerdict(t *testing.T) {
	w, dir := newTestWriter(t)

	w.Handle(provider.Event{Type: provider.EventResult, Subtype: "error_during_execution",
		IsError: true, ResultText: "boom"})
	require.NoError(t, w.Finalize(provider.ExitStatus{Code: 0}))

	doc, err := ReadDocument(filepath.Join(dir, "output.json"))
	require.NoError(t, err)
	require.NotNil(t, doc.Success)
	assert.False(t, *doc.Success, "result verdict wins over exit code")
	assert.Equal(t, "boom", doc.Error)
	assert.Equal(t, "error_during_execution", doc.ErrorType)
}

func TestReadDocumentMissingFile(t *testing.T) {
	doc, err := ReadDocument(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, doc)
}
