package diagnostics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jeeves-sh/jeeves/internal/runlog"
)

func call(id, name, handle string, input map[string]any) runlog.ToolCall {
	return runlog.ToolCall{
		ToolUseID:       id,
		Name:            name,
		Input:           input,
		StartedAt:       time.Now(),
		RetrievalHandle: handle,
	}
}

func grepCall(pattern, path string) runlog.ToolCall {
	return call("tu", "Grep", "", map[string]any{"pattern": pattern, "path": path})
}

func readCall(path string) runlog.ToolCall {
	return call("tu", "Read", "", map[string]any{"path": path})
}

func TestAnalyzeCountsLocatorAndReadTraffic(t *testing.T) {
	doc := &runlog.Document{ToolCalls: []runlog.ToolCall{
		grepCall("NewServer", "internal"),
		call("tu", "Glob", "", map[string]any{"pattern": "**/*.go"}),
		readCall("internal/server/server.go"),
		call("tu", "Bash", "", map[string]any{"command": "ls"}),
	}}

	s := Analyze(doc)
	assert.Equal(t, 1, s.Iterations)
	assert.Equal(t, 4, s.TotalToolCalls)
	assert.Equal(t, 2, s.GrepCalls)
	assert.Equal(t, 1, s.ReadCalls)
	assert.InDelta(t, 2.0, s.LocatorToReadRatio, 1e-9)
	assert.Zero(t, s.DuplicateGrepCalls)
}

func TestAnalyzeFlagsDuplicateQueries(t *testing.T) {
	doc := &runlog.Document{ToolCalls: []runlog.ToolCall{
		grepCall("conn refused", "internal"),
		grepCall("conn refused", "internal"),
		grepCall("conn refused", "internal"),
		// Same pattern, different path: not a duplicate.
		grepCall("conn refused", "cmd"),
	}}

	s := Analyze(doc)
	assert.Equal(t, 4, s.GrepCalls)
	assert.Equal(t, 2, s.DuplicateGrepCalls)
	assert.InDelta(t, 0.5, s.DuplicateQueryRate, 1e-9)

	found := false
	for _, w := range s.Warnings {
		if strings.Contains(w, "repeated an earlier query") {
			found = true
		}
	}
	assert.True(t, found, "expected duplicate-query warning, got %v", s.Warnings)
}

func TestAnalyzeWarnsOnSearchWithoutRead(t *testing.T) {
	doc := &runlog.Document{}
	patterns := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, p := range patterns {
		doc.ToolCalls = append(doc.ToolCalls, grepCall(p, "."))
	}

	s := Analyze(doc)
	assert.Equal(t, 5, s.GrepCalls)
	assert.Zero(t, s.ReadCalls)
	assert.InDelta(t, 5.0, s.LocatorToReadRatio, 1e-9, "zero reads counts as one")

	found := false
	for _, w := range s.Warnings {
		if strings.Contains(w, "without a single read") {
			found = true
		}
	}
	assert.True(t, found, "expected locator-flood warning, got %v", s.Warnings)
}

func TestAnalyzeCountsTruncatedResults(t *testing.T) {
	truncated := call("tu_1", "Bash", "tool-outputs/tu_1.txt", nil)
	truncated.ResponseTruncated = true
	doc := &runlog.Document{ToolCalls: []runlog.ToolCall{
		truncated,
		call("tu_2", "Bash", "", nil),
	}}

	s := Analyze(doc)
	assert.Equal(t, 1, s.TruncatedResults)
}

func TestAnalyzeCountsResolvedAndUnresolvedHandles(t *testing.T) {
	doc := &runlog.Document{ToolCalls: []runlog.ToolCall{
		call("tu_1", "Bash", "tool-outputs/tu_1.txt", nil),
		call("tu_2", "Bash", "tool-outputs/tu_2.txt", nil),
		// Retrieves the first handle, never the second.
		call("tu_3", "Read", "", map[string]any{"path": "tool-outputs/tu_1.txt"}),
	}}

	s := Analyze(doc)
	assert.Equal(t, 2, s.HandlesGenerated)
	assert.Equal(t, 1, s.HandlesResolved)
	assert.Equal(t, 1, s.HandlesUnresolved)
	assert.Equal(t, 1, s.RawAfterSummary)
	assert.Equal(t, 0, s.DuplicateStaleReads)
}

func TestAnalyzeCountsDuplicateStaleReads(t *testing.T) {
	doc := &runlog.Document{ToolCalls: []runlog.ToolCall{
		call("tu_1", "Bash", "tool-outputs/tu_1.txt", nil),
		call("tu_2", "Read", "", map[string]any{"path": "tool-outputs/tu_1.txt"}),
		call("tu_3", "Read", "", map[string]any{"path": "tool-outputs/tu_1.txt"}),
		call("tu_4", "Read", "", map[string]any{"path": "tool-outputs/tu_1.txt"}),
	}}

	s := Analyze(doc)
	assert.Equal(t, 1, s.HandlesResolved)
	assert.Equal(t, 3, s.RawAfterSummary)
	assert.Equal(t, 2, s.DuplicateStaleReads, "second and third reads are stale")
}

func TestAnalyzeIgnoresReferencesBeforeGeneration(t *testing.T) {
	doc := &runlog.Document{ToolCalls: []runlog.ToolCall{
		// Mentions a path that only becomes a handle later.
		call("tu_0", "Read", "", map[string]any{"path": "tool-outputs/tu_1.txt"}),
		call("tu_1", "Bash", "tool-outputs/tu_1.txt", nil),
	}}

	s := Analyze(doc)
	assert.Equal(t, 1, s.HandlesGenerated)
	assert.Equal(t, 0, s.HandlesResolved)
	assert.Equal(t, 0, s.RawAfterSummary)
}

func TestAnalyzeFindsRefsInNestedInput(t *testing.T) {
	doc := &runlog.Document{ToolCalls: []runlog.ToolCall{
		call("tu_1", "Bash", "tool-outputs/tu_1.txt", nil),
		call("tu_2", "Agent", "", map[string]any{
			"steps": []any{
				map[string]any{"cmd": "cat tool-outputs/tu_1.txt"},
			},
		}),
	}}

	s := Analyze(doc)
	assert.Equal(t, 1, s.HandlesResolved)
}

func TestAnalyzeWarnsOnUnresolvedRatio(t *testing.T) {
	doc := &runlog.Document{}
	for i := 0; i < 5; i++ {
		doc.ToolCalls = append(doc.ToolCalls,
			call("tu", "Bash", "tool-outputs/h"+string(rune('a'+i))+".txt", nil))
	}

	s := Analyze(doc)
	assert.Equal(t, 5, s.HandlesUnresolved)
	assert.NotEmpty(t, s.Warnings)
	assert.Contains(t, s.Warnings[0], "never retrieved")
}

func TestAnalyzeWarnsOnRepeatedReads(t *testing.T) {
	doc := &runlog.Document{ToolCalls: []runlog.ToolCall{
		call("tu_1", "Bash", "tool-outputs/tu_1.txt", nil),
	}}
	for i := 0; i < 6; i++ {
		doc.ToolCalls = append(doc.ToolCalls,
			call("r", "Read", "", map[string]any{"path": "tool-outputs/tu_1.txt"}))
	}

	s := Analyze(doc)
	assert.Greater(t, s.DuplicateStaleReads, duplicateReadThreshold)
	found := false
	for _, w := range s.Warnings {
		if strings.Contains(w, "repeated reads") {
			found = true
		}
	}
	assert.True(t, found, "expected looping warning, got %v", s.Warnings)
}

func TestMergeSummaryAccumulatesAndTracksPeaks(t *testing.T) {
	a := Summary{
		Iterations: 1, TotalToolCalls: 3,
		GrepCalls: 2, DuplicateGrepCalls: 1, ReadCalls: 1,
		MaxDuplicateQueryRate: 0.5, MaxLocatorToReadRatio: 2.0,
	}
	b := Summary{
		Iterations: 1, TotalToolCalls: 6,
		GrepCalls: 3, DuplicateGrepCalls: 0, ReadCalls: 3,
		MaxDuplicateQueryRate: 0, MaxLocatorToReadRatio: 1.0,
	}

	merged := MergeSummary(a, b)
	assert.Equal(t, 2, merged.Iterations)
	assert.Equal(t, 9, merged.TotalToolCalls)
	assert.Equal(t, 5, merged.GrepCalls)
	assert.Equal(t, 1, merged.DuplicateGrepCalls)
	assert.InDelta(t, 0.2, merged.DuplicateQueryRate, 1e-9)
	assert.InDelta(t, 1.25, merged.LocatorToReadRatio, 1e-9)
	assert.InDelta(t, 0.5, merged.MaxDuplicateQueryRate, 1e-9)
	assert.InDelta(t, 2.0, merged.MaxLocatorToReadRatio, 1e-9)
}

func TestMergeSummaryRecomputesWarnings(t *testing.T) {
	a := Summary{Iterations: 1, HandlesGenerated: 3, HandlesResolved: 0, HandlesUnresolved: 3}
	b := Summary{Iterations: 1, HandlesGenerated: 3, HandlesResolved: 1, HandlesUnresolved: 2, DuplicateStaleReads: 2}

	merged := MergeSummary(a, b)
	assert.Equal(t, 6, merged.HandlesGenerated)
	assert.Equal(t, 1, merged.HandlesResolved)
	assert.Equal(t, 5, merged.HandlesUnresolved)
	assert.NotEmpty(t, merged.Warnings)
}

func TestAnalyzeNilDocument(t *testing.T) {
	s := Analyze(nil)
	assert.Zero(t, s.HandlesGenerated)
	assert.Zero(t, s.TotalToolCalls)
	assert.Empty(t, s.Warnings)
}
