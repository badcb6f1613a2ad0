package runlog

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizePassesShortOutputThrough(t *testing.T) {
	raw := "all tests passed\n3 packages ok"
	got, comp := Summarize(raw)
	assert.Equal(t, raw, got)
	assert.Nil(t, comp)
}

func TestSummarizeTripsOnCharCap(t *testing.T) {
	raw := strings.Repeat("a", SummaryCharCap+1)
	got, comp := Summarize(raw)
	require.NotNil(t, comp)
	assert.Equal(t, "char_cap", comp.Reason)
	assert.Equal(t, "extractive", comp.Mode)
	assert.Equal(t, SummaryCharCap+1, comp.RawChars)
	assert.LessOrEqual(t, len(got), SummaryCharCap+100)
}

func TestSummarizeTripsOnLineCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < SummaryLineCap+20; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	got, comp := Summarize(b.String())
	require.NotNil(t, comp)
	assert.Equal(t, "line_cap", comp.Reason)
	assert.Contains(t, got, "line 0", "head preserved")
	assert.Contains(t, got, fmt.Sprintf("line %d", SummaryLineCap+19), "tail preserved")
	assert.Contains(t, got, "lines omitted")
}

func TestSummarizeKeepsErrorLinesFromMiddle(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "compile unit %d\n", i)
	}
	b.WriteString("error: undefined symbol frobnicate in widget.go:17\n")
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "link unit %d\n", i)
	}

	got, comp := Summarize(b.String())
	require.NotNil(t, comp)
	assert.Contains(t, got, "undefined symbol frobnicate")
	require.NotEmpty(t, comp.ErrorSignatures)
	assert.Contains(t, comp.ErrorSignatures[0], "frobnicate")
	assert.Contains(t, comp.FileRefs, "widget.go:17")
}

func TestSummarizeIsDeterministic(t *testing.T) {
	raw := strings.Repeat("some filler content here\n", 200)
	a, compA := Summarize(raw)
	b, compB := Summarize(raw)
	assert.Equal(t, a, b)
	assert.Equal(t, compA, compB)
}

func TestSummarizeCapsSignatureLists(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "error: failure number %d in file%d.go:1\n", i, i)
	}
	for i := 0; i < 100; i++ {
		b.WriteString("padding\n")
	}
	_, comp := Summarize(b.String())
	require.NotNil(t, comp)
	assert.Len(t, comp.ErrorSignatures, maxErrorSigs)
	assert.Len(t, comp.FileRefs, maxFileRefs)
}
