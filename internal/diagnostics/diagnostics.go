// Package diagnostics inspects run artifacts for context hygiene: how much
// searching happened relative to reading, whether the same query was issued
// twice, and whether summarized tool outputs were ever retrieved through
// their handles or merely re-read stale.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-sh/jeeves/internal/runlog"
)

// Summary is the tool-usage accounting for one iteration, or for several
// merged with MergeSummary.
type Summary struct {
	Iterations     int `json:"iterations"`
	TotalToolCalls int `json:"total_tool_calls"`

	// Locator vs reader traffic.
	GrepCalls          int     `json:"grep_calls"`
	ReadCalls          int     `json:"read_calls"`
	DuplicateGrepCalls int     `json:"duplicate_grep_calls"`
	DuplicateQueryRate float64 `json:"duplicate_query_rate"`
	LocatorToReadRatio float64 `json:"locator_to_read_ratio"`

	// Output volume handling.
	TruncatedResults int `json:"truncated_tool_results_count"`

	// Retrieval-handle flow. A handle is generated when a summarized output
	// persisted its raw form; it resolves when a later call references it.
	HandlesGenerated    int `json:"retrieval_handle_generated_count"`
	HandlesResolved     int `json:"retrieval_handle_resolved_count"`
	HandlesUnresolved   int `json:"unresolved_handle_count"`
	RawAfterSummary     int `json:"raw_output_referenced_after_summary_count"`
	DuplicateStaleReads int `json:"duplicate_stale_context_reference_count"`

	// Peaks across merged iterations.
	MaxDuplicateQueryRate float64 `json:"max_duplicate_query_rate"`
	MaxLocatorToReadRatio float64 `json:"max_locator_to_read_ratio"`

	Warnings []string `json:"warnings,omitempty"`
}

// Warning thresholds.
const (
	duplicateQueryRateThreshold = 0.3
	grepFloodThreshold          = 5
	minHandlesForRatioWarning   = 4
	unresolvedRatioThreshold    = 0.5
	duplicateReadThreshold      = 3
)

type callKind int

const (
	kindOther callKind = iota
	kindLocator
	kindRead
)

// classify buckets a tool by name. Locators find places to look; readers
// pull content in. Names are provider-specific, so matching is loose.
func classify(name string) callKind {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "grep"), strings.Contains(n, "glob"),
		n == "search", n == "code_search", n == "search_files", n == "find", n == "rg":
		return kindLocator
	case strings.Contains(n, "read"), n == "cat", n == "view", n == "open", n == "open_file":
		return kindRead
	default:
		return kindOther
	}
}

// querySignature identifies a locator call for duplicate detection. Pattern
// and path fields come first; calls without them fall back to the whole
// input document.
func querySignature(tc *runlog.ToolCall) string {
	pattern, okP := firstString(tc.Input, "pattern", "query", "regex", "glob_pattern")
	path, okD := firstString(tc.Input, "path", "dir", "directory", "include")
	if okP || okD {
		return strings.ToLower(tc.Name) + "\x00" + pattern + "\x00" + path
	}
	raw, err := json.Marshal(tc.Input)
	if err != nil {
		return strings.ToLower(tc.Name)
	}
	return strings.ToLower(tc.Name) + "\x00" + string(raw)
}

func firstString(input map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := input[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

// Analyze walks the tool calls of one iteration's artifact in order. A
// handle only counts as referenced when it appears in the input of a call
// that starts after the handle existed.
func Analyze(doc *runlog.Document) Summary {
	var s Summary
	if doc == nil {
		return s
	}
	s.Iterations = 1

	type handleState struct {
		refs int
	}
	handles := map[string]*handleState{}
	signatures := map[string]int{}

	for i := range doc.ToolCalls {
		tc := &doc.ToolCalls[i]
		s.TotalToolCalls++

		switch classify(tc.Name) {
		case kindLocator:
			s.GrepCalls++
			sig := querySignature(tc)
			if signatures[sig] > 0 {
				s.DuplicateGrepCalls++
			}
			signatures[sig]++
		case kindRead:
			s.ReadCalls++
		}

		if tc.ResponseTruncated {
			s.TruncatedResults++
		}

		// References first: the call that generated a handle cannot
		// reference it.
		for handle, st := range handles {
			n := countInputRefs(tc.Input, handle)
			if n == 0 {
				continue
			}
			s.RawAfterSummary += n
			if st.refs == 0 {
				s.HandlesResolved++
				s.DuplicateStaleReads += n - 1
			} else {
				s.DuplicateStaleReads += n
			}
			st.refs += n
		}

		if tc.RetrievalHandle != "" {
			s.HandlesGenerated++
			handles[tc.RetrievalHandle] = &handleState{}
		}
	}

	s.HandlesUnresolved = s.HandlesGenerated - s.HandlesResolved
	s.recomputeRates()
	s.MaxDuplicateQueryRate = s.DuplicateQueryRate
	s.MaxLocatorToReadRatio = s.LocatorToReadRatio
	s.Warnings = buildWarnings(s)
	return s
}

func (s *Summary) recomputeRates() {
	if s.GrepCalls > 0 {
		s.DuplicateQueryRate = float64(s.DuplicateGrepCalls) / float64(s.GrepCalls)
	} else {
		s.DuplicateQueryRate = 0
	}
	reads := s.ReadCalls
	if reads < 1 {
		reads = 1
	}
	s.LocatorToReadRatio = float64(s.GrepCalls) / float64(reads)
}

func buildWarnings(s Summary) []string {
	var warnings []string
	if s.DuplicateQueryRate > duplicateQueryRateThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"%.0f%% of search calls repeated an earlier query; the agent may be circling",
			s.DuplicateQueryRate*100))
	}
	if s.GrepCalls >= grepFloodThreshold && s.ReadCalls == 0 {
		warnings = append(warnings, fmt.Sprintf(
			"%d search calls without a single read; results are being located but never consumed",
			s.GrepCalls))
	}
	if s.HandlesGenerated >= minHandlesForRatioWarning {
		ratio := float64(s.HandlesUnresolved) / float64(s.HandlesGenerated)
		if ratio > unresolvedRatioThreshold {
			warnings = append(warnings, fmt.Sprintf(
				"%d of %d summarized outputs were never retrieved; summaries may be hiding needed detail",
				s.HandlesUnresolved, s.HandlesGenerated))
		}
	}
	if s.DuplicateStaleReads > duplicateReadThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"%d repeated reads of already-retrieved outputs; the agent may be looping",
			s.DuplicateStaleReads))
	}
	return warnings
}

// MergeSummary folds curr into prev: counts accumulate, rates are recomputed
// over the combined counts, and per-iteration peaks are kept.
func MergeSummary(prev, curr Summary) Summary {
	out := Summary{
		Iterations:          prev.Iterations + curr.Iterations,
		TotalToolCalls:      prev.TotalToolCalls + curr.TotalToolCalls,
		GrepCalls:           prev.GrepCalls + curr.GrepCalls,
		ReadCalls:           prev.ReadCalls + curr.ReadCalls,
		DuplicateGrepCalls:  prev.DuplicateGrepCalls + curr.DuplicateGrepCalls,
		TruncatedResults:    prev.TruncatedResults + curr.TruncatedResults,
		HandlesGenerated:    prev.HandlesGenerated + curr.HandlesGenerated,
		HandlesResolved:     prev.HandlesResolved + curr.HandlesResolved,
		HandlesUnresolved:   prev.HandlesUnresolved + curr.HandlesUnresolved,
		RawAfterSummary:     prev.RawAfterSummary + curr.RawAfterSummary,
		DuplicateStaleReads: prev.DuplicateStaleReads + curr.DuplicateStaleReads,

		MaxDuplicateQueryRate: maxFloat(prev.MaxDuplicateQueryRate, curr.MaxDuplicateQueryRate),
		MaxLocatorToReadRatio: maxFloat(prev.MaxLocatorToReadRatio, curr.MaxLocatorToReadRatio),
	}
	out.recomputeRates()
	out.Warnings = buildWarnings(out)
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// countInputRefs counts occurrences of handle in the string leaves of a
// tool input.
func countInputRefs(input map[string]any, handle string) int {
	count := 0
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			count += strings.Count(val, handle)
		case map[string]any:
			for _, inner := range val {
				walk(inner)
			}
		case []any:
			for _, inner := range val {
				walk(inner)
			}
		}
	}
	for _, v := range input {
		walk(v)
	}
	return count
}
