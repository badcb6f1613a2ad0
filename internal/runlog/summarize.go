package runlog

import (
	"fmt"
	"regexp"
	"strings"
)

// Caps above which tool output is summarized instead of inlined.
const (
	SummaryCharCap = 4000
	SummaryLineCap = 80
)

// Shape of the extractive summary.
const (
	summaryHeadLines  = 20
	summaryTailLines  = 10
	summaryErrorLines = 20
	maxErrorSigs      = 5
	maxFileRefs       = 20
	sigCharCap        = 200
)

// Compression describes how a tool response was reduced. It rides along in
// the artifact so readers know the text is not the raw output.
type Compression struct {
	Mode         string `json:"mode"`
	RawChars     int    `json:"raw_chars"`
	RawLines     int    `json:"raw_lines"`
	SummaryChars int    `json:"summary_chars"`
	// Reason is which cap tripped: char_cap or line_cap.
	Reason string `json:"reason"`

	// Structured extraction, for readers that want signal without parsing
	// the summary text.
	ErrorSignatures []string `json:"error_signatures,omitempty"`
	FileRefs        []string `json:"file_refs,omitempty"`
}

var (
	errorLineRe = regexp.MustCompile(`(?i)\b(error|failed|failure|panic|fatal|exception|traceback|undefined|cannot|denied)\b`)
	fileRefRe   = regexp.MustCompile(`[\w./-]*[\w-]+\.[A-Za-z]{1,8}(?::\d+(?::\d+)?)?`)
)

// Summarize reduces raw tool output that exceeds the caps. Output under the
// caps is returned unchanged with a nil descriptor. The reduction is
// extractive and deterministic: head, error-bearing middle lines, and tail,
// with omission markers in between.
func Summarize(raw string) (string, *Compression) {
	lines := strings.Split(raw, "\n")
	overChars := len(raw) > SummaryCharCap
	overLines := len(lines) > SummaryLineCap
	if !overChars && !overLines {
		return raw, nil
	}

	reason := "char_cap"
	if overLines && !overChars {
		reason = "line_cap"
	}

	head := lines
	if len(head) > summaryHeadLines {
		head = head[:summaryHeadLines]
	}
	var tail []string
	if len(lines) > summaryHeadLines+summaryTailLines {
		tail = lines[len(lines)-summaryTailLines:]
	}

	// Error-bearing lines from the omitted middle carry the most signal.
	var middle []string
	middleStart := summaryHeadLines
	middleEnd := len(lines) - len(tail)
	for i := middleStart; i < middleEnd && len(middle) < summaryErrorLines; i++ {
		if errorLineRe.MatchString(lines[i]) {
			middle = append(middle, lines[i])
		}
	}

	var b strings.Builder
	for _, l := range head {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	omitted := middleEnd - middleStart - len(middle)
	if omitted > 0 {
		fmt.Fprintf(&b, "[... %d lines omitted ...]\n", omitted)
	}
	for _, l := range middle {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	for _, l := range tail {
		b.WriteString(l)
		b.WriteByte('\n')
	}

	summary := strings.TrimRight(b.String(), "\n")
	if len(summary) > SummaryCharCap {
		summary = summary[:SummaryCharCap] + "\n[... truncated ...]"
	}

	comp := &Compression{
		Mode:            "extractive",
		RawChars:        len(raw),
		RawLines:        len(lines),
		SummaryChars:    len(summary),
		Reason:          reason,
		ErrorSignatures: extractErrorSignatures(lines),
		FileRefs:        extractFileRefs(raw),
	}
	return summary, comp
}

func extractErrorSignatures(lines []string) []string {
	var sigs []string
	seen := map[string]bool{}
	for _, l := range lines {
		if !errorLineRe.MatchString(l) {
			continue
		}
		sig := strings.TrimSpace(l)
		if len(sig) > sigCharCap {
			sig = sig[:sigCharCap]
		}
		if sig == "" || seen[sig] {
			continue
		}
		seen[sig] = true
		sigs = append(sigs, sig)
		if len(sigs) == maxErrorSigs {
			break
		}
	}
	return sigs
}

func extractFileRefs(raw string) []string {
	var refs []string
	seen := map[string]bool{}
	for _, m := range fileRefRe.FindAllString(raw, -1) {
		// Skip bare extensions and version-like matches.
		if !strings.ContainsAny(m, "/.") || strings.HasPrefix(m, ".") {
			continue
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		refs = append(refs, m)
		if len(refs) == maxFileRefs {
			break
		}
	}
	return refs
}
