package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one validation or lint finding.
type Diagnostic struct {
	Rule         string   `json:"rule"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	Phase        string   `json:"phase,omitempty"`
	TransitionTo string   `json:"transition_to,omitempty"`
	Fix          string   `json:"fix,omitempty"`
}

// Validate runs every structural rule (errors) and lint rule (warnings)
// against the workflow. Callers decide what to do with warnings; Parse
// refuses workflows with any error-severity finding.
func Validate(w *Workflow) []Diagnostic {
	if w == nil {
		return []Diagnostic{{Rule: "workflow_nil", Severity: SeverityError, Message: "workflow is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintNamePresent(w)...)
	diags = append(diags, lintStartDeclared(w)...)
	diags = append(diags, lintPhaseTypes(w)...)
	diags = append(diags, lintTransitionTargets(w)...)
	diags = append(diags, lintPromptRequired(w)...)
	diags = append(diags, lintCommandRequired(w)...)
	diags = append(diags, lintTerminalHasNoTransitions(w)...)
	diags = append(diags, lintAllowedWritesPatterns(w)...)
	diags = append(diags, lintGuardSyntax(w)...)
	diags = append(diags, lintReachability(w)...)
	diags = append(diags, lintTerminalExists(w)...)
	return diags
}

func lintNamePresent(w *Workflow) []Diagnostic {
	if strings.TrimSpace(w.Name) == "" {
		return []Diagnostic{{Rule: "name_required", Severity: SeverityError, Message: "workflow name is required"}}
	}
	return nil
}

func lintStartDeclared(w *Workflow) []Diagnostic {
	if strings.TrimSpace(w.Start) == "" {
		return []Diagnostic{{Rule: "start_declared", Severity: SeverityError, Message: "workflow start phase is required"}}
	}
	if _, ok := w.Phases[w.Start]; !ok {
		return []Diagnostic{{
			Rule:     "start_declared",
			Severity: SeverityError,
			Message:  fmt.Sprintf("start phase %q is not declared", w.Start),
		}}
	}
	return nil
}

func lintPhaseTypes(w *Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedPhaseNames(w) {
		p := w.Phases[name]
		if !ValidPhaseType(p.Type) {
			diags = append(diags, Diagnostic{
				Rule:     "phase_type",
				Severity: SeverityError,
				Message:  fmt.Sprintf("invalid phase type %q (want execute|evaluate|script|terminal)", p.Type),
				Phase:    name,
			})
		}
	}
	return diags
}

func lintTransitionTargets(w *Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedPhaseNames(w) {
		for _, t := range w.Phases[name].Transitions {
			if _, ok := w.Phases[t.To]; !ok {
				diags = append(diags, Diagnostic{
					Rule:         "transition_target_exists",
					Severity:     SeverityError,
					Message:      fmt.Sprintf("transition references undeclared phase %q", t.To),
					Phase:        name,
					TransitionTo: t.To,
				})
			}
		}
	}
	return diags
}

func lintPromptRequired(w *Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedPhaseNames(w) {
		p := w.Phases[name]
		if (p.Type == PhaseExecute || p.Type == PhaseEvaluate) && strings.TrimSpace(p.Prompt) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "prompt_required",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s phase requires a prompt", p.Type),
				Phase:    name,
			})
		}
	}
	return diags
}

func lintCommandRequired(w *Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedPhaseNames(w) {
		p := w.Phases[name]
		if p.Type == PhaseScript && strings.TrimSpace(p.Command) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "command_required",
				Severity: SeverityError,
				Message:  "script phase requires a command",
				Phase:    name,
			})
		}
	}
	return diags
}

func lintTerminalHasNoTransitions(w *Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedPhaseNames(w) {
		p := w.Phases[name]
		if p.Type == PhaseTerminal && len(p.Transitions) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "terminal_no_transitions",
				Severity: SeverityError,
				Message:  "terminal phase must not declare transitions",
				Phase:    name,
			})
		}
	}
	return diags
}

func lintAllowedWritesPatterns(w *Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedPhaseNames(w) {
		for _, pat := range w.Phases[name].AllowedWrites {
			if !doublestar.ValidatePattern(pat) {
				diags = append(diags, Diagnostic{
					Rule:     "allowed_writes_pattern",
					Severity: SeverityError,
					Message:  fmt.Sprintf("invalid allowedWrites pattern %q", pat),
					Phase:    name,
				})
			}
		}
	}
	return diags
}

func lintGuardSyntax(w *Workflow) []Diagnostic {
	var diags []Diagnostic
	for _, name := range sortedPhaseNames(w) {
		for _, t := range w.Phases[name].Transitions {
			expr := strings.TrimSpace(t.When)
			if expr == "" {
				continue
			}
			if err := checkGuardSyntax(expr); err != nil {
				diags = append(diags, Diagnostic{
					Rule:         "guard_syntax",
					Severity:     SeverityError,
					Message:      err.Error(),
					Phase:        name,
					TransitionTo: t.To,
				})
			}
		}
	}
	return diags
}

// checkGuardSyntax validates the shape of a guard expression ahead of time;
// the evaluator itself is deliberately error-tolerant.
func checkGuardSyntax(expr string) error {
	stripped := stripQuoted(expr)
	if strings.ContainsAny(stripped, "<>|&") {
		return fmt.Errorf("invalid guard operator in %q", expr)
	}
	for _, orPart := range strings.Split(stripped, " or ") {
		for _, clause := range strings.Split(orPart, " and ") {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				return fmt.Errorf("empty clause in guard %q", expr)
			}
			var key string
			switch {
			case strings.Contains(clause, "!="):
				parts := strings.SplitN(clause, "!=", 2)
				key = strings.TrimSpace(parts[0])
				if strings.TrimSpace(parts[1]) == "" {
					return fmt.Errorf("guard clause %q is missing a literal", clause)
				}
			case strings.Contains(clause, "=="):
				parts := strings.SplitN(clause, "==", 2)
				key = strings.TrimSpace(parts[0])
				if strings.TrimSpace(parts[1]) == "" {
					return fmt.Errorf("guard clause %q is missing a literal", clause)
				}
			case strings.Contains(clause, "="):
				return fmt.Errorf("guard clause %q uses single =; use ==", clause)
			default:
				key = clause
			}
			if err := checkGuardKey(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkGuardKey(key string) error {
	if key == "" {
		return fmt.Errorf("guard has an empty path")
	}
	for _, part := range strings.Split(key, ".") {
		if part == "" {
			return fmt.Errorf("invalid guard path %q", key)
		}
		if !isAlphaUnderscore(part[0]) {
			return fmt.Errorf("invalid guard path %q", key)
		}
		for i := 1; i < len(part); i++ {
			if !isAlnumUnderscore(part[i]) {
				return fmt.Errorf("invalid guard path %q", key)
			}
		}
	}
	return nil
}

func isAlphaUnderscore(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || ch == '_'
}

func isAlnumUnderscore(ch byte) bool {
	return isAlphaUnderscore(ch) || (ch >= '0' && ch <= '9')
}

// stripQuoted blanks out quoted literals so operator checks don't trip on
// literal content.
func stripQuoted(s string) string {
	out := []byte(s)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			out[i] = '_'
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			out[i] = '_'
		}
	}
	return string(out)
}

func lintReachability(w *Workflow) []Diagnostic {
	if _, ok := w.Phases[w.Start]; !ok {
		return nil
	}
	seen := map[string]bool{w.Start: true}
	queue := []string{w.Start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range w.Phases[cur].Transitions {
			if !seen[t.To] {
				seen[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	var diags []Diagnostic
	for _, name := range sortedPhaseNames(w) {
		if !seen[name] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityWarning,
				Message:  "phase is not reachable from start",
				Phase:    name,
			})
		}
	}
	return diags
}

func lintTerminalExists(w *Workflow) []Diagnostic {
	for _, p := range w.Phases {
		if p.Type == PhaseTerminal {
			return nil
		}
	}
	return []Diagnostic{{
		Rule:     "terminal_exists",
		Severity: SeverityWarning,
		Message:  "workflow declares no terminal phase; runs can only stop via external drive",
	}}
}

func sortedPhaseNames(w *Workflow) []string {
	names := make([]string, 0, len(w.Phases))
	for name := range w.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
