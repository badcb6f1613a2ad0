package workflow

import (
	"sort"

	"github.com/jeeves-sh/jeeves/internal/workflow/guard"
)

// Selection is the outcome of picking a transition out of a phase.
type Selection struct {
	To   string `json:"to"`
	Auto bool   `json:"auto"`
}

// Next picks the transition to follow out of phase given the issue status
// mapping. Transitions are tried in ascending Priority, declaration order
// breaking ties, and the first whose guard holds against
// {"status": status} wins. ok is false when the phase is unknown, terminal,
// or no guard matched; the engine reports the last case as no_transition
// and leaves the phase standing.
func (w *Workflow) Next(phase string, status map[string]any) (Selection, bool) {
	p, ok := w.Phases[phase]
	if !ok || p.Type == PhaseTerminal || len(p.Transitions) == 0 {
		return Selection{}, false
	}
	ordered := make([]Transition, len(p.Transitions))
	copy(ordered, p.Transitions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	ctx := map[string]any{"status": status}
	for _, t := range ordered {
		if guard.Evaluate(t.When, ctx) {
			return Selection{To: t.To, Auto: t.Auto}, true
		}
	}
	return Selection{}, false
}
