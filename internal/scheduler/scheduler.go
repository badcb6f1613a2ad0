// Package scheduler validates task dependency graphs and selects the
// deterministic ready set for a parallel wave.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jeeves-sh/jeeves/internal/model"
)

const (
	CodeDuplicateID       = "DUPLICATE_ID"
	CodeMissingDependency = "MISSING_DEPENDENCY"
	CodeCycleDetected     = "CYCLE_DETECTED"
)

// GraphError is a typed task-graph validation failure. Code is one of the
// scheduler error codes; TaskID, Missing, and Cycle carry the offending ids
// for the boundary payload.
type GraphError struct {
	Code    string   `json:"code"`
	TaskID  string   `json:"task_id,omitempty"`
	Missing string   `json:"missing,omitempty"`
	Cycle   []string `json:"cycle,omitempty"`
}

func (e *GraphError) Error() string {
	switch e.Code {
	case CodeDuplicateID:
		return fmt.Sprintf("%s: task id %q declared more than once", e.Code, e.TaskID)
	case CodeMissingDependency:
		return fmt.Sprintf("%s: task %q depends on unknown task %q", e.Code, e.TaskID, e.Missing)
	case CodeCycleDetected:
		return fmt.Sprintf("%s: %s", e.Code, strings.Join(e.Cycle, " -> "))
	}
	return e.Code
}

// ValidateGraph checks tasks in order: unique ids, dependencies resolve,
// acyclic. The first failure is returned as a *GraphError.
func ValidateGraph(tasks []model.Task) error {
	byID := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return &GraphError{Code: CodeDuplicateID, TaskID: t.ID}
		}
		byID[t.ID] = i
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &GraphError{Code: CodeMissingDependency, TaskID: t.ID, Missing: dep}
			}
		}
	}
	if cycle := findCycle(tasks, byID); cycle != nil {
		return &GraphError{Code: CodeCycleDetected, Cycle: cycle}
	}
	return nil
}

const (
	colorWhite = iota // unvisited
	colorGrey         // on the current DFS stack
	colorBlack        // fully explored
)

// findCycle runs a three-colour DFS over the dependency edges and returns
// the cycle path (first node repeated at the end) or nil. Roots are visited
// in declaration order so the reported path is stable.
func findCycle(tasks []model.Task, byID map[string]int) []string {
	color := make([]int, len(tasks))
	var stack []string

	var visit func(i int) []string
	visit = func(i int) []string {
		color[i] = colorGrey
		stack = append(stack, tasks[i].ID)
		for _, dep := range dedupe(tasks[i].DependsOn) {
			j := byID[dep]
			switch color[j] {
			case colorGrey:
				start := 0
				for k, id := range stack {
					if id == dep {
						start = k
						break
					}
				}
				return append(append([]string(nil), stack[start:]...), dep)
			case colorWhite:
				if cycle := visit(j); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = colorBlack
		return nil
	}

	for i := range tasks {
		if color[i] == colorWhite {
			if cycle := visit(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// dedupe preserves first-occurrence order. Dependency lists keep source
// multiplicity for round-tripping, but the scheduler treats them as sets.
func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// SelectReady returns the next wave of tasks, at most maxParallel of them.
// A task is ready iff its status is pending or failed and every dependency
// has passed. Ready tasks are ordered by status rank (failed before
// pending), then source index, then id; a cap below 1 selects one task at
// a time.
func SelectReady(tasks []model.Task, maxParallel int) []model.Task {
	if maxParallel < 1 {
		maxParallel = 1
	}
	status := make(map[string]model.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}

	type candidate struct {
		task  model.Task
		index int
	}
	var ready []candidate
	for i, t := range tasks {
		if t.Status != model.TaskPending && t.Status != model.TaskFailed {
			continue
		}
		blocked := false
		for _, dep := range t.DependsOn {
			if status[dep] != model.TaskPassed {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, candidate{task: t, index: i})
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		ri, rj := statusRank(ready[i].task.Status), statusRank(ready[j].task.Status)
		if ri != rj {
			return ri < rj
		}
		if ready[i].index != ready[j].index {
			return ready[i].index < ready[j].index
		}
		return ready[i].task.ID < ready[j].task.ID
	})

	if len(ready) > maxParallel {
		ready = ready[:maxParallel]
	}
	out := make([]model.Task, len(ready))
	for i, c := range ready {
		out[i] = c.task
	}
	return out
}

func statusRank(s model.TaskStatus) int {
	if s == model.TaskFailed {
		return 0
	}
	return 1
}
