// Package workflow declares the YAML workflow model (phases, transitions,
// guards) and the deterministic transition selection the engine drives.
package workflow

// PhaseType classifies what driving a phase means.
type PhaseType string

const (
	// PhaseExecute runs the agent provider against the phase prompt.
	PhaseExecute PhaseType = "execute"
	// PhaseEvaluate runs the provider in judge mode; same mechanics as
	// execute, but its outcome is expected to carry verdict fields for the
	// status mapping.
	PhaseEvaluate PhaseType = "evaluate"
	// PhaseScript runs a shell command instead of a provider.
	PhaseScript PhaseType = "script"
	// PhaseTerminal ends the workflow; no transitions leave it.
	PhaseTerminal PhaseType = "terminal"
)

// ValidPhaseType reports whether t is one of the declared phase types.
func ValidPhaseType(t PhaseType) bool {
	switch t {
	case PhaseExecute, PhaseEvaluate, PhaseScript, PhaseTerminal:
		return true
	}
	return false
}

// Transition is one guarded edge out of a phase. Transitions are evaluated
// in ascending Priority (declaration order breaks ties); the first whose
// guard holds wins. Auto lets the engine recurse into the target phase
// within the same drive.
type Transition struct {
	To       string `yaml:"to" json:"to"`
	When     string `yaml:"when,omitempty" json:"when,omitempty"`
	Auto     bool   `yaml:"auto,omitempty" json:"auto,omitempty"`
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Phase is one node of the workflow graph.
//
// StatusMapping maps issue-status keys to dotted paths into the phase's
// outcome document: after a phase completes, each mapped path that resolves
// in the outcome is written into the issue status under the key, making it
// visible to guards.
type Phase struct {
	Type          PhaseType         `yaml:"type" json:"type"`
	Provider      string            `yaml:"provider,omitempty" json:"provider,omitempty"`
	Prompt        string            `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Command       string            `yaml:"command,omitempty" json:"command,omitempty"`
	Model         string            `yaml:"model,omitempty" json:"model,omitempty"`
	OutputFile    string            `yaml:"outputFile,omitempty" json:"outputFile,omitempty"`
	AllowedWrites []string          `yaml:"allowedWrites,omitempty" json:"allowedWrites,omitempty"`
	MaxIterations int               `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	StatusMapping map[string]string `yaml:"statusMapping,omitempty" json:"statusMapping,omitempty"`
	Transitions   []Transition      `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// Workflow is a named, versioned phase graph.
type Workflow struct {
	Name         string           `yaml:"name" json:"name"`
	Version      string           `yaml:"version,omitempty" json:"version,omitempty"`
	Start        string           `yaml:"start" json:"start"`
	DefaultModel string           `yaml:"defaultModel,omitempty" json:"defaultModel,omitempty"`
	Phases       map[string]Phase `yaml:"phases" json:"phases"`
}

// DefaultAllowedWrites is applied to phases that do not declare their own.
var DefaultAllowedWrites = []string{".jeeves/*"}

// Phase returns the named phase.
func (w *Workflow) Phase(name string) (Phase, bool) {
	p, ok := w.Phases[name]
	return p, ok
}

// ModelFor resolves the model hint for a phase: the phase's own model wins,
// then the workflow default. Run-level overrides are applied by the caller.
func (w *Workflow) ModelFor(phase string) string {
	if p, ok := w.Phases[phase]; ok && p.Model != "" {
		return p.Model
	}
	return w.DefaultModel
}
