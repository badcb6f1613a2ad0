package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/provider"
)

// Reflection failure codes.
const (
	ReflectNoAssistantOutput = "no_assistant_output"
	ReflectInvalidJSON       = "invalid_json"
	ReflectValidationFailed  = "validation_failed"
)

// ReflectError is a reflection contract violation. Code is one of the
// reflection failure codes.
type ReflectError struct {
	Code   string
	Detail string
}

func (e *ReflectError) Error() string {
	if e.Detail == "" {
		return "reflection " + e.Code
	}
	return fmt.Sprintf("reflection %s: %s", e.Code, e.Detail)
}

// ReflectInput is the source material a reflection condenses.
type ReflectInput struct {
	Objective string
	Memory    []model.MemoryEntry
	Tasks     []model.Task
	// Snapshot is the previous reflection, when one exists.
	Snapshot *Reflection

	Provider string
	Model    string
}

// Reflection is the condensed working state of a trajectory.
type Reflection struct {
	CurrentObjective      string        `json:"current_objective"`
	OpenHypotheses        []string      `json:"open_hypotheses"`
	Blockers              []string      `json:"blockers"`
	NextActions           []string      `json:"next_actions"`
	UnresolvedQuestions   []string      `json:"unresolved_questions"`
	RequiredEvidenceLinks []string      `json:"required_evidence_links"`
	Dropped               []DroppedItem `json:"dropped"`
}

// DroppedItem records one piece of context the reflection discarded.
type DroppedItem struct {
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

const reflectionSchemaJSON = `{
	"type": "object",
	"required": [
		"current_objective", "open_hypotheses", "blockers", "next_actions",
		"unresolved_questions", "required_evidence_links", "dropped"
	],
	"properties": {
		"current_objective": {"type": "string"},
		"open_hypotheses": {"type": "array", "items": {"type": "string"}},
		"blockers": {"type": "array", "items": {"type": "string"}},
		"next_actions": {"type": "array", "items": {"type": "string"}},
		"unresolved_questions": {"type": "array", "items": {"type": "string"}},
		"required_evidence_links": {"type": "array", "items": {"type": "string"}},
		"dropped": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["value", "reason"],
				"properties": {
					"value": {"type": "string"},
					"reason": {"type": "string"}
				}
			}
		}
	}
}`

var reflectionSchema = jsonschema.MustCompileString("reflection.schema.json", reflectionSchemaJSON)

// Reflect runs the trajectory-reflection contract against a provider: the
// prompt carries the objective, memory, tasks, and previous snapshot; the
// response must satisfy the reflection schema and trace to the sources.
func (c *Core) Reflect(ctx context.Context, in ReflectInput) (*Reflection, error) {
	ref, _, _, err := c.requireActive()
	if err != nil {
		return nil, err
	}
	providerName := firstNonEmpty(in.Provider, c.cfg.Provider.Name)
	spec, err := provider.Lookup(providerName)
	if err != nil {
		return nil, err
	}
	modelName := in.Model
	if modelName == "" {
		modelName = os.Getenv(provider.EnvModel)
	}
	if modelName == "" {
		modelName = c.cfg.Provider.Model
	}

	text, err := c.oneShot(ctx, spec.Invocation(modelName), paths.WorktreeDir(c.dataDir, ref), reflectPrompt(in))
	if err != nil {
		if errors.Is(err, ErrNoOutput) {
			return nil, &ReflectError{Code: ReflectNoAssistantOutput}
		}
		return nil, fmt.Errorf("reflect: %w", err)
	}
	return ParseReflection(text, ReflectSources(in))
}

// ParseReflection validates a raw reflection response: JSON shape first,
// then the schema, then token tracing against the source material.
func ParseReflection(response string, sources []string) (*Reflection, error) {
	raw := extractJSONObject(response)
	if raw == "" {
		return nil, &ReflectError{Code: ReflectInvalidJSON, Detail: "no JSON object in response"}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, &ReflectError{Code: ReflectInvalidJSON, Detail: err.Error()}
	}
	if err := reflectionSchema.Validate(v); err != nil {
		return nil, &ReflectError{Code: ReflectValidationFailed, Detail: err.Error()}
	}
	var r Reflection
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, &ReflectError{Code: ReflectInvalidJSON, Detail: err.Error()}
	}

	vocab := tokenSet(sources)
	for _, item := range r.items() {
		if !tracesToSources(item, vocab) {
			return nil, &ReflectError{
				Code:   ReflectValidationFailed,
				Detail: fmt.Sprintf("item does not trace to any source: %q", clip(item, 120)),
			}
		}
	}
	return &r, nil
}

// items lists every reflected value that must trace to the sources.
// Dropped reasons are the model's own words and are exempt.
func (r *Reflection) items() []string {
	out := make([]string, 0, 8)
	if r.CurrentObjective != "" {
		out = append(out, r.CurrentObjective)
	}
	for _, group := range [][]string{
		r.OpenHypotheses, r.Blockers, r.NextActions,
		r.UnresolvedQuestions, r.RequiredEvidenceLinks,
	} {
		for _, item := range group {
			if item != "" {
				out = append(out, item)
			}
		}
	}
	for _, d := range r.Dropped {
		if d.Value != "" {
			out = append(out, d.Value)
		}
	}
	return out
}

// ReflectSources flattens the reflection input into the strings the
// tracing vocabulary is built from.
func ReflectSources(in ReflectInput) []string {
	sources := []string{in.Objective}
	for _, m := range in.Memory {
		sources = append(sources, m.Key)
		if raw, err := json.Marshal(m.Value); err == nil {
			sources = append(sources, string(raw))
		}
	}
	for _, t := range in.Tasks {
		sources = append(sources, t.ID, t.Title, t.Summary)
		sources = append(sources, t.AcceptanceCriteria...)
	}
	if in.Snapshot != nil {
		if raw, err := json.Marshal(in.Snapshot); err == nil {
			sources = append(sources, string(raw))
		}
	}
	return sources
}

func reflectPrompt(in ReflectInput) string {
	var b strings.Builder
	b.WriteString("You are reducing an agent trajectory to its live working state.\n\n")
	b.WriteString("From the sources below, produce one JSON object with exactly these fields:\n")
	b.WriteString("current_objective (string), open_hypotheses (string[]), blockers (string[]),\n")
	b.WriteString("next_actions (string[]), unresolved_questions (string[]),\n")
	b.WriteString("required_evidence_links (string[]), dropped (array of {value, reason}).\n\n")
	b.WriteString("Every item must restate terms that appear in the sources. List anything\n")
	b.WriteString("you discard under dropped, with its reason. Reply with the JSON object only.\n")

	b.WriteString("\n## Objective\n")
	b.WriteString(strings.TrimSpace(in.Objective))
	b.WriteString("\n")

	if len(in.Memory) > 0 {
		b.WriteString("\n## Memory\n")
		for _, m := range in.Memory {
			raw, err := json.Marshal(m.Value)
			if err != nil {
				raw = []byte(`""`)
			}
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Scope, m.Key, raw)
		}
	}
	if len(in.Tasks) > 0 {
		b.WriteString("\n## Tasks\n")
		for _, t := range in.Tasks {
			fmt.Fprintf(&b, "- %s (%s): %s\n", t.ID, t.Status, t.Title)
			if t.Summary != "" {
				fmt.Fprintf(&b, "  %s\n", t.Summary)
			}
		}
	}
	if in.Snapshot != nil {
		if raw, err := json.MarshalIndent(in.Snapshot, "", "  "); err == nil {
			b.WriteString("\n## Previous snapshot\n")
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// extractJSONObject returns the first balanced JSON object in s, tolerant
// of markdown fences and prose around it.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// minTraceTokenLen is the shortest token that counts for tracing; shorter
// runs are too common to mean anything.
const minTraceTokenLen = 4

func tokenSet(sources []string) map[string]struct{} {
	vocab := make(map[string]struct{})
	for _, s := range sources {
		for _, tok := range tokenize(s) {
			vocab[tok] = struct{}{}
		}
	}
	return vocab
}

// tokenize lowercases s and returns its alphanumeric runs of at least
// minTraceTokenLen characters.
func tokenize(s string) []string {
	s = strings.ToLower(s)
	var tokens []string
	start := -1
	for i := 0; i <= len(s); i++ {
		alnum := i < len(s) && ((s[i] >= 'a' && s[i] <= 'z') || (s[i] >= '0' && s[i] <= '9'))
		if alnum {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minTraceTokenLen {
			tokens = append(tokens, s[start:i])
		}
		start = -1
	}
	return tokens
}

// tracesToSources reports whether the item shares a token with the source
// vocabulary. Items with no qualifying tokens have nothing to check and
// pass.
func tracesToSources(item string, vocab map[string]struct{}) bool {
	tokens := tokenize(item)
	if len(tokens) == 0 {
		return true
	}
	for _, tok := range tokens {
		if _, ok := vocab[tok]; ok {
			return true
		}
	}
	return false
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
