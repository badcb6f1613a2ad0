package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a workflow document strictly (unknown fields are errors),
// applies defaults, and validates it. The returned diagnostics include
// warnings; if any diagnostic has severity error, Parse also returns an
// error naming the first one.
func Parse(data []byte) (*Workflow, []Diagnostic, error) {
	var w Workflow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil {
		return nil, nil, fmt.Errorf("decode workflow: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, nil, fmt.Errorf("decode workflow: multiple documents are not allowed")
		}
		return nil, nil, fmt.Errorf("decode workflow: %w", err)
	}

	applyDefaults(&w)
	diags := Validate(&w)
	if d, bad := firstError(diags); bad {
		return nil, diags, fmt.Errorf("invalid workflow %q: %s", w.Name, d.Message)
	}
	return &w, diags, nil
}

// ParseFile is Parse over a file path.
func ParseFile(path string) (*Workflow, []Diagnostic, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Parse(b)
}

func applyDefaults(w *Workflow) {
	if w.Version == "" {
		w.Version = "1"
	}
	for name, p := range w.Phases {
		if len(p.AllowedWrites) == 0 && p.Type != PhaseTerminal {
			p.AllowedWrites = append([]string(nil), DefaultAllowedWrites...)
		}
		w.Phases[name] = p
	}
}

func firstError(diags []Diagnostic) (Diagnostic, bool) {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return d, true
		}
	}
	return Diagnostic{}, false
}
