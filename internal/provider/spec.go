// Package provider launches and supervises agent CLI subprocesses, turning
// their line-delimited JSON output into a normalized event stream.
package provider

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// EnvModel overrides the model for every run started while it is set. It
// loses only to an explicit per-request model.
const EnvModel = "JEEVES_PROVIDER_MODEL"

// ErrUnknownProvider marks a name with no built-in shape and no command
// override.
var ErrUnknownProvider = errors.New("unknown provider")

// Spec describes how to invoke one provider CLI. The prompt always travels
// over stdin; Invocation only builds argv.
type Spec struct {
	Name      string
	Command   []string
	ModelFlag string
}

// builtins are the provider shapes shipped with the daemon. Each one asks
// its CLI for machine-readable stream output.
var builtins = map[string]Spec{
	"claude": {
		Name:      "claude",
		Command:   []string{"claude", "-p", "--output-format", "stream-json", "--verbose"},
		ModelFlag: "--model",
	},
	"codex": {
		Name:      "codex",
		Command:   []string{"codex", "exec", "--json", "--sandbox", "workspace-write"},
		ModelFlag: "-m",
	},
	"gemini": {
		Name:      "gemini",
		Command:   []string{"gemini", "-p", "--output-format", "stream-json", "--yolo"},
		ModelFlag: "--model",
	},
}

// Names lists the built-in providers in a stable order.
func Names() []string { return []string{"claude", "codex", "gemini"} }

// Lookup resolves a provider by name. JEEVES_<NAME>_CMD replaces the whole
// argv (whitespace-split); JEEVES_<NAME>_PATH replaces just the executable.
// The CMD override also works for providers with no built-in shape.
func Lookup(name string) (Spec, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return Spec{}, fmt.Errorf("empty provider name")
	}

	spec, known := builtins[strings.ToLower(name)]
	if cmd := os.Getenv("JEEVES_" + sanitizeEnvKey(key) + "_CMD"); cmd != "" {
		argv := strings.Fields(cmd)
		if len(argv) == 0 {
			return Spec{}, fmt.Errorf("provider %s: empty command override", name)
		}
		modelFlag := spec.ModelFlag
		if !known {
			modelFlag = "--model"
		}
		return Spec{Name: strings.ToLower(name), Command: argv, ModelFlag: modelFlag}, nil
	}
	if !known {
		return Spec{}, fmt.Errorf("%w %q (want one of %s, or set JEEVES_%s_CMD)",
			ErrUnknownProvider, name, strings.Join(Names(), "|"), sanitizeEnvKey(key))
	}
	if path := os.Getenv("JEEVES_" + sanitizeEnvKey(key) + "_PATH"); path != "" {
		out := append([]string{path}, spec.Command[1:]...)
		spec.Command = out
	}
	return spec, nil
}

// Invocation returns the full argv with the model flag appended when a model
// is set.
func (s Spec) Invocation(model string) []string {
	argv := append([]string(nil), s.Command...)
	if model != "" && s.ModelFlag != "" {
		argv = append(argv, s.ModelFlag, model)
	}
	return argv
}

func sanitizeEnvKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
