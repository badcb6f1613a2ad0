package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devWorkflowYAML = `
name: dev
start: implement
defaultModel: big-coder
phases:
  implement:
    type: execute
    provider: claude
    prompt: prompts/implement.md
    statusMapping:
      ci: verdict.ci_green
    transitions:
      - to: review
        when: status.ci == true
        auto: true
      - to: fix
        when: status.ci == false
  fix:
    type: execute
    prompt: prompts/fix.md
    model: small-coder
    transitions:
      - to: implement
  review:
    type: evaluate
    prompt: prompts/review.md
    allowedWrites:
      - ".jeeves/*"
      - "docs/**"
    transitions:
      - to: done
        when: status.review_verdict == 'approve'
      - to: fix
  done:
    type: terminal
`

func TestParseAppliesDefaults(t *testing.T) {
	w, diags, err := Parse([]byte(devWorkflowYAML))
	require.NoError(t, err)
	for _, d := range diags {
		assert.NotEqual(t, SeverityError, d.Severity, "unexpected error diagnostic: %+v", d)
	}

	assert.Equal(t, "dev", w.Name)
	assert.Equal(t, "1", w.Version)
	assert.Equal(t, "implement", w.Start)

	impl, ok := w.Phase("implement")
	require.True(t, ok)
	assert.Equal(t, DefaultAllowedWrites, impl.AllowedWrites)

	review, ok := w.Phase("review")
	require.True(t, ok)
	assert.Equal(t, []string{".jeeves/*", "docs/**"}, review.AllowedWrites)

	done, ok := w.Phase("done")
	require.True(t, ok)
	assert.Empty(t, done.AllowedWrites)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, _, err := Parse([]byte(`
name: dev
start: a
frobnicate: yes
phases:
  a:
    type: terminal
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode workflow")
}

func TestParseRejectsMultipleDocuments(t *testing.T) {
	_, _, err := Parse([]byte(`
name: one
start: a
phases:
  a:
    type: terminal
---
name: two
start: a
phases:
  a:
    type: terminal
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestParseSurfacesValidationErrors(t *testing.T) {
	_, diags, err := Parse([]byte(`
name: dev
start: missing
phases:
  a:
    type: terminal
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing"`)
	require.NotEmpty(t, diags)
	assert.Equal(t, "start_declared", diags[0].Rule)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev.yaml")
	require.NoError(t, os.WriteFile(path, []byte(devWorkflowYAML), 0o644))

	w, _, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", w.Name)

	_, _, err = ParseFile(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
}

func TestModelForPrecedence(t *testing.T) {
	w, _, err := Parse([]byte(devWorkflowYAML))
	require.NoError(t, err)

	assert.Equal(t, "big-coder", w.ModelFor("implement"), "workflow default applies when the phase has no model")
	assert.Equal(t, "small-coder", w.ModelFor("fix"), "phase model wins over the workflow default")
	assert.Equal(t, "big-coder", w.ModelFor("unknown"))
}
