package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSystemInit(t *testing.T) {
	evs, err := Parse([]byte(`{"type":"system","subtype":"init","session_id":"sess-1"}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventSystem, evs[0].Type)
	assert.Equal(t, "init", evs[0].Subtype)
	assert.Equal(t, "sess-1", evs[0].SessionID)
}

func TestParseAssistantMessageExplodesBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"text","text":"Let me check."},
		{"type":"tool_use","id":"tu_1","name":"Read","input":{"path":"main.go"}}
	],"usage":{"input_tokens":10,"output_tokens":5}}}`

	evs, err := Parse([]byte(line))
	require.NoError(t, err)
	require.Len(t, evs, 3)

	assert.Equal(t, EventAssistant, evs[0].Type)
	assert.Equal(t, "Let me check.", evs[0].Text)

	assert.Equal(t, EventToolUse, evs[1].Type)
	assert.Equal(t, "tu_1", evs[1].ToolUseID)
	assert.Equal(t, "Read", evs[1].ToolName)
	assert.Equal(t, "main.go", evs[1].ToolInput["path"])

	assert.Equal(t, EventUsage, evs[2].Type)
	assert.Equal(t, int64(10), evs[2].Usage.InputTokens)
}

func TestParseToolResultStringContent(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu_1","content":"package main","is_error":false}
	]}}`

	evs, err := Parse([]byte(line))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventToolResult, evs[0].Type)
	assert.Equal(t, "tu_1", evs[0].ToolUseID)
	assert.Equal(t, "package main", evs[0].Content)
	assert.False(t, evs[0].IsError)
}

func TestParseToolResultArrayContent(t *testing.T) {
	line := `{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu_2","is_error":true,
		 "content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}
	]}}`

	evs, err := Parse([]byte(line))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "line one\nline two", evs[0].Content)
	assert.True(t, evs[0].IsError)
}

func TestParseFlatToolEvents(t *testing.T) {
	evs, err := Parse([]byte(`{"type":"tool_use","id":"tu_9","name":"Bash","input":{"cmd":"ls"}}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventToolUse, evs[0].Type)
	assert.Equal(t, "Bash", evs[0].ToolName)

	evs, err = Parse([]byte(`{"type":"tool_result","tool_use_id":"tu_9","content":"ok"}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventToolResult, evs[0].Type)
	assert.Equal(t, "ok", evs[0].Content)
}

func TestParseResult(t *testing.T) {
	line := `{"type":"result","subtype":"success","is_error":false,"result":"done",
		"total_cost_usd":0.42,"num_turns":7,"duration_ms":12345,
		"usage":{"input_tokens":100,"output_tokens":50}}`

	evs, err := Parse([]byte(line))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, EventResult, ev.Type)
	assert.Equal(t, "success", ev.Subtype)
	assert.Equal(t, "done", ev.ResultText)
	assert.InDelta(t, 0.42, ev.TotalCostUSD, 1e-9)
	assert.Equal(t, 7, ev.NumTurns)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(100), ev.Usage.InputTokens)
}

func TestParseUnknownTypeBecomesDebug(t *testing.T) {
	evs, err := Parse([]byte(`{"type":"thinking_delta","text":"hmm"}`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventDebug, evs[0].Type)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("reading file src/main.go..."))
	require.Error(t, err)

	_, err = Parse([]byte(`{"no_type":true}`))
	require.Error(t, err)
}

func TestParseBlankLine(t *testing.T) {
	evs, err := Parse([]byte("   \t"))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2}
	u.Add(Usage{InputTokens: 10, CacheReadInputTokens: 5})
	assert.Equal(t, int64(11), u.InputTokens)
	assert.Equal(t, int64(2), u.OutputTokens)
	assert.Equal(t, int64(5), u.CacheReadInputTokens)
}

func TestLookupBuiltins(t *testing.T) {
	for _, name := range Names() {
		spec, err := Lookup(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, spec.Command, name)
	}
	_, err := Lookup("mystery")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestLookupEnvOverrides(t *testing.T) {
	t.Setenv("JEEVES_CLAUDE_CMD", "/opt/bin/claude --output-format stream-json")
	spec, err := Lookup("claude")
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/bin/claude", "--output-format", "stream-json"}, spec.Command)

	t.Setenv("JEEVES_MYAGENT_CMD", "myagent --stream")
	custom, err := Lookup("myagent")
	require.NoError(t, err)
	assert.Equal(t, []string{"myagent", "--stream"}, custom.Command)
}

func TestLookupPathOverride(t *testing.T) {
	t.Setenv("JEEVES_CODEX_PATH", "/usr/local/bin/codex-nightly")
	spec, err := Lookup("codex")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/codex-nightly", spec.Command[0])
	assert.Contains(t, spec.Command, "--json")
}

func TestInvocationAppendsModel(t *testing.T) {
	spec, err := Lookup("claude")
	require.NoError(t, err)
	argv := spec.Invocation("opus")
	assert.Equal(t, "--model", argv[len(argv)-2])
	assert.Equal(t, "opus", argv[len(argv)-1])

	bare := spec.Invocation("")
	assert.NotContains(t, bare, "--model")
}
