package lifecycle

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-sh/jeeves/internal/config"
	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/provider"
	"github.com/jeeves-sh/jeeves/internal/store"
)

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) send(ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) byType(t string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testRef() model.IssueRef {
	return model.IssueRef{Owner: "acme", Repo: "widgets", Number: 7}
}

// newTestCore builds a Core against a throwaway data dir with broadcast
// capture and synchronous run artifacts. Provider processes are stubbed per
// test through c.start.
func newTestCore(t *testing.T) (*Core, *capture) {
	t.Helper()
	t.Setenv(paths.EnvWorktreeRoot, "")
	t.Setenv(provider.EnvModel, "")

	dataDir := t.TempDir()
	st, err := store.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cap := &capture{}
	hub := events.NewHub(nil)
	hub.AddSubscriber(cap.send)

	cfg := config.Defaults()
	cfg.DataDir = dataDir
	cfg.Run.OutputDebounce = -1 // flush run artifacts synchronously

	c := New(Options{
		DataDir: dataDir,
		Store:   st,
		Hub:     hub,
		Config:  cfg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, c.EnsureDefaultContent())
	return c, cap
}

func initIssue(t *testing.T, c *Core, opts InitOptions) *model.IssueState {
	t.Helper()
	st, err := c.Init(testRef(), opts)
	require.NoError(t, err)
	return st
}

func issueStateDir(c *Core, ref model.IssueRef) string {
	return paths.StateDir(paths.WorktreeDir(c.dataDir, ref))
}

func TestInitCreatesIssueState(t *testing.T) {
	c, cap := newTestCore(t)
	st := initIssue(t, c, InitOptions{Title: "Teach the widget to sing"})

	assert.Equal(t, "implement", st.Phase)
	assert.Equal(t, "default", st.Workflow)
	assert.Equal(t, "issue-7", st.Branch)
	assert.Equal(t, "Teach the widget to sing", st.IssueTitle)
	assert.NotNil(t, st.Status)

	ref, ok, err := c.store.ActiveIssue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testRef(), ref)

	stateDir := issueStateDir(c, testRef())
	_, err = os.Stat(paths.IssueJSONPath(stateDir))
	assert.NoError(t, err, "issue.json mirror should exist")

	states := cap.byType("state")
	require.NotEmpty(t, states)
	snap, ok := states[len(states)-1].Data.(*Snapshot)
	require.True(t, ok)
	assert.Equal(t, "acme/widgets#7", snap.ActiveIssue)
	require.NotNil(t, snap.Issue)
	assert.Equal(t, "implement", snap.Issue.Phase)
}

func TestInitIsIdempotent(t *testing.T) {
	c, _ := newTestCore(t)
	initIssue(t, c, InitOptions{Branch: "feature/sing"})
	_, err := c.SetPhase("evaluate")
	require.NoError(t, err)

	st := initIssue(t, c, InitOptions{Title: "Filled in later"})
	assert.Equal(t, "evaluate", st.Phase, "re-init must not reset the phase")
	assert.Equal(t, "feature/sing", st.Branch, "existing branch is kept")
	assert.Equal(t, "Filled in later", st.IssueTitle, "empty title is filled")
}

func TestInitRejectsBadInput(t *testing.T) {
	c, _ := newTestCore(t)

	_, err := c.Init(model.IssueRef{}, InitOptions{})
	require.Error(t, err)

	_, err = c.Init(model.IssueRef{Owner: "acme", Repo: "widgets"}, InitOptions{})
	require.Error(t, err)

	_, err = c.Init(testRef(), InitOptions{Workflow: "nope"})
	require.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestSelectSwitchesActiveIssue(t *testing.T) {
	c, _ := newTestCore(t)
	require.Error(t, c.Select(model.IssueRef{}))

	other := model.IssueRef{Owner: "acme", Repo: "widgets", Number: 8}
	require.NoError(t, c.Select(other))

	ref, ok, err := c.store.ActiveIssue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, other, ref)
}

func TestSetPhaseValidatesAgainstWorkflow(t *testing.T) {
	c, _ := newTestCore(t)

	_, err := c.SetPhase("implement")
	require.ErrorIs(t, err, ErrNoActiveIssue)

	initIssue(t, c, InitOptions{})
	st, err := c.SetPhase("evaluate")
	require.NoError(t, err)
	assert.Equal(t, "evaluate", st.Phase)

	_, err = c.SetPhase("ship-it")
	require.ErrorIs(t, err, ErrUnknownPhase)

	cur, err := c.store.ReadIssue(issueStateDir(c, testRef()))
	require.NoError(t, err)
	assert.Equal(t, "evaluate", cur.Phase, "a rejected phase must not persist")
}

func TestAdvanceFollowsTransitions(t *testing.T) {
	c, _ := newTestCore(t)
	initIssue(t, c, InitOptions{})

	res, err := c.Advance(map[string]any{"success": true, "summary": "wired the sing button"})
	require.NoError(t, err)
	assert.Equal(t, "implement", res.From)
	assert.Equal(t, "evaluate", res.To)
	assert.Equal(t, 1, res.Hops)
	assert.False(t, res.Terminal)

	st, err := c.store.ReadIssue(issueStateDir(c, testRef()))
	require.NoError(t, err)
	v, ok := st.StatusValue("implement.success")
	require.True(t, ok)
	assert.Equal(t, true, v)
	v, ok = st.StatusValue("implement.summary")
	require.True(t, ok)
	assert.Equal(t, "wired the sing button", v)

	res, err = c.Advance(map[string]any{"verdict": map[string]any{"passed": true, "notes": "clean"}})
	require.NoError(t, err)
	assert.Equal(t, "done", res.To)
	assert.Equal(t, 1, res.Hops)
	assert.True(t, res.Terminal)
}

func TestAdvanceStaysWithoutMatchingGuard(t *testing.T) {
	c, _ := newTestCore(t)
	initIssue(t, c, InitOptions{})

	res, err := c.Advance(map[string]any{"success": false})
	require.NoError(t, err)
	assert.Equal(t, "implement", res.To)
	assert.Zero(t, res.Hops)
	assert.True(t, res.NoTransition)
}

func TestAdvanceFailedVerdictLoopsBack(t *testing.T) {
	c, _ := newTestCore(t)
	initIssue(t, c, InitOptions{})
	_, err := c.SetPhase("evaluate")
	require.NoError(t, err)

	res, err := c.Advance(map[string]any{"verdict": map[string]any{"passed": false, "notes": "tests missing"}})
	require.NoError(t, err)
	assert.Equal(t, "implement", res.To)
	assert.False(t, res.Terminal)

	st, err := c.store.ReadIssue(issueStateDir(c, testRef()))
	require.NoError(t, err)
	assert.Equal(t, "implement", st.Phase)
}

const pingpongWorkflow = `name: pingpong
start: ping
phases:
  ping:
    type: execute
    prompt: go
    transitions:
      - to: pong
        auto: true
  pong:
    type: execute
    prompt: go
    transitions:
      - to: ping
        auto: true
`

func TestAdvanceCapsAutoTransitions(t *testing.T) {
	c, _ := newTestCore(t)
	require.NoError(t, c.store.PutWorkflow("pingpong", pingpongWorkflow))
	_, err := c.Init(testRef(), InitOptions{Workflow: "pingpong"})
	require.NoError(t, err)

	_, err = c.Advance(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto transitions")

	st, err := c.store.ReadIssue(issueStateDir(c, testRef()))
	require.NoError(t, err)
	assert.Equal(t, "ping", st.Phase, "a capped advance must not persist a phase")
}

func TestSnapshotShapes(t *testing.T) {
	c, _ := newTestCore(t)

	snap, err := c.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.ActiveIssue)
	assert.NotEmpty(t, snap.Paths.DataDir)
	assert.Nil(t, snap.Issue)
	assert.Nil(t, snap.Run)

	initIssue(t, c, InitOptions{Title: "Teach the widget to sing"})
	stateDir := issueStateDir(c, testRef())
	require.NoError(t, c.store.WriteTasks(stateDir, &model.TaskFile{
		Split: true,
		Tasks: []model.Task{{ID: "t1", Title: "hum quietly"}},
	}))

	snap, err = c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets#7", snap.ActiveIssue)
	assert.Equal(t, stateDir, snap.Paths.StateDir)
	require.NotNil(t, snap.Issue)
	assert.Equal(t, "Teach the widget to sing", snap.Issue.IssueTitle)
	require.NotNil(t, snap.Tasks)
	assert.True(t, snap.Tasks.Split)
	assert.Nil(t, snap.Run, "no run is active yet")
}

func TestEnsureDefaultContentKeepsCustomDocuments(t *testing.T) {
	c, _ := newTestCore(t)
	require.NoError(t, c.store.PutPrompt("implement", "custom marching orders"))

	require.NoError(t, c.EnsureDefaultContent())

	p, err := c.store.GetPrompt("implement")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "custom marching orders", p.Body)

	wf, err := c.store.GetWorkflow(DefaultWorkflowName)
	require.NoError(t, err)
	require.NotNil(t, wf)
}
