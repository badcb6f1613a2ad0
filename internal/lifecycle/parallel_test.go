package lifecycle

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/provider"
	"github.com/jeeves-sh/jeeves/internal/runs"
	"github.com/jeeves-sh/jeeves/internal/scheduler"
	"github.com/jeeves-sh/jeeves/internal/workflow"
)

// gateProc stays alive until its context is cancelled, like a provider
// session that never finishes on its own.
type gateProc struct {
	ch  chan provider.Event
	ctx context.Context
}

func newGateProc(ctx context.Context) *gateProc {
	p := &gateProc{ch: make(chan provider.Event), ctx: ctx}
	go func() {
		<-ctx.Done()
		close(p.ch)
	}()
	return p
}

func (p *gateProc) Events() <-chan provider.Event { return p.ch }
func (p *gateProc) Wait() provider.ExitStatus {
	<-p.ctx.Done()
	return provider.ExitStatus{State: model.RunCancelled, Err: context.Canceled}
}
func (p *gateProc) PID() int              { return 1 }
func (p *gateProc) State() model.RunState { return model.RunRunning }
func (p *gateProc) Cancel()               {}
func (p *gateProc) Kill()                 {}

// waveFixture initializes the default issue, persists a split task file,
// and begins a run without a driver goroutine so tests can call runWave
// directly.
func waveFixture(t *testing.T, c *Core, tasks []model.Task) (*runs.Run, *workflow.Workflow, workflow.Phase, *model.IssueState, *model.TaskFile) {
	t.Helper()
	initIssue(t, c, InitOptions{Title: "Teach the widget to sing"})
	stateDir := issueStateDir(c, testRef())
	require.NoError(t, c.store.WriteTasks(stateDir, &model.TaskFile{Split: true, Tasks: tasks}))

	run, err := c.runs.Begin(runs.BeginOptions{
		IssueRef:         testRef(),
		StateDir:         stateDir,
		Provider:         "claude",
		Command:          []string{"claude", "-p"},
		MaxIterations:    4,
		MaxParallelTasks: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { run.Finish(runs.Outcome{State: model.RunCancelled}) })

	wf, err := c.store.LoadWorkflow(DefaultWorkflowName)
	require.NoError(t, err)
	phase, ok := wf.Phase("implement")
	require.True(t, ok)
	st, err := c.store.ReadIssue(stateDir)
	require.NoError(t, err)
	tf, err := c.store.ReadTasks(stateDir)
	require.NoError(t, err)
	return run, wf, phase, st, tf
}

func TestWaveReady(t *testing.T) {
	cases := []struct {
		name string
		tf   *model.TaskFile
		want bool
	}{
		{"no task file", nil, false},
		{"not split", &model.TaskFile{Tasks: []model.Task{{ID: "a", Status: model.TaskPending}}}, false},
		{"split with pending work", &model.TaskFile{Split: true, Tasks: []model.Task{{ID: "a", Status: model.TaskPending}}}, true},
		{"split with a failure to retry", &model.TaskFile{Split: true, Tasks: []model.Task{{ID: "a", Status: model.TaskFailed}}}, true},
		{"split all passed", &model.TaskFile{Split: true, Tasks: []model.Task{{ID: "a", Status: model.TaskPassed}}}, false},
		{"split but empty", &model.TaskFile{Split: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, waveReady(tc.tf))
		})
	}
}

func TestRunWaveRunsTasksToCompletion(t *testing.T) {
	c, _ := newTestCore(t)

	var (
		mu      sync.Mutex
		prompts []string
	)
	c.start = func(ctx context.Context, opts provider.Options) (runs.Process, error) {
		mu.Lock()
		prompts = append(prompts, opts.Prompt)
		mu.Unlock()
		return newFakeProc(provider.ExitStatus{State: model.RunCompleted},
			provider.Event{Type: provider.EventResult, Subtype: "success", ResultText: "done"}), nil
	}

	tasks := []model.Task{
		{ID: "t1", Title: "hum quietly", Status: model.TaskPending},
		{ID: "t2", Title: "sing loudly", Status: model.TaskPending, DependsOn: []string{"t1"}},
	}
	run, wf, phase, st, tf := waveFixture(t, c, tasks)

	step := c.runWave(context.Background(), run, wf, st, "implement", phase, tf, driveParams{maxParallel: 2})
	require.NoError(t, step.err)
	require.Nil(t, step.abort)

	assert.Equal(t, true, step.outcome["success"])
	stats, ok := step.outcome["tasks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 2, stats["passed"])
	assert.Equal(t, 0, stats["failed"])
	assert.Equal(t, true, stats["all_passed"])
	assert.Len(t, step.docs, 2)

	stored, err := c.store.ReadTasks(run.StateDir)
	require.NoError(t, err)
	for _, task := range stored.Tasks {
		assert.Equal(t, model.TaskPassed, task.Status, task.ID)
	}

	cur, err := c.store.ReadIssue(run.StateDir)
	require.NoError(t, err)
	_, stamped := cur.StatusValue("parallel.runId")
	assert.False(t, stamped, "the stamp is cleared once every task passed")

	workers := run.Status().Workers
	require.Len(t, workers, 2)
	for _, w := range workers {
		assert.Equal(t, model.RunCompleted, w.State, w.TaskID)
		assert.NotNil(t, w.EndedAt, w.TaskID)
	}

	// t2 depends on t1, so the waves must not overlap.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "- ID: t1")
	assert.Contains(t, prompts[1], "- ID: t2")

	_, err = os.Stat(paths.OutputJSONPath(paths.WorkerDir(run.StateDir, run.ID, "t1")))
	assert.NoError(t, err, "worker artifact should exist")
}

func TestRunWaveRetriesFailedTasksNextPass(t *testing.T) {
	c, _ := newTestCore(t)

	var mu sync.Mutex
	failT2 := true
	c.start = func(ctx context.Context, opts provider.Options) (runs.Process, error) {
		mu.Lock()
		fail := failT2 && strings.Contains(opts.Prompt, "- ID: t2\n")
		mu.Unlock()
		if fail {
			return newFakeProc(provider.ExitStatus{State: model.RunCompleted},
				provider.Event{Type: provider.EventResult, Subtype: "error_during_execution", IsError: true, ResultText: "boom"}), nil
		}
		return newFakeProc(provider.ExitStatus{State: model.RunCompleted},
			provider.Event{Type: provider.EventResult, Subtype: "success", ResultText: "done"}), nil
	}

	tasks := []model.Task{
		{ID: "t1", Title: "hum quietly", Status: model.TaskPending},
		{ID: "t2", Title: "sing loudly", Status: model.TaskPending},
	}
	run, wf, phase, st, tf := waveFixture(t, c, tasks)

	step := c.runWave(context.Background(), run, wf, st, "implement", phase, tf, driveParams{maxParallel: 2})
	require.NoError(t, step.err)
	assert.Equal(t, false, step.outcome["success"])
	stats := step.outcome["tasks"].(map[string]any)
	assert.Equal(t, 1, stats["passed"])
	assert.Equal(t, 1, stats["failed"])

	cur, err := c.store.ReadIssue(run.StateDir)
	require.NoError(t, err)
	v, ok := cur.StatusValue("parallel.runId")
	require.True(t, ok, "the stamp survives a failed wave")
	assert.Equal(t, run.ID, v)

	var failed model.WorkerStatus
	for _, w := range run.Status().Workers {
		if w.TaskID == "t2" {
			failed = w
		}
	}
	assert.Equal(t, model.RunFailed, failed.State)
	assert.Contains(t, failed.LastError, "error_during_execution")

	// The next driver pass retries only the failed task.
	mu.Lock()
	failT2 = false
	mu.Unlock()
	st2, err := c.store.ReadIssue(run.StateDir)
	require.NoError(t, err)
	tf2, err := c.store.ReadTasks(run.StateDir)
	require.NoError(t, err)

	step = c.runWave(context.Background(), run, wf, st2, "implement", phase, tf2, driveParams{maxParallel: 2})
	require.NoError(t, step.err)
	assert.Equal(t, true, step.outcome["success"])
	assert.Len(t, step.docs, 1, "only the retried task runs again")

	cur, err = c.store.ReadIssue(run.StateDir)
	require.NoError(t, err)
	_, ok = cur.StatusValue("parallel.runId")
	assert.False(t, ok, "the stamp clears once the retry passed")
}

func TestRunWaveStopCancelsInFlightWorkers(t *testing.T) {
	c, _ := newTestCore(t)

	started := make(chan struct{}, 1)
	c.start = func(ctx context.Context, opts provider.Options) (runs.Process, error) {
		started <- struct{}{}
		return newGateProc(ctx), nil
	}
	tasks := []model.Task{{ID: "t1", Title: "hum quietly", Status: model.TaskPending}}
	run, wf, phase, st, tf := waveFixture(t, c, tasks)

	done := make(chan stepResult, 1)
	go func() {
		done <- c.runWave(context.Background(), run, wf, st, "implement", phase, tf, driveParams{maxParallel: 1})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	run.Stop(false)

	var step stepResult
	select {
	case step = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("wave did not unwind after stop")
	}
	require.NotNil(t, step.abort)
	assert.Equal(t, model.RunCancelled, step.abort.State)
	assert.Equal(t, "stopped", step.abort.CompletionReason)

	stored, err := c.store.ReadTasks(run.StateDir)
	require.NoError(t, err)
	require.Len(t, stored.Tasks, 1)
	assert.Equal(t, model.TaskFailed, stored.Tasks[0].Status, "a cancelled worker does not pass its task")
}

func TestRunWaveRejectsBrokenGraph(t *testing.T) {
	c, _ := newTestCore(t)
	tasks := []model.Task{
		{ID: "t1", DependsOn: []string{"t2"}, Status: model.TaskPending},
		{ID: "t2", DependsOn: []string{"t1"}, Status: model.TaskPending},
	}
	run, wf, phase, st, tf := waveFixture(t, c, tasks)

	step := c.runWave(context.Background(), run, wf, st, "implement", phase, tf, driveParams{maxParallel: 2})
	require.Error(t, step.err)
	var gerr *scheduler.GraphError
	require.ErrorAs(t, step.err, &gerr)
	assert.Equal(t, scheduler.CodeCycleDetected, gerr.Code)
}

func TestWarnTaskWritesFlagsViolations(t *testing.T) {
	c, _ := newTestCore(t)
	tasks := []model.Task{
		{ID: "t1", FilesAllowed: []string{"src/widget.go"}, Status: model.TaskPending},
		{ID: "t2", FilesAllowed: []string{"README.md"}, Status: model.TaskPending},
	}
	run, _, _, _, _ := waveFixture(t, c, tasks)
	phase := workflow.Phase{AllowedWrites: []string{"src/**"}}

	c.warnTaskWrites(run, phase, tasks)

	viewer, err := os.ReadFile(paths.ViewerLogPath(run.Dir))
	require.NoError(t, err)
	assert.Contains(t, string(viewer), "task t2")
	assert.Contains(t, string(viewer), "README.md")
	assert.NotContains(t, string(viewer), "task t1")
}

func TestWriteAllowed(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"doublestar crosses directories", []string{"src/**"}, "src/sub/file.go", true},
		{"single star stays shallow", []string{"src/*"}, "src/sub/file.go", false},
		{"exact directory match", []string{".jeeves/*", ".jeeves/out/*"}, ".jeeves/out/implement.json", true},
		{"no patterns", nil, "anything", false},
		{"miss", []string{"src/**"}, "docs/readme.md", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, writeAllowed(tc.patterns, tc.path))
		})
	}
}

func TestNeedsParallelStamp(t *testing.T) {
	cases := []struct {
		name   string
		status map[string]any
		want   bool
	}{
		{"no status", nil, true},
		{"absent", map[string]any{}, true},
		{"blank", map[string]any{"parallel": map[string]any{"runId": ""}}, true},
		{"stamped", map[string]any{"parallel": map[string]any{"runId": "run-001"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &model.IssueState{Status: tc.status}
			assert.Equal(t, tc.want, needsParallelStamp(st))
		})
	}
}

func TestWorkerPromptCarriesTaskContract(t *testing.T) {
	c, _ := newTestCore(t)
	st := &model.IssueState{Owner: "acme", Repo: "widgets", IssueNumber: 7, IssueTitle: "Teach the widget to sing"}
	task := model.Task{
		ID:                 "t1",
		Title:              "hum quietly",
		Summary:            "Add the hum module behind the volume knob.",
		FilesAllowed:       []string{"src/hum.go"},
		AcceptanceCriteria: []string{"humming starts on boot"},
	}

	prompt, err := c.workerPrompt(st, workflow.Phase{Prompt: "Do exactly one task."}, task)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Do exactly one task.")
	assert.Contains(t, prompt, "- ID: t1")
	assert.Contains(t, prompt, "- Title: hum quietly")
	assert.Contains(t, prompt, "- Issue: acme/widgets#7 (Teach the widget to sing)")
	assert.Contains(t, prompt, "- Files allowed: src/hum.go")
	assert.Contains(t, prompt, "### Acceptance criteria")
	assert.Contains(t, prompt, "- humming starts on boot")
}
