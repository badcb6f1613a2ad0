package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/provider"
	"github.com/jeeves-sh/jeeves/internal/runlog"
	"github.com/jeeves-sh/jeeves/internal/runs"
	"github.com/jeeves-sh/jeeves/internal/scheduler"
	"github.com/jeeves-sh/jeeves/internal/workflow"
)

// waveReady reports whether the issue's tasks call for parallel execution:
// a split task file with work left to do.
func waveReady(tf *model.TaskFile) bool {
	if tf == nil || !tf.Split {
		return false
	}
	for _, t := range tf.Tasks {
		if t.Status != model.TaskPassed {
			return true
		}
	}
	return false
}

type workerResult struct {
	taskID string
	passed bool
	errMsg string
	doc    *runlog.Document
}

// runWave drives scheduler-selected task waves through parallel provider
// workers until no ready task remains. Each task runs at most once per
// wave pass; tasks that fail here become eligible again on the next
// iteration of the run loop.
func (c *Core) runWave(ctx context.Context, run *runs.Run, wf *workflow.Workflow, st *model.IssueState, phaseName string, phase workflow.Phase, tf *model.TaskFile, p driveParams) stepResult {
	if err := scheduler.ValidateGraph(tf.Tasks); err != nil {
		return stepResult{err: err}
	}

	// Worker artifacts stay under the run id recorded at wave start so a
	// resumed wave finds them again.
	waveKey := runs.WorkerArtifactsKey(st, run.ID)
	if needsParallelStamp(st) {
		st.SetStatusValue("parallel.runId", run.ID)
		if err := c.store.WriteIssue(run.StateDir, st); err != nil {
			return stepResult{err: err}
		}
		c.broadcastState()
	}

	c.warnTaskWrites(run, phase, tf.Tasks)

	// In-flight workers cancel with the run.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-run.StopSignal():
			cancel()
		case <-watchDone:
		}
	}()

	var (
		workers   []model.WorkerStatus
		docs      []*runlog.Document
		attempted = map[string]bool{}
	)

	for {
		if run.Stopping() {
			return stepResult{docs: docs, abort: &runs.Outcome{State: model.RunCancelled, CompletionReason: "stopped"}}
		}
		wave := unattempted(scheduler.SelectReady(tf.Tasks, p.maxParallel), attempted)
		if len(wave) == 0 {
			break
		}
		run.Log(fmt.Sprintf("wave: %d task(s) ready", len(wave)))

		started := time.Now().UTC()
		for _, t := range wave {
			attempted[t.ID] = true
			setTaskStatus(tf, t.ID, model.TaskInProgress)
			at := started
			workers = append(workers, model.WorkerStatus{
				WorkerID:  t.ID,
				TaskID:    t.ID,
				State:     model.RunRunning,
				StartedAt: &at,
			})
		}
		if err := c.store.WriteTasks(run.StateDir, tf); err != nil {
			return stepResult{docs: docs, err: err}
		}
		run.SetWorkers(workers)
		c.broadcastState()

		results := make(chan workerResult, len(wave))
		for _, t := range wave {
			go func(task model.Task) {
				results <- c.runWorker(wctx, run, wf, st, phaseName, phase, task, waveKey, p)
			}(t)
		}
		for range wave {
			r := <-results
			if r.doc != nil {
				docs = append(docs, r.doc)
			}
			status := model.TaskFailed
			workerState := model.RunFailed
			if r.passed {
				status = model.TaskPassed
				workerState = model.RunCompleted
			}
			setTaskStatus(tf, r.taskID, status)
			ended := time.Now().UTC()
			finishWorker(workers, r.taskID, workerState, &ended, r.errMsg)
			run.Log(fmt.Sprintf("task %s %s", r.taskID, status))
			if err := c.store.WriteTasks(run.StateDir, tf); err != nil {
				return stepResult{docs: docs, err: err}
			}
			run.SetWorkers(workers)
			c.broadcastState()
		}
	}

	total := len(tf.Tasks)
	passed, failed := 0, 0
	for _, t := range tf.Tasks {
		switch t.Status {
		case model.TaskPassed:
			passed++
		case model.TaskFailed:
			failed++
		}
	}
	allPassed := passed == total

	if allPassed {
		c.clearParallelStamp(run.StateDir)
	}

	return stepResult{
		docs: docs,
		outcome: map[string]any{
			"success": allPassed,
			"tasks": map[string]any{
				"total":      total,
				"passed":     passed,
				"failed":     failed,
				"pending":    total - passed - failed,
				"all_passed": allPassed,
			},
		},
	}
}

// runWorker executes one task as a provider session scoped to the worker's
// artifact directory.
func (c *Core) runWorker(ctx context.Context, run *runs.Run, wf *workflow.Workflow, st *model.IssueState, phaseName string, phase workflow.Phase, task model.Task, waveKey string, p driveParams) workerResult {
	res := workerResult{taskID: task.ID}
	dir := paths.WorkerDir(run.StateDir, waveKey, task.ID)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		res.errMsg = fmt.Sprintf("create worker dir: %v", err)
		return res
	}
	providerName := firstNonEmpty(p.provider, phase.Provider, c.cfg.Provider.Name)
	spec, err := provider.Lookup(providerName)
	if err != nil {
		res.errMsg = err.Error()
		return res
	}
	modelName := c.resolveModel(p.model, wf, phaseName)
	prompt, err := c.workerPrompt(st, phase, task)
	if err != nil {
		res.errMsg = err.Error()
		return res
	}

	w := runlog.NewWriter(runlog.WriterOptions{
		Path:     paths.OutputJSONPath(dir),
		RunDir:   dir,
		Provider: providerName,
		Model:    modelName,
		Phase:    phaseName,
		Debounce: c.cfg.Run.OutputDebounce,
		FS:       c.fs,
		Logger:   c.logger,
		OnFlush:  c.countFlush,
	})
	proc, err := c.start(ctx, provider.Options{
		Command:           spec.Invocation(modelName),
		Dir:               paths.WorktreeDir(c.dataDir, run.Ref),
		Prompt:            prompt,
		InactivityTimeout: c.cfg.Run.InactivityTimeout,
		IterationTimeout:  c.cfg.Run.IterationTimeout,
		Grace:             c.cfg.Run.TerminationGrace,
		Logger:            c.logger,
	})
	if err != nil {
		res.errMsg = fmt.Sprintf("start provider %s: %v", providerName, err)
		return res
	}
	exit := run.Pump(proc, w, runs.Scope{WorkerID: task.ID, TaskID: task.ID})
	if err := w.Finalize(exit); err != nil {
		c.logger.Warn("worker output finalize failed", "task", task.ID, "err", err)
	}
	snap := w.Snapshot()
	res.doc = &snap
	res.passed = exit.State == model.RunCompleted && (snap.Success == nil || *snap.Success)
	if !res.passed {
		switch {
		case exit.Err != nil:
			res.errMsg = errText(exit.Err)
		case snap.ErrorType != "":
			res.errMsg = "provider reported " + snap.ErrorType
		case snap.Success != nil && !*snap.Success:
			res.errMsg = "provider reported failure"
		default:
			res.errMsg = fmt.Sprintf("provider exited %s", exit.State)
		}
	}
	return res
}

// workerPrompt is the phase prompt plus the task block. Workers get the
// task contract rather than the whole issue status.
func (c *Core) workerPrompt(st *model.IssueState, phase workflow.Phase, task model.Task) (string, error) {
	body, err := c.promptBody(phase)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n\n## Task\n")
	fmt.Fprintf(&b, "- ID: %s\n", task.ID)
	if task.Title != "" {
		fmt.Fprintf(&b, "- Title: %s\n", task.Title)
	}
	fmt.Fprintf(&b, "- Issue: %s", st.Ref())
	if st.IssueTitle != "" {
		fmt.Fprintf(&b, " (%s)", st.IssueTitle)
	}
	b.WriteString("\n")
	if len(task.FilesAllowed) > 0 {
		fmt.Fprintf(&b, "- Files allowed: %s\n", strings.Join(task.FilesAllowed, ", "))
	}
	if task.Summary != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(task.Summary))
		b.WriteString("\n")
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\n### Acceptance criteria\n")
		for _, ac := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", ac)
		}
	}
	return b.String(), nil
}

// warnTaskWrites flags task file declarations that fall outside the
// phase's allowedWrites globs. Advisory only: the viewer log gets a line
// per violation.
func (c *Core) warnTaskWrites(run *runs.Run, phase workflow.Phase, tasks []model.Task) {
	if len(phase.AllowedWrites) == 0 {
		return
	}
	for _, t := range tasks {
		for _, f := range t.FilesAllowed {
			if !writeAllowed(phase.AllowedWrites, f) {
				run.Log(fmt.Sprintf("warning: task %s declares a file outside the phase allowance: %s", t.ID, f))
			}
		}
	}
}

func writeAllowed(patterns []string, path string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, path); err == nil && ok {
			return true
		}
	}
	return false
}

// needsParallelStamp reports whether status.parallel.runId is absent or
// blank, i.e. this wave is starting fresh rather than resuming.
func needsParallelStamp(st *model.IssueState) bool {
	v, ok := st.StatusValue("parallel.runId")
	if !ok {
		return true
	}
	s, isStr := v.(string)
	return !isStr || strings.TrimSpace(s) == ""
}

// clearParallelStamp removes the parallel marker once every task passed.
func (c *Core) clearParallelStamp(stateDir string) {
	cur, err := c.store.ReadIssue(stateDir)
	if err != nil || cur == nil || cur.Status == nil {
		return
	}
	if _, ok := cur.Status["parallel"]; !ok {
		return
	}
	delete(cur.Status, "parallel")
	if err := c.store.WriteIssue(stateDir, cur); err != nil {
		c.logger.Warn("clearing parallel marker failed", "err", err)
		return
	}
	c.broadcastState()
}

func setTaskStatus(tf *model.TaskFile, id string, status model.TaskStatus) {
	for i := range tf.Tasks {
		if tf.Tasks[i].ID == id {
			tf.Tasks[i].Status = status
			return
		}
	}
}

func finishWorker(workers []model.WorkerStatus, taskID string, state model.RunState, ended *time.Time, lastError string) {
	for i := range workers {
		if workers[i].TaskID == taskID && workers[i].State == model.RunRunning {
			workers[i].State = state
			workers[i].EndedAt = ended
			workers[i].LastError = lastError
			return
		}
	}
}

func unattempted(tasks []model.Task, seen map[string]bool) []model.Task {
	out := tasks[:0:0]
	for _, t := range tasks {
		if !seen[t.ID] {
			out = append(out, t)
		}
	}
	return out
}
