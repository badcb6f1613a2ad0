package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jeeves-sh/jeeves/internal/diagnostics"
	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/provider"
	"github.com/jeeves-sh/jeeves/internal/runlog"
	"github.com/jeeves-sh/jeeves/internal/runs"
	"github.com/jeeves-sh/jeeves/internal/workflow"
)

// StartOptions carries the per-run overrides of a start_run request. Zero
// values fall back to the phase, then the workflow, then the config file.
type StartOptions struct {
	Provider         string
	Model            string
	MaxIterations    int
	MaxParallelTasks int
}

// driveParams is the resolved budget and override set a driver goroutine
// works with. Provider and model hold the run-level overrides only; each
// iteration re-resolves them against the then-current phase.
type driveParams struct {
	provider      string
	model         string
	maxIterations int
	maxParallel   int
}

// StartRun begins a run for the active issue and drives its workflow in a
// background goroutine until completion, stop, or budget exhaustion. The
// returned run is already registered and broadcasting.
func (c *Core) StartRun(ctx context.Context, opts StartOptions) (*runs.Run, error) {
	ref, st, stateDir, err := c.requireActive()
	if err != nil {
		return nil, err
	}
	wf, err := c.issueWorkflow(st)
	if err != nil {
		return nil, err
	}
	phase, ok := wf.Phase(st.Phase)
	if !ok {
		return nil, fmt.Errorf("%w: %q (workflow %s)", ErrUnknownPhase, st.Phase, st.Workflow)
	}

	providerName := firstNonEmpty(opts.Provider, phase.Provider, c.cfg.Provider.Name)
	spec, err := provider.Lookup(providerName)
	if err != nil {
		return nil, err
	}
	modelName := c.resolveModel(opts.Model, wf, st.Phase)

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = c.cfg.Run.MaxIterations
	}
	if maxIter <= 0 {
		maxIter = 1
	}
	maxPar := opts.MaxParallelTasks
	if maxPar <= 0 {
		maxPar = c.cfg.Run.MaxParallelTasks
	}
	if maxPar <= 0 {
		maxPar = 1
	}

	run, err := c.runs.Begin(runs.BeginOptions{
		IssueRef:         ref,
		StateDir:         stateDir,
		Provider:         providerName,
		Model:            modelName,
		Command:          spec.Invocation(modelName),
		MaxIterations:    maxIter,
		MaxParallelTasks: maxPar,
	})
	if err != nil {
		return nil, err
	}
	c.broadcastState()

	// The driver outlives the request that started it; stopping goes
	// through run.Stop, not context cancellation.
	go c.drive(context.WithoutCancel(ctx), run, wf, driveParams{
		provider:      opts.Provider,
		model:         opts.Model,
		maxIterations: maxIter,
		maxParallel:   maxPar,
	})
	return run, nil
}

// StopRun requests termination of the active issue's run. It reports
// whether a run was live; stopping nothing is not an error.
func (c *Core) StopRun(force bool) (bool, error) {
	ref, ok, err := c.store.ActiveIssue()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNoActiveIssue
	}
	return c.runs.StopActive(ref, force), nil
}

// stepResult is what executing one iteration of a phase produced.
type stepResult struct {
	outcome map[string]any
	// docs are the provider artifacts of the step (one per session; a
	// parallel wave yields one per worker) for diagnostics.
	docs []*runlog.Document
	// promised is set when the provider emitted a result event; subtype
	// carries its classification.
	promised bool
	subtype  string
	code     *int
	// err aborts the run as failed/error.
	err error
	// abort, when set, ends the run with exactly this outcome.
	abort *runs.Outcome
}

// drive is the run loop: execute the current phase, fold its outcome into
// the issue status, follow transitions, repeat until a terminal phase, a
// stop, an error, or the iteration budget ends the run.
func (c *Core) drive(ctx context.Context, run *runs.Run, wf *workflow.Workflow, p driveParams) {
	logger := c.logger.With("run_id", run.ID, "issue", run.Ref.String())
	out := runs.Outcome{State: model.RunFailed, CompletionReason: "error", LastError: "driver did not produce an outcome"}
	var diag diagnostics.Summary
	diagSeen := false

	defer func() {
		if r := recover(); r != nil {
			logger.Error("run driver panic", "panic", r)
			out = runs.Outcome{State: model.RunFailed, CompletionReason: "error", LastError: fmt.Sprintf("internal: %v", r)}
		}
		if diagSeen {
			for _, w := range diag.Warnings {
				run.Log("diagnostics: " + w)
			}
			path := filepath.Join(run.Dir, "diagnostics.json")
			if err := fsatomic.WriteJSON(c.fs, path, diag); err != nil {
				logger.Warn("diagnostics write failed", "err", err)
			}
		}
		run.Finish(out)
		c.broadcastState()
	}()

	phaseIters := map[string]int{}
	var lastCode *int
	promised := false
	subtype := ""

	for iter := 1; ; iter++ {
		if run.Stopping() {
			out = runs.Outcome{State: model.RunCancelled, CompletionReason: "stopped", Returncode: lastCode}
			return
		}

		st, err := c.store.ReadIssue(run.StateDir)
		if err != nil {
			out = failedOutcome(fmt.Errorf("reload issue state: %w", err), lastCode)
			return
		}
		if st == nil {
			out = failedOutcome(fmt.Errorf("issue state missing under %s", run.StateDir), lastCode)
			return
		}
		phaseName := st.Phase
		phase, ok := wf.Phase(phaseName)
		if !ok {
			out = failedOutcome(fmt.Errorf("%w: %q (workflow %s)", ErrUnknownPhase, phaseName, st.Workflow), lastCode)
			return
		}
		if phase.Type == workflow.PhaseTerminal {
			out = runs.Outcome{
				State:               model.RunCompleted,
				CompletionReason:    "state",
				Returncode:          lastCode,
				CompletedViaState:   true,
				CompletedViaPromise: promised,
			}
			if promised && subtype != "" {
				out.CompletionReason = subtype
			}
			return
		}

		if iter > p.maxIterations {
			out = runs.Outcome{
				State:               model.RunFailed,
				CompletionReason:    "max_iterations",
				Returncode:          lastCode,
				LastError:           fmt.Sprintf("iteration budget (%d) exhausted in phase %s", p.maxIterations, phaseName),
				CompletedViaPromise: promised,
			}
			return
		}
		phaseIters[phaseName]++
		if phase.MaxIterations > 0 && phaseIters[phaseName] > phase.MaxIterations {
			out = runs.Outcome{
				State:            model.RunFailed,
				CompletionReason: "max_iterations",
				Returncode:       lastCode,
				LastError:        fmt.Sprintf("phase %s exceeded its iteration budget (%d)", phaseName, phase.MaxIterations),
			}
			return
		}

		run.SetIteration(iter)
		run.Log(fmt.Sprintf("iteration %d/%d: phase %s", iter, p.maxIterations, phaseName))

		tf, err := c.store.ReadTasks(run.StateDir)
		if err != nil {
			out = failedOutcome(fmt.Errorf("read tasks: %w", err), lastCode)
			return
		}

		var step stepResult
		switch {
		case phase.Type == workflow.PhaseScript:
			step = c.runScript(ctx, run, phaseName, phase)
		case phase.Type == workflow.PhaseExecute && waveReady(tf):
			step = c.runWave(ctx, run, wf, st, phaseName, phase, tf, p)
		default:
			step = c.runSession(ctx, run, wf, st, phaseName, phase, p, iter)
		}

		for _, doc := range step.docs {
			sum := diagnostics.Analyze(doc)
			if diagSeen {
				diag = diagnostics.MergeSummary(diag, sum)
			} else {
				diag, diagSeen = sum, true
			}
		}
		if step.code != nil {
			lastCode = step.code
		}
		if step.err != nil {
			out = failedOutcome(step.err, lastCode)
			return
		}
		if step.abort != nil {
			out = *step.abort
			if out.Returncode == nil {
				out.Returncode = lastCode
			}
			return
		}
		if step.promised {
			promised = true
			subtype = step.subtype
		}

		res, err := c.advanceFor(run.StateDir, wf, step.outcome)
		if err != nil {
			out = failedOutcome(err, lastCode)
			return
		}
		switch {
		case res.Hops > 0:
			run.Log(fmt.Sprintf("phase %s -> %s", res.From, res.To))
		case res.NoTransition:
			run.Log(fmt.Sprintf("phase %s: no transition matched", res.From))
		}
		// Terminal detection happens at the top of the next pass so manual
		// phase jumps during the run are honored too.
	}
}

func failedOutcome(err error, code *int) runs.Outcome {
	return runs.Outcome{
		State:            model.RunFailed,
		CompletionReason: "error",
		Returncode:       code,
		LastError:        err.Error(),
	}
}

// runSession executes one provider session for the phase and derives its
// outcome document.
func (c *Core) runSession(ctx context.Context, run *runs.Run, wf *workflow.Workflow, st *model.IssueState, phaseName string, phase workflow.Phase, p driveParams, iter int) stepResult {
	worktree := paths.WorktreeDir(c.dataDir, run.Ref)
	providerName := firstNonEmpty(p.provider, phase.Provider, c.cfg.Provider.Name)
	spec, err := provider.Lookup(providerName)
	if err != nil {
		return stepResult{err: err}
	}
	modelName := c.resolveModel(p.model, wf, phaseName)

	prompt, err := c.sessionPrompt(st, phaseName, phase, iter, p.maxIterations)
	if err != nil {
		return stepResult{err: err}
	}

	w := runlog.NewWriter(runlog.WriterOptions{
		Path:     paths.OutputJSONPath(run.Dir),
		RunDir:   run.Dir,
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
		Dir:               worktree,
		Prompt:            prompt,
		InactivityTimeout: c.cfg.Run.InactivityTimeout,
		IterationTimeout:  c.cfg.Run.IterationTimeout,
		Grace:             c.cfg.Run.TerminationGrace,
		Logger:            c.logger,
	})
	if err != nil {
		return stepResult{err: fmt.Errorf("start provider %s: %w", providerName, err)}
	}
	run.AttachProcess(proc)
	exit := run.Pump(proc, w, runs.Scope{})
	run.DetachProcess()
	// Finalize backfills Success from the exit status, so the promise check
	// (did a result event arrive?) has to look at the document first.
	promised := w.Snapshot().Success != nil
	if err := w.Finalize(exit); err != nil {
		c.logger.Warn("run output finalize failed", "err", err)
	}
	snap := w.Snapshot()
	doc := &snap
	res := stepResult{docs: []*runlog.Document{doc}, code: intPtr(exit.Code)}

	switch exit.State {
	case model.RunCancelled:
		res.abort = &runs.Outcome{State: model.RunCancelled, CompletionReason: "stopped", Returncode: res.code}
		return res
	case model.RunTimedOut:
		res.abort = &runs.Outcome{State: model.RunTimedOut, CompletionReason: "timeout", Returncode: res.code, LastError: errText(exit.Err)}
		return res
	case model.RunFailed:
		res.abort = &runs.Outcome{State: model.RunFailed, CompletionReason: "exit", Returncode: res.code, LastError: errText(exit.Err)}
		return res
	}

	res.outcome = c.sessionOutcome(worktree, phase, doc, exit)
	if promised {
		res.promised = true
		res.subtype = doc.ResultSubtype
		if res.subtype == "" {
			if doc.Success != nil && *doc.Success {
				res.subtype = "success"
			} else {
				res.subtype = "error"
			}
		}
	}
	return res
}

// sessionOutcome derives the phase outcome document: the phase's output
// file when it parses as a JSON object, else the result text, else a
// minimal success/result mapping. A "success" key is always present.
func (c *Core) sessionOutcome(worktree string, phase workflow.Phase, doc *runlog.Document, exit provider.ExitStatus) map[string]any {
	sessionOK := exit.State == model.RunCompleted && (doc.Success == nil || *doc.Success)

	var outcome map[string]any
	if phase.OutputFile != "" {
		path := filepath.Join(worktree, filepath.FromSlash(phase.OutputFile))
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if m := decodeJSONObject(raw); m != nil {
				outcome = m
			} else {
				c.logger.Warn("phase output file is not a JSON object", "path", phase.OutputFile)
			}
		case !os.IsNotExist(err):
			c.logger.Warn("phase output file unreadable", "path", phase.OutputFile, "err", err)
		}
	}
	if outcome == nil {
		if m := decodeJSONObject([]byte(doc.ResultText)); m != nil {
			outcome = m
		} else {
			outcome = map[string]any{}
			if doc.ResultText != "" {
				outcome["result"] = doc.ResultText
			}
		}
	}
	if _, ok := outcome["success"]; !ok {
		outcome["success"] = sessionOK
	}
	return outcome
}

// runScript executes a script phase through the platform shell in the
// worktree and parses its stdout as the outcome.
func (c *Core) runScript(ctx context.Context, run *runs.Run, phaseName string, phase workflow.Phase) stepResult {
	if strings.TrimSpace(phase.Command) == "" {
		return stepResult{err: fmt.Errorf("phase %s: empty script command", phaseName)}
	}
	worktree := paths.WorktreeDir(c.dataDir, run.Ref)

	cctx := ctx
	if c.cfg.Run.IterationTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.cfg.Run.IterationTimeout)
		defer cancel()
	}
	shell, flag := shellCommand()
	cmd := exec.CommandContext(cctx, shell, flag, phase.Command)
	cmd.Dir = worktree
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	run.Log(fmt.Sprintf("script: %s", phase.Command))
	err := cmd.Run()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	if tail := tailText(stderr.String(), 500); tail != "" {
		run.Log("script stderr: " + tail)
	}
	if cctx.Err() == context.DeadlineExceeded {
		return stepResult{
			code:  &code,
			abort: &runs.Outcome{State: model.RunTimedOut, CompletionReason: "timeout", Returncode: &code, LastError: fmt.Sprintf("script phase %s timed out", phaseName)},
		}
	}

	outcome := scriptOutcome(stdout.String(), err == nil)
	run.Log(fmt.Sprintf("script exited %d", code))
	return stepResult{outcome: outcome, code: &code}
}

// scriptOutcome parses stdout as a JSON object (whole output first, then
// the last non-empty line) and falls back to a success/output mapping.
func scriptOutcome(stdout string, ok bool) map[string]any {
	if m := decodeJSONObject([]byte(stdout)); m != nil {
		if _, has := m["success"]; !has {
			m["success"] = ok
		}
		return m
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := decodeJSONObject([]byte(lines[i])); m != nil {
			if _, has := m["success"]; !has {
				m["success"] = ok
			}
			return m
		}
	}
	outcome := map[string]any{"success": ok}
	if tail := tailText(stdout, 2000); tail != "" {
		outcome["output"] = tail
	}
	return outcome
}

func shellCommand() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}

// sessionPrompt resolves the phase prompt (stored prompt id first, literal
// text second) and appends the issue context block.
func (c *Core) sessionPrompt(st *model.IssueState, phaseName string, phase workflow.Phase, iter, maxIter int) (string, error) {
	body, err := c.promptBody(phase)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n\n## Context\n")
	fmt.Fprintf(&b, "- Issue: %s", st.Ref())
	if st.IssueTitle != "" {
		fmt.Fprintf(&b, " (%s)", st.IssueTitle)
	}
	b.WriteString("\n")
	if st.Branch != "" {
		fmt.Fprintf(&b, "- Branch: %s\n", st.Branch)
	}
	fmt.Fprintf(&b, "- Phase: %s (iteration %d of %d)\n", phaseName, iter, maxIter)
	if phase.OutputFile != "" {
		fmt.Fprintf(&b, "- Output file: %s\n", phase.OutputFile)
	}
	if len(phase.AllowedWrites) > 0 {
		fmt.Fprintf(&b, "- Allowed writes: %s\n", strings.Join(phase.AllowedWrites, ", "))
	}
	if st.SummaryExpanded != "" {
		b.WriteString("\n## Summary\n")
		b.WriteString(strings.TrimSpace(st.SummaryExpanded))
		b.WriteString("\n")
	}
	if len(st.Status) > 0 {
		if raw, err := json.MarshalIndent(st.Status, "", "  "); err == nil {
			b.WriteString("\n## Status\n```json\n")
			b.Write(raw)
			b.WriteString("\n```\n")
		}
	}
	return b.String(), nil
}

// promptBody resolves phase.Prompt against the stored prompts; an unknown
// id is used as literal prompt text.
func (c *Core) promptBody(phase workflow.Phase) (string, error) {
	if phase.Prompt == "" {
		return "", nil
	}
	p, err := c.store.GetPrompt(phase.Prompt)
	if err != nil {
		return "", err
	}
	if p != nil {
		return p.Body, nil
	}
	return phase.Prompt, nil
}

// resolveModel applies the precedence: explicit request override, then the
// process-wide env override, then the phase or workflow default, then the
// config file.
func (c *Core) resolveModel(override string, wf *workflow.Workflow, phaseName string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv(provider.EnvModel); env != "" {
		return env
	}
	if m := wf.ModelFor(phaseName); m != "" {
		return m
	}
	return c.cfg.Provider.Model
}

// ExpandOptions carries provider overrides for summary expansion.
type ExpandOptions struct {
	Provider string
	Model    string
}

// One-shot provider calls (summary expansion, reflection) run on tighter
// budgets than phase sessions.
const (
	oneShotInactivity = time.Minute
	oneShotTimeout    = 5 * time.Minute
)

// ExpandSummary asks a provider for a working summary of the active issue
// and stores it on the issue state.
func (c *Core) ExpandSummary(ctx context.Context, opts ExpandOptions) (string, error) {
	ref, st, stateDir, err := c.requireActive()
	if err != nil {
		return "", err
	}
	providerName := firstNonEmpty(opts.Provider, c.cfg.Provider.Name)
	spec, err := provider.Lookup(providerName)
	if err != nil {
		return "", err
	}
	modelName := opts.Model
	if modelName == "" {
		modelName = os.Getenv(provider.EnvModel)
	}
	if modelName == "" {
		modelName = c.cfg.Provider.Model
	}

	prompt := expandPrompt(st)
	text, err := c.oneShot(ctx, spec.Invocation(modelName), paths.WorktreeDir(c.dataDir, ref), prompt)
	if err != nil {
		return "", fmt.Errorf("expand summary: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := c.store.ReadIssue(stateDir)
	if err != nil {
		return "", err
	}
	if cur == nil {
		cur = st
	}
	cur.SummaryExpanded = text
	if err := c.store.WriteIssue(stateDir, cur); err != nil {
		return "", err
	}
	c.broadcastState()
	return text, nil
}

func expandPrompt(st *model.IssueState) string {
	var b strings.Builder
	b.WriteString("Summarize the state of this issue for someone picking it up cold.\n")
	b.WriteString("Cover what it asks for, what has been done, and what remains.\n")
	b.WriteString("Reply with plain prose only, at most three short paragraphs.\n\n")
	fmt.Fprintf(&b, "Issue: %s", st.Ref())
	if st.IssueTitle != "" {
		fmt.Fprintf(&b, " (%s)", st.IssueTitle)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Phase: %s\n", st.Phase)
	if len(st.Status) > 0 {
		if raw, err := json.MarshalIndent(st.Status, "", "  "); err == nil {
			b.WriteString("Status:\n")
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ErrNoOutput marks a one-shot session that exited cleanly without any
// assistant content.
var ErrNoOutput = errors.New("provider produced no output")

// oneShot runs a provider to completion and returns its result text, or
// the concatenated assistant turns when no result event arrived.
func (c *Core) oneShot(ctx context.Context, argv []string, dir, prompt string) (string, error) {
	proc, err := c.start(ctx, provider.Options{
		Command:           argv,
		Dir:               dir,
		Prompt:            prompt,
		InactivityTimeout: oneShotInactivity,
		IterationTimeout:  oneShotTimeout,
		Grace:             c.cfg.Run.TerminationGrace,
		Logger:            c.logger,
	})
	if err != nil {
		return "", err
	}
	var resultText string
	var assistant strings.Builder
	for ev := range proc.Events() {
		switch ev.Type {
		case provider.EventAssistant:
			if ev.Text != "" {
				assistant.WriteString(ev.Text)
				assistant.WriteString("\n")
			}
		case provider.EventResult:
			resultText = ev.ResultText
		}
	}
	exit := proc.Wait()
	if exit.State != model.RunCompleted {
		return "", fmt.Errorf("provider %s: %s", exit.State, errText(exit.Err))
	}
	text := strings.TrimSpace(resultText)
	if text == "" {
		text = strings.TrimSpace(assistant.String())
	}
	if text == "" {
		return "", ErrNoOutput
	}
	return text, nil
}

// decodeJSONObject returns the parsed mapping when b holds a single JSON
// object, nil otherwise.
func decodeJSONObject(b []byte) map[string]any {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil
	}
	return m
}

func tailText(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intPtr(n int) *int { return &n }

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
