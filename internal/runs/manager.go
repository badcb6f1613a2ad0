// Package runs owns live run registration: the one-active-run invariant per
// issue, run directories and their status documents, and fan-out of
// supervised provider events to the viewer log and the event hub. The
// iteration loop itself lives in the lifecycle core; this package gives it
// the bookkeeping surface.
package runs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/metrics"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/provider"
	"github.com/jeeves-sh/jeeves/internal/runlog"
)

// ErrRunActive is returned by Begin when the issue already has a live run.
var ErrRunActive = errors.New("a run is already active for this issue")

// Process is the supervised-subprocess surface the run bookkeeping needs;
// *provider.Run satisfies it.
type Process interface {
	Events() <-chan provider.Event
	Wait() provider.ExitStatus
	PID() int
	State() model.RunState
	Cancel()
	Kill()
}

// Manager tracks every run this process has started.
type Manager struct {
	hub     *events.Hub
	metrics *metrics.Set
	fs      fsatomic.FS
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string

	mu     sync.Mutex
	active map[string]*Run
	byID   map[string]*Run
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithFS injects the filesystem used for status writes.
func WithFS(fsys fsatomic.FS) ManagerOption { return func(m *Manager) { m.fs = fsys } }

// WithClock injects the time source.
func WithClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.clock = now } }

// WithIDs injects the run id generator (tests pin it).
func WithIDs(gen func() string) ManagerOption { return func(m *Manager) { m.newID = gen } }

// WithMetrics attaches the metrics set.
func WithMetrics(set *metrics.Set) ManagerOption { return func(m *Manager) { m.metrics = set } }

// NewManager builds a Manager publishing to hub.
func NewManager(hub *events.Hub, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		hub:    hub,
		fs:     fsatomic.OS(),
		logger: logger,
		clock:  time.Now,
		newID:  func() string { return ulid.Make().String() },
		active: map[string]*Run{},
		byID:   map[string]*Run{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginOptions describes the run to register.
type BeginOptions struct {
	IssueRef model.IssueRef
	StateDir string

	Provider string
	Model    string
	// Command is the resolved provider argv, recorded for status display.
	Command []string

	MaxIterations    int
	MaxParallelTasks int
}

// Begin registers a new run for the issue, creates its directory, writes the
// initial status document, and broadcasts the first run event. At most one
// run per issue may be live; a second Begin fails with ErrRunActive.
func (m *Manager) Begin(opts BeginOptions) (*Run, error) {
	key := opts.IssueRef.String()

	m.mu.Lock()
	if _, exists := m.active[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunActive, key)
	}

	id := m.newID()
	dir := paths.RunDir(opts.StateDir, id)
	now := m.clock().UTC()
	r := &Run{
		ID:       id,
		Ref:      opts.IssueRef,
		StateDir: opts.StateDir,
		Dir:      dir,
		mgr:      m,
		logger:   m.logger.With("run_id", id, "issue", key),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		status: model.RunStatus{
			RunID:            id,
			Running:          true,
			StartedAt:        &now,
			Provider:         opts.Provider,
			Model:            opts.Model,
			Command:          opts.Command,
			MaxIterations:    opts.MaxIterations,
			MaxParallelTasks: opts.MaxParallelTasks,
			IssueRef:         key,
			ViewerLogFile:    paths.ViewerLogPath(dir),
		},
	}
	m.active[key] = r
	m.byID[id] = r
	m.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.unregister(r)
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	viewer, err := os.OpenFile(paths.ViewerLogPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.unregister(r)
		return nil, fmt.Errorf("open viewer log: %w", err)
	}
	r.viewer = viewer

	if err := r.persistStatus(); err != nil {
		viewer.Close()
		m.unregister(r)
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RunsStarted.Inc()
		m.metrics.ActiveRuns.Inc()
	}
	r.logger.Info("run started", "provider", opts.Provider, "model", opts.Model)
	return r, nil
}

func (m *Manager) unregister(r *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[r.Ref.String()] == r {
		delete(m.active, r.Ref.String())
	}
	delete(m.byID, r.ID)
}

// Active returns the live run for an issue, if any.
func (m *Manager) Active(ref model.IssueRef) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[ref.String()]
	return r, ok
}

// Get returns any run this process has seen by id.
func (m *Manager) Get(runID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[runID]
	return r, ok
}

// ActiveCount reports how many runs are currently supervised.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StopActive requests termination of the issue's live run. Stopping with no
// live run is a no-op; the bool reports whether a run was signalled.
func (m *Manager) StopActive(ref model.IssueRef, force bool) bool {
	r, ok := m.Active(ref)
	if !ok {
		return false
	}
	r.Stop(force)
	return true
}

// StopAll signals every live run; used on daemon shutdown.
func (m *Manager) StopAll(force bool) {
	m.mu.Lock()
	live := make([]*Run, 0, len(m.active))
	for _, r := range m.active {
		live = append(live, r)
	}
	m.mu.Unlock()
	for _, r := range live {
		r.Stop(force)
	}
}

// WorkerArtifactsKey resolves the run key worker artifacts live under. A
// resumed parallel wave keeps writing under the run that started it:
// status.parallel.runId takes precedence over the current run id, with
// whitespace-only values falling back.
func WorkerArtifactsKey(state *model.IssueState, currentRunID string) string {
	if state != nil {
		if v, ok := state.StatusValue("parallel.runId"); ok {
			if s, ok := v.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return currentRunID
}

// Run is one registered run: its directory, status document, and the
// currently supervised process (one per iteration).
type Run struct {
	ID       string
	Ref      model.IssueRef
	StateDir string
	Dir      string

	mgr    *Manager
	logger *slog.Logger
	done   chan struct{}
	stop   chan struct{}

	mu       sync.Mutex
	status   model.RunStatus
	proc     Process
	viewer   *os.File
	stopping bool
	forced   bool
	finished bool
}

// Status returns a copy of the current status document.
func (r *Run) Status() model.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCopyLocked()
}

func (r *Run) statusCopyLocked() model.RunStatus {
	st := r.status
	st.Command = append([]string(nil), r.status.Command...)
	st.Workers = append([]model.WorkerStatus(nil), r.status.Workers...)
	return st
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// AttachProcess records the supervised process for the current iteration
// and publishes the updated status.
func (r *Run) AttachProcess(proc Process) {
	r.mu.Lock()
	r.proc = proc
	r.status.PID = proc.PID()
	r.mu.Unlock()
	if err := r.persistStatus(); err != nil {
		r.logger.Warn("run status write failed", "err", err)
	}
}

// DetachProcess clears the supervised process after an iteration exits.
func (r *Run) DetachProcess() {
	r.mu.Lock()
	r.proc = nil
	r.status.PID = 0
	r.mu.Unlock()
}

// SetIteration publishes the 1-based iteration counter.
func (r *Run) SetIteration(n int) {
	r.mu.Lock()
	r.status.CurrentIteration = n
	r.mu.Unlock()
	if err := r.persistStatus(); err != nil {
		r.logger.Warn("run status write failed", "err", err)
	}
}

// SetWorkers publishes the parallel-wave worker table.
func (r *Run) SetWorkers(workers []model.WorkerStatus) {
	r.mu.Lock()
	r.status.Workers = append([]model.WorkerStatus(nil), workers...)
	r.mu.Unlock()
	if err := r.persistStatus(); err != nil {
		r.logger.Warn("run status write failed", "err", err)
	}
}

// Stop requests termination. The first polite stop cancels the current
// process; force escalates to a kill. Both are idempotent, and force after
// polite escalates the same process.
func (r *Run) Stop(force bool) {
	r.mu.Lock()
	alreadyPolite := r.stopping && !force
	alreadyForced := r.forced
	first := !r.stopping
	r.stopping = true
	if force {
		r.forced = true
	}
	proc := r.proc
	r.mu.Unlock()

	if first {
		close(r.stop)
	}

	if proc == nil || (force && alreadyForced) || (!force && alreadyPolite) {
		return
	}
	if force {
		r.logger.Info("run kill requested")
		proc.Kill()
	} else {
		r.logger.Info("run stop requested")
		proc.Cancel()
	}
}

// Stopping reports whether a stop has been requested; the iteration loop
// checks it between iterations.
func (r *Run) Stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// StopSignal is closed when the first stop arrives. Parallel waves select
// on it to cancel in-flight workers.
func (r *Run) StopSignal() <-chan struct{} { return r.stop }

// Outcome is the terminal word on a run.
type Outcome struct {
	State               model.RunState
	Returncode          *int
	CompletionReason    string
	LastError           string
	CompletedViaPromise bool
	CompletedViaState   bool
}

// Finish records the outcome, writes the final status document, broadcasts
// the terminal run event, and releases the one-active-run slot. Calling it
// twice is a no-op.
func (r *Run) Finish(out Outcome) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	now := r.mgr.clock().UTC()
	r.status.Running = false
	r.status.PID = 0
	r.status.EndedAt = &now
	r.status.Returncode = out.Returncode
	r.status.CompletionReason = out.CompletionReason
	r.status.LastError = out.LastError
	r.status.CompletedViaPromise = out.CompletedViaPromise
	r.status.CompletedViaState = out.CompletedViaState
	viewer := r.viewer
	r.viewer = nil
	r.mu.Unlock()

	if err := r.persistStatus(); err != nil {
		r.logger.Warn("final run status write failed", "err", err)
	}
	if viewer != nil {
		viewer.Close()
	}
	r.mgr.unregister(r)
	if r.mgr.metrics != nil {
		r.mgr.metrics.RunsFinished.WithLabelValues(string(out.State)).Inc()
		r.mgr.metrics.ActiveRuns.Dec()
	}
	r.logger.Info("run finished", "state", string(out.State), "reason", out.CompletionReason)
	close(r.done)
}

// persistStatus writes run.json and broadcasts the run event.
func (r *Run) persistStatus() error {
	r.mu.Lock()
	st := r.statusCopyLocked()
	r.mu.Unlock()

	if err := fsatomic.WriteJSON(r.mgr.fs, paths.RunJSONPath(r.Dir), st); err != nil {
		return fmt.Errorf("write run status: %w", err)
	}
	if r.mgr.hub != nil {
		r.mgr.hub.Broadcast(events.Event{Type: "run", Data: st})
	}
	return nil
}

// Pump drains the supervised process's event stream: every event lands in
// the artifact writer, the viewer log, and the hub. It blocks until the
// stream closes and returns the exit status. Worker pumps pass a scope so
// their events broadcast under the worker-* envelope types.
func (r *Run) Pump(proc Process, w *runlog.Writer, scope Scope) provider.ExitStatus {
	type toolStart struct {
		name    string
		started time.Time
	}
	tools := map[string]toolStart{}
	msgIndex := 0

	for ev := range proc.Events() {
		if w != nil {
			w.Handle(ev)
		}
		r.mgr.metrics.ObserveProviderEvent(string(ev.Type))

		switch ev.Type {
		case provider.EventSystem:
			r.broadcast(scope, "sdk-init", sdkInit{
				SessionID: ev.SessionID,
				StartedAt: r.mgr.clock().UTC(),
				Status:    "started",
			})
		case provider.EventAssistant, provider.EventUser:
			role := "assistant"
			if ev.Type == provider.EventUser {
				role = "user"
			}
			r.broadcast(scope, "sdk-message", sdkMessage{
				Message: messageBody{Role: role, Text: ev.Text},
				Index:   msgIndex,
				Total:   msgIndex + 1,
			})
			msgIndex++
			if role == "assistant" {
				r.logLines(scope, splitLines(ev.Text))
			}
		case provider.EventToolUse:
			tools[ev.ToolUseID] = toolStart{name: ev.ToolName, started: r.mgr.clock()}
			r.broadcast(scope, "sdk-tool-start", sdkToolStart{
				ToolUseID: ev.ToolUseID,
				Name:      ev.ToolName,
				Input:     ev.ToolInput,
			})
			r.logLines(scope, []string{fmt.Sprintf("tool %s started", ev.ToolName)})
		case provider.EventToolResult:
			ts, known := tools[ev.ToolUseID]
			delete(tools, ev.ToolUseID)
			var durationMS int64
			if known && !ts.started.IsZero() {
				durationMS = r.mgr.clock().Sub(ts.started).Milliseconds()
			}
			text, truncated := clipForWire(ev.Content)
			r.broadcast(scope, "sdk-tool-complete", sdkToolComplete{
				ToolUseID:         ev.ToolUseID,
				Name:              ts.name,
				DurationMS:        durationMS,
				IsError:           ev.IsError,
				ResponseText:      text,
				ResponseTruncated: truncated,
			})
		case provider.EventResult:
			status := "completed"
			if ev.IsError {
				status = "error"
			}
			summary, _ := clipForWire(ev.ResultText)
			r.broadcast(scope, "sdk-complete", sdkComplete{Status: status, Summary: summary})
		case provider.EventUsage:
			// Stats fold into the artifact; nothing to broadcast.
		case provider.EventDebug:
			r.logLines(scope, splitLines(ev.Text))
		}
	}
	return proc.Wait()
}

// Log appends orchestrator lines (phase changes, iteration banners) to the
// viewer log and broadcasts them.
func (r *Run) Log(lines ...string) {
	r.logLines(Scope{}, lines)
}

func (r *Run) logLines(scope Scope, lines []string) {
	if len(lines) == 0 {
		return
	}
	r.mu.Lock()
	viewer := r.viewer
	if viewer != nil {
		stamp := r.mgr.clock().Format("15:04:05")
		for _, line := range lines {
			prefix := stamp
			if scope.WorkerID != "" {
				prefix = stamp + " [" + scope.WorkerID + "]"
			}
			fmt.Fprintf(viewer, "%s %s\n", prefix, line)
		}
	}
	r.mu.Unlock()

	r.broadcast(scope, "logs", logPayload{Lines: lines})
}
