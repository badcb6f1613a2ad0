// Package lifecycle coordinates the per-issue loop: selecting and
// initializing issues, advancing workflow phases from outcome documents,
// and driving provider runs against the active phase.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jeeves-sh/jeeves/internal/config"
	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/metrics"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/provider"
	"github.com/jeeves-sh/jeeves/internal/runs"
	"github.com/jeeves-sh/jeeves/internal/store"
	"github.com/jeeves-sh/jeeves/internal/workflow"
	"github.com/jeeves-sh/jeeves/internal/workflow/guard"
)

// Sentinel errors the boundary layer classifies.
var (
	ErrNoActiveIssue   = errors.New("no active issue selected")
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrUnknownPhase    = errors.New("unknown phase")
)

// maxAutoHops bounds auto-transition recursion within one advance, so a
// workflow whose auto edges form a loop cannot spin the engine forever.
const maxAutoHops = 32

// Options wires a Core. Store, Hub, and DataDir are required; a nil Runs
// manager is constructed on the spot.
type Options struct {
	DataDir string
	Store   *store.Store
	Hub     *events.Hub
	Runs    *runs.Manager
	Config  *config.Config
	Logger  *slog.Logger
	FS      fsatomic.FS
	Metrics *metrics.Set
}

// Core owns issue lifecycle state transitions. All mutations of the active
// issue document funnel through its mutex so concurrent commands and the
// run driver cannot interleave partial updates.
type Core struct {
	dataDir string
	store   *store.Store
	hub     *events.Hub
	runs    *runs.Manager
	cfg     *config.Config
	logger  *slog.Logger
	fs      fsatomic.FS
	metrics *metrics.Set

	// start launches a supervised provider subprocess; tests stub it.
	start func(ctx context.Context, opts provider.Options) (runs.Process, error)

	mu sync.Mutex
}

// New builds a Core from Options, filling in defaults for the optional
// collaborators.
func New(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	fs := opts.FS
	if fs == nil {
		fs = fsatomic.OS()
	}
	rm := opts.Runs
	if rm == nil {
		rm = runs.NewManager(opts.Hub, logger, runs.WithFS(fs), runs.WithMetrics(opts.Metrics))
	}
	c := &Core{
		dataDir: opts.DataDir,
		store:   opts.Store,
		hub:     opts.Hub,
		runs:    rm,
		cfg:     cfg,
		logger:  logger,
		fs:      fs,
		metrics: opts.Metrics,
	}
	c.start = func(ctx context.Context, popts provider.Options) (runs.Process, error) {
		return provider.Start(ctx, popts)
	}
	return c
}

// Runs exposes the run manager for the boundary layer.
func (c *Core) Runs() *runs.Manager { return c.runs }

// countFlush feeds the output-flush counter; safe without metrics.
func (c *Core) countFlush() {
	if c.metrics != nil {
		c.metrics.OutputFlushes.Inc()
	}
}

// InitOptions carries the optional fields of an issue initialization.
type InitOptions struct {
	// Workflow names the stored workflow definition; empty selects
	// DefaultWorkflowName.
	Workflow string
	// Branch defaults to issue-<number>.
	Branch string
	Title  string
}

// Init prepares the worktree and state directory for an issue and writes
// its initial state document. Repeated Init is idempotent: an existing
// issue keeps its phase and status, with empty title/branch fields filled
// from the options. The issue becomes the active one.
func (c *Core) Init(ref model.IssueRef, opts InitOptions) (*model.IssueState, error) {
	if ref.IsZero() || ref.Number <= 0 {
		return nil, fmt.Errorf("incomplete issue ref %q", ref)
	}
	wfName := opts.Workflow
	if wfName == "" {
		wfName = DefaultWorkflowName
	}
	wf, err := c.store.LoadWorkflow(wfName)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, wfName)
	}

	worktree := paths.WorktreeDir(c.dataDir, ref)
	stateDir := paths.StateDir(worktree)
	if err := c.fs.MkdirAll(worktree, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree dir: %w", err)
	}
	if err := c.fs.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.store.ReadIssue(stateDir)
	if err != nil {
		return nil, err
	}
	if st == nil {
		branch := opts.Branch
		if branch == "" {
			branch = fmt.Sprintf("issue-%d", ref.Number)
		}
		st = &model.IssueState{
			Owner:       ref.Owner,
			Repo:        ref.Repo,
			IssueNumber: ref.Number,
			Branch:      branch,
			Phase:       wf.Start,
			Workflow:    wfName,
			IssueTitle:  opts.Title,
			Status:      map[string]any{},
		}
		c.logger.Info("issue initialized", "issue", ref.String(), "workflow", wfName, "phase", wf.Start)
	} else {
		if st.Branch == "" && opts.Branch != "" {
			st.Branch = opts.Branch
		}
		if st.IssueTitle == "" && opts.Title != "" {
			st.IssueTitle = opts.Title
		}
		c.logger.Info("issue already initialized", "issue", ref.String(), "phase", st.Phase)
	}
	if err := c.store.WriteIssue(stateDir, st); err != nil {
		return nil, err
	}
	if err := c.store.SetActiveIssue(ref); err != nil {
		return nil, err
	}
	c.broadcastState()
	return st, nil
}

// Select marks ref as the active issue for this data dir.
func (c *Core) Select(ref model.IssueRef) error {
	if ref.IsZero() {
		return fmt.Errorf("incomplete issue ref %q", ref)
	}
	if err := c.store.SetActiveIssue(ref); err != nil {
		return err
	}
	c.logger.Info("issue selected", "issue", ref.String())
	c.broadcastState()
	return nil
}

// SetPhase jumps the active issue to the named phase after checking it
// exists in the issue's workflow.
func (c *Core) SetPhase(phase string) (*model.IssueState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, st, stateDir, err := c.requireActive()
	if err != nil {
		return nil, err
	}
	wf, err := c.issueWorkflow(st)
	if err != nil {
		return nil, err
	}
	if _, ok := wf.Phase(phase); !ok {
		return nil, fmt.Errorf("%w: %q (workflow %s)", ErrUnknownPhase, phase, st.Workflow)
	}
	st.Phase = phase
	if err := c.store.WriteIssue(stateDir, st); err != nil {
		return nil, err
	}
	c.logger.Info("phase set", "issue", st.Ref().String(), "phase", phase)
	c.broadcastState()
	return st, nil
}

// AdvanceResult reports what applying an outcome did to the issue.
type AdvanceResult struct {
	From string `json:"from"`
	To   string `json:"to"`
	// Hops counts transitions taken; zero with NoTransition set means the
	// phase stands.
	Hops         int  `json:"hops"`
	NoTransition bool `json:"no_transition,omitempty"`
	Terminal     bool `json:"terminal,omitempty"`
}

// Advance merges a phase outcome into the issue status via the phase's
// status mapping, then follows workflow transitions (recursing through
// auto edges) and persists the result.
func (c *Core) Advance(outcome map[string]any) (AdvanceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, st, stateDir, err := c.requireActive()
	if err != nil {
		return AdvanceResult{}, err
	}
	wf, err := c.issueWorkflow(st)
	if err != nil {
		return AdvanceResult{}, err
	}
	return c.advanceLocked(stateDir, st, wf, outcome)
}

// advanceFor is Advance for a state dir the caller already holds; the run
// driver uses it so a run keeps advancing the issue it was started on even
// if the operator selects another issue meanwhile.
func (c *Core) advanceFor(stateDir string, wf *workflow.Workflow, outcome map[string]any) (AdvanceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.store.ReadIssue(stateDir)
	if err != nil {
		return AdvanceResult{}, err
	}
	if st == nil {
		return AdvanceResult{}, fmt.Errorf("issue state missing under %s", stateDir)
	}
	return c.advanceLocked(stateDir, st, wf, outcome)
}

func (c *Core) advanceLocked(stateDir string, st *model.IssueState, wf *workflow.Workflow, outcome map[string]any) (AdvanceResult, error) {
	res := AdvanceResult{From: st.Phase, To: st.Phase}
	phase, ok := wf.Phase(st.Phase)
	if !ok {
		return res, fmt.Errorf("%w: %q (workflow %s)", ErrUnknownPhase, st.Phase, st.Workflow)
	}

	applyStatusMapping(st, phase, outcome)

	cur := st.Phase
	for {
		sel, ok := wf.Next(cur, st.Status)
		if !ok {
			if res.Hops == 0 && phase.Type != workflow.PhaseTerminal {
				res.NoTransition = true
			}
			break
		}
		cur = sel.To
		res.Hops++
		if res.Hops > maxAutoHops {
			return res, fmt.Errorf("workflow %s: auto transitions exceeded %d hops from %s",
				st.Workflow, maxAutoHops, res.From)
		}
		if !sel.Auto {
			break
		}
	}
	st.Phase = cur
	res.To = cur
	if p, ok := wf.Phase(cur); ok && p.Type == workflow.PhaseTerminal {
		res.Terminal = true
	}

	if err := c.store.WriteIssue(stateDir, st); err != nil {
		return res, err
	}
	c.broadcastState()
	return res, nil
}

// applyStatusMapping writes each mapped outcome path that resolves into
// the issue status. Keys apply in sorted order so repeated advances are
// deterministic.
func applyStatusMapping(st *model.IssueState, phase workflow.Phase, outcome map[string]any) {
	if len(phase.StatusMapping) == 0 || outcome == nil {
		return
	}
	keys := make([]string, 0, len(phase.StatusMapping))
	for k := range phase.StatusMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if v, ok := guard.Resolve(outcome, phase.StatusMapping[key]); ok {
			st.SetStatusValue(key, v)
		}
	}
}

// SnapshotPaths locates the active issue on disk for viewer clients.
type SnapshotPaths struct {
	DataDir  string `json:"data_dir"`
	Worktree string `json:"worktree,omitempty"`
	StateDir string `json:"state_dir,omitempty"`
}

// Snapshot is the full `state` event payload: where the issue lives, its
// current document, tasks, and any live run.
type Snapshot struct {
	ActiveIssue string            `json:"active_issue,omitempty"`
	Paths       SnapshotPaths     `json:"paths"`
	Issue       *model.IssueState `json:"issue_json,omitempty"`
	Tasks       *model.TaskFile   `json:"tasks_json,omitempty"`
	Run         *model.RunStatus  `json:"run,omitempty"`
}

// Snapshot assembles the current state payload. With no active issue only
// the data dir is filled in.
func (c *Core) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{Paths: SnapshotPaths{DataDir: c.dataDir}}
	ref, ok, err := c.store.ActiveIssue()
	if err != nil {
		return nil, err
	}
	if !ok {
		return snap, nil
	}
	worktree := paths.WorktreeDir(c.dataDir, ref)
	stateDir := paths.StateDir(worktree)
	snap.ActiveIssue = ref.String()
	snap.Paths.Worktree = worktree
	snap.Paths.StateDir = stateDir

	if snap.Issue, err = c.store.ReadIssue(stateDir); err != nil {
		return nil, err
	}
	if snap.Tasks, err = c.store.ReadTasks(stateDir); err != nil {
		return nil, err
	}
	if run, live := c.runs.Active(ref); live {
		st := run.Status()
		snap.Run = &st
	}
	return snap, nil
}

// broadcastState publishes a fresh snapshot on the hub. Assembly failures
// are logged, never raised: state events are advisory.
func (c *Core) broadcastState() {
	if c.hub == nil {
		return
	}
	snap, err := c.Snapshot()
	if err != nil {
		c.logger.Warn("state snapshot failed", "err", err)
		return
	}
	c.hub.Broadcast(events.Event{Type: "state", Data: snap})
}

// requireActive resolves the active issue and loads its state document.
func (c *Core) requireActive() (model.IssueRef, *model.IssueState, string, error) {
	ref, ok, err := c.store.ActiveIssue()
	if err != nil {
		return model.IssueRef{}, nil, "", err
	}
	if !ok {
		return model.IssueRef{}, nil, "", ErrNoActiveIssue
	}
	stateDir := paths.StateDir(paths.WorktreeDir(c.dataDir, ref))
	st, err := c.store.ReadIssue(stateDir)
	if err != nil {
		return model.IssueRef{}, nil, "", err
	}
	if st == nil {
		return model.IssueRef{}, nil, "", fmt.Errorf("%w: %s has no state (run init first)", ErrNoActiveIssue, ref)
	}
	return ref, st, stateDir, nil
}

// issueWorkflow loads the workflow named by the issue state.
func (c *Core) issueWorkflow(st *model.IssueState) (*workflow.Workflow, error) {
	name := st.Workflow
	if name == "" {
		name = DefaultWorkflowName
	}
	wf, err := c.store.LoadWorkflow(name)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	return wf, nil
}
