package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-sh/jeeves/internal/api"
	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/lifecycle"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/procutil"
	"github.com/jeeves-sh/jeeves/internal/runlog"
	"github.com/jeeves-sh/jeeves/internal/runs"
)

const followInterval = 250 * time.Millisecond

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, stop, and observe runs",
	}
	cmd.AddCommand(runStartCmd())
	cmd.AddCommand(runStopCmd())
	cmd.AddCommand(runStatusCmd())
	cmd.AddCommand(runFollowCmd())
	return cmd
}

func runStartCmd() *cobra.Command {
	var (
		providerName  string
		modelName     string
		maxIterations int
		maxParallel   int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run for the active issue and stream its log",
		Long: `Start a run for the active issue. The run executes inside this process;
the command streams the viewer log until the run reaches a terminal state.
The first interrupt requests a polite stop, the second forces it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			run, err := eng.core.StartRun(cmd.Context(), lifecycle.StartOptions{
				Provider:         providerName,
				Model:            modelName,
				MaxIterations:    maxIterations,
				MaxParallelTasks: maxParallel,
			})
			if err != nil {
				return err
			}
			st := run.Status()
			fmt.Printf("run %s started (issue %s, provider %s)\n", st.RunID, st.IssueRef, st.Provider)
			if st.ViewerLogFile != "" {
				fmt.Printf("viewer log: %s\n", st.ViewerLogFile)
			}
			return streamRun(run, st.ViewerLogFile)
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "provider override for every iteration")
	cmd.Flags().StringVar(&modelName, "model", "", "model override for every iteration")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget (default from config)")
	cmd.Flags().IntVar(&maxParallel, "max-parallel-tasks", 0, "parallel task cap (default from config)")
	return cmd
}

// streamRun prints viewer log lines until the run finishes, translating
// interrupts into stop requests.
func streamRun(run *runs.Run, viewerPath string) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	tailer := runlog.NewTailer(viewerPath)
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	interrupted := false
	for {
		select {
		case <-sigCh:
			if interrupted {
				fmt.Fprintln(os.Stderr, "force stopping")
				run.Stop(true)
			} else {
				interrupted = true
				fmt.Fprintln(os.Stderr, "stopping run (interrupt again to force)")
				run.Stop(false)
			}
		case <-ticker.C:
			printLines(tailer)
		case <-run.Done():
			printLines(tailer)
			return finalRunError(run.Status())
		}
	}
}

func printLines(t *runlog.Tailer) {
	lines, _, err := t.Poll()
	if err != nil {
		return
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

// finalRunError turns a terminal status into the command's exit verdict.
func finalRunError(st model.RunStatus) error {
	switch {
	case st.LastError != "":
		return fmt.Errorf("run %s failed (%s): %s", st.RunID, st.CompletionReason, st.LastError)
	case st.CompletionReason == "stopped":
		return fmt.Errorf("run %s stopped before completion", st.RunID)
	default:
		fmt.Printf("run %s completed (%s)\n", st.RunID, st.CompletionReason)
		return nil
	}
}

func runStopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the active issue's run",
		Long: `Ask the serve daemon to stop the active issue's run. When no daemon is
reachable, fall back to signalling the recorded run process directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			stopped, err := stopViaServer(eng.cfg.Addr, force)
			if err == nil {
				if stopped {
					fmt.Println("stop requested")
				} else {
					fmt.Println("no live run")
				}
				return nil
			}
			if !errors.Is(err, errDaemonUnreachable) {
				return err
			}
			return stopByPID(eng, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "kill instead of politely stopping")
	return cmd
}

var errDaemonUnreachable = errors.New("daemon unreachable")

// stopViaServer posts stop_run to the configured daemon address. A
// transport failure wraps errDaemonUnreachable so the caller can fall back
// to the PID path; an error the daemon itself returned is final.
func stopViaServer(addr string, force bool) (bool, error) {
	body, err := json.Marshal(api.StopRunRequest{Force: force})
	if err != nil {
		return false, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+addr+"/api/stop_run", "application/json", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errDaemonUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.Error
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr != nil || apiErr.Message == "" {
			return false, fmt.Errorf("stop_run: %s", resp.Status)
		}
		return false, &apiErr
	}
	var out api.StopRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode stop_run response: %w", err)
	}
	return out.Stopped, nil
}

// stopByPID signals the process recorded in the latest run document. This
// covers runs orphaned by a dead daemon; the run.json mirror is rewritten
// once the process exits so later status calls see a terminal state.
func stopByPID(eng *engine, force bool) error {
	dir, st, err := resolveRun(eng, "")
	if err != nil {
		return err
	}
	if st == nil || !st.Running {
		fmt.Println("no live run")
		return nil
	}
	if st.PID <= 0 {
		return fmt.Errorf("run %s has no recorded pid", st.RunID)
	}
	if !procutil.PIDAlive(st.PID) {
		fmt.Printf("run process (pid %d) already gone\n", st.PID)
		return markRunStopped(dir, st)
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return err
	}
	if force {
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("kill pid %d: %w", st.PID, err)
		}
	} else {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", st.PID, err)
		}
	}
	if !waitPIDExit(st.PID, 10*time.Second) {
		return fmt.Errorf("pid %d still alive after signal; retry with --force", st.PID)
	}
	fmt.Printf("run %s stopped (pid %d)\n", st.RunID, st.PID)
	return markRunStopped(dir, st)
}

// waitPIDExit polls for process death with an interval derived from the
// grace period, clamped to [10ms, 100ms].
func waitPIDExit(pid int, grace time.Duration) bool {
	interval := grace / 5
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !procutil.PIDAlive(pid) {
			return true
		}
		time.Sleep(interval)
	}
	return !procutil.PIDAlive(pid)
}

func markRunStopped(runDir string, st *model.RunStatus) error {
	now := time.Now().UTC()
	st.Running = false
	st.PID = 0
	st.EndedAt = &now
	if st.CompletionReason == "" {
		st.CompletionReason = "stopped"
	}
	return fsatomic.WriteJSON(fsatomic.OS(), paths.RunJSONPath(runDir), st)
}

func runStatusCmd() *cobra.Command {
	var (
		runID  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a run's status document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			_, st, err := resolveRun(eng, runID)
			if err != nil {
				return err
			}
			if st == nil {
				fmt.Println("no runs recorded")
				return nil
			}
			if asJSON {
				return printJSON(st)
			}
			printRunStatus(st)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run id (default latest)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func printRunStatus(st *model.RunStatus) {
	fmt.Printf("run_id=%s\n", st.RunID)
	fmt.Printf("issue=%s\n", st.IssueRef)
	fmt.Printf("running=%t\n", st.Running)
	if st.Provider != "" {
		fmt.Printf("provider=%s\n", st.Provider)
	}
	if st.Model != "" {
		fmt.Printf("model=%s\n", st.Model)
	}
	if st.PID > 0 {
		fmt.Printf("pid=%d pid_alive=%t\n", st.PID, procutil.PIDAlive(st.PID))
	}
	if st.MaxIterations > 0 {
		fmt.Printf("iteration=%d/%d\n", st.CurrentIteration, st.MaxIterations)
	}
	if st.CompletionReason != "" {
		fmt.Printf("completion_reason=%s\n", st.CompletionReason)
	}
	if st.LastError != "" {
		fmt.Printf("last_error=%s\n", st.LastError)
	}
	if st.StartedAt != nil {
		fmt.Printf("started_at=%s\n", st.StartedAt.Format(time.RFC3339))
	}
}

func runFollowCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Tail a run's viewer log until it finishes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			dir, st, err := resolveRun(eng, runID)
			if err != nil {
				return err
			}
			if st == nil {
				return errors.New("no runs recorded")
			}
			return followRun(dir, st)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run id (default latest)")
	return cmd
}

// followRun tails the viewer log and summarizes output.json rewrites until
// the run document goes terminal or its process dies.
func followRun(runDir string, st *model.RunStatus) error {
	viewerPath := st.ViewerLogFile
	if viewerPath == "" {
		viewerPath = paths.ViewerLogPath(runDir)
	}
	viewer := runlog.NewTailer(viewerPath)
	outputPath := paths.OutputJSONPath(runDir)
	output := runlog.NewTailer(outputPath)

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		printLines(viewer)
		reportOutput(output, outputPath)

		cur, err := readRunStatus(paths.RunJSONPath(runDir))
		if err != nil {
			return err
		}
		if cur != nil {
			st = cur
		}
		if !st.Running {
			printLines(viewer)
			fmt.Printf("\nrun %s finished: %s\n", st.RunID, st.CompletionReason)
			if st.LastError != "" {
				fmt.Printf("last_error: %s\n", st.LastError)
			}
			return nil
		}
		if st.PID > 0 && !procutil.PIDAlive(st.PID) {
			return fmt.Errorf("run process (pid %d) is no longer alive", st.PID)
		}
		<-ticker.C
	}
}

// reportOutput prints a one-line summary whenever the output document was
// rewritten. Atomic rewrites show up as growth or shrink on the tailer.
func reportOutput(t *runlog.Tailer, path string) {
	lines, reset, err := t.Poll()
	if err != nil || (len(lines) == 0 && !reset) {
		return
	}
	doc, err := runlog.ReadDocument(path)
	if err != nil || doc == nil {
		return
	}
	if doc.Success != nil {
		fmt.Printf("output: %d messages, %d tool calls, success=%t\n", len(doc.Messages), len(doc.ToolCalls), *doc.Success)
		return
	}
	fmt.Printf("output: %d messages, %d tool calls\n", len(doc.Messages), len(doc.ToolCalls))
}

// resolveRun locates a run dir and its status document for the active
// issue. Empty runID selects the latest run; run ids are ULIDs, so the
// lexicographically greatest dir name is the newest. A nil status with nil
// error means no runs exist yet.
func resolveRun(eng *engine, runID string) (string, *model.RunStatus, error) {
	snap, err := eng.svc.State()
	if err != nil {
		return "", nil, err
	}
	if snap.ActiveIssue == "" {
		return "", nil, lifecycle.ErrNoActiveIssue
	}
	stateDir := snap.Paths.StateDir

	if runID != "" {
		dir := paths.RunDir(stateDir, runID)
		st, err := readRunStatus(paths.RunJSONPath(dir))
		if err != nil {
			return "", nil, err
		}
		if st == nil {
			return "", nil, fmt.Errorf("run %s not found under %s", runID, stateDir)
		}
		return dir, st, nil
	}

	dir, ok, err := latestRunDir(stateDir)
	if err != nil || !ok {
		return "", nil, err
	}
	st, err := readRunStatus(paths.RunJSONPath(dir))
	if err != nil {
		return "", nil, err
	}
	return dir, st, nil
}

// latestRunDir finds the newest run dir under stateDir; ok is false when
// none exist yet.
func latestRunDir(stateDir string) (dir string, ok bool, err error) {
	entries, err := os.ReadDir(paths.RunsDir(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	sort.Strings(ids)
	return paths.RunDir(stateDir, ids[len(ids)-1]), true, nil
}

func readRunStatus(path string) (*model.RunStatus, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.RunStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &st, nil
}
