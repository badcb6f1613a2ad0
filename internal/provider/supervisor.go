package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeves-sh/jeeves/internal/model"
)

// Options configures one supervised invocation.
type Options struct {
	// Command is the full argv. Required.
	Command []string
	// Dir is the working directory (usually the worktree).
	Dir string
	// Prompt is written to the child's stdin, then stdin is closed.
	Prompt string
	// Env entries are appended to the inherited environment.
	Env []string

	// InactivityTimeout aborts the run when no output arrives for this
	// long. Zero disables it.
	InactivityTimeout time.Duration
	// IterationTimeout is the wall-clock ceiling for the whole invocation.
	// Zero disables it.
	IterationTimeout time.Duration
	// Grace is how long a polite termination waits before escalating to a
	// kill. Zero means one second.
	Grace time.Duration

	Logger *slog.Logger
}

// ExitStatus is the final word on a supervised run.
type ExitStatus struct {
	State model.RunState
	// Code is the process exit code, or -1 when it died to a signal or
	// never ran.
	Code int
	// Err carries the failure detail for states other than completed.
	Err error
	// DroppedDebug counts debug chunks discarded under back-pressure.
	DroppedDebug int64
}

// Run is one live supervised subprocess.
type Run struct {
	opts   Options
	cmd    *exec.Cmd
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	mu           sync.Mutex
	state        model.RunState
	termReason   model.RunState
	lastActivity time.Time
	startedAt    time.Time
	exit         ExitStatus

	killOnce     sync.Once
	droppedDebug atomic.Int64
}

// Start launches the provider process, wires its pipes, and begins
// supervision. The returned Run's event channel is closed once the process
// has exited and all output has been delivered.
func Start(ctx context.Context, opts Options) (*Run, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("provider: empty command")
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("provider: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("provider: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("provider: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("provider: start %s: %w", opts.Command[0], err)
	}

	now := time.Now()
	r := &Run{
		opts:         opts,
		cmd:          cmd,
		logger:       logger,
		events:       make(chan Event, 256),
		done:         make(chan struct{}),
		state:        model.RunStarting,
		lastActivity: now,
		startedAt:    now,
	}

	go func() {
		// Stdin failures are not fatal: the child may exit before reading
		// the whole prompt and still produce a usable stream.
		if _, err := io.WriteString(stdin, opts.Prompt); err != nil {
			logger.Debug("prompt write interrupted", "err", err)
		}
		stdin.Close()
	}()

	var readers sync.WaitGroup
	readers.Add(2)
	go r.readStdout(stdout, &readers)
	go r.readStderr(stderr, &readers)
	go r.watchdog(ctx)
	go r.waitForExit(&readers)

	return r, nil
}

// Events returns the normalized event stream. It is closed after the final
// event once the process has exited.
func (r *Run) Events() <-chan Event { return r.events }

// PID returns the child process id.
func (r *Run) PID() int {
	if r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (r *Run) State() model.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed when the run has fully terminated.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run terminates and returns its exit status.
func (r *Run) Wait() ExitStatus {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

// Cancel requests a polite stop: terminate signal, grace window, then kill.
// Idempotent.
func (r *Run) Cancel() {
	r.terminate(model.RunCancelled)
}

// Kill skips the grace window and kills the process tree immediately.
func (r *Run) Kill() {
	r.mu.Lock()
	if r.termReason == "" {
		r.termReason = model.RunCancelled
	}
	r.mu.Unlock()
	killTree(r.PID())
}

func (r *Run) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	if r.state == model.RunStarting {
		r.state = model.RunRunning
	}
	r.mu.Unlock()
}

func (r *Run) readStdout(stdout io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(stdout)
	// Tool results can be enormous; allow lines up to 4MiB.
	scanner.Buffer(make([]byte, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		r.touch()
		line := scanner.Bytes()
		evs, err := Parse(line)
		if err != nil {
			r.sendDebug(string(line))
			continue
		}
		for _, ev := range evs {
			if ev.Type == EventDebug {
				r.sendDebug(ev.Text)
				continue
			}
			// Structured events are never dropped; back-pressure blocks the
			// reader until the consumer catches up.
			r.events <- ev
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		r.logger.Debug("stdout scan ended", "err", err)
	}
}

func (r *Run) readStderr(stderr io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.touch()
		r.sendDebug(scanner.Text())
	}
}

// sendDebug delivers best-effort: debug chunks are dropped rather than
// stalling the structured stream.
func (r *Run) sendDebug(text string) {
	select {
	case r.events <- Event{Type: EventDebug, Text: text}:
	default:
		r.droppedDebug.Add(1)
	}
}

// watchdog enforces the two timers and context cancellation. It polls
// rather than re-arming timers so a flood of activity costs nothing.
func (r *Run) watchdog(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			r.terminate(model.RunCancelled)
			return
		case <-ticker.C:
			r.mu.Lock()
			idle := time.Since(r.lastActivity)
			elapsed := time.Since(r.startedAt)
			r.mu.Unlock()
			if r.opts.InactivityTimeout > 0 && idle > r.opts.InactivityTimeout {
				r.logger.Warn("provider inactive, terminating",
					"idle", idle.Round(time.Second), "pid", r.PID())
				r.terminate(model.RunTimedOut)
				return
			}
			if r.opts.IterationTimeout > 0 && elapsed > r.opts.IterationTimeout {
				r.logger.Warn("provider exceeded iteration budget, terminating",
					"elapsed", elapsed.Round(time.Second), "pid", r.PID())
				r.terminate(model.RunTimedOut)
				return
			}
		}
	}
}

// terminate records the reason, asks the process tree to stop, and escalates
// to a kill after the grace window. Only the first caller's reason sticks.
func (r *Run) terminate(reason model.RunState) {
	r.mu.Lock()
	if r.termReason == "" {
		r.termReason = reason
	}
	r.mu.Unlock()

	r.killOnce.Do(func() {
		pid := r.PID()
		terminateTree(pid)
		go func() {
			select {
			case <-r.done:
			case <-time.After(r.opts.Grace):
				killTree(pid)
			}
		}()
	})
}

func (r *Run) waitForExit(readers *sync.WaitGroup) {
	// Drain both pipes before Wait so no output is lost.
	readers.Wait()
	err := r.cmd.Wait()

	r.mu.Lock()
	reason := r.termReason
	code := -1
	if r.cmd.ProcessState != nil {
		code = r.cmd.ProcessState.ExitCode()
	}
	switch {
	case reason != "":
		r.state = reason
		r.exit = ExitStatus{State: reason, Code: code, Err: fmt.Errorf("provider %s", reason)}
	case err != nil:
		r.state = model.RunFailed
		r.exit = ExitStatus{State: model.RunFailed, Code: code, Err: err}
	default:
		r.state = model.RunCompleted
		r.exit = ExitStatus{State: model.RunCompleted, Code: code}
	}
	r.exit.DroppedDebug = r.droppedDebug.Load()
	r.mu.Unlock()

	close(r.events)
	close(r.done)
}
