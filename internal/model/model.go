// Package model holds the shared data types for issues, tasks, runs, and
// managed files. Everything here is plain data; behavior lives in the
// packages that own each concern.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IssueRef identifies a tracked issue as (owner, repo, issueNumber).
type IssueRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// String renders the canonical owner/repo#n form.
func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// IsZero reports whether the ref is unset.
func (r IssueRef) IsZero() bool {
	return r.Owner == "" && r.Repo == "" && r.Number == 0
}

// ParseIssueRef parses the owner/repo#n form produced by IssueRef.String.
func ParseIssueRef(s string) (IssueRef, error) {
	s = strings.TrimSpace(s)
	slash := strings.Index(s, "/")
	hash := strings.LastIndex(s, "#")
	if slash <= 0 || hash <= slash+1 || hash == len(s)-1 {
		return IssueRef{}, fmt.Errorf("invalid issue ref %q (want owner/repo#n)", s)
	}
	n, err := strconv.Atoi(s[hash+1:])
	if err != nil || n <= 0 {
		return IssueRef{}, fmt.Errorf("invalid issue number in %q", s)
	}
	return IssueRef{Owner: s[:slash], Repo: s[slash+1 : hash], Number: n}, nil
}

// IssueState is the per-issue state document persisted as issue.json and in
// the store. Status is an open-schema mapping consumed by guard expressions
// and parallel-wave bookkeeping; callers manipulate known sub-paths through
// helpers rather than reaching into the map ad hoc.
type IssueState struct {
	Owner           string         `json:"owner"`
	Repo            string         `json:"repo"`
	IssueNumber     int            `json:"issueNumber"`
	Branch          string         `json:"branch,omitempty"`
	Phase           string         `json:"phase"`
	Workflow        string         `json:"workflow"`
	Status          map[string]any `json:"status,omitempty"`
	IssueTitle      string         `json:"issueTitle,omitempty"`
	SummaryExpanded string         `json:"summaryExpanded,omitempty"`
	UpdatedAtMS     int64          `json:"updatedAtMs,omitempty"`
}

// Ref returns the issue ref embedded in the state document.
func (s *IssueState) Ref() IssueRef {
	return IssueRef{Owner: s.Owner, Repo: s.Repo, Number: s.IssueNumber}
}

// StatusValue walks a dotted path ("parallel.runId") through the status
// mapping. Any non-map intermediate yields (nil, false).
func (s *IssueState) StatusValue(path string) (any, bool) {
	if s == nil || s.Status == nil {
		return nil, false
	}
	var cur any = s.Status
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetStatusValue sets a dotted path in the status mapping, creating
// intermediate maps as needed. An existing non-map intermediate is replaced.
func (s *IssueState) SetStatusValue(path string, value any) {
	if s.Status == nil {
		s.Status = map[string]any{}
	}
	parts := strings.Split(path, ".")
	m := s.Status
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskPassed     TaskStatus = "passed"
	TaskFailed     TaskStatus = "failed"
)

// ValidTaskStatus reports whether s is one of the declared statuses.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskPassed, TaskFailed:
		return true
	}
	return false
}

// Task is one unit of decomposed work within an issue. DependsOn may carry
// duplicates in source form; schedulers treat it as a set.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title,omitempty"`
	Summary            string     `json:"summary,omitempty"`
	FilesAllowed       []string   `json:"filesAllowed,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
	DependsOn          []string   `json:"dependsOn,omitempty"`
	Status             TaskStatus `json:"status"`
}

// TaskFile is the tasks.json document: the ordered task list plus
// round-tripped extras.
type TaskFile struct {
	Tasks []Task         `json:"tasks"`
	Split bool           `json:"split,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// MemoryScope classifies memory entries by retention intent.
type MemoryScope string

const (
	MemoryWorkingSet MemoryScope = "working_set"
	MemoryDecisions  MemoryScope = "decisions"
	MemorySession    MemoryScope = "session"
	MemoryCrossRun   MemoryScope = "cross_run"
)

// ValidMemoryScope reports whether s is one of the declared scopes.
func ValidMemoryScope(s MemoryScope) bool {
	switch s {
	case MemoryWorkingSet, MemoryDecisions, MemorySession, MemoryCrossRun:
		return true
	}
	return false
}

// MemoryEntry is one (scope, key) record in an issue's memory. Value is
// opaque JSON; Stale is a soft delete.
type MemoryEntry struct {
	Scope           MemoryScope `json:"scope"`
	Key             string      `json:"key"`
	Value           any         `json:"value"`
	SourceIteration int         `json:"source_iteration,omitempty"`
	Stale           bool        `json:"stale,omitempty"`
	CreatedAt       time.Time   `json:"created_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at,omitempty"`
}

// ManagedFile is a blob projected into the worktree and recorded in
// .git/info/exclude. TargetPath is unique per repo.
type ManagedFile struct {
	ID             int64     `json:"id"`
	DisplayName    string    `json:"display_name"`
	TargetPath     string    `json:"target_path"`
	StorageRelpath string    `json:"storage_relpath"`
	SizeBytes      int64     `json:"size_bytes"`
	SHA256         string    `json:"sha256"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RunState is the supervisor-visible lifecycle of one run.
type RunState string

const (
	RunStarting  RunState = "starting"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunTimedOut  RunState = "timed_out"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimedOut, RunCancelled:
		return true
	}
	return false
}

// WorkerStatus is the status surface for one parallel-wave worker.
type WorkerStatus struct {
	WorkerID  string     `json:"worker_id"`
	TaskID    string     `json:"task_id"`
	State     RunState   `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// RunStatus is the externally visible status of one run.
type RunStatus struct {
	RunID            string         `json:"run_id"`
	Running          bool           `json:"running"`
	PID              int            `json:"pid,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	Returncode       *int           `json:"returncode,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	Model            string         `json:"model,omitempty"`
	Command          []string       `json:"command,omitempty"`
	MaxIterations    int            `json:"max_iterations,omitempty"`
	CurrentIteration int            `json:"current_iteration,omitempty"`
	CompletionReason string         `json:"completion_reason,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	IssueRef         string         `json:"issue_ref"`
	ViewerLogFile    string         `json:"viewer_log_file,omitempty"`
	Workers          []WorkerStatus `json:"workers,omitempty"`
	MaxParallelTasks int            `json:"max_parallel_tasks,omitempty"`

	// CompletedViaPromise is set when the provider emitted a terminal result
	// event before exiting; CompletedViaState when the post-run issue state
	// landed on a terminal phase.
	CompletedViaPromise bool `json:"completed_via_promise,omitempty"`
	CompletedViaState   bool `json:"completed_via_state,omitempty"`
}

// CredentialStatus is the safe, readable surface of a stored credential.
// The secret value itself is write-only and never appears here.
type CredentialStatus struct {
	Provider    string     `json:"provider"`
	HasToken    bool       `json:"has_token"`
	LastSavedAt *time.Time `json:"last_saved_at,omitempty"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
}
