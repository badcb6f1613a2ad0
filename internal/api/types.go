package api

import (
	"fmt"
	"strings"

	"github.com/jeeves-sh/jeeves/internal/lifecycle"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/projection"
	"github.com/jeeves-sh/jeeves/internal/store"
)

// Request is a command payload that validates its own shape. Validation
// covers structure only; semantic failures (unknown phase, no active
// issue) come back from the engine as classified errors.
type Request interface {
	Validate() *Error
}

// ListIssuesRequest has no parameters; the type exists so every command
// shares the decode-validate-dispatch path.
type ListIssuesRequest struct{}

func (ListIssuesRequest) Validate() *Error { return nil }

// ListIssuesResponse is the list_issues payload.
type ListIssuesResponse struct {
	OK          bool                 `json:"ok"`
	Issues      []store.IssueSummary `json:"issues"`
	ActiveIssue string               `json:"active_issue,omitempty"`
}

// SelectIssueRequest switches the active issue.
type SelectIssueRequest struct {
	Issue string `json:"issue"`
}

func (r SelectIssueRequest) Validate() *Error {
	return checkIssueRef(r.Issue)
}

// SelectIssueResponse is the select_issue payload.
type SelectIssueResponse struct {
	OK    bool   `json:"ok"`
	Issue string `json:"issue"`
}

// InitIssueRequest prepares an issue's worktree and state document and
// makes it the active issue.
type InitIssueRequest struct {
	Issue    string `json:"issue"`
	Workflow string `json:"workflow,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Title    string `json:"title,omitempty"`
}

func (r InitIssueRequest) Validate() *Error {
	return checkIssueRef(r.Issue)
}

// InitIssueResponse is the init_issue payload.
type InitIssueResponse struct {
	OK       bool              `json:"ok"`
	Issue    *model.IssueState `json:"issue"`
	StateDir string            `json:"state_dir"`
}

// StartRunRequest begins a run for the active issue. Empty fields fall
// back to the phase, workflow, and config defaults.
type StartRunRequest struct {
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	MaxIterations    int    `json:"max_iterations,omitempty"`
	MaxParallelTasks int    `json:"max_parallel_tasks,omitempty"`
}

func (r StartRunRequest) Validate() *Error {
	fields := map[string]string{}
	if r.MaxIterations < 0 {
		fields["max_iterations"] = "must not be negative"
	}
	if r.MaxParallelTasks < 0 {
		fields["max_parallel_tasks"] = "must not be negative"
	}
	if len(fields) > 0 {
		return invalidFields(fields)
	}
	return nil
}

// StartRunResponse is the start_run payload.
type StartRunResponse struct {
	OK  bool            `json:"ok"`
	Run model.RunStatus `json:"run"`
}

// StopRunRequest requests termination of the active issue's run.
type StopRunRequest struct {
	Force bool `json:"force,omitempty"`
}

func (StopRunRequest) Validate() *Error { return nil }

// StopRunResponse reports whether a live run was signalled.
type StopRunResponse struct {
	OK      bool `json:"ok"`
	Stopped bool `json:"stopped"`
}

// SetPhaseRequest jumps the active issue to a phase of its workflow.
type SetPhaseRequest struct {
	Phase string `json:"phase"`
}

func (r SetPhaseRequest) Validate() *Error {
	if strings.TrimSpace(r.Phase) == "" {
		return invalidFields(map[string]string{"phase": "required"})
	}
	return nil
}

// SetPhaseResponse is the set_phase payload.
type SetPhaseResponse struct {
	OK    bool              `json:"ok"`
	Issue *model.IssueState `json:"issue"`
}

// UpsertProjectFileRequest creates or updates a managed file. Repo is
// "owner/repo"; empty targets the active issue's repository. Content
// rides base64-encoded in JSON form.
type UpsertProjectFileRequest struct {
	Repo        string `json:"repo,omitempty"`
	ID          int64  `json:"id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	TargetPath  string `json:"target_path"`
	Content     []byte `json:"content_b64"`
}

func (r UpsertProjectFileRequest) Validate() *Error {
	fields := map[string]string{}
	if r.ID < 0 {
		fields["id"] = "must not be negative"
	}
	if strings.TrimSpace(r.TargetPath) == "" {
		fields["target_path"] = "required"
	}
	if err := checkRepoArg(r.Repo); err != "" {
		fields["repo"] = err
	}
	if len(fields) > 0 {
		return invalidFields(fields)
	}
	return nil
}

// UpsertProjectFileResponse is the upsert_project_file payload.
type UpsertProjectFileResponse struct {
	OK   bool               `json:"ok"`
	File *model.ManagedFile `json:"file"`
}

// DeleteProjectFileRequest removes a managed file and its blob.
type DeleteProjectFileRequest struct {
	Repo string `json:"repo,omitempty"`
	ID   int64  `json:"id"`
}

func (r DeleteProjectFileRequest) Validate() *Error {
	fields := map[string]string{}
	if r.ID <= 0 {
		fields["id"] = "required"
	}
	if err := checkRepoArg(r.Repo); err != "" {
		fields["repo"] = err
	}
	if len(fields) > 0 {
		return invalidFields(fields)
	}
	return nil
}

// DeleteProjectFileResponse is the delete_project_file payload.
type DeleteProjectFileResponse struct {
	OK bool  `json:"ok"`
	ID int64 `json:"id"`
}

// ReconcileProjectFilesRequest projects managed files into the active
// issue's worktree. When Repo is set it must name the active issue's
// repository.
type ReconcileProjectFilesRequest struct {
	Repo string `json:"repo,omitempty"`
}

func (r ReconcileProjectFilesRequest) Validate() *Error {
	if err := checkRepoArg(r.Repo); err != "" {
		return invalidFields(map[string]string{"repo": err})
	}
	return nil
}

// ReconcileProjectFilesResponse is the reconcile_project_files payload.
type ReconcileProjectFilesResponse struct {
	OK     bool               `json:"ok"`
	Result *projection.Result `json:"result"`
}

// PutCredentialsRequest stores a provider token. The token is write-only:
// no response or event ever carries it back.
type PutCredentialsRequest struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

func (r PutCredentialsRequest) Validate() *Error {
	fields := map[string]string{}
	if strings.TrimSpace(r.Provider) == "" {
		fields["provider"] = "required"
	}
	if strings.TrimSpace(r.Token) == "" {
		fields["token"] = "required"
	}
	if len(fields) > 0 {
		return invalidFields(fields)
	}
	return nil
}

// PutCredentialsResponse carries the stored credential's status
// projection, never the token.
type PutCredentialsResponse struct {
	OK         bool                   `json:"ok"`
	Credential model.CredentialStatus `json:"credential"`
}

// DeleteCredentialsRequest removes a stored provider token.
type DeleteCredentialsRequest struct {
	Provider string `json:"provider"`
}

func (r DeleteCredentialsRequest) Validate() *Error {
	if strings.TrimSpace(r.Provider) == "" {
		return invalidFields(map[string]string{"provider": "required"})
	}
	return nil
}

// DeleteCredentialsResponse reports whether a credential existed.
type DeleteCredentialsResponse struct {
	OK      bool `json:"ok"`
	Deleted bool `json:"deleted"`
}

// ExpandIssueSummaryRequest asks a provider to summarize the active issue.
type ExpandIssueSummaryRequest struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (ExpandIssueSummaryRequest) Validate() *Error { return nil }

// ExpandIssueSummaryResponse is the expand_issue_summary payload.
type ExpandIssueSummaryResponse struct {
	OK      bool   `json:"ok"`
	Summary string `json:"summary"`
}

// StateResponse wraps the snapshot for read-only transports.
type StateResponse struct {
	OK    bool                `json:"ok"`
	State *lifecycle.Snapshot `json:"state"`
}

func checkIssueRef(s string) *Error {
	if strings.TrimSpace(s) == "" {
		return invalidFields(map[string]string{"issue": "required (owner/repo#n)"})
	}
	if _, err := model.ParseIssueRef(s); err != nil {
		return invalidFields(map[string]string{"issue": err.Error()})
	}
	return nil
}

// checkRepoArg validates an optional "owner/repo" argument, returning a
// field error message or "".
func checkRepoArg(repo string) string {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return ""
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Sprintf("invalid repository %q (want owner/repo)", repo)
	}
	return ""
}
