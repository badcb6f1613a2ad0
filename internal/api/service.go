package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeeves-sh/jeeves/internal/lifecycle"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/projection"
	"github.com/jeeves-sh/jeeves/internal/secrets"
	"github.com/jeeves-sh/jeeves/internal/store"
)

// ServiceOptions wires a Service. Core, Store, and DataDir are required;
// Secrets is optional (credential commands then fail cleanly).
type ServiceOptions struct {
	DataDir string
	Core    *lifecycle.Core
	Store   *store.Store
	Secrets *secrets.Keeper
	Logger  *slog.Logger
}

// Service executes boundary commands against the engine. The HTTP server
// and the CLI both dispatch through it, so validation and error
// classification happen once.
type Service struct {
	dataDir string
	core    *lifecycle.Core
	store   *store.Store
	keeper  *secrets.Keeper
	logger  *slog.Logger

	mu    sync.Mutex
	files map[string]*projection.Manager
}

// NewService builds a Service from options.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dataDir: opts.DataDir,
		core:    opts.Core,
		store:   opts.Store,
		keeper:  opts.Secrets,
		logger:  logger,
		files:   map[string]*projection.Manager{},
	}
}

// fileManager returns the managed-file index for a repository, creating
// it on first use. Managers are cached so their internal locking
// serializes concurrent file commands per repo.
func (s *Service) fileManager(owner, repo string) *projection.Manager {
	key := owner + "/" + repo
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.files[key]
	if !ok {
		m = projection.NewManager(s.dataDir, owner, repo, projection.WithLogger(s.logger))
		s.files[key] = m
	}
	return m
}

// resolveRepo turns an optional "owner/repo" argument into its parts,
// defaulting to the active issue's repository.
func (s *Service) resolveRepo(repo string) (string, string, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		ref, ok, err := s.store.ActiveIssue()
		if err != nil {
			return "", "", err
		}
		if !ok {
			return "", "", lifecycle.ErrNoActiveIssue
		}
		return ref.Owner, ref.Repo, nil
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", invalidFields(map[string]string{
			"repo": fmt.Sprintf("invalid repository %q (want owner/repo)", repo),
		})
	}
	return owner, name, nil
}

// ListIssues reports every issue the store knows plus the active selection.
func (s *Service) ListIssues(req ListIssuesRequest) (*ListIssuesResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	issues, err := s.store.ListIssues()
	if err != nil {
		return nil, err
	}
	resp := &ListIssuesResponse{OK: true, Issues: issues}
	ref, ok, err := s.store.ActiveIssue()
	if err != nil {
		return nil, err
	}
	if ok {
		resp.ActiveIssue = ref.String()
	}
	return resp, nil
}

// SelectIssue switches the active issue.
func (s *Service) SelectIssue(req SelectIssueRequest) (*SelectIssueResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	ref, err := model.ParseIssueRef(req.Issue)
	if err != nil {
		return nil, invalidFields(map[string]string{"issue": err.Error()})
	}
	if err := s.core.Select(ref); err != nil {
		return nil, err
	}
	return &SelectIssueResponse{OK: true, Issue: ref.String()}, nil
}

// InitIssue prepares an issue and makes it active.
func (s *Service) InitIssue(req InitIssueRequest) (*InitIssueResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	ref, err := model.ParseIssueRef(req.Issue)
	if err != nil {
		return nil, invalidFields(map[string]string{"issue": err.Error()})
	}
	st, err := s.core.Init(ref, lifecycle.InitOptions{
		Workflow: req.Workflow,
		Branch:   req.Branch,
		Title:    req.Title,
	})
	if err != nil {
		return nil, err
	}
	return &InitIssueResponse{
		OK:       true,
		Issue:    st,
		StateDir: paths.StateDir(paths.WorktreeDir(s.dataDir, ref)),
	}, nil
}

// StartRun begins a run for the active issue. On success the consumed
// provider credential is stamped as synced.
func (s *Service) StartRun(ctx context.Context, req StartRunRequest) (*StartRunResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	run, err := s.core.StartRun(ctx, lifecycle.StartOptions{
		Provider:         req.Provider,
		Model:            req.Model,
		MaxIterations:    req.MaxIterations,
		MaxParallelTasks: req.MaxParallelTasks,
	})
	if err != nil {
		return nil, err
	}
	status := run.Status()
	if s.keeper != nil && status.Provider != "" {
		if err := s.keeper.MarkSynced(status.Provider); err != nil {
			s.logger.Warn("credential sync stamp failed", "provider", status.Provider, "err", err)
		}
	}
	return &StartRunResponse{OK: true, Run: status}, nil
}

// StopRun requests termination of the active issue's run.
func (s *Service) StopRun(req StopRunRequest) (*StopRunResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	stopped, err := s.core.StopRun(req.Force)
	if err != nil {
		return nil, err
	}
	return &StopRunResponse{OK: true, Stopped: stopped}, nil
}

// SetPhase jumps the active issue to the named phase.
func (s *Service) SetPhase(req SetPhaseRequest) (*SetPhaseResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	st, err := s.core.SetPhase(strings.TrimSpace(req.Phase))
	if err != nil {
		return nil, err
	}
	return &SetPhaseResponse{OK: true, Issue: st}, nil
}

// UpsertProjectFile creates or updates a managed file.
func (s *Service) UpsertProjectFile(req UpsertProjectFileRequest) (*UpsertProjectFileResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	owner, name, err := s.resolveRepo(req.Repo)
	if err != nil {
		return nil, err
	}
	file, err := s.fileManager(owner, name).Upsert(projection.UpsertRequest{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		TargetPath:  req.TargetPath,
		Content:     req.Content,
	})
	if err != nil {
		return nil, err
	}
	return &UpsertProjectFileResponse{OK: true, File: file}, nil
}

// DeleteProjectFile removes a managed file and its blob.
func (s *Service) DeleteProjectFile(req DeleteProjectFileRequest) (*DeleteProjectFileResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	owner, name, err := s.resolveRepo(req.Repo)
	if err != nil {
		return nil, err
	}
	if err := s.fileManager(owner, name).Delete(req.ID); err != nil {
		return nil, err
	}
	return &DeleteProjectFileResponse{OK: true, ID: req.ID}, nil
}

// ReconcileProjectFiles projects managed files into the active issue's
// worktree and reports per-file sync statuses.
func (s *Service) ReconcileProjectFiles(req ReconcileProjectFilesRequest) (*ReconcileProjectFilesResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	ref, ok, err := s.store.ActiveIssue()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lifecycle.ErrNoActiveIssue
	}
	if repo := strings.TrimSpace(req.Repo); repo != "" && repo != ref.Owner+"/"+ref.Repo {
		return nil, invalidFields(map[string]string{
			"repo": fmt.Sprintf("reconcile projects into the active issue's worktree (%s/%s)", ref.Owner, ref.Repo),
		})
	}
	res, err := s.fileManager(ref.Owner, ref.Repo).Reconcile(paths.WorktreeDir(s.dataDir, ref))
	if err != nil {
		return nil, err
	}
	return &ReconcileProjectFilesResponse{OK: true, Result: res}, nil
}

// PutCredentials stores a provider token write-only; the response carries
// the status projection, never the token.
func (s *Service) PutCredentials(req PutCredentialsRequest) (*PutCredentialsResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	if s.keeper == nil {
		return nil, &Error{Kind: KindInternal, Code: CodeInternal, Message: "credential store not configured"}
	}
	status, err := s.keeper.Put(req.Provider, req.Token)
	if err != nil {
		return nil, err
	}
	return &PutCredentialsResponse{OK: true, Credential: status}, nil
}

// DeleteCredentials removes a stored provider token.
func (s *Service) DeleteCredentials(req DeleteCredentialsRequest) (*DeleteCredentialsResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	if s.keeper == nil {
		return nil, &Error{Kind: KindInternal, Code: CodeInternal, Message: "credential store not configured"}
	}
	deleted, err := s.keeper.Delete(req.Provider)
	if err != nil {
		return nil, err
	}
	return &DeleteCredentialsResponse{OK: true, Deleted: deleted}, nil
}

// ExpandIssueSummary asks a provider to summarize the active issue and
// stores the result on its state document.
func (s *Service) ExpandIssueSummary(ctx context.Context, req ExpandIssueSummaryRequest) (*ExpandIssueSummaryResponse, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	text, err := s.core.ExpandSummary(ctx, lifecycle.ExpandOptions{
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		return nil, err
	}
	return &ExpandIssueSummaryResponse{OK: true, Summary: text}, nil
}

// State assembles the current snapshot for read-only transports.
func (s *Service) State() (*lifecycle.Snapshot, error) {
	return s.core.Snapshot()
}

// CredentialStatuses lists stored credentials as safe projections.
func (s *Service) CredentialStatuses() ([]model.CredentialStatus, error) {
	if s.keeper == nil {
		return nil, nil
	}
	return s.keeper.Status()
}

// ListProjectFiles lists a repository's managed files.
func (s *Service) ListProjectFiles(repo string) ([]model.ManagedFile, error) {
	owner, name, err := s.resolveRepo(repo)
	if err != nil {
		return nil, err
	}
	return s.fileManager(owner, name).List()
}

// FileStatuses reports the last reconcile outcome per managed file.
func (s *Service) FileStatuses(repo string) ([]projection.FileSync, error) {
	owner, name, err := s.resolveRepo(repo)
	if err != nil {
		return nil, err
	}
	return s.fileManager(owner, name).FileStatuses()
}
