package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
)

// SyncStatus describes the projection state of one managed file (or the
// aggregate of a reconcile pass).
type SyncStatus string

const (
	SyncInSync              SyncStatus = "in_sync"
	SyncDeferredWorktree    SyncStatus = "deferred_worktree_absent"
	SyncFailedConflict      SyncStatus = "failed_conflict"
	SyncFailedLinkCreate    SyncStatus = "failed_link_create"
	SyncFailedSourceMissing SyncStatus = "failed_source_missing"
	SyncFailedExclude       SyncStatus = "failed_exclude"
	SyncNeverAttempted      SyncStatus = "never_attempted"
)

// Link modes recorded per file.
const (
	linkModeSymlink  = "symlink"
	linkModeHardlink = "hardlink"
)

// FileSync is the reconcile outcome for one managed file.
type FileSync struct {
	ID          int64      `json:"id"`
	DisplayName string     `json:"display_name"`
	TargetPath  string     `json:"target_path"`
	Status      SyncStatus `json:"status"`
	LastError   string     `json:"last_error,omitempty"`
	Mode        string     `json:"mode,omitempty"`
	Linked      bool       `json:"linked"`
}

// Result is one reconcile pass over the whole index. Linked targets feed the
// next pass's stale detection, so the document is persisted between passes.
type Result struct {
	Status       SyncStatus `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	Files        []FileSync `json:"files"`
	StaleRemoved []string   `json:"stale_removed,omitempty"`
	ReconciledAt time.Time  `json:"reconciled_at"`
}

const excludeBegin = "# BEGIN jeeves managed files"
const excludeEnd = "# END jeeves managed files"

// Reconcile projects every managed file into the worktree, maintains
// .git/info/exclude, and removes links whose files were deleted since the
// previous pass. The pass is idempotent: running it twice against an
// unchanged index and worktree yields the same result and no writes.
func (m *Manager) Reconcile(worktreeDir string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	prev, err := m.loadResult()
	if err != nil {
		return nil, err
	}
	prevLinked := map[string]bool{}
	if prev != nil {
		for _, f := range prev.Files {
			if f.Linked {
				prevLinked[f.TargetPath] = true
			}
		}
	}

	res := reconcile(worktreeDir, paths.RepoFilesDir(m.dataDir, m.owner, m.repo), doc.Files, prevLinked)
	res.ReconciledAt = m.clock().UTC()

	if err := fsatomic.WriteJSON(m.fs, m.resultPath(), res); err != nil {
		return nil, fmt.Errorf("write reconcile result: %w", err)
	}
	return res, nil
}

// LastResult returns the persisted outcome of the most recent reconcile, or
// nil when none has run.
func (m *Manager) LastResult() (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadResult()
}

// FileStatuses merges the index with the last reconcile result. Files never
// reconciled report never_attempted.
func (m *Manager) FileStatuses() ([]FileSync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	prev, err := m.loadResult()
	if err != nil {
		return nil, err
	}
	byTarget := map[string]FileSync{}
	if prev != nil {
		for _, f := range prev.Files {
			byTarget[f.TargetPath] = f
		}
	}
	out := make([]FileSync, 0, len(doc.Files))
	for _, f := range doc.Files {
		fs := FileSync{ID: f.ID, DisplayName: f.DisplayName, TargetPath: f.TargetPath, Status: SyncNeverAttempted}
		if p, ok := byTarget[f.TargetPath]; ok {
			fs.Status = p.Status
			fs.LastError = p.LastError
			fs.Mode = p.Mode
			fs.Linked = p.Linked
		}
		out = append(out, fs)
	}
	return out, nil
}

func (m *Manager) resultPath() string {
	return filepath.Join(paths.RepoFilesDir(m.dataDir, m.owner, m.repo), "reconcile.json")
}

func (m *Manager) loadResult() (*Result, error) {
	raw, err := os.ReadFile(m.resultPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reconcile result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode reconcile result: %w", err)
	}
	return &res, nil
}

// reconcile is the core pass. prevLinked holds targets the previous pass
// created links for; it authorizes replacing our own stale links and drives
// removal of targets no longer in the index.
func reconcile(worktreeDir, repoFilesDir string, files []model.ManagedFile, prevLinked map[string]bool) *Result {
	res := &Result{Status: SyncInSync}

	if _, err := os.Stat(worktreeDir); err != nil {
		res.Status = SyncDeferredWorktree
		for _, f := range files {
			res.Files = append(res.Files, FileSync{
				ID: f.ID, DisplayName: f.DisplayName, TargetPath: f.TargetPath,
				Status: SyncDeferredWorktree,
			})
		}
		return res
	}

	blobDir := filepath.Join(repoFilesDir, "blobs")
	current := map[string]bool{}
	linked := make([]string, 0, len(files))

	for _, f := range files {
		current[f.TargetPath] = true
		fs := FileSync{ID: f.ID, DisplayName: f.DisplayName, TargetPath: f.TargetPath}

		source := filepath.Join(repoFilesDir, filepath.FromSlash(f.StorageRelpath))
		srcInfo, err := os.Stat(source)
		if err != nil {
			fs.Status = SyncFailedSourceMissing
			fs.LastError = err.Error()
			res.Files = append(res.Files, fs)
			continue
		}

		dest := filepath.Join(worktreeDir, filepath.FromSlash(f.TargetPath))
		mode, err := ensureLink(dest, source, srcInfo, blobDir, prevLinked[f.TargetPath])
		switch {
		case err == nil:
			fs.Status = SyncInSync
			fs.Mode = mode
			fs.Linked = true
			linked = append(linked, f.TargetPath)
		case errors.Is(err, errConflict):
			fs.Status = SyncFailedConflict
			fs.LastError = err.Error()
		default:
			fs.Status = SyncFailedLinkCreate
			fs.LastError = err.Error()
		}
		res.Files = append(res.Files, fs)
	}

	// One exclude block covers every current target; a write failure flips
	// the files that linked cleanly to failed_exclude.
	targets := make([]string, 0, len(current))
	for t := range current {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	if err := ensureExclude(worktreeDir, targets); err != nil {
		for i := range res.Files {
			if res.Files[i].Status == SyncInSync {
				res.Files[i].Status = SyncFailedExclude
				res.Files[i].LastError = err.Error()
			}
		}
	}

	// Stale pass: previously linked targets that left the index.
	stale := make([]string, 0)
	for t := range prevLinked {
		if !current[t] {
			stale = append(stale, t)
		}
	}
	sort.Strings(stale)
	for _, t := range stale {
		dest := filepath.Join(worktreeDir, filepath.FromSlash(t))
		if _, err := os.Lstat(dest); err == nil {
			if err := os.Remove(dest); err != nil {
				continue
			}
		}
		pruneEmptyParents(filepath.Dir(dest), worktreeDir)
		res.StaleRemoved = append(res.StaleRemoved, t)
	}

	for _, f := range res.Files {
		if f.Status != SyncInSync {
			res.Status = f.Status
			res.LastError = f.LastError
			break
		}
	}
	return res
}

// errConflict marks a destination occupied by content we do not own.
var errConflict = errors.New("unmanaged content at target path")

// ensureLink makes dest a link to source. An existing symlink into the blob
// store or a target we linked on a previous pass is ours to replace;
// anything else at dest is a conflict.
func ensureLink(dest, source string, srcInfo os.FileInfo, blobDir string, ownedBefore bool) (string, error) {
	info, err := os.Lstat(dest)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fall through to create
	case err != nil:
		return "", fmt.Errorf("inspect %s: %w", dest, err)
	case info.Mode()&os.ModeSymlink != 0:
		linkDest, rerr := os.Readlink(dest)
		if rerr != nil {
			return "", fmt.Errorf("readlink %s: %w", dest, rerr)
		}
		if !filepath.IsAbs(linkDest) {
			linkDest = filepath.Join(filepath.Dir(dest), linkDest)
		}
		linkDest = filepath.Clean(linkDest)
		if linkDest == filepath.Clean(source) {
			return linkModeSymlink, nil
		}
		if !ownedBefore && !underDir(linkDest, blobDir) {
			return "", fmt.Errorf("%w: symlink to %s", errConflict, linkDest)
		}
		if err := os.Remove(dest); err != nil {
			return "", fmt.Errorf("replace stale link %s: %w", dest, err)
		}
	case info.Mode().IsRegular():
		if os.SameFile(info, srcInfo) {
			return linkModeHardlink, nil
		}
		if !ownedBefore {
			return "", fmt.Errorf("%w: regular file", errConflict)
		}
		if err := os.Remove(dest); err != nil {
			return "", fmt.Errorf("replace stale link %s: %w", dest, err)
		}
	default:
		return "", fmt.Errorf("%w: %s", errConflict, info.Mode())
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create parent for %s: %w", dest, err)
	}
	if err := os.Symlink(source, dest); err == nil {
		return linkModeSymlink, nil
	} else if lerr := os.Link(source, dest); lerr == nil {
		return linkModeHardlink, nil
	} else {
		return "", fmt.Errorf("link %s: symlink: %v; hardlink: %w", dest, err, lerr)
	}
}

func underDir(p, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

// pruneEmptyParents removes now-empty directories from dir up to (not
// including) root. Remove fails on non-empty directories, which stops the
// walk.
func pruneEmptyParents(dir, root string) {
	root = filepath.Clean(root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !underDir(dir, root) {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ensureExclude maintains a managed block in .git/info/exclude listing every
// projected target. The file is rewritten only when the block content
// changes. Worktrees whose .git is a gitdir pointer file are followed.
func ensureExclude(worktreeDir string, targets []string) error {
	gitDir := filepath.Join(worktreeDir, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return fmt.Errorf("no .git in worktree: %w", err)
	}
	if !info.IsDir() {
		// Linked worktree: .git is a file containing "gitdir: <path>".
		raw, rerr := os.ReadFile(gitDir)
		if rerr != nil {
			return fmt.Errorf("read .git pointer: %w", rerr)
		}
		line := strings.TrimSpace(string(raw))
		const prefix = "gitdir:"
		if !strings.HasPrefix(line, prefix) {
			return fmt.Errorf(".git is neither a directory nor a gitdir pointer")
		}
		p := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		if !filepath.IsAbs(p) {
			p = filepath.Join(worktreeDir, p)
		}
		gitDir = filepath.Clean(p)
	}

	excludePath := filepath.Join(gitDir, "info", "exclude")
	existing, err := os.ReadFile(excludePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read exclude: %w", err)
	}

	block := make([]string, 0, len(targets)+2)
	block = append(block, excludeBegin)
	block = append(block, targets...)
	block = append(block, excludeEnd)

	lines := strings.Split(strings.TrimRight(string(existing), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	out := make([]string, 0, len(lines)+len(block))
	replaced := false
	inBlock := false
	for _, l := range lines {
		switch {
		case l == excludeBegin:
			inBlock = true
			out = append(out, block...)
			replaced = true
		case l == excludeEnd:
			inBlock = false
		case !inBlock:
			out = append(out, l)
		}
	}
	if !replaced {
		out = append(out, block...)
	}

	next := strings.Join(out, "\n") + "\n"
	if string(existing) == next {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return fmt.Errorf("create .git/info: %w", err)
	}
	if err := os.WriteFile(excludePath, []byte(next), 0o644); err != nil {
		return fmt.Errorf("write exclude: %w", err)
	}
	return nil
}
