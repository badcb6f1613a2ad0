// Package paths resolves the per-platform data root and the directory
// layout underneath it. Nothing here touches the filesystem beyond reading
// the environment; callers create directories as they need them.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/jeeves-sh/jeeves/internal/model"
)

// EnvDataDir overrides the platform default data root when set.
const EnvDataDir = "JEEVES_DATA_DIR"

// EnvWorktreeRoot relocates the worktrees directory when set.
const EnvWorktreeRoot = "JEEVES_WORKTREE_ROOT"

// StateDirName is the per-issue state directory inside a worktree.
const StateDirName = ".jeeves"

// DataRoot resolves the jeeves data directory: JEEVES_DATA_DIR when set,
// otherwise the platform convention (LOCALAPPDATA on Windows, Application
// Support on macOS, XDG data home on Linux).
func DataRoot() (string, error) {
	if v := os.Getenv(EnvDataDir); v != "" {
		return filepath.Clean(v), nil
	}
	switch runtime.GOOS {
	case "windows":
		if v := os.Getenv("LOCALAPPDATA"); v != "" {
			return filepath.Join(v, "jeeves"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve data root: %w", err)
		}
		return filepath.Join(home, "AppData", "Local", "jeeves"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve data root: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", "jeeves"), nil
	default:
		if v := os.Getenv("XDG_DATA_HOME"); v != "" {
			return filepath.Join(v, "jeeves"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve data root: %w", err)
		}
		return filepath.Join(home, ".local", "share", "jeeves"), nil
	}
}

// DBPath is the sqlite store location under the data root.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "jeeves.db")
}

// ActiveIssuePath is the legacy active-issue marker file.
func ActiveIssuePath(dataDir string) string {
	return filepath.Join(dataDir, "active-issue.json")
}

// CredentialsPath is the write-only secrets file (0600).
func CredentialsPath(dataDir string) string {
	return filepath.Join(dataDir, "credentials.json")
}

// IssueDir is the legacy per-issue directory under the data root. It is read
// at bootstrap only; the canonical state dir lives inside the worktree.
func IssueDir(dataDir string, ref model.IssueRef) string {
	return filepath.Join(dataDir, "issues", ref.Owner, ref.Repo, fmt.Sprintf("%d", ref.Number))
}

// WorktreeDir is the on-disk checkout for one issue. JEEVES_WORKTREE_ROOT
// relocates the parent when set.
func WorktreeDir(dataDir string, ref model.IssueRef) string {
	root := filepath.Join(dataDir, "worktrees")
	if v := os.Getenv(EnvWorktreeRoot); v != "" {
		root = filepath.Clean(v)
	}
	return filepath.Join(root, ref.Owner, ref.Repo, fmt.Sprintf("issue-%d", ref.Number))
}

// StateDir is the canonical issue state directory inside a worktree.
func StateDir(worktreeDir string) string {
	return filepath.Join(worktreeDir, StateDirName)
}

// RepoFilesDir holds the managed-file index and blob store for one repo.
func RepoFilesDir(dataDir, owner, repo string) string {
	return filepath.Join(dataDir, "repo-files", owner, repo)
}

// RepoFilesIndexPath is the managed-file index document.
func RepoFilesIndexPath(dataDir, owner, repo string) string {
	return filepath.Join(RepoFilesDir(dataDir, owner, repo), "index.json")
}

// BlobDir holds managed-file blob contents, one file per blob id.
func BlobDir(dataDir, owner, repo string) string {
	return filepath.Join(RepoFilesDir(dataDir, owner, repo), "blobs")
}

// BlobPath is the content file for one blob id.
func BlobPath(dataDir, owner, repo, blobID string) string {
	return filepath.Join(BlobDir(dataDir, owner, repo), blobID)
}

// ContentDir is the readable mirror of store-held content.
func ContentDir(dataDir string) string {
	return filepath.Join(dataDir, "content")
}

// PromptsMirrorDir mirrors content_prompts rows as files.
func PromptsMirrorDir(dataDir string) string {
	return filepath.Join(ContentDir(dataDir), "prompts")
}

// WorkflowsMirrorDir mirrors content_workflows rows as YAML files.
func WorkflowsMirrorDir(dataDir string) string {
	return filepath.Join(ContentDir(dataDir), "workflows")
}

// RunsDir is the parent of all run dirs under an issue state dir. Run ids
// are ULIDs, so its entries sort lexicographically by start time.
func RunsDir(stateDir string) string {
	return filepath.Join(stateDir, "runs")
}

// RunDir is the artifact directory for one run under an issue state dir.
func RunDir(stateDir, runID string) string {
	return filepath.Join(RunsDir(stateDir), runID)
}

// WorkerDir is the artifact directory for one parallel-wave worker. The
// runKey is resolved by the run manager (status.parallel.runId wins over the
// current run id).
func WorkerDir(stateDir, runKey, workerID string) string {
	return filepath.Join(RunDir(stateDir, runKey), "workers", workerID)
}

// RunJSONPath is the run status document inside a run dir.
func RunJSONPath(runDir string) string {
	return filepath.Join(runDir, "run.json")
}

// ViewerLogPath is the append-only human log inside a run dir.
func ViewerLogPath(runDir string) string {
	return filepath.Join(runDir, "viewer.log")
}

// OutputJSONPath is the provider output artifact inside a run or worker dir.
func OutputJSONPath(dir string) string {
	return filepath.Join(dir, "output.json")
}

// IssueJSONPath is the state document inside a state dir.
func IssueJSONPath(stateDir string) string {
	return filepath.Join(stateDir, "issue.json")
}

// TasksJSONPath is the task list document inside a state dir.
func TasksJSONPath(stateDir string) string {
	return filepath.Join(stateDir, "tasks.json")
}
