package projection

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	n := 0
	m := NewManager(dataDir, "acme", "widgets",
		WithBlobIDs(func() string { n++; return fmt.Sprintf("blob-%d", n) }),
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }),
	)
	return m, dataDir
}

func makeWorktree(t *testing.T) string {
	t.Helper()
	wt := filepath.Join(t.TempDir(), "worktree")
	require.NoError(t, os.MkdirAll(filepath.Join(wt, ".git", "info"), 0o755))
	return wt
}

func TestUpsertCreatesFile(t *testing.T) {
	m, _ := newTestManager(t)

	f, err := m.Upsert(UpsertRequest{
		DisplayName: "Guide",
		TargetPath:  "docs/guide.md",
		Content:     []byte("# guide\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.ID)
	assert.Equal(t, "docs/guide.md", f.TargetPath)
	assert.Equal(t, "blobs/blob-1", f.StorageRelpath)
	assert.Equal(t, int64(8), f.SizeBytes)
	assert.Len(t, f.SHA256, 64)

	content, err := m.ReadContent(*f)
	require.NoError(t, err)
	assert.Equal(t, "# guide\n", string(content))

	files, err := m.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, *f, files[0])
}

func TestUpsertDefaultsDisplayNameFromTarget(t *testing.T) {
	m, _ := newTestManager(t)

	f, err := m.Upsert(UpsertRequest{TargetPath: "notes/todo.md", Content: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "todo.md", f.DisplayName)
}

func TestUpsertByTargetReplacesContent(t *testing.T) {
	m, dataDir := newTestManager(t)

	first, err := m.Upsert(UpsertRequest{TargetPath: "a.txt", Content: []byte("one")})
	require.NoError(t, err)
	second, err := m.Upsert(UpsertRequest{TargetPath: "a.txt", Content: []byte("two")})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.SHA256, second.SHA256)
	assert.NotEqual(t, first.StorageRelpath, second.StorageRelpath)

	oldBlob := filepath.Join(dataDir, "repo-files", "acme", "widgets", filepath.FromSlash(first.StorageRelpath))
	_, statErr := os.Stat(oldBlob)
	assert.True(t, os.IsNotExist(statErr), "stale blob should be removed")

	files, err := m.List()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUpsertByIDUpdatesTarget(t *testing.T) {
	m, _ := newTestManager(t)

	f, err := m.Upsert(UpsertRequest{TargetPath: "a.txt", Content: []byte("one")})
	require.NoError(t, err)
	_, err = m.Upsert(UpsertRequest{TargetPath: "b.txt", Content: []byte("two")})
	require.NoError(t, err)

	moved, err := m.Upsert(UpsertRequest{ID: f.ID, TargetPath: "c.txt", Content: []byte("one")})
	require.NoError(t, err)
	assert.Equal(t, "c.txt", moved.TargetPath)

	_, err = m.Upsert(UpsertRequest{ID: f.ID, TargetPath: "b.txt", Content: []byte("one")})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTargetExists))
}

func TestUpsertUnknownID(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Upsert(UpsertRequest{ID: 42, TargetPath: "a.txt", Content: []byte("x")})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeFileNotFound))
}

func TestUpsertEnforcesCap(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < MaxManagedFiles; i++ {
		_, err := m.Upsert(UpsertRequest{
			TargetPath: fmt.Sprintf("gen/%03d.txt", i),
			Content:    []byte("x"),
		})
		require.NoError(t, err)
	}
	_, err := m.Upsert(UpsertRequest{TargetPath: "gen/overflow.txt", Content: []byte("x")})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeFileCapExceeded))

	// Replacing an existing target is still allowed at the cap.
	_, err = m.Upsert(UpsertRequest{TargetPath: "gen/000.txt", Content: []byte("y")})
	assert.NoError(t, err)
}

func TestDeleteRemovesEntryAndBlob(t *testing.T) {
	m, dataDir := newTestManager(t)

	f, err := m.Upsert(UpsertRequest{TargetPath: "a.txt", Content: []byte("one")})
	require.NoError(t, err)
	require.NoError(t, m.Delete(f.ID))

	files, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, files)

	blob := filepath.Join(dataDir, "repo-files", "acme", "widgets", filepath.FromSlash(f.StorageRelpath))
	_, statErr := os.Stat(blob)
	assert.True(t, os.IsNotExist(statErr))

	err = m.Delete(f.ID)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeFileNotFound))
}

func TestNormalizeTargetPath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "docs/guide.md", want: "docs/guide.md"},
		{in: "docs\\guide.md", want: "docs/guide.md"},
		{in: " docs/guide.md ", want: "docs/guide.md"},
		{in: "docs//guide.md", want: "docs/guide.md"},
		{in: "", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "C:/temp/x", wantErr: true},
		{in: "../outside", wantErr: true},
		{in: "docs/../../outside", wantErr: true},
		{in: ".", wantErr: true},
		{in: ".git/hooks/pre-commit", wantErr: true},
		{in: ".jeeves/issue.json", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizeTargetPath(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, IsCode(err, CodeBadTargetPath))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReconcileLinksAndExcludes(t *testing.T) {
	m, dataDir := newTestManager(t)
	wt := makeWorktree(t)

	a, err := m.Upsert(UpsertRequest{TargetPath: "docs/a.md", Content: []byte("alpha")})
	require.NoError(t, err)
	_, err = m.Upsert(UpsertRequest{TargetPath: "b.md", Content: []byte("beta")})
	require.NoError(t, err)

	res, err := m.Reconcile(wt)
	require.NoError(t, err)
	assert.Equal(t, SyncInSync, res.Status)
	require.Len(t, res.Files, 2)
	for _, f := range res.Files {
		assert.Equal(t, SyncInSync, f.Status, f.TargetPath)
		assert.True(t, f.Linked)
	}

	// Destination resolves to the blob, whichever link mode was used.
	destInfo, err := os.Stat(filepath.Join(wt, "docs", "a.md"))
	require.NoError(t, err)
	blobInfo, err := os.Stat(filepath.Join(dataDir, "repo-files", "acme", "widgets", filepath.FromSlash(a.StorageRelpath)))
	require.NoError(t, err)
	assert.True(t, os.SameFile(destInfo, blobInfo))

	exclude, err := os.ReadFile(filepath.Join(wt, ".git", "info", "exclude"))
	require.NoError(t, err)
	assert.Contains(t, string(exclude), excludeBegin)
	assert.Contains(t, string(exclude), "docs/a.md")
	assert.Contains(t, string(exclude), "b.md")

	// Idempotent: a second pass reports the same statuses and leaves the
	// exclude file byte-identical.
	res2, err := m.Reconcile(wt)
	require.NoError(t, err)
	assert.Equal(t, SyncInSync, res2.Status)
	exclude2, err := os.ReadFile(filepath.Join(wt, ".git", "info", "exclude"))
	require.NoError(t, err)
	assert.Equal(t, string(exclude), string(exclude2))
}

func TestReconcileWorktreeAbsent(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Upsert(UpsertRequest{TargetPath: "a.md", Content: []byte("x")})
	require.NoError(t, err)

	res, err := m.Reconcile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Equal(t, SyncDeferredWorktree, res.Status)
	require.Len(t, res.Files, 1)
	assert.Equal(t, SyncDeferredWorktree, res.Files[0].Status)
	assert.False(t, res.Files[0].Linked)
}

func TestReconcileConflictLeavesFileAlone(t *testing.T) {
	m, _ := newTestManager(t)
	wt := makeWorktree(t)

	_, err := m.Upsert(UpsertRequest{TargetPath: "keep.md", Content: []byte("managed")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wt, "keep.md"), []byte("user content"), 0o644))

	res, err := m.Reconcile(wt)
	require.NoError(t, err)
	assert.Equal(t, SyncFailedConflict, res.Status)
	assert.Equal(t, SyncFailedConflict, res.Files[0].Status)
	assert.NotEmpty(t, res.Files[0].LastError)

	got, err := os.ReadFile(filepath.Join(wt, "keep.md"))
	require.NoError(t, err)
	assert.Equal(t, "user content", string(got))
}

func TestReconcileSourceMissing(t *testing.T) {
	m, dataDir := newTestManager(t)
	wt := makeWorktree(t)

	f, err := m.Upsert(UpsertRequest{TargetPath: "a.md", Content: []byte("x")})
	require.NoError(t, err)
	blob := filepath.Join(dataDir, "repo-files", "acme", "widgets", filepath.FromSlash(f.StorageRelpath))
	require.NoError(t, os.Remove(blob))

	res, err := m.Reconcile(wt)
	require.NoError(t, err)
	assert.Equal(t, SyncFailedSourceMissing, res.Status)
	assert.Equal(t, SyncFailedSourceMissing, res.Files[0].Status)
}

func TestReconcileRelinksAfterContentUpdate(t *testing.T) {
	m, dataDir := newTestManager(t)
	wt := makeWorktree(t)

	_, err := m.Upsert(UpsertRequest{TargetPath: "a.md", Content: []byte("v1")})
	require.NoError(t, err)
	_, err = m.Reconcile(wt)
	require.NoError(t, err)

	updated, err := m.Upsert(UpsertRequest{TargetPath: "a.md", Content: []byte("v2")})
	require.NoError(t, err)

	res, err := m.Reconcile(wt)
	require.NoError(t, err)
	assert.Equal(t, SyncInSync, res.Status)

	destInfo, err := os.Stat(filepath.Join(wt, "a.md"))
	require.NoError(t, err)
	blobInfo, err := os.Stat(filepath.Join(dataDir, "repo-files", "acme", "widgets", filepath.FromSlash(updated.StorageRelpath)))
	require.NoError(t, err)
	assert.True(t, os.SameFile(destInfo, blobInfo))

	got, err := os.ReadFile(filepath.Join(wt, "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestReconcileRemovesStaleTargetsAndPrunesParents(t *testing.T) {
	m, _ := newTestManager(t)
	wt := makeWorktree(t)

	keep, err := m.Upsert(UpsertRequest{TargetPath: "keep.md", Content: []byte("k")})
	require.NoError(t, err)
	gone, err := m.Upsert(UpsertRequest{TargetPath: "deep/nested/gone.md", Content: []byte("g")})
	require.NoError(t, err)
	_, err = m.Reconcile(wt)
	require.NoError(t, err)

	require.NoError(t, m.Delete(gone.ID))
	res, err := m.Reconcile(wt)
	require.NoError(t, err)

	assert.Equal(t, SyncInSync, res.Status)
	assert.Equal(t, []string{"deep/nested/gone.md"}, res.StaleRemoved)

	_, statErr := os.Lstat(filepath.Join(wt, "deep", "nested", "gone.md"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(wt, "deep"))
	assert.True(t, os.IsNotExist(statErr), "empty parents should be pruned")

	_, statErr = os.Stat(filepath.Join(wt, "keep.md"))
	assert.NoError(t, statErr)

	exclude, err := os.ReadFile(filepath.Join(wt, ".git", "info", "exclude"))
	require.NoError(t, err)
	assert.Contains(t, string(exclude), keep.TargetPath)
	assert.NotContains(t, string(exclude), "gone.md")
}

func TestReconcileWithoutGitDirMarksExcludeFailure(t *testing.T) {
	m, _ := newTestManager(t)
	wt := filepath.Join(t.TempDir(), "worktree")
	require.NoError(t, os.MkdirAll(wt, 0o755))

	_, err := m.Upsert(UpsertRequest{TargetPath: "a.md", Content: []byte("x")})
	require.NoError(t, err)

	res, err := m.Reconcile(wt)
	require.NoError(t, err)
	assert.Equal(t, SyncFailedExclude, res.Status)
	assert.Equal(t, SyncFailedExclude, res.Files[0].Status)

	// The link itself is still in place.
	_, statErr := os.Stat(filepath.Join(wt, "a.md"))
	assert.NoError(t, statErr)
}

func TestEnsureExcludePreservesUserLines(t *testing.T) {
	wt := makeWorktree(t)
	excludePath := filepath.Join(wt, ".git", "info", "exclude")
	require.NoError(t, os.WriteFile(excludePath, []byte("*.log\nbuild/\n"), 0o644))

	require.NoError(t, ensureExclude(wt, []string{"a.md", "docs/b.md"}))
	raw, err := os.ReadFile(excludePath)
	require.NoError(t, err)
	content := string(raw)
	assert.True(t, strings.HasPrefix(content, "*.log\nbuild/\n"))
	assert.Contains(t, content, excludeBegin+"\na.md\ndocs/b.md\n"+excludeEnd)

	// Shrinking the target set rewrites only the managed block.
	require.NoError(t, ensureExclude(wt, []string{"a.md"}))
	raw, err = os.ReadFile(excludePath)
	require.NoError(t, err)
	content = string(raw)
	assert.True(t, strings.HasPrefix(content, "*.log\nbuild/\n"))
	assert.NotContains(t, content, "docs/b.md")
	assert.Equal(t, 1, strings.Count(content, excludeBegin))
}

func TestEnsureExcludeFollowsGitdirPointer(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, "repo.git", "worktrees", "wt1")
	require.NoError(t, os.MkdirAll(gitDir, 0o755))
	wt := filepath.Join(root, "worktree")
	require.NoError(t, os.MkdirAll(wt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: "+gitDir+"\n"), 0o644))

	require.NoError(t, ensureExclude(wt, []string{"a.md"}))
	raw, err := os.ReadFile(filepath.Join(gitDir, "info", "exclude"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "a.md")
}

func TestFileStatusesBeforeAndAfterReconcile(t *testing.T) {
	m, _ := newTestManager(t)
	wt := makeWorktree(t)

	_, err := m.Upsert(UpsertRequest{TargetPath: "a.md", Content: []byte("x")})
	require.NoError(t, err)

	statuses, err := m.FileStatuses()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, SyncNeverAttempted, statuses[0].Status)

	_, err = m.Reconcile(wt)
	require.NoError(t, err)

	statuses, err = m.FileStatuses()
	require.NoError(t, err)
	assert.Equal(t, SyncInSync, statuses[0].Status)

	// A file added after the pass reports never_attempted until the next one.
	_, err = m.Upsert(UpsertRequest{TargetPath: "b.md", Content: []byte("y")})
	require.NoError(t, err)
	statuses, err = m.FileStatuses()
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, SyncNeverAttempted, statuses[1].Status)
}

func TestLastResultPersistsAcrossManagers(t *testing.T) {
	m, dataDir := newTestManager(t)
	wt := makeWorktree(t)

	_, err := m.Upsert(UpsertRequest{TargetPath: "a.md", Content: []byte("x")})
	require.NoError(t, err)
	_, err = m.Reconcile(wt)
	require.NoError(t, err)

	fresh := NewManager(dataDir, "acme", "widgets")
	res, err := fresh.LastResult()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, SyncInSync, res.Status)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "a.md", res.Files[0].TargetPath)
}
