package fsatomic

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextCreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.txt")

	require.NoError(t, WriteText(OS(), path, "first"))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(b))

	require.NoError(t, WriteText(OS(), path, "second"))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))

	// No temp siblings left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteJSONModeSetsSecretPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are advisory on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	require.NoError(t, WriteJSONMode(OS(), path, map[string]string{"token": "s"}, SecretMode))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// renameFailFS fails the first rename to exercise the delete-then-rename
// fallback.
type renameFailFS struct {
	FS
	mu     sync.Mutex
	failed bool
}

func (r *renameFailFS) Rename(oldpath, newpath string) error {
	r.mu.Lock()
	first := !r.failed
	r.failed = true
	r.mu.Unlock()
	if first {
		return errors.New("rename refused")
	}
	return r.FS.Rename(oldpath, newpath)
}

func TestWriteFallsBackToDeleteThenRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, WriteText(OS(), path, "old"))

	fsys := &renameFailFS{FS: OS()}
	require.NoError(t, WriteText(fsys, path, "new"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
}

// A reader racing a writer must only ever observe complete documents: the
// previous content or the next, never a truncated intermediate.
func TestReaderNeverSeesPartialContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	big := strings.Repeat("x", 64*1024)
	docA := map[string]string{"gen": "a", "pad": big}
	docB := map[string]string{"gen": "b", "pad": big}
	require.NoError(t, WriteJSON(OS(), path, docA))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			doc := docA
			if i%2 == 1 {
				doc = docB
			}
			if err := WriteJSON(OS(), path, doc); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		var got map[string]string
		require.NoError(t, json.Unmarshal(b, &got), "observed a torn write")
		assert.Contains(t, []string{"a", "b"}, got["gen"])
	}
}
