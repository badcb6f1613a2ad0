// Package projection manages display files: content blobs stored under the
// data root and projected into issue worktrees as symlinks (hard links where
// symlinks are unavailable), with .git/info/exclude keeping them out of
// commits.
package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
)

// MaxManagedFiles caps the index size per repo.
const MaxManagedFiles = 100

// Error codes surfaced through the boundary API.
const (
	CodeFileCapExceeded = "FILE_CAP_EXCEEDED"
	CodeTargetExists    = "TARGET_PATH_EXISTS"
	CodeFileNotFound    = "FILE_NOT_FOUND"
	CodeBadTargetPath   = "BAD_TARGET_PATH"
)

// CodeError is a projection failure with a stable code.
type CodeError struct {
	Code    string
	Message string
}

func (e *CodeError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// IsCode reports whether err carries the given projection code.
func IsCode(err error, code string) bool {
	var ce *CodeError
	return errors.As(err, &ce) && ce.Code == code
}

// indexDoc is the persisted index document.
type indexDoc struct {
	Files  []model.ManagedFile `json:"files"`
	NextID int64               `json:"next_id"`
}

// Manager owns the managed-file index for one (owner, repo).
type Manager struct {
	dataDir string
	owner   string
	repo    string

	fs        fsatomic.FS
	clock     func() time.Time
	newBlobID func() string
	logger    *slog.Logger

	mu sync.Mutex
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithFS injects the filesystem used for writes.
func WithFS(fsys fsatomic.FS) ManagerOption { return func(m *Manager) { m.fs = fsys } }

// WithClock injects the time source.
func WithClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.clock = now } }

// WithBlobIDs injects the blob id generator (tests pin it).
func WithBlobIDs(gen func() string) ManagerOption { return func(m *Manager) { m.newBlobID = gen } }

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption { return func(m *Manager) { m.logger = l } }

// NewManager builds a Manager rooted at the data dir.
func NewManager(dataDir, owner, repo string, opts ...ManagerOption) *Manager {
	m := &Manager{
		dataDir:   dataDir,
		owner:     owner,
		repo:      repo,
		fs:        fsatomic.OS(),
		clock:     time.Now,
		newBlobID: uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) indexPath() string {
	return paths.RepoFilesIndexPath(m.dataDir, m.owner, m.repo)
}

func (m *Manager) blobDir() string {
	return paths.BlobDir(m.dataDir, m.owner, m.repo)
}

func (m *Manager) blobPath(blobID string) string {
	return paths.BlobPath(m.dataDir, m.owner, m.repo, blobID)
}

func (m *Manager) loadIndex() (*indexDoc, error) {
	raw, err := os.ReadFile(m.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return &indexDoc{NextID: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read file index: %w", err)
	}
	var doc indexDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode file index: %w", err)
	}
	if doc.NextID < 1 {
		doc.NextID = 1
	}
	return &doc, nil
}

func (m *Manager) saveIndex(doc *indexDoc) error {
	if err := fsatomic.WriteJSON(m.fs, m.indexPath(), doc); err != nil {
		return fmt.Errorf("write file index: %w", err)
	}
	return nil
}

// List returns managed files ordered by id.
func (m *Manager) List() ([]model.ManagedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	return doc.Files, nil
}

// Get looks a file up by id; nil when absent.
func (m *Manager) Get(id int64) (*model.ManagedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	for i := range doc.Files {
		if doc.Files[i].ID == id {
			f := doc.Files[i]
			return &f, nil
		}
	}
	return nil, nil
}

// UpsertRequest creates or updates a managed file.
type UpsertRequest struct {
	// ID selects an existing file to update. Zero means upsert by target
	// path: an existing file at the target is replaced in place, otherwise
	// a new entry is created.
	ID          int64
	DisplayName string
	TargetPath  string
	Content     []byte
}

// Upsert applies req and returns the resulting entry. New blob content is
// written before the index points at it, so readers never see a dangling
// entry.
func (m *Manager) Upsert(req UpsertRequest) (*model.ManagedFile, error) {
	target, err := NormalizeTargetPath(req.TargetPath)
	if err != nil {
		return nil, err
	}
	if req.DisplayName == "" {
		req.DisplayName = path.Base(target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.loadIndex()
	if err != nil {
		return nil, err
	}

	var entry *model.ManagedFile
	if req.ID != 0 {
		for i := range doc.Files {
			if doc.Files[i].ID == req.ID {
				entry = &doc.Files[i]
				break
			}
		}
		if entry == nil {
			return nil, &CodeError{Code: CodeFileNotFound, Message: fmt.Sprintf("no managed file with id %d", req.ID)}
		}
		for i := range doc.Files {
			if doc.Files[i].TargetPath == target && doc.Files[i].ID != req.ID {
				return nil, &CodeError{Code: CodeTargetExists,
					Message: fmt.Sprintf("target %s already managed by file %d", target, doc.Files[i].ID)}
			}
		}
	} else {
		for i := range doc.Files {
			if doc.Files[i].TargetPath == target {
				entry = &doc.Files[i]
				break
			}
		}
		if entry == nil {
			if len(doc.Files) >= MaxManagedFiles {
				return nil, &CodeError{Code: CodeFileCapExceeded,
					Message: fmt.Sprintf("managed file cap of %d reached", MaxManagedFiles)}
			}
			doc.Files = append(doc.Files, model.ManagedFile{ID: doc.NextID})
			doc.NextID++
			entry = &doc.Files[len(doc.Files)-1]
		}
	}

	oldBlob := entry.StorageRelpath
	blobID := m.newBlobID()
	if err := fsatomic.WriteFileMode(m.fs, m.blobPath(blobID), req.Content, fsatomic.DefaultMode); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}

	sum := sha256.Sum256(req.Content)
	entry.DisplayName = req.DisplayName
	entry.TargetPath = target
	entry.StorageRelpath = path.Join("blobs", blobID)
	entry.SizeBytes = int64(len(req.Content))
	entry.SHA256 = hex.EncodeToString(sum[:])
	entry.UpdatedAt = m.clock().UTC()

	if err := m.saveIndex(doc); err != nil {
		// The new blob is unreachable; drop it.
		m.fs.Remove(m.blobPath(blobID))
		return nil, err
	}
	if oldBlob != "" {
		old := filepath.Join(paths.RepoFilesDir(m.dataDir, m.owner, m.repo), filepath.FromSlash(oldBlob))
		if err := m.fs.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("stale blob not removed", "path", old, "error", err)
		}
	}

	result := *entry
	return &result, nil
}

// Delete removes a managed file from the index. Its worktree link is
// removed by the next reconcile's stale pass.
func (m *Manager) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.loadIndex()
	if err != nil {
		return err
	}
	idx := -1
	for i := range doc.Files {
		if doc.Files[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &CodeError{Code: CodeFileNotFound, Message: fmt.Sprintf("no managed file with id %d", id)}
	}
	removed := doc.Files[idx]
	doc.Files = append(doc.Files[:idx], doc.Files[idx+1:]...)
	if err := m.saveIndex(doc); err != nil {
		return err
	}
	if removed.StorageRelpath != "" {
		old := filepath.Join(paths.RepoFilesDir(m.dataDir, m.owner, m.repo), filepath.FromSlash(removed.StorageRelpath))
		if err := m.fs.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("deleted file blob not removed", "path", old, "error", err)
		}
	}
	return nil
}

// ReadContent returns the blob content for a managed file.
func (m *Manager) ReadContent(f model.ManagedFile) ([]byte, error) {
	p := filepath.Join(paths.RepoFilesDir(m.dataDir, m.owner, m.repo), filepath.FromSlash(f.StorageRelpath))
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read blob for %s: %w", f.DisplayName, err)
	}
	return b, nil
}

// NormalizeTargetPath validates and canonicalizes a worktree-relative target
// path: forward slashes, no traversal, not inside .git or the state dir.
func NormalizeTargetPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", &CodeError{Code: CodeBadTargetPath, Message: "empty target path"}
	}
	if strings.HasPrefix(p, "/") || hasDrivePrefix(p) {
		return "", &CodeError{Code: CodeBadTargetPath, Message: "target path must be relative"}
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &CodeError{Code: CodeBadTargetPath, Message: "target path escapes the worktree"}
	}
	first := clean
	if i := strings.Index(clean, "/"); i >= 0 {
		first = clean[:i]
	}
	if first == ".git" || first == paths.StateDirName {
		return "", &CodeError{Code: CodeBadTargetPath,
			Message: fmt.Sprintf("target path may not enter %s", first)}
	}
	return clean, nil
}

func hasDrivePrefix(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
