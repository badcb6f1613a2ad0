// Package store persists issue state, task lists, memory, content, and the
// active-issue selection in a single sqlite database under the data root.
//
// Writes go through one connection (SetMaxOpenConns(1)) and immediate
// transactions, so concurrent writers queue instead of failing with
// SQLITE_BUSY mid-transaction. Documents that cross-process readers need
// (issue.json, tasks.json, the content mirror) are re-mirrored to disk after
// every committed write; the database stays canonical.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/paths"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a handle to the jeeves database for one data dir.
type Store struct {
	db      *sql.DB
	dataDir string
	fs      fsatomic.FS
	logger  *slog.Logger
	now     func() time.Time
	observe func(op string)

	// mu serializes in-process writers ahead of the sqlite lock so the
	// busy timeout only arbitrates between processes.
	mu sync.Mutex
}

// Option customizes Open.
type Option func(*Store)

// WithFS injects the filesystem used for document mirrors.
func WithFS(fsys fsatomic.FS) Option { return func(s *Store) { s.fs = fsys } }

// WithClock injects the time source (tests pin it).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithWriteObserver registers a hook called once per committed write
// transaction with the operation name. Used for metrics.
func WithWriteObserver(fn func(op string)) Option {
	return func(s *Store) { s.observe = fn }
}

// Open opens (creating if needed) the database under dataDir, applies
// pending migrations, and imports the legacy content mirror once.
func Open(dataDir string, opts ...Option) (*Store, error) {
	s := &Store{
		dataDir: dataDir,
		fs:      fsatomic.OS(),
		logger:  slog.Default(),
		now:     time.Now,
		observe: func(string) {},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.fs.MkdirAll(dataDir, 0o755); err != nil {
		return nil, &Error{Op: "open", Kind: KindIO, Err: err}
	}

	// _txlock=immediate makes every transaction take the write lock up
	// front, so a busy database surfaces as a wait (bounded by
	// _busy_timeout) instead of a late SQLITE_BUSY on the first write.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on",
		paths.DBPath(dataDir))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &Error{Op: "open", Kind: KindIO, Err: err}
	}
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.bootstrapContent(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DataDir returns the data root this store was opened against.
func (s *Store) DataDir() string { return s.dataDir }

var migrations = []string{
	`
CREATE TABLE repositories (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	repo  TEXT NOT NULL,
	UNIQUE (owner, repo)
);
CREATE TABLE repository_issues (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	issue_number  INTEGER NOT NULL,
	issue_title   TEXT NOT NULL DEFAULT '',
	branch        TEXT NOT NULL DEFAULT '',
	phase         TEXT NOT NULL DEFAULT '',
	workflow      TEXT NOT NULL DEFAULT '',
	UNIQUE (repository_id, issue_number)
);
CREATE TABLE issue_state_core (
	state_dir     TEXT PRIMARY KEY,
	issue_id      INTEGER REFERENCES repository_issues(id),
	status_json   TEXT NOT NULL DEFAULT '{}',
	updated_at_ms INTEGER NOT NULL
);
CREATE TABLE issue_task_lists (
	state_dir  TEXT PRIMARY KEY,
	tasks_split INTEGER NOT NULL DEFAULT 0,
	task_count INTEGER NOT NULL DEFAULT 0,
	extra_json TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE issue_task_items (
	state_dir       TEXT NOT NULL,
	task_index      INTEGER NOT NULL,
	task_id         TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	files_allowed_json TEXT NOT NULL DEFAULT '[]',
	acceptance_json TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (state_dir, task_index)
);
CREATE TABLE issue_task_dependencies (
	state_dir  TEXT NOT NULL,
	task_index INTEGER NOT NULL,
	dep_index  INTEGER NOT NULL,
	depends_on_task_id TEXT NOT NULL,
	PRIMARY KEY (state_dir, task_index, dep_index)
);
CREATE TABLE issue_memory (
	state_dir        TEXT NOT NULL,
	scope            TEXT NOT NULL,
	key              TEXT NOT NULL,
	value_json       TEXT NOT NULL,
	source_iteration INTEGER NOT NULL DEFAULT 0,
	stale            INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (state_dir, scope, key)
);
CREATE TABLE content_prompts (
	id         TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	sha        TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE content_workflows (
	name       TEXT PRIMARY KEY,
	yaml       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE active_issue (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	issue_ref TEXT NOT NULL,
	saved_at  TEXT NOT NULL
);
CREATE TABLE bootstrap_markers (
	key         TEXT PRIMARY KEY,
	imported_at TEXT NOT NULL
);
`,
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return &Error{Op: "migrate", Kind: KindSchema, Err: err}
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return &Error{Op: "migrate", Kind: KindSchema, Err: err}
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.Begin()
		if err != nil {
			return &Error{Op: "migrate", Kind: KindIO, Err: err}
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return &Error{Op: "migrate", Kind: KindSchema, Err: fmt.Errorf("migration %d: %w", version, err)}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, s.now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return &Error{Op: "migrate", Kind: KindSchema, Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &Error{Op: "migrate", Kind: KindIO, Err: err}
		}
		s.logger.Debug("applied migration", "version", version)
	}
	return nil
}

// withTx runs fn in an immediate transaction, serialized against other
// in-process writers, and reports the committed write to the observer.
func (s *Store) withTx(op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return wrapErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrapErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(op, err)
	}
	s.observe(op)
	return nil
}

// marker keys namespace the one-shot legacy imports.
func markerIssue(stateDir string) string { return "issue:" + stateDir }
func markerTasks(stateDir string) string { return "tasks:" + stateDir }

const (
	markerActive  = "active"
	markerContent = "content"
)

func hasMarker(tx *sql.Tx, key string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM bootstrap_markers WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func setMarker(tx *sql.Tx, key string, at time.Time) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO bootstrap_markers (key, imported_at) VALUES (?, ?)`,
		key, at.UTC().Format(time.RFC3339))
	return err
}
