package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
)

// IssueSummary is one row of ListIssues.
type IssueSummary struct {
	Ref         model.IssueRef `json:"ref"`
	Title       string         `json:"title,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	Phase       string         `json:"phase,omitempty"`
	Workflow    string         `json:"workflow,omitempty"`
	StateDir    string         `json:"state_dir,omitempty"`
	UpdatedAtMS int64          `json:"updated_at_ms,omitempty"`
}

// WriteIssue upserts the issue's derived rows and opaque payload in one
// transaction, stamps a per-state-dir monotonic updated_at_ms, and mirrors
// the document to <stateDir>/issue.json for cross-process readers.
func (s *Store) WriteIssue(stateDir string, st *model.IssueState) error {
	if st == nil {
		return schemaErr("write_issue", errors.New("nil issue state"))
	}
	if st.Owner == "" || st.Repo == "" || st.IssueNumber <= 0 {
		return schemaErr("write_issue", fmt.Errorf("incomplete issue ref %q", st.Ref()))
	}

	err := s.withTx("write_issue", func(tx *sql.Tx) error {
		issueID, err := upsertIssueRows(tx, st)
		if err != nil {
			return err
		}

		var prev int64
		err = tx.QueryRow(`SELECT updated_at_ms FROM issue_state_core WHERE state_dir = ?`, stateDir).Scan(&prev)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		// Wall clocks move backwards across processes; the stamp only has
		// to be strictly increasing per state dir.
		ms := s.now().UnixMilli()
		if ms <= prev {
			ms = prev + 1
		}
		st.UpdatedAtMS = ms

		payload, err := json.Marshal(st)
		if err != nil {
			return schemaErr("write_issue", err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO issue_state_core
			(state_dir, issue_id, status_json, updated_at_ms) VALUES (?, ?, ?, ?)`,
			stateDir, issueID, string(payload), ms); err != nil {
			return err
		}
		return setMarker(tx, markerIssue(stateDir), s.now())
	})
	if err != nil {
		return err
	}
	return s.mirrorIssue(stateDir, st)
}

func upsertIssueRows(tx *sql.Tx, st *model.IssueState) (int64, error) {
	var repoID int64
	err := tx.QueryRow(`SELECT id FROM repositories WHERE owner = ? AND repo = ?`,
		st.Owner, st.Repo).Scan(&repoID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`INSERT INTO repositories (owner, repo) VALUES (?, ?)`, st.Owner, st.Repo)
		if err != nil {
			return 0, err
		}
		if repoID, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	}

	var issueID int64
	err = tx.QueryRow(`SELECT id FROM repository_issues WHERE repository_id = ? AND issue_number = ?`,
		repoID, st.IssueNumber).Scan(&issueID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`INSERT INTO repository_issues
			(repository_id, issue_number, issue_title, branch, phase, workflow)
			VALUES (?, ?, ?, ?, ?, ?)`,
			repoID, st.IssueNumber, st.IssueTitle, st.Branch, st.Phase, st.Workflow)
		if err != nil {
			return 0, err
		}
		if issueID, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		if _, err := tx.Exec(`UPDATE repository_issues
			SET issue_title = ?, branch = ?, phase = ?, workflow = ? WHERE id = ?`,
			st.IssueTitle, st.Branch, st.Phase, st.Workflow, issueID); err != nil {
			return 0, err
		}
	}
	return issueID, nil
}

func (s *Store) mirrorIssue(stateDir string, st *model.IssueState) error {
	if err := fsatomic.WriteJSON(s.fs, paths.IssueJSONPath(stateDir), st); err != nil {
		return ioErr("write_issue", err)
	}
	return nil
}

// ReadIssue returns the payload exactly as last written, or nil when the
// state dir has never been written. A legacy issue.json found on first read
// is imported once; the bootstrap marker prevents re-imports.
func (s *Store) ReadIssue(stateDir string) (*model.IssueState, error) {
	st, found, err := s.readIssueRow(stateDir)
	if err != nil {
		return nil, err
	}
	if found {
		return st, nil
	}
	return s.bootstrapIssue(stateDir)
}

func (s *Store) readIssueRow(stateDir string) (*model.IssueState, bool, error) {
	var payload string
	var ms int64
	err := s.db.QueryRow(`SELECT status_json, updated_at_ms FROM issue_state_core WHERE state_dir = ?`,
		stateDir).Scan(&payload, &ms)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("read_issue", err)
	}
	var st model.IssueState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, false, schemaErr("read_issue", err)
	}
	st.UpdatedAtMS = ms
	return &st, true, nil
}

// bootstrapIssue imports a pre-database issue.json once. Absent file reads
// as a missing issue; a file that fails to decode is a schema error so the
// operator can repair it (no marker is written in that case).
func (s *Store) bootstrapIssue(stateDir string) (*model.IssueState, error) {
	blocked, err := s.markerExists(markerIssue(stateDir))
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, nil
	}

	raw, err := os.ReadFile(paths.IssueJSONPath(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("read_issue", err)
	}
	var st model.IssueState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, schemaErr("read_issue", fmt.Errorf("legacy issue.json: %w", err))
	}
	if err := s.WriteIssue(stateDir, &st); err != nil {
		return nil, err
	}
	s.logger.Info("imported legacy issue state", "state_dir", stateDir, "issue", st.Ref().String())
	return s.ReadIssue(stateDir)
}

func (s *Store) markerExists(key string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM bootstrap_markers WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("read_marker", err)
	}
	return true, nil
}

// ListIssues returns every known issue ordered by owner, repo, number. When
// multiple state dirs exist for one issue (a legacy dir plus the canonical
// one) the most recently written wins.
func (s *Store) ListIssues() ([]IssueSummary, error) {
	rows, err := s.db.Query(`
		SELECT r.owner, r.repo, ri.issue_number, ri.issue_title, ri.branch,
		       ri.phase, ri.workflow, COALESCE(c.state_dir, ''), COALESCE(c.updated_at_ms, 0)
		FROM repository_issues ri
		JOIN repositories r ON r.id = ri.repository_id
		LEFT JOIN issue_state_core c ON c.issue_id = ri.id
		ORDER BY r.owner, r.repo, ri.issue_number, COALESCE(c.updated_at_ms, 0)`)
	if err != nil {
		return nil, wrapErr("list_issues", err)
	}
	defer rows.Close()

	byRef := map[model.IssueRef]IssueSummary{}
	var order []model.IssueRef
	for rows.Next() {
		var sum IssueSummary
		if err := rows.Scan(&sum.Ref.Owner, &sum.Ref.Repo, &sum.Ref.Number, &sum.Title,
			&sum.Branch, &sum.Phase, &sum.Workflow, &sum.StateDir, &sum.UpdatedAtMS); err != nil {
			return nil, wrapErr("list_issues", err)
		}
		if _, seen := byRef[sum.Ref]; !seen {
			order = append(order, sum.Ref)
		}
		// Rows arrive in updated_at_ms order, so the last row per ref is the
		// freshest state dir.
		byRef[sum.Ref] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list_issues", err)
	}

	out := make([]IssueSummary, 0, len(order))
	for _, ref := range order {
		out = append(out, byRef[ref])
	}
	return out, nil
}
