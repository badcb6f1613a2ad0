package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
)

// activeIssueFile is the on-disk companion of the active_issue row, kept for
// cross-process readers and as the legacy import source.
type activeIssueFile struct {
	IssueRef string `json:"issue_ref"`
	SavedAt  string `json:"saved_at,omitempty"`
}

// SetActiveIssue records ref as the selected issue and mirrors the marker
// file under the data root.
func (s *Store) SetActiveIssue(ref model.IssueRef) error {
	if ref.IsZero() {
		return schemaErr("set_active_issue", errors.New("empty issue ref"))
	}
	now := s.now().UTC().Format(time.RFC3339)
	err := s.withTx("set_active_issue", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO active_issue (id, issue_ref, saved_at)
			VALUES (1, ?, ?)`, ref.String(), now); err != nil {
			return err
		}
		return setMarker(tx, markerActive, s.now())
	})
	if err != nil {
		return err
	}
	doc := activeIssueFile{IssueRef: ref.String(), SavedAt: now}
	if err := fsatomic.WriteJSON(s.fs, paths.ActiveIssuePath(s.dataDir), doc); err != nil {
		return ioErr("set_active_issue", err)
	}
	return nil
}

// ClearActiveIssue removes the selection and its marker file.
func (s *Store) ClearActiveIssue() error {
	err := s.withTx("clear_active_issue", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM active_issue WHERE id = 1`); err != nil {
			return err
		}
		return setMarker(tx, markerActive, s.now())
	})
	if err != nil {
		return err
	}
	if err := os.Remove(paths.ActiveIssuePath(s.dataDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioErr("clear_active_issue", err)
	}
	return nil
}

// ActiveIssue returns the selected issue, importing a legacy marker file on
// first read. The second return is false when nothing is selected.
func (s *Store) ActiveIssue() (model.IssueRef, bool, error) {
	var refStr string
	err := s.db.QueryRow(`SELECT issue_ref FROM active_issue WHERE id = 1`).Scan(&refStr)
	if err == nil {
		ref, perr := model.ParseIssueRef(refStr)
		if perr != nil {
			return model.IssueRef{}, false, schemaErr("active_issue", perr)
		}
		return ref, true, nil
	}
	if err != sql.ErrNoRows {
		return model.IssueRef{}, false, wrapErr("active_issue", err)
	}

	blocked, err := s.markerExists(markerActive)
	if err != nil {
		return model.IssueRef{}, false, err
	}
	if blocked {
		return model.IssueRef{}, false, nil
	}

	raw, err := os.ReadFile(paths.ActiveIssuePath(s.dataDir))
	if errors.Is(err, os.ErrNotExist) {
		return model.IssueRef{}, false, nil
	}
	if err != nil {
		return model.IssueRef{}, false, ioErr("active_issue", err)
	}
	var doc activeIssueFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.IssueRef{}, false, schemaErr("active_issue", err)
	}
	ref, err := model.ParseIssueRef(doc.IssueRef)
	if err != nil {
		return model.IssueRef{}, false, schemaErr("active_issue", err)
	}
	if err := s.SetActiveIssue(ref); err != nil {
		return model.IssueRef{}, false, err
	}
	s.logger.Info("imported legacy active issue", "issue", ref.String())
	return ref, true, nil
}
