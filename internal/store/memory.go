package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-sh/jeeves/internal/model"
)

// UpsertMemory inserts or updates one (scope, key) entry. CreatedAt is
// preserved across updates; UpdatedAt always advances.
func (s *Store) UpsertMemory(stateDir string, e model.MemoryEntry) error {
	if !model.ValidMemoryScope(e.Scope) {
		return schemaErr("upsert_memory", fmt.Errorf("invalid memory scope %q", e.Scope))
	}
	if e.Key == "" {
		return schemaErr("upsert_memory", errors.New("empty memory key"))
	}
	value, err := json.Marshal(e.Value)
	if err != nil {
		return schemaErr("upsert_memory", err)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.withTx("upsert_memory", func(tx *sql.Tx) error {
		var createdAt string
		err := tx.QueryRow(`SELECT created_at FROM issue_memory
			WHERE state_dir = ? AND scope = ? AND key = ?`,
			stateDir, string(e.Scope), e.Key).Scan(&createdAt)
		if err == sql.ErrNoRows {
			createdAt = now
		} else if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO issue_memory
			(state_dir, scope, key, value_json, source_iteration, stale, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			stateDir, string(e.Scope), e.Key, string(value),
			e.SourceIteration, boolToInt(e.Stale), createdAt, now)
		return err
	})
}

// ListMemory returns entries for a state dir ordered by scope then key. An
// empty scope selects all scopes. Stale entries are skipped unless
// includeStale is set.
func (s *Store) ListMemory(stateDir string, scope model.MemoryScope, includeStale bool) ([]model.MemoryEntry, error) {
	query := `SELECT scope, key, value_json, source_iteration, stale, created_at, updated_at
		FROM issue_memory WHERE state_dir = ?`
	args := []any{stateDir}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, string(scope))
	}
	if !includeStale {
		query += ` AND stale = 0`
	}
	query += ` ORDER BY scope, key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapErr("list_memory", err)
	}
	defer rows.Close()

	var out []model.MemoryEntry
	for rows.Next() {
		var e model.MemoryEntry
		var scopeStr, valueJSON, createdAt, updatedAt string
		var stale int
		if err := rows.Scan(&scopeStr, &e.Key, &valueJSON, &e.SourceIteration,
			&stale, &createdAt, &updatedAt); err != nil {
			return nil, wrapErr("list_memory", err)
		}
		e.Scope = model.MemoryScope(scopeStr)
		e.Stale = stale != 0
		if err := json.Unmarshal([]byte(valueJSON), &e.Value); err != nil {
			return nil, schemaErr("list_memory", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkMemoryStale soft-deletes one entry. Unknown entries are a no-op.
func (s *Store) MarkMemoryStale(stateDir string, scope model.MemoryScope, key string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.withTx("mark_memory_stale", func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE issue_memory SET stale = 1, updated_at = ?
			WHERE state_dir = ? AND scope = ? AND key = ?`,
			now, stateDir, string(scope), key)
		return err
	})
}
