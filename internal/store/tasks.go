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

// WriteTasks replaces the task list for a state dir in one transaction,
// preserving source order and dependency multiplicity, then mirrors
// tasks.json next to issue.json.
func (s *Store) WriteTasks(stateDir string, tf *model.TaskFile) error {
	if tf == nil {
		return schemaErr("write_tasks", errors.New("nil task file"))
	}
	for i, task := range tf.Tasks {
		if task.ID == "" {
			return schemaErr("write_tasks", fmt.Errorf("task %d has empty id", i))
		}
		if task.Status != "" && !model.ValidTaskStatus(task.Status) {
			return schemaErr("write_tasks", fmt.Errorf("task %q has invalid status %q", task.ID, task.Status))
		}
	}

	err := s.withTx("write_tasks", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM issue_task_items WHERE state_dir = ?`, stateDir); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM issue_task_dependencies WHERE state_dir = ?`, stateDir); err != nil {
			return err
		}

		extra, err := json.Marshal(orEmptyMap(tf.Extra))
		if err != nil {
			return schemaErr("write_tasks", err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO issue_task_lists
			(state_dir, tasks_split, task_count, extra_json) VALUES (?, ?, ?, ?)`,
			stateDir, boolToInt(tf.Split), len(tf.Tasks), string(extra)); err != nil {
			return err
		}

		for i, task := range tf.Tasks {
			status := task.Status
			if status == "" {
				status = model.TaskPending
			}
			files, err := json.Marshal(orEmptySlice(task.FilesAllowed))
			if err != nil {
				return schemaErr("write_tasks", err)
			}
			acceptance, err := json.Marshal(orEmptySlice(task.AcceptanceCriteria))
			if err != nil {
				return schemaErr("write_tasks", err)
			}
			if _, err := tx.Exec(`INSERT INTO issue_task_items
				(state_dir, task_index, task_id, title, summary, status, files_allowed_json, acceptance_json)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				stateDir, i, task.ID, task.Title, task.Summary, string(status),
				string(files), string(acceptance)); err != nil {
				return err
			}
			for j, dep := range task.DependsOn {
				if _, err := tx.Exec(`INSERT INTO issue_task_dependencies
					(state_dir, task_index, dep_index, depends_on_task_id) VALUES (?, ?, ?, ?)`,
					stateDir, i, j, dep); err != nil {
					return err
				}
			}
		}
		return setMarker(tx, markerTasks(stateDir), s.now())
	})
	if err != nil {
		return err
	}
	return s.mirrorTasks(stateDir, tf)
}

func (s *Store) mirrorTasks(stateDir string, tf *model.TaskFile) error {
	if err := fsatomic.WriteJSON(s.fs, paths.TasksJSONPath(stateDir), tf); err != nil {
		return ioErr("write_tasks", err)
	}
	return nil
}

// ReadTasks returns the task list in source order, or nil when none was
// ever written. A legacy tasks.json is imported once on first read.
func (s *Store) ReadTasks(stateDir string) (*model.TaskFile, error) {
	tf, found, err := s.readTasksRows(stateDir)
	if err != nil {
		return nil, err
	}
	if found {
		return tf, nil
	}
	return s.bootstrapTasks(stateDir)
}

func (s *Store) readTasksRows(stateDir string) (*model.TaskFile, bool, error) {
	var split, count int
	var extraJSON string
	err := s.db.QueryRow(`SELECT tasks_split, task_count, extra_json
		FROM issue_task_lists WHERE state_dir = ?`, stateDir).Scan(&split, &count, &extraJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("read_tasks", err)
	}

	tf := &model.TaskFile{Split: split != 0, Tasks: make([]model.Task, 0, count)}
	if extraJSON != "" && extraJSON != "{}" {
		if err := json.Unmarshal([]byte(extraJSON), &tf.Extra); err != nil {
			return nil, false, schemaErr("read_tasks", err)
		}
	}

	rows, err := s.db.Query(`SELECT task_index, task_id, title, summary, status,
		files_allowed_json, acceptance_json
		FROM issue_task_items WHERE state_dir = ? ORDER BY task_index`, stateDir)
	if err != nil {
		return nil, false, wrapErr("read_tasks", err)
	}
	defer rows.Close()

	indexByRow := map[int]int{}
	for rows.Next() {
		var idx int
		var task model.Task
		var status, filesJSON, acceptanceJSON string
		if err := rows.Scan(&idx, &task.ID, &task.Title, &task.Summary, &status,
			&filesJSON, &acceptanceJSON); err != nil {
			return nil, false, wrapErr("read_tasks", err)
		}
		task.Status = model.TaskStatus(status)
		if err := json.Unmarshal([]byte(filesJSON), &task.FilesAllowed); err != nil {
			return nil, false, schemaErr("read_tasks", err)
		}
		if err := json.Unmarshal([]byte(acceptanceJSON), &task.AcceptanceCriteria); err != nil {
			return nil, false, schemaErr("read_tasks", err)
		}
		indexByRow[idx] = len(tf.Tasks)
		tf.Tasks = append(tf.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, false, wrapErr("read_tasks", err)
	}

	depRows, err := s.db.Query(`SELECT task_index, depends_on_task_id
		FROM issue_task_dependencies WHERE state_dir = ? ORDER BY task_index, dep_index`, stateDir)
	if err != nil {
		return nil, false, wrapErr("read_tasks", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var idx int
		var dep string
		if err := depRows.Scan(&idx, &dep); err != nil {
			return nil, false, wrapErr("read_tasks", err)
		}
		if pos, ok := indexByRow[idx]; ok {
			tf.Tasks[pos].DependsOn = append(tf.Tasks[pos].DependsOn, dep)
		}
	}
	if err := depRows.Err(); err != nil {
		return nil, false, wrapErr("read_tasks", err)
	}
	return tf, true, nil
}

func (s *Store) bootstrapTasks(stateDir string) (*model.TaskFile, error) {
	blocked, err := s.markerExists(markerTasks(stateDir))
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, nil
	}

	raw, err := os.ReadFile(paths.TasksJSONPath(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("read_tasks", err)
	}
	var tf model.TaskFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, schemaErr("read_tasks", fmt.Errorf("legacy tasks.json: %w", err))
	}
	if err := s.WriteTasks(stateDir, &tf); err != nil {
		return nil, err
	}
	s.logger.Info("imported legacy task list", "state_dir", stateDir, "tasks", len(tf.Tasks))
	return s.ReadTasks(stateDir)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
