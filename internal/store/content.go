package store

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/workflow"
)

// Prompt is one stored prompt document.
type Prompt struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	SHA       string    `json:"sha"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowDoc is one stored workflow definition, kept as source YAML.
type WorkflowDoc struct {
	Name      string    `json:"name"`
	YAML      string    `json:"yaml"`
	UpdatedAt time.Time `json:"updated_at"`
}

// content ids become mirror filenames, so they are restricted to a safe
// charset.
var contentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validContentID(id string) error {
	if !contentIDPattern.MatchString(id) {
		return fmt.Errorf("invalid content id %q", id)
	}
	return nil
}

func contentSHA(body string) string {
	sum := blake3.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// PutPrompt stores a prompt body and refreshes its mirror file.
func (s *Store) PutPrompt(id, body string) error {
	if err := validContentID(id); err != nil {
		return schemaErr("put_prompt", err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	err := s.withTx("put_prompt", func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO content_prompts (id, body, sha, updated_at)
			VALUES (?, ?, ?, ?)`, id, body, contentSHA(body), now)
		return err
	})
	if err != nil {
		return err
	}
	path := filepath.Join(paths.PromptsMirrorDir(s.dataDir), id+".md")
	if err := fsatomic.WriteText(s.fs, path, body); err != nil {
		return ioErr("put_prompt", err)
	}
	return nil
}

// GetPrompt returns a stored prompt, or nil when absent.
func (s *Store) GetPrompt(id string) (*Prompt, error) {
	var p Prompt
	var updatedAt string
	err := s.db.QueryRow(`SELECT id, body, sha, updated_at FROM content_prompts WHERE id = ?`,
		id).Scan(&p.ID, &p.Body, &p.SHA, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get_prompt", err)
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// ListPrompts returns all prompts ordered by id.
func (s *Store) ListPrompts() ([]Prompt, error) {
	rows, err := s.db.Query(`SELECT id, body, sha, updated_at FROM content_prompts ORDER BY id`)
	if err != nil {
		return nil, wrapErr("list_prompts", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		var p Prompt
		var updatedAt string
		if err := rows.Scan(&p.ID, &p.Body, &p.SHA, &updatedAt); err != nil {
			return nil, wrapErr("list_prompts", err)
		}
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutWorkflow validates and stores a workflow definition, refreshing its
// mirror file. Definitions that fail to parse are rejected.
func (s *Store) PutWorkflow(name, yamlText string) error {
	if err := validContentID(name); err != nil {
		return schemaErr("put_workflow", err)
	}
	if _, _, err := workflow.Parse([]byte(yamlText)); err != nil {
		return schemaErr("put_workflow", err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	err := s.withTx("put_workflow", func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO content_workflows (name, yaml, updated_at)
			VALUES (?, ?, ?)`, name, yamlText, now)
		return err
	})
	if err != nil {
		return err
	}
	path := filepath.Join(paths.WorkflowsMirrorDir(s.dataDir), name+".yaml")
	if err := fsatomic.WriteText(s.fs, path, yamlText); err != nil {
		return ioErr("put_workflow", err)
	}
	return nil
}

// GetWorkflow returns a stored workflow source, or nil when absent.
func (s *Store) GetWorkflow(name string) (*WorkflowDoc, error) {
	var w WorkflowDoc
	var updatedAt string
	err := s.db.QueryRow(`SELECT name, yaml, updated_at FROM content_workflows WHERE name = ?`,
		name).Scan(&w.Name, &w.YAML, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get_workflow", err)
	}
	w.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &w, nil
}

// ListWorkflows returns all workflow docs ordered by name.
func (s *Store) ListWorkflows() ([]WorkflowDoc, error) {
	rows, err := s.db.Query(`SELECT name, yaml, updated_at FROM content_workflows ORDER BY name`)
	if err != nil {
		return nil, wrapErr("list_workflows", err)
	}
	defer rows.Close()

	var out []WorkflowDoc
	for rows.Next() {
		var w WorkflowDoc
		var updatedAt string
		if err := rows.Scan(&w.Name, &w.YAML, &updatedAt); err != nil {
			return nil, wrapErr("list_workflows", err)
		}
		w.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// LoadWorkflow parses a stored workflow by name.
func (s *Store) LoadWorkflow(name string) (*workflow.Workflow, error) {
	doc, err := s.GetWorkflow(name)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	wf, _, err := workflow.Parse([]byte(doc.YAML))
	if err != nil {
		return nil, schemaErr("load_workflow", err)
	}
	return wf, nil
}

// bootstrapContent imports mirror files written by earlier versions once per
// data dir. Rows already in the store win over mirror files.
func (s *Store) bootstrapContent() error {
	blocked, err := s.markerExists(markerContent)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}

	imported := 0
	prompts, err := readMirrorDir(paths.PromptsMirrorDir(s.dataDir), ".md")
	if err != nil {
		return ioErr("bootstrap_content", err)
	}
	for id, body := range prompts {
		existing, err := s.GetPrompt(id)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		now := s.now().UTC().Format(time.RFC3339)
		err = s.withTx("put_prompt", func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT OR REPLACE INTO content_prompts (id, body, sha, updated_at)
				VALUES (?, ?, ?, ?)`, id, body, contentSHA(body), now)
			return err
		})
		if err != nil {
			return err
		}
		imported++
	}

	workflows, err := readMirrorDir(paths.WorkflowsMirrorDir(s.dataDir), ".yaml")
	if err != nil {
		return ioErr("bootstrap_content", err)
	}
	for name, yamlText := range workflows {
		existing, err := s.GetWorkflow(name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if _, _, err := workflow.Parse([]byte(yamlText)); err != nil {
			s.logger.Warn("skipping unparseable mirror workflow", "name", name, "err", err)
			continue
		}
		now := s.now().UTC().Format(time.RFC3339)
		err = s.withTx("put_workflow", func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT OR REPLACE INTO content_workflows (name, yaml, updated_at)
				VALUES (?, ?, ?)`, name, yamlText, now)
			return err
		})
		if err != nil {
			return err
		}
		imported++
	}

	err = s.withTx("bootstrap_content", func(tx *sql.Tx) error {
		return setMarker(tx, markerContent, s.now())
	})
	if err != nil {
		return err
	}
	if imported > 0 {
		s.logger.Info("imported legacy content mirror", "files", imported)
	}
	return nil
}

func readMirrorDir(dir, ext string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		id := strings.TrimSuffix(name, ext)
		if !contentIDPattern.MatchString(id) {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out[id] = string(body)
	}
	return out, nil
}
