// Package fsatomic writes files so that readers never observe a truncated
// document: content lands in a sibling temp file which is renamed over the
// target. Filesystem primitives go through the FS adapter so tests can
// inject failures without process-wide shims.
package fsatomic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultMode is used for regular documents; SecretMode for credentials.
const (
	DefaultMode os.FileMode = 0o644
	SecretMode  os.FileMode = 0o600
)

// FS is the filesystem surface the atomic writer needs. The zero-value
// production implementation is OS().
type FS interface {
	MkdirAll(path string, perm os.FileMode) error
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

type osFS struct{}

func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
func (osFS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }
func (osFS) Remove(name string) error             { return os.Remove(name) }

// OS returns the real-filesystem adapter.
func OS() FS { return osFS{} }

// WriteText writes text atomically with DefaultMode.
func WriteText(fsys FS, path, text string) error {
	return WriteFileMode(fsys, path, []byte(text), DefaultMode)
}

// WriteJSON marshals v with two-space indentation and writes it atomically
// with DefaultMode.
func WriteJSON(fsys FS, path string, v any) error {
	return WriteJSONMode(fsys, path, v, DefaultMode)
}

// WriteJSONMode is WriteJSON with an explicit file mode (SecretMode for
// credential files).
func WriteJSONMode(fsys FS, path string, v any, mode os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileMode(fsys, path, append(b, '\n'), mode)
}

// WriteFileMode writes data to path atomically: a sibling temp file named
// with a pid+time suffix is written, synced best-effort, and renamed over
// the target. If the rename fails (cross-device, or a Windows overwrite
// refusal), the target is removed and the rename retried once.
func WriteFileMode(fsys FS, path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), time.Now().UnixNano())
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	// Sync is best-effort: the durability contract is rename-visibility, not
	// power-loss safety.
	_ = f.Sync()
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}

	if err := fsys.Rename(tmp, path); err != nil {
		if rmErr := fsys.Remove(path); rmErr == nil || os.IsNotExist(rmErr) {
			if err2 := fsys.Rename(tmp, path); err2 == nil {
				return nil
			}
		}
		fsys.Remove(tmp)
		return fmt.Errorf("rename %s into place: %w", filepath.Base(tmp), err)
	}
	return nil
}
