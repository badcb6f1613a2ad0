package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Kind classifies store failures for callers that branch on them.
type Kind string

const (
	// KindIO covers filesystem and database transport failures.
	KindIO Kind = "io"
	// KindSchema covers migration failures and payloads that do not decode.
	KindSchema Kind = "schema"
	// KindConflict covers lock contention and constraint violations.
	KindConflict Kind = "conflict"
)

// Error is the store's only error type. Reads never return it for a missing
// row; missing rows read as nil documents.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConflict reports whether err is a store conflict.
func IsConflict(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindConflict
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return KindConflict
		case sqlite3.ErrConstraint:
			return KindConflict
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return KindSchema
		}
	}
	return KindIO
}

func schemaErr(op string, err error) error {
	return &Error{Op: op, Kind: KindSchema, Err: err}
}

func ioErr(op string, err error) error {
	return &Error{Op: op, Kind: KindIO, Err: err}
}
