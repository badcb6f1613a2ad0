// Package api is the typed command boundary between transports and the
// engine. Requests validate themselves, every response rides a
// discriminated ok envelope, and engine failures collapse onto a small
// kind taxonomy with stable machine codes, so HTTP handlers and the CLI
// never inspect raw error strings.
package api

import (
	"errors"
	"net/http"

	"github.com/jeeves-sh/jeeves/internal/lifecycle"
	"github.com/jeeves-sh/jeeves/internal/projection"
	"github.com/jeeves-sh/jeeves/internal/provider"
	"github.com/jeeves-sh/jeeves/internal/runs"
	"github.com/jeeves-sh/jeeves/internal/scheduler"
	"github.com/jeeves-sh/jeeves/internal/store"
)

// Kind classifies a boundary error for transport mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindScheduler  Kind = "scheduler"
	KindIO         Kind = "io"
	KindProvider   Kind = "provider"
	KindInternal   Kind = "internal"
)

// Codes minted at the boundary. Packages with their own code vocabulary
// (scheduler, projection, reflection) pass theirs through unchanged.
const (
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeNoActiveIssue    = "NO_ACTIVE_ISSUE"
	CodeUnknownWorkflow  = "UNKNOWN_WORKFLOW"
	CodeUnknownPhase     = "UNKNOWN_PHASE"
	CodeRunAlreadyActive = "RUN_ALREADY_ACTIVE"
	CodeProviderUnknown  = "PROVIDER_UNKNOWN"
	CodeProviderNoOutput = "PROVIDER_NO_OUTPUT"
	CodeStoreSchema      = "STORE_SCHEMA"
	CodeStoreConflict    = "STORE_CONFLICT"
	CodeStoreIO          = "STORE_IO"
	CodeInternal         = "INTERNAL"
)

// Error is the boundary error: a kind for status mapping, a stable code
// for programmatic handling, and a message that is already safe to show
// (no raw subprocess output). FieldErrors carries per-field validation
// detail when the failure is about request shape.
type Error struct {
	Kind        Kind              `json:"kind"`
	Code        string            `json:"code"`
	Message     string            `json:"error"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// HTTPStatus maps the kind onto an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindScheduler:
		return http.StatusUnprocessableEntity
	case KindProvider:
		return http.StatusBadGateway
	default: // io, internal
		return http.StatusInternalServerError
	}
}

// Failure renders the {ok:false} envelope for this error.
func (e *Error) Failure() Failure {
	return Failure{
		OK:          false,
		Error:       e.Error(),
		Code:        e.Code,
		Kind:        e.Kind,
		FieldErrors: e.FieldErrors,
	}
}

// Failure is the shared {ok:false} response envelope.
type Failure struct {
	OK          bool              `json:"ok"`
	Error       string            `json:"error"`
	Code        string            `json:"code"`
	Kind        Kind              `json:"kind,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

// invalidf builds a validation error with a preformatted message.
func invalidf(msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidArgument, Message: msg}
}

// invalidFields builds a validation error carrying per-field detail.
func invalidFields(fields map[string]string) *Error {
	return &Error{
		Kind:        KindValidation,
		Code:        CodeInvalidArgument,
		Message:     "invalid request",
		FieldErrors: fields,
	}
}

// FromErr classifies an engine error into a boundary Error. Typed errors
// keep their own codes; sentinel errors map to boundary codes; anything
// unrecognized is internal.
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr
	}

	var gerr *scheduler.GraphError
	if errors.As(err, &gerr) {
		return &Error{Kind: KindScheduler, Code: gerr.Code, Message: gerr.Error()}
	}

	var cerr *projection.CodeError
	if errors.As(err, &cerr) {
		kind := KindValidation
		switch cerr.Code {
		case projection.CodeFileNotFound:
			kind = KindNotFound
		case projection.CodeTargetExists, projection.CodeFileCapExceeded:
			kind = KindConflict
		}
		return &Error{Kind: kind, Code: cerr.Code, Message: cerr.Message}
	}

	var serr *store.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case store.KindSchema:
			return &Error{Kind: KindValidation, Code: CodeStoreSchema, Message: err.Error()}
		case store.KindConflict:
			return &Error{Kind: KindConflict, Code: CodeStoreConflict, Message: err.Error()}
		default:
			return &Error{Kind: KindIO, Code: CodeStoreIO, Message: err.Error()}
		}
	}

	var rerr *lifecycle.ReflectError
	if errors.As(err, &rerr) {
		return &Error{Kind: KindProvider, Code: rerr.Code, Message: rerr.Error()}
	}

	switch {
	case errors.Is(err, lifecycle.ErrNoActiveIssue):
		return &Error{Kind: KindNotFound, Code: CodeNoActiveIssue, Message: err.Error()}
	case errors.Is(err, lifecycle.ErrUnknownWorkflow):
		return &Error{Kind: KindNotFound, Code: CodeUnknownWorkflow, Message: err.Error()}
	case errors.Is(err, lifecycle.ErrUnknownPhase):
		return &Error{Kind: KindValidation, Code: CodeUnknownPhase, Message: err.Error()}
	case errors.Is(err, runs.ErrRunActive):
		return &Error{Kind: KindConflict, Code: CodeRunAlreadyActive, Message: err.Error()}
	case errors.Is(err, provider.ErrUnknownProvider):
		return &Error{Kind: KindValidation, Code: CodeProviderUnknown, Message: err.Error()}
	case errors.Is(err, lifecycle.ErrNoOutput):
		return &Error{Kind: KindProvider, Code: CodeProviderNoOutput, Message: err.Error()}
	}

	return &Error{Kind: KindInternal, Code: CodeInternal, Message: err.Error()}
}
