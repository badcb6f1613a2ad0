package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jeeves-sh/jeeves/internal/api"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		ActiveRuns:  s.runs.ActiveCount(),
		Subscribers: s.hub.SubscriberCount(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.State()
	if err != nil {
		s.writeFailure(w, api.FromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, api.StateResponse{OK: true, State: snap})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.svc.CredentialStatuses()
	if err != nil {
		s.writeFailure(w, api.FromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, CredentialsResponse{OK: true, Credentials: creds})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	files, err := s.svc.ListProjectFiles(repo)
	if err != nil {
		s.writeFailure(w, api.FromErr(err))
		return
	}
	sync, err := s.svc.FileStatuses(repo)
	if err != nil {
		s.writeFailure(w, api.FromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, FilesResponse{OK: true, Files: files, Sync: sync})
}

// command adapts a context-free service method onto the shared
// decode-dispatch-envelope path.
func command[Req api.Request, Resp any](s *Server, fn func(Req) (Resp, error)) http.HandlerFunc {
	return commandCtx(s, func(_ context.Context, req Req) (Resp, error) { return fn(req) })
}

// commandCtx decodes the body, dispatches, and writes either the response
// or the failure envelope classified from the error.
func commandCtx[Req api.Request, Resp any](s *Server, fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := decodeBody(r.Body, &req); err != nil {
			s.writeFailure(w, &api.Error{
				Kind:    api.KindValidation,
				Code:    api.CodeInvalidArgument,
				Message: fmt.Sprintf("invalid request body: %v", err),
			})
			return
		}
		resp, err := fn(r.Context(), req)
		if err != nil {
			s.writeFailure(w, api.FromErr(err))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodeBody tolerates an empty body so parameterless commands accept a
// bare POST.
func decodeBody(r io.Reader, v any) error {
	err := json.NewDecoder(r).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) writeFailure(w http.ResponseWriter, e *api.Error) {
	s.logger.Debug("command rejected", "code", e.Code, "kind", e.Kind)
	writeJSON(w, e.HTTPStatus(), e.Failure())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
