package server

import (
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/projection"
)

// HealthResponse is the GET /healthz payload.
type HealthResponse struct {
	Status string `json:"status"`

	// ActiveRuns counts currently supervised provider runs.
	ActiveRuns int `json:"active_runs"`

	// Subscribers counts attached event stream consumers.
	Subscribers int `json:"subscribers"`
}

// CredentialsResponse is the GET /api/credentials payload. It carries
// status projections only; stored tokens never ride in a response.
type CredentialsResponse struct {
	OK          bool                     `json:"ok"`
	Credentials []model.CredentialStatus `json:"credentials"`
}

// FilesResponse is the GET /api/files payload: a repository's managed
// files plus the last reconcile outcome per file.
type FilesResponse struct {
	OK    bool                  `json:"ok"`
	Files []model.ManagedFile   `json:"files"`
	Sync  []projection.FileSync `json:"sync,omitempty"`
}
