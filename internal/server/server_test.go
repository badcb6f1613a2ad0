package server

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-sh/jeeves/internal/api"
	"github.com/jeeves-sh/jeeves/internal/config"
	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/lifecycle"
	"github.com/jeeves-sh/jeeves/internal/metrics"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/secrets"
	"github.com/jeeves-sh/jeeves/internal/store"
)

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	hub     *events.Hub
	store   *store.Store
	svc     *api.Service
	dataDir string
}

// newTestServer builds the full engine on a temp data dir and wraps the
// server's handler in httptest. The state watcher is not started; watcher
// tests run it explicitly.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv(paths.EnvWorktreeRoot, "")

	dataDir := t.TempDir()
	st, err := store.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := events.NewHub(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()
	cfg.DataDir = dataDir

	core := lifecycle.New(lifecycle.Options{
		DataDir: dataDir,
		Store:   st,
		Hub:     hub,
		Config:  cfg,
		Logger:  logger,
	})
	require.NoError(t, core.EnsureDefaultContent())

	keeper := secrets.New(secrets.Options{DataDir: dataDir, Hub: hub, Logger: logger})
	svc := api.NewService(api.ServiceOptions{
		DataDir: dataDir,
		Core:    core,
		Store:   st,
		Secrets: keeper,
		Logger:  logger,
	})

	srv, err := New(Options{
		Addr:      "127.0.0.1:0",
		Service:   svc,
		Hub:       hub,
		Store:     st,
		Runs:      core.Runs(),
		Metrics:   metrics.New(),
		Logger:    logger,
		Heartbeat: 40 * time.Millisecond,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
		srv.watcher.fsw.Close()
	})
	return &testEnv{srv: srv, ts: ts, hub: hub, store: st, svc: svc, dataDir: dataDir}
}

func postJSON(t *testing.T, env *testEnv, path, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(env.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func getJSON(t *testing.T, env *testEnv, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(env.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func initIssueHTTP(t *testing.T, env *testEnv, issue string) {
	t.Helper()
	code, raw := postJSON(t, env, "/api/init_issue",
		`{"issue":"`+issue+`","title":"Teach the widget to sing"}`)
	require.Equal(t, http.StatusOK, code, "init_issue: %s", raw)
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)

	code, raw := getJSON(t, env, "/healthz")
	require.Equal(t, http.StatusOK, code)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(raw, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Zero(t, h.ActiveRuns)
	assert.Zero(t, h.Subscribers)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)

	code, raw := getJSON(t, env, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "jeeves_active_runs")
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestInitIssueCommand(t *testing.T) {
	env := newTestServer(t)

	code, raw := postJSON(t, env, "/api/init_issue",
		`{"issue":"acme/widgets#7","title":"Teach the widget to sing"}`)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)

	var out api.InitIssueResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, out.OK)
	require.NotNil(t, out.Issue)
	assert.Equal(t, "implement", out.Issue.Phase)
	assert.Equal(t, "issue-7", out.Issue.Branch)

	code, raw = getJSON(t, env, "/api/state")
	require.Equal(t, http.StatusOK, code)
	var state api.StateResponse
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.True(t, state.OK)
	require.NotNil(t, state.State)
	assert.Equal(t, "acme/widgets#7", state.State.ActiveIssue)
}

func TestValidationFailureEnvelope(t *testing.T) {
	env := newTestServer(t)

	code, raw := postJSON(t, env, "/api/init_issue", `{"issue":"acme-widgets-7"}`)
	require.Equal(t, http.StatusBadRequest, code)

	var fail api.Failure
	require.NoError(t, json.Unmarshal(raw, &fail))
	assert.False(t, fail.OK)
	assert.Equal(t, api.CodeInvalidArgument, fail.Code)
	assert.Equal(t, api.KindValidation, fail.Kind)
	assert.Contains(t, fail.FieldErrors, "issue")
}

func TestEngineErrorsMapToStatus(t *testing.T) {
	env := newTestServer(t)

	// No active issue: start_run classifies as not_found.
	code, raw := postJSON(t, env, "/api/start_run", `{}`)
	require.Equal(t, http.StatusNotFound, code)

	var fail api.Failure
	require.NoError(t, json.Unmarshal(raw, &fail))
	assert.False(t, fail.OK)
	assert.Equal(t, api.CodeNoActiveIssue, fail.Code)
	assert.Equal(t, api.KindNotFound, fail.Kind)
}

func TestMalformedBodyIsValidationFailure(t *testing.T) {
	env := newTestServer(t)

	code, raw := postJSON(t, env, "/api/list_issues", `{not json`)
	require.Equal(t, http.StatusBadRequest, code)

	var fail api.Failure
	require.NoError(t, json.Unmarshal(raw, &fail))
	assert.Equal(t, api.CodeInvalidArgument, fail.Code)
	assert.Contains(t, fail.Error, "invalid request body")
}

func TestEmptyBodyMeansZeroRequest(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Post(env.ts.URL+"/api/list_issues", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.ListIssuesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.OK)
	assert.Empty(t, out.Issues)
}

func TestCSRFBlocksCrossOrigin(t *testing.T) {
	env := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/list_issues", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCSRFAllowsLocalhostAndNoOrigin(t *testing.T) {
	env := newTestServer(t)

	for _, origin := range []string{"", env.ts.URL, "http://localhost:3000"} {
		req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/list_issues", strings.NewReader(`{}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "origin %q", origin)
	}
}

func TestCSRFIgnoresGETOrigin(t *testing.T) {
	env := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCredentialsNeverLeakOverHTTP(t *testing.T) {
	env := newTestServer(t)
	const token = "sk-leak-canary-8841"

	code, raw := postJSON(t, env, "/api/put_credentials",
		`{"provider":"Claude","token":"`+token+`"}`)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, string(raw), token)

	var out api.PutCredentialsResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, out.OK)
	assert.Equal(t, "claude", out.Credential.Provider)
	assert.True(t, out.Credential.HasToken)

	code, raw = getJSON(t, env, "/api/credentials")
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, string(raw), token)

	var creds CredentialsResponse
	require.NoError(t, json.Unmarshal(raw, &creds))
	require.Len(t, creds.Credentials, 1)
	assert.Equal(t, "claude", creds.Credentials[0].Provider)
}

func TestStopRunWithNothingLive(t *testing.T) {
	env := newTestServer(t)
	initIssueHTTP(t, env, "acme/widgets#7")

	code, raw := postJSON(t, env, "/api/stop_run", `{}`)
	require.Equal(t, http.StatusOK, code)

	var out api.StopRunResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, out.OK)
	assert.False(t, out.Stopped)
}

func TestProjectFilesOverHTTP(t *testing.T) {
	env := newTestServer(t)
	initIssueHTTP(t, env, "acme/widgets#7")

	content := base64.StdEncoding.EncodeToString([]byte("# Guide\n"))
	code, raw := postJSON(t, env, "/api/upsert_project_file",
		`{"target_path":"docs/guide.md","content_b64":"`+content+`"}`)
	require.Equal(t, http.StatusOK, code, "body: %s", raw)

	var up api.UpsertProjectFileResponse
	require.NoError(t, json.Unmarshal(raw, &up))
	require.NotNil(t, up.File)
	assert.Equal(t, "docs/guide.md", up.File.TargetPath)

	code, raw = getJSON(t, env, "/api/files")
	require.Equal(t, http.StatusOK, code)
	var files FilesResponse
	require.NoError(t, json.Unmarshal(raw, &files))
	require.Len(t, files.Files, 1)
	assert.Equal(t, up.File.ID, files.Files[0].ID)

	code, raw = postJSON(t, env, "/api/delete_project_file", `{"id":42}`)
	require.Equal(t, http.StatusNotFound, code)
	var fail api.Failure
	require.NoError(t, json.Unmarshal(raw, &fail))
	assert.Equal(t, "FILE_NOT_FOUND", fail.Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	env := newTestServer(t)

	code, _ := getJSON(t, env, "/api/nope")
	assert.Equal(t, http.StatusNotFound, code)
}
