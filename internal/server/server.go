// Package server is the viewer-facing HTTP front end: JSON command
// endpoints over the boundary service, an SSE stream fed by the event hub,
// health and metrics, and an fsnotify watcher that folds state-dir writes
// from other processes back into the store.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jeeves-sh/jeeves/internal/api"
	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/metrics"
	"github.com/jeeves-sh/jeeves/internal/runs"
	"github.com/jeeves-sh/jeeves/internal/store"
)

// Options wires the server onto an already-constructed engine.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:7333".
	Addr    string
	Service *api.Service
	Hub     *events.Hub
	Store   *store.Store
	Runs    *runs.Manager

	// Metrics, when set, is served on GET /metrics.
	Metrics *metrics.Set
	Logger  *slog.Logger

	// Heartbeat is the SSE keepalive cadence; zero means 15 seconds.
	Heartbeat time.Duration
}

// Server serves the command and event surface for viewers.
type Server struct {
	addr      string
	svc       *api.Service
	hub       *events.Hub
	runs      *runs.Manager
	logger    *slog.Logger
	heartbeat time.Duration
	watcher   *stateWatcher
	baseCtx   context.Context
	cancel    context.CancelFunc
	httpSrv   *http.Server
}

// New assembles the mux and the state watcher. Nothing listens until
// ListenAndServe.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      opts.Addr,
		svc:       opts.Service,
		hub:       opts.Hub,
		runs:      opts.Runs,
		logger:    logger,
		heartbeat: heartbeat,
		baseCtx:   ctx,
		cancel:    cancel,
	}

	watcher, err := newStateWatcher(opts.Store, opts.Hub, opts.Service.State, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	s.watcher = watcher

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/credentials", s.handleCredentials)
	mux.HandleFunc("GET /api/files", s.handleFiles)

	mux.Handle("POST /api/list_issues", command(s, s.svc.ListIssues))
	mux.Handle("POST /api/select_issue", command(s, s.svc.SelectIssue))
	mux.Handle("POST /api/init_issue", command(s, s.svc.InitIssue))
	mux.Handle("POST /api/start_run", commandCtx(s, s.svc.StartRun))
	mux.Handle("POST /api/stop_run", command(s, s.svc.StopRun))
	mux.Handle("POST /api/set_phase", command(s, s.svc.SetPhase))
	mux.Handle("POST /api/upsert_project_file", command(s, s.svc.UpsertProjectFile))
	mux.Handle("POST /api/delete_project_file", command(s, s.svc.DeleteProjectFile))
	mux.Handle("POST /api/reconcile_project_files", command(s, s.svc.ReconcileProjectFiles))
	mux.Handle("POST /api/put_credentials", command(s, s.svc.PutCredentials))
	mux.Handle("POST /api/delete_credentials", command(s, s.svc.DeleteCredentials))
	mux.Handle("POST /api/expand_issue_summary", commandCtx(s, s.svc.ExpandIssueSummary))

	s.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// ListenAndServe starts the state watcher and blocks serving HTTP until
// ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.watcher.run(s.baseCtx)
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down")
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Info("listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops live runs, ends event streams, and drains HTTP
// connections. Safe to call more than once.
func (s *Server) Shutdown() {
	if s.runs != nil {
		s.runs.StopAll(false)
	}

	// Cancelling the base context ends SSE write loops and the watcher, so
	// the drain below only waits on short requests.
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}

// csrfProtect rejects cross-origin POST requests. Browsers set the Origin
// header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI and programmatic callers (which
// either omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				// Only localhost-family origins may issue commands; the
				// server itself binds to loopback by default.
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
