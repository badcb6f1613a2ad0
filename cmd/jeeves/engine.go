package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jeeves-sh/jeeves/internal/api"
	"github.com/jeeves-sh/jeeves/internal/config"
	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/lifecycle"
	"github.com/jeeves-sh/jeeves/internal/metrics"
	"github.com/jeeves-sh/jeeves/internal/paths"
	"github.com/jeeves-sh/jeeves/internal/secrets"
	"github.com/jeeves-sh/jeeves/internal/store"
)

// engine is the in-process stack a command runs against. The store is
// multi-process safe (WAL plus busy timeout), so one-shot commands can
// share a data dir with a live serve daemon; the daemon's state watcher
// folds their disk mirrors back in.
type engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	dataDir string

	store  *store.Store
	hub    *events.Hub
	core   *lifecycle.Core
	keeper *secrets.Keeper
	svc    *api.Service
}

// openEngine resolves config and the data dir, opens the store, and wires
// the lifecycle core plus boundary service. The metrics set is optional:
// serve passes one so store writes and hub subscribers are observed,
// one-shot commands pass nil.
func openEngine(m *metrics.Set) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	levelWord := cfg.LogLevel
	if flagLogLevel != "" {
		levelWord = flagLogLevel
	}
	level, err := config.ParseLevel(levelWord)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(level)

	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if m != nil {
		storeOpts = append(storeOpts, store.WithWriteObserver(m.ObserveStoreWrite))
	}
	st, err := store.Open(dataDir, storeOpts...)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub(logger)
	if m != nil {
		hub.OnSubscriberCount(func(n int) { m.HubSubscribers.Set(float64(n)) })
	}

	core := lifecycle.New(lifecycle.Options{
		DataDir: dataDir,
		Store:   st,
		Hub:     hub,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	})
	if err := core.EnsureDefaultContent(); err != nil {
		st.Close()
		return nil, err
	}
	keeper := secrets.New(secrets.Options{DataDir: dataDir, Hub: hub, Logger: logger})
	svc := api.NewService(api.ServiceOptions{
		DataDir: dataDir,
		Core:    core,
		Store:   st,
		Secrets: keeper,
		Logger:  logger,
	})

	return &engine{
		cfg:     cfg,
		logger:  logger,
		dataDir: dataDir,
		store:   st,
		hub:     hub,
		core:    core,
		keeper:  keeper,
		svc:     svc,
	}, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store close failed", "err", err)
	}
}

// loadConfig reads jeeves.yaml from --config or the data root. A missing
// file yields defaults.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		root, err := paths.DataRoot()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(root, "jeeves.yaml")
	}
	return config.Load(path, slog.Default())
}

// resolveDataDir layers the --data-dir flag over JEEVES_DATA_DIR over the
// config file over the platform default.
func resolveDataDir(cfg *config.Config) (string, error) {
	if flagDataDir != "" {
		return filepath.Clean(flagDataDir), nil
	}
	if v := os.Getenv(paths.EnvDataDir); v != "" {
		return filepath.Clean(v), nil
	}
	if cfg.DataDir != "" {
		return filepath.Clean(cfg.DataDir), nil
	}
	return paths.DataRoot()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
