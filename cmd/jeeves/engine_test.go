package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-sh/jeeves/internal/config"
	"github.com/jeeves-sh/jeeves/internal/paths"
)

// saveFlags snapshots the package-level flag globals so tests can mutate
// them freely.
func saveFlags(t *testing.T) {
	t.Helper()
	origData, origCfg, origLevel := flagDataDir, flagConfig, flagLogLevel
	t.Cleanup(func() {
		flagDataDir, flagConfig, flagLogLevel = origData, origCfg, origLevel
	})
}

func TestResolveDataDirLayering(t *testing.T) {
	saveFlags(t)
	cfg := &config.Config{DataDir: "/data/from-config"}

	flagDataDir = "/data/from-flag"
	t.Setenv(paths.EnvDataDir, "/data/from-env")
	got, err := resolveDataDir(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/data/from-flag", got)

	flagDataDir = ""
	got, err = resolveDataDir(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/data/from-env", got)

	t.Setenv(paths.EnvDataDir, "")
	got, err = resolveDataDir(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/data/from-config", got)
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	saveFlags(t)
	flagConfig = filepath.Join(t.TempDir(), "jeeves.yaml")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7333", cfg.Addr)
	assert.Equal(t, "claude", cfg.Provider.Name)
}

func TestOpenEngineWiresService(t *testing.T) {
	saveFlags(t)
	dir := t.TempDir()
	flagDataDir = dir
	flagConfig = filepath.Join(dir, "jeeves.yaml")
	flagLogLevel = "error"

	eng, err := openEngine(nil)
	require.NoError(t, err)
	defer eng.Close()

	assert.Equal(t, dir, eng.dataDir)

	snap, err := eng.svc.State()
	require.NoError(t, err)
	assert.Empty(t, snap.ActiveIssue)

	// Opening installs the built-in workflow.
	docs, err := eng.store.ListWorkflows()
	require.NoError(t, err)
	assert.NotEmpty(t, docs)
}
