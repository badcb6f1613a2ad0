// Package config loads the optional jeeves.yaml settings file. Flags and
// environment variables layer on top: flags win, then env, then the file,
// then defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the decoded jeeves.yaml document.
type Config struct {
	// DataDir overrides the platform data root (same effect as
	// JEEVES_DATA_DIR; the env var wins when both are set).
	DataDir string `yaml:"dataDir,omitempty"`

	// Addr is the viewer server listen address.
	Addr string `yaml:"addr,omitempty"`

	// LogLevel is one of debug|info|warn|error.
	LogLevel string `yaml:"logLevel,omitempty"`

	// Provider defaults applied when a start_run request leaves them unset.
	Provider ProviderConfig `yaml:"provider,omitempty"`

	// Run budgets.
	Run RunConfig `yaml:"run,omitempty"`
}

// ProviderConfig picks the default agent provider and model.
type ProviderConfig struct {
	Name  string `yaml:"name,omitempty"`
	Model string `yaml:"model,omitempty"`
}

// RunConfig carries the run loop budgets. Zero values inherit defaults.
type RunConfig struct {
	MaxIterations      int           `yaml:"maxIterations,omitempty"`
	MaxParallelTasks   int           `yaml:"maxParallelTasks,omitempty"`
	InactivityTimeout  time.Duration `yaml:"inactivityTimeout,omitempty"`
	IterationTimeout   time.Duration `yaml:"iterationTimeout,omitempty"`
	TerminationGrace   time.Duration `yaml:"terminationGrace,omitempty"`
	OutputDebounce     time.Duration `yaml:"outputDebounce,omitempty"`
	ViewerLogHeartbeat time.Duration `yaml:"viewerLogHeartbeat,omitempty"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Addr:     "127.0.0.1:7333",
		LogLevel: "info",
		Provider: ProviderConfig{Name: "claude"},
		Run: RunConfig{
			MaxIterations:     8,
			MaxParallelTasks:  4,
			InactivityTimeout: 2 * time.Minute,
			IterationTimeout:  30 * time.Minute,
			TerminationGrace:  time.Second,
			OutputDebounce:    750 * time.Millisecond,
		},
	}
}

// Load reads path strictly (unknown fields are errors), applies defaults,
// and validates. A missing file is not an error: defaults are returned and
// the logger notes the fallback at debug level.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("config file absent, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	parsed, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	merge(cfg, parsed)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	logger.Debug("config loaded", "path", path)
	return cfg, nil
}

// Parse decodes a config document strictly. Defaults are not applied; Load
// handles layering.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &cfg, nil
}

func merge(dst, src *Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Addr != "" {
		dst.Addr = src.Addr
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Provider.Name != "" {
		dst.Provider.Name = src.Provider.Name
	}
	if src.Provider.Model != "" {
		dst.Provider.Model = src.Provider.Model
	}
	if src.Run.MaxIterations > 0 {
		dst.Run.MaxIterations = src.Run.MaxIterations
	}
	if src.Run.MaxParallelTasks > 0 {
		dst.Run.MaxParallelTasks = src.Run.MaxParallelTasks
	}
	if src.Run.InactivityTimeout > 0 {
		dst.Run.InactivityTimeout = src.Run.InactivityTimeout
	}
	if src.Run.IterationTimeout > 0 {
		dst.Run.IterationTimeout = src.Run.IterationTimeout
	}
	if src.Run.TerminationGrace > 0 {
		dst.Run.TerminationGrace = src.Run.TerminationGrace
	}
	if src.Run.OutputDebounce > 0 {
		dst.Run.OutputDebounce = src.Run.OutputDebounce
	}
	if src.Run.ViewerLogHeartbeat > 0 {
		dst.Run.ViewerLogHeartbeat = src.Run.ViewerLogHeartbeat
	}
}

func (c *Config) validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Run.MaxIterations < 0 {
		return fmt.Errorf("run.maxIterations must be >= 0")
	}
	if c.Run.MaxParallelTasks < 0 {
		return fmt.Errorf("run.maxParallelTasks must be >= 0")
	}
	return nil
}

// ParseLevel maps a log-level word to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (want debug|info|warn|error)", s)
	}
}

// NewLogger builds the process logger: slog text handler on stderr at the
// given level.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
