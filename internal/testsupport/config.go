package testsupport

import (
	"path/filepath"
	"testing"

	"diarist/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ObjectRoot = filepath.Join(base, "media")
	cfgVal.Paths.LockDir = filepath.Join(base, "locks")
	cfgVal.Paths.SocketPath = filepath.Join(base, "diarist.sock")
	cfgVal.Workers.PollInterval = 1
	cfgVal.Workers.HeartbeatInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithMaxRetries sets the automatic retry ceiling.
func WithMaxRetries(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Recovery.MaxRetries = n
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.Count = n
	}
}

// WithTimeouts applies the same processing and queue timeouts, in seconds,
// to every job kind.
func WithTimeouts(processing, queue int) ConfigOption {
	return func(b *configBuilder) {
		kt := config.KindTimeout{Processing: processing, Queue: queue}
		b.cfg.Timeouts = config.Timeouts{Transcribe: kt, Summarize: kt, Match: kt}
	}
}

// WithIdentityThresholds overrides the matcher thresholds.
func WithIdentityThresholds(low, high float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Identity.LowThreshold = low
		b.cfg.Identity.HighThreshold = high
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
