package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"diarist/internal/config"
	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/metrics"
	"diarist/internal/notifications"
	"diarist/internal/preflight"
	"diarist/internal/workflow"
)

// Daemon coordinates the job engine and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *jobs.Store
	engine  *workflow.Engine
	hub     *notifications.Hub
	metrics *metrics.Metrics

	lockPath    string
	lock        *flock.Flock
	diagnostics *diagnosticsServer

	mu        sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	startedAt time.Time
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                  `json:"running"`
	PID          int                   `json:"pid"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
	DatabasePath string                `json:"database_path"`
	LockPath     string                `json:"lock_path"`
	MetricsAddr  string                `json:"metrics_addr,omitempty"`
	Engine       workflow.EngineStatus `json:"engine"`
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithHub hands the notification hub to the daemon so Close drains it.
func WithHub(hub *notifications.Hub) Option {
	return func(d *Daemon) { d.hub = hub }
}

// WithMetrics serves the collectors on the configured metrics bind.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// New constructs a daemon around an assembled engine.
func New(cfg *config.Config, store *jobs.Store, engine *workflow.Engine, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || engine == nil {
		return nil, errors.New("daemon requires config, store, and engine")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.DaemonLockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		engine:   engine,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics != nil {
		d.diagnostics = newDiagnosticsServer(strings.TrimSpace(cfg.Metrics.Bind), d, d.logger)
	}
	return d, nil
}

// Engine exposes the job engine for IPC callers.
func (d *Daemon) Engine() *workflow.Engine {
	return d.engine
}

// Start acquires the daemon lock and launches the engine.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another diarist daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.engine.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start engine: %w", err)
	}
	if err := d.diagnostics.start(runCtx); err != nil {
		// The engine keeps running; metrics are diagnostics only.
		d.logger.Warn("metrics listener unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "metrics_listen_failed"),
			logging.String(logging.FieldErrorHint, "check metrics.bind is free"),
			logging.String(logging.FieldImpact, "metrics are not exported"),
		)
	}

	d.cancel = cancel
	d.startedAt = time.Now().UTC()
	d.running.Store(true)
	d.logger.Info("diarist daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_start"),
	)
	go d.logPreflight(runCtx)
	return nil
}

func (d *Daemon) logPreflight(ctx context.Context) {
	for _, r := range preflight.Failed(preflight.RunAll(ctx, d.cfg)) {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("preflight check failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldImpact, "jobs depending on this may fail"),
		)
	}
}

// Stop drains the engine and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.diagnostics.stop()
	d.engine.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("diarist daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close stops the daemon and releases the hub and store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.hub != nil {
		d.hub.Close()
	}
	return d.store.Close()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.cfg.DatabasePath(),
		LockPath:     d.lockPath,
		MetricsAddr:  d.diagnostics.addr(),
		Engine:       d.engine.Status(ctx),
	}
	d.mu.Lock()
	if status.Running && !d.startedAt.IsZero() {
		started := d.startedAt
		status.StartedAt = &started
	}
	d.mu.Unlock()
	return status
}

// DatabaseHealth returns job database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (jobs.DatabaseHealth, error) {
	return d.store.CheckHealth(ctx)
}

// TestNotification sends a test message through the ntfy sink.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	notifier := notifications.NewNtfySink(d.cfg.Notifications)
	if err := notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
