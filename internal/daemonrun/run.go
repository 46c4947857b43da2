package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"diarist/internal/config"
	"diarist/internal/daemon"
	"diarist/internal/identity"
	"diarist/internal/ipc"
	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/metrics"
	"diarist/internal/notifications"
	"diarist/internal/services/inference"
	"diarist/internal/services/objectstore"
	"diarist/internal/substrate"
	"diarist/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the diarist daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logPath := cfg.LogPath()
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobs.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}

	collectors := metrics.New()
	store.OnTransition(collectors.JobHook())

	sinks, sinkErr := notifications.NewSinksFromConfig(cfg.Notifications, logger)
	if sinkErr != nil {
		logger.Warn("some notification sinks are unavailable",
			logging.Error(sinkErr),
			logging.String(logging.FieldEventType, "notification_sink_unavailable"),
			logging.String(logging.FieldErrorHint, "check notifications settings in config.toml"),
			logging.String(logging.FieldImpact, "events are not delivered to the failed sinks"),
		)
	}
	hubOpts := []notifications.Option{notifications.WithRecorder(collectors)}
	for _, sink := range sinks {
		hubOpts = append(hubOpts, notifications.WithSink(sink))
	}
	hub := notifications.NewHub(cfg.Notifications, logger, hubOpts...)

	artifacts, err := objectstore.NewFilesystem(cfg.Paths.ObjectRoot)
	if err != nil {
		hub.Close()
		store.Close()
		return fmt.Errorf("open object store: %w", err)
	}
	leases, err := substrate.NewRegistry(cfg.Paths.LockDir)
	if err != nil {
		hub.Close()
		store.Close()
		return fmt.Errorf("open lease registry: %w", err)
	}

	engine, err := workflow.NewEngine(cfg, workflow.Deps{
		Store:     store,
		Identity:  identity.NewStore(store.DB(), store.Now),
		Artifacts: artifacts,
		Runner:    newRunner(cfg),
		Leases:    leases,
		Hub:       hub,
		Recorder:  collectors,
		Logger:    logger,
	})
	if err != nil {
		hub.Close()
		store.Close()
		return fmt.Errorf("create engine: %w", err)
	}
	logConfigSnapshot(logger, cfg, sinks)

	d, err := daemon.New(cfg, store, engine, logger, daemon.WithHub(hub), daemon.WithMetrics(collectors))
	if err != nil {
		hub.Close()
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and job database access"),
			logging.String(logging.FieldImpact, "no jobs are processed until the daemon is started"),
		)
	}

	<-signalCtx.Done()
	logger.Info("diarist daemon shutting down")
	return nil
}

// newRunner returns the model-server client, or nil when no server is
// configured so TRANSCRIBE and SUMMARIZE are left to other processes.
func newRunner(cfg *config.Config) inference.Runner {
	if strings.TrimSpace(cfg.Inference.BaseURL) == "" {
		return nil
	}
	return inference.NewClient(inference.Config{
		BaseURL:        cfg.Inference.BaseURL,
		APIKey:         cfg.Inference.APIKey,
		TimeoutSeconds: cfg.Inference.TimeoutSeconds,
	})
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config, sinks []notifications.EventSink) {
	names := make([]string, 0, len(sinks))
	for _, sink := range sinks {
		names = append(names, sink.Name())
	}
	logger.Info("engine configuration",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.Int("workers", cfg.Workers.Count),
		logging.Bool("inference_configured", strings.TrimSpace(cfg.Inference.BaseURL) != ""),
		logging.Bool("inference_key_present", strings.TrimSpace(cfg.Inference.APIKey) != ""),
		logging.Bool("identity_enabled", cfg.Identity.Enabled),
		logging.Int("max_retries", cfg.Recovery.MaxRetries),
		logging.String("notification_sinks", strings.Join(names, ",")),
		logging.String("metrics_bind", cfg.Metrics.Bind),
	)
}
