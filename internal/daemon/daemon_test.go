package daemon_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"diarist/internal/config"
	"diarist/internal/daemon"
	"diarist/internal/logging"
	"diarist/internal/metrics"
	"diarist/internal/services/objectstore"
	"diarist/internal/substrate"
	"diarist/internal/testsupport"
	"diarist/internal/workflow"
)

func newDaemon(t *testing.T, cfg *config.Config, opts ...daemon.Option) *daemon.Daemon {
	t.Helper()
	store := testsupport.MustOpenStore(t, cfg)
	artifacts, err := objectstore.NewFilesystem(cfg.Paths.ObjectRoot)
	if err != nil {
		t.Fatalf("objectstore: %v", err)
	}
	leases, err := substrate.NewRegistry(cfg.Paths.LockDir)
	if err != nil {
		t.Fatalf("substrate: %v", err)
	}
	engine, err := workflow.NewEngine(cfg, workflow.Deps{
		Store:     store,
		Artifacts: artifacts,
		Leases:    leases,
		Logger:    logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d, err := daemon.New(cfg, store, engine, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status(ctx)
	if !status.Running || status.StartedAt == nil {
		t.Fatalf("expected running daemon with start time, got %+v", status)
	}
	if status.LockPath != cfg.DaemonLockPath() || status.DatabasePath != cfg.DatabasePath() {
		t.Fatalf("unexpected paths: %+v", status)
	}
	if !status.Engine.Pool.Running {
		t.Fatal("expected worker pool to be running")
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	status = d.Status(ctx)
	if status.Running || status.Engine.Pool.Running {
		t.Fatalf("expected daemon to be stopped, got %+v", status)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
}

func TestSecondDaemonIsLockedOut(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := newDaemon(t, cfg)
	second := newDaemon(t, cfg)
	ctx := context.Background()

	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := second.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock contention error, got %v", err)
	}
	if second.Status(ctx).Running {
		t.Fatal("locked out daemon must not report running")
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release: %v", err)
	}
}

func TestDiagnosticsServeMetricsAndHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Metrics.Bind = "127.0.0.1:0"
	d := newDaemon(t, cfg, daemon.WithMetrics(metrics.New()))
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := d.Status(ctx).MetricsAddr
	if addr == "" {
		t.Fatal("expected metrics address")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d: %.200s", resp.StatusCode, body)
	}

	resp, err = http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy daemon, got %d", resp.StatusCode)
	}
	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !status.Running {
		t.Fatal("health probe reported a stopped daemon")
	}
}

func TestTestNotificationWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)
	sent, message, err := d.TestNotification(context.Background())
	if err != nil || sent {
		t.Fatalf("expected unsent notification without error, got sent=%v err=%v", sent, err)
	}
	if message != "ntfy topic not configured" {
		t.Fatalf("unexpected message %q", message)
	}
}
