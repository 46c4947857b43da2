package daemonctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diarist/internal/ipc"
	"diarist/internal/jobs"
	"diarist/internal/testsupport"
)

func TestDeriveDataDir(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	assert.Equal(t, "/run/diarist", DeriveDataDir("/run/diarist/diarist.lock", "/var/db/jobs.db", cfg))
	assert.Equal(t, "/var/db", DeriveDataDir("", "/var/db/jobs.db", cfg))
	assert.Equal(t, cfg.Paths.DataDir, DeriveDataDir("", "", cfg))
	assert.Empty(t, DeriveDataDir("", "", nil))
}

func labels(lines []StatusLine) map[string]StatusLine {
	out := make(map[string]StatusLine, len(lines))
	for _, line := range lines {
		out[line.Label] = line
	}
	return out
}

func TestBuildSystemChecksOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Inference.BaseURL = ""
	cfg.Paths.ObjectRoot = filepath.Join(testsupport.BaseDir(cfg), "missing")

	status := &ipc.StatusResponse{JobStats: map[string]int{string(jobs.StatusOrphaned): 2}}
	byLabel := labels(BuildSystemChecks(context.Background(), cfg, status))

	assert.Equal(t, "warn", byLabel["Diarist"].Severity)
	assert.Equal(t, "info", byLabel["Inference"].Severity)
	assert.Equal(t, "ok", byLabel["Data directory"].Severity)
	assert.Equal(t, "warn", byLabel["Object root"].Severity)
	assert.Equal(t, "warn", byLabel["Orphaned Jobs"].Severity)
	assert.Contains(t, byLabel["Orphaned Jobs"].Detail, "2 awaiting")
}

func TestBuildSystemChecksRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Inference.BaseURL = ""

	byLabel := labels(BuildSystemChecks(context.Background(), cfg, &ipc.StatusResponse{Running: true}))
	assert.Equal(t, "ok", byLabel["Diarist"].Severity)
	assert.Equal(t, "info", byLabel["Recovery"].Severity)
	_, hasOrphans := byLabel["Orphaned Jobs"]
	assert.False(t, hasOrphans)
}

func TestStopWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctl := Controller{SocketPath: cfg.Paths.SocketPath, Config: cfg}
	_, err := ctl.Stop(context.Background())
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestForceKillProcessGuards(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "diarist.pid")

	_, err := ForceKillProcess(pidPath, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to determine daemon pid")

	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644))
	_, err = ForceKillProcess(pidPath, "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to kill current process")
}

func TestPollStopsOnSuccessAndTimeout(t *testing.T) {
	calls := 0
	err := poll(context.Background(), time.Second, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	err = poll(context.Background(), 150*time.Millisecond, func() error {
		return errors.New("never")
	})
	assert.EqualError(t, err, "never")
}
