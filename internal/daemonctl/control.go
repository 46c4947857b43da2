package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"diarist/internal/config"
	"diarist/internal/ipc"
	"diarist/internal/jobs"
	"diarist/internal/preflight"
)

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	SocketPath string
	ConfigPath string
}

// StartState describes the outcome of a start request.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
	StartStateRequested      StartState = "start_requested"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	Message  string
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// StatusLine is one labelled readiness check shown by `diarist status`.
type StatusLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Snapshot is the daemon status merged with offline fallbacks.
type Snapshot struct {
	*ipc.StatusResponse
	SystemChecks []StatusLine `json:"system_checks"`
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

const (
	defaultStartTimeout = 10 * time.Second
	defaultStopGrace    = 5 * time.Second
	maxPollInterval     = time.Second
)

// Controller starts, stops and restarts the daemon behind one socket.
type Controller struct {
	SocketPath   string
	Config       *config.Config
	Executable   string
	Launch       LaunchOptions
	StartTimeout time.Duration
	StopGrace    time.Duration
}

// Start connects to the daemon, launching a detached process first when no
// daemon answers, and asks it to start its engine.
func (c Controller) Start(ctx context.Context) (StartResult, error) {
	launched := false
	client, err := ipc.Dial(c.SocketPath)
	if err != nil {
		if err := launch(c.Executable, c.Launch); err != nil {
			return StartResult{}, err
		}
		launched = true
		client, err = c.waitForClient(ctx)
		if err != nil {
			return StartResult{}, err
		}
	}
	defer client.Close()

	if status, err := client.Status(); err == nil && status != nil && status.Running {
		if launched {
			return StartResult{State: StartStateStarted, Launched: true}, nil
		}
		return StartResult{State: StartStateAlreadyRunning}, nil
	}

	resp, err := client.Start()
	if err != nil {
		return StartResult{}, err
	}
	result := StartResult{State: StartStateRequested, Launched: launched, Message: "Start request sent"}
	if resp == nil {
		return result, nil
	}
	message := strings.TrimSpace(resp.Message)
	switch {
	case resp.Started:
		result.State = StartStateStarted
	case strings.EqualFold(message, "daemon already running"):
		result.State = StartStateAlreadyRunning
		if launched {
			result.State = StartStateStarted
		}
	}
	if message != "" || result.State != StartStateRequested {
		result.Message = message
	}
	return result, nil
}

// Stop asks the daemon to stop and force-kills the process if it is still
// answering after the grace period. Jobs the daemon was running are left
// PROCESSING and are picked up by the next recovery pass.
func (c Controller) Stop(ctx context.Context) (StopResult, error) {
	client, err := ipc.Dial(c.SocketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	status, _ := client.Status()
	resp, err := client.Stop()
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}

	result := StopResult{StopAcknowledged: resp != nil && resp.Stopped}
	if status != nil {
		result.PID = status.PID
	}
	if c.waitForShutdown(ctx) == nil {
		return result, nil
	}

	pidPath, lockPath := c.daemonFiles(status)
	if pidPath == "" {
		return result, errors.New("unable to determine daemon data directory")
	}
	killed, err := ForceKillProcess(pidPath, lockPath, result.PID)
	if err != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", err)
	}
	_ = os.Remove(c.SocketPath)
	result.ForcedKill = true
	result.PID = killed
	return result, nil
}

// Restart stops the daemon if running, then starts it again.
func (c Controller) Restart(ctx context.Context) (RestartResult, error) {
	stopped, stopErr := c.Stop(ctx)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}
	started, err := c.Start(ctx)
	if err != nil {
		return RestartResult{}, err
	}
	return RestartResult{WasRunning: stopErr == nil, Stop: stopped, Start: started}, nil
}

// daemonFiles resolves the pid and lock files, preferring what the running
// daemon reported over the local config.
func (c Controller) daemonFiles(status *ipc.StatusResponse) (pidPath, lockPath string) {
	var dbPath string
	if status != nil {
		lockPath, dbPath = status.LockPath, status.DatabasePath
	}
	dir := DeriveDataDir(lockPath, dbPath, c.Config)
	if dir == "" {
		return "", ""
	}
	paths := config.Paths{DataDir: dir}
	cfg := &config.Config{Paths: paths}
	if lockPath == "" {
		lockPath = cfg.DaemonLockPath()
	}
	return cfg.PIDPath(), lockPath
}

func (c Controller) waitForClient(ctx context.Context) (*ipc.Client, error) {
	var client *ipc.Client
	err := poll(ctx, orDefault(c.StartTimeout, defaultStartTimeout), func() error {
		var err error
		client, err = ipc.Dial(c.SocketPath)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("daemon failed to start: %w", err)
	}
	return client, nil
}

func (c Controller) waitForShutdown(ctx context.Context) error {
	return poll(ctx, orDefault(c.StopGrace, defaultStopGrace), func() error {
		client, err := ipc.Dial(c.SocketPath)
		if err != nil {
			if isDaemonUnavailable(err) {
				return nil
			}
			return err
		}
		defer client.Close()
		status, err := client.Status()
		if err != nil {
			return err
		}
		if status.Running {
			return errors.New("daemon still running")
		}
		return nil
	})
}

// poll retries check with capped exponential backoff until it succeeds,
// timeout elapses or ctx ends, returning the last check error.
func poll(ctx context.Context, timeout time.Duration, check func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = maxPollInterval
	b.MaxElapsedTime = timeout
	return backoff.Retry(check, backoff.WithContext(b, ctx))
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return errors.New("resolve executable: executable path is empty")
	}
	args := []string{"daemon"}
	if socket := strings.TrimSpace(opts.SocketPath); socket != "" {
		args = append(args, "--socket", socket)
	}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	proc := exec.Command(executablePath, args...)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// DeriveDataDir determines the directory holding the daemon's pid and lock
// files from status and config hints.
func DeriveDataDir(lockPath, databasePath string, cfg *config.Config) string {
	switch {
	case lockPath != "":
		return filepath.Dir(lockPath)
	case databasePath != "":
		return filepath.Dir(databasePath)
	case cfg != nil:
		return strings.TrimSpace(cfg.Paths.DataDir)
	}
	return ""
}

// ForceKillProcess sends SIGKILL to the daemon and removes its pid and lock
// files. The pid file wins over fallbackPID when both are present.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid, err := readPID(pidPath)
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		pid = fallbackPID
	}
	switch {
	case pid <= 0:
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	case pid == os.Getpid():
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

// readPID returns 0 without error when the pid file is missing or empty.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daemon pid file %q: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// BuildStatusSnapshot collects daemon status. When the daemon is not running
// the job counts are read straight from the database.
func BuildStatusSnapshot(ctx context.Context, socketPath string, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	statusResp := &ipc.StatusResponse{}

	client, err := ipc.Dial(socketPath)
	if err == nil {
		defer client.Close()
		if resp, statusErr := client.Status(); statusErr == nil && resp != nil {
			statusResp = resp
		}
	}

	if !statusResp.Running && len(statusResp.JobStats) == 0 {
		queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		store, openErr := jobs.Open(cfg)
		if openErr == nil {
			stats, statsErr := store.Stats(queryCtx)
			_ = store.Close()
			if statsErr == nil {
				statusResp.JobStats = make(map[string]int, len(stats))
				for status, count := range stats {
					statusResp.JobStats[string(status)] = count
				}
			}
		}
		if statusResp.DatabasePath == "" {
			statusResp.DatabasePath = cfg.DatabasePath()
		}
	}

	return &Snapshot{
		StatusResponse: statusResp,
		SystemChecks:   BuildSystemChecks(ctx, cfg, statusResp),
	}, nil
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// BuildSystemChecks resolves status lines that combine runtime state and
// config checks.
func BuildSystemChecks(ctx context.Context, cfg *config.Config, status *ipc.StatusResponse) []StatusLine {
	lines := make([]StatusLine, 0, 10)
	running := status != nil && status.Running
	if running {
		lines = append(lines, StatusLine{Label: "Diarist", Severity: "ok", Detail: "Running"})
		switch {
		case status.ScanError != "":
			lines = append(lines, StatusLine{Label: "Recovery", Severity: "warn", Detail: "Last scan failed: " + status.ScanError})
		case status.LastScan != nil:
			lines = append(lines, StatusLine{Label: "Recovery", Severity: "ok", Detail: "Last scan " + status.LastScan.StartedAt.Format(time.RFC3339)})
		default:
			lines = append(lines, StatusLine{Label: "Recovery", Severity: "info", Detail: "No scan yet"})
		}
	} else {
		lines = append(lines, StatusLine{Label: "Diarist", Severity: "warn", Detail: "Not running (run `diarist start`)"})
	}

	lines = append(lines, preflightLines(ctx, cfg)...)

	if cfg.Identity.Enabled {
		lines = append(lines, StatusLine{Label: "Identity Matching", Severity: "ok", Detail: fmt.Sprintf("Enabled (candidate %.2f, link %.2f)", cfg.Identity.LowThreshold, cfg.Identity.HighThreshold)})
	} else {
		lines = append(lines, StatusLine{Label: "Identity Matching", Severity: "info", Detail: "Disabled"})
	}

	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		lines = append(lines, StatusLine{Label: "Notifications", Severity: "ok", Detail: "Configured"})
	} else {
		lines = append(lines, StatusLine{Label: "Notifications", Severity: "warn", Detail: "Not configured"})
	}

	if orphans := statusCount(status, jobs.StatusOrphaned); orphans > 0 {
		lines = append(lines, StatusLine{Label: "Orphaned Jobs", Severity: "warn", Detail: fmt.Sprintf("%d awaiting operator recovery", orphans)})
	}
	return lines
}

func preflightLines(ctx context.Context, cfg *config.Config) []StatusLine {
	results := preflight.RunAll(ctx, cfg)
	lines := make([]StatusLine, 0, len(results))
	for _, r := range results {
		line := StatusLine{Label: r.Name, Detail: r.Detail}
		switch {
		case r.Passed:
			line.Severity = "ok"
		case r.Skipped:
			line.Severity = "info"
		default:
			line.Severity = "warn"
		}
		lines = append(lines, line)
	}
	return lines
}

func statusCount(status *ipc.StatusResponse, s jobs.Status) int {
	if status == nil {
		return 0
	}
	return status.JobStats[string(s)]
}
