package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains filesystem locations used by the daemon.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	ObjectRoot string `toml:"object_root"`
	LockDir    string `toml:"lock_dir"`
	SocketPath string `toml:"socket_path"`
}

// Workers controls the worker pool.
type Workers struct {
	Count             int      `toml:"count"`
	PollInterval      int      `toml:"poll_interval"`
	HeartbeatInterval int      `toml:"heartbeat_interval"`
	WakeBuffer        int      `toml:"wake_buffer"`
	Kinds             []string `toml:"kinds"`
}

// KindTimeout holds the staleness thresholds for one job kind, in seconds.
type KindTimeout struct {
	Processing int `toml:"processing"`
	Queue      int `toml:"queue"`
}

// Timeouts groups staleness thresholds per job kind.
type Timeouts struct {
	Transcribe KindTimeout `toml:"transcribe"`
	Summarize  KindTimeout `toml:"summarize"`
	Match      KindTimeout `toml:"match"`
}

// Recovery tunes the stuck-job detector and recovery policy.
type Recovery struct {
	ScanInterval        int     `toml:"scan_interval"`
	MaxRetries          int     `toml:"max_retries"`
	OrphanGrace         int     `toml:"orphan_grace"`
	RedispatchPerSecond float64 `toml:"redispatch_per_second"`
	RedispatchBurst     int     `toml:"redispatch_burst"`
	HungFactor          float64 `toml:"hung_factor"`
}

// Identity configures cross-file speaker matching.
type Identity struct {
	Enabled       bool    `toml:"enabled"`
	LowThreshold  float64 `toml:"low_threshold"`
	HighThreshold float64 `toml:"high_threshold"`
	EmbeddingDim  int     `toml:"embedding_dim"`
}

// Notifications configures event fan-out and external sinks.
type Notifications struct {
	SubscriberBuffer   int      `toml:"subscriber_buffer"`
	SinkBuffer         int      `toml:"sink_buffer"`
	MaxAttempts        int      `toml:"max_attempts"`
	InitialBackoffMS   int      `toml:"initial_backoff_ms"`
	MaxBackoffMS       int      `toml:"max_backoff_ms"`
	NtfyTopic          string   `toml:"ntfy_topic"`
	NtfyRequestTimeout int      `toml:"ntfy_request_timeout"`
	WebSocketURL       string   `toml:"websocket_url"`
	KafkaBrokers       []string `toml:"kafka_brokers"`
	KafkaTopic         string   `toml:"kafka_topic"`
}

// Inference configures the model-serving collaborator.
type Inference struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Metrics configures the Prometheus listener.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Logging configures log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for diarist.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Workers       Workers       `toml:"workers"`
	Timeouts      Timeouts      `toml:"timeouts"`
	Recovery      Recovery      `toml:"recovery"`
	Identity      Identity      `toml:"identity"`
	Notifications Notifications `toml:"notifications"`
	Inference     Inference     `toml:"inference"`
	Metrics       Metrics       `toml:"metrics"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/diarist/config.toml")
}

// Load reads configuration from disk, applying defaults and normalization.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("diarist.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories if they do not exist.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.LockDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if dir := filepath.Dir(c.Paths.SocketPath); c.Paths.SocketPath != "" && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create socket directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the job database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "jobs.db")
}

// LogPath returns the daemon log file inside the log directory.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "diarist.log")
}

// PIDPath returns where the daemon records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "diarist.pid")
}

// DaemonLockPath returns the single-instance lock file for the daemon.
func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.Paths.DataDir, "diarist.lock")
}

// KindTimeouts returns the processing and queue timeouts for a job kind.
// Kind names are matched case-insensitively; unknown kinds fall back to the
// transcribe thresholds, the most permissive defaults.
func (c *Config) KindTimeouts(kind string) (processing, queue time.Duration) {
	var kt KindTimeout
	switch strings.ToUpper(strings.TrimSpace(kind)) {
	case "SUMMARIZE":
		kt = c.Timeouts.Summarize
	case "MATCH":
		kt = c.Timeouts.Match
	default:
		kt = c.Timeouts.Transcribe
	}
	return time.Duration(kt.Processing) * time.Second, time.Duration(kt.Queue) * time.Second
}

// HeartbeatInterval returns the worker heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workers.HeartbeatInterval) * time.Second
}

// PollInterval returns how often idle workers look for pending jobs.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workers.PollInterval) * time.Second
}

// ScanInterval returns the stuck-job detector period.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Recovery.ScanInterval) * time.Second
}

// OrphanGrace returns how long an orphan waits before it is force-delete eligible.
func (c *Config) OrphanGrace() time.Duration {
	return time.Duration(c.Recovery.OrphanGrace) * time.Second
}

// NotificationBackoff returns the initial and maximum delivery backoff.
func (c *Config) NotificationBackoff() (initial, max time.Duration) {
	return time.Duration(c.Notifications.InitialBackoffMS) * time.Millisecond,
		time.Duration(c.Notifications.MaxBackoffMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath resolves ~ and relative segments into an absolute path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the provided path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
