package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownKinds = map[string]struct{}{
	"TRANSCRIBE": {},
	"SUMMARIZE":  {},
	"MATCH":      {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateRecovery(); err != nil {
		return err
	}
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LockDir) == "" {
		return errors.New("paths.lock_dir must be set")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Count <= 0 {
		return errors.New("workers.count must be positive")
	}
	if c.Workers.PollInterval <= 0 {
		return errors.New("workers.poll_interval must be positive")
	}
	if c.Workers.HeartbeatInterval <= 0 || c.Workers.HeartbeatInterval > 30 {
		return errors.New("workers.heartbeat_interval must be between 1 and 30 seconds")
	}
	if c.Workers.WakeBuffer < 0 {
		return errors.New("workers.wake_buffer must be >= 0")
	}
	for _, kind := range c.Workers.Kinds {
		if _, ok := knownKinds[kind]; !ok {
			return fmt.Errorf("workers.kinds: unknown job kind %q", kind)
		}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	entries := []struct {
		name string
		kt   KindTimeout
	}{
		{"transcribe", c.Timeouts.Transcribe},
		{"summarize", c.Timeouts.Summarize},
		{"match", c.Timeouts.Match},
	}
	for _, entry := range entries {
		if entry.kt.Processing <= 0 {
			return fmt.Errorf("timeouts.%s.processing must be positive", entry.name)
		}
		if entry.kt.Queue <= 0 {
			return fmt.Errorf("timeouts.%s.queue must be positive", entry.name)
		}
		if entry.kt.Processing <= c.Workers.HeartbeatInterval {
			return fmt.Errorf("timeouts.%s.processing must be greater than workers.heartbeat_interval", entry.name)
		}
	}
	return nil
}

func (c *Config) validateRecovery() error {
	if c.Recovery.ScanInterval <= 0 {
		return errors.New("recovery.scan_interval must be positive")
	}
	if c.Recovery.MaxRetries < 0 {
		return errors.New("recovery.max_retries must be >= 0")
	}
	if c.Recovery.OrphanGrace < 0 {
		return errors.New("recovery.orphan_grace must be >= 0")
	}
	if c.Recovery.RedispatchPerSecond <= 0 {
		return errors.New("recovery.redispatch_per_second must be positive")
	}
	if c.Recovery.RedispatchBurst <= 0 {
		return errors.New("recovery.redispatch_burst must be positive")
	}
	if c.Recovery.HungFactor < 1 {
		return errors.New("recovery.hung_factor must be >= 1")
	}
	return nil
}

func (c *Config) validateIdentity() error {
	low, high := c.Identity.LowThreshold, c.Identity.HighThreshold
	if low <= 0 || low >= 1 {
		return errors.New("identity.low_threshold must be between 0 and 1")
	}
	if high <= low || high > 1 {
		return errors.New("identity.high_threshold must be greater than identity.low_threshold and at most 1")
	}
	if c.Identity.EmbeddingDim < 0 {
		return errors.New("identity.embedding_dim must be >= 0")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	n := c.Notifications
	if n.SubscriberBuffer <= 0 {
		return errors.New("notifications.subscriber_buffer must be positive")
	}
	if n.SinkBuffer <= 0 {
		return errors.New("notifications.sink_buffer must be positive")
	}
	if n.MaxAttempts <= 0 {
		return errors.New("notifications.max_attempts must be positive")
	}
	if n.InitialBackoffMS <= 0 || n.MaxBackoffMS < n.InitialBackoffMS {
		return errors.New("notifications.max_backoff_ms must be >= notifications.initial_backoff_ms > 0")
	}
	if n.NtfyTopic != "" && n.NtfyRequestTimeout <= 0 {
		return errors.New("notifications.ntfy_request_timeout must be positive when ntfy_topic is set")
	}
	if n.WebSocketURL != "" && !strings.HasPrefix(n.WebSocketURL, "ws://") && !strings.HasPrefix(n.WebSocketURL, "wss://") {
		return errors.New("notifications.websocket_url must use ws:// or wss://")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
