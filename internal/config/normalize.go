package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWorkers()
	c.normalizeInference()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.ObjectRoot, err = expandPath(c.Paths.ObjectRoot); err != nil {
		return fmt.Errorf("paths.object_root: %w", err)
	}
	if c.Paths.LockDir, err = expandPath(c.Paths.LockDir); err != nil {
		return fmt.Errorf("paths.lock_dir: %w", err)
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeWorkers() {
	kinds := make([]string, 0, len(c.Workers.Kinds))
	seen := make(map[string]struct{}, len(c.Workers.Kinds))
	for _, kind := range c.Workers.Kinds {
		kind = strings.ToUpper(strings.TrimSpace(kind))
		if kind == "" {
			continue
		}
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	c.Workers.Kinds = kinds
}

func (c *Config) normalizeInference() {
	if c.Inference.APIKey == "" {
		if value, ok := os.LookupEnv("DIARIST_INFERENCE_API_KEY"); ok {
			c.Inference.APIKey = value
		}
	}
	c.Inference.BaseURL = strings.TrimRight(strings.TrimSpace(c.Inference.BaseURL), "/")
	if c.Inference.BaseURL == "" {
		c.Inference.BaseURL = defaultInferenceBaseURL
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.Notifications.WebSocketURL = strings.TrimSpace(c.Notifications.WebSocketURL)
	c.Notifications.KafkaTopic = strings.TrimSpace(c.Notifications.KafkaTopic)
	brokers := c.Notifications.KafkaBrokers[:0]
	for _, broker := range c.Notifications.KafkaBrokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	c.Notifications.KafkaBrokers = brokers
	if len(brokers) > 0 && c.Notifications.KafkaTopic == "" {
		c.Notifications.KafkaTopic = defaultKafkaTopic
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
