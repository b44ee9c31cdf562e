// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogRoot     string

	// ClientTTL is how long a client record survives without a live
	// transport before the sweep removes it.
	ClientTTL     time.Duration
	SweepInterval time.Duration

	// UndeliveredTTL bounds how long an unacknowledged message is kept.
	UndeliveredTTL time.Duration

	// UndeliveredQueueLimit bounds each client's undelivered queue;
	// overflow drops the oldest message.
	UndeliveredQueueLimit int

	EventQueueSize    int
	OutboundQueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		FrontendURL:           getEnv("FRONTEND_URL", ""),
		DBPath:                getEnv("DB_PATH", "./data/bridge.db"),
		LogRoot:               getEnv("LOG_ROOT", defaultLogRoot()),
		ClientTTL:             getEnvDuration("CLIENT_TTL", time.Hour),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", 15*time.Minute),
		UndeliveredTTL:        getEnvDuration("UNDELIVERED_TTL", 7*24*time.Hour),
		UndeliveredQueueLimit: getEnvInt("UNDELIVERED_QUEUE_LIMIT", 256),
		EventQueueSize:        getEnvInt("EVENT_QUEUE_SIZE", 512),
		OutboundQueueSize:     getEnvInt("OUTBOUND_QUEUE_SIZE", 64),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LogRoot == "" {
		return fmt.Errorf("LOG_ROOT cannot be empty")
	}
	if c.ClientTTL <= 0 {
		return fmt.Errorf("CLIENT_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.UndeliveredTTL <= 0 {
		return fmt.Errorf("UNDELIVERED_TTL must be > 0")
	}
	if c.UndeliveredQueueLimit <= 0 {
		return fmt.Errorf("UNDELIVERED_QUEUE_LIMIT must be > 0")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be > 0")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func defaultLogRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data/projects"
	}
	return filepath.Join(home, ".claude", "projects")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
