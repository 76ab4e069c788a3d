package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all credentials and configuration for the capture daemon
type Config struct {
	Ring    RingConfig
	Storage StorageConfig
	Capture CaptureConfig
	API     APIConfig
}

// RingConfig holds Ring OAuth credentials and API options
type RingConfig struct {
	RefreshToken string
	Region       string // optional signalling region prefix, e.g. "eu"
	HardwareID   string // stable client identifier sent during auth
}

// StorageConfig holds storage backend settings
type StorageConfig struct {
	Root        string // filesystem backend root directory
	SQLitePath  string // event index database path
	RemoteURL   string // optional remote backend base URL
	RemoteToken string // bearer token for the remote backend
}

// CaptureConfig holds recording behaviour settings
type CaptureConfig struct {
	TicketCheckInterval time.Duration
	DingDuration        time.Duration
	MotionDuration      time.Duration
	MaxDuration         time.Duration
	PollInterval        time.Duration // push notification poll cadence
}

// APIConfig holds status API settings
type APIConfig struct {
	Listen string // empty disables the status server
}

// Load reads configuration from a .env file with environment overrides
func Load(envPath string) (*Config, error) {
	cfg := defaults()

	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		// URL decode values that might be encoded
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		cfg.apply(key, decodedValue)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:       "captures",
			SQLitePath: "captures/events.db",
		},
		Capture: CaptureConfig{
			TicketCheckInterval: 30 * time.Minute,
			DingDuration:        30 * time.Second,
			MotionDuration:      20 * time.Second,
			MaxDuration:         590 * time.Second,
			PollInterval:        5 * time.Second,
		},
	}
}

func (c *Config) apply(key, value string) {
	switch key {
	case "refresh_token":
		c.Ring.RefreshToken = value
	case "region":
		c.Ring.Region = value
	case "hardware_id":
		c.Ring.HardwareID = value
	case "storage_root":
		c.Storage.Root = value
	case "sqlite_path":
		c.Storage.SQLitePath = value
	case "remote_storage_url":
		c.Storage.RemoteURL = value
	case "remote_storage_token":
		c.Storage.RemoteToken = value
	case "ticket_check_interval":
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			c.Capture.TicketCheckInterval = time.Duration(secs) * time.Second
		}
	case "ding_duration":
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			c.Capture.DingDuration = time.Duration(secs) * time.Second
		}
	case "motion_duration":
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			c.Capture.MotionDuration = time.Duration(secs) * time.Second
		}
	case "max_duration":
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			c.Capture.MaxDuration = time.Duration(secs) * time.Second
		}
	case "poll_interval":
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			c.Capture.PollInterval = time.Duration(secs) * time.Second
		}
	case "api_listen":
		c.API.Listen = value
	}
}

// applyEnv lets RING_* environment variables override file values
func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"RING_REFRESH_TOKEN":        &c.Ring.RefreshToken,
		"RING_REGION":               &c.Ring.Region,
		"RING_HARDWARE_ID":          &c.Ring.HardwareID,
		"RING_STORAGE_ROOT":         &c.Storage.Root,
		"RING_SQLITE_PATH":          &c.Storage.SQLitePath,
		"RING_REMOTE_STORAGE_URL":   &c.Storage.RemoteURL,
		"RING_REMOTE_STORAGE_TOKEN": &c.Storage.RemoteToken,
		"RING_API_LISTEN":           &c.API.Listen,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("RING_TICKET_CHECK_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Capture.TicketCheckInterval = time.Duration(secs) * time.Second
		}
	}
}

// Validate checks that all required configuration fields are present
func (c *Config) Validate() error {
	if c.Ring.RefreshToken == "" {
		return fmt.Errorf("missing refresh_token")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("missing storage_root")
	}
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("missing sqlite_path")
	}
	if c.Capture.MaxDuration > 590*time.Second {
		return fmt.Errorf("max_duration exceeds session limit of 590s")
	}
	return nil
}
