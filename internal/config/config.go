package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults for the download daemon
const (
	DefaultServerAddr    = ":8080"
	DefaultRootDir       = "downloads"
	DefaultHistoryDB     = "history.db"
	DefaultPollInterval  = 5
	DefaultFetchTimeout  = 600
	DefaultStaleAge      = 3600
	DefaultMaxConcurrent = 1
)

// Config holds all daemon configuration. Durations are expressed in
// seconds so the same values round-trip through YAML, env vars, and
// persisted job records unchanged.
type Config struct {
	ServerAddr string `yaml:"server_addr"`
	RootDir    string `yaml:"root_dir"`
	HistoryDB  string `yaml:"history_db"`
	CookieFile string `yaml:"cookie_file"`
	LogLevel   string `yaml:"log_level"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	StaleAgeSeconds     int `yaml:"stale_age_seconds"`

	// MaxConcurrent is accepted for compatibility with older client
	// configs. The worker processes one download at a time; values
	// above 1 only produce a startup warning.
	MaxConcurrent int `yaml:"max_concurrent_downloads"`
}

// PollInterval returns the worker poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// FetchTimeout returns the per-download fetch timeout
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// StaleAge returns the in-progress staleness threshold used by the reaper
func (c *Config) StaleAge() time.Duration {
	return time.Duration(c.StaleAgeSeconds) * time.Second
}

// Load builds the configuration from defaults, an optional YAML file
// (path given by FETCHBOX_CONFIG), and environment variable overrides,
// in that order of precedence.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:          DefaultServerAddr,
		RootDir:             DefaultRootDir,
		HistoryDB:           DefaultHistoryDB,
		LogLevel:            "info",
		PollIntervalSeconds: DefaultPollInterval,
		FetchTimeoutSeconds: DefaultFetchTimeout,
		StaleAgeSeconds:     DefaultStaleAge,
		MaxConcurrent:       DefaultMaxConcurrent,
	}

	if path := os.Getenv("FETCHBOX_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", cfg.ServerAddr)
	cfg.RootDir = getEnvOrDefault("DOWNLOADS_ROOT", cfg.RootDir)
	cfg.HistoryDB = getEnvOrDefault("HISTORY_DB", cfg.HistoryDB)
	cfg.CookieFile = getEnvOrDefault("COOKIE_FILE", cfg.CookieFile)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.PollIntervalSeconds = getEnvInt("POLL_INTERVAL_SECONDS", cfg.PollIntervalSeconds)
	cfg.FetchTimeoutSeconds = getEnvInt("FETCH_TIMEOUT_SECONDS", cfg.FetchTimeoutSeconds)
	cfg.StaleAgeSeconds = getEnvInt("STALE_AGE_SECONDS", cfg.StaleAgeSeconds)
	cfg.MaxConcurrent = getEnvInt("MAX_CONCURRENT_DOWNLOADS", cfg.MaxConcurrent)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	return dec.Decode(c)
}

func (c *Config) validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("downloads root directory must not be empty")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %d", c.FetchTimeoutSeconds)
	}
	if c.StaleAgeSeconds <= 0 {
		return fmt.Errorf("stale age must be positive, got %d", c.StaleAgeSeconds)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
