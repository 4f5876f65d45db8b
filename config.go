package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tweet-watcher/deliver"
	"tweet-watcher/search"
)

// Storage backends.
const (
	backendGCS    = "gcs"
	backendLocal  = "local"
	backendSQLite = "sqlite"
)

// Config holds the service configuration. Values come from an optional YAML
// file (CONFIG_FILE) and are overridden by environment variables.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Backend               string `yaml:"storage_backend"` // gcs | local | sqlite
	Bucket                string `yaml:"storage_bucket"`
	LocalStorage          string `yaml:"local_storage"`
	SQLitePath            string `yaml:"sqlite_path"`
	GoogleCredentialsJSON string `yaml:"-"`

	SearchBaseURL string   `yaml:"search_base_url"`
	MaxResults    int      `yaml:"max_results"`
	BearerTokens  []string `yaml:"bearer_tokens"`

	SlackBotToken      string  `yaml:"-"`
	SlackSigningSecret string  `yaml:"-"`
	SlackAPIURL        string  `yaml:"slack_api_url"`
	SlackRate          float64 `yaml:"slack_rate"` // Messages per second

	PollSchedule    string `yaml:"poll_schedule"`    // Cron schedule; empty disables in-process polling
	DeliverSchedule string `yaml:"deliver_schedule"` // Cron schedule; empty disables in-process delivery
	DeliveryWorkers int    `yaml:"delivery_workers"`
}

func defaultConfig() *Config {
	return &Config{
		Port:            "8080",
		LogLevel:        "info",
		SQLitePath:      "./data/watcher.db",
		SearchBaseURL:   search.DefaultBaseURL,
		MaxResults:      search.DefaultMaxResults,
		SlackRate:       1,
		DeliveryWorkers: deliver.DefaultWorkers,
	}
}

// loadConfig builds the configuration from .env, the YAML file at path (if any) and the environment.
func loadConfig(path string) (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Backend, "STORAGE_BACKEND")
	setString(&c.Bucket, "STORAGE_BUCKET")
	setString(&c.LocalStorage, "LOCAL_STORAGE")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.GoogleCredentialsJSON, "GOOGLE_CREDENTIALS_JSON")
	setString(&c.SearchBaseURL, "X_API_BASE_URL")
	setString(&c.SlackBotToken, "SLACK_BOT_TOKEN")
	setString(&c.SlackSigningSecret, "SLACK_SIGNING_SECRET")
	setString(&c.SlackAPIURL, "SLACK_API_URL")
	setString(&c.PollSchedule, "POLL_SCHEDULE")
	setString(&c.DeliverSchedule, "DELIVER_SCHEDULE")

	if v := os.Getenv("X_BEARER_TOKENS"); v != "" {
		c.BearerTokens = splitList(v)
	}
	if err := setInt(&c.MaxResults, "X_MAX_RESULTS"); err != nil {
		return err
	}
	if err := setInt(&c.DeliveryWorkers, "DELIVERY_WORKERS"); err != nil {
		return err
	}
	if v := os.Getenv("SLACK_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse SLACK_RATE: %w", err)
		}
		c.SlackRate = f
	}
	return nil
}

// applyDefaults picks the storage backend the way the service always has:
// a bucket means Cloud Storage, otherwise a local directory.
func (c *Config) applyDefaults() {
	if c.Backend == "" {
		switch {
		case c.Bucket != "":
			c.Backend = backendGCS
		default:
			c.Backend = backendLocal
		}
	}
	if c.Backend == backendLocal && c.LocalStorage == "" {
		c.LocalStorage = "./data"
	}
	c.Backend = strings.ToLower(c.Backend)
}

func (c *Config) validate() error {
	switch c.Backend {
	case backendGCS:
		if c.Bucket == "" {
			return errors.New("STORAGE_BUCKET is required for the gcs backend")
		}
	case backendLocal:
	case backendSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (use gcs, local or sqlite)", c.Backend)
	}
	if c.MaxResults < 0 {
		return fmt.Errorf("max_results must not be negative, got %d", c.MaxResults)
	}
	if c.SlackRate <= 0 {
		return fmt.Errorf("slack_rate must be > 0, got %v", c.SlackRate)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
