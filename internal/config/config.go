package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config struct for environment variables.
type Config struct {
	SourceFile   string `envconfig:"SOURCE_FILE" default:"source.txt"`
	PackagesFile string `envconfig:"PACKAGES_FILE" default:"packages.txt"`
	DataDir      string `envconfig:"DATA_DIR" default:"data"`

	ProgressBackend string `envconfig:"PROGRESS_BACKEND" default:"json"`
	ProgressFile    string `envconfig:"PROGRESS_FILE" default:"download_progress.json"`
	DBPath          string `envconfig:"DB_PATH" default:"downloads.db"`

	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"4"`
	PreservePartials bool          `envconfig:"PRESERVE_PARTIALS" default:"false"`
	PartialMaxAge    time.Duration `envconfig:"PARTIAL_MAX_AGE" default:"0s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat         string `envconfig:"LOG_FORMAT" default:"json"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	HTTP struct {
		ResponseHeaderTimeout time.Duration `split_words:"true" default:"30s"`
		IdleConnTimeout       time.Duration `split_words:"true" default:"90s"`
		MaxIdleConnsPerHost   int           `split_words:"true" default:"16"`
		UserAgent             string        `split_words:"true" default:"wheel_mirror/1.0"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"false"`
		ServiceName    string `split_words:"true" default:"wheel_mirror"`
		MetricsAddress string `split_words:"true"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the mirror cannot run with.
func (c *Config) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	}

	switch c.ProgressBackend {
	case BackendJSON, BackendSQLite:
	default:
		return fmt.Errorf("invalid progress backend: %q", c.ProgressBackend)
	}

	if c.DataDir == "" {
		return errors.New("DATA_DIR must not be empty")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
