package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat         string `envconfig:"LOG_FORMAT" default:"json"`
	LogFile           string `envconfig:"LOG_FILE"`
	DBPath            string `envconfig:"DB_PATH" default:"skillbridge.db"`
	DataDir           string `envconfig:"DATA_DIR" default:"data/resources"`
	APIBaseURL        string `envconfig:"API_BASE_URL" required:"true"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Download struct {
		MaxConcurrent    int           `split_words:"true" default:"3"`
		MaxRetries       int           `split_words:"true" default:"3"`
		RetryBaseDelay   time.Duration `split_words:"true" default:"1s"`
		FetchTimeout     time.Duration `split_words:"true" default:"60s"`
		AutoResume       bool          `split_words:"true" default:"true"`
		ProgressInterval int64         `split_words:"true" default:"262144"`
	}

	Sync struct {
		Interval time.Duration `split_words:"true" default:"5m"`
		Debounce time.Duration `split_words:"true" default:"1s"`
	}

	Cleanup struct {
		Interval  time.Duration `split_words:"true" default:"1h"`
		Retention time.Duration `split_words:"true" default:"720h"`
	}

	Connectivity struct {
		StartOnline   bool          `split_words:"true" default:"true"`
		ProbeURL      string        `split_words:"true"`
		ProbeInterval time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"skillbridge-offline"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.Download.MaxConcurrent < 1 {
		return nil, fmt.Errorf("DOWNLOAD_MAX_CONCURRENT must be at least 1, got %d", cfg.Download.MaxConcurrent)
	}

	if cfg.Download.MaxRetries < 0 {
		return nil, fmt.Errorf("DOWNLOAD_MAX_RETRIES must not be negative, got %d", cfg.Download.MaxRetries)
	}

	return &cfg, nil
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
