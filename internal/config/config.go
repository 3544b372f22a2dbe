package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	ModelsDir    string   `envconfig:"MODELS_DIR" required:"true"`
	OriginURL    string   `envconfig:"ORIGIN_URL" default:"https://huggingface.co"`
	Revision     string   `envconfig:"REVISION" default:"main"`
	HFToken      string   `envconfig:"HF_TOKEN"`
	MarkerFile   string   `envconfig:"MARKER_FILE" default:"config.json"`
	DefaultFiles []string `envconfig:"DEFAULT_FILES" default:"tokenizer.json,tokenizer_config.json,model.safetensors,config.json"`

	TransferTimeout       time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"0s"`
	ResponseHeaderTimeout time.Duration `envconfig:"RESPONSE_HEADER_TIMEOUT" default:"30s"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile           string        `envconfig:"LOG_FILE"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	StaleTempAge      time.Duration `envconfig:"STALE_TEMP_AGE" default:"24h"`
	PreloadOnStart    bool          `envconfig:"PRELOAD_ON_START" default:"true"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"model_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModelsDir) == "" {
		return fmt.Errorf("MODELS_DIR must not be empty")
	}

	u, err := url.Parse(c.OriginURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ORIGIN_URL must be an absolute url, got %q", c.OriginURL)
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval)
	}

	if strings.ContainsAny(c.MarkerFile, `/\`) {
		return fmt.Errorf("MARKER_FILE must be a plain file name, got %q", c.MarkerFile)
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
