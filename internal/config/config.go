package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Gateway GatewayConfig
	Oracle  OracleConfig
	Storage StorageConfig
	Cache   CacheConfig
	History HistoryConfig
	Auth    AuthConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

// GatewayConfig points at the service gateway that fronts the record store
// and the oracle.
type GatewayConfig struct {
	BaseURL string
	Timeout string
}

type OracleConfig struct {
	Model        string
	SystemPrompt string
	Timeout      string
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	ListTTL         string
	AnalysisTTL     string
	ListRetries     int
	AnalysisRetries int
}

type HistoryConfig struct {
	Capacity int
}

// AuthConfig holds the signed-in identity. An empty PrincipalID means the
// guest principal.
type AuthConfig struct {
	PrincipalID string
	Token       string
}

type LogConfig struct {
	Level string
	JSON  bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8080",
			Timeout: "15s",
		},
		Oracle: OracleConfig{
			Model:        "gpt-4o-mini",
			SystemPrompt: defaultSystemPrompt,
			Timeout:      "30s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			ListTTL:         "30s",
			AnalysisTTL:     "5m",
			ListRetries:     3,
			AnalysisRetries: 1,
		},
		History: HistoryConfig{
			Capacity: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

const defaultSystemPrompt = "You are a friendly personal life assistant. " +
	"Help the user keep their diary, calendar, health and finance records. " +
	"When the user describes their day, classify the message as a diary entry."

// Load reads configuration from the YAML config file, environment variables,
// and the local secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/daybook/config.yaml.
// Environment variables (DAYBOOK_*) override file values.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), fileSecrets{})
}

// secretReader abstracts secret lookup for testing.
type secretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Auth.Token == "" {
		if tok, err := secrets.Get("daybook", "auth_token"); err == nil && tok != "" {
			cfg.Auth.Token = tok
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are usable.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return fmt.Errorf("gateway.base_url cannot be empty")
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be > 0")
	}
	if c.Cache.ListRetries < 0 || c.Cache.AnalysisRetries < 0 {
		return fmt.Errorf("cache retry caps must not be negative")
	}
	return nil
}

// Duration parses value, falling back to def (with a warning) when value is
// empty or malformed.
func Duration(key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		slog.Warn("invalid duration in config, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

// fileSecrets reads from the local secrets file.
type fileSecrets struct{}

func (fileSecrets) Get(service, account string) (string, error) {
	v, err := secretGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}
