package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// setting binds a dotted config key and its DAYBOOK_* variable to one
// Config field. field returns a *string, *int or *bool into cfg.
type setting struct {
	key    string
	env    string
	secret bool
	field  func(cfg *Config) any
}

var specs = []setting{
	{key: "server.port", env: "DAYBOOK_SERVER_PORT", field: func(c *Config) any { return &c.Server.Port }},
	{key: "gateway.base_url", env: "DAYBOOK_GATEWAY_BASE_URL", field: func(c *Config) any { return &c.Gateway.BaseURL }},
	{key: "gateway.timeout", env: "DAYBOOK_GATEWAY_TIMEOUT", field: func(c *Config) any { return &c.Gateway.Timeout }},
	{key: "oracle.model", env: "DAYBOOK_ORACLE_MODEL", field: func(c *Config) any { return &c.Oracle.Model }},
	{key: "oracle.system_prompt", env: "DAYBOOK_ORACLE_SYSTEM_PROMPT", field: func(c *Config) any { return &c.Oracle.SystemPrompt }},
	{key: "oracle.timeout", env: "DAYBOOK_ORACLE_TIMEOUT", field: func(c *Config) any { return &c.Oracle.Timeout }},
	{key: "storage.data_dir", env: "DAYBOOK_STORAGE_DATA_DIR", field: func(c *Config) any { return &c.Storage.DataDir }},
	{key: "cache.list_ttl", env: "DAYBOOK_CACHE_LIST_TTL", field: func(c *Config) any { return &c.Cache.ListTTL }},
	{key: "cache.analysis_ttl", env: "DAYBOOK_CACHE_ANALYSIS_TTL", field: func(c *Config) any { return &c.Cache.AnalysisTTL }},
	{key: "cache.list_retries", env: "DAYBOOK_CACHE_LIST_RETRIES", field: func(c *Config) any { return &c.Cache.ListRetries }},
	{key: "cache.analysis_retries", env: "DAYBOOK_CACHE_ANALYSIS_RETRIES", field: func(c *Config) any { return &c.Cache.AnalysisRetries }},
	{key: "history.capacity", env: "DAYBOOK_HISTORY_CAPACITY", field: func(c *Config) any { return &c.History.Capacity }},
	{key: "auth.principal_id", env: "DAYBOOK_PRINCIPAL_ID", field: func(c *Config) any { return &c.Auth.PrincipalID }},
	{key: "auth.token", env: "DAYBOOK_AUTH_TOKEN", secret: true, field: func(c *Config) any { return &c.Auth.Token }},
	{key: "log.level", env: "DAYBOOK_LOG_LEVEL", field: func(c *Config) any { return &c.Log.Level }},
	{key: "log.json", env: "DAYBOOK_LOG_JSON", field: func(c *Config) any { return &c.Log.JSON }},
}

func lookupSetting(key string) (setting, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

// assign parses raw into the field s is bound to.
func (s setting) assign(cfg *Config, raw string) error {
	switch p := s.field(cfg).(type) {
	case *string:
		*p = raw
	case *int:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		*p = i
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %w", s.key, err)
		}
		*p = b
	}
	return nil
}

// current formats the field's value in cfg.
func (s setting) current(cfg Config) string {
	switch p := s.field(&cfg).(type) {
	case *string:
		return *p
	case *int:
		return strconv.Itoa(*p)
	case *bool:
		return strconv.FormatBool(*p)
	}
	return ""
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if p, isInt := s.field(cfg).(*int); isInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				*p = v
			}
			continue
		}

		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		if err := s.assign(cfg, v); err != nil {
			slog.Warn("ignoring config file value", "key", s.key, "error", err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		if err := s.assign(cfg, raw); err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "error", err)
		}
	}
}
