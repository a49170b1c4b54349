package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// xdgDir resolves an XDG base directory, falling back to fallback under
// the home directory.
func xdgDir(env string, fallback ...string) (string, bool) {
	if dir := os.Getenv(env); dir != "" {
		return dir, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(append([]string{home}, fallback...)...), true
}

func defaultDataDir() string {
	base, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		return "daybook-data"
	}
	return filepath.Join(base, "daybook")
}

func configFilePath() string {
	base, ok := xdgDir("XDG_CONFIG_HOME", ".config")
	if !ok {
		base = "."
	}
	return filepath.Join(base, "daybook", "config.yaml")
}

// yamlBackend keeps settings as flat dotted keys in a YAML document:
//
//	server.port: 4100
//	gateway.base_url: https://gw.example.com
type yamlBackend struct {
	mu     sync.Mutex
	path   string
	values map[string]any
}

func newPlatformBackend() ConfigBackend {
	return openYAMLBackend(configFilePath())
}

// openYAMLBackend reads path if it exists. An unreadable or malformed file
// is logged and treated as empty so the defaults still apply.
func openYAMLBackend(path string) *yamlBackend {
	b := &yamlBackend{path: path, values: map[string]any{}}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return b
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
		return b
	}
	if err := yaml.Unmarshal(raw, &b.values); err != nil {
		slog.Warn("config file malformed, using defaults", "path", path, "error", err)
		b.values = map[string]any{}
	}
	if b.values == nil {
		b.values = map[string]any{}
	}
	return b
}

// flush writes the document to a sibling temp file and renames it over the
// config file so a crash never leaves a truncated file behind.
func (b *yamlBackend) flush() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := yaml.Marshal(b.values)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *yamlBackend) GetString(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.values[key]
	if !ok || v == nil {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *yamlBackend) GetInt(key string) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.values[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %q is not an integer", key, n)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: expected an integer, got %v", key, v)
	}
}

func (b *yamlBackend) SetString(key, val string) error {
	return b.update(func() { b.values[key] = val })
}

func (b *yamlBackend) SetInt(key string, val int) error {
	return b.update(func() { b.values[key] = val })
}

func (b *yamlBackend) Delete(key string) error {
	return b.update(func() { delete(b.values, key) })
}

func (b *yamlBackend) update(mutate func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mutate()
	return b.flush()
}
