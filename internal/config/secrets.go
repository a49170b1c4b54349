package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Secrets live apart from config.yaml, in the data directory, as
// "<service>.<account>" keys of an owner-only YAML file.
func secretsFilePath() string {
	base, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		base = "."
	}
	return filepath.Join(base, "daybook", "secrets.yaml")
}

func secretKey(service, account string) string {
	return service + "." + account
}

func secretGet(service, account string) (string, error) {
	v, ok, err := openYAMLBackend(secretsFilePath()).GetString(secretKey(service, account))
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", fmt.Errorf("no secret stored for %s/%s", service, account)
	}
	return v, nil
}

func secretSet(service, account, value string) error {
	return openYAMLBackend(secretsFilePath()).SetString(secretKey(service, account), value)
}

// SetAuthToken stores the gateway bearer token in the local secrets file.
func SetAuthToken(token string) error {
	return secretSet("daybook", "auth_token", token)
}

// ClearAuthToken removes the stored bearer token.
func ClearAuthToken() error {
	return openYAMLBackend(secretsFilePath()).Delete(secretKey("daybook", "auth_token"))
}

// APIToken returns the bearer token guarding the local API, generating and
// storing a new one on first use. DAYBOOK_API_TOKEN overrides the stored
// value.
func APIToken() (string, error) {
	if tok := os.Getenv("DAYBOOK_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := secretGet("daybook", "api_token"); err == nil {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := secretSet("daybook", "api_token", tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
