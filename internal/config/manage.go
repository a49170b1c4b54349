package config

import "fmt"

// KeyInfo is one row of `daybook config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every non-secret setting with its effective value.
func ShowAll(cfg Config) []KeyInfo {
	rows := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		rows = append(rows, KeyInfo{Key: s.key, EnvVar: s.env, Value: s.current(cfg)})
	}
	return rows
}

// SetKey validates value against key's type and persists it to the config
// file.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, ok := lookupSetting(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}

	// Parse into a scratch Config so a bad value never reaches the file.
	var scratch Config
	if err := s.assign(&scratch, value); err != nil {
		return err
	}
	if n, isInt := s.field(&scratch).(*int); isInt {
		return b.SetInt(key, *n)
	}
	return b.SetString(key, s.current(scratch))
}

// ValidKeys returns the names accepted by SetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
