package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// KeyInfo is one row of `homepro config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll lists every key with its effective value. Secret values are
// never printed, only whether they are present.
func ShowAll(cfg Config) []KeyInfo {
	rows := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			v = maskSecret(v)
		}
		rows = append(rows, KeyInfo{Key: s.key, EnvVar: s.env, Value: v, Secret: s.secret})
	}
	return rows
}

func maskSecret(v string) string {
	if v == "" {
		return "(not set)"
	}
	return "(set)"
}

// SetKey writes a config key to the file backend at path (empty for the
// default location). The value is checked against the key's type first.
func SetKey(path, key, value string) error {
	b, err := openFileBackend(path)
	if err != nil {
		return err
	}
	return setKeyWith(b, key, value)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, ok := specByKey(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return fmt.Errorf("%s is a secret; export %s instead", key, s.env)
	}
	if _, err := parseValue(s.typ, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if s.typ == kInt {
		i, _ := strconv.Atoi(value)
		return b.SetInt(key, i)
	}
	return b.SetString(key, value)
}

// UnsetKey removes key from the config file so the default (or env) value
// applies again.
func UnsetKey(path, key string) error {
	b, err := openFileBackend(path)
	if err != nil {
		return err
	}
	return unsetKeyWith(b, key)
}

func unsetKeyWith(b ConfigBackend, key string) error {
	s, ok := specByKey(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return fmt.Errorf("%s is a secret and is never stored in the config file", key)
	}
	return b.Delete(key)
}

// ValidKeys returns the settable key names in sorted order.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	sort.Strings(keys)
	return keys
}
