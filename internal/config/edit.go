package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
)

// Get returns the effective value at a dotted path such as "spawn.timeoutSeconds".
// An empty path returns the whole config.
func Get(key string) (any, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	for _, part := range splitKey(key) {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config key %q not found", key)
		}
		if v, ok = m[part]; !ok {
			return nil, fmt.Errorf("config key %q not found", key)
		}
	}
	return v, nil
}

// Set writes value at a dotted path into the config file. value is parsed as
// JSON when it can be, otherwise stored as a string. Includes and ${VAR}
// references in the file are kept as written.
func Set(key, value string) error {
	parts := splitKey(key)
	if len(parts) == 0 {
		return errors.New("config key is required")
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	return editFile(func(obj map[string]any) {
		m := obj
		for _, part := range parts[:len(parts)-1] {
			next, ok := m[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[part] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v
	})
}

// Unset removes a dotted path from the config file so the default applies.
func Unset(key string) error {
	parts := splitKey(key)
	if len(parts) == 0 {
		return errors.New("config key is required")
	}
	return editFile(func(obj map[string]any) {
		m := obj
		for _, part := range parts[:len(parts)-1] {
			next, ok := m[part].(map[string]any)
			if !ok {
				return
			}
			m = next
		}
		delete(m, parts[len(parts)-1])
	})
}

// editFile applies fn to the raw config file and writes it back only if the
// result still decodes into a Config.
func editFile(fn func(map[string]any)) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	obj := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		if obj == nil {
			obj = map[string]any{}
		}
	case !os.IsNotExist(err):
		return err
	}
	fn(obj)

	body := maps.Clone(obj)
	delete(body, "$include")
	typed, err := json.Marshal(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(typed, DefaultConfig()); err != nil {
		return fmt.Errorf("invalid config value: %w", err)
	}
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return writeConfigFile(path, out)
}

func splitKey(key string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimSpace(key), ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
