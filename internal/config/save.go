package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

// Marshal renders the configuration as YAML. Durations are written as Go
// duration strings ("30s") so the output loads back through Load.
func Marshal(cfg *Config) ([]byte, error) {
	doc := make(map[string]any)
	walk(reflect.ValueOf(cfg).Elem(), "yaml", func(path []string, v reflect.Value) {
		m := doc
		for _, key := range path[:len(path)-1] {
			next, ok := m[key].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[key] = next
			}
			m = next
		}
		val := v.Interface()
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		m[path[len(path)-1]] = val
	})
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// Write to file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
