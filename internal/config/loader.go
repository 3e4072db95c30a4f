package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/aristath/coordinator/internal/errors"
)

// EnvPrefix prefixes environment overrides, e.g. COORD_SCHEDULER_MAX_RETRIES.
const EnvPrefix = "COORD"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): COORD_* environment variables,
// project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := newViper()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads configuration from conventional paths.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.coordinator/config.{yaml,yml,json}
// Project: .coordinator/config.{yaml,yml,json} (relative to cwd)
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return findConfig(filepath.Join(homeDir, ".coordinator")), findConfig(".coordinator"), nil
}

// findConfig returns the first existing config file in dir, or the YAML path
// when there is none.
func findConfig(dir string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return path
		}
	}
	return filepath.Join(dir, "config.yaml")
}

// Watch reloads the full configuration whenever the highest-precedence
// existing config file changes and passes the result to fn. A failed reload
// is reported with a nil config. Callbacks stop once ctx is done.
func Watch(ctx context.Context, globalPath, projectPath string, fn func(*Config, error)) error {
	target := projectPath
	if !fileExists(target) {
		target = globalPath
	}
	if !fileExists(target) {
		return fmt.Errorf("no config file to watch: %w", os.ErrNotExist)
	}

	v := viper.New()
	v.SetConfigFile(target)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", target, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(Load(globalPath, projectPath))
	})
	v.WatchConfig()
	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Scheduler.MaxRetries >= 0, "scheduler.max_retries must not be negative, got %d", c.Scheduler.MaxRetries)
	check(c.Scheduler.RetryDelay > 0, "scheduler.retry_delay must be positive, got %s", c.Scheduler.RetryDelay)
	check(c.Scheduler.MaxConcurrentTasks > 0, "scheduler.max_concurrent_tasks must be positive, got %d", c.Scheduler.MaxConcurrentTasks)
	check(c.Resources.Timeout > 0, "resources.timeout must be positive, got %s", c.Resources.Timeout)
	check(c.Messaging.Timeout > 0, "messaging.timeout must be positive, got %s", c.Messaging.Timeout)
	check(c.Messaging.MailboxSize > 0, "messaging.mailbox_size must be positive, got %d", c.Messaging.MailboxSize)
	check(slices.Contains([]string{"priority", "timestamp", "vote"}, c.Conflicts.DefaultStrategy),
		"conflicts.default_strategy %q is not one of priority, timestamp, vote", c.Conflicts.DefaultStrategy)
	check(slices.Contains([]string{"load", "performance", "capability", "affinity", "cost", "hybrid"}, c.Balancer.Strategy),
		"balancer.strategy %q is unknown", c.Balancer.Strategy)
	check(c.WorkStealing.Threshold >= 1, "work_stealing.threshold must be at least 1, got %d", c.WorkStealing.Threshold)
	check(!c.Deadlock.Enabled || c.Deadlock.Interval > 0, "deadlock.interval must be positive when detection is enabled")
	check(slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Logging.Level)),
		"logging.level %q is unknown", c.Logging.Level)
	check(slices.Contains([]string{"text", "json"}, c.Logging.Format), "logging.format %q is not text or json", c.Logging.Format)

	return errors.Join(errs...)
}

func newViper() *viper.Viper {
	v := viper.New()
	// AutomaticEnv only consults keys viper already knows, so every key
	// is registered through its default.
	for key, val := range flatten(DefaultConfig()) {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// mergeConfigFile merges a YAML or JSON config file into v.
// Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if !fileExists(path) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// flatten maps cfg to dotted mapstructure keys.
func flatten(cfg *Config) map[string]any {
	out := make(map[string]any)
	walk(reflect.ValueOf(cfg).Elem(), "mapstructure", func(path []string, v reflect.Value) {
		out[strings.Join(path, ".")] = v.Interface()
	})
	return out
}

// walk visits every leaf field of a struct value, naming it by the given tag.
func walk(v reflect.Value, tag string, visit func(path []string, v reflect.Value)) {
	var rec func(v reflect.Value, path []string)
	rec = func(v reflect.Value, path []string) {
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := f.Tag.Get(tag)
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			p := append(append([]string(nil), path...), name)
			if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}) {
				rec(v.Field(i), p)
				continue
			}
			visit(p, v.Field(i))
		}
	}
	rec(v, nil)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
