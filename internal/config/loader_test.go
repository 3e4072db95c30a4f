package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		globalName      string
		globalConfig    string
		projectName     string
		projectConfig   string
		expectRetries   int
		expectTimeout   time.Duration
		expectStrategy  string
		expectStealing  bool
		expectMailboxes int
	}{
		{
			name:            "No config files - returns defaults",
			expectRetries:   3,
			expectTimeout:   30 * time.Second,
			expectStrategy:  "priority",
			expectStealing:  true,
			expectMailboxes: 1000,
		},
		{
			name:            "Global only - overrides one section",
			globalName:      "global.yaml",
			globalConfig:    "scheduler:\n  max_retries: 5\nresources:\n  timeout: 10s\n",
			expectRetries:   5,
			expectTimeout:   10 * time.Second,
			expectStrategy:  "priority",
			expectStealing:  true,
			expectMailboxes: 1000,
		},
		{
			name:            "Project JSON - overrides strategy",
			projectName:     "project.json",
			projectConfig:   `{"conflicts": {"default_strategy": "vote"}, "work_stealing": {"enabled": false}}`,
			expectRetries:   3,
			expectTimeout:   30 * time.Second,
			expectStrategy:  "vote",
			expectStealing:  false,
			expectMailboxes: 1000,
		},
		{
			name:            "Both - project wins, global keys survive",
			globalName:      "global.yaml",
			globalConfig:    "scheduler:\n  max_retries: 5\nmessaging:\n  mailbox_size: 10\n",
			projectName:     "project.yaml",
			projectConfig:   "scheduler:\n  max_retries: 7\n",
			expectRetries:   7,
			expectTimeout:   30 * time.Second,
			expectStrategy:  "priority",
			expectStealing:  true,
			expectMailboxes: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalName != "" {
				globalPath = filepath.Join(tmpDir, tt.globalName)
				writeFile(t, globalPath, tt.globalConfig)
			}
			projectPath := ""
			if tt.projectName != "" {
				projectPath = filepath.Join(tmpDir, tt.projectName)
				writeFile(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.Scheduler.MaxRetries != tt.expectRetries {
				t.Errorf("max_retries = %d, want %d", cfg.Scheduler.MaxRetries, tt.expectRetries)
			}
			if cfg.Resources.Timeout != tt.expectTimeout {
				t.Errorf("resources.timeout = %s, want %s", cfg.Resources.Timeout, tt.expectTimeout)
			}
			if cfg.Conflicts.DefaultStrategy != tt.expectStrategy {
				t.Errorf("default_strategy = %q, want %q", cfg.Conflicts.DefaultStrategy, tt.expectStrategy)
			}
			if cfg.WorkStealing.Enabled != tt.expectStealing {
				t.Errorf("work_stealing.enabled = %v, want %v", cfg.WorkStealing.Enabled, tt.expectStealing)
			}
			if cfg.Messaging.MailboxSize != tt.expectMailboxes {
				t.Errorf("mailbox_size = %d, want %d", cfg.Messaging.MailboxSize, tt.expectMailboxes)
			}
		})
	}
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	tmpDir := t.TempDir()
	projectPath := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, projectPath, "scheduler:\n  max_retries: 7\ndeadlock:\n  interval: 1m\n")

	t.Setenv("COORD_SCHEDULER_MAX_RETRIES", "9")
	t.Setenv("COORD_DEADLOCK_INTERVAL", "250ms")
	t.Setenv("COORD_BALANCER_PREDICTIVE", "false")

	cfg, err := Load("", projectPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.MaxRetries != 9 {
		t.Errorf("max_retries = %d, want 9", cfg.Scheduler.MaxRetries)
	}
	if cfg.Deadlock.Interval != 250*time.Millisecond {
		t.Errorf("deadlock.interval = %s, want 250ms", cfg.Deadlock.Interval)
	}
	if cfg.Balancer.Predictive {
		t.Error("expected balancer.predictive to be overridden to false")
	}
}

func TestLoad_Malformed(t *testing.T) {
	tmpDir := t.TempDir()

	globalPath := filepath.Join(tmpDir, "global.json")
	writeFile(t, globalPath, "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global.json") {
		t.Errorf("expected error to mention the file, got %v", err)
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.yaml", "/nonexistent/project.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Scheduler.RetryDelay != time.Second {
		t.Errorf("retry_delay = %s, want 1s", cfg.Scheduler.RetryDelay)
	}
	if cfg.Conflicts.TTL != time.Hour {
		t.Errorf("conflicts.ttl = %s, want 1h", cfg.Conflicts.TTL)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, path, "conflicts:\n  default_strategy: coinflip\nmessaging:\n  mailbox_size: 0\n")

	_, err := Load("", path)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{"coinflip", "mailbox_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestFindConfig(t *testing.T) {
	tmpDir := t.TempDir()
	if got := findConfig(tmpDir); got != filepath.Join(tmpDir, "config.yaml") {
		t.Errorf("findConfig on empty dir = %s", got)
	}
	writeFile(t, filepath.Join(tmpDir, "config.json"), "{}")
	if got := findConfig(tmpDir); got != filepath.Join(tmpDir, "config.json") {
		t.Errorf("findConfig = %s, want config.json", got)
	}
}

func TestWatchReloads(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	writeFile(t, path, "scheduler:\n  max_retries: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		retries int
	)
	err := Watch(ctx, "", path, func(cfg *Config, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		retries = cfg.Scheduler.MaxRetries
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, path, "scheduler:\n  max_retries: 4\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := retries
		mu.Unlock()
		if got == 4 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("config change was not delivered")
}

func TestWatch_NoFile(t *testing.T) {
	if err := Watch(context.Background(), "", "/nonexistent/config.yaml", func(*Config, error) {}); err == nil {
		t.Fatal("expected error when no config file exists")
	}
}
