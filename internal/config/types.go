package config

import "time"

// SchedulerConfig controls task assignment, retries and maintenance.
type SchedulerConfig struct {
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`                   // Attempts before a task fails terminally
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`                   // Base retry delay, doubled per attempt
	MaxRetryDelay       time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`           // Cap on the retry delay
	CompletedRetention  int           `mapstructure:"completed_retention" yaml:"completed_retention"`   // Finished tasks kept for dependency lookups
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" yaml:"maintenance_interval"` // Stuck-task sweep interval
	AdvancedScheduling  bool          `mapstructure:"advanced_scheduling" yaml:"advanced_scheduling"`   // Start with the advanced scheduler
	MaxConcurrentTasks  int64         `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"` // Advanced scheduler execution limit
	BreakerFailures     uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`         // Consecutive failures that trip a task-type breaker
	BreakerOpenTimeout  time.Duration `mapstructure:"breaker_open_timeout" yaml:"breaker_open_timeout"`
}

// ResourcesConfig controls exclusive resource locks.
type ResourcesConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"` // Also the per-attempt task timeout
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// MessagingConfig controls the agent message router.
type MessagingConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MailboxSize int           `mapstructure:"mailbox_size" yaml:"mailbox_size"`
}

// ConflictsConfig controls conflict resolution.
type ConflictsConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy" yaml:"default_strategy"` // priority, timestamp or vote
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`                           // Resolved conflicts older than this are swept
}

// BalancerConfig controls agent selection.
type BalancerConfig struct {
	Strategy          string        `mapstructure:"strategy" yaml:"strategy"` // load, performance, capability, affinity, cost or hybrid
	Predictive        bool          `mapstructure:"predictive" yaml:"predictive"`
	HistorySize       int           `mapstructure:"history_size" yaml:"history_size"`
	OverloadThreshold float64       `mapstructure:"overload_threshold" yaml:"overload_threshold"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval" yaml:"rebalance_interval"`
}

// WorkStealingConfig controls work stealing between agents.
type WorkStealingConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Threshold int           `mapstructure:"threshold" yaml:"threshold"` // Min task-count difference that triggers a steal
	MaxBatch  int           `mapstructure:"max_batch" yaml:"max_batch"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
}

// DeadlockConfig controls periodic deadlock detection.
type DeadlockConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ExecutorConfig controls the process executor.
type ExecutorConfig struct {
	Shell       string        `mapstructure:"shell" yaml:"shell"`
	KillTimeout time.Duration `mapstructure:"kill_timeout" yaml:"kill_timeout"` // Grace period between SIGTERM and SIGKILL
}

// PersistenceConfig controls the SQLite journal. An empty path disables it.
type PersistenceConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
	File   string `mapstructure:"file" yaml:"file"`
}

// EventsConfig controls the event bus and the optional NATS relay.
type EventsConfig struct {
	Buffer        int    `mapstructure:"buffer" yaml:"buffer"` // Per-subscriber channel buffer
	NATSURL       string `mapstructure:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// MetricsConfig controls snapshot retention.
type MetricsConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	Retention int           `mapstructure:"retention" yaml:"retention"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	Resources    ResourcesConfig    `mapstructure:"resources" yaml:"resources"`
	Messaging    MessagingConfig    `mapstructure:"messaging" yaml:"messaging"`
	Conflicts    ConflictsConfig    `mapstructure:"conflicts" yaml:"conflicts"`
	Balancer     BalancerConfig     `mapstructure:"balancer" yaml:"balancer"`
	WorkStealing WorkStealingConfig `mapstructure:"work_stealing" yaml:"work_stealing"`
	Deadlock     DeadlockConfig     `mapstructure:"deadlock" yaml:"deadlock"`
	Executor     ExecutorConfig     `mapstructure:"executor" yaml:"executor"`
	Persistence  PersistenceConfig  `mapstructure:"persistence" yaml:"persistence"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Events       EventsConfig       `mapstructure:"events" yaml:"events"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}
