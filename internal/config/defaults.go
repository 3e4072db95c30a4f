package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxRetries:          3,
			RetryDelay:          time.Second,
			MaxRetryDelay:       5 * time.Minute,
			CompletedRetention:  1000,
			MaintenanceInterval: 30 * time.Second,
			MaxConcurrentTasks:  10,
			BreakerFailures:     5,
			BreakerOpenTimeout:  30 * time.Second,
		},
		Resources: ResourcesConfig{
			Timeout:       30 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		Messaging: MessagingConfig{
			Timeout:     30 * time.Second,
			MailboxSize: 1000,
		},
		Conflicts: ConflictsConfig{
			DefaultStrategy: "priority",
			TTL:             time.Hour,
		},
		Balancer: BalancerConfig{
			Strategy:          "hybrid",
			Predictive:        true,
			HistorySize:       20,
			OverloadThreshold: 0.8,
			RebalanceInterval: 30 * time.Second,
		},
		WorkStealing: WorkStealingConfig{
			Enabled:   true,
			Threshold: 3,
			MaxBatch:  5,
			Interval:  5 * time.Second,
		},
		Deadlock: DeadlockConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
		Executor: ExecutorConfig{
			Shell:       "sh",
			KillTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Events: EventsConfig{
			Buffer:        256,
			SubjectPrefix: "coordinator",
		},
		Metrics: MetricsConfig{
			Interval:  10 * time.Second,
			Retention: 100,
		},
	}
}
