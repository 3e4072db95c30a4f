package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/coordination"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/executor"
	"github.com/aristath/coordinator/internal/logging"
	"github.com/aristath/coordinator/internal/persistence"
	"github.com/aristath/coordinator/internal/scheduler"
)

type runOptions struct {
	*rootOptions
	tasksFile   string
	agents      []string
	metricsAddr string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task graph across agents",
		Long: `Start the coordination runtime, register the agents, submit every task
of the graph and execute task commands as subprocesses. Exits once every
task has completed, failed or been cancelled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.tasksFile, "tasks", "", "task graph file (YAML)")
	cmd.Flags().StringSliceVar(&opts.agents, "agents", []string{"agent-1"}, "agent ids to register")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

func (o *runOptions) run(ctx context.Context, out io.Writer) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	specs, err := readTaskFile(o.tasksFile)
	if err != nil {
		return err
	}
	graph, err := buildGraph(specs)
	if err != nil {
		return err
	}
	if cycles := graph.DetectCycles(); len(cycles) > 0 {
		return fmt.Errorf("task graph has a cycle: %s", strings.Join(cycles[0], " -> "))
	}

	bus := events.NewBus()
	defer bus.Close()
	progress := bus.Subscribe(events.TopicTask, cfg.Events.Buffer)

	pm := executor.NewProcessManager()
	exec := executor.NewProcess(executor.ProcessConfig{
		Shell:       cfg.Executor.Shell,
		KillTimeout: cfg.Executor.KillTimeout,
	}, pm, logger)

	opts := []coordination.Option{
		coordination.WithLogger(logger),
		coordination.WithBus(bus),
		coordination.WithExecutor(exec),
	}
	if cfg.Persistence.Path != "" {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Persistence.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, coordination.WithStore(store))
	}
	if cfg.Events.NATSURL != "" {
		relay, err := events.DialNATSRelay(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		opts = append(opts, coordination.WithRelay(relay))
	}

	loaded := *cfg
	// Task commands only run under the advanced scheduler.
	cfg.Scheduler.AdvancedScheduling = true
	mgr := coordination.New(*cfg, opts...)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := mgr.Stop(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
		if err := pm.KillAll(); err != nil {
			logger.Error("killing subprocesses failed", "error", err)
		}
	}()

	if o.metricsAddr != "" {
		srv := serveMetrics(o.metricsAddr, mgr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	o.watchConfig(ctx, &loaded, logger)

	for _, agentID := range o.agents {
		if err := mgr.RegisterAgent(agentID); err != nil {
			return err
		}
	}

	byID := make(map[string]taskSpec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}
	pending := make(map[string]bool, len(specs))
	for _, id := range graph.TopologicalSort() {
		s := byID[id]
		if err := mgr.SubmitTask(s.task(), s.Agent); err != nil {
			return err
		}
		pending[id] = true
	}

	// Progress events may be dropped under load; the ticker settles
	// pending tasks from scheduler state.
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	failed := 0
	settle := func(id string, completed bool) {
		if pending[id] {
			delete(pending, id)
			if !completed {
				failed++
			}
		}
	}
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "interrupted with %d task(s) unfinished\n", len(pending))
			return ctx.Err()
		case e, ok := <-progress:
			if !ok {
				return fmt.Errorf("event bus closed with %d task(s) unfinished", len(pending))
			}
			if id, done, completed := reportProgress(out, e); done {
				settle(id, completed)
			}
		case <-ticker.C:
			for id := range pending {
				if done, completed := taskSettled(mgr, id); done {
					settle(id, completed)
				}
			}
		}
	}

	m := mgr.CoordinationMetrics().Metrics
	fmt.Fprintf(out, "done: %d completed, %d failed, %d cancelled\n",
		m.TasksCompleted, m.TasksFailed, m.TasksCancelled)
	if failed > 0 {
		return fmt.Errorf("%d task(s) did not complete", failed)
	}
	return nil
}

const pollInterval = 500 * time.Millisecond

type taskLookup interface {
	Task(id string) (*scheduler.Task, bool)
}

// taskSettled reports whether a task reached a terminal status, and whether
// that status is completed.
func taskSettled(tasks taskLookup, id string) (done, completed bool) {
	t, ok := tasks.Task(id)
	if !ok {
		return false, false
	}
	return t.Status.IsTerminal(), t.Status == scheduler.StatusCompleted
}

// reportProgress prints one task event. done is set for terminal
// transitions, ok when the task completed.
func reportProgress(w io.Writer, e events.Event) (taskID string, done, ok bool) {
	switch ev := e.(type) {
	case events.TaskCreatedEvent:
		if ev.Requeued {
			fmt.Fprintf(w, "requeued  %s\n", ev.ID)
		}
	case events.TaskStartedEvent:
		fmt.Fprintf(w, "started   %s on %s (attempt %d)\n", ev.ID, ev.AgentID, ev.Attempt)
	case events.TaskRetryEvent:
		fmt.Fprintf(w, "retrying  %s in %s\n", ev.ID, ev.Delay)
	case events.TaskCompletedEvent:
		fmt.Fprintf(w, "completed %s in %s\n", ev.ID, ev.Duration.Round(time.Millisecond))
		return ev.ID, true, true
	case events.TaskFailedEvent:
		if ev.Terminal {
			fmt.Fprintf(w, "failed    %s after %d attempt(s): %v\n", ev.ID, ev.Attempts, ev.Err)
			return ev.ID, true, false
		}
		fmt.Fprintf(w, "attempt   %s failed: %v\n", ev.ID, ev.Err)
	case events.TaskCancelledEvent:
		fmt.Fprintf(w, "cancelled %s: %s\n", ev.ID, ev.Reason)
		return ev.ID, true, false
	}
	return e.TaskID(), false, false
}

func serveMetrics(addr string, mgr *coordination.Manager, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mgr.Collector().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := mgr.Health()
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// watchConfig logs configuration edits made while running. The manager is
// built once, so changes apply on the next run.
func (o *runOptions) watchConfig(ctx context.Context, current *config.Config, logger *slog.Logger) {
	global, project, err := config.DefaultPaths()
	if err != nil {
		return
	}
	if o.configFile != "" {
		project = o.configFile
	}
	err = config.Watch(ctx, global, project, func(cfg *config.Config, err error) {
		switch {
		case err != nil:
			logger.Warn("config reload failed", "error", err)
		case *cfg != *current:
			logger.Info("config changed; restart to apply")
		}
	})
	if err != nil {
		logger.Debug("config watch disabled", "error", err)
	}
}
