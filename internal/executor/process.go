package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/coordinator/internal/errors"
	"github.com/aristath/coordinator/internal/logging"
	"github.com/aristath/coordinator/internal/scheduler"
)

// Task metadata keys read by Process.
const (
	MetaCommand = "command" // shell command line, required
	MetaDir     = "dir"     // working directory
	MetaEnvPref = "env."    // "env.NAME" entries are added to the environment
)

// Result is the outcome of a successful command run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ProcessConfig configures a Process executor.
type ProcessConfig struct {
	Shell        string        // Interpreter invoked as `<shell> -c <command>` (default "sh")
	KillTimeout  time.Duration // Grace period between SIGTERM and SIGKILL (default 5s)
	StartRetries time.Duration // Total time spent retrying a failed start (0 disables)
}

// Process runs the command in a task's metadata as a subprocess in its own
// process group. Cancelling the context sends SIGTERM to the group and
// SIGKILL once KillTimeout has elapsed.
type Process struct {
	cfg    ProcessConfig
	pm     *ProcessManager
	logger *slog.Logger
}

// NewProcess creates a Process executor. pm may be nil.
func NewProcess(cfg ProcessConfig, pm *ProcessManager, logger *slog.Logger) *Process {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	if cfg.StartRetries < 0 {
		cfg.StartRetries = 0
	}
	if pm == nil {
		pm = NewProcessManager()
	}
	return &Process{cfg: cfg, pm: pm, logger: logging.Component(logger, "executor")}
}

// Execute runs the task's command and returns a *Result.
func (p *Process) Execute(ctx context.Context, task scheduler.Task) (any, error) {
	command := strings.TrimSpace(task.Metadata[MetaCommand])
	if command == "" {
		return nil, errors.NewTaskError(task.ID, "execute", fmt.Errorf("metadata %q is empty", MetaCommand))
	}

	start := time.Now()
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd, stdoutPipe, stderrPipe, err := p.start(ctx, task)
	if err != nil {
		return nil, errors.NewTaskError(task.ID, "execute", err)
	}
	p.pm.Track(cmd)
	defer p.pm.Untrack(cmd)

	// Escalate from SIGTERM to SIGKILL on cancellation.
	exited := make(chan struct{})
	go p.watch(ctx, cmd, task.ID, exited)

	// Drain both pipes before Wait so large outputs cannot block the child.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(exited)

	res := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return nil, errors.NewTaskError(task.ID, "execute", fmt.Errorf("command interrupted: %w", ctx.Err()))
	}
	if waitErr != nil {
		if res.Stderr != "" {
			return nil, errors.NewTaskError(task.ID, "execute",
				fmt.Errorf("command failed: %w (stderr: %s)", waitErr, strings.TrimSpace(res.Stderr)))
		}
		return nil, errors.NewTaskError(task.ID, "execute", fmt.Errorf("command failed: %w", waitErr))
	}
	return res, nil
}

// start launches the command, retrying transient start failures with
// exponential backoff. A missing interpreter is not retried.
func (p *Process) start(ctx context.Context, task scheduler.Task) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	var (
		cmd            *exec.Cmd
		stdout, stderr io.ReadCloser
	)

	operation := func() error {
		cmd = p.newCommand(task)
		var err error
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create stdout pipe: %w", err))
		}
		if stderr, err = cmd.StderrPipe(); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create stderr pipe: %w", err))
		}
		if err := cmd.Start(); err != nil {
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				return backoff.Permanent(fmt.Errorf("failed to start command: %w", err))
			}
			return fmt.Errorf("failed to start command: %w", err)
		}
		return nil
	}

	if p.cfg.StartRetries == 0 {
		if err := operation(); err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return nil, nil, nil, perm.Err
			}
			return nil, nil, nil, err
		}
		return cmd, stdout, stderr, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = p.cfg.StartRetries
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("command start failed, retrying", "task_id", task.ID, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, nil, nil, err
	}
	return cmd, stdout, stderr, nil
}

// newCommand builds the command with process group isolation so the whole
// subprocess tree can be signalled.
func (p *Process) newCommand(task scheduler.Task) *exec.Cmd {
	cmd := exec.Command(p.cfg.Shell, "-c", task.Metadata[MetaCommand])
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if dir := task.Metadata[MetaDir]; dir != "" {
		cmd.Dir = dir
	}

	var extra []string
	for k, v := range task.Metadata {
		if name, ok := strings.CutPrefix(k, MetaEnvPref); ok && name != "" {
			extra = append(extra, name+"="+v)
		}
	}
	sort.Strings(extra)
	cmd.Env = append(os.Environ(), "COORD_TASK_ID="+task.ID)
	cmd.Env = append(cmd.Env, extra...)
	return cmd
}

func (p *Process) watch(ctx context.Context, cmd *exec.Cmd, taskID string, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	p.logger.Info("terminating task process", "task_id", taskID, "pid", cmd.Process.Pid)
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		p.logger.Debug("SIGTERM failed", "task_id", taskID, "error", err)
	}

	timer := time.NewTimer(p.cfg.KillTimeout)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		p.logger.Warn("task process ignored SIGTERM, killing", "task_id", taskID, "pid", cmd.Process.Pid)
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			p.logger.Debug("SIGKILL failed", "task_id", taskID, "error", err)
		}
	}
}

// signalGroup signals the entire process group (negative PID).
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return fmt.Errorf("failed to signal process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running subprocesses so they can all be killed on
// shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after Wait returned.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll sends SIGKILL to every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
