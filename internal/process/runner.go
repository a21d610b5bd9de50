package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Default limits applied by NewRunner for zero config values.
const (
	defaultShell       = "/bin/sh"
	defaultTimeout     = 2 * time.Minute
	defaultGracePeriod = 2 * time.Second
)

// Config holds runner settings.
type Config struct {
	// Shell executes each command as "<Shell> -c <command>".
	Shell string

	// Timeout is the hard limit for a single command. The process group is
	// killed when it expires.
	Timeout time.Duration

	// GracePeriod is how long Wait keeps reading output after the process
	// group has been signalled.
	GracePeriod time.Duration

	// Env are additional environment variables (key=value format).
	Env []string
}

// Result is the captured outcome of one command.
type Result struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Output returns stdout with surrounding whitespace removed.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout)
}

// Logger defines the logging interface for the runner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Runner executes shell commands synchronously or asynchronously.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Runner struct {
	config Config
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed   atomic.Bool
	started  atomic.Int64
	failed   atomic.Int64
	inflight atomic.Int64
}

// NewRunner creates a runner, filling zero config values with defaults.
func NewRunner(cfg Config) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		config: cfg,
		logger: noopLogger{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// Run executes command and blocks until it exits, ctx is cancelled, or the
// hard timeout expires.
func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	if r.closed.Load() {
		return Result{Command: command}, ErrRunnerClosed
	}
	return r.exec(ctx, command)
}

// Start executes command on a new goroutine and calls done with the outcome.
// done is always called exactly once, including when the runner is closed.
func (r *Runner) Start(command string, done func(Result, error)) {
	if r.closed.Load() {
		done(Result{Command: command}, ErrRunnerClosed)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.exec(r.ctx, command)
		done(res, err)
	}()
}

func (r *Runner) exec(ctx context.Context, command string) (Result, error) {
	res := Result{Command: command}
	if strings.TrimSpace(command) == "" {
		return res, ErrEmptyCommand
	}

	// Shutdown of the runner must also stop synchronous callers.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-r.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.config.Shell, "-c", command) //nolint:gosec // commands come from operator-owned device descriptors

	// Own process group so the whole pipeline can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.config.GracePeriod

	if r.config.Env != nil {
		cmd.Env = append(cmd.Environ(), r.config.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.started.Add(1)
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = cmd.ProcessState.ExitCode()

	if err == nil {
		r.logger.Debug("command finished", "command", command, "duration", res.Duration)
		return res, nil
	}

	r.failed.Add(1)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, r.config.Timeout, err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || ctx.Err() != nil {
		err = &ExitError{
			Command: command,
			Code:    res.ExitCode,
			Stderr:  res.Stderr,
			Err:     err,
		}
	} else {
		err = fmt.Errorf("process: starting %q: %w", command, err)
	}

	r.logger.Debug("command failed", "command", command, "error", err)
	return res, err
}

// Close kills in-flight commands and waits for their callbacks to return.
func (r *Runner) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	return nil
}

// Stats returns runner counters.
type Stats struct {
	Started  int64 `json:"started"`
	Failed   int64 `json:"failed"`
	InFlight int64 `json:"in_flight"`
}

// Stats returns a snapshot of runner counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Started:  r.started.Load(),
		Failed:   r.failed.Load(),
		InFlight: r.inflight.Load(),
	}
}
