package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout applies when neither the invocation nor the invoker sets one.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputBytes caps each captured stream.
	DefaultMaxOutputBytes = 10 << 20
	// defaultWaitDelay bounds how long Wait keeps draining pipes after a kill.
	defaultWaitDelay = 2 * time.Second
)

// passthroughEnv lists the parent variables a worker may inherit. Everything
// else it needs is passed explicitly through Invocation.Env.
var passthroughEnv = []string{"PATH", "HOME", "LANG", "TMPDIR", "TEMP", "TMP", "SYSTEMROOT"}

// Options configures an Invoker.
type Options struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
	WaitDelay      time.Duration
	// Redact masks secrets in argv before it is logged.
	Redact func(string) string
}

// Invoker runs one child process per Invoke call. It holds no per-call state
// and is safe for concurrent use.
type Invoker struct {
	logger zerolog.Logger
	opts   Options
	now    func() time.Time
}

// NewInvoker builds an Invoker with defaults filled in.
func NewInvoker(logger zerolog.Logger, opts Options) *Invoker {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	if opts.Redact == nil {
		opts.Redact = func(s string) string { return s }
	}
	return &Invoker{
		logger: logger.With().Str("component", "worker").Logger(),
		opts:   opts,
		now:    time.Now,
	}
}

// Invoke launches the worker and waits for it to exit or for its timeout to
// fire. A worker that cannot be started yields *StartupError. A worker that
// ran, whatever its exit code, yields an Outcome; TimedOut marks a kill by the
// timeout, and any output captured before the kill is kept.
func (iv *Invoker) Invoke(ctx context.Context, inv Invocation) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("worker %s: %w", inv.Name, err)
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = iv.opts.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.Executable, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = buildEnvironment(inv.Env)
	cmd.Stdin = nil
	stdout := newCappedBuffer(iv.opts.MaxOutputBytes)
	stderr := newCappedBuffer(iv.opts.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = iv.opts.WaitDelay
	isolate(cmd)
	// Cancel only runs when the context ends before the worker exits, so a
	// worker that finishes right at the deadline is not reported as killed.
	var killed atomic.Bool
	kill := cmd.Cancel
	cmd.Cancel = func() error {
		killed.Store(true)
		return kill()
	}

	logger := iv.logger.With().Str("worker", inv.Name).Logger()
	logger.Debug().
		Str("command", iv.opts.Redact(inv.CommandLine())).
		Str("dir", inv.Dir).
		Dur("timeout", timeout).
		Msg("starting worker")

	start := iv.now()
	if err := cmd.Start(); err != nil {
		logger.Error().Err(err).Str("executable", inv.Executable).Msg("worker failed to start")
		return nil, &StartupError{Executable: inv.Executable, Err: err}
	}

	waitErr := cmd.Wait()
	out := &Outcome{
		ExitCode:  -1,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  iv.now().Sub(start),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case !killed.Load():
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		logger.Warn().
			Dur("timeout", timeout).
			Int("stdout_bytes", len(out.Stdout)).
			Msg("worker killed after timeout")
		return out, nil
	default:
		return nil, fmt.Errorf("worker %s: %w", inv.Name, ctx.Err())
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		// Usually exec.ErrWaitDelay: the worker exited but left its pipes open.
		logger.Warn().Err(waitErr).Msg("worker wait returned an error")
	}

	event := logger.Info()
	if out.ExitCode != 0 {
		event = logger.Warn()
	}
	event.
		Int("exit_code", out.ExitCode).
		Int64("duration_ms", out.Duration.Milliseconds()).
		Int("stdout_bytes", len(out.Stdout)).
		Int("stderr_bytes", len(out.Stderr)).
		Bool("truncated", out.Truncated).
		Msg("worker finished")
	return out, nil
}

func buildEnvironment(extra []string) []string {
	env := make([]string, 0, len(passthroughEnv)+len(extra))
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env, extra...)
}
