package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/sandbox"
)

// Engine defaults.
const (
	DefaultTimeout         = 5 * time.Second
	DefaultSetupTimeout    = 30 * time.Second
	DefaultTerminateGrace  = 2 * time.Second
	DefaultTeardownTimeout = 10 * time.Second
)

// Config tunes the engine.
type Config struct {
	// Limits are applied to every sandbox.
	Limits sandbox.Limits

	// DefaultTimeout is used when Run is called with a non-positive timeout.
	DefaultTimeout time.Duration

	// SetupTimeout bounds sandbox creation, start and stdin delivery.
	SetupTimeout time.Duration

	// TerminateGrace is how long to wait for output after killing an
	// overrunning program.
	TerminateGrace time.Duration

	// TeardownTimeout bounds sandbox destruction.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Limits:          sandbox.DefaultLimits(),
		DefaultTimeout:  DefaultTimeout,
		SetupTimeout:    DefaultSetupTimeout,
		TerminateGrace:  DefaultTerminateGrace,
		TeardownTimeout: DefaultTeardownTimeout,
	}
}

// Engine executes requests in sandboxes created by a provider.
type Engine struct {
	provider sandbox.Provider
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates a new execution engine. Zero fields in cfg take their
// defaults.
func NewEngine(p sandbox.Provider, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Limits == (sandbox.Limits{}) {
		cfg.Limits = def.Limits
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = def.SetupTimeout
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = def.TerminateGrace
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}
	return &Engine{provider: p, cfg: cfg, logger: logger}
}

// Provider returns the sandbox provider the engine runs on.
func (e *Engine) Provider() sandbox.Provider {
	return e.provider
}

type capture struct {
	out sandbox.Output
	err error
}

// Run executes req in a new sandbox and returns its result.
//
// A program that exits on its own, with any exit code, yields a nil error.
// A program still running after timeout is killed; Run then returns the
// output captured so far, marked truncated, together with
// model.ErrExecutionTimeout. Sandbox failures and cancellation of ctx yield a
// *model.InfraError. The sandbox is destroyed before Run returns in every case.
func (e *Engine) Run(ctx context.Context, req model.ExecutionRequest, timeout time.Duration) (res model.ExecutionResult, err error) {
	lang, ok := model.LookupLanguage(req.Language)
	if !ok {
		return model.ExecutionResult{}, &model.ValidationError{
			Field:  "language",
			Reason: fmt.Sprintf("unsupported language %q", req.Language),
		}
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	begin := time.Now()
	defer func() {
		observeRun(req.Language, err, time.Since(begin))
	}()

	spec := sandbox.Spec{
		ID:       model.NewID(),
		Language: lang,
		Code:     req.Code,
		Files:    req.Files,
		Stdin:    req.Stdin != "",
		Limits:   e.cfg.Limits,
	}

	setupCtx, cancelSetup := context.WithTimeout(ctx, e.cfg.SetupTimeout)
	defer cancelSetup()

	sb, err := e.provider.Create(setupCtx, spec)
	if err != nil {
		return model.ExecutionResult{}, &model.InfraError{Op: "create sandbox", Err: err}
	}
	activeSandboxes.Inc()
	defer e.teardown(sb)

	// Registered after teardown so that it runs first: a panic is turned into
	// an infrastructure failure and the sandbox is still destroyed.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sandbox run panicked", "sandbox_id", sb.ID(), "panic", r)
			res = model.ExecutionResult{}
			err = &model.InfraError{Op: "run sandbox", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := sb.Start(setupCtx); err != nil {
		return model.ExecutionResult{}, &model.InfraError{Op: "start sandbox", Err: err}
	}
	started := time.Now()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if req.Stdin != "" {
		if err := sb.AttachStdin(setupCtx, strings.NewReader(req.Stdin)); err != nil {
			return model.ExecutionResult{}, &model.InfraError{Op: "attach stdin", Err: err}
		}
	}

	// The capture context is independent of ctx so that output produced before
	// a forced termination can still be collected.
	captureCtx, cancelCapture := context.WithCancel(context.Background())
	defer cancelCapture()

	done := make(chan capture, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- capture{err: fmt.Errorf("capture output panicked: %v", r)}
			}
		}()
		out, err := sb.CaptureOutput(captureCtx)
		done <- capture{out: out, err: err}
	}()

	select {
	case c := <-done:
		if c.err != nil {
			return model.ExecutionResult{}, &model.InfraError{Op: "capture output", Err: c.err}
		}
		return e.result(c.out, started, false), nil

	case <-timer.C:
		e.logger.Info("execution timed out, terminating sandbox",
			"sandbox_id", sb.ID(),
			"language", req.Language,
			"timeout_ms", timeout.Milliseconds(),
		)
		e.terminate(sb)
		c := e.awaitCapture(done)
		return e.result(c.out, started, true), model.ErrExecutionTimeout

	case <-ctx.Done():
		e.terminate(sb)
		return model.ExecutionResult{}, &model.InfraError{Op: "run sandbox", Err: ctx.Err()}
	}
}

// awaitCapture waits up to the terminate grace for the capture goroutine to
// report. A provider that never returns yields an empty output.
func (e *Engine) awaitCapture(done <-chan capture) capture {
	grace := time.NewTimer(e.cfg.TerminateGrace)
	defer grace.Stop()

	select {
	case c := <-done:
		if c.err != nil {
			e.logger.Warn("capture after terminate failed", "error", c.err)
			return capture{}
		}
		return c
	case <-grace.C:
		e.logger.Warn("capture did not finish after terminate", "grace", e.cfg.TerminateGrace.String())
		return capture{}
	}
}

// result converts raw sandbox output into an ExecutionResult, enforcing the
// output ceiling. Timed-out results are always marked truncated.
func (e *Engine) result(out sandbox.Output, started time.Time, timedOut bool) model.ExecutionResult {
	stdout, cutOut := sandbox.Truncate(out.Stdout, e.cfg.Limits.MaxOutputBytes)
	stderr, cutErr := sandbox.Truncate(out.Stderr, e.cfg.Limits.MaxOutputBytes)

	return model.ExecutionResult{
		Stdout:     string(stdout),
		Stderr:     string(stderr),
		ExitCode:   out.ExitCode,
		DurationMS: time.Since(started).Milliseconds(),
		Truncated:  timedOut || out.Truncated || cutOut || cutErr,
	}
}

// terminate kills the sandboxed process on a fresh context, logging failures.
func (e *Engine) terminate(sb sandbox.Sandbox) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TeardownTimeout)
	defer cancel()
	if err := sb.Terminate(ctx); err != nil {
		e.logger.Warn("sandbox terminate failed", "sandbox_id", sb.ID(), "error", err)
	}
}

// teardown destroys the sandbox. It uses a fresh context so that teardown
// completes even if the caller's context has been cancelled, and never
// propagates its own failure over an already determined result.
func (e *Engine) teardown(sb sandbox.Sandbox) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TeardownTimeout)
	defer cancel()

	start := time.Now()
	if err := sb.Destroy(ctx); err != nil {
		e.logger.Error("sandbox teardown failed", "sandbox_id", sb.ID(), "error", err)
	}
	activeSandboxes.Dec()
	teardownDuration.Observe(time.Since(start).Seconds())
}

// outcomeOf maps a Run error to its metric label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeCompleted
	case errors.Is(err, model.ErrExecutionTimeout):
		return outcomeTimedOut
	default:
		return outcomeInfraError
	}
}
