// Package worker runs queued jobs. A Pool owns a fixed number of sequential
// workers; each claims one job at a time, executes it and reports the outcome
// back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/coderun/internal/cache"
	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/queue"
	"github.com/seantiz/coderun/internal/store"
)

// Pool defaults.
const (
	DefaultWorkers            = 5
	DefaultRateLimit          = 10
	DefaultRateBurst          = 5
	DefaultPollInterval       = 250 * time.Millisecond
	DefaultBookkeepingTimeout = 10 * time.Second
	DefaultRecoverInterval    = 30 * time.Second
)

// Executor runs one attempt of a request.
type Executor interface {
	Run(ctx context.Context, req model.ExecutionRequest, timeout time.Duration) (model.ExecutionResult, error)
}

// Config tunes the pool.
type Config struct {
	// Workers is the number of jobs executed concurrently.
	Workers int

	// RateLimit caps job starts per second across the pool. Zero disables
	// the limit.
	RateLimit float64
	RateBurst int

	// PollInterval is how often idle workers look for jobs that became ready
	// without an enqueue signal, such as retries after backoff.
	PollInterval time.Duration

	// BookkeepingTimeout bounds each queue and status update.
	BookkeepingTimeout time.Duration

	// RecoverInterval is how often the pool takes back jobs whose worker,
	// in this or any other process, stopped without reporting.
	RecoverInterval time.Duration
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            DefaultWorkers,
		RateLimit:          DefaultRateLimit,
		RateBurst:          DefaultRateBurst,
		PollInterval:       DefaultPollInterval,
		BookkeepingTimeout: DefaultBookkeepingTimeout,
		RecoverInterval:    DefaultRecoverInterval,
	}
}

// Pool is a bounded set of workers.
type Pool struct {
	queue   *queue.Queue
	exec    Executor
	cache   *cache.Dedup
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger

	active atomic.Int32
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// stopCtx ends dequeuing; runCtx is passed to executions and is only
	// cancelled when a shutdown deadline passes.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
}

// New creates a pool. c may be nil to disable result caching. Zero fields in
// cfg take their defaults.
func New(q *queue.Queue, exec Executor, c *cache.Dedup, cfg Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BookkeepingTimeout <= 0 {
		cfg.BookkeepingTimeout = def.BookkeepingTimeout
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = def.RecoverInterval
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Pool{
		queue:   q,
		exec:    exec,
		cache:   c,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		cfg:     cfg,
		logger:  logger,
	}
}

// Start launches the workers. Cancelling ctx stops dequeuing and aborts
// running executions; use Shutdown for a graceful stop.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.stopCtx, p.stopCancel = context.WithCancel(ctx)
		p.runCtx, p.runCancel = context.WithCancel(ctx)

		poolWorkers.Set(float64(p.cfg.Workers))
		for i := range p.cfg.Workers {
			p.wg.Add(1)
			go p.loop(i)
		}
		p.wg.Go(p.recoverLoop)
		p.logger.Info("worker pool started", "workers", p.cfg.Workers, "rate_limit", p.cfg.RateLimit)
	})
}

// Shutdown stops dequeuing and waits for in-flight jobs to finish. If ctx
// ends first, running executions are cancelled, which tears their sandboxes
// down and returns the jobs to the queue without counting the attempt, and
// Shutdown returns ctx.Err() once every worker has exited.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.stopCtx == nil {
		return nil
	}
	p.stopOnce.Do(p.stopCancel)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.runCancel()
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached, cancelling running jobs", "active", p.Active())
		p.runCancel()
		<-done
		return ctx.Err()
	}
}

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		if err := p.limiter.Wait(p.stopCtx); err != nil {
			return
		}

		// Fetch the signal before dequeuing so an enqueue in between is
		// not missed.
		ready := p.queue.Ready()
		j, err := p.dequeue()
		switch {
		case err == nil:
			p.process(logger, j)
			continue
		case errors.Is(err, store.ErrQueueEmpty):
		default:
			logger.Error("dequeue job", "error", err)
		}

		if !p.idle(ready) {
			return
		}
	}
}

// recoverLoop periodically takes back abandoned claims until the pool stops.
func (p *Pool) recoverLoop() {
	ticker := time.NewTicker(p.cfg.RecoverInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(p.stopCtx), p.cfg.BookkeepingTimeout)
		if _, err := p.queue.Recover(ctx); err != nil {
			p.logger.Error("recover abandoned jobs", "error", err)
		}
		cancel()

		select {
		case <-ticker.C:
		case <-p.stopCtx.Done():
			return
		}
	}
}

func (p *Pool) dequeue() (*model.Job, error) {
	// Claims are not tied to stopCtx so a claim that commits is never
	// reported as cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.stopCtx), p.cfg.BookkeepingTimeout)
	defer cancel()
	return p.queue.Dequeue(ctx)
}

// idle waits for an enqueue signal or the poll interval. It returns false
// when the pool is stopping.
func (p *Pool) idle(ready <-chan struct{}) bool {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ready:
		return true
	case <-timer.C:
		return true
	case <-p.stopCtx.Done():
		return false
	}
}

func (p *Pool) process(logger *slog.Logger, j *model.Job) {
	p.active.Add(1)
	busyWorkers.Inc()
	defer func() {
		p.active.Add(-1)
		busyWorkers.Dec()
	}()

	logger = logger.With("job_id", j.ID, "language", j.Request.Language, "attempt", j.Attempts)
	queueWait.Observe(time.Since(j.CreatedAt).Seconds())
	logger.Info("job started")

	res, err := p.execute(j)
	p.report(logger, j, res, err)
}

// execute runs the job, converting a panic anywhere below into an
// infrastructure failure so the worker survives.
func (p *Pool) execute(j *model.Job) (res model.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.InfraError{Op: "execute job", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return p.exec.Run(p.runCtx, j.Request, j.Timeout())
}

// report routes the execution outcome to the queue. Bookkeeping failures are
// logged and leave the job for recovery.
func (p *Pool) report(logger *slog.Logger, j *model.Job, res model.ExecutionResult, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.stopCtx), p.cfg.BookkeepingTimeout)
	defer cancel()

	var (
		state = model.StateActive
		err   error
	)
	switch {
	case runErr == nil:
		if err = p.queue.Complete(ctx, j, res); err == nil {
			state = model.StateCompleted
			// Duplicates arriving before this still fold into the
			// in-flight job, which is released below.
			if p.cache != nil {
				p.cache.Store(j.Fingerprint, state, res)
			}
		}
	case errors.Is(runErr, model.ErrExecutionTimeout):
		if err = p.queue.Timeout(ctx, j, res); err == nil {
			state = model.StateTimedOut
		}
	case model.IsInfra(runErr) && p.runCtx.Err() != nil:
		// Cut short by shutdown, not by the job or the sandbox.
		if err = p.queue.Release(ctx, j); err == nil {
			state = model.StateWaiting
		}
	default:
		state, err = p.queue.Fail(ctx, j, runErr)
	}

	if err != nil {
		logger.Error("record job outcome", "error", err, "run_error", errString(runErr))
	} else {
		logger.Info("job finished",
			"state", state,
			"exit_code", exitCode(res),
			"duration_ms", res.DurationMS,
			"error", errString(runErr),
		)
	}
	jobsProcessed.WithLabelValues(string(state)).Inc()

	if p.cache != nil && state != model.StateWaiting {
		p.cache.Release(j.Fingerprint, j.ID)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func exitCode(res model.ExecutionResult) any {
	if res.ExitCode == nil {
		return nil
	}
	return *res.ExitCode
}
