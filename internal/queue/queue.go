// Package queue implements the job policy layered on top of a store: priority
// and timeout assignment, attempt accounting, retry with backoff and the
// terminal transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/store"
)

// Queue defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultExecTimeout    = 5 * time.Second
	DefaultMaxExecTimeout = 30 * time.Second

	// DefaultClaimGrace covers sandbox setup, teardown and bookkeeping on
	// top of the job timeout before a claim counts as abandoned.
	DefaultClaimGrace = 2 * time.Minute
)

// Config tunes the queue policy.
type Config struct {
	// MaxAttempts is the number of attempts a job gets before it fails.
	MaxAttempts int

	// BackoffBase is the delay after the first failed attempt. It doubles
	// with each further attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// DefaultTimeout applies when a submission names no timeout.
	// Requested timeouts are capped at MaxTimeout.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// ClaimGrace is how long past its timeout an active job may go without
	// an outcome before Recover takes it back.
	ClaimGrace time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    DefaultMaxAttempts,
		BackoffBase:    DefaultBackoffBase,
		BackoffMax:     DefaultBackoffMax,
		DefaultTimeout: DefaultExecTimeout,
		MaxTimeout:     DefaultMaxExecTimeout,
		ClaimGrace:     DefaultClaimGrace,
	}
}

// Option customises a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithJitter replaces the backoff jitter function.
func WithJitter(jitter func(time.Duration) time.Duration) Option {
	return func(q *Queue) { q.jitter = jitter }
}

// EnqueueOptions are the per-submission settings of a job.
type EnqueueOptions struct {
	Priority model.Priority
	Timeout  time.Duration
}

// Queue wraps a store with the job lifecycle policy. It is safe for
// concurrent use.
type Queue struct {
	store  store.Store
	cfg    Config
	events *Broker
	logger *slog.Logger
	now    func() time.Time
	jitter func(time.Duration) time.Duration

	mu    sync.Mutex
	ready chan struct{}
}

// New creates a queue over s. Zero fields in cfg take their defaults.
func New(s store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = max(def.MaxTimeout, cfg.DefaultTimeout)
	}
	if cfg.ClaimGrace <= 0 {
		cfg.ClaimGrace = def.ClaimGrace
	}

	q := &Queue{
		store:  s,
		cfg:    cfg,
		events: NewBroker(),
		logger: logger,
		now:    time.Now,
		jitter: equalJitter,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Events returns the broker that receives every state transition.
func (q *Queue) Events() *Broker {
	return q.events
}

// Ready returns a channel that is closed the next time a job is enqueued.
// Call Ready again after it fires to wait for the following job.
func (q *Queue) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

func (q *Queue) notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.ready)
	q.ready = make(chan struct{})
}

// ExecTimeout resolves a requested timeout against the configured default
// and ceiling.
func (q *Queue) ExecTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return q.cfg.DefaultTimeout
	}
	return min(requested, q.cfg.MaxTimeout)
}

// Enqueue creates a waiting job for req. The request must already be
// validated.
func (q *Queue) Enqueue(ctx context.Context, req model.ExecutionRequest, opts EnqueueOptions) (*model.Job, error) {
	now := q.now().UTC()
	j := &model.Job{
		ID:          model.NewID(),
		Fingerprint: req.Fingerprint(),
		Priority:    opts.Priority.OrDefault(),
		State:       model.StateWaiting,
		MaxAttempts: q.cfg.MaxAttempts,
		TimeoutMS:   q.ExecTimeout(opts.Timeout).Milliseconds(),
		Request:     req,
		CreatedAt:   now,
		UpdatedAt:   now,
		ReadyAt:     now,
	}
	if err := q.store.CreateJob(ctx, j); err != nil {
		return nil, &model.InfraError{Op: "enqueue job", Err: err}
	}

	jobsEnqueued.WithLabelValues(j.Priority.String()).Inc()
	q.logger.Debug("job enqueued", "job_id", j.ID, "language", req.Language, "priority", j.Priority.String())
	q.notify()
	return j, nil
}

// Dequeue claims the next eligible job. It returns store.ErrQueueEmpty when
// no job is ready.
func (q *Queue) Dequeue(ctx context.Context) (*model.Job, error) {
	j, err := q.store.ClaimJob(ctx, q.now().UTC())
	if err != nil {
		return nil, err
	}
	q.published(j)
	return j, nil
}

// Get returns the current record of a job.
func (q *Queue) Get(ctx context.Context, id string) (*model.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Complete records a finished execution. A non-zero exit code is still a
// completed job.
func (q *Queue) Complete(ctx context.Context, j *model.Job, res model.ExecutionResult) error {
	return q.transition(ctx, j, func(next *model.Job) {
		next.State = model.StateCompleted
		next.Result = &res
		next.Error = ""
	})
}

// Timeout records an execution that exceeded its time limit. Timed-out jobs
// are never retried.
func (q *Queue) Timeout(ctx context.Context, j *model.Job, partial model.ExecutionResult) error {
	return q.transition(ctx, j, func(next *model.Job) {
		next.State = model.StateTimedOut
		next.Result = &partial
		next.Error = model.ErrExecutionTimeout.Error()
	})
}

// Fail records a failed attempt. Infrastructure failures return the job to
// waiting after a backoff delay until it has used all of its attempts; any
// other cause, or the last attempt, fails it. The resulting state is
// returned.
func (q *Queue) Fail(ctx context.Context, j *model.Job, cause error) (model.State, error) {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	if j.Attempts >= j.MaxAttempts || !model.IsInfra(cause) {
		err := q.transition(ctx, j, func(next *model.Job) {
			next.State = model.StateFailed
			next.Error = msg
		})
		return model.StateFailed, err
	}

	delay := q.jitter(Backoff(q.cfg.BackoffBase, q.cfg.BackoffMax, j.Attempts))
	err := q.transition(ctx, j, func(next *model.Job) {
		next.State = model.StateWaiting
		next.Error = msg
		next.ReadyAt = next.UpdatedAt.Add(delay)
	})
	if err != nil {
		return model.StateActive, err
	}
	retryDelay.Observe(delay.Seconds())
	q.logger.Info("job scheduled for retry",
		"job_id", j.ID,
		"attempt", j.Attempts,
		"delay", delay,
		"error", msg,
	)
	return model.StateWaiting, nil
}

// Release returns the active job j to the queue without counting the
// attempt, for runs abandoned because the worker is stopping. The job keeps
// its place in the queue.
func (q *Queue) Release(ctx context.Context, j *model.Job) error {
	if j.State != model.StateActive {
		return fmt.Errorf("%w: job %s is %s", store.ErrInvalidTransition, j.ID, j.State)
	}

	next := *j
	next.State = model.StateWaiting
	next.UpdatedAt = q.now().UTC()
	next.ReadyAt = next.UpdatedAt
	if err := q.store.ReleaseJob(ctx, &next); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		return &model.InfraError{Op: "release job", Err: err}
	}
	next.Attempts--

	*j = next
	jobsReleased.Inc()
	q.published(j)
	q.notify()
	return nil
}

// Recover takes back jobs whose claim outlived the job timeout by more than
// ClaimGrace, requeueing them or failing those with no attempts left. It is
// a no-op for stores that cannot recover claims.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	r, ok := q.store.(store.Recoverer)
	if !ok {
		return 0, nil
	}
	n, err := r.RecoverActive(ctx, q.now().UTC(), q.cfg.ClaimGrace)
	if err != nil {
		return 0, &model.InfraError{Op: "recover claims", Err: err}
	}
	if n > 0 {
		jobsRecovered.Add(float64(n))
		q.logger.Warn("recovered abandoned jobs", "count", n, "grace", q.cfg.ClaimGrace)
		q.notify()
	}
	return n, nil
}

// transition applies mutate to a copy of the active job j and writes it with
// a compare-and-set from active. j is updated only when the write succeeds.
func (q *Queue) transition(ctx context.Context, j *model.Job, mutate func(next *model.Job)) error {
	if j.State != model.StateActive {
		return fmt.Errorf("%w: job %s is %s", store.ErrInvalidTransition, j.ID, j.State)
	}

	next := *j
	next.UpdatedAt = q.now().UTC()
	mutate(&next)

	if err := q.store.UpdateJob(ctx, &next, model.StateActive); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		return &model.InfraError{Op: "update job", Err: err}
	}

	*j = next
	q.published(j)
	return nil
}

func (q *Queue) published(j *model.Job) {
	jobTransitions.WithLabelValues(string(j.State)).Inc()
	q.events.Publish(Event{
		JobID:    j.ID,
		State:    j.State,
		Attempts: j.Attempts,
		Error:    j.Error,
		At:       j.UpdatedAt,
	})
}
