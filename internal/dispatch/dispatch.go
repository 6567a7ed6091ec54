// Package dispatch is the submission front door. It validates requests,
// answers repeats from the dedup cache, folds concurrent duplicates into one
// job and enqueues everything else.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/coderun/internal/cache"
	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/queue"
	"github.com/seantiz/coderun/internal/store"
)

// SubmitOptions are the optional per-submission settings.
type SubmitOptions struct {
	Priority model.Priority
	Timeout  time.Duration
}

// Submission describes how a request was accepted.
type Submission struct {
	Job *model.Job

	// Cached is set when the job was answered from the dedup cache and
	// never queued.
	Cached bool

	// Coalesced is set when an identical job was already queued or running
	// and the submission was folded into it.
	Coalesced bool
}

// Dispatcher accepts submissions and serves job status.
type Dispatcher struct {
	queue  *queue.Queue
	store  store.Store
	cache  *cache.Dedup
	limits model.RequestLimits
	logger *slog.Logger
}

// New creates a dispatcher. c may be nil to disable deduplication.
func New(q *queue.Queue, s store.Store, c *cache.Dedup, limits model.RequestLimits, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		store:  s,
		cache:  c,
		limits: limits,
		logger: logger,
	}
}

// Limits returns the request limits submissions are validated against.
func (d *Dispatcher) Limits() model.RequestLimits {
	return d.limits
}

// Events returns the job event broker.
func (d *Dispatcher) Events() *queue.Broker {
	return d.queue.Events()
}

// Submit accepts req. Invalid requests are rejected with a
// *model.ValidationError and create no job.
func (d *Dispatcher) Submit(ctx context.Context, req model.ExecutionRequest, opts SubmitOptions) (*Submission, error) {
	if err := req.Validate(d.limits); err != nil {
		submissions.WithLabelValues(outcomeRejected).Inc()
		return nil, err
	}
	fp := req.Fingerprint()

	if d.cache == nil {
		j, err := d.queue.Enqueue(ctx, req, queue.EnqueueOptions(opts))
		if err != nil {
			return nil, err
		}
		submissions.WithLabelValues(outcomeQueued).Inc()
		return &Submission{Job: j}, nil
	}

	// A job folded into may already have finished in another process,
	// which never releases this cache's entry. Such entries are dropped
	// and the submission is tried again.
	for range maxSubmitPasses {
		sub, err := d.submitOnce(ctx, req, fp, opts)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	j, err := d.queue.Enqueue(ctx, req, queue.EnqueueOptions(opts))
	if err != nil {
		return nil, err
	}
	submissions.WithLabelValues(outcomeQueued).Inc()
	return &Submission{Job: j}, nil
}

const maxSubmitPasses = 2

// submitOnce answers from the cache, or folds into a live job, or enqueues.
// It returns nil without error when the job it folded into had already
// finished.
func (d *Dispatcher) submitOnce(ctx context.Context, req model.ExecutionRequest, fp string, opts SubmitOptions) (*Submission, error) {
	if res, ok := d.cache.Lookup(fp); ok {
		j, err := d.recordCached(ctx, req, fp, opts, res)
		if err != nil {
			return nil, err
		}
		submissions.WithLabelValues(outcomeCached).Inc()
		d.logger.Debug("submission served from cache", "job_id", j.ID, "fingerprint", fp)
		return &Submission{Job: j, Cached: true}, nil
	}

	var created *model.Job
	id, coalesced, err := d.cache.Coalesce(ctx, fp, func() (string, error) {
		j, err := d.queue.Enqueue(ctx, req, queue.EnqueueOptions(opts))
		if err != nil {
			return "", err
		}
		created = j
		return j.ID, nil
	})
	if err != nil {
		return nil, err
	}
	if !coalesced {
		submissions.WithLabelValues(outcomeQueued).Inc()
		return &Submission{Job: created}, nil
	}

	j, err := d.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		d.cache.Release(fp, id)
		return nil, nil
	}
	if err != nil {
		return nil, &model.InfraError{Op: "load coalesced job", Err: err}
	}
	if j.State.Terminal() {
		d.cache.Release(fp, id)
		if j.Result != nil {
			d.cache.Store(fp, j.State, *j.Result)
		}
		d.logger.Debug("dropped finished in-flight job", "job_id", id, "state", j.State, "fingerprint", fp)
		return nil, nil
	}
	submissions.WithLabelValues(outcomeCoalesced).Inc()
	d.logger.Debug("submission folded into in-flight job", "job_id", id, "fingerprint", fp)
	return &Submission{Job: j, Coalesced: true}, nil
}

// recordCached writes a completed job carrying a cached result to the status
// store. The queue never sees it.
func (d *Dispatcher) recordCached(ctx context.Context, req model.ExecutionRequest, fp string, opts SubmitOptions, res model.ExecutionResult) (*model.Job, error) {
	now := time.Now().UTC()
	j := &model.Job{
		ID:          model.NewID(),
		Fingerprint: fp,
		Priority:    opts.Priority.OrDefault(),
		State:       model.StateCompleted,
		MaxAttempts: d.queue.Config().MaxAttempts,
		TimeoutMS:   d.queue.ExecTimeout(opts.Timeout).Milliseconds(),
		Request:     req,
		Result:      &res,
		Cached:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
		ReadyAt:     now,
	}
	if err := d.store.CreateJob(ctx, j); err != nil {
		return nil, &model.InfraError{Op: "record cached job", Err: err}
	}
	return j, nil
}

// Status returns the current record of a job, or store.ErrNotFound.
func (d *Dispatcher) Status(ctx context.Context, id string) (*model.Job, error) {
	return d.queue.Get(ctx, id)
}

// Stats returns aggregate job statistics when the store supports them.
func (d *Dispatcher) Stats(ctx context.Context) (*store.JobStats, bool, error) {
	sr, ok := d.store.(store.StatsReader)
	if !ok {
		return nil, false, nil
	}
	stats, err := sr.JobStats(ctx)
	return stats, true, err
}

// Ping checks the status store.
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.store.Ping(ctx)
}
