// Package store persists jobs. It is both the durable queue the workers claim
// from and the status store the submission API reads from.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/coderun/internal/model"
)

var (
	// ErrNotFound is returned when a job is not found.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a job state transition is not
	// allowed or the stored state no longer matches the expected one.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrQueueEmpty is returned by ClaimJob when no job is ready.
	ErrQueueEmpty = errors.New("no job ready")
)

// Store defines the persistence operations for jobs.
type Store interface {
	// CreateJob inserts a new job. Waiting jobs become claimable once their
	// ReadyAt has passed; terminal jobs are recorded for status reads only.
	CreateJob(ctx context.Context, j *model.Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// ClaimJob atomically moves the next ready waiting job to active and
	// increments its attempt count. Jobs are ordered by priority, then by
	// enqueue order. Two callers never claim the same job.
	ClaimJob(ctx context.Context, now time.Time) (*model.Job, error)

	// UpdateJob writes j's state, result, error and ready time if the stored
	// state equals from, the stored attempt count equals j.Attempts and the
	// transition from → j.State is valid. The attempt check fences off a
	// worker whose claim was recovered and handed to another worker.
	UpdateJob(ctx context.Context, j *model.Job, from model.State) error

	// ReleaseJob returns the active job j to waiting without counting the
	// attempt: the stored attempt count drops back to j.Attempts-1. It is
	// fenced like UpdateJob and is used when a run is abandoned because the
	// worker is shutting down.
	ReleaseJob(ctx context.Context, j *model.Job) error

	// Ping checks connectivity to the backing service.
	Ping(ctx context.Context) error

	Close() error
}

// Recoverer is implemented by stores that can reclaim jobs whose worker went
// away. A claim expires once its job timeout plus grace has passed since it
// was taken; expired jobs are requeued, or failed when no attempts remain.
// It is safe to run from any number of processes while workers are active.
type Recoverer interface {
	RecoverActive(ctx context.Context, now time.Time, grace time.Duration) (int, error)
}

// ClaimExpiredError is the error recorded on jobs reclaimed by RecoverActive.
const ClaimExpiredError = "claim expired: worker stopped responding"

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total           int            `json:"total"`
	CountByState    map[string]int `json:"count_by_state"`
	CountByLanguage map[string]int `json:"count_by_language"`
	Cached          int            `json:"cached"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// StatsReader is implemented by stores that can aggregate job statistics.
type StatsReader interface {
	JobStats(ctx context.Context) (*JobStats, error)
}

func checkCreate(j *model.Job) error {
	if j.State != model.StateWaiting && !j.State.Terminal() {
		return errors.New("new jobs must be waiting or terminal")
	}
	return nil
}
