// Package cache short-circuits repeated submissions. Completed results are
// kept in a bounded LRU with a TTL, keyed by request fingerprint, and
// identical submissions that arrive while a job is still queued or running
// are folded into that job.
//
// The cache is local to one process. A miss only costs a fresh execution.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/seantiz/coderun/internal/model"
)

// Cache defaults.
const (
	DefaultSize = 1024
	DefaultTTL  = 10 * time.Minute

	// DefaultMaxFlightAge bounds how long a submission can be folded into
	// a job this process never sees finish.
	DefaultMaxFlightAge = 15 * time.Minute
)

// Option configures a Dedup.
type Option func(*Dedup)

// WithClock sets the time source used to age in-flight entries.
func WithClock(now func() time.Time) Option {
	return func(d *Dedup) { d.now = now }
}

// WithMaxFlightAge sets how long an in-flight entry may be folded into
// before it is dropped. Non-positive values take the default.
func WithMaxFlightAge(age time.Duration) Option {
	return func(d *Dedup) {
		if age > 0 {
			d.maxFlightAge = age
		}
	}
}

// Dedup is the deduplication cache. It is safe for concurrent use.
type Dedup struct {
	results      *expirable.LRU[string, model.ExecutionResult]
	now          func() time.Time
	maxFlightAge time.Duration

	mu       sync.Mutex
	inflight map[string]*flight
}

// flight is an enqueue in progress or a job that has not finished yet.
type flight struct {
	ready   chan struct{}
	started time.Time
	jobID   string
	err     error
}

func (f *flight) done() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// New creates a cache holding at most size results for ttl each.
// Non-positive arguments take the defaults.
func New(size int, ttl time.Duration, opts ...Option) *Dedup {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d := &Dedup{
		results: expirable.NewLRU[string, model.ExecutionResult](size, func(string, model.ExecutionResult) {
			cacheEvictions.Inc()
		}, ttl),
		now:          time.Now,
		maxFlightAge: DefaultMaxFlightAge,
		inflight:     make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Lookup returns the cached result for fp.
func (d *Dedup) Lookup(fp string) (model.ExecutionResult, bool) {
	res, ok := d.results.Get(fp)
	if ok {
		cacheLookups.WithLabelValues(lookupHit).Inc()
	} else {
		cacheLookups.WithLabelValues(lookupMiss).Inc()
	}
	return res, ok
}

// Store caches res for fp if the attempt completed. Timed-out and failed
// attempts are never cached.
func (d *Dedup) Store(fp string, state model.State, res model.ExecutionResult) {
	if state != model.StateCompleted {
		return
	}
	d.results.Add(fp, res)
}

// Coalesce returns the id of the in-flight job for fp, or calls enqueue to
// create one. Concurrent callers for the same fingerprint wait for the first
// caller's enqueue and share its outcome. coalesced reports whether the job
// was created by another caller.
//
// A successful job stays in flight until Release is called for it or it
// outlives the maximum flight age.
func (d *Dedup) Coalesce(ctx context.Context, fp string, enqueue func() (string, error)) (jobID string, coalesced bool, err error) {
	d.mu.Lock()
	now := d.now()
	if f, ok := d.inflight[fp]; ok && !d.expired(f, now) {
		d.mu.Unlock()
		select {
		case <-f.ready:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
		if f.err != nil {
			return "", false, f.err
		}
		cacheCoalesced.Inc()
		return f.jobID, true, nil
	}
	d.sweep(now)
	f := &flight{ready: make(chan struct{}), started: now}
	d.inflight[fp] = f
	d.mu.Unlock()

	f.jobID, f.err = enqueue()
	if f.err != nil {
		d.mu.Lock()
		if d.inflight[fp] == f {
			delete(d.inflight, fp)
		}
		d.mu.Unlock()
	}
	close(f.ready)
	return f.jobID, false, f.err
}

// Release ends the in-flight entry for fp if it belongs to jobID.
func (d *Dedup) Release(fp, jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.inflight[fp]
	if !ok {
		return
	}
	// Still enqueueing; the id is not known yet.
	if !f.done() {
		return
	}
	if f.jobID == jobID {
		delete(d.inflight, fp)
	}
}

// expired reports whether f has been in flight too long to fold into. An
// enqueue still in progress never expires. Callers hold d.mu.
func (d *Dedup) expired(f *flight, now time.Time) bool {
	return f.done() && now.Sub(f.started) >= d.maxFlightAge
}

// sweep drops expired in-flight entries. Callers hold d.mu.
func (d *Dedup) sweep(now time.Time) {
	for fp, f := range d.inflight {
		if d.expired(f, now) {
			delete(d.inflight, fp)
			flightsExpired.Inc()
		}
	}
}

// Len returns the number of cached results.
func (d *Dedup) Len() int {
	return d.results.Len()
}

// InFlight returns the number of fingerprints with a job in flight.
func (d *Dedup) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
