package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/coderun/internal/model"
	"github.com/seantiz/coderun/internal/queue"
	"github.com/seantiz/coderun/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, cfg queue.Config) (*queue.Queue, *fakeClock) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(s, cfg, logger,
		queue.WithClock(clock.Now),
		queue.WithJitter(func(d time.Duration) time.Duration { return d }),
	)
	return q, clock
}

func pythonRequest(code string) model.ExecutionRequest {
	return model.ExecutionRequest{Language: model.LanguagePython, Code: code}
}

func TestEnqueueDefaults(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	j, err := q.Enqueue(ctx, pythonRequest("print('hi')"), queue.EnqueueOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.StateWaiting, j.State)
	assert.Equal(t, model.PriorityNormal, j.Priority)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, queue.DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, queue.DefaultExecTimeout, j.Timeout())
	assert.Equal(t, pythonRequest("print('hi')").Fingerprint(), j.Fingerprint)

	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateWaiting, stored.State)
}

func TestExecTimeoutIsCapped(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{DefaultTimeout: 2 * time.Second, MaxTimeout: 10 * time.Second})

	assert.Equal(t, 2*time.Second, q.ExecTimeout(0))
	assert.Equal(t, 7*time.Second, q.ExecTimeout(7*time.Second))
	assert.Equal(t, 10*time.Second, q.ExecTimeout(time.Hour))
}

func TestDequeueOrder(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	j1, err := q.Enqueue(ctx, pythonRequest("1"), queue.EnqueueOptions{Priority: model.PriorityLow})
	require.NoError(t, err)
	j2, err := q.Enqueue(ctx, pythonRequest("2"), queue.EnqueueOptions{Priority: model.PriorityHigh})
	require.NoError(t, err)
	j3, err := q.Enqueue(ctx, pythonRequest("3"), queue.EnqueueOptions{Priority: model.PriorityNormal})
	require.NoError(t, err)

	for _, want := range []string{j2.ID, j3.ID, j1.ID} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, model.StateActive, got.State)
		assert.Equal(t, 1, got.Attempts)
	}

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

func TestCompleteRecordsResult(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, pythonRequest("exit(1)"), queue.EnqueueOptions{})
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	events, unsub := q.Events().Subscribe(j.ID)
	defer unsub()

	code := 1
	require.NoError(t, q.Complete(ctx, j, model.ExecutionResult{Stderr: "boom", ExitCode: &code}))
	assert.Equal(t, model.StateCompleted, j.State)

	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, stored.State)
	require.NotNil(t, stored.Result)
	assert.Equal(t, 1, *stored.Result.ExitCode)

	ev, ok := <-events
	require.True(t, ok)
	assert.Equal(t, model.StateCompleted, ev.State)
	_, ok = <-events
	assert.False(t, ok, "terminal event closes the subscription")
}

func TestTimeoutIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, pythonRequest("while True: pass"), queue.EnqueueOptions{})
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Timeout(ctx, j, model.ExecutionResult{Stdout: "partial", Truncated: true}))
	assert.Equal(t, model.StateTimedOut, j.State)

	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateTimedOut, stored.State)
	assert.True(t, stored.Result.Truncated)
	assert.Equal(t, "partial", stored.Result.Stdout)

	assert.ErrorIs(t, q.Complete(ctx, j, model.ExecutionResult{}), store.ErrInvalidTransition)
	_, err = q.Fail(ctx, j, errors.New("late"))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestStaleJobCannotOverwrite(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, pythonRequest("x"), queue.EnqueueOptions{})
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	stale := *j
	require.NoError(t, q.Complete(ctx, j, model.ExecutionResult{Stdout: "first"}))
	assert.ErrorIs(t, q.Timeout(ctx, &stale, model.ExecutionResult{}), store.ErrInvalidTransition)

	stored, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, stored.State)
	assert.Equal(t, "first", stored.Result.Stdout)
}

func TestFailRetriesWithBackoffThenFails(t *testing.T) {
	q, clock := newTestQueue(t, queue.Config{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	})
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, pythonRequest("print(1)"), queue.EnqueueOptions{})
	require.NoError(t, err)

	delays := []time.Duration{time.Second, 2 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err, "attempt %d", attempt)
		require.Equal(t, enqueued.ID, j.ID)
		require.Equal(t, attempt, j.Attempts)

		state, err := q.Fail(ctx, j, &model.InfraError{Op: "create sandbox", Err: errors.New("daemon unavailable")})
		require.NoError(t, err)

		if attempt < 3 {
			require.Equal(t, model.StateWaiting, state)
			delay := delays[attempt-1]

			clock.Advance(delay - time.Millisecond)
			_, err = q.Dequeue(ctx)
			require.ErrorIs(t, err, store.ErrQueueEmpty, "job claimable before backoff elapsed")
			clock.Advance(time.Millisecond)
			continue
		}
		assert.Equal(t, model.StateFailed, state)
	}

	stored, err := q.Get(ctx, enqueued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, stored.State)
	assert.Equal(t, 3, stored.Attempts)
	assert.Contains(t, stored.Error, "daemon unavailable")
	assert.Nil(t, stored.Result)

	clock.Advance(time.Hour)
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)
}

func TestReadyFiresOnEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{})
	ready := q.Ready()

	select {
	case <-ready:
		t.Fatal("ready fired before any enqueue")
	default:
	}

	_, err := q.Enqueue(context.Background(), pythonRequest("x"), queue.EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ready did not fire")
	}
	assert.NotEqual(t, ready, q.Ready(), "ready channel is replaced after firing")
}

type failingStore struct {
	store.Store
}

func (failingStore) CreateJob(context.Context, *model.Job) error {
	return errors.New("disk full")
}

func TestEnqueueStoreFailureIsInfra(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(failingStore{}, queue.Config{}, logger)

	_, err := q.Enqueue(context.Background(), pythonRequest("x"), queue.EnqueueOptions{})
	require.Error(t, err)
	assert.True(t, model.IsInfra(err))
}

func TestFailNonInfraIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{MaxAttempts: 3})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, pythonRequest("x"), queue.EnqueueOptions{})
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	state, err := q.Fail(ctx, j, &model.ValidationError{Field: "language", Reason: "unsupported"})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, state)
	assert.Equal(t, 1, j.Attempts)
}

func TestReleaseKeepsAttemptBudget(t *testing.T) {
	q, _ := newTestQueue(t, queue.Config{MaxAttempts: 1})
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, pythonRequest("x"), queue.EnqueueOptions{})
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, j.Attempts)

	require.NoError(t, q.Release(ctx, j))
	assert.Equal(t, model.StateWaiting, j.State)
	assert.Equal(t, 0, j.Attempts)
	assert.ErrorIs(t, q.Release(ctx, j), store.ErrInvalidTransition)

	// The only attempt was given back, so the job runs again.
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}

func TestRecoverTakesBackExpiredClaims(t *testing.T) {
	q, clock := newTestQueue(t, queue.Config{
		DefaultTimeout: 5 * time.Second,
		ClaimGrace:     time.Minute,
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, pythonRequest("x"), queue.EnqueueOptions{})
	require.NoError(t, err)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "claim is still within timeout plus grace")

	ready := q.Ready()
	clock.Advance(5 * time.Second)
	n, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	select {
	case <-ready:
	default:
		t.Error("recovery did not wake idle workers")
	}

	// The abandoned attempt can no longer record an outcome.
	assert.ErrorIs(t, q.Complete(ctx, j, model.ExecutionResult{}), store.ErrInvalidTransition)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, j.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestRecoverWithoutRecovererIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(failingStore{}, queue.Config{}, logger)

	n, err := q.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
