package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/coderun/internal/model"
)

func newTestRedisStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr(), ResultTTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return mr, s
}

func TestRedisStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		_, s := newTestRedisStore(t, 0)
		return s
	})
}

func TestRedisStoreConnectFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisStore(context.Background(), RedisOptions{Addr: addr})
	assert.Error(t, err)
}

func TestRedisStoreExpiresTerminalJobs(t *testing.T) {
	mr, s := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	j := makeTestJob(model.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, j))
	claimed, err := s.ClaimJob(ctx, testEpoch)
	require.NoError(t, err)

	assert.Zero(t, mr.TTL(s.jobKey(j.ID)), "active jobs must not expire")

	code := 0
	claimed.State = model.StateCompleted
	claimed.Result = &model.ExecutionResult{ExitCode: &code}
	require.NoError(t, s.UpdateJob(ctx, claimed, model.StateActive))
	assert.Equal(t, time.Hour, mr.TTL(s.jobKey(j.ID)))

	mr.FastForward(2 * time.Hour)
	_, err = s.GetJob(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreRetryKeepsQueuePosition(t *testing.T) {
	_, s := newTestRedisStore(t, 0)
	ctx := context.Background()

	first := makeTestJob(model.PriorityNormal)
	second := makeTestJob(model.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, first))
	require.NoError(t, s.CreateJob(ctx, second))

	claimed, err := s.ClaimJob(ctx, testEpoch)
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)

	claimed.State = model.StateWaiting
	claimed.ReadyAt = testEpoch
	require.NoError(t, s.UpdateJob(ctx, claimed, model.StateActive))

	again, err := s.ClaimJob(ctx, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestRedisStorePing(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestRedisStoreActiveSetTracksClaims(t *testing.T) {
	_, s := newTestRedisStore(t, 0)
	ctx := context.Background()

	j := makeTestJob(model.PriorityNormal)
	require.NoError(t, s.CreateJob(ctx, j))
	claimed, err := s.ClaimJob(ctx, testEpoch)
	require.NoError(t, err)

	deadline, err := s.client.ZScore(ctx, s.activeKey(), j.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(testEpoch.Add(5*time.Second).UnixMilli()), deadline)

	code := 0
	claimed.State = model.StateCompleted
	claimed.Result = &model.ExecutionResult{ExitCode: &code}
	require.NoError(t, s.UpdateJob(ctx, claimed, model.StateActive))

	_, err = s.client.ZScore(ctx, s.activeKey(), j.ID).Result()
	assert.ErrorIs(t, err, redis.Nil, "finished jobs leave the active set")
}

// A worker that dies mid-run leaves its job active; a later recovery pass
// from any process must bring it back to a state a poller can see end.
func TestRedisStoreRecoversAbandonedJob(t *testing.T) {
	_, s := newTestRedisStore(t, 0)
	ctx := context.Background()

	j := makeTestJob(model.PriorityNormal)
	j.MaxAttempts = 2
	require.NoError(t, s.CreateJob(ctx, j))
	_, err := s.ClaimJob(ctx, testEpoch)
	require.NoError(t, err)

	now := testEpoch.Add(time.Hour)
	n, err := s.RecoverActive(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second, err := s.ClaimJob(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempts)

	// The second worker dies too; the job has no attempts left.
	later := now.Add(time.Hour)
	n, err = s.RecoverActive(ctx, later, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	assert.True(t, got.State.Terminal())
	assert.Equal(t, ClaimExpiredError, got.Error)

	n, err = s.RecoverActive(ctx, later.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}
