package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/coderun/internal/model"
)

// Waiting jobs are scored priority*priorityStride + sequence so that a
// single sorted set orders them by priority, then enqueue order.
const priorityStride = 1e13

// claimScript promotes delayed jobs whose backoff has elapsed, then pops
// waiting jobs until one is still in the waiting state and activates it. The
// claim is recorded in the active set, scored by when its timeout runs out.
//
// KEYS[1] waiting set, KEYS[2] delayed set, KEYS[3] active set.
// ARGV[1] now (ms), ARGV[2] now (ns), ARGV[3] job key prefix.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	local score = redis.call('HGET', ARGV[3] .. id, 'score')
	if score then
		redis.call('ZADD', KEYS[1], score, id)
	end
end
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return false
	end
	local key = ARGV[3] .. popped[1]
	if redis.call('HGET', key, 'state') == 'waiting' then
		redis.call('HSET', key, 'state', 'active', 'updated_at', ARGV[2])
		redis.call('HINCRBY', key, 'attempts', 1)
		local timeout = tonumber(redis.call('HGET', key, 'timeout_ms') or '0')
		redis.call('ZADD', KEYS[3], tonumber(ARGV[1]) + timeout, popped[1])
		return popped[1]
	end
end
`)

// updateScript is a compare-and-set on the job's state and attempt count.
// Returns -1 when the job does not exist and 0 when either differs.
//
// KEYS[1] job key, KEYS[2] delayed set, KEYS[3] active set.
// ARGV[1] expected state, ARGV[2] new state, ARGV[3] ready_at (ms),
// ARGV[4] terminal TTL (s), ARGV[5] job id, ARGV[6] expected attempts,
// ARGV[7] new attempts, ARGV[8..] field/value pairs.
var updateScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return -1
end
if state ~= ARGV[1] or redis.call('HGET', KEYS[1], 'attempts') ~= ARGV[6] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'attempts', ARGV[7], unpack(ARGV, 8))
if ARGV[2] ~= 'active' then
	redis.call('ZREM', KEYS[3], ARGV[5])
end
if ARGV[2] == 'waiting' then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
elseif ARGV[2] ~= 'active' and tonumber(ARGV[4]) > 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// Compile-time interface satisfaction checks.
var (
	_ Store     = (*RedisStore)(nil)
	_ Recoverer = (*RedisStore)(nil)
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// ResultTTL expires terminal jobs after the given duration. Zero keeps
	// them forever.
	ResultTTL time.Duration
}

// RedisStore implements Store on Redis. Each job is a hash; waiting jobs
// live in a sorted set, backed-off jobs in a second set scored by the time
// they become ready and active jobs in a third scored by the time their
// timeout runs out. Claims and transitions run as Lua scripts.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	resultTTL time.Duration
}

// redisJob is the JSON document stored in a job hash's data field. State,
// attempts and timestamps live in their own fields so scripts can update
// them in place.
type redisJob struct {
	Fingerprint string                 `json:"fingerprint"`
	Priority    model.Priority         `json:"priority"`
	MaxAttempts int                    `json:"max_attempts"`
	TimeoutMS   int64                  `json:"timeout_ms"`
	Request     model.ExecutionRequest `json:"request"`
	Result      *model.ExecutionResult `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Cached      bool                   `json:"cached"`
	ReadyAt     int64                  `json:"ready_at"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "coderun:"
	}
	return &RedisStore{client: client, prefix: prefix, resultTTL: opts.ResultTTL}, nil
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *RedisStore) jobPrefix() string { return s.prefix + "job:" }
func (s *RedisStore) waitingKey() string { return s.prefix + "waiting" }
func (s *RedisStore) delayedKey() string { return s.prefix + "delayed" }
func (s *RedisStore) activeKey() string { return s.prefix + "active" }
func (s *RedisStore) seqKey() string { return s.prefix + "seq" }

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateJob stores the job hash and, for waiting jobs, queues it.
func (s *RedisStore) CreateJob(ctx context.Context, j *model.Job) error {
	if err := checkCreate(j); err != nil {
		return err
	}
	data, err := encodeRedisJob(j)
	if err != nil {
		return err
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	score := float64(j.Priority.OrDefault())*priorityStride + float64(seq)

	key := s.jobKey(j.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"id", j.ID,
		"state", string(j.State),
		"attempts", j.Attempts,
		"timeout_ms", j.TimeoutMS,
		"score", strconv.FormatFloat(score, 'f', -1, 64),
		"data", data,
		"created_at", j.CreatedAt.UnixNano(),
		"updated_at", j.UpdatedAt.UnixNano(),
	)
	if j.State == model.StateWaiting {
		pipe.ZAdd(ctx, s.delayedKey(), redis.Z{Score: float64(j.ReadyAt.UnixMilli()), Member: j.ID})
	} else if s.resultTTL > 0 {
		pipe.Expire(ctx, key, s.resultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *RedisStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRedisJob(fields)
}

// ClaimJob runs the claim script and loads the claimed job.
func (s *RedisStore) ClaimJob(ctx context.Context, now time.Time) (*model.Job, error) {
	id, err := claimScript.Run(ctx, s.client,
		[]string{s.waitingKey(), s.delayedKey(), s.activeKey()},
		now.UnixMilli(), now.UnixNano(), s.jobPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// UpdateJob runs the compare-and-set script.
func (s *RedisStore) UpdateJob(ctx context.Context, j *model.Job, from model.State) error {
	return s.write(ctx, j, from, j.Attempts)
}

// ReleaseJob requeues an active job and gives its attempt back.
func (s *RedisStore) ReleaseJob(ctx context.Context, j *model.Job) error {
	if j.State != model.StateWaiting {
		return fmt.Errorf("%w: release to %s", ErrInvalidTransition, j.State)
	}
	return s.write(ctx, j, model.StateActive, max(j.Attempts-1, 0))
}

func (s *RedisStore) write(ctx context.Context, j *model.Job, from model.State, attempts int) error {
	if !model.ValidTransition(from, j.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, j.State)
	}
	data, err := encodeRedisJob(j)
	if err != nil {
		return err
	}

	res, err := updateScript.Run(ctx, s.client,
		[]string{s.jobKey(j.ID), s.delayedKey(), s.activeKey()},
		string(from), string(j.State), j.ReadyAt.UnixMilli(),
		int64(s.resultTTL/time.Second), j.ID, j.Attempts, attempts,
		"data", data, "updated_at", j.UpdatedAt.UnixNano(),
	).Int()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return fmt.Errorf("%w: job is no longer %s on attempt %d", ErrInvalidTransition, from, j.Attempts)
	}
	return nil
}

// RecoverActive reclaims jobs in the active set whose timeout ran out more
// than grace ago. Each job is moved with the fenced compare-and-set, so a
// job that finished or was reclaimed in the meantime is left alone.
func (s *RedisStore) RecoverActive(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Add(-grace).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired claims: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.ZRem(ctx, s.activeKey(), id)
			continue
		}
		if err != nil {
			return recovered, err
		}
		if j.State != model.StateActive {
			s.client.ZRem(ctx, s.activeKey(), id)
			continue
		}

		next := *j
		next.Error = ClaimExpiredError
		next.UpdatedAt = now
		if j.Attempts >= j.MaxAttempts {
			next.State = model.StateFailed
		} else {
			next.State = model.StateWaiting
			next.ReadyAt = now
		}
		err = s.UpdateJob(ctx, &next, model.StateActive)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func encodeRedisJob(j *model.Job) (string, error) {
	data, err := json.Marshal(redisJob{
		Fingerprint: j.Fingerprint,
		Priority:    j.Priority.OrDefault(),
		MaxAttempts: j.MaxAttempts,
		TimeoutMS:   j.TimeoutMS,
		Request:     j.Request,
		Result:      j.Result,
		Error:       j.Error,
		Cached:      j.Cached,
		ReadyAt:     j.ReadyAt.UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(data), nil
}

func decodeRedisJob(fields map[string]string) (*model.Job, error) {
	var doc redisJob
	if err := json.Unmarshal([]byte(fields["data"]), &doc); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	updated, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}

	return &model.Job{
		ID:          fields["id"],
		Fingerprint: doc.Fingerprint,
		Priority:    doc.Priority,
		State:       model.State(fields["state"]),
		Attempts:    attempts,
		MaxAttempts: doc.MaxAttempts,
		TimeoutMS:   doc.TimeoutMS,
		Request:     doc.Request,
		Result:      doc.Result,
		Error:       doc.Error,
		Cached:      doc.Cached,
		ReadyAt:     time.Unix(0, doc.ReadyAt).UTC(),
		CreatedAt:   time.Unix(0, created).UTC(),
		UpdatedAt:   time.Unix(0, updated).UTC(),
	}, nil
}
