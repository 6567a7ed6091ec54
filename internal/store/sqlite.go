package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/coderun/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    fingerprint  TEXT NOT NULL,
    language     TEXT NOT NULL,
    priority     INTEGER NOT NULL,
    state        TEXT NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    timeout_ms   INTEGER NOT NULL,
    request      BLOB NOT NULL,
    result       BLOB,
    error        TEXT NOT NULL DEFAULT '',
    cached       INTEGER NOT NULL DEFAULT 0,
    duration_ms  INTEGER,
    ready_at     INTEGER NOT NULL,
    claimed_at   INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
)`

const createClaimIndex = `
CREATE INDEX IF NOT EXISTS jobs_claim ON jobs (state, priority, seq)`

const jobColumns = `id, fingerprint, priority, state, attempts, max_attempts, timeout_ms,
	request, result, error, cached, ready_at, created_at, updated_at`

// Compile-time interface satisfaction checks.
var (
	_ Store       = (*SQLiteStore)(nil)
	_ Recoverer   = (*SQLiteStore)(nil)
	_ StatsReader = (*SQLiteStore)(nil)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers anyway; a single connection also keeps
	// in-memory databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	if _, err := db.Exec(createClaimIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create claim index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	if err := checkCreate(j); err != nil {
		return err
	}
	request, err := json.Marshal(j.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	result, durationMS, err := encodeResult(j.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, fingerprint, language, priority, state, attempts, max_attempts,
			timeout_ms, request, result, error, cached, duration_ms, ready_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Fingerprint, j.Request.Language, int(j.Priority.OrDefault()), string(j.State),
		j.Attempts, j.MaxAttempts, j.TimeoutMS, request, result, j.Error, j.Cached,
		durationMS, j.ReadyAt.UnixNano(), j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimJob claims the next ready waiting job in a single UPDATE, which SQLite
// executes atomically.
func (s *SQLiteStore) ClaimJob(ctx context.Context, now time.Time) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
		WHERE state = ? AND seq = (
			SELECT seq FROM jobs
			WHERE state = ? AND ready_at <= ?
			ORDER BY priority, seq
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(model.StateActive), now.UnixNano(), now.UnixNano(),
		string(model.StateWaiting), string(model.StateWaiting), now.UnixNano(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// UpdateJob performs a compare-and-set state transition.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job, from model.State) error {
	return s.write(ctx, j, from, j.Attempts)
}

// ReleaseJob requeues an active job and gives its attempt back.
func (s *SQLiteStore) ReleaseJob(ctx context.Context, j *model.Job) error {
	if j.State != model.StateWaiting {
		return fmt.Errorf("%w: release to %s", ErrInvalidTransition, j.State)
	}
	return s.write(ctx, j, model.StateActive, max(j.Attempts-1, 0))
}

// write stores j if the row is still in state from on attempt j.Attempts,
// setting the attempt count to attempts.
func (s *SQLiteStore) write(ctx context.Context, j *model.Job, from model.State, attempts int) error {
	if !model.ValidTransition(from, j.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, j.State)
	}
	result, durationMS, err := encodeResult(j.Result)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, result = ?, error = ?, duration_ms = ?,
			ready_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND attempts = ?`,
		string(j.State), attempts, result, j.Error, durationMS,
		j.ReadyAt.UnixNano(), j.UpdatedAt.UnixNano(),
		j.ID, string(from), j.Attempts,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		current, err := s.GetJob(ctx, j.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job is %s on attempt %d, expected %s on attempt %d",
			ErrInvalidTransition, current.State, current.Attempts, from, j.Attempts)
	}
	return nil
}

// RecoverActive reclaims active jobs whose claim is older than their timeout
// plus grace. Jobs that already used every attempt are failed; the rest are
// requeued. It returns the number of jobs reclaimed.
func (s *SQLiteStore) RecoverActive(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer tx.Rollback()

	const expired = `state = ? AND claimed_at + timeout_ms * 1000000 + ? <= ?`

	failed, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = ?, updated_at = ?
		WHERE attempts >= max_attempts AND `+expired,
		string(model.StateFailed), ClaimExpiredError, now.UnixNano(),
		string(model.StateActive), grace.Nanoseconds(), now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted jobs: %w", err)
	}

	requeued, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = ?, ready_at = ?, updated_at = ?
		WHERE `+expired,
		string(model.StateWaiting), ClaimExpiredError, now.UnixNano(), now.UnixNano(),
		string(model.StateActive), grace.Nanoseconds(), now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}

	nf, err := failed.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	nr, err := requeued.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return int(nf + nr), nil
}

// JobStats returns aggregate statistics over all jobs.
func (s *SQLiteStore) JobStats(ctx context.Context) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{
		CountByState:    make(map[string]int),
		CountByLanguage: make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cached), 0), AVG(duration_ms) FROM jobs`,
	).Scan(&stats.Total, &stats.Cached, &avg); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	if err := countBy(ctx, tx, "state", stats.CountByState); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "language", stats.CountByLanguage); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills into with row counts grouped by column. column is always a
// constant from this file.
func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM jobs GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j        model.Job
		priority int
		state    string
		request  []byte
		result   []byte
		readyAt  int64
		created  int64
		updated  int64
	)
	if err := row.Scan(
		&j.ID, &j.Fingerprint, &priority, &state, &j.Attempts, &j.MaxAttempts, &j.TimeoutMS,
		&request, &result, &j.Error, &j.Cached, &readyAt, &created, &updated,
	); err != nil {
		return nil, err
	}
	j.Priority = model.Priority(priority)
	j.State = model.State(state)
	j.ReadyAt = time.Unix(0, readyAt).UTC()
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()

	if err := json.Unmarshal(request, &j.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if len(result) > 0 {
		j.Result = &model.ExecutionResult{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &j, nil
}

func encodeResult(r *model.ExecutionResult) ([]byte, *int64, error) {
	if r == nil {
		return nil, nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	d := r.DurationMS
	return data, &d, nil
}
