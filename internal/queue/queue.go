// Package queue is a durable priority job queue on sqlite with retries,
// exponential backoff, dedup windows and expiry. Delivery is at-least-once.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
)

var ErrNotFound = errors.New("job not found")

type Queue struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
	log zerolog.Logger

	workerMu sync.Mutex
	workers  map[Type]registration
	cancel   context.CancelFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type registration struct {
	opts WorkerOptions
	fn   func(ctx context.Context, job *Job) error
}

// New prepares the queue tables on db. The handle is usually shared with
// the store engine.
func New(db *sql.DB) (*Queue, error) {
	q := &Queue{
		db:      db,
		now:     time.Now,
		log:     logging.For("queue"),
		workers: make(map[Type]registration),
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// SetClock overrides the time source. Tests use it to step through dedup
// windows and backoff delays.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority INTEGER NOT NULL,
			state TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_limit INTEGER NOT NULL,
			retry_delay_ms INTEGER NOT NULL,
			backoff INTEGER NOT NULL DEFAULT 1,
			dedup_key TEXT NOT NULL DEFAULT '',
			start_after INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_fetch ON jobs(type, state, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, completed_at)`,
		`CREATE TABLE IF NOT EXISTS job_dedup (
			key TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("init queue schema: %w", err)
		}
	}
	return nil
}

// Enqueue stores a job for payload. It returns an empty id and no error when
// the submission collapsed into a live job with the same dedup key.
func (q *Queue) Enqueue(ctx context.Context, payload Payload, opts EnqueueOptions) (string, error) {
	if payload == nil {
		return "", errors.New("enqueue: nil payload")
	}
	t := payload.JobType()
	opts = opts.withDefaults()

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", t, err)
	}

	now := q.now()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if opts.DedupKey != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO job_dedup (key, job_id, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET job_id = excluded.job_id, expires_at = excluded.expires_at
			WHERE job_dedup.expires_at <= ?
		`, opts.DedupKey, id, now.Add(opts.DedupWindow).UnixMilli(), now.UnixMilli())
		if err != nil {
			return "", fmt.Errorf("claim dedup key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			metrics.JobsCollapsed.WithLabelValues(string(t)).Inc()
			q.log.Debug().Str("type", string(t)).Str("dedup_key", opts.DedupKey).Msg("enqueue collapsed")
			return "", nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, priority, state, retry_limit, retry_delay_ms, backoff, dedup_key,
			start_after, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, string(t), string(raw), int(opts.Priority), string(StateCreated), opts.RetryLimit,
		opts.RetryDelay.Milliseconds(), boolToInt(!opts.NoBackoff), opts.DedupKey,
		now.Add(opts.StartAfter).UnixMilli(), now.Add(opts.ExpiresIn).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}

	metrics.JobsEnqueued.WithLabelValues(string(t)).Inc()
	return id, nil
}

// fetch claims up to n runnable jobs of type t in a single statement, so two
// pollers never receive the same job for the same delivery.
func (q *Queue) fetch(ctx context.Context, t Type, n int) ([]*Job, error) {
	now := q.now().UnixMilli()

	q.mu.Lock()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobs SET state = ?, started_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE type = ? AND state IN (?, ?) AND start_after <= ? AND expires_at > ?
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+jobColumns,
		string(StateActive), now, string(t), string(StateCreated), string(StateRetry), now, now, n)
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("fetch %s jobs: %w", t, err)
	}
	jobs, err := scanJobs(rows)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, completed_at = ?, last_error = '' WHERE id = ? AND state = ?
	`, string(StateCompleted), q.now().UnixMilli(), job.ID, string(StateActive))
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

// fail records a failed attempt and returns the state the job moved to.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) (State, error) {
	now := q.now()
	msg := truncate(cause.Error(), 2000)

	next := StateRetry
	startAfter := now.Add(job.nextDelay())
	switch {
	case !now.Before(job.ExpiresAt):
		next = StateExpired
	case job.FinalAttempt():
		next = StateFailed
	case !startAfter.Before(job.ExpiresAt):
		next = StateExpired
	}

	completedAt := int64(0)
	if next != StateRetry {
		completedAt = now.UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, retry_count = retry_count + 1, start_after = ?, completed_at = ?, last_error = ?
		WHERE id = ? AND state = ?
	`, string(next), startAfter.UnixMilli(), completedAt, msg, job.ID, string(StateActive))
	if err != nil {
		return next, fmt.Errorf("record failure of job %s: %w", job.ID, err)
	}
	return next, nil
}

// Get loads a job by id regardless of state.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return jobs[0], nil
}

const jobColumns = `id, type, payload, priority, state, retry_count, retry_limit, retry_delay_ms, backoff,
	dedup_key, start_after, expires_at, created_at, started_at, last_error`

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var (
			j                                          Job
			typ, state, raw                            string
			priority, backoff                          int
			delayMs, startAfter, expires, created, run int64
		)
		if err := rows.Scan(&j.ID, &typ, &raw, &priority, &state, &j.RetryCount, &j.RetryLimit, &delayMs, &backoff,
			&j.DedupKey, &startAfter, &expires, &created, &run, &j.LastError); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Type = Type(typ)
		j.State = State(state)
		j.Priority = Priority(priority)
		j.RetryDelay = time.Duration(delayMs) * time.Millisecond
		j.Backoff = backoff != 0
		j.StartAfter = time.UnixMilli(startAfter)
		j.ExpiresAt = time.UnixMilli(expires)
		j.CreatedAt = time.UnixMilli(created)
		if run > 0 {
			j.StartedAt = time.UnixMilli(run)
		}

		p, err := decodePayload(j.Type, []byte(raw))
		if err != nil {
			// keep the row visible to maintenance; the worker fails it
			j.LastError = err.Error()
		}
		j.Payload = p
		out = append(out, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
