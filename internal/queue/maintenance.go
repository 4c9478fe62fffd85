package queue

import (
	"context"
	"fmt"
	"time"
)

// RequeueStalled returns active jobs started more than olderThan ago to the
// retry state. Their worker is assumed gone; the attempt counts as failed.
func (q *Queue) RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = CASE WHEN retry_count + 1 > retry_limit THEN ? ELSE ? END,
			completed_at = CASE WHEN retry_count + 1 > retry_limit THEN ? ELSE 0 END,
			retry_count = retry_count + 1,
			start_after = ?,
			last_error = 'stalled: worker did not finish'
		WHERE state = ? AND started_at < ?
	`, string(StateFailed), string(StateRetry), now.UnixMilli(), now.UnixMilli(),
		string(StateActive), now.Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("requeue stalled jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Warn().Int64("count", n).Msg("requeued stalled jobs")
	}
	return int(n), nil
}

// ExpireOverdue marks pending jobs whose expiry passed.
func (q *Queue) ExpireOverdue(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, completed_at = ?, last_error = CASE WHEN last_error = '' THEN 'expired before completion' ELSE last_error END
		WHERE state IN (?, ?) AND expires_at <= ?
	`, string(StateExpired), now, string(StateCreated), string(StateRetry), now)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Info().Int64("count", n).Msg("expired overdue jobs")
	}
	return int(n), nil
}

// Purge deletes terminal jobs finished before the retention window and dedup
// rows that can no longer collapse anything.
func (q *Queue) Purge(ctx context.Context, retention time.Duration) (int, error) {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE state IN (?, ?, ?) AND completed_at > 0 AND completed_at < ?
	`, string(StateCompleted), string(StateFailed), string(StateExpired), now.Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM job_dedup WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return 0, fmt.Errorf("purge dedup keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type Stat struct {
	Type  Type
	State State
	Count int
}

func (q *Queue) Stats(ctx context.Context) ([]Stat, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT type, state, COUNT(*) FROM jobs GROUP BY type, state ORDER BY type, state
	`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		var s Stat
		var typ, state string
		if err := rows.Scan(&typ, &state, &s.Count); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		s.Type = Type(typ)
		s.State = State(state)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListDead returns failed and expired jobs, most recent first.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state IN (?, ?)
		ORDER BY completed_at DESC LIMIT ?
	`, string(StateFailed), string(StateExpired), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	return scanJobs(rows)
}
