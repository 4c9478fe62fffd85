package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
)

const DefaultMaxToolResult = 4000

type Options struct {
	MaxToolResult int
	Now           func() time.Time
}

// Tracker stores sessions and their steps in sqlite. Steps are rows of their
// own, so a step write never rewrites the rest of the session.
type Tracker struct {
	db            *sql.DB
	mu            sync.Mutex
	now           func() time.Time
	maxToolResult int
	log           zerolog.Logger
}

func NewTracker(db *sql.DB, opts Options) (*Tracker, error) {
	t := &Tracker{
		db:            db,
		now:           opts.Now,
		maxToolResult: opts.MaxToolResult,
		log:           logging.For("session"),
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.maxToolResult <= 0 {
		t.maxToolResult = DefaultMaxToolResult
	}
	if err := t.initSchema(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			triggering_event_id TEXT NOT NULL UNIQUE,
			response_event_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_status ON agent_sessions(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS agent_session_steps (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			tool_input TEXT NOT NULL DEFAULT '',
			tool_result TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			UNIQUE (session_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("init session schema: %w", err)
		}
	}
	return nil
}

// CreateOrResume returns the session of the triggering event, creating it
// when there is none. isNew is false when an existing session is returned;
// that session is not modified.
func (t *Tracker) CreateOrResume(ctx context.Context, p StartParams) (*Session, bool, error) {
	if p.TriggeringEventID == "" {
		return nil, false, errors.New("session: triggering event id is required")
	}
	now := toMillis(t.now())

	t.mu.Lock()
	res, err := t.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (id, workspace_id, stream_id, triggering_event_id, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(triggering_event_id) DO NOTHING
	`, uuid.NewString(), p.WorkspaceID, p.StreamID, p.TriggeringEventID, string(StatusActive), now, now)
	t.mu.Unlock()
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	created, _ := res.RowsAffected()

	s, err := t.GetByTriggeringEvent(ctx, p.TriggeringEventID)
	if err != nil {
		return nil, false, err
	}
	return s, created == 1, nil
}

// AddStep appends an active step and returns its id.
func (t *Tracker) AddStep(ctx context.Context, sessionID string, in StepInput) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin add step: %w", err)
	}
	defer tx.Rollback()

	status, err := sessionStatus(ctx, tx, sessionID)
	if err != nil {
		return "", err
	}
	if status.Terminal() {
		return "", fmt.Errorf("add step to %s session %s: %w", status, sessionID, ErrInvalidTransition)
	}

	id := uuid.NewString()
	now := toMillis(t.now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_session_steps (id, session_id, seq, type, content, tool_name, tool_input, status, started_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ? FROM agent_session_steps WHERE session_id = ?
	`, id, sessionID, string(in.Type), in.Content, in.ToolName, in.ToolInput, string(StepActive), now, sessionID)
	if err != nil {
		return "", fmt.Errorf("insert step: %w", err)
	}
	if err := touch(ctx, tx, sessionID, now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit step: %w", err)
	}
	return id, nil
}

// CompleteStep closes an active step. The tool result is truncated to the
// configured maximum. Closing an already closed step is a no-op.
func (t *Tracker) CompleteStep(ctx context.Context, stepID, result string, failed bool) error {
	status := StepCompleted
	if failed {
		status = StepFailed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete step: %w", err)
	}
	defer tx.Rollback()

	var sessionID string
	err = tx.QueryRowContext(ctx, `SELECT session_id FROM agent_session_steps WHERE id = ?`, stepID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}

	now := toMillis(t.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE agent_session_steps SET status = ?, tool_result = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(status), truncate(result, t.maxToolResult), now, stepID, string(StepActive))
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if err := touch(ctx, tx, sessionID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

// UpdateStatus moves the session along its state machine. Entering a
// terminal status first closes any step still active: completed for a
// completed session, failed otherwise.
func (t *Tracker) UpdateStatus(ctx context.Context, sessionID string, to Status, errorMessage string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	from, err := sessionStatus(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("session %s %s -> %s: %w", sessionID, from, to, ErrInvalidTransition)
	}

	now := toMillis(t.now())
	var completedAt any
	if to.Terminal() {
		stepStatus := StepFailed
		if to == StatusCompleted {
			stepStatus = StepCompleted
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE agent_session_steps SET status = ?, completed_at = ?
			WHERE session_id = ? AND status = ?
		`, string(stepStatus), now, sessionID, string(StepActive))
		if err != nil {
			return fmt.Errorf("close active steps: %w", err)
		}
		completedAt = now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agent_sessions SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(to), errorMessage, completedAt, now, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status: %w", err)
	}
	return nil
}

// SetResponse records the posted reply and the summary of the run.
func (t *Tracker) SetResponse(ctx context.Context, sessionID, responseEventID, summary string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.db.ExecContext(ctx, `
		UPDATE agent_sessions SET response_event_id = ?, summary = ?, updated_at = ? WHERE id = ?
	`, responseEventID, summary, toMillis(t.now()), sessionID)
	if err != nil {
		return fmt.Errorf("set session response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SweepStale fails every active or summarizing session not updated within
// olderThan and returns how many it failed.
func (t *Tracker) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	now := t.now()
	cutoff := toMillis(now.Add(-olderThan))
	_, err = tx.ExecContext(ctx, `
		UPDATE agent_session_steps SET status = ?, completed_at = ?
		WHERE status = ? AND session_id IN (
			SELECT id FROM agent_sessions WHERE status IN (?, ?) AND updated_at < ?
		)
	`, string(StepFailed), toMillis(now), string(StepActive), string(StatusActive), string(StatusSummarizing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE agent_sessions SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE status IN (?, ?) AND updated_at < ?
	`, string(StatusFailed), InterruptedMessage, toMillis(now), toMillis(now),
		string(StatusActive), string(StatusSummarizing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.SessionsSwept.Add(float64(n))
		t.log.Warn().Int64("sessions", n).Dur("older_than", olderThan).Msg("failed stale agent sessions")
	}
	return int(n), nil
}

// ResetForRecovery drops a session's steps and returns it to active so it
// can be run again.
func (t *Tracker) ResetForRecovery(ctx context.Context, sessionID string) (*Session, error) {
	t.mu.Lock()
	err := t.reset(ctx, sessionID)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return t.Get(ctx, sessionID)
}

func (t *Tracker) reset(ctx context.Context, sessionID string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := sessionStatus(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_session_steps WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	now := toMillis(t.now())
	_, err = tx.ExecContext(ctx, `
		UPDATE agent_sessions SET status = ?, response_event_id = '', summary = '', error_message = '',
			completed_at = NULL, started_at = ?, updated_at = ?
		WHERE id = ?
	`, string(StatusActive), now, now, sessionID)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return tx.Commit()
}

func (t *Tracker) Get(ctx context.Context, id string) (*Session, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	return t.load(ctx, row, id)
}

func (t *Tracker) GetByTriggeringEvent(ctx context.Context, eventID string) (*Session, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE triggering_event_id = ?`, eventID)
	return t.load(ctx, row, "for event "+eventID)
}

// ListRecent returns the most recently updated sessions with their steps.
func (t *Tracker) ListRecent(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM agent_sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for _, s := range out {
		if s.Steps, err = t.steps(ctx, s.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *Tracker) load(ctx context.Context, row *sql.Row, label string) (*Session, error) {
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", label, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s.Steps, err = t.steps(ctx, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *Tracker) steps(ctx context.Context, sessionID string) ([]Step, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, session_id, seq, type, content, tool_name, tool_input, tool_result, status, started_at, completed_at
		FROM agent_session_steps WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var (
			st               Step
			stepType, status string
			startedAt        int64
			completedAt      sql.NullInt64
		)
		err := rows.Scan(&st.ID, &st.SessionID, &st.Seq, &stepType, &st.Content, &st.ToolName, &st.ToolInput,
			&st.ToolResult, &status, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Type = StepType(stepType)
		st.Status = StepStatus(status)
		st.StartedAt = fromMillis(startedAt)
		st.CompletedAt = nullableMillis(completedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

const sessionColumns = `id, workspace_id, stream_id, triggering_event_id, response_event_id, status, summary,
	error_message, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                    Session
		status               string
		startedAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.StreamID, &s.TriggeringEventID, &s.ResponseEventID, &status,
		&s.Summary, &s.ErrorMessage, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.StartedAt = fromMillis(startedAt)
	s.UpdatedAt = fromMillis(updatedAt)
	s.CompletedAt = nullableMillis(completedAt)
	return &s, nil
}

func sessionStatus(ctx context.Context, tx *sql.Tx, sessionID string) (Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM agent_sessions WHERE id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load session status: %w", err)
	}
	return Status(status), nil
}

func touch(ctx context.Context, tx *sql.Tx, sessionID string, now int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE agent_sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
