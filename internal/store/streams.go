package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/chat"
)

const streamColumns = `id, workspace_id, type, name, root_message_id, event_count, last_activity_at,
	last_classified_at, classification_result, knowledge_extracted_at`

// SaveStream creates or renames a stream. Bookkeeping columns are preserved.
func (e *Engine) SaveStream(ctx context.Context, s *chat.Stream) error {
	if s.Type == "" {
		s.Type = chat.StreamChannel
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO streams (id, workspace_id, type, name, root_message_id, event_count, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_message_id = CASE WHEN excluded.root_message_id != '' THEN excluded.root_message_id ELSE root_message_id END
	`, s.ID, s.WorkspaceID, string(s.Type), s.Name, s.RootMessageID, s.EventCount, toMillis(s.LastActivityAt))
	if err != nil {
		return fmt.Errorf("save stream: %w", err)
	}
	return nil
}

// TouchStream counts one more event and moves the activity clock forward.
func (e *Engine) TouchStream(ctx context.Context, streamID string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		UPDATE streams SET event_count = event_count + 1, last_activity_at = MAX(last_activity_at, ?)
		WHERE id = ?
	`, toMillis(at), streamID)
	if err != nil {
		return fmt.Errorf("touch stream: %w", err)
	}
	return nil
}

func (e *Engine) Stream(ctx context.Context, id string) (*chat.Stream, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, id)
	s, err := scanStream(row)
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", id, err)
	}
	return s, nil
}

// ThreadsActiveSince lists thread streams with activity at or after since,
// least recently active first.
func (e *Engine) ThreadsActiveSince(ctx context.Context, since time.Time, limit int) ([]chat.Stream, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+streamColumns+` FROM streams
		WHERE type = ? AND last_activity_at >= ?
		ORDER BY last_activity_at ASC
		LIMIT ?
	`, string(chat.StreamThread), toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list active threads: %w", err)
	}
	defer rows.Close()

	var out []chat.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (e *Engine) RecordClassification(ctx context.Context, streamID, verdict string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		UPDATE streams SET last_classified_at = ?, classification_result = ? WHERE id = ?
	`, toMillis(at), verdict, streamID)
	if err != nil {
		return fmt.Errorf("record classification: %w", err)
	}
	return nil
}

func (e *Engine) MarkKnowledgeExtracted(ctx context.Context, streamID string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		UPDATE streams SET knowledge_extracted_at = COALESCE(knowledge_extracted_at, ?) WHERE id = ?
	`, toMillis(at), streamID)
	if err != nil {
		return fmt.Errorf("mark knowledge extracted: %w", err)
	}
	return nil
}

func (e *Engine) Annotate(ctx context.Context, a chat.Annotation) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO stream_annotations (workspace_id, stream_id, kind, body, created_at) VALUES (?, ?, ?, ?, ?)
	`, a.WorkspaceID, a.StreamID, a.Kind, a.Body, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("append annotation: %w", err)
	}
	return nil
}

func (e *Engine) Annotations(ctx context.Context, streamID string) ([]chat.Annotation, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT workspace_id, stream_id, kind, body, created_at FROM stream_annotations
		WHERE stream_id = ? ORDER BY created_at ASC, id ASC
	`, streamID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var out []chat.Annotation
	for rows.Next() {
		var a chat.Annotation
		var createdAt int64
		if err := rows.Scan(&a.WorkspaceID, &a.StreamID, &a.Kind, &a.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanStream(row rowScanner) (*chat.Stream, error) {
	var (
		s                         chat.Stream
		streamType                string
		lastActivity              int64
		lastClassified, extracted sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.WorkspaceID, &streamType, &s.Name, &s.RootMessageID, &s.EventCount, &lastActivity,
		&lastClassified, &s.ClassificationResult, &extracted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Type = chat.StreamType(streamType)
	s.LastActivityAt = fromMillis(lastActivity)
	s.LastClassifiedAt = nullableMillis(lastClassified)
	s.KnowledgeExtractedAt = nullableMillis(extracted)
	return &s, nil
}
