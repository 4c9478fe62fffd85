package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/vector"
)

const messageColumns = `id, workspace_id, stream_id, event_id, author_id, author_type, content, created_at,
	reactions, replies, retrieved, helpful, enrichment_tier, contextual_header, classification`

// SaveMessage inserts a message, or refreshes content and author of an
// existing one. Pipeline-owned columns are left alone on update.
func (e *Engine) SaveMessage(ctx context.Context, m *chat.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.EventID == "" {
		m.EventID = m.ID
	}
	if m.AuthorType == "" {
		m.AuthorType = chat.AuthorUser
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO messages (id, workspace_id, stream_id, event_id, author_id, author_type, content, created_at,
			reactions, replies, retrieved, helpful)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			author_id = excluded.author_id,
			author_type = excluded.author_type
	`, m.ID, m.WorkspaceID, m.StreamID, m.EventID, m.AuthorID, string(m.AuthorType), m.Content,
		toMillis(m.CreatedAt), m.Signals.Reactions, m.Signals.Replies,
		boolToInt(m.Signals.Retrieved), boolToInt(m.Signals.Helpful))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (e *Engine) Message(ctx context.Context, id string) (*chat.Message, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return m, nil
}

func (e *Engine) MessageByEvent(ctx context.Context, eventID string) (*chat.Message, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE event_id = ?`, eventID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("load message for event %s: %w", eventID, err)
	}
	return m, nil
}

// Neighbors returns messages of the same stream inside the window, oldest first.
func (e *Engine) Neighbors(ctx context.Context, m *chat.Message, w chat.Window) ([]chat.Message, []chat.Message, error) {
	at := toMillis(m.CreatedAt)

	rows, err := e.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE stream_id = ? AND id != ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC
		LIMIT ?
	`, m.StreamID, m.ID, at-w.Before.Milliseconds(), at, w.BeforeCount)
	if err != nil {
		return nil, nil, fmt.Errorf("load preceding messages: %w", err)
	}
	before, err := scanMessages(rows)
	if err != nil {
		return nil, nil, err
	}
	reverse(before)

	rows, err = e.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE stream_id = ? AND id != ? AND created_at > ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, m.StreamID, m.ID, at, at+w.After.Milliseconds(), w.AfterCount)
	if err != nil {
		return nil, nil, fmt.Errorf("load following messages: %w", err)
	}
	after, err := scanMessages(rows)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// StreamMessages returns up to limit messages of a stream, oldest first.
func (e *Engine) StreamMessages(ctx context.Context, streamID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE stream_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("load stream messages: %w", err)
	}
	return scanMessages(rows)
}

func (e *Engine) MergeSignals(ctx context.Context, messageID string, s chat.Signals) (chat.Signals, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		UPDATE messages SET
			reactions = MAX(reactions, ?),
			replies = MAX(replies, ?),
			retrieved = MAX(retrieved, ?),
			helpful = MAX(helpful, ?)
		WHERE id = ?
	`, s.Reactions, s.Replies, boolToInt(s.Retrieved), boolToInt(s.Helpful), messageID)
	if err != nil {
		return chat.Signals{}, fmt.Errorf("merge signals: %w", err)
	}

	var merged chat.Signals
	var retrieved, helpful int
	err = e.db.QueryRowContext(ctx, `SELECT reactions, replies, retrieved, helpful FROM messages WHERE id = ?`, messageID).
		Scan(&merged.Reactions, &merged.Replies, &retrieved, &helpful)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Signals{}, fmt.Errorf("merge signals %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return chat.Signals{}, fmt.Errorf("merge signals: %w", err)
	}
	merged.Retrieved = retrieved != 0
	merged.Helpful = helpful != 0
	return merged, nil
}

// SetEnrichment records the tier and, when vec is non-empty, the message's
// searchable vector. The tier never moves backwards.
func (e *Engine) SetEnrichment(ctx context.Context, messageID string, tier int, header, model string, vec []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrichment: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET
			enrichment_tier = MAX(enrichment_tier, ?),
			contextual_header = CASE WHEN ? != '' THEN ? ELSE contextual_header END
		WHERE id = ?
	`, tier, header, header, messageID)
	if err != nil {
		return fmt.Errorf("update enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update enrichment %s: %w", messageID, ErrNotFound)
	}

	if len(vec) > 0 {
		blob, err := vector.Encode(vec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_embeddings (message_id, model, vector, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET model = excluded.model, vector = excluded.vector, updated_at = excluded.updated_at
		`, messageID, model, blob, toMillis(e.now()))
		if err != nil {
			return fmt.Errorf("upsert message vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrichment: %w", err)
	}
	return nil
}

func (e *Engine) MessageVector(ctx context.Context, messageID string) ([]float32, error) {
	var blob []byte
	err := e.db.QueryRowContext(ctx, `SELECT vector FROM message_embeddings WHERE message_id = ?`, messageID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message vector %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load message vector: %w", err)
	}
	return vector.Decode(blob)
}

func (e *Engine) SetClassification(ctx context.Context, messageID, verdict string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.ExecContext(ctx, `UPDATE messages SET classification = ? WHERE id = ?`, verdict, messageID); err != nil {
		return fmt.Errorf("set classification: %w", err)
	}
	return nil
}

// PostResponse stores the agent's reply as an agent-authored message in the
// stream and returns its event id.
func (e *Engine) PostResponse(ctx context.Context, r chat.Response) (string, error) {
	m := &chat.Message{
		WorkspaceID: r.WorkspaceID,
		StreamID:    r.StreamID,
		AuthorID:    "agent",
		AuthorType:  chat.AuthorAgent,
		Content:     r.Content,
	}
	if err := e.SaveMessage(ctx, m); err != nil {
		return "", fmt.Errorf("post response: %w", err)
	}
	if err := e.TouchStream(ctx, r.StreamID, m.CreatedAt); err != nil {
		return "", fmt.Errorf("post response: %w", err)
	}
	return m.EventID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		m                  chat.Message
		authorType         string
		createdAt          int64
		retrieved, helpful int
	)
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.StreamID, &m.EventID, &m.AuthorID, &authorType, &m.Content, &createdAt,
		&m.Signals.Reactions, &m.Signals.Replies, &retrieved, &helpful, &m.EnrichmentTier, &m.ContextualHeader, &m.Classification)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.AuthorType = chat.AuthorType(authorType)
	m.CreatedAt = fromMillis(createdAt)
	m.Signals.Retrieved = retrieved != 0
	m.Signals.Helpful = helpful != 0
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func reverse(ms []chat.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
