package memo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/lorekeeper/internal/vector"
)

// Store persists memos, their anchors and the workspace tag vocabulary.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memos (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			topics TEXT NOT NULL DEFAULT '[]',
			category TEXT NOT NULL DEFAULT 'other',
			context_stream_id TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			retrieval_count INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			embedding BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			archived_at INTEGER,
			superseded_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memos_workspace ON memos(workspace_id, archived_at)`,
		`CREATE TABLE IF NOT EXISTS memo_anchors (
			memo_id TEXT NOT NULL REFERENCES memos(id) ON DELETE CASCADE,
			event_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			added_at INTEGER NOT NULL,
			PRIMARY KEY (memo_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memo_anchors_event ON memo_anchors(event_id)`,
		`CREATE TABLE IF NOT EXISTS workspace_tags (
			workspace_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (workspace_id, tag)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memo schema: %w", err)
		}
	}
	return nil
}

const memoColumns = `id, workspace_id, summary, topics, category, context_stream_id, confidence, retrieval_count,
	source, embedding, embedding_model, created_at, updated_at, archived_at, superseded_by`

// Create inserts a new memo with its anchors and counts its topics.
func (s *Store) Create(ctx context.Context, m *Memo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create memo: %w", err)
	}
	defer tx.Rollback()

	if err := s.insert(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memo: %w", err)
	}
	return nil
}

// Supersede archives old and inserts replacement in one transaction.
// An already archived memo is never touched again.
func (s *Store) Supersede(ctx context.Context, oldID string, replacement *Memo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback()

	if err := s.insert(ctx, tx, replacement); err != nil {
		return err
	}

	now := toMillis(s.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE memos SET archived_at = ?, superseded_by = ?, updated_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, now, replacement.ID, now, oldID)
	if err != nil {
		return fmt.Errorf("archive memo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrArchived(ctx, tx, oldID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit supersede: %w", err)
	}
	return nil
}

// Evolve appends an anchor to an active memo and bumps its bookkeeping.
// Confidence is capped at 1. Appending an existing anchor is a no-op for the
// anchor list but still applies the bumps.
func (s *Store) Evolve(ctx context.Context, id, eventID string, confidenceBump float64, retrievalBump int) (*Memo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin evolve: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(s.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE memos SET
			confidence = MIN(1.0, confidence + ?),
			retrieval_count = retrieval_count + ?,
			updated_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, confidenceBump, retrievalBump, now, id)
	if err != nil {
		return nil, fmt.Errorf("evolve memo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.missingOrArchived(ctx, tx, id)
	}

	if eventID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memo_anchors (memo_id, event_id, position, added_at)
			SELECT ?, ?, COALESCE(MAX(position), -1) + 1, ? FROM memo_anchors WHERE memo_id = ?
			ON CONFLICT(memo_id, event_id) DO NOTHING
		`, id, eventID, now, id)
		if err != nil {
			return nil, fmt.Errorf("append anchor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit evolve: %w", err)
	}
	return s.Get(ctx, id)
}

// IncrementRetrieval counts one retrieval for each active memo in ids.
func (s *Store) IncrementRetrieval(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memos SET retrieval_count = retrieval_count + 1
		WHERE archived_at IS NULL AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("increment retrieval: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Memo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoColumns+` FROM memos WHERE id = ?`, id)
	m, err := scanMemo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memo %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load memo: %w", err)
	}
	if err := s.loadAnchors(ctx, []*Memo{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// ByAnchor returns the memo anchoring eventID, preferring an active one.
func (s *Store) ByAnchor(ctx context.Context, eventID string) (*Memo, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id FROM memo_anchors a JOIN memos m ON m.id = a.memo_id
		WHERE a.event_id = ?
		ORDER BY m.archived_at IS NOT NULL, m.created_at DESC
		LIMIT 1
	`, eventID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memo for event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("memo by anchor: %w", err)
	}
	return s.Get(ctx, id)
}

// List returns the newest memos of a workspace.
func (s *Store) List(ctx context.Context, workspaceID string, includeArchived bool, limit int) ([]*Memo, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + memoColumns + ` FROM memos WHERE workspace_id = ?`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	return s.query(ctx, query, workspaceID, limit)
}

// Active returns every non-archived memo that has an embedding, across all
// workspaces. It feeds the index rebuild.
func (s *Store) Active(ctx context.Context) ([]*Memo, error) {
	return s.query(ctx, `SELECT `+memoColumns+` FROM memos WHERE archived_at IS NULL AND embedding IS NOT NULL`)
}

// Vocabulary returns the workspace tags, most used first.
func (s *Store) Vocabulary(ctx context.Context, workspaceID string, limit int) ([]Tag, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, usage_count FROM workspace_tags WHERE workspace_id = ?
		ORDER BY usage_count DESC, tag ASC LIMIT ?
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.Name, &t.UsageCount); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, m *Memo) error {
	if len(m.AnchorEventIDs) == 0 {
		return errors.New("memo needs at least one anchor event")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Category == "" {
		m.Category = CategoryOther
	}
	if m.Source == "" {
		m.Source = SourceSystem
	}
	m.Confidence = clampConfidence(m.Confidence)

	topics, err := json.Marshal(nonNil(m.Topics))
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	var blob []byte
	if len(m.Embedding) > 0 {
		if blob, err = vector.Encode(m.Embedding); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memos (id, workspace_id, summary, topics, category, context_stream_id, confidence,
			retrieval_count, source, embedding, embedding_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.WorkspaceID, m.Summary, string(topics), string(m.Category), m.ContextStreamID, m.Confidence,
		m.RetrievalCount, string(m.Source), blob, m.EmbeddingModel, toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert memo: %w", err)
	}

	for i, eventID := range m.AnchorEventIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memo_anchors (memo_id, event_id, position, added_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(memo_id, event_id) DO NOTHING
		`, m.ID, eventID, i, toMillis(now))
		if err != nil {
			return fmt.Errorf("insert anchor: %w", err)
		}
	}

	for _, topic := range m.Topics {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_tags (workspace_id, tag, usage_count) VALUES (?, ?, 1)
			ON CONFLICT(workspace_id, tag) DO UPDATE SET usage_count = usage_count + 1
		`, m.WorkspaceID, topic)
		if err != nil {
			return fmt.Errorf("count topic: %w", err)
		}
	}
	return nil
}

func (s *Store) missingOrArchived(ctx context.Context, tx *sql.Tx, id string) error {
	var archived sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT archived_at FROM memos WHERE id = ?`, id).Scan(&archived)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("memo %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load memo %s: %w", id, err)
	}
	return fmt.Errorf("memo %s: %w", id, ErrArchived)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Memo, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memos: %w", err)
	}
	var out []*Memo
	for rows.Next() {
		m, err := scanMemo(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan memo: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate memos: %w", err)
	}
	rows.Close()

	if err := s.loadAnchors(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) loadAnchors(ctx context.Context, memos []*Memo) error {
	if len(memos) == 0 {
		return nil
	}
	byID := make(map[string]*Memo, len(memos))
	args := make([]any, 0, len(memos))
	for _, m := range memos {
		byID[m.ID] = m
		args = append(args, m.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memo_id, event_id FROM memo_anchors
		WHERE memo_id IN (`+placeholders(len(memos))+`)
		ORDER BY memo_id, position
	`, args...)
	if err != nil {
		return fmt.Errorf("load anchors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var memoID, eventID string
		if err := rows.Scan(&memoID, &eventID); err != nil {
			return fmt.Errorf("scan anchor: %w", err)
		}
		if m := byID[memoID]; m != nil {
			m.AnchorEventIDs = append(m.AnchorEventIDs, eventID)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemo(row rowScanner) (*Memo, error) {
	var (
		m                    Memo
		topics               string
		category, source     string
		blob                 []byte
		createdAt, updatedAt int64
		archivedAt           sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.Summary, &topics, &category, &m.ContextStreamID, &m.Confidence,
		&m.RetrievalCount, &source, &blob, &m.EmbeddingModel, &createdAt, &updatedAt, &archivedAt, &m.SupersededBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(topics), &m.Topics); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	if len(blob) > 0 {
		if m.Embedding, err = vector.Decode(blob); err != nil {
			return nil, err
		}
	}
	m.Category = Category(category)
	m.Source = Source(source)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	if archivedAt.Valid {
		t := fromMillis(archivedAt.Int64)
		m.ArchivedAt = &t
	}
	return &m, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
