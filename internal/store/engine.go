// Package store is the sqlite adapter for the chat-side records the pipeline
// touches. It also owns the database handle that the queue, memo and session
// packages share.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/chat"
	_ "modernc.org/sqlite"
)

var ErrNotFound = chat.ErrNotFound

type Engine struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time

	defaultLimitCents float64
}

// NewEngine opens (creating if needed) the sqlite database at dbPath.
func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db, now: time.Now}
	if err := e.ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// dsn sets the pragmas per connection; a plain PRAGMA exec would only reach
// one connection of the pool. _txlock=immediate takes the write lock at BEGIN
// so concurrent writers wait on busy_timeout instead of failing on upgrade.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (e *Engine) ping() error {
	if err := e.db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (e *Engine) DB() *sql.DB {
	return e.db
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// SetDefaultMonthlyLimit applies to workspaces without an explicit budget row.
func (e *Engine) SetDefaultMonthlyLimit(cents float64) {
	e.defaultLimitCents = cents
}

// SetClock overrides the time source used for timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'channel',
			name TEXT NOT NULL DEFAULT '',
			root_message_id TEXT NOT NULL DEFAULT '',
			event_count INTEGER NOT NULL DEFAULT 0,
			last_activity_at INTEGER NOT NULL DEFAULT 0,
			last_classified_at INTEGER,
			classification_result TEXT NOT NULL DEFAULT '',
			knowledge_extracted_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_activity ON streams(type, last_activity_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			author_id TEXT NOT NULL DEFAULT '',
			author_type TEXT NOT NULL DEFAULT 'user',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			reactions INTEGER NOT NULL DEFAULT 0,
			replies INTEGER NOT NULL DEFAULT 0,
			retrieved INTEGER NOT NULL DEFAULT 0,
			helpful INTEGER NOT NULL DEFAULT 0,
			enrichment_tier INTEGER NOT NULL DEFAULT 0,
			contextual_header TEXT NOT NULL DEFAULT '',
			classification TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_stream ON messages(stream_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id TEXT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			vector BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stream_annotations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_annotations_stream ON stream_annotations(stream_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS ai_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL,
			model TEXT NOT NULL,
			capability TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_cents REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_workspace ON ai_usage(workspace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workspace_budgets (
			workspace_id TEXT PRIMARY KEY,
			monthly_limit_cents REAL NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullableMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
