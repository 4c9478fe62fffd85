package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(filepath.Join(t.TempDir(), "lorekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func seedMessage(t *testing.T, e *Engine, stream string, content string, at time.Time) *chat.Message {
	t.Helper()
	m := &chat.Message{WorkspaceID: "ws", StreamID: stream, AuthorID: "u1", Content: content, CreatedAt: at}
	require.NoError(t, e.SaveMessage(context.Background(), m))
	return m
}

func TestNewEngineReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lorekeeper.db")
	e, err := NewEngine(path)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := NewEngine(path)
	require.NoError(t, err)
	defer e2.Close()

	var mode string
	require.NoError(t, e2.DB().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSaveAndLoadMessage(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	m := seedMessage(t, e, "s1", "hello", at)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, m.ID, m.EventID)

	got, err := e.Message(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, chat.AuthorUser, got.AuthorType)
	assert.True(t, got.CreatedAt.Equal(at))

	byEvent, err := e.MessageByEvent(ctx, m.EventID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, byEvent.ID)

	_, err = e.Message(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSaveMessageKeepsPipelineColumns(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m := seedMessage(t, e, "s1", "first", time.Now())
	require.NoError(t, e.SetClassification(ctx, m.ID, chat.VerdictKnowledge))
	require.NoError(t, e.SetEnrichment(ctx, m.ID, chat.TierAttempted, "", "", nil))

	m.Content = "edited"
	require.NoError(t, e.SaveMessage(ctx, m))

	got, err := e.Message(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, chat.VerdictKnowledge, got.Classification)
	assert.Equal(t, chat.TierAttempted, got.EnrichmentTier)
}

func TestNeighborsWindow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	seedMessage(t, e, "s1", "too old", base.Add(-11*time.Minute))
	for i := 6; i >= 1; i-- {
		seedMessage(t, e, "s1", "before", base.Add(-time.Duration(i)*time.Minute))
	}
	target := seedMessage(t, e, "s1", "target", base)
	seedMessage(t, e, "s1", "after-1", base.Add(time.Minute))
	seedMessage(t, e, "s1", "after-2", base.Add(2*time.Minute))
	seedMessage(t, e, "s1", "too late", base.Add(4*time.Minute))
	seedMessage(t, e, "other", "other stream", base.Add(time.Second))

	before, after, err := e.Neighbors(ctx, target, chat.Window{
		Before: 10 * time.Minute, After: 3 * time.Minute, BeforeCount: 5, AfterCount: 3,
	})
	require.NoError(t, err)

	require.Len(t, before, 5)
	for i := 1; i < len(before); i++ {
		assert.True(t, before[i-1].CreatedAt.Before(before[i].CreatedAt), "before must be oldest first")
	}
	assert.True(t, before[4].CreatedAt.Equal(base.Add(-time.Minute)))

	require.Len(t, after, 2)
	assert.Equal(t, "after-1", after[0].Content)
	assert.Equal(t, "after-2", after[1].Content)
}

func TestMergeSignalsKeepsMaximum(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	m := seedMessage(t, e, "s1", "x", time.Now())

	got, err := e.MergeSignals(ctx, m.ID, chat.Signals{Reactions: 4, Retrieved: true})
	require.NoError(t, err)
	assert.Equal(t, chat.Signals{Reactions: 4, Retrieved: true}, got)

	got, err = e.MergeSignals(ctx, m.ID, chat.Signals{Reactions: 2, Replies: 3})
	require.NoError(t, err)
	assert.Equal(t, chat.Signals{Reactions: 4, Replies: 3, Retrieved: true}, got)

	_, err = e.MergeSignals(ctx, "missing", chat.Signals{Reactions: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetEnrichmentTierNeverDecreases(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	m := seedMessage(t, e, "s1", "x", time.Now())

	require.NoError(t, e.SetEnrichment(ctx, m.ID, chat.TierEnriched, "Deploy notes", "nomic", []float32{1, 0, 0}))
	require.NoError(t, e.SetEnrichment(ctx, m.ID, chat.TierAttempted, "", "", nil))

	got, err := e.Message(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.TierEnriched, got.EnrichmentTier)
	assert.Equal(t, "Deploy notes", got.ContextualHeader)

	vec, err := e.MessageVector(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)

	require.NoError(t, e.SetEnrichment(ctx, m.ID, chat.TierEnriched, "Deploy notes v2", "nomic", []float32{0, 1, 0}))
	vec, err = e.MessageVector(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, vec)

	assert.ErrorIs(t, e.SetEnrichment(ctx, "missing", chat.TierAttempted, "", "", nil), ErrNotFound)
	_, err = e.MessageVector(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStreamBookkeeping(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, e.SaveStream(ctx, &chat.Stream{ID: "t1", WorkspaceID: "ws", Type: chat.StreamThread, Name: "incident", LastActivityAt: base}))
	require.NoError(t, e.SaveStream(ctx, &chat.Stream{ID: "c1", WorkspaceID: "ws", Name: "general", LastActivityAt: base}))

	require.NoError(t, e.TouchStream(ctx, "t1", base.Add(time.Minute)))
	require.NoError(t, e.TouchStream(ctx, "t1", base.Add(-time.Hour)))

	s, err := e.Stream(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.EventCount)
	assert.True(t, s.LastActivityAt.Equal(base.Add(time.Minute)))
	assert.Nil(t, s.LastClassifiedAt)

	// renaming keeps counters
	require.NoError(t, e.SaveStream(ctx, &chat.Stream{ID: "t1", WorkspaceID: "ws", Type: chat.StreamThread, Name: "incident-42"}))
	s, err = e.Stream(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "incident-42", s.Name)
	assert.Equal(t, 2, s.EventCount)

	threads, err := e.ThreadsActiveSince(ctx, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "t1", threads[0].ID)

	require.NoError(t, e.RecordClassification(ctx, "t1", chat.VerdictKnowledge, base.Add(2*time.Minute)))
	first := base.Add(3 * time.Minute)
	require.NoError(t, e.MarkKnowledgeExtracted(ctx, "t1", first))
	require.NoError(t, e.MarkKnowledgeExtracted(ctx, "t1", first.Add(time.Hour)))

	s, err = e.Stream(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, s.LastClassifiedAt)
	assert.Equal(t, chat.VerdictKnowledge, s.ClassificationResult)
	require.NotNil(t, s.KnowledgeExtractedAt)
	assert.True(t, s.KnowledgeExtractedAt.Equal(first))

	_, err = e.Stream(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAnnotations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Annotate(ctx, chat.Annotation{WorkspaceID: "ws", StreamID: "s1", Kind: "knowledge_suggestion", Body: "Deploy checklist"}))
	require.NoError(t, e.Annotate(ctx, chat.Annotation{WorkspaceID: "ws", StreamID: "s1", Kind: "knowledge_suggestion", Body: "Second"}))

	got, err := e.Annotations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Deploy checklist", got[0].Body)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestPostResponseIsAgentAuthored(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SaveStream(ctx, &chat.Stream{ID: "s1", WorkspaceID: "ws"}))

	eventID, err := e.PostResponse(ctx, chat.Response{WorkspaceID: "ws", StreamID: "s1", Content: "answer"})
	require.NoError(t, err)

	m, err := e.MessageByEvent(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, m.IsAgentAuthored())
	assert.Equal(t, "answer", m.Content)

	s, err := e.Stream(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.EventCount)
}

func TestUsageLedgerAndBudget(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, e.RecordUsage(ctx, chat.UsageRecord{WorkspaceID: "ws", Model: "claude", Capability: "chat", InputTokens: 100, OutputTokens: 50, CostCents: 1.5, CreatedAt: now}))
	require.NoError(t, e.RecordUsage(ctx, chat.UsageRecord{WorkspaceID: "ws", Model: "claude", Capability: "chat", CostCents: 2, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, e.RecordUsage(ctx, chat.UsageRecord{WorkspaceID: "ws", Model: "local", Capability: "classify", CreatedAt: now}))
	// previous month is not counted
	require.NoError(t, e.RecordUsage(ctx, chat.UsageRecord{WorkspaceID: "ws", Model: "claude", Capability: "chat", CostCents: 99, CreatedAt: now.AddDate(0, -1, 0)}))
	require.NoError(t, e.RecordUsage(ctx, chat.UsageRecord{WorkspaceID: "other", Model: "claude", Capability: "chat", CostCents: 7, CreatedAt: now}))

	spend, err := e.MonthlySpendCents(ctx, "ws", now)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, spend, 1e-9)

	spend, err = e.MonthlySpendCents(ctx, "empty", now)
	require.NoError(t, err)
	assert.Zero(t, spend)

	summary, err := e.UsageByModel(ctx, "ws", now)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "claude", summary[0].Model)
	assert.Equal(t, 2, summary[0].Calls)

	_, ok, err := e.MonthlyLimitCents(ctx, "ws")
	require.NoError(t, err)
	assert.False(t, ok)

	e.SetDefaultMonthlyLimit(500)
	limit, ok, err := e.MonthlyLimitCents(ctx, "ws")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 500.0, limit)

	require.NoError(t, e.SetMonthlyLimit(ctx, "ws", 3))
	require.NoError(t, e.SetMonthlyLimit(ctx, "ws", 4))
	limit, ok, err = e.MonthlyLimitCents(ctx, "ws")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4.0, limit)
}

func TestMessagesCascadeVector(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	m := seedMessage(t, e, "s1", "x", time.Now())
	require.NoError(t, e.SetEnrichment(ctx, m.ID, chat.TierEnriched, "h", "nomic", []float32{1, 2}))

	_, err := e.DB().Exec(`DELETE FROM messages WHERE id = ?`, m.ID)
	require.NoError(t, err)

	var n int
	err = e.DB().QueryRow(`SELECT COUNT(*) FROM message_embeddings WHERE message_id = ?`, m.ID).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}
