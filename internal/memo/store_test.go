package memo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *store.Engine, *clock) {
	t.Helper()
	e, err := store.NewEngine(filepath.Join(t.TempDir(), "lorekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	s, err := NewStore(e.DB())
	require.NoError(t, err)
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s.SetClock(c.Now)
	return s, e, c
}

func TestCreateAndGet(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	m := &Memo{
		WorkspaceID:    "ws",
		Summary:        "Deploys happen on Fridays",
		Topics:         []string{"deploys", "release"},
		Category:       CategoryDecision,
		AnchorEventIDs: []string{"ev1", "ev2"},
		Confidence:     0.6,
		Source:         SourceSystem,
		Embedding:      []float32{1, 0, 0},
	}
	require.NoError(t, s.Create(ctx, m))
	require.NotEmpty(t, m.ID)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Summary, got.Summary)
	assert.Equal(t, []string{"deploys", "release"}, got.Topics)
	assert.Equal(t, []string{"ev1", "ev2"}, got.AnchorEventIDs)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.Nil(t, got.ArchivedAt)

	byAnchor, err := s.ByAnchor(ctx, "ev2")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byAnchor.ID)

	_, err = s.ByAnchor(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	vocab, err := s.Vocabulary(ctx, "ws", 0)
	require.NoError(t, err)
	assert.Len(t, vocab, 2)
}

func TestCreateRequiresAnchor(t *testing.T) {
	s, _, _ := newTestStore(t)
	assert.Error(t, s.Create(context.Background(), &Memo{WorkspaceID: "ws", Summary: "x"}))
}

func TestVocabularyCountsUsage(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Memo{WorkspaceID: "ws", Summary: "a", Topics: []string{"k8s"}, AnchorEventIDs: []string{"e1"}}))
	require.NoError(t, s.Create(ctx, &Memo{WorkspaceID: "ws", Summary: "b", Topics: []string{"k8s", "helm"}, AnchorEventIDs: []string{"e2"}}))
	require.NoError(t, s.Create(ctx, &Memo{WorkspaceID: "other", Summary: "c", Topics: []string{"helm"}, AnchorEventIDs: []string{"e3"}}))

	vocab, err := s.Vocabulary(ctx, "ws", 10)
	require.NoError(t, err)
	assert.Equal(t, []Tag{{Name: "k8s", UsageCount: 2}, {Name: "helm", UsageCount: 1}}, vocab)
}

func TestEvolveAppendsAnchorAndCapsConfidence(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	m := &Memo{WorkspaceID: "ws", Summary: "a", AnchorEventIDs: []string{"e1"}, Confidence: 0.98}
	require.NoError(t, s.Create(ctx, m))

	got, err := s.Evolve(ctx, m.ID, "e2", MergeBump, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, got.AnchorEventIDs)
	assert.Equal(t, 1.0, got.Confidence)

	got, err = s.Evolve(ctx, m.ID, "e2", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, got.AnchorEventIDs)
	assert.Equal(t, 1, got.RetrievalCount)

	_, err = s.Evolve(ctx, "missing", "e3", MergeBump, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupersedeRoundTrip(t *testing.T) {
	s, _, c := newTestStore(t)
	ctx := context.Background()

	old := &Memo{
		WorkspaceID:    "ws",
		Summary:        "Backups run nightly",
		Topics:         []string{"backups"},
		Category:       CategoryReference,
		AnchorEventIDs: []string{"e1"},
		Confidence:     0.5,
	}
	require.NoError(t, s.Create(ctx, old))

	c.Advance(time.Hour)
	replacement := &Memo{
		WorkspaceID:    "ws",
		Summary:        "Backups run hourly since May",
		Topics:         old.Topics,
		Category:       old.Category,
		AnchorEventIDs: []string{"e9"},
		Confidence:     0.6,
	}
	require.NoError(t, s.Supersede(ctx, old.ID, replacement))

	archived, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)
	assert.True(t, archived.ArchivedAt.Equal(c.now))
	assert.Equal(t, replacement.ID, archived.SupersededBy)

	fresh, err := s.Get(ctx, replacement.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"backups"}, fresh.Topics)
	assert.Equal(t, CategoryReference, fresh.Category)
	assert.Nil(t, fresh.ArchivedAt)

	// archived memos are immutable from here on
	c.Advance(time.Hour)
	_, err = s.Evolve(ctx, old.ID, "e10", MergeBump, 1)
	assert.ErrorIs(t, err, ErrArchived)
	err = s.Supersede(ctx, old.ID, &Memo{WorkspaceID: "ws", Summary: "again", AnchorEventIDs: []string{"e11"}})
	assert.ErrorIs(t, err, ErrArchived)
	require.NoError(t, s.IncrementRetrieval(ctx, []string{old.ID}))

	again, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, archived, again)

	// the failed supersede left no orphan behind
	active, err := s.List(ctx, "ws", false, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, replacement.ID, active[0].ID)

	all, err := s.List(ctx, "ws", true, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byAnchor, err := s.ByAnchor(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, old.ID, byAnchor.ID)
}

func TestActiveSkipsArchivedAndUnembedded(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	a := &Memo{WorkspaceID: "ws", Summary: "a", AnchorEventIDs: []string{"e1"}, Embedding: []float32{1, 0}}
	b := &Memo{WorkspaceID: "ws", Summary: "b", AnchorEventIDs: []string{"e2"}}
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.Supersede(ctx, a.ID, &Memo{WorkspaceID: "ws", Summary: "c", AnchorEventIDs: []string{"e3"}, Embedding: []float32{0, 1}}))

	active, err := s.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c", active[0].Summary)
}
