package memo

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/provider"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
	"github.com/stellarlinkco/lorekeeper/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memoText = "We decided to rotate the backup bucket key every 90 days.\n\n" +
	"- run `backupctl rotate`\n- update the vault entry\n\n```\nbackupctl rotate --bucket nightly\n```"

type fakeProvider struct {
	mu       sync.Mutex
	vector   []float32
	draft    string
	embedErr error
	chatErr  error
	chats    int
	embeds   int
}

func (f *fakeProvider) Embed(ctx context.Context, ws, text string) (*provider.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return &provider.Embedding{Vector: f.vector, Model: "embed-test"}, nil
}

func (f *fakeProvider) Chat(ctx context.Context, ws string, req provider.ChatRequest) (*provider.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats++
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &provider.ChatResult{Content: f.draft}, nil
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) MemoRetrieved(ctx context.Context, ws string, ids []string) error {
	r.events = append(r.events, ids...)
	return nil
}

// unit returns a 3-d unit vector whose cosine with (1, 0, 0) is sim.
func unit(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0}
}

type serviceFixture struct {
	engine   *store.Engine
	store    *Store
	index    *Index
	provider *fakeProvider
	service  *Service
	clock    *clock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	s, e, c := newTestStore(t)
	p := &fakeProvider{
		vector: []float32{1, 0, 0},
		draft:  `{"summary": "Rotate the backup bucket key every 90 days with backupctl.", "topics": ["Backups", "Security"], "category": "howto"}`,
	}
	idx := NewIndex()
	svc := NewService(s, idx, p, e, Options{Now: c.Now})
	return &serviceFixture{engine: e, store: s, index: idx, provider: p, service: svc, clock: c}
}

func (f *serviceFixture) message(t *testing.T, content string, at time.Time, vec []float32) *chat.Message {
	t.Helper()
	ctx := context.Background()
	m := &chat.Message{WorkspaceID: "ws", StreamID: "s1", AuthorID: "bob", Content: content, CreatedAt: at}
	require.NoError(t, f.engine.SaveMessage(ctx, m))
	if vec != nil {
		require.NoError(t, f.engine.SetEnrichment(ctx, m.ID, chat.TierEnriched, "Rotating backup keys", "embed-test", vec))
	}
	return m
}

// seed stores an existing memo anchored to an event without a stored vector.
func (f *serviceFixture) seed(t *testing.T, m *Memo) *Memo {
	t.Helper()
	if m.WorkspaceID == "" {
		m.WorkspaceID = "ws"
	}
	if len(m.AnchorEventIDs) == 0 {
		m.AnchorEventIDs = []string{"ev-" + m.Summary}
	}
	require.NoError(t, f.store.Create(context.Background(), m))
	require.NoError(t, f.index.Put(context.Background(), m))
	return m
}

func (f *serviceFixture) evaluate(t *testing.T, m *chat.Message, source string) Decision {
	t.Helper()
	d, err := f.service.Evaluate(context.Background(), queue.CreateMemoPayload{
		WorkspaceID: "ws", AnchorEventIDs: []string{m.EventID}, StreamID: "s1", Source: source,
	})
	require.NoError(t, err)
	return d
}

func TestEvaluateCreatesMemo(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SaveStream(ctx, &chat.Stream{ID: "s1", WorkspaceID: "ws", Type: chat.StreamThread}))
	m := f.message(t, memoText, f.clock.now, []float32{0, 0, 1})

	d := f.evaluate(t, m, "system")
	assert.Equal(t, ActionCreate, d.Action)
	assert.Zero(t, f.provider.embeds, "enriched vector is reused")
	assert.Equal(t, 1, f.provider.chats)

	created, err := f.store.ByAnchor(ctx, m.EventID)
	require.NoError(t, err)
	assert.Equal(t, "Rotate the backup bucket key every 90 days with backupctl.", created.Summary)
	assert.Equal(t, []string{"backups", "security"}, created.Topics)
	assert.Equal(t, CategoryHowTo, created.Category)
	assert.Equal(t, SourceSystem, created.Source)
	assert.Equal(t, "s1", created.ContextStreamID)
	assert.Greater(t, created.Confidence, 0.0)
	assert.Equal(t, 1, f.index.Len("ws"))

	stream, err := f.engine.Stream(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, stream.KnowledgeExtractedAt)

	// redelivery
	assert.Equal(t, ActionSkip, f.evaluate(t, m, "system").Action)
	assert.Equal(t, 1, f.provider.chats)
}

func TestRedeliveryRepairsIndexAndStream(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SaveStream(ctx, &chat.Stream{ID: "s1", WorkspaceID: "ws", Type: chat.StreamThread}))
	m := f.message(t, memoText, f.clock.now, []float32{0, 0, 1})

	// stored but never indexed, as after a failure between the two writes
	require.NoError(t, f.store.Create(ctx, &Memo{
		WorkspaceID: "ws", Summary: "rotate keys", AnchorEventIDs: []string{m.EventID}, Embedding: []float32{0, 0, 1},
	}))
	assert.Zero(t, f.index.Len("ws"))

	assert.Equal(t, ActionSkip, f.evaluate(t, m, "system").Action)
	assert.Equal(t, 1, f.index.Len("ws"))
	assert.Zero(t, f.provider.chats)

	stream, err := f.engine.Stream(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, stream.KnowledgeExtractedAt)
}

func TestEvaluateSupersedesLowConfidenceSystemMemo(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	old := f.seed(t, &Memo{
		Summary:    "old",
		Topics:     []string{"backups"},
		Category:   CategoryReference,
		Confidence: 0.5,
		Source:     SourceSystem,
		Embedding:  []float32{1, 0, 0},
		CreatedAt:  f.clock.now.Add(-24 * time.Hour),
	})

	m := f.message(t, memoText, f.clock.now, unit(0.94))
	d := f.evaluate(t, m, "system")
	require.Equal(t, ActionSupersede, d.Action)
	assert.Equal(t, old.ID, d.Target.ID)

	archived, err := f.store.Get(ctx, old.ID)
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)

	replacement, err := f.store.ByAnchor(ctx, m.EventID)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, archived.SupersededBy)
	assert.Equal(t, []string{"backups"}, replacement.Topics)
	assert.Equal(t, CategoryReference, replacement.Category)
	assert.Equal(t, 1, f.index.Len("ws"))
}

func TestEvaluateSkipsUserDuplicate(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(t, &Memo{Summary: "mine", Confidence: 0.4, Source: SourceUser, Embedding: []float32{1, 0, 0}})

	m := f.message(t, memoText, f.clock.now, unit(0.95))
	assert.Equal(t, ActionSkip, f.evaluate(t, m, "system").Action)
	assert.Zero(t, f.provider.chats)
}

func TestEvaluateMergesIntoSystemMemo(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	target := f.seed(t, &Memo{Summary: "sys", Confidence: 0.6, Source: SourceSystem, Embedding: []float32{1, 0, 0}})

	m := f.message(t, memoText, f.clock.now, unit(0.85))
	d := f.evaluate(t, m, "system")
	require.Equal(t, ActionMerge, d.Action)

	got, err := f.store.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.Contains(t, got.AnchorEventIDs, m.EventID)
	assert.InDelta(t, 0.65, got.Confidence, 1e-9)
	assert.Zero(t, f.provider.chats)
}

func TestEvaluateCreatesBesideUserMemo(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(t, &Memo{Summary: "mine", Confidence: 0.9, Source: SourceUser, Embedding: []float32{1, 0, 0}})

	m := f.message(t, memoText, f.clock.now, unit(0.85))
	assert.Equal(t, ActionCreate, f.evaluate(t, m, "system").Action)
	assert.Equal(t, 2, f.index.Len("ws"))
}

func TestEvaluateReinforcesNearDuplicateEvent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	anchored := f.message(t, memoText, f.clock.now.Add(-time.Hour), []float32{1, 0, 0})
	target := f.seed(t, &Memo{
		Summary: "user memo", Confidence: 0.9, Source: SourceUser,
		Embedding: []float32{1, 0, 0}, AnchorEventIDs: []string{anchored.EventID},
	})

	m := f.message(t, memoText+"\n(repost)", f.clock.now, unit(0.97))
	d := f.evaluate(t, m, "system")
	require.Equal(t, ActionReinforce, d.Action)

	got, err := f.store.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{anchored.EventID, m.EventID}, got.AnchorEventIDs)
	assert.Equal(t, 1, got.RetrievalCount)
}

func TestEvaluateSkipsUnworthyAndAgentMessages(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	short := f.message(t, "ok thanks", f.clock.now, nil)
	assert.Equal(t, ActionSkip, f.evaluate(t, short, "system").Action)

	agent := &chat.Message{WorkspaceID: "ws", StreamID: "s1", AuthorID: "agent", AuthorType: chat.AuthorAgent, Content: memoText}
	require.NoError(t, f.engine.SaveMessage(ctx, agent))
	assert.Equal(t, ActionSkip, f.evaluate(t, agent, "system").Action)

	d, err := f.service.Evaluate(ctx, queue.CreateMemoPayload{WorkspaceID: "ws", AnchorEventIDs: []string{"gone"}})
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, d.Action)

	assert.Zero(t, f.provider.chats)
	assert.Zero(t, f.provider.embeds)
}

func TestEvaluateBudgetExceededAbandons(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.provider.chatErr = provider.ErrBudgetExceeded
	m := f.message(t, memoText, f.clock.now, []float32{0, 1, 0})

	d := f.evaluate(t, m, "system")
	assert.Equal(t, ActionSkip, d.Action)
	_, err := f.store.ByAnchor(ctx, m.EventID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluateMalformedDraftFallsBack(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.draft = "sorry, I cannot do that"
	m := f.message(t, memoText, f.clock.now, nil)

	assert.Equal(t, ActionCreate, f.evaluate(t, m, "user").Action)
	assert.Equal(t, 1, f.provider.embeds)

	created, err := f.store.ByAnchor(context.Background(), m.EventID)
	require.NoError(t, err)
	assert.Equal(t, "We decided to rotate the backup bucket key every 90 days.", created.Summary)
	assert.Equal(t, CategoryOther, created.Category)
	assert.Equal(t, SourceUser, created.Source)
	assert.Equal(t, userConfidence, created.Confidence)
}

func TestProviderFailureIsReturned(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.embedErr = provider.ErrUnavailable
	m := f.message(t, memoText, f.clock.now, nil)

	_, err := f.service.Evaluate(context.Background(), queue.CreateMemoPayload{
		WorkspaceID: "ws", AnchorEventIDs: []string{m.EventID},
	})
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestSearchCountsRetrievals(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	sink := &recordingSink{}
	f.service.SetRetrievalSink(sink)

	hit := f.seed(t, &Memo{Summary: "hit", Source: SourceSystem, Embedding: []float32{1, 0, 0}, AnchorEventIDs: []string{"e1", "e2"}})
	f.seed(t, &Memo{Summary: "miss", Source: SourceSystem, Embedding: []float32{0, 0, 1}, AnchorEventIDs: []string{"e3"}})

	hits, err := f.service.Search(ctx, "ws", "how do we rotate keys", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, hit.ID, hits[0].Memo.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)

	got, err := f.store.Get(ctx, hit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetrievalCount)
	assert.Equal(t, []string{"e1", "e2"}, sink.events)
}

func TestRebuildRestoresIndex(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &Memo{WorkspaceID: "ws", Summary: "a", AnchorEventIDs: []string{"e1"}, Embedding: []float32{1, 0, 0}}))
	require.NoError(t, f.store.Create(ctx, &Memo{WorkspaceID: "ws2", Summary: "b", AnchorEventIDs: []string{"e2"}, Embedding: []float32{0, 1, 0}}))

	assert.Zero(t, f.index.Len("ws"))
	n, err := f.service.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.index.Len("ws"))
	assert.Equal(t, 1, f.index.Len("ws2"))
}

func TestWorthiness(t *testing.T) {
	at := time.Now()
	m := &chat.Message{AuthorID: "bob", Content: memoText, CreatedAt: at}
	w := ScoreWorthiness(m, nil)
	assert.True(t, w.ShouldCreate)
	assert.LessOrEqual(t, w.Confidence, 0.85)

	thanked := ScoreWorthiness(m, []chat.Message{{AuthorID: "alice", Content: "thanks, that fixed it", CreatedAt: at.Add(time.Minute)}})
	assert.Equal(t, w.Score+1, thanked.Score)

	selfThanks := ScoreWorthiness(m, []chat.Message{{AuthorID: "bob", Content: "thanks", CreatedAt: at.Add(time.Minute)}})
	assert.Equal(t, w.Score, selfThanks.Score)

	assert.False(t, ScoreWorthiness(&chat.Message{AuthorType: chat.AuthorAgent, Content: memoText}, nil).ShouldCreate)
	assert.False(t, ScoreWorthiness(&chat.Message{Content: "sounds good to me"}, nil).ShouldCreate)
}
