package memo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Match is one index hit.
type Match struct {
	ID         string
	Similarity float64
}

// Index is the in-memory vector index over active memos. Each workspace gets
// one chromem collection per vector length, so memos embedded by tiers of
// different dimensions never meet in one similarity query. sqlite stays the
// source of truth; the index is rebuilt from stored embeddings at start-up.
type Index struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[indexKey]*chromem.Collection
}

type indexKey struct {
	workspaceID string
	dim         int
}

func NewIndex() *Index {
	return &Index{
		db:          chromem.NewDB(),
		collections: make(map[indexKey]*chromem.Collection),
	}
}

var errCallerEmbeds = errors.New("memo index: embeddings are supplied by the caller")

// noEmbed keeps chromem from reaching for its default remote embedder.
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, errCallerEmbeds
}

func (x *Index) lookup(workspaceID string, dim int) *chromem.Collection {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.collections[indexKey{workspaceID, dim}]
}

func (x *Index) collection(workspaceID string, dim int) (*chromem.Collection, error) {
	if col := x.lookup(workspaceID, dim); col != nil {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	key := indexKey{workspaceID, dim}
	if col, ok := x.collections[key]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(fmt.Sprintf("memos_%s_%d", workspaceID, dim), nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("memo index collection: %w", err)
	}
	x.collections[key] = col
	return col, nil
}

// workspace returns every collection of a workspace.
func (x *Index) workspace(workspaceID string) []*chromem.Collection {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*chromem.Collection
	for key, col := range x.collections {
		if key.workspaceID == workspaceID {
			out = append(out, col)
		}
	}
	return out
}

// Put adds or replaces an active memo. Memos without an embedding are ignored.
// A memo re-embedded at another length moves to that length's collection.
func (x *Index) Put(ctx context.Context, m *Memo) error {
	if len(m.Embedding) == 0 || m.Archived() {
		return nil
	}
	dim := len(m.Embedding)
	own := x.lookup(m.WorkspaceID, dim)
	for _, col := range x.workspace(m.WorkspaceID) {
		if col == own {
			continue
		}
		if err := col.Delete(ctx, nil, nil, m.ID); err != nil {
			return fmt.Errorf("unindex memo %s: %w", m.ID, err)
		}
	}
	col, err := x.collection(m.WorkspaceID, dim)
	if err != nil {
		return err
	}
	// chromem normalises in place; hand it a copy
	emb := make([]float32, dim)
	copy(emb, m.Embedding)
	err = col.AddDocument(ctx, chromem.Document{
		ID:        m.ID,
		Content:   m.Summary,
		Embedding: emb,
		Metadata:  map[string]string{"source": string(m.Source), "category": string(m.Category), "model": m.EmbeddingModel},
	})
	if err != nil {
		return fmt.Errorf("index memo %s: %w", m.ID, err)
	}
	return nil
}

func (x *Index) Remove(ctx context.Context, workspaceID, id string) error {
	for _, col := range x.workspace(workspaceID) {
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("unindex memo %s: %w", id, err)
		}
	}
	return nil
}

// Query returns up to n memos of the workspace by descending cosine
// similarity. Only memos embedded at the query's length are candidates.
func (x *Index) Query(ctx context.Context, workspaceID string, emb []float32, n int) ([]Match, error) {
	if len(emb) == 0 {
		return nil, nil
	}
	col := x.lookup(workspaceID, len(emb))
	if col == nil {
		return nil, nil
	}
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	q := make([]float32, len(emb))
	copy(q, emb)
	results, err := col.QueryEmbedding(ctx, q, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query memo index: %w", err)
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		out = append(out, Match{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

// Len counts indexed memos of a workspace.
func (x *Index) Len(workspaceID string) int {
	n := 0
	for _, col := range x.workspace(workspaceID) {
		n += col.Count()
	}
	return n
}
