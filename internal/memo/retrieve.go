package memo

import (
	"context"
	"errors"
	"fmt"
)

// MinRelevance is the lowest similarity a search hit may have.
const MinRelevance = 0.3

type Hit struct {
	Memo       *Memo
	Similarity float64
}

// Search embeds the query and returns the most relevant active memos. Each
// hit counts as a retrieval and its anchors are reported to the sink.
func (s *Service) Search(ctx context.Context, workspaceID, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = MaxOverlaps
	}
	emb, err := s.provider.Embed(ctx, workspaceID, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.index.Query(ctx, workspaceID, emb.Vector, limit)
	if err != nil {
		return nil, err
	}

	var (
		hits    []Hit
		ids     []string
		anchors []string
	)
	for _, match := range matches {
		if match.Similarity < MinRelevance {
			continue
		}
		m, err := s.store.Get(ctx, match.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.Archived() {
			continue
		}
		m.RetrievalCount++
		hits = append(hits, Hit{Memo: m, Similarity: match.Similarity})
		ids = append(ids, m.ID)
		anchors = append(anchors, m.AnchorEventIDs...)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	if err := s.store.IncrementRetrieval(ctx, ids); err != nil {
		return nil, err
	}
	if s.sink != nil {
		if err := s.sink.MemoRetrieved(ctx, workspaceID, dedupe(anchors)); err != nil {
			s.log.Warn().Err(err).Msg("report retrieved anchors")
		}
	}
	return hits, nil
}
