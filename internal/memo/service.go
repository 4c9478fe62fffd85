package memo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/classify"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
	"github.com/stellarlinkco/lorekeeper/internal/provider"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
	"github.com/stellarlinkco/lorekeeper/internal/vector"
)

const (
	vocabularySize     = 50
	maxReinforceChecks = 10
	userConfidence     = 0.9
)

type Provider interface {
	Embed(ctx context.Context, workspaceID, text string) (*provider.Embedding, error)
	Chat(ctx context.Context, workspaceID string, req provider.ChatRequest) (*provider.ChatResult, error)
}

// Messages is what the memo stage reads from the chat side.
type Messages interface {
	chat.Messages
	MessageVector(ctx context.Context, messageID string) ([]float32, error)
	MarkKnowledgeExtracted(ctx context.Context, streamID string, at time.Time) error
}

// RetrievalSink is told which anchor events were surfaced by a search.
type RetrievalSink interface {
	MemoRetrieved(ctx context.Context, workspaceID string, anchorEventIDs []string) error
}

type Options struct {
	Window chat.Window
	Now    func() time.Time
}

// Service runs memo evaluation and retrieval on top of Store and Index.
type Service struct {
	store    *Store
	index    *Index
	provider Provider
	messages Messages
	sink     RetrievalSink
	window   chat.Window
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(store *Store, index *Index, p Provider, messages Messages, opts Options) *Service {
	s := &Service{
		store:    store,
		index:    index,
		provider: p,
		messages: messages,
		window:   opts.Window,
		now:      opts.Now,
		log:      logging.For("memo"),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.window.BeforeCount == 0 && s.window.AfterCount == 0 {
		s.window = chat.Window{Before: 10 * time.Minute, After: 3 * time.Minute, BeforeCount: 5, AfterCount: 3}
	}
	return s
}

// SetRetrievalSink is separate from NewService because the sink usually
// enqueues jobs and is built after the service.
func (s *Service) SetRetrievalSink(sink RetrievalSink) {
	s.sink = sink
}

func (s *Service) Store() *Store {
	return s.store
}

// Rebuild loads every active memo embedding into the index.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	memos, err := s.store.Active(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range memos {
		if err := s.index.Put(ctx, m); err != nil {
			return 0, err
		}
	}
	s.log.Info().Int("memos", len(memos)).Msg("memo index rebuilt")
	return len(memos), nil
}

// Overlaps finds active memos above the overlap threshold, most similar first.
func (s *Service) Overlaps(ctx context.Context, workspaceID string, emb []float32, candidateAt time.Time) ([]Overlap, error) {
	matches, err := s.index.Query(ctx, workspaceID, emb, MaxOverlaps)
	if err != nil {
		return nil, err
	}
	var out []Overlap
	for _, match := range matches {
		if match.Similarity <= OverlapThreshold {
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
		out = append(out, newOverlap(m, match.Similarity, candidateAt))
	}
	return out, nil
}

func (s *Service) Handle(ctx context.Context, job *queue.Job, p queue.CreateMemoPayload) error {
	_, err := s.Evaluate(ctx, p)
	return err
}

// Evaluate turns anchor events into a memo change. Redelivery of an already
// anchored event is a skip.
func (s *Service) Evaluate(ctx context.Context, p queue.CreateMemoPayload) (Decision, error) {
	log := s.log.With().Str("workspace", p.WorkspaceID).Strs("anchors", p.AnchorEventIDs).Logger()

	msgs, err := s.anchorMessages(ctx, p.AnchorEventIDs)
	if err != nil {
		return Decision{}, err
	}
	if len(msgs) == 0 {
		return s.skip(log, "anchor messages not found"), nil
	}
	primary := msgs[0]

	existing, err := s.store.ByAnchor(ctx, primary.EventID)
	switch {
	case err == nil:
		// the store write may have landed without the index write or the
		// stream mark; redo both, they are idempotent
		if err := s.reindex(ctx, existing); err != nil {
			return Decision{}, err
		}
		if p.StreamID != "" {
			if err := s.messages.MarkKnowledgeExtracted(ctx, p.StreamID, s.now()); err != nil {
				return Decision{}, fmt.Errorf("mark stream extracted: %w", err)
			}
		}
		return s.skip(log.With().Str("memo", existing.ID).Logger(), "event already anchored"), nil
	case !errors.Is(err, ErrNotFound):
		return Decision{}, err
	}

	before, after, err := s.messages.Neighbors(ctx, primary, s.window)
	if err != nil {
		return Decision{}, fmt.Errorf("memo context: %w", err)
	}
	surrounding := append(before, after...)

	worth := ScoreWorthiness(primary, surrounding)
	if !worth.ShouldCreate {
		log.Debug().Int("score", worth.Score).Str("reason", worth.Reason).Msg("not memo material")
		return s.skip(log, worth.Reason), nil
	}

	content := joinContent(msgs)
	emb, err := s.candidateVector(ctx, p.WorkspaceID, primary, len(msgs), content)
	if errors.Is(err, provider.ErrBudgetExceeded) {
		log.Warn().Msg("budget exceeded, memo evaluation abandoned")
		return s.skip(log, "budget exceeded"), nil
	}
	if err != nil {
		return Decision{}, err
	}

	overlaps, err := s.Overlaps(ctx, p.WorkspaceID, emb.Vector, primary.CreatedAt)
	if err != nil {
		return Decision{}, err
	}

	if target := s.reinforcement(ctx, overlaps, emb.Vector); target != nil {
		if _, err := s.store.Evolve(ctx, target.ID, primary.EventID, ReinforceBump, 1); err != nil {
			return Decision{}, fmt.Errorf("reinforce memo: %w", err)
		}
		d := Decision{Action: ActionReinforce, Target: target, Reason: "near duplicate of an anchored event"}
		return d, s.settle(ctx, log, p, d)
	}

	d := Decide(overlaps)
	switch d.Action {
	case ActionSkip:
		metrics.MemoDecisions.WithLabelValues(string(d.Action)).Inc()
		log.Info().Str("memo", d.Target.ID).Float64("similarity", d.Similarity).Msg(d.Reason)
		return d, nil

	case ActionMerge:
		if _, err := s.store.Evolve(ctx, d.Target.ID, primary.EventID, MergeBump, 0); err != nil {
			return Decision{}, fmt.Errorf("merge memo: %w", err)
		}

	case ActionCreate, ActionSupersede:
		m, err := s.compose(ctx, p, primary, content, surrounding, worth, emb, d)
		if errors.Is(err, provider.ErrBudgetExceeded) {
			log.Warn().Msg("budget exceeded, memo creation abandoned")
			return s.skip(log, "budget exceeded"), nil
		}
		if err != nil {
			return Decision{}, err
		}
		if d.Action == ActionSupersede {
			if err := s.store.Supersede(ctx, d.Target.ID, m); err != nil {
				return Decision{}, fmt.Errorf("supersede memo: %w", err)
			}
			if err := s.index.Remove(ctx, p.WorkspaceID, d.Target.ID); err != nil {
				return Decision{}, err
			}
		} else if err := s.store.Create(ctx, m); err != nil {
			return Decision{}, fmt.Errorf("create memo: %w", err)
		}
		if err := s.index.Put(ctx, m); err != nil {
			return Decision{}, err
		}
		log = log.With().Str("created", m.ID).Logger()
	}
	return d, s.settle(ctx, log, p, d)
}

func (s *Service) reindex(ctx context.Context, m *Memo) error {
	if m.Archived() {
		return s.index.Remove(ctx, m.WorkspaceID, m.ID)
	}
	return s.index.Put(ctx, m)
}

func (s *Service) settle(ctx context.Context, log zerolog.Logger, p queue.CreateMemoPayload, d Decision) error {
	metrics.MemoDecisions.WithLabelValues(string(d.Action)).Inc()
	ev := log.Info().Str("action", string(d.Action)).Float64("similarity", d.Similarity)
	if d.Target != nil {
		ev = ev.Str("memo", d.Target.ID)
	}
	ev.Msg(d.Reason)

	if p.StreamID == "" {
		return nil
	}
	if err := s.messages.MarkKnowledgeExtracted(ctx, p.StreamID, s.now()); err != nil {
		return fmt.Errorf("mark stream extracted: %w", err)
	}
	return nil
}

func (s *Service) skip(log zerolog.Logger, reason string) Decision {
	metrics.MemoDecisions.WithLabelValues(string(ActionSkip)).Inc()
	log.Debug().Str("reason", reason).Msg("memo evaluation skipped")
	return Decision{Action: ActionSkip, Reason: reason}
}

func (s *Service) compose(ctx context.Context, p queue.CreateMemoPayload, primary *chat.Message, content string,
	surrounding []chat.Message, worth Worthiness, emb *provider.Embedding, d Decision) (*Memo, error) {
	vocab, err := s.store.Vocabulary(ctx, p.WorkspaceID, vocabularySize)
	if err != nil {
		return nil, err
	}
	draft, err := s.draft(ctx, p.WorkspaceID, content, classify.Transcript(surrounding), vocab)
	if err != nil {
		return nil, fmt.Errorf("draft memo: %w", err)
	}

	m := &Memo{
		WorkspaceID:     p.WorkspaceID,
		Summary:         draft.Summary,
		Topics:          draft.Topics,
		Category:        draft.Category,
		AnchorEventIDs:  dedupe(p.AnchorEventIDs),
		ContextStreamID: firstNonEmpty(p.StreamID, primary.StreamID),
		Confidence:      worth.Confidence,
		Source:          ParseSource(p.Source),
		Embedding:       emb.Vector,
		EmbeddingModel:  emb.Model,
	}
	if m.Source == SourceUser {
		m.Confidence = userConfidence
	}
	if d.Action == ActionSupersede {
		if len(d.Target.Topics) > 0 {
			m.Topics = append([]string(nil), d.Target.Topics...)
		}
		if d.Target.Category != "" && d.Target.Category != CategoryOther {
			m.Category = d.Target.Category
		}
	}
	return m, nil
}

// candidateVector reuses the enriched message vector for single-anchor
// candidates and embeds otherwise.
func (s *Service) candidateVector(ctx context.Context, workspaceID string, primary *chat.Message, anchors int, content string) (*provider.Embedding, error) {
	if anchors == 1 {
		v, err := s.messages.MessageVector(ctx, primary.ID)
		if err == nil && len(v) > 0 {
			return &provider.Embedding{Vector: v}, nil
		}
		if err != nil && !errors.Is(err, chat.ErrNotFound) {
			return nil, err
		}
	}
	text := content
	if primary.ContextualHeader != "" {
		text = primary.ContextualHeader + "\n\n" + content
	}
	emb, err := s.provider.Embed(ctx, workspaceID, text)
	if err != nil {
		return nil, fmt.Errorf("embed candidate: %w", err)
	}
	return emb, nil
}

// reinforcement compares the candidate with the stored vectors of events
// already anchored to an overlapping memo.
func (s *Service) reinforcement(ctx context.Context, overlaps []Overlap, emb []float32) *Memo {
	for _, o := range overlaps {
		for i, eventID := range o.Memo.AnchorEventIDs {
			if i == maxReinforceChecks {
				break
			}
			msg, err := s.messages.MessageByEvent(ctx, eventID)
			if err != nil {
				continue
			}
			v, err := s.messages.MessageVector(ctx, msg.ID)
			if err != nil {
				continue
			}
			sim, err := vector.Cosine(emb, v)
			if err != nil {
				continue
			}
			if sim >= ReinforceThreshold {
				return o.Memo
			}
		}
	}
	return nil
}

func (s *Service) anchorMessages(ctx context.Context, eventIDs []string) ([]*chat.Message, error) {
	var out []*chat.Message
	for _, id := range dedupe(eventIDs) {
		m, err := s.messages.MessageByEvent(ctx, id)
		if errors.Is(err, chat.ErrNotFound) {
			s.log.Debug().Str("event", id).Msg("anchor message not found")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load anchor %s: %w", id, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func joinContent(msgs []*chat.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, strings.TrimSpace(m.Content))
	}
	return strings.Join(parts, "\n\n")
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
