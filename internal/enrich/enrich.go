// Package enrich upgrades engaged messages: it writes a short contextual
// header from the surrounding conversation and re-embeds the message with
// that header so retrieval matches what the message is about.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
	"github.com/stellarlinkco/lorekeeper/internal/provider"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
)

const (
	ReactionThreshold = 2
	ReplyThreshold    = 2

	CapabilityHeader = "enrich_header"

	maxHeaderRunes   = 300
	headerMaxTokens  = 120
	memoSource       = "system"
	memoDedupWindow  = time.Hour
	headerSeparator  = "\n\n"
	headerSystemText = `You write one short sentence that says what a chat message is about, using the conversation around it.
Name the concrete subject (system, decision, procedure, problem). Do not quote the message. Answer with the sentence only.`
)

// Outcomes reported by Run.
const (
	OutcomeEnriched        = "enriched"
	OutcomeHeaderFailed    = "header_failed"
	OutcomeAlreadyEnriched = "already_enriched"
	OutcomeBelowTrigger    = "below_trigger"
	OutcomeAgentAuthored   = "agent_authored"
	OutcomeBudgetExceeded  = "budget_exceeded"
)

// ShouldEnrich reports whether the engagement signals justify enrichment.
func ShouldEnrich(s chat.Signals) bool {
	return s.Reactions >= ReactionThreshold || s.Replies >= ReplyThreshold || s.Retrieved
}

// DefaultWindow bounds context to 5 messages in the 10 minutes before and 3
// messages in the 3 minutes after.
func DefaultWindow() chat.Window {
	return chat.Window{Before: 10 * time.Minute, After: 3 * time.Minute, BeforeCount: 5, AfterCount: 3}
}

type Provider interface {
	Chat(ctx context.Context, workspaceID string, req provider.ChatRequest) (*provider.ChatResult, error)
	Embed(ctx context.Context, workspaceID, text string) (*provider.Embedding, error)
}

type Store interface {
	chat.Messages
	chat.Enrichments
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts queue.EnqueueOptions) (string, error)
}

type Stage struct {
	provider Provider
	store    Store
	queue    Enqueuer
	window   chat.Window
	log      zerolog.Logger
}

func NewStage(p Provider, store Store, q Enqueuer, window chat.Window) *Stage {
	if window.BeforeCount == 0 && window.AfterCount == 0 {
		window = DefaultWindow()
	}
	return &Stage{
		provider: p,
		store:    store,
		queue:    q,
		window:   window,
		log:      logging.For("enrich"),
	}
}

func (s *Stage) Handle(ctx context.Context, job *queue.Job, p queue.EnrichPayload) error {
	_, err := s.Run(ctx, p)
	return err
}

// Run enriches one message and returns the outcome label.
func (s *Stage) Run(ctx context.Context, p queue.EnrichPayload) (string, error) {
	log := s.log.With().Str("workspace", p.WorkspaceID).Str("message", p.TextMessageID).Logger()

	msg, err := s.store.Message(ctx, p.TextMessageID)
	if err != nil {
		return "", fmt.Errorf("enrich: %w", err)
	}
	if msg.IsAgentAuthored() {
		return s.finish(log, OutcomeAgentAuthored), nil
	}

	signals, err := s.store.MergeSignals(ctx, msg.ID, p.Signals)
	if err != nil {
		return "", fmt.Errorf("enrich: %w", err)
	}
	if msg.EnrichmentTier >= chat.TierEnriched {
		return s.finish(log, OutcomeAlreadyEnriched), nil
	}
	if !ShouldEnrich(signals) && msg.Classification != chat.VerdictKnowledge {
		return s.finish(log, OutcomeBelowTrigger), nil
	}

	before, after, err := s.store.Neighbors(ctx, msg, s.window)
	if err != nil {
		return "", fmt.Errorf("enrich context: %w", err)
	}

	header, err := s.header(ctx, p.WorkspaceID, msg, before, after)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn().Err(err).Msg("contextual header failed, marking attempted")
		if err := s.store.SetEnrichment(ctx, msg.ID, chat.TierAttempted, "", "", nil); err != nil {
			return "", fmt.Errorf("mark attempted: %w", err)
		}
		return s.finish(log, OutcomeHeaderFailed), nil
	}

	emb, err := s.provider.Embed(ctx, p.WorkspaceID, header+headerSeparator+msg.Content)
	if errors.Is(err, provider.ErrBudgetExceeded) {
		log.Warn().Msg("budget exceeded before re-embedding")
		if err := s.store.SetEnrichment(ctx, msg.ID, chat.TierAttempted, header, "", nil); err != nil {
			return "", fmt.Errorf("mark attempted: %w", err)
		}
		return s.finish(log, OutcomeBudgetExceeded), nil
	}
	if err != nil {
		return "", fmt.Errorf("re-embed: %w", err)
	}

	if err := s.store.SetEnrichment(ctx, msg.ID, chat.TierEnriched, header, emb.Model, emb.Vector); err != nil {
		return "", fmt.Errorf("store enrichment: %w", err)
	}

	_, err = s.queue.Enqueue(ctx, queue.CreateMemoPayload{
		WorkspaceID:    p.WorkspaceID,
		AnchorEventIDs: []string{msg.EventID},
		StreamID:       msg.StreamID,
		Source:         memoSource,
	}, queue.EnqueueOptions{
		Priority:    queue.PriorityNormal,
		DedupKey:    "memo:" + msg.EventID,
		DedupWindow: memoDedupWindow,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue memo evaluation: %w", err)
	}
	log.Info().Str("header", header).Msg("message enriched")
	return s.finish(log, OutcomeEnriched), nil
}

func (s *Stage) finish(log zerolog.Logger, outcome string) string {
	metrics.EnrichmentOutcomes.WithLabelValues(outcome).Inc()
	if outcome != OutcomeEnriched && outcome != OutcomeHeaderFailed {
		log.Debug().Str("outcome", outcome).Msg("enrichment skipped")
	}
	return outcome
}

func (s *Stage) header(ctx context.Context, workspaceID string, msg *chat.Message, before, after []chat.Message) (string, error) {
	res, err := s.provider.Chat(ctx, workspaceID, provider.ChatRequest{
		System:     headerSystemText,
		Messages:   []model.Message{{Role: "user", Content: headerPrompt(msg, before, after)}},
		MaxTokens:  headerMaxTokens,
		Capability: CapabilityHeader,
	})
	if err != nil {
		return "", err
	}
	header := cleanHeader(res.Content)
	if header == "" {
		return "", errors.New("empty header")
	}
	return header, nil
}

func headerPrompt(msg *chat.Message, before, after []chat.Message) string {
	var b strings.Builder
	writeLines := func(label string, ms []chat.Message) {
		if len(ms) == 0 {
			return
		}
		b.WriteString(label)
		b.WriteString(":\n")
		for _, m := range ms {
			fmt.Fprintf(&b, "%s: %s\n", m.AuthorID, strings.TrimSpace(m.Content))
		}
		b.WriteString("\n")
	}
	writeLines("Before", before)
	b.WriteString("Message:\n")
	fmt.Fprintf(&b, "%s: %s\n\n", msg.AuthorID, strings.TrimSpace(msg.Content))
	writeLines("After", after)
	return strings.TrimSpace(b.String())
}

func cleanHeader(raw string) string {
	h := strings.TrimSpace(raw)
	if i := strings.IndexByte(h, '\n'); i >= 0 {
		h = strings.TrimSpace(h[:i])
	}
	h = strings.Trim(h, "\"'` ")
	if r := []rune(h); len(r) > maxHeaderRunes {
		h = string(r[:maxHeaderRunes])
	}
	return h
}
