// Package trigger turns chat signals into pipeline jobs.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/bus"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/enrich"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
)

const (
	EnrichDedupWindow   = time.Minute
	ClassifyDedupWindow = 5 * time.Minute
	RespondDedupWindow  = time.Hour
	RespondRetryLimit   = 2
)

type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts queue.EnqueueOptions) (string, error)
}

type Messages interface {
	Message(ctx context.Context, id string) (*chat.Message, error)
	MessageByEvent(ctx context.Context, eventID string) (*chat.Message, error)
	MergeSignals(ctx context.Context, messageID string, s chat.Signals) (chat.Signals, error)
	SaveMessage(ctx context.Context, m *chat.Message) error
	SaveStream(ctx context.Context, s *chat.Stream) error
	TouchStream(ctx context.Context, streamID string, at time.Time) error
	Stream(ctx context.Context, id string) (*chat.Stream, error)
}

type Producer struct {
	queue    Enqueuer
	messages Messages
	log      zerolog.Logger
}

func NewProducer(q Enqueuer, messages Messages) *Producer {
	return &Producer{queue: q, messages: messages, log: logging.For("trigger")}
}

func (p *Producer) Reaction(ctx context.Context, messageID string, reactions int) (string, error) {
	return p.engagement(ctx, messageID, chat.Signals{Reactions: reactions})
}

func (p *Producer) Reply(ctx context.Context, messageID string, replies int) (string, error) {
	return p.engagement(ctx, messageID, chat.Signals{Replies: replies})
}

func (p *Producer) Retrieved(ctx context.Context, messageID string) (string, error) {
	return p.engagement(ctx, messageID, chat.Signals{Retrieved: true})
}

func (p *Producer) Helpful(ctx context.Context, messageID string) (string, error) {
	return p.engagement(ctx, messageID, chat.Signals{Helpful: true})
}

// engagement records the signal on the message, then enqueues enrichment
// when the trigger holds or classification when the message has no verdict
// yet. It returns "" when nothing was enqueued.
func (p *Producer) engagement(ctx context.Context, messageID string, s chat.Signals) (string, error) {
	m, err := p.messages.Message(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("load message %s: %w", messageID, err)
	}
	if m.IsAgentAuthored() {
		return "", nil
	}
	merged, err := p.messages.MergeSignals(ctx, m.ID, s)
	if err != nil {
		return "", err
	}

	if enrich.ShouldEnrich(merged) {
		id, err := p.queue.Enqueue(ctx, queue.EnrichPayload{
			WorkspaceID:   m.WorkspaceID,
			TextMessageID: m.ID,
			EventID:       m.EventID,
			Signals:       merged,
		}, queue.EnqueueOptions{
			Priority:    queue.PriorityNormal,
			DedupKey:    "enrich:" + m.ID,
			DedupWindow: EnrichDedupWindow,
		})
		if err != nil {
			return "", fmt.Errorf("enqueue enrichment: %w", err)
		}
		return id, nil
	}

	if m.Classification != "" {
		p.log.Debug().Str("message", m.ID).Interface("signals", merged).Msg("below enrichment trigger, already classified")
		return "", nil
	}
	id, err := p.queue.Enqueue(ctx, queue.ClassifyPayload{
		WorkspaceID:   m.WorkspaceID,
		StreamID:      m.StreamID,
		EventID:       m.EventID,
		TextMessageID: m.ID,
		Content:       m.Content,
		ContentType:   queue.ContentMessage,
		ReactionCount: merged.Reactions,
	}, queue.EnqueueOptions{
		Priority:    queue.PriorityLow,
		DedupKey:    "classify:msg:" + m.ID,
		DedupWindow: ClassifyDedupWindow,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue classification: %w", err)
	}
	return id, nil
}

// RequestClassification enqueues a classify job as given.
func (p *Producer) RequestClassification(ctx context.Context, payload queue.ClassifyPayload) (string, error) {
	if payload.WorkspaceID == "" || payload.Content == "" {
		return "", errors.New("classify request: workspaceId and content are required")
	}
	if payload.ContentType == "" {
		payload.ContentType = queue.ContentMessage
	}
	opts := queue.EnqueueOptions{Priority: queue.PriorityNormal}
	if payload.TextMessageID != "" {
		opts.DedupKey = "classify:msg:" + payload.TextMessageID
		opts.DedupWindow = ClassifyDedupWindow
	}
	id, err := p.queue.Enqueue(ctx, payload, opts)
	if err != nil {
		return "", fmt.Errorf("enqueue classification: %w", err)
	}
	return id, nil
}

// Mention enqueues an agent response for the mentioning event.
func (p *Producer) Mention(ctx context.Context, payload queue.RespondPayload) (string, error) {
	if payload.WorkspaceID == "" || payload.StreamID == "" || payload.EventID == "" {
		return "", errors.New("mention: workspaceId, streamId and eventId are required")
	}
	id, err := p.queue.Enqueue(ctx, payload, queue.EnqueueOptions{
		Priority:    queue.PriorityUrgent,
		RetryLimit:  RespondRetryLimit,
		DedupKey:    "respond:" + payload.EventID,
		DedupWindow: RespondDedupWindow,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue response: %w", err)
	}
	return id, nil
}

// MemoRetrieved marks the anchors of memos the agent just used as retrieved
// so they get enriched.
func (p *Producer) MemoRetrieved(ctx context.Context, workspaceID string, anchorEventIDs []string) error {
	var errs []error
	for _, eventID := range anchorEventIDs {
		m, err := p.messages.MessageByEvent(ctx, eventID)
		if errors.Is(err, chat.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if m.WorkspaceID != workspaceID {
			continue
		}
		if _, err := p.engagement(ctx, m.ID, chat.Signals{Retrieved: true}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch routes a bus signal to the matching producer method.
func (p *Producer) Dispatch(ctx context.Context, s bus.Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var err error
	switch s.Kind {
	case bus.SignalReaction:
		_, err = p.Reaction(ctx, s.MessageID, s.Reactions)
	case bus.SignalReply:
		_, err = p.Reply(ctx, s.MessageID, s.Replies)
	case bus.SignalRetrieved:
		_, err = p.Retrieved(ctx, s.MessageID)
	case bus.SignalHelpful:
		_, err = p.Helpful(ctx, s.MessageID)
	case bus.SignalClassify:
		_, err = p.RequestClassification(ctx, queue.ClassifyPayload{
			WorkspaceID:   s.WorkspaceID,
			StreamID:      s.StreamID,
			EventID:       s.EventID,
			TextMessageID: s.MessageID,
			Content:       s.Content,
			ContentType:   s.ContentType,
			ReactionCount: s.Reactions,
		})
	case bus.SignalMessage:
		_, _, err = p.Ingest(ctx, s)
	case bus.SignalMention:
		_, err = p.Mention(ctx, queue.RespondPayload{
			WorkspaceID: s.WorkspaceID,
			StreamID:    s.StreamID,
			EventID:     s.EventID,
			MentionedBy: s.AuthorID,
			Question:    s.Content,
		})
	}
	if err != nil {
		return fmt.Errorf("%s signal: %w", s.Kind, err)
	}
	return nil
}

// Consume dispatches inbound bus signals until ctx is done. Failures are
// logged; the in-process bus has no redelivery.
func (p *Producer) Consume(ctx context.Context, b *bus.MessageBus) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-b.Inbound:
			if err := p.Dispatch(ctx, s); err != nil {
				p.log.Warn().Err(err).Str("kind", string(s.Kind)).Msg("signal dropped")
			}
		}
	}
}
