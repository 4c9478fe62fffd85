package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/lorekeeper/internal/bus"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
)

// Ingest stores a message signal and its stream, then queues the follow-up:
// a channel message goes to classification, a thread reply counts as a reply
// on the thread root. Threads themselves are classified by the sweeper once
// they settle. Redelivery of a stored message only refreshes its content.
func (p *Producer) Ingest(ctx context.Context, s bus.Signal) (*chat.Message, string, error) {
	if s.Kind != bus.SignalMessage {
		return nil, "", fmt.Errorf("ingest: unexpected %s signal", s.Kind)
	}
	if err := s.Validate(); err != nil {
		return nil, "", err
	}

	stream, err := p.ensureStream(ctx, s)
	if err != nil {
		return nil, "", err
	}

	m := &chat.Message{
		ID:          s.MessageID,
		WorkspaceID: s.WorkspaceID,
		StreamID:    s.StreamID,
		EventID:     s.EventID,
		AuthorID:    s.AuthorID,
		AuthorType:  chat.AuthorType(s.AuthorType),
		Content:     s.Content,
		CreatedAt:   s.Timestamp,
	}
	seen, err := p.known(ctx, m)
	if err != nil {
		return nil, "", err
	}
	if err := p.messages.SaveMessage(ctx, m); err != nil {
		return nil, "", fmt.Errorf("ingest: %w", err)
	}
	if seen {
		return m, "", nil
	}
	if err := p.messages.TouchStream(ctx, stream.ID, m.CreatedAt); err != nil {
		return nil, "", fmt.Errorf("ingest: %w", err)
	}

	if stream.Type == chat.StreamThread && stream.RootMessageID == "" {
		stream.RootMessageID = m.ID
		if err := p.messages.SaveStream(ctx, stream); err != nil {
			return nil, "", fmt.Errorf("ingest: %w", err)
		}
	}
	if m.IsAgentAuthored() {
		return m, "", nil
	}

	if stream.Type == chat.StreamThread {
		if stream.RootMessageID == m.ID {
			return m, "", nil
		}
		id, err := p.threadReply(ctx, stream)
		return m, id, err
	}

	id, err := p.queue.Enqueue(ctx, queue.ClassifyPayload{
		WorkspaceID:   m.WorkspaceID,
		StreamID:      m.StreamID,
		EventID:       m.EventID,
		TextMessageID: m.ID,
		Content:       m.Content,
		ContentType:   queue.ContentMessage,
	}, queue.EnqueueOptions{
		Priority:    queue.PriorityLow,
		DedupKey:    "classify:msg:" + m.ID,
		DedupWindow: ClassifyDedupWindow,
	})
	if err != nil {
		return m, "", fmt.Errorf("enqueue classification: %w", err)
	}
	return m, id, nil
}

// known reports whether m was stored before, matching by id or by event id.
// A match by event adopts the stored id.
func (p *Producer) known(ctx context.Context, m *chat.Message) (bool, error) {
	var (
		existing *chat.Message
		err      error
	)
	switch {
	case m.ID != "":
		existing, err = p.messages.Message(ctx, m.ID)
	case m.EventID != "":
		existing, err = p.messages.MessageByEvent(ctx, m.EventID)
	default:
		return false, nil
	}
	if errors.Is(err, chat.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ingest: %w", err)
	}
	m.ID = existing.ID
	return true, nil
}

func (p *Producer) ensureStream(ctx context.Context, s bus.Signal) (*chat.Stream, error) {
	stream, err := p.messages.Stream(ctx, s.StreamID)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	stream = &chat.Stream{
		ID:             s.StreamID,
		WorkspaceID:    s.WorkspaceID,
		Type:           chat.StreamType(s.StreamType),
		Name:           s.StreamName,
		RootMessageID:  s.ThreadRootID,
		LastActivityAt: s.Timestamp,
	}
	if err := p.messages.SaveStream(ctx, stream); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return stream, nil
}

// threadReply records the current reply count on the thread root. The root
// may live in the thread or in the channel the thread hangs off.
func (p *Producer) threadReply(ctx context.Context, stream *chat.Stream) (string, error) {
	current, err := p.messages.Stream(ctx, stream.ID)
	if err != nil {
		return "", fmt.Errorf("ingest: %w", err)
	}
	root, err := p.messages.Message(ctx, stream.RootMessageID)
	if errors.Is(err, chat.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ingest: %w", err)
	}
	replies := current.EventCount
	if root.StreamID == stream.ID {
		replies--
	}
	if replies <= 0 {
		return "", nil
	}
	return p.Reply(ctx, root.ID, replies)
}
