package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
)

const (
	threadDedupWindow  = 30 * time.Minute
	threadTranscriptAt = 200
	sweepBatch         = 200
)

type ThreadSource interface {
	chat.Streams
	StreamMessages(ctx context.Context, streamID string, limit int) ([]chat.Message, error)
}

// ThreadSweeper finds threads that went quiet and queues them for
// classification as a whole.
type ThreadSweeper struct {
	source   ThreadSource
	queue    Enqueuer
	policy   DebouncePolicy
	lookback time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewThreadSweeper(source ThreadSource, q Enqueuer, policy DebouncePolicy, lookback time.Duration) *ThreadSweeper {
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &ThreadSweeper{
		source:   source,
		queue:    q,
		policy:   policy,
		lookback: lookback,
		now:      time.Now,
		log:      logging.For("classify.sweep"),
	}
}

func (s *ThreadSweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep enqueues every settled thread and returns how many were queued.
func (s *ThreadSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	threads, err := s.source.ThreadsActiveSince(ctx, now.Add(-s.lookback), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("sweep threads: %w", err)
	}

	queued := 0
	for i := range threads {
		thread := &threads[i]
		ok, reason := s.policy.ShouldClassify(thread, now)
		if !ok {
			s.log.Debug().Str("stream", thread.ID).Str("reason", reason).Msg("thread not ready")
			continue
		}

		messages, err := s.source.StreamMessages(ctx, thread.ID, threadTranscriptAt)
		if err != nil {
			return queued, fmt.Errorf("load thread %s: %w", thread.ID, err)
		}
		transcript := Transcript(messages)
		if transcript == "" {
			continue
		}

		id, err := s.queue.Enqueue(ctx, queue.ClassifyPayload{
			WorkspaceID:   thread.WorkspaceID,
			StreamID:      thread.ID,
			Content:       transcript,
			ContentType:   queue.ContentThread,
			ReactionCount: maxReactions(messages),
		}, queue.EnqueueOptions{
			Priority:    queue.PriorityLow,
			DedupKey:    "classify:thread:" + thread.ID,
			DedupWindow: threadDedupWindow,
		})
		if err != nil {
			return queued, fmt.Errorf("enqueue thread %s: %w", thread.ID, err)
		}
		if id != "" {
			queued++
		}
	}

	if queued > 0 {
		s.log.Info().Int("queued", queued).Int("scanned", len(threads)).Msg("thread sweep")
	}
	return queued, nil
}

func maxReactions(messages []chat.Message) int {
	n := 0
	for _, m := range messages {
		if m.Signals.Reactions > n {
			n = m.Signals.Reactions
		}
	}
	return n
}
