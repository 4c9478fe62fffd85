// Package classify decides whether a message or thread is worth turning
// into knowledge. A free structural pre-filter gates a local classifier,
// which escalates to the remote model only when it is not confident.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
	"github.com/stellarlinkco/lorekeeper/internal/provider"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
)

const (
	DefaultThreshold = 3

	// AnnotationKnowledge is the annotation kind appended for positive verdicts.
	AnnotationKnowledge = "knowledge_suggestion"

	enrichDedupWindow = time.Minute
)

type Classifier interface {
	Classify(ctx context.Context, workspaceID, text string) (provider.Verdict, error)
	ClassifyEscalate(ctx context.Context, workspaceID, text, surrounding string) (provider.Escalation, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts queue.EnqueueOptions) (string, error)
}

// Store is the slice of the chat collaborators the stage touches.
type Store interface {
	chat.Messages
	chat.Streams
	chat.Annotations
	SetClassification(ctx context.Context, messageID, verdict string) error
}

type Options struct {
	Threshold int
	Window    chat.Window
	// Debounce gates thread payloads; the zero value means DefaultDebouncePolicy.
	Debounce DebouncePolicy
	Now      func() time.Time
}

type Stage struct {
	classifier Classifier
	store      Store
	queue      Enqueuer
	threshold  int
	window     chat.Window
	debounce   DebouncePolicy
	now        func() time.Time
	log        zerolog.Logger
}

func NewStage(classifier Classifier, store Store, q Enqueuer, opts Options) *Stage {
	s := &Stage{
		classifier: classifier,
		store:      store,
		queue:      q,
		threshold:  opts.Threshold,
		window:     opts.Window,
		debounce:   opts.Debounce,
		now:        opts.Now,
		log:        logging.For("classify"),
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.debounce == (DebouncePolicy{}) {
		s.debounce = DefaultDebouncePolicy()
	}
	return s
}

// Outcome is what one classification run decided.
type Outcome struct {
	Prefiltered    bool
	Skipped        string
	Score          int
	IsKnowledge    bool
	Confidence     float64
	Tier           string
	SuggestedTitle string
}

// Handle is the queue handler for classify jobs.
func (s *Stage) Handle(ctx context.Context, job *queue.Job, p queue.ClassifyPayload) error {
	_, err := s.Run(ctx, p)
	return err
}

// Run classifies one payload. Provider failures are returned for retry; a
// spent budget is a soft skip.
func (s *Stage) Run(ctx context.Context, p queue.ClassifyPayload) (Outcome, error) {
	log := s.log.With().Str("workspace", p.WorkspaceID).Str("stream", p.StreamID).Str("message", p.TextMessageID).Logger()

	var msg *chat.Message
	if p.TextMessageID != "" {
		m, err := s.store.Message(ctx, p.TextMessageID)
		if err != nil {
			return Outcome{}, fmt.Errorf("classify: %w", err)
		}
		if m.IsAgentAuthored() {
			return Outcome{Skipped: "agent authored"}, nil
		}
		msg = m
		// redelivery: the verdict is already stored, only the follow-up may be missing
		switch m.Classification {
		case chat.VerdictNotApplicable:
			return Outcome{Skipped: "already classified"}, nil
		case chat.VerdictKnowledge:
			return Outcome{Skipped: "already classified", IsKnowledge: true}, s.enqueueEnrich(ctx, p.WorkspaceID, m, p.ReactionCount)
		}
	}

	var thread *chat.Stream
	if p.ContentType == queue.ContentThread && p.StreamID != "" {
		st, err := s.store.Stream(ctx, p.StreamID)
		if errors.Is(err, chat.ErrNotFound) {
			return Outcome{Skipped: "unknown thread"}, nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("classify: %w", err)
		}
		if ok, reason := s.debounce.ShouldClassify(st, s.now()); !ok {
			log.Debug().Str("reason", reason).Msg("thread not ready")
			return Outcome{Skipped: reason}, nil
		}
		thread = st
	}

	out := Outcome{Score: StructuralScore(p.Content, p.ReactionCount)}
	if out.Score < s.threshold {
		out.Prefiltered = true
		metrics.ClassificationVerdicts.WithLabelValues("prefiltered", "none").Inc()
		log.Debug().Int("score", out.Score).Int("threshold", s.threshold).Msg("below structural threshold, not classifying")
		return out, s.recordThread(ctx, thread, chat.VerdictNotApplicable)
	}

	verdict, err := s.classifier.Classify(ctx, p.WorkspaceID, p.Content)
	if errors.Is(err, provider.ErrBudgetExceeded) {
		log.Warn().Msg("budget exceeded, classification skipped")
		return Outcome{Score: out.Score, Skipped: "budget exceeded"}, s.recordThread(ctx, thread, "")
	}
	if err != nil {
		return out, fmt.Errorf("classify: %w", err)
	}
	out.Tier = "local"
	out.IsKnowledge = verdict.IsKnowledge
	out.Confidence = verdict.Confidence

	if !verdict.Confident {
		esc, err := s.classifier.ClassifyEscalate(ctx, p.WorkspaceID, p.Content, s.surrounding(ctx, msg))
		if errors.Is(err, provider.ErrBudgetExceeded) {
			log.Warn().Msg("budget exceeded, escalation skipped")
			return Outcome{Score: out.Score, Skipped: "budget exceeded"}, s.recordThread(ctx, thread, "")
		}
		if err != nil {
			return out, fmt.Errorf("classify escalate: %w", err)
		}
		out.Tier = "remote"
		out.IsKnowledge = esc.IsKnowledge
		out.Confidence = esc.Confidence
		out.SuggestedTitle = esc.SuggestedTitle
	}

	verdictLabel := chat.VerdictNotApplicable
	if out.IsKnowledge {
		verdictLabel = chat.VerdictKnowledge
	}
	metrics.ClassificationVerdicts.WithLabelValues(verdictLabel, out.Tier).Inc()
	log.Info().Str("verdict", verdictLabel).Str("tier", out.Tier).Float64("confidence", out.Confidence).Msg("classified")

	if err := s.persist(ctx, p, msg, verdictLabel, out); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Stage) persist(ctx context.Context, p queue.ClassifyPayload, msg *chat.Message, verdict string, out Outcome) error {
	now := s.now()

	target := msg
	if p.ContentType == queue.ContentThread && p.StreamID != "" {
		if err := s.store.RecordClassification(ctx, p.StreamID, verdict, now); err != nil {
			return fmt.Errorf("persist verdict: %w", err)
		}
		if target == nil {
			root, err := s.threadRoot(ctx, p.StreamID)
			if err != nil {
				return err
			}
			target = root
		}
	}
	if target != nil {
		if err := s.store.SetClassification(ctx, target.ID, verdict); err != nil {
			return fmt.Errorf("persist verdict: %w", err)
		}
	}

	if !out.IsKnowledge {
		return nil
	}

	if p.StreamID != "" {
		body := out.SuggestedTitle
		if body == "" {
			body = firstLine(p.Content, 120)
		}
		err := s.store.Annotate(ctx, chat.Annotation{
			WorkspaceID: p.WorkspaceID,
			StreamID:    p.StreamID,
			Kind:        AnnotationKnowledge,
			Body:        body,
			CreatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("annotate: %w", err)
		}
	}

	if target == nil {
		s.log.Debug().Str("stream", p.StreamID).Msg("positive verdict without a message to enrich")
		return nil
	}
	return s.enqueueEnrich(ctx, p.WorkspaceID, target, p.ReactionCount)
}

// recordThread stamps a thread that was looked at without a verdict so the
// sweeper waits out the recheck interval before queueing it again. An empty
// verdict keeps the previous result.
func (s *Stage) recordThread(ctx context.Context, thread *chat.Stream, verdict string) error {
	if thread == nil {
		return nil
	}
	if verdict == "" {
		verdict = thread.ClassificationResult
	}
	if err := s.store.RecordClassification(ctx, thread.ID, verdict, s.now()); err != nil {
		return fmt.Errorf("persist verdict: %w", err)
	}
	return nil
}

func (s *Stage) enqueueEnrich(ctx context.Context, workspaceID string, m *chat.Message, reactions int) error {
	signals := m.Signals
	if reactions > signals.Reactions {
		signals.Reactions = reactions
	}
	_, err := s.queue.Enqueue(ctx, queue.EnrichPayload{
		WorkspaceID:   workspaceID,
		TextMessageID: m.ID,
		EventID:       m.EventID,
		Signals:       signals,
	}, queue.EnqueueOptions{
		Priority:    queue.PriorityNormal,
		DedupKey:    "enrich:" + m.ID,
		DedupWindow: enrichDedupWindow,
	})
	if err != nil {
		return fmt.Errorf("enqueue enrichment: %w", err)
	}
	return nil
}

func (s *Stage) threadRoot(ctx context.Context, streamID string) (*chat.Message, error) {
	stream, err := s.store.Stream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if stream.RootMessageID == "" {
		return nil, nil
	}
	root, err := s.store.Message(ctx, stream.RootMessageID)
	if errors.Is(err, chat.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread root: %w", err)
	}
	return root, nil
}

// surrounding renders the message's neighbours for the escalation prompt.
// Context is best effort; a lookup failure only costs accuracy.
func (s *Stage) surrounding(ctx context.Context, m *chat.Message) string {
	if m == nil || (s.window.BeforeCount == 0 && s.window.AfterCount == 0) {
		return ""
	}
	before, after, err := s.store.Neighbors(ctx, m, s.window)
	if err != nil {
		s.log.Debug().Err(err).Str("message", m.ID).Msg("load neighbours for escalation")
		return ""
	}
	return Transcript(append(before, after...))
}

// Transcript renders messages one per line as "author: content".
func Transcript(messages []chat.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.IsAgentAuthored() {
			continue
		}
		b.WriteString(m.AuthorID)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func firstLine(text string, max int) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if r := []rune(line); len(r) > max {
		return string(r[:max]) + "..."
	}
	return line
}
