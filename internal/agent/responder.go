// Package agent answers mentions. Every run is recorded step by step in the
// session tracker so a crashed run can be recognised and replayed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/bus"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/classify"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/memo"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
	"github.com/stellarlinkco/lorekeeper/internal/provider"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
	"github.com/stellarlinkco/lorekeeper/internal/session"
)

const (
	DefaultMaxToolIterations = 3
	DefaultMemoLimit         = 5
	CapabilityRespond        = "agent_respond"

	ModeBrief = "brief"

	BudgetFallback = "I can't look into this right now: the workspace has used up its AI budget for this month."
	ErrorFallback  = "Sorry, something went wrong while I was working on this. Please ask again in a little while."

	answerMaxTokens = 1024
	briefMaxTokens  = 256
	summaryRunes    = 200
)

var errEmptyAnswer = errors.New("model returned an empty answer")

type Provider interface {
	Chat(ctx context.Context, workspaceID string, req provider.ChatRequest) (*provider.ChatResult, error)
}

type Retriever interface {
	Search(ctx context.Context, workspaceID, query string, limit int) ([]memo.Hit, error)
}

type Messages interface {
	MessageByEvent(ctx context.Context, eventID string) (*chat.Message, error)
	Neighbors(ctx context.Context, m *chat.Message, w chat.Window) (before, after []chat.Message, err error)
	chat.Responses
}

type Sessions interface {
	CreateOrResume(ctx context.Context, p session.StartParams) (*session.Session, bool, error)
	ResetForRecovery(ctx context.Context, sessionID string) (*session.Session, error)
	AddStep(ctx context.Context, sessionID string, in session.StepInput) (string, error)
	CompleteStep(ctx context.Context, stepID, result string, failed bool) error
	UpdateStatus(ctx context.Context, sessionID string, to session.Status, errorMessage string) error
	SetResponse(ctx context.Context, sessionID, responseEventID, summary string) error
}

// Publisher mirrors posted replies to outbound channels.
type Publisher interface {
	PublishOutbound(msg bus.OutboundMessage) bool
}

type Options struct {
	MaxToolIterations int
	MemoLimit         int
	Window            chat.Window
	Publisher         Publisher
}

type Responder struct {
	provider      Provider
	memos         Retriever
	messages      Messages
	sessions      Sessions
	publisher     Publisher
	maxIterations int
	memoLimit     int
	window        chat.Window
	log           zerolog.Logger
}

func NewResponder(p Provider, memos Retriever, messages Messages, sessions Sessions, opts Options) *Responder {
	r := &Responder{
		provider:      p,
		memos:         memos,
		messages:      messages,
		sessions:      sessions,
		publisher:     opts.Publisher,
		maxIterations: opts.MaxToolIterations,
		memoLimit:     opts.MemoLimit,
		window:        opts.Window,
		log:           logging.For("agent"),
	}
	if r.maxIterations <= 0 {
		r.maxIterations = DefaultMaxToolIterations
	}
	if r.memoLimit <= 0 {
		r.memoLimit = DefaultMemoLimit
	}
	if r.window == (chat.Window{}) {
		r.window = chat.Window{Before: 30 * time.Minute, BeforeCount: 10}
	}
	return r
}

func (r *Responder) Handle(ctx context.Context, job *queue.Job, p queue.RespondPayload) error {
	return r.Run(ctx, p, job.FinalAttempt())
}

// Run answers one mention. A completed session for the event makes it a
// no-op; any other existing session is reset and replayed. Budget
// exhaustion and failures of the final attempt post a fallback reply and
// succeed; earlier failures are returned for retry.
func (r *Responder) Run(ctx context.Context, p queue.RespondPayload, finalAttempt bool) error {
	log := r.log.With().Str("event", p.EventID).Str("stream", p.StreamID).Logger()

	sess, isNew, err := r.sessions.CreateOrResume(ctx, session.StartParams{
		WorkspaceID:       p.WorkspaceID,
		StreamID:          p.StreamID,
		TriggeringEventID: p.EventID,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if !isNew {
		if sess.Status == session.StatusCompleted {
			metrics.AgentRuns.WithLabelValues("duplicate").Inc()
			log.Debug().Str("session", sess.ID).Msg("mention already answered")
			return nil
		}
		log.Info().Str("session", sess.ID).Str("status", string(sess.Status)).Msg("replaying interrupted session")
		if sess, err = r.sessions.ResetForRecovery(ctx, sess.ID); err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
	}

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	err = r.respond(ctx, sess, p)
	if err == nil {
		metrics.AgentRuns.WithLabelValues("completed").Inc()
		log.Info().Str("session", sess.ID).Msg("mention answered")
		return nil
	}
	return r.fail(ctx, sess, p, err, finalAttempt)
}

func (r *Responder) respond(ctx context.Context, sess *session.Session, p queue.RespondPayload) error {
	transcript, hits, err := r.gather(ctx, sess.ID, p)
	if err != nil {
		return err
	}

	answer, err := r.reason(ctx, sess.ID, p, transcript, hits)
	if err != nil {
		return err
	}

	if err := r.sessions.UpdateStatus(ctx, sess.ID, session.StatusSummarizing, ""); err != nil {
		return err
	}
	stepID, err := r.sessions.AddStep(ctx, sess.ID, session.StepInput{Type: session.StepSynthesizing, Content: answer})
	if err != nil {
		return err
	}
	eventID, err := r.post(ctx, sess.ID, p, answer, false)
	if err != nil {
		_ = r.sessions.CompleteStep(ctx, stepID, err.Error(), true)
		return err
	}
	if err := r.sessions.CompleteStep(ctx, stepID, eventID, false); err != nil {
		return err
	}
	if err := r.sessions.SetResponse(ctx, sess.ID, eventID, summarize(answer)); err != nil {
		return err
	}
	return r.sessions.UpdateStatus(ctx, sess.ID, session.StatusCompleted, "")
}

// gather loads the conversation around the mention and the memos closest to
// the question.
func (r *Responder) gather(ctx context.Context, sessionID string, p queue.RespondPayload) (string, []memo.Hit, error) {
	stepID, err := r.sessions.AddStep(ctx, sessionID, session.StepInput{
		Type:    session.StepGatheringContext,
		Content: p.Question,
	})
	if err != nil {
		return "", nil, err
	}

	var transcript string
	trigger, err := r.messages.MessageByEvent(ctx, p.EventID)
	switch {
	case errors.Is(err, chat.ErrNotFound):
	case err != nil:
		_ = r.sessions.CompleteStep(ctx, stepID, err.Error(), true)
		return "", nil, fmt.Errorf("load mention: %w", err)
	default:
		before, _, err := r.messages.Neighbors(ctx, trigger, r.window)
		if err != nil {
			_ = r.sessions.CompleteStep(ctx, stepID, err.Error(), true)
			return "", nil, fmt.Errorf("load context: %w", err)
		}
		transcript = classify.Transcript(append(before, *trigger))
	}

	hits, err := r.memos.Search(ctx, p.WorkspaceID, p.Question, r.memoLimit)
	if err != nil {
		_ = r.sessions.CompleteStep(ctx, stepID, err.Error(), true)
		return "", nil, fmt.Errorf("search memos: %w", err)
	}

	result := fmt.Sprintf("%d context lines, %d memos", lineCount(transcript), len(hits))
	if err := r.sessions.CompleteStep(ctx, stepID, result, false); err != nil {
		return "", nil, err
	}
	return transcript, hits, nil
}

// reason runs the tool loop. After maxIterations rounds of tool calls the
// model is asked once more without tools so it has to answer.
func (r *Responder) reason(ctx context.Context, sessionID string, p queue.RespondPayload, transcript string, hits []memo.Hit) (string, error) {
	msgs := []model.Message{{Role: "user", Content: questionPrompt(p, transcript, hits)}}
	maxTokens := answerMaxTokens
	if p.Mode == ModeBrief {
		maxTokens = briefMaxTokens
	}

	for round := 0; ; round++ {
		tools := toolDefinitions()
		if round >= r.maxIterations {
			tools = nil
		}
		stepID, err := r.sessions.AddStep(ctx, sessionID, session.StepInput{
			Type:    session.StepReasoning,
			Content: fmt.Sprintf("round %d", round+1),
		})
		if err != nil {
			return "", err
		}

		res, err := r.provider.Chat(ctx, p.WorkspaceID, provider.ChatRequest{
			System:     systemPrompt(p.Mode),
			Messages:   msgs,
			Tools:      tools,
			MaxTokens:  maxTokens,
			Capability: CapabilityRespond,
		})
		if err != nil {
			_ = r.sessions.CompleteStep(ctx, stepID, err.Error(), true)
			return "", err
		}
		if err := r.sessions.CompleteStep(ctx, stepID, res.Content, false); err != nil {
			return "", err
		}

		if len(res.ToolCalls) == 0 || tools == nil {
			answer := strings.TrimSpace(res.Content)
			if answer == "" {
				return "", errEmptyAnswer
			}
			return answer, nil
		}

		assistant := res.Message
		assistant.Role = "assistant"
		msgs = append(msgs, assistant)
		for _, call := range res.ToolCalls {
			result, err := r.callTool(ctx, sessionID, p.WorkspaceID, call)
			if err != nil {
				return "", err
			}
			msgs = append(msgs, model.Message{
				Role:      "tool",
				Content:   result,
				ToolCalls: []model.ToolCall{{ID: call.ID, Name: call.Name, Result: result}},
			})
		}
	}
}

// callTool records a tool_call step around one tool run. Provider failures
// abort the run; bad arguments are reported back to the model.
func (r *Responder) callTool(ctx context.Context, sessionID, workspaceID string, call model.ToolCall) (string, error) {
	stepID, err := r.sessions.AddStep(ctx, sessionID, session.StepInput{
		Type:      session.StepToolCall,
		ToolName:  call.Name,
		ToolInput: encodeArgs(call.Arguments),
	})
	if err != nil {
		return "", err
	}

	result, toolErr := r.runTool(ctx, workspaceID, call)
	if toolErr != nil && result == "" {
		_ = r.sessions.CompleteStep(ctx, stepID, toolErr.Error(), true)
		return "", toolErr
	}
	if err := r.sessions.CompleteStep(ctx, stepID, result, toolErr != nil); err != nil {
		return "", err
	}
	return result, nil
}

func (r *Responder) fail(ctx context.Context, sess *session.Session, p queue.RespondPayload, cause error, finalAttempt bool) error {
	log := r.log.With().Str("session", sess.ID).Str("event", p.EventID).Logger()
	if ctx.Err() != nil {
		return cause
	}

	if err := r.sessions.UpdateStatus(ctx, sess.ID, session.StatusFailed, cause.Error()); err != nil {
		log.Warn().Err(err).Msg("mark session failed")
	}

	budget := errors.Is(cause, provider.ErrBudgetExceeded)
	if !budget && !finalAttempt {
		metrics.AgentRuns.WithLabelValues("failed").Inc()
		log.Warn().Err(cause).Msg("respond failed, will retry")
		return cause
	}

	text := ErrorFallback
	if budget {
		text = BudgetFallback
	}
	eventID, err := r.post(ctx, sess.ID, p, text, true)
	if err != nil {
		return fmt.Errorf("post fallback after %v: %w", cause, err)
	}
	if err := r.sessions.SetResponse(ctx, sess.ID, eventID, ""); err != nil {
		log.Warn().Err(err).Msg("record fallback response")
	}
	metrics.AgentRuns.WithLabelValues("fallback").Inc()
	log.Warn().Err(cause).Bool("budget", budget).Msg("posted fallback reply")
	return nil
}

func (r *Responder) post(ctx context.Context, sessionID string, p queue.RespondPayload, content string, fallback bool) (string, error) {
	eventID, err := r.messages.PostResponse(ctx, chat.Response{
		WorkspaceID:    p.WorkspaceID,
		StreamID:       p.StreamID,
		ReplyToEventID: p.EventID,
		SessionID:      sessionID,
		Content:        content,
		Fallback:       fallback,
	})
	if err != nil {
		return "", fmt.Errorf("post response: %w", err)
	}
	if r.publisher != nil {
		r.publisher.PublishOutbound(bus.OutboundMessage{
			WorkspaceID: p.WorkspaceID,
			StreamID:    p.StreamID,
			SessionID:   sessionID,
			EventID:     eventID,
			ReplyTo:     p.EventID,
			Content:     content,
			Fallback:    fallback,
		})
	}
	return eventID, nil
}

func summarize(answer string) string {
	line := strings.TrimSpace(strings.SplitN(answer, "\n", 2)[0])
	if r := []rune(line); len(r) > summaryRunes {
		return string(r[:summaryRunes])
	}
	return line
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
