// Package chat declares what the knowledge pipeline needs from the chat
// product around it: message and stream records, annotations, the usage
// ledger and a way to post agent replies. internal/store provides a sqlite
// implementation; an embedding product can supply its own.
package chat

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type AuthorType string

const (
	AuthorUser   AuthorType = "user"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

type StreamType string

const (
	StreamChannel StreamType = "channel"
	StreamThread  StreamType = "thread"
	StreamDM      StreamType = "dm"
)

// Classification verdicts stored on streams and messages.
const (
	VerdictKnowledge     = "knowledge_candidate"
	VerdictNotApplicable = "not_applicable"
)

// Enrichment tiers.
const (
	TierNone      = 0
	TierAttempted = 1
	TierEnriched  = 2
)

// Signals are the engagement counters the pipeline reacts to.
type Signals struct {
	Reactions int  `json:"reactions,omitempty"`
	Replies   int  `json:"replies,omitempty"`
	Retrieved bool `json:"retrieved,omitempty"`
	Helpful   bool `json:"helpful,omitempty"`
}

// Merge keeps the larger counter and ORs the flags so replays never lose signal.
func (s Signals) Merge(o Signals) Signals {
	out := s
	if o.Reactions > out.Reactions {
		out.Reactions = o.Reactions
	}
	if o.Replies > out.Replies {
		out.Replies = o.Replies
	}
	out.Retrieved = out.Retrieved || o.Retrieved
	out.Helpful = out.Helpful || o.Helpful
	return out
}

type Message struct {
	ID               string
	WorkspaceID      string
	StreamID         string
	EventID          string
	AuthorID         string
	AuthorType       AuthorType
	Content          string
	CreatedAt        time.Time
	Signals          Signals
	EnrichmentTier   int
	ContextualHeader string
	Classification   string
}

func (m *Message) IsAgentAuthored() bool {
	return m.AuthorType == AuthorAgent
}

type Stream struct {
	ID                   string
	WorkspaceID          string
	Type                 StreamType
	Name                 string
	RootMessageID        string
	EventCount           int
	LastActivityAt       time.Time
	LastClassifiedAt     *time.Time
	ClassificationResult string
	KnowledgeExtractedAt *time.Time
}

// Window bounds the context pulled around a message. It is time-boxed first
// and count-boxed second.
type Window struct {
	Before      time.Duration
	After       time.Duration
	BeforeCount int
	AfterCount  int
}

type Annotation struct {
	WorkspaceID string
	StreamID    string
	Kind        string
	Body        string
	CreatedAt   time.Time
}

type Response struct {
	WorkspaceID    string
	StreamID       string
	ReplyToEventID string
	SessionID      string
	Content        string
	Fallback       bool
}

type UsageRecord struct {
	WorkspaceID  string
	Model        string
	Capability   string
	InputTokens  int
	OutputTokens int
	CostCents    float64
	CreatedAt    time.Time
}

type Messages interface {
	Message(ctx context.Context, id string) (*Message, error)
	MessageByEvent(ctx context.Context, eventID string) (*Message, error)
	Neighbors(ctx context.Context, m *Message, w Window) (before, after []Message, err error)
	StreamMessages(ctx context.Context, streamID string, limit int) ([]Message, error)
}

type Enrichments interface {
	MergeSignals(ctx context.Context, messageID string, s Signals) (Signals, error)
	SetEnrichment(ctx context.Context, messageID string, tier int, header, model string, vector []float32) error
	MessageVector(ctx context.Context, messageID string) ([]float32, error)
	SetClassification(ctx context.Context, messageID, verdict string) error
}

type Streams interface {
	Stream(ctx context.Context, id string) (*Stream, error)
	ThreadsActiveSince(ctx context.Context, since time.Time, limit int) ([]Stream, error)
	RecordClassification(ctx context.Context, streamID, verdict string, at time.Time) error
	MarkKnowledgeExtracted(ctx context.Context, streamID string, at time.Time) error
}

type Annotations interface {
	Annotate(ctx context.Context, a Annotation) error
}

type Responses interface {
	PostResponse(ctx context.Context, r Response) (eventID string, err error)
}

type UsageLedger interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
	MonthlySpendCents(ctx context.Context, workspaceID string, now time.Time) (float64, error)
	MonthlyLimitCents(ctx context.Context, workspaceID string) (limit float64, ok bool, err error)
}
