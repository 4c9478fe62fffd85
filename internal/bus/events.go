package bus

import (
	"errors"
	"fmt"
	"time"
)

type SignalKind string

const (
	SignalReaction  SignalKind = "reaction"
	SignalReply     SignalKind = "reply"
	SignalRetrieved SignalKind = "retrieved"
	SignalHelpful   SignalKind = "helpful"
	SignalClassify  SignalKind = "classify"
	SignalMention   SignalKind = "mention"
	// SignalMessage carries a new chat message to be stored.
	SignalMessage SignalKind = "message"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalReaction, SignalReply, SignalRetrieved, SignalHelpful, SignalClassify, SignalMention, SignalMessage:
		return true
	}
	return false
}

// Signal is something that happened in the chat product and may deserve
// pipeline work: a new message, engagement on a message, a classification
// request or an agent mention.
type Signal struct {
	Kind        SignalKind `json:"kind"`
	WorkspaceID string     `json:"workspaceId"`
	StreamID    string     `json:"streamId,omitempty"`
	MessageID   string     `json:"messageId,omitempty"`
	EventID     string     `json:"eventId,omitempty"`
	AuthorID    string     `json:"authorId,omitempty"`
	AuthorType  string     `json:"authorType,omitempty"`
	Content     string     `json:"content,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
	Reactions   int        `json:"reactions,omitempty"`
	Replies     int        `json:"replies,omitempty"`
	Timestamp   time.Time  `json:"timestamp,omitempty"`

	// StreamType, StreamName and ThreadRootID describe the stream of a
	// message signal. A thread without a root is rooted at its first message.
	StreamType   string `json:"streamType,omitempty"`
	StreamName   string `json:"streamName,omitempty"`
	ThreadRootID string `json:"threadRootId,omitempty"`
}

func (s Signal) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	if s.WorkspaceID == "" {
		return errors.New("signal: workspaceId is required")
	}
	switch s.Kind {
	case SignalMention:
		if s.EventID == "" || s.StreamID == "" {
			return errors.New("mention signal: streamId and eventId are required")
		}
	case SignalClassify:
		if s.Content == "" {
			return errors.New("classify signal: content is required")
		}
	case SignalMessage:
		if s.StreamID == "" || s.Content == "" {
			return errors.New("message signal: streamId and content are required")
		}
	default:
		if s.MessageID == "" {
			return fmt.Errorf("%s signal: messageId is required", s.Kind)
		}
	}
	return nil
}

// OutboundMessage is an agent reply on its way to the mirrors. An empty
// Channel goes to every subscriber.
type OutboundMessage struct {
	Channel     string
	WorkspaceID string
	StreamID    string
	SessionID   string
	EventID     string
	ReplyTo     string
	Content     string
	Fallback    bool
}
