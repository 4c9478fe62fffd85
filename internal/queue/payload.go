package queue

import (
	"encoding/json"
	"fmt"

	"github.com/stellarlinkco/lorekeeper/internal/chat"
)

type Type string

const (
	TypeClassify   Type = "classify"
	TypeEnrich     Type = "enrich"
	TypeCreateMemo Type = "create-memo"
	TypeRespond    Type = "respond"
)

// Payload is the closed set of job payloads. The job type is derived from
// the payload, so a job can never carry a payload of the wrong kind.
type Payload interface {
	JobType() Type
	isPayload()
}

// Classify content types.
const (
	ContentMessage = "message"
	ContentThread  = "thread"
)

type ClassifyPayload struct {
	WorkspaceID   string `json:"workspaceId"`
	StreamID      string `json:"streamId,omitempty"`
	EventID       string `json:"eventId,omitempty"`
	TextMessageID string `json:"textMessageId,omitempty"`
	Content       string `json:"content"`
	ContentType   string `json:"contentType"`
	ReactionCount int    `json:"reactionCount,omitempty"`
}

type EnrichPayload struct {
	WorkspaceID   string       `json:"workspaceId"`
	TextMessageID string       `json:"textMessageId"`
	EventID       string       `json:"eventId"`
	Signals       chat.Signals `json:"signals"`
}

type CreateMemoPayload struct {
	WorkspaceID    string   `json:"workspaceId"`
	AnchorEventIDs []string `json:"anchorEventIds"`
	StreamID       string   `json:"streamId"`
	Source         string   `json:"source"`
}

type RespondPayload struct {
	WorkspaceID string `json:"workspaceId"`
	StreamID    string `json:"streamId"`
	EventID     string `json:"eventId"`
	MentionedBy string `json:"mentionedBy"`
	Question    string `json:"question"`
	Mode        string `json:"mode,omitempty"`
}

func (ClassifyPayload) JobType() Type   { return TypeClassify }
func (EnrichPayload) JobType() Type     { return TypeEnrich }
func (CreateMemoPayload) JobType() Type { return TypeCreateMemo }
func (RespondPayload) JobType() Type    { return TypeRespond }

func (ClassifyPayload) isPayload()   {}
func (EnrichPayload) isPayload()     {}
func (CreateMemoPayload) isPayload() {}
func (RespondPayload) isPayload()    {}

func decodePayload(t Type, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeClassify:
		var v ClassifyPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeEnrich:
		var v EnrichPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeCreateMemo:
		var v CreateMemoPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeRespond:
		var v RespondPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
