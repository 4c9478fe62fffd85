// Package session records what the agent did while answering: one session
// per triggering event, one row per step. Sessions left running by a crashed
// process are failed by a staleness sweep.
package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// InterruptedMessage is the error recorded on sessions failed by the sweep.
const InterruptedMessage = "interrupted by restart"

type Status string

const (
	StatusActive      Status = "active"
	StatusSummarizing Status = "summarizing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusActive:      {StatusSummarizing, StatusFailed},
	StatusSummarizing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type StepType string

const (
	StepGatheringContext StepType = "gathering_context"
	StepReasoning        StepType = "reasoning"
	StepToolCall         StepType = "tool_call"
	StepSynthesizing     StepType = "synthesizing"
)

type StepStatus string

const (
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type Step struct {
	ID          string
	SessionID   string
	Seq         int
	Type        StepType
	Content     string
	ToolName    string
	ToolInput   string
	ToolResult  string
	Status      StepStatus
	StartedAt   time.Time
	CompletedAt *time.Time
}

type Session struct {
	ID                string
	WorkspaceID       string
	StreamID          string
	TriggeringEventID string
	ResponseEventID   string
	Status            Status
	Steps             []Step
	Summary           string
	ErrorMessage      string
	StartedAt         time.Time
	CompletedAt       *time.Time
	UpdatedAt         time.Time
}

// ActiveStep returns the step still running, if any.
func (s *Session) ActiveStep() *Step {
	for i := range s.Steps {
		if s.Steps[i].Status == StepActive {
			return &s.Steps[i]
		}
	}
	return nil
}

type StartParams struct {
	WorkspaceID       string
	StreamID          string
	TriggeringEventID string
}

type StepInput struct {
	Type      StepType
	Content   string
	ToolName  string
	ToolInput string
}
