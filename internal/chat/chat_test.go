package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalsMergeKeepsMaximum(t *testing.T) {
	stored := Signals{Reactions: 4, Replies: 1, Retrieved: true}
	incoming := Signals{Reactions: 2, Replies: 3, Helpful: true}

	got := stored.Merge(incoming)
	assert.Equal(t, Signals{Reactions: 4, Replies: 3, Retrieved: true, Helpful: true}, got)

	// replaying the same signal is a no-op
	assert.Equal(t, got, got.Merge(incoming))
}

func TestIsAgentAuthored(t *testing.T) {
	assert.True(t, (&Message{AuthorType: AuthorAgent}).IsAgentAuthored())
	assert.False(t, (&Message{AuthorType: AuthorUser}).IsAgentAuthored())
}
