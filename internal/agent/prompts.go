package agent

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/lorekeeper/internal/memo"
	"github.com/stellarlinkco/lorekeeper/internal/queue"
)

const respondSystem = `You are the team's knowledge assistant inside a chat workspace.
Answer the question using the conversation and the knowledge memos provided.
If they are not enough, call search_memos with a focused query.
Say plainly when the workspace does not know the answer. Never invent facts.`

func systemPrompt(mode string) string {
	if mode == ModeBrief {
		return respondSystem + "\nKeep the answer to two or three sentences."
	}
	return respondSystem
}

func questionPrompt(p queue.RespondPayload, transcript string, hits []memo.Hit) string {
	var b strings.Builder
	if transcript != "" {
		b.WriteString("Conversation:\n")
		b.WriteString(transcript)
		b.WriteString("\n\n")
	}
	b.WriteString("Relevant memos:\n")
	b.WriteString(formatHits(hits))
	b.WriteString("\n\n")
	if p.MentionedBy != "" {
		fmt.Fprintf(&b, "Question from %s:\n", p.MentionedBy)
	} else {
		b.WriteString("Question:\n")
	}
	b.WriteString(strings.TrimSpace(p.Question))
	return b.String()
}
