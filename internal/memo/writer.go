package memo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/lorekeeper/internal/provider"
)

const (
	CapabilitySummarize = "memo_summary"

	draftMaxTokens = 400
	draftSystem    = `You turn a chat message into a knowledge memo for a team.
Answer with a JSON object: {"summary": string, "topics": [string], "category": string}.
summary: one or two sentences that stand on their own. topics: up to 5 short tags, prefer the existing tags listed.
category: one of decision, howto, reference, announcement, explanation, troubleshooting, other.`
)

// Draft is the model-written part of a memo.
type Draft struct {
	Summary  string
	Topics   []string
	Category Category
}

type draftAnswer struct {
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics"`
	Category string   `json:"category"`
}

// draft asks the chat model for summary, topics and category. Unusable
// output falls back to the first line of the content.
func (s *Service) draft(ctx context.Context, workspaceID, content, surrounding string, vocabulary []Tag) (Draft, error) {
	res, err := s.provider.Chat(ctx, workspaceID, provider.ChatRequest{
		System:     draftSystem,
		Messages:   []model.Message{{Role: "user", Content: draftPrompt(content, surrounding, vocabulary)}},
		MaxTokens:  draftMaxTokens,
		Capability: CapabilitySummarize,
	})
	if err != nil {
		return Draft{}, err
	}

	d, perr := parseDraft(res.Content)
	if perr != nil {
		s.log.Warn().Err(perr).Msg("unusable memo draft, using fallback summary")
		return Draft{Summary: fallbackSummary(content), Category: CategoryOther}, nil
	}
	d.Topics = NormalizeTopics(d.Topics, vocabulary)
	return d, nil
}

func parseDraft(content string) (Draft, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Draft{}, fmt.Errorf("no json object in draft")
	}
	var a draftAnswer
	if err := json.Unmarshal([]byte(content[start:end+1]), &a); err != nil {
		return Draft{}, fmt.Errorf("decode draft: %w", err)
	}
	summary := strings.TrimSpace(a.Summary)
	if summary == "" {
		return Draft{}, fmt.Errorf("draft has no summary")
	}
	return Draft{Summary: summary, Topics: a.Topics, Category: ParseCategory(a.Category)}, nil
}

func draftPrompt(content, surrounding string, vocabulary []Tag) string {
	var b strings.Builder
	if len(vocabulary) > 0 {
		names := make([]string, 0, len(vocabulary))
		for _, t := range vocabulary {
			names = append(names, t.Name)
		}
		b.WriteString("Existing tags: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n\n")
	}
	if surrounding != "" {
		b.WriteString("Conversation around it:\n")
		b.WriteString(surrounding)
		b.WriteString("\n\n")
	}
	b.WriteString("Message:\n")
	b.WriteString(content)
	return b.String()
}

func fallbackSummary(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if r := []rune(line); len(r) > 200 {
		line = string(r[:200]) + "..."
	}
	return line
}
