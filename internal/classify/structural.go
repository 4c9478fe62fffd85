package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

type Hint string

const (
	HintAnnouncement Hint = "announcement"
	HintExplanation  Hint = "explanation"
	HintDecision     Hint = "decision"
	HintHowTo        Hint = "howto"
)

// Signal is what the pre-filter reads from raw text. Every field is a
// presence or a size over the whole text, so appending text never removes one.
type Signal struct {
	Length           int
	HasCodeBlock     bool
	HasInlineCode    bool
	HasListItems     bool
	HasLinks         bool
	LineCount        int
	HasKnowledgeMark bool
	ContentTypeHints []Hint
}

var (
	inlineCodeRe = regexp.MustCompile("`[^`\n]+`")
	listItemRe   = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+\S`)
	linkRe       = regexp.MustCompile(`https?://\S+|\[[^\]]+\]\([^)]+\)`)

	hintPatterns = []struct {
		hint Hint
		re   *regexp.Regexp
	}{
		{HintAnnouncement, regexp.MustCompile(`(?i)\b(announc\w*|heads[- ]up|fyi|psa|starting (?:today|tomorrow|monday|next week)|we(?:'re| are) (?:launching|moving|switching|migrating))\b`)},
		{HintExplanation, regexp.MustCompile(`(?i)\b(because|the reason|this means|in other words|that's why|works by|under the hood)\b`)},
		{HintDecision, regexp.MustCompile(`(?i)\b(we decided|decision|agreed|going forward|settled on|let's go with|we(?:'ll| will) use)\b`)},
		{HintHowTo, regexp.MustCompile(`(?i)(\bhow to\b|\bstep \d|\bsteps:|\bmake sure to\b|\bto fix this\b|\byou need to\b|\bthen run\b)`)},
	}

	knowledgeMarks = []string{"📌", "💡", "📝", "📚", "🔖", ":pushpin:", ":bulb:", ":memo:", ":books:", ":bookmark:"}
)

// Analyze derives the structural signal of text.
func Analyze(text string) Signal {
	s := Signal{
		Length:        utf8.RuneCountInString(text),
		HasCodeBlock:  strings.Count(text, "```") >= 2,
		HasInlineCode: inlineCodeRe.MatchString(text),
		HasListItems:  listItemRe.MatchString(text),
		HasLinks:      linkRe.MatchString(text),
	}
	if text != "" {
		s.LineCount = strings.Count(text, "\n") + 1
	}
	for _, p := range hintPatterns {
		if p.re.MatchString(text) {
			s.ContentTypeHints = append(s.ContentTypeHints, p.hint)
		}
	}
	for _, mark := range knowledgeMarks {
		if strings.Contains(text, mark) {
			s.HasKnowledgeMark = true
			break
		}
	}
	return s
}

// Score weighs the signal. Code blocks and lists are the strongest free-text
// indicators; reactions at 3 and 5 add a point each.
func Score(s Signal, reactions int) int {
	score := 0
	if s.HasCodeBlock {
		score += 3
	}
	if s.HasListItems {
		score += 2
	}
	if s.HasInlineCode {
		score++
	}
	if s.HasLinks {
		score++
	}
	if s.Length >= 200 {
		score++
	}
	if s.Length >= 600 {
		score++
	}
	if s.LineCount >= 5 {
		score++
	}
	if reactions >= 3 {
		score++
	}
	if reactions >= 5 {
		score++
	}
	score += len(s.ContentTypeHints)
	if s.HasKnowledgeMark {
		score++
	}
	return score
}

// StructuralScore is Score(Analyze(text), reactions).
func StructuralScore(text string, reactions int) int {
	return Score(Analyze(text), reactions)
}
