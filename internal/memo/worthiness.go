package memo

import (
	"regexp"
	"unicode/utf8"

	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/classify"
)

const (
	WorthinessThreshold = 4
	minMemoRunes        = 24
)

var ackRe = regexp.MustCompile(`(?i)\b(thanks|thank you|that (?:fixed|worked|helps?)|works now|good to know|til|nice find)\b`)

type Worthiness struct {
	Score        int
	ShouldCreate bool
	// Confidence seeds a new memo's confidence.
	Confidence float64
	Reason     string
}

// ScoreWorthiness rates a message as memo material using its structure,
// engagement and how the conversation around it reacted. Agent-authored
// messages never qualify.
func ScoreWorthiness(m *chat.Message, surrounding []chat.Message) Worthiness {
	if m.IsAgentAuthored() {
		return Worthiness{Reason: "agent authored"}
	}
	if utf8.RuneCountInString(m.Content) < minMemoRunes {
		return Worthiness{Reason: "too short"}
	}

	score := classify.StructuralScore(m.Content, m.Signals.Reactions)
	if m.Signals.Replies >= 2 {
		score++
	}
	if m.Signals.Retrieved {
		score += 2
	}
	if m.Signals.Helpful {
		score += 2
	}
	if m.Classification == chat.VerdictKnowledge {
		score += 2
	}
	if m.EnrichmentTier >= chat.TierEnriched {
		score++
	}
	for _, o := range surrounding {
		if o.AuthorID != m.AuthorID && !o.IsAgentAuthored() && o.CreatedAt.After(m.CreatedAt) && ackRe.MatchString(o.Content) {
			score++
			break
		}
	}

	w := Worthiness{
		Score:        score,
		ShouldCreate: score >= WorthinessThreshold,
		Confidence:   clampConfidence(0.4 + 0.05*float64(score)),
	}
	if w.Confidence > 0.85 {
		w.Confidence = 0.85
	}
	if !w.ShouldCreate {
		w.Reason = "below worthiness threshold"
	}
	return w
}
