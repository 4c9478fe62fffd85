package classify

import (
	"time"

	"github.com/stellarlinkco/lorekeeper/internal/chat"
)

// DebouncePolicy decides when a thread is settled enough to classify.
type DebouncePolicy struct {
	MinEvents int
	Recheck   time.Duration
	Quiet     time.Duration
}

func DefaultDebouncePolicy() DebouncePolicy {
	return DebouncePolicy{MinEvents: 5, Recheck: 24 * time.Hour, Quiet: time.Hour}
}

// Skip reasons reported by ShouldClassify.
const (
	SkipNotThread    = "not a thread"
	SkipExtracted    = "knowledge already extracted"
	SkipRecent       = "classified recently"
	SkipActive       = "conversation still active"
	SkipTooFewEvents = "too few events"
)

// ShouldClassify returns true, or false with the reason to skip.
func (p DebouncePolicy) ShouldClassify(s *chat.Stream, now time.Time) (bool, string) {
	switch {
	case s.Type != chat.StreamThread:
		return false, SkipNotThread
	case s.KnowledgeExtractedAt != nil:
		return false, SkipExtracted
	case s.LastClassifiedAt != nil && now.Sub(*s.LastClassifiedAt) < p.Recheck:
		return false, SkipRecent
	case now.Sub(s.LastActivityAt) < p.Quiet:
		return false, SkipActive
	case s.EventCount < p.MinEvents:
		return false, SkipTooFewEvents
	}
	return true, ""
}
