package memo

import "time"

// Similarity bands of the evolution policy. Bounds are exclusive below and
// inclusive above: 0.92 itself is in the merge band, 0.75 is no overlap.
const (
	OverlapThreshold   = 0.75
	MergeThreshold     = 0.82
	DuplicateThreshold = 0.92

	// ReinforceThreshold applies to event-to-event similarity.
	ReinforceThreshold = 0.95

	LowConfidence   = 0.7
	MergeBump       = 0.05
	ReinforceBump   = 0.02
	MaxOverlaps     = 5
	supersedeReason = "near duplicate of a low-confidence system memo, new content is newer"
)

type Action string

const (
	ActionCreate    Action = "create_new"
	ActionMerge     Action = "merge"
	ActionSupersede Action = "supersede"
	ActionReinforce Action = "reinforce"
	ActionSkip      Action = "skip"
)

// Overlap is an existing memo similar to a candidate.
type Overlap struct {
	Memo       *Memo
	Similarity float64
	// IsMoreRecent is true when the existing memo is newer than the candidate.
	IsMoreRecent bool
}

func newOverlap(m *Memo, similarity float64, candidateAt time.Time) Overlap {
	return Overlap{Memo: m, Similarity: similarity, IsMoreRecent: m.CreatedAt.After(candidateAt)}
}

type Decision struct {
	Action     Action
	Target     *Memo
	Similarity float64
	Reason     string
}

// Decide applies the evolution table to the most similar overlap. overlaps
// must be sorted by descending similarity.
func Decide(overlaps []Overlap) Decision {
	if len(overlaps) == 0 || overlaps[0].Similarity <= OverlapThreshold {
		return Decision{Action: ActionCreate, Reason: "no overlapping memo"}
	}
	top := overlaps[0]
	d := Decision{Target: top.Memo, Similarity: top.Similarity}
	system := top.Memo.Source.SystemAuthored()

	switch {
	case top.Similarity > DuplicateThreshold:
		if system && top.Memo.Confidence < LowConfidence && !top.IsMoreRecent {
			d.Action, d.Reason = ActionSupersede, supersedeReason
		} else {
			d.Action, d.Reason = ActionSkip, "duplicate of an existing memo"
		}
	case top.Similarity >= MergeThreshold:
		if system {
			d.Action, d.Reason = ActionMerge, "close to a system memo"
		} else {
			d.Action, d.Reason = ActionCreate, "close to a user memo, user content is never merged into"
		}
	default:
		d.Action, d.Reason = ActionCreate, "related but distinct"
	}
	return d
}
