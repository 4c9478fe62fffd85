package memo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecideTable(t *testing.T) {
	system := &Memo{ID: "sys", Source: SourceSystem, Confidence: 0.5}
	confident := &Memo{ID: "sys-hi", Source: SourceSystem, Confidence: 0.9}
	user := &Memo{ID: "usr", Source: SourceUser, Confidence: 0.5}
	agent := &Memo{ID: "agent", Source: SourceAriadne, Confidence: 0.4}

	cases := []struct {
		name     string
		overlaps []Overlap
		want     Action
	}{
		{"no overlaps", nil, ActionCreate},
		{"supersede low-confidence system memo", []Overlap{{Memo: system, Similarity: 0.95}}, ActionSupersede},
		{"agent persona counts as system", []Overlap{{Memo: agent, Similarity: 0.95}}, ActionSupersede},
		{"existing is newer", []Overlap{{Memo: system, Similarity: 0.95, IsMoreRecent: true}}, ActionSkip},
		{"user duplicate", []Overlap{{Memo: user, Similarity: 0.95}}, ActionSkip},
		{"confident system duplicate", []Overlap{{Memo: confident, Similarity: 0.95}}, ActionSkip},
		{"merge into system memo", []Overlap{{Memo: system, Similarity: 0.85}}, ActionMerge},
		{"never merge into user memo", []Overlap{{Memo: user, Similarity: 0.85}}, ActionCreate},
		{"related but distinct", []Overlap{{Memo: system, Similarity: 0.78}}, ActionCreate},
		{"related user memo", []Overlap{{Memo: user, Similarity: 0.78}}, ActionCreate},
		{"upper merge bound", []Overlap{{Memo: system, Similarity: 0.92}}, ActionMerge},
		{"lower merge bound", []Overlap{{Memo: system, Similarity: 0.82}}, ActionMerge},
		{"overlap bound is no match", []Overlap{{Memo: system, Similarity: 0.75}}, ActionCreate},
		{"only the top overlap counts", []Overlap{{Memo: user, Similarity: 0.93}, {Memo: system, Similarity: 0.85}}, ActionSkip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.overlaps)
			assert.Equal(t, tc.want, d.Action)
			if len(tc.overlaps) > 0 && tc.overlaps[0].Similarity > OverlapThreshold {
				assert.Same(t, tc.overlaps[0].Memo, d.Target)
			}
		})
	}
}

func TestNewOverlapRecency(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	older := &Memo{CreatedAt: at.Add(-time.Hour)}
	newer := &Memo{CreatedAt: at.Add(time.Hour)}

	assert.False(t, newOverlap(older, 0.9, at).IsMoreRecent)
	assert.True(t, newOverlap(newer, 0.9, at).IsMoreRecent)
}

func TestNormalizeTopics(t *testing.T) {
	vocab := []Tag{{Name: "ci-cd", UsageCount: 4}, {Name: "postgres", UsageCount: 2}}
	got := NormalizeTopics([]string{"CI/CD", "Postgres", " Release  Process ", "postgres", "", "a", "b", "c"}, vocab)
	assert.Equal(t, []string{"ci-cd", "postgres", "release-process", "a", "b"}, got)
}

func TestParseCategoryAndSource(t *testing.T) {
	assert.Equal(t, CategoryHowTo, ParseCategory("How-To"))
	assert.Equal(t, CategoryTroubleshooting, ParseCategory("troubleshooting"))
	assert.Equal(t, CategoryOther, ParseCategory("poetry"))

	assert.Equal(t, SourceUser, ParseSource("USER"))
	assert.Equal(t, SourceAriadne, ParseSource("ariadne"))
	assert.Equal(t, SourceSystem, ParseSource(""))
	assert.True(t, SourceAriadne.SystemAuthored())
	assert.False(t, SourceUser.SystemAuthored())
}
