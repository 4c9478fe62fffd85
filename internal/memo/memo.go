// Package memo keeps the workspace's durable knowledge: summarized memos
// anchored to the messages they came from. New candidates are compared
// against existing memos by vector similarity and an evolution policy
// decides whether to create, merge, supersede, reinforce or skip.
package memo

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

var (
	ErrNotFound = errors.New("memo not found")
	ErrArchived = errors.New("memo is archived")
)

type Source string

const (
	SourceUser   Source = "user"
	SourceSystem Source = "system"
	// SourceAriadne marks memos written by the agent persona.
	SourceAriadne Source = "ariadne"
)

// SystemAuthored reports whether the memo was not written by a person.
func (s Source) SystemAuthored() bool {
	return s != SourceUser
}

// ParseSource maps unknown values to SourceSystem.
func ParseSource(raw string) Source {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceUser:
		return SourceUser
	case SourceAriadne:
		return SourceAriadne
	default:
		return SourceSystem
	}
}

type Category string

const (
	CategoryDecision        Category = "decision"
	CategoryHowTo           Category = "howto"
	CategoryReference       Category = "reference"
	CategoryAnnouncement    Category = "announcement"
	CategoryExplanation     Category = "explanation"
	CategoryTroubleshooting Category = "troubleshooting"
	CategoryOther           Category = "other"
)

var categories = []Category{
	CategoryDecision, CategoryHowTo, CategoryReference, CategoryAnnouncement,
	CategoryExplanation, CategoryTroubleshooting, CategoryOther,
}

func ParseCategory(raw string) Category {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("-", "", "_", "", " ", "").Replace(norm)
	for _, c := range categories {
		if string(c) == norm {
			return c
		}
	}
	return CategoryOther
}

type Memo struct {
	ID              string
	WorkspaceID     string
	Summary         string
	Topics          []string
	Category        Category
	AnchorEventIDs  []string
	ContextStreamID string
	Confidence      float64
	RetrievalCount  int
	Source          Source
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ArchivedAt      *time.Time
	SupersededBy    string

	Embedding      []float32
	EmbeddingModel string
}

func (m *Memo) Archived() bool {
	return m.ArchivedAt != nil
}

// Tag is a workspace topic and how many memos used it.
type Tag struct {
	Name       string
	UsageCount int
}

const maxTopics = 5

// NormalizeTopics lowercases and dash-joins topics, drops duplicates, keeps
// at most five, and reuses the spelling of a matching existing tag.
func NormalizeTopics(raw []string, vocabulary []Tag) []string {
	known := make(map[string]string, len(vocabulary))
	for _, t := range vocabulary {
		known[slug(t.Name)] = t.Name
	}

	seen := make(map[string]bool)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s := slug(r)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		if existing, ok := known[s]; ok {
			s = existing
		}
		out = append(out, s)
		if len(out) == maxTopics {
			break
		}
	}
	return out
}

func slug(raw string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	return b.String()
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
