package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"quorum/api/internal/motion"
	"quorum/api/internal/store"
)

// Source is the read side of the document store that Scan searches.
type Source interface {
	ListMotions(ctx context.Context, committeeID string) ([]motion.Motion, error)
	ListDiscussions(ctx context.Context, motionID string) ([]store.Discussion, error)
}

// Scan is the store-native fallback for deployments without Postgres FTS. It loads
// documents and matches every query term case-insensitively.
type Scan struct {
	source Source
}

func NewScan(source Source) *Scan {
	return &Scan{source: source}
}

func (s *Scan) Name() string { return "scan" }

func terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func score(haystack string, words []string) int {
	lower := strings.ToLower(haystack)
	total := 0
	for _, word := range words {
		n := strings.Count(lower, word)
		if n == 0 {
			return 0
		}
		total += n
	}
	return total
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	words := terms(q.Text)
	if len(words) == 0 {
		return nil, 0, nil
	}

	type scored struct {
		result Result
		score  int
	}
	var hits []scored

	motions, err := s.source.ListMotions(ctx, q.CommitteeID)
	if err != nil {
		return nil, 0, fmt.Errorf("scan motions: %w", err)
	}
	if q.FilterType == "" || q.FilterType == ResultMotion {
		for _, m := range motions {
			if n := score(m.Title+" "+m.Description, words); n > 0 {
				hits = append(hits, scored{score: n, result: Result{
					Type:        ResultMotion,
					ID:          m.ID,
					Title:       m.Title,
					Snippet:     snippet(m.Description, words[0]),
					CommitteeID: m.CommitteeID,
					MotionID:    m.ID,
					Status:      string(m.Status),
				}})
			}
		}
	}

	if q.FilterType == "" || q.FilterType == ResultDiscussion {
		inScope := make(map[string]string, len(motions))
		for _, m := range motions {
			inScope[m.ID] = m.CommitteeID
		}
		discussions, err := s.source.ListDiscussions(ctx, "")
		if err != nil {
			return nil, 0, fmt.Errorf("scan discussions: %w", err)
		}
		for _, d := range discussions {
			committeeID, ok := inScope[d.MotionID]
			if !ok {
				continue
			}
			if n := score(d.Text, words); n > 0 {
				hits = append(hits, scored{score: n, result: Result{
					Type:        ResultDiscussion,
					ID:          d.ID,
					Title:       d.Author,
					Snippet:     snippet(d.Text, words[0]),
					CommitteeID: committeeID,
					MotionID:    d.MotionID,
				}})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	total := len(hits)
	start := q.offset()
	if start > total {
		start = total
	}
	end := start + q.limit()
	if end > total {
		end = total
	}
	results := make([]Result, 0, end-start)
	for _, hit := range hits[start:end] {
		results = append(results, hit.result)
	}
	return results, total, nil
}

// snippet returns up to 30 words of text starting a few words before the first
// occurrence of word.
func snippet(text, word string) string {
	fields := strings.Fields(text)
	at := 0
	for i, field := range fields {
		if strings.Contains(strings.ToLower(field), word) {
			at = i
			break
		}
	}
	start := at - 5
	if start < 0 {
		start = 0
	}
	end := start + 30
	if end > len(fields) {
		end = len(fields)
	}
	return strings.Join(fields[start:end], " ")
}
