package occurrence

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPage is returned when a transcript page holds no segments.
var ErrEmptyPage = errors.New("transcript page has no segments")

// MatchResult is the window of a transcript most similar to a query.
type MatchResult struct {
	Start float64
	// Page is 1-based.
	Page  int
	Score int
	Text  string
}

// Search returns the window of consecutive segments most similar to query.
//
// The window is as many segments as query has lines. A page shorter than the window is compared as a whole.
// The first window reaching the best score wins. The result is nil when the transcript has no pages; its
// score may be arbitrarily low otherwise.
func Search(t Transcript, query string) (*MatchResult, error) {
	windowSize := len(strings.Split(query, "\n"))

	var best *MatchResult
	consider := func(page int, window []Segment) {
		text := joinTexts(window)
		score := Ratio(query, text)
		if best == nil || score > best.Score {
			best = &MatchResult{Start: window[0].Start, Page: page + 1, Score: score, Text: text}
		}
	}

	for p, segments := range t {
		if len(segments) == 0 {
			return nil, fmt.Errorf("page %d: %w", p+1, ErrEmptyPage)
		}

		if len(segments) < windowSize {
			consider(p, segments)
			continue
		}
		for i := 0; i+windowSize <= len(segments); i++ {
			consider(p, segments[i:i+windowSize])
		}
	}

	return best, nil
}

func joinTexts(segments []Segment) string {
	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}
	return strings.Join(texts, "\n")
}
