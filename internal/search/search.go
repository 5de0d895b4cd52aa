// Package search holds the hit type and tokenizer shared by the catalog's
// lexical and semantic indexes.
package search

import (
	"sort"
	"strings"
	"unicode"
)

// Hit is one ranked search result keyed by tool ID.
type Hit struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// Tokenize splits text into lowercased runs of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SortHits orders hits by descending score, breaking ties by ascending ID.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// Truncate returns at most limit hits. A non-positive limit keeps all.
func Truncate(hits []Hit, limit int) []Hit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}
