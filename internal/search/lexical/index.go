// Package lexical implements an in-memory token index over tool names and
// descriptions.
package lexical

import (
	"strings"
	"sync"

	"github.com/JakeFAU/ai-tool-finder/internal/search"
	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

// Scoring weights.
const (
	WeightName        = 3.0
	WeightDescription = 1.0
	// PrefixFactor scales matches where a document token only starts with
	// the query token.
	PrefixFactor    = 0.5
	BoostExactName  = 10.0
	BoostNamePrefix = 5.0
)

type document struct {
	name   string
	nameTF map[string]int
	descTF map[string]int
}

// Index is a token index safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	docs     map[int64]document
	postings map[string]map[int64]struct{}
}

// New returns an empty index.
func New() *Index {
	return &Index{
		docs:     make(map[int64]document),
		postings: make(map[string]map[int64]struct{}),
	}
}

// Index adds the tool or replaces its previous entry.
func (x *Index) Index(tool store.Tool) {
	nameTokens := search.Tokenize(tool.Name)
	doc := document{
		name:   strings.Join(nameTokens, " "),
		nameTF: termFrequencies(nameTokens),
		descTF: map[string]int{},
	}
	if tool.Description != nil {
		doc.descTF = termFrequencies(search.Tokenize(*tool.Description))
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(tool.ID)
	x.docs[tool.ID] = doc
	for _, tf := range []map[string]int{doc.nameTF, doc.descTF} {
		for term := range tf {
			ids, ok := x.postings[term]
			if !ok {
				ids = make(map[int64]struct{})
				x.postings[term] = ids
			}
			ids[tool.ID] = struct{}{}
		}
	}
}

// Remove drops the tool. Unknown IDs are ignored.
func (x *Index) Remove(id int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
}

// Len returns the number of indexed tools.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Search ranks tools against query. Tools scoring zero are omitted and ties
// break by ascending ID. A non-positive limit returns every match.
func (x *Index) Search(query string, limit int) ([]search.Hit, error) {
	queryTokens := search.Tokenize(query)
	if len(queryTokens) == 0 {
		return []search.Hit{}, nil
	}
	phrase := strings.Join(queryTokens, " ")

	x.mu.RLock()
	defer x.mu.RUnlock()

	scores := make(map[int64]float64)
	seen := make(map[string]struct{}, len(queryTokens))
	for _, token := range queryTokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		for term, ids := range x.postings {
			if !strings.HasPrefix(term, token) {
				continue
			}
			factor := 1.0
			if term != token {
				factor = PrefixFactor
			}
			for id := range ids {
				doc := x.docs[id]
				scores[id] += factor * (WeightName*float64(doc.nameTF[term]) + WeightDescription*float64(doc.descTF[term]))
			}
		}
	}

	hits := make([]search.Hit, 0, len(scores))
	for id, score := range scores {
		name := x.docs[id].name
		switch {
		case name == phrase:
			score += BoostExactName
		case strings.HasPrefix(name, phrase):
			score += BoostNamePrefix
		}
		if score > 0 {
			hits = append(hits, search.Hit{ID: id, Score: score})
		}
	}
	search.SortHits(hits)
	return search.Truncate(hits, limit), nil
}

func (x *Index) removeLocked(id int64) {
	doc, ok := x.docs[id]
	if !ok {
		return
	}
	for _, tf := range []map[string]int{doc.nameTF, doc.descTF} {
		for term := range tf {
			ids := x.postings[term]
			delete(ids, id)
			if len(ids) == 0 {
				delete(x.postings, term)
			}
		}
	}
	delete(x.docs, id)
}

func termFrequencies(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, token := range tokens {
		tf[token]++
	}
	return tf
}
