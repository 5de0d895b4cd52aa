package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidCandidate signals a candidate that cannot be stored.
var ErrInvalidCandidate = errors.New("invalid tool candidate")

// Rating bounds accepted by the catalog.
const (
	MinRating = 0.0
	MaxRating = 5.0
)

// Tool is a stored catalog entry. The repository owns it; search indexes hold
// projections keyed by ID.
type Tool struct {
	// ID is the surrogate identity assigned on first insert.
	ID int64 `json:"id"`
	// Name is the display name and is never empty.
	Name string `json:"name"`
	// Description is optional free text.
	Description *string `json:"description,omitempty"`
	// URL is the canonical detail-page URL and the upsert key.
	URL string `json:"url"`
	// Pricing is free-form pricing text when the page exposes it.
	Pricing *string `json:"pricing,omitempty"`
	// Rating lies in [0,5] when present.
	Rating *float64 `json:"rating,omitempty"`
	// Categories is a sorted set of category names.
	Categories []string `json:"categories"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Candidate is an extracted tool record that has not been stored yet.
type Candidate struct {
	Name        string
	Description *string
	URL         string
	Pricing     *string
	Rating      *float64
	Categories  []string
}

// CategoryCount pairs a category with the number of tools linked to it.
type CategoryCount struct {
	Name      string `json:"name"`
	ToolCount int    `json:"tool_count"`
}

// ListOptions filters and pages ListTools results.
type ListOptions struct {
	Offset int
	Limit  int
	// Category restricts results to tools linked to this category when set.
	Category string
}

// EmbeddingRecord caches the vector computed for a tool's text.
type EmbeddingRecord struct {
	ToolID int64
	// Digest identifies the exact text the vector was computed from.
	Digest string
	Model  string
	Vector []float32
}

// ToolRepository persists tools keyed by canonical URL.
type ToolRepository interface {
	// Upsert inserts the candidate or overwrites the mutable fields of the
	// tool stored under the same URL.
	Upsert(ctx context.Context, candidate Candidate) (Tool, error)
	// Get returns the tool or ErrNotFound.
	Get(ctx context.Context, id int64) (Tool, error)
	// List returns tools ordered by ascending ID.
	List(ctx context.Context, opts ListOptions) ([]Tool, error)
	// ListCategories returns every known category ordered by name.
	ListCategories(ctx context.Context) ([]CategoryCount, error)
	// Delete removes the tool or returns ErrNotFound.
	Delete(ctx context.Context, id int64) error
	// All returns every stored tool ordered by ascending ID.
	All(ctx context.Context) ([]Tool, error)
	// ChangedSince returns tools whose UpdatedAt is at or after since,
	// ordered by UpdatedAt then ID.
	ChangedSince(ctx context.Context, since time.Time) ([]Tool, error)
}

// EmbeddingCache persists embedding vectors keyed by tool ID.
type EmbeddingCache interface {
	Get(ctx context.Context, toolID int64) (EmbeddingRecord, error)
	Put(ctx context.Context, record EmbeddingRecord) error
	Delete(ctx context.Context, toolID int64) error
	All(ctx context.Context) ([]EmbeddingRecord, error)
}

// Normalize trims text fields, drops empty optionals and out-of-range
// ratings, and turns Categories into a sorted set.
func (c Candidate) Normalize() Candidate {
	out := Candidate{
		Name:        strings.TrimSpace(c.Name),
		URL:         strings.TrimSpace(c.URL),
		Description: trimOptional(c.Description),
		Pricing:     trimOptional(c.Pricing),
		Categories:  NormalizeCategories(c.Categories),
	}
	if c.Rating != nil && *c.Rating >= MinRating && *c.Rating <= MaxRating {
		rating := *c.Rating
		out.Rating = &rating
	}
	return out
}

// Validate reports whether the candidate can be stored.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCandidate)
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidCandidate)
	}
	if c.Rating != nil && (*c.Rating < MinRating || *c.Rating > MaxRating) {
		return fmt.Errorf("%w: rating %.2f outside [%g,%g]", ErrInvalidCandidate, *c.Rating, MinRating, MaxRating)
	}
	return nil
}

// EmbeddingText is the text a tool's embedding is computed from.
func (t Tool) EmbeddingText() string {
	if t.Description == nil {
		return t.Name
	}
	return t.Name + "\n" + *t.Description
}

// NormalizeCategories trims, deduplicates, and sorts category names.
func NormalizeCategories(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, name := range in {
		name = strings.Join(strings.Fields(name), " ")
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
