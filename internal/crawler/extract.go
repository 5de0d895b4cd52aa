package crawler

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ai-tool-finder/internal/store"
)

const (
	maxDescriptionRunes = 500
	maxPricingRunes     = 100
	maxCategories       = 5
)

// ErrMissingName marks a page without an h1 or title.
var ErrMissingName = errors.New("page has no tool name")

var pricingWords = []string{"free", "paid", "pricing", "price"}

// ExtractError reports a page that could not be turned into a candidate.
type ExtractError struct {
	URL string
	Err error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// Extractor turns tool detail pages into store candidates.
type Extractor struct{}

// NewExtractor returns an Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract parses one detail page. Only a missing name is an error; every
// other field is optional.
func (e *Extractor) Extract(pageURL string, body []byte) (store.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return store.Candidate{}, &ExtractError{URL: pageURL, Err: err}
	}

	name := cleanText(doc.Find("h1").First().Text())
	if name == "" {
		name = cleanText(doc.Find("title").First().Text())
	}
	if name == "" {
		return store.Candidate{}, &ExtractError{URL: pageURL, Err: ErrMissingName}
	}

	return store.Candidate{
		Name:        name,
		URL:         pageURL,
		Description: optional(description(doc)),
		Pricing:     optional(pricing(doc)),
		Rating:      rating(doc),
		Categories:  categories(doc),
	}, nil
}

func description(doc *goquery.Document) string {
	if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		if text := cleanText(content); text != "" {
			return text
		}
	}
	return truncateRunes(cleanText(doc.Find("p").First().Text()), maxDescriptionRunes)
}

func categories(doc *goquery.Document) []string {
	var out []string
	doc.Find("a[class]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		class := strings.ToLower(s.AttrOr("class", ""))
		if !strings.Contains(class, "category") && !strings.Contains(class, "tag") {
			return true
		}
		if text := cleanText(s.Text()); text != "" {
			out = append(out, text)
		}
		return len(out) < maxCategories
	})
	return store.NormalizeCategories(out)
}

// pricing returns the parent text of the first visible text node that
// mentions pricing.
func pricing(doc *goquery.Document) string {
	var found string
	var walk func(sel *goquery.Selection) bool
	walk = func(sel *goquery.Selection) bool {
		stop := false
		sel.Contents().EachWithBreak(func(_ int, node *goquery.Selection) bool {
			switch goquery.NodeName(node) {
			case "#text":
				if mentionsPricing(node.Text()) {
					found = cleanText(node.Parent().Text())
					stop = true
				}
			case "script", "style", "noscript", "head":
			default:
				stop = walk(node)
			}
			return !stop
		})
		return stop
	}
	walk(doc.Find("body"))
	return truncateRunes(found, maxPricingRunes)
}

func mentionsPricing(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range pricingWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func rating(doc *goquery.Document) *float64 {
	sel := doc.Find(`[itemprop="ratingValue"]`).First()
	if sel.Length() == 0 {
		return nil
	}
	raw, ok := sel.Attr("content")
	if !ok {
		raw = sel.Text()
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || value < store.MinRating || value > store.MaxRating {
		return nil
	}
	return &value
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
