package tui

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/mmcdole/biolink/internal/domain"
)

// linkIndex implements sahilm/fuzzy.Source over link titles and hosts
type linkIndex struct {
	terms []string
}

func newLinkIndex(links []domain.Link) linkIndex {
	terms := make([]string, len(links))
	for i, l := range links {
		terms[i] = strings.ToLower(l.Title + " " + l.URL)
	}
	return linkIndex{terms: terms}
}

// String returns the lowercase search term at index i (implements fuzzy.Source)
func (idx linkIndex) String(i int) string { return idx.terms[i] }

// Len returns the number of links (implements fuzzy.Source)
func (idx linkIndex) Len() int { return len(idx.terms) }

// filterLinks returns indices of links matching query, best first.
// An empty query matches nothing; callers show the full list instead.
func filterLinks(query string, links []domain.Link) []int {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	matches := fuzzy.FindFrom(query, newLinkIndex(links))
	idx := make([]int, len(matches))
	for i, match := range matches {
		idx[i] = match.Index
	}
	return idx
}
