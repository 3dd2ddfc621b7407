package tools

import (
	"sort"
	"strings"
)

// ScopeFilter restricts search results to tools the user may call.
// A caller without credentials gets an empty scope set, so every tool with
// required scopes is rejected. Expired tokens and missing credential
// providers both reduce to "no credentials" under this rule.
type ScopeFilter struct {
	Scopes []string
}

func (f *ScopeFilter) allows(t *Tool) bool {
	if f == nil || len(t.Metadata.RequiredScopes) == 0 {
		return true
	}
	have := make(map[string]bool, len(f.Scopes))
	for _, s := range f.Scopes {
		have[s] = true
	}
	for _, req := range t.Metadata.RequiredScopes {
		if !have[req] {
			return false
		}
	}
	return true
}

// SearchQuery is one keyword search over the catalog.
type SearchQuery struct {
	Text       string
	Groups     []string // optional group-path filter
	MaxResults int
	Filter     *ScopeFilter
}

// SearchResult is one ranked match.
type SearchResult struct {
	Tool  *Tool   `json:"tool"`
	Score float64 `json:"score"`
}

// Search ranks tools by substring matches on name and description plus
// token-set overlap with the query.
func (c *Catalog) Search(q SearchQuery) []SearchResult {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil
	}
	queryTokens := tokenize(text)

	groupAllowed := func(path string) bool { return true }
	if len(q.Groups) > 0 {
		allowed := make(map[string]bool, len(q.Groups))
		for _, g := range q.Groups {
			allowed[g] = true
		}
		groupAllowed = func(path string) bool { return allowed[path] }
	}

	var results []SearchResult
	for _, g := range c.Groups() {
		if !groupAllowed(g.Path) {
			continue
		}
		for _, t := range g.Tools() {
			if !q.Filter.allows(t) {
				continue
			}
			score := scoreTool(t, text, queryTokens)
			if score > 0 {
				results = append(results, SearchResult{Tool: t, Score: score})
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Tool.FullName() < results[j].Tool.FullName()
	})

	if q.MaxResults > 0 && len(results) > q.MaxResults {
		results = results[:q.MaxResults]
	}
	return results
}

func scoreTool(t *Tool, text string, queryTokens []string) float64 {
	name := strings.ToLower(t.Name)
	desc := strings.ToLower(t.Description)

	var score float64
	switch {
	case name == text:
		score += 10
	case strings.Contains(name, text):
		score += 5
	}
	if strings.Contains(desc, text) {
		score += 3
	}

	toolTokens := make(map[string]bool)
	for _, tok := range tokenize(name + " " + desc) {
		toolTokens[tok] = true
	}
	for _, tok := range queryTokens {
		if toolTokens[tok] {
			score++
		}
	}
	return score
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	var tokens []string
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
