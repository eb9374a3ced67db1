package catalog

import (
	"sort"
	"strings"
)

const (
	defaultRankLimit = 20
	maxQueryTokens   = 20
	minTokenLength   = 2
)

// RankedComponent pairs a component with its query score.
type RankedComponent struct {
	Component Component `json:"component"`
	Score     int       `json:"score"`
}

// Tokenize lowercases the query, splits on non-alphanumeric runs, drops
// tokens shorter than two characters, and caps the result at twenty tokens.
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < minTokenLength {
			continue
		}
		tokens = append(tokens, f)
		if len(tokens) == maxQueryTokens {
			break
		}
	}
	return tokens
}

// Rank scores every component against the query and returns the top limit
// matches. Score counts query tokens found as substrings of the component's
// name plus description; ties break by key ascending. An empty query returns
// components in registration order.
func (c *Catalog) Rank(query string, limit int) []RankedComponent {
	if limit <= 0 {
		limit = defaultRankLimit
	}
	components := c.Components()
	tokens := Tokenize(query)

	ranked := make([]RankedComponent, 0, len(components))
	if len(tokens) == 0 {
		for _, comp := range components {
			ranked = append(ranked, RankedComponent{Component: comp})
		}
		if len(ranked) > limit {
			ranked = ranked[:limit]
		}
		return ranked
	}

	for _, comp := range components {
		haystack := strings.ToLower(comp.Name + " " + comp.Description)
		score := 0
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				score++
			}
		}
		ranked = append(ranked, RankedComponent{Component: comp, Score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Component.Key < ranked[j].Component.Key
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
