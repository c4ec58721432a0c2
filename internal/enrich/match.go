package enrich

import (
	"strings"

	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

// Candidate is one row parsed from the identifier search results.
type Candidate struct {
	CIN  string `json:"cin"`
	Name string `json:"name"`
}

// MatchResult is the outcome of running the matching cascade.
type MatchResult struct {
	CIN    string          `json:"cin,omitempty"`
	Status model.CINStatus `json:"status"`
}

// normalizeName strips bracketed annotations and connector tokens, collapses
// whitespace, and uppercases. This is the comparison form for the middle
// cascade strategies.
func normalizeName(name string) string {
	cleaned := bracketRe.ReplaceAllString(name, " ")
	cleaned = foldDiacritics(cleaned)
	var tokens []string
	for _, t := range strings.Fields(cleaned) {
		u := strings.ToUpper(strings.Trim(t, ".,"))
		if u == "" || u == "AND" || u == "&" {
			continue
		}
		tokens = append(tokens, u)
	}
	return strings.Join(tokens, " ")
}

// coreName additionally strips legal-form suffixes from the normalized form.
func coreName(name string) string {
	return strings.Join(stripLegalSuffixes(strings.Fields(normalizeName(name))), " ")
}

// Match runs the strict-precedence cascade: exact match, normalized match,
// core-name match, then substring match. The first strategy that yields
// exactly one candidate wins. A strategy yielding several candidates stops
// the cascade with multiple_matches and the first candidate; an empty yield
// falls through to the next strategy.
func Match(query string, candidates []Candidate) MatchResult {
	if len(candidates) == 0 {
		return MatchResult{Status: model.CINStatusNoResults}
	}

	strategies := []struct {
		name string
		fn   func(query, candidate string) bool
	}{
		{"exact", func(q, c string) bool {
			return strings.EqualFold(strings.TrimSpace(q), strings.TrimSpace(c))
		}},
		{"normalized", func(q, c string) bool {
			return normalizeName(q) == normalizeName(c)
		}},
		{"core_name", func(q, c string) bool {
			return coreName(q) == coreName(c)
		}},
		{"substring", func(q, c string) bool {
			nq, nc := normalizeName(q), normalizeName(c)
			return nq != "" && nc != "" && (strings.Contains(nq, nc) || strings.Contains(nc, nq))
		}},
	}

	for _, strategy := range strategies {
		var matched []Candidate
		for _, c := range candidates {
			if strategy.fn(query, c.Name) {
				matched = append(matched, c)
			}
		}
		switch {
		case len(matched) == 1:
			return MatchResult{CIN: matched[0].CIN, Status: model.CINStatusFound}
		case len(matched) > 1:
			zap.L().Warn("ambiguous identifier match, taking first candidate",
				zap.String("query", query),
				zap.String("strategy", strategy.name),
				zap.Int("matches", len(matched)),
			)
			return MatchResult{CIN: matched[0].CIN, Status: model.CINStatusMultipleMatches}
		}
	}
	return MatchResult{Status: model.CINStatusNotFound}
}
