package enrich

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var bracketRe = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)

// aliasRe captures a bracketed "erstwhile"/"formerly" alternate name, e.g.
// "ABC (Erstwhile XYZ Industries) Private Limited".
var aliasRe = regexp.MustCompile(`(?i)[(\[]\s*(?:erstwhile|formerly(?:\s+known\s+as)?)\s+([^)\]]+)[)\]]`)

// legalSuffixes are the trailing legal-form tokens stripped when deriving a
// search slug or a core name. Compared uppercase with trailing dots removed.
var legalSuffixes = map[string]struct{}{
	"LIMITED": {}, "LTD": {}, "PRIVATE": {}, "PVT": {},
	"LLP": {}, "COMPANY": {}, "CO": {},
}

var diacriticFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldDiacritics(s string) string {
	out, _, err := transform.String(diacriticFold, s)
	if err != nil {
		return s
	}
	return out
}

// stripLegalSuffixes drops legal-form tokens from the end of the token list,
// repeatedly, so "Pvt Ltd" and "Private Limited" both disappear.
func stripLegalSuffixes(tokens []string) []string {
	for len(tokens) > 0 {
		last := strings.TrimRight(strings.ToUpper(tokens[len(tokens)-1]), ".")
		if _, ok := legalSuffixes[last]; !ok {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

// Slug derives the search-path slug for a company name: bracketed alternates
// removed, legal-form suffixes stripped from the end, diacritics folded,
// uppercased, hyphen-joined.
func Slug(name string) string {
	cleaned := bracketRe.ReplaceAllString(name, " ")
	cleaned = foldDiacritics(cleaned)

	var tokens []string
	for _, t := range strings.Fields(cleaned) {
		t = strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, t)
		if t != "" {
			tokens = append(tokens, strings.ToUpper(t))
		}
	}
	tokens = stripLegalSuffixes(tokens)
	return strings.Join(tokens, "-")
}

// Alias returns the bracketed "erstwhile"/"formerly" alternate name, if the
// name carries one.
func Alias(name string) (string, bool) {
	m := aliasRe.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	alias := strings.TrimSpace(m[1])
	return alias, alias != ""
}
