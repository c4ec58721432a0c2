// Package extract pulls rating-action records out of disclosure listing
// markup. The page is a flat run of company headers, each followed by one or
// more instrument cards; extraction is a single streaming pass over tag
// events, never a DOM walk, so page size does not drive memory use.
package extract

import (
	"io"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

// Record is one extracted instrument card. Fields the page omits carry the
// "Not found" sentinel rather than an empty string.
type Record struct {
	CompanyName string `json:"company_name"`
	Category    string `json:"category"`
	Rating      string `json:"rating"`
	Outlook     string `json:"outlook"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	URL         string `json:"url"`
}

// legalSuffixes marks an h3 as a company header. Matching is substring, not
// suffix: names like "Acme Limited (erstwhile Acme LLP)" still qualify.
var legalSuffixes = []string{"Limited", "LLP", "Private", "Company"}

func isCompanyHeader(text string) bool {
	for _, s := range legalSuffixes {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// field labels as they appear on the page, checked most-specific first.
const (
	labelCategory = "Instrument Category"
	labelAmount   = "Instrument Amount"
	labelRating   = "Ratings"
	labelOutlook  = "Outlook"
)

var asOnRe = regexp.MustCompile(`as on\s+([^\n\t]+)`)
var spaceRe = regexp.MustCompile(`\s+`)

func cleanText(s string) string {
	// The tokenizer decodes &nbsp; to U+00A0, which \s does not match.
	s = strings.ReplaceAll(s, " ", " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// anchor is a link candidate collected while scanning one instrument card.
type anchor struct {
	href    string
	classes string
	text    string
}

// record accumulates one card during the pass.
type record struct {
	category string
	rating   string
	outlook  string
	amount   string
	date     string
	anchors  []anchor
}

func (r *record) empty() bool {
	return r.category == "" && r.rating == "" && r.outlook == "" && r.amount == "" && r.date == "" && len(r.anchors) == 0
}

// url resolves the link cascade: explicit "View Instrument" text, then the
// view-rating class, then an uploads-path href, then any PDF link.
func (r *record) url() string {
	for _, a := range r.anchors {
		if strings.Contains(a.text, "View Instrument") && a.href != "" {
			return a.href
		}
	}
	for _, a := range r.anchors {
		if strings.Contains(a.classes, "view-rating") && a.href != "" {
			return a.href
		}
	}
	for _, a := range r.anchors {
		if strings.Contains(a.href, "admin/uploads") {
			return a.href
		}
	}
	for _, a := range r.anchors {
		if strings.Contains(a.href, ".pdf") {
			return a.href
		}
	}
	return model.NotFound
}

type dedupKey struct {
	company  string
	category string
	rating   string
	amount   string
}

// extractor is the tokenizer state machine.
type extractor struct {
	records []Record
	seen    map[dedupKey]struct{}

	company string // current company block; empty outside any block
	current record

	inHeader   bool // inside an <h3>
	headerText strings.Builder
	inAnchor   bool
	curAnchor  anchor
	pending    string // label awaiting its value text
}

// Extract runs the streaming pass over listing markup.
func Extract(r io.Reader) ([]Record, error) {
	ex := &extractor{seen: make(map[dedupKey]struct{})}
	z := html.NewTokenizer(r)

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, eris.Wrap(err, "extract: tokenize")
			}
			ex.flush()
			return ex.records, nil

		case html.StartTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "h3":
				ex.inHeader = true
				ex.headerText.Reset()
			case "a":
				ex.inAnchor = true
				ex.curAnchor = anchor{}
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					switch string(key) {
					case "href":
						ex.curAnchor.href = string(val)
					case "class":
						ex.curAnchor.classes = string(val)
					}
				}
			case "hr":
				// Void element: the tokenizer reports bare <hr> as a start tag.
				ex.flush()
				ex.company = ""
			}

		case html.SelfClosingTagToken, html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "h3":
				ex.endHeader()
			case "a":
				ex.endAnchor()
			case "hr":
				// Company separator: close the block.
				ex.flush()
				ex.company = ""
			}

		case html.TextToken:
			ex.text(string(z.Text()))
		}
	}
}

func (ex *extractor) text(raw string) {
	if ex.inHeader {
		ex.headerText.WriteString(raw)
		return
	}
	if ex.inAnchor {
		ex.curAnchor.text += raw
		return
	}
	if ex.company == "" {
		return
	}

	t := cleanText(raw)
	if t == "" {
		return
	}

	// A label node holds the label text alone, sometimes trailed by an
	// "as on" qualifier. A repeated label means the previous card ended
	// without a separator.
	for _, label := range []string{labelCategory, labelAmount, labelRating, labelOutlook} {
		if !isLabel(t, label) {
			continue
		}
		if ex.fieldSet(label) {
			ex.flush()
		}
		if m := asOnRe.FindStringSubmatch(t); m != nil && ex.current.date == "" {
			ex.current.date = cleanText(m[1])
		}
		ex.pending = label
		return
	}

	if m := asOnRe.FindStringSubmatch(t); m != nil && ex.current.date == "" {
		ex.current.date = cleanText(m[1])
		if ex.pending == "" {
			return
		}
	}

	switch ex.pending {
	case labelCategory:
		ex.current.category = t
	case labelRating:
		ex.current.rating = t
	case labelOutlook:
		ex.current.outlook = t
	case labelAmount:
		ex.current.amount = t
	}
	ex.pending = ""
}

// isLabel reports whether a text node is a field label rather than a value.
// Values never begin with a label string, so a prefix match with a short
// tail (an "as on" qualifier at most) is sufficient.
func isLabel(t, label string) bool {
	return t == label || (strings.HasPrefix(t, label) && len(t) <= len(label)+40)
}

func (ex *extractor) fieldSet(label string) bool {
	switch label {
	case labelCategory:
		return ex.current.category != ""
	case labelRating:
		return ex.current.rating != ""
	case labelOutlook:
		return ex.current.outlook != ""
	case labelAmount:
		return ex.current.amount != ""
	}
	return false
}

func (ex *extractor) endHeader() {
	if !ex.inHeader {
		return
	}
	ex.inHeader = false
	text := cleanText(ex.headerText.String())
	if !isCompanyHeader(text) {
		return
	}
	// New company block: finish the previous card first.
	ex.flush()
	ex.company = text
}

func (ex *extractor) endAnchor() {
	if !ex.inAnchor {
		return
	}
	ex.inAnchor = false
	if ex.company == "" {
		return
	}
	ex.curAnchor.text = cleanText(ex.curAnchor.text)
	ex.current.anchors = append(ex.current.anchors, ex.curAnchor)
}

// flush finalizes the current card. Cards with neither category nor rating
// are dropped; duplicate cards within the pass are suppressed.
func (ex *extractor) flush() {
	defer func() {
		ex.current = record{}
		ex.pending = ""
	}()

	if ex.company == "" || ex.current.empty() {
		return
	}
	if ex.current.category == "" && ex.current.rating == "" {
		return
	}

	rec := Record{
		CompanyName: ex.company,
		Category:    orNotFound(ex.current.category),
		Rating:      orNotFound(ex.current.rating),
		Outlook:     orNotFound(ex.current.outlook),
		Amount:      orNotFound(ex.current.amount),
		Date:        orNotFound(ex.current.date),
		URL:         ex.current.url(),
	}

	key := dedupKey{rec.CompanyName, rec.Category, rec.Rating, rec.Amount}
	if _, dup := ex.seen[key]; dup {
		return
	}
	ex.seen[key] = struct{}{}
	ex.records = append(ex.records, rec)
}

func orNotFound(s string) string {
	if s == "" {
		return model.NotFound
	}
	return s
}
