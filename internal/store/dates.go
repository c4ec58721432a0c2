package store

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// dateLayouts lists the date renderings observed on the disclosure site,
// tried in order. The site is inconsistent across press releases, so every
// form seen in production is kept here.
var dateLayouts = []string{
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"2-Jan-2006",
	"02/01/2006",
	"2 Jan 2006",
	"2 January 2006",
}

// ParseRatingDate normalizes a raw display date to a calendar date. The raw
// value is preserved by callers; an error here means the record is skipped,
// never that the batch fails.
func ParseRatingDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, eris.New("store: empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("store: unparseable date %q", raw)
}
