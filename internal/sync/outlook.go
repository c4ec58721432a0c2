package sync

import (
	"strings"

	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

// outlookDefault is used when the extracted outlook is absent or does not
// match any option the system of record accepts.
const outlookDefault = "Not Available"

// outlookOptions are the single-select values the Outlook field accepts.
// Matching is case-insensitive; the canonical casing is what gets mirrored.
var outlookOptions = []string{
	"Nil",
	"Positive",
	"Stable",
	"Negative",
	"Stable/-",
	"Positive/-",
	"Negative/-",
	"Not Available",
	"Rating Watch with Developing Implications",
	"Rating Watch with Negative Implications",
}

// NormalizeOutlook maps an extracted outlook onto the accepted option set.
// Unknown values fall back to the default so a single odd page cannot poison
// the select field with new options.
func NormalizeOutlook(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == model.NotFound {
		return outlookDefault
	}
	for _, opt := range outlookOptions {
		if strings.EqualFold(trimmed, opt) {
			return opt
		}
	}
	zap.L().Warn("unrecognized outlook value, using default",
		zap.String("outlook", trimmed),
	)
	return outlookDefault
}
