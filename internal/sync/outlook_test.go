package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

func TestNormalizeOutlook(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Stable", "Stable"},
		{"stable", "Stable"},
		{"  Positive  ", "Positive"},
		{"NEGATIVE", "Negative"},
		{"Stable/-", "Stable/-"},
		{"rating watch with developing implications", "Rating Watch with Developing Implications"},
		{"Rating Watch with Negative Implications", "Rating Watch with Negative Implications"},
		{"Nil", "Nil"},
		{model.NotFound, "Not Available"},
		{"", "Not Available"},
		{"Super Positive", "Not Available"},
		{"Stable / Positive", "Not Available"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeOutlook(tc.in), "input %q", tc.in)
	}
}
