package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme Industries Limited", "ACME-INDUSTRIES"},
		{"Acme Industries Pvt. Ltd.", "ACME-INDUSTRIES"},
		{"Acme Industries Private Limited", "ACME-INDUSTRIES"},
		{"Acme & Sons LLP", "ACME-SONS"},
		{"ABC (Erstwhile XYZ Industries) Private Limited", "ABC"},
		{"Crédit Facilities Company", "CREDIT-FACILITIES"},
		{"Acme Co.", "ACME"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Slug(tc.in), "input %q", tc.in)
	}
}

func TestAlias(t *testing.T) {
	alias, ok := Alias("ABC (Erstwhile XYZ Industries) Private Limited")
	assert.True(t, ok)
	assert.Equal(t, "XYZ Industries", alias)

	alias, ok = Alias("ABC [Formerly known as Old ABC] Limited")
	assert.True(t, ok)
	assert.Equal(t, "Old ABC", alias)

	_, ok = Alias("ABC (India) Limited")
	assert.False(t, ok)

	_, ok = Alias("ABC Limited")
	assert.False(t, ok)
}
