package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

func card(category, rating, outlook, amount, date, link string) string {
	var b strings.Builder
	b.WriteString(`<div class="rating-box">`)
	if category != "" {
		b.WriteString(`<div>Instrument Category</div><div>` + category + `</div>`)
	}
	if date != "" {
		b.WriteString(`<div>as on ` + date + `</div>`)
	}
	if rating != "" {
		b.WriteString(`<div>Ratings</div><div>` + rating + `</div>`)
	}
	if outlook != "" {
		b.WriteString(`<div>Outlook</div><div>` + outlook + `</div>`)
	}
	if amount != "" {
		b.WriteString(`<div>Instrument Amount</div><div>` + amount + `</div>`)
	}
	if link != "" {
		b.WriteString(link)
	}
	b.WriteString(`</div>`)
	return b.String()
}

func TestExtract_SingleCompanySingleCard(t *testing.T) {
	page := `<html><body>
		<h3>Acme Industries Limited</h3>` +
		card("Long Term Fund Based Facilities", "IVR BBB+", "Stable", "150.00", "Oct 10, 2025",
			`<a class="view-rating" href="https://example.com/admin/uploads/pr-acme.pdf">View Instrument</a>`) +
		`<hr></body></html>`

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, "Acme Industries Limited", r.CompanyName)
	assert.Equal(t, "Long Term Fund Based Facilities", r.Category)
	assert.Equal(t, "IVR BBB+", r.Rating)
	assert.Equal(t, "Stable", r.Outlook)
	assert.Equal(t, "150.00", r.Amount)
	assert.Equal(t, "Oct 10, 2025", r.Date)
	assert.Equal(t, "https://example.com/admin/uploads/pr-acme.pdf", r.URL)
}

func TestExtract_MultipleCardsPerCompany(t *testing.T) {
	page := `<h3>Acme Industries Limited</h3>` +
		card("Long Term Facilities", "IVR BBB+", "Stable", "150.00", "Oct 10, 2025", "") +
		card("Short Term Facilities", "IVR A2", "", "50.00", "Oct 10, 2025", "") +
		`<hr>`

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Long Term Facilities", records[0].Category)
	assert.Equal(t, "Short Term Facilities", records[1].Category)
	// Outlook missing on the second card.
	assert.Equal(t, model.NotFound, records[1].Outlook)
}

func TestExtract_MultipleCompaniesSeparatedByHeaders(t *testing.T) {
	page := `<h3>Acme Industries Limited</h3>` +
		card("Long Term Facilities", "IVR BBB+", "Stable", "150.00", "", "") +
		`<h3>Beta Finance Private Limited</h3>` +
		card("NCD Issue", "IVR A-", "Positive", "300.00", "", "")

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Acme Industries Limited", records[0].CompanyName)
	assert.Equal(t, "Beta Finance Private Limited", records[1].CompanyName)
}

func TestExtract_NonCompanyHeaderIgnored(t *testing.T) {
	page := `<h3>Latest Rating Actions</h3>
		<h3>Acme Industries Limited</h3>` +
		card("Long Term Facilities", "IVR BBB+", "Stable", "150.00", "", "")

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Acme Industries Limited", records[0].CompanyName)
}

func TestExtract_InPassDuplicateSuppressed(t *testing.T) {
	page := `<h3>Acme Industries Limited</h3>` +
		card("Long Term Facilities", "IVR BBB+", "Stable", "150.00", "", "") +
		card("Long Term Facilities", "IVR BBB+", "Stable", "150.00", "", "")

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExtract_CardWithoutCategoryOrRatingDropped(t *testing.T) {
	page := `<h3>Acme Industries Limited</h3>` +
		card("", "", "Stable", "150.00", "Oct 10, 2025", "")

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExtract_CategoryAloneIsKept(t *testing.T) {
	page := `<h3>Acme Industries Limited</h3>` +
		card("Long Term Facilities", "", "", "", "", "")

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.NotFound, records[0].Rating)
	assert.Equal(t, model.NotFound, records[0].URL)
}

func TestExtract_URLCascade(t *testing.T) {
	cases := []struct {
		name string
		link string
		want string
	}{
		{
			name: "view instrument text wins",
			link: `<a href="https://x.com/other.pdf">something</a><a href="https://x.com/target">View Instrument</a>`,
			want: "https://x.com/target",
		},
		{
			name: "view-rating class",
			link: `<a class="btn view-rating" href="https://x.com/class-target">open</a>`,
			want: "https://x.com/class-target",
		},
		{
			name: "uploads path",
			link: `<a href="https://x.com/admin/uploads/pr.docx">doc</a>`,
			want: "https://x.com/admin/uploads/pr.docx",
		},
		{
			name: "pdf fallback",
			link: `<a href="https://x.com/some/file.pdf">file</a>`,
			want: "https://x.com/some/file.pdf",
		},
		{
			name: "no usable link",
			link: `<a href="https://x.com/about">about us</a>`,
			want: model.NotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page := `<h3>Acme Industries Limited</h3>` +
				card("Long Term Facilities", "IVR BBB+", "", "", "", tc.link)
			records, err := Extract(strings.NewReader(page))
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, tc.want, records[0].URL)
		})
	}
}

func TestExtract_OrphanCardsAfterSeparatorDropped(t *testing.T) {
	page := `<h3>Acme Industries Limited</h3>` +
		card("Long Term Facilities", "IVR BBB+", "", "", "", "") +
		`<hr>` +
		card("Stray Card", "IVR C", "", "", "", "")

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Acme Industries Limited", records[0].CompanyName)
}

func TestExtract_EntitiesAndWhitespaceCleaned(t *testing.T) {
	page := `<h3>  Acme &amp; Sons   Limited </h3>` +
		card(`Long  Term
			Facilities`, "IVR&nbsp;BBB+", "", "", "", "")

	records, err := Extract(strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Acme & Sons Limited", records[0].CompanyName)
	assert.Equal(t, "Long Term Facilities", records[0].Category)
	assert.Equal(t, "IVR BBB+", records[0].Rating)
}

func TestExtract_EmptyPage(t *testing.T) {
	records, err := Extract(strings.NewReader("<html><body></body></html>"))
	require.NoError(t, err)
	assert.Empty(t, records)
}
