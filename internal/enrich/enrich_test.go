package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestmark-data/ratings-sync/internal/config"
	"github.com/crestmark-data/ratings-sync/internal/model"
	"github.com/crestmark-data/ratings-sync/internal/scraper"
	"github.com/crestmark-data/ratings-sync/internal/store"
	"github.com/crestmark-data/ratings-sync/pkg/airtable"
)

const resultsPage = `<html><body>
<table>
  <tr><th>CIN</th><th>Company Name</th></tr>
  <tr><td>L11111MH2001PLC111111</td><td>Acme Industries Limited</td></tr>
  <tr><td>L22222MH2005PLC222222</td><td>Acme Industries Pvt Ltd</td></tr>
  <tr><td></td><td>Row Without Identifier</td></tr>
</table>
</body></html>`

func TestParseResults(t *testing.T) {
	candidates, err := ParseResults([]byte(resultsPage))
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, Candidate{CIN: "L11111MH2001PLC111111", Name: "Acme Industries Limited"}, candidates[0])
}

func TestParseResults_NoTable(t *testing.T) {
	candidates, err := ParseResults([]byte("<html><body><p>No results</p></body></html>"))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

// cinRecorder implements the system-of-record client surface and records
// identifier mirror updates.
type cinRecorder struct {
	updates map[string]map[string]any
}

func (r *cinRecorder) CreateRecords(context.Context, string, []airtable.Record) ([]airtable.Record, error) {
	return nil, nil
}

func (r *cinRecorder) UpdateRecord(_ context.Context, _, recordID string, fields map[string]any) (airtable.Record, error) {
	if r.updates == nil {
		r.updates = make(map[string]map[string]any)
	}
	r.updates[recordID] = fields
	return airtable.Record{ID: recordID, Fields: fields}, nil
}

func (r *cinRecorder) ListRecords(context.Context, string, airtable.ListOptions) ([]airtable.Record, error) {
	return nil, nil
}

func newTestPipeline(t *testing.T, pages map[string]string) (*Pipeline, store.Store, *cinRecorder) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	sc := scraper.New(config.ScraperConfig{
		BaseURL:     srv.URL,
		UserAgent:   "test-agent",
		TimeoutSecs: 5,
	}, nil)

	recorder := &cinRecorder{}
	return NewPipeline(st, sc, recorder, srv.URL, "Companies"), st, recorder
}

func seedCompany(t *testing.T, st store.Store, name, airtableID string) *model.Company {
	t.Helper()
	ctx := context.Background()
	_, err := st.BatchInsert(ctx, "job-1", []model.Rating{{
		CompanyName: name,
		Instrument:  "Long Term Facilities",
		Rating:      "IVR BBB+",
		RawDate:     "Oct 10, 2025",
	}})
	require.NoError(t, err)
	company, err := st.GetCompanyByName(ctx, name)
	require.NoError(t, err)
	if airtableID != "" {
		require.NoError(t, st.UpdateCompanyAirtableID(ctx, company.ID, airtableID))
		company.AirtableRecordID = airtableID
	}
	return company
}

func TestLookup_FoundAndMirrored(t *testing.T) {
	p, st, recorder := newTestPipeline(t, map[string]string{
		"/ACME-INDUSTRIES": resultsPage,
	})
	ctx := context.Background()
	company := seedCompany(t, st, "Acme Industries Limited", "recACME")

	res, err := p.Lookup(ctx, company)
	require.NoError(t, err)
	assert.Equal(t, model.CINStatusFound, res.Status)
	assert.Equal(t, "L11111MH2001PLC111111", res.CIN)

	// Persisted on the company row and no longer offered for lookup.
	updated, err := st.GetCompanyByName(ctx, company.Name)
	require.NoError(t, err)
	assert.Equal(t, "L11111MH2001PLC111111", updated.CIN)
	assert.Equal(t, model.CINStatusFound, updated.CINStatus)

	pending, err := st.CompaniesNeedingCINLookup(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Mirrored to the system of record.
	require.Contains(t, recorder.updates, "recACME")
	assert.Equal(t, "L11111MH2001PLC111111", recorder.updates["recACME"][fieldCIN])
}

func TestLookup_AliasFallback(t *testing.T) {
	p, st, _ := newTestPipeline(t, map[string]string{
		"/ABC": "<html><body><table></table></body></html>",
		"/XYZ-INDUSTRIES": `<table>
			<tr><td>L33333MH1999PLC333333</td><td>XYZ Industries Private Limited</td></tr>
		</table>`,
	})
	ctx := context.Background()
	company := seedCompany(t, st, "ABC (Erstwhile XYZ Industries) Private Limited", "")

	res, err := p.Lookup(ctx, company)
	require.NoError(t, err)
	assert.Equal(t, model.CINStatusFound, res.Status)
	assert.Equal(t, "L33333MH1999PLC333333", res.CIN)
}

func TestLookup_NotFoundWithoutAliasIsTerminal(t *testing.T) {
	p, st, recorder := newTestPipeline(t, map[string]string{
		"/ACME-INDUSTRIES": `<table>
			<tr><td>L44444MH2010PLC444444</td><td>Unrelated Traders Limited</td></tr>
		</table>`,
	})
	ctx := context.Background()
	company := seedCompany(t, st, "Acme Industries Limited", "recACME")

	res, err := p.Lookup(ctx, company)
	require.NoError(t, err)
	assert.Equal(t, model.CINStatusNotFound, res.Status)

	// Terminal outcome: not retried, not mirrored.
	pending, err := st.CompaniesNeedingCINLookup(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, recorder.updates)
}

func TestLookup_FetchErrorRecordsErrorStatus(t *testing.T) {
	p, st, _ := newTestPipeline(t, map[string]string{})
	ctx := context.Background()
	company := seedCompany(t, st, "Acme Industries Limited", "")

	_, err := p.Lookup(ctx, company)
	require.Error(t, err)

	// Errored lookups stay eligible for retry.
	pending, err := st.CompaniesNeedingCINLookup(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.CINStatusError, pending[0].CINStatus)
}

func TestLookupPending(t *testing.T) {
	p, st, _ := newTestPipeline(t, map[string]string{
		"/ACME-INDUSTRIES": resultsPage,
	})
	ctx := context.Background()
	seedCompany(t, st, "Acme Industries Limited", "")
	seedCompany(t, st, "Missing Page Limited", "")

	done, failed, err := p.LookupPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, failed)
}