package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_InsertRating_DedupIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r1 := testRating("Acme Industries Limited")
	inserted, err := st.InsertRating(ctx, &r1)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same identity quadruple again: no new row, no error.
	r2 := testRating("Acme Industries Limited")
	inserted, err = st.InsertRating(ctx, &r2)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestSQLite_InsertRating_DifferentRatingIsNew(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r1 := testRating("Acme Industries Limited")
	_, err := st.InsertRating(ctx, &r1)
	require.NoError(t, err)

	r2 := testRating("Acme Industries Limited")
	r2.Rating = "IVR A-"
	inserted, err := st.InsertRating(ctx, &r2)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSQLite_BatchInsert_CountsAndCompanyCreation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	bad := testRating("Beta Finance Private Limited")
	bad.RawDate = "garbage"

	batch := []model.Rating{
		testRating("Acme Industries Limited"),
		testRating("Acme Industries Limited"), // duplicate of the first
		testRating("Beta Finance Private Limited"),
		bad,
	}
	batch[2].Instrument = "Short Term Facilities"

	res, err := st.BatchInsert(ctx, "job-1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.SkippedBadDate)
	assert.Equal(t, 2, res.CompaniesCreated)
}

func TestSQLite_UnsyncedRatings_ExcludesSyncedAndFailed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	batch := []model.Rating{testRating("A Limited"), testRating("B Limited"), testRating("C Limited")}
	_, err := st.BatchInsert(ctx, "job-1", batch)
	require.NoError(t, err)

	unsynced, err := st.UnsyncedRatings(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, unsynced, 3)

	// Mirror one, fail one.
	require.NoError(t, st.UpdateRatingAirtableIDs(ctx, map[int64]string{unsynced[0].ID: "recAAA"}))
	require.NoError(t, st.MarkRatingsSyncFailed(ctx, []int64{unsynced[1].ID}, "company not synced to Airtable"))

	remaining, err := st.UnsyncedRatings(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, unsynced[2].ID, remaining[0].ID)
}

func TestSQLite_ClearSyncFailures_RestoresVisibility(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.BatchInsert(ctx, "job-1", []model.Rating{testRating("A Limited")})
	require.NoError(t, err)
	unsynced, err := st.UnsyncedRatings(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, st.MarkRatingsSyncFailed(ctx, []int64{unsynced[0].ID}, "rate limited"))

	n, err := st.ClearSyncFailures(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := st.UnsyncedRatings(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, restored, 1)
}

func TestSQLite_CompaniesWithoutAirtableID_JobScoped(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.BatchInsert(ctx, "job-1", []model.Rating{testRating("A Limited")})
	require.NoError(t, err)
	_, err = st.BatchInsert(ctx, "job-2", []model.Rating{testRating("B Limited")})
	require.NoError(t, err)

	companies, err := st.CompaniesWithoutAirtableID(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, "A Limited", companies[0].Name)

	// After write-back the company drops out of the listing.
	require.NoError(t, st.UpdateCompanyAirtableID(ctx, companies[0].ID, "recAAA"))
	companies, err = st.CompaniesWithoutAirtableID(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, companies)
}

func TestSQLite_CINLookupLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.BatchInsert(ctx, "job-1", []model.Rating{testRating("A Limited")})
	require.NoError(t, err)

	pending, err := st.CompaniesNeedingCINLookup(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.CINStatusPending, pending[0].CINStatus)

	require.NoError(t, st.UpdateCompanyCIN(ctx, pending[0].ID, "U12345MH2010PLC123456", model.CINStatusFound))

	// Terminal statuses are not offered for retry.
	pending, err = st.CompaniesNeedingCINLookup(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	c, err := st.GetCompanyByName(ctx, "A Limited")
	require.NoError(t, err)
	assert.Equal(t, "U12345MH2010PLC123456", c.CIN)
	assert.Equal(t, model.CINStatusFound, c.CINStatus)
}

func TestSQLite_GetCompanyByName_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetCompanyByName(context.Background(), "Nobody Limited")
	assert.ErrorIs(t, err, ErrNotFound)
}
