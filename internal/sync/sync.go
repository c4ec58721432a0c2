// Package sync mirrors the ratings ledger into the Airtable system of
// record. The ledger stays authoritative: sync only writes record ids and
// failure flags back, never rating content.
package sync

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/cache"
	"github.com/crestmark-data/ratings-sync/internal/config"
	"github.com/crestmark-data/ratings-sync/internal/model"
	"github.com/crestmark-data/ratings-sync/internal/resilience"
	"github.com/crestmark-data/ratings-sync/internal/store"
	"github.com/crestmark-data/ratings-sync/pkg/airtable"
)

// Companies table field names.
const fieldCompanyName = "Name"

// Ratings table field names.
const (
	fieldRatingCompany    = "Company Name"
	fieldRatingInstrument = "Instrument"
	fieldRatingValue      = "Rating"
	fieldRatingOutlook    = "Outlook"
	fieldRatingAmount     = "Amount"
	fieldRatingDate       = "Rating Date"
	fieldRatingSourceURL  = "Source URL"
	fieldRatingCompanyRef = "Company"
)

const airtableDateLayout = "2006-01-02"

// errCompanyNotSynced is the failure reason recorded on ratings whose
// company has no mirror record. A later resync picks them up once the
// company sync succeeds.
const errCompanyNotSynced = "Company not synced to Airtable"

// Syncer pushes unsynced ledger rows to the system of record.
type Syncer struct {
	store  store.Store
	client airtable.Client
	cache  *cache.Cache
	cfg    config.AirtableConfig
}

// New builds a Syncer. The cache maps company names to Airtable record ids
// so rating batches do not re-query the store for every row.
func New(st store.Store, client airtable.Client, companyCache *cache.Cache, cfg config.AirtableConfig) *Syncer {
	return &Syncer{store: st, client: client, cache: companyCache, cfg: cfg}
}

func (s *Syncer) batchSize() int {
	if s.cfg.BatchSize > 0 && s.cfg.BatchSize <= airtable.MaxBatchSize {
		return s.cfg.BatchSize
	}
	return airtable.MaxBatchSize
}

func (s *Syncer) retryConfig() resilience.RetryConfig {
	attempts := s.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		OnRetry:        resilience.RetryLogger("airtable", "create records"),
	}
}

func (s *Syncer) createWithRetry(ctx context.Context, table string, records []airtable.Record) ([]airtable.Record, error) {
	return resilience.DoVal(ctx, s.retryConfig(), func(ctx context.Context) ([]airtable.Record, error) {
		return s.client.CreateRecords(ctx, table, records)
	})
}

// SyncCompaniesForJob mirrors companies first seen during the given job that
// have no Airtable record yet, and writes the new record ids back to the
// store. An empty jobID syncs every unmirrored company.
func (s *Syncer) SyncCompaniesForJob(ctx context.Context, jobID string) (int, error) {
	companies, err := s.store.CompaniesWithoutAirtableID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if len(companies) == 0 {
		return 0, nil
	}

	synced := 0
	size := s.batchSize()
	for start := 0; start < len(companies); start += size {
		batch := companies[start:min(start+size, len(companies))]

		records := make([]airtable.Record, len(batch))
		for i, c := range batch {
			records[i] = airtable.Record{Fields: map[string]any{fieldCompanyName: c.Name}}
		}

		created, err := s.createWithRetry(ctx, s.cfg.CompaniesTable, records)
		if err != nil {
			// A batch can fail because one name already exists in the base
			// from a run whose write-back was lost. Fall back to per-company
			// sync with an existence re-check.
			zap.L().Warn("company batch create failed, falling back to per-company sync",
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			synced += s.syncCompaniesOneByOne(ctx, batch)
			continue
		}

		ids := make(map[int64]string, len(batch))
		for i, rec := range created {
			ids[batch[i].ID] = rec.ID
			s.cache.Put(ctx, batch[i].Name, rec.ID)
		}
		if err := s.store.UpdateCompanyAirtableIDs(ctx, ids); err != nil {
			return synced, eris.Wrap(err, "sync: write back company record ids")
		}
		synced += len(created)
	}
	return synced, nil
}

func (s *Syncer) syncCompaniesOneByOne(ctx context.Context, companies []model.Company) int {
	synced := 0
	for _, c := range companies {
		recordID, err := s.ensureCompanyRecord(ctx, c.Name)
		if err != nil {
			zap.L().Warn("company sync failed",
				zap.String("company", c.Name),
				zap.Error(err),
			)
			continue
		}
		if err := s.store.UpdateCompanyAirtableID(ctx, c.ID, recordID); err != nil {
			zap.L().Warn("company record id write back failed",
				zap.String("company", c.Name),
				zap.Error(err),
			)
			continue
		}
		s.cache.Put(ctx, c.Name, recordID)
		synced++
	}
	return synced
}

// ensureCompanyRecord finds the company's mirror record by name, creating it
// when absent.
func (s *Syncer) ensureCompanyRecord(ctx context.Context, name string) (string, error) {
	existing, err := s.client.ListRecords(ctx, s.cfg.CompaniesTable, airtable.ListOptions{
		FilterByFormula: formulaEquals(fieldCompanyName, name),
		MaxRecords:      1,
	})
	if err != nil {
		return "", eris.Wrap(err, "sync: look up company record")
	}
	if len(existing) > 0 {
		return existing[0].ID, nil
	}

	created, err := s.createWithRetry(ctx, s.cfg.CompaniesTable, []airtable.Record{
		{Fields: map[string]any{fieldCompanyName: name}},
	})
	if err != nil {
		return "", eris.Wrap(err, "sync: create company record")
	}
	if len(created) == 0 {
		return "", eris.New("sync: company create returned no records")
	}
	return created[0].ID, nil
}

// SyncRatingsForJob mirrors the job's unsynced ratings in batches. Ratings
// whose company has no mirror record, and batches that exhaust their
// retries, are marked sync-failed and left for a later resync; one bad batch
// never aborts the rest.
func (s *Syncer) SyncRatingsForJob(ctx context.Context, jobID string) (model.JobCounters, error) {
	var counters model.JobCounters

	ratings, err := s.store.UnsyncedRatings(ctx, jobID)
	if err != nil {
		return counters, err
	}
	if len(ratings) == 0 {
		return counters, nil
	}

	size := s.batchSize()
	for start := 0; start < len(ratings); start += size {
		batch := ratings[start:min(start+size, len(ratings))]

		records := make([]airtable.Record, 0, len(batch))
		ids := make([]int64, 0, len(batch))
		var orphaned []int64
		for _, r := range batch {
			companyRecordID, err := s.resolveCompanyRecord(ctx, r.CompanyName)
			if err != nil {
				orphaned = append(orphaned, r.ID)
				continue
			}
			records = append(records, airtable.Record{Fields: s.ratingFields(r, companyRecordID)})
			ids = append(ids, r.ID)
		}

		if len(orphaned) > 0 {
			if err := s.store.MarkRatingsSyncFailed(ctx, orphaned, errCompanyNotSynced); err != nil {
				return counters, eris.Wrap(err, "sync: mark orphaned ratings failed")
			}
			counters.SyncFailures += len(orphaned)
		}
		if len(records) == 0 {
			continue
		}

		created, err := s.createWithRetry(ctx, s.cfg.RatingsTable, records)
		if err != nil {
			zap.L().Error("rating batch sync failed after retries",
				zap.Int("batch_size", len(records)),
				zap.Error(err),
			)
			if markErr := s.store.MarkRatingsSyncFailed(ctx, ids, err.Error()); markErr != nil {
				return counters, eris.Wrap(markErr, "sync: mark rating batch failed")
			}
			counters.SyncFailures += len(ids)
			continue
		}

		recordIDs := make(map[int64]string, len(created))
		for i, rec := range created {
			recordIDs[ids[i]] = rec.ID
		}
		if err := s.store.UpdateRatingAirtableIDs(ctx, recordIDs); err != nil {
			return counters, eris.Wrap(err, "sync: write back rating record ids")
		}
		counters.UploadedToAirtable += len(created)
	}
	return counters, nil
}

// Resync clears previous sync failures for the job and pushes everything
// unsynced again.
func (s *Syncer) Resync(ctx context.Context, jobID string) (model.JobCounters, error) {
	cleared, err := s.store.ClearSyncFailures(ctx, jobID)
	if err != nil {
		return model.JobCounters{}, err
	}
	zap.L().Info("cleared sync failures for resync",
		zap.String("job_id", jobID),
		zap.Int("cleared", cleared),
	)
	if _, err := s.SyncCompaniesForJob(ctx, jobID); err != nil {
		return model.JobCounters{}, err
	}
	return s.SyncRatingsForJob(ctx, jobID)
}

func (s *Syncer) ratingFields(r model.Rating, companyRecordID string) map[string]any {
	fields := map[string]any{
		fieldRatingCompany:    r.CompanyName,
		fieldRatingInstrument: r.Instrument,
		fieldRatingValue:      r.Rating,
		fieldRatingOutlook:    NormalizeOutlook(r.Outlook),
		fieldRatingAmount:     r.Amount,
		fieldRatingSourceURL:  r.SourceURL,
		fieldRatingCompanyRef: []string{companyRecordID},
	}
	if !r.RatingDate.IsZero() {
		fields[fieldRatingDate] = r.RatingDate.Format(airtableDateLayout)
	}
	return fields
}

// resolveCompanyRecord maps a company name to its Airtable record id via the
// cache, falling back to the store.
func (s *Syncer) resolveCompanyRecord(ctx context.Context, name string) (string, error) {
	if id, ok := s.cache.Get(ctx, name); ok {
		return id, nil
	}
	company, err := s.store.GetCompanyByName(ctx, name)
	if err != nil {
		return "", eris.Wrapf(err, "sync: resolve company %q", name)
	}
	if company.AirtableRecordID == "" {
		return "", eris.Errorf("sync: company %q has no record id", name)
	}
	s.cache.Put(ctx, name, company.AirtableRecordID)
	return company.AirtableRecordID, nil
}

// formulaEquals builds an exact-match filterByFormula clause.
func formulaEquals(field, value string) string {
	escaped := strings.ReplaceAll(value, `"`, `\"`)
	return "{" + field + `}="` + escaped + `"`
}
