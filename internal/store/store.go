package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/crestmark-data/ratings-sync/internal/config"
	"github.com/crestmark-data/ratings-sync/internal/model"
)

// BatchResult summarizes one batch insert of extracted ratings.
type BatchResult struct {
	Inserted         int `json:"inserted"`
	Duplicates       int `json:"duplicates"`
	SkippedBadDate   int `json:"skipped_bad_date"`
	CompaniesCreated int `json:"companies_created"`
}

// Store defines the persistence interface for the ratings ledger. The ledger
// is the source of truth for deduplication; the system-of-record mirror is
// derived from it.
type Store interface {
	// Ratings
	InsertRating(ctx context.Context, r *model.Rating) (bool, error)
	BatchInsert(ctx context.Context, jobID string, ratings []model.Rating) (*BatchResult, error)
	UnsyncedRatings(ctx context.Context, jobID string) ([]model.Rating, error)
	UpdateRatingAirtableIDs(ctx context.Context, ids map[int64]string) error
	MarkRatingsSyncFailed(ctx context.Context, ratingIDs []int64, reason string) error
	ClearSyncFailures(ctx context.Context, jobID string) (int, error)

	// Companies
	GetCompanyByName(ctx context.Context, name string) (*model.Company, error)
	CompaniesWithoutAirtableID(ctx context.Context, jobID string) ([]model.Company, error)
	UpdateCompanyAirtableID(ctx context.Context, companyID int64, recordID string) error
	UpdateCompanyAirtableIDs(ctx context.Context, ids map[int64]string) error

	// Identifier enrichment
	UpdateCompanyCIN(ctx context.Context, companyID int64, cin string, status model.CINStatus) error
	CompaniesNeedingCINLookup(ctx context.Context, limit int) ([]model.Company, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New creates a Store for the configured driver.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, nil)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
