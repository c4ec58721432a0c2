package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestmark-data/ratings-sync/internal/db"
	"github.com/crestmark-data/ratings-sync/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = eris.New("store: not found")

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	insertRatingSQL = `INSERT INTO ratings (company_id, company_name, instrument, rating, outlook, amount, raw_date, rating_date, source_url, job_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (company_name, instrument, rating, rating_date) DO NOTHING RETURNING id`
	createCompanySQL = `INSERT INTO companies (name, cin_status) VALUES ($1, 'pending') ON CONFLICT (name) DO NOTHING RETURNING id`
	companyIDSQL     = `SELECT id FROM companies WHERE name = $1`
)

// preparedStatements lists queries to prepare on each new connection. Batch
// inserts hit these once per extracted record.
var preparedStatements = map[string]string{
	"insert_rating":  insertRatingSQL,
	"create_company": createCompanySQL,
	"company_id":     companyIDSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id                 BIGSERIAL PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE,
	airtable_record_id TEXT,
	cin                TEXT,
	cin_status         TEXT NOT NULL DEFAULT 'pending',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ratings (
	id                 BIGSERIAL PRIMARY KEY,
	company_id         BIGINT REFERENCES companies(id),
	company_name       TEXT NOT NULL,
	instrument         TEXT NOT NULL,
	rating             TEXT NOT NULL,
	outlook            TEXT,
	amount             TEXT,
	raw_date           TEXT,
	rating_date        DATE NOT NULL,
	source_url         TEXT,
	job_id             TEXT,
	airtable_record_id TEXT,
	uploaded_at        TIMESTAMPTZ,
	sync_failed        BOOLEAN NOT NULL DEFAULT false,
	sync_error         TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT ratings_identity UNIQUE (company_name, instrument, rating, rating_date)
);

CREATE INDEX IF NOT EXISTS idx_ratings_job_id ON ratings(job_id);
CREATE INDEX IF NOT EXISTS idx_ratings_unsynced ON ratings(job_id) WHERE airtable_record_id IS NULL AND sync_failed = false;
CREATE INDEX IF NOT EXISTS idx_ratings_company_id ON ratings(company_id);
CREATE INDEX IF NOT EXISTS idx_companies_cin_status ON companies(cin_status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ensureCompany creates the company row on first sight and returns its id.
// The second return reports whether the row was created by this call.
func (s *PostgresStore) ensureCompany(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, createCompanySQL, name).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, eris.Wrapf(err, "postgres: create company %s", name)
	}
	// Lost the conflict: the row already exists.
	if err := s.pool.QueryRow(ctx, companyIDSQL, name).Scan(&id); err != nil {
		return 0, false, eris.Wrapf(err, "postgres: lookup company %s", name)
	}
	return id, false, nil
}

// InsertRating inserts one rating, deduplicating on the identity quadruple.
// Returns false when an identical record already exists.
func (s *PostgresStore) InsertRating(ctx context.Context, r *model.Rating) (bool, error) {
	companyID, _, err := s.ensureCompany(ctx, r.CompanyName)
	if err != nil {
		return false, err
	}
	r.CompanyID = companyID

	err = s.pool.QueryRow(ctx, insertRatingSQL,
		companyID, r.CompanyName, r.Instrument, r.Rating, r.Outlook, r.Amount,
		r.RawDate, r.RatingDate, r.SourceURL, r.JobID,
	).Scan(&r.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert rating for %s", r.CompanyName)
	}
	return true, nil
}

// BatchInsert persists a batch of extracted ratings under one job id. Raw
// dates are normalized here; records whose date cannot be parsed are skipped
// and logged, never fatal.
func (s *PostgresStore) BatchInsert(ctx context.Context, jobID string, ratings []model.Rating) (*BatchResult, error) {
	res := &BatchResult{}
	for i := range ratings {
		r := &ratings[i]
		r.JobID = jobID

		if r.RatingDate.IsZero() {
			d, err := ParseRatingDate(r.RawDate)
			if err != nil {
				zap.L().Warn("skipping record with unparseable date",
					zap.String("company", r.CompanyName),
					zap.String("raw_date", r.RawDate))
				res.SkippedBadDate++
				continue
			}
			r.RatingDate = d
		}

		companyID, created, err := s.ensureCompany(ctx, r.CompanyName)
		if err != nil {
			return res, err
		}
		if created {
			res.CompaniesCreated++
		}
		r.CompanyID = companyID

		err = s.pool.QueryRow(ctx, insertRatingSQL,
			companyID, r.CompanyName, r.Instrument, r.Rating, r.Outlook, r.Amount,
			r.RawDate, r.RatingDate, r.SourceURL, r.JobID,
		).Scan(&r.ID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Duplicates++
		case err != nil:
			return res, eris.Wrapf(err, "postgres: insert rating for %s", r.CompanyName)
		default:
			res.Inserted++
		}
	}
	return res, nil
}

const ratingColumns = `id, company_id, company_name, instrument, rating, COALESCE(outlook, ''), COALESCE(amount, ''), COALESCE(raw_date, ''), rating_date, COALESCE(source_url, ''), COALESCE(job_id, '')`

// UnsyncedRatings returns ratings for a job that have neither been mirrored
// nor marked sync-failed. An empty job id selects across all jobs.
func (s *PostgresStore) UnsyncedRatings(ctx context.Context, jobID string) ([]model.Rating, error) {
	query := `SELECT ` + ratingColumns + ` FROM ratings WHERE airtable_record_id IS NULL AND sync_failed = false`
	args := []any{}
	if jobID != "" {
		query += ` AND job_id = $1`
		args = append(args, jobID)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unsynced ratings")
	}
	defer rows.Close()

	var out []model.Rating
	for rows.Next() {
		var r model.Rating
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.CompanyName, &r.Instrument, &r.Rating,
			&r.Outlook, &r.Amount, &r.RawDate, &r.RatingDate, &r.SourceURL, &r.JobID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rating")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate ratings")
}

// UpdateRatingAirtableIDs writes back mirror record ids after a successful
// batch create, clearing any stale failure flags.
func (s *PostgresStore) UpdateRatingAirtableIDs(ctx context.Context, ids map[int64]string) error {
	now := time.Now().UTC()
	for ratingID, recordID := range ids {
		_, err := s.pool.Exec(ctx,
			`UPDATE ratings SET airtable_record_id = $1, uploaded_at = $2, sync_failed = false, sync_error = NULL WHERE id = $3`,
			recordID, now, ratingID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update rating %d record id", ratingID)
		}
	}
	return nil
}

// MarkRatingsSyncFailed flags ratings whose mirror upload was abandoned so
// subsequent sync passes skip them until an explicit resync.
func (s *PostgresStore) MarkRatingsSyncFailed(ctx context.Context, ratingIDs []int64, reason string) error {
	if len(ratingIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE ratings SET sync_failed = true, sync_error = $1 WHERE id = ANY($2)`,
		reason, ratingIDs,
	)
	return eris.Wrap(err, "postgres: mark ratings sync failed")
}

// ClearSyncFailures resets sync-failed flags for a job so its ratings become
// visible to the next sync pass. Returns the number of ratings cleared.
func (s *PostgresStore) ClearSyncFailures(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ratings SET sync_failed = false, sync_error = NULL WHERE job_id = $1 AND sync_failed = true`,
		jobID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: clear sync failures for job %s", jobID)
	}
	return int(tag.RowsAffected()), nil
}

const companyColumns = `id, name, COALESCE(airtable_record_id, ''), COALESCE(cin, ''), cin_status, created_at, updated_at`

func (s *PostgresStore) GetCompanyByName(ctx context.Context, name string) (*model.Company, error) {
	var c model.Company
	err := s.pool.QueryRow(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE name = $1`, name,
	).Scan(&c.ID, &c.Name, &c.AirtableRecordID, &c.CIN, &c.CINStatus, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", name)
	}
	return &c, nil
}

// CompaniesWithoutAirtableID returns companies missing a mirror record id,
// optionally restricted to companies that have ratings under the given job.
func (s *PostgresStore) CompaniesWithoutAirtableID(ctx context.Context, jobID string) ([]model.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE (airtable_record_id IS NULL OR airtable_record_id = '')`
	args := []any{}
	if jobID != "" {
		query += ` AND EXISTS (SELECT 1 FROM ratings r WHERE r.company_id = companies.id AND r.job_id = $1)`
		args = append(args, jobID)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies without record id")
	}
	defer rows.Close()
	return scanCompanies(rows)
}

func (s *PostgresStore) UpdateCompanyAirtableID(ctx context.Context, companyID int64, recordID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET airtable_record_id = $1, updated_at = now() WHERE id = $2`,
		recordID, companyID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update company %d record id", companyID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("company not found: %d", companyID)
	}
	return nil
}

func (s *PostgresStore) UpdateCompanyAirtableIDs(ctx context.Context, ids map[int64]string) error {
	for companyID, recordID := range ids {
		if err := s.UpdateCompanyAirtableID(ctx, companyID, recordID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) UpdateCompanyCIN(ctx context.Context, companyID int64, cin string, status model.CINStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET cin = $1, cin_status = $2, updated_at = now() WHERE id = $3`,
		cin, string(status), companyID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update company %d cin", companyID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("company not found: %d", companyID)
	}
	return nil
}

// CompaniesNeedingCINLookup returns companies whose identifier lookup is
// pending or previously errored. Terminal statuses are never retried here.
func (s *PostgresStore) CompaniesNeedingCINLookup(ctx context.Context, limit int) ([]model.Company, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE cin_status IN ('pending', 'error') ORDER BY id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies needing cin lookup")
	}
	defer rows.Close()
	return scanCompanies(rows)
}

func scanCompanies(rows pgx.Rows) ([]model.Company, error) {
	var out []model.Company
	for rows.Next() {
		var c model.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.AirtableRecordID, &c.CIN, &c.CINStatus, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate companies")
}
