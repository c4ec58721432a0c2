package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL UNIQUE,
	airtable_record_id TEXT,
	cin                TEXT,
	cin_status         TEXT NOT NULL DEFAULT 'pending',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ratings (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	company_id         INTEGER REFERENCES companies(id),
	company_name       TEXT NOT NULL,
	instrument         TEXT NOT NULL,
	rating             TEXT NOT NULL,
	outlook            TEXT,
	amount             TEXT,
	raw_date           TEXT,
	rating_date        TEXT NOT NULL,
	source_url         TEXT,
	job_id             TEXT,
	airtable_record_id TEXT,
	uploaded_at        DATETIME,
	sync_failed        INTEGER NOT NULL DEFAULT 0,
	sync_error         TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (company_name, instrument, rating, rating_date)
);

CREATE INDEX IF NOT EXISTS idx_ratings_job_id ON ratings(job_id);
CREATE INDEX IF NOT EXISTS idx_ratings_company_id ON ratings(company_id);
CREATE INDEX IF NOT EXISTS idx_companies_cin_status ON companies(cin_status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const ratingDateLayout = "2006-01-02"

func (s *SQLiteStore) ensureCompany(ctx context.Context, name string) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (name, cin_status) VALUES (?, 'pending') ON CONFLICT (name) DO NOTHING`,
		name,
	)
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: create company %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, eris.Wrap(err, "sqlite: rows affected")
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM companies WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: lookup company %s", name)
	}
	return id, n > 0, nil
}

func (s *SQLiteStore) insertRating(ctx context.Context, r *model.Rating) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ratings (company_id, company_name, instrument, rating, outlook, amount, raw_date, rating_date, source_url, job_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (company_name, instrument, rating, rating_date) DO NOTHING`,
		r.CompanyID, r.CompanyName, r.Instrument, r.Rating, r.Outlook, r.Amount,
		r.RawDate, r.RatingDate.Format(ratingDateLayout), r.SourceURL, r.JobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert rating for %s", r.CompanyName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: last insert id")
	}
	r.ID = id
	return true, nil
}

func (s *SQLiteStore) InsertRating(ctx context.Context, r *model.Rating) (bool, error) {
	companyID, _, err := s.ensureCompany(ctx, r.CompanyName)
	if err != nil {
		return false, err
	}
	r.CompanyID = companyID
	return s.insertRating(ctx, r)
}

func (s *SQLiteStore) BatchInsert(ctx context.Context, jobID string, ratings []model.Rating) (*BatchResult, error) {
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

		inserted, err := s.insertRating(ctx, r)
		if err != nil {
			return res, err
		}
		if inserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}
	return res, nil
}

const sqliteRatingColumns = `id, company_id, company_name, instrument, rating, COALESCE(outlook, ''), COALESCE(amount, ''), COALESCE(raw_date, ''), rating_date, COALESCE(source_url, ''), COALESCE(job_id, '')`

func (s *SQLiteStore) UnsyncedRatings(ctx context.Context, jobID string) ([]model.Rating, error) {
	query := `SELECT ` + sqliteRatingColumns + ` FROM ratings WHERE airtable_record_id IS NULL AND sync_failed = 0`
	args := []any{}
	if jobID != "" {
		query += ` AND job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unsynced ratings")
	}
	defer rows.Close()

	var out []model.Rating
	for rows.Next() {
		var r model.Rating
		var ratingDate string
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.CompanyName, &r.Instrument, &r.Rating,
			&r.Outlook, &r.Amount, &r.RawDate, &ratingDate, &r.SourceURL, &r.JobID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rating")
		}
		if r.RatingDate, err = time.Parse(ratingDateLayout, ratingDate); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse stored date %q", ratingDate)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate ratings")
}

func (s *SQLiteStore) UpdateRatingAirtableIDs(ctx context.Context, ids map[int64]string) error {
	now := time.Now().UTC()
	for ratingID, recordID := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE ratings SET airtable_record_id = ?, uploaded_at = ?, sync_failed = 0, sync_error = NULL WHERE id = ?`,
			recordID, now, ratingID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update rating %d record id", ratingID)
		}
	}
	return nil
}

func (s *SQLiteStore) MarkRatingsSyncFailed(ctx context.Context, ratingIDs []int64, reason string) error {
	if len(ratingIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ratingIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{reason}
	for _, id := range ratingIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE ratings SET sync_failed = 1, sync_error = ? WHERE id IN (`+placeholders+`)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: mark ratings sync failed")
}

func (s *SQLiteStore) ClearSyncFailures(ctx context.Context, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ratings SET sync_failed = 0, sync_error = NULL WHERE job_id = ? AND sync_failed = 1`,
		jobID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear sync failures for job %s", jobID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

const sqliteCompanyColumns = `id, name, COALESCE(airtable_record_id, ''), COALESCE(cin, ''), cin_status, created_at, updated_at`

func (s *SQLiteStore) GetCompanyByName(ctx context.Context, name string) (*model.Company, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCompanyColumns+` FROM companies WHERE name = ?`, name)
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", name)
	}
	return c, nil
}

func (s *SQLiteStore) CompaniesWithoutAirtableID(ctx context.Context, jobID string) ([]model.Company, error) {
	query := `SELECT ` + sqliteCompanyColumns + ` FROM companies WHERE (airtable_record_id IS NULL OR airtable_record_id = '')`
	args := []any{}
	if jobID != "" {
		query += ` AND EXISTS (SELECT 1 FROM ratings r WHERE r.company_id = companies.id AND r.job_id = ?)`
		args = append(args, jobID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies without record id")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate companies")
}

func (s *SQLiteStore) UpdateCompanyAirtableID(ctx context.Context, companyID int64, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET airtable_record_id = ?, updated_at = datetime('now') WHERE id = ?`,
		recordID, companyID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update company %d record id", companyID)
	}
	return checkRowsAffected(res, "company", companyID)
}

func (s *SQLiteStore) UpdateCompanyAirtableIDs(ctx context.Context, ids map[int64]string) error {
	for companyID, recordID := range ids {
		if err := s.UpdateCompanyAirtableID(ctx, companyID, recordID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) UpdateCompanyCIN(ctx context.Context, companyID int64, cin string, status model.CINStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET cin = ?, cin_status = ?, updated_at = datetime('now') WHERE id = ?`,
		cin, string(status), companyID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update company %d cin", companyID)
	}
	return checkRowsAffected(res, "company", companyID)
}

func (s *SQLiteStore) CompaniesNeedingCINLookup(ctx context.Context, limit int) ([]model.Company, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteCompanyColumns+` FROM companies WHERE cin_status IN ('pending', 'error') ORDER BY id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies needing cin lookup")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate companies")
}

// helpers

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCompany(row scannable) (*model.Company, error) {
	var c model.Company
	err := row.Scan(&c.ID, &c.Name, &c.AirtableRecordID, &c.CIN, &c.CINStatus, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
