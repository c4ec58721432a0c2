package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

// SQLiteBackend persists job records in a local sqlite file so status
// queries survive process restarts. Rows carry an expiry horizon; expired
// rows are purged lazily, not by a background sweeper.
type SQLiteBackend struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteBackend opens (and migrates) the job database at path.
func NewSQLiteBackend(path string, ttl time.Duration) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "jobstore: exec %s", pragma)
		}
	}
	if _, err := db.Exec(sqliteJobsMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "jobstore: migrate")
	}
	return &SQLiteBackend{db: db, ttl: ttl}, nil
}

// sqliteTimeLayout matches sqlite's datetime('now') rendering so expiry
// comparisons are done in one format.
const sqliteTimeLayout = "2006-01-02 15:04:05"

const sqliteJobsMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at);
`

func (b *SQLiteBackend) Put(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "jobstore: marshal job")
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, data, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		job.ID, job.Type, string(job.Status), string(data),
		job.CreatedAt.UTC().Format(sqliteTimeLayout),
		job.CreatedAt.Add(b.ttl).UTC().Format(sqliteTimeLayout),
	)
	return eris.Wrapf(err, "jobstore: put job %s", job.ID)
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (*model.Job, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM jobs WHERE id = ? AND expires_at > datetime('now')`, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "jobstore: get job %s", id)
	}
	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, eris.Wrapf(err, "jobstore: unmarshal job %s", id)
	}
	return &job, nil
}

func (b *SQLiteBackend) List(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT data FROM jobs WHERE expires_at > datetime('now') ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: list jobs")
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "jobstore: scan job")
		}
		var job model.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, eris.Wrap(err, "jobstore: unmarshal job")
		}
		out = append(out, job)
	}
	return out, eris.Wrap(rows.Err(), "jobstore: iterate jobs")
}

func (b *SQLiteBackend) PurgeExpired(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at <= datetime('now')`)
	if err != nil {
		return 0, eris.Wrap(err, "jobstore: purge expired")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "jobstore: rows affected")
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
