package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteBarrierStore persists barrier state in the same sqlite file as the
// job store, so a restart between branch completion and continuation
// release does not lose the join.
type SQLiteBarrierStore struct {
	db *sql.DB
}

// NewSQLiteBarrierStore opens (and migrates) barrier storage at path.
func NewSQLiteBarrierStore(path string) (*SQLiteBarrierStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: open barrier store")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "workflow: exec %s", pragma)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS barriers (
		id       TEXT PRIMARY KEY,
		state    TEXT NOT NULL,
		released INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "workflow: migrate barrier store")
	}
	return &SQLiteBarrierStore{db: db}, nil
}

func (s *SQLiteBarrierStore) Close() error { return s.db.Close() }

func (s *SQLiteBarrierStore) Create(ctx context.Context, state *BarrierState) error {
	if state.Results == nil {
		state.Results = make([]json.RawMessage, state.Expected)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "workflow: marshal barrier")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO barriers (id, state, released) VALUES (?, ?, 0)`,
		state.ID, string(data),
	)
	return eris.Wrapf(err, "workflow: create barrier %s", state.ID)
}

// Arrive records one branch result inside a transaction so concurrent
// branch completions serialize on the row.
func (s *SQLiteBarrierStore) Arrive(ctx context.Context, id string, index int, result json.RawMessage) (*BarrierState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: begin arrive")
	}
	defer tx.Rollback() //nolint:errcheck

	var data string
	err = tx.QueryRowContext(ctx, `SELECT state FROM barriers WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBarrierNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: load barrier %s", id)
	}

	var state BarrierState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, eris.Wrapf(err, "workflow: unmarshal barrier %s", id)
	}
	if index < 0 || index >= state.Expected {
		return nil, eris.Errorf("workflow: barrier %s branch index %d out of range", id, index)
	}
	if state.Results[index] == nil {
		state.Arrived++
	}
	state.Results[index] = result

	updated, err := json.Marshal(&state)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: marshal barrier")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE barriers SET state = ? WHERE id = ?`, string(updated), id); err != nil {
		return nil, eris.Wrapf(err, "workflow: update barrier %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "workflow: commit arrive")
	}
	return &state, nil
}

func (s *SQLiteBarrierStore) MarkReleased(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE barriers SET released = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "workflow: mark barrier %s released", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "workflow: rows affected")
	}
	if n == 0 {
		return ErrBarrierNotFound
	}
	return nil
}

func (s *SQLiteBarrierStore) Unreleased(ctx context.Context) ([]BarrierState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM barriers WHERE released = 0`)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: list unreleased barriers")
	}
	defer rows.Close()

	var out []BarrierState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "workflow: scan barrier")
		}
		var state BarrierState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			return nil, eris.Wrap(err, "workflow: unmarshal barrier")
		}
		out = append(out, state)
	}
	return out, eris.Wrap(rows.Err(), "workflow: iterate barriers")
}

func (s *SQLiteBarrierStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM barriers WHERE id = ?`, id)
	return eris.Wrapf(err, "workflow: delete barrier %s", id)
}
