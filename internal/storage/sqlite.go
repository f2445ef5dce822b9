package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"groupcast/internal/model"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schedules (
	pos INTEGER PRIMARY KEY,
	id  TEXT NOT NULL UNIQUE,
	doc TEXT NOT NULL
);`

// sqliteBackend stores one row per schedule and replaces the whole table in a
// single transaction, so a crash leaves either the old or the new snapshot.
type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, cfg Config) (backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite wants a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = FULL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (s *sqliteBackend) load(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM schedules ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []model.Schedule
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sc model.Schedule
		if err := json.Unmarshal([]byte(doc), &sc); err != nil {
			return nil, fmt.Errorf("decode schedule row: %w", err)
		}
		all = append(all, sc)
	}
	return all, rows.Err()
}

func (s *sqliteBackend) save(ctx context.Context, all []model.Schedule) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM schedules`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO schedules(pos, id, doc) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sc := range all {
		doc, merr := json.Marshal(sc)
		if merr != nil {
			err = merr
			return err
		}
		if _, err = stmt.ExecContext(ctx, i, sc.ID, string(doc)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteBackend) close() error { return s.db.Close() }
