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

	_ "modernc.org/sqlite"

	"github.com/noahxzhu/webpush-notify/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	endpoint TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	data     TEXT NOT NULL
);`

// SQLite keeps one row per destination; Save replaces the whole set in a
// single transaction.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Load(ctx context.Context) ([]model.Destination, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM subscriptions ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	dests := []model.Destination{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var d model.Destination
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

func (s *SQLite) Save(ctx context.Context, dests []model.Destination) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
		return fmt.Errorf("clear subscriptions: %w", err)
	}
	for i, d := range dests {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode subscription: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions (endpoint, position, data) VALUES (?, ?, ?)`,
			d.Endpoint, i, string(raw),
		); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
	}
	return tx.Commit()
}
