package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Sqlite struct {
	database *sql.DB
}

// OpenSqlite opens (creating if needed) the sqlite file at path and ensures the rooms table exists.
func OpenSqlite(ctx context.Context, path string) (*Sqlite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS rooms (
    	id text not null primary key,
        snapshot blob not null,
        updated_at integer not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create rooms table: %w", err)
	}
	slog.Info("Ensured rooms table exists", "path", path)
	return &Sqlite{database: db}, nil
}

func (s *Sqlite) Load(ctx context.Context, id string) ([]byte, error) {
	var snapshot []byte
	if err := s.database.QueryRowContext(ctx, `SELECT snapshot FROM rooms WHERE id = ?`, id).Scan(&snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return snapshot, nil
}

func (s *Sqlite) Save(ctx context.Context, id string, snapshot []byte) error {
	if _, err := s.database.ExecContext(
		ctx, `INSERT INTO rooms (id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at
		WHERE snapshot != excluded.snapshot`,
		id, snapshot, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func (s *Sqlite) Close() error {
	return s.database.Close()
}
