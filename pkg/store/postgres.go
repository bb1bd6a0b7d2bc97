package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and ensures the rooms table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS rooms (
		id text not null primary key,
		snapshot bytea not null,
		updated_at timestamptz not null default now()
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create rooms table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, id string) ([]byte, error) {
	var snapshot []byte
	if err := p.pool.QueryRow(ctx, `SELECT snapshot FROM rooms WHERE id = $1`, id).Scan(&snapshot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return snapshot, nil
}

func (p *Postgres) Save(ctx context.Context, id string, snapshot []byte) error {
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO rooms (id, snapshot, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		id, snapshot,
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
