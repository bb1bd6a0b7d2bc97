// Package store persists room snapshots: one opaque blob per room id.
package store

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("snapshot not found")

// Store is the durable home of room snapshots. Save must replace the previous snapshot atomically: a failed Save
// leaves the previous snapshot readable.
type Store interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, snapshot []byte) error
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
	DriverRedis    = "redis"
)

// Open connects to the store named by driver. The dsn is a file path for sqlite and bolt and a URL for postgres and
// redis.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSqlite:
		return OpenSqlite(ctx, dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverBolt:
		return OpenBolt(dsn)
	case DriverRedis:
		return OpenRedis(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
