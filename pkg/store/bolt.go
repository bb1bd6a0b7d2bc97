package store

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var roomsBucket = []byte("rooms")

type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens the bolt file at path. Bolt holds an exclusive file lock, so only one server may use a file.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create rooms bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(ctx context.Context, id string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(roomsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the life of the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *Bolt) Save(ctx context.Context, id string, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(roomsBucket).Put([]byte(id), snapshot)
	}); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
