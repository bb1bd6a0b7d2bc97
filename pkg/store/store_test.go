package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := s.Save(ctx, "gist-1", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "gist-1", []byte("two")); err != nil {
		t.Fatal(err)
	}
	// same content again is not an error even where the write is skipped
	if err := s.Save(ctx, "gist-1", []byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "gist-2", []byte{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, "gist-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("two")) {
		t.Fatalf("got %q", got)
	}
	got, err = s.Load(ctx, "gist-2")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0, 1, 2}) {
		t.Fatalf("got %v", got)
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exercise(t, m)

	m = NewMemory()
	ctx := context.Background()
	in := []byte("abc")
	if err := m.Save(ctx, "x", in); err != nil {
		t.Fatal(err)
	}
	in[0] = 'z'
	got, _ := m.Load(ctx, "x")
	got[1] = 'z'
	again, _ := m.Load(ctx, "x")
	if string(again) != "abc" {
		t.Fatalf("memory store shares buffers with callers: %q", again)
	}
	if m.Saves() != 1 {
		t.Fatalf("got %d saves", m.Saves())
	}
}

func TestSqlite(t *testing.T) {
	s, err := OpenSqlite(context.Background(), filepath.Join(t.TempDir(), "rooms.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	exercise(t, s)
}

func TestBolt(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "rooms.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	exercise(t, b)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("GISTMOM_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("GISTMOM_TEST_POSTGRES not set")
	}
	p, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	exercise(t, p)
}

func TestRedis(t *testing.T) {
	url := os.Getenv("GISTMOM_TEST_REDIS")
	if url == "" {
		t.Skip("GISTMOM_TEST_REDIS not set")
	}
	r, err := OpenRedis(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	exercise(t, r)
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "cassandra", ""); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
	s, err := Open(context.Background(), DriverMemory, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("got %T", s)
	}
}
