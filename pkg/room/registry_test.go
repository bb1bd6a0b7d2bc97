package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hasparus/gist-mom/pkg/store"
)

type countingStore struct {
	*store.Memory
	mu    sync.Mutex
	loads int
}

func (c *countingStore) Load(ctx context.Context, id string) ([]byte, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return c.Memory.Load(ctx, id)
}

func (c *countingStore) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func TestRegistryLoadsOnce(t *testing.T) {
	st := &countingStore{Memory: store.NewMemory()}
	g := NewRegistry(st, testOptions)
	defer g.Close(context.Background())

	var wg sync.WaitGroup
	rooms := make([]*Room, 8)
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := g.Get(context.Background(), "gist-1")
			if err != nil {
				t.Error(err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()
	for _, r := range rooms {
		if r != rooms[0] {
			t.Fatal("callers got different rooms")
		}
	}
	eq(t, st.Loads(), 1)
	eq(t, g.IDs(), []string{"gist-1"})

	other, err := g.Get(context.Background(), "gist-2")
	ok(t, err)
	if other == rooms[0] {
		t.Fatal("different ids share a room")
	}
	eq(t, g.IDs(), []string{"gist-1", "gist-2"})
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Load(ctx context.Context, id string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

type gatedStore struct {
	*store.Memory
	gate chan struct{}
}

func (g *gatedStore) Load(ctx context.Context, id string) ([]byte, error) {
	<-g.gate
	return g.Memory.Load(ctx, id)
}

func TestRegistryState(t *testing.T) {
	st := &gatedStore{Memory: store.NewMemory(), gate: make(chan struct{})}
	g := NewRegistry(st, Options{FlushInterval: time.Hour, IdleTimeout: 10 * time.Millisecond})
	defer g.Close(context.Background())
	ctx := context.Background()

	eq(t, g.State("gist-1"), StateCold)
	loaded := make(chan error, 1)
	go func() {
		_, err := g.Get(ctx, "gist-1")
		loaded <- err
	}()
	eventually(t, func() bool { return g.State("gist-1") == StateLoading })
	close(st.gate)
	ok(t, <-loaded)
	eq(t, g.State("gist-1"), StateActive)

	time.Sleep(20 * time.Millisecond)
	eq(t, g.Reap(ctx), 1)
	eq(t, g.State("gist-1"), StateCold)
}

func TestRegistryLoadFailureIsNotCached(t *testing.T) {
	g := NewRegistry(brokenStore{Store: store.NewMemory()}, testOptions)
	_, err := g.Get(context.Background(), "gist-1")
	if err == nil {
		t.Fatal("expected load failure")
	}
	eq(t, len(g.IDs()), 0)
}

func TestRegistryReapAndReload(t *testing.T) {
	st := store.NewMemory()
	g := NewRegistry(st, Options{FlushInterval: time.Hour, IdleTimeout: 10 * time.Millisecond})
	defer g.Close(context.Background())
	ctx := context.Background()

	first, err := g.Get(ctx, "gist-1")
	ok(t, err)
	ok(t, first.Seed(ctx, "a.md", "remember me"))

	time.Sleep(20 * time.Millisecond)
	eq(t, g.Reap(ctx), 1)
	eq(t, len(g.IDs()), 0)
	eq(t, first.State(), StateHibernating)

	second, err := g.Get(ctx, "gist-1")
	ok(t, err)
	if second == first {
		t.Fatal("hibernated room was handed out again")
	}
	eq(t, content(t, second).Content, "remember me")
}

func TestRegistryWithRetriesAfterHibernation(t *testing.T) {
	g := NewRegistry(store.NewMemory(), Options{FlushInterval: time.Hour, IdleTimeout: 10 * time.Millisecond})
	defer g.Close(context.Background())
	ctx := context.Background()

	calls := 0
	err := g.With(ctx, "gist-1", func(r *Room) error {
		calls++
		if calls == 1 {
			time.Sleep(20 * time.Millisecond)
			g.Reap(ctx)
		}
		return r.Seed(ctx, "a.md", "second try")
	})
	ok(t, err)
	eq(t, calls, 2)

	r, err := g.Get(ctx, "gist-1")
	ok(t, err)
	eq(t, content(t, r).Content, "second try")
}

func TestRegistryClose(t *testing.T) {
	st := store.NewMemory()
	g := NewRegistry(st, testOptions)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		r, err := g.Get(ctx, id)
		ok(t, err)
		ok(t, r.Seed(ctx, id+".md", id))
	}
	ok(t, g.Close(ctx))
	eq(t, st.Saves(), 2)

	_, err := g.Get(ctx, "a")
	eq(t, errors.Is(err, ErrClosed), true)
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	g := NewRegistry(store.NewMemory(), testOptions)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		ok(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
