package room

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hasparus/gist-mom/pkg/store"
)

type entry struct {
	room  *Room
	err   error
	ready chan struct{}
}

// Registry maps room ids to live rooms, loading each at most once and hibernating the idle ones.
type Registry struct {
	store store.Store
	opts  Options

	mu     sync.Mutex
	rooms  map[string]*entry
	closed bool
}

func NewRegistry(st store.Store, opts Options) *Registry {
	return &Registry{
		store: st,
		opts:  opts.withDefaults(),
		rooms: make(map[string]*entry),
	}
}

// Get returns the active room for id, loading it from the store if needed. Concurrent callers share one load. A
// room that is on its way to hibernation is waited out and loaded afresh.
func (g *Registry) Get(ctx context.Context, id string) (*Room, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := g.rooms[id]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			g.rooms[id] = e
			g.mu.Unlock()

			// other callers may be waiting on this load, so it outlives ctx
			e.room, e.err = Open(context.WithoutCancel(ctx), id, g.store, g.opts)
			if e.err != nil {
				g.forget(id, e)
			}
			close(e.ready)
			return e.room, e.err
		}
		g.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		if e.room.State() == StateActive {
			return e.room, nil
		}
		select {
		case <-e.room.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		g.forget(id, e)
	}
}

// With runs fn against the room for id. If the room hibernates under fn, fn is retried once on a fresh room.
func (g *Registry) With(ctx context.Context, id string, fn func(*Room) error) error {
	for attempt := 0; ; attempt++ {
		r, err := g.Get(ctx, id)
		if err != nil {
			return err
		}
		err = fn(r)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			continue
		}
		return err
	}
}

func (g *Registry) forget(id string, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[id] == e {
		delete(g.rooms, id)
	}
}

func (g *Registry) loaded() map[string]*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]*Room, len(g.rooms))
	for id, e := range g.rooms {
		select {
		case <-e.ready:
			if e.room != nil {
				out[id] = e.room
			}
		default:
		}
	}
	return out
}

// State reports the lifecycle state of the room for id without loading it.
func (g *Registry) State(id string) State {
	g.mu.Lock()
	e, ok := g.rooms[id]
	g.mu.Unlock()
	if !ok {
		return StateCold
	}
	select {
	case <-e.ready:
	default:
		return StateLoading
	}
	if e.room == nil {
		return StateCold
	}
	return e.room.State()
}

// IDs lists the rooms currently in memory.
func (g *Registry) IDs() []string {
	rooms := g.loaded()
	ids := make([]string, 0, len(rooms))
	for id := range rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reap hibernates every room that has been idle for the idle timeout and returns how many went.
func (g *Registry) Reap(ctx context.Context) int {
	n := 0
	for id, r := range g.loaded() {
		ok, err := r.Hibernate(ctx)
		if err != nil {
			slog.Warn("failed to hibernate room", "room", id, "err", err)
			continue
		}
		if ok {
			g.mu.Lock()
			if e := g.rooms[id]; e != nil && e.room == r {
				delete(g.rooms, id)
			}
			g.mu.Unlock()
			n++
		}
	}
	return n
}

// Run reaps idle rooms until ctx ends.
func (g *Registry) Run(ctx context.Context) error {
	interval := g.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := g.Reap(ctx); n > 0 {
				slog.Info("hibernated idle rooms", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops every room, writing their last snapshots. Get fails afterwards.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	entries := make(map[string]*entry, len(g.rooms))
	for id, e := range g.rooms {
		entries[id] = e
	}
	g.mu.Unlock()

	var errs []error
	for id, e := range entries {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.room == nil {
			continue
		}
		if err := e.room.Close(ctx); err != nil {
			slog.Error("failed to close room", "room", id, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
