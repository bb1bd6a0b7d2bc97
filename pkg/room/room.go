// Package room implements the authoritative server side of a shared document. A Room owns one replicated document and
// one awareness register; every mutation of either runs on the room's own goroutine, so nothing inside a room needs
// locking and separate rooms never contend.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hasparus/gist-mom/pkg/awareness"
	"github.com/hasparus/gist-mom/pkg/rtd"
	"github.com/hasparus/gist-mom/pkg/store"
	"github.com/hasparus/gist-mom/pkg/syncproto"
)

var ErrClosed = errors.New("room is closed")

// State is where a room is in its lifecycle. A room id that is not held in memory is cold.
type State int32

const (
	StateCold State = iota
	StateLoading
	StateActive
	StateHibernating
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateHibernating:
		return "hibernating"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	// FlushInterval is how often changed rooms are written to the store.
	FlushInterval time.Duration
	// IdleTimeout is how long a room with no connections stays in memory.
	IdleTimeout time.Duration
	// SendBuffer is the number of frames queued per connection before it is dropped as too slow.
	SendBuffer int
	// RetryMaxElapsed bounds one background flush attempt; the next tick tries again.
	RetryMaxElapsed time.Duration
	// ReadLimit is the largest frame accepted from a connection. Larger frames close it.
	ReadLimit int64
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Minute
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = time.Minute
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 16 << 20
	}
	return o
}

// Content is what the HTTP API reads to decide whether there is anything to commit.
type Content struct {
	Content              string `json:"content"`
	Filename             string `json:"filename"`
	LastCommittedContent string `json:"lastCommittedContent"`
	CommitVersion        int64  `json:"commitVersion"`
}

// Dirty reports whether the live content differs from the last commit.
func (c Content) Dirty() bool {
	return c.Content != c.LastCommittedContent
}

type connection struct {
	site    string
	conn    *syncproto.Conn
	send    chan []byte
	dropped bool
}

type Room struct {
	id    string
	store store.Store
	opts  Options
	state atomic.Int32

	ops     chan func()
	quit    chan struct{}
	stopped chan struct{}
	stop    sync.Once
	flusher sync.WaitGroup

	persistMu sync.Mutex
	// bg scopes background flushes; cancelled when the room starts closing
	bg       context.Context
	cancelBg context.CancelFunc

	// owned by the loop
	doc        *rtd.Document
	aware      *awareness.Register
	conns      map[string]*connection
	version    uint64
	persisted  uint64
	lastActive time.Time
}

// Open loads the room's snapshot from st and starts the room. A missing snapshot starts an empty document.
func Open(ctx context.Context, id string, st store.Store, opts Options) (*Room, error) {
	r := &Room{
		id:      id,
		store:   st,
		opts:    opts.withDefaults(),
		ops:     make(chan func()),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		aware:   awareness.NewRegister(),
		conns:   make(map[string]*connection),
	}
	r.bg, r.cancelBg = context.WithCancel(context.Background())
	r.setState(StateLoading)

	snapshot, err := st.Load(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.cancelBg()
		return nil, fmt.Errorf("failed to load room %s: %w", id, err)
	}
	doc, err := rtd.Load(snapshot, rtd.NewSiteID())
	if err != nil {
		r.cancelBg()
		return nil, fmt.Errorf("failed to restore room %s: %w", id, err)
	}
	r.doc = doc
	if len(snapshot) == 0 {
		// the shared text object was just created here and every replica must build on this one
		r.version = 1
	}
	r.lastActive = time.Now()
	r.setState(StateActive)
	slog.Info("room loaded", "room", id, "bytes", len(snapshot), "doc", doc.GoString())

	go r.run()
	r.flusher.Add(1)
	go r.flushLoop()
	return r, nil
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) State() State {
	return State(r.state.Load())
}

func (r *Room) setState(s State) {
	r.state.Store(int32(s))
}

// Done is closed once the room has stopped for good and its last snapshot is written.
func (r *Room) Done() <-chan struct{} {
	return r.stopped
}

func (r *Room) run() {
	defer close(r.stopped)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.quit:
			return
		}
	}
}

// submit runs op on the room goroutine and waits for it. If ctx ends before op starts, op never runs.
func (r *Room) submit(ctx context.Context, op func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		op()
	}
	select {
	case r.ops <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

// do is submit for operations that are only valid while the room is active.
func (r *Room) do(ctx context.Context, fn func() error) error {
	var err error
	if serr := r.submit(ctx, func() {
		if r.State() != StateActive {
			err = ErrClosed
			return
		}
		r.lastActive = time.Now()
		err = fn()
	}); serr != nil {
		return serr
	}
	return err
}

// Seed fills an empty document with content from the gist. It never overwrites existing text; the filename is
// refreshed either way.
func (r *Room) Seed(ctx context.Context, filename, content string) error {
	return r.do(ctx, func() error {
		before, err := r.doc.StateVector()
		if err != nil {
			return err
		}
		seeded, err := r.doc.Seed(filename, content)
		if err != nil {
			return fmt.Errorf("failed to seed: %w", err)
		}
		if seeded {
			slog.Info("room seeded", "room", r.id, "filename", filename, "len", len(content))
		}
		r.publish(before, nil)
		return nil
	})
}

// ReadContent returns the live content next to the last committed content. It never leaves the process.
func (r *Room) ReadContent(ctx context.Context) (Content, error) {
	var c Content
	err := r.do(ctx, func() error {
		c = Content{
			Content:              r.doc.String(),
			Filename:             r.doc.Filename(),
			LastCommittedContent: r.doc.Baseline(),
			CommitVersion:        r.doc.CommitVersion(),
		}
		return nil
	})
	return c, err
}

// MarkCommitted records that baseline was pushed upstream. Call it only after the push succeeded.
func (r *Room) MarkCommitted(ctx context.Context, baseline string) error {
	return r.do(ctx, func() error {
		before, err := r.doc.StateVector()
		if err != nil {
			return err
		}
		if err := r.doc.MarkCommitted(baseline); err != nil {
			return err
		}
		slog.Info("room committed", "room", r.id, "commitVersion", r.doc.CommitVersion())
		r.publish(before, nil)
		return nil
	})
}

// Presence returns a copy of every connected site's awareness state.
func (r *Room) Presence(ctx context.Context) (map[string]awareness.State, error) {
	var out map[string]awareness.State
	err := r.do(ctx, func() error {
		out = r.aware.GetStates()
		return nil
	})
	return out, err
}

// Connections is the number of live connections.
func (r *Room) Connections(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, func() error {
		n = len(r.conns)
		return nil
	})
	return n, err
}

// Snapshot encodes the current document.
func (r *Room) Snapshot(ctx context.Context) ([]byte, error) {
	var out []byte
	err := r.do(ctx, func() error {
		out = r.doc.Save()
		return nil
	})
	return out, err
}

// Document runs fn against a read-only copy of the document, off the room goroutine.
func (r *Room) Document(ctx context.Context, fn func(*rtd.Document) error) error {
	var fork *rtd.Document
	if err := r.do(ctx, func() error {
		var err error
		fork, err = r.doc.Fork("")
		return err
	}); err != nil {
		return err
	}
	return fn(fork)
}

// Connect runs one websocket connection until it goes away. site identifies the peer's awareness entry; an invalid
// site gets a fresh id, and a site that is already connected replaces the older connection.
func (r *Room) Connect(ctx context.Context, ws *websocket.Conn, site string) error {
	if !rtd.ValidSiteID(site) {
		site = rtd.NewSiteID()
	}
	ws.SetReadLimit(r.opts.ReadLimit)
	c := &connection{
		site: site,
		conn: syncproto.NewConn(ws),
		send: make(chan []byte, r.opts.SendBuffer),
	}
	if err := r.do(ctx, func() error { return r.register(c) }); err != nil {
		_ = c.conn.CloseWith(websocket.CloseTryAgainLater, "room unavailable")
		return err
	}
	slog.Info("connected", "room", r.id, "site", c.site)

	var g errgroup.Group
	g.Go(func() error {
		return r.writePump(c)
	})

	for {
		m, err := c.conn.Read()
		if err != nil {
			if syncproto.IsMalformed(err) {
				slog.Warn("dropping malformed frame", "room", r.id, "site", c.site, "err", err)
				continue
			}
			if !syncproto.IsClosed(err) {
				slog.Info("connection lost", "room", r.id, "site", c.site, "err", err)
			}
			break
		}
		if err := r.do(context.Background(), func() error {
			r.handle(c, m)
			return nil
		}); err != nil {
			break
		}
	}

	_ = r.submit(context.Background(), func() {
		r.unregister(c)
	})
	close(c.send)
	_ = c.conn.Close()
	if err := g.Wait(); err != nil {
		slog.Debug("write pump stopped", "room", r.id, "site", c.site, "err", err)
	}
	slog.Info("disconnected", "room", r.id, "site", c.site)
	return nil
}

func (r *Room) writePump(c *connection) error {
	for frame := range c.send {
		if err := c.conn.WriteFrame(frame); err != nil {
			_ = c.conn.Close()
			return err
		}
	}
	return nil
}

func (r *Room) register(c *connection) error {
	if old, ok := r.conns[c.site]; ok {
		r.drop(old, "replaced by a new connection")
	}
	r.conns[c.site] = c
	r.aware.Forget(c.site)

	step1, err := syncproto.SyncStep1(r.doc)
	if err != nil {
		delete(r.conns, c.site)
		return err
	}
	r.enqueue(c, step1.Bytes())
	if snapshot := r.aware.Snapshot(); len(snapshot.Entries) > 0 {
		if m, err := syncproto.Awareness(snapshot); err == nil {
			r.enqueue(c, m.Bytes())
		}
	}
	return nil
}

func (r *Room) unregister(c *connection) {
	r.lastActive = time.Now()
	if r.conns[c.site] != c {
		return
	}
	delete(r.conns, c.site)
	if u, ok := r.aware.Remove(c.site); ok {
		r.broadcastAwareness(u, nil)
	}
}

// drop disconnects c from the loop. Its reader notices the closed socket and unregisters it.
func (r *Room) drop(c *connection, reason string) {
	if c.dropped {
		return
	}
	c.dropped = true
	slog.Warn("dropping connection", "room", r.id, "site", c.site, "reason", reason)
	if r.conns[c.site] == c {
		delete(r.conns, c.site)
		if u, ok := r.aware.Remove(c.site); ok {
			r.broadcastAwareness(u, nil)
		}
	}
	_ = c.conn.Close()
}

func (r *Room) enqueue(c *connection, frame []byte) {
	if c.dropped {
		return
	}
	select {
	case c.send <- frame:
	default:
		r.drop(c, "send buffer full")
	}
}

func (r *Room) broadcast(frame []byte, except *connection) {
	for _, c := range r.conns {
		if c != except {
			r.enqueue(c, frame)
		}
	}
}

func (r *Room) broadcastAwareness(u awareness.Update, except *connection) {
	m, err := syncproto.Awareness(u)
	if err != nil {
		slog.Error("failed to encode awareness", "room", r.id, "err", err)
		return
	}
	r.broadcast(m.Bytes(), except)
}

// publish relays every change made since before to all connections but origin and schedules a write.
func (r *Room) publish(before rtd.StateVector, origin *connection) {
	update, err := r.doc.EncodeUpdateSince(before)
	if err != nil {
		slog.Error("failed to encode update", "room", r.id, "err", err)
		return
	}
	if n, _ := rtd.CountChanges(update); n == 0 {
		return
	}
	r.version++
	r.broadcast(syncproto.Update(update).Bytes(), origin)
}

func (r *Room) handle(c *connection, m syncproto.Message) {
	switch m.Kind {
	case syncproto.KindSyncStep1:
		reply, err := syncproto.SyncStep2(r.doc, m.Payload)
		if err != nil {
			slog.Warn("dropping sync step 1", "room", r.id, "site", c.site, "err", err)
			return
		}
		r.enqueue(c, reply.Bytes())
	case syncproto.KindSyncStep2, syncproto.KindUpdate:
		before, err := r.doc.StateVector()
		if err != nil {
			slog.Error("failed to read state vector", "room", r.id, "err", err)
			return
		}
		n, err := r.doc.ApplyUpdate(m.Payload)
		if err != nil {
			slog.Warn("rejected changes in update", "room", r.id, "site", c.site, "kind", m.Kind, "applied", n, "err", err)
		}
		if n > 0 {
			r.publish(before, c)
		}
	case syncproto.KindAwareness:
		u, err := awareness.DecodeUpdate(m.Payload)
		if err != nil {
			slog.Warn("dropping awareness", "room", r.id, "site", c.site, "err", err)
			return
		}
		own := awareness.Update{}
		for _, e := range u.Entries {
			if e.Site == c.site {
				own.Entries = append(own.Entries, e)
			}
		}
		if len(r.aware.Apply(own)) > 0 {
			r.broadcastAwareness(own, c)
		}
	default:
		slog.Warn("dropping unknown message", "room", r.id, "site", c.site, "kind", m.Kind)
	}
}

func (r *Room) newBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// persist writes the current snapshot if anything changed since the last successful write. Failed writes are
// retried; the in-memory document is never touched by a failure.
func (r *Room) persist(ctx context.Context, maxElapsed time.Duration) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	var snapshot []byte
	var version uint64
	if err := r.submit(ctx, func() {
		if r.version != r.persisted {
			snapshot = r.doc.Save()
			version = r.version
		}
	}); err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := r.store.Save(ctx, r.id, snapshot)
		if err != nil {
			slog.Warn("snapshot write failed", "room", r.id, "attempt", attempt, "err", err)
		}
		return err
	}, backoff.WithContext(r.newBackOff(maxElapsed), ctx))
	if err != nil {
		slog.Error("failed to persist room", "room", r.id, "attempts", attempt, "err", err)
		return fmt.Errorf("failed to persist room %s: %w", r.id, err)
	}
	slog.Debug("persisted", "room", r.id, "version", version, "bytes", len(snapshot))
	return r.submit(context.Background(), func() {
		if version > r.persisted {
			r.persisted = version
		}
	})
}

// Flush writes pending changes now, retrying until ctx ends.
func (r *Room) Flush(ctx context.Context) error {
	return r.persist(ctx, 0)
}

func (r *Room) flushLoop() {
	defer r.flusher.Done()
	t := time.NewTicker(r.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = r.persist(r.bg, r.opts.RetryMaxElapsed)
		case <-r.quit:
			return
		}
	}
}

// Hibernate stops the room if it has had no connections for the idle timeout. It writes the last snapshot first and
// returns true only once the room is stopped with nothing left unsaved.
func (r *Room) Hibernate(ctx context.Context) (bool, error) {
	idle := false
	if err := r.submit(ctx, func() {
		idle = r.State() == StateActive && len(r.conns) == 0 && time.Since(r.lastActive) >= r.opts.IdleTimeout
	}); err != nil || !idle {
		return false, err
	}
	if err := r.Flush(ctx); err != nil {
		return false, err
	}
	stopped := false
	if err := r.submit(ctx, func() {
		if r.State() == StateActive && len(r.conns) == 0 && r.version == r.persisted {
			r.setState(StateHibernating)
			stopped = true
		}
	}); err != nil || !stopped {
		return false, err
	}
	r.shutdown()
	slog.Info("room hibernated", "room", r.id)
	return true, nil
}

// Close disconnects everyone, writes the last snapshot and stops the room. If the write cannot complete before ctx
// ends the room is still stopped and the error is returned.
func (r *Room) Close(ctx context.Context) error {
	if err := r.submit(ctx, func() {
		r.setState(StateHibernating)
		for _, c := range r.conns {
			r.drop(c, "room closing")
		}
	}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	r.cancelBg()
	err := r.Flush(ctx)
	r.shutdown()
	slog.Info("room closed", "room", r.id)
	return err
}

func (r *Room) shutdown() {
	r.cancelBg()
	r.stop.Do(func() {
		close(r.quit)
	})
	r.flusher.Wait()
	<-r.stopped
}
