// Package client is a headless editor: it keeps a local replica of a room in sync over the room's websocket and
// publishes its own presence.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/hasparus/gist-mom/pkg/awareness"
	"github.com/hasparus/gist-mom/pkg/rtd"
	"github.com/hasparus/gist-mom/pkg/syncproto"
)

type Client struct {
	url  *url.URL
	site string

	mu       sync.Mutex
	doc      *rtd.Document
	aware    *awareness.Register
	conn     *syncproto.Conn
	synced   bool
	syncedCh chan struct{}
}

// New prepares a client for the room websocket at roomURL, e.g. ws://localhost:1999/parties/gist-room/abc. Nothing
// is dialled until Run.
func New(roomURL string) (*Client, error) {
	u, err := url.Parse(roomURL)
	if err != nil {
		return nil, fmt.Errorf("invalid room url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	site := rtd.NewSiteID()
	doc, err := rtd.Empty(site)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("site", site)
	u.RawQuery = q.Encode()
	return &Client{
		url:      u,
		site:     site,
		doc:      doc,
		aware:    awareness.NewRegister(),
		syncedCh: make(chan struct{}),
	}, nil
}

func (c *Client) Site() string {
	return c.site
}

// Run keeps the client connected until ctx ends, reconnecting with backoff. Edits made while disconnected are sent
// on the next connection.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	for {
		synced, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Error("failed to sync", "err", err)
		}
		if synced {
			b.Reset()
		}
		t := time.NewTimer(b.NextBackOff())
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

// session runs one connection and reports whether it got as far as a completed sync.
func (c *Client) session(ctx context.Context) (bool, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	conn := syncproto.NewConn(ws)
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.CloseWith(websocket.CloseNormalClosure, "")
		case <-stop:
		}
	}()

	c.mu.Lock()
	c.conn = conn
	step1, err := syncproto.SyncStep1(c.doc)
	self, present := c.aware.Renew(c.site)
	c.mu.Unlock()
	defer c.disconnected()
	if err != nil {
		return false, err
	}
	if err := conn.Write(step1); err != nil {
		return false, err
	}
	if present {
		if m, err := syncproto.Awareness(self); err == nil {
			if err := conn.Write(m); err != nil {
				return false, err
			}
		}
	}
	slog.Info("connected", "url", c.url.Redacted(), "site", c.site)

	for {
		m, err := conn.Read()
		if err != nil {
			if syncproto.IsMalformed(err) {
				slog.Warn("dropping malformed frame", "err", err)
				continue
			}
			c.mu.Lock()
			synced := c.synced
			c.mu.Unlock()
			if syncproto.IsClosed(err) || ctx.Err() != nil {
				return synced, nil
			}
			return synced, err
		}
		if err := c.handle(conn, m); err != nil {
			return false, err
		}
	}
}

func (c *Client) disconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	if c.synced {
		c.synced = false
		c.syncedCh = make(chan struct{})
	}
	// peers are re-announced by the room on reconnect
	for site := range c.aware.GetStates() {
		if site != c.site {
			c.aware.Remove(site)
			c.aware.Forget(site)
		}
	}
}

func (c *Client) handle(conn *syncproto.Conn, m syncproto.Message) error {
	c.mu.Lock()
	var reply *syncproto.Message
	switch m.Kind {
	case syncproto.KindSyncStep1:
		r, err := syncproto.SyncStep2(c.doc, m.Payload)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to answer sync: %w", err)
		}
		reply = &r
	case syncproto.KindSyncStep2, syncproto.KindUpdate:
		if _, err := c.doc.ApplyUpdate(m.Payload); err != nil {
			slog.Warn("dropping update", "kind", m.Kind, "err", err)
		}
		if m.Kind == syncproto.KindSyncStep2 && !c.synced {
			c.synced = true
			close(c.syncedCh)
			slog.Info("synced", "site", c.site, "len", c.doc.Len())
		}
	case syncproto.KindAwareness:
		u, err := awareness.DecodeUpdate(m.Payload)
		if err != nil {
			slog.Warn("dropping awareness", "err", err)
			break
		}
		c.aware.Apply(u)
	}
	c.mu.Unlock()

	if reply != nil {
		return conn.Write(*reply)
	}
	return nil
}

// WaitSynced blocks until the current connection has caught up with the room.
func (c *Client) WaitSynced(ctx context.Context) error {
	c.mu.Lock()
	ch := c.syncedCh
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) send(m syncproto.Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Write(m); err != nil {
		slog.Warn("message not sent, will resync on reconnect", "kind", m.Kind, "err", err)
	}
}

func (c *Client) edit(fn func(doc *rtd.Document) error) error {
	c.mu.Lock()
	before, err := c.doc.StateVector()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := fn(c.doc); err != nil {
		c.mu.Unlock()
		return err
	}
	update, err := c.doc.EncodeUpdateSince(before)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.send(syncproto.Update(update))
	return nil
}

// Insert adds text at pos in the local replica and relays it.
func (c *Client) Insert(pos int, text string) error {
	return c.edit(func(doc *rtd.Document) error {
		return doc.Insert(pos, text)
	})
}

// Delete removes length characters at pos in the local replica and relays it.
func (c *Client) Delete(pos, length int) error {
	return c.edit(func(doc *rtd.Document) error {
		return doc.Delete(pos, length)
	})
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.String()
}

func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Len()
}

// Content reports the local view of the text next to the last committed text.
func (c *Client) Content() (content, baseline string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.String(), c.doc.Baseline()
}

// Save snapshots the local replica.
func (c *Client) Save() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Save()
}

// SetAwarenessField updates one field of this client's presence and relays it.
func (c *Client) SetAwarenessField(key string, value interface{}) error {
	u, err := c.aware.SetLocalField(c.site, key, value)
	if err != nil {
		return err
	}
	m, err := syncproto.Awareness(u)
	if err != nil {
		return err
	}
	c.send(m)
	return nil
}

// Peers returns the presence of every other site in the room.
func (c *Client) Peers() map[string]awareness.State {
	out := c.aware.GetStates()
	delete(out, c.site)
	return out
}
