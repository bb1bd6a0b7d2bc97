package gist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hasparus/gist-mom/pkg/room"
)

var (
	// ErrNothingToCommit means the live content equals what was last committed; GitHub is not called.
	ErrNothingToCommit = errors.New("no changes to commit")
	ErrNoFilename      = errors.New("document was never opened from a gist")
)

// Room is what the commit flow needs from a room.
type Room interface {
	Seed(ctx context.Context, filename, content string) error
	ReadContent(ctx context.Context) (room.Content, error)
	MarkCommitted(ctx context.Context, baseline string) error
}

// Open fetches the gist and seeds the room with its first file. A room that already has text keeps it.
func Open(ctx context.Context, p Provider, r Room, id, token string) (*Gist, error) {
	g, err := p.Fetch(ctx, id, token)
	if err != nil {
		return nil, err
	}
	if f, ok := g.FirstFile(); ok {
		if err := r.Seed(ctx, f.Filename, f.Content); err != nil {
			return nil, fmt.Errorf("failed to seed room: %w", err)
		}
	}
	return g, nil
}

// Commit pushes the room's content to the gist if it changed since the last commit, then moves the baseline. If
// GitHub refuses the update the baseline stays where it was.
func Commit(ctx context.Context, p Provider, r Room, id, token string) (*Gist, error) {
	c, err := r.ReadContent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if !c.Dirty() {
		return nil, ErrNothingToCommit
	}
	if c.Filename == "" {
		return nil, ErrNoFilename
	}
	g, err := p.Update(ctx, id, c.Filename, c.Content, token)
	if err != nil {
		return nil, fmt.Errorf("failed to update gist: %w", err)
	}
	// the room may have moved on while GitHub answered; the baseline is what was sent
	if err := r.MarkCommitted(ctx, c.Content); err != nil {
		return nil, fmt.Errorf("failed to mark committed: %w", err)
	}
	slog.Info("committed gist", "gist", id, "filename", c.Filename, "len", len(c.Content))
	return g, nil
}
