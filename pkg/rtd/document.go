// Package rtd holds the replicated text document behind every room: an automerge document with a shared text object
// under "content" and a small "meta" map tracking what was last committed upstream.
//
// A Document is not safe for concurrent use. Rooms serialise access through their own loop and clients guard it with
// a mutex.
package rtd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

const (
	contentKey       = "content"
	metaKey          = "meta"
	baselineKey      = "baseline"
	commitVersionKey = "commitVersion"
	filenameKey      = "filename"
)

// ErrNoContent is returned by local edits on a replica that has not yet received the shared text object.
var ErrNoContent = errors.New("document has no content text yet")

// Document is one replica of a room's shared state.
type Document struct {
	doc *automerge.Doc
}

// Change describes a single committed change in the document history.
type Change struct {
	Hash    string
	Actor   string
	Seq     uint64
	Deps    []string
	Message string
	Time    time.Time
}

// NewSiteID returns a random site identifier that is valid as an automerge actor id.
func NewSiteID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// ValidSiteID reports whether s can be used as a site identifier.
func ValidSiteID(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// New creates the authoritative copy of an empty document: the content text and meta map exist but are empty.
func New(siteID string) (*Document, error) {
	d, err := Empty(siteID)
	if err != nil {
		return nil, err
	}
	if err := d.ensureSchema(); err != nil {
		return nil, err
	}
	return d, nil
}

// Empty creates a replica with no objects at all. It is meant to be filled by syncing with a room, which owns the
// shared text object; creating that object on two replicas independently would leave them with two competing texts.
func Empty(siteID string) (*Document, error) {
	doc := automerge.New()
	if siteID != "" {
		if err := doc.SetActorID(siteID); err != nil {
			return nil, fmt.Errorf("failed to set site id: %w", err)
		}
	}
	return &Document{doc: doc}, nil
}

// Load restores a document from a snapshot produced by Save. An empty snapshot yields a fresh document.
func Load(snapshot []byte, siteID string) (*Document, error) {
	if len(snapshot) == 0 {
		return New(siteID)
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if siteID != "" {
		if err := doc.SetActorID(siteID); err != nil {
			return nil, fmt.Errorf("failed to set site id: %w", err)
		}
	}
	d := &Document{doc: doc}
	if err := d.ensureSchema(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) ensureSchema() error {
	changed := false
	if v, err := d.doc.Path(contentKey).Get(); err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	} else if v.Kind() == automerge.KindVoid {
		if err := d.doc.Path(contentKey).Set(automerge.NewText("")); err != nil {
			return fmt.Errorf("failed to create content: %w", err)
		}
		changed = true
	}
	if v, err := d.doc.Path(metaKey).Get(); err != nil {
		return fmt.Errorf("failed to read meta: %w", err)
	} else if v.Kind() == automerge.KindVoid {
		if err := d.doc.Path(metaKey).Set(automerge.NewMap()); err != nil {
			return fmt.Errorf("failed to create meta: %w", err)
		}
		changed = true
	}
	if changed {
		if _, err := d.doc.Commit("init"); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
	}
	return nil
}

// SiteID is the actor id local edits are attributed to.
func (d *Document) SiteID() string {
	return d.doc.ActorID()
}

// Fork returns an independent replica with the same history, attributed to siteID.
func (d *Document) Fork(siteID string) (*Document, error) {
	doc, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	if siteID != "" {
		if err := doc.SetActorID(siteID); err != nil {
			return nil, fmt.Errorf("failed to set site id: %w", err)
		}
	}
	return &Document{doc: doc}, nil
}

// At returns a read-only view of the document as of the given change hash.
func (d *Document) At(hash string) (*Document, error) {
	h, err := automerge.NewChangeHash(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid change hash: %w", err)
	}
	doc, err := d.doc.Fork(h)
	if err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	return &Document{doc: doc}, nil
}

func (d *Document) text() (*automerge.Text, bool) {
	v, err := d.doc.Path(contentKey).Get()
	if err != nil || v.Kind() != automerge.KindText {
		return nil, false
	}
	return d.doc.Path(contentKey).Text(), true
}

// String returns the current text content.
func (d *Document) String() string {
	t, ok := d.text()
	if !ok {
		return ""
	}
	s, err := t.Get()
	if err != nil {
		return ""
	}
	return s
}

// Len is the length of the content in the units Insert and Delete positions use.
func (d *Document) Len() int {
	t, ok := d.text()
	if !ok {
		return 0
	}
	return t.Len()
}

// IsEmpty reports whether the content text is empty.
func (d *Document) IsEmpty() bool {
	return d.Len() == 0
}

// Insert inserts text at pos as a single change.
func (d *Document) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	t, ok := d.text()
	if !ok {
		return ErrNoContent
	}
	if pos < 0 || pos > t.Len() {
		return fmt.Errorf("insert position %d out of range [0,%d]", pos, t.Len())
	}
	if err := t.Insert(pos, text); err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	return d.commit("insert")
}

// Delete removes length characters starting at pos as a single change.
func (d *Document) Delete(pos, length int) error {
	if length <= 0 {
		return nil
	}
	t, ok := d.text()
	if !ok {
		return ErrNoContent
	}
	if pos < 0 || pos+length > t.Len() {
		return fmt.Errorf("delete range [%d,%d) out of range [0,%d]", pos, pos+length, t.Len())
	}
	if err := t.Delete(pos, length); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	return d.commit("delete")
}

// Baseline is the content as of the last successful upstream commit.
func (d *Document) Baseline() string {
	v, err := d.doc.Path(metaKey, baselineKey).Get()
	if err != nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

// CommitVersion is bumped every time the baseline moves. Zero means the document was never seeded.
func (d *Document) CommitVersion() int64 {
	v, err := d.doc.Path(metaKey, commitVersionKey).Get()
	if err != nil {
		return 0
	}
	switch v.Kind() {
	case automerge.KindInt64:
		return v.Int64()
	case automerge.KindUint64:
		return int64(v.Uint64())
	}
	return 0
}

// Filename is the gist file the document mirrors.
func (d *Document) Filename() string {
	v, err := d.doc.Path(metaKey, filenameKey).Get()
	if err != nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

// Dirty reports whether the content differs from the baseline.
func (d *Document) Dirty() bool {
	return d.String() != d.Baseline()
}

// Seed initialises an empty document with content. It returns false without touching the content when the document
// already holds text; the filename is still refreshed in that case.
func (d *Document) Seed(filename, content string) (bool, error) {
	t, ok := d.text()
	if !ok {
		return false, ErrNoContent
	}
	if t.Len() > 0 {
		if filename != "" && filename != d.Filename() {
			if err := d.doc.Path(metaKey, filenameKey).Set(filename); err != nil {
				return false, fmt.Errorf("failed to set filename: %w", err)
			}
			return false, d.commit("filename")
		}
		return false, nil
	}
	if content != "" {
		if err := t.Insert(0, content); err != nil {
			return false, fmt.Errorf("failed to insert seed: %w", err)
		}
	}
	if err := d.doc.Path(metaKey, filenameKey).Set(filename); err != nil {
		return false, fmt.Errorf("failed to set filename: %w", err)
	}
	if err := d.doc.Path(metaKey, baselineKey).Set(content); err != nil {
		return false, fmt.Errorf("failed to set baseline: %w", err)
	}
	if err := d.doc.Path(metaKey, commitVersionKey).Set(int64(1)); err != nil {
		return false, fmt.Errorf("failed to set commit version: %w", err)
	}
	return true, d.commit("seed")
}

// MarkCommitted records baseline as the last committed content and bumps the commit version.
func (d *Document) MarkCommitted(baseline string) error {
	next := d.CommitVersion() + 1
	if err := d.doc.Path(metaKey, baselineKey).Set(baseline); err != nil {
		return fmt.Errorf("failed to set baseline: %w", err)
	}
	if err := d.doc.Path(metaKey, commitVersionKey).Set(next); err != nil {
		return fmt.Errorf("failed to set commit version: %w", err)
	}
	return d.commit("committed")
}

func (d *Document) commit(msg string) error {
	if _, err := d.doc.Commit(msg); err != nil {
		return fmt.Errorf("failed to commit %s: %w", msg, err)
	}
	return nil
}

// Save encodes the full document state.
func (d *Document) Save() []byte {
	return d.doc.Save()
}

// StateVector summarises which changes this replica has seen from every site.
func (d *Document) StateVector() (StateVector, error) {
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	sv := make(StateVector)
	for _, c := range changes {
		if seq := c.ActorSeq(); seq > sv[c.ActorID()] {
			sv[c.ActorID()] = seq
		}
	}
	return sv, nil
}

// EncodeUpdateSince returns exactly the changes a replica at sv is missing, in causal order. A nil vector selects the
// whole history.
func (d *Document) EncodeUpdateSince(sv StateVector) ([]byte, error) {
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	missing := changes[:0:0]
	for _, c := range changes {
		if c.ActorSeq() > sv[c.ActorID()] {
			missing = append(missing, c)
		}
	}
	return encodeChanges(missing), nil
}

// ApplyUpdate merges an update produced by EncodeUpdateSince and returns how many changes joined the history.
// Changes already present are skipped by the engine. Changes whose dependencies have not arrived yet are held back
// until they do, and are counted by the call that releases them. A change the engine rejects is reported as
// ErrMalformed; the rest of the update is still applied.
func (d *Document) ApplyUpdate(update []byte) (int, error) {
	raws, err := decodeChanges(update)
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		return 0, nil
	}
	before, err := d.StateVector()
	if err != nil {
		return 0, err
	}
	var bad error
	for i, raw := range raws {
		if err := d.doc.LoadIncremental(raw); err != nil && bad == nil {
			bad = fmt.Errorf("%w: change %d: %v", ErrMalformed, i, err)
		}
	}
	after, err := d.StateVector()
	if err != nil {
		return 0, err
	}
	return int(after.Total() - before.Total()), bad
}

// History lists every change in causal order.
func (d *Document) History() ([]Change, error) {
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		deps := make([]string, 0, len(c.Dependencies()))
		for _, h := range c.Dependencies() {
			deps = append(deps, h.String())
		}
		out = append(out, Change{
			Hash:    c.Hash().String(),
			Actor:   c.ActorID(),
			Seq:     c.ActorSeq(),
			Deps:    deps,
			Message: c.Message(),
			Time:    c.Timestamp(),
		})
	}
	return out, nil
}

// GoString renders the document for debug logging.
func (d *Document) GoString() string {
	return fmt.Sprintf("rtd.Document{site: %s, filename: %q, commitVersion: %d, len: %d, dirty: %v}",
		d.SiteID(), d.Filename(), d.CommitVersion(), d.Len(), d.Dirty())
}
