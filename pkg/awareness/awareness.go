// Package awareness tracks ephemeral per-connection presence: who is in a room, where their pointer is and what they
// are typing into the cursor chat. Nothing here is persisted.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// Well known state fields set by editor clients.
const (
	FieldUser    = "user"
	FieldPointer = "pointer"
	FieldMessage = "message"
)

const (
	MaxMessageLength = 42
	MessageTimeout   = 10 * time.Second
)

// User is the identity shown next to a cursor.
type User struct {
	Name       string `json:"name"`
	Color      string `json:"color"`
	ColorLight string `json:"colorLight,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}

// Pointer is a cursor position normalised to the viewport.
type Pointer struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Pointer string  `json:"pointer"`
}

// State is one site's full presence state: field name to raw JSON value.
type State map[string]json.RawMessage

func (s State) clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (s State) decode(key string, into interface{}) bool {
	raw, ok := s[key]
	if !ok || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, into) == nil
}

// User decodes the user field.
func (s State) User() (User, bool) {
	var u User
	return u, s.decode(FieldUser, &u)
}

// Pointer decodes the pointer field. A null pointer means the peer's cursor is not on screen.
func (s State) Pointer() (Pointer, bool) {
	var p Pointer
	return p, s.decode(FieldPointer, &p)
}

// Message decodes the chat message field.
func (s State) Message() (string, bool) {
	var m string
	return m, s.decode(FieldMessage, &m)
}

// Entry is the wire form of one site's state. A nil State announces that the site has left.
type Entry struct {
	Site  string `json:"site"`
	Clock uint64 `json:"clock"`
	State State  `json:"state"`
}

// Update is a batch of entries as sent over the wire.
type Update struct {
	Entries []Entry `json:"entries"`
}

// Encode marshals the update as JSON.
func (u Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses an encoded Update.
func DecodeUpdate(raw []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return Update{}, fmt.Errorf("failed to decode awareness update: %w", err)
	}
	for _, e := range u.Entries {
		if e.Site == "" {
			return Update{}, fmt.Errorf("failed to decode awareness update: entry without site")
		}
	}
	return u, nil
}

type entry struct {
	clock            uint64
	state            State
	messageExpiresAt time.Time
}

// Register holds the presence state of every site in a room. It is safe for concurrent use.
type Register struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// clocks of removed sites, so a late update cannot resurrect them
	removed map[string]uint64
	now     func() time.Time
}

func NewRegister() *Register {
	return &Register{
		entries: make(map[string]*entry),
		removed: make(map[string]uint64),
		now:     time.Now,
	}
}

// SetClock replaces the time source; used by tests to expire chat messages.
func (r *Register) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetLocalField sets one field of site's state and returns the update to broadcast.
func (r *Register) SetLocalField(site, key string, value interface{}) (Update, error) {
	if key == FieldMessage {
		if s, ok := value.(string); ok {
			value = truncate(s)
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Update{}, fmt.Errorf("failed to encode %s: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[site]
	if !ok {
		e = &entry{clock: r.removed[site], state: State{}}
		delete(r.removed, site)
		r.entries[site] = e
	}
	e.clock++
	e.state[key] = raw
	if key == FieldMessage {
		e.messageExpiresAt = r.now().Add(MessageTimeout)
	}
	return Update{Entries: []Entry{r.entryLocked(site, e)}}, nil
}

// Apply merges a remote update and returns the sites whose state changed. Entries older than what the register
// already holds are ignored.
func (r *Register) Apply(u Update) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed []string
	for _, in := range u.Entries {
		cur, ok := r.entries[in.Site]
		switch {
		case ok && in.Clock <= cur.clock:
			continue
		case !ok && in.Clock <= r.removed[in.Site] && r.removed[in.Site] > 0:
			continue
		}
		if in.State == nil {
			if ok {
				delete(r.entries, in.Site)
				r.removed[in.Site] = in.Clock
				changed = append(changed, in.Site)
			}
			continue
		}
		e := &entry{clock: in.Clock, state: in.State.clone()}
		if m, has := e.state.Message(); has && m != "" {
			if ok {
				if prev, _ := cur.state.Message(); prev == m {
					e.messageExpiresAt = cur.messageExpiresAt
				}
			}
			if e.messageExpiresAt.IsZero() {
				e.messageExpiresAt = r.now().Add(MessageTimeout)
			}
		}
		r.entries[in.Site] = e
		delete(r.removed, in.Site)
		changed = append(changed, in.Site)
	}
	return changed
}

// Remove drops site and returns the update announcing its departure.
func (r *Register) Remove(site string) (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[site]
	if !ok {
		return Update{}, false
	}
	delete(r.entries, site)
	r.removed[site] = e.clock + 1
	return Update{Entries: []Entry{{Site: site, Clock: e.clock + 1}}}, true
}

// Renew re-announces a local site after a reconnect. Peers saw the room announce its departure with the next clock,
// so the renewed entry skips past that one.
func (r *Register) Renew(site string) (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[site]
	if !ok {
		return Update{}, false
	}
	e.clock += 2
	return Update{Entries: []Entry{r.entryLocked(site, e)}}, true
}

// Forget clears the tombstone left by Remove, so a reconnecting site is accepted again whatever its clock.
func (r *Register) Forget(site string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.removed, site)
}

// GetStates returns a copy of every site's state with expired chat messages cleared.
func (r *Register) GetStates() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.entries))
	for site, e := range r.entries {
		out[site] = r.visibleLocked(e)
	}
	return out
}

// Snapshot returns an update describing every present site, sorted by site.
func (r *Register) Snapshot() Update {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sites := make([]string, 0, len(r.entries))
	for site := range r.entries {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	u := Update{Entries: make([]Entry, 0, len(sites))}
	for _, site := range sites {
		u.Entries = append(u.Entries, r.entryLocked(site, r.entries[site]))
	}
	return u
}

// Len is the number of present sites.
func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Register) entryLocked(site string, e *entry) Entry {
	return Entry{Site: site, Clock: e.clock, State: r.visibleLocked(e)}
}

func (r *Register) visibleLocked(e *entry) State {
	s := e.state.clone()
	if _, ok := s[FieldMessage]; ok && !e.messageExpiresAt.IsZero() && !r.now().Before(e.messageExpiresAt) {
		s[FieldMessage] = json.RawMessage("null")
	}
	return s
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxMessageLength {
		return s
	}
	return string([]rune(s)[:MaxMessageLength])
}
