// Package registry tracks the connections that completed the join handshake.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/postalsys/muti-relay/internal/protocol"
)

// ErrNameTaken is returned when a username is already registered.
var ErrNameTaken = errors.New("username already in use")

// SessionID identifies a registered connection. IDs are never reused.
type SessionID uint64

// Handle is the sending side of a registered connection.
type Handle interface {
	Send(protocol.Envelope) error
}

// Identity describes a registered connection.
type Identity struct {
	SessionID   SessionID `json:"session_id"`
	Username    string    `json:"username"`
	RemoteAddr  string    `json:"remote_addr"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Entry pairs an identity with its handle.
type Entry struct {
	Identity
	Handle Handle
}

// Registry is the set of live sessions. Lookups copy out of the lock so
// callers never do socket I/O while holding it.
type Registry struct {
	mu      sync.RWMutex
	nextID  SessionID
	entries map[SessionID]Entry
	order   []SessionID
	names   map[string]SessionID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[SessionID]Entry),
		names:   make(map[string]SessionID),
	}
}

// Register adds a connection and returns its final identity. An empty
// username becomes "User_<id>". SessionID in id is ignored.
func (r *Registry) Register(h Handle, id Identity) (Identity, error) {
	if h == nil {
		return Identity{}, errors.New("register: nil handle")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id.Username != "" {
		if _, taken := r.names[id.Username]; taken {
			return Identity{}, fmt.Errorf("%w: %q", ErrNameTaken, id.Username)
		}
	}

	r.nextID++
	id.SessionID = r.nextID
	if id.Username == "" {
		id.Username = DefaultUsername(id.SessionID)
		// a client may have claimed the generated form already
		for n := 1; r.nameTaken(id.Username); n++ {
			id.Username = fmt.Sprintf("%s_%d", DefaultUsername(id.SessionID), n)
		}
	}
	if id.ConnectedAt.IsZero() {
		id.ConnectedAt = time.Now()
	}

	r.entries[id.SessionID] = Entry{Identity: id, Handle: h}
	r.order = append(r.order, id.SessionID)
	r.names[id.Username] = id.SessionID

	return id, nil
}

// DefaultUsername is the name given to a session that joined without one.
func DefaultUsername(id SessionID) string {
	return fmt.Sprintf("User_%d", id)
}

func (r *Registry) nameTaken(name string) bool {
	_, ok := r.names[name]
	return ok
}

// Unregister removes a session. Unknown IDs are ignored.
func (r *Registry) Unregister(id SessionID) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Identity{}, false
	}
	delete(r.entries, id)
	delete(r.names, e.Username)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return e.Identity, true
}

// Get returns the entry for id.
func (r *Registry) Get(id SessionID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Find returns the session registered under username.
func (r *Registry) Find(username string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.names[username]
	if !ok {
		return Entry{}, false
	}
	return r.entries[id], true
}

// Snapshot returns every entry except exclude, in registration order.
// Pass 0 to include all.
func (r *Registry) Snapshot(exclude SessionID) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		out = append(out, r.entries[id])
	}
	return out
}

// ForEach calls fn for a snapshot of the entries, outside the lock.
func (r *Registry) ForEach(exclude SessionID, fn func(Entry)) {
	for _, e := range r.Snapshot(exclude) {
		fn(e)
	}
}

// List returns the identities of all sessions in registration order.
func (r *Registry) List() []Identity {
	entries := r.Snapshot(0)
	out := make([]Identity, len(entries))
	for i, e := range entries {
		out[i] = e.Identity
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
