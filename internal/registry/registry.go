// Package registry holds the process-wide map of live session state. The
// registry instance is created at server start, passed explicitly to its
// users, and drained at shutdown; it is not ambient global state. Lookups
// take a read lock only; mutual exclusion applies to create and remove.
package registry

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrAlreadyExists is returned by Create on a session id collision.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrInUse is returned by Remove while the session is not terminal or
	// still has subscribers.
	ErrInUse = errors.New("session in use")

	// ErrNotFound is returned by Remove for an unknown id.
	ErrNotFound = errors.New("session not registered")
)

// Entry is what the registry stores per session. The orchestrator's live
// session type implements it.
type Entry interface {
	ID() string
	Terminal() bool
	Subscribers() int
}

// Registry maps session ids to live entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Create registers a new entry. Two concurrent starts racing on the same id
// serialize here; the loser gets ErrAlreadyExists.
func (r *Registry) Create(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.ID()]; exists {
		return ErrAlreadyExists
	}
	r.entries[e.ID()] = e
	return nil
}

// Get looks up a live entry.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes an entry. Only terminal sessions without subscribers can be
// removed; the durable history is unaffected either way.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	if !e.Terminal() || e.Subscribers() > 0 {
		return ErrInUse
	}
	delete(r.entries, id)
	return nil
}

// List returns a snapshot of all entries sorted by id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Drain empties the registry and returns the removed entries. Used at
// shutdown, where the guards of Remove do not apply: the caller is about to
// terminate every live handle.
func (r *Registry) Drain() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.entries = make(map[string]Entry)
	return out
}
