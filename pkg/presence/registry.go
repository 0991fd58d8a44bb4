// Package presence maps identities to the live connection handle that
// currently owns them.
package presence

import (
	"sort"
	"strings"
	"sync"
)

// Registry is a concurrency-safe identity -> handle map that holds at most one
// handle per identity. The most recent Register wins; the handle it replaced
// stays open but is no longer reachable by identity.
type Registry[H comparable] struct {
	mu      sync.RWMutex
	handles map[string]H
}

// New creates an empty registry
func New[H comparable]() *Registry[H] {
	return &Registry[H]{
		handles: make(map[string]H),
	}
}

// Register binds identity to h, overwriting any previous binding.
// Blank identities are ignored. Returns the handle that was replaced, if any.
func (r *Registry[H]) Register(identity string, h H) (previous H, replaced bool) {
	if strings.TrimSpace(identity) == "" {
		return previous, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, replaced = r.handles[identity]
	r.handles[identity] = h
	if replaced && previous == h {
		// Same handle registering again is not a replacement
		replaced = false
	}
	return previous, replaced
}

// Lookup returns the handle currently registered for identity
func (r *Registry[H]) Lookup(identity string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[identity]
	return h, ok
}

// Unregister removes identity only while it is still bound to h.
// A disconnect from a superseded handle must not evict the newer registration.
func (r *Registry[H]) Unregister(identity string, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.handles[identity]
	if !ok || current != h {
		return false
	}
	delete(r.handles, identity)
	return true
}

// Len returns the number of registered identities
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handles)
}

// Identities returns a sorted snapshot of registered identities
func (r *Registry[H]) Identities() []string {
	r.mu.RLock()
	identities := make([]string, 0, len(r.handles))
	for identity := range r.handles {
		identities = append(identities, identity)
	}
	r.mu.RUnlock()

	sort.Strings(identities)
	return identities
}

// Clear drops every binding. Only used at shutdown.
func (r *Registry[H]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles = make(map[string]H)
}
