package backend

import (
	"fmt"
	"sync"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
)

// Registry maps a discovered ServiceId to its live Caller. Guarded by a
// RWMutex per spec §5's "read-many/write-rare... handles are
// reference-counted" discipline: dispatch and discovery read concurrently;
// registration/removal during (re)discovery is comparatively rare.
type Registry struct {
	mu      sync.RWMutex
	callers map[ids.ServiceId]Caller
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{callers: map[ids.ServiceId]Caller{}}
}

// Register associates a Caller with a ServiceId, closing and replacing any
// previous Caller for that id.
func (r *Registry) Register(id ids.ServiceId, caller Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.callers[id]; ok && old != caller {
		_ = old.Close()
	}
	r.callers[id] = caller
}

// Get returns the Caller registered for id, or false if none is registered.
func (r *Registry) Get(id ids.ServiceId) (Caller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.callers[id]
	return c, ok
}

// MustGet returns the Caller registered for id, or an error naming the
// missing service — the shape the dispatcher needs to map directly onto an
// orcherr sentinel.
func (r *Registry) MustGet(id ids.ServiceId) (Caller, error) {
	c, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("backend: no caller registered for service %q", id)
	}
	return c, nil
}

// Remove closes and deregisters the Caller for id, if any.
func (r *Registry) Remove(id ids.ServiceId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.callers[id]; ok {
		_ = c.Close()
		delete(r.callers, id)
	}
}

// ServiceIDs returns every currently-registered ServiceId, in no particular
// order.
func (r *Registry) ServiceIDs() []ids.ServiceId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ids.ServiceId, 0, len(r.callers))
	for id := range r.callers {
		out = append(out, id)
	}
	return out
}

// CloseAll closes every registered Caller and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.callers {
		_ = c.Close()
		delete(r.callers, id)
	}
}
