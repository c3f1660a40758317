// Package rooms tracks desired channel membership across reconnects.
//
// The server is authoritative on delivery; the registry only records which
// rooms this client wants, so membership can be re-asserted after every
// successful authentication.
package rooms

import "sync"

// Registry is the desired-membership set. Join and Leave mutate local state
// immediately, independent of connection state; the session snapshots
// Desired after each authentication and sends one join per room.
type Registry struct {
	mu      sync.Mutex
	order   []string
	members map[string]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		members: make(map[string]struct{}),
	}
}

// Join adds the room to the desired set. Returns false when the room was
// already desired. Idempotent.
func (r *Registry) Join(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[name]; ok {
		return false
	}
	r.members[name] = struct{}{}
	r.order = append(r.order, name)
	return true
}

// Leave removes the room from the desired set. Returns false when the room
// was not desired. Idempotent.
func (r *Registry) Leave(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[name]; !ok {
		return false
	}
	delete(r.members, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether the room is currently desired.
func (r *Registry) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[name]
	return ok
}

// Desired returns the rooms in join order. The slice is a copy.
func (r *Registry) Desired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
