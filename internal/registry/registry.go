// Package registry keeps the in-memory session store: session id to message count.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps session ids to their message counts. A single mutex guards
// the whole map; operations are O(1) and happen at connection rate.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]int
	newID    func() string
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]int),
		newID:    uuid.NewString,
	}
}

// ResolveOrCreate returns the stored count for candidate when it is a valid,
// known session id. Anything else mints a fresh id stored with count 0.
func (r *Registry) ResolveOrCreate(candidate string) (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if candidate != "" {
		if parsed, err := uuid.Parse(candidate); err == nil {
			id := parsed.String()
			if count, ok := r.sessions[id]; ok {
				return id, count
			}
		}
	}

	id := r.newID()
	for {
		if _, taken := r.sessions[id]; !taken && id != candidate {
			break
		}
		id = r.newID()
	}
	r.sessions[id] = 0
	return id, 0
}

// Flush overwrites the stored count. Concurrent flushes for the same id are
// last-write-wins.
func (r *Registry) Flush(id string, count int) {
	r.mu.Lock()
	r.sessions[id] = count
	r.mu.Unlock()
}

// Count returns the stored count for id.
func (r *Registry) Count(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count, ok := r.sessions[id]
	return count, ok
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
