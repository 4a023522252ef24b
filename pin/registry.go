package pin

import (
	"sort"
	"sync"
)

// Registry is the in-memory map of known pins. The reconciler is the single
// writer; everyone else reads copy-on-read snapshots. Mutating a snapshot
// has no effect on the registry.
type Registry struct {
	mu   sync.RWMutex
	pins map[int]*Pin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pins: map[int]*Pin{}}
}

// Upsert inserts or replaces the pin record.
func (r *Registry) Upsert(p Pin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	r.pins[p.ID] = &cp
}

// Remove deletes a pin. Unknown ids are a no-op.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pins, id)
}

// Get returns a copy of the pin record.
func (r *Registry) Get(id int) (Pin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pins[id]
	if !ok {
		return Pin{}, false
	}
	return *p, true
}

// Snapshot returns a copy of every pin record.
func (r *Registry) Snapshot() map[int]Pin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]Pin, len(r.pins))
	for id, p := range r.pins {
		out[id] = *p
	}
	return out
}

// IDs returns every known pin id in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.pins))
	for id := range r.pins {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of known pins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pins)
}

// Update applies fn to the stored pin under the write lock. It returns false
// for unknown ids. fn receives the live record; this is the reconciler's
// read-modify-write path.
func (r *Registry) Update(id int, fn func(p *Pin)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}
