package schedule

import (
	"sync"
	"time"
)

// State is a definition plus its window-evaluated active flag.
type State struct {
	Def    Definition
	Active bool
}

// Flip records one schedule whose active flag changed during a window sweep.
type Flip struct {
	Key    Key
	Active bool
}

// Cache is the thread-safe store of every schedule definition per pin.
type Cache struct {
	mu    sync.RWMutex
	byPin map[int]map[string]*State
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{byPin: map[int]map[string]*State{}}
}

// Upsert inserts or replaces a definition and evaluates its active flag
// against now. It returns true if the schedule is active after the upsert.
func (c *Cache) Upsert(key Key, def Definition, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pinScheds, ok := c.byPin[key.Pin]
	if !ok {
		pinScheds = map[string]*State{}
		c.byPin[key.Pin] = pinScheds
	}
	st := &State{Def: def, Active: def.ShouldRun(now)}
	pinScheds[key.ID] = st
	return st.Active
}

// Remove deletes one schedule. Unknown keys are a no-op.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pinScheds, ok := c.byPin[key.Pin]; ok {
		delete(pinScheds, key.ID)
		if len(pinScheds) == 0 {
			delete(c.byPin, key.Pin)
		}
	}
}

// RemovePin drops every schedule on a pin (hot-remove path).
func (c *Cache) RemovePin(pin int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byPin, pin)
}

// Get returns a copy of one schedule's state.
func (c *Cache) Get(key Key) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if pinScheds, ok := c.byPin[key.Pin]; ok {
		if st, ok := pinScheds[key.ID]; ok {
			return *st, true
		}
	}
	return State{}, false
}

// List returns copies of every schedule on a pin.
func (c *Cache) List(pin int) map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]State{}
	for id, st := range c.byPin[pin] {
		out[id] = *st
	}
	return out
}

// All returns a copy of every schedule, keyed by (pin, id).
func (c *Cache) All() map[Key]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[Key]State{}
	for pin, pinScheds := range c.byPin {
		for id, st := range pinScheds {
			out[Key{Pin: pin, ID: id}] = *st
		}
	}
	return out
}

// HasActive reports whether any schedule on the pin is currently active;
// the reconciler uses it to decide whether a drift is auto-repairable.
func (c *Cache) HasActive(pin int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.byPin[pin] {
		if st.Active {
			return true
		}
	}
	return false
}

// SetLastRun records when an executor last finished with the schedule.
func (c *Cache) SetLastRun(key Key, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pinScheds, ok := c.byPin[key.Pin]; ok {
		if st, ok := pinScheds[key.ID]; ok {
			ts := t
			st.Def.LastRunAt = &ts
		}
	}
}

// ReevaluateWindows walks every schedule and flips its active flag iff
// enabled AND in-window at now. It returns the set of flips, for the window
// evaluator to act on.
func (c *Cache) ReevaluateWindows(now time.Time) []Flip {
	c.mu.Lock()
	defer c.mu.Unlock()

	var flips []Flip
	for pin, pinScheds := range c.byPin {
		for id, st := range pinScheds {
			active := st.Def.ShouldRun(now)
			if active != st.Active {
				st.Active = active
				flips = append(flips, Flip{Key: Key{Pin: pin, ID: id}, Active: active})
			}
		}
	}
	return flips
}
