// Package safety holds the state behind the local safety interlocks: the
// user-override registry that lets an explicit OFF outrank any schedule, and
// the emergency-stop guard. The sweeps themselves run inside the reconciler,
// which is the only component allowed to touch the driver.
package safety

import (
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// Supervisor tracks user overrides and emergency-stop progress. Safe for
// concurrent use by executors, the reconciler, and the HTTP surface.
type Supervisor struct {
	mu        sync.RWMutex
	overrides map[int]struct{}

	estopActive atomic.Bool
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{overrides: map[int]struct{}{}}
}

// Override marks a pin as user-forced OFF. Schedules on the pin observe
// this within one poll interval and exit.
func (s *Supervisor) Override(pinID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[pinID] = struct{}{}
}

// ClearOverride removes a pin from the override set; called when the user
// commands ON or a schedule definition on the pin changes.
func (s *Supervisor) ClearOverride(pinID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, pinID)
}

// Overridden reports whether user intent currently blocks schedules on the
// pin.
func (s *Supervisor) Overridden(pinID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.overrides[pinID]
	return ok
}

// OverriddenPins returns the override set in ascending order.
func (s *Supervisor) OverriddenPins() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pins := make([]int, 0, len(s.overrides))
	for pinID := range s.overrides {
		pins = append(pins, pinID)
	}
	sort.Ints(pins)
	return pins
}

// OverrideAll adds every listed pin; the emergency-stop sweep uses this so
// nothing re-activates until the user says so.
func (s *Supervisor) OverrideAll(pinIDs []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pinID := range pinIDs {
		s.overrides[pinID] = struct{}{}
	}
}

// BeginEstop claims the emergency-stop path. It returns false if a stop is
// already in flight.
func (s *Supervisor) BeginEstop() bool {
	return s.estopActive.CompareAndSwap(false, true)
}

// EndEstop releases the emergency-stop path.
func (s *Supervisor) EndEstop() {
	s.estopActive.Store(false)
}

// EstopInProgress reports whether an emergency stop is currently sweeping.
func (s *Supervisor) EstopInProgress() bool {
	return s.estopActive.Load()
}
