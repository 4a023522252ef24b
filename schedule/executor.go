package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/verdant-devices/sproutd/logging"
)

// pollInterval bounds how long an executor sleeps before rechecking its
// abort conditions; the cancellation contract is "within one second".
const pollInterval = time.Second

// Commander is how executors ask for pin changes. The reconciler implements
// it; executors never touch the driver or the registry themselves.
type Commander interface {
	// ScheduleSet requests a schedule-sourced logical state change.
	ScheduleSet(ctx context.Context, pinID int, on bool) error
}

// OverrideChecker reports whether user intent currently blocks schedules on
// a pin.
type OverrideChecker interface {
	Overridden(pinID int) bool
}

// RunRecorder persists a schedule's last-run stamp when its executor exits.
// The appliance backs it with the document store so the stamp survives a
// restart; a nil recorder keeps the stamp in-memory only.
type RunRecorder func(ctx context.Context, pinID int, scheduleID string, at time.Time) error

// Manager runs at most one executor per (pin, schedule) key.
type Manager struct {
	cache     *Cache
	cmd       Commander
	overrides OverrideChecker
	recordRun RunRecorder
	clock     clock.Clock
	logger    logging.Logger

	mu      sync.Mutex
	running map[Key]struct{}

	cancelCtx context.Context
	cancel    func()
	workers   sync.WaitGroup
}

// NewManager wires an executor manager. clk may be a mock in tests; record
// may be nil.
func NewManager(
	cache *Cache,
	cmd Commander,
	overrides OverrideChecker,
	record RunRecorder,
	clk clock.Clock,
	logger logging.Logger,
) *Manager {
	cancelCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cache:     cache,
		cmd:       cmd,
		overrides: overrides,
		recordRun: record,
		clock:     clk,
		logger:    logger,
		running:   map[Key]struct{}{},
		cancelCtx: cancelCtx,
		cancel:    cancel,
	}
}

// Start launches an executor for the key if none is running. Starting an
// unknown, disabled, out-of-window, or overridden schedule is a no-op.
func (m *Manager) Start(key Key) {
	st, ok := m.cache.Get(key)
	if !ok || !st.Def.ShouldRun(m.clock.Now()) {
		return
	}
	if m.overrides.Overridden(key.Pin) {
		m.logger.Debugw("not starting overridden schedule", "schedule", key)
		return
	}

	m.mu.Lock()
	if _, exists := m.running[key]; exists {
		m.mu.Unlock()
		return
	}
	m.running[key] = struct{}{}
	m.mu.Unlock()

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, key)
			m.mu.Unlock()
		}()
		m.run(key)
	}()
}

// IsRunning reports whether an executor holds the key right now.
func (m *Manager) IsRunning(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[key]
	return ok
}

// RunningCount returns the number of live executors.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Close stops every executor and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.workers.Wait()
}

// shouldContinue re-reads the live definition and override set; every abort
// condition lands here so all of them are observed within one poll interval.
func (m *Manager) shouldContinue(key Key) bool {
	if m.cancelCtx.Err() != nil {
		return false
	}
	st, ok := m.cache.Get(key)
	if !ok || !st.Def.ShouldRun(m.clock.Now()) {
		return false
	}
	if m.overrides.Overridden(key.Pin) {
		return false
	}
	return true
}

// sleepInterruptible waits out d in chunks of at most pollInterval,
// rechecking the abort conditions between chunks. It returns false if the
// wait was aborted.
func (m *Manager) sleepInterruptible(key Key, d time.Duration) bool {
	deadline := m.clock.Now().Add(d)
	for {
		if !m.shouldContinue(key) {
			return false
		}
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			return true
		}
		chunk := remaining
		if chunk > pollInterval {
			chunk = pollInterval
		}
		timer := m.clock.Timer(chunk)
		select {
		case <-m.cancelCtx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// run is one executor: cycle the pin ON for the duration, OFF for the
// frequency, until an abort condition trips, then leave the pin OFF and
// stamp last_run_at.
func (m *Manager) run(key Key) {
	m.logger.Infow("schedule executor starting", "schedule", key)

	defer func() {
		// Leaving the pin ON after an abort would defeat the window bound.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.cmd.ScheduleSet(ctx, key.Pin, false); err != nil {
			m.logger.Errorw("schedule final off failed", "schedule", key, "error", err)
		}
		now := m.clock.Now()
		m.cache.SetLastRun(key, now)
		if m.recordRun != nil {
			if err := m.recordRun(ctx, key.Pin, key.ID, now); err != nil {
				m.logger.Warnw("persisting schedule last run failed", "schedule", key, "error", err)
			}
		}
		m.logger.Infow("schedule executor exited", "schedule", key)
	}()

	for m.shouldContinue(key) {
		st, ok := m.cache.Get(key)
		if !ok {
			return
		}

		if err := m.cmd.ScheduleSet(m.cancelCtx, key.Pin, true); err != nil {
			m.logger.Errorw("schedule on failed", "schedule", key, "error", err)
			return
		}
		if !m.sleepInterruptible(key, st.Def.OnDuration()) {
			return
		}

		if err := m.cmd.ScheduleSet(m.cancelCtx, key.Pin, false); err != nil {
			m.logger.Errorw("schedule off failed", "schedule", key, "error", err)
			return
		}
		if !m.sleepInterruptible(key, st.Def.OffDuration()) {
			return
		}
	}
}
