package schedule

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	goutils "go.viam.com/utils"

	"github.com/verdant-devices/sproutd/logging"
)

// IntervalFunc returns the current sweep cadence; it is re-read every tick
// so config updates take effect live.
type IntervalFunc func() time.Duration

// Evaluator periodically re-evaluates every schedule's window and starts
// executors for schedules that just became active. Schedules that turned
// inactive are left to their executor's in-loop polling.
type Evaluator struct {
	cache    *Cache
	manager  *Manager
	interval IntervalFunc
	clock    clock.Clock
	logger   logging.Logger

	workers *goutils.StoppableWorkers
}

// NewEvaluator wires a window evaluator; Start must be called to begin
// sweeping.
func NewEvaluator(cache *Cache, manager *Manager, interval IntervalFunc, clk clock.Clock, logger logging.Logger) *Evaluator {
	return &Evaluator{
		cache:    cache,
		manager:  manager,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Start launches the sweep worker.
func (e *Evaluator) Start() {
	e.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		for {
			timer := e.clock.Timer(e.interval())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			e.Sweep()
		}
	})
}

// Sweep runs one evaluation pass. Exported so boot and tests can force one.
func (e *Evaluator) Sweep() {
	now := e.clock.Now()
	flips := e.cache.ReevaluateWindows(now)
	for _, flip := range flips {
		if flip.Active {
			e.logger.Infow("schedule entered window", "schedule", flip.Key)
		} else {
			e.logger.Infow("schedule left window", "schedule", flip.Key)
		}
	}

	// Anything active without a live executor gets one; Start re-checks
	// overrides and drops the request for overridden pins.
	for key, st := range e.cache.All() {
		if st.Active && !e.manager.IsRunning(key) {
			e.manager.Start(key)
		}
	}
}

// Close stops the sweep worker.
func (e *Evaluator) Close() {
	if e.workers != nil {
		e.workers.Stop()
	}
}
