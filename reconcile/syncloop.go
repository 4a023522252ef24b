package reconcile

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	goutils "go.viam.com/utils"

	"github.com/verdant-devices/sproutd/config"
	"github.com/verdant-devices/sproutd/docstore"
	"github.com/verdant-devices/sproutd/logging"
	"github.com/verdant-devices/sproutd/pin"
	"github.com/verdant-devices/sproutd/schedule"
)

// SyncLoop runs the hardware sync cadences on one worker: a fast local read
// sweep every local_hardware_read_interval_s, a batched document push every
// hardware_state_sync_interval_s, and a heartbeat every heartbeat_interval_s
// (piggybacked on a push when one is due, standalone otherwise, since the
// heartbeat cadence is usually faster than the push cadence). Intervals are
// re-read every tick so document tuning takes effect live.
type SyncLoop struct {
	rec       *Reconciler
	registry  *pin.Registry
	scheds    *schedule.Cache
	store     docstore.Store
	intervals *config.Provider
	clock     clock.Clock
	logger    logging.Logger

	workers *goutils.StoppableWorkers
}

// NewSyncLoop wires a sync loop over an already started reconciler.
func NewSyncLoop(
	rec *Reconciler,
	registry *pin.Registry,
	scheds *schedule.Cache,
	store docstore.Store,
	intervals *config.Provider,
	clk clock.Clock,
	logger logging.Logger,
) *SyncLoop {
	return &SyncLoop{
		rec:       rec,
		registry:  registry,
		scheds:    scheds,
		store:     store,
		intervals: intervals,
		clock:     clk,
		logger:    logger,
	}
}

// Start launches the loop.
func (s *SyncLoop) Start() {
	s.workers = goutils.NewBackgroundStoppableWorkers(s.loop)
}

// Close stops the loop.
func (s *SyncLoop) Close() {
	if s.workers != nil {
		s.workers.Stop()
	}
}

func (s *SyncLoop) loop(ctx context.Context) {
	// Zero values so the first slow tick pushes (and heartbeats) immediately.
	var lastPush, lastHeartbeat time.Time

	for {
		timer := s.clock.Timer(s.intervals.Duration(config.KeyLocalRead))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.rec.ReadSweep(ctx); err != nil {
			s.logger.Warnw("hardware read sweep reported faults", "error", err)
		}

		now := s.clock.Now()
		heartbeat := now.Sub(lastHeartbeat) >= s.intervals.Duration(config.KeyHeartbeat)

		if now.Sub(lastPush) < s.intervals.Duration(config.KeyHardwareSync) {
			// No push due; a due heartbeat still goes out on its own so
			// presence is reported on the heartbeat cadence even when pushes
			// are tuned slow.
			if heartbeat {
				if err := s.store.SetStatus(ctx, docstore.StatusOnline); err != nil {
					s.logger.Warnw("heartbeat failed", "error", err)
					continue
				}
				lastHeartbeat = now
			}
			continue
		}

		if err := s.store.PushHardware(ctx, s.reports(), heartbeat); err != nil {
			// Keep lastPush so the next fast tick retries the push.
			s.logger.Warnw("hardware state push failed", "error", err)
			continue
		}
		lastPush = now
		if heartbeat {
			lastHeartbeat = now
		}
	}
}

// reports snapshots the registry into the batched push payload. Mismatch is
// suppressed while a schedule holds the pin; executors flip state faster
// than the document round-trips.
func (s *SyncLoop) reports() map[int]docstore.HardwareReport {
	snap := s.registry.Snapshot()
	out := make(map[int]docstore.HardwareReport, len(snap))
	for id, p := range snap {
		out[id] = docstore.HardwareReport{
			State:    p.Hardware,
			Mismatch: p.Mismatch && !s.scheds.HasActive(id),
			ReadAt:   p.LastHardwareRead,
		}
	}
	return out
}
