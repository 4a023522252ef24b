// Package reconcile owns the control plane's single writer. Every mutation
// of the registry or the gpio driver, whatever its origin (document diff,
// command, schedule tick, drift repair, emergency stop), funnels through one
// worker consuming a typed inbox, so writes can never interleave.
package reconcile

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/verdant-devices/sproutd/config"
	"github.com/verdant-devices/sproutd/docstore"
	"github.com/verdant-devices/sproutd/gpio"
	"github.com/verdant-devices/sproutd/logging"
	"github.com/verdant-devices/sproutd/pin"
	"github.com/verdant-devices/sproutd/safety"
	"github.com/verdant-devices/sproutd/schedule"
)

// maxFaultStrikes parks a pin: one strike is retried next cycle, two
// consecutive strikes mark it unavailable until the next document change.
const maxFaultStrikes = 2

const inboxSize = 64

// Reconciler serialises all pin mutations. It implements schedule.Commander
// so executors drive pins through the same inbox as everything else.
type Reconciler struct {
	driver     gpio.Driver
	registry   *pin.Registry
	scheds     *schedule.Cache
	supervisor *safety.Supervisor
	store      docstore.Store
	intervals  *config.Provider
	clock      clock.Clock
	logger     logging.Logger

	inbox   chan event
	workers *goutils.StoppableWorkers

	pushMu      sync.Mutex
	pushPending map[int]map[string]interface{}
	pushKick    chan struct{}
}

// NewReconciler wires a reconciler. Call Start before sending it work.
func NewReconciler(
	driver gpio.Driver,
	registry *pin.Registry,
	scheds *schedule.Cache,
	supervisor *safety.Supervisor,
	store docstore.Store,
	intervals *config.Provider,
	clk clock.Clock,
	logger logging.Logger,
) *Reconciler {
	return &Reconciler{
		driver:      driver,
		registry:    registry,
		scheds:      scheds,
		supervisor:  supervisor,
		store:       store,
		intervals:   intervals,
		clock:       clk,
		logger:      logger,
		inbox:       make(chan event, inboxSize),
		pushPending: map[int]map[string]interface{}{},
		pushKick:    make(chan struct{}, 1),
	}
}

// Start launches the inbox worker and the document push worker.
func (r *Reconciler) Start() {
	r.workers = goutils.NewBackgroundStoppableWorkers(r.worker, r.pushWorker)
}

// Close stops the worker. Queued events are dropped.
func (r *Reconciler) Close() {
	if r.workers != nil {
		r.workers.Stop()
	}
}

func (r *Reconciler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.inbox:
			r.dispatch(ctx, ev)
		}
	}
}

func (r *Reconciler) dispatch(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case setStateEvent:
		err := r.applyState(ev.pinID, ev.on, ev.source, false)
		if ev.resp != nil {
			ev.resp <- err
		}
	case setPWMEvent:
		err := r.applyPWM(ev.pinID, ev.duty, ev.source)
		if ev.resp != nil {
			ev.resp <- err
		}
	case pinUpsertEvent:
		r.handlePinUpsert(ev)
	case pinRemoveEvent:
		r.handlePinRemove(ev.pinID)
	case readSweepEvent:
		ev.resp <- r.handleReadSweep()
	case estopEvent:
		ev.resp <- r.handleEstop(ctx)
	}
}

func (r *Reconciler) send(ctx context.Context, ev event) error {
	select {
	case r.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) sendWait(ctx context.Context, ev event, resp chan error) error {
	if err := r.send(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleSet is the executor entry point (schedule.Commander).
func (r *Reconciler) ScheduleSet(ctx context.Context, pinID int, on bool) error {
	resp := make(chan error, 1)
	return r.sendWait(ctx, setStateEvent{pinID: pinID, on: on, source: SourceSchedule, resp: resp}, resp)
}

// UserSet applies an explicit user command to a pin and waits for the
// outcome.
func (r *Reconciler) UserSet(ctx context.Context, pinID int, on bool) error {
	resp := make(chan error, 1)
	return r.sendWait(ctx, setStateEvent{pinID: pinID, on: on, source: SourceUser, resp: resp}, resp)
}

// UserSetPWM applies an explicit duty-cycle command and waits for the
// outcome.
func (r *Reconciler) UserSetPWM(ctx context.Context, pinID, duty int) error {
	resp := make(chan error, 1)
	return r.sendWait(ctx, setPWMEvent{pinID: pinID, duty: duty, source: SourceUser, resp: resp}, resp)
}

// ApplyPinChange enqueues a document-sourced pin add or modification.
func (r *Reconciler) ApplyPinChange(ctx context.Context, doc docstore.PinDoc, added bool) error {
	return r.send(ctx, pinUpsertEvent{doc: doc, added: added})
}

// RemovePin enqueues a document-sourced pin removal.
func (r *Reconciler) RemovePin(ctx context.Context, pinID int) error {
	return r.send(ctx, pinRemoveEvent{pinID: pinID})
}

// ReadSweep reads every available pin, records observations, and re-asserts
// desired state over any drift not explained by an active schedule. The sync
// loop calls this on its fast cadence.
func (r *Reconciler) ReadSweep(ctx context.Context) error {
	resp := make(chan error, 1)
	return r.sendWait(ctx, readSweepEvent{resp: resp}, resp)
}

// EmergencyStop synchronously forces every pin OFF, overrides all schedules,
// and records the stop in the document. A second invocation while one is in
// flight is a no-op.
func (r *Reconciler) EmergencyStop(ctx context.Context) error {
	if !r.supervisor.BeginEstop() {
		r.logger.Warn("emergency stop already in progress")
		return nil
	}
	defer r.supervisor.EndEstop()
	resp := make(chan error, 1)
	return r.sendWait(ctx, estopEvent{resp: resp}, resp)
}

// Boot populates the registry from the document without applying any of it:
// every pin is configured and forced OFF regardless of what the document
// says, and stale ON state is cleared remotely with a warning. Call before
// Start; it runs on the caller's goroutine.
func (r *Reconciler) Boot(ctx context.Context, dev *docstore.Device) error {
	keys := make([]string, 0, len(dev.GPIOState))
	for key := range dev.GPIOState {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs error
	for _, key := range keys {
		doc := dev.GPIOState[key]
		if err := doc.Validate(); err != nil {
			r.logger.Errorw("skipping invalid pin entry at boot", "key", key, "error", err)
			continue
		}
		mode, _ := gpio.ParseMode(doc.Mode)

		p := doc.ToPin()
		p.Desired = false
		p.PWMDuty = 0

		if err := r.driver.Configure(doc.Pin, mode, gpio.ToLevel(false, doc.ActiveLow)); err != nil {
			r.logger.Errorw("pin configure failed at boot", "pin", doc.Pin, "error", err)
			errs = multierr.Append(errs, err)
			p.Unavailable = true
			p.FaultStrikes = maxFaultStrikes
			r.registry.Upsert(p)
			continue
		}
		if level, err := r.driver.Read(doc.Pin); err == nil {
			p.Hardware = gpio.FromLevel(level, doc.ActiveLow)
			p.LastHardwareRead = r.clock.Now()
		}
		r.registry.Upsert(p)

		if doc.State || doc.PWMDutyCycle > 0 {
			r.logger.Warnw("clearing stale ON state from document at boot",
				"pin", doc.Pin, "name", p.Name)
			if err := r.store.UpdatePin(ctx, doc.Pin, map[string]interface{}{
				"state":         false,
				"pwmDutyCycle":  0,
				"hardwareState": p.Hardware,
				"mismatch":      false,
			}); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "clearing boot state for pin %d", doc.Pin))
			}
		}
	}
	return errs
}

// applyState is the one place a logical pin state becomes a driver write.
// force skips the idempotence check, for polarity changes and drift repair.
func (r *Reconciler) applyState(pinID int, on bool, source Source, force bool) error {
	p, ok := r.registry.Get(pinID)
	if !ok {
		return errors.Errorf("unknown pin %d", pinID)
	}
	if p.Unavailable {
		return errors.Errorf("pin %d unavailable after repeated faults", pinID)
	}
	if p.Mode == gpio.ModeInput {
		return errors.Errorf("pin %d is an input", pinID)
	}
	if on && !p.Enabled {
		return errors.Errorf("pin %d is disabled", pinID)
	}

	if source == SourceSchedule && on && r.supervisor.Overridden(pinID) {
		r.logger.Debugw("dropping schedule activation on overridden pin", "pin", pinID)
		return nil
	}

	// An explicit OFF while a schedule holds the pin is an override; an
	// explicit ON hands the pin back to its schedules.
	if source == SourceUser || source == SourceDocument {
		if !on && r.scheds.HasActive(pinID) {
			r.supervisor.Override(pinID)
			r.logger.Infow("user off overrides active schedule", "pin", pinID, "name", p.Name)
		} else if on {
			r.supervisor.ClearOverride(pinID)
		}
	}

	if !force && p.Desired == on && p.Hardware == on {
		return nil
	}

	if err := r.driver.Write(pinID, gpio.ToLevel(on, p.ActiveLow)); err != nil {
		r.strike(pinID, "write", err)
		return gpio.NewFault(pinID, "write", err)
	}

	hw := on
	if level, err := r.driver.Read(pinID); err == nil {
		hw = gpio.FromLevel(level, p.ActiveLow)
	} else {
		r.logger.Warnw("read-back failed after write", "pin", pinID, "error", err)
	}

	now := r.clock.Now()
	mismatch := hw != on && !r.scheds.HasActive(pinID)
	r.registry.Update(pinID, func(p *pin.Pin) {
		p.Desired = on
		p.Hardware = hw
		p.LastHardwareRead = now
		p.Mismatch = mismatch
		p.FaultStrikes = 0
	})
	r.logger.Debugw("pin state applied", "pin", pinID, "on", on, "source", source.String())

	r.queuePush(pinID, map[string]interface{}{
		"state":            on,
		"hardwareState":    hw,
		"mismatch":         mismatch,
		"lastHardwareRead": now,
	})
	return nil
}

func (r *Reconciler) applyPWM(pinID, duty int, source Source) error {
	p, ok := r.registry.Get(pinID)
	if !ok {
		return errors.Errorf("unknown pin %d", pinID)
	}
	if p.Unavailable {
		return errors.Errorf("pin %d unavailable after repeated faults", pinID)
	}
	if p.Mode != gpio.ModePWM {
		return errors.Errorf("pin %d is not in pwm mode", pinID)
	}
	if duty < 0 || duty > 100 {
		return errors.Errorf("pwm duty %d out of range [0,100]", duty)
	}
	if duty > 0 && !p.Enabled {
		return errors.Errorf("pin %d is disabled", pinID)
	}
	if p.PWMDuty == duty {
		return nil
	}

	if err := r.driver.SetPWM(pinID, duty); err != nil {
		r.strike(pinID, "pwm", err)
		return gpio.NewFault(pinID, "pwm", err)
	}

	// No read-back: sampling mid-cycle is noise. Duty 0 leaves the pin LOW.
	hw := duty > 0
	now := r.clock.Now()
	r.registry.Update(pinID, func(p *pin.Pin) {
		p.PWMDuty = duty
		p.Hardware = hw
		p.LastHardwareRead = now
		p.Mismatch = false
		p.FaultStrikes = 0
	})
	r.logger.Debugw("pwm duty applied", "pin", pinID, "duty", duty, "source", source.String())

	r.queuePush(pinID, map[string]interface{}{
		"pwmDutyCycle":     duty,
		"hardwareState":    hw,
		"lastHardwareRead": now,
	})
	return nil
}

// handlePinUpsert applies a document diff to one pin: hot-init for new pins,
// field reconciliation for known ones. Any document change un-parks a
// faulted pin.
func (r *Reconciler) handlePinUpsert(ev pinUpsertEvent) {
	doc := ev.doc
	if err := doc.Validate(); err != nil {
		r.logger.Errorw("ignoring invalid pin entry", "pin", doc.Pin, "error", err)
		return
	}
	mode, _ := gpio.ParseMode(doc.Mode)

	prev, known := r.registry.Get(doc.Pin)
	if ev.added || !known {
		r.hotInit(doc, mode)
		return
	}

	polarityChanged := prev.ActiveLow != doc.ActiveLow
	modeChanged := prev.Mode != mode

	r.registry.Update(doc.Pin, func(p *pin.Pin) {
		next := doc.ToPin()
		p.Name = next.Name
		p.DefaultName = next.DefaultName
		p.NameCustomized = next.NameCustomized
		p.Mode = mode
		p.ActiveLow = doc.ActiveLow
		p.Enabled = doc.Enabled
		p.FaultStrikes = 0
		p.Unavailable = false
	})

	if modeChanged {
		if err := r.driver.Cleanup(doc.Pin); err != nil {
			r.logger.Warnw("cleanup before mode change failed", "pin", doc.Pin, "error", err)
		}
		if err := r.driver.Configure(doc.Pin, mode, gpio.ToLevel(false, doc.ActiveLow)); err != nil {
			r.strike(doc.Pin, "configure", err)
			return
		}
		r.registry.Update(doc.Pin, func(p *pin.Pin) {
			p.Desired = false
			p.PWMDuty = 0
		})
		prev.Desired = false
		prev.PWMDuty = 0
	}

	wantOn := doc.State && doc.Enabled
	stateChanged := prev.Desired != wantOn
	if doc.State && !doc.Enabled {
		r.logger.Debugw("document wants ON on a disabled pin; holding OFF", "pin", doc.Pin)
	}

	switch {
	case stateChanged:
		source := SourceDocument
		if err := r.applyState(doc.Pin, wantOn, source, polarityChanged); err != nil {
			r.logger.Errorw("document state change failed", "pin", doc.Pin, "error", err)
		}
	case polarityChanged:
		// Same logical state, new polarity: the electrical level must move.
		if err := r.applyState(doc.Pin, prev.Desired, SourceDocument, true); err != nil {
			r.logger.Errorw("polarity reapply failed", "pin", doc.Pin, "error", err)
		}
	}

	if mode == gpio.ModePWM && prev.PWMDuty != doc.PWMDutyCycle {
		if err := r.applyPWM(doc.Pin, doc.PWMDutyCycle, SourceDocument); err != nil {
			r.logger.Errorw("document duty change failed", "pin", doc.Pin, "error", err)
		}
	}
}

// hotInit configures a pin that appeared in the document at runtime and, if
// the document wants it active, applies that immediately. Boot is the only
// path that populates without applying.
func (r *Reconciler) hotInit(doc docstore.PinDoc, mode gpio.Mode) {
	p := doc.ToPin()
	p.Desired = false
	p.PWMDuty = 0

	if err := r.driver.Configure(doc.Pin, mode, gpio.ToLevel(false, doc.ActiveLow)); err != nil {
		r.logger.Errorw("hot-init configure failed", "pin", doc.Pin, "error", err)
		p.Unavailable = true
		p.FaultStrikes = maxFaultStrikes
		r.registry.Upsert(p)
		return
	}
	r.registry.Upsert(p)
	r.logger.Infow("pin initialised", "pin", doc.Pin, "name", p.Name, "mode", string(mode))

	if doc.Enabled && doc.State {
		if err := r.applyState(doc.Pin, true, SourceDocument, false); err != nil {
			r.logger.Errorw("hot-init activation failed", "pin", doc.Pin, "error", err)
		}
	}
	if mode == gpio.ModePWM && doc.Enabled && doc.PWMDutyCycle > 0 {
		if err := r.applyPWM(doc.Pin, doc.PWMDutyCycle, SourceDocument); err != nil {
			r.logger.Errorw("hot-init pwm failed", "pin", doc.Pin, "error", err)
		}
	}
}

// handlePinRemove forces the pin OFF, releases the hardware, and forgets it.
func (r *Reconciler) handlePinRemove(pinID int) {
	p, ok := r.registry.Get(pinID)
	if !ok {
		return
	}
	r.scheds.RemovePin(pinID)
	r.supervisor.ClearOverride(pinID)

	if p.Mode == gpio.ModePWM {
		if err := r.driver.SetPWM(pinID, 0); err != nil {
			r.logger.Warnw("pwm stop on removal failed", "pin", pinID, "error", err)
		}
	}
	if p.Mode != gpio.ModeInput {
		if err := r.driver.Write(pinID, gpio.ToLevel(false, p.ActiveLow)); err != nil {
			r.logger.Warnw("force off on removal failed", "pin", pinID, "error", err)
		}
	}
	if err := r.driver.Cleanup(pinID); err != nil {
		r.logger.Warnw("cleanup on removal failed", "pin", pinID, "error", err)
	}
	r.registry.Remove(pinID)
	r.logger.Infow("pin removed", "pin", pinID, "name", p.Name)
}

// handleReadSweep observes every pin and repairs unexplained drift on
// outputs by re-asserting desired state.
func (r *Reconciler) handleReadSweep() error {
	var errs error
	now := r.clock.Now()
	for _, id := range r.registry.IDs() {
		p, ok := r.registry.Get(id)
		if !ok || p.Unavailable {
			continue
		}
		if p.Mode == gpio.ModePWM && p.PWMDuty > 0 {
			// A running PWM cycle reads as whatever instant we sampled.
			continue
		}
		level, err := r.driver.Read(id)
		if err != nil {
			r.strike(id, "read", err)
			errs = multierr.Append(errs, gpio.NewFault(id, "read", err))
			continue
		}
		hw := gpio.FromLevel(level, p.ActiveLow)
		schedHeld := r.scheds.HasActive(id)
		mismatch := p.Mode == gpio.ModeOutput && hw != p.Desired && !schedHeld
		r.registry.Update(id, func(p *pin.Pin) {
			p.Hardware = hw
			p.LastHardwareRead = now
			p.Mismatch = mismatch
			p.FaultStrikes = 0
		})
		if mismatch {
			r.logger.Warnw("hardware drift detected; re-asserting desired state",
				"pin", id, "name", p.Name, "desired", p.Desired, "observed", hw)
			if err := r.applyState(id, p.Desired, SourceRepair, true); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// handleEstop overrides every schedule, sweeps every pin OFF continuing past
// faults, and records the stop synchronously. The caller holds the estop
// guard.
func (r *Reconciler) handleEstop(ctx context.Context) error {
	ids := r.registry.IDs()
	r.logger.Warnw("emergency stop", "pins", len(ids))

	// Overrides first so no executor re-activates anything mid-sweep, and
	// any staged pre-stop pushes are discarded so they cannot land after
	// the stop record.
	r.supervisor.OverrideAll(ids)
	r.dropQueuedPushes(ids)

	var errs error
	for _, id := range ids {
		p, ok := r.registry.Get(id)
		if !ok || p.Mode == gpio.ModeInput {
			continue
		}
		if p.Mode == gpio.ModePWM {
			if err := r.driver.SetPWM(id, 0); err != nil {
				r.logger.Errorw("emergency pwm stop failed", "pin", id, "error", err)
				errs = multierr.Append(errs, gpio.NewFault(id, "pwm", err))
			}
		}
		if err := r.driver.Write(id, gpio.ToLevel(false, p.ActiveLow)); err != nil {
			r.logger.Errorw("emergency off failed", "pin", id, "error", err)
			errs = multierr.Append(errs, gpio.NewFault(id, "write", err))
			continue
		}
		r.registry.Update(id, func(p *pin.Pin) {
			p.Desired = false
			p.PWMDuty = 0
			p.Hardware = false
			p.Mismatch = false
		})
	}

	if err := r.store.RecordEmergencyStop(ctx, r.clock.Now(), ids); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "recording emergency stop"))
	}
	return errs
}

// strike records one driver fault against a pin. The first strike is
// retried on the next cycle; the second parks the pin until the next
// document change resets it.
func (r *Reconciler) strike(pinID int, op string, err error) {
	parked := false
	r.registry.Update(pinID, func(p *pin.Pin) {
		p.FaultStrikes++
		if p.FaultStrikes >= maxFaultStrikes {
			p.Unavailable = true
			parked = true
		}
	})
	if parked {
		r.logger.Errorw("pin parked after repeated faults", "pin", pinID, "op", op, "error", err)
	} else {
		r.logger.Warnw("gpio fault; will retry next cycle", "pin", pinID, "op", op, "error", err)
	}
}

// queuePush stages a document mirror of a registry change for the push
// worker. Fields for the same pin coalesce, newest value winning, so the
// document always converges on the last applied state no matter how fast
// changes arrive.
func (r *Reconciler) queuePush(pinID int, fields map[string]interface{}) {
	r.pushMu.Lock()
	pending, ok := r.pushPending[pinID]
	if !ok {
		pending = map[string]interface{}{}
		r.pushPending[pinID] = pending
	}
	for k, v := range fields {
		pending[k] = v
	}
	r.pushMu.Unlock()

	select {
	case r.pushKick <- struct{}{}:
	default:
	}
}

// dropQueuedPushes discards staged pushes for the given pins. The estop
// sweep uses it so a stale pre-stop state cannot land in the document after
// the stop is recorded.
func (r *Reconciler) dropQueuedPushes(pinIDs []int) {
	r.pushMu.Lock()
	for _, id := range pinIDs {
		delete(r.pushPending, id)
	}
	r.pushMu.Unlock()
}

// pushWorker drains staged pushes one batch at a time. A single worker
// keeps pushes for a pin in the order they were applied; a failed push is
// logged and left for the slow sync to repair.
func (r *Reconciler) pushWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.pushKick:
		}
		for {
			r.pushMu.Lock()
			batch := r.pushPending
			r.pushPending = map[int]map[string]interface{}{}
			r.pushMu.Unlock()
			if len(batch) == 0 {
				break
			}

			ids := make([]int, 0, len(batch))
			for id := range batch {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			for _, id := range ids {
				pushCtx, cancel := context.WithTimeout(ctx, r.intervals.Duration(config.KeyCommandTimeout))
				err := r.store.UpdatePin(pushCtx, id, batch[id])
				cancel()
				if err != nil {
					r.logger.Warnw("pin state push failed", "pin", id, "error", err)
				}
			}
		}
	}
}
