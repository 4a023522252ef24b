// Package appliance assembles the whole control plane: driver, registry,
// schedule engine, reconciler, sync loop, document and command watchers, and
// the diagnostics server, then runs them until shutdown.
package appliance

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/verdant-devices/sproutd/config"
	"github.com/verdant-devices/sproutd/docstore"
	"github.com/verdant-devices/sproutd/gpio"
	"github.com/verdant-devices/sproutd/logging"
	"github.com/verdant-devices/sproutd/pin"
	"github.com/verdant-devices/sproutd/reconcile"
	"github.com/verdant-devices/sproutd/safety"
	"github.com/verdant-devices/sproutd/schedule"
	"github.com/verdant-devices/sproutd/web/server"
)

const shutdownTimeout = 10 * time.Second

// Appliance is the assembled device.
type Appliance struct {
	cfg    Config
	logger logging.Logger
	clk    clock.Clock

	driver     gpio.Driver
	store      docstore.Store
	registry   *pin.Registry
	scheds     *schedule.Cache
	supervisor *safety.Supervisor
	intervals  *config.Provider
	ring       *logging.RingAppender

	rec       *reconcile.Reconciler
	syncLoop  *reconcile.SyncLoop
	manager   *schedule.Manager
	evaluator *schedule.Evaluator
	diag      *server.Server

	cancelCtx context.Context
	cancel    func()
	workers   *goutils.StoppableWorkers
}

// New builds an appliance against real backends: the ioctl GPIO driver and
// MongoDB, or their in-memory stand-ins when cfg.Simulate is set.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Appliance, error) {
	var driver gpio.Driver
	var store docstore.Store
	if cfg.Simulate {
		logger.Info("sim mode: in-memory driver and document store")
		driver = gpio.NewSimDriver()
		mem := docstore.NewMemStore(cfg.Serial)
		mem.SeedDevice(simSeedDevice(cfg.Serial))
		store = mem
	} else {
		var err error
		driver, err = gpio.NewLinuxDriver(cfg.GPIODevice, logger.Sublogger("gpio"))
		if err != nil {
			return nil, errors.Wrap(err, "opening gpio device")
		}
		store, err = docstore.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.Serial, logger.Sublogger("docstore"))
		if err != nil {
			goutils.UncheckedErrorFunc(driver.Close)
			return nil, errors.Wrap(err, "connecting to document store")
		}
	}
	return newWithDeps(cfg, logger, driver, store, clock.New()), nil
}

// newWithDeps finishes the wiring; tests inject fakes here.
func newWithDeps(cfg Config, logger logging.Logger, driver gpio.Driver, store docstore.Store, clk clock.Clock) *Appliance {
	cancelCtx, cancel := context.WithCancel(context.Background())
	a := &Appliance{
		cfg:        cfg,
		logger:     logger,
		clk:        clk,
		driver:     driver,
		store:      store,
		registry:   pin.NewRegistry(),
		scheds:     schedule.NewCache(),
		supervisor: safety.NewSupervisor(),
		intervals:  config.NewProvider(cfg.DataDir, logger.Sublogger("config")),
		ring:       logging.NewRingAppender(0),
		cancelCtx:  cancelCtx,
		cancel:     cancel,
	}
	logger.AddAppender(a.ring)

	a.rec = reconcile.NewReconciler(
		driver, a.registry, a.scheds, a.supervisor, store, a.intervals, clk,
		logger.Sublogger("reconcile"),
	)
	a.syncLoop = reconcile.NewSyncLoop(
		a.rec, a.registry, a.scheds, store, a.intervals, clk,
		logger.Sublogger("sync"),
	)
	a.manager = schedule.NewManager(
		a.scheds, a.rec, a.supervisor, store.SetScheduleLastRun,
		clk, logger.Sublogger("schedule"),
	)
	a.evaluator = schedule.NewEvaluator(
		a.scheds, a.manager,
		func() time.Duration { return a.intervals.Duration(config.KeyWindowRecheck) },
		clk, logger.Sublogger("schedule"),
	)
	a.diag = server.New(cfg.Serial, a.ring, a.registry, a.supervisor, a.rec, logger.Sublogger("web"))
	return a
}

// Run boots the appliance and serves until ctx is cancelled. A nil return is
// a clean shutdown; anything else is a fatal initialisation failure.
func (a *Appliance) Run(ctx context.Context) error {
	a.logger.Infow("starting", "serial", a.cfg.Serial, "sim", a.cfg.Simulate)

	dev, err := a.store.ReadDevice(ctx)
	if err != nil {
		return errors.Wrap(err, "reading device document")
	}
	if dev.Config.Intervals != nil {
		a.intervals.Apply(dev.Config.Intervals)
	}

	// Populate without applying: everything starts OFF no matter what the
	// document remembers.
	if err := a.rec.Boot(ctx, dev); err != nil {
		a.logger.Errorw("boot sweep reported errors", "error", err)
	}
	a.seedSchedules(dev)
	a.logger.Infow("booted", "pins", a.registry.Len())

	a.rec.Start()
	a.syncLoop.Start()
	a.evaluator.Start()
	// schedules already inside their window get executors now
	a.evaluator.Sweep()

	if err := a.intervals.WatchCacheFile(); err != nil {
		a.logger.Warnw("interval cache watch unavailable", "error", err)
	}

	events, err := a.store.Watch(ctx, dev)
	if err != nil {
		return errors.Wrap(err, "watching device document")
	}
	commands, err := a.store.WatchCommands(ctx)
	if err != nil {
		return errors.Wrap(err, "watching command queue")
	}
	a.workers = goutils.NewBackgroundStoppableWorkers(
		func(ctx context.Context) { a.eventLoop(ctx, events) },
		func(ctx context.Context) { a.commandLoop(ctx, commands) },
	)

	if err := a.store.SetStatus(ctx, docstore.StatusOnline); err != nil {
		a.logger.Warnw("cannot mark device online", "error", err)
	}
	if err := a.diag.Start(a.cfg.HTTPAddr); err != nil {
		a.logger.Warnw("diagnostics server unavailable", "error", err)
	}

	<-ctx.Done()
	a.shutdown()
	return nil
}

// seedSchedules loads every valid schedule definition into the cache.
func (a *Appliance) seedSchedules(dev *docstore.Device) {
	now := a.clk.Now()
	for _, pinDoc := range dev.GPIOState {
		for schedID, schedDoc := range pinDoc.Schedules {
			def := schedDoc.ToDefinition()
			if err := def.Validate(); err != nil {
				a.logger.Errorw("skipping invalid schedule",
					"pin", pinDoc.Pin, "schedule", schedID, "error", err)
				continue
			}
			a.scheds.Upsert(schedule.Key{Pin: pinDoc.Pin, ID: schedID}, def, now)
		}
	}
}

func (a *Appliance) eventLoop(ctx context.Context, events <-chan docstore.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *Appliance) handleEvent(ctx context.Context, ev docstore.Event) {
	switch ev := ev.(type) {
	case docstore.PinUpserted:
		if err := a.rec.ApplyPinChange(ctx, ev.Pin, ev.Added); err != nil {
			a.logger.Warnw("pin change not applied", "pin", ev.Pin.Pin, "error", err)
		}
	case docstore.PinRemoved:
		if err := a.rec.RemovePin(ctx, ev.PinID); err != nil {
			a.logger.Warnw("pin removal not applied", "pin", ev.PinID, "error", err)
		}
	case docstore.ScheduleUpserted:
		def := ev.Def.ToDefinition()
		if err := def.Validate(); err != nil {
			a.logger.Errorw("ignoring invalid schedule",
				"pin", ev.PinID, "schedule", ev.ScheduleID, "error", err)
			return
		}
		key := schedule.Key{Pin: ev.PinID, ID: ev.ScheduleID}
		active := a.scheds.Upsert(key, def, a.clk.Now())
		// editing a schedule hands the pin back from any user override
		a.supervisor.ClearOverride(ev.PinID)
		a.logger.Infow("schedule updated", "schedule", key, "active", active)
		if active {
			a.manager.Start(key)
		}
	case docstore.ScheduleRemoved:
		a.scheds.Remove(schedule.Key{Pin: ev.PinID, ID: ev.ScheduleID})
		a.logger.Infow("schedule removed", "pin", ev.PinID, "schedule", ev.ScheduleID)
	case docstore.IntervalsChanged:
		a.intervals.Apply(ev.Intervals)
	case docstore.WatchError:
		a.logger.Warnw("document watch error", "error", ev.Err)
	}
}

// shutdown drives every pin OFF, marks the device offline, and releases
// everything. Best effort throughout; each failure is logged and the rest
// proceeds.
func (a *Appliance) shutdown() {
	a.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.cancel()
	a.evaluator.Close()
	a.manager.Close()
	if a.workers != nil {
		a.workers.Stop()
	}
	a.syncLoop.Close()

	for _, id := range a.registry.IDs() {
		p, ok := a.registry.Get(id)
		if !ok || p.Unavailable || p.Mode == gpio.ModeInput {
			continue
		}
		if p.PWMDuty > 0 {
			if err := a.rec.UserSetPWM(ctx, id, 0); err != nil {
				a.logger.Warnw("pwm stop at shutdown failed", "pin", id, "error", err)
			}
		}
		if p.Desired {
			if err := a.rec.UserSet(ctx, id, false); err != nil {
				a.logger.Warnw("pin off at shutdown failed", "pin", id, "error", err)
			}
		}
	}
	a.rec.Close()

	if err := a.store.SetStatus(ctx, docstore.StatusOffline); err != nil {
		a.logger.Warnw("cannot mark device offline", "error", err)
	}
	if err := a.diag.Close(ctx); err != nil {
		a.logger.Warnw("diagnostics server shutdown failed", "error", err)
	}
	goutils.UncheckedErrorFunc(a.driver.Close)
	if err := a.store.Close(ctx); err != nil {
		a.logger.Warnw("store close failed", "error", err)
	}
	a.intervals.Close()
	a.logger.Info("shutdown complete")
}

// simSeedDevice is the demo document sim mode starts from.
func simSeedDevice(serial string) *docstore.Device {
	return &docstore.Device{
		Serial: serial,
		GPIOState: map[string]docstore.PinDoc{
			"17": {
				Pin: 17, Name: "Water Pump", NameCustomized: true,
				Mode: "output", Enabled: true,
				Schedules: map[string]docstore.ScheduleDoc{
					"watering": {
						Enabled: true, DurationSeconds: 5, FrequencySeconds: 55,
						Name: "demo watering cycle",
					},
				},
			},
			"27": {Pin: 27, Name: "Grow Lights", NameCustomized: true, Mode: "output", Enabled: true},
			"22": {Pin: 22, Name: "Fan", NameCustomized: true, Mode: "pwm", Enabled: true},
		},
	}
}
