package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/verdant-devices/sproutd/config"
	"github.com/verdant-devices/sproutd/docstore"
	"github.com/verdant-devices/sproutd/gpio"
	"github.com/verdant-devices/sproutd/logging"
	"github.com/verdant-devices/sproutd/pin"
	"github.com/verdant-devices/sproutd/safety"
	"github.com/verdant-devices/sproutd/schedule"
)

type world struct {
	driver     *gpio.SimDriver
	registry   *pin.Registry
	scheds     *schedule.Cache
	supervisor *safety.Supervisor
	store      *docstore.MemStore
	clk        *clock.Mock
	rec        *Reconciler
}

func newWorld(t *testing.T, start bool) *world {
	t.Helper()
	logger := logging.NewTestLogger(t)
	w := &world{
		driver:     gpio.NewSimDriver(),
		registry:   pin.NewRegistry(),
		scheds:     schedule.NewCache(),
		supervisor: safety.NewSupervisor(),
		store:      docstore.NewMemStore("unit-test-serial"),
		clk:        clock.NewMock(),
	}
	w.rec = NewReconciler(
		w.driver, w.registry, w.scheds, w.supervisor, w.store,
		config.NewProvider(t.TempDir(), logger), w.clk, logger,
	)
	if start {
		w.rec.Start()
		t.Cleanup(w.rec.Close)
	}
	return w
}

func outputDoc(pinID int) docstore.PinDoc {
	return docstore.PinDoc{Pin: pinID, Mode: "output", Enabled: true}
}

// addPin hot-inits a pin and waits for the worker to process it.
func (w *world) addPin(t *testing.T, doc docstore.PinDoc) {
	t.Helper()
	ctx := context.Background()
	test.That(t, w.rec.ApplyPinChange(ctx, doc, true), test.ShouldBeNil)
	w.flush(t)
}

// flush waits until every previously queued event has been consumed.
func (w *world) flush(t *testing.T) {
	t.Helper()
	test.That(t, w.rec.ReadSweep(context.Background()), test.ShouldBeNil)
}

func TestBootForcesAllPinsOff(t *testing.T) {
	w := newWorld(t, false)
	w.store.SeedDevice(&docstore.Device{
		GPIOState: map[string]docstore.PinDoc{
			"17": {Pin: 17, Mode: "output", Enabled: true, State: true},
			"27": {Pin: 27, Mode: "output", Enabled: true, State: false},
			"22": {Pin: 22, Mode: "pwm", Enabled: true, PWMDutyCycle: 40},
		},
	})

	dev, err := w.store.ReadDevice(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.rec.Boot(context.Background(), dev), test.ShouldBeNil)

	for _, id := range []int{17, 27, 22} {
		p, ok := w.registry.Get(id)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, p.Desired, test.ShouldBeFalse)
		test.That(t, p.PWMDuty, test.ShouldEqual, 0)
		sp, ok := w.driver.Pin(id)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, sp.High, test.ShouldBeFalse)
	}

	// stale ON state cleared remotely, never applied
	doc := w.store.Device()
	test.That(t, doc.GPIOState["17"].State, test.ShouldBeFalse)
	test.That(t, doc.GPIOState["22"].PWMDutyCycle, test.ShouldEqual, 0)
}

func TestBootSkipsInvalidPinEntry(t *testing.T) {
	w := newWorld(t, false)
	dev := &docstore.Device{
		GPIOState: map[string]docstore.PinDoc{
			"17": {Pin: 17, Mode: "output", Enabled: true},
			"18": {Pin: 18, Mode: "warp-drive", Enabled: true},
		},
	}
	test.That(t, w.rec.Boot(context.Background(), dev), test.ShouldBeNil)
	test.That(t, w.registry.Len(), test.ShouldEqual, 1)
	_, ok := w.registry.Get(17)
	test.That(t, ok, test.ShouldBeTrue)
}

func TestUserSetAppliesAndPushes(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))

	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)

	p, _ := w.registry.Get(17)
	test.That(t, p.Desired, test.ShouldBeTrue)
	test.That(t, p.Hardware, test.ShouldBeTrue)
	sp, _ := w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeTrue)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, w.store.Device().GPIOState["17"].State, test.ShouldBeTrue)
	})
}

func TestWriteIdempotence(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))

	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)
	before := w.driver.WriteCount()
	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)
	test.That(t, w.driver.WriteCount(), test.ShouldEqual, before)
}

func TestActiveLowPolarity(t *testing.T) {
	w := newWorld(t, true)
	doc := outputDoc(4)
	doc.ActiveLow = true
	w.addPin(t, doc)

	// logically OFF means electrically HIGH
	sp, _ := w.driver.Pin(4)
	test.That(t, sp.High, test.ShouldBeTrue)

	test.That(t, w.rec.UserSet(context.Background(), 4, true), test.ShouldBeNil)
	sp, _ = w.driver.Pin(4)
	test.That(t, sp.High, test.ShouldBeFalse)
	p, _ := w.registry.Get(4)
	test.That(t, p.Hardware, test.ShouldBeTrue)

	test.That(t, w.rec.UserSet(context.Background(), 4, false), test.ShouldBeNil)
	sp, _ = w.driver.Pin(4)
	test.That(t, sp.High, test.ShouldBeTrue)
}

func TestReadSweepRepairsDrift(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))
	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)

	w.driver.ForceLevel(17, false)
	test.That(t, w.rec.ReadSweep(context.Background()), test.ShouldBeNil)

	sp, _ := w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeTrue)
	p, _ := w.registry.Get(17)
	test.That(t, p.Mismatch, test.ShouldBeFalse)
}

func TestReadSweepLeavesScheduledPinsAlone(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))

	key := schedule.Key{Pin: 17, ID: "water"}
	w.scheds.Upsert(key, schedule.Definition{
		Enabled: true, DurationSeconds: 10, FrequencySeconds: 60,
	}, w.clk.Now())
	test.That(t, w.rec.ScheduleSet(context.Background(), 17, true), test.ShouldBeNil)

	// the executor is mid-cycle; a LOW read is expected, not drift
	w.driver.ForceLevel(17, false)
	before := w.driver.WriteCount()
	test.That(t, w.rec.ReadSweep(context.Background()), test.ShouldBeNil)

	test.That(t, w.driver.WriteCount(), test.ShouldEqual, before)
	p, _ := w.registry.Get(17)
	test.That(t, p.Mismatch, test.ShouldBeFalse)
}

func TestFaultStrikesParkPin(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))
	boom := errors.New("wire chewed by mouse")
	w.driver.FailWith(17, "write", boom)

	err := w.rec.UserSet(context.Background(), 17, true)
	test.That(t, gpio.IsFault(err), test.ShouldBeTrue)
	p, _ := w.registry.Get(17)
	test.That(t, p.FaultStrikes, test.ShouldEqual, 1)
	test.That(t, p.Unavailable, test.ShouldBeFalse)

	err = w.rec.UserSet(context.Background(), 17, true)
	test.That(t, gpio.IsFault(err), test.ShouldBeTrue)
	p, _ = w.registry.Get(17)
	test.That(t, p.Unavailable, test.ShouldBeTrue)

	// parked pins reject everything until the document speaks again
	err = w.rec.UserSet(context.Background(), 17, true)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, gpio.IsFault(err), test.ShouldBeFalse)

	w.driver.FailWith(17, "write", nil)
	doc := outputDoc(17)
	doc.State = true
	test.That(t, w.rec.ApplyPinChange(context.Background(), doc, false), test.ShouldBeNil)
	w.flush(t)

	p, _ = w.registry.Get(17)
	test.That(t, p.Unavailable, test.ShouldBeFalse)
	test.That(t, p.Desired, test.ShouldBeTrue)
	sp, _ := w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeTrue)
}

func TestUserOffOverridesActiveSchedule(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))

	key := schedule.Key{Pin: 17, ID: "lights"}
	w.scheds.Upsert(key, schedule.Definition{
		Enabled: true, DurationSeconds: 30, FrequencySeconds: 60,
	}, w.clk.Now())
	test.That(t, w.rec.ScheduleSet(context.Background(), 17, true), test.ShouldBeNil)

	test.That(t, w.rec.UserSet(context.Background(), 17, false), test.ShouldBeNil)
	test.That(t, w.supervisor.Overridden(17), test.ShouldBeTrue)
	sp, _ := w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeFalse)

	// schedule activations are dropped while the override stands
	test.That(t, w.rec.ScheduleSet(context.Background(), 17, true), test.ShouldBeNil)
	sp, _ = w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeFalse)

	// an explicit ON hands the pin back to its schedules
	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)
	test.That(t, w.supervisor.Overridden(17), test.ShouldBeFalse)
}

func TestEmergencyStop(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))
	lowDoc := outputDoc(4)
	lowDoc.ActiveLow = true
	w.addPin(t, lowDoc)
	pwmDoc := docstore.PinDoc{Pin: 22, Mode: "pwm", Enabled: true}
	w.addPin(t, pwmDoc)

	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)
	test.That(t, w.rec.UserSet(context.Background(), 4, true), test.ShouldBeNil)
	test.That(t, w.rec.UserSetPWM(context.Background(), 22, 75), test.ShouldBeNil)

	test.That(t, w.rec.EmergencyStop(context.Background()), test.ShouldBeNil)

	sp, _ := w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeFalse)
	sp, _ = w.driver.Pin(4)
	test.That(t, sp.High, test.ShouldBeTrue) // active-low OFF is electrically HIGH
	sp, _ = w.driver.Pin(22)
	test.That(t, sp.PWMOn, test.ShouldBeFalse)
	test.That(t, sp.DutyPct, test.ShouldEqual, 0)

	for _, id := range []int{4, 17, 22} {
		p, _ := w.registry.Get(id)
		test.That(t, p.Desired, test.ShouldBeFalse)
		test.That(t, p.PWMDuty, test.ShouldEqual, 0)
		test.That(t, w.supervisor.Overridden(id), test.ShouldBeTrue)
	}

	doc := w.store.Device()
	test.That(t, doc.LastEmergencyStop, test.ShouldNotBeNil)
	test.That(t, doc.GPIOState["17"].State, test.ShouldBeFalse)
}

func TestEmergencyStopContinuesPastFaults(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))
	w.addPin(t, outputDoc(27))
	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)
	test.That(t, w.rec.UserSet(context.Background(), 27, true), test.ShouldBeNil)

	w.driver.FailWith(17, "write", errors.New("stuck relay"))
	err := w.rec.EmergencyStop(context.Background())
	test.That(t, err, test.ShouldNotBeNil)

	// the healthy pin still went off and the stop was still recorded
	sp, _ := w.driver.Pin(27)
	test.That(t, sp.High, test.ShouldBeFalse)
	test.That(t, w.store.Device().LastEmergencyStop, test.ShouldNotBeNil)
}

func TestPinRemoveForcesOffAndReleases(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))
	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)
	w.supervisor.Override(17)
	w.scheds.Upsert(schedule.Key{Pin: 17, ID: "x"}, schedule.Definition{Enabled: true, DurationSeconds: 1, FrequencySeconds: 1}, w.clk.Now())

	test.That(t, w.rec.RemovePin(context.Background(), 17), test.ShouldBeNil)
	w.flush(t)

	_, ok := w.registry.Get(17)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = w.driver.Pin(17)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, w.supervisor.Overridden(17), test.ShouldBeFalse)
	test.That(t, w.scheds.HasActive(17), test.ShouldBeFalse)
}

func TestPolarityChangeMovesElectricalLevel(t *testing.T) {
	w := newWorld(t, true)
	doc := outputDoc(17)
	doc.State = true
	w.addPin(t, doc)
	sp, _ := w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeTrue)

	// same logical state, inverted polarity
	doc.ActiveLow = true
	test.That(t, w.rec.ApplyPinChange(context.Background(), doc, false), test.ShouldBeNil)
	w.flush(t)

	sp, _ = w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeFalse)
	p, _ := w.registry.Get(17)
	test.That(t, p.Desired, test.ShouldBeTrue)
}

func TestDisableForcesPinOff(t *testing.T) {
	w := newWorld(t, true)
	doc := outputDoc(17)
	doc.State = true
	w.addPin(t, doc)
	sp, _ := w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeTrue)

	doc.Enabled = false
	test.That(t, w.rec.ApplyPinChange(context.Background(), doc, false), test.ShouldBeNil)
	w.flush(t)

	sp, _ = w.driver.Pin(17)
	test.That(t, sp.High, test.ShouldBeFalse)

	// ON on a disabled pin is rejected
	err := w.rec.UserSet(context.Background(), 17, true)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPWMDuty(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, docstore.PinDoc{Pin: 22, Mode: "pwm", Enabled: true})
	w.addPin(t, outputDoc(17))

	test.That(t, w.rec.UserSetPWM(context.Background(), 22, 60), test.ShouldBeNil)
	sp, _ := w.driver.Pin(22)
	test.That(t, sp.PWMOn, test.ShouldBeTrue)
	test.That(t, sp.DutyPct, test.ShouldEqual, 60)
	p, _ := w.registry.Get(22)
	test.That(t, p.PWMDuty, test.ShouldEqual, 60)

	test.That(t, w.rec.UserSetPWM(context.Background(), 22, 0), test.ShouldBeNil)
	sp, _ = w.driver.Pin(22)
	test.That(t, sp.PWMOn, test.ShouldBeFalse)
	test.That(t, sp.High, test.ShouldBeFalse)

	test.That(t, w.rec.UserSetPWM(context.Background(), 17, 50), test.ShouldNotBeNil)
	test.That(t, w.rec.UserSetPWM(context.Background(), 22, 150), test.ShouldNotBeNil)
}

func TestHotInitAppliesDocumentState(t *testing.T) {
	w := newWorld(t, true)
	doc := outputDoc(27)
	doc.State = true
	w.addPin(t, doc)

	p, ok := w.registry.Get(27)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, p.Desired, test.ShouldBeTrue)
	sp, _ := w.driver.Pin(27)
	test.That(t, sp.High, test.ShouldBeTrue)
	test.That(t, p.Name, test.ShouldEqual, "GPIO 27")
}

func TestQueuedPushesCoalesceLatestWins(t *testing.T) {
	// worker not started, so the staged batch can be inspected directly
	w := newWorld(t, false)

	w.rec.queuePush(17, map[string]interface{}{"state": true, "mismatch": true})
	w.rec.queuePush(17, map[string]interface{}{"state": false})
	w.rec.queuePush(27, map[string]interface{}{"state": true})

	w.rec.pushMu.Lock()
	pending17 := w.rec.pushPending[17]
	pending27 := w.rec.pushPending[27]
	w.rec.pushMu.Unlock()

	// the newer value replaced the older one; untouched fields survive
	test.That(t, pending17["state"], test.ShouldBeFalse)
	test.That(t, pending17["mismatch"], test.ShouldBeTrue)
	test.That(t, pending27["state"], test.ShouldBeTrue)

	w.rec.dropQueuedPushes([]int{17})
	w.rec.pushMu.Lock()
	_, has17 := w.rec.pushPending[17]
	_, has27 := w.rec.pushPending[27]
	w.rec.pushMu.Unlock()
	test.That(t, has17, test.ShouldBeFalse)
	test.That(t, has27, test.ShouldBeTrue)
}

func TestRapidTogglesConvergeInDocument(t *testing.T) {
	w := newWorld(t, true)
	w.addPin(t, outputDoc(17))

	// back-to-back flips must never leave the document on a stale
	// intermediate state
	for i := 0; i < 5; i++ {
		test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)
		test.That(t, w.rec.UserSet(context.Background(), 17, false), test.ShouldBeNil)
	}

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, w.store.Device().GPIOState["17"].State, test.ShouldBeFalse)
	})
	p, _ := w.registry.Get(17)
	test.That(t, p.Desired, test.ShouldBeFalse)
}

func advanceMock(clk *clock.Mock, d time.Duration) {
	const step = 500 * time.Millisecond
	for d > 0 {
		chunk := step
		if chunk > d {
			chunk = d
		}
		clk.Add(chunk)
		d -= chunk
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSyncLoopReadsAndPushes(t *testing.T) {
	w := newWorld(t, true)
	logger := logging.NewTestLogger(t)
	w.addPin(t, outputDoc(17))
	test.That(t, w.rec.UserSet(context.Background(), 17, true), test.ShouldBeNil)

	loop := NewSyncLoop(
		w.rec, w.registry, w.scheds, w.store,
		config.NewProvider(t.TempDir(), logger), w.clk, logger,
	)
	loop.Start()
	defer loop.Close()

	// drift repaired on the fast cadence
	w.driver.ForceLevel(17, false)
	advanceMock(w.clk, 6*time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		sp, _ := w.driver.Pin(17)
		test.That(tb, sp.High, test.ShouldBeTrue)
	})

	// batched push plus first heartbeat on the slow cadence
	advanceMock(w.clk, 30*time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		doc := w.store.Device()
		test.That(tb, doc.GPIOState["17"].HardwareState, test.ShouldBeTrue)
		test.That(tb, doc.Status, test.ShouldEqual, docstore.StatusOnline)
	})
}

func TestSyncLoopHeartbeatsBetweenPushes(t *testing.T) {
	w := newWorld(t, true)
	logger := logging.NewTestLogger(t)
	w.addPin(t, outputDoc(17))

	// pushes tuned far slower than the heartbeat cadence
	provider := config.NewProvider(t.TempDir(), logger)
	provider.Apply(map[string]int{
		config.KeyLocalRead:    1,
		config.KeyHeartbeat:    10,
		config.KeyHardwareSync: 600,
	})
	loop := NewSyncLoop(w.rec, w.registry, w.scheds, w.store, provider, w.clk, logger)
	loop.Start()
	defer loop.Close()

	advanceMock(w.clk, 2*time.Second)
	var first time.Time
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		first = w.store.Device().LastHeartbeat
		test.That(tb, first.IsZero(), test.ShouldBeFalse)
	})

	// the next push is ~10 minutes out, but presence must refresh on the
	// heartbeat interval regardless
	advanceMock(w.clk, 12*time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, w.store.Device().LastHeartbeat.After(first), test.ShouldBeTrue)
	})
}
