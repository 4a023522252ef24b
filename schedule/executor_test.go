package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/verdant-devices/sproutd/logging"
)

type fakeCommander struct {
	mu    sync.Mutex
	calls []bool
}

func (f *fakeCommander) ScheduleSet(ctx context.Context, pinID int, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, on)
	return nil
}

func (f *fakeCommander) snapshot() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeOverrides struct {
	mu   sync.Mutex
	pins map[int]bool
}

func newFakeOverrides() *fakeOverrides { return &fakeOverrides{pins: map[int]bool{}} }

func (f *fakeOverrides) Overridden(pinID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pins[pinID]
}

func (f *fakeOverrides) set(pinID int, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[pinID] = v
}

// advance steps the mock clock in small increments, yielding between steps so
// executor goroutines can observe their timers.
func advance(mock *clock.Mock, total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		time.Sleep(5 * time.Millisecond)
		mock.Add(step)
	}
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []Key
}

func (f *fakeRecorder) record(ctx context.Context, pinID int, scheduleID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Key{Pin: pinID, ID: scheduleID})
	return nil
}

func (f *fakeRecorder) snapshot() []Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Key, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestManager(t *testing.T) (*Manager, *Cache, *fakeCommander, *fakeOverrides, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cache := NewCache()
	cmd := &fakeCommander{}
	overrides := newFakeOverrides()
	m := NewManager(cache, cmd, overrides, nil, mock, logging.NewTestLogger(t))
	t.Cleanup(m.Close)
	return m, cache, cmd, overrides, mock
}

func TestExecutorCyclesPin(t *testing.T) {
	m, cache, cmd, _, mock := newTestManager(t)

	key := Key{Pin: 19, ID: "s1"}
	cache.Upsert(key, Definition{Enabled: true, DurationSeconds: 2, FrequencySeconds: 2}, mock.Now())

	m.Start(key)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.IsRunning(key), test.ShouldBeTrue)
	})

	advance(mock, 5*time.Second, 500*time.Millisecond)

	calls := cmd.snapshot()
	test.That(t, len(calls), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, calls[0], test.ShouldBeTrue)
	// cycles alternate ON, OFF, ON, ...
	for i := 1; i < len(calls); i++ {
		test.That(t, calls[i], test.ShouldNotEqual, calls[i-1])
	}
}

func TestExecutorSingleInstancePerKey(t *testing.T) {
	m, cache, _, _, mock := newTestManager(t)

	key := Key{Pin: 19, ID: "s1"}
	cache.Upsert(key, Definition{Enabled: true, DurationSeconds: 10}, mock.Now())

	m.Start(key)
	m.Start(key)
	m.Start(key)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.RunningCount(), test.ShouldEqual, 1)
	})
}

func TestExecutorAbortsOnDisable(t *testing.T) {
	m, cache, cmd, _, mock := newTestManager(t)

	key := Key{Pin: 19, ID: "s1"}
	cache.Upsert(key, Definition{Enabled: true, DurationSeconds: 60, FrequencySeconds: 60}, mock.Now())

	m.Start(key)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.IsRunning(key), test.ShouldBeTrue)
	})

	cache.Upsert(key, Definition{Enabled: false, DurationSeconds: 60, FrequencySeconds: 60}, mock.Now())
	advance(mock, 3*time.Second, 500*time.Millisecond)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.IsRunning(key), test.ShouldBeFalse)
	})

	calls := cmd.snapshot()
	test.That(t, len(calls), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, calls[len(calls)-1], test.ShouldBeFalse) // final command is OFF

	st, ok := cache.Get(key)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, st.Def.LastRunAt, test.ShouldNotBeNil)
}

func TestExecutorAbortsOnOverride(t *testing.T) {
	m, cache, cmd, overrides, mock := newTestManager(t)

	key := Key{Pin: 19, ID: "s1"}
	cache.Upsert(key, Definition{Enabled: true, DurationSeconds: 60, FrequencySeconds: 60}, mock.Now())

	m.Start(key)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.IsRunning(key), test.ShouldBeTrue)
	})

	overrides.set(19, true)
	advance(mock, 3*time.Second, 500*time.Millisecond)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.IsRunning(key), test.ShouldBeFalse)
	})
	calls := cmd.snapshot()
	test.That(t, calls[len(calls)-1], test.ShouldBeFalse)

	// an overridden pin must not restart
	m.Start(key)
	time.Sleep(20 * time.Millisecond)
	test.That(t, m.IsRunning(key), test.ShouldBeFalse)
}

func TestExecutorIgnoresOutOfWindowStart(t *testing.T) {
	m, cache, _, _, mock := newTestManager(t)

	// a window two hours from now is not active
	start := mock.Now().Add(2 * time.Hour)
	end := start.Add(5 * time.Minute)
	key := Key{Pin: 19, ID: "s1"}
	cache.Upsert(key, Definition{
		Enabled:         true,
		StartTime:       start.Format("15:04"),
		EndTime:         end.Format("15:04"),
		DurationSeconds: 2,
	}, mock.Now())

	m.Start(key)
	time.Sleep(20 * time.Millisecond)
	test.That(t, m.RunningCount(), test.ShouldEqual, 0)
}

func TestExecutorRecordsRunOnExit(t *testing.T) {
	mock := clock.NewMock()
	cache := NewCache()
	cmd := &fakeCommander{}
	recorder := &fakeRecorder{}
	m := NewManager(cache, cmd, newFakeOverrides(), recorder.record, mock, logging.NewTestLogger(t))
	t.Cleanup(m.Close)

	key := Key{Pin: 19, ID: "cycle"}
	cache.Upsert(key, Definition{Enabled: true, DurationSeconds: 60, FrequencySeconds: 60}, mock.Now())

	m.Start(key)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.IsRunning(key), test.ShouldBeTrue)
	})

	cache.Upsert(key, Definition{Enabled: false, DurationSeconds: 60, FrequencySeconds: 60}, mock.Now())
	advance(mock, 3*time.Second, 500*time.Millisecond)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.IsRunning(key), test.ShouldBeFalse)
		test.That(tb, recorder.snapshot(), test.ShouldResemble, []Key{key})
	})
}

func TestEvaluatorStartsFreshlyActive(t *testing.T) {
	m, cache, _, _, mock := newTestManager(t)
	// window around the mock's current local time-of-day
	now := mock.Now()

	key := Key{Pin: 19, ID: "s1"}
	cache.Upsert(key, Definition{Enabled: true, DurationSeconds: 60, FrequencySeconds: 60}, now)

	ev := NewEvaluator(cache, m, func() time.Duration { return time.Minute }, mock, logging.NewTestLogger(t))
	ev.Sweep()
	t.Cleanup(ev.Close)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, m.IsRunning(key), test.ShouldBeTrue)
	})
}
