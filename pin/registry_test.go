package pin

import (
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/verdant-devices/sproutd/gpio"
)

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Pin{ID: 17, Name: "lights", Mode: gpio.ModeOutput, Enabled: true})

	snap := r.Snapshot()
	test.That(t, snap, test.ShouldHaveLength, 1)

	p := snap[17]
	p.Name = "mutated"
	snap[17] = p

	got, ok := r.Get(17)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.Name, test.ShouldEqual, "lights")
}

func TestRegistryMismatchTracking(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Pin{ID: 18, Mode: gpio.ModeOutput, Enabled: true})

	r.Update(18, func(p *Pin) {
		p.Desired = true
		p.Hardware = false
		p.LastHardwareRead = time.Now()
		p.Mismatch = p.Hardware != p.Desired
	})
	got, _ := r.Get(18)
	test.That(t, got.Mismatch, test.ShouldBeTrue)

	r.Update(18, func(p *Pin) {
		p.Hardware = true
		p.Mismatch = p.Hardware != p.Desired
	})
	got, _ = r.Get(18)
	test.That(t, got.Mismatch, test.ShouldBeFalse)
	test.That(t, got.LastHardwareRead.IsZero(), test.ShouldBeFalse)
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []int{26, 4, 17} {
		r.Upsert(Pin{ID: id})
	}
	test.That(t, r.IDs(), test.ShouldResemble, []int{4, 17, 26})
	test.That(t, r.Len(), test.ShouldEqual, 3)

	r.Remove(17)
	test.That(t, r.IDs(), test.ShouldResemble, []int{4, 26})
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	test.That(t, r.Update(5, func(p *Pin) {}), test.ShouldBeFalse)

	r.Upsert(Pin{ID: 5})
	ok := r.Update(5, func(p *Pin) {
		p.FaultStrikes++
		p.Unavailable = p.FaultStrikes >= 2
	})
	test.That(t, ok, test.ShouldBeTrue)
	got, _ := r.Get(5)
	test.That(t, got.FaultStrikes, test.ShouldEqual, 1)
	test.That(t, got.Unavailable, test.ShouldBeFalse)
}
