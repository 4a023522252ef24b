package gpio

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestSimDriverWriteRead(t *testing.T) {
	d := NewSimDriver()

	_, err := d.Read(4)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, IsFault(err), test.ShouldBeTrue)

	test.That(t, d.Configure(4, ModeOutput, false), test.ShouldBeNil)
	high, err := d.Read(4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeFalse)

	test.That(t, d.Write(4, true), test.ShouldBeNil)
	high, err = d.Read(4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeTrue)
}

func TestSimDriverPWM(t *testing.T) {
	d := NewSimDriver()
	test.That(t, d.Configure(12, ModePWM, false), test.ShouldBeNil)

	test.That(t, d.SetPWM(12, 40), test.ShouldBeNil)
	sp, ok := d.Pin(12)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, sp.PWMOn, test.ShouldBeTrue)
	test.That(t, sp.DutyPct, test.ShouldEqual, 40)

	// duty 0 stops PWM and leaves the line LOW
	test.That(t, d.SetPWM(12, 0), test.ShouldBeNil)
	sp, _ = d.Pin(12)
	test.That(t, sp.PWMOn, test.ShouldBeFalse)
	test.That(t, sp.High, test.ShouldBeFalse)

	test.That(t, d.SetPWM(12, 101), test.ShouldNotBeNil)
}

func TestSimDriverFaultInjection(t *testing.T) {
	d := NewSimDriver()
	test.That(t, d.Configure(7, ModeOutput, false), test.ShouldBeNil)

	boom := errors.New("boom")
	d.FailWith(7, "write", boom)
	err := d.Write(7, true)
	test.That(t, IsFault(err), test.ShouldBeTrue)
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)

	d.FailWith(7, "write", nil)
	test.That(t, d.Write(7, true), test.ShouldBeNil)
}

func TestSimDriverForceLevel(t *testing.T) {
	d := NewSimDriver()
	test.That(t, d.Configure(26, ModeOutput, true), test.ShouldBeNil)

	d.ForceLevel(26, false)
	high, err := d.Read(26)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeFalse)
}
