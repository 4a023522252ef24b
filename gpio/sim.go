package gpio

import (
	"sync"

	"github.com/pkg/errors"
)

// SimPin is the in-memory image of one simulated pin.
type SimPin struct {
	Mode    Mode
	High    bool
	DutyPct int
	PWMOn   bool
}

// SimDriver buffers all writes in memory. It backs test environments and the
// --sim bring-up mode, and can inject drift and faults to exercise the
// reconciler's repair paths.
type SimDriver struct {
	mu   sync.Mutex
	pins map[int]*SimPin

	writes int
	// op names that should fail, per pin; used to simulate driver faults
	failures map[int]map[string]error
}

// NewSimDriver returns an empty simulated driver.
func NewSimDriver() *SimDriver {
	return &SimDriver{
		pins:     map[int]*SimPin{},
		failures: map[int]map[string]error{},
	}
}

func (d *SimDriver) failureFor(pin int, op string) error {
	if ops, ok := d.failures[pin]; ok {
		if err, ok := ops[op]; ok {
			return NewFault(pin, op, err)
		}
	}
	return nil
}

// Configure implements Driver.
func (d *SimDriver) Configure(pin int, mode Mode, initialHigh bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failureFor(pin, "configure"); err != nil {
		return err
	}
	d.pins[pin] = &SimPin{Mode: mode, High: initialHigh}
	return nil
}

// Write implements Driver.
func (d *SimDriver) Write(pin int, high bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failureFor(pin, "write"); err != nil {
		return err
	}
	sp, ok := d.pins[pin]
	if !ok {
		return NewFault(pin, "write", ErrUnconfigured)
	}
	sp.High = high
	sp.PWMOn = false
	d.writes++
	return nil
}

// Read implements Driver.
func (d *SimDriver) Read(pin int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failureFor(pin, "read"); err != nil {
		return false, err
	}
	sp, ok := d.pins[pin]
	if !ok {
		return false, NewFault(pin, "read", ErrUnconfigured)
	}
	return sp.High, nil
}

// SetPWM implements Driver. Duty 0 stops PWM and leaves the pin LOW.
func (d *SimDriver) SetPWM(pin int, dutyPct int) error {
	if dutyPct < 0 || dutyPct > 100 {
		return errors.Errorf("pwm duty %d out of range [0,100]", dutyPct)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failureFor(pin, "pwm"); err != nil {
		return err
	}
	sp, ok := d.pins[pin]
	if !ok {
		return NewFault(pin, "pwm", ErrUnconfigured)
	}
	sp.DutyPct = dutyPct
	if dutyPct == 0 {
		sp.PWMOn = false
		sp.High = false
	} else {
		sp.PWMOn = true
	}
	d.writes++
	return nil
}

// Cleanup implements Driver.
func (d *SimDriver) Cleanup(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pins, pin)
	return nil
}

// Close implements Driver.
func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pins = map[int]*SimPin{}
	return nil
}

// ForceLevel overrides a pin's electrical level from "outside" the driver
// contract, simulating external drift for auto-repair tests.
func (d *SimDriver) ForceLevel(pin int, high bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sp, ok := d.pins[pin]; ok {
		sp.High = high
	}
}

// FailWith makes the named op on a pin return a fault until cleared with a
// nil err.
func (d *SimDriver) FailWith(pin int, op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures[pin], op)
		return
	}
	if _, ok := d.failures[pin]; !ok {
		d.failures[pin] = map[string]error{}
	}
	d.failures[pin][op] = err
}

// Pin returns a copy of the simulated pin state.
func (d *SimDriver) Pin(pin int) (SimPin, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sp, ok := d.pins[pin]
	if !ok {
		return SimPin{}, false
	}
	return *sp, true
}

// WriteCount returns how many state-changing calls the driver has seen; used
// to assert write idempotence.
func (d *SimDriver) WriteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}
