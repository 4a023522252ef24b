//go:build linux

// This file talks to the GPIO character device via the ioctl interface,
// indirectly by way of mkch's gpio package.
package gpio

import (
	"context"
	"sync"
	"time"

	mkchgpio "github.com/mkch/gpio"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/verdant-devices/sproutd/logging"
)

// softwarePWMFreqHz is the cycle frequency used for software PWM. The
// document only carries a duty percentage.
const softwarePWMFreqHz = 100

type linuxPin struct {
	offset uint32
	mode   Mode
	line   *mkchgpio.Line

	// mutable PWM bookkeeping; lock the driver mutex when touching these.
	pwmRunning bool
	pwmDutyPct int
}

// LinuxDriver drives pins through a GPIO character device such as
// /dev/gpiochip0 on a Raspberry Pi, with a software PWM loop per PWM pin.
type LinuxDriver struct {
	devicePath string

	mu   sync.Mutex
	pins map[int]*linuxPin

	cancelCtx context.Context
	cancel    func()
	waitGroup sync.WaitGroup
	logger    logging.Logger
}

// NewLinuxDriver returns a driver for the given GPIO character device. An
// empty devicePath selects /dev/gpiochip0.
func NewLinuxDriver(devicePath string, logger logging.Logger) (*LinuxDriver, error) {
	if devicePath == "" {
		devicePath = "/dev/gpiochip0"
	}
	// Probe the chip once so a missing device surfaces as a fatal init error
	// instead of a per-pin fault later.
	chip, err := mkchgpio.OpenChip(devicePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open gpio chip %s", devicePath)
	}
	goutils.UncheckedErrorFunc(chip.Close)

	cancelCtx, cancel := context.WithCancel(context.Background())
	return &LinuxDriver{
		devicePath: devicePath,
		pins:       map[int]*linuxPin{},
		cancelCtx:  cancelCtx,
		cancel:     cancel,
		logger:     logger,
	}, nil
}

// Configure opens the pin's line in the right direction and drives the
// initial level for outputs.
func (d *LinuxDriver) Configure(pin int, mode Mode, initialHigh bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.pins[pin]; ok {
		// Reconfiguration: drop the old line first.
		existing.pwmRunning = false
		if existing.line != nil {
			goutils.UncheckedErrorFunc(existing.line.Close)
		}
		delete(d.pins, pin)
	}

	chip, err := mkchgpio.OpenChip(d.devicePath)
	if err != nil {
		return NewFault(pin, "configure", err)
	}
	defer goutils.UncheckedErrorFunc(chip.Close)

	lp := &linuxPin{offset: uint32(pin), mode: mode}
	switch mode {
	case ModeInput:
		line, err := chip.OpenLine(lp.offset, 0, mkchgpio.Input, "sproutd")
		if err != nil {
			return NewFault(pin, "configure", err)
		}
		lp.line = line
	case ModeOutput, ModePWM:
		var value byte
		if initialHigh {
			value = 1
		}
		line, err := chip.OpenLine(lp.offset, value, mkchgpio.Output, "sproutd")
		if err != nil {
			return NewFault(pin, "configure", err)
		}
		lp.line = line
	default:
		return errors.Errorf("unknown pin mode %q", mode)
	}

	d.pins[pin] = lp
	return nil
}

// Write sets the electrical level of an output pin and stops any software
// PWM running on it.
func (d *LinuxDriver) Write(pin int, high bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lp, ok := d.pins[pin]
	if !ok {
		return NewFault(pin, "write", ErrUnconfigured)
	}
	lp.pwmRunning = false
	return NewFault(pin, "write", d.setInternal(lp, high))
}

// setInternal assumes the mutex is held. It sets the line level without
// touching PWM bookkeeping.
func (d *LinuxDriver) setInternal(lp *linuxPin, high bool) error {
	var value byte
	if high {
		value = 1
	}
	return lp.line.SetValue(value)
}

// Read returns the current electrical level of a pin.
func (d *LinuxDriver) Read(pin int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lp, ok := d.pins[pin]
	if !ok {
		return false, NewFault(pin, "read", ErrUnconfigured)
	}
	value, err := lp.line.Value()
	if err != nil {
		return false, NewFault(pin, "read", err)
	}
	// Any non-zero value counts as high.
	return value != 0, nil
}

// SetPWM starts or retunes the software PWM loop on a pin. Duty 0 stops the
// loop and leaves the line LOW.
func (d *LinuxDriver) SetPWM(pin int, dutyPct int) error {
	if dutyPct < 0 || dutyPct > 100 {
		return errors.Errorf("pwm duty %d out of range [0,100]", dutyPct)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	lp, ok := d.pins[pin]
	if !ok {
		return NewFault(pin, "pwm", ErrUnconfigured)
	}
	lp.pwmDutyPct = dutyPct

	if dutyPct == 0 {
		lp.pwmRunning = false
		return NewFault(pin, "pwm", d.setInternal(lp, false))
	}
	if lp.pwmRunning {
		// the running loop picks up the new duty on its next half cycle
		return nil
	}

	lp.pwmRunning = true
	d.waitGroup.Add(1)
	goutils.ManagedGo(func() { d.softwarePWMLoop(lp) }, d.waitGroup.Done)
	return nil
}

// halfPWMCycle turns the pin on or off, then waits out that half of the duty
// cycle. It returns whether the loop should continue.
func (d *LinuxDriver) halfPWMCycle(lp *linuxPin, shouldBeOn bool) bool {
	var dutyPct int

	shouldContinue := func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !lp.pwmRunning {
			return false
		}
		dutyPct = lp.pwmDutyPct
		// If a single toggle fails, don't kill the loop; log and hope the
		// next toggle lands.
		if err := d.setInternal(lp, shouldBeOn); err != nil {
			d.logger.Warnw("software pwm toggle failed", "pin", lp.offset, "error", err)
		}
		return true
	}()
	if !shouldContinue {
		return false
	}

	fraction := float64(dutyPct) / 100
	if !shouldBeOn {
		fraction = 1 - fraction
	}
	duration := time.Duration(float64(time.Second) * fraction / softwarePWMFreqHz)
	return goutils.SelectContextOrWait(d.cancelCtx, duration)
}

func (d *LinuxDriver) softwarePWMLoop(lp *linuxPin) {
	for {
		if !d.halfPWMCycle(lp, true) {
			return
		}
		if !d.halfPWMCycle(lp, false) {
			return
		}
	}
}

// Cleanup stops PWM on the pin and releases its line.
func (d *LinuxDriver) Cleanup(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	lp, ok := d.pins[pin]
	if !ok {
		return nil
	}
	lp.pwmRunning = false
	delete(d.pins, pin)
	if lp.line == nil {
		return nil
	}
	return NewFault(pin, "cleanup", lp.line.Close())
}

// Close stops every PWM loop and releases every line. We hold the line file
// descriptors open for the life of the driver so the pins keep their state;
// this is the one place they are let go.
func (d *LinuxDriver) Close() error {
	d.cancel()
	d.waitGroup.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	var errs error
	for pin, lp := range d.pins {
		lp.pwmRunning = false
		if lp.line != nil {
			if err := lp.line.Close(); err != nil {
				errs = multierr.Append(errs, NewFault(pin, "close", err))
			}
		}
	}
	d.pins = map[int]*linuxPin{}
	return errs
}
