// Package gpio abstracts the physical pins of the board. The reconciler is
// the only component allowed to call a Driver's mutating methods; everything
// else reasons about logical state and goes through the reconciler.
package gpio

import (
	"fmt"

	"github.com/pkg/errors"
)

// Mode is the configured function of a pin.
type Mode string

// The supported pin modes.
const (
	ModeOutput Mode = "output"
	ModeInput  Mode = "input"
	ModePWM    Mode = "pwm"
)

// ParseMode validates a mode string from the device document.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOutput, ModeInput, ModePWM:
		return Mode(s), nil
	}
	return "", errors.Errorf("unknown pin mode %q", s)
}

// Driver is the minimal contract over the physical GPIO. Levels are
// electrical (true = HIGH), independent of polarity. Duty is an integer
// percentage in [0,100]; duty 0 stops PWM and leaves the pin LOW.
type Driver interface {
	// Configure prepares a pin for use in the given mode with the given
	// initial electrical level. Must be called exactly once per pin before
	// any write.
	Configure(pin int, mode Mode, initialHigh bool) error
	// Write sets the electrical level of an output pin.
	Write(pin int, high bool) error
	// Read returns the current electrical level of a pin.
	Read(pin int) (bool, error)
	// SetPWM starts (or retunes) a PWM cycle at the given duty percentage.
	SetPWM(pin int, dutyPct int) error
	// Cleanup releases a single pin.
	Cleanup(pin int) error
	// Close releases every configured pin.
	Close() error
}

// Fault is a DriverFault: a hardware-level failure on a single pin
// operation. Callers never swallow these silently.
type Fault struct {
	Pin int
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("gpio fault on pin %d during %s: %v", f.Pin, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps a hardware error as a Fault.
func NewFault(pin int, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Pin: pin, Op: op, Err: err}
}

// IsFault reports whether err is (or wraps) a driver Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// ErrUnconfigured is returned for operations on pins that were never
// configured.
var ErrUnconfigured = errors.New("pin not configured")
