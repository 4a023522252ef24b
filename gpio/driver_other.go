//go:build !linux

package gpio

import (
	"github.com/pkg/errors"

	"github.com/verdant-devices/sproutd/logging"
)

// LinuxDriver is only available on linux; other platforms run with the
// simulated driver.
type LinuxDriver struct{}

// NewLinuxDriver always fails off linux.
func NewLinuxDriver(devicePath string, logger logging.Logger) (*LinuxDriver, error) {
	return nil, errors.New("hardware gpio requires linux; use the simulated driver")
}

// Configure implements Driver.
func (d *LinuxDriver) Configure(pin int, mode Mode, initialHigh bool) error { return ErrUnconfigured }

// Write implements Driver.
func (d *LinuxDriver) Write(pin int, high bool) error { return ErrUnconfigured }

// Read implements Driver.
func (d *LinuxDriver) Read(pin int) (bool, error) { return false, ErrUnconfigured }

// SetPWM implements Driver.
func (d *LinuxDriver) SetPWM(pin int, dutyPct int) error { return ErrUnconfigured }

// Cleanup implements Driver.
func (d *LinuxDriver) Cleanup(pin int) error { return nil }

// Close implements Driver.
func (d *LinuxDriver) Close() error { return nil }
