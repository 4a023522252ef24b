// Package pin holds the logical model of the board's pins and the in-memory
// registry the reconciler maintains. The registry records intent and
// observation; it never talks to the gpio driver itself.
package pin

import (
	"fmt"
	"time"

	"github.com/verdant-devices/sproutd/gpio"
)

// Pin is the logical image of one GPIO pin. Desired is what the document
// wants; Hardware is what the last read observed, both expressed as logical
// state (polarity already applied).
type Pin struct {
	ID             int
	Name           string
	DefaultName    string
	NameCustomized bool
	Mode           gpio.Mode
	ActiveLow      bool
	Enabled        bool

	Desired  bool
	Hardware bool
	PWMDuty  int

	// Mismatch is set when Hardware disagrees with Desired while no schedule
	// holds the pin.
	Mismatch bool

	// Fault bookkeeping: one strike is retried next cycle, two consecutive
	// strikes park the pin until the next document change.
	FaultStrikes int
	Unavailable  bool

	LastHardwareRead time.Time
}

// DefaultNameFor synthesizes the name a pin carries until a user renames it.
func DefaultNameFor(id int) string {
	return fmt.Sprintf("GPIO %d", id)
}
