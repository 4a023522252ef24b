// Package docstore is the device's view of the remote desired-state
// document: the typed document model, a Store contract for reading and
// updating it, a MongoDB implementation watched through change streams, and
// an in-memory implementation for tests and simulated bring-up.
package docstore

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/verdant-devices/sproutd/gpio"
	"github.com/verdant-devices/sproutd/pin"
	"github.com/verdant-devices/sproutd/schedule"
)

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device is the whole desired-state document for one appliance.
type Device struct {
	Serial            string            `bson:"_id" json:"serial"`
	Status            string            `bson:"status" json:"status"`
	LastHeartbeat     time.Time         `bson:"lastHeartbeat,omitempty" json:"lastHeartbeat"`
	LastEmergencyStop *time.Time        `bson:"lastEmergencyStop,omitempty" json:"lastEmergencyStop,omitempty"`
	GPIOState         map[string]PinDoc `bson:"gpioState,omitempty" json:"gpioState,omitempty"`
	Config            ConfigDoc         `bson:"config,omitempty" json:"config"`
}

// PinDoc is one pin's entry under gpioState. Field names are normative; the
// cloud webapp reads and writes the same names.
type PinDoc struct {
	Pin              int                    `bson:"pin" json:"pin"`
	Name             string                 `bson:"name" json:"name"`
	DefaultName      string                 `bson:"default_name" json:"default_name"`
	NameCustomized   bool                   `bson:"name_customized" json:"name_customized"`
	Mode             string                 `bson:"mode" json:"mode"`
	ActiveLow        bool                   `bson:"active_low" json:"active_low"`
	Enabled          bool                   `bson:"enabled" json:"enabled"`
	State            bool                   `bson:"state" json:"state"`
	HardwareState    bool                   `bson:"hardwareState" json:"hardwareState"`
	Mismatch         bool                   `bson:"mismatch" json:"mismatch"`
	PWMDutyCycle     int                    `bson:"pwmDutyCycle" json:"pwmDutyCycle"`
	LastHardwareRead *time.Time             `bson:"lastHardwareRead,omitempty" json:"lastHardwareRead,omitempty"`
	Schedules        map[string]ScheduleDoc `bson:"schedules,omitempty" json:"schedules,omitempty"`
}

// ScheduleDoc is one schedule's entry under a pin.
type ScheduleDoc struct {
	Enabled          bool       `bson:"enabled" json:"enabled"`
	StartTime        string     `bson:"startTime,omitempty" json:"startTime,omitempty"`
	EndTime          string     `bson:"endTime,omitempty" json:"endTime,omitempty"`
	DurationSeconds  int        `bson:"durationSeconds" json:"durationSeconds"`
	FrequencySeconds int        `bson:"frequencySeconds" json:"frequencySeconds"`
	Name             string     `bson:"name" json:"name"`
	LastRunAt        *time.Time `bson:"last_run_at,omitempty" json:"last_run_at,omitempty"`
}

// ConfigDoc carries the dynamic tuning intervals.
type ConfigDoc struct {
	Intervals map[string]int `bson:"intervals,omitempty" json:"intervals,omitempty"`
}

// Command types.
const (
	CommandPinControl    = "pin_control"
	CommandPWMControl    = "pwm_control"
	CommandEmergencyStop = "emergency_stop"
)

// Command is one entry in the device's command queue. The device deletes the
// document once the command completes.
type Command struct {
	ID        string    `bson:"_id" json:"id"`
	Serial    string    `bson:"serial" json:"serial"`
	Type      string    `bson:"type" json:"type"`
	Pin       int       `bson:"pin,omitempty" json:"pin,omitempty"`
	Action    string    `bson:"action,omitempty" json:"action,omitempty"`
	DutyCycle int       `bson:"duty_cycle,omitempty" json:"duty_cycle,omitempty"`
	Duration  *int      `bson:"duration,omitempty" json:"duration,omitempty"`
	CreatedAt time.Time `bson:"createdAt,omitempty" json:"createdAt"`
}

// Validate rejects malformed commands before they reach the reconciler.
func (c Command) Validate() error {
	switch c.Type {
	case CommandPinControl:
		if c.Action != "on" && c.Action != "off" {
			return errors.Errorf("pin_control action must be on or off, got %q", c.Action)
		}
	case CommandPWMControl:
		if c.DutyCycle < 0 || c.DutyCycle > 100 {
			return errors.Errorf("pwm duty %d out of range [0,100]", c.DutyCycle)
		}
	case CommandEmergencyStop:
	default:
		return errors.Errorf("unknown command type %q", c.Type)
	}
	if c.Duration != nil && *c.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Validate checks a pin entry's fields; a failing pin is skipped while its
// siblings proceed.
func (p PinDoc) Validate() error {
	if p.Pin < 0 {
		return errors.Errorf("negative pin number %d", p.Pin)
	}
	if _, err := gpio.ParseMode(p.Mode); err != nil {
		return err
	}
	if p.PWMDutyCycle < 0 || p.PWMDutyCycle > 100 {
		return errors.Errorf("pin %d pwm duty %d out of range [0,100]", p.Pin, p.PWMDutyCycle)
	}
	for id, sched := range p.Schedules {
		if err := sched.ToDefinition().Validate(); err != nil {
			return errors.Wrapf(err, "pin %d schedule %s", p.Pin, id)
		}
	}
	return nil
}

// ToPin converts the document entry to the registry model. Desired and
// Hardware carry over; the reconciler decides what to do with them.
func (p PinDoc) ToPin() pin.Pin {
	name := p.Name
	defaultName := p.DefaultName
	if defaultName == "" {
		defaultName = pin.DefaultNameFor(p.Pin)
	}
	if name == "" {
		name = defaultName
	}
	mode, _ := gpio.ParseMode(p.Mode)
	out := pin.Pin{
		ID:             p.Pin,
		Name:           name,
		DefaultName:    defaultName,
		NameCustomized: p.NameCustomized,
		Mode:           mode,
		ActiveLow:      p.ActiveLow,
		Enabled:        p.Enabled,
		Desired:        p.State,
		Hardware:       p.HardwareState,
		PWMDuty:        p.PWMDutyCycle,
	}
	if p.LastHardwareRead != nil {
		out.LastHardwareRead = *p.LastHardwareRead
	}
	return out
}

// ToDefinition converts a schedule entry to the engine model.
func (s ScheduleDoc) ToDefinition() schedule.Definition {
	return schedule.Definition{
		Enabled:          s.Enabled,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		DurationSeconds:  s.DurationSeconds,
		FrequencySeconds: s.FrequencySeconds,
		Name:             s.Name,
		LastRunAt:        s.LastRunAt,
	}
}

// PinKey renders a pin id the way the document keys gpioState.
func PinKey(pinID int) string {
	return strconv.Itoa(pinID)
}

// ParsePinKey parses a gpioState key back to a pin id.
func ParsePinKey(key string) (int, error) {
	id, err := strconv.Atoi(key)
	if err != nil {
		return 0, errors.Wrapf(err, "bad gpioState key %q", key)
	}
	return id, nil
}
