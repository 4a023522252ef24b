package docstore

import (
	"context"
	"sort"
	"time"
)

// HardwareReport is one pin's observed state for the batched slow push.
type HardwareReport struct {
	State    bool
	Mismatch bool
	ReadAt   time.Time
}

// Store is the device's contract with the remote document database. All
// writes address normative document fields; the implementations translate to
// their own update syntax.
type Store interface {
	// ReadDevice fetches the whole device document.
	ReadDevice(ctx context.Context) (*Device, error)

	// UpdatePin applies field updates to one pin's gpioState entry. Keys are
	// document field names ("state", "hardwareState", "mismatch",
	// "pwmDutyCycle", "lastHardwareRead", "name", "default_name",
	// "name_customized").
	UpdatePin(ctx context.Context, pinID int, fields map[string]interface{}) error

	// PushHardware batches every pin's hardware observation into a single
	// document update, stamped with a liveness marker.
	PushHardware(ctx context.Context, reports map[int]HardwareReport, heartbeat bool) error

	// SetStatus records online/offline presence.
	SetStatus(ctx context.Context, status string) error

	// RecordEmergencyStop stamps lastEmergencyStop and forces state=false,
	// pwmDutyCycle=0 on every listed pin in one write.
	RecordEmergencyStop(ctx context.Context, at time.Time, pinIDs []int) error

	// SetScheduleLastRun stamps a schedule's last_run_at.
	SetScheduleLastRun(ctx context.Context, pinID int, scheduleID string, at time.Time) error

	// Watch streams typed diff events for the device document, diffed against
	// baseline. The channel closes when ctx ends.
	Watch(ctx context.Context, baseline *Device) (<-chan Event, error)

	// WatchCommands streams pending and newly created commands for the device.
	WatchCommands(ctx context.Context) (<-chan Command, error)

	// DeleteCommand removes a completed command document.
	DeleteCommand(ctx context.Context, id string) error

	// Close releases the connection.
	Close(ctx context.Context) error
}

// Event is a typed document change. Exactly one of the concrete types below.
type Event interface {
	isEvent()
}

// PinUpserted reports a pin added to or modified in the document. Added
// distinguishes hot-init from field diffs.
type PinUpserted struct {
	Pin   PinDoc
	Added bool
}

// PinRemoved reports a pin no longer mentioned by the document.
type PinRemoved struct {
	PinID int
}

// ScheduleUpserted reports a schedule added or modified under a pin.
type ScheduleUpserted struct {
	PinID      int
	ScheduleID string
	Def        ScheduleDoc
}

// ScheduleRemoved reports a schedule deleted from a pin.
type ScheduleRemoved struct {
	PinID      int
	ScheduleID string
}

// IntervalsChanged reports a new config.intervals mapping.
type IntervalsChanged struct {
	Intervals map[string]int
}

// WatchError reports a transient watcher failure; the watcher reconnects by
// itself, this is informational.
type WatchError struct {
	Err error
}

func (PinUpserted) isEvent()      {}
func (PinRemoved) isEvent()       {}
func (ScheduleUpserted) isEvent() {}
func (ScheduleRemoved) isEvent()  {}
func (IntervalsChanged) isEvent() {}
func (WatchError) isEvent()       {}

// pinDocEqualIgnoringReported compares the desired-state half of two pin
// entries. Reported fields (hardwareState, mismatch, lastHardwareRead) and
// schedule bodies are excluded; the device itself writes those.
func pinDocEqualIgnoringReported(a, b PinDoc) bool {
	return a.Pin == b.Pin &&
		a.Name == b.Name &&
		a.DefaultName == b.DefaultName &&
		a.NameCustomized == b.NameCustomized &&
		a.Mode == b.Mode &&
		a.ActiveLow == b.ActiveLow &&
		a.Enabled == b.Enabled &&
		a.State == b.State &&
		a.PWMDutyCycle == b.PWMDutyCycle
}

func scheduleDocEqual(a, b ScheduleDoc) bool {
	return a.Enabled == b.Enabled &&
		a.StartTime == b.StartTime &&
		a.EndTime == b.EndTime &&
		a.DurationSeconds == b.DurationSeconds &&
		a.FrequencySeconds == b.FrequencySeconds &&
		a.Name == b.Name
}

func intervalsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// DiffDevices computes the typed events that turn old into new. Pins sort by
// key so event order is deterministic.
func DiffDevices(old, updated *Device) []Event {
	var events []Event
	var oldPins, newPins map[string]PinDoc
	if old != nil {
		oldPins = old.GPIOState
	}
	if updated != nil {
		newPins = updated.GPIOState
	}

	keys := make([]string, 0, len(newPins))
	for key := range newPins {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		newPin := newPins[key]
		oldPin, existed := oldPins[key]
		if !existed {
			events = append(events, PinUpserted{Pin: newPin, Added: true})
			for schedID, def := range newPin.Schedules {
				events = append(events, ScheduleUpserted{PinID: newPin.Pin, ScheduleID: schedID, Def: def})
			}
			continue
		}
		if !pinDocEqualIgnoringReported(oldPin, newPin) {
			events = append(events, PinUpserted{Pin: newPin})
		}
		for schedID, def := range newPin.Schedules {
			oldDef, had := oldPin.Schedules[schedID]
			if !had || !scheduleDocEqual(oldDef, def) {
				events = append(events, ScheduleUpserted{PinID: newPin.Pin, ScheduleID: schedID, Def: def})
			}
		}
		for schedID := range oldPin.Schedules {
			if _, still := newPin.Schedules[schedID]; !still {
				events = append(events, ScheduleRemoved{PinID: newPin.Pin, ScheduleID: schedID})
			}
		}
	}

	removedKeys := make([]string, 0)
	for key := range oldPins {
		if _, still := newPins[key]; !still {
			removedKeys = append(removedKeys, key)
		}
	}
	sort.Strings(removedKeys)
	for _, key := range removedKeys {
		events = append(events, PinRemoved{PinID: oldPins[key].Pin})
	}

	var oldIntervals, newIntervals map[string]int
	if old != nil {
		oldIntervals = old.Config.Intervals
	}
	if updated != nil {
		newIntervals = updated.Config.Intervals
	}
	if len(newIntervals) > 0 && !intervalsEqual(oldIntervals, newIntervals) {
		events = append(events, IntervalsChanged{Intervals: newIntervals})
	}

	return events
}
