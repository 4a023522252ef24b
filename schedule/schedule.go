// Package schedule implements the recurring-job subsystem: time-window
// bounded definitions ingested from the device document, a thread-safe cache
// tagging each definition active or inactive, and one cooperative executor
// per running schedule cycling its pin ON and OFF.
package schedule

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Key identifies a schedule: one pin can carry many schedules.
type Key struct {
	Pin int
	ID  string
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.Pin, k.ID)
}

// Definition is one recurring job as the document describes it. StartTime
// and EndTime are "HH:MM" local time-of-day strings; both empty means the
// schedule is always in-window. DurationSeconds is how long the pin stays ON
// per cycle, FrequencySeconds how long it stays OFF between cycles.
type Definition struct {
	Enabled          bool
	StartTime        string
	EndTime          string
	DurationSeconds  int
	FrequencySeconds int
	Name             string
	LastRunAt        *time.Time
}

// MinOffDuration is the floor applied to the OFF phase to prevent relay
// chatter when the document carries a zero or tiny frequency.
const MinOffDuration = 500 * time.Millisecond

// OnDuration returns the ON phase length.
func (d Definition) OnDuration() time.Duration {
	if d.DurationSeconds < 0 {
		return 0
	}
	return time.Duration(d.DurationSeconds) * time.Second
}

// OffDuration returns the OFF phase length, clamped to MinOffDuration.
func (d Definition) OffDuration() time.Duration {
	off := time.Duration(d.FrequencySeconds) * time.Second
	if off < MinOffDuration {
		return MinOffDuration
	}
	return off
}

// parseClock parses "HH:MM" into minutes since local midnight.
func parseClock(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, errors.Wrapf(err, "bad clock time %q", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, errors.Errorf("clock time %q out of range", s)
	}
	return hh*60 + mm, nil
}

// Validate checks the window strings and cycle lengths.
func (d Definition) Validate() error {
	if (d.StartTime == "") != (d.EndTime == "") {
		return errors.New("startTime and endTime must be set together")
	}
	if d.StartTime != "" {
		if _, err := parseClock(d.StartTime); err != nil {
			return err
		}
		if _, err := parseClock(d.EndTime); err != nil {
			return err
		}
	}
	if d.DurationSeconds < 0 {
		return errors.New("durationSeconds must be >= 0")
	}
	if d.FrequencySeconds < 0 {
		return errors.New("frequencySeconds must be >= 0")
	}
	return nil
}

// InWindow reports whether now's local time-of-day falls inside the
// schedule's window. A window with end < start crosses midnight; both bounds
// are inclusive. A schedule with no window is always in-window.
func (d Definition) InWindow(now time.Time) bool {
	if d.StartTime == "" || d.EndTime == "" {
		return true
	}
	start, err := parseClock(d.StartTime)
	if err != nil {
		return true
	}
	end, err := parseClock(d.EndTime)
	if err != nil {
		return true
	}

	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute <= end
	}
	// crosses midnight, e.g. 22:00-06:00
	return minute >= start || minute <= end
}

// ShouldRun is the executor's continue condition: enabled and in-window.
func (d Definition) ShouldRun(now time.Time) bool {
	return d.Enabled && d.InWindow(now)
}
