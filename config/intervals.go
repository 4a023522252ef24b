// Package config serves the dynamic tuning intervals: document values first,
// then the local cache file, then hard defaults. Values update live; every
// loop re-reads its interval each tick.
package config

import (
	"time"
)

// The recognised interval keys. Field names are normative; the document's
// config.intervals mapping uses the same strings.
const (
	KeyHeartbeat      = "heartbeat_interval_s"
	KeyHardwareSync   = "hardware_state_sync_interval_s"
	KeyLocalRead      = "local_hardware_read_interval_s"
	KeyWindowRecheck  = "window_recheck_interval_s"
	KeyCommandTimeout = "command_timeout_s"
)

// bound is the hard-coded envelope for one interval, in seconds.
type bound struct {
	def, min, max int
}

var bounds = map[string]bound{
	KeyHeartbeat:      {def: 60, min: 10, max: 3600},
	KeyHardwareSync:   {def: 30, min: 5, max: 600},
	KeyLocalRead:      {def: 5, min: 1, max: 60},
	KeyWindowRecheck:  {def: 60, min: 10, max: 600},
	KeyCommandTimeout: {def: 10, min: 1, max: 120},
}

// Default returns the hard default for a key, or 0 for unknown keys.
func Default(key string) int {
	return bounds[key].def
}

// Defaults returns the full default mapping.
func Defaults() map[string]int {
	out := make(map[string]int, len(bounds))
	for key, b := range bounds {
		out[key] = b.def
	}
	return out
}

// validate reports whether the value is acceptable for the key.
func validate(key string, seconds int) bool {
	b, ok := bounds[key]
	if !ok {
		return false
	}
	return seconds >= b.min && seconds <= b.max
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
