package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// MemStore implements Store entirely in memory. It backs tests and --sim
// bring-up without a database; its watch semantics mirror the Mongo
// implementation (every mutation is diffed and fanned out as typed events).
type MemStore struct {
	mu       sync.Mutex
	serial   string
	device   *Device
	commands map[string]Command

	watchers    map[int]chan Event
	cmdWatchers map[int]chan Command
	nextWatcher int

	// op name -> error, for failure injection in tests
	failures map[string]error
}

// NewMemStore returns a store holding a skeleton device document.
func NewMemStore(serial string) *MemStore {
	return &MemStore{
		serial: serial,
		device: &Device{
			Serial:    serial,
			Status:    StatusOffline,
			GPIOState: map[string]PinDoc{},
		},
		commands:    map[string]Command{},
		watchers:    map[int]chan Event{},
		cmdWatchers: map[int]chan Command{},
		failures:    map[string]error{},
	}
}

func copyDevice(dev *Device) *Device {
	if dev == nil {
		return nil
	}
	cp := *dev
	cp.GPIOState = make(map[string]PinDoc, len(dev.GPIOState))
	for key, pinDoc := range dev.GPIOState {
		pinCp := pinDoc
		pinCp.Schedules = make(map[string]ScheduleDoc, len(pinDoc.Schedules))
		for schedID, sched := range pinDoc.Schedules {
			pinCp.Schedules[schedID] = sched
		}
		cp.GPIOState[key] = pinCp
	}
	if dev.Config.Intervals != nil {
		cp.Config.Intervals = make(map[string]int, len(dev.Config.Intervals))
		for k, v := range dev.Config.Intervals {
			cp.Config.Intervals[k] = v
		}
	}
	return &cp
}

// mutate applies fn to the document under the lock, then fans out the diff.
func (s *MemStore) mutate(fn func(dev *Device)) {
	s.mu.Lock()
	old := copyDevice(s.device)
	fn(s.device)
	updated := copyDevice(s.device)
	watchers := make([]chan Event, 0, len(s.watchers))
	for _, ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	events := DiffDevices(old, updated)
	for _, ch := range watchers {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				// mirror the bounded-queue discipline; tests never fill this
			}
		}
	}
}

// SeedDevice replaces the whole document without emitting events; use it to
// stage pre-boot state in tests.
func (s *MemStore) SeedDevice(dev *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = copyDevice(dev)
	s.device.Serial = s.serial
}

// ApplyRemote simulates a cloud-side edit: fn mutates the document and the
// resulting diff reaches every watcher.
func (s *MemStore) ApplyRemote(fn func(dev *Device)) {
	s.mutate(fn)
}

// Device returns a copy of the current document for assertions.
func (s *MemStore) Device() *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyDevice(s.device)
}

// FailWith makes the named Store op ("read", "update", "push", "estop")
// return err until cleared with nil.
func (s *MemStore) FailWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *MemStore) failureFor(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

// ReadDevice implements Store.
func (s *MemStore) ReadDevice(ctx context.Context) (*Device, error) {
	if err := s.failureFor("read"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil, errors.Errorf("no device document for %s", s.serial)
	}
	return copyDevice(s.device), nil
}

// UpdatePin implements Store.
func (s *MemStore) UpdatePin(ctx context.Context, pinID int, fields map[string]interface{}) error {
	if err := s.failureFor("update"); err != nil {
		return err
	}
	s.mutate(func(dev *Device) {
		key := PinKey(pinID)
		pinDoc, ok := dev.GPIOState[key]
		if !ok {
			pinDoc = PinDoc{Pin: pinID}
		}
		for field, value := range fields {
			applyPinField(&pinDoc, field, value)
		}
		dev.GPIOState[key] = pinDoc
	})
	return nil
}

func applyPinField(pinDoc *PinDoc, field string, value interface{}) {
	switch field {
	case "state":
		pinDoc.State, _ = value.(bool)
	case "hardwareState":
		pinDoc.HardwareState, _ = value.(bool)
	case "mismatch":
		pinDoc.Mismatch, _ = value.(bool)
	case "enabled":
		pinDoc.Enabled, _ = value.(bool)
	case "pwmDutyCycle":
		if duty, ok := value.(int); ok {
			pinDoc.PWMDutyCycle = duty
		}
	case "lastHardwareRead":
		if t, ok := value.(time.Time); ok {
			pinDoc.LastHardwareRead = &t
		}
	case "name":
		pinDoc.Name, _ = value.(string)
	case "default_name":
		pinDoc.DefaultName, _ = value.(string)
	case "name_customized":
		pinDoc.NameCustomized, _ = value.(bool)
	case "mode":
		pinDoc.Mode, _ = value.(string)
	case "active_low":
		pinDoc.ActiveLow, _ = value.(bool)
	}
}

// PushHardware implements Store.
func (s *MemStore) PushHardware(ctx context.Context, reports map[int]HardwareReport, heartbeat bool) error {
	if err := s.failureFor("push"); err != nil {
		return err
	}
	s.mutate(func(dev *Device) {
		for pinID, report := range reports {
			key := PinKey(pinID)
			pinDoc, ok := dev.GPIOState[key]
			if !ok {
				continue
			}
			pinDoc.HardwareState = report.State
			pinDoc.Mismatch = report.Mismatch
			readAt := report.ReadAt
			pinDoc.LastHardwareRead = &readAt
			dev.GPIOState[key] = pinDoc
		}
		if heartbeat {
			dev.Status = StatusOnline
			dev.LastHeartbeat = time.Now()
		}
	})
	return nil
}

// SetStatus implements Store.
func (s *MemStore) SetStatus(ctx context.Context, status string) error {
	s.mutate(func(dev *Device) {
		dev.Status = status
		if status == StatusOnline {
			dev.LastHeartbeat = time.Now()
		}
	})
	return nil
}

// RecordEmergencyStop implements Store.
func (s *MemStore) RecordEmergencyStop(ctx context.Context, at time.Time, pinIDs []int) error {
	if err := s.failureFor("estop"); err != nil {
		return err
	}
	s.mutate(func(dev *Device) {
		stamp := at
		dev.LastEmergencyStop = &stamp
		for _, pinID := range pinIDs {
			key := PinKey(pinID)
			pinDoc, ok := dev.GPIOState[key]
			if !ok {
				continue
			}
			pinDoc.State = false
			pinDoc.HardwareState = false
			pinDoc.PWMDutyCycle = 0
			dev.GPIOState[key] = pinDoc
		}
	})
	return nil
}

// SetScheduleLastRun implements Store.
func (s *MemStore) SetScheduleLastRun(ctx context.Context, pinID int, scheduleID string, at time.Time) error {
	s.mutate(func(dev *Device) {
		key := PinKey(pinID)
		pinDoc, ok := dev.GPIOState[key]
		if !ok {
			return
		}
		sched, ok := pinDoc.Schedules[scheduleID]
		if !ok {
			return
		}
		stamp := at
		sched.LastRunAt = &stamp
		pinDoc.Schedules[scheduleID] = sched
		dev.GPIOState[key] = pinDoc
	})
	return nil
}

// Watch implements Store.
func (s *MemStore) Watch(ctx context.Context, baseline *Device) (<-chan Event, error) {
	ch := make(chan Event, 64)
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	s.mu.Unlock()

	goutils.PanicCapturingGo(func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		close(ch)
	})
	return ch, nil
}

// WatchCommands implements Store.
func (s *MemStore) WatchCommands(ctx context.Context) (<-chan Command, error) {
	ch := make(chan Command, 64)
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.cmdWatchers[id] = ch
	pending := make([]Command, 0, len(s.commands))
	for _, cmd := range s.commands {
		pending = append(pending, cmd)
	}
	s.mu.Unlock()

	for _, cmd := range pending {
		ch <- cmd
	}

	goutils.PanicCapturingGo(func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.cmdWatchers, id)
		s.mu.Unlock()
		close(ch)
	})
	return ch, nil
}

// AddCommand simulates the cloud queuing a command.
func (s *MemStore) AddCommand(cmd Command) {
	s.mu.Lock()
	cmd.Serial = s.serial
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	s.commands[cmd.ID] = cmd
	watchers := make([]chan Command, 0, len(s.cmdWatchers))
	for _, ch := range s.cmdWatchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- cmd:
		default:
		}
	}
}

// PendingCommands returns the ids of commands not yet deleted.
func (s *MemStore) PendingCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.commands))
	for id := range s.commands {
		ids = append(ids, id)
	}
	return ids
}

// DeleteCommand implements Store.
func (s *MemStore) DeleteCommand(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands, id)
	return nil
}

// Close implements Store.
func (s *MemStore) Close(ctx context.Context) error {
	return nil
}
