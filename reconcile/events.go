package reconcile

import (
	"github.com/verdant-devices/sproutd/docstore"
)

// Source tags who asked for a pin change; override bookkeeping and estop
// gating depend on it.
type Source int

// The event sources.
const (
	// SourceDocument is a desired-state diff from the remote document,
	// carrying user intent.
	SourceDocument Source = iota
	// SourceUser is an explicit command from the command queue or the
	// diagnostics surface.
	SourceUser
	// SourceSchedule is an executor's ON/OFF tick.
	SourceSchedule
	// SourceRepair is the reconciler re-asserting desired state over drift.
	SourceRepair
)

func (s Source) String() string {
	switch s {
	case SourceDocument:
		return "document"
	case SourceUser:
		return "user"
	case SourceSchedule:
		return "schedule"
	case SourceRepair:
		return "repair"
	}
	return "unknown"
}

// event is one message in the reconciler inbox. The worker serialises all
// mutations of the registry and the driver by consuming these one at a time.
type event interface {
	isReconcileEvent()
}

type setStateEvent struct {
	pinID  int
	on     bool
	source Source
	resp   chan error
}

type setPWMEvent struct {
	pinID  int
	duty   int
	source Source
	resp   chan error
}

type pinUpsertEvent struct {
	doc   docstore.PinDoc
	added bool
}

type pinRemoveEvent struct {
	pinID int
}

type readSweepEvent struct {
	resp chan error
}

type estopEvent struct {
	resp chan error
}

func (setStateEvent) isReconcileEvent()  {}
func (setPWMEvent) isReconcileEvent()    {}
func (pinUpsertEvent) isReconcileEvent() {}
func (pinRemoveEvent) isReconcileEvent() {}
func (readSweepEvent) isReconcileEvent() {}
func (estopEvent) isReconcileEvent()     {}
