package fileio

import "fmt"

// MonitorEventType identifies the kind of change a monitor observed.
type MonitorEventType int

const (
	EventCreated MonitorEventType = iota + 1
	EventChanged
	EventDeleted
	EventRenamed
)

func (t MonitorEventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventChanged:
		return "changed"
	case EventDeleted:
		return "deleted"
	case EventRenamed:
		return "renamed"
	default:
		return fmt.Sprintf("MonitorEventType(%d)", int(t))
	}
}

// MonitorEvent is a low-level change notification. File is the affected
// entry; for EventRenamed it is the old location and Other is the new one.
type MonitorEvent struct {
	Type  MonitorEventType
	File  File
	Other File
}

func (e MonitorEvent) String() string {
	if e.Type == EventRenamed && e.Other != nil {
		return fmt.Sprintf("%s %s -> %s", e.Type, e.File.URI(), e.Other.URI())
	}
	return fmt.Sprintf("%s %s", e.Type, e.File.URI())
}

// Monitor is a source of change events for the direct children of one
// directory. Events are delivered in the order they were observed.
//
// A value on Errors means the monitor has failed and will deliver nothing
// more. Events is closed when the monitor stops, whether through Close,
// cancellation of the context it was opened with, or failure.
type Monitor interface {
	Events() <-chan MonitorEvent
	Errors() <-chan error
	Close() error
}
