package arbor

import (
	"fmt"

	"golang.org/x/exp/slices"
)

type EventType int

const (
	EventNodeAdded EventType = 1 << iota
	EventNodeRemoved
	EventPropertyAdded
	EventPropertyChanged
	EventPropertyRemoved
)

const EventAll = EventNodeAdded | EventNodeRemoved |
	EventPropertyAdded | EventPropertyChanged | EventPropertyRemoved

func (self EventType) String() string {
	switch self {
	case EventNodeAdded:
		return "nodeAdded"
	case EventNodeRemoved:
		return "nodeRemoved"
	case EventPropertyAdded:
		return "propertyAdded"
	case EventPropertyChanged:
		return "propertyChanged"
	case EventPropertyRemoved:
		return "propertyRemoved"
	default:
		return fmt.Sprintf("eventType(%d)", int(self))
	}
}

// bit mask over event types, used when subscribing
type EventMask = EventType

// one confirmed change, produced only by the repository service
type Event struct {
	Type     EventType `json:"type"`
	ItemId   ItemId    `json:"item_id"`
	ParentId Id        `json:"parent_id,omitempty"`
}

func (self Event) String() string {
	return fmt.Sprintf("%s(%s)", self.Type, self.ItemId)
}

// EventSequence is a finite, restartable sequence of events. Listeners
// may be handed the same sequence multiple times and each pass observes
// the same order.
type EventSequence []Event

func (self EventSequence) Clone() EventSequence {
	return slices.Clone(self)
}

// callback invoked on every reconciled event batch.
// `local` is true iff the batch was produced by a submission of this
// workspace manager.
type EventFunction func(events EventSequence, local bool)
