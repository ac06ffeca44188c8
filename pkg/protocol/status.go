package protocol

import "fmt"

// TurnStatus is the delivery state of a single turn: sent -> delivered -> evaluated.
type TurnStatus string

// Turn status constants.
const (
	TurnSent      TurnStatus = "sent"      // Appended; the consuming side has not picked it up.
	TurnDelivered TurnStatus = "delivered" // Consuming side has it and has not answered yet.
	TurnEvaluated TurnStatus = "evaluated" // Consuming side produced its terminal response.
)

func (s TurnStatus) rank() int {
	switch s {
	case TurnSent:
		return 1
	case TurnDelivered:
		return 2
	case TurnEvaluated:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known turn status.
func (s TurnStatus) Valid() bool {
	return s.rank() > 0
}

// Before reports whether s comes strictly earlier than other in the status order.
func (s TurnStatus) Before(other TurnStatus) bool {
	return s.rank() < other.rank()
}

// EventStatus is the lifecycle state of an event.
type EventStatus string

// Event status constants.
const (
	EventNew             EventStatus = "new"
	EventActive          EventStatus = "active"
	EventWaitingApproval EventStatus = "waiting_approval"
	EventDeferred        EventStatus = "deferred"
	EventResolved        EventStatus = "resolved"
	EventClosed          EventStatus = "closed"
)

// OpenStatuses lists every status an event can have before it is closed.
var OpenStatuses = []EventStatus{ //nolint:gochecknoglobals // read-only table
	EventNew, EventActive, EventWaitingApproval, EventDeferred, EventResolved,
}

// eventTransitions lists the allowed edges. The only back edges are
// waiting_approval -> active and deferred -> active, and each needs an
// external input: an operator answer or a wake-up.
var eventTransitions = map[EventStatus]map[EventStatus]struct{}{ //nolint:gochecknoglobals // read-only table
	EventNew: {
		EventActive:   {},
		EventDeferred: {},
		EventClosed:   {},
	},
	EventActive: {
		EventWaitingApproval: {},
		EventDeferred:        {},
		EventResolved:        {},
		EventClosed:          {},
	},
	EventWaitingApproval: {
		EventActive: {},
		EventClosed: {},
	},
	EventDeferred: {
		EventActive: {},
		EventClosed: {},
	},
	EventResolved: {
		EventClosed: {},
	},
	EventClosed: {},
}

// ValidateEventStatus returns an error if s is not a known event status.
func ValidateEventStatus(s EventStatus) error {
	if _, ok := eventTransitions[s]; !ok {
		return fmt.Errorf("invalid event status: %q", s)
	}
	return nil
}

// ValidateTransition returns an error unless from -> to is an allowed edge.
// Staying in the same status is always allowed.
func ValidateTransition(from, to EventStatus) error {
	if err := ValidateEventStatus(from); err != nil {
		return err
	}
	if err := ValidateEventStatus(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if _, ok := eventTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Scannable reports whether the event loop looks for unread turns in this status.
func (s EventStatus) Scannable() bool {
	switch s {
	case EventNew, EventActive, EventWaitingApproval:
		return true
	default:
		return false
	}
}

// Open reports whether the event has not reached its terminal state.
func (s EventStatus) Open() bool {
	return s != EventClosed
}
