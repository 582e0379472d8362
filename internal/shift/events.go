package shift

import (
	"time"

	"backend-salesrephub/internal/proximity"
	"backend-salesrephub/internal/shared/geo"
)

type EventKind string

const (
	EventSessionStarted  EventKind = "session_started"
	EventSessionResumed  EventKind = "session_resumed"
	EventTargetActivated EventKind = "target_activated"
	EventTargetReached   EventKind = "target_reached"
	EventVisitCompleted  EventKind = "visit_completed"
	EventShiftEnding     EventKind = "shift_ending"
	EventSessionClosed   EventKind = "session_closed"
	EventForceClosed     EventKind = "session_force_closed"
	EventPaused          EventKind = "paused"
	EventPosition        EventKind = "position"
	EventWarning         EventKind = "warning"
)

// Event is a typed notification emitted by a Machine.
type Event struct {
	Kind       EventKind        `json:"kind"`
	OperatorID string           `json:"operator_id"`
	SessionID  string           `json:"session_id,omitempty"`
	TargetID   string           `json:"target_id,omitempty"`
	Status     Status           `json:"status"`
	At         time.Time        `json:"at"`
	Proximity  *proximity.Event `json:"proximity,omitempty"`
	Position   *geo.Position    `json:"position,omitempty"`
	Leg        *Leg             `json:"leg,omitempty"`
	Distance   *Distance        `json:"distance,omitempty"`
	Message    string           `json:"message,omitempty"`
}
