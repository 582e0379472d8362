package shift

import (
	"context"
	"time"

	"backend-salesrephub/internal/routing"
	"backend-salesrephub/internal/shared/geo"
	"backend-salesrephub/internal/visit"
)

// StopRecord is what the backend needs to close a session.
type StopRecord struct {
	SessionID      string
	OperatorID     string
	EndingOdometer *float64
	EndImage       string
	EndTime        time.Time
	Position       *geo.Point
	// Forced marks a close the operator did not ask for (orphaned session).
	Forced bool
}

// SessionStore persists sessions. The backend enforces one open session per
// operator.
type SessionStore interface {
	StartSession(ctx context.Context, s Session) (string, error)
	StopSession(ctx context.Context, rec StopRecord) error
	// ActiveSession returns nil when the operator has no open session.
	ActiveSession(ctx context.Context, operatorID string) (*Session, error)
}

type TargetStore interface {
	ListTargets(ctx context.Context, filter visit.Filter) ([]visit.Target, error)
	UpdateTarget(ctx context.Context, id string, patch visit.Patch) error
}

type OdometerReader interface {
	Read(ctx context.Context, image string) (float64, error)
}

type LocationPusher interface {
	PushLocation(ctx context.Context, operatorID, sessionID string, pos geo.Position) error
}

type RouteEstimator interface {
	Estimate(ctx context.Context, from, to geo.Point) (routing.Estimate, bool)
}

// Sink receives session events in the order they happened.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}
