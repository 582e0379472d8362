// Package proximity raises one arrival event per visit target per session
// when a position sample falls inside the target's geofence.
package proximity

import (
	"log/slog"
	"time"

	"backend-salesrephub/internal/shared/geo"
	"backend-salesrephub/internal/visit"
)

// DefaultRadiusM is the geofence radius around a visit target.
const DefaultRadiusM = 100.0

type Event struct {
	TargetID  string    `json:"target_id"`
	SessionID string    `json:"session_id"`
	DistanceM float64   `json:"distance_m"`
	FiredAt   time.Time `json:"fired_at"`
}

// Engine only reads targets. Its sole state is the fired set for the
// current session.
type Engine struct {
	radiusM   float64
	sessionID string
	fired     map[string]struct{}
	log       *slog.Logger
}

func NewEngine(radiusM float64, log *slog.Logger) *Engine {
	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{radiusM: radiusM, fired: map[string]struct{}{}, log: log}
}

func (e *Engine) RadiusM() float64 {
	return e.radiusM
}

// Evaluate returns the targets reached by pos that have not fired yet in
// sessionID, in target order. A new session id clears the fired set.
func (e *Engine) Evaluate(sessionID string, pos geo.Position, targets []visit.Target) []Event {
	if sessionID != e.sessionID {
		e.sessionID = sessionID
		e.fired = map[string]struct{}{}
	}

	var events []Event
	for _, t := range targets {
		if !t.Status.Open() {
			continue
		}
		if _, done := e.fired[t.ID]; done {
			continue
		}
		d, err := geo.Haversine(pos.Point(), geo.Point{Lat: t.Lat, Lng: t.Lng})
		if err != nil {
			e.log.Warn("proximity: skipping target", "target_id", t.ID, "error", err)
			continue
		}
		if d > e.radiusM {
			continue
		}
		e.fired[t.ID] = struct{}{}
		firedAt := pos.Timestamp
		if firedAt.IsZero() {
			firedAt = time.Now()
		}
		events = append(events, Event{TargetID: t.ID, SessionID: sessionID, DistanceM: d, FiredAt: firedAt})
	}
	return events
}

// Fired reports whether targetID already raised an event this session.
func (e *Engine) Fired(targetID string) bool {
	_, ok := e.fired[targetID]
	return ok
}

// Reset clears the fired set; called when a session closes.
func (e *Engine) Reset() {
	e.sessionID = ""
	e.fired = map[string]struct{}{}
}
