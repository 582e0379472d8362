package shift

import (
	"time"

	"backend-salesrephub/internal/shared/geo"
	"backend-salesrephub/internal/visit"
)

// Session is one operator shift.
type Session struct {
	ID               string     `json:"id"`
	OperatorID       string     `json:"operator_id"`
	Status           Status     `json:"status"`
	StartingOdometer float64    `json:"starting_odometer"`
	CurrentOdometer  float64    `json:"current_odometer"`
	EndingOdometer   *float64   `json:"ending_odometer,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time,omitempty"`
	StartImage       string     `json:"start_image,omitempty"`
	EndImage         string     `json:"end_image,omitempty"`
	StartPosition    *geo.Point `json:"start_position,omitempty"`
	ActiveTargetID   string     `json:"active_target_id,omitempty"`
	// Paused is set when the session went idle because no visits were left;
	// the backend session stays open until Resume or a new start.
	Paused bool `json:"paused"`
}

// Distance is the shift total so far.
func (s Session) Distance() Distance {
	return shiftDistance(s)
}

func (s Session) clone() Session {
	if s.EndingOdometer != nil {
		v := *s.EndingOdometer
		s.EndingOdometer = &v
	}
	if s.StartPosition != nil {
		p := *s.StartPosition
		s.StartPosition = &p
	}
	return s
}

type Snapshot struct {
	Session   Session        `json:"session"`
	Targets   []visit.Target `json:"targets"`
	LastKnown *geo.Position  `json:"last_known,omitempty"`
	Legs      []Leg          `json:"legs"`
	Distance  Distance       `json:"distance"`
	Watching  bool           `json:"watching"`
}
