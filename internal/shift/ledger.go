package shift

import (
	"math"

	"backend-salesrephub/internal/routing"
)

// Leg is the advisory distance recorded for one completed visit.
type Leg struct {
	TargetID         string         `json:"target_id"`
	StartingOdometer float64        `json:"starting_odometer"`
	DistanceKm       float64        `json:"distance_km"`
	Source           routing.Source `json:"source"`
}

// Distance is a shift total. Actual is set only when both odometer readings
// are known; otherwise Km comes from the rolling odometer estimate.
type Distance struct {
	Km     float64 `json:"km"`
	Actual bool    `json:"actual"`
}

func shiftDistance(s Session) Distance {
	if s.EndingOdometer != nil {
		return Distance{Km: math.Max(0, *s.EndingOdometer-s.StartingOdometer), Actual: true}
	}
	return Distance{Km: math.Max(0, s.CurrentOdometer-s.StartingOdometer)}
}

// legDistance picks a leg's distance: a real route estimate first, then the
// estimate already carried on the target, then the straight-line fallback.
func legDistance(est routing.Estimate, ok bool, carriedKm float64, carriedSource string) (float64, routing.Source) {
	if ok && est.Source == routing.SourceRoute {
		return math.Max(0, est.Km), routing.SourceRoute
	}
	if carriedKm > 0 {
		src := routing.Source(carriedSource)
		if src == "" {
			src = routing.SourceCarried
		}
		return carriedKm, src
	}
	if ok {
		return math.Max(0, est.Km), est.Source
	}
	return 0, routing.SourceCarried
}
