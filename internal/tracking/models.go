package tracking

import "time"

const (
	StatusActive      = "active"
	StatusClosed      = "closed"
	StatusForceClosed = "force_closed"
)

// TrackPoint is one persisted location push.
type TrackPoint struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	OperatorID string    `json:"operator_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	RecordedAt time.Time `json:"recorded_at"`
	CreatedAt  time.Time `json:"created_at"`
}

type Summary struct {
	SessionID     string     `json:"session_id"`
	Status        string     `json:"status"`
	PointCount    int        `json:"point_count"`
	DistanceM     float64    `json:"distance_m"`
	OdometerKm    *float64   `json:"odometer_km,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	DurationSec   int64      `json:"duration_sec"`
	AverageSpeedM float64    `json:"average_speed_mps"`
}

type positionRequest struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	AccuracyM float64   `json:"accuracy_m"`
	Timestamp time.Time `json:"timestamp"`
}

type completeRequest struct {
	EvidenceImages   []string `json:"evidence_images"`
	VisitedAreaImage string   `json:"visited_area_image"`
	Comments         string   `json:"comments"`
}
