package visit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Open reports whether a target still needs a visit.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusInProgress
}

var ErrBackwardTransition = errors.New("visit status cannot move backward")

// Target is an assigned visit for an operator. The backend owns it; the
// tracking core keeps a local projection that it may update optimistically.
type Target struct {
	ID                  string    `json:"id"`
	OperatorID          string    `json:"operator_id"`
	Name                string    `json:"name"`
	Address             string    `json:"address"`
	City                string    `json:"city"`
	State               string    `json:"state"`
	PostalCode          string    `json:"postal_code"`
	Lat                 float64   `json:"lat"`
	Lng                 float64   `json:"lng"`
	Priority            int       `json:"priority"`
	ScheduledDate       time.Time `json:"scheduled_date"`
	Status              Status    `json:"status"`
	EvidenceImages      []string  `json:"evidence_images"`
	Comments            string    `json:"comments"`
	StartingOdometer    float64   `json:"starting_odometer"`
	EstimatedDistanceKm float64   `json:"estimated_distance_km"`
	DistanceSource      string    `json:"distance_source,omitempty"`
	CompletedAt         time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// UnmarshalJSON accepts the legacy single visited_area_image field and folds
// it into EvidenceImages.
func (t *Target) UnmarshalJSON(data []byte) error {
	type plain Target
	var aux struct {
		plain
		VisitedAreaImage  string   `json:"visited_area_image"`
		VisitedAreaImages []string `json:"visited_area_images"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Target(aux.plain)
	if len(t.EvidenceImages) == 0 && len(aux.VisitedAreaImages) > 0 {
		t.EvidenceImages = aux.VisitedAreaImages
	}
	if aux.VisitedAreaImage != "" && !containsString(t.EvidenceImages, aux.VisitedAreaImage) {
		t.EvidenceImages = append([]string{aux.VisitedAreaImage}, t.EvidenceImages...)
	}
	return nil
}

// Transition moves the target to next. Completed is terminal.
func (t *Target) Transition(next Status) error {
	if t.Status == next {
		return nil
	}
	switch {
	case t.Status == StatusCompleted:
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, t.Status, next)
	case t.Status == StatusInProgress && next == StatusPending:
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// ScheduledOn reports whether the target is scheduled on the same calendar
// day as day, in day's location.
func (t Target) ScheduledOn(day time.Time) bool {
	if t.ScheduledDate.IsZero() {
		return false
	}
	s := t.ScheduledDate.In(day.Location())
	y1, m1, d1 := s.Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Filter selects targets for listTargets.
type Filter struct {
	OperatorID string
	Statuses   []Status
	Day        time.Time
}

// Patch carries the fields the tracking core updates on a target.
type Patch struct {
	Status              Status   `json:"status,omitempty"`
	EvidenceImages      []string `json:"evidence_images,omitempty"`
	Comments            string   `json:"comments,omitempty"`
	StartingOdometer    *float64 `json:"starting_odometer,omitempty"`
	EstimatedDistanceKm *float64 `json:"estimated_distance_km,omitempty"`
	DistanceSource      string   `json:"distance_source,omitempty"`
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
