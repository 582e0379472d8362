package visit

import (
	"context"
	"time"

	"backend-salesrephub/internal/db"

	"github.com/google/uuid"
)

type Service struct {
	db db.Querier
}

func NewService(db db.Querier) *Service {
	return &Service{db: db}
}

const targetColumns = `id, operator_id, name, address, city, state, postal_code,
		       ST_Y(location::geometry), ST_X(location::geometry), priority, scheduled_date, status,
		       COALESCE(evidence_images, '{}'), COALESCE(comments, ''), COALESCE(starting_odometer, 0),
		       COALESCE(estimated_distance_km, 0), COALESCE(distance_source, ''), completed_at, created_at`

func (s *Service) CreateTarget(ctx context.Context, input Target) (Target, error) {
	input.ID = uuid.NewString()
	if input.Status == "" {
		input.Status = StatusPending
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO visit_targets (id, operator_id, name, address, city, state, postal_code, location, priority, scheduled_date, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7, ST_SetSRID(ST_MakePoint($8,$9), 4326)::geography, $10, $11, $12)
		RETURNING created_at
	`, input.ID, input.OperatorID, input.Name, input.Address, input.City, input.State, input.PostalCode,
		input.Lng, input.Lat, input.Priority, input.ScheduledDate, string(input.Status))
	if err := row.Scan(&input.CreatedAt); err != nil {
		return Target{}, err
	}
	return input, nil
}

func (s *Service) GetTarget(ctx context.Context, id string) (Target, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+targetColumns+`
		FROM visit_targets WHERE id=$1
	`, id)
	return scanTarget(row)
}

// ListTargets returns the operator's targets ordered for routing. A zero
// filter day and an empty status list match everything.
func (s *Service) ListTargets(ctx context.Context, filter Filter) ([]Target, error) {
	var statuses []string
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	var day *time.Time
	if !filter.Day.IsZero() {
		d := filter.Day
		day = &d
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+targetColumns+`
		FROM visit_targets
		WHERE operator_id=$1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		  AND ($3::date IS NULL OR scheduled_date::date = $3::date)
		ORDER BY scheduled_date, priority, created_at
	`, filter.OperatorID, statuses, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// Nearby lists the operator's open targets within radiusKm of (lat, lng),
// closest first.
func (s *Service) Nearby(ctx context.Context, operatorID string, lat, lng, radiusKm float64) ([]Target, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+targetColumns+`
		FROM visit_targets
		WHERE operator_id=$1
		  AND status <> $5
		  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($2,$3), 4326)::geography, $4)
		ORDER BY ST_Distance(location, ST_SetSRID(ST_MakePoint($2,$3), 4326)::geography)
	`, operatorID, lng, lat, radiusKm*1000, string(StatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// UpdateTarget applies the core-owned fields in patch. Status changes go
// through Target.Transition so a completed target stays completed.
func (s *Service) UpdateTarget(ctx context.Context, id string, patch Patch) error {
	t, err := s.GetTarget(ctx, id)
	if err != nil {
		return err
	}
	if patch.Status != "" {
		if err := t.Transition(patch.Status); err != nil {
			return err
		}
		if patch.Status == StatusCompleted && t.CompletedAt.IsZero() {
			t.CompletedAt = time.Now()
		}
	}
	if len(patch.EvidenceImages) > 0 {
		t.EvidenceImages = patch.EvidenceImages
	}
	if patch.Comments != "" {
		t.Comments = patch.Comments
	}
	if patch.StartingOdometer != nil {
		t.StartingOdometer = *patch.StartingOdometer
	}
	if patch.EstimatedDistanceKm != nil {
		t.EstimatedDistanceKm = *patch.EstimatedDistanceKm
	}
	if patch.DistanceSource != "" {
		t.DistanceSource = patch.DistanceSource
	}

	_, err = s.db.Exec(ctx, `
		UPDATE visit_targets
		SET status=$2, evidence_images=$3, comments=$4, starting_odometer=$5,
		    estimated_distance_km=$6, distance_source=$7, completed_at=$8
		WHERE id=$1
	`, t.ID, string(t.Status), t.EvidenceImages, t.Comments, t.StartingOdometer,
		t.EstimatedDistanceKm, t.DistanceSource, nullTime(t.CompletedAt))
	return err
}

func (s *Service) DeleteTarget(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM visit_targets WHERE id=$1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (Target, error) {
	var t Target
	var status string
	var completedAt *time.Time
	if err := row.Scan(&t.ID, &t.OperatorID, &t.Name, &t.Address, &t.City, &t.State, &t.PostalCode,
		&t.Lat, &t.Lng, &t.Priority, &t.ScheduledDate, &status,
		&t.EvidenceImages, &t.Comments, &t.StartingOdometer,
		&t.EstimatedDistanceKm, &t.DistanceSource, &completedAt, &t.CreatedAt); err != nil {
		return Target{}, err
	}
	t.Status = Status(status)
	if completedAt != nil {
		t.CompletedAt = *completedAt
	}
	return t, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
