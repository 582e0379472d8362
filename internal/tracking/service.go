package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"backend-salesrephub/internal/db"
	"backend-salesrephub/internal/shared/geo"
	"backend-salesrephub/internal/shift"

	"github.com/jackc/pgx/v5"
)

var ErrSessionNotFound = errors.New("tracking session not found")

// Broadcaster fans a payload out to everyone watching an operator.
type Broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// Service persists shifts and their location trail. It is the backend side
// of shift.SessionStore and shift.LocationPusher.
type Service struct {
	db  db.Querier
	hub Broadcaster
}

func NewService(db db.Querier, hub Broadcaster) *Service {
	return &Service{db: db, hub: hub}
}

// StartSession inserts the session under the id the machine generated.
// Replaying the same insert is a no-op.
func (s *Service) StartSession(ctx context.Context, session shift.Session) (string, error) {
	var lat, lng *float64
	if session.StartPosition != nil {
		lat, lng = &session.StartPosition.Lat, &session.StartPosition.Lng
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now()
	}

	var id string
	row := s.db.QueryRow(ctx, `
		INSERT INTO track_sessions (id, operator_id, status, starting_odometer, start_image, start_location, started_at)
		VALUES ($1,$2,$3,$4,$5,
		        CASE WHEN $6::float8 IS NULL THEN NULL ELSE ST_SetSRID(ST_MakePoint($6,$7), 4326)::geography END,
		        $8)
		ON CONFLICT (id) DO UPDATE SET operator_id = EXCLUDED.operator_id
		RETURNING id
	`, session.ID, session.OperatorID, StatusActive, session.StartingOdometer, session.StartImage, lng, lat, session.StartTime)
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) StopSession(ctx context.Context, rec shift.StopRecord) error {
	status := StatusClosed
	if rec.Forced {
		status = StatusForceClosed
	}
	var lat, lng *float64
	if rec.Position != nil {
		lat, lng = &rec.Position.Lat, &rec.Position.Lng
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE track_sessions
		SET status=$2, ending_odometer=$3, end_image=$4, ended_at=$5,
		    end_location = CASE WHEN $6::float8 IS NULL THEN end_location ELSE ST_SetSRID(ST_MakePoint($6,$7), 4326)::geography END
		WHERE id=$1
	`, rec.SessionID, status, rec.EndingOdometer, rec.EndImage, rec.EndTime, lng, lat)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ActiveSession returns the operator's open session, or nil when there is none.
func (s *Service) ActiveSession(ctx context.Context, operatorID string) (*shift.Session, error) {
	var (
		session  shift.Session
		lat, lng *float64
	)
	row := s.db.QueryRow(ctx, `
		SELECT id, starting_odometer, COALESCE(start_image, ''), started_at,
		       ST_Y(start_location::geometry), ST_X(start_location::geometry)
		FROM track_sessions
		WHERE operator_id=$1 AND status=$2
		ORDER BY started_at DESC
		LIMIT 1
	`, operatorID, StatusActive)
	err := row.Scan(&session.ID, &session.StartingOdometer, &session.StartImage, &session.StartTime, &lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.OperatorID = operatorID
	session.CurrentOdometer = session.StartingOdometer
	if lat != nil && lng != nil {
		session.StartPosition = &geo.Point{Lat: *lat, Lng: *lng}
	}
	return &session, nil
}

// OpenSessionOperators lists operators with a session still open on the
// backend, for resuming after a restart.
func (s *Service) OpenSessionOperators(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT operator_id FROM track_sessions WHERE status=$1 ORDER BY operator_id
	`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PushLocation stores a throttled fix and relays it to live viewers.
func (s *Service) PushLocation(ctx context.Context, operatorID, sessionID string, pos geo.Position) error {
	point, err := s.AddPoint(ctx, sessionID, TrackPoint{
		OperatorID: operatorID,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		AccuracyM:  pos.AccuracyM,
		RecordedAt: pos.Timestamp,
	})
	if err != nil {
		return err
	}
	if s.hub != nil {
		payload, _ := json.Marshal(struct {
			Kind  string     `json:"kind"`
			Point TrackPoint `json:"point"`
		}{Kind: "location", Point: point})
		s.hub.Broadcast(operatorID, payload)
	}
	return nil
}

func (s *Service) AddPoint(ctx context.Context, sessionID string, input TrackPoint) (TrackPoint, error) {
	if input.RecordedAt.IsZero() {
		input.RecordedAt = time.Now()
	}

	var lastLat, lastLng float64
	hasLast := s.db.QueryRow(ctx, `
		SELECT ST_Y(location::geometry), ST_X(location::geometry)
		FROM track_points
		WHERE session_id=$1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, sessionID).Scan(&lastLat, &lastLng) == nil

	row := s.db.QueryRow(ctx, `
		INSERT INTO track_points (session_id, operator_id, location, accuracy_m, recorded_at)
		VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3,$4), 4326)::geography, $5, $6)
		RETURNING id, created_at
	`, sessionID, input.OperatorID, input.Lng, input.Lat, input.AccuracyM, input.RecordedAt)
	if err := row.Scan(&input.ID, &input.CreatedAt); err != nil {
		return TrackPoint{}, err
	}
	input.SessionID = sessionID

	if hasLast {
		if km, err := geo.HaversineKm(lastLat, lastLng, input.Lat, input.Lng); err == nil {
			_, _ = s.db.Exec(ctx, `
				UPDATE track_sessions
				SET total_distance_m = COALESCE(total_distance_m,0) + $2
				WHERE id=$1
			`, sessionID, km*1000)
		}
	}
	return input, nil
}

func (s *Service) Summary(ctx context.Context, operatorID, sessionID string) (Summary, error) {
	var (
		sum      Summary
		starting float64
		ending   *float64
	)
	row := s.db.QueryRow(ctx, `
		SELECT id, status, started_at, ended_at, COALESCE(total_distance_m,0), starting_odometer, ending_odometer
		FROM track_sessions WHERE id=$1 AND operator_id=$2
	`, sessionID, operatorID)
	if err := row.Scan(&sum.SessionID, &sum.Status, &sum.StartedAt, &sum.EndedAt, &sum.DistanceM, &starting, &ending); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrSessionNotFound
		}
		return Summary{}, err
	}

	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM track_points WHERE session_id=$1`, sessionID).Scan(&sum.PointCount); err != nil {
		return Summary{}, err
	}

	if ending != nil {
		km := max(0, *ending-starting)
		sum.OdometerKm = &km
	}
	duration := time.Since(sum.StartedAt)
	if sum.EndedAt != nil {
		duration = sum.EndedAt.Sub(sum.StartedAt)
	}
	sum.DurationSec = int64(duration.Seconds())
	if duration.Seconds() > 0 {
		sum.AverageSpeedM = sum.DistanceM / duration.Seconds()
	}
	return sum, nil
}

func (s *Service) Points(ctx context.Context, operatorID, sessionID string) ([]TrackPoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, operator_id, ST_Y(location::geometry), ST_X(location::geometry), COALESCE(accuracy_m,0), recorded_at, created_at
		FROM track_points WHERE session_id=$1 AND operator_id=$2
		ORDER BY recorded_at
	`, sessionID, operatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TrackPoint
	for rows.Next() {
		var p TrackPoint
		if err := rows.Scan(&p.ID, &p.SessionID, &p.OperatorID, &p.Lat, &p.Lng, &p.AccuracyM, &p.RecordedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}
