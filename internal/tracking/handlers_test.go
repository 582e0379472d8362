package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"backend-salesrephub/internal/shift"
	"backend-salesrephub/internal/visit"

	"github.com/gofiber/fiber/v2"
	"github.com/pashagolub/pgxmock/v3"
)

type stubTargets struct {
	mu      sync.Mutex
	targets []visit.Target
}

func (s *stubTargets) ListTargets(context.Context, visit.Filter) ([]visit.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]visit.Target(nil), s.targets...), nil
}

func (s *stubTargets) UpdateTarget(context.Context, string, visit.Patch) error { return nil }

func asOperator(c *fiber.Ctx) error {
	c.Locals("operator_id", "op-1")
	return c.Next()
}

func newTestApp(t *testing.T, svc *Service, targets ...visit.Target) (*fiber.App, *shift.Registry) {
	t.Helper()
	reg := shift.NewRegistry(shift.Deps{Targets: &stubTargets{targets: targets}}, shift.Config{
		Location:          time.UTC,
		InitialFixTimeout: 20 * time.Millisecond,
	})
	t.Cleanup(reg.Close)
	app := fiber.New()
	RegisterRoutes(app.Group("/tracking"), svc, reg, asOperator)
	return app, reg
}

func postJSON(t *testing.T, app *fiber.App, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	return resp
}

func shopToday(id string) visit.Target {
	return visit.Target{
		ID:            id,
		OperatorID:    "op-1",
		Name:          "Shop " + id,
		Lat:           24.8700,
		Lng:           67.0100,
		ScheduledDate: time.Now().UTC(),
		Status:        visit.StatusPending,
	}
}

func TestTrackingHandlersShiftFlow(t *testing.T) {
	app, reg := newTestApp(t, NewService(nil, nil), shopToday("t-1"))

	resp := postJSON(t, app, "/tracking/positions", `{"lat":24.86,"lng":67.01,"accuracy_m":5}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("position status %d", resp.StatusCode)
	}

	resp = postJSON(t, app, "/tracking/session/start", `{"value":1000}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d", resp.StatusCode)
	}
	var session shift.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.Status != shift.StatusTracking || session.StartingOdometer != 1000 {
		t.Fatalf("unexpected session: %+v", session)
	}

	resp = postJSON(t, app, "/tracking/session/start", `{"value":1000}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start should conflict, got %d", resp.StatusCode)
	}

	resp = postJSON(t, app, "/tracking/visits/t-1/complete", `{"visited_area_image":"shop.jpg","comments":"ok"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d", resp.StatusCode)
	}
	var target visit.Target
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		t.Fatalf("decode target: %v", err)
	}
	if target.Status != visit.StatusCompleted || len(target.EvidenceImages) != 1 {
		t.Fatalf("unexpected target: %+v", target)
	}

	m, _ := reg.Lookup("op-1")
	m.Drain()
	if got := m.Snapshot().Session.Status; got != shift.StatusShiftEnding {
		t.Fatalf("expected shift_ending, got %s", got)
	}

	resp = postJSON(t, app, "/tracking/session/end", `{"value":990}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("lower ending reading should be rejected, got %d", resp.StatusCode)
	}

	resp = postJSON(t, app, "/tracking/session/end", `{"image":"end.jpg","value":1012}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodGet, "/tracking/session", nil)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: %v", err)
	}
	var snap shift.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Session.Status != shift.StatusClosed || snap.Distance.Km != 12 || !snap.Distance.Actual {
		t.Fatalf("unexpected snapshot: %+v", snap.Session)
	}
}

func TestTrackingHandlersPositionErrors(t *testing.T) {
	app, reg := newTestApp(t, NewService(nil, nil))

	resp := postJSON(t, app, "/tracking/positions", `{"lat":120,"lng":67.01}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}

	reg.Feed("op-1").SetAvailable(false)
	resp = postJSON(t, app, "/tracking/positions", `{"lat":24.86,"lng":67.01}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	resp = postJSON(t, app, "/tracking/positions", `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersAvailability(t *testing.T) {
	app, reg := newTestApp(t, NewService(nil, nil), shopToday("t-1"))

	req := httptest.NewRequest(http.MethodPut, "/tracking/positions/availability", bytes.NewReader([]byte(`{"available":false}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusNoContent {
		t.Fatalf("availability: %v", err)
	}
	if reg.Feed("op-1").Available() {
		t.Fatalf("feed should be unavailable")
	}

	resp = postJSON(t, app, "/tracking/session/start", `{"value":1000}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("start without location should be 503, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersStartValidation(t *testing.T) {
	app, _ := newTestApp(t, NewService(nil, nil))

	resp := postJSON(t, app, "/tracking/session/start", `{"value":1000}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("start with no visits should be 422, got %d", resp.StatusCode)
	}

	resp = postJSON(t, app, "/tracking/session/start", `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersCompleteOutsideShift(t *testing.T) {
	app, _ := newTestApp(t, NewService(nil, nil), shopToday("t-1"))

	resp := postJSON(t, app, "/tracking/visits/t-1/complete", `{"evidence_images":["a.jpg"]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersRefreshAndResume(t *testing.T) {
	app, _ := newTestApp(t, NewService(nil, nil), shopToday("t-1"))

	resp := postJSON(t, app, "/tracking/targets/refresh", ``)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}

	resp = postJSON(t, app, "/tracking/session/resume", ``)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("resume without session store should be 502, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersRequireOperator(t *testing.T) {
	reg := shift.NewRegistry(shift.Deps{}, shift.Config{})
	t.Cleanup(reg.Close)
	app := fiber.New()
	RegisterRoutes(app.Group("/tracking"), NewService(nil, nil), reg, func(c *fiber.Ctx) error { return c.Next() })

	req := httptest.NewRequest(http.MethodGet, "/tracking/session", nil)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}

func TestTrackingHandlersSummaryPoints(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT id, status, started_at, ended_at`).
		WithArgs("sess-1", "op-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "started_at", "ended_at", "dist", "start", "end"}).
			AddRow("sess-1", StatusActive, time.Now().Add(-time.Minute), nil, 100.0, 1000.0, nil))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM track_points`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`FROM track_points WHERE session_id`).
		WithArgs("sess-1", "op-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "operator_id", "lat", "lng", "accuracy_m", "recorded_at", "created_at"}).
			AddRow(int64(1), "sess-1", "op-1", 24.86, 67.01, 5.0, time.Now(), time.Now()))

	app, _ := newTestApp(t, NewService(mock, nil))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/tracking/sessions/sess-1/summary", nil))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status: %v", err)
	}
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/tracking/sessions/sess-1/points", nil))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("points status: %v", err)
	}
}

func TestTrackingHandlersScopeSessionsToOperator(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT id, status, started_at, ended_at`).
		WithArgs("sess-1", "op-2").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "started_at", "ended_at", "dist", "start", "end"}))
	mock.ExpectQuery(`FROM track_points WHERE session_id`).
		WithArgs("sess-1", "op-2").
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "operator_id", "lat", "lng", "accuracy_m", "recorded_at", "created_at"}))

	reg := shift.NewRegistry(shift.Deps{}, shift.Config{Location: time.UTC})
	t.Cleanup(reg.Close)
	app := fiber.New()
	RegisterRoutes(app.Group("/tracking"), NewService(mock, nil), reg, func(c *fiber.Ctx) error {
		c.Locals("operator_id", "op-2")
		return c.Next()
	})

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/tracking/sessions/sess-1/summary", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another operator's session, got %d", resp.StatusCode)
	}
	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/tracking/sessions/sess-1/points", nil))
	var points []TrackPoint
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil || len(points) != 0 {
		t.Fatalf("expected no points for another operator, got %v %v", points, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTrackingHandlersSummaryErrors(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT id, status, started_at, ended_at`).
		WithArgs("missing", "op-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "started_at", "ended_at", "dist", "start", "end"}))
	mock.ExpectQuery(`SELECT id, status, started_at, ended_at`).
		WithArgs("broken", "op-1").
		WillReturnError(errTrack)
	mock.ExpectQuery(`FROM track_points WHERE session_id`).
		WithArgs("broken", "op-1").
		WillReturnError(errTrack)

	app, _ := newTestApp(t, NewService(mock, nil))

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/tracking/sessions/missing/summary", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/tracking/sessions/broken/summary", nil))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	resp, _ = app.Test(httptest.NewRequest(http.MethodGet, "/tracking/sessions/broken/points", nil))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}
