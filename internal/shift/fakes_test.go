package shift

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"backend-salesrephub/internal/geosampler"
	"backend-salesrephub/internal/routing"
	"backend-salesrephub/internal/shared/geo"
	"backend-salesrephub/internal/visit"
)

var (
	today  = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	origin = geo.Point{Lat: 24.8600, Lng: 67.0100}
)

// target places a visit dLat degrees north of origin. 0.00045 is about 50 m.
func target(id string, dLat float64, day time.Time, status visit.Status) visit.Target {
	return visit.Target{
		ID:            id,
		OperatorID:    "op-1",
		Name:          id,
		Lat:           origin.Lat + dLat,
		Lng:           origin.Lng,
		ScheduledDate: day,
		Status:        status,
	}
}

func at(p geo.Point, ts time.Time) geo.Position {
	return geo.Position{Lat: p.Lat, Lng: p.Lng, AccuracyM: 5, Timestamp: ts}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSessions struct {
	mu        sync.Mutex
	started   []Session
	stopped   []StopRecord
	active    *Session
	startErr  error
	activeErr error
}

func (f *fakeSessions) StartSession(_ context.Context, s Session) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, s)
	return s.ID, nil
}

func (f *fakeSessions) StopSession(_ context.Context, rec StopRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, rec)
	return nil
}

func (f *fakeSessions) ActiveSession(context.Context, string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	if f.active == nil {
		return nil, nil
	}
	s := *f.active
	return &s, nil
}

func (f *fakeSessions) setStartErr(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *fakeSessions) snapshot() ([]Session, []StopRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Session(nil), f.started...), append([]StopRecord(nil), f.stopped...)
}

type patchCall struct {
	id    string
	patch visit.Patch
}

type fakeTargets struct {
	mu        sync.Mutex
	list      []visit.Target
	listErr   error
	updateErr error
	patches   []patchCall
}

func (f *fakeTargets) ListTargets(context.Context, visit.Filter) ([]visit.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]visit.Target(nil), f.list...), nil
}

func (f *fakeTargets) UpdateTarget(_ context.Context, id string, patch visit.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.patches = append(f.patches, patchCall{id: id, patch: patch})
	return nil
}

func (f *fakeTargets) set(list ...visit.Target) {
	f.mu.Lock()
	f.list = list
	f.mu.Unlock()
}

func (f *fakeTargets) patchesFor(id string) []visit.Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []visit.Patch
	for _, p := range f.patches {
		if p.id == id {
			out = append(out, p.patch)
		}
	}
	return out
}

type fakeOdometer struct {
	readFn func(ctx context.Context, image string) (float64, error)
}

func (f *fakeOdometer) Read(ctx context.Context, image string) (float64, error) {
	if f.readFn == nil {
		return 0, fmt.Errorf("no reading configured")
	}
	return f.readFn(ctx, image)
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []geo.Position
	err    error
}

func (f *fakePusher) PushLocation(_ context.Context, _, _ string, pos geo.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, pos)
	return nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

type fakeRoutes struct {
	mu         sync.Mutex
	estimateFn func(ctx context.Context, from, to geo.Point) (routing.Estimate, bool)
}

func (f *fakeRoutes) Estimate(ctx context.Context, from, to geo.Point) (routing.Estimate, bool) {
	f.mu.Lock()
	fn := f.estimateFn
	f.mu.Unlock()
	if fn == nil {
		return routing.Estimate{}, false
	}
	return fn(ctx, from, to)
}

func (f *fakeRoutes) set(fn func(ctx context.Context, from, to geo.Point) (routing.Estimate, bool)) {
	f.mu.Lock()
	f.estimateFn = fn
	f.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventKind
	for _, e := range s.events {
		if e.Kind == EventPosition || e.Kind == EventWarning {
			continue
		}
		out = append(out, e.Kind)
	}
	return out
}

// gatedSink holds every publish until open is called.
type gatedSink struct {
	release chan struct{}
}

func newGatedSink() *gatedSink {
	return &gatedSink{release: make(chan struct{})}
}

func (g *gatedSink) Publish(ctx context.Context, _ Event) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedSink) open() { close(g.release) }

type fixture struct {
	m        *Machine
	feed     *geosampler.Feed
	sessions *fakeSessions
	targets  *fakeTargets
	odo      *fakeOdometer
	pusher   *fakePusher
	routes   *fakeRoutes
	sink     *recordingSink
	outbox   *Outbox
	clock    *testClock
}

func newFixture(t *testing.T, targets ...visit.Target) *fixture {
	return newFixtureWithConfig(t, Config{}, targets...)
}

func newFixtureWithConfig(t *testing.T, cfg Config, targets ...visit.Target) *fixture {
	t.Helper()
	f := &fixture{
		feed:     geosampler.NewFeed(time.Hour),
		sessions: &fakeSessions{},
		targets:  &fakeTargets{list: targets},
		odo:      &fakeOdometer{},
		pusher:   &fakePusher{},
		routes:   &fakeRoutes{},
		sink:     &recordingSink{},
		outbox:   NewOutbox(0, nil),
		clock:    &testClock{now: today},
	}
	cfg.Location = time.UTC
	cfg.InitialFixTimeout = 20 * time.Millisecond
	deps := Deps{
		Sessions: f.sessions,
		Targets:  f.targets,
		Odometer: f.odo,
		Pusher:   f.pusher,
		Routes:   f.routes,
		Sinks:    []Sink{f.sink},
		Outbox:   f.outbox,
	}
	f.m = NewMachine("op-1", geosampler.NewSampler(f.feed, nil), deps, cfg)
	f.m.now = f.clock.Now
	n := 0
	f.m.newID = func() string {
		n++
		return fmt.Sprintf("sess-%d", n)
	}
	t.Cleanup(f.m.Close)
	return f
}

// start publishes a fix at p and opens a session with odometer value.
func (f *fixture) start(t *testing.T, p geo.Point, value float64) Session {
	t.Helper()
	if err := f.feed.Publish(at(p, f.clock.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	s, err := f.m.StartSession(context.Background(), StartInput{Value: value})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	f.m.Drain()
	return s
}

func (f *fixture) publish(t *testing.T, p geo.Point) {
	t.Helper()
	if err := f.feed.Publish(at(p, f.clock.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.m.Drain()
}

func (f *fixture) complete(t *testing.T, id string) visit.Target {
	t.Helper()
	got, err := f.m.CompleteVisit(context.Background(), CompleteInput{TargetID: id, EvidenceImages: []string{"img-" + id}})
	if err != nil {
		t.Fatalf("complete %s: %v", id, err)
	}
	f.m.Drain()
	return got
}
