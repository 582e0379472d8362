// Package shift runs an operator's field shift: odometer-tracked sessions,
// position ingestion, arrival detection and visit completion.
package shift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"backend-salesrephub/internal/geosampler"
	"backend-salesrephub/internal/metrics"
	"backend-salesrephub/internal/odometer"
	"backend-salesrephub/internal/proximity"
	"backend-salesrephub/internal/routing"
	"backend-salesrephub/internal/shared/geo"
	"backend-salesrephub/internal/visit"
)

const (
	DefaultMinDisplacementM  = 10.0
	DefaultPushInterval      = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultInitialFixTimeout = 30 * time.Second
	queueSize                = 256
)

type Config struct {
	RadiusM           float64
	MinDisplacementM  float64
	PushInterval      time.Duration
	Location          *time.Location
	WriteTimeout      time.Duration
	InitialFixTimeout time.Duration
	FeedMaxAge        time.Duration
	// Strict panics on invariant violations instead of only rejecting them.
	Strict bool
}

func (c Config) withDefaults() Config {
	if c.RadiusM <= 0 {
		c.RadiusM = proximity.DefaultRadiusM
	}
	if c.MinDisplacementM <= 0 {
		c.MinDisplacementM = DefaultMinDisplacementM
	}
	if c.PushInterval <= 0 {
		c.PushInterval = DefaultPushInterval
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.InitialFixTimeout <= 0 {
		c.InitialFixTimeout = defaultInitialFixTimeout
	}
	return c
}

// Deps are the collaborators a Machine talks to. Every field but Sinks and
// Routes is expected in production; nil collaborators are skipped.
type Deps struct {
	Sessions SessionStore
	Targets  TargetStore
	Odometer OdometerReader
	Pusher   LocationPusher
	Routes   RouteEstimator
	Sinks    []Sink
	Outbox   *Outbox
	Log      *slog.Logger
}

type StartInput struct {
	Image string  `json:"image"`
	Value float64 `json:"value"`
}

type CompleteInput struct {
	TargetID       string   `json:"target_id"`
	EvidenceImages []string `json:"evidence_images"`
	Comments       string   `json:"comments"`
}

type EndInput struct {
	Image string  `json:"image"`
	Value float64 `json:"value"`
}

type write struct {
	op      string
	key     string
	retry   bool
	run     func(ctx context.Context) error
	onErr   func(err error)
	barrier chan struct{}
}

type envelope struct {
	event Event
	ack   chan struct{}
}

// Machine is the tracking state machine for one operator. All state changes
// happen under mu; collaborator I/O happens outside it.
type Machine struct {
	operatorID string
	cfg        Config
	deps       Deps
	routes     RouteEstimator
	sampler    *geosampler.Sampler
	log        *slog.Logger
	now        func() time.Time
	newID      func() string

	mu        sync.Mutex
	session   Session
	store     *visit.Store
	engine    *proximity.Engine
	watch     geosampler.Handle
	watching  bool
	lastKnown *geo.Position
	lastSent  *geo.Position
	legOrigin *geo.Point
	legs      []Leg
	limiter   *rate.Limiter
	closed    bool

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan envelope
	writes  chan write
	quit    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
	bg      sync.WaitGroup
}

func NewMachine(operatorID string, sampler *geosampler.Sampler, deps Deps, cfg Config) *Machine {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("operator_id", operatorID)
	routes := deps.Routes
	if routes == nil {
		routes = routing.NewEstimator(nil, 0, log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		operatorID: operatorID,
		cfg:        cfg,
		deps:       deps,
		routes:     routes,
		sampler:    sampler,
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
		session:    Session{OperatorID: operatorID, Status: StatusIdle},
		store:      visit.NewStore(),
		engine:     proximity.NewEngine(cfg.RadiusM, log),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan envelope, queueSize),
		writes:     make(chan write, queueSize),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	m.limiter = m.newLimiter()
	m.wg.Add(2)
	go m.dispatchLoop()
	go m.writeLoop()
	return m
}

func (m *Machine) OperatorID() string { return m.operatorID }

func (m *Machine) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(m.cfg.PushInterval), 1)
}

func (m *Machine) today() time.Time {
	return m.now().In(m.cfg.Location)
}

// StartSession opens a new shift from Idle or Closed. The starting odometer
// comes from in.Value, or from the image when no value is given.
func (m *Machine) StartSession(ctx context.Context, in StartInput) (Session, error) {
	const op = "start_session"
	if err := m.checkState(op, StatusIdle, StatusClosed); err != nil {
		return Session{}, err
	}
	value, err := m.odometerValue(ctx, op, in.Image, in.Value)
	if err != nil {
		return Session{}, err
	}
	remote, listErr := m.fetchTargets(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireState(op, StatusIdle, StatusClosed); err != nil {
		return Session{}, err
	}
	if listErr != nil {
		if m.store.OpenCount() == 0 {
			return Session{}, transient(op, "list visit targets", listErr)
		}
		m.log.Warn("shift: using cached visit targets", "error", listErr)
	} else {
		m.store.Reconcile(remote, false)
	}
	if m.store.OpenCount() == 0 {
		return Session{}, validationf(op, "no pending visit targets")
	}
	handle, err := m.sampler.Start(m.HandlePosition, m.onWatchError)
	if errors.Is(err, geosampler.ErrAlreadyWatching) {
		return Session{}, m.invariant(op, "location watch still running")
	}
	if err != nil {
		return Session{}, capability(op, err)
	}

	if m.session.Paused && m.session.ID != "" {
		m.enqueueStop(StopRecord{
			SessionID:  m.session.ID,
			OperatorID: m.operatorID,
			EndTime:    m.now(),
			Forced:     true,
		})
	}

	m.session = Session{
		ID:               m.newID(),
		OperatorID:       m.operatorID,
		Status:           m.session.Status,
		StartingOdometer: value,
		CurrentOdometer:  value,
		StartTime:        m.now(),
		StartImage:       in.Image,
	}
	m.legOrigin = nil
	if m.lastKnown != nil {
		p := m.lastKnown.Point()
		m.session.StartPosition = &p
		m.legOrigin = &p
	}
	m.legs = nil
	m.lastSent = nil
	m.engine.Reset()
	m.limiter = m.newLimiter()
	m.watch, m.watching = handle, true
	if err := m.transition(op, StatusTracking); err != nil {
		m.stopWatch()
		return Session{}, err
	}

	started := m.session.clone()
	m.enqueue(write{op: op, key: started.ID, retry: true, run: func(ctx context.Context) error {
		if m.deps.Sessions == nil {
			return nil
		}
		_, err := m.deps.Sessions.StartSession(ctx, started)
		return err
	}})
	m.emit(Event{Kind: EventSessionStarted})
	m.activateNext()
	m.requestInitialFix()

	m.log.Info("shift: session started", "session_id", started.ID, "starting_odometer", value)
	return m.session.clone(), nil
}

// HandlePosition ingests one fix. It is the watch callback and never fails;
// samples that arrive outside a running shift are dropped.
func (m *Machine) HandlePosition(pos geo.Position) {
	if err := pos.Point().Validate(); err != nil {
		m.log.Warn("shift: dropping invalid position", "error", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	st := m.session.Status
	if st != StatusTracking && st != StatusShiftEnding {
		m.log.Debug("shift: position outside shift", "status", st)
		return
	}
	metrics.PositionsIngested.Inc()
	m.updateLastKnown(pos)
	if st == StatusShiftEnding {
		m.maybePush(pos)
		return
	}

	if m.legOrigin == nil {
		p := pos.Point()
		m.legOrigin = &p
		if t, ok := m.store.Get(m.session.ActiveTargetID); ok && t.EstimatedDistanceKm == 0 {
			m.requestEstimate(t)
		}
	}

	for _, ev := range m.engine.Evaluate(m.session.ID, pos, m.store.Open()) {
		m.onReached(ev)
	}
	m.maybePush(pos)
	m.autoPause("handle_position")
}

// CompleteVisit closes out a reached target with evidence. The shift moves to
// ShiftEnding when nothing is left for today.
func (m *Machine) CompleteVisit(ctx context.Context, in CompleteInput) (visit.Target, error) {
	const op = "complete_visit"
	images := cleanImages(in.EvidenceImages)
	if len(images) == 0 {
		return visit.Target{}, validationf(op, "at least one evidence image is required")
	}
	if in.TargetID == "" {
		return visit.Target{}, validationf(op, "target id is required")
	}

	t, sessionID, origin, err := m.completionTarget(op, in.TargetID)
	if err != nil {
		return visit.Target{}, err
	}

	var (
		est   routing.Estimate
		estOK bool
	)
	if origin != nil {
		est, estOK = m.routes.Estimate(ctx, *origin, geo.Point{Lat: t.Lat, Lng: t.Lng})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireState(op, StatusTracking); err != nil {
		return visit.Target{}, err
	}
	if m.session.ID != sessionID {
		return visit.Target{}, m.invariant(op, "session changed while completing %s", in.TargetID)
	}
	cur, ok := m.store.Get(in.TargetID)
	if !ok || !cur.Status.Open() {
		return visit.Target{}, m.invariant(op, "visit target %s is no longer open", in.TargetID)
	}
	if err := m.transition(op, StatusCompleting); err != nil {
		return visit.Target{}, err
	}

	km, src := legDistance(est, estOK, cur.EstimatedDistanceKm, cur.DistanceSource)
	legStart := m.session.CurrentOdometer
	completedAt := m.now()
	updated, err := m.store.Update(cur.ID, func(t *visit.Target) error {
		if err := t.Transition(visit.StatusCompleted); err != nil {
			return err
		}
		t.EvidenceImages = images
		if in.Comments != "" {
			t.Comments = in.Comments
		}
		t.StartingOdometer = legStart
		t.EstimatedDistanceKm = km
		t.DistanceSource = string(src)
		t.CompletedAt = completedAt
		return nil
	})
	if err != nil {
		m.session.Status = StatusTracking
		return visit.Target{}, m.invariant(op, "complete %s: %v", cur.ID, err)
	}

	leg := Leg{TargetID: cur.ID, StartingOdometer: legStart, DistanceKm: km, Source: src}
	m.legs = append(m.legs, leg)
	m.session.CurrentOdometer = legStart + km
	dest := geo.Point{Lat: cur.Lat, Lng: cur.Lng}
	m.legOrigin = &dest
	if m.session.ActiveTargetID == cur.ID {
		m.session.ActiveTargetID = ""
	}

	m.enqueuePatch(cur.ID, visit.Patch{
		Status:              visit.StatusCompleted,
		EvidenceImages:      updated.EvidenceImages,
		Comments:            updated.Comments,
		StartingOdometer:    &legStart,
		EstimatedDistanceKm: &km,
		DistanceSource:      string(src),
	})
	m.emit(Event{Kind: EventVisitCompleted, TargetID: cur.ID, Leg: &leg})

	if m.store.OpenOn(m.today()) == 0 {
		if err := m.transition(op, StatusShiftEnding); err != nil {
			return updated, err
		}
		m.session.ActiveTargetID = ""
		d := m.session.Distance()
		m.emit(Event{Kind: EventShiftEnding, Distance: &d, Message: "final odometer reading required"})
	} else {
		if err := m.transition(op, StatusTracking); err != nil {
			return updated, err
		}
		if m.session.ActiveTargetID == "" {
			m.activateNext()
		}
	}

	m.log.Info("shift: visit completed", "session_id", m.session.ID, "target_id", cur.ID, "distance_km", km, "source", src)
	return updated, nil
}

// completionTarget snapshots what CompleteVisit needs before the route
// lookup runs outside the lock.
func (m *Machine) completionTarget(op, id string) (visit.Target, string, *geo.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireState(op, StatusTracking); err != nil {
		return visit.Target{}, "", nil, err
	}
	t, ok := m.store.Get(id)
	if !ok {
		return visit.Target{}, "", nil, validationf(op, "unknown visit target %s", id)
	}
	if !t.Status.Open() {
		return visit.Target{}, "", nil, m.invariant(op, "visit target %s is already %s", t.ID, t.Status)
	}
	var origin *geo.Point
	if m.legOrigin != nil {
		p := *m.legOrigin
		origin = &p
	}
	return t, m.session.ID, origin, nil
}

// EndShift closes a session in ShiftEnding with the final odometer reading.
func (m *Machine) EndShift(ctx context.Context, in EndInput) (Session, error) {
	const op = "end_shift"
	if err := m.checkState(op, StatusShiftEnding); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(in.Image) == "" {
		return Session{}, validationf(op, "ending odometer image is required")
	}
	value, err := m.odometerValue(ctx, op, in.Image, in.Value)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireState(op, StatusShiftEnding); err != nil {
		return Session{}, err
	}
	if value < m.session.StartingOdometer {
		return Session{}, validationf(op, "ending odometer %.1f is less than starting odometer %.1f", value, m.session.StartingOdometer)
	}
	if err := m.transition(op, StatusClosed); err != nil {
		return Session{}, err
	}

	end := value
	m.session.EndingOdometer = &end
	m.session.EndTime = m.now()
	m.session.EndImage = in.Image
	m.session.ActiveTargetID = ""
	m.stopWatch()
	m.engine.Reset()

	rec := StopRecord{
		SessionID:      m.session.ID,
		OperatorID:     m.operatorID,
		EndingOdometer: &end,
		EndImage:       in.Image,
		EndTime:        m.session.EndTime,
	}
	if m.lastKnown != nil {
		p := m.lastKnown.Point()
		rec.Position = &p
	}
	m.enqueueStop(rec)

	d := m.session.Distance()
	m.emit(Event{Kind: EventSessionClosed, Distance: &d})
	m.log.Info("shift: session closed", "session_id", m.session.ID, "distance_km", d.Km)
	return m.session.clone(), nil
}

// Resume picks up an open backend session after a restart or a pause. The
// session resumes only when visits remain for today; otherwise it is closed
// on the backend and the machine stays idle.
func (m *Machine) Resume(ctx context.Context) (Session, error) {
	const op = "resume"
	if err := m.checkState(op, StatusIdle, StatusClosed); err != nil {
		return Session{}, err
	}
	if m.deps.Sessions == nil {
		return Session{}, transient(op, "no session store", nil)
	}
	remote, err := m.deps.Sessions.ActiveSession(ctx, m.operatorID)
	if err != nil {
		return Session{}, transient(op, "load active session", err)
	}
	targets, listErr := m.fetchTargets(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireState(op, StatusIdle, StatusClosed); err != nil {
		return Session{}, err
	}
	if listErr != nil {
		// An unknown roster must not force close a live backend session.
		if remote != nil {
			return Session{}, transient(op, "list visit targets", listErr)
		}
		m.log.Warn("shift: using cached visit targets", "error", listErr)
	} else {
		m.store.Reconcile(targets, remote != nil)
	}

	if remote == nil {
		if m.session.Paused {
			m.session = Session{OperatorID: m.operatorID, Status: StatusIdle}
		}
		return m.session.clone(), nil
	}

	if m.store.OpenOn(m.today()) == 0 {
		m.enqueueStop(StopRecord{
			SessionID:  remote.ID,
			OperatorID: m.operatorID,
			EndTime:    m.now(),
			Forced:     true,
		})
		if m.session.Paused || m.session.ID == remote.ID {
			m.session = Session{OperatorID: m.operatorID, Status: StatusIdle}
		}
		m.engine.Reset()
		m.emit(Event{Kind: EventForceClosed, SessionID: remote.ID, Message: "no pending visits today"})
		m.log.Info("shift: force closed orphaned session", "session_id", remote.ID)
		return m.session.clone(), nil
	}

	handle, err := m.sampler.Start(m.HandlePosition, m.onWatchError)
	if errors.Is(err, geosampler.ErrAlreadyWatching) {
		return Session{}, m.invariant(op, "location watch still running")
	}
	if err != nil {
		return Session{}, capability(op, err)
	}

	s := remote.clone()
	s.OperatorID = m.operatorID
	s.Status = m.session.Status
	s.EndingOdometer = nil
	s.ActiveTargetID = ""
	s.Paused = false
	if m.session.ID == s.ID && m.session.CurrentOdometer > s.CurrentOdometer {
		s.CurrentOdometer = m.session.CurrentOdometer
	}
	if s.CurrentOdometer < s.StartingOdometer {
		s.CurrentOdometer = s.StartingOdometer
	}
	if m.session.ID != s.ID {
		m.legs = nil
		m.legOrigin = nil
		if m.lastKnown != nil {
			p := m.lastKnown.Point()
			m.legOrigin = &p
		}
		m.engine.Reset()
	}
	m.session = s
	m.lastSent = nil
	m.limiter = m.newLimiter()
	m.watch, m.watching = handle, true
	if err := m.transition(op, StatusTracking); err != nil {
		m.stopWatch()
		return Session{}, err
	}
	m.emit(Event{Kind: EventSessionResumed})
	m.activateNext()
	m.requestInitialFix()

	m.log.Info("shift: session resumed", "session_id", s.ID)
	return m.session.clone(), nil
}

// RefreshTargets pulls the roster from the backend and reconciles it with
// local state. It may pause the session when no visits are left.
func (m *Machine) RefreshTargets(ctx context.Context) error {
	const op = "refresh_targets"
	remote, err := m.fetchTargets(ctx)
	if err != nil {
		return transient(op, "list visit targets", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.store.Reconcile(remote, m.session.Status.Open() || m.session.Paused)
	if m.session.Status == StatusTracking {
		if t, ok := m.store.Get(m.session.ActiveTargetID); !ok || !t.Status.Open() {
			m.session.ActiveTargetID = ""
		}
		if m.session.ActiveTargetID == "" {
			m.activateNext()
		}
	}
	m.autoPause(op)
	return nil
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Session:  m.session.clone(),
		Targets:  m.store.All(),
		Legs:     append([]Leg(nil), m.legs...),
		Distance: m.session.Distance(),
		Watching: m.watching,
	}
	if m.lastKnown != nil {
		p := *m.lastKnown
		snap.LastKnown = &p
	}
	return snap
}

// Drain waits until background work queued so far has been handed to the
// backend and to every sink.
func (m *Machine) Drain() {
	m.bg.Wait()
	wdone := make(chan struct{})
	select {
	case m.writes <- write{barrier: wdone}:
	case <-m.stopped:
		return
	}
	select {
	case <-wdone:
	case <-m.stopped:
		return
	}
	edone := make(chan struct{})
	select {
	case m.events <- envelope{ack: edone}:
	case <-m.stopped:
		return
	}
	select {
	case <-edone:
	case <-m.stopped:
	}
}

// Close stops the location watch and background goroutines. Queued backend
// writes are attempted before it returns.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.stopWatch()
	if m.session.Status.Open() {
		metrics.ActiveSessions.Dec()
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.bg.Wait()
	close(m.quit)
	m.wg.Wait()
	close(m.stopped)
}

func (m *Machine) checkState(op string, allowed ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requireState(op, allowed...)
}

func (m *Machine) requireState(op string, allowed ...Status) error {
	if m.closed {
		return m.invariant(op, "machine closed")
	}
	for _, s := range allowed {
		if m.session.Status == s {
			return nil
		}
	}
	return m.invariant(op, "not allowed in state %s", m.session.Status)
}

func (m *Machine) transition(op string, to Status) error {
	from := m.session.Status
	if !canTransition(from, to) {
		return m.invariant(op, "cannot move from %s to %s", from, to)
	}
	m.session.Status = to
	switch {
	case !from.Open() && to.Open():
		metrics.ActiveSessions.Inc()
	case from.Open() && !to.Open():
		metrics.ActiveSessions.Dec()
	}
	metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.log.Debug("shift: transition", "session_id", m.session.ID, "from", from, "to", to)
	return nil
}

func (m *Machine) invariant(op, format string, args ...any) error {
	err := &Error{Kind: ErrInvariant, Op: op, Msg: fmt.Sprintf(format, args...)}
	metrics.InvariantViolations.WithLabelValues(op).Inc()
	m.log.Error("shift: invariant violation", "session_id", m.session.ID, "status", m.session.Status, "error", err)
	if m.cfg.Strict {
		panic(err)
	}
	return err
}

func (m *Machine) odometerValue(ctx context.Context, op, image string, value float64) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, validationf(op, "odometer value must be a positive number")
	}
	if value > 0 {
		return value, nil
	}
	if strings.TrimSpace(image) == "" {
		return 0, validationf(op, "odometer reading or image is required")
	}
	if m.deps.Odometer == nil {
		return 0, transient(op, "no odometer reader", nil)
	}
	v, err := m.deps.Odometer.Read(ctx, image)
	switch {
	case errors.Is(err, odometer.ErrNoReading):
		metrics.OCRFailures.WithLabelValues("implausible").Inc()
		return 0, &Error{Kind: ErrValidation, Op: op, Msg: "no plausible odometer reading in image", Err: err}
	case err != nil:
		metrics.OCRFailures.WithLabelValues("unavailable").Inc()
		return 0, transient(op, "read odometer", err)
	case v <= 0:
		return 0, validationf(op, "no plausible odometer reading in image")
	}
	return v, nil
}

func (m *Machine) fetchTargets(ctx context.Context) ([]visit.Target, error) {
	if m.deps.Targets == nil {
		return nil, errors.New("no target store")
	}
	return m.deps.Targets.ListTargets(ctx, visit.Filter{OperatorID: m.operatorID})
}

func (m *Machine) updateLastKnown(pos geo.Position) {
	if m.lastKnown != nil {
		d, err := geo.Haversine(m.lastKnown.Point(), pos.Point())
		if err != nil || d <= m.cfg.MinDisplacementM {
			return
		}
	}
	p := pos
	m.lastKnown = &p
	m.emit(Event{Kind: EventPosition, Position: &p})
}

func (m *Machine) onReached(ev proximity.Event) {
	metrics.ProximityEvents.Inc()
	e := ev
	m.emit(Event{Kind: EventTargetReached, TargetID: ev.TargetID, Proximity: &e})
	m.log.Info("shift: target reached", "session_id", ev.SessionID, "target_id", ev.TargetID, "distance_m", ev.DistanceM)

	t, ok := m.store.Get(ev.TargetID)
	if !ok || t.Status != visit.StatusPending {
		return
	}
	if _, err := m.store.Update(t.ID, func(t *visit.Target) error {
		return t.Transition(visit.StatusInProgress)
	}); err != nil {
		m.log.Warn("shift: mark in progress", "target_id", t.ID, "error", err)
		return
	}
	m.enqueuePatch(t.ID, visit.Patch{Status: visit.StatusInProgress})
}

func (m *Machine) maybePush(pos geo.Position) {
	if m.deps.Pusher == nil || !m.limiter.AllowN(m.now(), 1) {
		return
	}
	p := pos
	m.lastSent = &p
	sessionID := m.session.ID
	m.enqueue(write{
		op:  "push_location",
		key: sessionID,
		run: func(ctx context.Context) error {
			return m.deps.Pusher.PushLocation(ctx, m.operatorID, sessionID, p)
		},
		onErr: func(err error) {
			metrics.LocationPushFailures.Inc()
			m.warn(sessionID, "location push failed", err)
		},
	})
}

// autoPause idles a tracking session that has no open visits left.
func (m *Machine) autoPause(op string) {
	if m.session.Status != StatusTracking || m.store.OpenCount() > 0 {
		return
	}
	if err := m.transition(op, StatusIdle); err != nil {
		return
	}
	m.session.Paused = true
	m.session.ActiveTargetID = ""
	m.stopWatch()
	m.emit(Event{Kind: EventPaused, Message: "paused: no pending visits"})
	m.log.Info("shift: paused, no pending visits", "session_id", m.session.ID)
}

func (m *Machine) activateNext() {
	next, ok := m.store.NextOpen(m.today())
	if !ok || next.ID == m.session.ActiveTargetID {
		return
	}
	m.session.ActiveTargetID = next.ID
	odo := m.session.CurrentOdometer
	t, err := m.store.Update(next.ID, func(t *visit.Target) error {
		t.StartingOdometer = odo
		return nil
	})
	if err != nil {
		m.log.Warn("shift: activate target", "target_id", next.ID, "error", err)
		return
	}
	m.enqueuePatch(t.ID, visit.Patch{StartingOdometer: &odo})
	m.emit(Event{Kind: EventTargetActivated, TargetID: t.ID})
	m.requestEstimate(t)
}

// requestEstimate pre-fills the distance to t in the background.
func (m *Machine) requestEstimate(t visit.Target) {
	if m.closed || m.legOrigin == nil {
		return
	}
	from := *m.legOrigin
	to := geo.Point{Lat: t.Lat, Lng: t.Lng}
	sessionID := m.session.ID
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		est, ok := m.routes.Estimate(m.ctx, from, to)
		if ok {
			m.applyEstimate(sessionID, t.ID, est)
		}
	}()
}

func (m *Machine) applyEstimate(sessionID, targetID string, est routing.Estimate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.session.ID != sessionID || !m.session.Status.Open() {
		return
	}
	t, ok := m.store.Get(targetID)
	if !ok || !t.Status.Open() {
		return
	}
	if t.DistanceSource == string(routing.SourceRoute) && est.Source != routing.SourceRoute {
		return
	}
	km := est.Km
	t, err := m.store.Update(targetID, func(t *visit.Target) error {
		t.EstimatedDistanceKm = km
		t.DistanceSource = string(est.Source)
		return nil
	})
	if err != nil {
		return
	}
	m.enqueuePatch(targetID, visit.Patch{EstimatedDistanceKm: &km, DistanceSource: t.DistanceSource})
}

func (m *Machine) requestInitialFix() {
	if m.closed {
		return
	}
	sessionID := m.session.ID
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.InitialFixTimeout)
		defer cancel()
		pos, err := m.sampler.Current(ctx)
		if err != nil {
			m.warn(sessionID, "initial location fix failed", err)
			return
		}
		m.HandlePosition(pos)
	}()
}

func (m *Machine) onWatchError(err error) {
	m.log.Warn("shift: location fix failed", "error", err)
}

func (m *Machine) warn(sessionID, msg string, err error) {
	m.log.Warn("shift: "+msg, "session_id", sessionID, "error", err)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.ID != sessionID {
		return
	}
	m.emit(Event{Kind: EventWarning, Message: msg + ": " + err.Error()})
}

func (m *Machine) stopWatch() {
	if !m.watching {
		return
	}
	m.sampler.Stop(m.watch)
	m.watching = false
}

func (m *Machine) emit(e Event) {
	if m.closed {
		return
	}
	e.OperatorID = m.operatorID
	if e.SessionID == "" {
		e.SessionID = m.session.ID
	}
	e.Status = m.session.Status
	if e.At.IsZero() {
		e.At = m.now()
	}
	env := envelope{event: e}
	if e.Kind == EventPosition {
		// Positions only use the lower half of the queue so proximity and
		// lifecycle events always find room.
		if len(m.events) >= cap(m.events)/2 {
			m.log.Debug("shift: event queue busy, dropping position")
			return
		}
		select {
		case m.events <- env:
		default:
		}
		return
	}
	select {
	case m.events <- env:
		return
	default:
	}
	timer := time.NewTimer(m.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case m.events <- env:
	case <-timer.C:
		m.log.Warn("shift: event queue full, dropping event", "kind", e.Kind)
	}
}

func (m *Machine) enqueue(w write) {
	if m.closed {
		if w.retry && m.deps.Outbox != nil {
			m.deps.Outbox.Add(w.op, w.key, w.run)
		}
		return
	}
	select {
	case m.writes <- w:
	default:
		if w.retry && m.deps.Outbox != nil {
			m.deps.Outbox.Add(w.op, w.key, w.run)
			return
		}
		m.log.Warn("shift: write queue full, dropping", "op", w.op)
	}
}

func (m *Machine) enqueueStop(rec StopRecord) {
	m.enqueue(write{op: "stop_session", key: rec.SessionID, retry: true, run: func(ctx context.Context) error {
		if m.deps.Sessions == nil {
			return nil
		}
		return m.deps.Sessions.StopSession(ctx, rec)
	}})
}

func (m *Machine) enqueuePatch(targetID string, patch visit.Patch) {
	m.enqueue(write{op: "update_target", key: "target:" + targetID, retry: true, run: func(ctx context.Context) error {
		if m.deps.Targets == nil {
			return nil
		}
		if err := m.deps.Targets.UpdateTarget(ctx, targetID, patch); err != nil {
			return err
		}
		m.confirm(targetID)
		return nil
	}})
}

func (m *Machine) confirm(targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Confirm(targetID)
}

func (m *Machine) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case env := <-m.events:
			m.deliver(env)
		case <-m.quit:
			for {
				select {
				case env := <-m.events:
					m.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (m *Machine) deliver(env envelope) {
	if env.ack != nil {
		close(env.ack)
		return
	}
	for _, s := range m.deps.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
		if err := s.Publish(ctx, env.event); err != nil {
			m.log.Warn("shift: sink publish failed", "kind", env.event.Kind, "error", err)
		}
		cancel()
	}
}

func (m *Machine) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case w := <-m.writes:
			m.runWrite(w)
		case <-m.quit:
			for {
				select {
				case w := <-m.writes:
					m.runWrite(w)
				default:
					return
				}
			}
		}
	}
}

func (m *Machine) runWrite(w write) {
	if w.barrier != nil {
		close(w.barrier)
		return
	}
	if w.retry && m.deps.Outbox != nil && m.deps.Outbox.Pending(w.key) {
		m.deps.Outbox.Add(w.op, w.key, w.run)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	err := w.run(ctx)
	cancel()
	if err == nil {
		return
	}
	if w.onErr != nil {
		w.onErr(err)
	}
	if w.retry && m.deps.Outbox != nil {
		m.log.Warn("shift: backend write failed, queued for retry", "op", w.op, "key", w.key, "error", err)
		m.deps.Outbox.Add(w.op, w.key, w.run)
	}
}

func cleanImages(images []string) []string {
	var out []string
	for _, img := range images {
		if img = strings.TrimSpace(img); img != "" {
			out = append(out, img)
		}
	}
	return out
}
