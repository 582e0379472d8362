package server

import (
	"context"
	"log/slog"
	"time"

	"backend-salesrephub/internal/auth"
	"backend-salesrephub/internal/config"
	"backend-salesrephub/internal/db"
	"backend-salesrephub/internal/metrics"
	"backend-salesrephub/internal/odometer"
	"backend-salesrephub/internal/routing"
	"backend-salesrephub/internal/shift"
	"backend-salesrephub/internal/storage"
	"backend-salesrephub/internal/stream"
	"backend-salesrephub/internal/tracking"
	"backend-salesrephub/internal/visit"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const jobTimeout = 30 * time.Second

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Stream   *stream.Hub
	Shifts   *shift.Registry
	Tracking *tracking.Service
	Cron     *cron.Cron
	Log      *slog.Logger

	sinks []shift.Sink
	store db.Querier
}

type Option func(*Server)

// WithSink adds a sink that receives every shift event after the websocket relay.
func WithSink(sink shift.Sink) Option {
	return func(s *Server) { s.sinks = append(s.sinks, sink) }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.Log = log }
}

func NewServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client, opts ...Option) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(metrics.Middleware())

	s := &Server{
		App:   app,
		Cfg:   cfg,
		DB:    pool,
		Redis: redisClient,
		Log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if pool != nil {
		s.store = pool
	}

	s.Stream = stream.NewHub(redisClient, s.Log)
	s.Tracking = tracking.NewService(s.store, s.Stream)
	shiftCfg := s.shiftConfig()
	s.Shifts = shift.NewRegistry(s.shiftDeps(), shiftCfg)
	s.Cron = cron.New(cron.WithLocation(shiftCfg.Location))
	s.scheduleJobs()

	registerRoutes(s)
	return s
}

func (s *Server) shiftDeps() shift.Deps {
	deps := shift.Deps{
		Sinks: append([]shift.Sink{stream.NewSink(s.Stream)}, s.sinks...),
		Log:   s.Log,
	}
	if s.store != nil {
		deps.Sessions = s.Tracking
		deps.Pusher = s.Tracking
		deps.Targets = visit.NewService(s.store)
	}
	if s.Cfg.OCRURL != "" {
		deps.Odometer = odometer.NewReader(odometer.NewClient(s.Cfg.OCRURL, 0))
	}
	var router routing.Router
	if s.Cfg.RoutingURL != "" {
		router = routing.NewClient(s.Cfg.RoutingURL, 0)
	}
	deps.Routes = routing.NewEstimator(router, 0, s.Log)
	return deps
}

func (s *Server) shiftConfig() shift.Config {
	loc, err := s.Cfg.Location()
	if err != nil {
		s.Log.Warn("server: unknown timezone, using UTC", "timezone", s.Cfg.Timezone, "error", err)
		loc = time.UTC
	}
	return shift.Config{
		RadiusM:          s.Cfg.GeofenceRadiusM,
		MinDisplacementM: s.Cfg.MinDisplacementM,
		PushInterval:     s.Cfg.LocationPushInterval,
		Location:         loc,
		Strict:           s.Cfg.StrictInvariants,
	}
}

func (s *Server) scheduleJobs() {
	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"outbox", s.Cfg.OutboxSchedule, func(ctx context.Context) { s.Shifts.FlushOutbox(ctx) }},
		{"refresh_targets", s.Cfg.RefreshSchedule, s.Shifts.RefreshAll},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		run := job.run
		if _, err := s.Cron.AddFunc(job.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			s.Log.Error("server: bad schedule", "job", job.name, "schedule", job.schedule, "error", err)
		}
	}
}

// Start resumes shifts left open on the backend and starts the background jobs.
func (s *Server) Start(ctx context.Context) {
	if s.store != nil {
		ids, err := s.Tracking.OpenSessionOperators(ctx)
		if err != nil {
			s.Log.Warn("server: list open sessions", "error", err)
		} else {
			s.Shifts.ResumeAll(ctx, ids)
		}
	}
	s.Cron.Start()
}

func (s *Server) Close() {
	<-s.Cron.Stop().Done()
	s.Shifts.Close()
	s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", metrics.Handler())

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret, s.store))
	visit.RegisterRoutes(s.App.Group("/visits"), visit.NewService(s.store), jwtMiddleware)
	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, s.Shifts, jwtMiddleware)
	storage.RegisterRoutes(s.App.Group("/storage"), storage.NewService(s.store, s.Cfg.StorageBaseURL), jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, jwtMiddleware)
}
