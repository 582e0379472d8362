package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-salesrephub/internal/config"
	"backend-salesrephub/internal/db"
	"backend-salesrephub/internal/events"
	"backend-salesrephub/internal/logging"
	"backend-salesrephub/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type RunFunc func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, <-chan os.Signal, ListenFunc, ...server.Option) error

type mainDeps struct {
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) (*redis.Client, error)
	connectEvents   func(url string) (*events.Publisher, error)
	migrate         func(context.Context, db.Querier) error
	notify          func(chan<- os.Signal, ...os.Signal)
	run             RunFunc
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		connectEvents:   events.NewPublisher,
		migrate:         db.Migrate,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return
	}

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		log.Error("postgres connection failed", "error", err)
	}
	if pg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := deps.migrate(ctx, pg); err != nil {
			log.Error("schema migration failed", "error", err)
		}
		cancel()
	}

	rdb, err := deps.connectRedis(cfg)
	if err != nil {
		log.Warn("redis unavailable, live updates stay on this instance", "error", err)
	}

	var opts []server.Option
	if cfg.NATSURL != "" {
		pub, err := deps.connectEvents(cfg.NATSURL)
		if err != nil {
			log.Warn("nats unavailable, events stay local", "error", err)
		} else {
			defer pub.Close()
			opts = append(opts, server.WithSink(pub))
		}
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, signals, nil, opts...); err != nil {
		log.Error("server exited with error", "error", err)
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and waits for termination signals.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc, opts ...server.Option) error {
	opts = append([]server.Option{server.WithLogger(slog.Default())}, opts...)
	srv := server.NewServer(cfg, pg, rdb, opts...)

	startCtx, cancelStart := context.WithTimeout(ctx, 10*time.Second)
	srv.Start(startCtx)
	cancelStart()

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	var runErr error
	select {
	case <-signals:
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	srv.Close()
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return runErr
}
