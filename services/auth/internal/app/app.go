package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/jockeBjers/isolApi/pkg/breaker"
	"github.com/jockeBjers/isolApi/pkg/database"
	"github.com/jockeBjers/isolApi/pkg/health"
	pkgkafka "github.com/jockeBjers/isolApi/pkg/kafka"
	"github.com/jockeBjers/isolApi/pkg/middleware"
	"github.com/jockeBjers/isolApi/pkg/tracing"
	"github.com/jockeBjers/isolApi/services/auth/internal/config"
	"github.com/jockeBjers/isolApi/services/auth/internal/event"
	handler "github.com/jockeBjers/isolApi/services/auth/internal/handler/http"
	"github.com/jockeBjers/isolApi/services/auth/internal/metrics"
	"github.com/jockeBjers/isolApi/services/auth/internal/ratelimit"
	"github.com/jockeBjers/isolApi/services/auth/internal/repository"
	"github.com/jockeBjers/isolApi/services/auth/internal/repository/memory"
	"github.com/jockeBjers/isolApi/services/auth/internal/repository/postgres"
	"github.com/jockeBjers/isolApi/services/auth/internal/service"
	"github.com/jockeBjers/isolApi/services/auth/migrations"
)

const (
	serviceName    = "auth"
	serviceVersion = "0.1.0"
)

// App wires together all dependencies and runs the auth service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
// Invalid auth settings are reported before any listener is started.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	healthHandler := health.NewHandler()

	store, err := a.openStore(ctx, reg, healthHandler)
	if err != nil {
		return err
	}

	limiter, err := a.newLimiter(ctx, healthHandler)
	if err != nil {
		return err
	}

	eventProducer := a.newEventProducer(reg, healthHandler)

	authenticator, err := service.New(cfg.AuthSettings(), store, eventProducer, metrics.New(reg), logger)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}

	proxies, err := cfg.Proxies()
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	router := handler.NewRouter(handler.RouterDeps{
		Service:        authenticator,
		Health:         healthHandler,
		Limiter:        limiter,
		TrustedProxies: proxies,
		Registry:       reg,
		CORS:           middleware.DefaultCORSConfig(cfg.CORSAllowedOrigins...),
		Logger:         logger,
	})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// openStore connects the configured user store. PostgreSQL is migrated on
// startup; the memory store is for local development only.
func (a *App) openStore(ctx context.Context, reg prometheus.Registerer, h *health.Handler) (repository.UserStore, error) {
	cfg, logger := a.cfg, a.logger

	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory user store, data is lost on restart")
		return memory.New(), nil
	}

	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RegisterPoolMetrics(reg, pool, serviceName); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	h.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	return postgres.NewUserStore(pool), nil
}

// newLimiter shares login throttling across replicas through Redis when it
// is enabled and falls back to a per-process limiter otherwise.
func (a *App) newLimiter(ctx context.Context, h *health.Handler) (middleware.Limiter, error) {
	cfg, logger := a.cfg, a.logger

	if !cfg.RedisEnabled {
		logger.Info("redis disabled, using in-process rate limiter")
		return ratelimit.NewLocalLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow), nil
	}

	client, err := database.NewRedisClient(ctx, cfg.Redis())
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	logger.Info("connected to Redis", slog.String("addr", cfg.Redis().Addr()))

	h.RegisterNonCritical("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return ratelimit.NewRedisLimiter(client, cfg.RateLimitRequests, cfg.RateLimitWindow), nil
}

// newEventProducer returns a producer that drops events when Kafka is
// disabled.
func (a *App) newEventProducer(reg prometheus.Registerer, h *health.Handler) *event.Producer {
	cfg, logger := a.cfg, a.logger

	if !cfg.KafkaEnabled {
		logger.Info("kafka disabled, auth events are not published")
		return event.NewProducer(nil, nil, logger)
	}

	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	a.producer = producer
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	h.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	cb := breaker.New(breaker.DefaultConfig("kafka-auth-events"), breaker.NewMetrics(reg), logger)
	return event.NewProducer(producer, cb, logger)
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return errors.Join(err, a.Shutdown())
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Kafka producer
// 4. Redis client
// 5. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		a.tracerShutdown = nil
	}

	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// closeResources releases Kafka, Redis and PostgreSQL in that order. It is
// also used to unwind a partially initialized App.
func (a *App) closeResources() error {
	var errs []error

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		a.producer = nil
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		a.redis = nil
	}

	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}

	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.tracerShutdown = nil
	}
	return errors.Join(errs...)
}
