package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/subscriptionfu/pkg/async"
	"github.com/platinummonkey/subscriptionfu/pkg/billing"
	"github.com/platinummonkey/subscriptionfu/pkg/config"
	"github.com/platinummonkey/subscriptionfu/pkg/gateway"
	"github.com/platinummonkey/subscriptionfu/pkg/observability"
	"github.com/platinummonkey/subscriptionfu/pkg/plans"
	"github.com/platinummonkey/subscriptionfu/pkg/processing"
	"github.com/platinummonkey/subscriptionfu/pkg/reconcile"
	"github.com/platinummonkey/subscriptionfu/pkg/storage"
	"github.com/platinummonkey/subscriptionfu/pkg/storage/memory"
	"github.com/platinummonkey/subscriptionfu/pkg/storage/postgres"
	"github.com/platinummonkey/subscriptionfu/pkg/subjects"
)

var version = "dev"

var (
	runOnce   = flag.Bool("run-once", false, "Run every reconciliation job once and exit")
	logLevel  = flag.String("log-level", "info", "Log level for daemon output (debug, info, warn, error)")
	jobFilter = flag.String("job", "", "With --run-once, run only this job")
)

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)
	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("Reconciler exited with error")
	}
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// app holds everything built from the configuration
type app struct {
	cfg        *config.Config
	log        *observability.Logger
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	backend    storage.Backend
	redis      *postgres.RedisClient
	catalog    plans.Catalog
	reconciler *reconcile.Reconciler
	closers    []namedCloser
}

type namedCloser struct {
	name string
	fn   observability.ShutdownFunc
}

func (a *app) onShutdown(name string, fn observability.ShutdownFunc) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

func run(logger *logrus.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"version":  version,
		"storage":  cfg.Storage.Type,
		"catalog":  cfg.Catalog.Path,
		"currency": cfg.PayPal.Currencies,
	}).Info("Starting subscription reconciler")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}

	if *runOnce {
		defer a.close(logger)
		return a.runOnce(ctx, logger, *jobFilter)
	}

	router := mux.NewRouter()
	if a.metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(a.metrics))
	}
	observability.RegisterHealthRoutes(router, a.healthChecker(), a.registry)
	server := &http.Server{
		Addr:              ":" + cfg.Server.HealthPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler, err := a.schedule(logger)
	if err != nil {
		a.close(logger)
		return err
	}

	shutdown := observability.NewShutdownManager(a.log, server, cfg.Server.ShutdownTimeout)
	for _, c := range a.closers {
		shutdown.Register(c.name, c.fn)
	}
	shutdown.Register("cron", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("jobs still running: %w", ctx.Err())
		}
	})

	if pg, ok := a.backend.(*postgres.Backend); ok {
		pg.Connections().StartHealthCheckRoutine(ctx, 30*time.Second, a.metrics)
	}

	serverErr := make(chan error, 1)
	async.SafeGo(ctx, a.log, 0, "health-server", func(context.Context) error {
		logger.Infof("Health server listening on :%s", cfg.Server.HealthPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return err
		}
		return nil
	})

	scheduler.Start()
	logger.WithFields(logrus.Fields{
		reconcile.JobStaleCancellations: cfg.Reconcile.StaleCancellationsSchedule,
		reconcile.JobOrphanedProfiles:   cfg.Reconcile.OrphanedProfilesSchedule,
		reconcile.JobStaleActivations:   cfg.Reconcile.StaleActivationsSchedule,
	}).Info("Reconciliation jobs scheduled")

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case err = <-serverErr:
		logger.WithError(err).Error("Health server failed")
	}

	if shutdownErr := shutdown.Shutdown(context.Background()); shutdownErr != nil {
		return errors.Join(err, shutdownErr)
	}
	logger.Info("Reconciler stopped")
	return err
}

// build wires storage, gateways and the billing core. Anything opened
// before a failure is closed again.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg: cfg,
		log: observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "subfu-reconciler"),
	}
	if err := a.init(ctx); err != nil {
		a.close(nil)
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), a.log)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	if providers != nil {
		a.onShutdown("otel", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, providers, a.log)
		})
	}
	var otelMetrics *observability.OTelMetrics
	if cfg.Observability.OTelEnabled {
		if otelMetrics, err = observability.NewOTelMetrics(); err != nil {
			return fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
		}
	}

	if cfg.Observability.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = observability.NewMetrics(a.registry)
	}

	switch cfg.Storage.Type {
	case "memory":
		a.log.Warn("Using in-memory storage; state is lost on restart")
		a.backend = memory.NewBackend()
	default:
		pg, err := postgres.NewBackend(cfg.Storage, a.log, a.metrics)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		a.backend = pg
		a.redis = pg.Redis()
	}
	a.onShutdown("storage", func(context.Context) error { return a.backend.Close() })

	if a.redis == nil && cfg.Storage.RedisURL != "" {
		if a.redis, err = postgres.NewRedisClient(cfg.Storage); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.onShutdown("redis", func(context.Context) error { return a.redis.Close() })
	}

	if err := a.loadCatalog(); err != nil {
		return err
	}

	gateways, err := a.gateways(otelMetrics)
	if err != nil {
		return err
	}

	opts := []billing.Option{billing.WithMetrics(a.metrics)}
	if otelMetrics != nil {
		opts = append(opts, billing.WithOTelMetrics(otelMetrics))
	}
	svc := billing.NewService(a.catalog, gateways, a.backend.Ledger(), a.backend.Subscriptions(),
		subjects.NewRegistry(), a.log, opts...)
	proc := processing.NewProcessor(svc, a.backend.Ledger(), a.log)
	a.reconciler = reconcile.NewReconciler(svc, a.backend.Subscriptions(), a.backend.Ledger(), proc,
		cfg.Reconcile.Config, a.log.WithField("component", "reconciler"), a.metrics)
	return nil
}

func (a *app) loadCatalog() error {
	if !a.cfg.Catalog.Watch {
		catalog, err := plans.LoadFile(a.cfg.Catalog.Path)
		if err != nil {
			return fmt.Errorf("failed to load plan catalog: %w", err)
		}
		a.catalog = catalog
		return nil
	}

	var onReload func(error)
	if a.metrics != nil {
		onReload = a.metrics.ObserveCatalogReload
	}
	watched, err := plans.WatchFile(a.cfg.Catalog.Path, a.log, onReload)
	if err != nil {
		return fmt.Errorf("failed to watch plan catalog: %w", err)
	}
	a.catalog = watched
	a.onShutdown("catalog", func(context.Context) error { return watched.Close() })
	return nil
}

// gateways builds PayPal per currency, instrumented, behind the details cache
func (a *app) gateways(otelMetrics *observability.OTelMetrics) (gateway.Factory, error) {
	paypal, err := gateway.NewPayPalFactory(a.cfg.PayPal.PayPalConfig, a.cfg.PayPal.Currencies, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to configure paypal: %w", err)
	}
	var factory gateway.Factory = gateway.NewInstrumentedFactory(paypal, a.metrics, otelMetrics)

	sc := a.cfg.Storage
	if !sc.CacheEnabled {
		return factory, nil
	}
	var cache gateway.DetailsCache
	switch sc.CacheBackend {
	case "redis":
		if a.redis == nil {
			return nil, fmt.Errorf("redis cache requested but redis is not configured")
		}
		cache = gateway.NewRedisDetailsCache(a.redis.Client(), "subfu:paypal:", sc.CacheTTL)
	default:
		cache = gateway.NewMemoryDetailsCache(sc.CacheSize, sc.CacheTTL)
	}
	a.log.Infof("Caching recurring profile details in %s for %s", cache.Name(), sc.CacheTTL)
	return gateway.NewCachingFactory(factory, cache, a.metrics, a.log), nil
}

func (a *app) healthChecker() *observability.HealthChecker {
	var db *sql.DB
	if pg, ok := a.backend.(*postgres.Backend); ok {
		db = pg.Connections().Primary()
	}
	var rdb *redis.Client
	if a.redis != nil {
		rdb = a.redis.Client()
	}
	checker := observability.NewHealthChecker(db, rdb, version)
	checker.AddCheck("catalog", func(context.Context) error {
		if len(a.catalog.Keys()) == 0 {
			return fmt.Errorf("plan catalog is empty")
		}
		return nil
	})
	return checker
}
