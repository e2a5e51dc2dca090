package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/air-quality-service/internal/cache"
	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/config"
	"github.com/kjstillabower/air-quality-service/internal/database"
	"github.com/kjstillabower/air-quality-service/internal/fanout"
	"github.com/kjstillabower/air-quality-service/internal/history"
	httphandler "github.com/kjstillabower/air-quality-service/internal/http"
	"github.com/kjstillabower/air-quality-service/internal/lifecycle"
	"github.com/kjstillabower/air-quality-service/internal/observability"
	"github.com/kjstillabower/air-quality-service/internal/scheduler"
	"github.com/kjstillabower/air-quality-service/internal/service"
	"github.com/kjstillabower/air-quality-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	lifecycle.SetPhase(lifecycle.PhaseStarting)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	clock := clockwork.NewRealClock()

	openaq, err := client.NewOpenAQClient(client.Options{
		APIKey:          cfg.OpenAQAPIKey,
		BaseURL:         cfg.OpenAQURL,
		Timeout:         cfg.OpenAQTimeout,
		MinInterval:     cfg.OpenAQMinInterval,
		RetryAttempts:   cfg.RetryAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		RadiusMeters:    cfg.OpenAQRadius,
		SearchLimit:     cfg.OpenAQLimit,
		SensorDays:      cfg.OpenAQSensorDays,
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerTimeout:  cfg.BreakerTimeout,
	})
	if err != nil {
		logger.Fatal("openaq client", zap.Error(err))
	}
	if cfg.BreakerFailures > 0 {
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.BreakerFailures), zap.Duration("timeout", cfg.BreakerTimeout))
	}

	var geo client.GeoResolver
	if cfg.GeoEnabled {
		geo = client.NewIPInfoResolver(client.GeoOptions{
			BaseURL:  cfg.GeoURL,
			Token:    cfg.GeoToken,
			Timeout:  cfg.GeoTimeout,
			RetryMax: cfg.GeoRetryMax,
		}, logger.Named("geo"))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	var db *database.DB
	if cfg.CacheBackend == config.BackendPostgres || cfg.HistoryBackend == config.BackendPostgres {
		db, err = database.Connect(startCtx, cfg.DatabaseURL, database.Options{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		if err := db.RunMigrations(startCtx, logger); err != nil {
			logger.Fatal("database migrations", zap.Error(err))
		}
	}

	backend, err := openCacheBackend(startCtx, cfg, db)
	if err != nil {
		logger.Fatal("cache backend", zap.String("backend", cfg.CacheBackend), zap.Error(err))
	}
	logger.Info("cache backend ready", zap.String("backend", backend.Name()), zap.Duration("ttl", cfg.CacheTTL))
	store := cache.NewStore(backend, cfg.CacheTTL, clock)

	hist := openHistory(cfg, db, clock, logger)
	logger.Info("history store ready", zap.String("backend", cfg.HistoryBackend), zap.Strings("kafka_brokers", cfg.KafkaBrokers))

	svc := service.New(service.Deps{
		Locator: openaq,
		Fetcher: fanout.New(openaq, fanout.Options{Workers: cfg.FanoutWorkers, RateLimitPause: cfg.RateLimitPause}, clock, logger.Named("fanout")),
		Cache:   store,
		History: hist,
		Geo:     geo,
		Clock:   clock,
	}, logger)

	sched, err := scheduler.New(scheduler.Config{
		PollInterval:    cfg.PollInterval,
		ErrorBackoff:    cfg.ErrorBackoff,
		PopularInterval: cfg.PopularInterval,
		PopularPause:    cfg.PopularPause,
		Popular:         cfg.Popular,
		StaleInterval:   cfg.StaleInterval,
		StalePause:      cfg.StalePause,
		FullRefreshAt:   cfg.FullRefreshAt,
		FullPause:       cfg.FullPause,
		Timezone:        cfg.Timezone,
		Full:            cfg.Full,
	}, store, svc, clock, logger.Named("scheduler"))
	if err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(svc, sched, httphandler.HandlerConfig{
		SweepRetention:    cfg.CacheRetention,
		StartTime:         time.Now(),
		Traffic:           traffic.New(clock, cfg.HealthWindow),
		HealthWindow:      cfg.HealthWindow,
		HealthMinRequests: cfg.HealthMinRequests,
		DegradedErrorPct:  cfg.DegradedErrorPct,
		OverloadDeniedPct: cfg.OverloadDeniedPct,
	}, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterOptions{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Admin:          cfg.AdminEnabled,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	lifecycle.SetPhase(lifecycle.PhaseServing)

	if cfg.SchedulerEnabled {
		sched.Start()
	} else {
		logger.Info("refresh scheduler disabled; start it via POST /api/scheduler/start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}

	var closeErr *multierror.Error
	if err := hist.Close(); err != nil {
		closeErr = multierror.Append(closeErr, fmt.Errorf("history: %w", err))
	}
	if err := store.Close(); err != nil {
		closeErr = multierror.Append(closeErr, fmt.Errorf("cache: %w", err))
	}
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = multierror.Append(closeErr, fmt.Errorf("database: %w", err))
		}
	}
	if err := closeErr.ErrorOrNil(); err != nil {
		logger.Error("close resources", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openCacheBackend builds the configured cache backend. db is non-nil when postgres is selected.
func openCacheBackend(ctx context.Context, cfg *config.Config, db *database.DB) (cache.Backend, error) {
	switch cfg.CacheBackend {
	case config.BackendFile:
		return cache.NewFileBackend(cfg.CacheFilePath)
	case config.BackendLevelDB:
		return cache.NewLevelDBBackend(cfg.LevelDBPath)
	case config.BackendRedis:
		return cache.NewRedisBackend(ctx, cache.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Retention: cfg.CacheRetention,
		})
	case config.BackendMemcached:
		return cache.NewMemcachedBackend(cache.MemcachedOptions{
			Addrs:        cfg.MemcachedAddrs,
			Timeout:      cfg.MemcachedTimeout,
			MaxIdleConns: cfg.MemcachedMaxIdleConns,
			Retention:    cfg.CacheRetention,
		})
	case config.BackendPostgres:
		return cache.NewPostgresBackend(db.DB), nil
	default:
		return cache.NewMemoryBackend(), nil
	}
}

// openHistory builds the history store, wrapped with a Kafka publisher when brokers are configured.
func openHistory(cfg *config.Config, db *database.DB, clock clockwork.Clock, logger *zap.Logger) history.Store {
	var store history.Store
	if cfg.HistoryBackend == config.BackendPostgres {
		store = history.NewPostgresStore(db.DB, clock, logger.Named("history"))
	} else {
		store = history.NewMemoryStore(clock, logger.Named("history"))
	}
	if len(cfg.KafkaBrokers) > 0 {
		store = history.NewPublishingStore(store, history.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger.Named("kafka"))
	}
	return store
}
