package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avacache/internal/backup"
	"github.com/vyrodovalexey/avacache/internal/cache"
	"github.com/vyrodovalexey/avacache/internal/config"
	"github.com/vyrodovalexey/avacache/internal/health"
	"github.com/vyrodovalexey/avacache/internal/invalidation"
	"github.com/vyrodovalexey/avacache/internal/keyspace"
	"github.com/vyrodovalexey/avacache/internal/lock"
	"github.com/vyrodovalexey/avacache/internal/monitoring"
	"github.com/vyrodovalexey/avacache/internal/observability"
	"github.com/vyrodovalexey/avacache/internal/retry"
	"github.com/vyrodovalexey/avacache/internal/scheduler"
	"github.com/vyrodovalexey/avacache/internal/server"
	"github.com/vyrodovalexey/avacache/internal/warming"
)

// Scheduled task and strategy names.
const (
	taskSweep      = "cache-sweep"
	taskWarming    = "cache-warming"
	taskMonitoring = "cache-monitoring"
	taskBackup     = "cache-backup"

	hotKeysStrategy = "hot-keys"

	webhookTimeout = 5 * time.Second
)

// application holds all application components.
type application struct {
	config    *config.Config
	client    redis.UniversalClient
	store     *cache.Store
	locks     *lock.Manager
	monitor   *monitoring.Service
	warming   *warming.Scheduler
	backups   *backup.Service
	scheduler *scheduler.Scheduler
	server    *server.Server
	tracer    *observability.Tracer
	registry  *prometheus.Registry
}

// initApplication builds every component from cfg.
func initApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		ServiceName:  "avacache",
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	app := &application{
		config:    cfg,
		tracer:    tracer,
		registry:  prometheus.NewRegistry(),
		scheduler: scheduler.New(logger),
		warming:   warming.New(logger),
	}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Redis is needed by L2, locks and backups. Without L2 the service
	// runs standalone with in-process locks.
	if cfg.Cache.L2.Enabled {
		client, err := connectRedis(ctx, cfg.Cache, logger)
		if err != nil {
			return nil, err
		}
		app.client = client
	}

	codec := keyspace.NewCodec(cfg.Cache.KeyPrefix, cfg.Cache.MaxKeyLength)

	app.monitor = monitoring.New(monitoring.Config{
		Thresholds: thresholdsFrom(cfg.Monitoring.Thresholds),
		MinSamples: cfg.Monitoring.MinSamples,
	},
		monitoring.WithLogger(logger),
		monitoring.WithAlerters(alertersFrom(cfg.Monitoring, logger)...),
		monitoring.WithRegisterer(app.registry),
	)

	app.store, err = cache.New(&cfg.Cache, codec, app.client,
		cache.WithLogger(logger),
		cache.WithRecorder(app.monitor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache store: %w", err)
	}
	cache.GetMetrics().MustRegister(app.registry)

	lockOpts := []lock.Option{lock.WithLogger(logger), lock.WithRecorder(app.monitor)}
	if d := cfg.Cache.L2.OperationTimeout.Duration(); d > 0 {
		lockOpts = append(lockOpts, lock.WithTimeout(d))
	}
	if app.client != nil {
		app.locks = lock.NewRedis(codec, app.client, lockOpts...)
	} else {
		logger.Warn("L2 disabled, locks are process-local")
		app.locks = lock.NewMemory(codec, lockOpts...)
	}
	lock.MustRegister(app.registry)

	if err := app.initBackups(ctx, codec, logger); err != nil {
		return nil, err
	}

	loader := defaultLoader(time.Now)
	if err := app.registerStrategies(loader); err != nil {
		return nil, err
	}
	if err := app.registerTasks(); err != nil {
		return nil, err
	}

	checker := health.NewChecker(version)
	if app.client != nil {
		checker.RegisterCheck("redis", health.RedisCheck(app.client), true)
		checker.RegisterCheck("l2-breaker", health.BreakerCheck(func() string {
			return app.store.Stats().BreakerState
		}), false)
	}

	app.server, err = server.New(cfg.HTTP, server.Deps{
		Store:       app.store,
		Invalidator: invalidation.New(app.store, logger),
		Locks:       app.locks,
		Warming:     app.warming,
		Monitor:     app.monitor,
		Backups:     app.backups,
		Health:      checker,
		Gatherer:    app.registry,
		Loader:      loader,
		DefaultTTL:  cfg.Cache.DefaultTTL.Duration(),
	}, logger)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// connectRedis parses the URL and pings with backoff until the server
// answers.
func connectRedis(ctx context.Context, cfg config.CacheConfig, logger observability.Logger) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.L2.PoolSize > 0 {
		opts.PoolSize = cfg.L2.PoolSize
	}
	client := redis.NewClient(opts)

	err = retry.Do(ctx, &retry.Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
	}, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			logger.Warn("redis not ready, retrying",
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err))
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("connected to redis", observability.String("address", opts.Addr))
	return client, nil
}

func (a *application) initBackups(ctx context.Context, codec *keyspace.Codec, logger observability.Logger) error {
	cfg := a.config.Backup
	if !cfg.Enabled {
		return nil
	}
	if a.client == nil {
		logger.Warn("backups need redis, disabling")
		return nil
	}

	opts := []backup.Option{backup.WithLogger(logger)}
	if cfg.S3.Bucket != "" {
		uploader, err := backup.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("failed to create s3 uploader: %w", err)
		}
		opts = append(opts, backup.WithUploader(uploader))
	}
	a.backups = backup.New(a.client, codec, cfg.Dir, cfg.Retention, opts...)
	return nil
}

// registerStrategies installs the built-in warming strategies.
func (a *application) registerStrategies(loader cache.Loader) error {
	cfg := a.config.Warming
	if len(cfg.Keys) == 0 {
		return nil
	}

	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate)))
	}

	ttl := cfg.TTL.Duration()
	if ttl == 0 {
		ttl = a.config.Cache.DefaultTTL.Duration()
	}
	return a.warming.RegisterStrategy(hotKeysStrategy,
		warming.KeyListStrategy(a.store, cfg.Keys, ttl, loader, cfg.BatchSize, limiter))
}

// registerTasks registers the periodic jobs enabled in the config.
func (a *application) registerTasks() error {
	cfg := a.config
	var errs []error

	// In-process locks need sweeping even when L1 is off.
	if cfg.Cache.L1.Enabled || a.client == nil {
		errs = append(errs, a.scheduler.Register(taskSweep, cfg.Cache.L1.SweepInterval.Duration(),
			func(ctx context.Context) error {
				a.store.Sweep(ctx)
				a.locks.Sweep(ctx)
				return nil
			}))
	}
	if cfg.Monitoring.Enabled {
		errs = append(errs, a.scheduler.Register(taskMonitoring, cfg.Monitoring.Interval.Duration(), a.monitor.Check))
	}
	if cfg.Warming.Enabled {
		names := cfg.Warming.Strategies
		errs = append(errs, a.scheduler.Register(taskWarming, cfg.Warming.Interval.Duration(),
			func(ctx context.Context) error {
				return a.warming.RunScheduled(ctx, names)
			}))
	}
	if a.backups != nil {
		errs = append(errs, a.scheduler.Register(taskBackup, cfg.Backup.Interval.Duration(), a.backups.Run))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to register scheduled tasks: %w", err)
	}
	return nil
}

// applyThresholds is the config watcher callback.
func (a *application) applyThresholds(t config.ThresholdsConfig) {
	a.monitor.SetThresholds(thresholdsFrom(t))
}

// close releases resources held by the application.
func (a *application) close(ctx context.Context) error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	errs = append(errs, a.tracer.Shutdown(ctx))
	return errors.Join(errs...)
}

func thresholdsFrom(t config.ThresholdsConfig) monitoring.Thresholds {
	return monitoring.Thresholds{
		HitRatio:     t.HitRatio,
		ResponseTime: t.ResponseTime,
		ErrorRate:    t.ErrorRate,
	}
}

func alertersFrom(cfg config.MonitoringConfig, logger observability.Logger) []monitoring.Alerter {
	alerters := []monitoring.Alerter{monitoring.NewLogAlerter(logger)}
	if cfg.WebhookURL != "" {
		alerters = append(alerters, monitoring.NewWebhookAlerter(cfg.WebhookURL, &http.Client{Timeout: webhookTimeout}))
	}
	return alerters
}
