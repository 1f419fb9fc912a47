// Command server runs the go2 edge: the public redirect endpoint, the job
// queue worker and the reconciliation scheduler.
//
// Startup order: config, logger, stores, services, supervisor tree. On
// SIGINT/SIGTERM the HTTP server stops accepting requests, detached click
// recording drains, then stores close.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go2-edge/internal/analytics"
	"go2-edge/internal/billing"
	"go2-edge/internal/config"
	"go2-edge/internal/email"
	httpHandler "go2-edge/internal/handler/http"
	"go2-edge/internal/kv"
	"go2-edge/internal/queue"
	"go2-edge/internal/ratelimit"
	"go2-edge/internal/repository"
	"go2-edge/internal/repository/badger"
	"go2-edge/internal/repository/postgres"
	"go2-edge/internal/repository/redis"
	"go2-edge/internal/scheduler"
	"go2-edge/internal/service"
	"go2-edge/internal/supervisor"
	"go2-edge/internal/task"
	"go2-edge/internal/visitor"
	"go2-edge/pkg/logger"
)

func main() {
	dispatch := flag.String("dispatch", "", "run the jobs bound to this cron spec once and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.App.LogLevel, Format: cfg.App.LogFormat})
	log.Info().
		Str("environment", cfg.App.Environment).
		Str("port", cfg.Server.Port).
		Str("kv_driver", cfg.KV.Driver).
		Msg("Starting go2 edge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *dispatch); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

// app holds everything run builds; close releases it in reverse order.
type app struct {
	redis   *goredis.Client
	badger  *badger.Store
	sink    analytics.Sink
	closers []func() error
}

func (a *app) close(log zerolog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close resource")
		}
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, dispatch string) error {
	a := &app{}
	defer a.close(log)

	// ==================== STORES ====================

	db, err := postgres.InitDB(ctx, cfg.Database.DatabaseDSN(), cfg.Database.MaxConns, cfg.Database.MinConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, func() error { db.Close(); return nil })
	if cfg.Database.Migrate {
		if err := postgres.Migrate(db, log); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}
	log.Info().Msg("Database connection established")

	store, err := openKV(cfg, a)
	if err != nil {
		return err
	}

	if err := openSink(ctx, cfg, a); err != nil {
		return err
	}

	js, err := queue.Connect(ctx, queue.JetStreamConfig{
		URL:        cfg.NATS.URL,
		Stream:     cfg.NATS.Stream,
		Subject:    cfg.NATS.Subject,
		Durable:    cfg.NATS.Durable,
		BatchSize:  cfg.NATS.BatchSize,
		FetchWait:  cfg.NATS.FetchWait,
		MaxDeliver: cfg.NATS.MaxDeliver,
	}, log)
	if err != nil {
		return fmt.Errorf("connect job queue: %w", err)
	}
	a.closers = append(a.closers, js.Close)

	// ==================== REPOSITORIES ====================

	links := postgres.NewLinkRepository(db)
	clicks := postgres.NewClickRepository(db)
	subs := postgres.NewSubscriptionRepository(db)
	orgs := postgres.NewOrganizationRepository(db)
	users := postgres.NewUserRepository(db)
	dunning := postgres.NewDunningRepository(db)
	alerts := postgres.NewUsageAlertRepository(db)
	drips := postgres.NewDripRepository(db)

	// ==================== SERVICES ====================

	mailer := email.NewQueueMailer(js)
	sender, err := email.NewResendSender(email.ResendConfig{
		BaseURL: cfg.Email.BaseURL,
		APIKey:  cfg.Email.APIKey,
		From:    cfg.Email.From,
		Timeout: cfg.Email.Timeout,
	}, log)
	if err != nil {
		return err
	}

	linkCache := service.NewLinkCache(store)
	sched, err := newScheduler(cfg, log, scheduler.Jobs{
		Sweep: &scheduler.ExpiredLinkSweep{Links: links, Cache: linkCache, Lookback: cfg.Scheduler.SweepLookback, Log: log},
		Trials: &scheduler.TrialExpiry{
			Subscriptions: subs, Orgs: orgs, Mailer: mailer, Log: log,
		},
		Orphans: &scheduler.OrphanRepair{Users: users, Orgs: orgs, Log: log},
		Usage: &scheduler.UsageAlerts{
			Orgs: orgs, Alerts: alerts, Subscriptions: subs, Mailer: mailer, Log: log,
		},
		Dunning: &scheduler.Dunning{
			Records:       dunning,
			Subscriptions: subs,
			Orgs:          orgs,
			Billing:       billing.NewStripe(cfg.Billing.StripeAPIKey, cfg.Billing.StripeBaseURL),
			Mailer:        mailer,
			Log:           log,
		},
		Health: newHealthProbe(cfg, links, orgs, mailer, log),
		Drip: &scheduler.Drip{
			Drips:         drips,
			Orgs:          orgs,
			Mailer:        mailer,
			Batch:         cfg.Scheduler.DripBatchSize,
			EnrollWindow:  cfg.Scheduler.DripEnrollWindow,
			InactiveAfter: cfg.Scheduler.InactiveAfter,
			Log:           log,
		},
	})
	if err != nil {
		return err
	}

	if dispatch != "" {
		return sched.Dispatch(ctx, dispatch, time.Now())
	}

	runner := task.NewRunner(cfg.Edge.DetachedTimeout, task.LogSink{})
	recorder := service.NewClickRecorder(service.RecorderConfig{
		Links:          links,
		Clicks:         clicks,
		Sink:           a.sink,
		Store:          store,
		Dedup:          service.NewClickDeduplicator(store, cfg.Edge.DedupTTL, log),
		IdentitySalt:   cfg.Edge.IdentitySalt,
		RecentClickTTL: cfg.Edge.RecentClickTTL,
		Logger:         log,
	})

	readiness := map[string]httpHandler.ReadinessCheck{
		"postgres": db.Ping,
		"nats":     func(context.Context) error { return js.Ping() },
	}
	if a.redis != nil {
		readiness["redis"] = redis.NewStore(a.redis, cfg.Redis.KeyPrefix).Ping
	}

	handler := httpHandler.NewHandler(httpHandler.Deps{
		Resolver: service.NewEdgeResolver(linkCache, service.FallbackPolicy{
			Enabled:       cfg.Edge.FallbackToDefaultDomain,
			DefaultDomain: cfg.Edge.DefaultDomain,
			Hosts:         cfg.Edge.FallbackDomains,
		}, log),
		Presenter:  service.NewPresentationDecorator(cfg.Edge.RedirectDelay),
		Recorder:   recorder,
		Tasks:      runner,
		Visitor:    visitor.Options{HonorDNT: cfg.Edge.HonorDNT},
		VerifyPath: cfg.Edge.VerifyPath,
		Readiness:  readiness,
	})

	routerCfg := httpHandler.RouterConfig{
		Logger:        log,
		HomeURL:       cfg.App.BaseURL,
		EnableMetrics: cfg.App.EnableMetrics,
	}
	if cfg.App.RateLimitEnabled {
		routerCfg.Limiter = ratelimit.New(a.redis, cfg.Redis.KeyPrefix, cfg.App.RateLimitPerMinute, time.Minute)
	}

	// ==================== SUPERVISOR TREE ====================

	tree := supervisor.NewTree(log, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      httpHandler.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout, func(ctx context.Context) {
		if err := runner.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("detached tasks did not finish before shutdown")
		}
	}))

	consumer := queue.NewConsumer(cfg.NATS.RetryDelay, log)
	consumer.Handle(email.MessageType, email.QueueHandler(sender))
	worker, err := js.Worker(ctx, consumer)
	if err != nil {
		return fmt.Errorf("create queue worker: %w", err)
	}
	tree.AddWorkerService(worker)

	if cfg.Scheduler.Enabled {
		tree.AddWorkerService(sched)
	}
	if a.badger != nil {
		tree.AddWorkerService(a.badger)
	}

	log.Info().Str("address", server.Addr).Msg("Server starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	return nil
}

func openKV(cfg *config.Config, a *app) (kv.Store, error) {
	if cfg.KV.Driver == "redis" || cfg.App.RateLimitEnabled {
		client, err := redis.InitRedis(cfg.Redis.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}

	switch cfg.KV.Driver {
	case "redis":
		return redis.NewStore(a.redis, cfg.Redis.KeyPrefix), nil
	case "badger":
		s, err := badger.Open(cfg.KV.BadgerPath)
		if err != nil {
			return nil, err
		}
		a.badger = s
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return kv.NewMemory(), nil
	}
}

func openSink(ctx context.Context, cfg *config.Config, a *app) error {
	if cfg.Analytics.Driver != "duckdb" {
		a.sink = analytics.Nop{}
		return nil
	}
	duck, err := analytics.OpenDuckDB(ctx, cfg.Analytics.DuckDBPath)
	if err != nil {
		return err
	}
	a.sink = duck
	a.closers = append(a.closers, duck.Close)
	return nil
}

func newScheduler(cfg *config.Config, log zerolog.Logger, jobs scheduler.Jobs) (*scheduler.Scheduler, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}
	s := scheduler.New(loc, log)
	if err := s.BindDefaults(cfg.Scheduler.DailySpec, cfg.Scheduler.HealthSpec, cfg.Scheduler.DripSpec, jobs); err != nil {
		return nil, fmt.Errorf("bind scheduler jobs: %w", err)
	}
	return s, nil
}

func newHealthProbe(cfg *config.Config, links repository.LinkRepository, orgs repository.OrganizationRepository, mailer email.Mailer, log zerolog.Logger) *scheduler.HealthProbe {
	var limiter *rate.Limiter
	if cfg.Scheduler.HealthProbeDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Scheduler.HealthProbeDelay), 1)
	}
	return &scheduler.HealthProbe{
		Links:  links,
		Orgs:   orgs,
		Mailer: mailer,
		Prober: scheduler.Prober{
			Client:  &http.Client{Timeout: cfg.Scheduler.HealthProbeTimeout},
			Timeout: cfg.Scheduler.HealthProbeTimeout,
		},
		Batch:        cfg.Scheduler.HealthBatchSize,
		RecheckAfter: cfg.Scheduler.HealthRecheckAfter,
		Limiter:      limiter,
		MaxPerEmail:  cfg.Scheduler.HealthMaxLinksPerEmail,
		Log:          log,
	}
}
