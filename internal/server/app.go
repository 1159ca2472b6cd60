// Package server builds the registrar service graph from configuration and
// runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/api"
	"github.com/JakeFAU/bulk-registrar/internal/auth"
	"github.com/JakeFAU/bulk-registrar/internal/catalog"
	"github.com/JakeFAU/bulk-registrar/internal/clock/system"
	"github.com/JakeFAU/bulk-registrar/internal/config"
	"github.com/JakeFAU/bulk-registrar/internal/crawl"
	"github.com/JakeFAU/bulk-registrar/internal/crawl/adapters"
	"github.com/JakeFAU/bulk-registrar/internal/dispatcher"
	"github.com/JakeFAU/bulk-registrar/internal/executor"
	collyfetcher "github.com/JakeFAU/bulk-registrar/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/bulk-registrar/internal/fetcher/headless"
	"github.com/JakeFAU/bulk-registrar/internal/hash/sha256"
	"github.com/JakeFAU/bulk-registrar/internal/headless/detector"
	"github.com/JakeFAU/bulk-registrar/internal/id/uuid"
	"github.com/JakeFAU/bulk-registrar/internal/jobs"
	"github.com/JakeFAU/bulk-registrar/internal/metrics"
	"github.com/JakeFAU/bulk-registrar/internal/payment"
	"github.com/JakeFAU/bulk-registrar/internal/policy/ratelimit"
	"github.com/JakeFAU/bulk-registrar/internal/policy/simple"
	"github.com/JakeFAU/bulk-registrar/internal/pricing"
	"github.com/JakeFAU/bulk-registrar/internal/progress"
	progresssinks "github.com/JakeFAU/bulk-registrar/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/bulk-registrar/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bulk-registrar/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/bulk-registrar/internal/queue/memory"
	"github.com/JakeFAU/bulk-registrar/internal/quota"
	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/registration"
	"github.com/JakeFAU/bulk-registrar/internal/schedule"
	"github.com/JakeFAU/bulk-registrar/internal/scheduler"
	gcsstorage "github.com/JakeFAU/bulk-registrar/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bulk-registrar/internal/storage/local"
	memorystorage "github.com/JakeFAU/bulk-registrar/internal/storage/memory"
	pgstore "github.com/JakeFAU/bulk-registrar/internal/storage/postgres"
	redisstorage "github.com/JakeFAU/bulk-registrar/internal/storage/redis"
	"github.com/JakeFAU/bulk-registrar/internal/subscription"
	"github.com/JakeFAU/bulk-registrar/internal/worker"
)

// Sweep task names.
const (
	SweepUsageReset      = "usage-reset"
	SweepExpiry          = "subscription-expiry"
	SweepScheduledCrawls = "scheduled-crawls"
)

const (
	shutdownTimeout = 15 * time.Second
	sweepTimeout    = 5 * time.Minute
)

// stores groups the persistence interfaces so memory and Postgres backends
// can be swapped as a unit.
type stores struct {
	jobs          registrar.JobStore
	crawls        registrar.CrawlStore
	products      registrar.ProductStore
	subscriptions registrar.SubscriptionStore
	payments      registrar.PaymentStore
	credentials   registrar.CredentialStore
	schedules     registrar.ScheduleStore
	prices        registrar.PriceStore
}

// locking is what payments and admission checks need from a lock service.
type locking interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	jobsQueue   *queuememory.Queue
	crawlQueue  *queuememory.Queue
	jobsRunner  *dispatcher.Dispatcher
	crawlRunner *dispatcher.Dispatcher
	scheduler   *scheduler.Scheduler
	tasks       []scheduler.Task
	progressHub *progress.Hub

	pg           *pgstore.Store
	redis        *goredis.Client
	pubsubClient *pubsub.Client
	gcsClient    *storage.Client
	headless     *headlessfetcher.Fetcher
}

// Build creates the application's dependencies. reg receives the progress
// collectors; nil means the default Prometheus registerer.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("auth", cfg.Auth.Enabled),
	)
	if err := app.build(ctx, reg); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, reg prometheus.Registerer) error {
	clock := system.New()
	ids := uuid.New()

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	st, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	locker, revoker, err := a.setupRedis(ctx, clock)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	events, err := a.setupProgress(publisher, reg)
	if err != nil {
		return err
	}

	meter := quota.NewMeter(quota.Config{
		Period:      a.cfg.UsagePeriod(),
		WarnPercent: a.cfg.Billing.WarnPercent,
	}, st.subscriptions, quota.DefaultCatalog(), clock, ids, events, a.logger)
	subs := subscription.New(meter, st.subscriptions, clock, a.logger)

	base, limit := a.cfg.RetryBackoff()
	policy := registrar.NewRetryPolicy(a.cfg.Retry.MaxAttempts, base, limit)

	regClient, err := registration.New(registration.Config{
		BaseURL:           a.cfg.Registration.BaseURL,
		TokenURL:          a.cfg.Registration.TokenURL,
		Timeout:           time.Duration(a.cfg.Registration.TimeoutSeconds) * time.Second,
		RequestsPerSecond: a.cfg.Registration.RequestsPerSecond,
		Burst:             a.cfg.Registration.Burst,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("registration client init failed: %w", err)
	}

	a.jobsQueue = queuememory.NewQueue(a.cfg.Jobs.QueueDepth)
	manager := jobs.New(jobs.Deps{
		Jobs:        st.jobs,
		Products:    st.products,
		Credentials: st.credentials,
		Blobs:       blobs,
		Hasher:      sha256.New(),
		Meter:       meter,
		Executor:    executor.New(regClient, st.jobs, st.products, policy, clock, ids, a.logger),
		Images:      regClient,
		Queue:       a.jobsQueue,
		Pool:        worker.New("rows", a.cfg.Jobs.RowConcurrency, a.logger),
		Clock:       clock,
		IDs:         ids,
		Events:      events,
	}, a.logger)
	a.jobsRunner = dispatcher.New(a.jobsQueue, manager, a.cfg.Jobs.Workers, a.logger.Named("jobs"))

	fetchers, err := a.setupFetchers()
	if err != nil {
		return err
	}
	prices := pricing.New(pricing.Deps{
		Prices:   st.prices,
		Products: st.products,
		Meter:    meter,
		Locker:   locker,
		Clock:    clock,
		IDs:      ids,
		Events:   events,
	}, a.logger)

	a.crawlQueue = queuememory.NewQueue(a.cfg.Crawler.QueueDepth)
	orchestrator := crawl.New(crawl.Deps{
		Crawls:   st.crawls,
		Products: st.products,
		Adapters: adapters.NewRegistry(fetchers),
		Meter:    meter,
		Locker:   locker,
		Queue:    a.crawlQueue,
		Pool:     worker.New("items", a.cfg.Crawler.ItemConcurrency, a.logger),
		Policy:   policy,
		Clock:    clock,
		IDs:      ids,
		Events:   events,
		Blocked:  crawl.NewBlocklist(a.cfg.Crawler.BlockedDomains),
		Prices:   prices,
	}, a.logger)
	a.crawlRunner = dispatcher.New(a.crawlQueue, orchestrator, a.cfg.Crawler.Workers, a.logger.Named("crawl"))
	schedules := schedule.New(schedule.Deps{
		Schedules: st.schedules,
		Crawler:   orchestrator,
		Meter:     meter,
		Locker:    locker,
		Clock:     clock,
		IDs:       ids,
	}, a.logger)

	gateway, err := a.setupGateway()
	if err != nil {
		return err
	}
	payments := payment.New(payment.Deps{
		Payments:      st.payments,
		Subscriptions: subs,
		Plans:         meter.Plans(),
		Gateway:       gateway,
		Locker:        locker,
		LockTTL:       time.Duration(a.cfg.Payment.LockTTLSeconds) * time.Second,
		Clock:         clock,
		IDs:           ids,
		Events:        events,
	}, a.logger)

	var verifier *auth.Verifier
	if a.cfg.Auth.Enabled {
		verifier, err = auth.NewVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, clock)
		if err != nil {
			return fmt.Errorf("auth verifier init failed: %w", err)
		}
	}

	a.apiServer, err = api.NewServer(api.Deps{
		Jobs:          manager,
		Crawls:        orchestrator,
		Schedules:     schedules,
		Prices:        prices,
		Catalog:       catalog.New(st.products, clock, a.logger),
		Subscriptions: subs,
		Payments:      payments,
		Credentials:   st.credentials,
		Verifier:      verifier,
		Revoker:       revoker,
		IDs:           ids,
		Clock:         clock,
		Ready:         a.ready,
	}, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}

	a.tasks = []scheduler.Task{
		{Name: SweepUsageReset, Spec: a.cfg.Scheduler.UsageSweepCron, Run: meter.ResetDue},
		{Name: SweepExpiry, Spec: a.cfg.Scheduler.ExpirySweepCron, Run: subs.ExpireDue},
		{Name: SweepScheduledCrawls, Spec: a.cfg.Scheduler.CrawlScheduleCron, Run: schedules.RunDue},
	}
	a.scheduler, err = scheduler.New(a.tasks, sweepTimeout, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (registrar.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (stores, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, records are kept in memory")
		crawls := memorystorage.NewCrawlStore()
		return stores{
			jobs:          memorystorage.NewJobStore(),
			crawls:        crawls,
			products:      crawls,
			subscriptions: memorystorage.NewSubscriptionStore(),
			payments:      memorystorage.NewPaymentStore(),
			credentials:   memorystorage.NewCredentialStore(),
			schedules:     memorystorage.NewScheduleStore(),
			prices:        memorystorage.NewPriceStore(),
		}, nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxConns),
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pg = pg
	if err := pg.EnsureSchema(ctx); err != nil {
		return stores{}, err
	}
	a.logger.Info("postgres store initialized")
	return stores{
		jobs:          pg,
		crawls:        pg,
		products:      pg,
		subscriptions: pg,
		payments:      pg,
		credentials:   pg,
		schedules:     pg,
		prices:        pg,
	}, nil
}

func (a *App) setupRedis(ctx context.Context, clock registrar.Clock) (locking, auth.Revoker, error) {
	if a.cfg.Redis.Addr == "" {
		a.logger.Warn("no Redis configured, locks and revocations are process-local")
		return memorystorage.NewLocker(), memorystorage.NewRevoker(clock), nil
	}
	client, err := redisstorage.NewClient(ctx, redisstorage.Config{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis init failed: %w", err)
	}
	a.redis = client
	a.logger.Info("redis initialized", zap.String("addr", a.cfg.Redis.Addr))
	prefix := a.cfg.Redis.KeyPrefix
	return redisstorage.NewLocker(client, prefix), redisstorage.NewRevoker(client, prefix), nil
}

func (a *App) setupPublisher(ctx context.Context) (registrar.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(client, a.cfg.PubSub.TopicName), nil
}

func (a *App) setupProgress(publisher registrar.Publisher, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	a.progressHub = progress.NewHub(progress.Config{
		Logger: a.logger.Named("progress_hub"),
	},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewPublisherSink(publisher, a.cfg.PubSub.TopicName),
	)
	return a.progressHub, nil
}

func (a *App) setupGateway() (payment.Gateway, error) {
	if a.cfg.Payment.APIKey == "" {
		a.logger.Warn("no payment API key configured, payment verification is disabled")
		return payment.UnconfiguredGateway{}, nil
	}
	gateway, err := payment.NewHTTPGateway(payment.GatewayConfig{
		BaseURL: a.cfg.Payment.BaseURL,
		APIKey:  a.cfg.Payment.APIKey,
		Timeout: time.Duration(a.cfg.Payment.TimeoutSeconds) * time.Second,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("payment gateway init failed: %w", err)
	}
	return gateway, nil
}

func (a *App) setupFetchers() (adapters.Fetchers, error) {
	var limiter collyfetcher.Limiter
	if a.cfg.Crawler.RateLimit {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.Crawler.PerDomainRPS,
			DefaultBurst: a.cfg.Crawler.PerDomainBurst,
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.Crawler.PerDomainRPS),
			zap.Int("default_burst", a.cfg.Crawler.PerDomainBurst),
		)
	} else {
		limiter = simple.New()
		a.logger.Info("rate limiter disabled, using simple policy")
	}
	fetchers := adapters.Fetchers{
		Static: collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Crawler.UserAgent,
			RespectRobots: !a.cfg.Crawler.IgnoreRobots,
			Timeout:       a.cfg.CrawlTimeout(),
		}, limiter),
		Headless:      headlessfetcher.NewNoop(),
		RespectRobots: !a.cfg.Crawler.IgnoreRobots,
	}
	if !a.cfg.Headless.Enabled {
		a.logger.Info("headless rendering disabled; dynamic targets will fail")
		return fetchers, nil
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	}, limiter)
	if err != nil {
		return fetchers, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = headless
	fetchers.Headless = headless
	fetchers.Detector = detector.NewHeuristic(a.cfg.Headless.PromotionThresh)
	a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return fetchers, nil
}

// ready pings the external stores that are configured.
func (a *App) ready(ctx context.Context) error {
	var errs []error
	if a.pg != nil {
		errs = append(errs, a.pg.Ping(ctx))
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("ping redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Sweeps lists the periodic sweep names in a stable order.
func (a *App) Sweeps() []string {
	names := make([]string, 0, len(a.tasks))
	for _, t := range a.tasks {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// RunSweep runs the named sweep once and returns how many records it touched.
func (a *App) RunSweep(ctx context.Context, name string) (int, error) {
	for _, t := range a.tasks {
		if t.Name == name {
			n, err := t.Run(ctx)
			if err != nil {
				return n, fmt.Errorf("sweep %s: %w", name, err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown sweep %q", registrar.ErrInvalidArgument, name)
}

// Run starts the runners, the scheduler and the HTTP server and blocks until
// ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	runnersDone := make(chan struct{})
	go func() {
		defer close(runnersDone)
		done := make(chan struct{})
		go func() {
			a.crawlRunner.Run(ctx)
			close(done)
		}()
		a.jobsRunner.Run(ctx)
		<-done
	}()
	a.logger.Info("dispatchers started",
		zap.Int("job_workers", a.cfg.Jobs.Workers),
		zap.Int("crawl_workers", a.cfg.Crawler.Workers),
	)

	a.scheduler.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop failed", zap.Error(err))
	}
	select {
	case <-runnersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("runners did not stop before the shutdown deadline")
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases queues and infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	if a.jobsQueue != nil {
		a.jobsQueue.Close()
	}
	if a.crawlQueue != nil {
		a.crawlQueue.Close()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.headless != nil {
		a.headless.Close()
		a.headless = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
		a.redis = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}
