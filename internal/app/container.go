package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/api/handlers"
	"github.com/acme/campaign-dialer/internal/config"
	"github.com/acme/campaign-dialer/internal/infra/db"
	"github.com/acme/campaign-dialer/internal/infra/redis"
	"github.com/acme/campaign-dialer/internal/queue"
	"github.com/acme/campaign-dialer/internal/repository"
	pgrepo "github.com/acme/campaign-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/campaign-dialer/internal/repository/scylla"
	"github.com/acme/campaign-dialer/internal/scheduler"
	callsvc "github.com/acme/campaign-dialer/internal/service/call"
	campaignsvc "github.com/acme/campaign-dialer/internal/service/campaign"
	"github.com/acme/campaign-dialer/internal/service/concurrency"
	"github.com/acme/campaign-dialer/internal/service/ingest"
	"github.com/acme/campaign-dialer/internal/service/reconcile"
	"github.com/acme/campaign-dialer/internal/telephony"
	"github.com/acme/campaign-dialer/internal/telephony/mock"
	"github.com/acme/campaign-dialer/internal/telephony/vapi"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publisher    *queue.StatusPublisher
	}
}

type repositories struct {
	Campaigns repository.CampaignRepository
	Contacts  repository.ContactRepository
	Calls     repository.CallRepository
	Directory repository.DirectoryRepository
	Archive   repository.EventArchive
}

type services struct {
	Campaign     *campaignsvc.Service
	Transitioner *callsvc.Transitioner
	Launcher     *callsvc.Launcher
	Reconciler   *reconcile.Reconciler
	Scheduler    *scheduler.Scheduler
	Ingester     *ingest.Ingester
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = scylla.Close()
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		_ = redisClient.Close()
		_ = scylla.Close()
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		sqlDB := c.Postgres.DB()

		repos := &repositories{
			Campaigns: pgrepo.NewCampaignRepository(sqlDB),
			Contacts:  pgrepo.NewContactRepository(sqlDB),
			Calls:     pgrepo.NewCallRepository(sqlDB),
			Directory: pgrepo.NewDirectoryRepository(sqlDB),
			Archive:   scyllarepo.NewEventArchive(c.Scylla.Session()),
		}

		publisher := queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic)

		var provider telephony.Provider
		switch cfg.Provider.Name {
		case "mock":
			c.Logger.Warn("using mock telephony provider")
			provider = mock.NewAutoAdvancing()
		default:
			provider = vapi.NewClient(cfg.Provider)
		}

		throttle := concurrency.NewThrottle(c.Redis.Inner(), cfg.Dispatch.RateLimitKeyPrefix, cfg.Dispatch.RequestsPerSecond)

		transitioner := callsvc.NewTransitioner(repos.Calls, repos.Campaigns, publisher, c.Logger)
		launcher := callsvc.NewLauncher(repos.Calls, repos.Campaigns, provider, transitioner, throttle, callsvc.LauncherConfig{
			MaxAttempts:   cfg.Dispatch.MaxAttempts,
			RetryDelays:   cfg.Dispatch.RetryDelays,
			DefaultRegion: cfg.Dispatch.DefaultRegion,
		}, c.Logger)
		reconciler := reconcile.New(repos.Calls, provider, transitioner, reconcile.Config{
			After:        cfg.Scheduler.ReconcileAfter,
			StaleTimeout: cfg.Scheduler.StaleTimeout,
			BatchSize:    cfg.Scheduler.ReconcileBatchSize,
		}, c.Logger)

		sched := scheduler.New(scheduler.Deps{
			Campaigns: repos.Campaigns,
			Contacts:  repos.Contacts,
			Calls:     repos.Calls,
			Directory: repos.Directory,
			Planner: concurrency.NewPlanner(concurrency.PlannerConfig{
				MaxLaunchesPerTick: cfg.Dispatch.MaxLaunchesPerTick,
				ProviderCeiling:    cfg.Dispatch.ProviderCeiling,
				SafetyBuffer:       cfg.Dispatch.SafetyBuffer,
			}),
			Launcher:   launcher,
			Reconciler: reconciler,
			Completer:  transitioner,
			Logger:     c.Logger,
		}, scheduler.Config{
			TickInterval:       cfg.Scheduler.TickInterval,
			ReconcileInterval:  cfg.Scheduler.ReconcileInterval,
			CampaignFetchLimit: cfg.Scheduler.CampaignFetchLimit,
			LaunchStagger:      cfg.Dispatch.LaunchStagger,
			BurstCooldown:      cfg.Dispatch.BurstCooldown,
		})

		c.components.repositories = repos
		c.components.publisher = publisher
		c.components.services = &services{
			Campaign:     campaignsvc.NewService(repos.Campaigns, repos.Directory, sched, cfg.Dispatch.DefaultRegion),
			Transitioner: transitioner,
			Launcher:     launcher,
			Reconciler:   reconciler,
			Scheduler:    sched,
			Ingester:     ingest.NewIngester(cfg.Webhook.SigningSecret, repos.Calls, transitioner, c.Logger),
		}
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	svc := c.Services()
	return handlers.NewHandlerSet(handlers.Deps{
		Campaigns:       svc.Campaign,
		Calls:           c.Repositories().Calls,
		Archive:         c.Repositories().Archive,
		Ingester:        svc.Ingester,
		Scheduler:       svc.Scheduler,
		Health:          c.HealthChecks(),
		TriggerSecret:   c.Config.Scheduler.TriggerSecret,
		SignatureHeader: c.Config.Webhook.SignatureHeader,
		Logger:          c.Logger,
	})
}

// HealthChecks returns pings for every backing store.
func (c *Container) HealthChecks() map[string]handlers.HealthCheck {
	return map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error { return c.Postgres.DB().PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return c.Redis.Inner().Ping(ctx).Err() },
		"scylla": func(ctx context.Context) error {
			return c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		},
	}
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 12
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.StatusTopic}, partitions, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publisher; p != nil {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		if len(errs) > 0 {
			c.Logger.Error("container close", zap.Errors("errors", errs))
		}
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
