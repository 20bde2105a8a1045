package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/acme/conversation-campaign/internal/api/handlers"
	"github.com/acme/conversation-campaign/internal/cache"
	"github.com/acme/conversation-campaign/internal/config"
	"github.com/acme/conversation-campaign/internal/domain"
	"github.com/acme/conversation-campaign/internal/infra/db"
	mongoinfra "github.com/acme/conversation-campaign/internal/infra/mongo"
	"github.com/acme/conversation-campaign/internal/infra/redis"
	"github.com/acme/conversation-campaign/internal/poller"
	"github.com/acme/conversation-campaign/internal/queue"
	"github.com/acme/conversation-campaign/internal/repository"
	mongorepo "github.com/acme/conversation-campaign/internal/repository/mongo"
	pgrepo "github.com/acme/conversation-campaign/internal/repository/postgres"
	scyllarepo "github.com/acme/conversation-campaign/internal/repository/scylla"
	campaignsvc "github.com/acme/conversation-campaign/internal/service/campaign"
	"github.com/acme/conversation-campaign/internal/service/concurrency"
	intakesvc "github.com/acme/conversation-campaign/internal/service/intake"
	tasksvc "github.com/acme/conversation-campaign/internal/service/task"
	"github.com/acme/conversation-campaign/internal/worker/dispatch"
	"github.com/acme/conversation-campaign/internal/worker/intake"
	"github.com/acme/conversation-campaign/internal/worker/pool"
	"github.com/acme/conversation-campaign/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla         // nil unless scylla.enabled
	Redis    *redis.Client      // nil unless the cache or throttle is enabled
	Mongo    *mongoinfra.Client // nil unless store.task_driver is mongo
	Kafka    *queue.Kafka       // nil without brokers

	// mongoTasks is the indexed task store built during bootstrap when task_driver is mongo.
	mongoTasks *mongorepo.TaskRepository

	components struct {
		once         sync.Once
		repositories *Repositories
		services     *Services
		publisher    *queue.StageEventPublisher
	}
}

// Repositories groups the record stores.
type Repositories struct {
	BatchRequests repository.BatchRequestRepository
	Campaigns     repository.CampaignRepository
	Conversations repository.ConversationRepository
	Metrics       repository.MetricsRepository
	Tasks         repository.TaskRepository
	Events        repository.EventLog
}

// Services groups the domain services.
type Services struct {
	Manager *campaignsvc.Manager
	Tasks   *tasksvc.Service
	Intake  *intakesvc.Service
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
	c := &Container{Config: cfg, Logger: lg}

	if c.Postgres, err = db.NewPostgres(ctx, cfg.Postgres); err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	if cfg.Scylla.Enabled {
		if c.Scylla, err = db.NewScylla(cfg.Scylla); err != nil {
			c.closeQuietly(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	if cfg.Cache.Enabled || cfg.Throttle.Enabled {
		if c.Redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
			c.closeQuietly(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
	}

	if strings.EqualFold(cfg.Store.TaskDriver, "mongo") {
		if c.Mongo, err = mongoinfra.NewClient(ctx, cfg.Mongo); err != nil {
			c.closeQuietly(ctx)
			return nil, fmt.Errorf("bootstrap mongo: %w", err)
		}
		c.mongoTasks = mongorepo.NewTaskRepository(c.Mongo.Collection(cfg.Mongo.TaskCollection))
		if err := c.mongoTasks.EnsureIndexes(ctx); err != nil {
			c.closeQuietly(ctx)
			return nil, fmt.Errorf("bootstrap mongo: %w", err)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		if c.Kafka, err = queue.NewKafka(cfg.Kafka); err != nil {
			c.closeQuietly(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
	}

	return c, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		pg := c.Postgres.DB()
		repos := &Repositories{
			BatchRequests: pgrepo.NewBatchRequestRepository(pg),
			Campaigns:     pgrepo.NewCampaignRepository(pg),
			Conversations: pgrepo.NewConversationRepository(pg),
			Metrics:       pgrepo.NewMetricsRepository(pg),
			Tasks:         c.taskRepository(pg),
		}
		if c.Scylla != nil {
			repos.Events = scyllarepo.NewEventStore(c.Scylla.Session())
		}

		zl := c.Logger.Logger
		tasks := tasksvc.NewService(repos.Tasks, zl.Named("tasks"))
		deps := campaignsvc.Dependencies{
			Campaigns:     repos.Campaigns,
			Conversations: repos.Conversations,
			Metrics:       repos.Metrics,
			Tasks:         tasks,
			Logger:        zl.Named("manager"),
		}
		// Typed nils must not reach the optional interfaces.
		if repos.Events != nil {
			deps.Events = repos.Events
		}
		if c.Config.Cache.Enabled && c.Redis != nil {
			deps.Cache = cache.NewCampaignCache(c.Redis.Inner(), c.Config.Cache.CampaignTTL, c.Config.Cache.KeyPrefix)
		}

		c.components.repositories = repos
		c.components.services = &Services{
			Manager: campaignsvc.NewManager(deps, c.timingDefaults()),
			Tasks:   tasks,
			Intake:  intakesvc.NewService(repos.BatchRequests, zl.Named("intake")),
		}
	})
}

// taskRepository picks the task claim store: the bootstrapped Mongo repository or Postgres.
func (c *Container) taskRepository(pg *sqlx.DB) repository.TaskRepository {
	if c.mongoTasks != nil {
		return c.mongoTasks
	}
	return pgrepo.NewTaskRepository(pg)
}

func (c *Container) timingDefaults() domain.TimingConfig {
	engine := c.Config.Engine
	return domain.TimingConfig{
		MaxDaysInStage:             domain.Days(engine.DefaultMaxDaysInStage),
		AdvancementSignalThreshold: domain.Signals(engine.DefaultSignalThreshold),
	}
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *Repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *Services {
	c.initComponents()
	return c.components.services
}

// Poller builds the campaign poller.
func (c *Container) Poller() *poller.Poller {
	repos, services := c.Repositories(), c.Services()
	return poller.New(c.Config.Poller, repos.BatchRequests, repos.Campaigns, services.Manager, c.Logger.Logger)
}

// WorkerPool builds the conversation worker pool.
func (c *Container) WorkerPool() *pool.Pool {
	var throttle pool.Throttle
	if c.Config.Throttle.Enabled && c.Redis != nil {
		throttle = concurrency.NewLimiter(c.Redis.Inner(), c.Config.Throttle.DefaultPerCampaign, c.Config.Throttle.KeyTTL)
	}
	return pool.New(c.Config.Worker, c.Repositories().Conversations, c.Services().Manager, throttle, c.Logger.Logger)
}

// Dispatcher builds the stage task dispatcher. It needs Kafka.
func (c *Container) Dispatcher() (*dispatch.Dispatcher, error) {
	if c.Kafka == nil || c.Config.Kafka.StageEventTopic == "" {
		return nil, errors.New("dispatcher: kafka brokers and stage_event_topic are required")
	}
	c.initComponents()
	if c.components.publisher == nil {
		c.components.publisher = queue.NewStageEventPublisher(c.Kafka, c.Config.Kafka.StageEventTopic)
	}
	lg := c.Logger.WithTenant(c.Config.Dispatcher.TenantID)
	return dispatch.New(c.Config.Dispatcher, c.Services().Tasks, c.components.publisher, lg.Logger), nil
}

// IntakeConsumer builds the Kafka batch intake consumer, or returns nil when no intake topic is set.
func (c *Container) IntakeConsumer() *intake.Consumer {
	if c.Kafka == nil || c.Config.Kafka.IntakeTopic == "" {
		return nil
	}
	reader := c.Kafka.NewReader(c.Config.Kafka.IntakeTopic, c.Config.Kafka.ConsumerGroupID)
	return intake.NewConsumer(reader, c.Services().Intake, c.Logger.Logger)
}

// HealthChecks lists a probe per connected backend.
func (c *Container) HealthChecks() []handlers.HealthCheck {
	checks := []handlers.HealthCheck{{Name: "postgres", Check: c.Postgres.Ping}}
	if c.Redis != nil {
		checks = append(checks, handlers.HealthCheck{Name: "redis", Check: c.Redis.Ping})
	}
	if c.Scylla != nil {
		checks = append(checks, handlers.HealthCheck{Name: "scylla", Check: c.Scylla.Ping})
	}
	if c.Mongo != nil {
		checks = append(checks, handlers.HealthCheck{Name: "mongo", Check: c.Mongo.Ping})
	}
	return checks
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	services := c.Services()
	return handlers.NewHandlerSet(services.Manager, services.Intake, c.HealthChecks(), c.Logger.Named("api").Logger)
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), 12, 1)
}

func (c *Container) closeQuietly(ctx context.Context) {
	_ = c.Close(ctx)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publisher; p != nil {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stage event publisher close: %w", err))
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
	if c.Mongo != nil {
		if err := c.Mongo.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongo close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
