package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/config"
	httpx "github.com/you/crewsync/internal/http"
	"github.com/you/crewsync/internal/http/handlers"
	"github.com/you/crewsync/internal/infrastructure/auth"
	"github.com/you/crewsync/internal/infrastructure/database"
	"github.com/you/crewsync/internal/infrastructure/realtime"
	"github.com/you/crewsync/internal/infrastructure/repositories"
	"github.com/you/crewsync/internal/logger"
	"github.com/you/crewsync/internal/metrics"
	"github.com/you/crewsync/internal/querycache"
	"github.com/you/crewsync/internal/services"
)

const redisReadyAttempts = 5

// Container holds all dependencies
type Container struct {
	// Config
	Config *config.Config
	Logger logger.Logger

	// Observability
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// Infrastructure
	DB          *gorm.DB
	RedisClient *redis.Client
	Feed        *realtime.RedisChangeFeed

	// Repositories
	ProfileRepo domain.ProfileRepository
	Store       domain.KeyValueStore

	// Services
	TokenSvc      domain.TokenService
	SessionClient *auth.SessionClient
	PolicySvc     domain.PolicyService
	Resolver      domain.ProfileResolver
	Epoch         *services.EpochBus
	Machine       *services.AuthMachine
	Preferences   *services.PreferenceStore

	// Query cache
	Cache     *querycache.Client
	Persister *querycache.Persister
	Lifecycle *querycache.Lifecycle

	ctx       context.Context
	cancel    context.CancelFunc
	stopEpoch func()
}

// NewContainer connects to Postgres and Redis and builds every dependency
func NewContainer(ctx context.Context, cfg *config.Config, log logger.Logger) (*Container, error) {
	db, err := database.Open(cfg.DSN, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, cfg.DBDebug)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(db); err != nil {
		closeDB(db)
		return nil, err
	}

	rdb := database.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rdb.WaitReady(ctx, redisReadyAttempts, time.Second); err != nil {
		closeDB(db)
		_ = rdb.Close()
		return nil, err
	}

	return newContainer(cfg, db, rdb.Client, log)
}

// newContainer wires the dependency graph on already-open connections
func newContainer(cfg *config.Config, db *gorm.DB, rdb *redis.Client, log logger.Logger) (*Container, error) {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Container{Config: cfg, Logger: log, DB: db, RedisClient: rdb}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.initMetrics()
	if err := c.initInfrastructure(); err != nil {
		c.cancel()
		return nil, err
	}
	if err := c.initServices(); err != nil {
		c.cancel()
		_ = c.Feed.Close()
		return nil, err
	}
	c.initCache()
	return c, nil
}

func (c *Container) initMetrics() {
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.New(c.Registry)
}

func (c *Container) initInfrastructure() error {
	feed, err := realtime.NewRedisChangeFeed(c.RedisClient, c.Logger)
	if err != nil {
		return err
	}
	c.Feed = feed
	c.Store = repositories.NewKeyValueStore(c.RedisClient, c.Config.RedisKeyPrefix)
	c.ProfileRepo = repositories.NewProfileRepository(c.DB, c.Feed, c.Logger)
	return nil
}

func (c *Container) initServices() error {
	c.TokenSvc = auth.NewJWTService(c.Config.JWTSecret, c.Config.JWTIssuer, c.Config.AccessTTL)
	c.SessionClient = auth.NewSessionClient(c.Store, c.TokenSvc, c.Logger)

	cas, err := auth.NewCasbinService(c.DB)
	if err != nil {
		return err
	}
	c.PolicySvc = services.NewPolicyService(cas.E)

	c.Resolver = services.NewProfileResolver(c.ProfileRepo, services.ResolverConfig{
		FetchTimeout: c.Config.ProfileFetchTimeout,
	}, c.Logger)
	c.Epoch = services.NewEpochBus(c.Logger, c.Metrics)
	c.Machine = services.NewAuthMachine(c.SessionClient, c.Resolver, c.Epoch, services.AuthConfig{
		RetryBase:       c.Config.ProfileRetryBase,
		RetryMax:        c.Config.ProfileRetryMax,
		StartupAttempts: c.Config.StartupAttempts,
		StartupSpacing:  c.Config.StartupSpacing,
		HardFallback:    c.Config.HardFallback,
	}, c.Logger, c.Metrics)
	c.Preferences = services.NewPreferenceStore(c.Store)
	return nil
}

func (c *Container) initCache() {
	c.Cache = querycache.New(querycache.Config{
		Policies:        CachePolicies(c.Config.CachePolicies),
		Feed:            c.Feed,
		JanitorInterval: c.Config.CacheJanitorInterval,
		Logger:          c.Logger,
		Metrics:         c.Metrics,
	})
	prefixes := c.Config.PersistPrefixes
	if len(prefixes) == 0 {
		prefixes = querycache.DefaultPersistPrefixes
	}
	c.Persister = querycache.NewPersister(c.Store, querycache.PersisterConfig{
		MaxAge:  c.Config.PersistMaxAge,
		Include: querycache.PrefixPredicate(prefixes...),
		Buster:  c.Config.PersistBuster,
		Logger:  c.Logger,
	})
	c.Lifecycle = querycache.NewLifecycle(c.Cache, c.Persister, querycache.LifecycleConfig{
		RevalidateWait:    c.Config.RevalidateWait,
		RevalidateMaxWait: c.Config.RevalidateMaxWait,
		Logger:            c.Logger,
	})
}

// CachePolicies layers configured per-prefix overrides on the defaults
func CachePolicies(overrides map[string]config.CachePolicy) querycache.Policies {
	p := querycache.DefaultPolicies()
	for prefix, o := range overrides {
		opts, ok := p.ByPrefix[prefix]
		if !ok {
			opts = p.Default
		}
		if o.StaleTime != nil {
			opts.StaleTime = *o.StaleTime
		}
		if o.GCTime != nil {
			opts.GCTime = *o.GCTime
		}
		if o.Retry != nil {
			opts.Retry = *o.Retry
		}
		p.ByPrefix[prefix] = opts
	}
	return p
}

// Start seeds policies, restores the persisted cache and starts the auth
// machine. Sign-in and sign-out transitions reset identity-derived queries.
func (c *Container) Start(ctx context.Context) error {
	seeded, err := services.SeedDefaultPolicies(c.PolicySvc)
	if err != nil {
		return err
	}
	if seeded {
		c.Logger.Info("casbin: seeded default policies", "count", len(services.DefaultRolePolicies))
	}

	restored, err := c.Persister.Restore(ctx, c.Cache)
	if err != nil {
		c.Logger.Warn("cache restore failed, starting cold", "err", err)
	} else if restored > 0 {
		c.Logger.Info("cache restored", "entries", restored)
	}

	c.stopEpoch = c.Epoch.Subscribe(c.Cache.HandleEpoch)
	c.Cache.Start(c.ctx)
	return c.Machine.Start(c.ctx)
}

// Router builds the HTTP surface
func (c *Container) Router() *gin.Engine {
	return httpx.BuildRouter(httpx.RouterDeps{
		Auth:          handlers.NewAuthHandlers(c.Machine, c.SessionClient, c.Epoch),
		Cache:         handlers.NewCacheHandlers(c.Cache, c.Lifecycle),
		Profiles:      handlers.NewProfileHandlers(c.ctx, c.Cache, c.ProfileRepo, c.Logger),
		Policies:      handlers.NewPolicyHandlers(c.PolicySvc),
		Preferences:   handlers.NewPreferenceHandlers(c.Preferences),
		Snapshots:     c.Machine,
		PolicyService: c.PolicySvc,
		Metrics:       promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}),
		Logger:        c.Logger,
	})
}

// Close stops background work, persists the cache and closes all connections
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Machine != nil {
		c.Machine.Stop()
	}
	if c.stopEpoch != nil {
		c.stopEpoch()
	}
	if c.Lifecycle != nil {
		if err := c.Lifecycle.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persist cache: %w", err))
		}
	}
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.cancel()
	if c.Feed != nil {
		if err := c.Feed.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DB != nil {
		sqlDB, err := c.DB.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
