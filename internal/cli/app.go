package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/common/messaging"
	"github.com/salonhub/klaviyo-bridge/internal/config"
	"github.com/salonhub/klaviyo-bridge/internal/dlq"
	"github.com/salonhub/klaviyo-bridge/internal/guard"
	"github.com/salonhub/klaviyo-bridge/internal/klaviyo"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/salonhub/klaviyo-bridge/internal/ratelimit"
	"github.com/salonhub/klaviyo-bridge/internal/repository"
	"github.com/salonhub/klaviyo-bridge/internal/service"

	natsclient "github.com/salonhub/klaviyo-bridge/common/messaging/nats"
)

// app holds the components shared by serve and sync.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	store     repository.EventStore
	limiter   ratelimit.RateLimiter
	klaviyo   *klaviyo.Client
	guard     *guard.Guard
	dlq       dlq.Writer
	publisher messaging.Publisher
	// broker is nil when messaging is disabled
	broker messaging.Connection
	sync   *service.SyncService

	closers []func() error
}

// openStore opens the configured buffer. Postgres migrations run first.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (repository.EventStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return repository.OpenSQLite(cfg.SQLite.Path)
	case "postgres":
		conn := cfg.Postgres.ConnString()
		if err := repository.MigratePostgres(conn); err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(ctx, conn, cfg.Postgres.MaxConns)
	case "memory":
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// newApp wires every component the sync cycle needs.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	mode, err := models.ParseSyncMode(cfg.Klaviyo.Mode)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Sync.Location()
	if err != nil {
		return nil, err
	}
	guardMode, err := guard.ParseMode(cfg.Sync.GuardMode)
	if err != nil {
		return nil, err
	}

	a.store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open event buffer: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	logger.Info("event buffer opened", "driver", cfg.Database.Driver)

	var redisClient *redis.Client
	if cfg.RateLimit.Enabled || cfg.Redis.LockEnabled {
		redisClient, err = newRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			if cfg.Redis.LockEnabled {
				return nil, fmt.Errorf("distributed sync lock requires redis: %w", err)
			}
			logger.Warn("failed to connect to redis, continuing without rate limiting", logging.Error(err))
		}
	}

	a.limiter = &ratelimit.NoOpRateLimiter{}
	switch {
	case cfg.RateLimit.Enabled && redisClient != nil:
		// the limiter owns the client
		a.limiter = ratelimit.NewWithClient(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		logger.Info("remote API rate limiting enabled",
			"requests", cfg.RateLimit.Requests,
			"window", cfg.RateLimit.Window.String(),
		)
	case redisClient != nil:
		a.closers = append(a.closers, redisClient.Close)
	}
	a.closers = append(a.closers, a.limiter.Close)

	var lock guard.Lock
	if cfg.Redis.LockEnabled {
		lock = guard.NewRedisLock(redisClient, guard.DefaultLockKey, cfg.Redis.LockTTL)
		logger.Info("distributed sync lock enabled", "ttl", cfg.Redis.LockTTL.String())
	}
	a.guard = guard.New(guardMode, lock, logger)

	a.klaviyo = klaviyo.NewClient(klaviyo.ConfigFrom(cfg.Klaviyo), a.limiter, logger)

	a.dlq = dlq.NoOp{}
	a.publisher = messaging.NopPublisher{}
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Token = cfg.NATS.Token
		natsCfg.Logger = logger.Logger

		js, jsErr := natsclient.NewJetStreamClient(natsCfg)
		if jsErr != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", jsErr)
		}
		a.closers = append(a.closers, js.Close)

		queue, qErr := dlq.NewJetStreamQueue(ctx, js, logger)
		if qErr != nil {
			return nil, fmt.Errorf("failed to initialize dead-letter stream: %w", qErr)
		}
		a.dlq = queue
		a.publisher = js
		a.broker = js
		logger.Info("NATS messaging enabled", "url", cfg.NATS.URL)
	}

	a.sync = service.NewSyncService(a.store, a.klaviyo, a.guard, a.dlq, a.publisher, logger, service.Config{
		Mode:         mode,
		Location:     loc,
		Concurrency:  cfg.Sync.Concurrency,
		SoftDeadline: cfg.Sync.SoftDeadline,
	})

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
