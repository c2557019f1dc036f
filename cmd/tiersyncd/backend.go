package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/tiersync/internal/config"
	"github.com/mihaimyh/tiersync/internal/server"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
	"github.com/mihaimyh/tiersync/storage/firestore"
	"github.com/mihaimyh/tiersync/storage/memory"
	"github.com/mihaimyh/tiersync/storage/postgres"
	"github.com/mihaimyh/tiersync/storage/redis"
	"github.com/mihaimyh/tiersync/storage/tiered"
)

// backendStore is what every configured backend offers
type backendStore interface {
	entitlement.Store
	entitlement.EventLedger
	entitlement.AuditLog
}

// backend is the opened storage stack with its lifecycle hooks
type backend struct {
	store    backendStore
	checks   map[string]server.HealthChecker
	closers  []namedCloser
	describe string
}

type namedCloser struct {
	name string
	fn   server.ShutdownFunc
}

func (b *backend) onClose(name string, fn server.ShutdownFunc) {
	b.closers = append(b.closers, namedCloser{name: name, fn: fn})
}

// Close runs closers in reverse order of opening
func (b *backend) Close(ctx context.Context) error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].fn(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", b.closers[i].name, err)
		}
	}
	return firstErr
}

// openBackend opens STORE_BACKEND and, when CACHE_BACKEND is set, a hot tier in front of it
func openBackend(ctx context.Context, cfg *config.Config, metrics entitlement.Metrics,
	logger zerolog.Logger) (*backend, error) {
	b := &backend{checks: map[string]server.HealthChecker{}}

	cold, err := b.open(ctx, cfg, cfg.StoreBackend, logger)
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	b.store = cold
	b.describe = cfg.StoreBackend

	if cfg.CacheBackend == "" {
		return b, nil
	}

	hot, err := b.open(ctx, cfg, cfg.CacheBackend, logger)
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	hotStore, ok := hot.(tiered.HotStore)
	if !ok {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("cache backend %q cannot hold full records", cfg.CacheBackend)
	}

	t, err := tiered.New(tiered.Config{
		Hot:          hotStore,
		Cold:         cold,
		AsyncRefresh: true,
		Metrics:      metrics,
		AsyncErrorHandler: func(err error) {
			logger.Warn().Err(err).Msg("Hot tier refresh failed")
		},
	})
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	b.onClose("tiered", func(context.Context) error { return t.Close() })
	b.store = t
	b.describe = cfg.CacheBackend + "+" + cfg.StoreBackend
	return b, nil
}

func (b *backend) open(ctx context.Context, cfg *config.Config, kind string,
	logger zerolog.Logger) (backendStore, error) {
	switch kind {
	case config.StoreMemory:
		return memory.New(), nil

	case config.StoreRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		rcfg := redis.DefaultConfig()
		rcfg.KeyPrefix = cfg.RedisKeyPrefix
		if kind == cfg.CacheBackend {
			rcfg.UserTTL = cfg.RedisCacheTTL
		}
		s, err := redis.New(client, rcfg)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.checks["redis"] = s
		b.onClose("redis", func(context.Context) error { return s.Close() })
		logger.Info().Msg("Connected to Redis")
		return s, nil

	case config.StorePostgres:
		pcfg := postgres.DefaultConfig()
		pcfg.ConnectionString = cfg.DatabaseURL
		pcfg.CleanupEnabled = true
		pcfg.Logger = newEntitlementLogger(logger.With().Str("component", "postgres").Logger())
		s, err := postgres.New(ctx, pcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		b.onClose("postgres", func(context.Context) error {
			s.Close()
			return nil
		})
		if cfg.DatabaseMigrate {
			if err := s.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		b.checks["postgres"] = s
		logger.Info().Msg("Connected to PostgreSQL")
		return s, nil

	case config.StoreFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID, cfg.FirestoreCredentialsFile)
		if err != nil {
			return nil, err
		}
		b.onClose("firestore", func(context.Context) error { return client.Close() })
		s, err := firestore.New(client, firestore.Config{UsersCollection: cfg.FirestoreUsersCollection})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("project", cfg.FirestoreProjectID).Msg("Connected to Firestore")
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", kind)
}
