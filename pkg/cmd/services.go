package cmd

import (
	"context"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/dukex/swarmflow/pkg/config"
	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/lock"
)

// NewLockService returns a Redis-backed lock service when cfg names a Redis
// URL and an in-process one otherwise. The returned close function releases
// the Redis client.
//
// nolint:ireturn
func NewLockService(ctx context.Context, cfg config.LockConfig) (lock.Service, func() error, error) {
	if cfg.RedisURL == "" {
		return lock.NewMemoryService(lock.NewMemoryRegistry(), cfg.TTL), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid lock redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to connect to lock redis: %w", err)
	}

	return lock.NewRedisService(client, cfg.TTL), client.Close, nil
}

func NewContextStore(ctx context.Context, cfg config.ContextStoreConfig, logger *slog.Logger) (*contextstore.Store, error) {
	store, err := contextstore.Open(ctx, cfg.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open context store: %w", err)
	}

	return store, nil
}
