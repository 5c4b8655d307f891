package contextstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "swarmflow:swarm:"
	redisMaxRetries = 16
)

type redisBackend struct {
	client redis.UniversalClient
}

// NewRedisStore keeps contexts as JSON strings. Mutations use WATCH/MULTI
// and retry when another writer got there first.
func NewRedisStore(client redis.UniversalClient, logger *slog.Logger) *Store {
	return newStore(&redisBackend{client: client}, logger)
}

func (r *redisBackend) create(ctx context.Context, key string, data []byte) error {
	created, err := r.client.SetNX(ctx, redisKeyPrefix+key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create swarm context %s: %w", key, err)
	}

	if !created {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}

	return nil
}

func (r *redisBackend) get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get swarm context %s: %w", key, err)
	}

	return data, nil
}

func (r *redisBackend) mutate(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	redisKey := redisKeyPrefix + key

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, next, 0)

			return nil
		})

		return err
	}

	for range redisMaxRetries {
		err := r.client.Watch(ctx, txf, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("%w: %s", ErrConflict, key)
}

func (r *redisBackend) remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete swarm context %s: %w", key, err)
	}

	return nil
}

func (r *redisBackend) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisBackend) close() error {
	return r.client.Close()
}
