package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "swarmflow:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisService holds locks as SET NX PX keys carrying a per-service token.
type RedisService struct {
	client redis.UniversalClient
	token  string
	ttl    time.Duration
}

func NewRedisService(client redis.UniversalClient, ttl time.Duration) *RedisService {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisService{client: client, token: uuid.NewString(), ttl: ttl}
}

func (s *RedisService) AcquireLock(ctx context.Context, key string) (bool, error) {
	acquired, err := s.client.SetNX(ctx, keyPrefix+key, s.token, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	return acquired, nil
}

func (s *RedisService) ReleaseLock(ctx context.Context, key string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, s.client, []string{keyPrefix + key}, s.token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	return deleted == 1, nil
}
