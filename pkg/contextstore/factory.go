package contextstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
)

// Open builds a store from a URL: memory://, redis://host:port/db or
// nats://host:port/<bucket>.
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (*Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid context store url: %w", err)
	}

	switch u.Scheme {
	case "memory", "":
		return NewMemoryStore(logger), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}

		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()

			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		return NewRedisStore(client, logger), nil
	case "nats", "tls":
		bucket := strings.Trim(u.Path, "/")
		u.Path = ""

		conn, err := nats.Connect(u.String(), nats.Name("swarmflow-contextstore"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}

		store, err := NewNATSStore(ctx, conn, bucket, logger)
		if err != nil {
			conn.Close()

			return nil, err
		}

		return store, nil
	default:
		return nil, fmt.Errorf("unsupported context store scheme %q", u.Scheme)
	}
}
