package contextstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultBucket  = "SWARM_CONTEXTS"
	natsMaxRetries = 16
)

type natsBackend struct {
	conn   *nats.Conn
	bucket jetstream.KeyValue
}

// NewNATSStore keeps contexts in a JetStream key/value bucket, creating it
// when missing. Mutations are compare-and-swap on the entry revision.
func NewNATSStore(ctx context.Context, conn *nats.Conn, bucket string, logger *slog.Logger) (*Store, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "swarm execution contexts",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	return newStore(&natsBackend{conn: conn, bucket: kv}, logger), nil
}

func (n *natsBackend) create(ctx context.Context, key string, data []byte) error {
	_, err := n.bucket.Create(ctx, key, data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}

	if err != nil {
		return fmt.Errorf("failed to create swarm context %s: %w", key, err)
	}

	return nil
}

func (n *natsBackend) get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.bucket.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get swarm context %s: %w", key, err)
	}

	return entry.Value(), nil
}

func (n *natsBackend) mutate(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	for range natsMaxRetries {
		entry, err := n.bucket.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			_, ferr := fn(nil)

			return ferr
		}

		if err != nil {
			return fmt.Errorf("failed to get swarm context %s: %w", key, err)
		}

		next, err := fn(entry.Value())
		if err != nil || next == nil {
			return err
		}

		_, err = n.bucket.Update(ctx, key, next, entry.Revision())
		if errors.Is(err, jetstream.ErrKeyExists) {
			continue
		}

		if err != nil {
			return fmt.Errorf("failed to update swarm context %s: %w", key, err)
		}

		return nil
	}

	return fmt.Errorf("%w: %s", ErrConflict, key)
}

func (n *natsBackend) remove(ctx context.Context, key string) error {
	if err := n.bucket.Purge(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete swarm context %s: %w", key, err)
	}

	return nil
}

func (n *natsBackend) ping(context.Context) error {
	if !n.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}

	return nil
}

func (n *natsBackend) close() error {
	n.conn.Close()

	return nil
}
