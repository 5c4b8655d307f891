package contextstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type memoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore keeps contexts in process memory.
func NewMemoryStore(logger *slog.Logger) *Store {
	return newStore(&memoryBackend{data: make(map[string][]byte)}, logger)
}

func (m *memoryBackend) create(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}

	m.data[key] = data

	return nil
}

func (m *memoryBackend) get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.data[key], nil
}

func (m *memoryBackend) mutate(_ context.Context, key string, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := fn(m.data[key])
	if err != nil {
		return err
	}

	if next != nil {
		m.data[key] = next
	}

	return nil
}

func (m *memoryBackend) remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)

	return nil
}

func (m *memoryBackend) ping(context.Context) error { return nil }

func (m *memoryBackend) close() error { return nil }
