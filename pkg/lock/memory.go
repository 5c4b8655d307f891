package lock

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	owner     *MemoryService
	expiresAt time.Time
}

// MemoryRegistry is the shared lock table for services living in one process.
type MemoryRegistry struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{locks: make(map[string]entry), now: time.Now}
}

// MemoryService is one holder identity over a MemoryRegistry.
type MemoryService struct {
	registry *MemoryRegistry
	ttl      time.Duration
}

func NewMemoryService(registry *MemoryRegistry, ttl time.Duration) *MemoryService {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &MemoryService{registry: registry, ttl: ttl}
}

func (s *MemoryService) AcquireLock(_ context.Context, key string) (bool, error) {
	r := s.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if held, ok := r.locks[key]; ok && held.expiresAt.After(now) {
		return false, nil
	}

	r.locks[key] = entry{owner: s, expiresAt: now.Add(s.ttl)}

	return true, nil
}

func (s *MemoryService) ReleaseLock(_ context.Context, key string) (bool, error) {
	r := s.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.locks[key]
	if !ok || held.owner != s {
		return false, nil
	}

	delete(r.locks, key)

	return held.expiresAt.After(r.now()), nil
}
