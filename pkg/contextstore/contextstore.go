// Package contextstore owns the authoritative SwarmState records. Swarm and
// routine instances never keep their own copy: they read, patch and claim
// resources through a ContextStore.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound              = errors.New("swarm context not found")
	ErrAlreadyExists         = errors.New("swarm context already exists")
	ErrInsufficientResources = errors.New("insufficient swarm resources")
	ErrProtectedField        = errors.New("field cannot be patched")
	ErrConflict              = errors.New("concurrent update conflict")
)

type ContextStore interface {
	CreateContext(ctx context.Context, state *models.SwarmState) error
	// GetContext returns nil without error when the swarm is unknown.
	GetContext(ctx context.Context, swarmID string) (*models.SwarmState, error)
	// UpdateContext deep-merges patch (keyed by JSON field names) into the
	// state and bumps its version. A nil value removes the key.
	UpdateContext(ctx context.Context, swarmID string, patch map[string]any, updatedBy string) (*models.SwarmState, error)
	DeleteContext(ctx context.Context, swarmID string) error
	AllocateResources(ctx context.Context, swarmID string, req models.AllocationRequest) (*models.ResourceAllocation, error)
	// ReleaseResources returns the allocation and charges usage. Unknown ids are a no-op.
	ReleaseResources(ctx context.Context, swarmID, allocationID string, usage models.ResourceUsage) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// backend is the atomic key/value primitive each transport provides.
type backend interface {
	create(ctx context.Context, key string, data []byte) error
	get(ctx context.Context, key string) ([]byte, error)
	// mutate applies fn atomically to the current value of key.
	mutate(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error
	remove(ctx context.Context, key string) error
	ping(ctx context.Context) error
	close() error
}

// Store implements ContextStore over any backend.
type Store struct {
	backend backend
	logger  *slog.Logger
	now     func() time.Time
}

func newStore(b backend, logger *slog.Logger) *Store {
	return &Store{backend: b, logger: logger.With("module", "contextstore"), now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) CreateContext(ctx context.Context, state *models.SwarmState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal swarm context: %w", err)
	}

	return s.backend.create(ctx, state.SwarmID, data)
}

func (s *Store) GetContext(ctx context.Context, swarmID string) (*models.SwarmState, error) {
	data, err := s.backend.get(ctx, swarmID)
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, nil
	}

	return decodeState(data)
}

func (s *Store) UpdateContext(
	ctx context.Context,
	swarmID string,
	patch map[string]any,
	updatedBy string,
) (*models.SwarmState, error) {
	var updated *models.SwarmState

	err := s.mutateState(ctx, swarmID, func(state *models.SwarmState) (*models.SwarmState, error) {
		next, err := applyPatch(state, patch, updatedBy, s.now())
		updated = next

		return next, err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *Store) DeleteContext(ctx context.Context, swarmID string) error {
	return s.backend.remove(ctx, swarmID)
}

func (s *Store) AllocateResources(
	ctx context.Context,
	swarmID string,
	req models.AllocationRequest,
) (*models.ResourceAllocation, error) {
	var allocation *models.ResourceAllocation

	err := s.mutateState(ctx, swarmID, func(state *models.SwarmState) (*models.SwarmState, error) {
		if dimension, ok := fits(state.Resources, req.Estimate); !ok {
			return nil, fmt.Errorf("%w: %s exhausted for %s", ErrInsufficientResources, dimension, req.RequesterID)
		}

		now := s.now()
		allocation = &models.ResourceAllocation{
			ID:          uuid.NewString(),
			SwarmID:     swarmID,
			RequesterID: req.RequesterID,
			Budget:      req.Estimate,
			AllocatedAt: now,
		}

		state.Resources.Allocated = append(state.Resources.Allocated, *allocation)
		touch(state, req.RequesterID, now)

		return state, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Resources allocated", "swarm_id", swarmID, "allocation_id", allocation.ID, "requester_id", req.RequesterID)

	return allocation, nil
}

func (s *Store) ReleaseResources(ctx context.Context, swarmID, allocationID string, usage models.ResourceUsage) error {
	released := false

	err := s.mutateState(ctx, swarmID, func(state *models.SwarmState) (*models.SwarmState, error) {
		released = release(state, allocationID, usage, s.now())
		if !released {
			return nil, nil
		}

		return state, nil
	})
	if err != nil {
		return err
	}

	if !released {
		s.logger.DebugContext(ctx, "Allocation already released", "swarm_id", swarmID, "allocation_id", allocationID)
	}

	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.backend.ping(ctx)
}

func (s *Store) Close() error {
	return s.backend.close()
}

// mutateState decodes, transforms and re-encodes the state atomically. fn
// returning a nil state leaves the record untouched.
func (s *Store) mutateState(
	ctx context.Context,
	swarmID string,
	fn func(*models.SwarmState) (*models.SwarmState, error),
) error {
	return s.backend.mutate(ctx, swarmID, func(data []byte) ([]byte, error) {
		if data == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, swarmID)
		}

		state, err := decodeState(data)
		if err != nil {
			return nil, err
		}

		next, err := fn(state)
		if err != nil || next == nil {
			return nil, err
		}

		return json.Marshal(next)
	})
}

func decodeState(data []byte) (*models.SwarmState, error) {
	var state models.SwarmState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode swarm context: %w", err)
	}

	return &state, nil
}
