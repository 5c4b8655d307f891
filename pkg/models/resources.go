package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResourceBudget bounds what an execution may consume. Credits are exact
// decimals because they represent billable currency fractions.
type ResourceBudget struct {
	MaxCredits    decimal.Decimal `json:"max_credits"     yaml:"max_credits"     mapstructure:"max_credits"`
	MaxDurationMs int64           `json:"max_duration_ms" yaml:"max_duration_ms" mapstructure:"max_duration_ms" validate:"gte=0"`
	MaxMemoryMB   int64           `json:"max_memory_mb"   yaml:"max_memory_mb"   mapstructure:"max_memory_mb"   validate:"gte=0"`
	MaxSteps      int64           `json:"max_steps"       yaml:"max_steps"       mapstructure:"max_steps"       validate:"gte=0"`
}

// ResourceUsage is what an execution actually consumed.
type ResourceUsage struct {
	CreditsUsed   decimal.Decimal `json:"credits_used"`
	DurationMs    int64           `json:"duration_ms"`
	MemoryUsedMB  int64           `json:"memory_used_mb"`
	StepsExecuted int64           `json:"steps_executed"`
	ToolCalls     int64           `json:"tool_calls"`
}

// Add returns the component-wise sum of u and o.
func (u ResourceUsage) Add(o ResourceUsage) ResourceUsage {
	return ResourceUsage{
		CreditsUsed:   u.CreditsUsed.Add(o.CreditsUsed),
		DurationMs:    u.DurationMs + o.DurationMs,
		MemoryUsedMB:  u.MemoryUsedMB + o.MemoryUsedMB,
		StepsExecuted: u.StepsExecuted + o.StepsExecuted,
		ToolCalls:     u.ToolCalls + o.ToolCalls,
	}
}

// ExceededLimit returns the name of the first budget dimension u exceeds.
// Zero-valued limits are treated as unlimited.
func (u ResourceUsage) ExceededLimit(b ResourceBudget) (string, bool) {
	switch {
	case b.MaxCredits.IsPositive() && u.CreditsUsed.GreaterThan(b.MaxCredits):
		return "credits", true
	case b.MaxDurationMs > 0 && u.DurationMs > b.MaxDurationMs:
		return "duration", true
	case b.MaxMemoryMB > 0 && u.MemoryUsedMB > b.MaxMemoryMB:
		return "memory", true
	case b.MaxSteps > 0 && u.StepsExecuted > b.MaxSteps:
		return "steps", true
	}

	return "", false
}

// Consume returns the budget left after charging u against b.
func (b ResourceBudget) Consume(u ResourceUsage) ResourceBudget {
	return ResourceBudget{
		MaxCredits:    b.MaxCredits.Sub(u.CreditsUsed),
		MaxDurationMs: b.MaxDurationMs - u.DurationMs,
		MaxMemoryMB:   b.MaxMemoryMB - u.MemoryUsedMB,
		MaxSteps:      b.MaxSteps - u.StepsExecuted,
	}
}

// Reserve returns the budget left after setting aside o.
func (b ResourceBudget) Reserve(o ResourceBudget) ResourceBudget {
	return ResourceBudget{
		MaxCredits:    b.MaxCredits.Sub(o.MaxCredits),
		MaxDurationMs: b.MaxDurationMs - o.MaxDurationMs,
		MaxMemoryMB:   b.MaxMemoryMB - o.MaxMemoryMB,
		MaxSteps:      b.MaxSteps - o.MaxSteps,
	}
}

// Covers reports whether every dimension of b is at least req.
func (b ResourceBudget) Covers(req ResourceBudget) bool {
	return b.MaxCredits.GreaterThanOrEqual(req.MaxCredits) &&
		b.MaxDurationMs >= req.MaxDurationMs &&
		b.MaxMemoryMB >= req.MaxMemoryMB &&
		b.MaxSteps >= req.MaxSteps
}

// Usage converts a budget into the equivalent consumption figures.
func (b ResourceBudget) Usage() ResourceUsage {
	return ResourceUsage{
		CreditsUsed:   b.MaxCredits,
		DurationMs:    b.MaxDurationMs,
		MemoryUsedMB:  b.MaxMemoryMB,
		StepsExecuted: b.MaxSteps,
	}
}

// ResourceAllocation is a claim a child execution holds against its parent
// swarm's remaining budget.
type ResourceAllocation struct {
	ID          string         `json:"id"`
	SwarmID     string         `json:"swarm_id"`
	RequesterID string         `json:"requester_id"`
	Budget      ResourceBudget `json:"budget"`
	AllocatedAt time.Time      `json:"allocated_at"`
}

// AllocationRequest asks a swarm for a slice of its remaining budget.
type AllocationRequest struct {
	RequesterID string         `json:"requester_id" validate:"required"`
	Estimate    ResourceBudget `json:"estimate"`
}

// SwarmResources tracks a swarm's budget. Consumed plus Remaining always
// equals Budget; outstanding allocations are reservations against Remaining.
type SwarmResources struct {
	Budget    ResourceBudget       `json:"budget"`
	Allocated []ResourceAllocation `json:"allocated"`
	Consumed  ResourceUsage        `json:"consumed"`
	Remaining ResourceBudget       `json:"remaining"`
}

// Available returns Remaining minus all outstanding reservations.
func (r SwarmResources) Available() ResourceBudget {
	available := r.Remaining
	for _, allocation := range r.Allocated {
		available = available.Reserve(allocation.Budget)
	}

	return available
}

// NewSwarmResources starts a pool with nothing consumed.
func NewSwarmResources(budget ResourceBudget) SwarmResources {
	return SwarmResources{
		Budget:    budget,
		Allocated: []ResourceAllocation{},
		Remaining: budget,
	}
}
