package contextstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/shopspring/decimal"
)

// Fields owned by the store itself. Resources only move through
// AllocateResources and ReleaseResources so the budget invariant holds.
var protectedFields = map[string]bool{
	"swarm_id":  true,
	"version":   true,
	"resources": true,
}

func applyPatch(state *models.SwarmState, patch map[string]any, updatedBy string, now time.Time) (*models.SwarmState, error) {
	for key := range patch {
		if protectedFields[key] {
			return nil, fmt.Errorf("%w: %s", ErrProtectedField, key)
		}
	}

	normalized, err := toDocument(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}

	doc, err := toDocument(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode swarm context: %w", err)
	}

	raw, err := json.Marshal(merge(doc, normalized))
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged context: %w", err)
	}

	next, err := decodeState(raw)
	if err != nil {
		return nil, err
	}

	next.SwarmID = state.SwarmID
	next.Version = state.Version
	next.Resources = state.Resources
	touch(next, updatedBy, now)

	return next, nil
}

func toDocument(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	return doc, nil
}

// merge returns dst with src folded in: nested objects merge by key, nil
// removes a key and every other value replaces.
func merge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}

	for k, v := range src {
		if v == nil {
			delete(out, k)

			continue
		}

		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)

		if srcIsMap && dstIsMap {
			out[k] = merge(dstMap, srcMap)

			continue
		}

		out[k] = v
	}

	return out
}

func touch(state *models.SwarmState, updatedBy string, now time.Time) {
	state.Version++
	state.Metadata.LastUpdated = now

	if updatedBy != "" {
		state.Metadata.UpdatedBy = updatedBy
	}
}

// fits checks req against what is left after outstanding reservations.
// Budget dimensions set to zero are unlimited.
func fits(res models.SwarmResources, req models.ResourceBudget) (string, bool) {
	available := res.Available()

	switch {
	case !res.Budget.MaxCredits.IsZero() && available.MaxCredits.LessThan(req.MaxCredits):
		return "credits", false
	case res.Budget.MaxDurationMs > 0 && available.MaxDurationMs < req.MaxDurationMs:
		return "duration", false
	case res.Budget.MaxMemoryMB > 0 && available.MaxMemoryMB < req.MaxMemoryMB:
		return "memory", false
	case res.Budget.MaxSteps > 0 && available.MaxSteps < req.MaxSteps:
		return "steps", false
	}

	return "", true
}

// release drops the allocation and moves the actual usage from remaining to
// consumed. It reports false when the allocation is unknown.
func release(state *models.SwarmState, allocationID string, usage models.ResourceUsage, now time.Time) bool {
	allocated := state.Resources.Allocated

	for i, allocation := range allocated {
		if allocation.ID != allocationID {
			continue
		}

		state.Resources.Allocated = append(allocated[:i:i], allocated[i+1:]...)
		state.Resources.Consumed = state.Resources.Consumed.Add(usage)
		state.Resources.Remaining = state.Resources.Remaining.Consume(usage)
		touch(state, allocation.RequesterID, now)

		return true
	}

	return false
}

// TotalCredits is consumed plus remaining, which must equal the budget.
func TotalCredits(res models.SwarmResources) decimal.Decimal {
	return res.Consumed.CreditsUsed.Add(res.Remaining.MaxCredits)
}
