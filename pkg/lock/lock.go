// Package lock provides the best-effort mutual exclusion used to keep two
// instances from racing on the same shared key.
package lock

import (
	"context"
	"time"
)

// DefaultTTL bounds how long a crashed holder can keep a key locked.
const DefaultTTL = 30 * time.Second

type Service interface {
	// AcquireLock returns false when the key is held by someone else.
	AcquireLock(ctx context.Context, key string) (bool, error)
	// ReleaseLock returns false when the caller did not hold the key.
	ReleaseLock(ctx context.Context, key string) (bool, error)
}

// ToolApprovalKey is the key guarding concurrent approvals of one tool call.
func ToolApprovalKey(swarmID, toolCallID string) string {
	return "tool-approval:" + swarmID + ":" + toolCallID
}
