package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// defaultUserLockTTL bounds how long a single Send Pipeline run may
// hold a user's advisory lock before another poller is allowed to
// break in; it is comfortably above the LLM/SMS timeouts in spec.md §5
// (30s each) so a well-behaved pipeline never loses its own lock.
const defaultUserLockTTL = 2 * time.Minute

// WithUserLock runs fn while holding the per-user advisory lock
// described in spec.md §5, preventing two pollers from double-counting
// budget or racing to dispatch for the same user. Returns false without
// running fn if the lock is already held.
func WithUserLock(ctx context.Context, coord Coordinator, userID string, fn func(ctx context.Context) error) (ran bool, err error) {
	key := fmt.Sprintf("orchestrator:user:%s", userID)
	owner := uuid.NewString()

	ok, err := coord.AcquireLock(ctx, key, owner, defaultUserLockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() { _ = coord.ReleaseLock(context.Background(), key, owner) }()

	return true, fn(ctx)
}
