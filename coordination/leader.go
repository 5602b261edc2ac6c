// Package coordination provides the single-leader lease used to keep
// exactly one Event Processor instance (and, per user, one
// Orchestrator Send Pipeline) running at a time, per spec.md §5:
// "At most one Orchestrator instance processes each user's queue at a
// time; at most one Event Processor instance is recommended." Adapted
// from the teacher's control_plane/coordination/leader.go, generalized
// from node-election to subsystem-election and stripped of the
// reconciliation-specific fencing epoch plumbing that doesn't apply
// here.
package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/observability"
)

// Coordinator is the distributed-lock contract a LeaderElector needs;
// satisfied by store.RedisOverlay.
type Coordinator interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// LeaderElector holds a renewable lease named lockKey; callers observe
// leadership through OnElected/OnLost callbacks fired from the
// election loop.
type LeaderElector struct {
	coord  Coordinator
	nodeID string
	lockKey string
	ttl    time.Duration
	log    zerolog.Logger

	mu       sync.RWMutex
	isLeader bool

	onElected func(ctx context.Context)
	onLost    func()

	cancel context.CancelFunc
}

// NewLeaderElector names the leased resource; the lock key is "lock:"
// followed by resource (e.g. "lock:event_processor"). cmd/server uses it
// for the subsystem-wide Event Processor lease only; the per-user
// Orchestrator advisory lock is taken by WithUserLock, not by an
// elector.
func NewLeaderElector(coord Coordinator, nodeID, resource string, ttl time.Duration, log zerolog.Logger) *LeaderElector {
	return &LeaderElector{
		coord:   coord,
		nodeID:  nodeID,
		lockKey: "lock:" + resource,
		ttl:     ttl,
		log:     log.With().Str("component", "leader_elector").Str("resource", resource).Logger(),
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// Start begins the acquire/renew loop; it returns immediately and runs
// in a background goroutine until ctx is cancelled.
func (l *LeaderElector) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.loop(loopCtx)
}

func (l *LeaderElector) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.IsLeader() {
		_ = l.coord.ReleaseLock(context.Background(), l.lockKey, l.nodeID)
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.stepDown()
			}
			return
		case <-ticker.C:
			var err error
			if l.IsLeader() {
				renewed, rerr := l.coord.RenewLock(ctx, l.lockKey, l.nodeID, l.ttl)
				err = rerr
				if err == nil && !renewed {
					l.stepDown()
				}
			} else {
				acquired, aerr := l.coord.AcquireLock(ctx, l.lockKey, l.nodeID, l.ttl)
				err = aerr
				if err == nil && acquired {
					l.becomeLeader(ctx)
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				l.log.Warn().Err(err).Dur("backoff", interval).Msg("coordination error, backing off")
			} else {
				interval = minInterval
			}
			ticker.Reset(interval)
		}
	}
}

func (l *LeaderElector) becomeLeader(ctx context.Context) {
	l.mu.Lock()
	l.isLeader = true
	l.mu.Unlock()
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	l.log.Info().Msg("acquired leadership")
	if l.onElected != nil {
		l.onElected(ctx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	l.isLeader = false
	l.mu.Unlock()
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	l.log.Warn().Msg("lost leadership")
	if l.onLost != nil {
		l.onLost()
	}
}

// NewNodeID generates a random per-process identity for lease
// ownership, matching the teacher's node-id generation pattern but
// using a real UUID rather than a hostname/"uuid" string literal.
func NewNodeID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
