// Package idempotency backs the "same idempotency key enqueues at most
// one sent Message" property (spec.md §8). Adapted from the teacher's
// control_plane/idempotency/store.go, narrowed from a generic HTTP
// response cache to the enqueue()-specific key->QueuedMessage-id
// mapping, with the same Redis-backed/in-memory-fallback shape.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Backend matches the subset of store.RedisOverlay this package needs.
type Backend interface {
	GetIdempotencyRecord(ctx context.Context, key string) (string, error)
	SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// ttl is generous relative to the Orchestrator's poll cadence (up to
// 60s, spec.md §6) so a retried enqueue within the same business day
// still finds the original id.
const ttl = 24 * time.Hour

type entry struct {
	value     string
	createdAt time.Time
}

// Store resolves an (producer_id, idempotency_key) pair to the
// previously-assigned QueuedMessage id, falling back to an in-process
// map when no Redis backend is configured (single-node/dev mode).
type Store struct {
	backend Backend
	cache   sync.Map
	log     zerolog.Logger
}

func NewStore(backend Backend, log zerolog.Logger) *Store {
	return &Store{backend: backend, log: log.With().Str("component", "idempotency").Logger()}
}

// Reserve atomically associates key with queuedMessageID if no prior
// association exists, returning the existing id and false if one
// already did (the caller should treat that as "already enqueued").
func (s *Store) Reserve(ctx context.Context, key, queuedMessageID string) (existingID string, reserved bool) {
	if key == "" {
		return "", true
	}

	if s.backend != nil {
		if existing, err := s.backend.GetIdempotencyRecord(ctx, key); err == nil && existing != "" {
			return existing, false
		} else if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("idempotency backend read failed, proceeding uncached")
		}
		ok, err := s.backend.SetIdempotencyRecordNX(ctx, key, queuedMessageID, ttl)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("idempotency backend write failed, proceeding uncached")
			return "", true
		}
		if !ok {
			if existing, err := s.backend.GetIdempotencyRecord(ctx, key); err == nil {
				return existing, false
			}
		}
		return "", ok
	}

	if v, loaded := s.cache.LoadOrStore(key, entry{value: queuedMessageID, createdAt: time.Now()}); loaded {
		e := v.(entry)
		if time.Since(e.createdAt) > ttl {
			s.cache.Store(key, entry{value: queuedMessageID, createdAt: time.Now()})
			return "", true
		}
		return e.value, false
	}
	return "", true
}
