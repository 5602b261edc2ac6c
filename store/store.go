// Package store abstracts the relational and cache-layer persistence
// the orchestrator, event processor, and task processor share. It
// mirrors the teacher's split between a durable Postgres backend and a
// Redis overlay for coordination/idempotency (itskum47-FluxForge
// control_plane/store).
package store

import (
	"context"
	"time"

	"github.com/sms-agents/orchestrator/model"
)

// EnqueueRequest is the store-layer projection of an Orchestrator
// enqueue call (spec.md §6 Enqueue API).
type EnqueueRequest struct {
	UserID               string
	ProducerID           string
	IdempotencyKey       string
	Payload              model.Payload
	Priority             model.Priority
	CanDelay             bool
	RequiresFreshContext bool
	ScheduledFor         time.Time
}

// Store is the full persistence contract. PostgresStore is the durable
// implementation; tests use an in-memory fake satisfying the same
// interface (store/memory.go).
type Store interface {
	// Users
	GetUser(ctx context.Context, userID string) (*model.User, error)

	// Messages / conversation
	InsertMessage(ctx context.Context, msg *model.Message) error
	LatestInboundAt(ctx context.Context, userID string) (*time.Time, error)
	CountOutboundSince(ctx context.Context, userID string, since time.Time) (int, error)
	RecentMessages(ctx context.Context, userID string, limit int) ([]*model.Message, error)
	MarkMessageSent(ctx context.Context, messageID, providerID string) error
	MarkMessageFailed(ctx context.Context, messageID string) error

	// Budget
	GetBudget(ctx context.Context, userID string, date string) (*model.Budget, error)
	IncrementBudget(ctx context.Context, userID string, date string, dailyLimit, hourlyLimit int, sentAt time.Time) error

	// Queued messages (Orchestrator-owned)
	InsertQueuedMessage(ctx context.Context, qm *model.QueuedMessage) (string, error)
	GetQueuedMessage(ctx context.Context, id string) (*model.QueuedMessage, error)
	FindByIdempotencyKey(ctx context.Context, producerID, key string) (*model.QueuedMessage, error)
	DueQueuedMessages(ctx context.Context, now time.Time, limit int) ([]*model.QueuedMessage, error)
	UpdateQueuedMessageStatus(ctx context.Context, id string, status model.QueuedMessageStatus, fields map[string]any) error
	RescheduleQueuedMessage(ctx context.Context, id string, newTime time.Time, note string) error
	SetRenderedText(ctx context.Context, id string, rendered string) error

	// Events (Event Processor-owned mutation of `processed`)
	InsertEvent(ctx context.Context, ev *model.Event) (string, error)
	ClaimEvents(ctx context.Context, limit int) ([]*model.Event, error)
	MarkEventProcessed(ctx context.Context, id string) error
	BumpEventRetry(ctx context.Context, id string, errMsg string, notBefore *time.Time) (int, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	InsertDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error)

	// Tasks (Task Processor-owned mutation of `status`)
	InsertTask(ctx context.Context, t *model.Task) (string, error)
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	CompleteTask(ctx context.Context, id string, result map[string]any) error
	RescheduleTask(ctx context.Context, id string, next time.Time, retryCount int, errMsg string) error
	FailTask(ctx context.Context, id string, errMsg string) error

	// Coordination
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	// Idempotency
	GetIdempotencyRecord(ctx context.Context, key string) (string, error)
	SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	Close()
}
