// Package model defines the shared data types for the orchestrator,
// event processor, and task processor. These mirror the persisted
// state layout in spec.md §6 and carry the invariants from §3.
package model

import "time"

// Priority ranks competing producers. Lower rank sends first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the ascending sort rank used by process_due ordering
// (urgent, high, medium, low).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ResponsePattern captures a user's observed engagement behaviour,
// used by the Optimal Send Time computation (spec.md §4.1).
type ResponsePattern struct {
	BestHours          []int // 0-23, user-local
	BestWeekdays        []time.Weekday
	AverageResponseLag  time.Duration
	EngagementScore     float64
}

// User is the opaque-id party a Conversation and its Messages belong to.
type User struct {
	ID              string
	Phone           string // E.164
	Timezone        string // IANA tz name, e.g. "America/Los_Angeles"
	QuietStart      int    // local hour, 0-23
	QuietEnd        int    // local hour, 0-23 (exclusive)
	Pattern         *ResponsePattern
	Verified        bool
	PointOfContact  string // agent label
	CreatedAt       time.Time
}

// MessageRole distinguishes who authored a Message.
type MessageRole string

const (
	RoleInbound  MessageRole = "inbound"
	RoleOutbound MessageRole = "outbound"
)

// MessageStatus is the lifecycle of an SMS as tracked through send.
type MessageStatus string

const (
	MessageStatusPending       MessageStatus = "pending"
	MessageStatusQueuedForSend MessageStatus = "queued_for_send"
	MessageStatusSent          MessageStatus = "sent"
	MessageStatusDelivered     MessageStatus = "delivered"
	MessageStatusFailed        MessageStatus = "failed"
)

// Message is a single turn in a Conversation; inbound Messages also
// serve as user-activity witnesses (spec.md §4.1 is_user_active).
type Message struct {
	ID                string
	UserID            string
	Role              MessageRole
	Content           string
	Status            MessageStatus
	ProviderMessageID string
	CreatedAt         time.Time
	SentAt            *time.Time
}

// EventMetadata holds the mutable bookkeeping fields of an Event. All
// other Event fields are immutable after creation (spec.md §3 I4).
type EventMetadata struct {
	RetryCount int
	LastError  string
	NotBefore  *time.Time // optional explicit backoff (spec.md §4.2)
}

// Event is one row of the append-only event log.
type Event struct {
	ID            string
	EventType     string
	AggregateID   string
	AggregateType string
	Payload       map[string]any
	Metadata      EventMetadata
	Processed     bool
	ProcessedAt   *time.Time
	Version       int
	CreatedAt     time.Time
	CreatedBy     string
}

// DeadLetter is an Event that exhausted its retry budget.
type DeadLetter struct {
	ID                string
	EventID           string
	EventType         string
	Payload           map[string]any
	ErrorMessage      string
	RetryCount        int
	OriginalCreatedAt time.Time
	CreatedAt         time.Time
}

// TaskStatus is the lifecycle of a scheduled unit of agent work.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a future work item produced by an agent (spec.md §4.3).
type Task struct {
	ID               string
	TaskType         string
	AgentType        string
	UserID           string
	Context          map[string]any
	ScheduledFor     time.Time
	Priority         Priority
	Status           TaskStatus
	RetryCount       int
	MaxRetries       int
	LastAttemptedAt  *time.Time
	Result           map[string]any
	ErrorLog         []string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// QueuedMessageStatus is the lifecycle of an Orchestrator queue row.
type QueuedMessageStatus string

const (
	QueueStatusQueued     QueuedMessageStatus = "queued"
	QueueStatusApproved   QueuedMessageStatus = "approved"
	QueueStatusSent       QueuedMessageStatus = "sent"
	QueueStatusSuperseded QueuedMessageStatus = "superseded"
	QueueStatusCancelled  QueuedMessageStatus = "cancelled"
	QueueStatusFailed     QueuedMessageStatus = "failed"
)

// PayloadType tags the structured payload variant (spec.md §9). Unknown
// tags route to the default renderer.
type PayloadType string

const (
	PayloadWelcome          PayloadType = "welcome"
	PayloadSolutionUpdate   PayloadType = "solution_update"
	PayloadIntroOpportunity PayloadType = "intro_opportunity"
	PayloadWeeklySummary    PayloadType = "weekly_summary"
	PayloadPaymentRequired  PayloadType = "payment_required"
)

// Payload is the producer-defined structured message request body.
type Payload struct {
	Type  PayloadType
	Topic string
	Data  map[string]any
}

// QueuedMessage is a producer-submitted request awaiting the Send
// Pipeline (spec.md §3, §4.1).
type QueuedMessage struct {
	ID                    string
	UserID                string
	ProducerID            string
	IdempotencyKey        string
	Payload               Payload
	RenderedText          string
	Priority              Priority
	ScheduledFor          time.Time
	CreatedAt             time.Time
	Status                QueuedMessageStatus
	RequiresFreshContext  bool
	CanDelay              bool
	SupersedesOf          string
	SupersededReason      string
	DeliveredMessageID    string
	RenderAttempts        int
}

// Budget is the per-user per-UTC-date outbound counter.
type Budget struct {
	UserID            string
	Date              string // YYYY-MM-DD, UTC
	MessagesSent      int
	LastSentAt        *time.Time
	DailyLimit        int
	HourlyLimit       int
	QuietHoursEnabled bool
}
