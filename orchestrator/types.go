package orchestrator

import "time"

// Config carries the Orchestrator's tunables (spec.md §6).
type Config struct {
	PollInterval        time.Duration
	BatchSize           int
	DefaultDailyLimit   int
	DefaultHourlyLimit  int
	QuietHoursStart     int // local hour, 0-23
	QuietHoursEnd       int // local hour, 0-23, exclusive
	ActiveWindowMinutes int
	RelevanceTimeout    time.Duration
	RenderTimeout       time.Duration
	SMSTimeout          time.Duration
	StoreTimeout        time.Duration
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        60 * time.Second,
		BatchSize:           50,
		DefaultDailyLimit:   10,
		DefaultHourlyLimit:  2,
		QuietHoursStart:     22,
		QuietHoursEnd:       8,
		ActiveWindowMinutes: 10,
		RelevanceTimeout:    30 * time.Second,
		RenderTimeout:       30 * time.Second,
		SMSTimeout:          30 * time.Second,
		StoreTimeout:        10 * time.Second,
	}
}

// Gate outcome labels used for observability (Prometheus labels and the
// admin decision stream). Gate failures are not errors: they
// reschedule, supersede, or (on a genuine fault) fail the message, but
// never abort the poll loop.
const (
	outcomeContinue    = "continue"
	outcomeRescheduled = "rescheduled"
	outcomeSuperseded  = "superseded"
	outcomeFailed      = "failed"
	outcomeSkipped     = "skipped"
)

// EnqueueRequest is the public enqueue() contract (spec.md §6).
type EnqueueRequest struct {
	UserID               string
	ProducerID           string
	IdempotencyKey       string
	Payload              PayloadRequest
	Priority             string
	CanDelay             bool
	RequiresFreshContext bool
	ScheduledFor         *time.Time
}

// PayloadRequest is the producer-supplied structured body.
type PayloadRequest struct {
	Type  string
	Topic string
	Data  map[string]any
}
