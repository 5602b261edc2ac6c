// Package orchestrator implements the Message Orchestrator (spec.md
// §4.1): the queue, scheduler, rate limiter, relevance checker,
// superseder, and SMS dispatch handoff. Structurally it mirrors the
// teacher's scheduler.Scheduler (itskum47-FluxForge
// control_plane/scheduler/scheduler.go) — a poller driving a
// store-backed queue under a leader lease — generalized from
// "reconciliation task" to "queued SMS message" and from an in-memory
// priority heap to the durable, FOR UPDATE SKIP LOCKED-claimed
// message_queue table that spec.md §3 requires as the single source
// of truth.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/coordination"
	"github.com/sms-agents/orchestrator/idempotency"
	"github.com/sms-agents/orchestrator/model"
	"github.com/sms-agents/orchestrator/observability"
	"github.com/sms-agents/orchestrator/ratelimit"
	"github.com/sms-agents/orchestrator/renderer"
	"github.com/sms-agents/orchestrator/sms"
)

// Store is the subset of store.Store the Orchestrator needs.
type Store interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	LatestInboundAt(ctx context.Context, userID string) (*time.Time, error)
	CountOutboundSince(ctx context.Context, userID string, since time.Time) (int, error)
	RecentMessages(ctx context.Context, userID string, limit int) ([]*model.Message, error)
	GetBudget(ctx context.Context, userID string, date string) (*model.Budget, error)
	IncrementBudget(ctx context.Context, userID string, date string, dailyLimit, hourlyLimit int, sentAt time.Time) error
	InsertQueuedMessage(ctx context.Context, qm *model.QueuedMessage) (string, error)
	GetQueuedMessage(ctx context.Context, id string) (*model.QueuedMessage, error)
	FindByIdempotencyKey(ctx context.Context, producerID, key string) (*model.QueuedMessage, error)
	DueQueuedMessages(ctx context.Context, now time.Time, limit int) ([]*model.QueuedMessage, error)
	UpdateQueuedMessageStatus(ctx context.Context, id string, status model.QueuedMessageStatus, fields map[string]any) error
	RescheduleQueuedMessage(ctx context.Context, id string, newTime time.Time, note string) error
	SetRenderedText(ctx context.Context, id string, rendered string) error
	InsertEvent(ctx context.Context, ev *model.Event) (string, error)
}

// Orchestrator owns the Send Pipeline. One instance is constructed
// with its store/limiter/renderer/classifier/reformulator/provider
// dependencies injected — no process-wide singletons (spec.md §9).
type Orchestrator struct {
	store        Store
	coord        coordination.Coordinator
	limiter      ratelimit.Limiter
	renderer     renderer.Renderer
	classifier   renderer.RelevanceClassifier
	reformulator renderer.Reformulator // optional, may be nil
	dispatcher   *sms.Dispatcher
	idem         *idempotency.Store
	cfg          Config
	log          zerolog.Logger
	cron         *cron.Cron
	notify       func(gate, outcome, queuedMessageID, userID string)
}

// OnDecision registers a callback invoked after every gate decision,
// used to feed the admin live-decision stream (httpapi.DecisionHub)
// without the orchestrator package depending on httpapi.
func (o *Orchestrator) OnDecision(fn func(gate, outcome, queuedMessageID, userID string)) {
	o.notify = fn
}

// New constructs an Orchestrator. reformulator may be nil.
func New(
	st Store,
	coord coordination.Coordinator,
	limiter ratelimit.Limiter,
	rend renderer.Renderer,
	classifier renderer.RelevanceClassifier,
	reformulator renderer.Reformulator,
	dispatcher *sms.Dispatcher,
	idem *idempotency.Store,
	cfg Config,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:        st,
		coord:        coord,
		limiter:      limiter,
		renderer:     rend,
		classifier:   classifier,
		reformulator: reformulator,
		dispatcher:   dispatcher,
		idem:         idem,
		cfg:          cfg,
		log:          log.With().Str("component", "orchestrator").Logger(),
	}
}

// Enqueue validates and inserts a producer's structured message
// request (spec.md §6). It never blocks on rendering, relevance, or
// the SMS provider, and never calls them directly.
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.UserID == "" {
		return "", fmt.Errorf("orchestrator: user_id is required")
	}
	if req.Payload.Type == "" {
		return "", fmt.Errorf("orchestrator: payload is required")
	}
	if o.limiter != nil && req.Priority != string(model.PriorityUrgent) && !o.limiter.Allow(req.ProducerID) {
		return "", fmt.Errorf("orchestrator: producer %q is submitting too fast", req.ProducerID)
	}

	user, err := o.store.GetUser(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load user: %w", err)
	}
	if user == nil {
		return "", fmt.Errorf("orchestrator: unknown user %q", req.UserID)
	}

	scheduledFor := time.Now().UTC()
	if req.ScheduledFor != nil {
		scheduledFor = *req.ScheduledFor
	}

	priority := model.Priority(req.Priority)
	if priority == "" {
		priority = model.PriorityMedium
	}

	id := uuid.NewString()

	if req.IdempotencyKey != "" && o.idem != nil {
		if existing, reserved := o.idem.Reserve(ctx, idempotencyCacheKey(req.ProducerID, req.IdempotencyKey), id); !reserved {
			o.log.Info().Str("idempotency_key", req.IdempotencyKey).Str("existing_id", existing).
				Msg("enqueue deduplicated by idempotency key")
			return existing, nil
		}
	}

	qm := &model.QueuedMessage{
		ID:             id,
		UserID:         req.UserID,
		ProducerID:     req.ProducerID,
		IdempotencyKey: req.IdempotencyKey,
		Payload: model.Payload{
			Type:  model.PayloadType(req.Payload.Type),
			Topic: req.Payload.Topic,
			Data:  req.Payload.Data,
		},
		Priority:             priority,
		ScheduledFor:         scheduledFor,
		CreatedAt:            time.Now().UTC(),
		Status:               model.QueueStatusQueued,
		RequiresFreshContext: req.RequiresFreshContext,
		CanDelay:             req.CanDelay,
	}

	if _, err := o.store.InsertQueuedMessage(ctx, qm); err != nil {
		return "", fmt.Errorf("orchestrator: insert queued message: %w", err)
	}
	return id, nil
}

// IsUserActive reports whether an inbound Message exists within the
// configured active window (spec.md §4.1, Glossary).
func (o *Orchestrator) IsUserActive(ctx context.Context, userID string) (bool, error) {
	last, err := o.store.LatestInboundAt(ctx, userID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	return time.Since(*last) <= time.Duration(o.cfg.ActiveWindowMinutes)*time.Minute, nil
}

// Supersede transitions a queued row to superseded (spec.md §4.1).
func (o *Orchestrator) Supersede(ctx context.Context, id, reason, replacementID string) error {
	qm, err := o.store.GetQueuedMessage(ctx, id)
	if err != nil {
		return err
	}
	if qm == nil {
		return fmt.Errorf("orchestrator: queued message %q not found", id)
	}
	if qm.Status != model.QueueStatusQueued {
		return fmt.Errorf("orchestrator: queued message %q is %s, not queued", id, qm.Status)
	}
	fields := map[string]any{"superseded_reason": reason}
	if replacementID != "" {
		fields["supersedes_of"] = replacementID
	}
	return o.store.UpdateQueuedMessageStatus(ctx, id, model.QueueStatusSuperseded, fields)
}

// ProcessDue runs one process_due pass: select up to BatchSize due
// rows, ordered (priority, scheduled_for, created_at), and run the
// Send Pipeline on each under the per-user advisory lock (spec.md
// §4.1, §5). Idempotent with respect to re-entry: a message already
// moved out of `queued` by a concurrent poller is simply skipped.
func (o *Orchestrator) ProcessDue(ctx context.Context) {
	start := time.Now()
	defer func() { observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds()) }()

	due, err := o.store.DueQueuedMessages(ctx, time.Now().UTC(), o.cfg.BatchSize)
	if err != nil {
		o.log.Error().Err(err).Msg("process_due: failed to load due messages")
		return
	}
	observability.QueueDepth.WithLabelValues("due").Set(float64(len(due)))

	for _, qm := range due {
		qm := qm
		ran, err := coordination.WithUserLock(ctx, o.coord, qm.UserID, func(ctx context.Context) error {
			return o.sendOne(ctx, qm)
		})
		if err != nil {
			o.log.Error().Err(err).Str("queued_message_id", qm.ID).Msg("send pipeline error")
			continue
		}
		if !ran {
			o.log.Debug().Str("user_id", qm.UserID).Msg("user lock held by another poller, deferring")
		}
	}
}

// Start launches the periodic process_due loop using a cron-style
// "@every" schedule (Derek-X-Wang-Tmux-Claude-Scheduler's
// robfig/cron-backed poll loop pattern), so the cadence is
// configurable the same way a real cron entry would be.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.cron = cron.New()
	spec := fmt.Sprintf("@every %s", o.cfg.PollInterval)
	_, err := o.cron.AddFunc(spec, func() { o.ProcessDue(ctx) })
	if err != nil {
		return fmt.Errorf("orchestrator: schedule process_due: %w", err)
	}
	o.cron.Start()
	go func() {
		<-ctx.Done()
		o.Stop()
	}()
	return nil
}

func (o *Orchestrator) Stop() {
	if o.cron != nil {
		stopCtx := o.cron.Stop()
		<-stopCtx.Done()
	}
}

func idempotencyCacheKey(producerID, key string) string {
	return "enqueue:" + producerID + ":" + key
}
