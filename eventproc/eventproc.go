// Package eventproc implements the Event Processor (spec.md §4.2): a
// polling dispatcher over the append-only event log, with per-type
// handler registration, exponential-backoff retries, and dead-letter
// handling once a retry budget is exhausted. Structurally this mirrors
// the teacher's reconciler (itskum47-FluxForge control_plane/reconciler.go)
// generalized from "drift detection + correction" to "claim event, run
// registered handler, record outcome".
package eventproc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/model"
	"github.com/sms-agents/orchestrator/observability"
)

// Handler processes one event's payload. A returned error is treated
// as a transient failure and retried with backoff; handlers that want
// to signal a non-retryable failure should wrap the error in
// ErrPermanent.
type Handler func(ctx context.Context, ev *model.Event) error

// ErrPermanent marks a handler error as non-retryable: the event is
// dead-lettered on first failure instead of being retried.
type ErrPermanent struct{ Err error }

func (e *ErrPermanent) Error() string { return e.Err.Error() }
func (e *ErrPermanent) Unwrap() error { return e.Err }

type registration struct {
	handler     Handler
	description string
}

// Store is the subset of store.Store the Event Processor needs.
type Store interface {
	InsertEvent(ctx context.Context, ev *model.Event) (string, error)
	ClaimEvents(ctx context.Context, limit int) ([]*model.Event, error)
	MarkEventProcessed(ctx context.Context, id string) error
	BumpEventRetry(ctx context.Context, id string, errMsg string, notBefore *time.Time) (int, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	InsertDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error)
}

// Config carries the Event Processor's tunables (spec.md §6: poll 10s,
// batch 20, max_retries 5).
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

func DefaultConfig() Config {
	return Config{PollInterval: 10 * time.Second, BatchSize: 20, MaxRetries: 5}
}

// Processor dispatches claimed events to registered handlers by
// event_type. One instance is constructed with its store injected; no
// process-wide registry (spec.md §9).
type Processor struct {
	store    Store
	cfg      Config
	log      zerolog.Logger
	cron     *cron.Cron
	handlers map[string]registration
}

func New(st Store, cfg Config, log zerolog.Logger) *Processor {
	return &Processor{
		store:    st,
		cfg:      cfg,
		log:      log.With().Str("component", "event_processor").Logger(),
		handlers: make(map[string]registration),
	}
}

// Register associates event_type with a handler (spec.md §4.2
// register). Re-registering a type overwrites the prior handler.
func (p *Processor) Register(eventType string, handler Handler, description string) {
	p.handlers[eventType] = registration{handler: handler, description: description}
}

// Emit appends a new event to the log (producer-facing API, spec.md
// §3: the log is append-only and events are otherwise immutable).
func (p *Processor) Emit(ctx context.Context, eventType, aggregateID, aggregateType string, payload map[string]any, createdBy string) (string, error) {
	ev := &model.Event{
		ID:            uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now().UTC(),
	}
	return p.store.InsertEvent(ctx, ev)
}

// Poll claims up to BatchSize due, unprocessed events and processes
// each in turn (spec.md §4.2 poll). Safe to call concurrently from
// multiple processes: ClaimEvents uses FOR UPDATE SKIP LOCKED so two
// pollers never claim the same row (spec.md §5/§9).
func (p *Processor) Poll(ctx context.Context) {
	events, err := p.store.ClaimEvents(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("poll: failed to claim events")
		return
	}
	for _, ev := range events {
		p.process(ctx, ev)
	}
}

// ForceProcess processes a single event immediately, bypassing its
// scheduled not_before backoff (spec.md §4.2 force_process,
// administrative/debug entry point).
func (p *Processor) ForceProcess(ctx context.Context, eventID string) error {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("eventproc: event %q not found", eventID)
	}
	if ev.Processed {
		return fmt.Errorf("eventproc: event %q already processed", eventID)
	}
	p.process(ctx, ev)
	return nil
}

func (p *Processor) process(ctx context.Context, ev *model.Event) {
	reg, ok := p.handlers[ev.EventType]
	if !ok {
		p.log.Warn().Str("event_id", ev.ID).Str("event_type", ev.EventType).Msg("no handler registered for event type")
		observability.EventsProcessed.WithLabelValues("unknown_type").Inc()
		p.deadLetter(ctx, ev, fmt.Sprintf("no handler registered for event_type %q", ev.EventType))
		return
	}

	err := reg.handler(ctx, ev)
	if err == nil {
		if mErr := p.store.MarkEventProcessed(ctx, ev.ID); mErr != nil {
			p.log.Error().Err(mErr).Str("event_id", ev.ID).Msg("failed to mark event processed")
			return
		}
		observability.EventsProcessed.WithLabelValues("success").Inc()
		return
	}

	var perm *ErrPermanent
	if asPermanent(err, &perm) {
		p.log.Error().Err(perm.Err).Str("event_id", ev.ID).Msg("permanent handler failure, dead-lettering")
		p.deadLetter(ctx, ev, perm.Err.Error())
		return
	}

	if ev.Metadata.RetryCount+1 > p.cfg.MaxRetries {
		p.log.Error().Err(err).Str("event_id", ev.ID).Int("retry_count", ev.Metadata.RetryCount).
			Msg("retry budget exhausted, dead-lettering")
		p.deadLetter(ctx, ev, err.Error())
		return
	}

	notBefore := time.Now().UTC().Add(backoffFor(ev.Metadata.RetryCount + 1))
	newCount, bErr := p.store.BumpEventRetry(ctx, ev.ID, err.Error(), &notBefore)
	if bErr != nil {
		p.log.Error().Err(bErr).Str("event_id", ev.ID).Msg("failed to bump retry count")
		return
	}
	p.log.Warn().Err(err).Str("event_id", ev.ID).Int("retry_count", newCount).Time("not_before", notBefore).
		Msg("handler failed, retrying")
	observability.EventsProcessed.WithLabelValues("retry").Inc()
}

func (p *Processor) deadLetter(ctx context.Context, ev *model.Event, errMsg string) {
	dl := &model.DeadLetter{
		ID:                uuid.NewString(),
		EventID:           ev.ID,
		EventType:         ev.EventType,
		Payload:           ev.Payload,
		ErrorMessage:      errMsg,
		RetryCount:        ev.Metadata.RetryCount,
		OriginalCreatedAt: ev.CreatedAt,
		CreatedAt:         time.Now().UTC(),
	}
	if err := p.store.InsertDeadLetter(ctx, dl); err != nil {
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to insert dead letter")
		return
	}
	if err := p.store.MarkEventProcessed(ctx, ev.ID); err != nil {
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to mark dead-lettered event processed")
	}
	observability.EventsProcessed.WithLabelValues("dead_letter").Inc()
	observability.EventDeadLetters.Inc()
}

// DeadLetters lists the most recent dead-lettered events (backs the
// supplemented /dead-letters endpoint, spec.md §4 supplement).
func (p *Processor) DeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	return p.store.ListDeadLetters(ctx, limit)
}

// backoffFor computes exponential backoff capped at 5 minutes,
// matching the teacher's reconciler retry cadence
// (control_plane/resilience/reconciliation.go).
func backoffFor(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func asPermanent(err error, target **ErrPermanent) bool {
	p, ok := err.(*ErrPermanent)
	if ok {
		*target = p
	}
	return ok
}

// Start launches the periodic poll loop.
func (p *Processor) Start(ctx context.Context) error {
	p.cron = cron.New()
	spec := fmt.Sprintf("@every %s", p.cfg.PollInterval)
	_, err := p.cron.AddFunc(spec, func() { p.Poll(ctx) })
	if err != nil {
		return fmt.Errorf("eventproc: schedule poll: %w", err)
	}
	p.cron.Start()
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

func (p *Processor) Stop() {
	if p.cron != nil {
		stopCtx := p.cron.Stop()
		<-stopCtx.Done()
	}
}
