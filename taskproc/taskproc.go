// Package taskproc implements the Task Processor (spec.md §4.3): a
// polling executor over scheduled future work (agent_tasks), with
// per-task-type handler registration and exponential backoff
// (1/2/4 minutes) up to each task's own max_retries. Mirrors eventproc's
// claim/dispatch/retry shape, generalized from an immutable append-only
// log to a mutable task row the claim itself transitions.
package taskproc

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/model"
	"github.com/sms-agents/orchestrator/observability"
)

// Handler executes one task and returns its result payload, or an
// error to trigger a retry (or terminal failure once max_retries is
// exhausted).
type Handler func(ctx context.Context, t *model.Task) (map[string]any, error)

// Store is the subset of store.Store the Task Processor needs.
type Store interface {
	InsertTask(ctx context.Context, t *model.Task) (string, error)
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	CompleteTask(ctx context.Context, id string, result map[string]any) error
	RescheduleTask(ctx context.Context, id string, next time.Time, retryCount int, errMsg string) error
	FailTask(ctx context.Context, id string, errMsg string) error
}

// Config carries the Task Processor's tunables (spec.md §6: poll 30s,
// batch 10, max_retries 3).
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

func DefaultConfig() Config {
	return Config{PollInterval: 30 * time.Second, BatchSize: 10, MaxRetries: 3}
}

// Processor dispatches claimed tasks to registered handlers by
// task_type.
type Processor struct {
	store    Store
	cfg      Config
	log      zerolog.Logger
	cron     *cron.Cron
	handlers map[string]Handler
}

func New(st Store, cfg Config, log zerolog.Logger) *Processor {
	return &Processor{
		store:    st,
		cfg:      cfg,
		log:      log.With().Str("component", "task_processor").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Register associates task_type with a handler.
func (p *Processor) Register(taskType string, handler Handler) {
	p.handlers[taskType] = handler
}

// Schedule inserts a new future work item (spec.md §4.3 schedule()).
func (p *Processor) Schedule(ctx context.Context, t *model.Task) (string, error) {
	if t.MaxRetries == 0 {
		t.MaxRetries = p.cfg.MaxRetries
	}
	return p.store.InsertTask(ctx, t)
}

// Poll claims up to BatchSize due, pending tasks and executes each
// (spec.md §4.3 poll/execute). ClaimDueTasks atomically transitions
// pending -> processing with FOR UPDATE SKIP LOCKED so concurrent
// pollers never double-execute a task.
func (p *Processor) Poll(ctx context.Context) {
	tasks, err := p.store.ClaimDueTasks(ctx, time.Now().UTC(), p.cfg.BatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("poll: failed to claim tasks")
		return
	}
	for _, t := range tasks {
		p.execute(ctx, t)
	}
}

func (p *Processor) execute(ctx context.Context, t *model.Task) {
	handler, ok := p.handlers[t.TaskType]
	if !ok {
		p.log.Warn().Str("task_id", t.ID).Str("task_type", t.TaskType).Msg("no handler registered for task type")
		observability.TasksProcessed.WithLabelValues("unknown_type").Inc()
		_ = p.store.FailTask(ctx, t.ID, fmt.Sprintf("no handler registered for task_type %q", t.TaskType))
		return
	}

	result, err := handler(ctx, t)
	if err == nil {
		if cErr := p.store.CompleteTask(ctx, t.ID, result); cErr != nil {
			p.log.Error().Err(cErr).Str("task_id", t.ID).Msg("failed to mark task completed")
			return
		}
		observability.TasksProcessed.WithLabelValues("completed").Inc()
		return
	}

	if t.RetryCount+1 > t.MaxRetries {
		p.log.Error().Err(err).Str("task_id", t.ID).Int("retry_count", t.RetryCount).Msg("retry budget exhausted")
		if fErr := p.store.FailTask(ctx, t.ID, err.Error()); fErr != nil {
			p.log.Error().Err(fErr).Str("task_id", t.ID).Msg("failed to mark task failed")
		}
		observability.TasksProcessed.WithLabelValues("failed").Inc()
		return
	}

	delay := backoffFor(t.RetryCount + 1)
	next := time.Now().UTC().Add(delay)
	observability.TaskRetryDelaySeconds.Observe(delay.Seconds())
	if rErr := p.store.RescheduleTask(ctx, t.ID, next, t.RetryCount+1, err.Error()); rErr != nil {
		p.log.Error().Err(rErr).Str("task_id", t.ID).Msg("failed to reschedule task")
		return
	}
	p.log.Warn().Err(err).Str("task_id", t.ID).Int("retry_count", t.RetryCount+1).Time("next_attempt", next).
		Msg("task failed, retrying")
	observability.TasksProcessed.WithLabelValues("retried").Inc()
}

// backoffFor implements the 1/2/4 minute retry cadence (spec.md §4.3).
func backoffFor(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return time.Minute
	case attempt == 2:
		return 2 * time.Minute
	default:
		return 4 * time.Minute
	}
}

func (p *Processor) Start(ctx context.Context) error {
	p.cron = cron.New()
	spec := fmt.Sprintf("@every %s", p.cfg.PollInterval)
	_, err := p.cron.AddFunc(spec, func() { p.Poll(ctx) })
	if err != nil {
		return fmt.Errorf("taskproc: schedule poll: %w", err)
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
