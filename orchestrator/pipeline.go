package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sms-agents/orchestrator/model"
	"github.com/sms-agents/orchestrator/observability"
	"github.com/sms-agents/orchestrator/renderer"
)

// newOperationalEvent builds a self-describing event log row for the
// operational events the Send Pipeline emits alongside its primary
// state transitions (spec.md §4 supplement).
func newOperationalEvent(eventType, aggregateID string, payload map[string]any) *model.Event {
	return &model.Event{
		ID:            uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: "queued_message",
		Payload:       payload,
		CreatedBy:     "orchestrator",
		CreatedAt:     time.Now().UTC(),
	}
}

const maxRenderAttempts = 3

// sendOne runs the full Send Pipeline for one queued row, already under
// the caller's per-user advisory lock (spec.md §4.1, §5). Each gate
// either lets the message continue, reschedules it, supersedes/drops
// it, or fails it outright — never returns a Go error for a gate
// outcome, only for genuine store/dependency faults.
func (o *Orchestrator) sendOne(ctx context.Context, qm *model.QueuedMessage) error {
	// Gate 1: staleness/supersession. Re-read under the lock in case a
	// concurrent supersede() or another poller won the race since
	// ProcessDue selected this row.
	fresh, err := o.store.GetQueuedMessage(ctx, qm.ID)
	if err != nil {
		return err
	}
	if fresh == nil || fresh.Status != model.QueueStatusQueued {
		o.recordGateFor(qm, "staleness", "skipped")
		return nil
	}
	qm = fresh

	user, err := o.store.GetUser(ctx, qm.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		o.log.Warn().Str("queued_message_id", qm.ID).Str("user_id", qm.UserID).Msg("queued message references unknown user")
		return o.failMessage(ctx, qm, "unknown user")
	}

	now := time.Now().UTC()
	urgent := qm.Priority == model.PriorityUrgent

	// Gate 2: daily budget. Urgent messages never bypass this one
	// (spec.md §9 decision: urgent only overrides hourly/quiet hours).
	budget, err := o.dailyBudget(ctx, user.ID, now)
	if err != nil {
		return err
	}
	if budget.MessagesSent >= effectiveLimit(budget.DailyLimit, o.cfg.DefaultDailyLimit) {
		o.recordGateFor(qm, "daily_budget", "rescheduled")
		return o.reschedule(ctx, qm, startOfNextLocalDay8AM(user, now), "daily budget exhausted")
	}

	active, err := o.IsUserActive(ctx, user.ID)
	if err != nil {
		return err
	}

	// Gate 3: hourly budget, rolling 60-minute window. An active user
	// bypasses the hourly limit (spec.md §4.1 gate 3).
	since := now.Add(-time.Hour)
	sentLastHour, err := o.store.CountOutboundSince(ctx, user.ID, since)
	if err != nil {
		return err
	}
	if !urgent && !active && sentLastHour >= effectiveLimit(budget.HourlyLimit, o.cfg.DefaultHourlyLimit) {
		o.recordGateFor(qm, "hourly_budget", "rescheduled")
		return o.reschedule(ctx, qm, now.Add(time.Hour), "hourly budget exhausted")
	}

	// Gate 4: quiet hours. An active user bypasses quiet hours too
	// (spec.md §4.1 gate 4). The reschedule target is quiet_end
	// adjusted to an optimal hour per the user's response pattern.
	if !urgent && !active && inQuietHours(user, o.cfg, now) {
		o.recordGateFor(qm, "quiet_hours", "rescheduled")
		target := nextOptimalSendTime(user, endOfQuietHours(user, o.cfg, now))
		return o.reschedule(ctx, qm, target, "quiet hours")
	}

	// Gate 5: priority override. Urgent already bypassed gates 3/4
	// above (but never gate 2, enforced there). `low` defers ahead of
	// higher-priority queued rows for the same user — this is already
	// guaranteed by DueQueuedMessages' (priority rank, scheduled_for)
	// ordering combined with ProcessDue's single sequential pass under
	// the per-user advisory lock (§5): a higher-ranked due row for the
	// same user is always dequeued and sent before a lower-ranked one
	// in the same poll, so there is no further check to make here.

	// Gate 6: relevance classification. Skipped gracefully (fail open)
	// if no classifier is wired, matching spec.md §9's note that
	// relevance checking is an enrichment, not a hard dependency.
	if o.classifier != nil {
		uc := renderer.UserContext{UserID: user.ID, EnqueuedAt: qm.CreatedAt}
		if recent, rerr := o.store.RecentMessages(ctx, user.ID, 20); rerr == nil {
			uc.RecentMessages = recent
		}
		classifyCtx, cancel := context.WithTimeout(ctx, o.cfg.RelevanceTimeout)
		result, cerr := o.classifier.ClassifyRelevance(classifyCtx, qm.Payload, uc, now.Sub(qm.CreatedAt))
		cancel()
		if cerr != nil {
			o.log.Warn().Err(cerr).Str("queued_message_id", qm.ID).Msg("relevance classification failed, proceeding")
			observability.RelevanceVerdicts.WithLabelValues("fail_open").Inc()
		} else {
			observability.RelevanceVerdicts.WithLabelValues(string(result.Verdict)).Inc()
			if result.Verdict == renderer.VerdictStale {
				return o.handleStale(ctx, qm, result)
			}
		}
	}

	// Gate 7: render.
	uc := renderer.UserContext{UserID: user.ID, EnqueuedAt: qm.CreatedAt}
	if recent, rerr := o.store.RecentMessages(ctx, user.ID, 20); rerr == nil {
		uc.RecentMessages = recent
	}
	renderCtx, cancel := context.WithTimeout(ctx, o.cfg.RenderTimeout)
	text, rerr := o.renderer.Render(renderCtx, qm.Payload, uc)
	cancel()
	if rerr != nil {
		return o.handleRenderFailure(ctx, qm, rerr)
	}
	if err := o.store.SetRenderedText(ctx, qm.ID, text); err != nil {
		return err
	}
	qm.RenderedText = text

	// Gate 8 + 9: dispatch and commit. The Orchestrator's own
	// responsibility ends at writing the pending outbound Message and
	// marking the queue row sent; the SMS Dispatcher (spec.md §4.4)
	// owns provider retries from here.
	return o.dispatchAndCommit(ctx, qm, user, budget, now)
}

func (o *Orchestrator) dailyBudget(ctx context.Context, userID string, now time.Time) (*model.Budget, error) {
	date := now.Format("2006-01-02")
	b, err := o.store.GetBudget(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = &model.Budget{UserID: userID, Date: date, DailyLimit: o.cfg.DefaultDailyLimit, HourlyLimit: o.cfg.DefaultHourlyLimit}
	}
	return b, nil
}

func effectiveLimit(userLimit, fallback int) int {
	if userLimit > 0 {
		return userLimit
	}
	return fallback
}

// startOfNextLocalDay8AM returns 08:00 on the day after t, in the
// user's own timezone, converted back to UTC (spec.md §4.1 gate 2 and
// §8's daily-budget boundary property).
func startOfNextLocalDay8AM(user *model.User, t time.Time) time.Time {
	loc := userLocation(user)
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 8, 0, 0, 0, loc).AddDate(0, 0, 1).UTC()
}

func (o *Orchestrator) reschedule(ctx context.Context, qm *model.QueuedMessage, to time.Time, note string) error {
	return o.store.RescheduleQueuedMessage(ctx, qm.ID, to, note)
}

func (o *Orchestrator) failMessage(ctx context.Context, qm *model.QueuedMessage, reason string) error {
	o.recordGate("fault", "failed")
	return o.store.UpdateQueuedMessageStatus(ctx, qm.ID, model.QueueStatusFailed, map[string]any{"superseded_reason": reason})
}

// handleStale either reformulates a STALE queued message into a fresh
// replacement (when a Reformulator is wired) or drops it, logging a
// message.superseded operational event either way (spec.md §9).
func (o *Orchestrator) handleStale(ctx context.Context, qm *model.QueuedMessage, result renderer.RelevanceResult) error {
	o.recordGate("relevance", "stale")

	replacementID := ""
	if o.reformulator != nil && result.ShouldReformulate {
		newPayload, err := o.reformulator.Reformulate(ctx, qm.Payload, result.Reasoning)
		if err != nil {
			o.log.Warn().Err(err).Str("queued_message_id", qm.ID).Msg("reformulation failed, dropping stale message")
		} else if newPayload != nil {
			id, err := o.Enqueue(ctx, EnqueueRequest{
				UserID:         qm.UserID,
				ProducerID:     qm.ProducerID,
				Payload:        PayloadRequest{Type: string(newPayload.Type), Topic: newPayload.Topic, Data: newPayload.Data},
				Priority:       string(qm.Priority),
				CanDelay:       qm.CanDelay,
				ScheduledFor:   nil,
			})
			if err != nil {
				o.log.Error().Err(err).Msg("failed to enqueue reformulated replacement")
			} else {
				replacementID = id
			}
		}
	}

	if err := o.store.UpdateQueuedMessageStatus(ctx, qm.ID, model.QueueStatusSuperseded, map[string]any{
		"superseded_reason": "stale: " + result.Reasoning,
		"supersedes_of":     replacementID,
	}); err != nil {
		return err
	}

	_, err := o.store.InsertEvent(ctx, newOperationalEvent("message.superseded", qm.ID,
		map[string]any{"reason": result.Reasoning, "replacement_id": replacementID}))
	return err
}

// handleRenderFailure retries rendering up to maxRenderAttempts before
// failing the message terminally (spec.md §4 render retry supplement).
func (o *Orchestrator) handleRenderFailure(ctx context.Context, qm *model.QueuedMessage, renderErr error) error {
	attempts := qm.RenderAttempts + 1
	terminal := attempts >= maxRenderAttempts
	observability.RenderFailures.WithLabelValues(boolLabel(terminal)).Inc()
	o.log.Warn().Err(renderErr).Str("queued_message_id", qm.ID).Int("attempt", attempts).Bool("terminal", terminal).
		Msg("render failed")

	if terminal {
		o.recordGate("render", "failed")
		if err := o.store.UpdateQueuedMessageStatus(ctx, qm.ID, model.QueueStatusFailed, map[string]any{
			"render_attempts": attempts,
		}); err != nil {
			return err
		}
		_, err := o.store.InsertEvent(ctx, newOperationalEvent("message.render_failed", qm.ID,
			map[string]any{"error": renderErr.Error(), "attempts": attempts}))
		return err
	}

	o.recordGate("render", "retried")
	if err := o.store.UpdateQueuedMessageStatus(ctx, qm.ID, qm.Status, map[string]any{
		"render_attempts": attempts,
	}); err != nil {
		return err
	}
	backoff := time.Duration(attempts) * 30 * time.Second
	return o.store.RescheduleQueuedMessage(ctx, qm.ID, time.Now().UTC().Add(backoff), "render retry")
}

func (o *Orchestrator) dispatchAndCommit(ctx context.Context, qm *model.QueuedMessage, user *model.User, budget *model.Budget, now time.Time) error {
	msg := &model.Message{
		ID:        qm.ID,
		UserID:    user.ID,
		Role:      model.RoleOutbound,
		Content:   qm.RenderedText,
		Status:    model.MessageStatusPending,
		CreatedAt: now,
	}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		return err
	}

	if err := o.store.UpdateQueuedMessageStatus(ctx, qm.ID, model.QueueStatusSent, map[string]any{
		"delivered_message_id": msg.ID,
	}); err != nil {
		return err
	}

	if err := o.store.IncrementBudget(ctx, user.ID, budget.Date, budget.DailyLimit, budget.HourlyLimit, now); err != nil {
		return err
	}

	observability.MessagesSent.WithLabelValues(string(qm.Priority)).Inc()
	o.recordGateFor(qm, "dispatch", "sent")

	if o.dispatcher != nil {
		go o.dispatcher.Dispatch(context.Background(), msg, user.Phone)
	}
	return nil
}

func (o *Orchestrator) recordGate(gate, outcome string) {
	observability.GateDecisions.WithLabelValues(gate, outcome).Inc()
}

func (o *Orchestrator) recordGateFor(qm *model.QueuedMessage, gate, outcome string) {
	o.recordGate(gate, outcome)
	if o.notify != nil {
		o.notify(gate, outcome, qm.ID, qm.UserID)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
