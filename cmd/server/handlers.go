package main

import (
	"context"
	"fmt"

	"github.com/sms-agents/orchestrator/eventproc"
	"github.com/sms-agents/orchestrator/model"
	"github.com/sms-agents/orchestrator/orchestrator"
	"github.com/sms-agents/orchestrator/taskproc"
)

// registerEventHandlers wires the event types the rest of the agent
// platform is expected to emit (spec.md §3 event log, §9 design note:
// agents publish events, the Event Processor reacts). Handlers here
// are intentionally thin: their job is translating an event into an
// Orchestrator enqueue or a scheduled Task, not doing agent work
// themselves.
func registerEventHandlers(p *eventproc.Processor, orch *orchestrator.Orchestrator) {
	p.Register("user.message_received", func(ctx context.Context, ev *model.Event) error {
		// Inbound messages are recorded by the webhook handler directly;
		// this event exists so other subsystems (e.g. a re-engagement
		// task) can react to the fact that the user just engaged.
		return nil
	}, "records that an inbound SMS was received")

	p.Register("solution.updated", func(ctx context.Context, ev *model.Event) error {
		userID, _ := ev.Payload["user_id"].(string)
		topic, _ := ev.Payload["topic"].(string)
		if userID == "" {
			return &eventproc.ErrPermanent{Err: fmt.Errorf("solution.updated event missing user_id")}
		}
		_, err := orch.Enqueue(ctx, orchestrator.EnqueueRequest{
			UserID:     userID,
			ProducerID: "solution_research_agent",
			Payload: orchestrator.PayloadRequest{
				Type:  string(model.PayloadSolutionUpdate),
				Topic: topic,
				Data:  ev.Payload,
			},
			Priority: "medium",
			CanDelay: true,
		})
		return err
	}, "enqueues a solution_update message when the research agent finds something new")

	p.Register("payment.required", func(ctx context.Context, ev *model.Event) error {
		userID, _ := ev.Payload["user_id"].(string)
		if userID == "" {
			return &eventproc.ErrPermanent{Err: fmt.Errorf("payment.required event missing user_id")}
		}
		_, err := orch.Enqueue(ctx, orchestrator.EnqueueRequest{
			UserID:     userID,
			ProducerID: "billing_agent",
			Payload: orchestrator.PayloadRequest{
				Type: string(model.PayloadPaymentRequired),
				Data: ev.Payload,
			},
			Priority: "high",
			CanDelay: false,
		})
		return err
	}, "enqueues a payment_required message")
}

// registerTaskHandlers wires two future-work task types:
// schedule_follow_up (enqueues a follow-up message) and
// reengagement_check (enqueues a prompt when the user is inactive).
// No handler is registered for updating a user profile field or for
// triggering solution research; the Task Processor marks tasks of
// those types failed with "no handler registered".
func registerTaskHandlers(p *taskproc.Processor, orch *orchestrator.Orchestrator) {
	p.Register("schedule_follow_up", func(ctx context.Context, t *model.Task) (map[string]any, error) {
		payloadType, _ := t.Context["payload_type"].(string)
		topic, _ := t.Context["topic"].(string)
		if payloadType == "" {
			return nil, fmt.Errorf("schedule_follow_up task missing payload_type")
		}
		id, err := orch.Enqueue(ctx, orchestrator.EnqueueRequest{
			UserID:     t.UserID,
			ProducerID: t.AgentType,
			Payload: orchestrator.PayloadRequest{
				Type:  payloadType,
				Topic: topic,
				Data:  t.Context,
			},
			Priority: string(t.Priority),
			CanDelay: true,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"queued_message_id": id}, nil
	})

	p.Register("reengagement_check", func(ctx context.Context, t *model.Task) (map[string]any, error) {
		active, err := orch.IsUserActive(ctx, t.UserID)
		if err != nil {
			return nil, err
		}
		if active {
			return map[string]any{"action": "none", "reason": "user active"}, nil
		}
		id, err := orch.Enqueue(ctx, orchestrator.EnqueueRequest{
			UserID:     t.UserID,
			ProducerID: "reengagement_agent",
			Payload: orchestrator.PayloadRequest{
				Type: string(model.PayloadWeeklySummary),
			},
			Priority: "low",
			CanDelay: true,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"action": "enqueued", "queued_message_id": id}, nil
	})
}
