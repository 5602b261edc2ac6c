package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/idempotency"
	"github.com/sms-agents/orchestrator/model"
	"github.com/sms-agents/orchestrator/renderer"
	"github.com/sms-agents/orchestrator/store"
)

type alwaysAllowLimiter struct{}

func (alwaysAllowLimiter) Allow(string) bool { return true }
func (alwaysAllowLimiter) Reserve(string) (bool, time.Duration) { return true, 0 }

type stubClassifier struct {
	result renderer.RelevanceResult
	err    error
}

func (s stubClassifier) ClassifyRelevance(context.Context, model.Payload, renderer.UserContext, time.Duration) (renderer.RelevanceResult, error) {
	return s.result, s.err
}

type failingRenderer struct{ err error }

func (f failingRenderer) Render(context.Context, model.Payload, renderer.UserContext) (string, error) {
	return "", f.err
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	idem := idempotency.NewStore(nil, zerolog.Nop())
	orch := New(st, st, alwaysAllowLimiter{}, &renderer.DefaultRenderer{}, nil, nil, nil, idem, cfg, zerolog.Nop())
	return orch, st
}

func seedUser(st *store.MemoryStore, id string) *model.User {
	u := &model.User{ID: id, Phone: "+15550001111", Timezone: "UTC", QuietStart: 22, QuietEnd: 8, Verified: true, CreatedAt: time.Now().UTC()}
	st.PutUser(u)
	return u
}

func TestEnqueueRejectsUnknownUser(t *testing.T) {
	orch, _ := newTestOrchestrator(t, DefaultConfig())
	_, err := orch.Enqueue(context.Background(), EnqueueRequest{
		UserID:  "no-such-user",
		Payload: PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err == nil {
		t.Fatal("expected enqueue against an unknown user to fail")
	}
}

func TestEnqueueIsIdempotentOnRepeatedKey(t *testing.T) {
	orch, _ := newTestOrchestrator(t, DefaultConfig())
	seedUser(orch.store.(*store.MemoryStore), "user-1")

	req := EnqueueRequest{
		UserID:         "user-1",
		ProducerID:     "welcome_agent",
		IdempotencyKey: "signup-1",
		Payload:        PayloadRequest{Type: string(model.PayloadWelcome)},
	}
	id1, err := orch.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	id2, err := orch.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected repeated enqueue with the same idempotency key to return the same id, got %q and %q", id1, id2)
	}
}

func TestProcessDueSendsAnUnconstrainedMessage(t *testing.T) {
	orch, st := newTestOrchestrator(t, DefaultConfig())
	seedUser(st, "user-1")

	id, err := orch.Enqueue(context.Background(), EnqueueRequest{
		UserID:     "user-1",
		ProducerID: "welcome_agent",
		Payload:    PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	orch.ProcessDue(context.Background())

	qm, err := st.GetQueuedMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusSent {
		t.Fatalf("expected queued message to be sent, got %s", qm.Status)
	}
	if qm.RenderedText == "" {
		t.Fatal("expected rendered text to be set")
	}
}

func TestProcessDueIsANoOpOnRerunOfAnAlreadySentMessage(t *testing.T) {
	orch, st := newTestOrchestrator(t, DefaultConfig())
	seedUser(st, "user-1")

	id, err := orch.Enqueue(context.Background(), EnqueueRequest{
		UserID:     "user-1",
		ProducerID: "welcome_agent",
		Payload:    PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx := context.Background()
	orch.ProcessDue(ctx)
	orch.ProcessDue(ctx)

	qm, err := st.GetQueuedMessage(ctx, id)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusSent {
		t.Fatalf("expected queued message to remain sent, got %s", qm.Status)
	}

	count, err := st.CountOutboundSince(ctx, "user-1", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count outbound: %v", err)
	}
	if count > 1 {
		t.Fatalf("expected at most one outbound send to be recorded, got %d", count)
	}
}

func TestDailyBudgetExhaustionReschedulesToNextDay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultDailyLimit = 1
	orch, st := newTestOrchestrator(t, cfg)
	user := seedUser(st, "user-1")
	ctx := context.Background()

	ids := make([]string, 2)
	for i := range ids {
		id, err := orch.Enqueue(ctx, EnqueueRequest{
			UserID:     "user-1",
			ProducerID: "welcome_agent",
			Payload:    PayloadRequest{Type: string(model.PayloadWelcome)},
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids[i] = id
	}

	before := time.Now().UTC()
	orch.ProcessDue(ctx)

	var sent, rescheduled int
	var reschedTarget time.Time
	for _, id := range ids {
		qm, err := st.GetQueuedMessage(ctx, id)
		if err != nil {
			t.Fatalf("get queued message: %v", err)
		}
		switch qm.Status {
		case model.QueueStatusSent:
			sent++
		case model.QueueStatusQueued:
			rescheduled++
			reschedTarget = qm.ScheduledFor
		default:
			t.Fatalf("unexpected status %s for %s", qm.Status, id)
		}
	}
	if sent != 1 || rescheduled != 1 {
		t.Fatalf("expected exactly one message sent and one rescheduled, got sent=%d rescheduled=%d", sent, rescheduled)
	}

	expected := startOfNextLocalDay8AM(user, before)
	if reschedTarget.Sub(expected).Abs() > time.Minute {
		t.Fatalf("expected the exhausted message to be rescheduled to next local day 08:00 (%s), got %s", expected, reschedTarget)
	}

	budget, err := st.GetBudget(ctx, "user-1", time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if budget.MessagesSent != 1 {
		t.Fatalf("expected exactly one message counted against the daily budget, got %d", budget.MessagesSent)
	}
}

func TestUrgentMessageBypassesDailyBudgetNever(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultDailyLimit = 1
	orch, st := newTestOrchestrator(t, cfg)
	seedUser(st, "user-1")
	ctx := context.Background()

	_, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Payload: PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	// Exhaust the daily budget before the urgent message is even
	// enqueued, so gate ordering within a single process_due pass can't
	// mask gate 2 applying to urgent messages too.
	orch.ProcessDue(ctx)

	urgentID, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Priority: "urgent", Payload: PayloadRequest{Type: string(model.PayloadPaymentRequired)},
	})
	if err != nil {
		t.Fatalf("enqueue urgent: %v", err)
	}

	orch.ProcessDue(ctx)

	qm, err := st.GetQueuedMessage(ctx, urgentID)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusQueued {
		t.Fatalf("expected the daily budget gate to still defer an urgent message, got status %s", qm.Status)
	}
}

func TestSupersedeNeverSends(t *testing.T) {
	orch, st := newTestOrchestrator(t, DefaultConfig())
	seedUser(st, "user-1")
	ctx := context.Background()

	id, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Payload: PayloadRequest{Type: string(model.PayloadWelcome)},
		ScheduledFor: timePtr(time.Now().UTC().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := orch.Supersede(ctx, id, "replaced by a fresher message", ""); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	orch.ProcessDue(ctx)

	qm, err := st.GetQueuedMessage(ctx, id)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusSuperseded {
		t.Fatalf("expected message to remain superseded, got %s", qm.Status)
	}
}

func TestRelevanceStaleDropsWithoutSending(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(st, "user-1")
	idem := idempotency.NewStore(nil, zerolog.Nop())
	classifier := stubClassifier{result: renderer.RelevanceResult{Verdict: renderer.VerdictStale, Reasoning: "already resolved"}}
	orch := New(st, st, alwaysAllowLimiter{}, &renderer.DefaultRenderer{}, classifier, nil, nil, idem, DefaultConfig(), zerolog.Nop())

	ctx := context.Background()
	id, err := orch.Enqueue(ctx, EnqueueRequest{UserID: "user-1", ProducerID: "p", Payload: PayloadRequest{Type: string(model.PayloadSolutionUpdate)}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	orch.ProcessDue(ctx)

	qm, err := st.GetQueuedMessage(ctx, id)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusSuperseded {
		t.Fatalf("expected a STALE verdict to supersede the message, got %s", qm.Status)
	}
}

func TestRenderFailureRetriesThenFailsTerminally(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(st, "user-1")
	idem := idempotency.NewStore(nil, zerolog.Nop())
	orch := New(st, st, alwaysAllowLimiter{}, failingRenderer{err: fmt.Errorf("llm unavailable")}, nil, nil, nil, idem, DefaultConfig(), zerolog.Nop())

	ctx := context.Background()
	id, err := orch.Enqueue(ctx, EnqueueRequest{UserID: "user-1", ProducerID: "p", Payload: PayloadRequest{Type: string(model.PayloadIntroOpportunity)}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < maxRenderAttempts; i++ {
		if err := st.RescheduleQueuedMessage(ctx, id, time.Now().UTC().Add(-time.Second), "force due"); err != nil {
			t.Fatalf("force due %d: %v", i, err)
		}
		orch.ProcessDue(ctx)
	}

	qm, err := st.GetQueuedMessage(ctx, id)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusFailed {
		t.Fatalf("expected message to terminally fail after %d render attempts, got %s", maxRenderAttempts, qm.Status)
	}
}

func TestQuietHoursBlocksSendWithoutActiveUser(t *testing.T) {
	orch, st := newTestOrchestrator(t, DefaultConfig())
	user := seedUser(st, "user-1")
	now := time.Now().UTC()
	user.QuietStart = now.Hour()
	user.QuietEnd = (now.Hour() + 1) % 24
	st.PutUser(user)
	ctx := context.Background()

	id, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Priority: "high",
		Payload: PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	orch.ProcessDue(ctx)

	qm, err := st.GetQueuedMessage(ctx, id)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusQueued {
		t.Fatalf("expected message deferred during quiet hours with no recent activity, got %s", qm.Status)
	}
}

// Grounded on spec.md §8 scenario 3: a high-priority message enqueued
// while the user is inside quiet hours must still send if the user
// has been active (an inbound message) within the active window.
func TestActiveUserBypassesQuietHoursAndSends(t *testing.T) {
	orch, st := newTestOrchestrator(t, DefaultConfig())
	user := seedUser(st, "user-1")
	now := time.Now().UTC()
	user.QuietStart = now.Hour()
	user.QuietEnd = (now.Hour() + 1) % 24
	st.PutUser(user)
	ctx := context.Background()

	if err := st.InsertMessage(ctx, &model.Message{
		ID: "inbound-1", UserID: "user-1", Role: model.RoleInbound,
		Content: "forget CRM, I'm hiring instead", Status: model.MessageStatusDelivered,
		CreatedAt: now.Add(-2 * time.Minute),
	}); err != nil {
		t.Fatalf("insert inbound message: %v", err)
	}

	id, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Priority: "high",
		Payload: PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	orch.ProcessDue(ctx)

	qm, err := st.GetQueuedMessage(ctx, id)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusSent {
		t.Fatalf("expected an active user to bypass quiet hours and send, got %s", qm.Status)
	}
}

func TestActiveUserBypassesHourlyBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultHourlyLimit = 1
	orch, st := newTestOrchestrator(t, cfg)
	seedUser(st, "user-1")
	ctx := context.Background()
	now := time.Now().UTC()

	sentAt := now.Add(-10 * time.Minute)
	if err := st.InsertMessage(ctx, &model.Message{
		ID: "out-1", UserID: "user-1", Role: model.RoleOutbound,
		Content: "already sent this hour", Status: model.MessageStatusSent,
		CreatedAt: sentAt, SentAt: &sentAt,
	}); err != nil {
		t.Fatalf("insert outbound message: %v", err)
	}
	if err := st.InsertMessage(ctx, &model.Message{
		ID: "inbound-1", UserID: "user-1", Role: model.RoleInbound,
		Content: "hi", Status: model.MessageStatusDelivered,
		CreatedAt: now.Add(-1 * time.Minute),
	}); err != nil {
		t.Fatalf("insert inbound message: %v", err)
	}

	id, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Priority: "medium",
		Payload: PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	orch.ProcessDue(ctx)

	qm, err := st.GetQueuedMessage(ctx, id)
	if err != nil {
		t.Fatalf("get queued message: %v", err)
	}
	if qm.Status != model.QueueStatusSent {
		t.Fatalf("expected an active user to bypass the hourly budget and send, got %s", qm.Status)
	}
}

// Grounded on spec.md §8 scenario 6: three QueuedMessages for the same
// user are all due with priorities low, urgent, medium and
// daily_limit=1. The Orchestrator must process urgent first; the other
// two then find the daily budget exhausted and reschedule.
func TestPriorityOrderingSendsUrgentFirstUnderDailyBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultDailyLimit = 1
	orch, st := newTestOrchestrator(t, cfg)
	seedUser(st, "user-1")
	ctx := context.Background()

	lowID, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Priority: "low",
		Payload: PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	urgentID, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Priority: "urgent",
		Payload: PayloadRequest{Type: string(model.PayloadPaymentRequired)},
	})
	if err != nil {
		t.Fatalf("enqueue urgent: %v", err)
	}
	mediumID, err := orch.Enqueue(ctx, EnqueueRequest{
		UserID: "user-1", ProducerID: "p", Priority: "medium",
		Payload: PayloadRequest{Type: string(model.PayloadWelcome)},
	})
	if err != nil {
		t.Fatalf("enqueue medium: %v", err)
	}

	orch.ProcessDue(ctx)

	urgent, err := st.GetQueuedMessage(ctx, urgentID)
	if err != nil {
		t.Fatalf("get urgent: %v", err)
	}
	if urgent.Status != model.QueueStatusSent {
		t.Fatalf("expected the urgent message to be processed first and sent, got %s", urgent.Status)
	}

	for _, id := range []string{lowID, mediumID} {
		qm, err := st.GetQueuedMessage(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if qm.Status != model.QueueStatusQueued {
			t.Fatalf("expected %s to reschedule once the daily budget was exhausted by urgent, got %s", id, qm.Status)
		}
	}

	budget, err := st.GetBudget(ctx, "user-1", time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if budget.MessagesSent != 1 {
		t.Fatalf("expected exactly one outbound message counted, got %d", budget.MessagesSent)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
