package taskproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/model"
	"github.com/sms-agents/orchestrator/store"
)

func newTestProcessor(t *testing.T, cfg Config) (*Processor, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, cfg, zerolog.Nop()), st
}

func TestScheduleAndPollCompletesTask(t *testing.T) {
	p, st := newTestProcessor(t, DefaultConfig())
	ctx := context.Background()

	var ran *model.Task
	p.Register("reengagement_check", func(_ context.Context, task *model.Task) (map[string]any, error) {
		ran = task
		return map[string]any{"action": "done"}, nil
	})

	id, err := p.Schedule(ctx, &model.Task{
		TaskType:     "reengagement_check",
		UserID:       "user-1",
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	p.Poll(ctx)

	if ran == nil || ran.ID != id {
		t.Fatal("expected handler to run for the scheduled task")
	}
	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.TaskStatusCompleted {
		t.Fatalf("expected task status completed, got %s", task.Status)
	}
}

func TestPollSkipsTasksNotYetDue(t *testing.T) {
	p, st := newTestProcessor(t, DefaultConfig())
	ctx := context.Background()

	invoked := false
	p.Register("schedule_follow_up", func(_ context.Context, task *model.Task) (map[string]any, error) {
		invoked = true
		return nil, nil
	})

	id, err := p.Schedule(ctx, &model.Task{
		TaskType:     "schedule_follow_up",
		UserID:       "user-1",
		ScheduledFor: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	p.Poll(ctx)

	if invoked {
		t.Fatal("expected a future-scheduled task to be skipped")
	}
	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.TaskStatusPending {
		t.Fatalf("expected task to remain pending, got %s", task.Status)
	}
}

func TestExecuteRetriesThenFailsAfterMaxRetries(t *testing.T) {
	cfg := Config{PollInterval: time.Second, BatchSize: 10, MaxRetries: 1}
	p, st := newTestProcessor(t, cfg)
	ctx := context.Background()

	attempts := 0
	p.Register("reengagement_check", func(_ context.Context, task *model.Task) (map[string]any, error) {
		attempts++
		return nil, errors.New("transient")
	})

	id, err := p.Schedule(ctx, &model.Task{
		TaskType:     "reengagement_check",
		UserID:       "user-1",
		MaxRetries:   cfg.MaxRetries,
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	p.Poll(ctx)
	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.TaskStatusPending {
		t.Fatalf("expected task rescheduled to pending after first failure, got %s", task.Status)
	}

	// Force the task due again and poll a second time; this exceeds
	// MaxRetries=1 and should terminally fail it.
	task.ScheduledFor = time.Now().UTC().Add(-time.Minute)
	_ = st.RescheduleTask(ctx, id, task.ScheduledFor, task.RetryCount, "")
	p.Poll(ctx)

	if attempts != 2 {
		t.Fatalf("expected 2 handler invocations, got %d", attempts)
	}
	task, err = st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.TaskStatusFailed {
		t.Fatalf("expected task status failed after exhausting retries, got %s", task.Status)
	}
}

func TestExecuteFailsUnknownTaskType(t *testing.T) {
	p, st := newTestProcessor(t, DefaultConfig())
	ctx := context.Background()

	id, err := p.Schedule(ctx, &model.Task{
		TaskType:     "no_such_handler",
		UserID:       "user-1",
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	p.Poll(ctx)

	task, err := st.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.TaskStatusFailed {
		t.Fatalf("expected unknown task type to fail immediately, got %s", task.Status)
	}
}
