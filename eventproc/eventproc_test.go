package eventproc

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

func TestPollDispatchesToRegisteredHandlerAndMarksProcessed(t *testing.T) {
	p, st := newTestProcessor(t, DefaultConfig())
	ctx := context.Background()

	var seen *model.Event
	p.Register("user.message_received", func(_ context.Context, ev *model.Event) error {
		seen = ev
		return nil
	}, "test handler")

	id, err := p.Emit(ctx, "user.message_received", "user-1", "user", map[string]any{"foo": "bar"}, "test")
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	p.Poll(ctx)

	if seen == nil || seen.ID != id {
		t.Fatal("expected handler to be invoked with the emitted event")
	}
	stored, err := st.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if !stored.Processed {
		t.Fatal("expected event to be marked processed")
	}
}

func TestPollDeadLettersUnknownEventType(t *testing.T) {
	p, st := newTestProcessor(t, DefaultConfig())
	ctx := context.Background()

	id, err := p.Emit(ctx, "no.such.handler", "agg-1", "agg", nil, "test")
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	p.Poll(ctx)

	letters, err := st.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].EventID != id {
		t.Fatalf("expected one dead letter for event %s, got %+v", id, letters)
	}
}

func TestPollRetriesTransientFailureThenDeadLettersAfterMaxRetries(t *testing.T) {
	cfg := Config{PollInterval: time.Second, BatchSize: 10, MaxRetries: 2}
	p, st := newTestProcessor(t, cfg)
	ctx := context.Background()

	attempts := 0
	p.Register("task.retry_me", func(_ context.Context, ev *model.Event) error {
		attempts++
		return errors.New("transient failure")
	}, "always fails")

	id, err := p.Emit(ctx, "task.retry_me", "agg-1", "agg", nil, "test")
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	// First two polls just bump retry count (not_before is in the
	// future so a same-instant repoll would no-op; force each attempt
	// directly via ForceProcess, which bypasses not_before).
	for i := 0; i < cfg.MaxRetries; i++ {
		if err := p.ForceProcess(ctx, id); err != nil {
			t.Fatalf("force process attempt %d: %v", i, err)
		}
		letters, _ := st.ListDeadLetters(ctx, 10)
		if len(letters) != 0 {
			t.Fatalf("expected no dead letter before retry budget exhausted, attempt %d", i)
		}
	}

	// One more failure exceeds MaxRetries and dead-letters.
	if err := p.ForceProcess(ctx, id); err != nil {
		t.Fatalf("force process final attempt: %v", err)
	}

	if attempts != cfg.MaxRetries+1 {
		t.Fatalf("expected %d handler invocations, got %d", cfg.MaxRetries+1, attempts)
	}
	letters, err := st.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected exactly one dead letter after exhausting retries, got %d", len(letters))
	}
}

func TestPermanentErrorDeadLettersImmediately(t *testing.T) {
	p, st := newTestProcessor(t, DefaultConfig())
	ctx := context.Background()

	attempts := 0
	p.Register("payment.required", func(_ context.Context, ev *model.Event) error {
		attempts++
		return &ErrPermanent{Err: errors.New("missing user_id")}
	}, "permanent failure")

	id, err := p.Emit(ctx, "payment.required", "agg-1", "agg", nil, "test")
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	p.Poll(ctx)

	if attempts != 1 {
		t.Fatalf("expected exactly one attempt before dead-lettering, got %d", attempts)
	}
	letters, err := st.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
}

func TestForceProcessRejectsAlreadyProcessedEvent(t *testing.T) {
	p, _ := newTestProcessor(t, DefaultConfig())
	ctx := context.Background()

	p.Register("user.message_received", func(_ context.Context, ev *model.Event) error { return nil }, "")
	id, err := p.Emit(ctx, "user.message_received", "agg-1", "agg", nil, "test")
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	p.Poll(ctx)

	if err := p.ForceProcess(ctx, id); err == nil {
		t.Fatal("expected ForceProcess to reject an already-processed event")
	}
}
