package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReserveInMemoryFallbackFirstWins(t *testing.T) {
	s := NewStore(nil, zerolog.Nop())
	ctx := context.Background()

	existing, reserved := s.Reserve(ctx, "key-1", "qm-1")
	if !reserved || existing != "" {
		t.Fatalf("expected first reserve to succeed, got reserved=%v existing=%q", reserved, existing)
	}

	existing, reserved = s.Reserve(ctx, "key-1", "qm-2")
	if reserved {
		t.Fatal("expected second reserve with the same key to be rejected")
	}
	if existing != "qm-1" {
		t.Fatalf("expected existing id qm-1, got %q", existing)
	}
}

func TestReserveEmptyKeyAlwaysReserves(t *testing.T) {
	s := NewStore(nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, reserved := s.Reserve(ctx, "", "qm-x")
		if !reserved {
			t.Fatal("expected an empty idempotency key to never dedupe")
		}
	}
}

type fakeBackend struct {
	records map[string]string
}

func newFakeBackend() *fakeBackend { return &fakeBackend{records: make(map[string]string)} }

func (f *fakeBackend) GetIdempotencyRecord(_ context.Context, key string) (string, error) {
	v, ok := f.records[key]
	if !ok {
		return "", nil
	}
	return v, nil
}

func (f *fakeBackend) SetIdempotencyRecordNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	if _, ok := f.records[key]; ok {
		return false, nil
	}
	f.records[key] = value
	return true, nil
}

func TestReserveWithBackendDedupesAcrossCalls(t *testing.T) {
	backend := newFakeBackend()
	s := NewStore(backend, zerolog.Nop())
	ctx := context.Background()

	_, reserved := s.Reserve(ctx, "key-1", "qm-1")
	if !reserved {
		t.Fatal("expected first reserve against a fresh backend to succeed")
	}

	existing, reserved := s.Reserve(ctx, "key-1", "qm-2")
	if reserved {
		t.Fatal("expected second reserve to be rejected by the backend")
	}
	if existing != "qm-1" {
		t.Fatalf("expected existing id qm-1, got %q", existing)
	}
}
