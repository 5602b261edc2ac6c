package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/model"
)

type fakeEvents struct {
	polled       bool
	forceErr     error
	forcedID     string
	deadLetters  []*model.DeadLetter
}

func (f *fakeEvents) Poll(context.Context) { f.polled = true }

func (f *fakeEvents) ForceProcess(_ context.Context, eventID string) error {
	f.forcedID = eventID
	return f.forceErr
}

func (f *fakeEvents) DeadLetters(context.Context, int) ([]*model.DeadLetter, error) {
	return f.deadLetters, nil
}

type fakeTasks struct{ polled bool }

func (f *fakeTasks) Poll(context.Context) { f.polled = true }

type fakeOrchestrator struct{ processed bool }

func (f *fakeOrchestrator) ProcessDue(context.Context) { f.processed = true }

func TestHealthReturnsOK(t *testing.T) {
	api := New(&fakeEvents{}, &fakeTasks{}, &fakeOrchestrator{}, zerolog.Nop())
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestProcessEventRequiresIDQueryParam(t *testing.T) {
	events := &fakeEvents{}
	api := New(events, &fakeTasks{}, &fakeOrchestrator{}, zerolog.Nop())
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/process-event", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", resp.StatusCode)
	}
}

func TestProcessEventForcesTheGivenEvent(t *testing.T) {
	events := &fakeEvents{}
	api := New(events, &fakeTasks{}, &fakeOrchestrator{}, zerolog.Nop())
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/process-event?id=evt-1", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if events.forcedID != "evt-1" {
		t.Fatalf("expected ForceProcess called with evt-1, got %q", events.forcedID)
	}
}

func TestProcessEventRejectsGet(t *testing.T) {
	api := New(&fakeEvents{}, &fakeTasks{}, &fakeOrchestrator{}, zerolog.Nop())
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/process-event?id=evt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.StatusCode)
	}
}

func TestProcessBatchPollsEventsAndRunsProcessDue(t *testing.T) {
	events := &fakeEvents{}
	orch := &fakeOrchestrator{}
	api := New(events, &fakeTasks{}, orch, zerolog.Nop())
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/process-batch", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !events.polled || !orch.processed {
		t.Fatal("expected both the event processor and orchestrator to run")
	}
}

func TestProcessTaskPollsTasks(t *testing.T) {
	tasks := &fakeTasks{}
	api := New(&fakeEvents{}, tasks, &fakeOrchestrator{}, zerolog.Nop())
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/process-task", "", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !tasks.polled {
		t.Fatal("expected the task processor to be polled")
	}
}

func TestDeadLettersReturnsJSON(t *testing.T) {
	events := &fakeEvents{deadLetters: []*model.DeadLetter{{ID: "dl-1", EventType: "payment.required"}}}
	api := New(events, &fakeTasks{}, &fakeOrchestrator{}, zerolog.Nop())
	srv := httptest.NewServer(api.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dead-letters")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "application/json" {
		t.Fatalf("expected application/json content type, got %q", ct)
	}
}
