// Package httpapi exposes the operational HTTP surface described in
// spec.md §6 (force_process, force-batch, health) plus the
// supplemented /dead-letters endpoint and a live decision stream,
// following the teacher's raw net/http + promhttp.Handler() wiring
// (itskum47-FluxForge control_plane/main.go) rather than a router
// library — nothing in the example pack's control-plane-shaped repos
// reaches for one.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/model"
)

// EventProcessor is the subset of eventproc.Processor the API needs.
type EventProcessor interface {
	Poll(ctx context.Context)
	ForceProcess(ctx context.Context, eventID string) error
	DeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error)
}

// TaskProcessor is the subset of taskproc.Processor the API needs.
type TaskProcessor interface {
	Poll(ctx context.Context)
}

// Orchestrator is the subset of orchestrator.Orchestrator the API needs.
type Orchestrator interface {
	ProcessDue(ctx context.Context)
}

// API wires the three subsystems behind the HTTP surface. One instance
// per process; no package-level handler state (spec.md §9).
type API struct {
	events       EventProcessor
	tasks        TaskProcessor
	orchestrator Orchestrator
	hub          *DecisionHub
	log          zerolog.Logger
}

func New(events EventProcessor, tasks TaskProcessor, orch Orchestrator, log zerolog.Logger) *API {
	return &API{
		events:       events,
		tasks:        tasks,
		orchestrator: orch,
		hub:          NewDecisionHub(),
		log:          log.With().Str("component", "httpapi").Logger(),
	}
}

// Hub exposes the decision broadcaster so the orchestrator/eventproc
// packages can push live updates without importing httpapi back
// (caller wires Hub.Broadcast into a zerolog hook or direct call site).
func (a *API) Hub() *DecisionHub { return a.hub }

// Mux builds the process's http.ServeMux. cmd/server wraps this with
// whatever host-level middleware (CORS, auth) the deployment needs.
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/process-event", a.handleProcessEvent)
	mux.HandleFunc("/process-batch", a.handleProcessBatch)
	mux.HandleFunc("/process-task", a.handleProcessTask)
	mux.HandleFunc("/dead-letters", a.handleDeadLetters)
	mux.HandleFunc("/stream", a.hub.ServeWS)

	return mux
}

// handleProcessEvent implements the administrative force_process
// entry point (spec.md §4.2): POST /process-event?id=<event_id>.
func (a *API) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id query parameter", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := a.events.ForceProcess(ctx, id); err != nil {
		a.log.Error().Err(err).Str("event_id", id).Msg("force_process failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleProcessBatch triggers one Event Processor poll pass out of
// band with the regular cron schedule, and also nudges the
// Orchestrator's process_due so an operator can force a full sweep.
func (a *API) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	a.events.Poll(ctx)
	a.orchestrator.ProcessDue(ctx)
	w.WriteHeader(http.StatusOK)
}

// handleProcessTask triggers one Task Processor poll pass.
func (a *API) handleProcessTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	a.tasks.Poll(ctx)
	w.WriteHeader(http.StatusOK)
}

// handleDeadLetters lists recent dead-lettered events (spec.md §4
// supplement).
func (a *API) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	dls, err := a.events.DeadLetters(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dls)
}
