// Package renderer defines the LLM-backed interfaces the Orchestrator
// depends on (spec.md §6, §9): Renderer turns a structured payload
// into prose, and RelevanceClassifier decides whether a still-queued
// message is worth sending. Both are inverted dependencies — agent
// code implements them, the Orchestrator only calls them — per the
// teacher's ReconcilerInterface pattern
// (control_plane/scheduler/scheduler.go) generalized to LLM calls.
package renderer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sms-agents/orchestrator/model"
)

const maxRenderedLength = 1600

// Renderer converts a structured payload into outbound SMS prose.
type Renderer interface {
	Render(ctx context.Context, payload model.Payload, userContext UserContext) (string, error)
}

// UserContext is the minimal conversation context a Renderer or
// RelevanceClassifier needs; agents own the richer context assembly.
type UserContext struct {
	UserID          string
	RecentMessages  []*model.Message
	Summary         string
	EnqueuedAt      time.Time
}

// Verdict is the tri-valued outcome of relevance classification
// (spec.md §4.1 gate 6).
type Verdict string

const (
	VerdictRelevant   Verdict = "RELEVANT"
	VerdictStale      Verdict = "STALE"
	VerdictContextual Verdict = "CONTEXTUAL"
)

// RelevanceResult carries the classifier's verdict and rationale.
type RelevanceResult struct {
	Verdict           Verdict
	Reasoning         string
	ShouldReformulate bool
}

// RelevanceClassifier decides whether a queued payload is still worth
// sending given how much conversation has happened since it was
// enqueued.
type RelevanceClassifier interface {
	ClassifyRelevance(ctx context.Context, payload model.Payload, userContext UserContext, elapsed time.Duration) (RelevanceResult, error)
}

// Reformulator optionally rewrites a STALE payload into a fresh one to
// re-queue (spec.md §4.1 gate 6). A nil Reformulator means the
// Orchestrator simply drops the stale message without a replacement.
type Reformulator interface {
	Reformulate(ctx context.Context, original model.Payload, reasoning string) (*model.Payload, error)
}

// DefaultRenderer renders payloads without an LLM call, used for
// payload types that have a fixed template and as a graceful fallback
// for unknown types (spec.md §9: "unknown tags route to a default
// renderer and log a warning").
type DefaultRenderer struct {
	LLM Renderer // optional; nil means template-only
}

func (d *DefaultRenderer) Render(ctx context.Context, payload model.Payload, uc UserContext) (string, error) {
	if tmpl, ok := templates[payload.Type]; ok {
		text := tmpl(payload)
		return truncate(text), nil
	}
	if d.LLM != nil {
		text, err := d.LLM.Render(ctx, payload, uc)
		if err != nil {
			return "", err
		}
		return truncate(text), nil
	}
	return truncate(fmt.Sprintf("You have an update: %v", payload.Data)), nil
}

var templates = map[model.PayloadType]func(model.Payload) string{
	model.PayloadWelcome: func(p model.Payload) string {
		return "Welcome aboard! We're excited to help you get started."
	},
	model.PayloadPaymentRequired: func(p model.Payload) string {
		return "A payment is due on your account. Reply HELP for assistance."
	},
}

func truncate(s string) string {
	if len(s) <= maxRenderedLength {
		return s
	}
	return strings.TrimSpace(s[:maxRenderedLength-len("…")]) + "…"
}
