// Package sms models the SMS provider boundary (spec.md §4.4, §6).
// The Orchestrator never calls the provider directly; it writes a
// pending outbound Message and trusts a separate Dispatcher process to
// observe the change-data-capture transition and call the provider.
// Package sms also ships an in-process Dispatcher for tests and local
// runs that moves a Message from pending to sent or failed without a
// real CDC feed; it does not set the intermediate queued_for_send
// status.
package sms

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sms-agents/orchestrator/model"
)

// Provider is the external SMS carrier boundary.
type Provider interface {
	Send(ctx context.Context, toE164, fromE164, body string) (providerID string, err error)
}

// LoggingProvider stands in for a real carrier in local/dev runs: it
// logs the outbound body instead of placing a network call and
// returns a synthetic provider id, mirroring the teacher's pattern of
// a Redis-less in-memory fallback for optional dependencies.
type LoggingProvider struct {
	log zerolog.Logger
}

func NewLoggingProvider(log zerolog.Logger) *LoggingProvider {
	return &LoggingProvider{log: log.With().Str("component", "sms_logging_provider").Logger()}
}

func (p *LoggingProvider) Send(_ context.Context, toE164, fromE164, body string) (string, error) {
	p.log.Info().Str("to", toE164).Str("from", fromE164).Str("body", body).Msg("dev SMS provider: message not actually sent")
	return "dev-" + toE164, nil
}

// InboundWebhook mirrors the provider's delivery-status callback
// payload (spec.md §6).
type InboundWebhook struct {
	MessageSid string
	From       string
	To         string
	Body       string
	SmsStatus  string
}

// MessageStore is the subset of store.Store the Dispatcher needs; kept
// narrow so tests can supply a minimal fake.
type MessageStore interface {
	MarkMessageSent(ctx context.Context, messageID, providerID string) error
	MarkMessageFailed(ctx context.Context, messageID string) error
}

// Dispatcher calls the Provider for one outbound Message, making up to
// 3 attempts and waiting 1s/2s/4s after each failed attempt before
// marking the Message failed (spec.md §4.4). It does not subscribe to
// any change feed: the Orchestrator calls Dispatch directly after
// writing the pending Message row.
type Dispatcher struct {
	provider Provider
	store    MessageStore
	from     string
	log      zerolog.Logger
}

func NewDispatcher(provider Provider, store MessageStore, fromE164 string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		store:    store,
		from:     fromE164,
		log:      log.With().Str("component", "sms_dispatcher").Logger(),
	}
}

// Dispatch sends one Message to toE164 and retries transient provider
// failures with exponential backoff before giving up.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *model.Message, toE164 string) {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		providerID, err := d.provider.Send(sendCtx, toE164, d.from, msg.Content)
		cancel()
		if err == nil {
			if mErr := d.store.MarkMessageSent(ctx, msg.ID, providerID); mErr != nil {
				d.log.Error().Err(mErr).Str("message_id", msg.ID).Msg("failed to record sent message")
			}
			return
		}
		lastErr = err
		d.log.Warn().Err(err).Str("message_id", msg.ID).Int("attempt", attempt+1).Msg("provider send failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
	d.log.Error().Err(lastErr).Str("message_id", msg.ID).Msg("provider send exhausted retries")
	if err := d.store.MarkMessageFailed(ctx, msg.ID); err != nil {
		d.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to mark message failed")
	}
}
