package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sms-agents/orchestrator/model"
)

// PostgresStore is the durable Store implementation backing the event
// log, task table, message queue, message log, and budget counters.
// It mirrors the connection-pool tuning of the teacher
// (itskum47-FluxForge control_plane/store/postgres.go).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool sized for concurrent pollers: three
// independent subsystems (Orchestrator, Event Processor, Task
// Processor) each hold a handful of in-flight queries at once.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 3
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	const q = `
		SELECT id, phone, timezone, quiet_start, quiet_end, verified,
		       point_of_contact, created_at
		FROM users WHERE id = $1`
	var u model.User
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&u.ID, &u.Phone, &u.Timezone, &u.QuietStart, &u.QuietEnd,
		&u.Verified, &u.PointOfContact, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Messages ---

func (s *PostgresStore) InsertMessage(ctx context.Context, m *model.Message) error {
	const q = `
		INSERT INTO messages (id, user_id, role, content, status, provider_message_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.pool.Exec(ctx, q, m.ID, m.UserID, m.Role, m.Content, m.Status, m.ProviderMessageID, m.CreatedAt)
	return err
}

func (s *PostgresStore) LatestInboundAt(ctx context.Context, userID string) (*time.Time, error) {
	const q = `
		SELECT created_at FROM messages
		WHERE user_id = $1 AND role = 'inbound'
		ORDER BY created_at DESC LIMIT 1`
	var t time.Time
	err := s.pool.QueryRow(ctx, q, userID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CountOutboundSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM messages
		WHERE user_id = $1 AND role = 'outbound' AND created_at >= $2`
	var n int
	err := s.pool.QueryRow(ctx, q, userID, since).Scan(&n)
	return n, err
}

func (s *PostgresStore) RecentMessages(ctx context.Context, userID string, limit int) ([]*model.Message, error) {
	const q = `
		SELECT id, user_id, role, content, status, provider_message_id, created_at
		FROM messages WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &m.Status, &m.ProviderMessageID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkMessageSent(ctx context.Context, messageID, providerID string) error {
	const q = `
		UPDATE messages SET status = 'sent', provider_message_id = $2
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, messageID, providerID)
	return err
}

func (s *PostgresStore) MarkMessageFailed(ctx context.Context, messageID string) error {
	const q = `UPDATE messages SET status = 'failed' WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, messageID)
	return err
}

// --- Budget ---

func (s *PostgresStore) GetBudget(ctx context.Context, userID string, date string) (*model.Budget, error) {
	const q = `
		SELECT user_id, date, messages_sent, last_message_at, daily_limit, hourly_limit, quiet_hours_enabled
		FROM user_message_budget WHERE user_id = $1 AND date = $2`
	var b model.Budget
	err := s.pool.QueryRow(ctx, q, userID, date).Scan(
		&b.UserID, &b.Date, &b.MessagesSent, &b.LastSentAt, &b.DailyLimit, &b.HourlyLimit, &b.QuietHoursEnabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// IncrementBudget upserts the per-day counter as a single statement
// outside any transaction. The Send Pipeline (dispatchAndCommit) calls
// it only after the Message insert and the queue-row update succeed, so
// a failed Message insert never increments the counter. The three
// writes are not atomic: if this call fails after the Message insert,
// the Message and the sent queue row remain and the counter is not
// incremented.
func (s *PostgresStore) IncrementBudget(ctx context.Context, userID string, date string, dailyLimit, hourlyLimit int, sentAt time.Time) error {
	const q = `
		INSERT INTO user_message_budget (user_id, date, messages_sent, last_message_at, daily_limit, hourly_limit, quiet_hours_enabled)
		VALUES ($1, $2, 1, $3, $4, $5, true)
		ON CONFLICT (user_id, date) DO UPDATE SET
			messages_sent = user_message_budget.messages_sent + 1,
			last_message_at = EXCLUDED.last_message_at`
	_, err := s.pool.Exec(ctx, q, userID, date, sentAt, dailyLimit, hourlyLimit)
	return err
}

// --- Queued messages ---

func (s *PostgresStore) InsertQueuedMessage(ctx context.Context, qm *model.QueuedMessage) (string, error) {
	payload, err := json.Marshal(qm.Payload)
	if err != nil {
		return "", err
	}
	const q = `
		INSERT INTO message_queue
			(id, user_id, producer_id, idempotency_key, message_data, final_message,
			 scheduled_for, priority, status, requires_fresh_context, can_delay,
			 supersedes_of, created_at, render_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = s.pool.Exec(ctx, q,
		qm.ID, qm.UserID, qm.ProducerID, nullable(qm.IdempotencyKey), payload, qm.RenderedText,
		qm.ScheduledFor, qm.Priority, qm.Status, qm.RequiresFreshContext, qm.CanDelay,
		nullable(qm.SupersedesOf), qm.CreatedAt, qm.RenderAttempts,
	)
	if err != nil {
		return "", err
	}
	return qm.ID, nil
}

func (s *PostgresStore) GetQueuedMessage(ctx context.Context, id string) (*model.QueuedMessage, error) {
	const q = `
		SELECT id, user_id, producer_id, COALESCE(idempotency_key,''), message_data, final_message,
		       scheduled_for, priority, status, requires_fresh_context, can_delay,
		       COALESCE(supersedes_of,''), COALESCE(superseded_reason,''),
		       COALESCE(delivered_message_id,''), created_at, render_attempts
		FROM message_queue WHERE id = $1`
	return s.scanQueuedMessage(s.pool.QueryRow(ctx, q, id))
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, producerID, key string) (*model.QueuedMessage, error) {
	if key == "" {
		return nil, nil
	}
	const q = `
		SELECT id, user_id, producer_id, COALESCE(idempotency_key,''), message_data, final_message,
		       scheduled_for, priority, status, requires_fresh_context, can_delay,
		       COALESCE(supersedes_of,''), COALESCE(superseded_reason,''),
		       COALESCE(delivered_message_id,''), created_at, render_attempts
		FROM message_queue WHERE producer_id = $1 AND idempotency_key = $2
		ORDER BY created_at ASC LIMIT 1`
	return s.scanQueuedMessage(s.pool.QueryRow(ctx, q, producerID, key))
}

// DueQueuedMessages returns up to limit rows due for processing,
// ordered (priority rank, scheduled_for, created_at) per spec.md §4.1
// process_due. Uses FOR UPDATE SKIP LOCKED so more than one
// Orchestrator instance can poll concurrently without double-claiming
// (spec.md §5/§9 horizontal-scale extension point).
func (s *PostgresStore) DueQueuedMessages(ctx context.Context, now time.Time, limit int) ([]*model.QueuedMessage, error) {
	const q = `
		SELECT id, user_id, producer_id, COALESCE(idempotency_key,''), message_data, final_message,
		       scheduled_for, priority, status, requires_fresh_context, can_delay,
		       COALESCE(supersedes_of,''), COALESCE(superseded_reason,''),
		       COALESCE(delivered_message_id,''), created_at, render_attempts
		FROM message_queue
		WHERE status = 'queued' AND scheduled_for <= $1
		ORDER BY
			CASE priority
				WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3
			END ASC,
			scheduled_for ASC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := s.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.QueuedMessage
	for rows.Next() {
		qm, err := scanQueuedMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qm)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateQueuedMessageStatus(ctx context.Context, id string, status model.QueuedMessageStatus, fields map[string]any) error {
	reason, _ := fields["superseded_reason"].(string)
	replacement, _ := fields["supersedes_of"].(string)
	delivered, _ := fields["delivered_message_id"].(string)
	renderAttempts, hasRenderAttempts := fields["render_attempts"].(int)
	const q = `
		UPDATE message_queue SET
			status = $2,
			superseded_reason = COALESCE(NULLIF($3, ''), superseded_reason),
			supersedes_of = COALESCE(NULLIF($4, ''), supersedes_of),
			delivered_message_id = COALESCE(NULLIF($5, ''), delivered_message_id),
			render_attempts = CASE WHEN $6 THEN $7 ELSE render_attempts END
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, status, reason, replacement, delivered, hasRenderAttempts, renderAttempts)
	return err
}

func (s *PostgresStore) RescheduleQueuedMessage(ctx context.Context, id string, newTime time.Time, note string) error {
	const q = `UPDATE message_queue SET scheduled_for = $2 WHERE id = $1 AND status = 'queued'`
	_, err := s.pool.Exec(ctx, q, id, newTime)
	return err
}

func (s *PostgresStore) SetRenderedText(ctx context.Context, id string, rendered string) error {
	const q = `UPDATE message_queue SET final_message = $2 WHERE id = $1 AND (final_message IS NULL OR final_message = '')`
	_, err := s.pool.Exec(ctx, q, id, rendered)
	return err
}

func (s *PostgresStore) scanQueuedMessage(row pgx.Row) (*model.QueuedMessage, error) {
	qm, err := scanQueuedMessageRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return qm, err
}

// rowScanner abstracts over pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedMessageRow(row rowScanner) (*model.QueuedMessage, error) {
	var qm model.QueuedMessage
	var payload []byte
	err := row.Scan(
		&qm.ID, &qm.UserID, &qm.ProducerID, &qm.IdempotencyKey, &payload, &qm.RenderedText,
		&qm.ScheduledFor, &qm.Priority, &qm.Status, &qm.RequiresFreshContext, &qm.CanDelay,
		&qm.SupersedesOf, &qm.SupersededReason, &qm.DeliveredMessageID, &qm.CreatedAt, &qm.RenderAttempts,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &qm.Payload)
	}
	return &qm, nil
}

// --- Events ---

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.Event) (string, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", err
	}
	const q = `
		INSERT INTO events (id, event_type, aggregate_id, aggregate_type, payload, processed, version, created_at, created_by)
		VALUES ($1,$2,$3,$4,$5,false,$6,$7,$8)`
	_, err = s.pool.Exec(ctx, q, ev.ID, ev.EventType, ev.AggregateID, ev.AggregateType, payload, ev.Version, ev.CreatedAt, ev.CreatedBy)
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// ClaimEvents selects up to limit unprocessed events honoring an
// optional not_before backoff, FIFO by created_at, and locks them with
// SKIP LOCKED so multiple processor instances can run without double
// delivery (spec.md §5 horizontal scale note).
func (s *PostgresStore) ClaimEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	const q = `
		SELECT id, event_type, aggregate_id, aggregate_type, payload,
		       metadata_retry_count, COALESCE(metadata_last_error,''), processed,
		       version, created_at, created_by
		FROM events
		WHERE processed = false
		  AND (metadata_not_before IS NULL OR metadata_not_before <= now())
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var ev model.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AggregateID, &ev.AggregateType, &payload,
			&ev.Metadata.RetryCount, &ev.Metadata.LastError, &ev.Processed,
			&ev.Version, &ev.CreatedAt, &ev.CreatedBy); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	const q = `
		SELECT id, event_type, aggregate_id, aggregate_type, payload,
		       metadata_retry_count, COALESCE(metadata_last_error,''), processed,
		       version, created_at, created_by
		FROM events WHERE id = $1`
	var ev model.Event
	var payload []byte
	err := s.pool.QueryRow(ctx, q, id).Scan(&ev.ID, &ev.EventType, &ev.AggregateID, &ev.AggregateType, &payload,
		&ev.Metadata.RetryCount, &ev.Metadata.LastError, &ev.Processed,
		&ev.Version, &ev.CreatedAt, &ev.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &ev.Payload)
	}
	return &ev, nil
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, id string) error {
	const q = `UPDATE events SET processed = true WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id)
	return err
}

func (s *PostgresStore) BumpEventRetry(ctx context.Context, id string, errMsg string, notBefore *time.Time) (int, error) {
	const q = `
		UPDATE events SET
			metadata_retry_count = metadata_retry_count + 1,
			metadata_last_error = $2,
			metadata_not_before = $3
		WHERE id = $1
		RETURNING metadata_retry_count`
	var n int
	err := s.pool.QueryRow(ctx, q, id, errMsg, notBefore).Scan(&n)
	return n, err
}

func (s *PostgresStore) InsertDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	payload, err := json.Marshal(dl.Payload)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO event_dead_letters (id, event_id, event_type, payload, error_message, retry_count, original_created_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = s.pool.Exec(ctx, q, dl.ID, dl.EventID, dl.EventType, payload, dl.ErrorMessage, dl.RetryCount, dl.OriginalCreatedAt, dl.CreatedAt)
	return err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	const q = `
		SELECT id, event_id, event_type, payload, error_message, retry_count, original_created_at, created_at
		FROM event_dead_letters ORDER BY created_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		var payload []byte
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.EventType, &payload, &dl.ErrorMessage, &dl.RetryCount, &dl.OriginalCreatedAt, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &dl.Payload)
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// --- Tasks ---

func (s *PostgresStore) InsertTask(ctx context.Context, t *model.Task) (string, error) {
	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return "", err
	}
	const q = `
		INSERT INTO agent_tasks
			(id, task_type, agent_type, user_id, context_json, scheduled_for, priority,
			 status, retry_count, max_retries, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,$8,$9)`
	_, err = s.pool.Exec(ctx, q, t.ID, t.TaskType, t.AgentType, t.UserID, ctxJSON, t.ScheduledFor, t.Priority, t.MaxRetries, t.CreatedAt)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// ClaimDueTasks performs the conditional claim (pending -> processing)
// described in spec.md §4.3 execute(): the race loser observes zero
// rows affected and moves on. We express the claim as a single
// UPDATE ... RETURNING so the SELECT and the transition are atomic.
func (s *PostgresStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	const q = `
		WITH due AS (
			SELECT id FROM agent_tasks
			WHERE status = 'pending' AND scheduled_for <= $1
			ORDER BY
				CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END ASC,
				scheduled_for ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE agent_tasks SET status = 'processing', last_attempted_at = $1
		WHERE id IN (SELECT id FROM due)
		RETURNING id, task_type, agent_type, user_id, context_json, scheduled_for, priority,
		          status, retry_count, max_retries, created_at`
	rows, err := s.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var ctxJSON []byte
		if err := rows.Scan(&t.ID, &t.TaskType, &t.AgentType, &t.UserID, &ctxJSON, &t.ScheduledFor,
			&t.Priority, &t.Status, &t.RetryCount, &t.MaxRetries, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(ctxJSON) > 0 {
			_ = json.Unmarshal(ctxJSON, &t.Context)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	const q = `
		SELECT id, task_type, agent_type, user_id, context_json, scheduled_for, priority,
		       status, retry_count, max_retries, created_at
		FROM agent_tasks WHERE id = $1`
	var t model.Task
	var ctxJSON []byte
	err := s.pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.TaskType, &t.AgentType, &t.UserID, &ctxJSON,
		&t.ScheduledFor, &t.Priority, &t.Status, &t.RetryCount, &t.MaxRetries, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &t.Context)
	}
	return &t, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	const q = `
		UPDATE agent_tasks SET status = 'completed', result_json = $2, completed_at = now()
		WHERE id = $1`
	_, err = s.pool.Exec(ctx, q, id, resultJSON)
	return err
}

func (s *PostgresStore) RescheduleTask(ctx context.Context, id string, next time.Time, retryCount int, errMsg string) error {
	const q = `
		UPDATE agent_tasks SET
			status = 'pending', scheduled_for = $2, retry_count = $3,
			error_log = array_append(error_log, $4)
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, next, retryCount, errMsg)
	return err
}

func (s *PostgresStore) FailTask(ctx context.Context, id string, errMsg string) error {
	const q = `
		UPDATE agent_tasks SET
			status = 'failed', error_log = array_append(error_log, $2)
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, errMsg)
	return err
}

// --- Coordination ---
//
// Postgres-side coordination falls back to advisory locks for
// deployments that run without Redis; RedisOverlay (store/redis.go)
// is preferred in production per spec.md §5.

func (s *PostgresStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	const q = `
		INSERT INTO advisory_locks (key, owner, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (key) DO UPDATE SET
			owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE advisory_locks.expires_at < now()
		RETURNING owner`
	var got string
	err := s.pool.QueryRow(ctx, q, key, owner, ttl.Seconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == owner, nil
}

func (s *PostgresStore) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	const q = `
		UPDATE advisory_locks SET expires_at = now() + $3 * interval '1 second'
		WHERE key = $1 AND owner = $2`
	tag, err := s.pool.Exec(ctx, q, key, owner, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, key, owner string) error {
	const q = `DELETE FROM advisory_locks WHERE key = $1 AND owner = $2`
	_, err := s.pool.Exec(ctx, q, key, owner)
	return err
}

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	const q = `
		INSERT INTO durable_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = durable_epochs.epoch + 1
		RETURNING epoch`
	var epoch int64
	err := s.pool.QueryRow(ctx, q, resourceID).Scan(&epoch)
	return epoch, err
}

// --- Idempotency (Postgres fallback; RedisOverlay is preferred) ---

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM idempotency_records WHERE key = $1 AND expires_at > now()`
	var v string
	err := s.pool.QueryRow(ctx, q, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *PostgresStore) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	const q = `
		INSERT INTO idempotency_records (key, value, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 second')
		ON CONFLICT (key) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, key, value, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
