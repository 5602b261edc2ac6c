package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sms-agents/orchestrator/model"
)

// MemoryStore is an in-memory fake satisfying Store, used by package
// tests in orchestrator, eventproc, and taskproc in place of a real
// Postgres/Redis deployment (grounded on the teacher's
// control_plane/store/memory.go MemoryStore).
type MemoryStore struct {
	mu sync.RWMutex

	users    map[string]*model.User
	messages map[string]*model.Message
	budgets  map[string]*model.Budget // key: userID + "|" + date

	queued map[string]*model.QueuedMessage

	events      map[string]*model.Event
	deadLetters []*model.DeadLetter

	tasks map[string]*model.Task

	locks map[string]memoryLock
	idem  map[string]memoryIdemRecord
	epoch map[string]int64
}

type memoryLock struct {
	owner   string
	expires time.Time
}

type memoryIdemRecord struct {
	value   string
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*model.User),
		messages: make(map[string]*model.Message),
		budgets:  make(map[string]*model.Budget),
		queued:   make(map[string]*model.QueuedMessage),
		events:   make(map[string]*model.Event),
		tasks:    make(map[string]*model.Task),
		locks:    make(map[string]memoryLock),
		idem:     make(map[string]memoryIdemRecord),
		epoch:    make(map[string]int64),
	}
}

// PutUser seeds a user for tests; not part of the Store interface.
func (s *MemoryStore) PutUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) LatestInboundAt(_ context.Context, userID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for _, m := range s.messages {
		if m.UserID != userID || m.Role != model.RoleInbound {
			continue
		}
		if latest == nil || m.CreatedAt.After(*latest) {
			t := m.CreatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *MemoryStore) CountOutboundSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages {
		if m.UserID == userID && m.Role == model.RoleOutbound && m.Status == model.MessageStatusSent &&
			m.SentAt != nil && m.SentAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, userID string, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*model.Message
	for _, m := range s.messages {
		if m.UserID == userID {
			cp := *m
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) MarkMessageSent(_ context.Context, messageID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return errors.New("memory store: message not found")
	}
	now := time.Now().UTC()
	m.Status = model.MessageStatusSent
	m.ProviderMessageID = providerID
	m.SentAt = &now
	return nil
}

func (s *MemoryStore) MarkMessageFailed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return errors.New("memory store: message not found")
	}
	m.Status = model.MessageStatusFailed
	return nil
}

func (s *MemoryStore) GetBudget(_ context.Context, userID string, date string) (*model.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[userID+"|"+date]
	if !ok {
		return &model.Budget{UserID: userID, Date: date}, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) IncrementBudget(_ context.Context, userID string, date string, dailyLimit, hourlyLimit int, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + date
	b, ok := s.budgets[key]
	if !ok {
		b = &model.Budget{UserID: userID, Date: date}
		s.budgets[key] = b
	}
	b.MessagesSent++
	b.DailyLimit = dailyLimit
	b.HourlyLimit = hourlyLimit
	t := sentAt
	b.LastSentAt = &t
	return nil
}

func (s *MemoryStore) InsertQueuedMessage(_ context.Context, qm *model.QueuedMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qm.ID == "" {
		qm.ID = uuid.NewString()
	}
	cp := *qm
	s.queued[qm.ID] = &cp
	return qm.ID, nil
}

func (s *MemoryStore) GetQueuedMessage(_ context.Context, id string) (*model.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qm, ok := s.queued[id]
	if !ok {
		return nil, nil
	}
	cp := *qm
	return &cp, nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, producerID, key string) (*model.QueuedMessage, error) {
	if key == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, qm := range s.queued {
		if qm.ProducerID == producerID && qm.IdempotencyKey == key {
			cp := *qm
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) DueQueuedMessages(_ context.Context, now time.Time, limit int) ([]*model.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*model.QueuedMessage
	for _, qm := range s.queued {
		if qm.Status == model.QueueStatusQueued && !qm.ScheduledFor.After(now) {
			cp := *qm
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority.Rank() != due[j].Priority.Rank() {
			return due[i].Priority.Rank() < due[j].Priority.Rank()
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) UpdateQueuedMessageStatus(_ context.Context, id string, status model.QueuedMessageStatus, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qm, ok := s.queued[id]
	if !ok {
		return errors.New("memory store: queued message not found")
	}
	qm.Status = status
	if v, ok := fields["superseded_reason"].(string); ok {
		qm.SupersededReason = v
	}
	if v, ok := fields["supersedes_of"].(string); ok {
		qm.SupersedesOf = v
	}
	if v, ok := fields["delivered_message_id"].(string); ok {
		qm.DeliveredMessageID = v
	}
	if v, ok := fields["render_attempts"].(int); ok {
		qm.RenderAttempts = v
	}
	return nil
}

func (s *MemoryStore) RescheduleQueuedMessage(_ context.Context, id string, newTime time.Time, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qm, ok := s.queued[id]
	if !ok {
		return errors.New("memory store: queued message not found")
	}
	qm.ScheduledFor = newTime
	qm.SupersededReason = note
	return nil
}

func (s *MemoryStore) SetRenderedText(_ context.Context, id string, rendered string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qm, ok := s.queued[id]
	if !ok {
		return errors.New("memory store: queued message not found")
	}
	qm.RenderedText = rendered
	return nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return ev.ID, nil
}

func (s *MemoryStore) ClaimEvents(_ context.Context, limit int) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var claimed []*model.Event
	for _, ev := range s.events {
		if ev.Processed {
			continue
		}
		if ev.Metadata.NotBefore != nil && ev.Metadata.NotBefore.After(now) {
			continue
		}
		cp := *ev
		claimed = append(claimed, &cp)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	if limit > 0 && len(claimed) > limit {
		claimed = claimed[:limit]
	}
	return claimed, nil
}

func (s *MemoryStore) MarkEventProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return errors.New("memory store: event not found")
	}
	now := time.Now().UTC()
	ev.Processed = true
	ev.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) BumpEventRetry(_ context.Context, id string, errMsg string, notBefore *time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return 0, errors.New("memory store: event not found")
	}
	ev.Metadata.RetryCount++
	ev.Metadata.LastError = errMsg
	ev.Metadata.NotBefore = notBefore
	return ev.Metadata.RetryCount, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) InsertDeadLetter(_ context.Context, dl *model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	cp := *dl
	s.deadLetters = append(s.deadLetters, &cp)
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]*model.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*model.DeadLetter, len(s.deadLetters))
	copy(all, s.deadLetters)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) InsertTask(_ context.Context, t *model.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	cp.Status = model.TaskStatusPending
	cp.RetryCount = 0
	s.tasks[t.ID] = &cp
	return t.ID, nil
}

func (s *MemoryStore) ClaimDueTasks(_ context.Context, now time.Time, limit int) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.Task
	for _, t := range s.tasks {
		if t.Status == model.TaskStatusPending && !t.ScheduledFor.After(now) {
			t.Status = model.TaskStatusProcessing
			attempted := now
			t.LastAttemptedAt = &attempted
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority.Rank() != due[j].Priority.Rank() {
			return due[i].Priority.Rank() < due[j].Priority.Rank()
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, id string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.New("memory store: task not found")
	}
	now := time.Now().UTC()
	t.Status = model.TaskStatusCompleted
	t.Result = result
	t.CompletedAt = &now
	return nil
}

func (s *MemoryStore) RescheduleTask(_ context.Context, id string, next time.Time, retryCount int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.New("memory store: task not found")
	}
	t.Status = model.TaskStatusPending
	t.ScheduledFor = next
	t.RetryCount = retryCount
	t.ErrorLog = append(t.ErrorLog, errMsg)
	return nil
}

func (s *MemoryStore) FailTask(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.New("memory store: task not found")
	}
	t.Status = model.TaskStatusFailed
	t.ErrorLog = append(t.ErrorLog, errMsg)
	return nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	l, held := s.locks[key]
	if held && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.locks[key] = memoryLock{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, held := s.locks[key]
	if !held || l.owner != owner {
		return false, nil
	}
	s.locks[key] = memoryLock{owner: owner, expires: time.Now().UTC().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, held := s.locks[key]
	if held && l.owner == owner {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) IncrementDurableEpoch(_ context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch[resourceID]++
	return s.epoch[resourceID], nil
}

func (s *MemoryStore) GetIdempotencyRecord(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idem[key]
	if !ok || rec.expires.Before(time.Now().UTC()) {
		return "", errors.New("memory store: idempotency record not found")
	}
	return rec.value, nil
}

func (s *MemoryStore) SetIdempotencyRecordNX(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if rec, ok := s.idem[key]; ok && rec.expires.After(now) {
		return false, nil
	}
	s.idem[key] = memoryIdemRecord{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Close() {}
