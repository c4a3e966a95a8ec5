package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

const (
	outboxPending      = "pending"
	outboxSent         = "sent"
	outboxDeadLettered = "dead_lettered"
)

type outboxRecord struct {
	msg           domain.OutboxMessage
	status        string
	seq           uint64
	nextAttemptAt time.Time
}

// outboxRepositoryInMemory — in-memory очередь событий платёжных заявок.
type outboxRepositoryInMemory struct {
	mu      sync.RWMutex
	seq     uint64
	records map[string]*outboxRecord
	now     func() time.Time
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() *outboxRepositoryInMemory {
	return &outboxRepositoryInMemory{
		records: make(map[string]*outboxRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue ставит событие в конец очереди заявки.
func (r *outboxRepositoryInMemory) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.PaymentID == "" {
		return domain.OutboxMessage{}, fmt.Errorf("%w: payment id is required", domain.ErrOutboxPublish)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := r.now()
	msg.CreatedAt = now
	msg.Attempts = 0
	msg.LastError = ""
	r.seq++
	r.records[msg.ID] = &outboxRecord{
		msg:           msg,
		status:        outboxPending,
		seq:           r.seq,
		nextAttemptAt: now,
	}
	return msg, nil
}

// PullPending возвращает по одной голове очереди на заявку, если её время пришло.
func (r *outboxRepositoryInMemory) PullPending(now time.Time, limit int) ([]domain.OutboxMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	if now.IsZero() {
		now = r.now()
	}

	seen := make(map[string]struct{})
	result := make([]domain.OutboxMessage, 0, limit)
	for _, rec := range r.pendingLocked() {
		if _, ok := seen[rec.msg.PaymentID]; ok {
			continue
		}
		seen[rec.msg.PaymentID] = struct{}{}
		if rec.nextAttemptAt.After(now) {
			continue
		}
		result = append(result, rec.msg)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

// Stats возвращает размер backlog, число событий в DLQ и возраст самого старого события.
func (r *outboxRepositoryInMemory) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := r.pendingLocked()
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].msg.CreatedAt
	}
	for _, rec := range r.records {
		if rec.status == outboxDeadLettered {
			stats.DeadLetterCount++
		}
	}
	return stats, nil
}

func (r *outboxRepositoryInMemory) pendingLocked() []*outboxRecord {
	pending := make([]*outboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.status == outboxPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	return pending
}

// MarkSent снимает событие с очереди после публикации.
func (r *outboxRepositoryInMemory) MarkSent(id string) error {
	return r.update(id, func(rec *outboxRecord) {
		rec.status = outboxSent
		rec.msg.LastError = ""
	})
}

// MarkRetry откладывает следующую попытку публикации.
func (r *outboxRepositoryInMemory) MarkRetry(id, lastError string, nextAttemptAt time.Time) error {
	return r.update(id, func(rec *outboxRecord) {
		rec.msg.Attempts++
		rec.msg.LastError = lastError
		rec.nextAttemptAt = nextAttemptAt.UTC()
	})
}

// MarkDeadLettered фиксирует перенос события в DLQ.
func (r *outboxRepositoryInMemory) MarkDeadLettered(id, lastError string) error {
	return r.update(id, func(rec *outboxRecord) {
		rec.status = outboxDeadLettered
		rec.msg.Attempts++
		rec.msg.LastError = lastError
	})
}

func (r *outboxRepositoryInMemory) update(id string, apply func(rec *outboxRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.status != outboxPending {
		return domain.ErrOutboxPublish
	}
	apply(rec)
	return nil
}

// AllPending возвращает все неотправленные события в порядке постановки (тесты).
func (r *outboxRepositoryInMemory) AllPending() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := r.pendingLocked()
	result := make([]domain.OutboxMessage, 0, len(pending))
	for _, rec := range pending {
		result = append(result, rec.msg)
	}
	return result
}

var _ domain.OutboxRepository = (*outboxRepositoryInMemory)(nil)
