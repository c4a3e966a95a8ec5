package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

type timelineEntry struct {
	seq   uint64
	event domain.TimelineEvent
}

// timelineRepositoryInMemory хранит историю заявок в памяти (для разработки/тестов).
type timelineRepositoryInMemory struct {
	mu      sync.RWMutex
	seq     uint64
	entries map[string][]timelineEntry
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepositoryInMemory{entries: make(map[string][]timelineEntry)}
}

// Append добавляет запись истории; запись без заявки отклоняется.
func (r *timelineRepositoryInMemory) Append(event domain.TimelineEvent) error {
	if event.PaymentID == "" {
		return domain.ErrPaymentNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.entries[event.PaymentID] = append(r.entries[event.PaymentID], timelineEntry{seq: r.seq, event: event})
	return nil
}

// List возвращает историю заявки по времени; записи с одинаковым временем
// идут в порядке добавления.
func (r *timelineRepositoryInMemory) List(paymentID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	entries := append([]timelineEntry(nil), r.entries[paymentID]...)
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].event.Occurred.Equal(entries[j].event.Occurred) {
			return entries[i].event.Occurred.Before(entries[j].event.Occurred)
		}
		return entries[i].seq < entries[j].seq
	})

	result := make([]domain.TimelineEvent, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.event)
	}
	return result, nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
