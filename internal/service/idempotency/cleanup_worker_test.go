package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/metrics"
	"github.com/vladislavdragonenkov/paysaga/internal/storage/memory"
)

const refundOperation = "/payments.v1.PaymentService/RefundPayment"

var _ domain.IdempotencyRepository = (*stubCleanupRepo)(nil)

func TestCleanupWorker_DeleteExpired_Batches(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteResults: []int{2, 2, 1}}
	worker := NewCleanupWorker(repo, WithBatchSize(2))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 5, deleted)
	require.Equal(t, 3, repo.deleteCalls())
}

func TestCleanupWorker_DeleteExpired_Error(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteErrors: []error{errors.New("boom")}}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	require.Error(t, err)
	require.Zero(t, deleted)
}

func TestCleanupWorker_HandleAbandoned_FlagsEachPayment(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	repo := &stubCleanupRepo{abandoned: []domain.IdempotencyRecord{
		{Key: "refund-1", PaymentID: "pay-1", Operation: refundOperation, Status: domain.IdempotencyStatusProcessing, TTLAt: now.Add(-time.Hour)},
		{Key: "refund-2", PaymentID: "pay-2", Operation: refundOperation, Status: domain.IdempotencyStatusProcessing, TTLAt: now.Add(-time.Minute)},
		{Key: "refund-3", PaymentID: "pay-1", Operation: refundOperation, Status: domain.IdempotencyStatusProcessing, TTLAt: now.Add(-time.Second)},
	}}

	var flagged []string
	worker := NewCleanupWorker(repo,
		WithBatchSize(2),
		WithAbandonedHandler(func(_ context.Context, record domain.IdempotencyRecord) error {
			flagged = append(flagged, record.PaymentID)
			return nil
		}),
	)

	handled, err := worker.HandleAbandoned(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 3, handled)
	require.Equal(t, []string{"pay-1", "pay-2", "pay-1"}, flagged)
	require.Equal(t, []string{"refund-1", "refund-2", "refund-3"}, repo.releasedKeys())
}

func TestCleanupWorker_RunOnce_HandlerErrorKeepsKeys(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	repo := &stubCleanupRepo{abandoned: []domain.IdempotencyRecord{
		{Key: "refund-1", PaymentID: "pay-1", Status: domain.IdempotencyStatusProcessing, TTLAt: now.Add(-time.Hour)},
	}}
	worker := NewCleanupWorker(repo, WithAbandonedHandler(func(context.Context, domain.IdempotencyRecord) error {
		return errors.New("ledger unavailable")
	}))

	worker.RunOnce(context.Background(), now)

	require.Empty(t, repo.releasedKeys())
	require.Zero(t, repo.deleteCalls(), "expired keys must stay until abandoned refunds are handled")
}

func TestCleanupWorker_RunOnce_MemoryRepository(t *testing.T) {
	t.Parallel()

	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	_, err := repo.CreateProcessing("refund-stuck", refundOperation, "pay-stuck", "hash-stuck", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing("refund-done", refundOperation, "pay-done", "hash-done", now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.MarkDone("refund-done", []byte(`{"refund_id":"r1"}`), 0))
	_, err = repo.CreateProcessing("refund-live", refundOperation, "pay-live", "hash-live", now.Add(time.Hour))
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	m := metrics.NewPaymentMetricsWithRegisterer(registry)
	var flagged []string
	worker := NewCleanupWorker(repo,
		WithBatchSize(2),
		WithMetrics(m),
		WithAbandonedHandler(func(_ context.Context, record domain.IdempotencyRecord) error {
			flagged = append(flagged, record.PaymentID)
			return nil
		}),
	)

	worker.RunOnce(context.Background(), now)

	require.Equal(t, []string{"pay-stuck"}, flagged)
	_, err = repo.Get("refund-stuck")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	_, err = repo.Get("refund-done")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	_, err = repo.Get("refund-live")
	require.NoError(t, err)
	require.Equal(t, float64(1), gatheredCounter(t, registry, "payments_idempotency_abandoned_refunds_total"))
}

func gatheredCounter(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteResults: []int{0, 0, 0}}
	worker := NewCleanupWorker(repo, WithInterval(5*time.Millisecond), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return repo.deleteCalls() > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

type stubCleanupRepo struct {
	mu sync.Mutex

	abandoned     []domain.IdempotencyRecord
	released      []string
	deleteResults []int
	deleteErrors  []error
	deletes       int
}

func (s *stubCleanupRepo) CreateProcessing(string, string, string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubCleanupRepo) Get(string) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *stubCleanupRepo) MarkDone(string, []byte, int) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) MarkFailed(string, []byte, int) error {
	panic("not implemented")
}

func (s *stubCleanupRepo) Release(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released = append(s.released, key)
	for i, record := range s.abandoned {
		if record.Key == key {
			s.abandoned = append(s.abandoned[:i], s.abandoned[i+1:]...)
			break
		}
	}
	return nil
}

func (s *stubCleanupRepo) ListAbandoned(_ time.Time, limit int) ([]domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.abandoned))
	return append([]domain.IdempotencyRecord(nil), s.abandoned[:n]...), nil
}

func (s *stubCleanupRepo) DeleteExpired(_ time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes++
	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubCleanupRepo) deleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

func (s *stubCleanupRepo) releasedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}
