// Package idempotency обслуживает ключи идемпотентности возвратов.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// AbandonedHandler получает ключ возврата, который истёк в статусе processing.
// Ошибка оставляет ключ на месте до следующего цикла.
type AbandonedHandler func(ctx context.Context, record domain.IdempotencyRecord) error

// CleanupOptions задает параметры воркера очистки ключей идемпотентности возвратов.
type CleanupOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.PaymentMetrics
	Interval  time.Duration
	BatchSize int
	Abandoned AbandonedHandler
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики очистки.
func WithMetrics(m *metrics.PaymentMetrics) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Metrics = m
	}
}

// WithInterval задает интервал между cleanup-циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// WithAbandonedHandler задает обработчик оборванных возвратов.
func WithAbandonedHandler(handler AbandonedHandler) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Abandoned = handler
	}
}

// CleanupWorker периодически разбирает оборванные возвраты и удаляет
// просроченные ключи идемпотентности.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	metrics   *metrics.PaymentMetrics
	interval  time.Duration
	batchSize int
	abandoned AbandonedHandler
}

// NewCleanupWorker создает воркер очистки idempotency ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New().WithField("component", "idempotency-cleanup-worker")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}

	return &CleanupWorker{
		repo:      repo,
		logger:    logger,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		abandoned: opts.Abandoned,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	w.RunOnce(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx, time.Now().UTC())
		}
	}
}

// RunOnce выполняет один цикл. Пока оборванные возвраты не разобраны,
// просроченные ключи не удаляются.
func (w *CleanupWorker) RunOnce(ctx context.Context, before time.Time) {
	handled, err := w.HandleAbandoned(ctx, before)
	if handled > 0 {
		w.logger.WithField("abandoned", handled).Warn("abandoned refunds handed over for reconciliation")
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.metrics.RecordIdempotencyCleanup("error", 0)
		w.logger.WithError(err).Warn("abandoned refund handling failed, cleanup postponed")
		return
	}

	deleted, err := w.DeleteExpired(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.metrics.RecordIdempotencyCleanup("error", deleted)
		w.logger.WithError(err).Warn("idempotency cleanup run failed")
		return
	}

	w.metrics.RecordIdempotencyCleanup("ok", deleted)
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}
}

// HandleAbandoned передаёт обработчику каждый ключ в processing с ttl <= before
// и освобождает его. Без обработчика ничего не делает: такие ключи удалит DeleteExpired.
func (w *CleanupWorker) HandleAbandoned(ctx context.Context, before time.Time) (int, error) {
	if w.abandoned == nil {
		return 0, nil
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}

	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		records, err := w.repo.ListAbandoned(before, w.batchSize)
		if err != nil {
			return handled, fmt.Errorf("list abandoned idempotency keys: %w", err)
		}
		for _, record := range records {
			if err := w.abandoned(ctx, record); err != nil {
				return handled, fmt.Errorf("handle abandoned key %s: %w", record.Key, err)
			}
			if err := w.repo.Release(record.Key); err != nil {
				return handled, fmt.Errorf("release abandoned key %s: %w", record.Key, err)
			}
			w.metrics.RecordAbandonedRefund()
			w.logger.WithFields(log.Fields{
				"idempotency_key": record.Key,
				"payment_id":      record.PaymentID,
				"operation":       record.Operation,
			}).Debug("abandoned idempotency key released")
			handled++
		}
		if len(records) < w.batchSize {
			return handled, nil
		}
	}
}

// DeleteExpired удаляет все записи с ttl <= before порциями batchSize.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
