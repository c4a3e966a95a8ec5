package outbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/paysaga/internal/metrics"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 5
	defaultRetryBaseDelay = 500 * time.Millisecond
	maxRetryDelay         = 5 * time.Minute
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.PaymentMetrics
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики публикации и backlog.
func WithMetrics(m *metrics.PaymentMetrics) Option {
	return func(opts *WorkerOptions) {
		opts.Metrics = m
	}
}

// WithDLQPublisher задаёт publisher для DeadLetter после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) {
		opts.DLQPublisher = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток публикации события до переноса в DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовую задержку до следующей попытки; она удваивается
// с каждой неудачей и ограничена maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// WithClock подменяет часы (тесты).
func WithClock(now func() time.Time) Option {
	return func(opts *WorkerOptions) {
		opts.Now = now
	}
}

// Worker публикует события платёжных заявок из outbox в брокер. За цикл каждое
// событие получает одну попытку; состояние повторов хранится в outbox, поэтому
// переживает рестарт, а события одной заявки уходят строго по порядку.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	logger         *log.Entry
	metrics        *metrics.PaymentMetrics
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New().WithField("component", "outbox-worker")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		dlqPublisher:   opts.DLQPublisher,
		logger:         logger,
		metrics:        opts.Metrics,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		now:            opts.Now,
	}
}

// Run запускает периодический polling outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один polling-цикл.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := w.now()
	events, err := w.repo.PullPending(now, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return
	}

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		w.deliver(event, now)
	}

	w.refreshBacklogMetrics()
}

func (w *Worker) deliver(event domain.OutboxMessage, now time.Time) {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"payment_id":   event.PaymentID,
		"merchant_uid": event.MerchantUID,
		"event_type":   event.EventType,
	})

	publishErr := w.publisher.Publish(event)
	if publishErr == nil {
		w.metrics.RecordOutboxPublish("sent")
		if err := w.repo.MarkSent(event.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox as sent")
		}
		return
	}

	attempt := event.Attempts + 1
	if attempt < w.maxAttempts {
		next := now.Add(w.retryBackoff(attempt))
		w.metrics.RecordOutboxPublish("retry_error")
		logger.WithError(publishErr).WithFields(log.Fields{
			"attempt":         attempt,
			"next_attempt_at": next,
		}).Warn("outbox publish failed, retry scheduled")
		if err := w.repo.MarkRetry(event.ID, publishErr.Error(), next); err != nil {
			logger.WithError(err).Warn("failed to schedule outbox retry")
		}
		return
	}

	logger.WithError(publishErr).WithField("attempt", attempt).Error("outbox publish failed after max attempts")
	if err := w.publishToDLQ(event, publishErr, now); err != nil {
		// Событие остаётся в очереди: без записи в DLQ его нельзя снимать.
		w.metrics.RecordOutboxPublish("dlq_failed")
		logger.WithError(err).Warn("failed to publish to DLQ, retry scheduled")
		if markErr := w.repo.MarkRetry(event.ID, publishErr.Error(), now.Add(w.retryBackoff(attempt))); markErr != nil {
			logger.WithError(markErr).Warn("failed to schedule outbox retry")
		}
		return
	}

	w.metrics.RecordOutboxPublish("dead_lettered")
	if err := w.repo.MarkDeadLettered(event.ID, publishErr.Error()); err != nil {
		logger.WithError(err).Warn("failed to mark outbox as dead-lettered")
	}
}

func (w *Worker) refreshBacklogMetrics() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetOutboxBacklog(stats.PendingCount, stats.DeadLetterCount, age)
}

// retryBackoff возвращает задержку перед попыткой attempt+1.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}

	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) publishToDLQ(event domain.OutboxMessage, publishErr error, now time.Time) error {
	if w.dlqPublisher == nil {
		return nil
	}

	msg, err := kafka.NewDeadLetter(event, publishErr, now).OutboxMessage()
	if err != nil {
		return err
	}
	if err := w.dlqPublisher.Publish(msg); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
