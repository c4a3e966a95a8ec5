package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы саги оплаты для метки outcome.
const (
	OutcomeCompleted           = "completed"
	OutcomeFree                = "free"
	OutcomeDeclined            = "declined"
	OutcomeVerificationFailed  = "verification_failed"
	OutcomeProvisioningPending = "provisioning_pending"
	OutcomeDuplicate           = "duplicate"
	OutcomeAlreadyTerminal     = "already_terminal"
	OutcomeFailed              = "failed"
)

// PaymentMetrics содержит метрики саги оплаты, шлюза, выдачи merchantUid и reconciler'а.
// Все методы безопасны для nil-получателя: метрики опциональны.
type PaymentMetrics struct {
	sagaRequested prometheus.Counter
	sagaOutcomes  *prometheus.CounterVec
	refunds       *prometheus.CounterVec

	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	gatewayCalls   *prometheus.CounterVec
	issuerFallback prometheus.Counter
	reconciliation *prometheus.CounterVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	outboxPublish   *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	outboxDead      prometheus.Gauge
	outboxOldestAge prometheus.Gauge

	idempotencyAbandoned          prometheus.Counter
	idempotencyCleanupRuns        *prometheus.CounterVec
	idempotencyCleanupDeleted     prometheus.Counter
	idempotencyCleanupLastDeleted prometheus.Gauge

	activeSagas prometheus.Gauge
}

// NewPaymentMetrics регистрирует метрики в глобальном реестре.
func NewPaymentMetrics() *PaymentMetrics {
	return NewPaymentMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPaymentMetricsWithRegisterer регистрирует метрики в переданном реестре (тесты, отдельные процессы).
func NewPaymentMetricsWithRegisterer(registerer prometheus.Registerer) *PaymentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PaymentMetrics{
		sagaRequested: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_saga_requested_total",
			Help: "Total number of payment requests accepted into the ledger",
		})),
		sagaOutcomes: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_saga_outcomes_total",
			Help: "Payment saga completions by outcome",
		}, []string{"outcome"})),
		refunds: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_refunds_total",
			Help: "Refund attempts by result",
		}, []string{"result"})),
		sagaDuration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payments_saga_duration_seconds",
			Help:    "Duration of payment completion sagas in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		stepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payments_saga_step_duration_seconds",
			Help:    "Duration of individual payment saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"})),
		gatewayCalls: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_gateway_calls_total",
			Help: "Payment gateway calls by operation and result",
		}, []string{"operation", "result"})),
		issuerFallback: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_issuer_fallback_total",
			Help: "Merchant UIDs issued by the local fallback instead of Redis",
		})),
		reconciliation: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_reconciliation_actions_total",
			Help: "Reconciliation sweep actions by kind",
		}, []string{"action"})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_timeline_events_total",
			Help: "Total number of payment history events recorded",
		})),
		outboxEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_outbox_events_total",
			Help: "Total number of payment events enqueued to the outbox",
		})),
		outboxPublish: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result",
		}, []string{"result"})),
		outboxPending: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payments_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		})),
		outboxDead: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payments_outbox_dead_lettered_records",
			Help: "Current number of outbox records moved to the dead letter queue",
		})),
		outboxOldestAge: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payments_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		})),
		idempotencyAbandoned: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_idempotency_abandoned_refunds_total",
			Help: "Refund idempotency keys that expired while still processing",
		})),
		idempotencyCleanupRuns: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result",
		}, []string{"result"})),
		idempotencyCleanupDeleted: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records",
		})),
		idempotencyCleanupLastDeleted: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payments_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run",
		})),
		activeSagas: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payments_active_sagas",
			Help: "Number of payment sagas currently in flight",
		})),
	}
}

// register регистрирует коллектор; при повторной регистрации возвращает уже существующий.
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// RecordRequested фиксирует новую заявку в журнале.
func (m *PaymentMetrics) RecordRequested() {
	if m == nil {
		return
	}
	m.sagaRequested.Inc()
}

// RecordOutcome фиксирует исход саги оплаты.
func (m *PaymentMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRefund фиксирует результат возврата (applied, rejected, gateway_failed).
func (m *PaymentMetrics) RecordRefund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

// SagaStarted увеличивает gauge активных саг и возвращает функцию завершения,
// которая записывает длительность.
func (m *PaymentMetrics) SagaStarted() func() {
	if m == nil {
		return func() {}
	}
	started := time.Now()
	m.activeSagas.Inc()
	return func() {
		m.activeSagas.Dec()
		m.sagaDuration.Observe(time.Since(started).Seconds())
	}
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *PaymentMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordGatewayCall фиксирует вызов PG.
func (m *PaymentMetrics) RecordGatewayCall(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(operation, result).Inc()
}

// RecordIssuerFallback фиксирует выдачу merchantUid в деградированном режиме.
func (m *PaymentMetrics) RecordIssuerFallback() {
	if m == nil {
		return
	}
	m.issuerFallback.Inc()
}

// RecordReconciliation фиксирует действие reconciler'а.
func (m *PaymentMetrics) RecordReconciliation(action string) {
	if m == nil {
		return
	}
	m.reconciliation.WithLabelValues(action).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий истории.
func (m *PaymentMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *PaymentMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordOutboxPublish фиксирует попытку публикации из outbox (sent, retry_error, dead_lettered, dlq_failed).
func (m *PaymentMetrics) RecordOutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublish.WithLabelValues(result).Inc()
}

// SetOutboxBacklog выставляет размер backlog, число записей в DLQ и возраст самого старого сообщения.
func (m *PaymentMetrics) SetOutboxBacklog(pending, deadLettered int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxDead.Set(float64(deadLettered))
	m.outboxOldestAge.Set(oldestAge.Seconds())
}

// RecordAbandonedRefund учитывает возврат, исход которого остался неизвестен.
func (m *PaymentMetrics) RecordAbandonedRefund() {
	if m == nil {
		return
	}
	m.idempotencyAbandoned.Inc()
}

// RecordIdempotencyCleanup фиксирует прогон очистки ключей идемпотентности.
// deleted учитывается только для успешного прогона.
func (m *PaymentMetrics) RecordIdempotencyCleanup(result string, deleted int) {
	if m == nil {
		return
	}
	m.idempotencyCleanupRuns.WithLabelValues(result).Inc()
	if result != "ok" {
		return
	}
	m.idempotencyCleanupDeleted.Add(float64(deleted))
	m.idempotencyCleanupLastDeleted.Set(float64(deleted))
}
