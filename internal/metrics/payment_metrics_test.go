package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	var total float64
	for m := range ch {
		var out dto.Metric
		if err := m.Write(&out); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		switch {
		case out.Counter != nil:
			total += out.Counter.GetValue()
		case out.Gauge != nil:
			total += out.Gauge.GetValue()
		}
	}
	return total
}

func TestNewPaymentMetricsWithRegisterer(t *testing.T) {
	m := NewPaymentMetricsWithRegisterer(prometheus.NewRegistry())

	if m.sagaRequested == nil || m.sagaOutcomes == nil || m.refunds == nil {
		t.Fatal("saga counters should be initialized")
	}
	if m.stepDuration == nil || m.sagaDuration == nil {
		t.Fatal("histograms should be initialized")
	}
	if m.gatewayCalls == nil || m.issuerFallback == nil || m.reconciliation == nil {
		t.Fatal("gateway/issuer/reconciliation counters should be initialized")
	}
}

func TestPaymentMetrics_ReRegistrationReturnsExisting(t *testing.T) {
	registry := prometheus.NewRegistry()

	first := NewPaymentMetricsWithRegisterer(registry)
	second := NewPaymentMetricsWithRegisterer(registry)

	first.RecordRequested()
	second.RecordRequested()

	if got := counterValue(t, first.sagaRequested); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestPaymentMetrics_Record(t *testing.T) {
	m := NewPaymentMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordOutcome(OutcomeCompleted)
	m.RecordOutcome(OutcomeCompleted)
	m.RecordOutcome(OutcomeDeclined)
	m.RecordRefund("applied")
	m.RecordGatewayCall("verify", nil)
	m.RecordGatewayCall("verify", errors.New("timeout"))
	m.RecordIssuerFallback()
	m.RecordReconciliation("cancelled_abandoned")
	m.RecordTimelineEvent()
	m.RecordOutboxEvent()
	m.RecordStepDuration("verify", 10*time.Millisecond)

	if got := counterValue(t, m.sagaOutcomes.WithLabelValues(OutcomeCompleted)); got != 2 {
		t.Fatalf("expected 2 completed outcomes, got %v", got)
	}
	if got := counterValue(t, m.gatewayCalls); got != 2 {
		t.Fatalf("expected 2 gateway calls, got %v", got)
	}
	if got := counterValue(t, m.gatewayCalls.WithLabelValues("verify", "error")); got != 1 {
		t.Fatalf("expected 1 failed verify call, got %v", got)
	}
	if got := counterValue(t, m.issuerFallback); got != 1 {
		t.Fatalf("expected 1 issuer fallback, got %v", got)
	}
}

func TestPaymentMetrics_SagaStarted(t *testing.T) {
	m := NewPaymentMetricsWithRegisterer(prometheus.NewRegistry())

	done := m.SagaStarted()
	if got := counterValue(t, m.activeSagas); got != 1 {
		t.Fatalf("expected 1 active saga, got %v", got)
	}
	done()
	if got := counterValue(t, m.activeSagas); got != 0 {
		t.Fatalf("expected 0 active sagas, got %v", got)
	}
}

func TestPaymentMetrics_NilSafe(t *testing.T) {
	var m *PaymentMetrics

	m.RecordRequested()
	m.RecordOutcome(OutcomeFailed)
	m.RecordRefund("rejected")
	m.RecordGatewayCall("charge", nil)
	m.RecordIssuerFallback()
	m.RecordReconciliation("reprovisioned")
	m.RecordTimelineEvent()
	m.RecordOutboxEvent()
	m.RecordStepDuration("charge", time.Millisecond)
	m.RecordOutboxPublish("sent")
	m.SetOutboxBacklog(1, 0, time.Second)
	m.RecordIdempotencyCleanup("ok", 3)
	m.RecordAbandonedRefund()
	m.SagaStarted()()
}

func TestPaymentMetrics_OutboxBacklog(t *testing.T) {
	m := NewPaymentMetricsWithRegisterer(prometheus.NewRegistry())

	m.SetOutboxBacklog(3, 2, 5*time.Second)
	if got := counterValue(t, m.outboxPending); got != 3 {
		t.Fatalf("expected 3 pending, got %v", got)
	}
	if got := counterValue(t, m.outboxDead); got != 2 {
		t.Fatalf("expected 2 dead-lettered, got %v", got)
	}
	if got := counterValue(t, m.outboxOldestAge); got != 5 {
		t.Fatalf("expected age 5s, got %v", got)
	}

	m.SetOutboxBacklog(0, 0, -time.Second)
	if got := counterValue(t, m.outboxOldestAge); got != 0 {
		t.Fatalf("negative age must clamp to 0, got %v", got)
	}

	m.RecordOutboxPublish("sent")
	m.RecordOutboxPublish("retry_error")
	if got := counterValue(t, m.outboxPublish); got != 2 {
		t.Fatalf("expected 2 publish attempts, got %v", got)
	}
}

func TestPaymentMetrics_IdempotencyCleanup(t *testing.T) {
	m := NewPaymentMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordIdempotencyCleanup("ok", 4)
	m.RecordIdempotencyCleanup("ok", 1)
	m.RecordIdempotencyCleanup("error", 7)

	if got := counterValue(t, m.idempotencyCleanupRuns); got != 3 {
		t.Fatalf("expected 3 cleanup runs, got %v", got)
	}
	if got := counterValue(t, m.idempotencyCleanupDeleted); got != 5 {
		t.Fatalf("expected 5 deleted records, got %v", got)
	}
	if got := counterValue(t, m.idempotencyCleanupLastDeleted); got != 1 {
		t.Fatalf("expected last deleted 1, got %v", got)
	}

	m.RecordAbandonedRefund()
	if got := counterValue(t, m.idempotencyAbandoned); got != 1 {
		t.Fatalf("expected 1 abandoned refund, got %v", got)
	}
}
