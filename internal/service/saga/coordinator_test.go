package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/gateway"
	"github.com/vladislavdragonenkov/paysaga/internal/issuer"
	"github.com/vladislavdragonenkov/paysaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/paysaga/internal/metrics"
	"github.com/vladislavdragonenkov/paysaga/internal/provisioner"
	"github.com/vladislavdragonenkov/paysaga/internal/storage/memory"
)

type sagaFixture struct {
	coordinator *Coordinator
	ledger      domain.PaymentLedger
	gateway     *gateway.MockGateway
	provisioner *provisioner.InMemory
	outbox      domain.OutboxRepository
	timeline    domain.TimelineRepository
}

func newSagaFixture(t *testing.T, opts ...Option) *sagaFixture {
	t.Helper()

	f := &sagaFixture{
		ledger:      memory.NewPaymentLedger(),
		gateway:     gateway.NewMockGateway(),
		provisioner: provisioner.NewInMemory(),
		outbox:      memory.NewOutboxRepository(),
		timeline:    memory.NewTimelineRepository(),
	}
	logger := log.New().WithField("test", t.Name())
	base := []Option{
		WithLogger(logger),
		WithMetrics(metrics.NewPaymentMetricsWithRegisterer(prometheus.NewRegistry())),
		WithOutbox(f.outbox),
		WithTimeline(f.timeline),
		WithRetryConfig(RetryConfig{MaxAttempts: 3}),
	}

	c, err := NewCoordinator(f.ledger, f.gateway, f.provisioner, issuer.New(nil, issuer.WithLogger(logger)), append(base, opts...)...)
	require.NoError(t, err)
	f.coordinator = c
	return f
}

func (f *sagaFixture) request(t *testing.T, quantity int32, unitPrice int64) domain.PaymentRequest {
	t.Helper()

	p, err := f.coordinator.RequestPayment(context.Background(), PaymentInput{
		TargetType: domain.TargetTypeReservation,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		BuyerName:  "Kim",
		BuyerEmail: "kim@example.com",
	})
	require.NoError(t, err)
	return p
}

// pay имитирует оплату через виджет PG и возвращает отчёт клиента.
func (f *sagaFixture) pay(p domain.PaymentRequest, paidAmount int64) domain.ClientReport {
	impUID := f.gateway.Register(p.MerchantUID, paidAmount, domain.PGStatusPaid)
	return domain.ClientReport{
		Success:         true,
		MerchantUID:     p.MerchantUID,
		PGTransactionID: impUID,
		PaidAmount:      paidAmount,
	}
}

func (f *sagaFixture) completed(t *testing.T, amount int64) domain.PaymentRequest {
	t.Helper()

	p := f.request(t, 1, amount)
	done, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, f.pay(p, amount))
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, done.Status)
	return done
}

type pendingLister interface {
	AllPending() []domain.OutboxMessage
}

// outboxEventTypes возвращает типы всех неотправленных событий в порядке постановки.
func outboxEventTypes(t *testing.T, repo domain.OutboxRepository) []kafka.EventType {
	t.Helper()

	lister, ok := repo.(pendingLister)
	require.True(t, ok, "outbox repository must expose AllPending")
	msgs := lister.AllPending()
	types := make([]kafka.EventType, 0, len(msgs))
	for _, m := range msgs {
		var ev kafka.PaymentEvent
		require.NoError(t, json.Unmarshal(m.Payload, &ev))
		require.Equal(t, ev.PaymentID, m.PaymentID)
		require.NotEmpty(t, m.MerchantUID)
		types = append(types, ev.EventType)
	}
	return types
}

func TestNewCoordinator_RequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(nil, gateway.NewMockGateway(), provisioner.NewInMemory(), issuer.New(nil))
	require.Error(t, err)
}

func TestCoordinator_RequestPayment(t *testing.T) {
	f := newSagaFixture(t)

	p := f.request(t, 2, 5000)
	require.Equal(t, domain.PaymentStatusPending, p.Status)
	require.Equal(t, int64(10000), p.Amount)
	require.NotEmpty(t, p.ID)
	require.Regexp(t, `^rsv_`, p.MerchantUID)

	stored, err := f.ledger.GetByMerchantUID(p.MerchantUID)
	require.NoError(t, err)
	require.Equal(t, p.ID, stored.ID)
	require.Equal(t, []kafka.EventType{kafka.EventTypePaymentRequested}, outboxEventTypes(t, f.outbox))
}

func TestCoordinator_RequestPayment_Validation(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.RequestPayment(ctx, PaymentInput{TargetType: "TICKET", Quantity: 1})
	require.ErrorIs(t, err, domain.ErrTargetTypeInvalid)

	_, err = f.coordinator.RequestPayment(ctx, PaymentInput{TargetType: domain.TargetTypeReservation, Quantity: 0})
	require.ErrorIs(t, err, domain.ErrQuantityInvalid)

	_, err = f.coordinator.RequestPayment(ctx, PaymentInput{TargetType: domain.TargetTypeReservation, Quantity: 1, UnitPrice: -1})
	require.ErrorIs(t, err, domain.ErrUnitPriceInvalid)
}

func TestCoordinator_RequestPayment_AmountOverflow(t *testing.T) {
	f := newSagaFixture(t)

	// 4 * 2^62 переполняет int64 и без проверки даёт сумму 0, то есть бесплатную заявку.
	_, err := f.coordinator.RequestPayment(context.Background(), PaymentInput{
		TargetType:  domain.TargetTypeReservation,
		Quantity:    4,
		UnitPrice:   1 << 62,
		MerchantUID: "rsv_overflow",
	})
	require.ErrorIs(t, err, domain.ErrAmountOverflow)

	_, err = f.ledger.GetByMerchantUID("rsv_overflow")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)
	require.Zero(t, f.provisioner.Resources())
	require.Empty(t, outboxEventTypes(t, f.outbox))

	charges, verifies, refunds := f.gateway.Calls()
	require.Zero(t, charges+verifies+refunds)
}

func TestCoordinator_RequestPayment_CallerSuppliedMerchantUID(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	in := PaymentInput{
		TargetType:  domain.TargetTypeBoothApplication,
		Quantity:    1,
		UnitPrice:   70000,
		MerchantUID: "booth_custom_1",
	}

	first, err := f.coordinator.RequestPayment(ctx, in)
	require.NoError(t, err)

	replay, err := f.coordinator.RequestPayment(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.ID, replay.ID)

	in.UnitPrice = 1
	_, err = f.coordinator.RequestPayment(ctx, in)
	require.ErrorIs(t, err, domain.ErrOrderAlreadyExists)
}

func TestCoordinator_FreePaymentSkipsGateway(t *testing.T) {
	f := newSagaFixture(t)

	p := f.request(t, 3, 0)
	require.Equal(t, domain.PaymentStatusCompleted, p.Status)
	require.Equal(t, domain.PGProviderFree, p.PGProvider)
	require.Empty(t, p.PGTransactionID)
	require.Equal(t, "RESERVATION-1", p.TargetID)

	// Повторный отчёт по бесплатной заявке ничего не меняет.
	again, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, domain.ClientReport{})
	require.NoError(t, err)
	require.Equal(t, p.TargetID, again.TargetID)

	charges, verifies, refunds := f.gateway.Calls()
	require.Zero(t, charges+verifies+refunds)
}

func TestCoordinator_CompletePayment_Verified(t *testing.T) {
	f := newSagaFixture(t)

	p := f.request(t, 1, 10000)
	report := f.pay(p, 10000)

	done, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, done.Status)
	require.Equal(t, report.PGTransactionID, done.PGTransactionID)
	require.Equal(t, gateway.MockProvider, done.PGProvider)
	require.Equal(t, "RESERVATION-1", done.TargetID)
	require.Zero(t, done.RefundedAmount)
	require.False(t, done.NeedsReconciliation)

	require.Equal(t, []kafka.EventType{
		kafka.EventTypePaymentRequested,
		kafka.EventTypePaymentCompleted,
		kafka.EventTypePaymentProvisioned,
	}, outboxEventTypes(t, f.outbox))
}

func TestCoordinator_CompletePayment_VerifiedAmountDiffersFromReport(t *testing.T) {
	f := newSagaFixture(t)

	p := f.request(t, 1, 9000)
	report := f.pay(p, 9000)
	report.PaidAmount = 8000

	got, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
	require.ErrorIs(t, err, domain.ErrGatewayVerificationFailed)
	require.Equal(t, domain.PaymentStatusPending, got.Status)
	require.True(t, got.NeedsReconciliation)
	require.Equal(t, ReasonVerification, got.ReconcileReason)
	require.Equal(t, report.PGTransactionID, got.CandidatePGTransactionID)
	require.Empty(t, got.PGTransactionID, "unverified transaction must not be stored as charged")
	require.Zero(t, f.provisioner.Resources())
}

func TestCoordinator_CompletePayment_UnknownTransaction(t *testing.T) {
	f := newSagaFixture(t)

	p := f.request(t, 1, 5000)
	_, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, domain.ClientReport{
		Success:         true,
		MerchantUID:     p.MerchantUID,
		PGTransactionID: "imp_forged",
		PaidAmount:      5000,
	})
	require.ErrorIs(t, err, domain.ErrGatewayVerificationFailed)

	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, stored.Status)
	require.Zero(t, f.provisioner.Resources())
}

func TestCoordinator_CompletePayment_VerifiedAmountDiffersFromLedger(t *testing.T) {
	f := newSagaFixture(t)

	p := f.request(t, 1, 5000)
	report := f.pay(p, 4000)

	_, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
	require.ErrorIs(t, err, domain.ErrAmountMismatch)

	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, stored.Status)
	require.True(t, stored.NeedsReconciliation)
	require.Equal(t, ReasonAmountMismatch, stored.ReconcileReason)
}

func TestCoordinator_CompletePayment_GatewayUnavailable(t *testing.T) {
	f := newSagaFixture(t)
	f.gateway.VerifyErr = domain.ErrGatewayTemporary

	p := f.request(t, 1, 5000)
	report := f.pay(p, 5000)

	got, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
	require.ErrorIs(t, err, domain.ErrGatewayTemporary)
	require.Equal(t, domain.PaymentStatusPending, got.Status)

	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.True(t, stored.NeedsReconciliation)
	require.Equal(t, ReasonVerifyUnavailable, stored.ReconcileReason)
	require.Equal(t, report.PGTransactionID, stored.CandidatePGTransactionID)
	require.Empty(t, stored.PGTransactionID)

	// Повтор клиента после восстановления PG завершает заявку.
	f.gateway.VerifyErr = nil
	done, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, done.Status)
	require.False(t, done.NeedsReconciliation)
	require.Equal(t, report.PGTransactionID, done.PGTransactionID)
	require.Empty(t, done.CandidatePGTransactionID)
}

func TestCoordinator_CompletePayment_FailureReportKeepsFlaggedPayment(t *testing.T) {
	f := newSagaFixture(t)
	f.gateway.VerifyErr = domain.ErrGatewayTemporary

	p := f.request(t, 1, 5000)
	report := f.pay(p, 5000)
	_, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
	require.ErrorIs(t, err, domain.ErrGatewayTemporary)

	got, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, domain.ClientReport{
		Success:      false,
		MerchantUID:  p.MerchantUID,
		ErrorMessage: "window closed",
	})
	require.ErrorIs(t, err, domain.ErrGatewayVerificationFailed)
	require.Equal(t, domain.PaymentStatusPending, got.Status)

	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, stored.Status)
	require.True(t, stored.NeedsReconciliation)
	require.Equal(t, report.PGTransactionID, stored.CandidatePGTransactionID)
	require.NotContains(t, outboxEventTypes(t, f.outbox), kafka.EventTypePaymentCancelled)
}

func TestCoordinator_CompletePayment_Declined(t *testing.T) {
	f := newSagaFixture(t)

	p := f.request(t, 1, 5000)
	got, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, domain.ClientReport{
		Success:      false,
		MerchantUID:  p.MerchantUID,
		ErrorMessage: "user cancelled",
	})
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	require.Equal(t, domain.PaymentStatusCancelled, got.Status)
	require.Equal(t, "declined: user cancelled", got.CancelReason)

	// Поздний успешный отчёт не воскрешает отменённую заявку.
	late, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, f.pay(p, 5000))
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	require.Equal(t, domain.PaymentStatusCancelled, late.Status)
	require.Zero(t, f.provisioner.Resources())

	types := outboxEventTypes(t, f.outbox)
	require.Equal(t, kafka.EventTypePaymentReconciliationRequired, types[len(types)-1])
}

func TestCoordinator_CompletePayment_NotFound(t *testing.T) {
	f := newSagaFixture(t)

	_, err := f.coordinator.CompletePayment(context.Background(), "rsv_missing", domain.ClientReport{Success: true})
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)

	_, err = f.coordinator.CompletePayment(context.Background(), "", domain.ClientReport{})
	require.ErrorIs(t, err, domain.ErrMerchantUIDRequired)
}

func TestCoordinator_Charge(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		f := newSagaFixture(t)
		p := f.request(t, 2, 15000)

		done, err := f.coordinator.Charge(context.Background(), p.MerchantUID, ChargeInput{})
		require.NoError(t, err)
		require.Equal(t, domain.PaymentStatusCompleted, done.Status)
		require.NotEmpty(t, done.TargetID)

		charges, verifies, _ := f.gateway.Calls()
		require.Equal(t, 1, charges)
		require.Equal(t, 1, verifies)
	})

	t.Run("declined", func(t *testing.T) {
		f := newSagaFixture(t)
		f.gateway.DeclineCharge = true
		p := f.request(t, 1, 15000)

		got, err := f.coordinator.Charge(context.Background(), p.MerchantUID, ChargeInput{})
		require.ErrorIs(t, err, domain.ErrPaymentDeclined)
		require.Equal(t, domain.PaymentStatusCancelled, got.Status)
	})

	t.Run("gateway error cancels", func(t *testing.T) {
		f := newSagaFixture(t)
		f.gateway.ChargeErr = errors.New("billing key expired")
		p := f.request(t, 1, 15000)

		got, err := f.coordinator.Charge(context.Background(), p.MerchantUID, ChargeInput{})
		require.ErrorIs(t, err, domain.ErrPaymentDeclined)
		require.Equal(t, domain.PaymentStatusCancelled, got.Status)
	})
}

func TestCoordinator_ConcurrentCompletionSingleWinner(t *testing.T) {
	f := newSagaFixture(t)

	p := f.request(t, 1, 10000)
	report := f.pay(p, 10000)

	const workers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]domain.PaymentRequest, workers)
		errs    = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, domain.PaymentStatusCompleted, results[i].Status)
		require.Equal(t, results[0].TargetID, results[i].TargetID)
	}
	require.Equal(t, 1, f.provisioner.Resources())

	completedEvents := 0
	for _, et := range outboxEventTypes(t, f.outbox) {
		if et == kafka.EventTypePaymentCompleted {
			completedEvents++
		}
	}
	require.Equal(t, 1, completedEvents)
}

func TestCoordinator_ProvisioningRetriesWithSamePaymentID(t *testing.T) {
	f := newSagaFixture(t)
	f.provisioner.LoseResponses = 2

	p := f.request(t, 1, 10000)
	done, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, f.pay(p, 10000))
	require.NoError(t, err)
	require.Equal(t, "RESERVATION-1", done.TargetID)
	require.Equal(t, 1, f.provisioner.Resources())
	require.Equal(t, 3, f.provisioner.Calls)
}

func TestCoordinator_ProvisioningExhausted(t *testing.T) {
	f := newSagaFixture(t)
	f.provisioner.SetFailNext(3)

	p := f.request(t, 1, 10000)
	report := f.pay(p, 10000)

	got, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
	require.ErrorIs(t, err, domain.ErrProvisioningPending)
	require.Equal(t, domain.PaymentStatusCompleted, got.Status)
	require.Empty(t, got.TargetID)

	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.True(t, stored.NeedsReconciliation)
	require.Equal(t, ReasonProvisioning, stored.ReconcileReason)

	// Повторный отчёт клиента доводит провижининг и снимает пометку.
	done, err := f.coordinator.CompletePayment(context.Background(), p.MerchantUID, report)
	require.NoError(t, err)
	require.Equal(t, "RESERVATION-1", done.TargetID)
	require.False(t, done.NeedsReconciliation)
	require.Equal(t, 1, f.provisioner.Resources())
}

func TestCoordinator_Refund(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()

	p := f.completed(t, 5000)

	refund, updated, err := f.coordinator.Refund(ctx, p.ID, 3000, "customer request")
	require.NoError(t, err)
	require.Equal(t, int64(3000), refund.Amount)
	require.NotEmpty(t, refund.PGRefundID)
	require.Equal(t, int64(3000), updated.RefundedAmount)
	require.Equal(t, domain.PaymentStatusCompleted, updated.Status)

	_, same, err := f.coordinator.Refund(ctx, p.ID, 3000, "again")
	require.ErrorIs(t, err, domain.ErrRefundExceedsBalance)
	require.Equal(t, int64(3000), same.RefundedAmount)

	_, _, refunds := f.gateway.Calls()
	require.Equal(t, 1, refunds, "rejected refund must not reach the gateway")

	_, final, err := f.coordinator.Refund(ctx, p.ID, 2000, "rest")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusRefunded, final.Status)
	require.Equal(t, int64(5000), final.RefundedAmount)

	_, _, err = f.coordinator.Refund(ctx, p.ID, 1, "after full")
	require.ErrorIs(t, err, domain.ErrRefundExceedsBalance)
}

func TestCoordinator_Refund_Rejections(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()

	_, _, err := f.coordinator.Refund(ctx, "missing", 100, "")
	require.ErrorIs(t, err, domain.ErrPaymentNotFound)

	pending := f.request(t, 1, 5000)
	_, _, err = f.coordinator.Refund(ctx, pending.ID, 100, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, _, err = f.coordinator.Refund(ctx, pending.ID, 0, "")
	require.ErrorIs(t, err, domain.ErrRefundAmountInvalid)
}

func TestCoordinator_Refund_GatewayFailureLeavesLedger(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()

	p := f.completed(t, 5000)
	f.gateway.RefundErr = domain.ErrGatewayTemporary

	_, got, err := f.coordinator.Refund(ctx, p.ID, 1000, "")
	require.ErrorIs(t, err, domain.ErrRefundRetryable)
	require.Zero(t, got.RefundedAmount)

	refunds, err := f.ledger.ListRefunds(p.ID)
	require.NoError(t, err)
	require.Empty(t, refunds)

	// Таймаут PG: отмена могла пройти, заявка уходит на ручную сверку.
	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.True(t, stored.NeedsReconciliation)
	require.Equal(t, ReasonRefundUnconfirmed, stored.ReconcileReason)
}

func TestCoordinator_Refund_DeclinedByGatewayNotFlagged(t *testing.T) {
	f := newSagaFixture(t)

	p := f.completed(t, 5000)
	f.gateway.RefundErr = errors.New("cancel rejected")

	_, _, err := f.coordinator.Refund(context.Background(), p.ID, 1000, "")
	require.ErrorIs(t, err, domain.ErrRefundRetryable)

	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.False(t, stored.NeedsReconciliation)
}

// recordingGateway запоминает запросы на отмену и задерживает их.
type recordingGateway struct {
	*gateway.MockGateway
	delay time.Duration

	mu       sync.Mutex
	requests []domain.RefundRequest
}

func (g *recordingGateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundReceipt, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	time.Sleep(g.delay)
	return g.MockGateway.Refund(ctx, req)
}

func (g *recordingGateway) refundRequests() []domain.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]domain.RefundRequest(nil), g.requests...)
}

func TestCoordinator_Refund_SendsRefundIDAndChecksum(t *testing.T) {
	f := newSagaFixture(t)
	rec := &recordingGateway{MockGateway: f.gateway}
	c, err := NewCoordinator(f.ledger, rec, f.provisioner, issuer.New(nil), WithLogger(log.New().WithField("test", t.Name())))
	require.NoError(t, err)

	p := f.completed(t, 5000)
	first, _, err := c.Refund(context.Background(), p.ID, 2000, "partial")
	require.NoError(t, err)
	_, _, err = c.Refund(context.Background(), p.ID, 1000, "partial")
	require.NoError(t, err)

	reqs := rec.refundRequests()
	require.Len(t, reqs, 2)
	require.Equal(t, first.ID, reqs[0].RefundID)
	require.Equal(t, int64(5000), reqs[0].Checksum)
	require.Equal(t, int64(3000), reqs[1].Checksum)
	require.NotEqual(t, reqs[0].RefundID, reqs[1].RefundID)
}

func TestCoordinator_Refund_ConcurrentRequestsRespectBalance(t *testing.T) {
	f := newSagaFixture(t)
	rec := &recordingGateway{MockGateway: f.gateway, delay: 20 * time.Millisecond}
	c, err := NewCoordinator(f.ledger, rec, f.provisioner, issuer.New(nil), WithLogger(log.New().WithField("test", t.Name())))
	require.NoError(t, err)

	p := f.completed(t, 10000)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, _, errs[i] = c.Refund(context.Background(), p.ID, 6000, "duplicate click")
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrRefundExceedsBalance):
			rejected++
		default:
			t.Fatalf("unexpected refund error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)
	require.Len(t, rec.refundRequests(), 1, "second refund must be rejected before the gateway")

	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6000), stored.RefundedAmount)
	require.Zero(t, c.refundLocks.size())
}

func TestCoordinator_FlagUnconfirmedRefund(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()

	p := f.completed(t, 5000)
	require.NoError(t, f.coordinator.FlagUnconfirmedRefund(ctx, p.ID))

	stored, err := f.ledger.Get(p.ID)
	require.NoError(t, err)
	require.True(t, stored.NeedsReconciliation)
	require.Equal(t, ReasonRefundUnconfirmed, stored.ReconcileReason)

	pending := f.request(t, 1, 5000)
	require.NoError(t, f.coordinator.FlagUnconfirmedRefund(ctx, pending.ID))
	stored, err = f.ledger.Get(pending.ID)
	require.NoError(t, err)
	require.False(t, stored.NeedsReconciliation)

	require.NoError(t, f.coordinator.FlagUnconfirmedRefund(ctx, "missing"))
	require.NoError(t, f.coordinator.FlagUnconfirmedRefund(ctx, ""))
}

func TestCoordinator_GetPayment(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()

	p := f.completed(t, 5000)
	_, _, err := f.coordinator.Refund(ctx, p.ID, 1000, "partial")
	require.NoError(t, err)

	byID, err := f.coordinator.GetPayment(ctx, p.ID, "")
	require.NoError(t, err)
	require.Equal(t, int64(1000), byID.Payment.RefundedAmount)
	require.Len(t, byID.Refunds, 1)

	types := make([]string, 0, len(byID.History))
	for _, ev := range byID.History {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{
		string(kafka.EventTypePaymentRequested),
		string(kafka.EventTypePaymentCompleted),
		string(kafka.EventTypePaymentProvisioned),
		string(kafka.EventTypePaymentRefunded),
	}, types)

	byUID, err := f.coordinator.GetPayment(ctx, "", p.MerchantUID)
	require.NoError(t, err)
	require.Equal(t, p.ID, byUID.Payment.ID)

	_, err = f.coordinator.GetPayment(ctx, "", "")
	require.ErrorIs(t, err, domain.ErrMerchantUIDRequired)
}

func TestCoordinator_WithoutOptionalRepositories(t *testing.T) {
	c, err := NewCoordinator(memory.NewPaymentLedger(), gateway.NewMockGateway(), provisioner.NewInMemory(), issuer.New(nil),
		WithClock(func() time.Time { return time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC) }))
	require.NoError(t, err)

	p, err := c.RequestPayment(context.Background(), PaymentInput{TargetType: domain.TargetTypeBannerApplication, Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, "BANNER_APPLICATION-1", p.TargetID)

	view, err := c.GetPayment(context.Background(), p.ID, "")
	require.NoError(t, err)
	require.Empty(t, view.History)
}
