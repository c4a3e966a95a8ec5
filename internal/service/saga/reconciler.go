package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

// Действия reconciler'а (метка метрики и ключ отчёта).
const (
	ActionCompleted     = "completed"
	ActionCancelled     = "cancelled_unverified"
	ActionAbandoned     = "cancelled_abandoned"
	ActionCompensated   = "compensated"
	ActionDeferred      = "deferred"
	ActionReprovisioned = "reprovisioned"
	ActionFailed        = "failed"
	ActionSkipped       = "skipped"
)

const (
	defaultReconcileInterval    = time.Minute
	defaultReconcileBatchSize   = 100
	defaultPendingTTL           = 30 * time.Minute
	defaultReconcileConcurrency = 4
)

// ReconcilerConfig задаёт параметры периодического разбора заявок.
type ReconcilerConfig struct {
	Interval    time.Duration
	BatchSize   int
	PendingTTL  time.Duration
	Concurrency int
}

// DefaultReconcilerConfig возвращает конфигурацию по умолчанию.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:    defaultReconcileInterval,
		BatchSize:   defaultReconcileBatchSize,
		PendingTTL:  defaultPendingTTL,
		Concurrency: defaultReconcileConcurrency,
	}
}

// ReconcileReport — итог одного прохода.
type ReconcileReport map[string]int

// Reconciler доводит зависшие заявки: просроченные PENDING перепроверяет в PG
// или отменяет, оплаченные без ресурса провижинит повторно.
type Reconciler struct {
	coordinator *Coordinator
	cfg         ReconcilerConfig
	logger      *log.Entry
}

// NewReconciler создаёт reconciler поверх координатора саги.
func NewReconciler(coordinator *Coordinator, cfg ReconcilerConfig, logger *log.Entry) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = log.New().WithField("component", "reconciler")
	}

	return &Reconciler{
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run запускает периодический разбор до отмены ctx.
func (r *Reconciler) Run(ctx context.Context) {
	if r.coordinator == nil {
		r.logger.Warn("reconciler is disabled: coordinator is nil")
		return
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход и возвращает число действий по типам.
func (r *Reconciler) RunOnce(ctx context.Context) ReconcileReport {
	report := ReconcileReport{}
	if ctx.Err() != nil {
		return report
	}

	ledger := r.coordinator.ledger
	before := r.coordinator.now().Add(-r.cfg.PendingTTL)

	stale, err := ledger.ListStalePending(before, r.cfg.BatchSize)
	if err != nil {
		r.logger.WithError(err).Warn("failed to list stale pending payments")
	} else {
		r.forEach(ctx, stale, report, r.reconcilePending)
	}

	unprovisioned, err := ledger.ListUnprovisioned(r.cfg.BatchSize)
	if err != nil {
		r.logger.WithError(err).Warn("failed to list unprovisioned payments")
	} else {
		r.forEach(ctx, unprovisioned, report, r.reconcileUnprovisioned)
	}

	if len(report) > 0 {
		fields := log.Fields{}
		for action, n := range report {
			fields[action] = n
		}
		r.logger.WithFields(fields).Info("reconciliation pass finished")
	}
	return report
}

// forEach обрабатывает пачку с ограниченным параллелизмом.
func (r *Reconciler) forEach(
	ctx context.Context,
	payments []domain.PaymentRequest,
	report ReconcileReport,
	handle func(context.Context, domain.PaymentRequest) string,
) {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, r.cfg.Concurrency)
	)
	for _, payment := range payments {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}
		go func(p domain.PaymentRequest) {
			defer wg.Done()
			defer func() { <-semaphore }()

			action := handle(ctx, p)
			r.coordinator.metrics.RecordReconciliation(action)
			mu.Lock()
			report[action]++
			mu.Unlock()
		}(payment)
	}
	wg.Wait()
}

func (r *Reconciler) reconcilePending(ctx context.Context, p domain.PaymentRequest) string {
	c := r.coordinator
	logger := c.paymentLogger(p)

	candidate := p.CandidatePGTransactionID
	if !p.NeedsReconciliation || candidate == "" {
		if _, err := c.cancel(p.MerchantUID, ReasonAbandoned); err != nil {
			return r.cancelFailed(logger, err)
		}
		logger.Info("abandoned payment cancelled")
		return ActionAbandoned
	}

	verified, err := c.gateway.Verify(ctx, candidate)
	if err != nil && !errors.Is(err, domain.ErrGatewayVerificationFailed) {
		logger.WithError(err).Warn("gateway unavailable, reconciliation deferred")
		return ActionDeferred
	}

	if err == nil && verified.Status == domain.PGStatusPaid &&
		verified.Amount == p.Amount &&
		(verified.MerchantUID == "" || verified.MerchantUID == p.MerchantUID) {
		_, err := c.markCompleted(ctx, p, candidate, c.gateway.Name(), verified.Amount)
		switch {
		case err == nil, errors.Is(err, domain.ErrProvisioningPending):
		case errors.Is(err, domain.ErrPaymentDeclined):
			logger.Debug("payment cancelled concurrently, skipping")
			return ActionSkipped
		default:
			logger.WithError(err).Error("failed to complete reverified payment")
			return ActionFailed
		}
		logger.Info("payment completed after reverification")
		return ActionCompleted
	}

	if _, err := c.cancel(p.MerchantUID, ReasonVerification); err != nil {
		return r.cancelFailed(logger, err)
	}
	logger.Warn("unverified payment cancelled")

	// PG подтверждает списание, но не на сумму заявки: деньги возвращаются покупателю.
	if err == nil && verified.Status == domain.PGStatusPaid && verified.Amount > 0 {
		receipt, refundErr := c.gateway.Refund(ctx, domain.RefundRequest{
			RefundID:        "compensate-" + p.ID,
			PGTransactionID: candidate,
			MerchantUID:     p.MerchantUID,
			Amount:          verified.Amount,
			Reason:          ReasonVerification,
			Checksum:        verified.Amount,
		})
		if refundErr != nil {
			logger.WithError(refundErr).WithField("pg_amount", verified.Amount).
				Error("compensating refund failed, manual refund required")
			return ActionFailed
		}
		logger.WithField("pg_refund_id", receipt.PGRefundID).Info("compensating refund issued")
		return ActionCompensated
	}
	return ActionCancelled
}

func (r *Reconciler) cancelFailed(logger *log.Entry, err error) string {
	if domain.IsAlreadyTerminal(err) {
		logger.Debug("payment resolved concurrently, skipping")
		return ActionSkipped
	}
	logger.WithError(err).Error("failed to cancel stale payment")
	return ActionFailed
}

func (r *Reconciler) reconcileUnprovisioned(ctx context.Context, p domain.PaymentRequest) string {
	attached, err := r.coordinator.provisionAndAttach(ctx, p)
	if err != nil {
		// provisionAndAttach уже оставил пометку и записал ошибку в лог.
		return ActionFailed
	}
	r.coordinator.paymentLogger(attached).WithField("target_id", attached.TargetID).Info("payment reprovisioned")
	return ActionReprovisioned
}
