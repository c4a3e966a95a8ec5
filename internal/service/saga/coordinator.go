// Package saga реализует серверно-авторитетную сагу оплаты: выдача merchantUid,
// заявка в журнале, проверка списания в PG, фиксация оплаты, провижининг ресурса
// и возвраты.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/paysaga/internal/metrics"
)

// Причины отмены и пометки для reconciler'а.
const (
	ReasonAbandoned         = "abandoned"
	ReasonDeclinedPrefix    = "declined"
	ReasonVerification      = "verification_failed"
	ReasonVerifyUnavailable = "verify_unavailable"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonProvisioning      = "provisioning_failed"
	ReasonRefundLedger      = "refund_not_applied"
	ReasonRefundUnconfirmed = "refund_unconfirmed"
	ReasonLateCompletion    = "completion_after_cancel"
)

// PaymentInput — параметры новой платёжной заявки.
type PaymentInput struct {
	TargetType domain.TargetType
	Quantity   int32
	UnitPrice  int64
	// MerchantUID задаёт вызывающая сторона для идемпотентного повтора; если пусто, выдаётся issuer'ом.
	MerchantUID string
	BuyerName   string
	BuyerEmail  string
}

// ChargeInput — параметры серверного списания.
type ChargeInput struct {
	RedirectURL string
}

// PaymentView — заявка вместе с историей и возвратами.
type PaymentView struct {
	Payment domain.PaymentRequest
	History []domain.TimelineEvent
	Refunds []domain.RefundRecord
}

// Options задаёт параметры Coordinator.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.PaymentMetrics
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository
	Retry    RetryConfig
	Now      func() time.Time
}

// Option изменяет Options.
type Option func(*Options)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.PaymentMetrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithOutbox включает публикацию событий через transactional outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(o *Options) {
		o.Outbox = repo
	}
}

// WithTimeline включает запись истории заявки.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(o *Options) {
		o.Timeline = repo
	}
}

// WithRetryConfig задаёт политику повторов провижининга.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *Options) {
		o.Retry = cfg
	}
}

// WithClock подменяет часы (тесты).
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// Coordinator проводит заявку через сагу. Источник истины — журнал и ответ Verify,
// отчёт клиента служит только триггером.
type Coordinator struct {
	ledger      domain.PaymentLedger
	gateway     domain.Gateway
	provisioner domain.Provisioner
	issuer      domain.OrderIDIssuer
	outbox      domain.OutboxRepository
	timeline    domain.TimelineRepository
	metrics     *metrics.PaymentMetrics
	logger      *log.Entry
	retrier     *Retrier
	refundLocks *paymentLocks
	now         func() time.Time
}

// NewCoordinator создаёт координатор саги.
func NewCoordinator(
	ledger domain.PaymentLedger,
	gateway domain.Gateway,
	provisioner domain.Provisioner,
	issuer domain.OrderIDIssuer,
	opts ...Option,
) (*Coordinator, error) {
	if ledger == nil || gateway == nil || provisioner == nil || issuer == nil {
		return nil, errors.New("saga coordinator requires ledger, gateway, provisioner and issuer")
	}

	options := Options{
		Retry: DefaultRetryConfig(),
		Now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = log.New().WithField("component", "saga")
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Coordinator{
		ledger:      ledger,
		gateway:     gateway,
		provisioner: provisioner,
		issuer:      issuer,
		outbox:      options.Outbox,
		timeline:    options.Timeline,
		metrics:     options.Metrics,
		logger:      options.Logger,
		retrier:     NewRetrier(options.Retry, options.Logger),
		refundLocks: newPaymentLocks(),
		now:         options.Now,
	}, nil
}

// RequestPayment создаёт заявку в статусе PENDING. Бесплатная заявка (amount == 0)
// сразу проходит в COMPLETED без обращения к PG и провижинится синхронно.
// Повтор с тем же merchantUid и теми же параметрами возвращает существующую заявку.
func (c *Coordinator) RequestPayment(ctx context.Context, in PaymentInput) (domain.PaymentRequest, error) {
	if !in.TargetType.Valid() {
		return domain.PaymentRequest{}, domain.ErrTargetTypeInvalid
	}
	amount, err := domain.PaymentAmount(in.Quantity, in.UnitPrice)
	if err != nil {
		return domain.PaymentRequest{}, err
	}

	callerSupplied := in.MerchantUID != ""
	merchantUID := in.MerchantUID
	if !callerSupplied {
		started := time.Now()
		uid, err := c.issuer.Issue(ctx, in.TargetType)
		c.metrics.RecordStepDuration(string(domain.SagaStepIssue), time.Since(started))
		if err != nil {
			return domain.PaymentRequest{}, fmt.Errorf("issue merchant uid: %w", err)
		}
		merchantUID = uid
	}

	logger := c.logger.WithFields(log.Fields{
		"merchant_uid": merchantUID,
		"target_type":  in.TargetType,
	})

	started := time.Now()
	payment, err := c.ledger.Create(domain.PaymentRequest{
		ID:          uuid.NewString(),
		MerchantUID: merchantUID,
		TargetType:  in.TargetType,
		Quantity:    in.Quantity,
		UnitPrice:   in.UnitPrice,
		Amount:      amount,
		BuyerName:   in.BuyerName,
		BuyerEmail:  in.BuyerEmail,
	})
	c.metrics.RecordStepDuration(string(domain.SagaStepCreate), time.Since(started))
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateKey) {
			return domain.PaymentRequest{}, fmt.Errorf("create payment request: %w", err)
		}
		c.metrics.RecordOutcome(metrics.OutcomeDuplicate)
		if callerSupplied {
			existing, getErr := c.ledger.GetByMerchantUID(merchantUID)
			if getErr == nil && sameRequest(existing, in) {
				logger.Debug("payment request replayed with the same merchant uid")
				return existing, nil
			}
		}
		logger.Warn("merchant uid already exists")
		return domain.PaymentRequest{}, fmt.Errorf("%w: %s", domain.ErrOrderAlreadyExists, merchantUID)
	}

	c.metrics.RecordRequested()
	c.record(payment, kafka.EventTypePaymentRequested, "")
	logger.WithFields(log.Fields{
		"payment_id": payment.ID,
		"amount":     payment.Amount,
	}).Info("payment request created")

	if payment.IsFree() {
		return c.completeFree(ctx, payment)
	}
	return payment, nil
}

// CompletePayment обрабатывает отчёт клиента о списании. Отчёт не считается
// окончательным: сумма и статус берутся из Verify.
func (c *Coordinator) CompletePayment(ctx context.Context, merchantUID string, report domain.ClientReport) (domain.PaymentRequest, error) {
	if merchantUID == "" {
		return domain.PaymentRequest{}, domain.ErrMerchantUIDRequired
	}
	done := c.metrics.SagaStarted()
	defer done()

	payment, err := c.ledger.GetByMerchantUID(merchantUID)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	if payment.Status != domain.PaymentStatusPending {
		return c.resolveTerminal(ctx, payment, report)
	}
	if payment.IsFree() {
		return c.completeFree(ctx, payment)
	}

	return c.complete(ctx, payment, report)
}

// Charge выполняет серверное списание (billing key) и доводит сагу до конца.
func (c *Coordinator) Charge(ctx context.Context, merchantUID string, in ChargeInput) (domain.PaymentRequest, error) {
	if merchantUID == "" {
		return domain.PaymentRequest{}, domain.ErrMerchantUIDRequired
	}
	done := c.metrics.SagaStarted()
	defer done()

	payment, err := c.ledger.GetByMerchantUID(merchantUID)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	if payment.Status != domain.PaymentStatusPending {
		return c.resolveTerminal(ctx, payment, domain.ClientReport{})
	}
	if payment.IsFree() {
		return c.completeFree(ctx, payment)
	}

	started := time.Now()
	report, err := c.gateway.Charge(ctx, domain.ChargeRequest{
		MerchantUID: payment.MerchantUID,
		Amount:      payment.Amount,
		BuyerName:   payment.BuyerName,
		BuyerEmail:  payment.BuyerEmail,
		RedirectURL: in.RedirectURL,
	})
	c.metrics.RecordStepDuration(string(domain.SagaStepCharge), time.Since(started))
	if err != nil {
		report = domain.ClientReport{Success: false, MerchantUID: merchantUID, ErrorMessage: err.Error()}
	}

	return c.complete(ctx, payment, report)
}

// complete — общий хвост саги после отчёта о списании: verify, фиксация, провижининг.
func (c *Coordinator) complete(ctx context.Context, payment domain.PaymentRequest, report domain.ClientReport) (domain.PaymentRequest, error) {
	logger := c.paymentLogger(payment)

	if !report.Success && payment.NeedsReconciliation && payment.CandidatePGTransactionID != "" {
		// В PG уже есть транзакция-кандидат: исход решает reconciler по Verify, а не отчёт клиента.
		logger.WithFields(log.Fields{
			"candidate_pg_transaction_id": payment.CandidatePGTransactionID,
			"client_error":                report.ErrorMessage,
		}).Warn("failure reported for a payment awaiting reconciliation, cancel skipped")
		return payment, fmt.Errorf("%w: payment %s is awaiting reconciliation", domain.ErrGatewayVerificationFailed, payment.ID)
	}
	if !report.Success {
		reason := ReasonDeclinedPrefix
		if report.ErrorMessage != "" {
			reason = ReasonDeclinedPrefix + ": " + report.ErrorMessage
		}
		cancelled, err := c.cancel(payment.MerchantUID, reason)
		if err != nil {
			if domain.IsAlreadyTerminal(err) {
				return c.resolveTerminal(ctx, cancelled, report)
			}
			return payment, err
		}
		logger.WithField("reason", reason).Info("payment declined")
		c.metrics.RecordOutcome(metrics.OutcomeDeclined)
		return cancelled, fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, report.ErrorMessage)
	}

	started := time.Now()
	verified, err := c.gateway.Verify(ctx, report.PGTransactionID)
	c.metrics.RecordStepDuration(string(domain.SagaStepVerify), time.Since(started))
	if err != nil {
		if errors.Is(err, domain.ErrGatewayVerificationFailed) {
			return c.verificationFailed(payment, report.PGTransactionID, ReasonVerification, err)
		}
		// PG недоступен: решение откладывается до reconciler'а, заявка остаётся PENDING.
		c.flag(payment, report.PGTransactionID, ReasonVerifyUnavailable)
		c.metrics.RecordOutcome(metrics.OutcomeFailed)
		logger.WithError(err).Warn("gateway verification unavailable, payment left for reconciliation")
		return payment, err
	}

	if mismatch := verificationMismatch(payment, report, verified); mismatch != "" {
		return c.verificationFailed(payment, report.PGTransactionID, ReasonVerification,
			fmt.Errorf("%w: %s", domain.ErrGatewayVerificationFailed, mismatch))
	}

	return c.markCompleted(ctx, payment, verified.PGTransactionID, c.gateway.Name(), verified.Amount)
}

func verificationMismatch(payment domain.PaymentRequest, report domain.ClientReport, verified domain.VerifiedResult) string {
	switch {
	case verified.Status != domain.PGStatusPaid:
		return "pg status " + strconv.Quote(verified.Status)
	case verified.MerchantUID != "" && verified.MerchantUID != payment.MerchantUID:
		return "merchant uid " + strconv.Quote(verified.MerchantUID)
	case verified.PGTransactionID != "" && verified.PGTransactionID != report.PGTransactionID:
		return "transaction id " + strconv.Quote(verified.PGTransactionID)
	case report.PaidAmount != verified.Amount:
		return fmt.Sprintf("reported amount %d, verified %d", report.PaidAmount, verified.Amount)
	}
	return ""
}

func (c *Coordinator) verificationFailed(payment domain.PaymentRequest, pgTransactionID, reason string, cause error) (domain.PaymentRequest, error) {
	c.flag(payment, pgTransactionID, reason)
	c.metrics.RecordOutcome(metrics.OutcomeVerificationFailed)
	c.paymentLogger(payment).WithError(cause).Warn("gateway verification failed, payment flagged for reconciliation")

	flagged, err := c.ledger.Get(payment.ID)
	if err != nil {
		flagged = payment
	}
	if errors.Is(cause, domain.ErrGatewayVerificationFailed) {
		return flagged, cause
	}
	return flagged, fmt.Errorf("%w: %v", domain.ErrGatewayVerificationFailed, cause)
}

// markCompleted фиксирует оплату и провижинит ресурс. Проигравший гонку
// получает сохранённую запись и тот же targetId.
func (c *Coordinator) markCompleted(ctx context.Context, payment domain.PaymentRequest, pgTransactionID, provider string, amount int64) (domain.PaymentRequest, error) {
	started := time.Now()
	completed, err := c.ledger.MarkCompleted(payment.MerchantUID, pgTransactionID, provider, amount)
	c.metrics.RecordStepDuration(string(domain.SagaStepComplete), time.Since(started))
	switch {
	case err == nil:
	case domain.IsAlreadyTerminal(err):
		c.metrics.RecordOutcome(metrics.OutcomeAlreadyTerminal)
		return c.resolveTerminal(ctx, completed, domain.ClientReport{PGTransactionID: pgTransactionID, Success: true})
	case errors.Is(err, domain.ErrAmountMismatch):
		c.flag(payment, pgTransactionID, ReasonAmountMismatch)
		c.metrics.RecordOutcome(metrics.OutcomeFailed)
		c.paymentLogger(payment).WithFields(log.Fields{
			"verified_amount": amount,
			"amount":          payment.Amount,
		}).Error("verified amount differs from payment request")
		return payment, fmt.Errorf("%w: verified %d, expected %d", domain.ErrAmountMismatch, amount, payment.Amount)
	default:
		return payment, fmt.Errorf("mark payment completed: %w", err)
	}

	c.record(completed, kafka.EventTypePaymentCompleted, "")
	c.paymentLogger(completed).WithField("pg_provider", provider).Info("payment completed")

	result, err := c.provisionAndAttach(ctx, completed)
	if err != nil {
		return result, err
	}
	if provider == domain.PGProviderFree {
		c.metrics.RecordOutcome(metrics.OutcomeFree)
	} else {
		c.metrics.RecordOutcome(metrics.OutcomeCompleted)
	}
	return result, nil
}

func (c *Coordinator) completeFree(ctx context.Context, payment domain.PaymentRequest) (domain.PaymentRequest, error) {
	return c.markCompleted(ctx, payment, "", domain.PGProviderFree, 0)
}

// resolveTerminal отвечает на запрос по заявке, которая уже вышла из PENDING.
func (c *Coordinator) resolveTerminal(ctx context.Context, payment domain.PaymentRequest, report domain.ClientReport) (domain.PaymentRequest, error) {
	switch payment.Status {
	case domain.PaymentStatusCompleted:
		if payment.Provisioned() {
			return payment, nil
		}
		return c.provisionAndAttach(ctx, payment)
	case domain.PaymentStatusRefunded:
		return payment, nil
	case domain.PaymentStatusCancelled:
		if report.Success && report.PGTransactionID != "" {
			// Клиент оплатил после отмены: деньги списаны без заявки, нужен ручной разбор.
			c.paymentLogger(payment).WithField("pg_transaction_id", report.PGTransactionID).
				Error("successful charge reported for a cancelled payment")
			c.record(payment, kafka.EventTypePaymentReconciliationRequired, ReasonLateCompletion)
		}
		return payment, fmt.Errorf("%w: payment %s is %s", domain.ErrPaymentDeclined, payment.ID, payment.Status)
	default:
		return payment, fmt.Errorf("%w: unexpected status %s", domain.ErrInvalidTransition, payment.Status)
	}
}

// provisionAndAttach создаёт ресурс с повторами под тем же paymentId и привязывает его.
// Исчерпание попыток оставляет заявку COMPLETED и помеченной для reconciler'а.
func (c *Coordinator) provisionAndAttach(ctx context.Context, payment domain.PaymentRequest) (domain.PaymentRequest, error) {
	if payment.Provisioned() {
		return payment, nil
	}
	logger := c.paymentLogger(payment)

	var targetID string
	started := time.Now()
	err := c.retrier.Do(ctx, string(domain.SagaStepProvision), payment.ID, func(ctx context.Context) error {
		id, err := c.provisioner.Provision(ctx, domain.ProvisionRequest{
			PaymentID:     payment.ID,
			TargetType:    payment.TargetType,
			Quantity:      payment.Quantity,
			TargetContext: targetContext(payment),
		})
		if err != nil {
			return err
		}
		targetID = id
		return nil
	})
	c.metrics.RecordStepDuration(string(domain.SagaStepProvision), time.Since(started))
	if err != nil {
		c.flag(payment, "", ReasonProvisioning)
		c.metrics.RecordOutcome(metrics.OutcomeProvisioningPending)
		logger.WithError(err).Error("provisioning failed, payment completed but unprovisioned")
		return payment, fmt.Errorf("%w: payment %s: %v", domain.ErrProvisioningPending, payment.ID, err)
	}

	started = time.Now()
	attached, err := c.ledger.AttachTarget(payment.ID, targetID)
	c.metrics.RecordStepDuration(string(domain.SagaStepAttach), time.Since(started))
	if err != nil {
		if errors.Is(err, domain.ErrTargetConflict) {
			logger.WithFields(log.Fields{
				"target_id":          targetID,
				"attached_target_id": attached.TargetID,
			}).Error("payment already attached to a different target")
			c.metrics.RecordOutcome(metrics.OutcomeFailed)
			return attached, err
		}
		c.flag(payment, "", ReasonProvisioning)
		logger.WithError(err).Error("attach target failed, payment completed but unprovisioned")
		return payment, fmt.Errorf("%w: payment %s: %v", domain.ErrProvisioningPending, payment.ID, err)
	}

	if attached.Version != payment.Version {
		c.record(attached, kafka.EventTypePaymentProvisioned, "")
	}
	logger.WithField("target_id", targetID).Info("target attached")
	return attached, nil
}

func targetContext(payment domain.PaymentRequest) map[string]string {
	return map[string]string{
		"merchant_uid": payment.MerchantUID,
		"buyer_name":   payment.BuyerName,
		"buyer_email":  payment.BuyerEmail,
		"quantity":     strconv.Itoa(int(payment.Quantity)),
	}
}

// Refund возвращает amount по COMPLETED-заявке. Журнал меняется только после
// подтверждения PG; сумма больше остатка отклоняется без обрезки.
func (c *Coordinator) Refund(ctx context.Context, paymentID string, amount int64, reason string) (domain.RefundRecord, domain.PaymentRequest, error) {
	if amount <= 0 {
		return domain.RefundRecord{}, domain.PaymentRequest{}, domain.ErrRefundAmountInvalid
	}

	// Проверка остатка, отмена в PG и запись в журнал идут под одной блокировкой заявки.
	unlock := c.refundLocks.lock(paymentID)
	defer unlock()

	payment, err := c.ledger.Get(paymentID)
	if err != nil {
		return domain.RefundRecord{}, domain.PaymentRequest{}, err
	}
	logger := c.paymentLogger(payment).WithField("refund_amount", amount)

	switch payment.Status {
	case domain.PaymentStatusCompleted:
	case domain.PaymentStatusRefunded:
		c.metrics.RecordRefund("rejected")
		return domain.RefundRecord{}, payment, fmt.Errorf("%w: payment %s is fully refunded", domain.ErrRefundExceedsBalance, payment.ID)
	default:
		c.metrics.RecordRefund("rejected")
		return domain.RefundRecord{}, payment, fmt.Errorf("%w: refund of %s payment", domain.ErrInvalidTransition, payment.Status)
	}
	if amount > payment.RefundableAmount() {
		c.metrics.RecordRefund("rejected")
		return domain.RefundRecord{}, payment, fmt.Errorf("%w: requested %d, refundable %d",
			domain.ErrRefundExceedsBalance, amount, payment.RefundableAmount())
	}

	refundID := uuid.NewString()
	logger = logger.WithField("refund_id", refundID)

	started := time.Now()
	receipt, err := c.gateway.Refund(ctx, domain.RefundRequest{
		RefundID:        refundID,
		PGTransactionID: payment.PGTransactionID,
		MerchantUID:     payment.MerchantUID,
		Amount:          amount,
		Reason:          reason,
		Checksum:        payment.RefundableAmount(),
	})
	c.metrics.RecordStepDuration(string(domain.SagaStepRefund), time.Since(started))
	if err != nil {
		c.metrics.RecordRefund("gateway_failed")
		if errors.Is(err, domain.ErrGatewayTemporary) {
			// Ответ потерян: PG мог провести отмену, остаток сверяется вручную.
			c.flag(payment, "", ReasonRefundUnconfirmed)
		}
		logger.WithError(err).Warn("gateway refund failed, ledger unchanged")
		if errors.Is(err, domain.ErrRefundRetryable) {
			return domain.RefundRecord{}, payment, err
		}
		return domain.RefundRecord{}, payment, fmt.Errorf("%w: %v", domain.ErrRefundRetryable, err)
	}

	refund := domain.RefundRecord{
		ID:         refundID,
		PaymentID:  payment.ID,
		Amount:     amount,
		Reason:     reason,
		PGRefundID: receipt.PGRefundID,
		CreatedAt:  c.now(),
	}
	updated, err := c.ledger.ApplyRefund(refund)
	if err != nil {
		// PG уже вернул деньги, а журнал отклонил запись: расхождение разбирается вручную.
		c.flag(payment, "", ReasonRefundLedger)
		c.metrics.RecordRefund("ledger_failed")
		logger.WithError(err).WithField("pg_refund_id", receipt.PGRefundID).
			Error("refund confirmed by gateway but not applied to ledger")
		return domain.RefundRecord{}, payment, err
	}

	c.metrics.RecordRefund("applied")
	c.record(updated, kafka.EventTypePaymentRefunded, reason)
	logger.WithFields(log.Fields{
		"refunded_amount": updated.RefundedAmount,
		"status":          updated.Status,
	}).Info("refund applied")
	return refund, updated, nil
}

// FlagUnconfirmedRefund помечает заявку, возврат по которой оборвался без ответа:
// ключ идемпотентности истёк в статусе processing, и неизвестно, дошла ли отмена до PG.
func (c *Coordinator) FlagUnconfirmedRefund(_ context.Context, paymentID string) error {
	if paymentID == "" {
		return nil
	}
	payment, err := c.ledger.Get(paymentID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load payment %s: %w", paymentID, err)
	}
	if payment.Status != domain.PaymentStatusCompleted && payment.Status != domain.PaymentStatusRefunded {
		return nil
	}
	if err := c.ledger.FlagReconciliation(payment.MerchantUID, "", ReasonRefundUnconfirmed); err != nil {
		return fmt.Errorf("flag payment %s: %w", paymentID, err)
	}
	c.record(payment, kafka.EventTypePaymentReconciliationRequired, ReasonRefundUnconfirmed)
	c.paymentLogger(payment).Warn("abandoned refund flagged for reconciliation")
	return nil
}

// GetPayment возвращает заявку по paymentId или merchantUid вместе с историей.
func (c *Coordinator) GetPayment(_ context.Context, paymentID, merchantUID string) (PaymentView, error) {
	var (
		payment domain.PaymentRequest
		err     error
	)
	switch {
	case paymentID != "":
		payment, err = c.ledger.Get(paymentID)
	case merchantUID != "":
		payment, err = c.ledger.GetByMerchantUID(merchantUID)
	default:
		return PaymentView{}, domain.ErrMerchantUIDRequired
	}
	if err != nil {
		return PaymentView{}, err
	}

	view := PaymentView{Payment: payment}
	if c.timeline != nil {
		history, err := c.timeline.List(payment.ID)
		if err != nil {
			return PaymentView{}, fmt.Errorf("list payment history: %w", err)
		}
		view.History = history
	}
	refunds, err := c.ledger.ListRefunds(payment.ID)
	if err != nil {
		return PaymentView{}, fmt.Errorf("list refunds: %w", err)
	}
	view.Refunds = refunds
	return view, nil
}

func (c *Coordinator) cancel(merchantUID, reason string) (domain.PaymentRequest, error) {
	started := time.Now()
	cancelled, err := c.ledger.MarkCancelled(merchantUID, reason)
	c.metrics.RecordStepDuration(string(domain.SagaStepCancel), time.Since(started))
	if err != nil {
		return cancelled, err
	}
	c.record(cancelled, kafka.EventTypePaymentCancelled, reason)
	return cancelled, nil
}

func (c *Coordinator) flag(payment domain.PaymentRequest, pgTransactionID, reason string) {
	if payment.NeedsReconciliation && payment.ReconcileReason == reason &&
		(pgTransactionID == "" || pgTransactionID == payment.CandidatePGTransactionID) {
		return
	}
	if err := c.ledger.FlagReconciliation(payment.MerchantUID, pgTransactionID, reason); err != nil {
		c.paymentLogger(payment).WithError(err).Error("failed to flag payment for reconciliation")
		return
	}
	c.record(payment, kafka.EventTypePaymentReconciliationRequired, reason)
}

// record пишет событие в outbox и историю заявки. Ошибки логируются и не прерывают сагу.
func (c *Coordinator) record(payment domain.PaymentRequest, eventType kafka.EventType, reason string) {
	logger := c.paymentLogger(payment).WithField("event", eventType)

	if c.outbox != nil {
		data, err := json.Marshal(kafka.NewPaymentEvent(eventType, payment, reason))
		if err != nil {
			logger.WithError(err).Error("marshal payment event failed")
		} else if _, err := c.outbox.Enqueue(domain.OutboxMessage{
			PaymentID:   payment.ID,
			MerchantUID: payment.MerchantUID,
			EventType:   string(eventType),
			Payload:     data,
		}); err != nil {
			logger.WithError(err).Error("enqueue payment event failed")
		} else {
			c.metrics.RecordOutboxEvent()
		}
	}

	if c.timeline != nil {
		event := domain.NewTimelineEvent(payment, string(eventType), reason, c.now())
		if err := c.timeline.Append(event); err != nil {
			logger.WithError(err).Warn("append timeline event failed")
		} else {
			c.metrics.RecordTimelineEvent()
		}
	}
}

func (c *Coordinator) paymentLogger(payment domain.PaymentRequest) *log.Entry {
	return c.logger.WithFields(log.Fields{
		"payment_id":   payment.ID,
		"merchant_uid": payment.MerchantUID,
		"target_type":  payment.TargetType,
	})
}

func sameRequest(existing domain.PaymentRequest, in PaymentInput) bool {
	return existing.TargetType == in.TargetType &&
		existing.Quantity == in.Quantity &&
		existing.UnitPrice == in.UnitPrice
}
