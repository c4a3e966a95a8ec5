package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

// paymentLedgerInMemory — in-memory реализация PaymentLedger.
// Переходы выполняются под одной блокировкой, что эквивалентно условному UPDATE.
type paymentLedgerInMemory struct {
	mu         sync.RWMutex
	items      map[string]domain.PaymentRequest
	byMerchant map[string]string
	refunds    map[string][]domain.RefundRecord
	now        func() time.Time
}

// NewPaymentLedger возвращает in-memory журнал для локальной разработки и тестов.
func NewPaymentLedger() domain.PaymentLedger {
	return &paymentLedgerInMemory{
		items:      make(map[string]domain.PaymentRequest),
		byMerchant: make(map[string]string),
		refunds:    make(map[string][]domain.RefundRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create сохраняет новую заявку, если merchantUid ещё не занят.
func (r *paymentLedgerInMemory) Create(req domain.PaymentRequest) (domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byMerchant[req.MerchantUID]; exists {
		return domain.PaymentRequest{}, domain.ErrDuplicateKey
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := r.items[req.ID]; exists {
		return domain.PaymentRequest{}, domain.ErrDuplicateKey
	}

	now := r.now()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	req.Status = domain.PaymentStatusPending
	req.PGTransactionID = ""
	req.CandidatePGTransactionID = ""
	req.TargetID = ""
	req.RefundedAmount = 0
	req.Version = 0
	req.UpdatedAt = now

	r.items[req.ID] = req
	r.byMerchant[req.MerchantUID] = req.ID
	return req, nil
}

func (r *paymentLedgerInMemory) Get(paymentID string) (domain.PaymentRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.items[paymentID]
	if !ok {
		return domain.PaymentRequest{}, domain.ErrPaymentNotFound
	}
	return p, nil
}

func (r *paymentLedgerInMemory) GetByMerchantUID(merchantUID string) (domain.PaymentRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byMerchant[merchantUID]
	if !ok {
		return domain.PaymentRequest{}, domain.ErrPaymentNotFound
	}
	return r.items[id], nil
}

// MarkCompleted переводит заявку из PENDING в COMPLETED.
func (r *paymentLedgerInMemory) MarkCompleted(merchantUID, pgTransactionID, pgProvider string, verifiedAmount int64) (domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(merchantUID)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	if p.Status != domain.PaymentStatusPending {
		return p, domain.ErrAlreadyTerminal
	}
	if p.Amount != verifiedAmount {
		return p, domain.ErrAmountMismatch
	}

	now := r.now()
	p.Status = domain.PaymentStatusCompleted
	p.PGTransactionID = pgTransactionID
	p.CandidatePGTransactionID = ""
	p.PGProvider = pgProvider
	p.PaidAt = now
	p.NeedsReconciliation = false
	p.ReconcileReason = ""
	r.bumpLocked(&p, now)
	return p, nil
}

// MarkCancelled переводит заявку из PENDING в CANCELLED.
func (r *paymentLedgerInMemory) MarkCancelled(merchantUID, reason string) (domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(merchantUID)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	if p.Status != domain.PaymentStatusPending {
		return p, domain.ErrAlreadyTerminal
	}

	now := r.now()
	p.Status = domain.PaymentStatusCancelled
	p.CancelReason = reason
	p.CancelledAt = now
	p.NeedsReconciliation = false
	p.ReconcileReason = ""
	r.bumpLocked(&p, now)
	return p, nil
}

// ApplyRefund уменьшает остаток и сохраняет запись о возврате атомарно.
func (r *paymentLedgerInMemory) ApplyRefund(refund domain.RefundRecord) (domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if refund.Amount <= 0 {
		return domain.PaymentRequest{}, domain.ErrRefundAmountInvalid
	}
	p, ok := r.items[refund.PaymentID]
	if !ok {
		return domain.PaymentRequest{}, domain.ErrPaymentNotFound
	}
	if p.Status != domain.PaymentStatusCompleted {
		return p, domain.ErrInvalidTransition
	}
	if refund.Amount > p.RefundableAmount() {
		return p, domain.ErrRefundExceedsBalance
	}

	now := r.now()
	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = now
	}
	p.RefundedAmount += refund.Amount
	p.RefundedAt = now
	if p.RefundedAmount == p.Amount {
		p.Status = domain.PaymentStatusRefunded
	}
	r.bumpLocked(&p, now)
	r.refunds[p.ID] = append(r.refunds[p.ID], refund)
	return p, nil
}

func (r *paymentLedgerInMemory) ListRefunds(paymentID string) ([]domain.RefundRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.refunds[paymentID]
	result := make([]domain.RefundRecord, len(src))
	copy(result, src)
	return result, nil
}

// AttachTarget привязывает ресурс один раз.
func (r *paymentLedgerInMemory) AttachTarget(paymentID, targetID string) (domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items[paymentID]
	if !ok {
		return domain.PaymentRequest{}, domain.ErrPaymentNotFound
	}
	if p.TargetID != "" {
		if p.TargetID == targetID {
			return p, nil
		}
		return p, domain.ErrTargetConflict
	}
	if p.Status != domain.PaymentStatusCompleted {
		return p, domain.ErrInvalidTransition
	}

	p.TargetID = targetID
	p.NeedsReconciliation = false
	p.ReconcileReason = ""
	r.bumpLocked(&p, r.now())
	return p, nil
}

func (r *paymentLedgerInMemory) FlagReconciliation(merchantUID, pgTransactionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookupLocked(merchantUID)
	if err != nil {
		return err
	}
	if pgTransactionID != "" && p.Status == domain.PaymentStatusPending {
		p.CandidatePGTransactionID = pgTransactionID
	}
	p.NeedsReconciliation = true
	p.ReconcileReason = reason
	r.bumpLocked(&p, r.now())
	return nil
}

func (r *paymentLedgerInMemory) ClearReconciliation(paymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items[paymentID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	p.NeedsReconciliation = false
	p.ReconcileReason = ""
	r.bumpLocked(&p, r.now())
	return nil
}

// ListStalePending возвращает PENDING-заявки, созданные раньше before, от старых к новым.
func (r *paymentLedgerInMemory) ListStalePending(before time.Time, limit int) ([]domain.PaymentRequest, error) {
	return r.list(limit, func(p domain.PaymentRequest) bool {
		return p.Status == domain.PaymentStatusPending && p.RequestedAt.Before(before)
	}), nil
}

// ListUnprovisioned возвращает оплаченные заявки без ресурса.
func (r *paymentLedgerInMemory) ListUnprovisioned(limit int) ([]domain.PaymentRequest, error) {
	return r.list(limit, func(p domain.PaymentRequest) bool {
		return p.Status == domain.PaymentStatusCompleted && p.TargetID == ""
	}), nil
}

func (r *paymentLedgerInMemory) list(limit int, match func(domain.PaymentRequest) bool) []domain.PaymentRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.PaymentRequest, 0)
	for _, p := range r.items {
		if match(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RequestedAt.Equal(result[j].RequestedAt) {
			return result[i].RequestedAt.Before(result[j].RequestedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (r *paymentLedgerInMemory) lookupLocked(merchantUID string) (domain.PaymentRequest, error) {
	id, ok := r.byMerchant[merchantUID]
	if !ok {
		return domain.PaymentRequest{}, domain.ErrPaymentNotFound
	}
	return r.items[id], nil
}

func (r *paymentLedgerInMemory) bumpLocked(p *domain.PaymentRequest, now time.Time) {
	p.Version++
	p.UpdatedAt = now
	r.items[p.ID] = *p
}

var _ domain.PaymentLedger = (*paymentLedgerInMemory)(nil)
