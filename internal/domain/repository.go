package domain

import "time"

// PaymentLedger — журнал платёжных заявок и единственный источник истины об оплате.
// Все переходы выполняются условно от текущего статуса, поэтому из конкурентных
// завершений побеждает ровно одно.
type PaymentLedger interface {
	// Create сохраняет заявку в статусе PENDING или возвращает ErrDuplicateKey.
	Create(req PaymentRequest) (PaymentRequest, error)
	// Get возвращает заявку по paymentId или ErrPaymentNotFound.
	Get(paymentID string) (PaymentRequest, error)
	// GetByMerchantUID возвращает заявку по merchantUid или ErrPaymentNotFound.
	GetByMerchantUID(merchantUID string) (PaymentRequest, error)
	// MarkCompleted переводит PENDING в COMPLETED. Для не-PENDING возвращает
	// сохранённую запись и ErrAlreadyTerminal, при расхождении суммы — ErrAmountMismatch.
	MarkCompleted(merchantUID, pgTransactionID, pgProvider string, verifiedAmount int64) (PaymentRequest, error)
	// MarkCancelled переводит PENDING в CANCELLED.
	MarkCancelled(merchantUID, reason string) (PaymentRequest, error)
	// ApplyRefund уменьшает остаток COMPLETED-заявки и сохраняет запись о возврате.
	ApplyRefund(refund RefundRecord) (PaymentRequest, error)
	// ListRefunds возвращает возвраты заявки в хронологическом порядке.
	ListRefunds(paymentID string) ([]RefundRecord, error)
	// AttachTarget однократно привязывает ресурс. Тот же targetId: no-op,
	// другой: ErrTargetConflict.
	AttachTarget(paymentID, targetID string) (PaymentRequest, error)
	// FlagReconciliation помечает заявку для разбора reconciler'ом. Непустой
	// pgTransactionID у PENDING-заявки сохраняется как кандидат для повторной
	// проверки в PG; проверенный PGTransactionID не меняется.
	FlagReconciliation(merchantUID, pgTransactionID, reason string) error
	// ClearReconciliation снимает пометку.
	ClearReconciliation(paymentID string) error
	// ListStalePending возвращает PENDING-заявки старше before.
	ListStalePending(before time.Time, limit int) ([]PaymentRequest, error)
	// ListUnprovisioned возвращает COMPLETED-заявки без привязанного ресурса.
	ListUnprovisioned(limit int) ([]PaymentRequest, error)
}
