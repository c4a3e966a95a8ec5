package domain

import "errors"

var (
	// Ошибка отсутствующего merchantUid.
	ErrMerchantUIDRequired = errors.New("merchant_uid is required")
	// Ошибка неизвестного типа ресурса.
	ErrTargetTypeInvalid = errors.New("target type is invalid")
	// Ошибка некорректного количества (<= 0).
	ErrQuantityInvalid = errors.New("quantity must be greater than zero")
	// Ошибка отрицательной цены за единицу.
	ErrUnitPriceInvalid = errors.New("unit price must be non-negative")
	// ErrAmountOverflow — quantity * unitPrice не помещается в int64.
	ErrAmountOverflow = errors.New("payment amount overflows")
	// Ошибка некорректной суммы возврата (<= 0).
	ErrRefundAmountInvalid = errors.New("refund amount must be greater than zero")
	// ErrPaymentNotFound возвращается, если заявки нет в журнале.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrDuplicateKey — merchantUid уже занят в журнале.
	ErrDuplicateKey = errors.New("merchant uid already exists")
	// ErrOrderAlreadyExists — повторный запрос с тем же merchantUid на уровне саги.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrAmountMismatch — подтверждённая сумма не совпадает с суммой заявки.
	ErrAmountMismatch = errors.New("amount mismatch")
	// ErrAlreadyTerminal — заявка уже вышла из PENDING; разрешается прозрачно.
	ErrAlreadyTerminal = errors.New("payment already in terminal state")
	// ErrInvalidTransition — переход статуса не разрешён.
	ErrInvalidTransition = errors.New("invalid payment status transition")
	// ErrRefundExceedsBalance — возврат больше доступного остатка, не обрезается.
	ErrRefundExceedsBalance = errors.New("refund exceeds refundable balance")
	// ErrTargetConflict — попытка привязать другой ресурс к оплаченной заявке (фатально).
	ErrTargetConflict = errors.New("payment already attached to a different target")
	// ErrPaymentDeclined — PG или клиент сообщили об отказе в оплате.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrGatewayVerificationFailed — серверная проверка в PG не совпала с отчётом клиента.
	ErrGatewayVerificationFailed = errors.New("gateway verification failed")
	// ErrGatewayTemporary — временная ошибка PG (таймаут, 5xx), можно повторить.
	ErrGatewayTemporary = errors.New("gateway temporary error")
	// ErrGatewayCircuitOpen — circuit breaker не пропускает вызовы к PG.
	ErrGatewayCircuitOpen = errors.New("gateway circuit breaker is open")
	// ErrRefundRetryable — PG не подтвердил возврат, журнал не изменён.
	ErrRefundRetryable = errors.New("refund not confirmed by gateway, retry later")
	// ErrProvisioningPending — оплата принята, ресурс будет создан reconciler'ом.
	ErrProvisioningPending = errors.New("payment completed, provisioning pending")
	// ErrProvisionTemporary — временная ошибка провижининга.
	ErrProvisionTemporary = errors.New("provision temporary error")
	// ErrIssuerUnavailable — хранилище счётчиков merchantUid недоступно.
	ErrIssuerUnavailable = errors.New("order id issuer unavailable")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// Ошибки ключей идемпотентности.
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key is used with a different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// IsAlreadyTerminal проверяет, что переход отклонён из-за финального статуса.
func IsAlreadyTerminal(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal)
}

// IsRetryable сообщает, имеет ли смысл повторить шаг саги.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayTemporary) || errors.Is(err, ErrProvisionTemporary)
}
