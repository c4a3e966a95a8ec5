package domain

import "time"

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности операции.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — операция принята и ещё выполняется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — операция завершена, ответ сохранён для повторов.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — операция завершилась окончательной ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord хранит результат операции с idempotency-key (возврат средств).
// ResponseCode — gRPC-код ответа, ResponseBody — сериализованный ответ или ошибка.
type IdempotencyRecord struct {
	Key       string
	Operation string
	// PaymentID — заявка, по которой выполняется операция.
	PaymentID    string
	RequestHash  string
	ResponseBody []byte
	ResponseCode int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Finished сообщает, что ответ операции сохранён и повтор его воспроизведёт.
func (r IdempotencyRecord) Finished() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// Abandoned сообщает, что операция так и не завершилась до истечения ключа.
// Для возврата это значит, что исход вызова PG неизвестен.
func (r IdempotencyRecord) Abandoned(now time.Time) bool {
	return r.Status == IdempotencyStatusProcessing && !r.TTLAt.After(now)
}

// IdempotencyRepository хранит ключи идемпотентности операций, которые
// нельзя безопасно повторить по merchantUid (возвраты).
type IdempotencyRepository interface {
	// CreateProcessing занимает ключ. Занятый ключ возвращается вместе с
	// ErrIdempotencyKeyAlreadyExists или ErrIdempotencyHashMismatch.
	CreateProcessing(key, operation, paymentID, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, responseCode int) error
	MarkFailed(key string, responseBody []byte, responseCode int) error
	// Release освобождает ключ после временной ошибки, чтобы повтор выполнил операцию заново.
	Release(key string) error
	// ListAbandoned возвращает ключи в статусе processing с ttl <= before.
	ListAbandoned(before time.Time, limit int) ([]IdempotencyRecord, error)
	DeleteExpired(before time.Time, limit int) (int, error)
}
