package domain

import (
	"context"
	"time"
)

// OrderIDIssuer выдаёт уникальные merchantUid в пределах типа ресурса.
type OrderIDIssuer interface {
	Issue(ctx context.Context, targetType TargetType) (string, error)
}

// ChargeRequest — параметры списания в PG.
type ChargeRequest struct {
	MerchantUID string
	Amount      int64
	BuyerName   string
	BuyerEmail  string
	RedirectURL string
}

// ClientReport — результат списания, который сообщает клиент (или PG при серверном списании).
type ClientReport struct {
	Success         bool
	MerchantUID     string
	PGTransactionID string
	PaidAmount      int64
	ErrorMessage    string
}

// VerifiedResult — ответ PG на серверный запрос по транзакции.
type VerifiedResult struct {
	PGTransactionID string
	Status          string
	Amount          int64
	MerchantUID     string
}

// PGStatusPaid — статус транзакции в PG, означающий успешную оплату.
const PGStatusPaid = "paid"

// RefundRequest — параметры возврата в PG.
type RefundRequest struct {
	// RefundID передаётся в PG как ключ идемпотентности отмены.
	RefundID        string
	PGTransactionID string
	MerchantUID     string
	Amount          int64
	Reason          string
	// Checksum — остаток к возврату по журналу до отмены; PG отклоняет отмену,
	// если его остаток другой.
	Checksum int64
}

// RefundReceipt — подтверждение возврата от PG.
type RefundReceipt struct {
	PGRefundID string
	Amount     int64
}

// Gateway описывает адаптер платёжного шлюза.
type Gateway interface {
	// Name возвращает код провайдера, который пишется в pgProvider.
	Name() string
	// Charge инициирует списание; результат не считается окончательным.
	Charge(ctx context.Context, req ChargeRequest) (ClientReport, error)
	// Verify запрашивает состояние транзакции у PG; это источник истины.
	Verify(ctx context.Context, pgTransactionID string) (VerifiedResult, error)
	// Refund отменяет транзакцию полностью или частично.
	Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error)
}

// ProvisionRequest — данные для создания ресурса по оплаченной заявке.
type ProvisionRequest struct {
	PaymentID     string
	TargetType    TargetType
	Quantity      int32
	TargetContext map[string]string
}

// Provisioner создаёт бронь/стенд/баннер; идемпотентен по PaymentID.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (string, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository хранит события платёжных заявок до публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	// PullPending возвращает не больше одного события на заявку: самое раннее
	// неотправленное, если время его следующей попытки наступило к now.
	// Поздние события заявки ждут, пока не уйдёт предыдущее.
	PullPending(now time.Time, limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	// MarkRetry фиксирует неудачную попытку и откладывает следующую до nextAttemptAt.
	MarkRetry(id, lastError string, nextAttemptAt time.Time) error
	// MarkDeadLettered снимает событие с очереди после переноса в DLQ.
	MarkDeadLettered(id, lastError string) error
}

// TimelineRepository хранит историю переходов платёжной заявки.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(paymentID string) ([]TimelineEvent, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepIssue     SagaStep = "issue"
	SagaStepCreate    SagaStep = "create"
	SagaStepCharge    SagaStep = "charge"
	SagaStepVerify    SagaStep = "verify"
	SagaStepComplete  SagaStep = "complete"
	SagaStepCancel    SagaStep = "cancel"
	SagaStepProvision SagaStep = "provision"
	SagaStepAttach    SagaStep = "attach"
	SagaStepRefund    SagaStep = "refund"
)

// OutboxMessage — событие платёжной заявки в transactional outbox.
type OutboxMessage struct {
	ID          string
	PaymentID   string
	MerchantUID string
	EventType   string
	Payload     []byte
	// Attempts — число неудачных попыток публикации.
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	DeadLetterCount int
	OldestPendingAt time.Time
}
