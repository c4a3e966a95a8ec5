package kafka

import (
	"time"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

// EventType определяет тип события платёжной заявки.
type EventType string

const (
	EventTypePaymentRequested              EventType = "payment.requested"
	EventTypePaymentCompleted              EventType = "payment.completed"
	EventTypePaymentCancelled              EventType = "payment.cancelled"
	EventTypePaymentRefunded               EventType = "payment.refunded"
	EventTypePaymentProvisioned            EventType = "payment.provisioned"
	EventTypePaymentReconciliationRequired EventType = "payment.reconciliation_required"
)

// Topics для Kafka
const (
	TopicPaymentEvents   = "payments.events"
	TopicDeadLetterQueue = "payments.dlq"
)

// PaymentEvent — полезная нагрузка события платёжной заявки.
type PaymentEvent struct {
	EventType      EventType `json:"event_type"`
	PaymentID      string    `json:"payment_id"`
	MerchantUID    string    `json:"merchant_uid"`
	TargetType     string    `json:"target_type"`
	TargetID       string    `json:"target_id,omitempty"`
	Status         string    `json:"status"`
	Amount         int64     `json:"amount"`
	RefundedAmount int64     `json:"refunded_amount"`
	PGProvider     string    `json:"pg_provider,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewPaymentEvent собирает событие из текущего состояния заявки.
func NewPaymentEvent(eventType EventType, p domain.PaymentRequest, reason string) *PaymentEvent {
	return &PaymentEvent{
		EventType:      eventType,
		PaymentID:      p.ID,
		MerchantUID:    p.MerchantUID,
		TargetType:     string(p.TargetType),
		TargetID:       p.TargetID,
		Status:         string(p.Status),
		Amount:         p.Amount,
		RefundedAmount: p.RefundedAmount,
		PGProvider:     p.PGProvider,
		Reason:         reason,
		Timestamp:      time.Now().UTC(),
	}
}
