package domain

import "time"

// TimelineEvent — запись истории заявки: что произошло и в каком состоянии
// журнала заявка оказалась после этого.
type TimelineEvent struct {
	PaymentID      string
	Type           string
	Status         PaymentStatus
	Amount         int64
	RefundedAmount int64
	Reason         string
	Occurred       time.Time
}

// NewTimelineEvent снимает состояние заявки для истории.
func NewTimelineEvent(payment PaymentRequest, eventType, reason string, occurred time.Time) TimelineEvent {
	return TimelineEvent{
		PaymentID:      payment.ID,
		Type:           eventType,
		Status:         payment.Status,
		Amount:         payment.Amount,
		RefundedAmount: payment.RefundedAmount,
		Reason:         reason,
		Occurred:       occurred,
	}
}
