package grpcsvc

import (
	"time"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/service/saga"
)

// RequestPaymentRequest — создание платёжной заявки.
// MerchantUID необязателен: без него сервер выпускает идентификатор сам.
type RequestPaymentRequest struct {
	TargetType  string `json:"target_type"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	MerchantUID string `json:"merchant_uid,omitempty"`
	BuyerName   string `json:"buyer_name,omitempty"`
	BuyerEmail  string `json:"buyer_email,omitempty"`
}

type RequestPaymentResponse struct {
	PaymentID           string `json:"payment_id"`
	MerchantUID         string `json:"merchant_uid"`
	Status              string `json:"status"`
	Amount              int64  `json:"amount"`
	TargetID            string `json:"target_id,omitempty"`
	ProvisioningPending bool   `json:"provisioning_pending,omitempty"`
}

// CompletePaymentRequest — отчёт клиента о списании.
type CompletePaymentRequest struct {
	MerchantUID     string `json:"merchant_uid"`
	PGTransactionID string `json:"pg_transaction_id"`
	Amount          int64  `json:"amount"`
	Success         bool   `json:"success"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// CompletePaymentResponse возвращается и для CompletePayment, и для ChargePayment.
// ProvisioningPending означает, что оплата принята, а ресурс создаст reconciler.
type CompletePaymentResponse struct {
	PaymentID           string `json:"payment_id"`
	MerchantUID         string `json:"merchant_uid"`
	TargetID            string `json:"target_id,omitempty"`
	Status              string `json:"status"`
	Amount              int64  `json:"amount"`
	ProvisioningPending bool   `json:"provisioning_pending,omitempty"`
}

// ChargePaymentRequest — серверное списание по billing key.
type ChargePaymentRequest struct {
	MerchantUID string `json:"merchant_uid"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

type RefundPaymentRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

type RefundPaymentResponse struct {
	RefundID       string `json:"refund_id"`
	PGRefundID     string `json:"pg_refund_id,omitempty"`
	Status         string `json:"status"`
	RefundedAmount int64  `json:"refunded_amount"`
}

// GetPaymentRequest ищет заявку по PaymentID, а если он пуст, по MerchantUID.
type GetPaymentRequest struct {
	PaymentID   string `json:"payment_id,omitempty"`
	MerchantUID string `json:"merchant_uid,omitempty"`
}

type GetPaymentResponse struct {
	Payment *Payment        `json:"payment"`
	History []*HistoryEvent `json:"history"`
	Refunds []*Refund       `json:"refunds"`
}

// Payment — представление заявки в API. Время в RFC 3339 (UTC).
type Payment struct {
	PaymentID           string `json:"payment_id"`
	MerchantUID         string `json:"merchant_uid"`
	PGTransactionID     string `json:"pg_transaction_id,omitempty"`
	TargetType          string `json:"target_type"`
	TargetID            string `json:"target_id,omitempty"`
	Quantity            int32  `json:"quantity"`
	UnitPrice           int64  `json:"unit_price"`
	Amount              int64  `json:"amount"`
	RefundedAmount      int64  `json:"refunded_amount"`
	Status              string `json:"status"`
	PGProvider          string `json:"pg_provider,omitempty"`
	BuyerName           string `json:"buyer_name,omitempty"`
	BuyerEmail          string `json:"buyer_email,omitempty"`
	CancelReason        string `json:"cancel_reason,omitempty"`
	NeedsReconciliation bool   `json:"needs_reconciliation,omitempty"`
	ReconcileReason     string `json:"reconcile_reason,omitempty"`
	RequestedAt         string `json:"requested_at"`
	PaidAt              string `json:"paid_at,omitempty"`
	CancelledAt         string `json:"cancelled_at,omitempty"`
	RefundedAt          string `json:"refunded_at,omitempty"`
}

type HistoryEvent struct {
	Type       string `json:"type"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

type Refund struct {
	RefundID   string `json:"refund_id"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason,omitempty"`
	PGRefundID string `json:"pg_refund_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toAPIPayment(p domain.PaymentRequest) *Payment {
	return &Payment{
		PaymentID:           p.ID,
		MerchantUID:         p.MerchantUID,
		PGTransactionID:     p.PGTransactionID,
		TargetType:          string(p.TargetType),
		TargetID:            p.TargetID,
		Quantity:            p.Quantity,
		UnitPrice:           p.UnitPrice,
		Amount:              p.Amount,
		RefundedAmount:      p.RefundedAmount,
		Status:              string(p.Status),
		PGProvider:          p.PGProvider,
		BuyerName:           p.BuyerName,
		BuyerEmail:          p.BuyerEmail,
		CancelReason:        p.CancelReason,
		NeedsReconciliation: p.NeedsReconciliation,
		ReconcileReason:     p.ReconcileReason,
		RequestedAt:         formatTime(p.RequestedAt),
		PaidAt:              formatTime(p.PaidAt),
		CancelledAt:         formatTime(p.CancelledAt),
		RefundedAt:          formatTime(p.RefundedAt),
	}
}

func toGetPaymentResponse(view saga.PaymentView) *GetPaymentResponse {
	resp := &GetPaymentResponse{
		Payment: toAPIPayment(view.Payment),
		History: make([]*HistoryEvent, 0, len(view.History)),
		Refunds: make([]*Refund, 0, len(view.Refunds)),
	}
	for _, event := range view.History {
		resp.History = append(resp.History, &HistoryEvent{
			Type:       event.Type,
			Reason:     event.Reason,
			OccurredAt: formatTime(event.Occurred),
		})
	}
	for _, refund := range view.Refunds {
		resp.Refunds = append(resp.Refunds, &Refund{
			RefundID:   refund.ID,
			Amount:     refund.Amount,
			Reason:     refund.Reason,
			PGRefundID: refund.PGRefundID,
			CreatedAt:  formatTime(refund.CreatedAt),
		})
	}
	return resp
}

func toCompletePaymentResponse(p domain.PaymentRequest, provisioningPending bool) *CompletePaymentResponse {
	return &CompletePaymentResponse{
		PaymentID:           p.ID,
		MerchantUID:         p.MerchantUID,
		TargetID:            p.TargetID,
		Status:              string(p.Status),
		Amount:              p.Amount,
		ProvisioningPending: provisioningPending,
	}
}
