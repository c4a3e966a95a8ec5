package domain

import (
	"errors"
	"math"
	"strings"
	"time"
)

// PaymentStatus описывает состояние платёжной заявки в журнале.
type PaymentStatus string

const (
	// PaymentStatusPending — заявка создана, подтверждения от PG ещё нет.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted — оплата подтверждена сервером (в том числе после частичного возврата).
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusCancelled — оплата не состоялась, ресурс не создаётся.
	PaymentStatusCancelled PaymentStatus = "cancelled"
	// PaymentStatusRefunded — сумма возвращена покупателю полностью.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PGProviderFree — провайдер для бесплатных позиций, PG не вызывается.
const PGProviderFree = "free"

// IsTerminal сообщает, что из статуса нет переходов.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCancelled || s == PaymentStatusRefunded
}

// CanTransitionTo проверяет допустимость перехода между статусами.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusCompleted || next == PaymentStatusCancelled
	case PaymentStatusCompleted:
		// Частичный возврат оставляет COMPLETED.
		return next == PaymentStatusCompleted || next == PaymentStatusRefunded
	default:
		return false
	}
}

// TargetType — тип покупаемого ресурса.
type TargetType string

const (
	// TargetTypeReservation — бронь билета.
	TargetTypeReservation TargetType = "RESERVATION"
	// TargetTypeBoothApplication — заявка на стенд.
	TargetTypeBoothApplication TargetType = "BOOTH_APPLICATION"
	// TargetTypeBannerApplication — заявка на рекламный баннер.
	TargetTypeBannerApplication TargetType = "BANNER_APPLICATION"
)

// ParseTargetType приводит строку к TargetType без учёта регистра.
func ParseTargetType(raw string) (TargetType, error) {
	t := TargetType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", ErrTargetTypeInvalid
	}
	return t, nil
}

// Valid сообщает, поддерживается ли тип ресурса.
func (t TargetType) Valid() bool {
	switch t {
	case TargetTypeReservation, TargetTypeBoothApplication, TargetTypeBannerApplication:
		return true
	default:
		return false
	}
}

// Prefix возвращает префикс merchantUid для типа ресурса.
func (t TargetType) Prefix() string {
	switch t {
	case TargetTypeReservation:
		return "rsv"
	case TargetTypeBoothApplication:
		return "booth"
	case TargetTypeBannerApplication:
		return "banner"
	default:
		return "pay"
	}
}

// PaymentRequest — платёжная заявка, корень агрегата журнала.
type PaymentRequest struct {
	ID          string
	MerchantUID string
	// PGTransactionID появляется только после проверенного списания.
	PGTransactionID string
	// CandidatePGTransactionID — транзакция из непроверенного отчёта; reconciler
	// перепроверяет её в PG, пока заявка в PENDING.
	CandidatePGTransactionID string
	TargetType               TargetType
	// TargetID появляется после успешного провижининга.
	TargetID       string
	Quantity       int32
	UnitPrice      int64
	Amount         int64
	RefundedAmount int64
	Status         PaymentStatus
	PGProvider     string
	BuyerName      string
	BuyerEmail     string
	CancelReason   string
	// NeedsReconciliation помечает записи, которые разбирает reconciler.
	NeedsReconciliation bool
	ReconcileReason     string
	Version             int64
	RequestedAt         time.Time
	PaidAt              time.Time
	CancelledAt         time.Time
	RefundedAt          time.Time
	UpdatedAt           time.Time
}

// ValidateInvariants проверяет базовые инварианты заявки и возвращает список замечаний.
func (p *PaymentRequest) ValidateInvariants() []error {
	var errs []error

	if p.MerchantUID == "" {
		errs = append(errs, ErrMerchantUIDRequired)
	}
	if !p.TargetType.Valid() {
		errs = append(errs, ErrTargetTypeInvalid)
	}
	if p.Quantity <= 0 {
		errs = append(errs, ErrQuantityInvalid)
	}
	if p.UnitPrice < 0 {
		errs = append(errs, ErrUnitPriceInvalid)
	}
	if amount, err := PaymentAmount(p.Quantity, p.UnitPrice); err == nil && p.Amount != amount {
		errs = append(errs, ErrAmountMismatch)
	} else if errors.Is(err, ErrAmountOverflow) {
		errs = append(errs, err)
	}
	if p.RefundedAmount < 0 || p.RefundedAmount > p.Amount {
		errs = append(errs, ErrRefundExceedsBalance)
	}

	return errs
}

// PaymentAmount считает сумму заявки; произведение, не помещающееся в int64,
// возвращает ErrAmountOverflow.
func PaymentAmount(quantity int32, unitPrice int64) (int64, error) {
	switch {
	case quantity <= 0:
		return 0, ErrQuantityInvalid
	case unitPrice < 0:
		return 0, ErrUnitPriceInvalid
	case unitPrice > math.MaxInt64/int64(quantity):
		return 0, ErrAmountOverflow
	}
	return int64(quantity) * unitPrice, nil
}

// IsFree сообщает, что заявка идёт по бесплатному пути.
func (p PaymentRequest) IsFree() bool {
	return p.Amount == 0
}

// RefundableAmount возвращает остаток, доступный к возврату.
func (p PaymentRequest) RefundableAmount() int64 {
	return p.Amount - p.RefundedAmount
}

// Provisioned сообщает, что ресурс уже создан и привязан.
func (p PaymentRequest) Provisioned() bool {
	return p.TargetID != ""
}

// RefundRecord фиксирует подтверждённый PG возврат.
type RefundRecord struct {
	ID         string
	PaymentID  string
	Amount     int64
	Reason     string
	PGRefundID string
	CreatedAt  time.Time
}
