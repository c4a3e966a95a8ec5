package grpcsvc

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/service/saga"
)

// PaymentSaga — операции саги оплаты, которые обслуживает транспорт.
type PaymentSaga interface {
	RequestPayment(ctx context.Context, in saga.PaymentInput) (domain.PaymentRequest, error)
	CompletePayment(ctx context.Context, merchantUID string, report domain.ClientReport) (domain.PaymentRequest, error)
	Charge(ctx context.Context, merchantUID string, in saga.ChargeInput) (domain.PaymentRequest, error)
	Refund(ctx context.Context, paymentID string, amount int64, reason string) (domain.RefundRecord, domain.PaymentRequest, error)
	GetPayment(ctx context.Context, paymentID, merchantUID string) (saga.PaymentView, error)
}

var (
	_ PaymentSaga          = (*saga.Coordinator)(nil)
	_ PaymentServiceServer = (*PaymentService)(nil)
)

// PaymentService реализует gRPC API поверх координатора саги.
type PaymentService struct {
	saga     PaymentSaga
	idemRepo domain.IdempotencyRepository
	logger   *log.Entry
}

// NewPaymentService конструирует сервис. idemRepo может быть nil: тогда
// RefundPayment выполняется без ключа идемпотентности.
func NewPaymentService(paymentSaga PaymentSaga, idemRepo domain.IdempotencyRepository, logger *log.Entry) *PaymentService {
	if logger == nil {
		logger = log.New().WithField("component", "payment-service")
	}
	return &PaymentService{
		saga:     paymentSaga,
		idemRepo: idemRepo,
		logger:   logger,
	}
}

// RequestPayment создаёт платёжную заявку. Повтор с тем же merchantUid и теми же
// параметрами возвращает существующую заявку.
func (s *PaymentService) RequestPayment(ctx context.Context, req *RequestPaymentRequest) (*RequestPaymentResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	targetType, err := domain.ParseTargetType(req.TargetType)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	payment, err := s.saga.RequestPayment(ctx, saga.PaymentInput{
		TargetType:  targetType,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		MerchantUID: strings.TrimSpace(req.MerchantUID),
		BuyerName:   req.BuyerName,
		BuyerEmail:  req.BuyerEmail,
	})
	pending := errors.Is(err, domain.ErrProvisioningPending)
	if err != nil && !pending {
		return nil, s.statusError(MethodRequestPayment, err)
	}

	return &RequestPaymentResponse{
		PaymentID:           payment.ID,
		MerchantUID:         payment.MerchantUID,
		Status:              string(payment.Status),
		Amount:              payment.Amount,
		TargetID:            payment.TargetID,
		ProvisioningPending: pending,
	}, nil
}

// CompletePayment принимает отчёт клиента и доводит сагу до конца.
// Итоговая сумма и статус берутся из проверки в PG, а не из отчёта.
func (s *PaymentService) CompletePayment(ctx context.Context, req *CompletePaymentRequest) (*CompletePaymentResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	merchantUID := strings.TrimSpace(req.MerchantUID)
	if merchantUID == "" {
		return nil, status.Error(codes.InvalidArgument, domain.ErrMerchantUIDRequired.Error())
	}

	payment, err := s.saga.CompletePayment(ctx, merchantUID, domain.ClientReport{
		Success:         req.Success,
		MerchantUID:     merchantUID,
		PGTransactionID: strings.TrimSpace(req.PGTransactionID),
		PaidAmount:      req.Amount,
		ErrorMessage:    req.ErrorMessage,
	})
	return s.completionResponse(MethodCompletePayment, payment, err)
}

// ChargePayment выполняет серверное списание по merchantUid.
func (s *PaymentService) ChargePayment(ctx context.Context, req *ChargePaymentRequest) (*CompletePaymentResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	merchantUID := strings.TrimSpace(req.MerchantUID)
	if merchantUID == "" {
		return nil, status.Error(codes.InvalidArgument, domain.ErrMerchantUIDRequired.Error())
	}

	payment, err := s.saga.Charge(ctx, merchantUID, saga.ChargeInput{RedirectURL: req.RedirectURL})
	return s.completionResponse(MethodChargePayment, payment, err)
}

func (s *PaymentService) completionResponse(method string, payment domain.PaymentRequest, err error) (*CompletePaymentResponse, error) {
	if errors.Is(err, domain.ErrProvisioningPending) {
		return toCompletePaymentResponse(payment, true), nil
	}
	if err != nil {
		return nil, s.statusError(method, err)
	}
	return toCompletePaymentResponse(payment, false), nil
}

// RefundPayment возвращает часть или всю сумму оплаченной заявки.
// Ответ кэшируется по metadata idempotency-key.
func (s *PaymentService) RefundPayment(ctx context.Context, req *RefundPaymentRequest) (*RefundPaymentResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	return withIdempotency(s, ctx, MethodRefundPayment, strings.TrimSpace(req.PaymentID), req, func(ctx context.Context) (*RefundPaymentResponse, error) {
		return s.refund(ctx, req)
	})
}

func (s *PaymentService) refund(ctx context.Context, req *RefundPaymentRequest) (*RefundPaymentResponse, error) {
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		return nil, status.Error(codes.InvalidArgument, "payment_id is required")
	}

	refund, payment, err := s.saga.Refund(ctx, paymentID, req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		return nil, s.statusError(MethodRefundPayment, err)
	}
	return &RefundPaymentResponse{
		RefundID:       refund.ID,
		PGRefundID:     refund.PGRefundID,
		Status:         string(payment.Status),
		RefundedAmount: payment.RefundedAmount,
	}, nil
}

// GetPayment возвращает заявку, её историю и возвраты.
func (s *PaymentService) GetPayment(ctx context.Context, req *GetPaymentRequest) (*GetPaymentResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	merchantUID := strings.TrimSpace(req.MerchantUID)
	if paymentID == "" && merchantUID == "" {
		return nil, status.Error(codes.InvalidArgument, "payment_id or merchant_uid is required")
	}

	view, err := s.saga.GetPayment(ctx, paymentID, merchantUID)
	if err != nil {
		return nil, s.statusError(MethodGetPayment, err)
	}
	return toGetPaymentResponse(view), nil
}

// statusError переводит доменную ошибку в gRPC-статус.
func (s *PaymentService) statusError(method string, err error) error {
	code := statusCode(err)
	if code == codes.Internal {
		s.logger.WithError(err).WithField("method", method).Error("payment operation failed")
		if errors.Is(err, domain.ErrTargetConflict) {
			return status.Error(codes.Internal, domain.ErrTargetConflict.Error())
		}
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

func statusCode(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, domain.ErrMerchantUIDRequired),
		errors.Is(err, domain.ErrTargetTypeInvalid),
		errors.Is(err, domain.ErrQuantityInvalid),
		errors.Is(err, domain.ErrUnitPriceInvalid),
		errors.Is(err, domain.ErrAmountOverflow),
		errors.Is(err, domain.ErrRefundAmountInvalid),
		errors.Is(err, domain.ErrAmountMismatch):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrPaymentNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrOrderAlreadyExists), errors.Is(err, domain.ErrDuplicateKey):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrPaymentDeclined),
		errors.Is(err, domain.ErrRefundExceedsBalance),
		errors.Is(err, domain.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrGatewayVerificationFailed):
		return codes.Aborted
	case errors.Is(err, domain.ErrRefundRetryable),
		errors.Is(err, domain.ErrGatewayTemporary),
		errors.Is(err, domain.ErrGatewayCircuitOpen),
		errors.Is(err, domain.ErrProvisionTemporary),
		errors.Is(err, domain.ErrIssuerUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
