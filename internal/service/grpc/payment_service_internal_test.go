package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/service/saga"
	"github.com/vladislavdragonenkov/paysaga/internal/storage/memory"
)

type stubSaga struct {
	refundCalls int
	refundErr   error
	getErr      error
}

func (s *stubSaga) RequestPayment(context.Context, saga.PaymentInput) (domain.PaymentRequest, error) {
	return domain.PaymentRequest{}, errors.New("not implemented")
}

func (s *stubSaga) CompletePayment(context.Context, string, domain.ClientReport) (domain.PaymentRequest, error) {
	return domain.PaymentRequest{}, errors.New("not implemented")
}

func (s *stubSaga) Charge(context.Context, string, saga.ChargeInput) (domain.PaymentRequest, error) {
	return domain.PaymentRequest{}, errors.New("not implemented")
}

func (s *stubSaga) Refund(_ context.Context, paymentID string, amount int64, _ string) (domain.RefundRecord, domain.PaymentRequest, error) {
	s.refundCalls++
	if s.refundErr != nil {
		return domain.RefundRecord{}, domain.PaymentRequest{}, s.refundErr
	}
	return domain.RefundRecord{ID: fmt.Sprintf("refund-%d", s.refundCalls), PaymentID: paymentID, Amount: amount},
		domain.PaymentRequest{ID: paymentID, Status: domain.PaymentStatusCompleted, RefundedAmount: amount}, nil
}

func (s *stubSaga) GetPayment(context.Context, string, string) (saga.PaymentView, error) {
	return saga.PaymentView{}, s.getErr
}

func mustStatusCode(t *testing.T, err error, expected codes.Code) {
	t.Helper()
	if status.Code(err) != expected {
		t.Fatalf("expected code %s, got %s (err=%v)", expected, status.Code(err), err)
	}
}

func incomingIdemCtx(key string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(IdempotencyKeyHeader, key))
}

func TestNewPaymentService_NilLogger(t *testing.T) {
	service := NewPaymentService(&stubSaga{}, nil, nil)
	if service.logger == nil {
		t.Fatal("logger must be initialized when nil logger is provided")
	}
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{domain.ErrQuantityInvalid, codes.InvalidArgument},
		{fmt.Errorf("wrapped: %w", domain.ErrAmountMismatch), codes.InvalidArgument},
		{domain.ErrAmountOverflow, codes.InvalidArgument},
		{domain.ErrPaymentNotFound, codes.NotFound},
		{fmt.Errorf("%w: rsv_1", domain.ErrOrderAlreadyExists), codes.AlreadyExists},
		{domain.ErrPaymentDeclined, codes.FailedPrecondition},
		{domain.ErrRefundExceedsBalance, codes.FailedPrecondition},
		{domain.ErrInvalidTransition, codes.FailedPrecondition},
		{domain.ErrGatewayVerificationFailed, codes.Aborted},
		{domain.ErrRefundRetryable, codes.Unavailable},
		{domain.ErrGatewayCircuitOpen, codes.Unavailable},
		{fmt.Errorf("issue merchant uid: %w", domain.ErrIssuerUnavailable), codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{domain.ErrTargetConflict, codes.Internal},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.PermissionDenied, "denied"), codes.PermissionDenied},
	}
	for _, tc := range cases {
		if got := statusCode(tc.err); got != tc.want {
			t.Fatalf("statusCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestStatusError_HidesInternalDetails(t *testing.T) {
	service := NewPaymentService(&stubSaga{}, nil, log.New().WithField("test", "internal"))

	err := service.statusError(MethodGetPayment, errors.New("pq: connection refused"))
	mustStatusCode(t, err, codes.Internal)
	if status.Convert(err).Message() != "internal error" {
		t.Fatalf("unexpected message: %q", status.Convert(err).Message())
	}

	err = service.statusError(MethodCompletePayment, domain.ErrTargetConflict)
	if status.Convert(err).Message() != domain.ErrTargetConflict.Error() {
		t.Fatalf("target conflict must be reported, got %q", status.Convert(err).Message())
	}
}

func TestPaymentService_NilRequests(t *testing.T) {
	service := NewPaymentService(&stubSaga{}, nil, nil)
	ctx := context.Background()

	_, err := service.RequestPayment(ctx, nil)
	mustStatusCode(t, err, codes.InvalidArgument)
	_, err = service.CompletePayment(ctx, nil)
	mustStatusCode(t, err, codes.InvalidArgument)
	_, err = service.ChargePayment(ctx, nil)
	mustStatusCode(t, err, codes.InvalidArgument)
	_, err = service.RefundPayment(ctx, nil)
	mustStatusCode(t, err, codes.InvalidArgument)
	_, err = service.GetPayment(ctx, nil)
	mustStatusCode(t, err, codes.InvalidArgument)
	_, err = service.ChargePayment(ctx, &ChargePaymentRequest{MerchantUID: "  "})
	mustStatusCode(t, err, codes.InvalidArgument)
}

func TestRefundPayment_WithoutIdempotencyRepository(t *testing.T) {
	stub := &stubSaga{}
	service := NewPaymentService(stub, nil, nil)

	resp, err := service.RefundPayment(context.Background(), &RefundPaymentRequest{PaymentID: "pay-1", Amount: 100})
	if err != nil {
		t.Fatalf("refund without idempotency repository failed: %v", err)
	}
	if resp.RefundedAmount != 100 || stub.refundCalls != 1 {
		t.Fatalf("unexpected response %+v after %d calls", resp, stub.refundCalls)
	}
}

func TestRefundPayment_ReleasesKeyOnUnavailable(t *testing.T) {
	stub := &stubSaga{refundErr: domain.ErrRefundRetryable}
	repo := memory.NewIdempotencyRepository()
	service := NewPaymentService(stub, repo, nil)
	req := &RefundPaymentRequest{PaymentID: "pay-1", Amount: 100}

	_, err := service.RefundPayment(incomingIdemCtx("key-1"), req)
	mustStatusCode(t, err, codes.Unavailable)
	if _, err := repo.Get("key-1"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("key must be released after retryable failure, got %v", err)
	}

	stub.refundErr = nil
	resp, err := service.RefundPayment(incomingIdemCtx("key-1"), req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if resp.RefundID != "refund-2" {
		t.Fatalf("retry must execute refund again, got %q", resp.RefundID)
	}

	record, err := repo.Get("key-1")
	if err != nil || record.Status != domain.IdempotencyStatusDone {
		t.Fatalf("expected done record, got %+v (err=%v)", record, err)
	}
}

func TestRefundPayment_CachesFinalFailure(t *testing.T) {
	stub := &stubSaga{refundErr: domain.ErrRefundExceedsBalance}
	repo := memory.NewIdempotencyRepository()
	service := NewPaymentService(stub, repo, nil)
	req := &RefundPaymentRequest{PaymentID: "pay-1", Amount: 100}

	_, err := service.RefundPayment(incomingIdemCtx("key-2"), req)
	mustStatusCode(t, err, codes.FailedPrecondition)

	stub.refundErr = nil
	_, err = service.RefundPayment(incomingIdemCtx("key-2"), req)
	mustStatusCode(t, err, codes.FailedPrecondition)
	if stub.refundCalls != 1 {
		t.Fatalf("cached failure must not call saga again, calls=%d", stub.refundCalls)
	}
}

func TestReplayIdempotency_Processing(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	service := NewPaymentService(&stubSaga{}, repo, nil)
	req := &RefundPaymentRequest{PaymentID: "pay-1", Amount: 100}

	hash, err := buildIdempotencyRequestHash(MethodRefundPayment, req)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := repo.CreateProcessing("key-3", MethodRefundPayment, "pay-1", hash, time.Time{}); err != nil {
		t.Fatalf("create processing: %v", err)
	}

	_, err = service.RefundPayment(incomingIdemCtx("key-3"), req)
	mustStatusCode(t, err, codes.Aborted)
}

func TestDecodeIdempotencyFailure(t *testing.T) {
	body, _ := json.Marshal(idempotencyErrorPayload{Code: int32(codes.NotFound), Message: "payment not found"})

	err := decodeIdempotencyFailure(domain.IdempotencyRecord{ResponseBody: body})
	mustStatusCode(t, err, codes.NotFound)
	if status.Convert(err).Message() != "payment not found" {
		t.Fatalf("unexpected message %q", status.Convert(err).Message())
	}

	err = decodeIdempotencyFailure(domain.IdempotencyRecord{ResponseBody: []byte("{"), ResponseCode: int(codes.FailedPrecondition)})
	mustStatusCode(t, err, codes.FailedPrecondition)

	err = decodeIdempotencyFailure(domain.IdempotencyRecord{ResponseCode: 99})
	mustStatusCode(t, err, codes.Internal)
}

func TestBuildIdempotencyRequestHash(t *testing.T) {
	a, err := buildIdempotencyRequestHash(MethodRefundPayment, &RefundPaymentRequest{PaymentID: "p", Amount: 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, _ := buildIdempotencyRequestHash(MethodRefundPayment, &RefundPaymentRequest{PaymentID: "p", Amount: 2})
	c, _ := buildIdempotencyRequestHash(MethodRefundPayment, &RefundPaymentRequest{PaymentID: "p", Amount: 1})
	if a == b || a != c {
		t.Fatalf("hash must depend on payload only: a=%s b=%s c=%s", a, b, c)
	}
	if _, err := buildIdempotencyRequestHash(MethodRefundPayment, nil); err == nil {
		t.Fatal("expected error for nil request")
	}
}
