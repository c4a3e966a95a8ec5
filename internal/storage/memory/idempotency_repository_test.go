package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
	"github.com/vladislavdragonenkov/paysaga/internal/storage/memory"
)

const refundOperation = "/payments.v1.PaymentService/RefundPayment"

func TestIdempotencyRepository_CreateAndReplay(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	created, err := repo.CreateProcessing("refund-1", refundOperation, "pay-1", "hash-a", ttl)
	if err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if created.Status != domain.IdempotencyStatusProcessing {
		t.Fatalf("expected processing, got %s", created.Status)
	}

	if err := repo.MarkDone("refund-1", []byte(`{"refund_id":"r1"}`), 0); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	existing, err := repo.CreateProcessing("refund-1", refundOperation, "pay-1", "hash-a", ttl)
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("expected ErrIdempotencyKeyAlreadyExists, got %v", err)
	}
	if existing.Status != domain.IdempotencyStatusDone || string(existing.ResponseBody) != `{"refund_id":"r1"}` {
		t.Fatalf("unexpected stored record: %+v", existing)
	}

	if _, err := repo.CreateProcessing("refund-1", refundOperation, "pay-1", "hash-b", ttl); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected ErrIdempotencyHashMismatch, got %v", err)
	}
}

func TestIdempotencyRepository_ReleaseOnlyProcessing(t *testing.T) {
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.CreateProcessing("refund-2", refundOperation, "pay-1", "hash", time.Time{}); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if err := repo.Release("refund-2"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := repo.Get("refund-2"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("released key must be gone, got %v", err)
	}

	if _, err := repo.CreateProcessing("refund-3", refundOperation, "pay-1", "hash", time.Time{}); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if err := repo.MarkFailed("refund-3", nil, 9); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := repo.Release("refund-3"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	got, err := repo.Get("refund-3")
	if err != nil {
		t.Fatalf("finished key must survive Release: %v", err)
	}
	if got.ResponseCode != 9 {
		t.Fatalf("unexpected response code %d", got.ResponseCode)
	}
}

func TestIdempotencyRepository_DeleteExpired(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for _, key := range []string{"expired-1", "expired-2"} {
		if _, err := repo.CreateProcessing(key, refundOperation, "pay-1", "hash", now.Add(-time.Minute)); err != nil {
			t.Fatalf("CreateProcessing failed: %v", err)
		}
	}
	if _, err := repo.CreateProcessing("active", refundOperation, "pay-1", "hash", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}

	deleted, err := repo.DeleteExpired(now, 1)
	if err != nil || deleted != 1 {
		t.Fatalf("expected 1 deleted with limit, got %d (%v)", deleted, err)
	}
	deleted, err = repo.DeleteExpired(now, 0)
	if err != nil || deleted != 1 {
		t.Fatalf("expected remaining expired key deleted, got %d (%v)", deleted, err)
	}
	if _, err := repo.Get("active"); err != nil {
		t.Fatalf("active key must survive: %v", err)
	}
}

func TestIdempotencyRepository_Validation(t *testing.T) {
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.CreateProcessing(" ", refundOperation, "pay-1", "hash", time.Time{}); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected ErrIdempotencyKeyRequired, got %v", err)
	}
	if _, err := repo.CreateProcessing("k", refundOperation, "pay-1", "", time.Time{}); !errors.Is(err, domain.ErrIdempotencyRequestHashRequired) {
		t.Fatalf("expected ErrIdempotencyRequestHashRequired, got %v", err)
	}
	if err := repo.MarkDone("missing", nil, 0); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}
}

func TestIdempotencyRepository_ListAbandoned(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	if _, err := repo.CreateProcessing("stuck-old", refundOperation, "pay-1", "hash", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if _, err := repo.CreateProcessing("stuck-new", refundOperation, "pay-2", "hash", now.Add(-time.Minute)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if _, err := repo.CreateProcessing("finished", refundOperation, "pay-3", "hash", now.Add(-time.Hour)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if err := repo.MarkDone("finished", []byte(`{}`), 0); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	if _, err := repo.CreateProcessing("in-flight", refundOperation, "pay-4", "hash", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}

	abandoned, err := repo.ListAbandoned(now, 10)
	if err != nil {
		t.Fatalf("ListAbandoned failed: %v", err)
	}
	if len(abandoned) != 2 || abandoned[0].Key != "stuck-old" || abandoned[1].Key != "stuck-new" {
		t.Fatalf("unexpected abandoned keys: %+v", abandoned)
	}
	if abandoned[0].PaymentID != "pay-1" {
		t.Fatalf("payment id must be kept, got %q", abandoned[0].PaymentID)
	}

	limited, err := repo.ListAbandoned(now, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d (%v)", len(limited), err)
	}
}
