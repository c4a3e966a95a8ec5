package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const paymentColumns = `
	id, merchant_uid, pg_transaction_id, candidate_pg_transaction_id, target_type, target_id,
	quantity, unit_price, amount, refunded_amount, status, pg_provider,
	buyer_name, buyer_email, cancel_reason, needs_reconciliation, reconcile_reason,
	version, requested_at, paid_at, cancelled_at, refunded_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type paymentLedger struct {
	db *sql.DB
}

// NewPaymentLedger создаёт PostgreSQL-реализацию PaymentLedger.
// Переходы статусов — условные UPDATE ... WHERE status = ..., поэтому
// конкурентные завершения одной заявки сериализует сама база.
func NewPaymentLedger(store *Store) domain.PaymentLedger {
	return &paymentLedger{db: store.DB()}
}

func (r *paymentLedger) Create(req domain.PaymentRequest) (domain.PaymentRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	req.Status = domain.PaymentStatusPending
	req.PGTransactionID = ""
	req.CandidatePGTransactionID = ""
	req.TargetID = ""
	req.RefundedAmount = 0
	req.Version = 0
	req.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_requests (
			id, merchant_uid, target_type, quantity, unit_price, amount,
			status, pg_provider, buyer_name, buyer_email, requested_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		req.ID, req.MerchantUID, string(req.TargetType), req.Quantity, req.UnitPrice, req.Amount,
		string(req.Status), req.PGProvider, req.BuyerName, req.BuyerEmail, req.RequestedAt, req.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.PaymentRequest{}, domain.ErrDuplicateKey
		}
		return domain.PaymentRequest{}, fmt.Errorf("insert payment request: %w", err)
	}

	return req, nil
}

func (r *paymentLedger) Get(paymentID string) (domain.PaymentRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.selectOne(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, paymentID)
}

func (r *paymentLedger) GetByMerchantUID(merchantUID string) (domain.PaymentRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.selectOne(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE merchant_uid = $1`, merchantUID)
}

func (r *paymentLedger) MarkCompleted(merchantUID, pgTransactionID, pgProvider string, verifiedAmount int64) (domain.PaymentRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := time.Now().UTC()
	p, err := scanPayment(r.db.QueryRowContext(ctx, `
		UPDATE payment_requests
		SET status = 'completed',
		    pg_transaction_id = $2,
		    candidate_pg_transaction_id = '',
		    pg_provider = $3,
		    paid_at = $4,
		    needs_reconciliation = FALSE,
		    reconcile_reason = '',
		    version = version + 1,
		    updated_at = $4
		WHERE merchant_uid = $1
		  AND status = 'pending'
		  AND amount = $5
		RETURNING `+paymentColumns,
		merchantUID, pgTransactionID, pgProvider, now, verifiedAmount,
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentRequest{}, fmt.Errorf("mark payment completed: %w", err)
	}

	current, err := r.GetByMerchantUID(merchantUID)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	if current.Status != domain.PaymentStatusPending {
		return current, domain.ErrAlreadyTerminal
	}
	return current, domain.ErrAmountMismatch
}

func (r *paymentLedger) MarkCancelled(merchantUID, reason string) (domain.PaymentRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := time.Now().UTC()
	p, err := scanPayment(r.db.QueryRowContext(ctx, `
		UPDATE payment_requests
		SET status = 'cancelled',
		    cancel_reason = $2,
		    cancelled_at = $3,
		    needs_reconciliation = FALSE,
		    reconcile_reason = '',
		    version = version + 1,
		    updated_at = $3
		WHERE merchant_uid = $1
		  AND status = 'pending'
		RETURNING `+paymentColumns,
		merchantUID, reason, now,
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentRequest{}, fmt.Errorf("mark payment cancelled: %w", err)
	}

	current, err := r.GetByMerchantUID(merchantUID)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	return current, domain.ErrAlreadyTerminal
}

func (r *paymentLedger) ApplyRefund(refund domain.RefundRecord) (domain.PaymentRequest, error) {
	if refund.Amount <= 0 {
		return domain.PaymentRequest{}, domain.ErrRefundAmountInvalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentRequest{}, fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var p domain.PaymentRequest
	p, err = scanPayment(tx.QueryRowContext(ctx, `
		UPDATE payment_requests
		SET refunded_amount = refunded_amount + $2,
		    status = CASE WHEN refunded_amount + $2 = amount THEN 'refunded' ELSE 'completed' END,
		    refunded_at = $3,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'completed'
		  AND refunded_amount + $2 <= amount
		RETURNING `+paymentColumns,
		refund.PaymentID, refund.Amount, now,
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentRequest{}, fmt.Errorf("apply refund: %w", err)
		}
		current, getErr := scanPayment(tx.QueryRowContext(ctx,
			`SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, refund.PaymentID))
		if getErr != nil {
			if errors.Is(getErr, sql.ErrNoRows) {
				return domain.PaymentRequest{}, domain.ErrPaymentNotFound
			}
			return domain.PaymentRequest{}, fmt.Errorf("select payment request: %w", getErr)
		}
		if current.Status != domain.PaymentStatusCompleted {
			return current, domain.ErrInvalidTransition
		}
		return current, domain.ErrRefundExceedsBalance
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO payment_refunds (id, payment_id, amount, reason, pg_refund_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, refund.ID, refund.PaymentID, refund.Amount, refund.Reason, refund.PGRefundID, refund.CreatedAt); err != nil {
		return domain.PaymentRequest{}, fmt.Errorf("insert refund record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.PaymentRequest{}, fmt.Errorf("commit refund: %w", err)
	}

	return p, nil
}

func (r *paymentLedger) ListRefunds(paymentID string) ([]domain.RefundRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payment_id, amount, reason, pg_refund_id, created_at
		FROM payment_refunds
		WHERE payment_id = $1
		ORDER BY created_at ASC, id ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	refunds := make([]domain.RefundRecord, 0)
	for rows.Next() {
		var rec domain.RefundRecord
		if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.Amount, &rec.Reason, &rec.PGRefundID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund row: %w", err)
		}
		refunds = append(refunds, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund rows: %w", err)
	}

	return refunds, nil
}

func (r *paymentLedger) AttachTarget(paymentID, targetID string) (domain.PaymentRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	p, err := scanPayment(r.db.QueryRowContext(ctx, `
		UPDATE payment_requests
		SET target_id = $2,
		    needs_reconciliation = FALSE,
		    reconcile_reason = '',
		    version = version + 1,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'completed'
		  AND target_id = ''
		RETURNING `+paymentColumns,
		paymentID, targetID, time.Now().UTC(),
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentRequest{}, fmt.Errorf("attach target: %w", err)
	}

	current, err := r.Get(paymentID)
	if err != nil {
		return domain.PaymentRequest{}, err
	}
	switch {
	case current.TargetID == targetID:
		return current, nil
	case current.TargetID != "":
		return current, domain.ErrTargetConflict
	default:
		return current, domain.ErrInvalidTransition
	}
}

func (r *paymentLedger) FlagReconciliation(merchantUID, pgTransactionID, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET needs_reconciliation = TRUE,
		    reconcile_reason = $2,
		    candidate_pg_transaction_id = CASE
		        WHEN status = 'pending' AND $3::text <> '' THEN $3::text
		        ELSE candidate_pg_transaction_id
		    END,
		    version = version + 1,
		    updated_at = $4
		WHERE merchant_uid = $1
	`, merchantUID, reason, pgTransactionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("flag reconciliation: %w", err)
	}
	return requireAffected(res)
}

func (r *paymentLedger) ClearReconciliation(paymentID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET needs_reconciliation = FALSE,
		    reconcile_reason = '',
		    version = version + 1,
		    updated_at = $2
		WHERE id = $1
	`, paymentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear reconciliation: %w", err)
	}
	return requireAffected(res)
}

func (r *paymentLedger) ListStalePending(before time.Time, limit int) ([]domain.PaymentRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	return r.selectMany(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_requests
		WHERE status = 'pending'
		  AND requested_at < $1
		ORDER BY requested_at ASC, id ASC
		LIMIT $2
	`, before, limit)
}

func (r *paymentLedger) ListUnprovisioned(limit int) ([]domain.PaymentRequest, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	return r.selectMany(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_requests
		WHERE status = 'completed'
		  AND target_id = ''
		ORDER BY requested_at ASC, id ASC
		LIMIT $1
	`, limit)
}

func (r *paymentLedger) selectOne(ctx context.Context, query string, args ...any) (domain.PaymentRequest, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentRequest{}, domain.ErrPaymentNotFound
		}
		return domain.PaymentRequest{}, fmt.Errorf("select payment request: %w", err)
	}
	return p, nil
}

func (r *paymentLedger) selectMany(ctx context.Context, query string, args ...any) ([]domain.PaymentRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payment requests: %w", err)
	}
	defer rows.Close()

	result := make([]domain.PaymentRequest, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}

	return result, nil
}

func scanPayment(row rowScanner) (domain.PaymentRequest, error) {
	var (
		p                               domain.PaymentRequest
		targetType, status              string
		paidAt, cancelledAt, refundedAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.MerchantUID, &p.PGTransactionID, &p.CandidatePGTransactionID, &targetType, &p.TargetID,
		&p.Quantity, &p.UnitPrice, &p.Amount, &p.RefundedAmount, &status, &p.PGProvider,
		&p.BuyerName, &p.BuyerEmail, &p.CancelReason, &p.NeedsReconciliation, &p.ReconcileReason,
		&p.Version, &p.RequestedAt, &paidAt, &cancelledAt, &refundedAt, &p.UpdatedAt,
	); err != nil {
		return domain.PaymentRequest{}, err
	}
	p.TargetType = domain.TargetType(targetType)
	p.Status = domain.PaymentStatus(status)
	if paidAt.Valid {
		p.PaidAt = paidAt.Time.UTC()
	}
	if cancelledAt.Valid {
		p.CancelledAt = cancelledAt.Time.UTC()
	}
	if refundedAt.Valid {
		p.RefundedAt = refundedAt.Time.UTC()
	}
	return p, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.PaymentLedger = (*paymentLedger)(nil)
