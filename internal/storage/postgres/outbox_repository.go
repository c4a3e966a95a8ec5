package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
// Порядок событий одной заявки задаёт seq; события разных заявок не ждут друг друга.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

func (r *outboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if msg.PaymentID == "" {
		return domain.OutboxMessage{}, fmt.Errorf("%w: payment id is required", domain.ErrOutboxPublish)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.Attempts = 0
	msg.LastError = ""

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, payment_id, merchant_uid, event_type, payload,
			status, next_attempt_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'pending',$6,$6,$6)
	`,
		msg.ID, msg.PaymentID, msg.MerchantUID, msg.EventType, msg.Payload, now,
	)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}

	return msg, nil
}

// PullPending берёт голову очереди каждой заявки. Отложенная голова держит
// всю очередь своей заявки, поэтому фильтр по next_attempt_at применяется после DISTINCT ON.
func (r *outboxRepository) PullPending(now time.Time, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payment_id, merchant_uid, event_type, payload, attempt_count, last_error, created_at
		FROM (
			SELECT DISTINCT ON (payment_id)
				id, seq, payment_id, merchant_uid, event_type, payload,
				attempt_count, last_error, next_attempt_at, created_at
			FROM outbox_messages
			WHERE status = 'pending'
			ORDER BY payment_id, seq
		) heads
		WHERE next_attempt_at <= $1
		ORDER BY seq
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(
			&msg.ID,
			&msg.PaymentID,
			&msg.MerchantUID,
			&msg.EventType,
			&msg.Payload,
			&msg.Attempts,
			&msg.LastError,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	return result, nil
}

func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)

	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'dead_lettered'),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM outbox_messages
		WHERE status IN ('pending', 'dead_lettered')
	`).Scan(&stats.PendingCount, &stats.DeadLetterCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}

	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}

	return stats, nil
}

func (r *outboxRepository) MarkSent(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'sent',
		    last_error = '',
		    updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, time.Now().UTC())
	return outboxAffected(res, err, "sent")
}

func (r *outboxRepository) MarkRetry(id, lastError string, nextAttemptAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET attempt_count = attempt_count + 1,
		    last_error = $2,
		    next_attempt_at = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'pending'
	`, id, lastError, nextAttemptAt.UTC(), time.Now().UTC())
	return outboxAffected(res, err, "retry")
}

func (r *outboxRepository) MarkDeadLettered(id, lastError string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'dead_lettered',
		    attempt_count = attempt_count + 1,
		    last_error = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, lastError, time.Now().UTC())
	return outboxAffected(res, err, "dead_lettered")
}

// outboxAffected превращает UPDATE без затронутых строк в ErrOutboxPublish:
// сообщения нет или оно уже вышло из pending.
func outboxAffected(res sql.Result, err error, action string) error {
	if err != nil {
		return fmt.Errorf("mark outbox message %s: %w", action, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox %s: %w", action, err)
	}
	if affected == 0 {
		return domain.ErrOutboxPublish
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
