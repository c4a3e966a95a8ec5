package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

func (r *timelineRepository) Append(event domain.TimelineEvent) error {
	if event.PaymentID == "" {
		return domain.ErrPaymentNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO timeline_events (payment_id, type, status, amount, refunded_amount, reason, occurred)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		event.PaymentID, event.Type, string(event.Status), event.Amount, event.RefundedAmount,
		event.Reason, event.Occurred,
	); err != nil {
		return fmt.Errorf("append timeline event for payment %s: %w", event.PaymentID, err)
	}

	return nil
}

func (r *timelineRepository) List(paymentID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT payment_id, type, status, amount, refunded_amount, reason, occurred
		FROM timeline_events
		WHERE payment_id = $1
		ORDER BY occurred ASC, id ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TimelineEvent, 0)
	for rows.Next() {
		var (
			event  domain.TimelineEvent
			status string
		)
		if err := rows.Scan(
			&event.PaymentID, &event.Type, &status, &event.Amount, &event.RefundedAmount,
			&event.Reason, &event.Occurred,
		); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		event.Status = domain.PaymentStatus(status)
		event.Occurred = event.Occurred.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline events: %w", err)
	}

	return events, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
