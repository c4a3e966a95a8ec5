package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

// DeadLetter — payload сообщения в TopicDeadLetterQueue: исходное событие outbox
// и причина, по которой его не удалось опубликовать.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	PaymentID      string          `json:"payment_id"`
	MerchantUID    string          `json:"merchant_uid,omitempty"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	PublishError   string          `json:"publish_error,omitempty"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// NewDeadLetter оборачивает событие outbox, исчерпавшее попытки публикации.
func NewDeadLetter(msg domain.OutboxMessage, publishErr error, at time.Time) DeadLetter {
	letter := DeadLetter{
		OutboxID:       msg.ID,
		PaymentID:      msg.PaymentID,
		MerchantUID:    msg.MerchantUID,
		EventType:      msg.EventType,
		Payload:        json.RawMessage(msg.Payload),
		Attempts:       msg.Attempts + 1,
		DeadLetteredAt: at.UTC(),
	}
	if publishErr != nil {
		letter.PublishError = publishErr.Error()
	}
	if len(letter.Payload) == 0 {
		letter.Payload = json.RawMessage("null")
	}
	return letter
}

// OutboxMessage упаковывает запись для публикации в DLQ: payload — сам DeadLetter,
// ключ и идентификаторы — исходного события.
func (d DeadLetter) OutboxMessage() (domain.OutboxMessage, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("encode dead letter: %w", err)
	}
	return domain.OutboxMessage{
		ID:          d.OutboxID,
		PaymentID:   d.PaymentID,
		MerchantUID: d.MerchantUID,
		EventType:   d.EventType,
		Payload:     data,
		Attempts:    d.Attempts,
		LastError:   d.PublishError,
	}, nil
}

// ErrNotDeadLetter — сообщение в DLQ не похоже на запись outbox worker'а.
var ErrNotDeadLetter = errors.New("message is not an outbox dead letter")

// DecodeDeadLetter достаёт DeadLetter из конверта DLQ. Поля, которых нет во
// вложенном payload, берутся из внешнего конверта.
func DecodeDeadLetter(msg *sarama.ConsumerMessage) (DeadLetter, error) {
	env, err := DecodeEnvelope(msg)
	if err != nil {
		return DeadLetter{}, err
	}
	if len(env.Payload) == 0 {
		return DeadLetter{}, ErrNotDeadLetter
	}

	var letter DeadLetter
	if err := json.Unmarshal(env.Payload, &letter); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter payload: %w", err)
	}
	if len(letter.Payload) == 0 || string(letter.Payload) == "null" {
		return DeadLetter{}, fmt.Errorf("%w: original event payload is missing", ErrNotDeadLetter)
	}

	letter.OutboxID = firstNonEmpty(letter.OutboxID, env.ID)
	letter.PaymentID = firstNonEmpty(letter.PaymentID, env.PaymentID)
	letter.MerchantUID = firstNonEmpty(letter.MerchantUID, env.MerchantUID)
	letter.EventType = firstNonEmpty(letter.EventType, env.EventType)
	return letter, nil
}

// Envelope восстанавливает конверт исходного события для повторной публикации.
func (d DeadLetter) Envelope(publishedAt time.Time) OutboxEnvelope {
	return OutboxEnvelope{
		ID:          d.OutboxID,
		PaymentID:   d.PaymentID,
		MerchantUID: d.MerchantUID,
		EventType:   d.EventType,
		Payload:     d.Payload,
		PublishedAt: publishedAt.UTC(),
	}
}

// Key — ключ партиционирования: paymentId, иначе id события.
func (d DeadLetter) Key() string {
	return firstNonEmpty(d.PaymentID, d.OutboxID)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
