package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

// OutboxEnvelope — формат сообщения в топике событий платёжных заявок.
type OutboxEnvelope struct {
	ID          string          `json:"id"`
	PaymentID   string          `json:"payment_id"`
	MerchantUID string          `json:"merchant_uid,omitempty"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
// Ключом сообщения служит paymentId, поэтому события одной заявки попадают в одну партицию.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт паблишер событий в topic (по умолчанию TopicPaymentEvents).
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicPaymentEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// NewDLQPublisher создаёт паблишер в TopicDeadLetterQueue.
func NewDLQPublisher(producer *Producer) *OutboxTopicPublisher {
	return NewOutboxPublisher(producer, TopicDeadLetterQueue)
}

// Topic возвращает целевой topic.
func (p *OutboxTopicPublisher) Topic() string {
	return p.topic
}

// Publish отправляет событие в Kafka.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: kafka publisher is not initialized", domain.ErrOutboxPublish)
	}

	key := firstNonEmpty(event.PaymentID, event.ID)

	envelope := OutboxEnvelope{
		ID:          event.ID,
		PaymentID:   event.PaymentID,
		MerchantUID: event.MerchantUID,
		EventType:   event.EventType,
		Payload:     json.RawMessage(event.Payload),
		PublishedAt: time.Now().UTC(),
	}
	if err := p.producer.PublishEvent(p.topic, key, envelope); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrOutboxPublish, p.topic, err)
	}
	return nil
}

// DecodeEnvelope разбирает сообщение из топика событий.
func DecodeEnvelope(msg *sarama.ConsumerMessage) (OutboxEnvelope, error) {
	var env OutboxEnvelope
	if msg == nil {
		return env, fmt.Errorf("nil kafka message")
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return env, fmt.Errorf("decode outbox envelope: %w", err)
	}
	return env, nil
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
