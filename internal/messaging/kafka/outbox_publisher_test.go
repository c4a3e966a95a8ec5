package kafka

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env OutboxEnvelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.PaymentID != "pay-123" || env.MerchantUID != "rsv_123" || env.EventType != string(EventTypePaymentCompleted) {
			return errors.New("unexpected envelope")
		}
		return nil
	})

	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-outbox-publisher-test"))
	publisher := NewOutboxPublisher(producer, "")
	if publisher.Topic() != TopicPaymentEvents {
		t.Fatalf("unexpected default topic %q", publisher.Topic())
	}

	err := publisher.Publish(domain.OutboxMessage{
		ID:          "outbox-1",
		PaymentID:   "pay-123",
		MerchantUID: "rsv_123",
		EventType:   string(EventTypePaymentCompleted),
		Payload:     []byte(`{"status":"completed"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewDLQPublisher(NewProducerFromSync(mockProducer, nil))
	if publisher.Topic() != TopicDeadLetterQueue {
		t.Fatalf("unexpected dlq topic %q", publisher.Topic())
	}

	err := publisher.Publish(domain.OutboxMessage{
		ID:        "outbox-2",
		PaymentID: "pay-234",
		EventType: string(EventTypePaymentCancelled),
		Payload:   []byte(`{"status":"cancelled"}`),
	})
	if !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicPaymentEvents)
	if err := publisher.Publish(domain.OutboxMessage{ID: "outbox-3"}); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish for nil producer, got %v", err)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"o-1","payment_id":"pay-1","merchant_uid":"rsv_1","event_type":"payment.refunded","payload":{"refunded_amount":100}}`)
	env, err := DecodeEnvelope(&sarama.ConsumerMessage{Value: raw})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.PaymentID != "pay-1" || env.MerchantUID != "rsv_1" || string(env.Payload) != `{"refunded_amount":100}` {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	if _, err := DecodeEnvelope(nil); err == nil {
		t.Fatal("expected error for nil message")
	}
	if _, err := DecodeEnvelope(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected error for malformed message")
	}
}
