package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/paysaga/internal/domain"
)

func TestDecodeDeadLetter(t *testing.T) {
	raw := []byte(`{
		"id":"evt-1",
		"payment_id":"pay-1",
		"merchant_uid":"rsv_1",
		"event_type":"payment.completed",
		"payload":{
			"outbox_id":"evt-1",
			"event_type":"payment.completed",
			"payload":{"payment_id":"pay-1","status":"completed"},
			"publish_error":"kafka: broker not available"
		}
	}`)

	letter, err := DecodeDeadLetter(&sarama.ConsumerMessage{Value: raw})
	if err != nil {
		t.Fatalf("DecodeDeadLetter failed: %v", err)
	}
	if letter.PaymentID != "pay-1" || letter.MerchantUID != "rsv_1" {
		t.Fatalf("payment fields must fall back to the outer envelope, got %+v", letter)
	}
	if letter.PublishError == "" {
		t.Fatal("expected publish error to be decoded")
	}
	if letter.Key() != "pay-1" {
		t.Fatalf("unexpected key %q", letter.Key())
	}

	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	env := letter.Envelope(at)
	if env.ID != "evt-1" || env.EventType != string(EventTypePaymentCompleted) || !env.PublishedAt.Equal(at) {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	var event PaymentEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		t.Fatalf("original payload must be preserved: %v", err)
	}
	if event.PaymentID != "pay-1" {
		t.Fatalf("unexpected payment id %q", event.PaymentID)
	}
}

func TestNewDeadLetter_RoundTripsThroughDLQEnvelope(t *testing.T) {
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	original := domain.OutboxMessage{
		ID:          "evt-7",
		PaymentID:   "pay-7",
		MerchantUID: "bnr_7",
		EventType:   string(EventTypePaymentRefunded),
		Payload:     []byte(`{"payment_id":"pay-7","refunded_amount":500}`),
		Attempts:    4,
	}

	letter := NewDeadLetter(original, errors.New("kafka: broker not available"), at)
	if letter.Attempts != 5 || letter.PublishError == "" || !letter.DeadLetteredAt.Equal(at) {
		t.Fatalf("unexpected dead letter: %+v", letter)
	}

	msg, err := letter.OutboxMessage()
	if err != nil {
		t.Fatalf("OutboxMessage failed: %v", err)
	}
	if msg.ID != "evt-7" || msg.PaymentID != "pay-7" || msg.MerchantUID != "bnr_7" {
		t.Fatalf("dlq message must keep identity of the original event, got %+v", msg)
	}

	raw, err := json.Marshal(OutboxEnvelope{
		ID:          msg.ID,
		PaymentID:   msg.PaymentID,
		MerchantUID: msg.MerchantUID,
		EventType:   msg.EventType,
		Payload:     msg.Payload,
		PublishedAt: at,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	decoded, err := DecodeDeadLetter(&sarama.ConsumerMessage{Value: raw})
	if err != nil {
		t.Fatalf("DecodeDeadLetter failed: %v", err)
	}
	if decoded.Attempts != 5 || decoded.Key() != "pay-7" {
		t.Fatalf("unexpected decoded letter: %+v", decoded)
	}
	if string(decoded.Envelope(at).Payload) != string(original.Payload) {
		t.Fatalf("original payload changed: %s", decoded.Payload)
	}
}

func TestDecodeDeadLetter_Rejects(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		notDead bool
	}{
		{name: "not json", raw: `not-json`},
		{name: "no payload", raw: `{"id":"evt-1"}`, notDead: true},
		{name: "payload is not an object", raw: `{"id":"evt-1","payload":"text"}`},
		{name: "original payload missing", raw: `{"id":"evt-1","payload":{"outbox_id":"evt-1"}}`, notDead: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(tc.raw)})
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.notDead && !errors.Is(err, ErrNotDeadLetter) {
				t.Fatalf("expected ErrNotDeadLetter, got %v", err)
			}
		})
	}

	if _, err := DecodeDeadLetter(nil); err == nil {
		t.Fatal("expected error for nil message")
	}
}
