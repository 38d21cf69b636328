package orders

import (
	"context"
	"encoding/json"
	"errors"
	kafkax "github.com/ariefcatur/go-realtime-tickets/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"time"
)

const (
	EventOrderPlaced           = "OrderPlaced"
	EventOrderConfirmed        = "OrderConfirmed"
	EventPaymentFailed         = "PaymentFailed"
	EventTicketAdmitted        = "TicketAdmitted"
	EventOfflineScanReconciled = "OfflineScanReconciled"
	EventBookingStatusChanged  = "BookingStatusChanged"
	EventPaymentWebhook        = "PaymentWebhookReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderPlacedPayload struct {
	OrderID         string     `json:"order_id"`
	SagaID          string     `json:"saga_id"`
	PurchaserID     string     `json:"purchaser_id"`
	Items           []LineItem `json:"items"`
	TicketIDs       []string   `json:"ticket_ids"`
	ReservationID   string     `json:"reservation_id,omitempty"`
	TotalCents      int        `json:"total_cents"`
	PaymentIntentID string     `json:"payment_intent_id"`
}

type OrderConfirmedPayload struct {
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int    `json:"amount_cents"`
	ReservationID   string `json:"reservation_id,omitempty"`
}

type PaymentFailedPayload struct {
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Reason          string `json:"reason"`
}

type TicketAdmittedPayload struct {
	SubjectID  string    `json:"subject_id"`
	Kind       string    `json:"kind"` // ticket | guest_pass
	DeviceID   string    `json:"device_id"`
	AdmittedAt time.Time `json:"admitted_at"`
	Offline    bool      `json:"offline"`
}

type BookingStatusChangedPayload struct {
	ReservationID string `json:"reservation_id"`
	From          string `json:"from"`
	To            string `json:"to"`
}

// PaymentWebhookPayload carries a provider webhook body verbatim from the
// HTTP edge to the payments worker.
type PaymentWebhookPayload struct {
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Emitter wraps payloads in a v1 Envelope and hands them to the producer.
// A nil Emitter or nil Pub drops events, which keeps unit tests free of Kafka.
type Emitter struct {
	Pub      Publisher
	Producer string
}

func (e *Emitter) Emit(topic, eventType, correlationID string, payload any) {
	if e == nil || e.Pub == nil {
		return
	}
	ev := newEnvelope(e.Producer, eventType, correlationID, payload)
	e.Pub.Publish(topic, PartitionKey(correlationID), kafkax.MustMarshal(ev), kafkax.EventHeaders(eventType, 1)...)
}

func newEnvelope(producer, eventType, correlationID string, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       kafkax.MustMarshal(payload),
	}
}

// SyncPublisher is satisfied by *kafka.Producer.
type SyncPublisher interface {
	PublishSync(ctx context.Context, topic string, key, value []byte, headers ...kafkago.Header) error
}

var ErrNoQueue = errors.New("queue is not configured")

// Queue is the acknowledged counterpart of Emitter: Enqueue returns only
// after the broker accepted the envelope, so callers may promise delivery.
type Queue struct {
	Pub      SyncPublisher
	Producer string
}

func (q *Queue) Enqueue(ctx context.Context, topic, eventType, correlationID string, payload any) error {
	if q == nil || q.Pub == nil {
		return ErrNoQueue
	}
	ev := newEnvelope(q.Producer, eventType, correlationID, payload)
	return q.Pub.PublishSync(ctx, topic, PartitionKey(correlationID), kafkax.MustMarshal(ev), kafkax.EventHeaders(eventType, 1)...)
}
