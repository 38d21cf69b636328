package payments

import (
	"context"
	"encoding/json"
	"errors"
	kafkax "github.com/ariefcatur/go-realtime-tickets/internal/kafka"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"log"
)

// HandleMessage adapts Handle to the Kafka consumer. Malformed messages are
// logged and committed; anything else that fails is returned so the consumer
// retries it.
func (p *Processor) HandleMessage(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		log.Printf("payments: drop undecodable message offset=%d: %v", m.Offset, err)
		return nil
	}
	if env.EventType != orders.EventPaymentWebhook {
		return nil
	}
	in, err := kafkax.UnwrapPayload[orders.PaymentWebhookPayload](env.Payload)
	if err != nil {
		log.Printf("payments: drop message event=%s: %v", env.EventID, err)
		return nil
	}

	resp, err := p.Handle(ctx, in.Body)
	switch {
	case errors.Is(err, ErrMalformedWebhook):
		log.Printf("payments: drop malformed webhook event=%s: %v", env.EventID, err)
		return nil
	case err != nil:
		return err
	}
	log.Printf("payments: webhook=%s type=%s order=%s outcome=%s replayed=%t", resp.WebhookID, resp.Type, resp.OrderID, resp.Outcome, resp.Replayed)
	return nil
}
