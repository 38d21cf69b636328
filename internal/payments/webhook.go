package payments

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

var ErrMalformedWebhook = errors.New("malformed payment webhook")

// Webhook is the provider's event envelope. Only the fields the processor
// reads are declared.
type Webhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object IntentObject `json:"object"`
	} `json:"data"`
}

type IntentObject struct {
	ID               string            `json:"id"`
	Amount           int               `json:"amount"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error,omitempty"`
}

func (o IntentObject) OrderID() string { return o.Metadata["order_id"] }
func (o IntentObject) EventID() string { return o.Metadata["event_id"] }

func (o IntentObject) FailureReason() string {
	if o.LastPaymentError == nil || o.LastPaymentError.Message == "" {
		return "unknown"
	}
	return o.LastPaymentError.Message
}

func ParseWebhook(raw []byte) (Webhook, error) {
	var w Webhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return Webhook{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if w.ID == "" || w.Type == "" {
		return Webhook{}, fmt.Errorf("%w: id and type are required", ErrMalformedWebhook)
	}
	return w, nil
}
