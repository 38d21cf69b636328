package httpx

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/payments"
	"github.com/go-chi/chi/v5"
	"io"
	"net/http"
	"time"
)

type WebhookProcessor interface {
	Handle(ctx context.Context, raw []byte) (payments.Response, error)
}

// WebhookQueue is satisfied by *orders.Queue.
type WebhookQueue interface {
	Enqueue(ctx context.Context, topic, eventType, correlationID string, payload any) error
}

// WebhookHandler applies webhooks inline, or, with Queue set, validates and
// hands them to the payments worker over Kafka. 202 is only sent once the
// brokers acknowledged the write; otherwise the provider gets 503 and retries.
type WebhookHandler struct {
	Processor WebhookProcessor
	Queue     WebhookQueue
}

func (h *WebhookHandler) Register(r *chi.Mux) {
	r.Post("/webhooks/payments", h.payment)
}

func (h *WebhookHandler) payment(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, badRequest("unreadable body"))
		return
	}

	if h.Queue != nil {
		wh, err := payments.ParseWebhook(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.Queue.Enqueue(ctx, orders.TopicPaymentWebhooks, orders.EventPaymentWebhook, wh.Data.Object.OrderID(),
			orders.PaymentWebhookPayload{Body: raw, ReceivedAt: time.Now().UTC()}); err != nil {
			writeError(w, fmt.Errorf("queue webhook %s: %w", wh.ID, err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"webhook_id": wh.ID, "outcome": "queued"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	resp, err := h.Processor.Handle(ctx, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, resp)
}
