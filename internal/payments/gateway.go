package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrGatewayRejected = errors.New("payment gateway rejected request")

type IntentRequest struct {
	OrderID        string
	EventID        string
	AmountCents    int
	Currency       string
	IdempotencyKey string // one saga execution = one key
}

type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// CancelIntent voids an intent nobody will pay. Cancelling twice is not an error.
	CancelIntent(ctx context.Context, intentID string) error
}

// NewGateway picks the outbound implementation from configuration. An empty
// or "stub" URL gives a local gateway that approves every intent.
func NewGateway(baseURL, key string, timeout time.Duration) Gateway {
	switch strings.TrimSpace(baseURL) {
	case "", "stub":
		return stubGateway{}
	}
	return &HTTPGateway{
		URL: strings.TrimRight(baseURL, "/"),
		Key: key,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type stubGateway struct{}

func (stubGateway) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	id := "pi_stub_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	log.Printf("payments: stub intent order=%s amount=%d intent=%s", req.OrderID, req.AmountCents, id)
	return Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (stubGateway) CancelIntent(_ context.Context, intentID string) error {
	log.Printf("payments: stub cancel intent=%s", intentID)
	return nil
}

type HTTPGateway struct {
	URL    string
	Key    string
	Client *http.Client
}

func (g *HTTPGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	var in Intent
	err := g.post(ctx, "/v1/payment_intents", req.IdempotencyKey, map[string]any{
		"amount":   req.AmountCents,
		"currency": currency,
		"metadata": map[string]string{"order_id": req.OrderID, "event_id": req.EventID},
	}, &in)
	if err != nil {
		return Intent{}, err
	}
	if in.ID == "" {
		return Intent{}, fmt.Errorf("%w: empty intent id", ErrGatewayRejected)
	}
	return in, nil
}

func (g *HTTPGateway) CancelIntent(ctx context.Context, intentID string) error {
	return g.post(ctx, "/v1/payment_intents/"+url.PathEscape(intentID)+"/cancel", "cancel-"+intentID, map[string]any{}, nil)
}

func (g *HTTPGateway) post(ctx context.Context, path, idemKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idemKey)
	if g.Key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.Key)
	}

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
