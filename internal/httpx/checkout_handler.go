package httpx

import (
	"context"
	"github.com/ariefcatur/go-realtime-tickets/internal/inventory"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/purchase"
	"github.com/ariefcatur/go-realtime-tickets/internal/saga"
	"github.com/go-chi/chi/v5"
	"net/http"
	"time"
)

type Checkout interface {
	Execute(ctx context.Context, req purchase.Request) (purchase.Receipt, error)
	Compensate(ctx context.Context, sagaID string) (saga.Execution, error)
}

type Availability interface {
	Availability(ctx context.Context, skuID string) (inventory.Result, error)
}

type OrderStatus interface {
	Get(ctx context.Context, orderID string) (orders.StatusView, error)
}

type CheckoutHandler struct {
	Checkout  Checkout
	Inventory Availability
	Orders    OrderStatus
}

type availabilityResp struct {
	TicketTypeID string `json:"ticket_type_id"`
	Available    *int   `json:"available"` // null = unlimited
	Unlimited    bool   `json:"unlimited"`
}

type sagaResp struct {
	SagaID         string   `json:"saga_id"`
	Status         string   `json:"status"`
	StepsRemaining []string `json:"steps_remaining"`
}

func (h *CheckoutHandler) Register(r *chi.Mux) {
	r.Post("/checkout", h.checkout)
	r.Post("/sagas/{id}/compensate", h.compensate)
	r.Get("/ticket-types/{id}/availability", h.availability)
	r.Get("/orders/{id}", h.getOrder)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req purchase.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 12*time.Second)
	defer cancel()

	rc, err := h.Checkout.Execute(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rc)
}

func (h *CheckoutHandler) compensate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	exec, err := h.Checkout.Compensate(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sagaResp{SagaID: exec.ID, Status: string(exec.Status), StepsRemaining: exec.StepsCompleted})
}

func (h *CheckoutHandler) availability(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	res, err := h.Inventory.Availability(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := availabilityResp{TicketTypeID: id, Unlimited: res.Unlimited}
	if !res.Unlimited {
		out.Available = &res.Remaining
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CheckoutHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	v, err := h.Orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
