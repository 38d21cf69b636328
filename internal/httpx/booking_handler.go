package httpx

import (
	"context"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/go-chi/chi/v5"
	"net/http"
	"time"
)

type Bookings interface {
	Apply(ctx context.Context, reservationID string, from, to booking.Status) (booking.Reservation, error)
}

type BookingHandler struct {
	Bookings Bookings
}

type transitionReq struct {
	From booking.Status `json:"from"`
	To   booking.Status `json:"to"`
}

type reservationResp struct {
	ReservationID   string         `json:"reservation_id"`
	Status          booking.Status `json:"status"`
	CheckedInGuests int            `json:"checked_in_guests"`
}

func (h *BookingHandler) Register(r *chi.Mux) {
	r.Post("/reservations/{id}/transitions", h.transition)
}

func (h *BookingHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, badRequest("from and to are required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Bookings.Apply(ctx, chi.URLParam(r, "id"), req.From, req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResp{ReservationID: res.ID, Status: res.Status, CheckedInGuests: res.CheckedInGuests})
}
