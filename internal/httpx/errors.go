package httpx

import (
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/inventory"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/payments"
	"github.com/ariefcatur/go-realtime-tickets/internal/purchase"
	"github.com/ariefcatur/go-realtime-tickets/internal/saga"
	"github.com/ariefcatur/go-realtime-tickets/internal/scan"
	"log"
	"net/http"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Available *int   `json:"available,omitempty"`
}

// writeError maps engine errors to responses. Capacity and contention
// answers tell the user what to do next; invariant violations never name
// internal states; anything unrecognised is treated as infrastructure.
func writeError(w http.ResponseWriter, err error) {
	var insufficient *inventory.InsufficientError
	switch {
	case errors.As(err, &insufficient):
		avail := insufficient.Available
		writeJSON(w, http.StatusConflict, errorBody{
			Error:     inventory.ReasonInsufficient,
			Message:   fmt.Sprintf("only %d left, please choose fewer tickets", avail),
			Available: &avail,
		})
	case errors.Is(err, purchase.ErrTableUnavailable):
		writeJSON(w, http.StatusConflict, errorBody{Error: "TABLE_UNAVAILABLE", Message: "this table was just booked, please pick another"})
	case errors.Is(err, booking.ErrDuplicateReservation):
		writeJSON(w, http.StatusConflict, errorBody{Error: "DUPLICATE_RESERVATION", Message: "this table already has a booking"})
	case errors.Is(err, purchase.ErrTooManyGuests):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "TOO_MANY_GUESTS", Message: "too many guests for this table"})
	case errors.Is(err, payments.ErrInFlight), errors.Is(err, saga.ErrSagaInFlight):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusConflict, errorBody{Error: "IN_FLIGHT", Message: "already processing, retry later"})
	case errors.Is(err, booking.ErrEventStarted):
		writeJSON(w, http.StatusConflict, errorBody{Error: "EVENT_STARTED", Message: "the event has started and this booking can no longer be cancelled"})
	case errors.Is(err, scan.ErrNotAdmissible):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "NOT_ADMISSIBLE", Message: "this credential cannot be used for entry"})
	case errors.Is(err, credential.ErrInvalidCredential):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "INVALID_CREDENTIAL", Message: "credential could not be verified"})
	case errors.Is(err, purchase.ErrInvalidRequest),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, payments.ErrMalformedWebhook),
		errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: err.Error()})
	case errors.Is(err, inventory.ErrSKUNotFound),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, booking.ErrReservationNotFound),
		errors.Is(err, scan.ErrSubjectNotFound),
		errors.Is(err, saga.ErrSagaNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NOT_FOUND", Message: "not found"})
	case errors.Is(err, booking.ErrInvalidTransition),
		errors.Is(err, booking.ErrPreconditionFailed),
		errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, saga.ErrSagaCompleted),
		errors.Is(err, saga.ErrSagaClaimed),
		errors.Is(err, purchase.ErrOrderSettled):
		writeJSON(w, http.StatusConflict, errorBody{Error: "CONFLICT", Message: "this request conflicts with the current state, please refresh and try again"})
	default:
		log.Printf("httpx: unavailable: %v", err)
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "UNAVAILABLE", Message: "temporarily unavailable, please try again"})
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error { return fmt.Errorf("%w: %s", errBadRequest, msg) }
