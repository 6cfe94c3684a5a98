package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ariefcatur/shop-payments/internal/checkout"
	"github.com/ariefcatur/shop-payments/internal/gateway"
	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/queue"
	"github.com/ariefcatur/shop-payments/internal/reconcile"
)

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: kind, Message: msg})
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var ise *ledger.InsufficientStockError
	switch {
	case errors.As(err, &ise):
		writeJSON(w, http.StatusConflict, errorBody{Error: "insufficient_stock", Message: err.Error(), Details: ise.Shortages})
	case errors.Is(err, checkout.ErrValidation), errors.Is(err, gateway.ErrMalformed):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, reconcile.ErrGatewayMismatch):
		writeError(w, http.StatusBadRequest, "gateway_mismatch", err.Error())
	case errors.Is(err, reconcile.ErrAmountMismatch):
		writeError(w, http.StatusBadRequest, "amount_mismatch", err.Error())
	case errors.Is(err, checkout.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate_request", err.Error())
	case errors.Is(err, gateway.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
	case errors.Is(err, payment.ErrProductNotFound), errors.Is(err, payment.ErrPaymentNotFound),
		errors.Is(err, queue.ErrJobNotFound), errors.Is(err, gateway.ErrUnknownGateway):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, queue.ErrQueueUnavailable):
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "payment queue is unavailable, try again later")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
