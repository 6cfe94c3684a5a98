package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/shop-payments/internal/checkout"
	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/queue"
	"github.com/ariefcatur/shop-payments/internal/reconcile"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type Checkout interface {
	Submit(ctx context.Context, req checkout.Request) (*checkout.Submission, error)
	Job(ctx context.Context, jobID string) (*queue.Job, error)
	JobForOrder(ctx context.Context, orderID string) (*queue.Job, error)
}

type Reconciler interface {
	Poll(ctx context.Context, orderID string) (*reconcile.Outcome, error)
	HandleCallback(ctx context.Context, gw payment.Gateway, header http.Header, body []byte) (*reconcile.Outcome, error)
}

// PaymentsHandler serves checkout submission, job status, payment status and gateway webhooks.
type PaymentsHandler struct {
	Checkout   Checkout
	Payments   payment.PaymentStore
	Reconciler Reconciler
	Log        *slog.Logger
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/checkout/{gateway}", h.submit)
	r.Get("/checkout/jobs/{jobID}", h.jobStatus)
	r.Get("/checkout/orders/{orderID}/job", h.orderJob)
	r.Get("/payments/{orderID}/status", h.paymentStatus)
	r.Post("/webhooks/{gateway}", h.webhook)
}

type submitResp struct {
	JobID   string `json:"job_id"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (h *PaymentsHandler) submit(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+HeaderUserID)
		return
	}
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json")
		return
	}
	req.Gateway = payment.Gateway(chi.URLParam(r, "gateway"))
	req.UserID = userID
	req.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sub, err := h.Checkout.Submit(ctx, req)
	if err != nil {
		h.logErr(r, "checkout rejected", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: sub.JobID, OrderID: sub.OrderID, Status: "processing"})
}

type jobResp struct {
	JobID        string          `json:"job_id"`
	Status       queue.State     `json:"status"`
	Progress     int             `json:"progress"`
	AttemptsMade int             `json:"attempts_made"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func toJobResp(j *queue.Job) jobResp {
	return jobResp{
		JobID:        j.ID,
		Status:       j.State,
		Progress:     j.Progress,
		AttemptsMade: j.AttemptsMade,
		Result:       j.Result,
		Error:        j.FailureReason,
	}
}

func (h *PaymentsHandler) jobStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	j, err := h.Checkout.Job(ctx, chi.URLParam(r, "jobID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

func (h *PaymentsHandler) orderJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	j, err := h.Checkout.JobForOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

type paymentStatusResp struct {
	OrderID       string          `json:"order_id"`
	Status        payment.Status  `json:"status"`
	Gateway       payment.Gateway `json:"gateway"`
	TotalCents    int64           `json:"total_cents"`
	TransactionID string          `json:"transaction_id,omitempty"`
	RedirectURL   string          `json:"redirect_url,omitempty"`
	Updated       bool            `json:"updated"`
}

func (h *PaymentsHandler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+HeaderUserID)
		return
	}
	orderID := chi.URLParam(r, "orderID")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	p, err := h.Payments.GetPayment(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if p.UserID != userID {
		writeError(w, http.StatusForbidden, "forbidden", "payment belongs to another user")
		return
	}
	out, err := h.Reconciler.Poll(ctx, orderID)
	if err != nil {
		h.logErr(r, "status poll failed", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentStatusResp{
		OrderID:       p.OrderID,
		Status:        out.Status,
		Gateway:       p.Gateway,
		TotalCents:    p.TotalCents,
		TransactionID: p.TransactionID,
		RedirectURL:   p.RedirectURL,
		Updated:       out.Applied,
	})
}

const maxWebhookBody = 1 << 20

func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	gw := payment.Gateway(chi.URLParam(r, "gateway"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "unreadable body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out, err := h.Reconciler.HandleCallback(ctx, gw, r.Header, body)
	if err != nil {
		h.logErr(r, "webhook not processed", err, "gateway", gw)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true, "order_id": out.OrderID, "status": out.Status,
	})
}

func (h *PaymentsHandler) logErr(r *http.Request, msg string, err error, args ...any) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	log.WarnContext(r.Context(), msg, append(args, "path", r.URL.Path, "error", err)...)
}
