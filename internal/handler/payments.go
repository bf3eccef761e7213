package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cqrrect/cqrrect/internal/payment"
	"github.com/cqrrect/cqrrect/internal/store"
)

func (h *Handler) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeItems(w, payment.Plans())
}

func (h *Handler) handleSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.ActiveSubscription(r.Context(), currentUser(r).ID)
	if err != nil {
		serverError(w, r, "failed to get subscription", err)
		return
	}
	// A nil subscription still encodes as "data": null.
	writeData(w, http.StatusOK, sub)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r)
	payments, total, err := h.store.ListPayments(r.Context(), currentUser(r).ID, p.store())
	if err != nil {
		serverError(w, r, "failed to list payments", err)
		return
	}
	writePage(w, payments, total, p)
}

type checkoutRequest struct {
	Plan string `json:"plan" validate:"required,oneof=monthly quarterly yearly"`
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ErrPaymentGateway")
		return
	}
	var req checkoutRequest
	if !bind(w, r, &req) {
		return
	}
	res, err := h.payments.Checkout(r.Context(), *currentUser(r), req.Plan)
	if err != nil {
		paymentError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

func (h *Handler) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ErrPaymentGateway")
		return
	}
	orderID := chi.URLParam(r, "orderID")
	p, err := h.store.GetPaymentByOrderID(r.Context(), orderID)
	if err != nil {
		storeError(w, r, "failed to get payment", err)
		return
	}
	user := currentUser(r)
	if p.UserID != user.ID && !isAdmin(user) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}

	res, err := h.payments.Verify(r.Context(), orderID)
	if err != nil {
		paymentError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// handleWebhook receives Midtrans payment notifications. Unknown orders are
// acknowledged so the gateway stops retrying them.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ErrPaymentGateway")
		return
	}
	var n payment.Notification
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&n); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidRequest")
		return
	}

	res, err := h.payments.HandleNotification(r.Context(), n)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Warn("webhook for unknown order", "order_id", n.OrderID)
		writeData(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		paymentError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"order_id":       res.Payment.OrderID,
		"payment_status": res.Payment.Status,
		"changed":        res.Changed,
	})
}

func paymentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		slog.Warn("rejected payment notification", "error", err)
		writeError(w, r, http.StatusUnauthorized, "ErrInvalidSignature")
	case errors.Is(err, payment.ErrUnknownPlan):
		writeError(w, r, http.StatusBadRequest, "ErrUnknownPlan")
	case errors.Is(err, payment.ErrAmountMismatch):
		slog.Warn("payment amount mismatch", "error", err)
		writeError(w, r, http.StatusBadRequest, "ErrAmountMismatch")
	case errors.Is(err, payment.ErrGateway):
		slog.Error("payment gateway failure", "error", err)
		writeError(w, r, http.StatusBadGateway, "ErrPaymentGateway")
	default:
		storeError(w, r, "payment failed", err)
	}
}
