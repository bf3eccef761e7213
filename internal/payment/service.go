// Package payment sells subscription plans through Midtrans and keeps
// payment transactions and subscriptions in sync with the gateway.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/mail"
	"strconv"
	"strings"

	"github.com/cqrrect/cqrrect/internal/i18n"
	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/notify"
	"github.com/cqrrect/cqrrect/internal/store"
)

var (
	// ErrInvalidSignature is returned for notifications whose signature does not verify.
	ErrInvalidSignature = errors.New("invalid notification signature")
	// ErrUnknownPlan is returned for plan IDs outside the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrAmountMismatch is returned when the gateway reports a different amount than was ordered.
	ErrAmountMismatch = errors.New("gross amount does not match order")
	// ErrGateway wraps failures talking to the payment gateway.
	ErrGateway = errors.New("payment gateway error")
)

// Service handles checkouts and gateway status updates.
type Service struct {
	store     *store.Store
	gateway   Gateway
	serverKey string
	mailer    notify.Mailer
}

// NewService creates a payment service. mailer may be nil.
func NewService(st *store.Store, gw Gateway, serverKey string, mailer notify.Mailer) *Service {
	return &Service{store: st, gateway: gw, serverKey: serverKey, mailer: mailer}
}

// CheckoutResult is a pending payment with its hosted checkout.
type CheckoutResult struct {
	Payment     model.PaymentTransaction `json:"payment"`
	Token       string                   `json:"token"`
	RedirectURL string                   `json:"redirect_url"`
}

// Checkout creates a pending payment for planID and a hosted checkout for it.
// If the gateway refuses, the payment is marked failed.
func (s *Service) Checkout(ctx context.Context, u model.User, planID string) (CheckoutResult, error) {
	plan, ok := LookupPlan(planID)
	if !ok {
		return CheckoutResult{}, ErrUnknownPlan
	}

	p, err := s.store.CreatePayment(ctx, model.PaymentTransaction{
		UserID:   u.ID,
		Plan:     plan.ID,
		Amount:   plan.Price,
		Currency: plan.Currency,
	})
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("create payment: %w", err)
	}

	co, err := s.gateway.CreateCheckout(ctx, CheckoutRequest{
		OrderID:  p.OrderID,
		Amount:   int64(math.Round(plan.Price)),
		Plan:     plan,
		Customer: Customer{Name: u.FullName, Email: u.Email, Phone: u.Phone},
	})
	if err != nil {
		if _, uerr := s.store.ApplyPaymentUpdate(ctx, store.PaymentUpdate{
			OrderID:   p.OrderID,
			Status:    model.PaymentFailed,
			RawStatus: "checkout_error",
		}); uerr != nil {
			slog.Error("failed to mark payment failed", "order_id", p.OrderID, "error", uerr)
		}
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	if err := s.store.SetPaymentRedirect(ctx, p.OrderID, co.RedirectURL); err != nil {
		return CheckoutResult{}, fmt.Errorf("store redirect: %w", err)
	}
	p.RedirectURL = co.RedirectURL
	slog.Info("checkout created", "order_id", p.OrderID, "plan", plan.ID, "user_id", u.ID)
	return CheckoutResult{Payment: p, Token: co.Token, RedirectURL: co.RedirectURL}, nil
}

// HandleNotification applies a webhook notification. Unknown orders return
// store.ErrNotFound.
func (s *Service) HandleNotification(ctx context.Context, n Notification) (store.PaymentResult, error) {
	if !VerifySignature(n, s.serverKey) {
		return store.PaymentResult{}, ErrInvalidSignature
	}
	return s.apply(ctx, n)
}

// Verify asks the gateway for the current status of orderID and applies it.
func (s *Service) Verify(ctx context.Context, orderID string) (store.PaymentResult, error) {
	if _, err := s.store.GetPaymentByOrderID(ctx, orderID); err != nil {
		return store.PaymentResult{}, err
	}
	n, err := s.gateway.Status(ctx, orderID)
	if err != nil {
		return store.PaymentResult{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if n.OrderID == "" {
		n.OrderID = orderID
	}
	return s.apply(ctx, n)
}

func (s *Service) apply(ctx context.Context, n Notification) (store.PaymentResult, error) {
	p, err := s.store.GetPaymentByOrderID(ctx, n.OrderID)
	if err != nil {
		return store.PaymentResult{}, err
	}

	status, ok := MapStatus(n.TransactionStatus, n.FraudStatus)
	if !ok {
		slog.Warn("ignoring unknown transaction status", "order_id", n.OrderID, "status", n.TransactionStatus)
		return store.PaymentResult{Payment: p}, nil
	}

	if n.GrossAmount != "" {
		amount, err := strconv.ParseFloat(strings.TrimSpace(n.GrossAmount), 64)
		if err != nil || math.Abs(amount-p.Amount) > 0.01 {
			return store.PaymentResult{}, fmt.Errorf("order %s: got %q, want %.2f: %w", n.OrderID, n.GrossAmount, p.Amount, ErrAmountMismatch)
		}
	}

	plan, ok := LookupPlan(p.Plan)
	if !ok {
		return store.PaymentResult{}, fmt.Errorf("order %s plan %q: %w", n.OrderID, p.Plan, ErrUnknownPlan)
	}

	res, err := s.store.ApplyPaymentUpdate(ctx, store.PaymentUpdate{
		OrderID:    n.OrderID,
		Status:     status,
		GatewayRef: n.TransactionID,
		RawStatus:  n.TransactionStatus,
		Months:     plan.Months,
	})
	if err != nil {
		return store.PaymentResult{}, fmt.Errorf("apply payment update: %w", err)
	}
	if res.NewlyPaid {
		s.sendReceipt(ctx, res, plan)
	}
	return res, nil
}

func (s *Service) sendReceipt(ctx context.Context, res store.PaymentResult, plan Plan) {
	if s.mailer == nil || res.Subscription == nil {
		return
	}
	u, err := s.store.GetUserByID(ctx, res.Payment.UserID)
	if err != nil || u == nil {
		slog.Error("receipt: failed to load user", "user_id", res.Payment.UserID, "error", err)
		return
	}
	subject := i18n.Td(ctx, "ReceiptEmailSubject", map[string]any{"Plan": plan.Name})
	body := i18n.Td(ctx, "ReceiptEmailBody", map[string]any{
		"Amount":    strconv.FormatFloat(res.Payment.Amount, 'f', -1, 64),
		"Currency":  res.Payment.Currency,
		"OrderID":   res.Payment.OrderID,
		"ExpiresAt": res.Subscription.ExpiresAt.Format("2006-01-02"),
	})
	s.mailer.Send(context.WithoutCancel(ctx), notify.Message{
		To:      mail.Address{Name: u.FullName, Address: u.Email},
		Subject: subject,
		Text:    body,
	})
}
