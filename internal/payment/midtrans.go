package payment

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"

	"github.com/cqrrect/cqrrect/internal/model"
)

// Customer identifies the payer on the hosted checkout page.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// CheckoutRequest asks the gateway for a hosted checkout.
type CheckoutRequest struct {
	OrderID  string
	Amount   int64
	Plan     Plan
	Customer Customer
}

// Checkout is a hosted checkout created by the gateway.
type Checkout struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// Gateway is a payment provider.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
	// Status fetches the current state of an order from the provider.
	Status(ctx context.Context, orderID string) (Notification, error)
}

// Notification is a transaction status as reported by Midtrans, either
// pushed to the webhook or fetched from the status API.
type Notification struct {
	TransactionTime   string `json:"transaction_time"`
	TransactionStatus string `json:"transaction_status"`
	StatusCode        string `json:"status_code"`
	SignatureKey      string `json:"signature_key"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	PaymentType       string `json:"payment_type"`
	FraudStatus       string `json:"fraud_status"`
	TransactionID     string `json:"transaction_id"`
}

// Midtrans talks to Midtrans Snap for checkouts and to the Core API for
// status checks.
type Midtrans struct {
	snap snap.Client
	core coreapi.Client
}

// NewMidtrans creates a Midtrans gateway for the sandbox or production environment.
func NewMidtrans(serverKey string, production bool) *Midtrans {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	m := &Midtrans{}
	m.snap.New(serverKey, env)
	m.core.New(serverKey, env)
	return m
}

// CreateCheckout creates a Snap transaction.
func (m *Midtrans) CreateCheckout(_ context.Context, req CheckoutRequest) (Checkout, error) {
	first, last := splitName(req.Customer.Name)
	sreq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderID,
			GrossAmt: req.Amount,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: first,
			LName: last,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:       req.Plan.ID,
			Name:     req.Plan.Name + " subscription",
			Price:    req.Amount,
			Qty:      1,
			Category: "subscription",
		}},
		CreditCard: &snap.CreditCardDetails{Secure: true},
	}

	resp, merr := m.snap.CreateTransaction(sreq)
	if merr != nil {
		return Checkout{}, fmt.Errorf("snap create transaction: %w", merr)
	}
	return Checkout{Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

// Status checks an order through the Core API.
func (m *Midtrans) Status(_ context.Context, orderID string) (Notification, error) {
	resp, merr := m.core.CheckTransaction(orderID)
	if merr != nil {
		return Notification{}, fmt.Errorf("check transaction %s: %w", orderID, merr)
	}
	return Notification{
		TransactionTime:   resp.TransactionTime,
		TransactionStatus: resp.TransactionStatus,
		StatusCode:        resp.StatusCode,
		SignatureKey:      resp.SignatureKey,
		OrderID:           resp.OrderID,
		GrossAmount:       resp.GrossAmount,
		PaymentType:       resp.PaymentType,
		FraudStatus:       resp.FraudStatus,
		TransactionID:     resp.TransactionID,
	}, nil
}

func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	first, last, _ := strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}

// Signature computes the Midtrans notification signature:
// SHA512(order_id + status_code + gross_amount + server_key), hex encoded.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	h := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(h[:])
}

// VerifySignature reports whether n carries a valid signature for serverKey.
func VerifySignature(n Notification, serverKey string) bool {
	got := strings.ToLower(strings.TrimSpace(n.SignatureKey))
	if got == "" || serverKey == "" {
		return false
	}
	want := Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// MapStatus translates a Midtrans transaction status into a payment status.
// ok is false for statuses that carry no state change.
func MapStatus(transactionStatus, fraudStatus string) (status model.PaymentStatus, ok bool) {
	switch strings.ToLower(transactionStatus) {
	case "capture":
		if strings.EqualFold(fraudStatus, "challenge") {
			return model.PaymentPending, true
		}
		return model.PaymentPaid, true
	case "settlement":
		return model.PaymentPaid, true
	case "pending":
		return model.PaymentPending, true
	case "deny", "failure":
		return model.PaymentFailed, true
	case "cancel":
		return model.PaymentCancelled, true
	case "expire":
		return model.PaymentExpired, true
	case "refund", "partial_refund":
		return model.PaymentRefunded, true
	}
	return "", false
}
