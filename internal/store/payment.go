package store

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cqrrect/cqrrect/internal/model"
)

const paymentColumns = `id, order_id, user_id, plan, amount, currency, status, gateway_ref, redirect_url,
	raw_status, created_at, updated_at, paid_at`

// CreatePayment inserts a pending payment transaction.
func (s *Store) CreatePayment(ctx context.Context, p model.PaymentTransaction) (model.PaymentTransaction, error) {
	now := s.now()
	if p.ID == "" {
		p.ID = newID()
	}
	if p.OrderID == "" {
		p.OrderID = newID()
	}
	if p.Status == "" {
		p.Status = model.PaymentPending
	}
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.exec(ctx,
		`INSERT INTO payment_transactions (id, order_id, user_id, plan, amount, currency, status, gateway_ref,
			redirect_url, raw_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrderID, p.UserID, p.Plan, p.Amount, p.Currency, p.Status, p.GatewayRef,
		p.RedirectURL, p.RawStatus, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.PaymentTransaction{}, err
	}
	return p, nil
}

// SetPaymentRedirect stores the hosted checkout URL for an order.
func (s *Store) SetPaymentRedirect(ctx context.Context, orderID, redirectURL string) error {
	return s.execOne(ctx,
		`UPDATE payment_transactions SET redirect_url = ?, updated_at = ? WHERE order_id = ?`,
		redirectURL, s.now(), orderID,
	)
}

// GetPaymentByOrderID returns a payment transaction by its gateway order ID.
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (model.PaymentTransaction, error) {
	var p model.PaymentTransaction
	err := s.get(ctx, &p, `SELECT `+paymentColumns+` FROM payment_transactions WHERE order_id = ?`, orderID)
	return p, err
}

// ListPayments returns payment transactions, newest first. An empty userID lists all.
func (s *Store) ListPayments(ctx context.Context, userID string, p Page) ([]model.PaymentTransaction, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if userID != "" {
		where += ` AND user_id = ?`
		args = append(args, userID)
	}
	var total int
	if err := s.get(ctx, &total, `SELECT COUNT(*) FROM payment_transactions`+where, args...); err != nil {
		return nil, 0, err
	}
	limit, pargs := p.clause()
	out := []model.PaymentTransaction{}
	err := s.sel(ctx, &out, `SELECT `+paymentColumns+` FROM payment_transactions`+where+` ORDER BY created_at DESC, id`+limit, append(args, pargs...)...)
	return out, total, err
}

// PaymentUpdate is a gateway-reported state change for one order.
type PaymentUpdate struct {
	OrderID    string
	Status     model.PaymentStatus
	GatewayRef string
	RawStatus  string
	// Months of access granted when the order becomes paid.
	Months int
}

// PaymentResult is the outcome of applying a PaymentUpdate.
type PaymentResult struct {
	Payment      model.PaymentTransaction `json:"payment"`
	Subscription *model.Subscription      `json:"subscription,omitempty"`
	// Changed is false when the update was a replay of the current state.
	Changed bool `json:"changed"`
	// NewlyPaid is true only on the transition into paid.
	NewlyPaid bool `json:"newly_paid"`
}

// ApplyPaymentUpdate moves a payment to a new status. The first transition to
// paid activates or extends the user's subscription; replays are no-ops and a
// paid order never moves back to pending or failed. A refund cancels the
// user's active subscription.
func (s *Store) ApplyPaymentUpdate(ctx context.Context, u PaymentUpdate) (PaymentResult, error) {
	var res PaymentResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		lock := ""
		if s.driver == DriverPostgres {
			lock = " FOR UPDATE"
		}
		var p model.PaymentTransaction
		err := tx.GetContext(ctx, &p, tx.Rebind(`SELECT `+paymentColumns+` FROM payment_transactions WHERE order_id = ?`+lock), u.OrderID)
		if isNoRows(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if !paymentTransitionAllowed(p.Status, u.Status) {
			res.Payment = p
			return nil
		}

		from := p.Status
		now := s.now()
		p.Status = u.Status
		p.RawStatus = u.RawStatus
		if u.GatewayRef != "" {
			p.GatewayRef = u.GatewayRef
		}
		p.UpdatedAt = now
		if u.Status == model.PaymentPaid {
			p.PaidAt = &now
		}
		moved, err := setPaymentStatus(ctx, tx, p, from)
		if err != nil {
			return err
		}
		if !moved {
			// Another update got there first; this one is a replay.
			return tx.GetContext(ctx, &res.Payment, tx.Rebind(`SELECT `+paymentColumns+` FROM payment_transactions WHERE id = ?`), p.ID)
		}

		switch u.Status {
		case model.PaymentPaid:
			sub, err := s.extendSubscription(ctx, tx, p.UserID, p.Plan, p.Amount, u.Months)
			if err != nil {
				return err
			}
			res.Subscription = &sub
			res.NewlyPaid = true
		case model.PaymentRefunded:
			if err := txExec(ctx, tx,
				`UPDATE subscriptions SET status = ? WHERE user_id = ? AND status = ?`,
				model.SubscriptionCancelled, p.UserID, model.SubscriptionActive,
			); err != nil {
				return err
			}
		}
		res.Payment = p
		res.Changed = true
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}
	if res.Changed {
		slog.Info("payment status changed", "order_id", u.OrderID, "status", u.Status)
	}
	return res, nil
}

// setPaymentStatus stores p's new state if the row still has status from.
// It reports whether the row was changed.
func setPaymentStatus(ctx context.Context, tx *sqlx.Tx, p model.PaymentTransaction, from model.PaymentStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE payment_transactions SET status = ?, raw_status = ?, gateway_ref = ?, updated_at = ?, paid_at = ?
		 WHERE id = ? AND status = ?`),
		p.Status, p.RawStatus, p.GatewayRef, p.UpdatedAt, p.PaidAt, p.ID, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func paymentTransitionAllowed(from, to model.PaymentStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case model.PaymentPending:
		return true
	case model.PaymentPaid:
		return to == model.PaymentRefunded
	case model.PaymentFailed, model.PaymentCancelled, model.PaymentExpired:
		// A late settlement after a timeout still counts.
		return to == model.PaymentPaid
	}
	return false
}
