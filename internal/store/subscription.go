package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cqrrect/cqrrect/internal/model"
)

const subscriptionColumns = `id, user_id, plan, status, amount, started_at, expires_at`

// ActiveSubscription returns the user's current subscription, or nil. Active
// subscriptions past their expiry are marked expired on the way.
func (s *Store) ActiveSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	if _, err := s.exec(ctx,
		`UPDATE subscriptions SET status = ? WHERE user_id = ? AND status = ? AND expires_at <= ?`,
		model.SubscriptionExpired, userID, model.SubscriptionActive, s.now(),
	); err != nil {
		return nil, err
	}
	var sub model.Subscription
	err := s.get(ctx, &sub,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = ? AND status = ? ORDER BY expires_at DESC LIMIT 1`,
		userID, model.SubscriptionActive,
	)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions returns subscriptions, newest first, optionally filtered by status.
func (s *Store) ListSubscriptions(ctx context.Context, status model.SubscriptionStatus, p Page) ([]model.Subscription, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}
	var total int
	if err := s.get(ctx, &total, `SELECT COUNT(*) FROM subscriptions`+where, args...); err != nil {
		return nil, 0, err
	}
	limit, pargs := p.clause()
	out := []model.Subscription{}
	err := s.sel(ctx, &out, `SELECT `+subscriptionColumns+` FROM subscriptions`+where+` ORDER BY started_at DESC, id`+limit, append(args, pargs...)...)
	return out, total, err
}

// extendSubscription activates a subscription for months, or extends the
// current active one so paid periods stack.
func (s *Store) extendSubscription(ctx context.Context, tx *sqlx.Tx, userID, plan string, amount float64, months int) (model.Subscription, error) {
	now := s.now()
	var cur model.Subscription
	err := tx.GetContext(ctx, &cur, tx.Rebind(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = ? AND status = ? AND expires_at > ? ORDER BY expires_at DESC LIMIT 1`),
		userID, model.SubscriptionActive, now,
	)
	if err == nil {
		cur.ExpiresAt = addMonths(cur.ExpiresAt, months)
		cur.Plan = plan
		cur.Amount = amount
		if err := txExec(ctx, tx,
			`UPDATE subscriptions SET expires_at = ?, plan = ?, amount = ? WHERE id = ?`,
			cur.ExpiresAt, cur.Plan, cur.Amount, cur.ID,
		); err != nil {
			return model.Subscription{}, err
		}
		return cur, nil
	}
	if !isNoRows(err) {
		return model.Subscription{}, err
	}

	sub := model.Subscription{
		ID:        newID(),
		UserID:    userID,
		Plan:      plan,
		Status:    model.SubscriptionActive,
		Amount:    amount,
		StartedAt: now,
		ExpiresAt: addMonths(now, months),
	}
	if err := txExec(ctx, tx,
		`INSERT INTO subscriptions (id, user_id, plan, status, amount, started_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.Plan, sub.Status, sub.Amount, sub.StartedAt, sub.ExpiresAt,
	); err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

// CancelSubscription cancels a user's active subscription.
func (s *Store) CancelSubscription(ctx context.Context, userID string) error {
	return s.execOne(ctx,
		`UPDATE subscriptions SET status = ? WHERE user_id = ? AND status = ?`,
		model.SubscriptionCancelled, userID, model.SubscriptionActive,
	)
}

func addMonths(t time.Time, months int) time.Time {
	return t.AddDate(0, months, 0)
}
