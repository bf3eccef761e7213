package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/store"
)

const recentAttempts = 5

type dashboard struct {
	Stats          store.StudentStats     `json:"stats"`
	RecentAttempts []model.AttemptSummary `json:"recent_attempts"`
	Subscription   *model.Subscription    `json:"subscription"`
	Subscribed     bool                   `json:"subscribed"`
}

// handleDashboard never fails with 500: if any query fails the student gets
// zeroed stats and the error is logged.
func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var d dashboard

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		d.Stats, err = h.store.StudentStats(ctx, user.ID)
		return err
	})
	g.Go(func() error {
		var err error
		d.RecentAttempts, err = h.store.ListAttemptsByUser(ctx, user.ID, recentAttempts)
		return err
	})
	g.Go(func() error {
		var err error
		d.Subscription, err = h.store.ActiveSubscription(ctx, user.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Error("failed to load dashboard", "user_id", user.ID, "error", err)
		d = dashboard{}
	}

	if d.RecentAttempts == nil {
		d.RecentAttempts = []model.AttemptSummary{}
	}
	d.Subscribed = d.Subscription != nil
	writeData(w, http.StatusOK, d)
}
