package store

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/cqrrect/cqrrect/internal/model"
)

// InsertAnalytics stores a parsed AI result.
func (s *Store) InsertAnalytics(ctx context.Context, a model.AIAnalytics) (model.AIAnalytics, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = s.now()
	_, err := s.exec(ctx,
		`INSERT INTO ai_analytics (id, user_id, attempt_id, kind, payload, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.AttemptID, a.Kind, a.Payload, a.Model, a.CreatedAt,
	)
	if err != nil {
		return model.AIAnalytics{}, err
	}
	return a, nil
}

// ListAnalytics returns a user's stored AI results of one kind, newest first.
func (s *Store) ListAnalytics(ctx context.Context, userID string, kind model.AnalyticsKind, limit int) ([]model.AIAnalytics, error) {
	query := `SELECT id, user_id, attempt_id, kind, payload, model, created_at FROM ai_analytics
		WHERE user_id = ? AND kind = ? ORDER BY created_at DESC, id`
	args := []any{userID, kind}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	out := []model.AIAnalytics{}
	err := s.sel(ctx, &out, query, args...)
	return out, err
}

// StudentStats summarizes a student's attempts.
type StudentStats struct {
	TotalAttempts     int     `db:"total_attempts" json:"total_attempts"`
	CompletedAttempts int     `db:"completed_attempts" json:"completed_attempts"`
	AveragePercentage float64 `db:"average_percentage" json:"average_percentage"`
	BestPercentage    float64 `db:"best_percentage" json:"best_percentage"`
	PassedAttempts    int     `db:"passed_attempts" json:"passed_attempts"`
	TotalViolations   int     `db:"total_violations" json:"total_violations"`
}

// StudentStats aggregates a student's attempts.
func (s *Store) StudentStats(ctx context.Context, userID string) (StudentStats, error) {
	var st StudentStats
	err := s.get(ctx, &st,
		`SELECT COUNT(*) AS total_attempts,
			COALESCE(SUM(CASE WHEN status <> ? THEN 1 ELSE 0 END), 0) AS completed_attempts,
			COALESCE(AVG(CASE WHEN status <> ? THEN percentage END), 0) AS average_percentage,
			COALESCE(MAX(CASE WHEN status <> ? THEN percentage END), 0) AS best_percentage,
			COALESCE(SUM(CASE WHEN passed THEN 1 ELSE 0 END), 0) AS passed_attempts,
			COALESCE(SUM(violation_count), 0) AS total_violations
		 FROM exam_attempts WHERE user_id = ?`,
		model.AttemptInProgress, model.AttemptInProgress, model.AttemptInProgress, userID,
	)
	st.AveragePercentage = math.Round(st.AveragePercentage*100) / 100
	return st, err
}

// LabelCount is a label with its number of occurrences.
type LabelCount struct {
	Label string `db:"label" json:"label"`
	Count int    `db:"count" json:"count"`
}

// PlanRevenue aggregates subscriptions or payments per plan.
type PlanRevenue struct {
	Plan   string  `db:"plan" json:"plan"`
	Count  int     `db:"count" json:"count"`
	Amount float64 `db:"amount" json:"amount"`
}

// ExamPopularity is an exam with its attempt count.
type ExamPopularity struct {
	ExamID   string  `db:"exam_id" json:"exam_id"`
	Title    string  `db:"title" json:"title"`
	Attempts int     `db:"attempts" json:"attempts"`
	AvgScore float64 `db:"avg_percentage" json:"avg_percentage"`
}

// Overview is the admin analytics snapshot.
type Overview struct {
	UsersByRole         []LabelCount     `json:"users_by_role"`
	ExamsByStatus       []LabelCount     `json:"exams_by_status"`
	TotalAttempts       int              `json:"total_attempts"`
	CompletedAttempts   int              `json:"completed_attempts"`
	AveragePercentage   float64          `json:"average_percentage"`
	PassRate            float64          `json:"pass_rate"`
	FlaggedAttempts     int              `json:"flagged_attempts"`
	ActiveSubscriptions []PlanRevenue    `json:"active_subscriptions"`
	PaidRevenue         float64          `json:"paid_revenue"`
	TopExams            []ExamPopularity `json:"top_exams"`
}

// AdminOverview gathers platform-wide statistics. The independent queries run
// concurrently; the first failure cancels the rest.
func (s *Store) AdminOverview(ctx context.Context) (Overview, error) {
	var ov Overview
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ov.UsersByRole = []LabelCount{}
		return s.sel(ctx, &ov.UsersByRole, `SELECT role AS label, COUNT(*) AS count FROM users GROUP BY role ORDER BY role`)
	})
	g.Go(func() error {
		ov.ExamsByStatus = []LabelCount{}
		return s.sel(ctx, &ov.ExamsByStatus, `SELECT status AS label, COUNT(*) AS count FROM exams GROUP BY status ORDER BY status`)
	})
	g.Go(func() error {
		var row struct {
			Total     int     `db:"total"`
			Completed int     `db:"completed"`
			Avg       float64 `db:"avg_percentage"`
			Passed    int     `db:"passed"`
			Flagged   int     `db:"flagged"`
		}
		err := s.get(ctx, &row,
			`SELECT COUNT(*) AS total,
				COALESCE(SUM(CASE WHEN status <> ? THEN 1 ELSE 0 END), 0) AS completed,
				COALESCE(AVG(CASE WHEN status <> ? THEN percentage END), 0) AS avg_percentage,
				COALESCE(SUM(CASE WHEN passed THEN 1 ELSE 0 END), 0) AS passed,
				COALESCE(SUM(CASE WHEN flagged THEN 1 ELSE 0 END), 0) AS flagged
			 FROM exam_attempts`,
			model.AttemptInProgress, model.AttemptInProgress,
		)
		if err != nil {
			return err
		}
		ov.TotalAttempts = row.Total
		ov.CompletedAttempts = row.Completed
		ov.AveragePercentage = math.Round(row.Avg*100) / 100
		ov.FlaggedAttempts = row.Flagged
		if row.Completed > 0 {
			ov.PassRate = math.Round(10000*float64(row.Passed)/float64(row.Completed)) / 100
		}
		return nil
	})
	g.Go(func() error {
		ov.ActiveSubscriptions = []PlanRevenue{}
		return s.sel(ctx, &ov.ActiveSubscriptions,
			`SELECT plan, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount
			 FROM subscriptions WHERE status = ? AND expires_at > ? GROUP BY plan ORDER BY plan`,
			model.SubscriptionActive, s.now())
	})
	g.Go(func() error {
		return s.get(ctx, &ov.PaidRevenue,
			`SELECT COALESCE(SUM(amount), 0) FROM payment_transactions WHERE status = ?`, model.PaymentPaid)
	})
	g.Go(func() error {
		ov.TopExams = []ExamPopularity{}
		return s.sel(ctx, &ov.TopExams,
			`SELECT e.id AS exam_id, e.title AS title, COUNT(a.id) AS attempts,
				COALESCE(AVG(a.percentage), 0) AS avg_percentage
			 FROM exams e JOIN exam_attempts a ON a.exam_id = e.id
			 GROUP BY e.id, e.title ORDER BY attempts DESC, e.title LIMIT 5`)
	})

	if err := g.Wait(); err != nil {
		return Overview{}, err
	}
	return ov, nil
}
