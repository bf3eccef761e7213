package store

import (
	"context"
	"errors"
	"time"

	"github.com/cqrrect/cqrrect/internal/model"
)

// ErrAttemptFinished is returned when modifying an attempt that was already submitted.
var ErrAttemptFinished = errors.New("attempt already submitted")

const attemptColumns = `a.id, a.exam_id, a.user_id, a.status, a.answers, a.total_questions, a.answered,
	a.correct, a.wrong, a.score, a.max_score, a.percentage, a.passed, a.time_spent_seconds,
	a.violation_count, a.flagged, a.started_at, a.submitted_at`

const attemptSummaryColumns = attemptColumns + `, e.title AS exam_title, e.subject AS subject, u.email AS user_email`

const attemptSummaryFrom = ` FROM exam_attempts a JOIN exams e ON e.id = a.exam_id JOIN users u ON u.id = a.user_id`

// CreateAttempt starts a new in-progress attempt.
func (s *Store) CreateAttempt(ctx context.Context, examID, userID string, totalQuestions int) (model.ExamAttempt, error) {
	a := model.ExamAttempt{
		ID:             newID(),
		ExamID:         examID,
		UserID:         userID,
		Status:         model.AttemptInProgress,
		Answers:        model.Answers{},
		TotalQuestions: totalQuestions,
		StartedAt:      s.now(),
	}
	_, err := s.exec(ctx,
		`INSERT INTO exam_attempts (id, exam_id, user_id, status, answers, total_questions, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExamID, a.UserID, a.Status, a.Answers, a.TotalQuestions, a.StartedAt,
	)
	if err != nil {
		return model.ExamAttempt{}, err
	}
	return a, nil
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (model.ExamAttempt, error) {
	var a model.ExamAttempt
	err := s.get(ctx, &a, `SELECT `+attemptColumns+` FROM exam_attempts a WHERE a.id = ?`, id)
	return a, err
}

// GetActiveAttempt returns the user's in-progress attempt for an exam, or nil.
func (s *Store) GetActiveAttempt(ctx context.Context, examID, userID string) (*model.ExamAttempt, error) {
	var a model.ExamAttempt
	err := s.get(ctx, &a,
		`SELECT `+attemptColumns+` FROM exam_attempts a
		 WHERE a.exam_id = ? AND a.user_id = ? AND a.status = ?
		 ORDER BY a.started_at DESC LIMIT 1`,
		examID, userID, model.AttemptInProgress,
	)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAnswers stores progress on an in-progress attempt.
func (s *Store) SaveAnswers(ctx context.Context, id string, answers model.Answers) error {
	err := s.execOne(ctx,
		`UPDATE exam_attempts SET answers = ? WHERE id = ? AND status = ?`,
		answers, id, model.AttemptInProgress,
	)
	if errors.Is(err, ErrNotFound) {
		return s.attemptWriteError(ctx, id)
	}
	return err
}

// FinishAttempt stores the graded result of an attempt and marks it with the
// given final status. Only in-progress attempts can be finished.
func (s *Store) FinishAttempt(ctx context.Context, a model.ExamAttempt, status model.AttemptStatus) (model.ExamAttempt, error) {
	now := s.now()
	err := s.execOne(ctx,
		`UPDATE exam_attempts SET status = ?, answers = ?, total_questions = ?, answered = ?, correct = ?,
			wrong = ?, score = ?, max_score = ?, percentage = ?, passed = ?, time_spent_seconds = ?, submitted_at = ?
		 WHERE id = ? AND status = ?`,
		status, a.Answers, a.TotalQuestions, a.Answered, a.Correct,
		a.Wrong, a.Score, a.MaxScore, a.Percentage, a.Passed, a.TimeSpentSeconds, now,
		a.ID, model.AttemptInProgress,
	)
	if errors.Is(err, ErrNotFound) {
		return model.ExamAttempt{}, s.attemptWriteError(ctx, a.ID)
	}
	if err != nil {
		return model.ExamAttempt{}, err
	}
	return s.GetAttempt(ctx, a.ID)
}

// FlagAttempt marks an attempt for admin review.
func (s *Store) FlagAttempt(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE exam_attempts SET flagged = ? WHERE id = ?`, true, id)
}

// attemptWriteError distinguishes a missing attempt from a finished one.
func (s *Store) attemptWriteError(ctx context.Context, id string) error {
	a, err := s.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	if a.Status.Finished() {
		return ErrAttemptFinished
	}
	return ErrNotFound
}

// ListAttemptsByUser returns a user's attempts, newest first.
func (s *Store) ListAttemptsByUser(ctx context.Context, userID string, limit int) ([]model.AttemptSummary, error) {
	query := `SELECT ` + attemptSummaryColumns + attemptSummaryFrom + ` WHERE a.user_id = ? ORDER BY a.started_at DESC, a.id`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	out := []model.AttemptSummary{}
	err := s.sel(ctx, &out, query, args...)
	return out, err
}

// AttemptFilter narrows ListAttempts. Empty fields mean no filtering.
type AttemptFilter struct {
	ExamID  string
	UserID  string
	Status  model.AttemptStatus
	Flagged bool
}

// ListAttempts returns attempts across all users, newest first, and the total count.
func (s *Store) ListAttempts(ctx context.Context, f AttemptFilter, p Page) ([]model.AttemptSummary, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if f.ExamID != "" {
		where += ` AND a.exam_id = ?`
		args = append(args, f.ExamID)
	}
	if f.UserID != "" {
		where += ` AND a.user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where += ` AND a.status = ?`
		args = append(args, f.Status)
	}
	if f.Flagged {
		where += ` AND a.flagged = ?`
		args = append(args, true)
	}

	var total int
	if err := s.get(ctx, &total, `SELECT COUNT(*)`+attemptSummaryFrom+where, args...); err != nil {
		return nil, 0, err
	}

	limit, pargs := p.clause()
	out := []model.AttemptSummary{}
	err := s.sel(ctx, &out, `SELECT `+attemptSummaryColumns+attemptSummaryFrom+where+` ORDER BY a.started_at DESC, a.id`+limit, append(args, pargs...)...)
	return out, total, err
}

// MonitorRow is the live state of one in-progress attempt.
type MonitorRow struct {
	AttemptID      string    `json:"attempt_id"`
	UserID         string    `json:"user_id"`
	UserEmail      string    `json:"user_email"`
	Answered       int       `json:"answered"`
	TotalQuestions int       `json:"total_questions"`
	ViolationCount int       `json:"violation_count"`
	Flagged        bool      `json:"flagged"`
	StartedAt      time.Time `json:"started_at"`
	Progress       float64   `json:"progress"`
}

// ExamMonitor lists the in-progress attempts of an exam with answered and violation counts.
func (s *Store) ExamMonitor(ctx context.Context, examID string) ([]MonitorRow, error) {
	attempts, _, err := s.ListAttempts(ctx, AttemptFilter{ExamID: examID, Status: model.AttemptInProgress}, Page{})
	if err != nil {
		return nil, err
	}
	rows := make([]MonitorRow, 0, len(attempts))
	for _, a := range attempts {
		r := MonitorRow{
			AttemptID:      a.ID,
			UserID:         a.UserID,
			UserEmail:      a.UserEmail,
			Answered:       len(a.Answers),
			TotalQuestions: a.TotalQuestions,
			ViolationCount: a.ViolationCount,
			Flagged:        a.Flagged,
			StartedAt:      a.StartedAt,
		}
		if a.TotalQuestions > 0 {
			r.Progress = float64(r.Answered) / float64(a.TotalQuestions)
		}
		rows = append(rows, r)
	}
	return rows, nil
}
