package store

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cqrrect/cqrrect/internal/model"
)

const examColumns = `e.id, e.title, e.description, e.subject, e.duration_minutes, e.pass_percentage,
	e.negative_marking, e.premium, e.status, e.created_by, e.created_at, e.updated_at,
	(SELECT COUNT(*) FROM questions q WHERE q.exam_id = e.id) AS question_count`

// CreateExam inserts an exam and returns its ID.
func (s *Store) CreateExam(ctx context.Context, e model.Exam) (string, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = model.ExamDraft
	}
	now := s.now()
	_, err := s.exec(ctx,
		`INSERT INTO exams (id, title, description, subject, duration_minutes, pass_percentage,
			negative_marking, premium, status, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Title, e.Description, e.Subject, e.DurationMinutes, e.PassPercentage,
		e.NegativeMarking, e.Premium, e.Status, e.CreatedBy, now, now,
	)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// GetExam returns an exam with its question count.
func (s *Store) GetExam(ctx context.Context, id string) (model.Exam, error) {
	var e model.Exam
	err := s.get(ctx, &e, `SELECT `+examColumns+` FROM exams e WHERE e.id = ?`, id)
	return e, err
}

// ExamFilter narrows ListExams. Empty fields mean no filtering.
type ExamFilter struct {
	Status  model.ExamStatus
	Subject string
	Search  string
}

// ListExams returns exams matching the filter, newest first, and the total count.
func (s *Store) ListExams(ctx context.Context, f ExamFilter, p Page) ([]model.Exam, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if f.Status != "" {
		where += ` AND e.status = ?`
		args = append(args, f.Status)
	}
	if f.Subject != "" {
		where += ` AND LOWER(e.subject) = ?`
		args = append(args, normalizeSubject(f.Subject))
	}
	if f.Search != "" {
		where += ` AND LOWER(e.title) LIKE ?`
		args = append(args, likePattern(f.Search))
	}

	var total int
	if err := s.get(ctx, &total, `SELECT COUNT(*) FROM exams e`+where, args...); err != nil {
		return nil, 0, err
	}

	limit, pargs := p.clause()
	exams := []model.Exam{}
	err := s.sel(ctx, &exams, `SELECT `+examColumns+` FROM exams e`+where+` ORDER BY e.created_at DESC, e.id`+limit, append(args, pargs...)...)
	return exams, total, err
}

// UpdateExam replaces the editable fields of an exam.
func (s *Store) UpdateExam(ctx context.Context, e model.Exam) error {
	return s.execOne(ctx,
		`UPDATE exams SET title = ?, description = ?, subject = ?, duration_minutes = ?, pass_percentage = ?,
			negative_marking = ?, premium = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		e.Title, e.Description, e.Subject, e.DurationMinutes, e.PassPercentage,
		e.NegativeMarking, e.Premium, e.Status, s.now(), e.ID,
	)
}

// SetExamStatus changes an exam's publication state.
func (s *Store) SetExamStatus(ctx context.Context, id string, status model.ExamStatus) error {
	return s.execOne(ctx, `UPDATE exams SET status = ?, updated_at = ? WHERE id = ?`, status, s.now(), id)
}

// DeleteExam removes an exam, its questions and all attempts in one transaction.
func (s *Store) DeleteExam(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM exams WHERE id = ?`), id); err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		for _, q := range []string{
			`DELETE FROM violations WHERE attempt_id IN (SELECT id FROM exam_attempts WHERE exam_id = ?)`,
			`DELETE FROM ai_analytics WHERE attempt_id IN (SELECT id FROM exam_attempts WHERE exam_id = ?)`,
			`DELETE FROM exam_attempts WHERE exam_id = ?`,
			`DELETE FROM questions WHERE exam_id = ?`,
			`DELETE FROM exams WHERE id = ?`,
		} {
			if err := txExec(ctx, tx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("deleted exam", "id", id)
	return nil
}
