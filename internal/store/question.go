package store

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cqrrect/cqrrect/internal/model"
)

const questionColumns = `id, exam_id, text, options, correct_option, explanation, marks, difficulty, topic, position`

// InsertQuestion stores a question. A zero position appends it to the end of the exam.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (string, error) {
	ids, err := s.InsertQuestions(ctx, []model.Question{q})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertQuestions stores several questions atomically and returns their IDs.
func (s *Store) InsertQuestions(ctx context.Context, qs []model.Question) ([]string, error) {
	ids := make([]string, 0, len(qs))
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		next := map[string]int{}
		for _, q := range qs {
			if q.ID == "" {
				q.ID = newID()
			}
			if q.Position == 0 {
				pos, ok := next[q.ExamID]
				if !ok {
					if err := tx.GetContext(ctx, &pos, tx.Rebind(
						`SELECT COALESCE(MAX(position), 0) FROM questions WHERE exam_id = ?`), q.ExamID); err != nil {
						return err
					}
				}
				pos++
				next[q.ExamID] = pos
				q.Position = pos
			}
			if err := txExec(ctx, tx,
				`INSERT INTO questions (id, exam_id, text, options, correct_option, explanation, marks, difficulty, topic, position)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				q.ID, q.ExamID, q.Text, q.Options, q.CorrectOption, q.Explanation, q.Marks, q.Difficulty, q.Topic, q.Position,
			); err != nil {
				return err
			}
			ids = append(ids, q.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	var q model.Question
	err := s.get(ctx, &q, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	return q, err
}

// ListQuestions returns all questions of an exam in display order.
func (s *Store) ListQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	qs := []model.Question{}
	err := s.sel(ctx, &qs, `SELECT `+questionColumns+` FROM questions WHERE exam_id = ? ORDER BY position, id`, examID)
	return qs, err
}

// ListQuestionsFiltered returns questions of an exam matching the given filters.
// Empty strings mean no filtering on that field.
func (s *Store) ListQuestionsFiltered(ctx context.Context, examID string, difficulty model.Difficulty, topic string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE exam_id = ?`
	args := []any{examID}
	if difficulty != "" {
		query += ` AND difficulty = ?`
		args = append(args, difficulty)
	}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	qs := []model.Question{}
	err := s.sel(ctx, &qs, query+` ORDER BY position, id`, args...)
	return qs, err
}

// UpdateQuestion replaces the editable fields of a question.
func (s *Store) UpdateQuestion(ctx context.Context, q model.Question) error {
	return s.execOne(ctx,
		`UPDATE questions SET text = ?, options = ?, correct_option = ?, explanation = ?, marks = ?,
			difficulty = ?, topic = ?, position = ?
		 WHERE id = ?`,
		q.Text, q.Options, q.CorrectOption, q.Explanation, q.Marks, q.Difficulty, q.Topic, q.Position, q.ID,
	)
}

// DeleteQuestion removes a question.
func (s *Store) DeleteQuestion(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM questions WHERE id = ?`, id)
}

// QuestionCount returns the number of questions in an exam.
func (s *Store) QuestionCount(ctx context.Context, examID string) (int, error) {
	var count int
	err := s.get(ctx, &count, `SELECT COUNT(*) FROM questions WHERE exam_id = ?`, examID)
	return count, err
}

func normalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
