package store

import (
	"context"
	"fmt"

	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/scoring"
)

// ExportAttempts builds export-ready results for every attempt, optionally
// restricted to one exam.
func (s *Store) ExportAttempts(ctx context.Context, examID string) ([]model.StudentResult, error) {
	attempts, _, err := s.ListAttempts(ctx, AttemptFilter{ExamID: examID}, Page{})
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	questionsByExam := make(map[string][]model.Question)
	results := make([]model.StudentResult, 0, len(attempts))
	for _, a := range attempts {
		qs, ok := questionsByExam[a.ExamID]
		if !ok {
			qs, err = s.ListQuestions(ctx, a.ExamID)
			if err != nil {
				return nil, fmt.Errorf("list questions for exam %s: %w", a.ExamID, err)
			}
			questionsByExam[a.ExamID] = qs
		}

		user, err := s.GetUserByID(ctx, a.UserID)
		if err != nil {
			return nil, fmt.Errorf("get user %s: %w", a.UserID, err)
		}
		var fullName string
		if user != nil {
			fullName = user.FullName
		}

		var questions []model.QuestionResult
		for _, rv := range scoring.Review(qs, a.Answers) {
			questions = append(questions, model.QuestionResult{
				Text:           rv.Question.Text,
				Topic:          rv.Question.Topic,
				Difficulty:     rv.Question.Difficulty,
				Marks:          rv.Question.Marks,
				CorrectOption:  rv.Question.CorrectOption,
				SelectedOption: rv.SelectedOption,
				IsCorrect:      rv.IsCorrect,
			})
		}

		results = append(results, model.StudentResult{
			AttemptID:        a.ID,
			Email:            a.UserEmail,
			FullName:         fullName,
			ExamTitle:        a.ExamTitle,
			Subject:          a.Subject,
			Status:           a.Status,
			StartedAt:        a.StartedAt,
			SubmittedAt:      a.SubmittedAt,
			TimeSpentSeconds: a.TimeSpentSeconds,
			Score:            a.Score,
			MaxScore:         a.MaxScore,
			Percentage:       a.Percentage,
			Passed:           a.Passed,
			ViolationCount:   a.ViolationCount,
			Flagged:          a.Flagged,
			Questions:        questions,
		})
	}

	return results, nil
}
