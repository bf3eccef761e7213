package model

import "time"

// AttemptExport is the top-level JSON structure for attempt export.
type AttemptExport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Count       int             `json:"count"`
	Results     []StudentResult `json:"results"`
}

// StudentResult holds one exam attempt for export.
type StudentResult struct {
	AttemptID        string           `json:"attempt_id"`
	Email            string           `json:"email"`
	FullName         string           `json:"full_name"`
	ExamTitle        string           `json:"exam_title"`
	Subject          string           `json:"subject"`
	Status           AttemptStatus    `json:"status"`
	StartedAt        time.Time        `json:"started_at"`
	SubmittedAt      *time.Time       `json:"submitted_at,omitempty"`
	TimeSpentSeconds int              `json:"time_spent_seconds"`
	Score            float64          `json:"score"`
	MaxScore         float64          `json:"max_score"`
	Percentage       float64          `json:"percentage"`
	Passed           bool             `json:"passed"`
	ViolationCount   int              `json:"violation_count"`
	Flagged          bool             `json:"flagged"`
	Questions        []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Text           string     `json:"text"`
	Topic          string     `json:"topic"`
	Difficulty     Difficulty `json:"difficulty"`
	Marks          float64    `json:"marks"`
	CorrectOption  int        `json:"correct_option"`
	SelectedOption *int       `json:"selected_option"`
	IsCorrect      bool       `json:"is_correct"`
}
