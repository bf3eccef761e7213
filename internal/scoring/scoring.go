// Package scoring grades multiple-choice exam attempts.
package scoring

import (
	"math"

	"github.com/cqrrect/cqrrect/internal/model"
)

// Result is the outcome of grading one attempt.
type Result struct {
	TotalQuestions int
	Answered       int
	Correct        int
	Wrong          int
	Score          float64
	MaxScore       float64
	Percentage     float64
	Passed         bool
}

// Grade scores answers against the exam's questions.
//
// Only answers that reference a question of the exam with an option index in
// range count as answered. Percentage is correct over answered, so an attempt
// with nothing answered scores 0. Negative marking is deducted per wrong answer
// and the score never drops below zero.
func Grade(exam model.Exam, questions []model.Question, answers model.Answers) Result {
	r := Result{TotalQuestions: len(questions)}
	var earned float64
	for _, q := range questions {
		r.MaxScore += q.Marks
		sel, ok := answers[q.ID]
		if !ok || sel < 0 || sel >= len(q.Options) {
			continue
		}
		r.Answered++
		if sel == q.CorrectOption {
			r.Correct++
			earned += q.Marks
		} else {
			r.Wrong++
		}
	}

	r.Score = round2(math.Max(0, earned-exam.NegativeMarking*float64(r.Wrong)))
	r.MaxScore = round2(r.MaxScore)
	if r.Answered > 0 {
		r.Percentage = round2(100 * float64(r.Correct) / float64(r.Answered))
	}
	r.Passed = r.Percentage >= exam.PassPercentage
	return r
}

// Apply copies a grading result onto an attempt.
func (r Result) Apply(a *model.ExamAttempt) {
	a.TotalQuestions = r.TotalQuestions
	a.Answered = r.Answered
	a.Correct = r.Correct
	a.Wrong = r.Wrong
	a.Score = r.Score
	a.MaxScore = r.MaxScore
	a.Percentage = r.Percentage
	a.Passed = r.Passed
}

// Review builds the per-question breakdown shown after submission.
func Review(questions []model.Question, answers model.Answers) []model.QuestionReview {
	out := make([]model.QuestionReview, 0, len(questions))
	for _, q := range questions {
		rv := model.QuestionReview{Question: q}
		if sel, ok := answers[q.ID]; ok && sel >= 0 && sel < len(q.Options) {
			s := sel
			rv.SelectedOption = &s
			rv.IsCorrect = sel == q.CorrectOption
		}
		out = append(out, rv)
	}
	return out
}

// TopicStat is the accuracy for one topic within an attempt.
type TopicStat struct {
	Topic    string  `json:"topic"`
	Total    int     `json:"total"`
	Answered int     `json:"answered"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// TopicBreakdown groups an attempt's results by question topic, in first-seen order.
func TopicBreakdown(questions []model.Question, answers model.Answers) []TopicStat {
	idx := make(map[string]int)
	var stats []TopicStat
	for _, q := range questions {
		topic := q.Topic
		if topic == "" {
			topic = "general"
		}
		i, ok := idx[topic]
		if !ok {
			i = len(stats)
			idx[topic] = i
			stats = append(stats, TopicStat{Topic: topic})
		}
		stats[i].Total++
		if sel, ok := answers[q.ID]; ok && sel >= 0 && sel < len(q.Options) {
			stats[i].Answered++
			if sel == q.CorrectOption {
				stats[i].Correct++
			}
		}
	}
	for i := range stats {
		if stats[i].Answered > 0 {
			stats[i].Accuracy = round2(100 * float64(stats[i].Correct) / float64(stats[i].Answered))
		}
	}
	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
