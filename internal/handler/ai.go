package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/cqrrect/cqrrect/internal/i18n"
	"github.com/cqrrect/cqrrect/internal/llm/prompts"
	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/scoring"
	"github.com/cqrrect/cqrrect/internal/store"
)

const (
	studyPlanHistory   = 10
	maxWeakTopics      = 5
	weakTopicThreshold = 60.0
)

func (h *Handler) aiAvailable(w http.ResponseWriter, r *http.Request) bool {
	if h.ai == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ErrAIUnavailable")
		return false
	}
	return true
}

// aiError answers 502 for any LLM failure. No synthetic result is returned.
func aiError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.Error("AI request failed", "op", op, "error", err)
	writeError(w, r, http.StatusBadGateway, "ErrAIUnavailable")
}

type explainRequest struct {
	QuestionID     string `json:"question_id" validate:"required"`
	SelectedOption *int   `json:"selected_option" validate:"omitempty,gte=0"`
}

// handleExplain reveals the answer key of a question, so students must have
// finished an attempt of its exam first.
func (h *Handler) handleExplain(w http.ResponseWriter, r *http.Request) {
	if !h.aiAvailable(w, r) {
		return
	}
	var req explainRequest
	if !bind(w, r, &req) {
		return
	}
	ctx := r.Context()
	q, err := h.store.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		storeError(w, r, "failed to get question", err)
		return
	}

	user := currentUser(r)
	if !isAdmin(user) {
		ok, err := h.hasFinishedAttempt(ctx, q.ExamID, user.ID)
		if err != nil {
			serverError(w, r, "failed to check attempts", err)
			return
		}
		if !ok {
			writeError(w, r, http.StatusForbidden, "ErrForbidden")
			return
		}
	}

	out, err := h.ai.Explain(ctx, q, req.SelectedOption, i18n.Lang(ctx))
	if err != nil {
		aiError(w, r, "explain", err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) hasFinishedAttempt(ctx context.Context, examID, userID string) (bool, error) {
	attempts, _, err := h.store.ListAttempts(ctx, store.AttemptFilter{ExamID: examID, UserID: userID}, store.Page{})
	if err != nil {
		return false, err
	}
	for _, a := range attempts {
		if a.Status.Finished() {
			return true, nil
		}
	}
	return false, nil
}

type analyzeRequest struct {
	AttemptID string `json:"attempt_id" validate:"required"`
}

func (h *Handler) handleAnalyzeAttempt(w http.ResponseWriter, r *http.Request) {
	if !h.aiAvailable(w, r) {
		return
	}
	var req analyzeRequest
	if !bind(w, r, &req) {
		return
	}
	ctx := r.Context()
	user := currentUser(r)

	a, err := h.store.GetAttempt(ctx, req.AttemptID)
	if err != nil {
		storeError(w, r, "failed to get attempt", err)
		return
	}
	if a.UserID != user.ID && !isAdmin(user) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	if !a.Status.Finished() {
		writeError(w, r, http.StatusConflict, "ErrAttemptInProgress")
		return
	}
	exam, err := h.store.GetExam(ctx, a.ExamID)
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	questions, err := h.store.ListQuestions(ctx, a.ExamID)
	if err != nil {
		serverError(w, r, "failed to list questions", err)
		return
	}
	topics := scoring.TopicBreakdown(questions, a.Answers)

	analysis, err := h.ai.AnalyzeAttempt(ctx, exam, a, topics, i18n.Lang(ctx))
	if err != nil {
		aiError(w, r, "analyze attempt", err)
		return
	}
	stored, err := h.storeAnalytics(ctx, a.UserID, &a.ID, model.AnalyticsAttempt, analysis)
	if err != nil {
		serverError(w, r, "failed to store analysis", err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"analytics_id": stored.ID,
		"analysis":     analysis,
		"topics":       topics,
	})
}

type studyPlanRequest struct {
	Goal  string `json:"goal" validate:"required,max=500"`
	Weeks int    `json:"weeks" validate:"required,min=1,max=12"`
}

func (h *Handler) handleStudyPlan(w http.ResponseWriter, r *http.Request) {
	if !h.aiAvailable(w, r) {
		return
	}
	var req studyPlanRequest
	if !bind(w, r, &req) {
		return
	}
	ctx := r.Context()
	user := currentUser(r)

	recent, err := h.store.ListAttemptsByUser(ctx, user.ID, studyPlanHistory)
	if err != nil {
		serverError(w, r, "failed to list attempts", err)
		return
	}
	finished := recent[:0]
	for _, a := range recent {
		if a.Status.Finished() {
			finished = append(finished, a)
		}
	}
	weak, err := h.weakTopics(ctx, finished)
	if err != nil {
		serverError(w, r, "failed to compute weak topics", err)
		return
	}

	plan, err := h.ai.StudyPlan(ctx, req.Goal, req.Weeks, finished, weak, i18n.Lang(ctx))
	if err != nil {
		aiError(w, r, "study plan", err)
		return
	}
	stored, err := h.storeAnalytics(ctx, user.ID, nil, model.AnalyticsStudyPlan, plan)
	if err != nil {
		serverError(w, r, "failed to store study plan", err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"analytics_id": stored.ID,
		"plan":         plan,
		"weak_topics":  weak,
	})
}

// weakTopics returns the topics answered below the threshold across the
// given attempts, weakest first.
func (h *Handler) weakTopics(ctx context.Context, attempts []model.AttemptSummary) ([]string, error) {
	type tally struct{ answered, correct int }
	totals := map[string]*tally{}
	questionsByExam := map[string][]model.Question{}

	for _, a := range attempts {
		qs, ok := questionsByExam[a.ExamID]
		if !ok {
			var err error
			if qs, err = h.store.ListQuestions(ctx, a.ExamID); err != nil {
				return nil, err
			}
			questionsByExam[a.ExamID] = qs
		}
		for _, t := range scoring.TopicBreakdown(qs, a.Answers) {
			tt, ok := totals[t.Topic]
			if !ok {
				tt = &tally{}
				totals[t.Topic] = tt
			}
			tt.answered += t.Answered
			tt.correct += t.Correct
		}
	}

	type scored struct {
		topic    string
		accuracy float64
	}
	var weak []scored
	for topic, t := range totals {
		if t.answered == 0 {
			continue
		}
		acc := 100 * float64(t.correct) / float64(t.answered)
		if acc < weakTopicThreshold {
			weak = append(weak, scored{topic, acc})
		}
	}
	sort.Slice(weak, func(i, j int) bool {
		if weak[i].accuracy != weak[j].accuracy {
			return weak[i].accuracy < weak[j].accuracy
		}
		return weak[i].topic < weak[j].topic
	})

	out := make([]string, 0, maxWeakTopics)
	for _, s := range weak {
		if len(out) == maxWeakTopics {
			break
		}
		out = append(out, s.topic)
	}
	return out, nil
}

func (h *Handler) storeAnalytics(ctx context.Context, userID string, attemptID *string, kind model.AnalyticsKind, v any) (model.AIAnalytics, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return model.AIAnalytics{}, err
	}
	return h.store.InsertAnalytics(ctx, model.AIAnalytics{
		UserID:    userID,
		AttemptID: attemptID,
		Kind:      kind,
		Payload:   model.Payload(payload),
		Model:     h.ai.Model(),
	})
}

type gradeRequest struct {
	Question    string `json:"question" validate:"required,max=4000"`
	Answer      string `json:"answer" validate:"required,max=20000"`
	MaxPoints   int    `json:"max_points" validate:"required,min=1,max=100"`
	Rubric      string `json:"rubric" validate:"max=4000"`
	ModelAnswer string `json:"model_answer" validate:"max=8000"`
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	if !h.aiAvailable(w, r) {
		return
	}
	var req gradeRequest
	if !bind(w, r, &req) {
		return
	}
	out, err := h.ai.GradeWritten(r.Context(), prompts.GradeData{
		QuestionText: req.Question,
		MaxPoints:    req.MaxPoints,
		Rubric:       req.Rubric,
		ModelAnswer:  req.ModelAnswer,
		Answer:       req.Answer,
	})
	if err != nil {
		aiError(w, r, "grade", err)
		return
	}
	writeData(w, http.StatusOK, out)
}
