package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cqrrect/cqrrect/internal/i18n"
	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/notify"
	"github.com/cqrrect/cqrrect/internal/proctor"
	"github.com/cqrrect/cqrrect/internal/scoring"
)

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedAttempt(w, r, true)
	if !ok {
		return
	}
	exam, err := h.store.GetExam(r.Context(), a.ExamID)
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	questions, err := h.store.ListQuestions(r.Context(), a.ExamID)
	if err != nil {
		serverError(w, r, "failed to list questions", err)
		return
	}
	v := h.newAttemptView(exam, a, questions)
	if a.ViolationCount > 0 {
		if v.Violations, err = h.store.ViolationsByKind(r.Context(), a.ID); err != nil {
			serverError(w, r, "failed to count violations", err)
			return
		}
	}
	writeData(w, http.StatusOK, v)
}

type saveAnswersRequest struct {
	Answers model.Answers `json:"answers" validate:"required"`
}

func (h *Handler) handleSaveAnswers(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedAttempt(w, r, false)
	if !ok {
		return
	}
	var req saveAnswersRequest
	if !bind(w, r, &req) {
		return
	}
	if err := h.store.SaveAnswers(r.Context(), a.ID, req.Answers); err != nil {
		storeError(w, r, "failed to save answers", err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"answered": len(req.Answers)})
}

type submitRequest struct {
	Answers          model.Answers `json:"answers"`
	TimeSpentSeconds int           `json:"time_spent_seconds" validate:"gte=0"`
}

func (h *Handler) handleSubmitAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := h.ownedAttempt(w, r, false)
	if !ok {
		return
	}
	if a.Status.Finished() {
		writeError(w, r, http.StatusConflict, "ErrAttemptFinished")
		return
	}
	var req submitRequest
	if !bind(w, r, &req) {
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

	if req.Answers != nil {
		a.Answers = req.Answers
	}
	a.TimeSpentSeconds = req.TimeSpentSeconds
	if a.TimeSpentSeconds == 0 {
		a.TimeSpentSeconds = int(time.Since(a.StartedAt).Seconds())
	}
	scoring.Grade(exam, questions, a.Answers).Apply(&a)

	finished, err := h.store.FinishAttempt(ctx, a, model.AttemptSubmitted)
	if err != nil {
		storeError(w, r, "failed to finish attempt", err)
		return
	}
	h.monitor.Forget(a.ID)
	slog.Info("attempt submitted", "attempt_id", a.ID, "user_id", a.UserID, "percentage", finished.Percentage)

	h.sendResult(ctx, *currentUser(r), exam, finished)
	writeData(w, http.StatusOK, h.newAttemptView(exam, finished, questions))
}

// sendResult emails the graded attempt to the student. Delivery is
// asynchronous and failures are only logged.
func (h *Handler) sendResult(ctx context.Context, user model.User, exam model.Exam, a model.ExamAttempt) {
	h.mailer.Send(context.WithoutCancel(ctx), notify.Message{
		To:      mail.Address{Name: user.FullName, Address: user.Email},
		Subject: i18n.Td(ctx, "ResultEmailSubject", map[string]any{"Exam": exam.Title}),
		Text: i18n.Td(ctx, "ResultEmailBody", map[string]any{
			"Exam":       exam.Title,
			"Score":      strconv.FormatFloat(a.Score, 'f', -1, 64),
			"MaxScore":   strconv.FormatFloat(a.MaxScore, 'f', -1, 64),
			"Percentage": strconv.FormatFloat(a.Percentage, 'f', -1, 64),
		}),
	})
}

type violationRequest struct {
	Kind       string        `json:"kind" validate:"required,max=40"`
	Detail     string        `json:"detail" validate:"max=500"`
	OccurredAt *time.Time    `json:"occurred_at"`
	Answers    model.Answers `json:"answers"`
}

type violationResponse struct {
	proctor.Outcome
	MaxViolations int    `json:"max_violations"`
	Warning       string `json:"warning"`
}

func (h *Handler) handleRecordViolation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, ok := h.ownedAttempt(w, r, false)
	if !ok {
		return
	}
	var req violationRequest
	if !bind(w, r, &req) {
		return
	}
	ev := proctor.Event{Kind: req.Kind, Detail: req.Detail, Answers: req.Answers}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}

	out, err := h.monitor.Record(ctx, a, ev)
	if err != nil {
		storeError(w, r, "failed to record violation", err)
		return
	}
	if out.AutoSubmitted && out.Attempt != nil {
		if exam, err := h.store.GetExam(ctx, a.ExamID); err == nil {
			h.sendResult(ctx, *currentUser(r), exam, *out.Attempt)
		}
	}
	writeData(w, http.StatusOK, violationResponse{
		Outcome:       out,
		MaxViolations: h.monitor.MaxViolations(),
		Warning:       i18n.Tp(ctx, "ViolationWarning", out.Count),
	})
}

func (h *Handler) handleStudentExams(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	studentID := r.URL.Query().Get("student_id")
	if studentID == "" {
		studentID = user.ID
	}
	if _, err := uuid.Parse(studentID); err != nil {
		writeItems(w, []model.AttemptSummary{})
		return
	}
	if studentID != user.ID && !isAdmin(user) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	attempts, err := h.store.ListAttemptsByUser(r.Context(), studentID, 0)
	if err != nil {
		serverError(w, r, "failed to list attempts", err)
		return
	}
	writeItems(w, attempts)
}
