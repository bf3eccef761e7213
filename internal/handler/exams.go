package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/scoring"
	"github.com/cqrrect/cqrrect/internal/store"
)

func currentUser(r *http.Request) *model.User {
	return model.UserFromContext(r.Context())
}

func isAdmin(u *model.User) bool {
	return u != nil && u.Role == model.UserRoleAdmin
}

// attemptView is an attempt as shown to its owner. Questions carry no answer
// key while the attempt is in progress; Review is set once it is finished.
type attemptView struct {
	Attempt       model.ExamAttempt      `json:"attempt"`
	Exam          model.Exam             `json:"exam"`
	Questions     []model.PublicQuestion `json:"questions,omitempty"`
	Review        []model.QuestionReview `json:"review,omitempty"`
	Violations    []store.KindCount      `json:"violations,omitempty"`
	Resumed       bool                   `json:"resumed,omitempty"`
	MaxViolations int                    `json:"max_violations"`
	DeadlineAt    time.Time              `json:"deadline_at"`
}

func (h *Handler) newAttemptView(exam model.Exam, a model.ExamAttempt, questions []model.Question) attemptView {
	v := attemptView{
		Attempt:       a,
		Exam:          exam,
		MaxViolations: h.monitor.MaxViolations(),
		DeadlineAt:    a.StartedAt.Add(time.Duration(exam.DurationMinutes) * time.Minute),
	}
	if a.Status.Finished() {
		v.Review = scoring.Review(questions, a.Answers)
		return v
	}
	v.Questions = make([]model.PublicQuestion, 0, len(questions))
	for _, q := range questions {
		v.Questions = append(v.Questions, q.Public())
	}
	return v
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r)
	q := r.URL.Query()
	exams, total, err := h.store.ListExams(r.Context(), store.ExamFilter{
		Status:  model.ExamPublished,
		Subject: strings.TrimSpace(q.Get("subject")),
		Search:  strings.TrimSpace(q.Get("search")),
	}, p.store())
	if err != nil {
		serverError(w, r, "failed to list exams", err)
		return
	}
	writePage(w, exams, total, p)
}

// visibleExam loads an exam the current user may see. Students only see
// published exams; anything else answers 404.
func (h *Handler) visibleExam(w http.ResponseWriter, r *http.Request) (model.Exam, bool) {
	exam, err := h.store.GetExam(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return model.Exam{}, false
	}
	if exam.Status != model.ExamPublished && !isAdmin(currentUser(r)) {
		writeError(w, r, http.StatusNotFound, "ErrExamNotAvailable")
		return model.Exam{}, false
	}
	return exam, true
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, ok := h.visibleExam(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, exam)
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := currentUser(r)

	exam, err := h.store.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	if exam.Status != model.ExamPublished {
		writeError(w, r, http.StatusNotFound, "ErrExamNotAvailable")
		return
	}

	questions, err := h.store.ListQuestions(ctx, exam.ID)
	if err != nil {
		serverError(w, r, "failed to list questions", err)
		return
	}
	if len(questions) == 0 {
		writeError(w, r, http.StatusConflict, "ErrExamHasNoQuestions")
		return
	}

	if exam.Premium && !isAdmin(user) {
		sub, err := h.store.ActiveSubscription(ctx, user.ID)
		if err != nil {
			serverError(w, r, "failed to check subscription", err)
			return
		}
		if sub == nil {
			writeError(w, r, http.StatusPaymentRequired, "ErrSubscriptionRequired")
			return
		}
	}

	active, err := h.store.GetActiveAttempt(ctx, exam.ID, user.ID)
	if err != nil {
		serverError(w, r, "failed to check active attempt", err)
		return
	}
	if active != nil {
		v := h.newAttemptView(exam, *active, questions)
		v.Resumed = true
		writeData(w, http.StatusOK, v)
		return
	}

	a, err := h.store.CreateAttempt(ctx, exam.ID, user.ID, len(questions))
	if err != nil {
		serverError(w, r, "failed to create attempt", err)
		return
	}
	writeData(w, http.StatusCreated, h.newAttemptView(exam, a, questions))
}

// ownedAttempt loads the attempt named in the URL. Only its owner, or an
// admin when allowAdmin is set, may access it.
func (h *Handler) ownedAttempt(w http.ResponseWriter, r *http.Request, allowAdmin bool) (model.ExamAttempt, bool) {
	a, err := h.store.GetAttempt(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		storeError(w, r, "failed to get attempt", err)
		return model.ExamAttempt{}, false
	}
	user := currentUser(r)
	if a.UserID != user.ID && !(allowAdmin && isAdmin(user)) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return model.ExamAttempt{}, false
	}
	return a, true
}
