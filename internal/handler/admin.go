package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cqrrect/cqrrect/internal/i18n"
	"github.com/cqrrect/cqrrect/internal/importer"
	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/payment"
	"github.com/cqrrect/cqrrect/internal/store"
)

const maxUploadBytes = 10 << 20

type examRequest struct {
	Title           string           `json:"title" validate:"required,max=200"`
	Description     string           `json:"description" validate:"max=4000"`
	Subject         string           `json:"subject" validate:"required,max=100"`
	DurationMinutes int              `json:"duration_minutes" validate:"required,min=1,max=600"`
	PassPercentage  float64          `json:"pass_percentage" validate:"gte=0,lte=100"`
	NegativeMarking float64          `json:"negative_marking" validate:"gte=0,lte=1"`
	Premium         bool             `json:"premium"`
	Status          model.ExamStatus `json:"status" validate:"omitempty,oneof=draft published archived"`
}

func (req examRequest) exam() model.Exam {
	return model.Exam{
		Title:           strings.TrimSpace(req.Title),
		Description:     req.Description,
		Subject:         strings.TrimSpace(req.Subject),
		DurationMinutes: req.DurationMinutes,
		PassPercentage:  req.PassPercentage,
		NegativeMarking: req.NegativeMarking,
		Premium:         req.Premium,
		Status:          req.Status,
	}
}

func (h *Handler) handleAdminListExams(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r)
	q := r.URL.Query()
	status := model.ExamStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		writeValidation(w, r, map[string]string{"status": "status must be one of [draft published archived]"})
		return
	}
	exams, total, err := h.store.ListExams(r.Context(), store.ExamFilter{
		Status:  status,
		Subject: strings.TrimSpace(q.Get("subject")),
		Search:  strings.TrimSpace(q.Get("search")),
	}, p.store())
	if err != nil {
		serverError(w, r, "failed to list exams", err)
		return
	}
	writePage(w, exams, total, p)
}

func (h *Handler) handleAdminCreateExam(w http.ResponseWriter, r *http.Request) {
	var req examRequest
	if !bind(w, r, &req) {
		return
	}
	e := req.exam()
	e.CreatedBy = currentUser(r).ID
	id, err := h.store.CreateExam(r.Context(), e)
	if err != nil {
		serverError(w, r, "failed to create exam", err)
		return
	}
	created, err := h.store.GetExam(r.Context(), id)
	if err != nil {
		serverError(w, r, "failed to load new exam", err)
		return
	}
	slog.Info("created exam", "id", id, "by", e.CreatedBy)
	writeData(w, http.StatusCreated, created)
}

type adminExam struct {
	model.Exam
	Questions []model.Question `json:"questions"`
}

func (h *Handler) handleAdminGetExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.GetExam(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	questions, err := h.store.ListQuestions(r.Context(), exam.ID)
	if err != nil {
		serverError(w, r, "failed to list questions", err)
		return
	}
	writeData(w, http.StatusOK, adminExam{Exam: exam, Questions: questions})
}

func (h *Handler) handleAdminUpdateExam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	existing, err := h.store.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	var req examRequest
	if !bind(w, r, &req) {
		return
	}
	e := req.exam()
	e.ID = existing.ID
	if e.Status == "" {
		e.Status = existing.Status
	}
	if err := h.store.UpdateExam(ctx, e); err != nil {
		storeError(w, r, "failed to update exam", err)
		return
	}
	updated, err := h.store.GetExam(ctx, e.ID)
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

type examStatusRequest struct {
	Status model.ExamStatus `json:"status" validate:"required,oneof=draft published archived"`
}

func (h *Handler) handleAdminSetExamStatus(w http.ResponseWriter, r *http.Request) {
	var req examStatusRequest
	if !bind(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "examID")
	if err := h.store.SetExamStatus(r.Context(), id, req.Status); err != nil {
		storeError(w, r, "failed to set exam status", err)
		return
	}
	slog.Info("exam status changed", "id", id, "status", req.Status)
	writeData(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
}

func (h *Handler) handleAdminDeleteExam(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteExam(r.Context(), chi.URLParam(r, "examID")); err != nil {
		storeError(w, r, "failed to delete exam", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAdminListQuestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exam, err := h.store.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	q := r.URL.Query()
	questions, err := h.store.ListQuestionsFiltered(ctx, exam.ID, model.Difficulty(q.Get("difficulty")), q.Get("topic"))
	if err != nil {
		serverError(w, r, "failed to list questions", err)
		return
	}
	writeItems(w, questions)
}

type questionRequest struct {
	model.QuestionImport
	Position int `json:"position" validate:"gte=0"`
}

// question converts the request, answering 400 when the answer key is out of range.
func (req questionRequest) question(w http.ResponseWriter, r *http.Request, examID string) (model.Question, bool) {
	q, err := req.ToQuestion(examID, req.Position)
	if err != nil {
		writeValidation(w, r, map[string]string{"correct_option": model.ErrCorrectOptionRange.Error()})
		return model.Question{}, false
	}
	return q, true
}

func (h *Handler) handleAdminCreateQuestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exam, err := h.store.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	var req questionRequest
	if !bind(w, r, &req) {
		return
	}
	q, ok := req.question(w, r, exam.ID)
	if !ok {
		return
	}
	id, err := h.store.InsertQuestion(ctx, q)
	if err != nil {
		serverError(w, r, "failed to insert question", err)
		return
	}
	created, err := h.store.GetQuestion(ctx, id)
	if err != nil {
		serverError(w, r, "failed to load new question", err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (h *Handler) handleAdminUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	existing, err := h.store.GetQuestion(ctx, chi.URLParam(r, "questionID"))
	if err != nil {
		storeError(w, r, "failed to get question", err)
		return
	}
	var req questionRequest
	if !bind(w, r, &req) {
		return
	}
	if req.Position == 0 {
		req.Position = existing.Position
	}
	q, ok := req.question(w, r, existing.ExamID)
	if !ok {
		return
	}
	q.ID = existing.ID
	if err := h.store.UpdateQuestion(ctx, q); err != nil {
		storeError(w, r, "failed to update question", err)
		return
	}
	writeData(w, http.StatusOK, q)
}

func (h *Handler) handleAdminDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteQuestion(r.Context(), chi.URLParam(r, "questionID")); err != nil {
		storeError(w, r, "failed to delete question", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importFailure struct {
	Success bool                `json:"success"`
	Error   string              `json:"error"`
	Rows    []importer.RowError `json:"rows"`
}

func (h *Handler) handleAdminImportQuestions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrImportFile")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrImportFile")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrImportFile")
		return
	}

	examID := chi.URLParam(r, "examID")
	res, err := h.importer.Import(r.Context(), examID, data)
	var invalid *importer.InvalidError
	switch {
	case err == nil:
	case errors.Is(err, importer.ErrAlreadyImported):
		writeError(w, r, http.StatusConflict, "ErrDuplicateImport")
		return
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, importFailure{
			Error: i18n.T(r.Context(), "ErrImportFile"),
			Rows:  invalid.Rows,
		})
		return
	case errors.Is(err, importer.ErrEmpty), errors.Is(err, importer.ErrMalformed):
		writeError(w, r, http.StatusBadRequest, "ErrImportFile")
		return
	default:
		storeError(w, r, "failed to import questions", err)
		return
	}

	slog.Info("uploaded questions via admin", "exam_id", examID, "filename", header.Filename, "count", len(res.QuestionIDs))
	writeData(w, http.StatusCreated, res)
}

func (h *Handler) handleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exam, err := h.store.GetExam(ctx, chi.URLParam(r, "examID"))
	if err != nil {
		storeError(w, r, "failed to get exam", err)
		return
	}
	rows, err := h.store.ExamMonitor(ctx, exam.ID)
	if err != nil {
		serverError(w, r, "failed to build monitor", err)
		return
	}
	writeItems(w, rows)
}

func (h *Handler) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r)
	q := r.URL.Query()
	users, total, err := h.store.ListUsers(r.Context(), store.UserFilter{
		Role:   model.UserRole(q.Get("role")),
		Search: strings.TrimSpace(q.Get("search")),
	}, p.store())
	if err != nil {
		serverError(w, r, "failed to list users", err)
		return
	}
	writePage(w, users, total, p)
}

type createUserRequest struct {
	signupRequest
	Role model.UserRole `json:"role" validate:"omitempty,oneof=student admin"`
}

func (h *Handler) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !bind(w, r, &req) {
		return
	}
	if key := passwordProblem(req.Password); key != "" {
		writeError(w, r, http.StatusBadRequest, key)
		return
	}
	if req.Role == "" {
		req.Role = model.UserRoleStudent
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		serverError(w, r, "failed to hash password", err)
		return
	}
	ctx := r.Context()
	id, err := h.store.CreateUser(ctx, model.User{
		Email:        req.Email,
		FullName:     strings.TrimSpace(req.FullName),
		Phone:        req.Phone,
		Institution:  req.Institution,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		storeError(w, r, "failed to create user", err)
		return
	}
	user, err := h.store.GetUserByID(ctx, id)
	if err != nil || user == nil {
		serverError(w, r, "failed to load new user", err)
		return
	}
	slog.Info("created user", "id", id, "role", user.Role)
	writeData(w, http.StatusCreated, user)
}

type updateUserRequest struct {
	Role     *model.UserRole `json:"role" validate:"omitempty,oneof=student admin"`
	Active   *bool           `json:"active"`
	Password *string         `json:"password"`
}

func (h *Handler) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "userID")
	var req updateUserRequest
	if !bind(w, r, &req) {
		return
	}
	if id == currentUser(r).ID {
		if (req.Role != nil && *req.Role != model.UserRoleAdmin) || (req.Active != nil && !*req.Active) {
			writeError(w, r, http.StatusBadRequest, "ErrCannotModifySelf")
			return
		}
	}

	upd := store.UserUpdate{Role: req.Role, Active: req.Active}
	if req.Password != nil {
		if key := passwordProblem(*req.Password); key != "" {
			writeError(w, r, http.StatusBadRequest, key)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			serverError(w, r, "failed to hash password", err)
			return
		}
		hashed := string(hash)
		upd.PasswordHash = &hashed
	}
	if err := h.store.UpdateUser(ctx, id, upd); err != nil {
		storeError(w, r, "failed to update user", err)
		return
	}

	updated, err := h.store.GetUserByID(ctx, id)
	if err != nil || updated == nil {
		serverError(w, r, "failed to reload user", err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (h *Handler) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if id == currentUser(r).ID {
		writeError(w, r, http.StatusBadRequest, "ErrCannotDeleteSelf")
		return
	}
	if err := h.store.DeleteUser(r.Context(), id); err != nil {
		storeError(w, r, "failed to delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAdminListAttempts(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r)
	q := r.URL.Query()
	attempts, total, err := h.store.ListAttempts(r.Context(), store.AttemptFilter{
		ExamID:  q.Get("exam_id"),
		UserID:  q.Get("user_id"),
		Status:  model.AttemptStatus(q.Get("status")),
		Flagged: q.Get("flagged") == "true",
	}, p.store())
	if err != nil {
		serverError(w, r, "failed to list attempts", err)
		return
	}
	writePage(w, attempts, total, p)
}

func (h *Handler) handleAdminAttemptViolations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.store.GetAttempt(ctx, chi.URLParam(r, "attemptID"))
	if err != nil {
		storeError(w, r, "failed to get attempt", err)
		return
	}
	violations, err := h.store.ListViolations(ctx, a.ID)
	if err != nil {
		serverError(w, r, "failed to list violations", err)
		return
	}
	writeItems(w, violations)
}

type adminAnalytics struct {
	store.Overview
	MRR      float64 `json:"mrr"`
	Currency string  `json:"currency"`
}

func (h *Handler) handleAdminAnalytics(w http.ResponseWriter, r *http.Request) {
	ov, err := h.store.AdminOverview(r.Context())
	if err != nil {
		serverError(w, r, "failed to build analytics", err)
		return
	}
	writeData(w, http.StatusOK, adminAnalytics{
		Overview: ov,
		MRR:      payment.MRR(ov.ActiveSubscriptions),
		Currency: payment.Currency,
	})
}

func (h *Handler) handleAdminSubscriptions(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r)
	subs, total, err := h.store.ListSubscriptions(r.Context(), model.SubscriptionStatus(r.URL.Query().Get("status")), p.store())
	if err != nil {
		serverError(w, r, "failed to list subscriptions", err)
		return
	}
	writePage(w, subs, total, p)
}

func (h *Handler) handleAdminCancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.store.CancelSubscription(r.Context(), userID); err != nil {
		storeError(w, r, "failed to cancel subscription", err)
		return
	}
	slog.Info("cancelled subscription", "user_id", userID, "by", currentUser(r).ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAdminPayments(w http.ResponseWriter, r *http.Request) {
	p := parsePage(r)
	payments, total, err := h.store.ListPayments(r.Context(), r.URL.Query().Get("user_id"), p.store())
	if err != nil {
		serverError(w, r, "failed to list payments", err)
		return
	}
	writePage(w, payments, total, p)
}

type generateRequest struct {
	Subject    string           `json:"subject" validate:"required,max=100"`
	Topic      string           `json:"topic" validate:"max=100"`
	Difficulty model.Difficulty `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
	Count      int              `json:"count" validate:"required,min=1,max=20"`
	ExamID     string           `json:"exam_id" validate:"omitempty,uuid"`
}

type generateResponse struct {
	Questions   []model.QuestionImport `json:"questions"`
	ExamID      string                 `json:"exam_id,omitempty"`
	QuestionIDs []string               `json:"question_ids,omitempty"`
}

// handleAdminGenerateQuestions asks the model for questions. With exam_id
// the valid ones are appended to that exam.
func (h *Handler) handleAdminGenerateQuestions(w http.ResponseWriter, r *http.Request) {
	if !h.aiAvailable(w, r) {
		return
	}
	var req generateRequest
	if !bind(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.ExamID != "" {
		if _, err := h.store.GetExam(ctx, req.ExamID); err != nil {
			storeError(w, r, "failed to get exam", err)
			return
		}
	}

	generated, err := h.ai.GenerateQuestions(ctx, req.Subject, req.Topic, req.Difficulty, req.Count, i18n.Lang(ctx))
	if err != nil {
		aiError(w, r, "generate questions", err)
		return
	}
	resp := generateResponse{Questions: generated}
	if req.ExamID == "" {
		writeData(w, http.StatusOK, resp)
		return
	}

	qs := make([]model.Question, 0, len(generated))
	for _, qi := range generated {
		q, err := qi.ToQuestion(req.ExamID, 0)
		if err != nil {
			slog.Warn("skipping generated question", "error", err)
			continue
		}
		qs = append(qs, q)
	}
	ids, err := h.store.InsertQuestions(ctx, qs)
	if err != nil {
		serverError(w, r, "failed to insert generated questions", err)
		return
	}
	resp.ExamID = req.ExamID
	resp.QuestionIDs = ids
	slog.Info("inserted generated questions", "exam_id", req.ExamID, "count", len(ids))
	writeData(w, http.StatusCreated, resp)
}
