package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cqrrect/cqrrect/internal/auth"
	"github.com/cqrrect/cqrrect/internal/i18n"
	"github.com/cqrrect/cqrrect/internal/importer"
	"github.com/cqrrect/cqrrect/internal/llm"
	"github.com/cqrrect/cqrrect/internal/llm/prompts"
	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/notify"
	"github.com/cqrrect/cqrrect/internal/payment"
	"github.com/cqrrect/cqrrect/internal/proctor"
	"github.com/cqrrect/cqrrect/internal/scoring"
	"github.com/cqrrect/cqrrect/internal/store"
)

// AI is the LLM client used by the AI routes.
type AI interface {
	Model() string
	Explain(ctx context.Context, q model.Question, selected *int, lang string) (*llm.Explanation, error)
	AnalyzeAttempt(ctx context.Context, exam model.Exam, a model.ExamAttempt, topics []scoring.TopicStat, lang string) (*llm.AttemptAnalysis, error)
	StudyPlan(ctx context.Context, goal string, weeks int, attempts []model.AttemptSummary, weakTopics []string, lang string) (*llm.StudyPlan, error)
	GenerateQuestions(ctx context.Context, subject, topic string, difficulty model.Difficulty, count int, lang string) ([]model.QuestionImport, error)
	GradeWritten(ctx context.Context, data prompts.GradeData) (*llm.GradeResult, error)
}

// Options are the optional collaborators of a Handler. A nil AI or
// Payments disables the corresponding routes with 503.
type Options struct {
	AI       AI
	Payments *payment.Service
	Mailer   notify.Mailer
	Monitor  *proctor.Monitor
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	tokens   *auth.Issuer
	ai       AI
	payments *payment.Service
	mailer   notify.Mailer
	monitor  *proctor.Monitor
	importer *importer.Importer
}

// New creates a new Handler.
func New(s *store.Store, tokens *auth.Issuer, opts Options) (*Handler, error) {
	if s == nil || tokens == nil {
		return nil, errors.New("store and token issuer are required")
	}
	h := &Handler{
		store:    s,
		tokens:   tokens,
		ai:       opts.AI,
		payments: opts.Payments,
		mailer:   opts.Mailer,
		monitor:  opts.Monitor,
		importer: importer.New(s),
	}
	if h.mailer == nil {
		h.mailer = notify.NewConsoleMailer(nil)
	}
	if h.monitor == nil {
		h.monitor = proctor.NewMonitor(s, proctor.DefaultMaxViolations)
	}
	return h, nil
}

// Router returns the API with its standard middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(i18n.Middleware)
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", h.handleSignup)
		r.Post("/auth/login", h.handleLogin)
		r.Get("/plans", h.handlePlans)
		r.Post("/payments/webhook", h.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Post("/auth/logout", h.handleLogout)
			r.Get("/auth/me", h.handleMe)

			r.Get("/exams", h.handleListExams)
			r.Get("/exams/{examID}", h.handleGetExam)
			r.Post("/exams/{examID}/attempts", h.handleStartAttempt)
			r.Get("/attempts/{attemptID}", h.handleGetAttempt)
			r.Put("/attempts/{attemptID}/answers", h.handleSaveAnswers)
			r.Post("/attempts/{attemptID}/submit", h.handleSubmitAttempt)
			r.Post("/attempts/{attemptID}/violations", h.handleRecordViolation)
			r.Get("/student-exams", h.handleStudentExams)
			r.Get("/dashboard", h.handleDashboard)

			r.Get("/subscription", h.handleSubscription)
			r.Get("/payments", h.handleListPayments)
			r.Post("/payments/checkout", h.handleCheckout)
			r.Get("/payments/{orderID}/verify", h.handleVerifyPayment)

			r.Post("/ai/explain", h.handleExplain)
			r.Post("/ai/analyze-attempt", h.handleAnalyzeAttempt)
			r.Post("/ai/study-plan", h.handleStudyPlan)
			r.Post("/ai/grade", h.handleGrade)

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))

				r.Get("/exams", h.handleAdminListExams)
				r.Post("/exams", h.handleAdminCreateExam)
				r.Get("/exams/{examID}", h.handleAdminGetExam)
				r.Put("/exams/{examID}", h.handleAdminUpdateExam)
				r.Delete("/exams/{examID}", h.handleAdminDeleteExam)
				r.Patch("/exams/{examID}/status", h.handleAdminSetExamStatus)
				r.Get("/exams/{examID}/questions", h.handleAdminListQuestions)
				r.Post("/exams/{examID}/questions", h.handleAdminCreateQuestion)
				r.Post("/exams/{examID}/questions/import", h.handleAdminImportQuestions)
				r.Get("/exams/{examID}/monitor", h.handleAdminMonitor)
				r.Put("/questions/{questionID}", h.handleAdminUpdateQuestion)
				r.Delete("/questions/{questionID}", h.handleAdminDeleteQuestion)

				r.Get("/users", h.handleAdminListUsers)
				r.Post("/users", h.handleAdminCreateUser)
				r.Patch("/users/{userID}", h.handleAdminUpdateUser)
				r.Delete("/users/{userID}", h.handleAdminDeleteUser)
				r.Delete("/users/{userID}/subscription", h.handleAdminCancelSubscription)

				r.Get("/attempts", h.handleAdminListAttempts)
				r.Get("/attempts/{attemptID}/violations", h.handleAdminAttemptViolations)
				r.Get("/analytics", h.handleAdminAnalytics)
				r.Get("/subscriptions", h.handleAdminSubscriptions)
				r.Get("/payments", h.handleAdminPayments)
				r.Post("/ai/generate-questions", h.handleAdminGenerateQuestions)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		serverError(w, r, "database ping failed", err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}
