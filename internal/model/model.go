package model

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student taking exams.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin manages exams, questions and users.
	UserRoleAdmin UserRole = "admin"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r == UserRoleStudent || r == UserRoleAdmin
}

// User represents a system user (student or admin profile).
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	FullName     string    `db:"full_name" json:"full_name"`
	Phone        string    `db:"phone" json:"phone,omitempty"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         UserRole  `db:"role" json:"role"`
	Institution  string    `db:"institution" json:"institution,omitempty"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// AuthSession represents a login session referenced by an API token.
type AuthSession struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type sessionCtxKey struct{}

// ContextWithSessionID stores the auth session ID in context.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext retrieves the auth session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionCtxKey{}).(string)
	return id
}

// ExamStatus is the publication state of an exam.
type ExamStatus string

const (
	ExamDraft     ExamStatus = "draft"
	ExamPublished ExamStatus = "published"
	ExamArchived  ExamStatus = "archived"
)

// Valid reports whether s is a known exam status.
func (s ExamStatus) Valid() bool {
	switch s {
	case ExamDraft, ExamPublished, ExamArchived:
		return true
	}
	return false
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Exam is a timed multiple-choice exam.
type Exam struct {
	ID              string     `db:"id" json:"id"`
	Title           string     `db:"title" json:"title"`
	Description     string     `db:"description" json:"description"`
	Subject         string     `db:"subject" json:"subject"`
	DurationMinutes int        `db:"duration_minutes" json:"duration_minutes"`
	PassPercentage  float64    `db:"pass_percentage" json:"pass_percentage"`
	NegativeMarking float64    `db:"negative_marking" json:"negative_marking"`
	Premium         bool       `db:"premium" json:"premium"`
	Status          ExamStatus `db:"status" json:"status"`
	CreatedBy       string     `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	QuestionCount   int        `db:"question_count" json:"question_count"`
}

// Options is a list of answer choices stored as a JSON array.
type Options []string

// Value implements driver.Valuer.
func (o Options) Value() (driver.Value, error) {
	if o == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(o))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (o *Options) Scan(src any) error {
	return scanJSON(src, o)
}

// Question is a multiple-choice question belonging to an exam.
type Question struct {
	ID            string     `db:"id" json:"id"`
	ExamID        string     `db:"exam_id" json:"exam_id"`
	Text          string     `db:"text" json:"text"`
	Options       Options    `db:"options" json:"options"`
	CorrectOption int        `db:"correct_option" json:"correct_option"`
	Explanation   string     `db:"explanation" json:"explanation"`
	Marks         float64    `db:"marks" json:"marks"`
	Difficulty    Difficulty `db:"difficulty" json:"difficulty"`
	Topic         string     `db:"topic" json:"topic"`
	Position      int        `db:"position" json:"position"`
}

// PublicQuestion is a question as shown to a student during an attempt.
type PublicQuestion struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Options    Options    `json:"options"`
	Marks      float64    `json:"marks"`
	Difficulty Difficulty `json:"difficulty"`
	Topic      string     `json:"topic"`
}

// Public strips the answer key from a question.
func (q Question) Public() PublicQuestion {
	return PublicQuestion{
		ID:         q.ID,
		Text:       q.Text,
		Options:    q.Options,
		Marks:      q.Marks,
		Difficulty: q.Difficulty,
		Topic:      q.Topic,
	}
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	Text          string     `json:"text" validate:"required"`
	Options       []string   `json:"options" validate:"min=2,max=6,dive,required"`
	CorrectOption int        `json:"correct_option" validate:"min=0"`
	Explanation   string     `json:"explanation"`
	Marks         float64    `json:"marks" validate:"gte=0"`
	Difficulty    Difficulty `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
	Topic         string     `json:"topic"`
}

// ErrCorrectOptionRange is returned when the answer key points outside the options.
var ErrCorrectOptionRange = errors.New("correct_option out of range")

// ToQuestion converts an import row into a question for the given exam.
func (qi QuestionImport) ToQuestion(examID string, position int) (Question, error) {
	if qi.CorrectOption < 0 || qi.CorrectOption >= len(qi.Options) {
		return Question{}, fmt.Errorf("question %q: %w", qi.Text, ErrCorrectOptionRange)
	}
	marks := qi.Marks
	if marks <= 0 {
		marks = 1
	}
	diff := qi.Difficulty
	if diff == "" {
		diff = DifficultyMedium
	}
	return Question{
		ExamID:        examID,
		Text:          qi.Text,
		Options:       Options(qi.Options),
		CorrectOption: qi.CorrectOption,
		Explanation:   qi.Explanation,
		Marks:         marks,
		Difficulty:    diff,
		Topic:         qi.Topic,
		Position:      position,
	}, nil
}

// AttemptStatus represents the status of an exam attempt.
type AttemptStatus string

const (
	AttemptInProgress    AttemptStatus = "in_progress"
	AttemptSubmitted     AttemptStatus = "submitted"
	AttemptAutoSubmitted AttemptStatus = "auto_submitted"
)

// Finished reports whether the attempt no longer accepts answers.
func (s AttemptStatus) Finished() bool {
	return s == AttemptSubmitted || s == AttemptAutoSubmitted
}

// Answers maps question IDs to the selected option index.
type Answers map[string]int

// Value implements driver.Valuer.
func (a Answers) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]int(a))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (a *Answers) Scan(src any) error {
	return scanJSON(src, a)
}

// ExamAttempt records one student's run through one exam.
type ExamAttempt struct {
	ID               string        `db:"id" json:"id"`
	ExamID           string        `db:"exam_id" json:"exam_id"`
	UserID           string        `db:"user_id" json:"user_id"`
	Status           AttemptStatus `db:"status" json:"status"`
	Answers          Answers       `db:"answers" json:"answers"`
	TotalQuestions   int           `db:"total_questions" json:"total_questions"`
	Answered         int           `db:"answered" json:"answered"`
	Correct          int           `db:"correct" json:"correct"`
	Wrong            int           `db:"wrong" json:"wrong"`
	Score            float64       `db:"score" json:"score"`
	MaxScore         float64       `db:"max_score" json:"max_score"`
	Percentage       float64       `db:"percentage" json:"percentage"`
	Passed           bool          `db:"passed" json:"passed"`
	TimeSpentSeconds int           `db:"time_spent_seconds" json:"time_spent_seconds"`
	ViolationCount   int           `db:"violation_count" json:"violation_count"`
	Flagged          bool          `db:"flagged" json:"flagged"`
	StartedAt        time.Time     `db:"started_at" json:"started_at"`
	SubmittedAt      *time.Time    `db:"submitted_at" json:"submitted_at,omitempty"`
}

// AttemptSummary is an attempt joined with its exam title, for listings.
type AttemptSummary struct {
	ExamAttempt
	ExamTitle string `db:"exam_title" json:"exam_title"`
	Subject   string `db:"subject" json:"subject"`
	UserEmail string `db:"user_email" json:"user_email,omitempty"`
}

// QuestionReview is the per-question breakdown shown after submission.
type QuestionReview struct {
	Question       Question `json:"question"`
	SelectedOption *int     `json:"selected_option"`
	IsCorrect      bool     `json:"is_correct"`
}

// ViolationKind is the type of suspicious browser event.
type ViolationKind string

const (
	ViolationTabSwitch      ViolationKind = "tab_switch"
	ViolationWindowBlur     ViolationKind = "window_blur"
	ViolationCopy           ViolationKind = "copy"
	ViolationPaste          ViolationKind = "paste"
	ViolationContextMenu    ViolationKind = "context_menu"
	ViolationDevTools       ViolationKind = "devtools"
	ViolationFullscreenExit ViolationKind = "fullscreen_exit"
	ViolationOther          ViolationKind = "other"
)

// NormalizeViolationKind maps unknown kinds to ViolationOther.
func NormalizeViolationKind(k string) ViolationKind {
	switch v := ViolationKind(k); v {
	case ViolationTabSwitch, ViolationWindowBlur, ViolationCopy, ViolationPaste,
		ViolationContextMenu, ViolationDevTools, ViolationFullscreenExit:
		return v
	}
	return ViolationOther
}

// Violation is a proctoring event logged during an exam attempt.
type Violation struct {
	ID         string        `db:"id" json:"id"`
	AttemptID  string        `db:"attempt_id" json:"attempt_id"`
	UserID     string        `db:"user_id" json:"user_id"`
	Kind       ViolationKind `db:"kind" json:"kind"`
	Detail     string        `db:"detail" json:"detail,omitempty"`
	OccurredAt time.Time     `db:"occurred_at" json:"occurred_at"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription grants access to premium exams until ExpiresAt.
type Subscription struct {
	ID        string             `db:"id" json:"id"`
	UserID    string             `db:"user_id" json:"user_id"`
	Plan      string             `db:"plan" json:"plan"`
	Status    SubscriptionStatus `db:"status" json:"status"`
	Amount    float64            `db:"amount" json:"amount"`
	StartedAt time.Time          `db:"started_at" json:"started_at"`
	ExpiresAt time.Time          `db:"expires_at" json:"expires_at"`
}

// PaymentStatus is the internal state of a payment transaction.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentExpired   PaymentStatus = "expired"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentTransaction is one checkout through the payment gateway.
type PaymentTransaction struct {
	ID          string        `db:"id" json:"id"`
	OrderID     string        `db:"order_id" json:"order_id"`
	UserID      string        `db:"user_id" json:"user_id"`
	Plan        string        `db:"plan" json:"plan"`
	Amount      float64       `db:"amount" json:"amount"`
	Currency    string        `db:"currency" json:"currency"`
	Status      PaymentStatus `db:"status" json:"status"`
	GatewayRef  string        `db:"gateway_ref" json:"gateway_ref,omitempty"`
	RedirectURL string        `db:"redirect_url" json:"redirect_url,omitempty"`
	RawStatus   string        `db:"raw_status" json:"raw_status,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
	PaidAt      *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
}

// AnalyticsKind identifies the kind of stored AI output.
type AnalyticsKind string

const (
	AnalyticsAttempt   AnalyticsKind = "attempt_analysis"
	AnalyticsStudyPlan AnalyticsKind = "study_plan"
)

// AIAnalytics stores a parsed LLM result for later display.
type AIAnalytics struct {
	ID        string          `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	AttemptID *string         `db:"attempt_id" json:"attempt_id,omitempty"`
	Kind      AnalyticsKind   `db:"kind" json:"kind"`
	Payload   Payload         `db:"payload" json:"payload"`
	Model     string          `db:"model" json:"model"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Payload is a raw JSON document stored in a text column.
type Payload json.RawMessage

// MarshalJSON emits the payload verbatim.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON copies the raw document.
func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = append((*p)[:0], b...)
	return nil
}

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "null", nil
	}
	return string(p), nil
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(Payload(nil), v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	return nil
}

func scanJSON(src any, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
