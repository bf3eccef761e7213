package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"

	"github.com/cqrrect/cqrrect/internal/llm/prompts"
	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/scoring"
)

var (
	// ErrNoJSON is returned when the model output contains no parsable JSON object.
	ErrNoJSON = errors.New("no JSON object in LLM response")
	// ErrNoChoices is returned when the API answers without any completion.
	ErrNoChoices = errors.New("LLM returned no choices")
	// ErrNoValidQuestions is returned when none of the generated questions pass validation.
	ErrNoValidQuestions = errors.New("LLM generated no valid questions")
)

const defaultTimeout = 30 * time.Second

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Variant prompts.Variant
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api      *openai.Client
	model    string
	timeout  time.Duration
	variant  prompts.Variant
	prompts  *prompts.Set
	validate *validator.Validate
}

// New creates a new LLM client using the embedded prompt templates.
func New(cfg Config) (*Client, error) {
	set, err := prompts.Default()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Variant == "" {
		cfg.Variant = prompts.Standard
	}
	if !prompts.IsValidVariant(string(cfg.Variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", cfg.Variant)
	}
	return &Client{
		api:      openai.NewClientWithConfig(config),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		variant:  cfg.Variant,
		prompts:  set,
		validate: validator.New(),
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Explanation is a tutor-style explanation of one question.
type Explanation struct {
	Explanation string `json:"explanation"`
	WhyWrong    string `json:"why_wrong"`
	KeyConcept  string `json:"key_concept"`
	Tip         string `json:"tip"`
}

// Explain explains the correct answer of q and, when selected is set, why
// the student's choice is wrong.
func (c *Client) Explain(ctx context.Context, q model.Question, selected *int, lang string) (*Explanation, error) {
	prompt, err := c.prompts.BuildExplain(q, selected, lang)
	if err != nil {
		return nil, fmt.Errorf("build explain prompt: %w", err)
	}
	var out Explanation
	if err := c.completeJSON(ctx, prompt, 0.3, &out); err != nil {
		return nil, err
	}
	if out.Explanation == "" {
		return nil, fmt.Errorf("explanation: %w", ErrNoJSON)
	}
	return &out, nil
}

// TopicComment is the model's remark on one topic.
type TopicComment struct {
	Topic    string  `json:"topic"`
	Accuracy float64 `json:"accuracy"`
	Comment  string  `json:"comment"`
}

// AttemptAnalysis is the AI review of a submitted attempt.
type AttemptAnalysis struct {
	Summary         string         `json:"summary"`
	Strengths       []string       `json:"strengths"`
	Weaknesses      []string       `json:"weaknesses"`
	Recommendations []string       `json:"recommendations"`
	TopicBreakdown  []TopicComment `json:"topic_breakdown"`
}

// AnalyzeAttempt reviews a graded attempt. Topic accuracy is computed by the
// caller and passed to the model as facts.
func (c *Client) AnalyzeAttempt(ctx context.Context, exam model.Exam, a model.ExamAttempt, topics []scoring.TopicStat, lang string) (*AttemptAnalysis, error) {
	prompt, err := c.prompts.BuildAnalyze(exam, a, topics, lang)
	if err != nil {
		return nil, fmt.Errorf("build analyze prompt: %w", err)
	}
	var out AttemptAnalysis
	if err := c.completeJSON(ctx, prompt, 0.3, &out); err != nil {
		return nil, err
	}
	if out.Summary == "" && len(out.Strengths) == 0 && len(out.Weaknesses) == 0 {
		return nil, fmt.Errorf("attempt analysis is empty: %w", ErrNoJSON)
	}
	if len(out.TopicBreakdown) == 0 {
		for _, t := range topics {
			out.TopicBreakdown = append(out.TopicBreakdown, TopicComment{Topic: t.Topic, Accuracy: t.Accuracy})
		}
	}
	return &out, nil
}

// StudyWeek is one week of a study plan.
type StudyWeek struct {
	Week          int      `json:"week"`
	Focus         string   `json:"focus"`
	Tasks         []string `json:"tasks"`
	PracticeExams int      `json:"practice_exams"`
}

// StudyPlan is a week-by-week study plan.
type StudyPlan struct {
	Summary string      `json:"summary"`
	Weeks   []StudyWeek `json:"weeks"`
	Tips    []string    `json:"tips"`
}

// StudyPlan builds a plan for goal over the given number of weeks.
func (c *Client) StudyPlan(ctx context.Context, goal string, weeks int, attempts []model.AttemptSummary, weakTopics []string, lang string) (*StudyPlan, error) {
	prompt, err := c.prompts.BuildStudyPlan(goal, weeks, attempts, weakTopics, lang)
	if err != nil {
		return nil, fmt.Errorf("build study plan prompt: %w", err)
	}
	var out StudyPlan
	if err := c.completeJSON(ctx, prompt, 0.5, &out); err != nil {
		return nil, err
	}
	if len(out.Weeks) == 0 {
		return nil, fmt.Errorf("study plan has no weeks: %w", ErrNoJSON)
	}
	if len(out.Weeks) > weeks {
		out.Weeks = out.Weeks[:weeks]
	}
	return &out, nil
}

// GenerateQuestions asks the model for count multiple-choice questions.
// Invalid questions are dropped; at most count are returned.
func (c *Client) GenerateQuestions(ctx context.Context, subject, topic string, difficulty model.Difficulty, count int, lang string) ([]model.QuestionImport, error) {
	prompt, err := c.prompts.BuildGenerate(subject, topic, difficulty, count, lang)
	if err != nil {
		return nil, fmt.Errorf("build generate prompt: %w", err)
	}
	var out struct {
		Questions []model.QuestionImport `json:"questions"`
	}
	if err := c.completeJSON(ctx, prompt, 0.7, &out); err != nil {
		return nil, err
	}

	valid := make([]model.QuestionImport, 0, len(out.Questions))
	for i, q := range out.Questions {
		if err := c.validateQuestion(q); err != nil {
			slog.Warn("dropping generated question", "index", i, "error", err)
			continue
		}
		if q.Topic == "" {
			q.Topic = topic
		}
		valid = append(valid, q)
		if len(valid) == count {
			break
		}
	}
	if len(valid) == 0 {
		return nil, ErrNoValidQuestions
	}
	return valid, nil
}

func (c *Client) validateQuestion(q model.QuestionImport) error {
	if err := c.validate.Struct(q); err != nil {
		return err
	}
	if q.CorrectOption < 0 || q.CorrectOption >= len(q.Options) {
		return model.ErrCorrectOptionRange
	}
	return nil
}

// GradeResult holds the LLM's assessment of a written answer.
type GradeResult struct {
	Score     float64 `json:"score"`
	MaxPoints int     `json:"max_points"`
	Feedback  string  `json:"feedback"`
}

// GradeWritten grades a free-text answer with the configured prompt variant.
// The score is clamped to 0..MaxPoints.
func (c *Client) GradeWritten(ctx context.Context, data prompts.GradeData) (*GradeResult, error) {
	prompt, err := c.prompts.BuildGrade(c.variant, data)
	if err != nil {
		return nil, fmt.Errorf("build grade prompt: %w", err)
	}
	var raw struct {
		Score    *float64 `json:"score"`
		Feedback string   `json:"feedback"`
	}
	if err := c.completeJSON(ctx, prompt, 0.1, &raw); err != nil {
		return nil, err
	}
	if raw.Score == nil || strings.TrimSpace(raw.Feedback) == "" {
		return nil, fmt.Errorf("grade without score or feedback: %w", ErrNoJSON)
	}
	return &GradeResult{
		Score:     math.Max(0, math.Min(*raw.Score, float64(data.MaxPoints))),
		MaxPoints: data.MaxPoints,
		Feedback:  raw.Feedback,
	}, nil
}

func (c *Client) completeJSON(ctx context.Context, prompt string, temperature float32, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	if err := ExtractJSON(raw, v); err != nil {
		return fmt.Errorf("parse LLM response: %w", err)
	}
	return nil
}

// ExtractJSON decodes the JSON object in raw into v. It tries the whole text,
// then a fenced code block, then the span from the first '{' to the last '}'.
// Only objects are accepted; null, arrays and scalars yield ErrNoJSON.
func ExtractJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrNoJSON
	}
	if decodeObject(raw, v) {
		return nil
	}
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		if decodeObject(m[1], v) {
			return nil
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if decodeObject(raw[start:end+1], v) {
			return nil
		}
	}
	return ErrNoJSON
}

func decodeObject(s string, v any) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return false
	}
	return json.Unmarshal([]byte(s), v) == nil
}
