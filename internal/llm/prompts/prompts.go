package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/scoring"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// Variant represents a grading prompt variant.
type Variant string

const (
	// Strict grades core subjects.
	Strict Variant = "strict"
	// Standard is the default grading variant.
	Standard Variant = "standard"
	// Lenient grades electives.
	Lenient Variant = "lenient"
)

var variants = []Variant{Strict, Standard, Lenient}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	for _, known := range variants {
		if Variant(v) == known {
			return true
		}
	}
	return false
}

// Set is a parsed collection of prompt templates.
type Set struct {
	explain   *template.Template
	analyze   *template.Template
	studyPlan *template.Template
	generate  *template.Template
	grade     map[Variant]*template.Template
}

var funcs = template.FuncMap{"join": strings.Join}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the templates compiled into the binary. They are parsed once.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		sub, err := fs.Sub(templateFS, "templates")
		if err != nil {
			defaultErr = err
			return
		}
		defaultSet, defaultErr = Load(sub)
	})
	return defaultSet, defaultErr
}

// Load parses prompt templates from fsys. The directory must contain
// explain.txt, analyze.txt, study_plan.txt, generate.txt and one
// grade_<variant>.txt per variant.
func Load(fsys fs.FS) (*Set, error) {
	parse := func(name string) (*template.Template, error) {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read prompt file %s: %w", name, err)
		}
		tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
		}
		return tmpl, nil
	}

	s := &Set{grade: make(map[Variant]*template.Template)}
	var err error
	if s.explain, err = parse("explain.txt"); err != nil {
		return nil, err
	}
	if s.analyze, err = parse("analyze.txt"); err != nil {
		return nil, err
	}
	if s.studyPlan, err = parse("study_plan.txt"); err != nil {
		return nil, err
	}
	if s.generate, err = parse("generate.txt"); err != nil {
		return nil, err
	}
	for _, v := range variants {
		t, err := parse("grade_" + string(v) + ".txt")
		if err != nil {
			return nil, err
		}
		s.grade[v] = t
	}
	return s, nil
}

// ExplainData holds template data for answer explanations.
type ExplainData struct {
	QuestionText    string
	Options         []string
	CorrectOption   int
	CorrectText     string
	Explanation     string
	HasSelection    bool
	Selected        int
	SelectedText    string
	SelectedCorrect bool
	Language        string
}

// BuildExplain renders the explanation prompt for q. selected may be nil.
func (s *Set) BuildExplain(q model.Question, selected *int, lang string) (string, error) {
	if q.CorrectOption < 0 || q.CorrectOption >= len(q.Options) {
		return "", model.ErrCorrectOptionRange
	}
	data := ExplainData{
		QuestionText:  q.Text,
		Options:       q.Options,
		CorrectOption: q.CorrectOption,
		CorrectText:   q.Options[q.CorrectOption],
		Explanation:   q.Explanation,
		Language:      languageName(lang),
	}
	if selected != nil && *selected >= 0 && *selected < len(q.Options) {
		data.HasSelection = true
		data.Selected = *selected
		data.SelectedText = q.Options[*selected]
		data.SelectedCorrect = *selected == q.CorrectOption
	}
	return execute(s.explain, data)
}

// AnalyzeData holds template data for attempt analysis.
type AnalyzeData struct {
	ExamTitle  string
	Subject    string
	Score      float64
	MaxScore   float64
	Percentage float64
	Answered   int
	Total      int
	Correct    int
	Wrong      int
	Violations int
	Topics     []scoring.TopicStat
	Language   string
}

// BuildAnalyze renders the attempt analysis prompt.
func (s *Set) BuildAnalyze(exam model.Exam, a model.ExamAttempt, topics []scoring.TopicStat, lang string) (string, error) {
	return execute(s.analyze, AnalyzeData{
		ExamTitle:  exam.Title,
		Subject:    exam.Subject,
		Score:      a.Score,
		MaxScore:   a.MaxScore,
		Percentage: a.Percentage,
		Answered:   a.Answered,
		Total:      a.TotalQuestions,
		Correct:    a.Correct,
		Wrong:      a.Wrong,
		Violations: a.ViolationCount,
		Topics:     topics,
		Language:   languageName(lang),
	})
}

// StudyPlanData holds template data for study plans.
type StudyPlanData struct {
	Goal       string
	Weeks      int
	Attempts   []model.AttemptSummary
	WeakTopics []string
	Language   string
}

// BuildStudyPlan renders the study plan prompt.
func (s *Set) BuildStudyPlan(goal string, weeks int, attempts []model.AttemptSummary, weakTopics []string, lang string) (string, error) {
	return execute(s.studyPlan, StudyPlanData{
		Goal:       sanitizeAnswer(goal),
		Weeks:      weeks,
		Attempts:   attempts,
		WeakTopics: weakTopics,
		Language:   languageName(lang),
	})
}

// GenerateData holds template data for question generation.
type GenerateData struct {
	Subject    string
	Topic      string
	Difficulty model.Difficulty
	Count      int
	Language   string
}

// BuildGenerate renders the question generation prompt.
func (s *Set) BuildGenerate(subject, topic string, difficulty model.Difficulty, count int, lang string) (string, error) {
	if difficulty == "" {
		difficulty = model.DifficultyMedium
	}
	return execute(s.generate, GenerateData{
		Subject:    subject,
		Topic:      topic,
		Difficulty: difficulty,
		Count:      count,
		Language:   languageName(lang),
	})
}

// GradeData holds template data for written answer grading.
type GradeData struct {
	QuestionText string
	MaxPoints    int
	Rubric       string
	ModelAnswer  string
	Answer       string
}

// BuildGrade renders the grading prompt for the given variant.
func (s *Set) BuildGrade(variant Variant, data GradeData) (string, error) {
	tmpl, ok := s.grade[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}
	data.Answer = sanitizeAnswer(data.Answer)
	return execute(tmpl, data)
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func languageName(lang string) string {
	if strings.HasPrefix(strings.ToLower(lang), "bn") {
		return "Bangla"
	}
	return "English"
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
