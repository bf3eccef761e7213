// Package proctor records anti-cheating events and auto-submits attempts
// that cross the violation limit.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/scoring"
	"github.com/cqrrect/cqrrect/internal/store"
)

const (
	// DefaultMaxViolations is the limit used when none is configured.
	DefaultMaxViolations = 5

	defaultRetries = 3
	defaultBackoff = 100 * time.Millisecond
)

// Event is a violation reported by the exam client.
type Event struct {
	Kind       string
	Detail     string
	OccurredAt time.Time
	// Answers the client holds at the time of the event. They are merged
	// over the saved answers if the attempt gets auto-submitted.
	Answers model.Answers
}

// Outcome is the result of recording one event.
type Outcome struct {
	Count         int                `json:"count"`
	Flagged       bool               `json:"flagged"`
	AutoSubmitted bool               `json:"auto_submitted"`
	Attempt       *model.ExamAttempt `json:"attempt,omitempty"`
}

// Monitor tracks violation counts per attempt.
type Monitor struct {
	store   *store.Store
	max     int
	retries int
	backoff time.Duration
	now     func() time.Time

	mu     sync.Mutex
	counts map[string]int
}

// NewMonitor creates a monitor that auto-submits at maxViolations.
func NewMonitor(st *store.Store, maxViolations int) *Monitor {
	if maxViolations <= 0 {
		maxViolations = DefaultMaxViolations
	}
	return &Monitor{
		store:   st,
		max:     maxViolations,
		retries: defaultRetries,
		backoff: defaultBackoff,
		now:     time.Now,
		counts:  make(map[string]int),
	}
}

// MaxViolations returns the configured limit.
func (m *Monitor) MaxViolations() int {
	return m.max
}

// Count returns the in-memory violation count of an attempt.
func (m *Monitor) Count(attemptID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[attemptID]
}

// Forget drops the counter of a finished attempt.
func (m *Monitor) Forget(attemptID string) {
	m.mu.Lock()
	delete(m.counts, attemptID)
	m.mu.Unlock()
}

// Record stores a violation for an in-progress attempt. Once the count
// reaches the limit the attempt is flagged and auto-submitted.
func (m *Monitor) Record(ctx context.Context, a model.ExamAttempt, ev Event) (Outcome, error) {
	if a.Status.Finished() {
		return Outcome{}, store.ErrAttemptFinished
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = m.now()
	}
	v := model.Violation{
		AttemptID:  a.ID,
		UserID:     a.UserID,
		Kind:       model.NormalizeViolationKind(ev.Kind),
		Detail:     ev.Detail,
		OccurredAt: occurred.UTC(),
	}

	var count int
	err := m.retry(ctx, func() error {
		var err error
		count, err = m.store.InsertViolation(ctx, v)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	m.mu.Lock()
	if count < m.counts[a.ID] {
		count = m.counts[a.ID]
	}
	m.counts[a.ID] = count
	m.mu.Unlock()

	out := Outcome{Count: count}
	if count < m.max {
		return out, nil
	}

	slog.Warn("violation limit reached", "attempt_id", a.ID, "user_id", a.UserID, "count", count)
	if err := m.store.FlagAttempt(ctx, a.ID); err != nil {
		return out, fmt.Errorf("flag attempt: %w", err)
	}
	out.Flagged = true

	finished, err := m.autoSubmit(ctx, a.ID, ev.Answers)
	if errors.Is(err, store.ErrAttemptFinished) {
		// A concurrent event already submitted it.
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("auto-submit: %w", err)
	}
	m.Forget(a.ID)
	out.AutoSubmitted = true
	out.Attempt = &finished
	return out, nil
}

func (m *Monitor) autoSubmit(ctx context.Context, attemptID string, answers model.Answers) (model.ExamAttempt, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.ExamAttempt{}, err
	}
	if a.Status.Finished() {
		return model.ExamAttempt{}, store.ErrAttemptFinished
	}
	exam, err := m.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return model.ExamAttempt{}, err
	}
	questions, err := m.store.ListQuestions(ctx, a.ExamID)
	if err != nil {
		return model.ExamAttempt{}, err
	}

	merged := make(model.Answers, len(a.Answers)+len(answers))
	for k, v := range a.Answers {
		merged[k] = v
	}
	for k, v := range answers {
		merged[k] = v
	}
	a.Answers = merged
	a.TimeSpentSeconds = int(m.now().Sub(a.StartedAt).Seconds())
	scoring.Grade(exam, questions, merged).Apply(&a)

	finished, err := m.store.FinishAttempt(ctx, a, model.AttemptAutoSubmitted)
	if err != nil {
		return model.ExamAttempt{}, err
	}
	slog.Info("attempt auto-submitted", "attempt_id", a.ID, "percentage", finished.Percentage)
	return finished, nil
}

// retry runs fn up to m.retries times with a linearly growing pause.
// Missing or finished attempts are not retried.
func (m *Monitor) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAttemptFinished) {
			return err
		}
		if attempt == m.retries {
			break
		}
		slog.Warn("retrying violation insert", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", m.retries, err)
}
