package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cqrrect/cqrrect/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestUser(t *testing.T, s *Store, email string, role model.UserRole) string {
	t.Helper()
	id, err := s.CreateUser(context.Background(), model.User{
		Email:        email,
		FullName:     "User " + email,
		PasswordHash: "hash",
		Role:         role,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("insertTestUser: %v", err)
	}
	return id
}

func insertTestExam(t *testing.T, s *Store, title string, status model.ExamStatus) string {
	t.Helper()
	id, err := s.CreateExam(context.Background(), model.Exam{
		Title:           title,
		Subject:         "Physics",
		DurationMinutes: 30,
		PassPercentage:  50,
		Status:          status,
	})
	if err != nil {
		t.Fatalf("insertTestExam: %v", err)
	}
	return id
}

func insertTestQuestion(t *testing.T, s *Store, examID, text, topic string, correct int) string {
	t.Helper()
	id, err := s.InsertQuestion(context.Background(), model.Question{
		ExamID:        examID,
		Text:          text,
		Options:       model.Options{"A", "B", "C", "D"},
		CorrectOption: correct,
		Explanation:   "because " + text,
		Marks:         1,
		Difficulty:    model.DifficultyEasy,
		Topic:         topic,
	})
	if err != nil {
		t.Fatalf("insertTestQuestion: %v", err)
	}
	return id
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.UserCount(ctx)
	if err != nil {
		t.Fatalf("UserCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 users, got %d", count)
	}

	id := insertTestUser(t, s, "Rahim@Example.com", model.UserRoleStudent)

	u, err := s.GetUserByEmail(ctx, "rahim@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u == nil || u.ID != id {
		t.Fatalf("expected user %s, got %+v", id, u)
	}
	if u.Email != "rahim@example.com" {
		t.Errorf("expected lowercased email, got %q", u.Email)
	}
	if !u.Active {
		t.Error("expected active user")
	}

	if _, err := s.CreateUser(ctx, model.User{Email: "RAHIM@example.com", PasswordHash: "x"}); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("expected ErrEmailTaken, got %v", err)
	}

	missing, err := s.GetUserByID(ctx, "nope")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing user")
	}

	sess, err := s.CreateAuthSession(ctx, id, time.Hour)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	role, inactive, hash := model.UserRoleAdmin, false, "new-hash"
	if err := s.UpdateUser(ctx, id, UserUpdate{Role: &role, Active: &inactive, PasswordHash: &hash}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	u, _ = s.GetUserByID(ctx, id)
	if u.Role != model.UserRoleAdmin || u.Active || u.PasswordHash != "new-hash" {
		t.Errorf("expected inactive admin with new hash, got %+v", u)
	}
	if got, _ := s.GetAuthSession(ctx, sess.ID); got != nil {
		t.Error("deactivation should end existing sessions")
	}

	if err := s.UpdateUser(ctx, id, UserUpdate{}); err != nil {
		t.Errorf("empty update: %v", err)
	}
	if err := s.UpdateUser(ctx, "nope", UserUpdate{Active: &inactive}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateUserKeepsSessionsOnRoleChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := insertTestUser(t, s, "karim@example.com", model.UserRoleStudent)
	sess, err := s.CreateAuthSession(ctx, id, time.Hour)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	role := model.UserRoleAdmin
	if err := s.UpdateUser(ctx, id, UserUpdate{Role: &role}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if got, _ := s.GetAuthSession(ctx, sess.ID); got == nil {
		t.Error("a role change should not end sessions")
	}
}

func TestCreateUserConcurrentDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateUser(ctx, model.User{Email: "same@example.com", PasswordHash: "x", Active: true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, ErrEmailTaken):
			t.Errorf("expected ErrEmailTaken, got %v", err)
		}
	}
	if created != 1 {
		t.Errorf("created %d users, want 1", created)
	}
}

func TestUniqueViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestUser(t, s, "dup@example.com", model.UserRoleStudent)

	_, err := s.exec(ctx,
		`INSERT INTO users (id, email, full_name, phone, password_hash, role, institution, active, created_at)
		 VALUES (?, ?, '', '', 'x', 'student', '', ?, ?)`,
		newID(), "dup@example.com", true, s.now(),
	)
	if err == nil {
		t.Fatal("expected a constraint error")
	}
	if !isUniqueViolation(err) {
		t.Errorf("isUniqueViolation(%v) = false", err)
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Error("plain errors are not unique violations")
	}
}

func TestListUsersFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestUser(t, s, "a@x.com", model.UserRoleStudent)
	insertTestUser(t, s, "b@x.com", model.UserRoleStudent)
	insertTestUser(t, s, "admin@x.com", model.UserRoleAdmin)

	tests := []struct {
		name      string
		filter    UserFilter
		page      Page
		wantTotal int
		wantLen   int
	}{
		{"all", UserFilter{}, Page{}, 3, 3},
		{"students", UserFilter{Role: model.UserRoleStudent}, Page{}, 2, 2},
		{"search", UserFilter{Search: "ADMIN"}, Page{}, 1, 1},
		{"paged", UserFilter{}, Page{Limit: 2, Offset: 2}, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, total, err := s.ListUsers(ctx, tt.filter, tt.page)
			if err != nil {
				t.Fatalf("ListUsers: %v", err)
			}
			if total != tt.wantTotal || len(users) != tt.wantLen {
				t.Errorf("got total=%d len=%d, want %d/%d", total, len(users), tt.wantTotal, tt.wantLen)
			}
		})
	}
}

func TestAuthSessionExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)

	sess, err := s.CreateAuthSession(ctx, uid, time.Hour)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	got, err := s.GetAuthSession(ctx, sess.ID)
	if err != nil || got == nil {
		t.Fatalf("GetAuthSession: %v %v", got, err)
	}
	if got.UserID != uid {
		t.Errorf("expected user %s, got %s", uid, got.UserID)
	}

	base := time.Now().UTC()
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	got, err = s.GetAuthSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if got != nil {
		t.Error("expected expired session to be nil")
	}

	if err := s.DeleteAuthSession(ctx, "unknown"); err != nil {
		t.Errorf("DeleteAuthSession: %v", err)
	}
}

func TestExamAndQuestionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	examID := insertTestExam(t, s, "HSC Physics Model Test", model.ExamDraft)
	q1 := insertTestQuestion(t, s, examID, "Unit of force?", "mechanics", 0)
	insertTestQuestion(t, s, examID, "Speed of light?", "optics", 1)

	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		t.Fatalf("GetExam: %v", err)
	}
	if exam.QuestionCount != 2 {
		t.Errorf("expected 2 questions, got %d", exam.QuestionCount)
	}
	if exam.Status != model.ExamDraft {
		t.Errorf("expected draft, got %q", exam.Status)
	}

	qs, err := s.ListQuestions(ctx, examID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 2 || qs[0].ID != q1 || qs[0].Position != 1 || qs[1].Position != 2 {
		t.Fatalf("unexpected question order: %+v", qs)
	}
	if len(qs[0].Options) != 4 || qs[0].Options[2] != "C" {
		t.Errorf("options not round-tripped: %v", qs[0].Options)
	}

	filtered, err := s.ListQuestionsFiltered(ctx, examID, "", "optics")
	if err != nil {
		t.Fatalf("ListQuestionsFiltered: %v", err)
	}
	if len(filtered) != 1 {
		t.Errorf("expected 1 optics question, got %d", len(filtered))
	}

	qs[0].Text = "SI unit of force?"
	qs[0].CorrectOption = 2
	if err := s.UpdateQuestion(ctx, qs[0]); err != nil {
		t.Fatalf("UpdateQuestion: %v", err)
	}
	q, _ := s.GetQuestion(ctx, q1)
	if q.Text != "SI unit of force?" || q.CorrectOption != 2 {
		t.Errorf("update not applied: %+v", q)
	}

	if err := s.SetExamStatus(ctx, examID, model.ExamPublished); err != nil {
		t.Fatalf("SetExamStatus: %v", err)
	}
	published, total, err := s.ListExams(ctx, ExamFilter{Status: model.ExamPublished, Subject: " physics "}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListExams: %v", err)
	}
	if total != 1 || len(published) != 1 || published[0].QuestionCount != 2 {
		t.Errorf("unexpected published list: total=%d %+v", total, published)
	}

	if err := s.DeleteQuestion(ctx, q1); err != nil {
		t.Fatalf("DeleteQuestion: %v", err)
	}
	if _, err := s.GetQuestion(ctx, q1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetExam(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAttemptLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)
	examID := insertTestExam(t, s, "Math", model.ExamPublished)
	qid := insertTestQuestion(t, s, examID, "1+1?", "arith", 1)

	a, err := s.CreateAttempt(ctx, examID, uid, 1)
	if err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	active, err := s.GetActiveAttempt(ctx, examID, uid)
	if err != nil || active == nil || active.ID != a.ID {
		t.Fatalf("GetActiveAttempt: %+v %v", active, err)
	}

	if err := s.SaveAnswers(ctx, a.ID, model.Answers{qid: 1}); err != nil {
		t.Fatalf("SaveAnswers: %v", err)
	}
	saved, _ := s.GetAttempt(ctx, a.ID)
	if saved.Answers[qid] != 1 {
		t.Errorf("answers not saved: %v", saved.Answers)
	}

	saved.Answered, saved.Correct, saved.Score, saved.MaxScore, saved.Percentage, saved.Passed = 1, 1, 1, 1, 100, true
	done, err := s.FinishAttempt(ctx, saved, model.AttemptSubmitted)
	if err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	if done.Status != model.AttemptSubmitted || done.SubmittedAt == nil || done.Percentage != 100 || !done.Passed {
		t.Errorf("unexpected finished attempt: %+v", done)
	}

	if _, err := s.FinishAttempt(ctx, saved, model.AttemptSubmitted); !errors.Is(err, ErrAttemptFinished) {
		t.Errorf("expected ErrAttemptFinished, got %v", err)
	}
	if err := s.SaveAnswers(ctx, a.ID, model.Answers{}); !errors.Is(err, ErrAttemptFinished) {
		t.Errorf("expected ErrAttemptFinished, got %v", err)
	}
	if err := s.SaveAnswers(ctx, "missing", model.Answers{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	active, err = s.GetActiveAttempt(ctx, examID, uid)
	if err != nil || active != nil {
		t.Errorf("expected no active attempt, got %+v %v", active, err)
	}

	list, err := s.ListAttemptsByUser(ctx, uid, 0)
	if err != nil {
		t.Fatalf("ListAttemptsByUser: %v", err)
	}
	if len(list) != 1 || list[0].ExamTitle != "Math" || list[0].UserEmail != "s@x.com" {
		t.Errorf("unexpected summaries: %+v", list)
	}

	stats, err := s.StudentStats(ctx, uid)
	if err != nil {
		t.Fatalf("StudentStats: %v", err)
	}
	if stats.TotalAttempts != 1 || stats.CompletedAttempts != 1 || stats.BestPercentage != 100 || stats.PassedAttempts != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestViolations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)
	examID := insertTestExam(t, s, "Bangla", model.ExamPublished)
	a, _ := s.CreateAttempt(ctx, examID, uid, 0)

	for i, kind := range []model.ViolationKind{model.ViolationTabSwitch, model.ViolationCopy, model.ViolationTabSwitch} {
		n, err := s.InsertViolation(ctx, model.Violation{AttemptID: a.ID, UserID: uid, Kind: kind, OccurredAt: time.Now().UTC()})
		if err != nil {
			t.Fatalf("InsertViolation: %v", err)
		}
		if n != i+1 {
			t.Errorf("expected count %d, got %d", i+1, n)
		}
	}

	byKind, err := s.ViolationsByKind(ctx, a.ID)
	if err != nil {
		t.Fatalf("ViolationsByKind: %v", err)
	}
	if len(byKind) != 2 || byKind[0].Kind != model.ViolationTabSwitch || byKind[0].Count != 2 {
		t.Errorf("unexpected aggregation: %+v", byKind)
	}

	monitor, err := s.ExamMonitor(ctx, examID)
	if err != nil {
		t.Fatalf("ExamMonitor: %v", err)
	}
	if len(monitor) != 1 || monitor[0].ViolationCount != 3 {
		t.Errorf("unexpected monitor rows: %+v", monitor)
	}

	if _, err := s.FinishAttempt(ctx, a, model.AttemptAutoSubmitted); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	if _, err := s.InsertViolation(ctx, model.Violation{AttemptID: a.ID, UserID: uid, Kind: model.ViolationPaste, OccurredAt: time.Now()}); !errors.Is(err, ErrAttemptFinished) {
		t.Errorf("expected ErrAttemptFinished, got %v", err)
	}
	if _, err := s.InsertViolation(ctx, model.Violation{AttemptID: "missing", UserID: uid, Kind: model.ViolationPaste, OccurredAt: time.Now()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)
	other := insertTestUser(t, s, "o@x.com", model.UserRoleStudent)
	examID := insertTestExam(t, s, "Chemistry", model.ExamPublished)

	a, _ := s.CreateAttempt(ctx, examID, uid, 0)
	kept, _ := s.CreateAttempt(ctx, examID, other, 0)
	if _, err := s.InsertViolation(ctx, model.Violation{AttemptID: a.ID, UserID: uid, Kind: model.ViolationCopy, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("InsertViolation: %v", err)
	}
	attemptID := a.ID
	if _, err := s.InsertAnalytics(ctx, model.AIAnalytics{UserID: uid, AttemptID: &attemptID, Kind: model.AnalyticsAttempt, Payload: model.Payload(`{}`)}); err != nil {
		t.Fatalf("InsertAnalytics: %v", err)
	}
	if _, err := s.CreateAuthSession(ctx, uid, time.Hour); err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	if _, err := s.CreatePayment(ctx, model.PaymentTransaction{UserID: uid, Plan: "monthly", Amount: 299, Currency: "BDT"}); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	if err := s.DeleteUser(ctx, uid); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := s.GetAttempt(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected attempt removed, got %v", err)
	}
	if _, err := s.GetAttempt(ctx, kept.ID); err != nil {
		t.Errorf("other user's attempt should remain: %v", err)
	}
	u, _ := s.GetUserByID(ctx, uid)
	if u != nil {
		t.Error("expected user removed")
	}
	if err := s.DeleteUser(ctx, uid); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteExamCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)
	examID := insertTestExam(t, s, "Biology", model.ExamPublished)
	insertTestQuestion(t, s, examID, "Cell?", "cells", 0)
	a, _ := s.CreateAttempt(ctx, examID, uid, 1)
	if _, err := s.InsertViolation(ctx, model.Violation{AttemptID: a.ID, UserID: uid, Kind: model.ViolationCopy, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("InsertViolation: %v", err)
	}

	if err := s.DeleteExam(ctx, examID); err != nil {
		t.Fatalf("DeleteExam: %v", err)
	}
	if n, _ := s.QuestionCount(ctx, examID); n != 0 {
		t.Errorf("expected questions removed, got %d", n)
	}
	if _, err := s.GetAttempt(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected attempt removed, got %v", err)
	}
	if err := s.DeleteExam(ctx, examID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyPaymentUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)

	p, err := s.CreatePayment(ctx, model.PaymentTransaction{UserID: uid, Plan: "monthly", Amount: 299, Currency: "BDT"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if p.Status != model.PaymentPending || p.OrderID == "" {
		t.Fatalf("unexpected payment: %+v", p)
	}

	res, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p.OrderID, Status: model.PaymentPaid, GatewayRef: "trx-1", RawStatus: "settlement", Months: 1})
	if err != nil {
		t.Fatalf("ApplyPaymentUpdate: %v", err)
	}
	if !res.Changed || !res.NewlyPaid || res.Subscription == nil {
		t.Fatalf("expected newly paid with subscription, got %+v", res)
	}
	firstExpiry := res.Subscription.ExpiresAt

	replay, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p.OrderID, Status: model.PaymentPaid, Months: 1})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Changed || replay.NewlyPaid {
		t.Errorf("replay must be a no-op, got %+v", replay)
	}
	sub, err := s.ActiveSubscription(ctx, uid)
	if err != nil || sub == nil {
		t.Fatalf("ActiveSubscription: %+v %v", sub, err)
	}
	if !sub.ExpiresAt.Equal(firstExpiry) {
		t.Errorf("replay extended subscription: %v != %v", sub.ExpiresAt, firstExpiry)
	}

	back, _ := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p.OrderID, Status: model.PaymentPending})
	if back.Changed || back.Payment.Status != model.PaymentPaid {
		t.Errorf("paid order must not regress, got %+v", back)
	}

	p2, _ := s.CreatePayment(ctx, model.PaymentTransaction{UserID: uid, Plan: "quarterly", Amount: 799, Currency: "BDT"})
	res2, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p2.OrderID, Status: model.PaymentPaid, Months: 3})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if res2.Subscription.ID != sub.ID {
		t.Error("second payment should extend the active subscription")
	}
	if !res2.Subscription.ExpiresAt.Equal(firstExpiry.AddDate(0, 3, 0)) {
		t.Errorf("expected stacked expiry, got %v", res2.Subscription.ExpiresAt)
	}

	if _, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: "missing", Status: model.PaymentPaid}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p2.OrderID, Status: model.PaymentRefunded}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	sub, _ = s.ActiveSubscription(ctx, uid)
	if sub != nil {
		t.Error("refund should cancel the active subscription")
	}
}

func TestApplyPaymentUpdateConcurrentReplays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "race@x.com", model.UserRoleStudent)
	p, err := s.CreatePayment(ctx, model.PaymentTransaction{UserID: uid, Plan: "monthly", Amount: 299, Currency: "BDT"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	const workers = 10
	results := make(chan PaymentResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p.OrderID, Status: model.PaymentPaid, RawStatus: "settlement", Months: 1})
			if err != nil {
				t.Errorf("ApplyPaymentUpdate: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var winner *PaymentResult
	for res := range results {
		res := res
		if res.NewlyPaid {
			if winner != nil {
				t.Fatal("more than one update reported the order as newly paid")
			}
			winner = &res
		}
	}
	if winner == nil || winner.Subscription == nil {
		t.Fatal("no update activated the subscription")
	}
	sub, err := s.ActiveSubscription(ctx, uid)
	if err != nil || sub == nil {
		t.Fatalf("ActiveSubscription: %+v %v", sub, err)
	}
	if !sub.ExpiresAt.Equal(winner.Subscription.ExpiresAt) {
		t.Errorf("subscription extended more than once: %v != %v", sub.ExpiresAt, winner.Subscription.ExpiresAt)
	}
}

func TestSetPaymentStatusStaleRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "stale@x.com", model.UserRoleStudent)
	p, err := s.CreatePayment(ctx, model.PaymentTransaction{UserID: uid, Plan: "monthly", Amount: 299, Currency: "BDT"})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if _, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p.OrderID, Status: model.PaymentPaid, Months: 1}); err != nil {
		t.Fatalf("ApplyPaymentUpdate: %v", err)
	}

	// p still carries the pending status read before the payment settled.
	stale := p
	stale.Status = model.PaymentPaid
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		moved, err := setPaymentStatus(ctx, tx, stale, model.PaymentPending)
		if err != nil {
			return err
		}
		if moved {
			t.Error("an update based on a stale status must not apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inTx: %v", err)
	}
}

func TestActiveSubscriptionExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)
	p, _ := s.CreatePayment(ctx, model.PaymentTransaction{UserID: uid, Plan: "monthly", Amount: 299, Currency: "BDT"})
	if _, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p.OrderID, Status: model.PaymentPaid, Months: 1}); err != nil {
		t.Fatalf("ApplyPaymentUpdate: %v", err)
	}

	base := time.Now().UTC()
	s.now = func() time.Time { return base.AddDate(0, 2, 0) }
	sub, err := s.ActiveSubscription(ctx, uid)
	if err != nil {
		t.Fatalf("ActiveSubscription: %v", err)
	}
	if sub != nil {
		t.Errorf("expected expired subscription, got %+v", sub)
	}
	subs, _, err := s.ListSubscriptions(ctx, model.SubscriptionExpired, Page{})
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("expected 1 expired subscription, got %d", len(subs))
	}
}

func TestAdminOverview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)
	insertTestUser(t, s, "admin@x.com", model.UserRoleAdmin)
	examID := insertTestExam(t, s, "English", model.ExamPublished)
	insertTestExam(t, s, "Draft", model.ExamDraft)

	a, _ := s.CreateAttempt(ctx, examID, uid, 1)
	a.Percentage, a.Passed = 80, true
	if _, err := s.FinishAttempt(ctx, a, model.AttemptSubmitted); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	b, _ := s.CreateAttempt(ctx, examID, uid, 1)
	b.Percentage = 20
	if _, err := s.FinishAttempt(ctx, b, model.AttemptSubmitted); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	p, _ := s.CreatePayment(ctx, model.PaymentTransaction{UserID: uid, Plan: "yearly", Amount: 2999, Currency: "BDT"})
	if _, err := s.ApplyPaymentUpdate(ctx, PaymentUpdate{OrderID: p.OrderID, Status: model.PaymentPaid, Months: 12}); err != nil {
		t.Fatalf("ApplyPaymentUpdate: %v", err)
	}

	ov, err := s.AdminOverview(ctx)
	if err != nil {
		t.Fatalf("AdminOverview: %v", err)
	}
	if len(ov.UsersByRole) != 2 {
		t.Errorf("expected 2 roles, got %+v", ov.UsersByRole)
	}
	if ov.TotalAttempts != 2 || ov.CompletedAttempts != 2 {
		t.Errorf("unexpected attempt counts: %+v", ov)
	}
	if ov.AveragePercentage != 50 || ov.PassRate != 50 {
		t.Errorf("unexpected averages: avg=%v pass=%v", ov.AveragePercentage, ov.PassRate)
	}
	if len(ov.ActiveSubscriptions) != 1 || ov.ActiveSubscriptions[0].Plan != "yearly" {
		t.Errorf("unexpected subscriptions: %+v", ov.ActiveSubscriptions)
	}
	if ov.PaidRevenue != 2999 {
		t.Errorf("expected revenue 2999, got %v", ov.PaidRevenue)
	}
	if len(ov.TopExams) != 1 || ov.TopExams[0].Attempts != 2 {
		t.Errorf("unexpected top exams: %+v", ov.TopExams)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.GetImportedFileHash(ctx, "q.json")
	if err != nil || h != "" {
		t.Fatalf("expected empty hash, got %q %v", h, err)
	}
	if err := s.SetImportedFileHash(ctx, "q.json", "abc"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if err := s.SetImportedFileHash(ctx, "q.json", "def"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	h, _ = s.GetImportedFileHash(ctx, "q.json")
	if h != "def" {
		t.Errorf("expected def, got %q", h)
	}
}

func TestExportAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "s@x.com", model.UserRoleStudent)
	examID := insertTestExam(t, s, "ICT", model.ExamPublished)
	q1 := insertTestQuestion(t, s, examID, "Binary of 2?", "number systems", 1)
	insertTestQuestion(t, s, examID, "RAM is?", "hardware", 0)

	a, _ := s.CreateAttempt(ctx, examID, uid, 2)
	a.Answers = model.Answers{q1: 1}
	if _, err := s.FinishAttempt(ctx, a, model.AttemptSubmitted); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}

	results, err := s.ExportAttempts(ctx, "")
	if err != nil {
		t.Fatalf("ExportAttempts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Email != "s@x.com" || r.ExamTitle != "ICT" || len(r.Questions) != 2 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if !r.Questions[0].IsCorrect || r.Questions[1].SelectedOption != nil {
		t.Errorf("unexpected question results: %+v", r.Questions)
	}
}
