package handler

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/cqrrect/cqrrect/internal/importer"
	"github.com/cqrrect/cqrrect/internal/model"
)

func TestAdminExamLifecycle(t *testing.T) {
	ts := newTestServer(t)
	admin, token := ts.createUser(t, "admin@example.com", model.UserRoleAdmin)
	_, student := ts.createUser(t, "student@example.com", model.UserRoleStudent)

	resp := expect(t, ts.do(t, http.MethodPost, "/api/admin/exams", token, examRequest{Title: "No subject"}), http.StatusBadRequest, nil)
	for _, f := range []string{"subject", "duration_minutes"} {
		if _, ok := resp.Fields[f]; !ok {
			t.Errorf("missing field error for %s: %v", f, resp.Fields)
		}
	}

	var exam model.Exam
	expect(t, ts.do(t, http.MethodPost, "/api/admin/exams", token, examRequest{
		Title:           "SSC Chemistry",
		Subject:         "Chemistry",
		DurationMinutes: 45,
		PassPercentage:  40,
		NegativeMarking: 0.25,
	}), http.StatusCreated, &exam)
	if exam.Status != model.ExamDraft || exam.CreatedBy != admin.ID {
		t.Fatalf("created exam = %+v", exam)
	}
	examPath := "/api/admin/exams/" + exam.ID

	var q model.Question
	expect(t, ts.do(t, http.MethodPost, examPath+"/questions", token, questionRequest{QuestionImport: model.QuestionImport{
		Text: "H2O is?", Options: []string{"Salt", "Water"}, CorrectOption: 1, Topic: "basics",
	}}), http.StatusCreated, &q)
	if q.Position != 1 || q.Marks != 1 || q.Difficulty != model.DifficultyMedium {
		t.Errorf("defaults not applied: %+v", q)
	}

	resp = expect(t, ts.do(t, http.MethodPost, examPath+"/questions", token, questionRequest{QuestionImport: model.QuestionImport{
		Text: "Broken", Options: []string{"a", "b"}, CorrectOption: 4,
	}}), http.StatusBadRequest, nil)
	if _, ok := resp.Fields["correct_option"]; !ok {
		t.Errorf("expected correct_option error, got %v", resp.Fields)
	}

	var updated model.Question
	expect(t, ts.do(t, http.MethodPut, "/api/admin/questions/"+q.ID, token, questionRequest{QuestionImport: model.QuestionImport{
		Text: "H2O is called?", Options: []string{"Salt", "Water", "Air"}, CorrectOption: 1, Difficulty: model.DifficultyEasy,
	}}), http.StatusOK, &updated)
	if updated.Position != 1 || updated.ExamID != exam.ID || len(updated.Options) != 3 {
		t.Errorf("updated question = %+v", updated)
	}

	var easy []model.Question
	expect(t, ts.do(t, http.MethodGet, examPath+"/questions?difficulty=easy", token, nil), http.StatusOK, &easy)
	if len(easy) != 1 {
		t.Errorf("expected one easy question, got %d", len(easy))
	}

	// Students cannot see drafts.
	expect(t, ts.do(t, http.MethodGet, "/api/exams/"+exam.ID, student, nil), http.StatusNotFound, nil)
	expect(t, ts.do(t, http.MethodPatch, examPath+"/status", token, examStatusRequest{Status: "live"}), http.StatusBadRequest, nil)
	expect(t, ts.do(t, http.MethodPatch, examPath+"/status", token, examStatusRequest{Status: model.ExamPublished}), http.StatusOK, nil)
	expect(t, ts.do(t, http.MethodGet, "/api/exams/"+exam.ID, student, nil), http.StatusOK, nil)

	var full adminExam
	expect(t, ts.do(t, http.MethodGet, examPath, token, nil), http.StatusOK, &full)
	if full.Status != model.ExamPublished || len(full.Questions) != 1 || full.Questions[0].CorrectOption != 1 {
		t.Errorf("admin exam view = %+v", full)
	}

	var edited model.Exam
	expect(t, ts.do(t, http.MethodPut, examPath, token, examRequest{
		Title: "SSC Chemistry 2", Subject: "Chemistry", DurationMinutes: 60,
	}), http.StatusOK, &edited)
	if edited.Title != "SSC Chemistry 2" || edited.Status != model.ExamPublished {
		t.Errorf("edited exam = %+v", edited)
	}

	var listed []model.Exam
	expect(t, ts.do(t, http.MethodGet, "/api/admin/exams?status=published", token, nil), http.StatusOK, &listed)
	if len(listed) != 1 {
		t.Errorf("expected one published exam, got %d", len(listed))
	}
	expect(t, ts.do(t, http.MethodGet, "/api/admin/exams?status=bogus", token, nil), http.StatusBadRequest, nil)

	ts.startAttempt(t, student, exam.ID)
	var monitor []map[string]any
	expect(t, ts.do(t, http.MethodGet, examPath+"/monitor", token, nil), http.StatusOK, &monitor)
	if len(monitor) != 1 || monitor[0]["user_email"] != "student@example.com" {
		t.Errorf("monitor = %+v", monitor)
	}

	expect(t, ts.do(t, http.MethodDelete, "/api/admin/questions/"+q.ID, token, nil), http.StatusNoContent, nil)
	expect(t, ts.do(t, http.MethodDelete, "/api/admin/questions/"+q.ID, token, nil), http.StatusNotFound, nil)
	expect(t, ts.do(t, http.MethodDelete, examPath, token, nil), http.StatusNoContent, nil)
	expect(t, ts.do(t, http.MethodGet, examPath, token, nil), http.StatusNotFound, nil)
}

func uploadRequest(t *testing.T, path, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(content)
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestAdminImportQuestions(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.createUser(t, "admin@example.com", model.UserRoleAdmin)
	ex := ts.createExam(t, model.ExamDraft, false)
	path := "/api/admin/exams/" + ex.id + "/questions/import"
	doc := []byte(`{"questions": [
		{"text": "2+2?", "options": ["3", "4"], "correct_option": 1, "topic": "arithmetic"},
		{"text": "3*3?", "options": ["6", "9", "12"], "correct_option": 1, "difficulty": "easy"}
	]}`)

	var res importer.Result
	expect(t, ts.send(uploadRequest(t, path, "math.json", doc), token), http.StatusCreated, &res)
	if len(res.QuestionIDs) != 2 || res.ExamID != ex.id {
		t.Fatalf("import result = %+v", res)
	}
	n, err := ts.store.QuestionCount(context.Background(), ex.id)
	if err != nil || n != 5 {
		t.Errorf("question count = %d, %v", n, err)
	}

	resp := expect(t, ts.send(uploadRequest(t, path, "renamed.json", doc), token), http.StatusConflict, nil)
	if resp.Error != "This file has already been imported for this exam." {
		t.Errorf("error = %q", resp.Error)
	}

	rec := ts.send(uploadRequest(t, path, "bad.json", []byte(`[{"text": "x", "options": ["only"], "correct_option": 0}]`)), token)
	var failure importFailure
	expectJSON(t, rec, http.StatusBadRequest, &failure)
	if failure.Success || len(failure.Rows) != 1 || failure.Rows[0].Index != 0 {
		t.Errorf("invalid rows = %+v", failure)
	}

	expect(t, ts.send(uploadRequest(t, path, "junk.json", []byte("not json")), token), http.StatusBadRequest, nil)
	expect(t, ts.send(uploadRequest(t, path, "empty.json", []byte("[]")), token), http.StatusBadRequest, nil)
	expect(t, ts.send(uploadRequest(t, "/api/admin/exams/"+uuid.NewString()+"/questions/import", "math.json", doc), token), http.StatusNotFound, nil)

	noFile := httptest.NewRequest(http.MethodPost, path, nil)
	expect(t, ts.send(noFile, token), http.StatusBadRequest, nil)
}

func TestAdminUsers(t *testing.T) {
	ts := newTestServer(t)
	admin, token := ts.createUser(t, "admin@example.com", model.UserRoleAdmin)
	ts.createUser(t, "rahim@example.com", model.UserRoleStudent)

	var created model.User
	expect(t, ts.do(t, http.MethodPost, "/api/admin/users", token, createUserRequest{
		signupRequest: signupRequest{Email: "Proctor@Example.com", Password: testPassword, FullName: "Proctor"},
		Role:          model.UserRoleAdmin,
	}), http.StatusCreated, &created)
	if created.Role != model.UserRoleAdmin || created.Email != "proctor@example.com" {
		t.Fatalf("created user = %+v", created)
	}
	expect(t, ts.do(t, http.MethodPost, "/api/admin/users", token, createUserRequest{
		signupRequest: signupRequest{Email: "x@example.com", Password: testPassword, FullName: "X"},
		Role:          "owner",
	}), http.StatusBadRequest, nil)

	var students []model.User
	resp := expect(t, ts.do(t, http.MethodGet, "/api/admin/users?role=student", token, nil), http.StatusOK, &students)
	if len(students) != 1 || resp.Pagination.Total != 1 {
		t.Errorf("students = %+v", students)
	}
	var found []model.User
	expect(t, ts.do(t, http.MethodGet, "/api/admin/users?search=rahim", token, nil), http.StatusOK, &found)
	if len(found) != 1 || found[0].Email != "rahim@example.com" {
		t.Errorf("search = %+v", found)
	}

	inactive := false
	newPassword := "another-secret"
	role := model.UserRoleStudent
	var patched model.User
	expect(t, ts.do(t, http.MethodPatch, "/api/admin/users/"+created.ID, token, updateUserRequest{
		Role: &role, Active: &inactive, Password: &newPassword,
	}), http.StatusOK, &patched)
	if patched.Role != model.UserRoleStudent || patched.Active {
		t.Errorf("patched user = %+v", patched)
	}
	short := "tiny"
	expect(t, ts.do(t, http.MethodPatch, "/api/admin/users/"+created.ID, token, updateUserRequest{Password: &short}), http.StatusBadRequest, nil)
	expect(t, ts.do(t, http.MethodPatch, "/api/admin/users/"+uuid.NewString(), token, updateUserRequest{Active: &inactive}), http.StatusNotFound, nil)

	long := strings.Repeat("অ", 25)
	expect(t, ts.do(t, http.MethodPatch, "/api/admin/users/"+created.ID, token, updateUserRequest{Password: &long}), http.StatusBadRequest, nil)

	for _, req := range []updateUserRequest{{Role: &role}, {Active: &inactive}} {
		resp = expect(t, ts.do(t, http.MethodPatch, "/api/admin/users/"+admin.ID, token, req), http.StatusBadRequest, nil)
		if resp.Error != "You cannot change your own role or disable your own account." {
			t.Errorf("self update error = %q", resp.Error)
		}
	}
	adminRole, active := model.UserRoleAdmin, true
	expect(t, ts.do(t, http.MethodPatch, "/api/admin/users/"+admin.ID, token, updateUserRequest{Role: &adminRole, Active: &active}), http.StatusOK, nil)

	resp = expect(t, ts.do(t, http.MethodDelete, "/api/admin/users/"+admin.ID, token, nil), http.StatusBadRequest, nil)
	if resp.Error != "You cannot delete your own account." {
		t.Errorf("error = %q", resp.Error)
	}
	expect(t, ts.do(t, http.MethodDelete, "/api/admin/users/"+created.ID, token, nil), http.StatusNoContent, nil)
	expect(t, ts.do(t, http.MethodDelete, "/api/admin/users/"+created.ID, token, nil), http.StatusNotFound, nil)
}

func TestAdminAttempts(t *testing.T) {
	ts := newTestServer(t, withMaxViolations(1))
	_, token := ts.createUser(t, "admin@example.com", model.UserRoleAdmin)
	_, student := ts.createUser(t, "student@example.com", model.UserRoleStudent)
	ex := ts.createExam(t, model.ExamPublished, false)
	other := ts.createExam(t, model.ExamPublished, false)
	v := ts.startAttempt(t, student, ex.id)
	ts.startAttempt(t, student, other.id)

	expect(t, ts.do(t, http.MethodPost, "/api/attempts/"+v.Attempt.ID+"/violations", student, violationRequest{Kind: "devtools", Detail: "F12"}), http.StatusOK, nil)

	var all []model.AttemptSummary
	expect(t, ts.do(t, http.MethodGet, "/api/admin/attempts", token, nil), http.StatusOK, &all)
	if len(all) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(all))
	}
	var flagged []model.AttemptSummary
	expect(t, ts.do(t, http.MethodGet, "/api/admin/attempts?flagged=true&exam_id="+ex.id, token, nil), http.StatusOK, &flagged)
	if len(flagged) != 1 || flagged[0].ViolationCount != 1 || flagged[0].Status != model.AttemptAutoSubmitted {
		t.Errorf("flagged attempts = %+v", flagged)
	}

	var violations []model.Violation
	expect(t, ts.do(t, http.MethodGet, "/api/admin/attempts/"+v.Attempt.ID+"/violations", token, nil), http.StatusOK, &violations)
	if len(violations) != 1 || violations[0].Kind != model.ViolationDevTools || violations[0].Detail != "F12" {
		t.Errorf("violations = %+v", violations)
	}
}

func TestAdminSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.createUser(t, "admin@example.com", model.UserRoleAdmin)
	studentUser, student := ts.createUser(t, "student@example.com", model.UserRoleStudent)

	var co struct {
		Payment model.PaymentTransaction `json:"payment"`
	}
	expect(t, ts.do(t, http.MethodPost, "/api/payments/checkout", student, checkoutRequest{Plan: "monthly"}), http.StatusCreated, &co)
	webhook(t, ts, co.Payment.OrderID, "settlement", "299.00", http.StatusOK)

	var subs []model.Subscription
	expect(t, ts.do(t, http.MethodGet, "/api/admin/subscriptions?status=active", token, nil), http.StatusOK, &subs)
	if len(subs) != 1 || subs[0].Plan != "monthly" {
		t.Errorf("subscriptions = %+v", subs)
	}
	expect(t, ts.do(t, http.MethodGet, "/api/admin/subscriptions?status=expired", token, nil), http.StatusOK, &subs)
	if len(subs) != 0 {
		t.Errorf("expected no expired subscriptions, got %d", len(subs))
	}

	var own []model.PaymentTransaction
	expect(t, ts.do(t, http.MethodGet, "/api/payments", student, nil), http.StatusOK, &own)
	if len(own) != 1 || own[0].Status != model.PaymentPaid {
		t.Errorf("own payments = %+v", own)
	}
	var all []model.PaymentTransaction
	resp := expect(t, ts.do(t, http.MethodGet, "/api/admin/payments?user_id="+studentUser.ID, token, nil), http.StatusOK, &all)
	if len(all) != 1 || resp.Pagination.Total != 1 {
		t.Errorf("admin payments = %+v", all)
	}
	expect(t, ts.do(t, http.MethodGet, "/api/admin/payments", student, nil), http.StatusForbidden, nil)

	cancelPath := "/api/admin/users/" + studentUser.ID + "/subscription"
	expect(t, ts.do(t, http.MethodDelete, cancelPath, token, nil), http.StatusNoContent, nil)
	expect(t, ts.do(t, http.MethodDelete, cancelPath, token, nil), http.StatusNotFound, nil)
	var current *model.Subscription
	expect(t, ts.do(t, http.MethodGet, "/api/subscription", student, nil), http.StatusOK, &current)
	if current != nil {
		t.Errorf("subscription after cancel = %+v", current)
	}
}
