// Package importer loads exam questions from JSON documents.
package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cqrrect/cqrrect/internal/model"
	"github.com/cqrrect/cqrrect/internal/store"
)

var (
	// ErrAlreadyImported is returned when the same content was already
	// imported into the same exam.
	ErrAlreadyImported = errors.New("questions already imported")
	// ErrEmpty is returned for documents without questions.
	ErrEmpty = errors.New("no questions in file")
	// ErrMalformed is returned when the document is not valid question JSON.
	ErrMalformed = errors.New("malformed question file")
)

// RowError describes why one question of a document was rejected.
type RowError struct {
	Index int    `json:"index"`
	Text  string `json:"text,omitempty"`
	Err   string `json:"error"`
}

// InvalidError is returned when any question fails validation. Nothing is
// imported in that case.
type InvalidError struct {
	Rows []RowError
}

func (e *InvalidError) Error() string {
	parts := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		parts = append(parts, fmt.Sprintf("question %d: %s", r.Index, r.Err))
	}
	return "invalid questions: " + strings.Join(parts, "; ")
}

// Result summarizes an import.
type Result struct {
	ExamID      string   `json:"exam_id"`
	Hash        string   `json:"hash"`
	QuestionIDs []string `json:"question_ids"`
}

// Importer inserts questions into exams, remembering the content hash of
// every accepted document.
type Importer struct {
	store    *store.Store
	validate *validator.Validate
}

// New creates an importer backed by st.
func New(st *store.Store) *Importer {
	return &Importer{store: st, validate: validator.New()}
}

// Parse decodes a question document. Both a bare array and an object with a
// "questions" array are accepted.
func Parse(data []byte) ([]model.QuestionImport, error) {
	data = bytes.TrimSpace(data)
	var qs []model.QuestionImport
	if len(data) > 0 && data[0] == '{' {
		var doc struct {
			Questions []model.QuestionImport `json:"questions"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		qs = doc.Questions
	} else if err := json.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(qs) == 0 {
		return nil, ErrEmpty
	}
	return qs, nil
}

// Hash is the dedupe key of data imported into examID.
func Hash(examID string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(examID))
	h.Write([]byte{'\n'})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func importKey(examID, hash string) string {
	return "exam:" + examID + ":sha256:" + hash
}

// Import validates and inserts the questions in data into examID. The whole
// document is rejected if any question is invalid.
func (im *Importer) Import(ctx context.Context, examID string, data []byte) (Result, error) {
	if _, err := im.store.GetExam(ctx, examID); err != nil {
		return Result{}, fmt.Errorf("exam %s: %w", examID, err)
	}

	hash := Hash(examID, data)
	key := importKey(examID, hash)
	stored, err := im.store.GetImportedFileHash(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("check import status: %w", err)
	}
	if stored != "" {
		slog.Info("questions already imported, skipping", "exam_id", examID, "hash", hash)
		return Result{ExamID: examID, Hash: hash}, ErrAlreadyImported
	}

	rows, err := Parse(data)
	if err != nil {
		return Result{}, err
	}
	qs, err := im.convert(examID, rows)
	if err != nil {
		return Result{}, err
	}

	ids, err := im.store.InsertQuestions(ctx, qs)
	if err != nil {
		return Result{}, fmt.Errorf("insert questions: %w", err)
	}
	if err := im.store.SetImportedFileHash(ctx, key, hash); err != nil {
		return Result{}, fmt.Errorf("record import: %w", err)
	}
	slog.Info("imported questions", "exam_id", examID, "count", len(ids))
	return Result{ExamID: examID, Hash: hash, QuestionIDs: ids}, nil
}

func (im *Importer) convert(examID string, rows []model.QuestionImport) ([]model.Question, error) {
	var invalid []RowError
	qs := make([]model.Question, 0, len(rows))
	for i, qi := range rows {
		if err := im.validate.Struct(qi); err != nil {
			invalid = append(invalid, RowError{Index: i, Text: qi.Text, Err: err.Error()})
			continue
		}
		q, err := qi.ToQuestion(examID, 0)
		if err != nil {
			invalid = append(invalid, RowError{Index: i, Text: qi.Text, Err: err.Error()})
			continue
		}
		qs = append(qs, q)
	}
	if len(invalid) > 0 {
		return nil, &InvalidError{Rows: invalid}
	}
	return qs, nil
}
