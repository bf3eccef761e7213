package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cqrrect/cqrrect/internal/i18n"
	"github.com/cqrrect/cqrrect/internal/store"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	maxBodyBytes   = 1 << 20
)

type envelope struct {
	Success    bool              `json:"success"`
	Data       any               `json:"data,omitempty"`
	Count      *int              `json:"count,omitempty"`
	Error      string            `json:"error,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Pagination *pagination       `json:"pagination,omitempty"`
}

type pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeItems answers with a list and its length.
func writeItems[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: items, Count: &n})
}

// writePage answers with one page of a list.
func writePage[T any](w http.ResponseWriter, items []T, total int, p pageQuery) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	pages := 0
	if p.perPage > 0 {
		pages = (total + p.perPage - 1) / p.perPage
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    items,
		Count:   &n,
		Pagination: &pagination{
			Page:       p.page,
			PerPage:    p.perPage,
			Total:      total,
			TotalPages: pages,
		},
	})
}

// writeError answers with a translated message.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, envelope{Success: false, Error: i18n.T(r.Context(), msgID)})
}

func serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, "ErrInternal")
}

// storeError maps store sentinels to responses and logs anything else.
func storeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "ErrNotFound")
	case errors.Is(err, store.ErrAttemptFinished):
		writeError(w, r, http.StatusConflict, "ErrAttemptFinished")
	case errors.Is(err, store.ErrEmailTaken):
		writeError(w, r, http.StatusConflict, "ErrEmailTaken")
	default:
		serverError(w, r, msg, err)
	}
}

type pageQuery struct {
	page    int
	perPage int
}

func parsePage(r *http.Request) pageQuery {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return pageQuery{page: page, perPage: perPage}
}

func (p pageQuery) store() store.Page {
	return store.Page{Limit: p.perPage, Offset: (p.page - 1) * p.perPage}
}
