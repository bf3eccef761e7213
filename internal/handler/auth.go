package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/cqrrect/cqrrect/internal/model"
)

const (
	minPasswordLen = 8
	// bcrypt rejects longer input.
	maxPasswordBytes = 72
)

// passwordProblem returns the message key describing why pw is unusable, or "".
func passwordProblem(pw string) string {
	if utf8.RuneCountInString(pw) < minPasswordLen {
		return "ErrPasswordTooShort"
	}
	if len(pw) > maxPasswordBytes {
		return "ErrPasswordTooLong"
	}
	return ""
}

// requireAuth checks the bearer token, its auth session and the user behind it.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}
		claims, err := h.tokens.Parse(token)
		if err != nil {
			slog.Debug("rejected token", "error", err)
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), claims.SessionID)
		if err != nil {
			serverError(w, r, "failed to get auth session", err)
			return
		}
		if authSess == nil || authSess.UserID != claims.Subject {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		user, err := h.store.GetUserByID(r.Context(), authSess.UserID)
		if err != nil {
			serverError(w, r, "failed to get user", err)
			return
		}
		if user == nil || !user.Active {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		ctx = model.ContextWithSessionID(ctx, authSess.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, http.StatusForbidden, "ErrForbidden")
		})
	}
}

type signupRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required"`
	FullName    string `json:"full_name" validate:"required,max=120"`
	Phone       string `json:"phone" validate:"omitempty,max=32"`
	Institution string `json:"institution" validate:"omitempty,max=200"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      model.User `json:"user"`
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !bind(w, r, &req) {
		return
	}
	if key := passwordProblem(req.Password); key != "" {
		writeError(w, r, http.StatusBadRequest, key)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		serverError(w, r, "failed to hash password", err)
		return
	}
	id, err := h.store.CreateUser(r.Context(), model.User{
		Email:        req.Email,
		FullName:     strings.TrimSpace(req.FullName),
		Phone:        req.Phone,
		Institution:  req.Institution,
		PasswordHash: string(hash),
		Role:         model.UserRoleStudent,
		Active:       true,
	})
	if err != nil {
		storeError(w, r, "failed to create user", err)
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil || user == nil {
		serverError(w, r, "failed to load new user", err)
		return
	}
	h.issueToken(w, r, http.StatusCreated, *user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !bind(w, r, &req) {
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		serverError(w, r, "failed to get user", err)
		return
	}
	if user == nil {
		writeError(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}
	if !user.Active {
		writeError(w, r, http.StatusUnauthorized, "ErrAccountDisabled")
		return
	}

	h.issueToken(w, r, http.StatusOK, *user)
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request, status int, user model.User) {
	sess, err := h.store.CreateAuthSession(r.Context(), user.ID, h.tokens.TTL())
	if err != nil {
		serverError(w, r, "failed to create auth session", err)
		return
	}
	token, exp, err := h.tokens.Issue(user, sess)
	if err != nil {
		serverError(w, r, "failed to issue token", err)
		return
	}
	slog.Info("user logged in", "user_id", user.ID, "role", user.Role)
	writeData(w, status, tokenResponse{Token: token, ExpiresAt: exp, User: user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAuthSession(r.Context(), model.SessionIDFromContext(r.Context())); err != nil {
		serverError(w, r, "failed to delete auth session", err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, model.UserFromContext(r.Context()))
}
