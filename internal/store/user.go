package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cqrrect/cqrrect/internal/model"
)

// ErrEmailTaken is returned when creating a user with an existing email.
var ErrEmailTaken = errors.New("email already registered")

const userColumns = `id, email, full_name, phone, password_hash, role, institution, active, created_at`

// CreateUser inserts a new user and returns its ID. Emails are stored lowercased.
func (s *Store) CreateUser(ctx context.Context, u model.User) (string, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	existing, err := s.GetUserByEmail(ctx, u.Email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrEmailTaken
	}
	if u.ID == "" {
		u.ID = newID()
	}
	if u.Role == "" {
		u.Role = model.UserRoleStudent
	}
	_, err = s.exec(ctx,
		`INSERT INTO users (id, email, full_name, phone, password_hash, role, institution, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.FullName, u.Phone, u.PasswordHash, u.Role, u.Institution, u.Active, s.now(),
	)
	if isUniqueViolation(err) {
		return "", ErrEmailTaken
	}
	if err != nil {
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return "", err
	}
	slog.Info("created user", "id", u.ID, "email", u.Email, "role", u.Role)
	return u.ID, nil
}

// GetUserByEmail returns a user by email, or nil if none exists.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := s.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by ID, or nil if none exists.
func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserFilter narrows ListUsers. Empty fields mean no filtering.
type UserFilter struct {
	Role   model.UserRole
	Search string
}

// ListUsers returns users matching the filter, newest first, and the total count.
func (s *Store) ListUsers(ctx context.Context, f UserFilter, p Page) ([]model.User, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if f.Role != "" {
		where += ` AND role = ?`
		args = append(args, f.Role)
	}
	if f.Search != "" {
		where += ` AND (LOWER(email) LIKE ? OR LOWER(full_name) LIKE ?)`
		pat := likePattern(f.Search)
		args = append(args, pat, pat)
	}

	var total int
	if err := s.get(ctx, &total, `SELECT COUNT(*) FROM users`+where, args...); err != nil {
		return nil, 0, err
	}

	limit, pargs := p.clause()
	users := []model.User{}
	err := s.sel(ctx, &users, `SELECT `+userColumns+` FROM users`+where+` ORDER BY created_at DESC, id`+limit, append(args, pargs...)...)
	return users, total, err
}

// UserUpdate lists the user fields to change. Nil fields are left as they are.
type UserUpdate struct {
	Role         *model.UserRole
	Active       *bool
	PasswordHash *string
}

// UpdateUser applies u in one transaction. A new password or deactivation
// also ends the user's auth sessions.
func (s *Store) UpdateUser(ctx context.Context, id string, u UserUpdate) error {
	var sets []string
	var args []any
	if u.Role != nil {
		sets = append(sets, "role = ?")
		args = append(args, *u.Role)
	}
	if u.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *u.Active)
	}
	if u.PasswordHash != nil {
		sets = append(sets, "password_hash = ?")
		args = append(args, *u.PasswordHash)
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM users WHERE id = ?`), id); err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if len(sets) == 0 {
			return nil
		}
		if err := txExec(ctx, tx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, append(args, id)...); err != nil {
			return err
		}
		if u.PasswordHash != nil || (u.Active != nil && !*u.Active) {
			return txExec(ctx, tx, `DELETE FROM auth_sessions WHERE user_id = ?`, id)
		}
		return nil
	})
}

// DeleteUser removes a user and everything that references it in one transaction.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM users WHERE id = ?`), id); err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		steps := []string{
			`DELETE FROM violations WHERE user_id = ? OR attempt_id IN (SELECT id FROM exam_attempts WHERE user_id = ?)`,
			`DELETE FROM ai_analytics WHERE user_id = ? OR attempt_id IN (SELECT id FROM exam_attempts WHERE user_id = ?)`,
		}
		for _, q := range steps {
			if err := txExec(ctx, tx, q, id, id); err != nil {
				return err
			}
		}
		for _, q := range []string{
			`DELETE FROM exam_attempts WHERE user_id = ?`,
			`DELETE FROM subscriptions WHERE user_id = ?`,
			`DELETE FROM payment_transactions WHERE user_id = ?`,
			`DELETE FROM auth_sessions WHERE user_id = ?`,
			`DELETE FROM users WHERE id = ?`,
		} {
			if err := txExec(ctx, tx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("deleted user", "id", id)
	return nil
}

// UserCount returns the total number of users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var count int
	err := s.get(ctx, &count, `SELECT COUNT(*) FROM users`)
	return count, err
}
