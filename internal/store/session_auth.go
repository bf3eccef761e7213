package store

import (
	"context"
	"errors"
	"time"

	"github.com/cqrrect/cqrrect/internal/model"
)

// CreateAuthSession creates a login session for a user, valid for ttl.
func (s *Store) CreateAuthSession(ctx context.Context, userID string, ttl time.Duration) (model.AuthSession, error) {
	now := s.now()
	sess := model.AuthSession{
		ID:        newID(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := s.exec(ctx,
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return model.AuthSession{}, err
	}
	return sess, nil
}

// GetAuthSession returns the session with the given ID, or nil if not found/expired.
func (s *Store) GetAuthSession(ctx context.Context, id string) (*model.AuthSession, error) {
	var sess model.AuthSession
	err := s.get(ctx, &sess, `SELECT id, user_id, created_at, expires_at FROM auth_sessions WHERE id = ?`, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.now().After(sess.ExpiresAt) {
		_ = s.DeleteAuthSession(ctx, id)
		return nil, nil
	}
	return &sess, nil
}

// DeleteAuthSession removes a session.
func (s *Store) DeleteAuthSession(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM auth_sessions WHERE id = ?`, id)
	return err
}

// CleanupExpiredSessions removes all expired auth sessions.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM auth_sessions WHERE expires_at < ?`, s.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
