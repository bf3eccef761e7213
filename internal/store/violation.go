package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/cqrrect/cqrrect/internal/model"
)

// InsertViolation records a proctoring event and bumps the attempt's
// violation counter in the same transaction. It returns the new count.
func (s *Store) InsertViolation(ctx context.Context, v model.Violation) (int, error) {
	if v.ID == "" {
		v.ID = newID()
	}
	var count int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var status model.AttemptStatus
		err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM exam_attempts WHERE id = ?`), v.AttemptID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status.Finished() {
			return ErrAttemptFinished
		}
		if err := txExec(ctx, tx,
			`INSERT INTO violations (id, attempt_id, user_id, kind, detail, occurred_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.AttemptID, v.UserID, v.Kind, v.Detail, v.OccurredAt, s.now(),
		); err != nil {
			return err
		}
		if err := txExec(ctx, tx,
			`UPDATE exam_attempts SET violation_count = violation_count + 1 WHERE id = ?`, v.AttemptID,
		); err != nil {
			return err
		}
		return tx.GetContext(ctx, &count, tx.Rebind(`SELECT violation_count FROM exam_attempts WHERE id = ?`), v.AttemptID)
	})
	return count, err
}

// ListViolations returns the violations of an attempt in the order they occurred.
func (s *Store) ListViolations(ctx context.Context, attemptID string) ([]model.Violation, error) {
	out := []model.Violation{}
	err := s.sel(ctx, &out,
		`SELECT id, attempt_id, user_id, kind, detail, occurred_at, created_at
		 FROM violations WHERE attempt_id = ? ORDER BY occurred_at, created_at`, attemptID)
	return out, err
}

// KindCount is a violation kind with its number of occurrences.
type KindCount struct {
	Kind  model.ViolationKind `db:"kind" json:"kind"`
	Count int                 `db:"count" json:"count"`
}

// ViolationsByKind aggregates an attempt's violations per kind.
func (s *Store) ViolationsByKind(ctx context.Context, attemptID string) ([]KindCount, error) {
	out := []KindCount{}
	err := s.sel(ctx, &out,
		`SELECT kind, COUNT(*) AS count FROM violations WHERE attempt_id = ? GROUP BY kind ORDER BY count DESC, kind`, attemptID)
	return out, err
}
