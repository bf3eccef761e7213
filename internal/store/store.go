package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// New opens the database and applies the schema. For SQLite, dsn is a file
// path (or ":memory:"); for Postgres it is a connection string.
func New(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps ":memory:" databases alive and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		institution TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		duration_minutes INTEGER NOT NULL DEFAULT 30,
		pass_percentage DOUBLE PRECISION NOT NULL DEFAULT 40,
		negative_marking DOUBLE PRECISION NOT NULL DEFAULT 0,
		premium BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'draft',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL REFERENCES exams(id),
		text TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_option INTEGER NOT NULL DEFAULT 0,
		explanation TEXT NOT NULL DEFAULT '',
		marks DOUBLE PRECISION NOT NULL DEFAULT 1,
		difficulty TEXT NOT NULL DEFAULT 'medium',
		topic TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id);

	CREATE TABLE IF NOT EXISTS exam_attempts (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL REFERENCES exams(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'in_progress',
		answers TEXT NOT NULL DEFAULT '{}',
		total_questions INTEGER NOT NULL DEFAULT 0,
		answered INTEGER NOT NULL DEFAULT 0,
		correct INTEGER NOT NULL DEFAULT 0,
		wrong INTEGER NOT NULL DEFAULT 0,
		score DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
		passed BOOLEAN NOT NULL DEFAULT FALSE,
		time_spent_seconds INTEGER NOT NULL DEFAULT 0,
		violation_count INTEGER NOT NULL DEFAULT 0,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMP NOT NULL,
		submitted_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_user ON exam_attempts(user_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_exam ON exam_attempts(exam_id);

	CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		attempt_id TEXT NOT NULL REFERENCES exam_attempts(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_violations_attempt ON violations(attempt_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		plan TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		amount DOUBLE PRECISION NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);

	CREATE TABLE IF NOT EXISTS payment_transactions (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES users(id),
		plan TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		currency TEXT NOT NULL DEFAULT 'BDT',
		status TEXT NOT NULL DEFAULT 'pending',
		gateway_ref TEXT NOT NULL DEFAULT '',
		redirect_url TEXT NOT NULL DEFAULT '',
		raw_status TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		paid_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS ai_analytics (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		attempt_id TEXT REFERENCES exam_attempts(id),
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// get runs a single-row query, mapping sql.ErrNoRows to ErrNotFound.
func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	err := s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Store) sel(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

// execOne runs a statement that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func txExec(ctx context.Context, tx *sqlx.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

func newID() string {
	return uuid.NewString()
}

// Page describes an offset-limited slice of a listing.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) clause() (string, []any) {
	if p.Limit <= 0 {
		return "", nil
	}
	return ` LIMIT ? OFFSET ?`, []any{p.Limit, p.Offset}
}

// likePattern builds a case-insensitive substring pattern.
func likePattern(q string) string {
	return "%" + strings.ToLower(strings.TrimSpace(q)) + "%"
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation reports whether err is a unique or primary key
// constraint failure on either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}
