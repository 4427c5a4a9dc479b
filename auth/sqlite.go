package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cameronmore/go-exams/sessions"
	"github.com/mattn/go-sqlite3"
)

type SQLiteAuthStore struct {
	DB *sql.DB
}

// Returns a new SQLite AuthStore and creates the necessary user and sessions tables if they don't exist
func NewSQLiteStore(db *sql.DB) (*SQLiteAuthStore, error) {

	// set up session table
	newSessionTableQuery := `
	CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	expires_at INTEGER NOT NULL -- Unix timestamp (seconds)
	);
	CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON sessions (expires_at);
	`
	_, err := db.Exec(newSessionTableQuery)
	if err != nil {
		return nil, err
	}

	// set up user table
	newUserTableQuery := `
	CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL,
	is_staff BOOLEAN NOT NULL DEFAULT 0
	);
	`
	_, err = db.Exec(newUserTableQuery)
	if err != nil {
		return nil, err
	}

	return &SQLiteAuthStore{
		DB: db,
	}, nil
}

// SaveUser inserts u. A taken username is reported by the unique constraint,
// so concurrent registrations of the same name cannot both succeed.
func (s *SQLiteAuthStore) SaveUser(ctx context.Context, u sessions.User) error {
	newUserQuery := `
		INSERT INTO users (user_id, username, hashed_password, is_staff)
		VALUES (?, ?, ?, ?)
		`
	_, err := s.DB.ExecContext(ctx, newUserQuery, u.UserId, u.Username, u.HashedPassword, u.IsStaff)
	if isSQLiteUniqueViolation(err) {
		return sessions.ErrUserAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLiteAuthStore) LoadUserByUserId(ctx context.Context, id string) (sessions.User, error) {
	var u sessions.User
	u.UserId = id
	err := s.DB.QueryRowContext(ctx, "SELECT username, hashed_password, is_staff FROM users WHERE user_id = ?", id).
		Scan(&u.Username, &u.HashedPassword, &u.IsStaff)
	if errors.Is(err, sql.ErrNoRows) {
		return u, sessions.ErrUserNotFound
	}
	return u, err
}

func (s *SQLiteAuthStore) LoadUserByUsername(ctx context.Context, username string) (sessions.User, error) {
	var u sessions.User
	u.Username = username
	err := s.DB.QueryRowContext(ctx, "SELECT user_id, hashed_password, is_staff FROM users WHERE username = ?", username).
		Scan(&u.UserId, &u.HashedPassword, &u.IsStaff)
	if errors.Is(err, sql.ErrNoRows) {
		return u, sessions.ErrUserNotFound
	}
	return u, err
}

func (s *SQLiteAuthStore) DeleteUserByUserId(ctx context.Context, id string) error {
	result, err := s.DB.ExecContext(ctx, "DELETE FROM users WHERE user_id = ?", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sessions.ErrUserNotFound
	}
	return nil
}

func (s *SQLiteAuthStore) SaveSession(ctx context.Context, session sessions.Session) error {
	newSessionQuery := `
		INSERT INTO sessions (id, data, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at
		`
	_, err := s.DB.ExecContext(ctx, newSessionQuery, string(session.Id), session.Data, session.ExpiresAt.Unix())
	return err
}

func (s *SQLiteAuthStore) DeleteSessionById(ctx context.Context, id string) error {

	deleteSessionQuery := `
	DELETE FROM sessions
	WHERE id = ?
	`
	result, err := s.DB.ExecContext(ctx, deleteSessionQuery, id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteAuthStore) LoadSessionById(ctx context.Context, id string) (sessions.Session, error) {
	var session sessions.Session
	session.Id = sessions.SessionId(id)
	var expiresAtUnix int64
	query := `SELECT data, expires_at FROM sessions WHERE id = ?`
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&session.Data, &expiresAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return session, sessions.ErrSessionNotFound
	}
	session.ExpiresAt = time.Unix(expiresAtUnix, 0)
	return session, err
}

// DeleteExpiredSessions removes every session that expired before now and
// reports how many were removed.
func (s *SQLiteAuthStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.DB.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
