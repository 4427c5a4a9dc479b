package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cameronmore/go-exams/sessions"
	"github.com/lib/pq"
)

type PostgresAuthStore struct {
	DB *sql.DB
}

// Returns a new Postgres AuthStore and creates the necessary user and sessions tables if they don't exist
func NewPostgresAuthStore(db *sql.DB) (*PostgresAuthStore, error) {

	// set up session table
	newSessionTableQuery := `
	CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	data BYTEA NOT NULL,
	expires_at BIGINT NOT NULL -- Unix timestamp (seconds)
	);
	`
	_, err := db.Exec(newSessionTableQuery)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON sessions (expires_at)`)
	if err != nil {
		return nil, err
	}

	// set up user table
	newUserTableQuery := `
	CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY NOT NULL,
	username TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL,
	is_staff BOOLEAN NOT NULL DEFAULT FALSE
	);
	`
	_, err = db.Exec(newUserTableQuery)
	if err != nil {
		return nil, err
	}

	return &PostgresAuthStore{
		DB: db,
	}, nil
}

// save a user with the Postgres store
func (pg *PostgresAuthStore) SaveUser(ctx context.Context, u sessions.User) error {
	newUserQuery := `
		INSERT INTO users (user_id, hashed_password, username, is_staff)
		VALUES ($1, $2, $3, $4)
		`
	_, err := pg.DB.ExecContext(ctx, newUserQuery, u.UserId, u.HashedPassword, u.Username, u.IsStaff)
	if isPostgresUniqueViolation(err) {
		return sessions.ErrUserAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func isPostgresUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code.Name() == "unique_violation"
}

// Load user in Postgres store
func (pg *PostgresAuthStore) LoadUserByUserId(ctx context.Context, id string) (sessions.User, error) {
	var u sessions.User
	u.UserId = id
	err := pg.DB.QueryRowContext(ctx, "SELECT hashed_password, username, is_staff FROM users WHERE user_id = $1", id).
		Scan(&u.HashedPassword, &u.Username, &u.IsStaff)
	if errors.Is(err, sql.ErrNoRows) {
		return u, sessions.ErrUserNotFound
	} else if err != nil {
		return u, err
	}
	return u, nil
}

// Load user in Postgres store
func (pg *PostgresAuthStore) LoadUserByUsername(ctx context.Context, username string) (sessions.User, error) {
	var u sessions.User
	u.Username = username
	err := pg.DB.QueryRowContext(ctx, "SELECT hashed_password, user_id, is_staff FROM users WHERE username = $1", username).
		Scan(&u.HashedPassword, &u.UserId, &u.IsStaff)
	if errors.Is(err, sql.ErrNoRows) {
		return u, sessions.ErrUserNotFound
	} else if err != nil {
		return u, err
	}
	return u, nil
}

// Delete user in Postgres store
func (pg *PostgresAuthStore) DeleteUserByUserId(ctx context.Context, id string) error {
	result, err := pg.DB.ExecContext(ctx, "DELETE FROM users WHERE user_id = $1", id)
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

// Save session in Postgres store
func (pg *PostgresAuthStore) SaveSession(ctx context.Context, session sessions.Session) error {
	newSessionQuery := `
		INSERT INTO sessions (id, data, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at
		`
	_, err := pg.DB.ExecContext(ctx, newSessionQuery, string(session.Id), session.Data, session.ExpiresAt.Unix())
	return err
}

// Delete session in Postgres store
func (pg *PostgresAuthStore) DeleteSessionById(ctx context.Context, id string) error {

	deleteSessionQuery := `
	DELETE FROM sessions
	WHERE id = $1
	`
	result, err := pg.DB.ExecContext(ctx, deleteSessionQuery, id)
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

// Load session in Postgres store
func (pg *PostgresAuthStore) LoadSessionById(ctx context.Context, id string) (sessions.Session, error) {
	var session sessions.Session
	session.Id = sessions.SessionId(id)
	var expiresAtUnix int64
	query := `SELECT data, expires_at FROM sessions WHERE id = $1`
	err := pg.DB.QueryRowContext(ctx, query, id).Scan(&session.Data, &expiresAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return session, sessions.ErrSessionNotFound
	}
	session.ExpiresAt = time.Unix(expiresAtUnix, 0)
	return session, err
}

// Delete every session that expired before now
func (pg *PostgresAuthStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := pg.DB.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= $1", now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
