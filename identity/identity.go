// Package identity resolves the user behind a session.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/cameronmore/go-exams/sessions"
	"github.com/rs/zerolog"
)

const RoleStaff = "staff"

// Backend is recorded under sessions.KeyAuthBackend on login.
const Backend = "password"

// Identity is either authenticated, carrying the user's details, or anonymous.
// The zero value is anonymous.
type Identity struct {
	authenticated bool

	UserId   string
	Username string
	Roles    []string
}

func Anonymous() Identity {
	return Identity{}
}

func Authenticated(u sessions.User) Identity {
	id := Identity{
		authenticated: true,
		UserId:        u.UserId,
		Username:      u.Username,
	}
	if u.IsStaff {
		id.Roles = append(id.Roles, RoleStaff)
	}
	return id
}

func (i Identity) IsAuthenticated() bool {
	return i.authenticated
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (i Identity) String() string {
	if !i.authenticated {
		return "anonymous"
	}
	return i.Username
}

type UserLoader interface {
	LoadUserByUserId(context.Context, string) (sessions.User, error)
}

type Resolver struct {
	users UserLoader
	log   zerolog.Logger
}

func NewResolver(users UserLoader, log zerolog.Logger) *Resolver {
	return &Resolver{
		users: users,
		log:   log.With().Str("component", "identity").Logger(),
	}
}

// Resolve maps the session's user id to an identity. A session pointing at a
// user that no longer exists is healed: the key is dropped from the record and
// the request continues anonymously. Only store failures are returned.
func (r *Resolver) Resolve(ctx context.Context, rec *sessions.Record) (Identity, error) {
	userId, ok := rec.GetString(sessions.KeyAuthUserId)
	if !ok || userId == "" {
		return Anonymous(), nil
	}

	u, err := r.users.LoadUserByUserId(ctx, userId)
	if errors.Is(err, sessions.ErrUserNotFound) {
		r.log.Info().Str("user_id", userId).Msg("session references missing user, clearing")
		rec.Delete(sessions.KeyAuthUserId)
		rec.Delete(sessions.KeyAuthBackend)
		return Anonymous(), nil
	}
	if err != nil {
		return Anonymous(), fmt.Errorf("resolving user %s: %w", userId, err)
	}
	return Authenticated(u), nil
}

// Login binds u to the session. The mapping moves to a fresh identifier so a
// pre-login session id cannot be replayed after authentication.
func Login(m *sessions.Manager, rec *sessions.Record, u sessions.User) Identity {
	m.Cycle(rec)
	rec.Set(sessions.KeyAuthUserId, u.UserId)
	rec.Set(sessions.KeyAuthBackend, Backend)
	return Authenticated(u)
}

// Logout discards every piece of server-side state of the session.
func Logout(ctx context.Context, m *sessions.Manager, rec *sessions.Record) (Identity, error) {
	if err := m.Flush(ctx, rec); err != nil {
		return Anonymous(), err
	}
	return Anonymous(), nil
}
