package sessions

import (
	"context"
	"time"
)

type User struct {
	Username       string
	UserId         string
	HashedPassword string
	IsStaff        bool
}

type SessionId string

func SessionIdFromString(s string) SessionId {
	return SessionId(s)
}

func (id SessionId) String() string {
	return string(id)
}

// Session is the persisted form of a Record. Data holds the encoded key/value
// mapping, see EncodeValues.
type Session struct {
	Id        SessionId
	Data      []byte
	ExpiresAt time.Time
}

// Store persists sessions keyed by identifier. SaveSession must behave as an
// upsert: saving an existing id replaces its data and expiry.
type Store interface {
	SaveSession(context.Context, Session) error
	LoadSessionById(context.Context, string) (Session, error)
	DeleteSessionById(context.Context, string) error
}

type UserStore interface {
	SaveUser(context.Context, User) error
	LoadUserByUserId(context.Context, string) (User, error)
	LoadUserByUsername(context.Context, string) (User, error)
	DeleteUserByUserId(context.Context, string) error
}

type AuthStore interface {
	Store
	UserStore
}
