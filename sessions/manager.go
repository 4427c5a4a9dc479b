package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const DefaultMaxAge = 3600 * time.Second

type Options struct {
	MaxAge time.Duration
	Secure bool
	// Secrets signs the session cookie. The first entry signs, all of them verify.
	Secrets []string
}

// Manager loads, saves and invalidates session records on top of a Store.
type Manager struct {
	store Store
	opts  Options
	log   zerolog.Logger
	now   func() time.Time
}

func NewManager(store Store, opts Options, log zerolog.Logger) (*Manager, error) {
	if len(opts.Secrets) == 0 || opts.Secrets[0] == "" {
		return nil, ErrNoSecret
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Manager{
		store: store,
		opts:  opts,
		log:   log.With().Str("component", "sessions").Logger(),
		now:   time.Now,
	}, nil
}

// Load returns the record named by the signed cookie value. A missing, forged,
// unknown, expired or unreadable session yields a fresh empty record; Load
// never fails the request.
func (m *Manager) Load(ctx context.Context, cookieValue string) *Record {
	if cookieValue == "" {
		return newRecord()
	}

	sessionId, err := VerifySessionId(cookieValue, m.opts.Secrets)
	if err != nil {
		m.log.Debug().Err(err).Msg("rejected session cookie")
		return newRecord()
	}

	stored, err := m.store.LoadSessionById(ctx, sessionId)
	if errors.Is(err, ErrSessionNotFound) {
		return newRecord()
	}
	if err != nil {
		m.log.Error().Err(err).Msg("loading session")
		return newRecord()
	}

	if !m.now().Before(stored.ExpiresAt) {
		if delErr := m.store.DeleteSessionById(ctx, sessionId); delErr != nil && !errors.Is(delErr, ErrSessionNotFound) {
			m.log.Warn().Err(delErr).Msg("deleting expired session")
		}
		return newRecord()
	}

	values, err := DecodeValues(stored.Data)
	if err != nil {
		m.log.Warn().Err(err).Msg("decoding session data")
		return newRecord()
	}

	return &Record{
		id:        stored.Id,
		values:    values,
		expiresAt: stored.ExpiresAt,
	}
}

// Save persists the record when it is new or was modified and pushes its
// expiry forward. Saving an unchanged record is a no-op.
func (m *Manager) Save(ctx context.Context, r *Record) error {
	if !r.modified && !r.isNew {
		return nil
	}

	data, err := EncodeValues(r.values)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	expiresAt := m.now().Add(m.opts.MaxAge)
	err = m.store.SaveSession(ctx, Session{
		Id:        r.id,
		Data:      data,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	for _, old := range r.replaced {
		if err := m.store.DeleteSessionById(ctx, string(old)); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.log.Warn().Err(err).Msg("deleting replaced session")
		}
	}

	r.replaced = nil
	r.expiresAt = expiresAt
	r.modified = false
	r.isNew = false
	return nil
}

// Flush deletes all server-side state of the record and gives it a new
// identifier with an empty mapping. The old identifier is never reused.
func (m *Manager) Flush(ctx context.Context, r *Record) error {
	if !r.isNew {
		err := m.store.DeleteSessionById(ctx, string(r.id))
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("flushing session: %w", err)
		}
	}
	for _, old := range r.replaced {
		if err := m.store.DeleteSessionById(ctx, string(old)); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("flushing session: %w", err)
		}
	}

	r.id = newSessionId()
	r.values = make(map[string]any)
	r.replaced = nil
	r.expiresAt = time.Time{}
	r.isNew = true
	r.modified = true
	return nil
}

// Cycle moves the record's mapping to a new identifier. The old row is removed
// when the record is next saved, so an aborted request leaves it intact.
func (m *Manager) Cycle(r *Record) {
	if !r.isNew {
		r.replaced = append(r.replaced, r.id)
	}
	r.id = newSessionId()
	r.isNew = true
	r.modified = true
}

// Cookie binds the record's identifier to the client.
func (m *Manager) Cookie(r *Record) *http.Cookie {
	return newCookie(signSessionId(string(r.id), m.opts.Secrets[0]), m.opts.MaxAge, m.opts.Secure)
}
