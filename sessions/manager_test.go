package sessions

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]Session
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]Session)}
}

func (s *memStore) SaveSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[string(sess.Id)] = sess
	return nil
}

func (s *memStore) LoadSessionById(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.rows[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *memStore) DeleteSessionById(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.rows, id)
	return nil
}

func newTestManager(t *testing.T, store Store, secrets ...string) *Manager {
	t.Helper()
	if len(secrets) == 0 {
		secrets = []string{"test-secret"}
	}
	m, err := NewManager(store, Options{Secrets: secrets}, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager(newMemStore(), Options{}, zerolog.Nop())
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestLoadWithoutCookieCreatesRecord(t *testing.T) {
	m := newTestManager(t, newMemStore())

	r := m.Load(context.Background(), "")
	assert.True(t, r.IsNew())
	assert.NotEmpty(t, r.Id())
	assert.Equal(t, 0, r.Len())

	other := m.Load(context.Background(), "")
	assert.NotEqual(t, r.Id(), other.Id())
}

func TestSaveAndReload(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	r := m.Load(ctx, "")
	r.Set(KeyAuthUserId, "01HZX")
	r.Set(KeyCurrentExamSessionId, int64(42))
	require.NoError(t, m.Save(ctx, r))
	assert.False(t, r.Modified())
	assert.False(t, r.IsNew())

	cookie := m.Cookie(r)
	assert.Equal(t, CookieName, cookie.Name)
	assert.Equal(t, 3600, cookie.MaxAge)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	loaded := m.Load(ctx, cookie.Value)
	assert.Equal(t, r.Id(), loaded.Id())
	assert.False(t, loaded.IsNew())
	userId, ok := loaded.GetString(KeyAuthUserId)
	require.True(t, ok)
	assert.Equal(t, "01HZX", userId)
	examSessionId, ok := loaded.GetInt64(KeyCurrentExamSessionId)
	require.True(t, ok)
	assert.Equal(t, int64(42), examSessionId)
}

func TestSaveSkipsUnmodifiedRecord(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	r := m.Load(ctx, "")
	require.NoError(t, m.Save(ctx, r))
	first := store.rows[string(r.Id())].ExpiresAt

	m.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, m.Save(ctx, r))
	assert.Equal(t, first, store.rows[string(r.Id())].ExpiresAt)
}

func TestLoadRejectsForgedCookie(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	r := m.Load(ctx, "")
	r.Set(KeyAuthUserId, "victim")
	require.NoError(t, m.Save(ctx, r))

	forged := signSessionId(string(r.Id()), "attacker-secret")
	loaded := m.Load(ctx, forged)
	assert.NotEqual(t, r.Id(), loaded.Id())
	assert.False(t, loaded.Has(KeyAuthUserId))

	assert.True(t, m.Load(ctx, "not-a-signed-value").IsNew())
}

func TestLoadAcceptsPreviousSecret(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	old := newTestManager(t, store, "old-secret")
	r := old.Load(ctx, "")
	r.Set("k", "v")
	require.NoError(t, old.Save(ctx, r))
	cookie := old.Cookie(r)

	rotated := newTestManager(t, store, "new-secret", "old-secret")
	assert.Equal(t, r.Id(), rotated.Load(ctx, cookie.Value).Id())

	dropped := newTestManager(t, store, "new-secret")
	assert.NotEqual(t, r.Id(), dropped.Load(ctx, cookie.Value).Id())
}

func TestLoadExpiredSessionIsDeleted(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	r := m.Load(ctx, "")
	r.Set("k", "v")
	require.NoError(t, m.Save(ctx, r))
	cookie := m.Cookie(r)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	loaded := m.Load(ctx, cookie.Value)
	assert.True(t, loaded.IsNew())
	_, err := store.LoadSessionById(ctx, string(r.Id()))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFlushRemovesOldState(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	r := m.Load(ctx, "")
	r.Set(KeyAuthUserId, "u1")
	require.NoError(t, m.Save(ctx, r))
	oldCookie := m.Cookie(r)
	oldId := r.Id()

	require.NoError(t, m.Flush(ctx, r))
	assert.NotEqual(t, oldId, r.Id())
	assert.Equal(t, 0, r.Len())
	assert.True(t, r.IsNew())

	_, err := store.LoadSessionById(ctx, string(oldId))
	require.ErrorIs(t, err, ErrSessionNotFound)

	reloaded := m.Load(ctx, oldCookie.Value)
	assert.NotEqual(t, oldId, reloaded.Id())
	assert.False(t, reloaded.Has(KeyAuthUserId))
}

func TestCycleKeepsValuesAndDropsOldRowOnSave(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	r := m.Load(ctx, "")
	r.Set("k", "v")
	require.NoError(t, m.Save(ctx, r))
	oldId := r.Id()

	m.Cycle(r)
	assert.NotEqual(t, oldId, r.Id())
	_, err := store.LoadSessionById(ctx, string(oldId))
	require.NoError(t, err, "old row survives until save")

	require.NoError(t, m.Save(ctx, r))
	_, err = store.LoadSessionById(ctx, string(oldId))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	v, ok := m.Load(ctx, m.Cookie(r).Value).GetString("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestFlashesSurviveStorage(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)
	ctx := context.Background()

	r := m.Load(ctx, "")
	r.AddFlash("success", "welcome")
	r.AddFlash("info", "exam started")
	require.NoError(t, m.Save(ctx, r))

	loaded := m.Load(ctx, m.Cookie(r).Value)
	flashes := loaded.PopFlashes()
	require.Len(t, flashes, 2)
	assert.Equal(t, Flash{Level: "success", Text: "welcome"}, flashes[0])
	assert.True(t, loaded.Modified())
	assert.Empty(t, loaded.PopFlashes())
}

func TestDeleteAbsentKeyDoesNotModify(t *testing.T) {
	m := newTestManager(t, newMemStore())
	r := m.Load(context.Background(), "")
	r.Delete("missing")
	assert.False(t, r.Modified())
}
