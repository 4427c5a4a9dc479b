package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cameronmore/go-exams/csrf"
	"github.com/cameronmore/go-exams/identity"
	"github.com/cameronmore/go-exams/sessions"
)

type memStore struct {
	mu    sync.Mutex
	rows  map[string]sessions.Session
	users map[string]sessions.User
}

func (s *memStore) SaveSession(_ context.Context, sess sessions.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[string(sess.Id)] = sess
	return nil
}

func (s *memStore) LoadSessionById(_ context.Context, id string) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.rows[id]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	return sess, nil
}

func (s *memStore) DeleteSessionById(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memStore) LoadUserByUserId(_ context.Context, id string) (sessions.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return sessions.User{}, sessions.ErrUserNotFound
	}
	return u, nil
}

func (s *memStore) loadRecord(t *testing.T, m *sessions.Manager, cookie *http.Cookie) *sessions.Record {
	t.Helper()
	return m.Load(context.Background(), cookie.Value)
}

type harness struct {
	store    *memStore
	manager  *sessions.Manager
	pipeline *Pipeline
	router   chi.Router
	logs    *bytes.Buffer
	calls   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: &memStore{
			rows:  make(map[string]sessions.Session),
			users: map[string]sessions.User{"u1": {UserId: "u1", Username: "alice"}},
		},
		logs: &bytes.Buffer{},
	}
	log := zerolog.New(h.logs)

	m, err := sessions.NewManager(h.store, sessions.Options{Secrets: []string{"secret"}}, log)
	require.NoError(t, err)
	h.manager = m

	p := New(m, identity.NewResolver(h.store, log), csrf.NewGuard(csrf.NewCodec("secret"), csrf.DefaultExemptPaths, false), log)
	h.pipeline = p

	r := chi.NewRouter()
	r.Use(p.Middleware)
	r.Get("/form/", func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		rc := FromRequest(r)
		w.Write([]byte(rc.CSRFToken))
	})
	r.Post("/exam/{id}/take/", func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		w.Write([]byte("saved"))
	})
	r.Post("/login/", func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		FromRequest(r).Login(h.store.users["u1"])
		w.Write([]byte("logged in"))
	})
	r.Post("/logout/", func(w http.ResponseWriter, r *http.Request) {
		h.calls++
		if err := FromRequest(r).Logout(); err != nil {
			panic(err)
		}
	})
	r.Get("/whoami/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(FromRequest(r).Identity.String()))
	})
	r.Get("/panic/", func(w http.ResponseWriter, r *http.Request) {
		FromRequest(r).Session.Set("half", "done")
		w.Write([]byte("partial"))
		panic("boom")
	})
	r.Method(http.MethodGet, "/fails/", HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("database password is hunter2")
	}))
	r.Method(http.MethodGet, "/missing/", HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return Error(http.StatusNotFound, "exam not found")
	}))
	h.router = r
	return h
}

func (h *harness) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// login performs an exempt login and returns the resulting cookies.
func (h *harness) login(t *testing.T) (*http.Cookie, *http.Cookie) {
	t.Helper()
	rec := h.do(postForm("/login/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	sid := cookieNamed(rec, sessions.CookieName)
	token := cookieNamed(rec, csrf.CookieName)
	require.NotNil(t, sid)
	require.NotNil(t, token)
	return sid, token
}

func TestStageOrder(t *testing.T) {
	p := New(nil, nil, nil, zerolog.Nop())
	assert.Equal(t, []string{"session", "identity", "security", "csrf", "handler", "persist-session", "csrf-cookie"}, p.Stages())
}

func TestGetIssuesSessionAndCSRFCookies(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/form/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	sid := cookieNamed(rec, sessions.CookieName)
	require.NotNil(t, sid)
	assert.True(t, sid.HttpOnly)
	assert.Equal(t, 3600, sid.MaxAge)

	token := cookieNamed(rec, csrf.CookieName)
	require.NotNil(t, token)
	assert.False(t, token.HttpOnly)
	assert.Equal(t, 31449600, token.MaxAge)
	assert.Equal(t, token.Value, rec.Body.String())

	record := h.store.loadRecord(t, h.manager, sid)
	assert.False(t, record.IsNew(), "new session is persisted")
}

func TestPostWithoutTokenIsRejected(t *testing.T) {
	h := newHarness(t)
	sid, _ := h.login(t)
	h.calls = 0

	rec := h.do(postForm("/exam/3/take/", url.Values{"question_1": {"2"}}), sid)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "403 Forbidden")
	assert.Zero(t, h.calls, "handler must not run")
	assert.Nil(t, cookieNamed(rec, sessions.CookieName))
	assert.NotNil(t, cookieNamed(rec, csrf.CookieName))
	assert.Contains(t, h.logs.String(), "csrf check failed")
}

func TestPostWithRenderedTokenIsAccepted(t *testing.T) {
	h := newHarness(t)
	sid, _ := h.login(t)

	form := h.do(httptest.NewRequest(http.MethodGet, "/form/", nil), sid)
	require.Equal(t, http.StatusOK, form.Code)
	token := form.Body.String()

	rec := h.do(postForm("/exam/3/take/", url.Values{csrf.FormField: {token}}), sid)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "saved", rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/exam/3/take/", nil)
	req.Header.Set(csrf.HeaderName, token)
	assert.Equal(t, http.StatusOK, h.do(req, sid).Code)
}

func TestPostWithCSRFCookieFallback(t *testing.T) {
	h := newHarness(t)
	sid, token := h.login(t)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/exam/3/take/", nil), sid, token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExemptPathNeedsNoToken(t *testing.T) {
	h := newHarness(t)
	rec := h.do(postForm("/login/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.calls)
}

func TestHeadNeverRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodHead, "/form/", strings.NewReader("junk")))
	assert.NotEqual(t, http.StatusForbidden, rec.Code)
}

func TestAuthenticatedRequestTracksActivity(t *testing.T) {
	h := newHarness(t)
	sid, _ := h.login(t)

	req := httptest.NewRequest(http.MethodGet, "/whoami/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := h.do(req, sid)
	require.Equal(t, "alice", rec.Body.String())

	record := h.store.loadRecord(t, h.manager, cookieNamed(rec, sessions.CookieName))
	ip, _ := record.GetString(sessions.KeySessionIP)
	assert.Equal(t, "203.0.113.7", ip)
	_, ok := record.GetString(sessions.KeyLastActivity)
	assert.True(t, ok)
}

func TestAnonymousRequestIsNotTracked(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/whoami/", nil))
	assert.Equal(t, "anonymous", rec.Body.String())
	record := h.store.loadRecord(t, h.manager, cookieNamed(rec, sessions.CookieName))
	assert.False(t, record.Has(sessions.KeyLastActivity))
}

func TestLogoutInvalidatesOldCookie(t *testing.T) {
	h := newHarness(t)
	sid, token := h.login(t)

	rec := h.do(httptest.NewRequest(http.MethodPost, "/logout/", nil), sid, token)
	require.Equal(t, http.StatusOK, rec.Code)
	newSid := cookieNamed(rec, sessions.CookieName)
	require.NotNil(t, newSid)
	assert.NotEqual(t, sid.Value, newSid.Value)
	assert.NotEqual(t, token.Value, cookieNamed(rec, csrf.CookieName).Value)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/whoami/", nil), sid)
	assert.Equal(t, "anonymous", rec.Body.String())
	old := h.store.loadRecord(t, h.manager, sid)
	assert.False(t, old.Has(sessions.KeyAuthUserId))
}

func TestDeletedUserIsHealed(t *testing.T) {
	h := newHarness(t)
	sid, _ := h.login(t)
	delete(h.store.users, "u1")

	rec := h.do(httptest.NewRequest(http.MethodGet, "/whoami/", nil), sid)
	assert.Equal(t, "anonymous", rec.Body.String())

	record := h.store.loadRecord(t, h.manager, sid)
	assert.False(t, record.Has(sessions.KeyAuthUserId))
}

func TestPanicBecomesGenericError(t *testing.T) {
	h := newHarness(t)
	sid, _ := h.login(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/panic/", nil), sid)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "partial")
	assert.Contains(t, h.logs.String(), "/panic/")
	assert.Contains(t, h.logs.String(), "boom")

	record := h.store.loadRecord(t, h.manager, sid)
	assert.False(t, record.Has("half"), "faulted request does not persist session changes")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/whoami/", nil), sid)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReturnedErrorHidesDetail(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/fails/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, h.logs.String(), "unhandled handler fault")
}

func TestHTTPErrorKeepsStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/missing/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotNil(t, cookieNamed(rec, sessions.CookieName))
}

func TestAccessLogLine(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	line := h.logs.String()
	for _, field := range []string{`"method":"POST"`, `"path":"/login/"`, `"status":200`, `"identity":"alice"`, `"elapsed"`} {
		assert.Contains(t, line, field)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(r))
}

func TestPeerIPIgnoresForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.2, 192.0.2.1")
	assert.Equal(t, "192.0.2.1", PeerIP(r))

	r.RemoteAddr = "192.0.2.7"
	assert.Equal(t, "192.0.2.7", PeerIP(r))
}

type memRecorder struct {
	entries []AccessEntry
	err     error
}

func (m *memRecorder) RecordAccess(_ context.Context, e AccessEntry) error {
	m.entries = append(m.entries, e)
	return m.err
}

func TestAccessRecorder(t *testing.T) {
	h := newHarness(t)
	rec := &memRecorder{}
	h.pipeline.SetAccessRecorder(rec)

	sid, _ := h.login(t)
	req := httptest.NewRequest(http.MethodGet, "/missing/", nil)
	req.Header.Set("User-Agent", "exam-browser/1.0")
	req.RemoteAddr = "192.0.2.5:1234"
	h.do(req, sid)

	require.Len(t, rec.entries, 2)
	login := rec.entries[0]
	assert.Equal(t, "u1", login.UserId, "the identity set by the handler is recorded")
	assert.Equal(t, http.MethodPost, login.Method)
	assert.Equal(t, http.StatusOK, login.Status)

	missing := rec.entries[1]
	assert.Equal(t, "/missing/", missing.Path)
	assert.Equal(t, http.StatusNotFound, missing.Status)
	assert.Equal(t, "192.0.2.5", missing.IP)
	assert.Equal(t, "exam-browser/1.0", missing.UserAgent)
	assert.False(t, missing.At.IsZero())
}

func TestFailingAccessRecorderKeepsResponse(t *testing.T) {
	h := newHarness(t)
	h.pipeline.SetAccessRecorder(&memRecorder{err: errors.New("disk full")})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/form/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, h.logs.String(), "recording access")
}
