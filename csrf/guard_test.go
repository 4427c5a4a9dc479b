package csrf

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTokenDeterministic(t *testing.T) {
	a := ComputeToken("session-1", "secret")
	b := ComputeToken("session-1", "secret")
	assert.Equal(t, a, b)
	assert.Len(t, a, TokenLength)

	assert.NotEqual(t, a, ComputeToken("session-2", "secret"))
	assert.NotEqual(t, a, ComputeToken("session-1", "other"))
}

func TestComputeTokenWithoutSession(t *testing.T) {
	assert.Equal(t, ComputeToken(NoSession, "secret"), ComputeToken("", "secret"))
	assert.Len(t, ComputeToken("", "secret"), TokenLength)
}

func TestCodecVerifyDuringRotation(t *testing.T) {
	oldToken := ComputeToken("sid", "old")

	rotating := NewCodec("new", "old")
	assert.True(t, rotating.Verify("sid", oldToken))
	assert.True(t, rotating.Verify("sid", rotating.Token("sid")))
	assert.Equal(t, ComputeToken("sid", "new"), rotating.Token("sid"))

	rotated := NewCodec("new")
	assert.False(t, rotated.Verify("sid", oldToken))
	assert.False(t, rotated.Verify("sid", "short"))
}

func newTestGuard() *Guard {
	return NewGuard(NewCodec("secret"), DefaultExemptPaths, false)
}

func TestCheckSafeMethodsAlwaysAllowed(t *testing.T) {
	g := newTestGuard()
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		d := g.Check(method, "/exam/3/take/", "sid", "")
		assert.True(t, d.Allowed, method)
		assert.Equal(t, g.Token("sid"), d.Token)
	}
}

func TestCheckExemptPath(t *testing.T) {
	g := newTestGuard()
	d := g.Check(http.MethodPost, "/login/", "sid", "")
	assert.True(t, d.Allowed)
	d = g.Check(http.MethodPost, "/register/step", "sid", "")
	assert.True(t, d.Allowed)
	d = g.Check(http.MethodPost, "/logout/", "sid", "")
	assert.False(t, d.Allowed)
}

func TestCheckProtectedMethods(t *testing.T) {
	g := newTestGuard()
	token := g.Token("sid")
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		d := g.Check(method, "/exam/3/take/", "sid", "")
		assert.False(t, d.Allowed, method)
		assert.Equal(t, ReasonInvalid, d.Reason)

		d = g.Check(method, "/exam/3/take/", "sid", "0123456789abcdef0123456789abcdef")
		assert.False(t, d.Allowed, method)

		d = g.Check(method, "/exam/3/take/", "sid", token)
		assert.True(t, d.Allowed, method)
		assert.Empty(t, d.Reason)
	}
}

func TestTokenFromRenderMatchesSubmission(t *testing.T) {
	g := newTestGuard()
	rendered := g.Check(http.MethodGet, "/exam/1/take/", "sid-42", "")
	submitted := g.Check(http.MethodPost, "/exam/1/take/", "sid-42", rendered.Token)
	assert.True(t, submitted.Allowed)
}

func TestSubmittedTokenPriority(t *testing.T) {
	form := url.Values{FormField: {"from-form"}}
	r := httptest.NewRequest(http.MethodPost, "/x/", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set(HeaderName, "from-header")
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	assert.Equal(t, "from-form", SubmittedToken(r))

	r = httptest.NewRequest(http.MethodPost, "/x/", nil)
	r.Header.Set(HeaderName, "from-header")
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	assert.Equal(t, "from-header", SubmittedToken(r))

	r = httptest.NewRequest(http.MethodPost, "/x/", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", SubmittedToken(r))

	r = httptest.NewRequest(http.MethodPost, "/x/", nil)
	assert.Empty(t, SubmittedToken(r))
}

func TestCookieAttributes(t *testing.T) {
	c := newTestGuard().Cookie("tok")
	require.Equal(t, CookieName, c.Name)
	assert.Equal(t, 31449600, c.MaxAge)
	assert.False(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
}
