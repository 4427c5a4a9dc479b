package csrf

import (
	"net/http"
	"strings"
	"time"
)

const (
	CookieName = "csrftoken"
	FormField  = "csrfmiddlewaretoken"
	HeaderName = "X-CSRFToken"

	// CookieMaxAge is roughly one year, independent of the session lifetime.
	CookieMaxAge = 31449600 * time.Second

	ReasonInvalid = "csrf_invalid"
)

// DefaultExemptPaths are reachable by anonymous clients before any token exists.
var DefaultExemptPaths = []string{"/login/", "/register/"}

// Decision is the outcome of a Check. Token is the expected token for the
// session and is set whatever the outcome, so it can be embedded in forms.
type Decision struct {
	Allowed bool
	Reason  string
	Token   string
}

type Guard struct {
	codec  *Codec
	exempt []string
	secure bool
}

func NewGuard(codec *Codec, exemptPaths []string, secure bool) *Guard {
	return &Guard{
		codec:  codec,
		exempt: append([]string(nil), exemptPaths...),
		secure: secure,
	}
}

// ProtectedMethod reports whether method changes state and needs a token.
func ProtectedMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

func (g *Guard) Exempt(path string) bool {
	for _, prefix := range g.exempt {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Check decides whether a request may reach its handler.
func (g *Guard) Check(method, path, sessionId, submitted string) Decision {
	d := Decision{Allowed: true, Token: g.codec.Token(sessionId)}

	if !ProtectedMethod(method) || g.Exempt(path) {
		return d
	}

	if submitted == "" || !g.codec.Verify(sessionId, submitted) {
		d.Allowed = false
		d.Reason = ReasonInvalid
	}
	return d
}

// Token is the expected token for sessionId.
func (g *Guard) Token(sessionId string) string {
	return g.codec.Token(sessionId)
}

// SubmittedToken returns the client's token from the form field, the header or
// the cookie, in that order.
func SubmittedToken(r *http.Request) string {
	if ProtectedMethod(r.Method) {
		if v := r.PostFormValue(FormField); v != "" {
			return v
		}
	}
	if v := r.Header.Get(HeaderName); v != "" {
		return v
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Cookie carries the token to the client. It is readable by scripts so they
// can echo it back in the header.
func (g *Guard) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(CookieMaxAge.Seconds()),
		Expires:  time.Now().Add(CookieMaxAge),
		HttpOnly: false,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
