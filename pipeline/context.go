package pipeline

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cameronmore/go-exams/identity"
	"github.com/cameronmore/go-exams/sessions"
)

type requestContextKey struct{}

// RequestContext is everything the pipeline knows about one request. Handlers
// reach it through FromRequest.
type RequestContext struct {
	Request   *http.Request
	Session   *sessions.Record
	Identity  identity.Identity
	CSRFToken string
	ClientIP  string
	PeerIP    string
	Started   time.Time

	p     *Pipeline
	fault error
}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the request context installed by the pipeline, or nil
// outside of it.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

func FromRequest(r *http.Request) *RequestContext {
	return FromContext(r.Context())
}

// Login authenticates the current session as u.
func (rc *RequestContext) Login(u sessions.User) {
	rc.Identity = identity.Login(rc.p.sessions, rc.Session, u)
	rc.Session.Set(sessions.KeySessionIP, rc.ClientIP)
}

// Logout flushes the session and drops back to an anonymous identity.
func (rc *RequestContext) Logout() error {
	id, err := identity.Logout(rc.Request.Context(), rc.p.sessions, rc.Session)
	rc.Identity = id
	return err
}

func (rc *RequestContext) Flash(level, text string) {
	rc.Session.AddFlash(level, text)
}

// Elapsed is the time spent on the request so far.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.Started)
}

// ClientIP is the first X-Forwarded-For hop when present, else the peer address.
// The header is set by the client, so ClientIP is for display only.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return PeerIP(r)
}

// PeerIP is the address of the connection's remote end, ignoring any
// forwarding headers.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
