// Package pipeline runs every request through an explicit, ordered list of
// stages: session load, identity resolution, security bookkeeping and CSRF
// enforcement before the handler; session persistence and cookie attachment
// after it.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cameronmore/go-exams/csrf"
	"github.com/cameronmore/go-exams/identity"
	"github.com/cameronmore/go-exams/sessions"
)

const (
	forbiddenMessage = "403 Forbidden - CSRF verification failed"
	faultMessage     = "500 Internal Server Error"
)

// HTTPError ends a request with an explicit status. Returned from a stage it
// stops the pipeline before the handler runs.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func Error(status int, message string) *HTTPError {
	return &HTTPError{Status: status, Message: message}
}

// Stage runs before the handler.
type Stage struct {
	Name string
	Run  func(rc *RequestContext) error
}

// Finalizer runs after the handler and may only touch response headers.
// Finalizers marked Always also run when a stage rejected the request.
type Finalizer struct {
	Name   string
	Always bool
	Run    func(rc *RequestContext, h http.Header) error
}

type Pipeline struct {
	sessions *sessions.Manager
	resolver *identity.Resolver
	guard    *csrf.Guard
	log      zerolog.Logger

	stages     []Stage
	finalizers []Finalizer
	recorder   AccessRecorder
	now        func() time.Time
}

func New(m *sessions.Manager, resolver *identity.Resolver, guard *csrf.Guard, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		sessions: m,
		resolver: resolver,
		guard:    guard,
		log:      log,
		now:      time.Now,
	}
	p.stages = []Stage{
		{Name: "session", Run: p.loadSession},
		{Name: "identity", Run: p.resolveIdentity},
		{Name: "security", Run: p.trackActivity},
		{Name: "csrf", Run: p.enforceCSRF},
	}
	p.finalizers = []Finalizer{
		{Name: "persist-session", Run: p.persistSession},
		{Name: "csrf-cookie", Always: true, Run: p.attachCSRFCookie},
	}
	return p
}

// Stages lists stage and finalizer names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages)+len(p.finalizers)+1)
	for _, s := range p.stages {
		names = append(names, s.Name)
	}
	names = append(names, "handler")
	for _, f := range p.finalizers {
		names = append(names, f.Name)
	}
	return names
}

func (p *Pipeline) loadSession(rc *RequestContext) error {
	rc.Session = p.sessions.Load(rc.Request.Context(), sessions.RequestSessionCookie(rc.Request))
	return nil
}

func (p *Pipeline) resolveIdentity(rc *RequestContext) error {
	id, err := p.resolver.Resolve(rc.Request.Context(), rc.Session)
	if err != nil {
		return err
	}
	rc.Identity = id
	return nil
}

func (p *Pipeline) trackActivity(rc *RequestContext) error {
	if !rc.Identity.IsAuthenticated() {
		return nil
	}
	rc.Session.Set(sessions.KeyLastActivity, p.now().UTC().Format(time.RFC3339Nano))
	rc.Session.Set(sessions.KeySessionIP, rc.ClientIP)
	return nil
}

func (p *Pipeline) enforceCSRF(rc *RequestContext) error {
	r := rc.Request
	d := p.guard.Check(r.Method, r.URL.Path, string(rc.Session.Id()), csrf.SubmittedToken(r))
	rc.CSRFToken = d.Token
	if !d.Allowed {
		p.log.Warn().Str("path", r.URL.Path).Str("reason", d.Reason).Msg("csrf check failed")
		return Error(http.StatusForbidden, forbiddenMessage)
	}
	return nil
}

func (p *Pipeline) persistSession(rc *RequestContext, h http.Header) error {
	if err := p.sessions.Save(rc.Request.Context(), rc.Session); err != nil {
		return err
	}
	addCookie(h, p.sessions.Cookie(rc.Session))
	return nil
}

// The token is derived again from the final session id: a handler that logged
// the user in or out has moved the session to a new identifier.
func (p *Pipeline) attachCSRFCookie(rc *RequestContext, h http.Header) error {
	rc.CSRFToken = p.guard.Token(string(rc.Session.Id()))
	addCookie(h, p.guard.Cookie(rc.CSRFToken))
	return nil
}

func addCookie(h http.Header, c *http.Cookie) {
	if v := c.String(); v != "" {
		h.Add("Set-Cookie", v)
	}
}

// Middleware runs next inside the pipeline.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &RequestContext{
			Request:  r,
			ClientIP: ClientIP(r),
			PeerIP:   PeerIP(r),
			Started:  p.now(),
			p:        p,
		}
		rc.Request = r.WithContext(withRequestContext(r.Context(), rc))

		buf := newResponseBuffer()
		p.serve(rc, buf, next)

		if err := buf.flush(w); err != nil {
			p.log.Debug().Err(err).Str("path", r.URL.Path).Msg("writing response")
		}

		elapsed := time.Since(rc.Started)
		p.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", buf.Status()).
			Str("identity", rc.Identity.String()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
		p.recordAccess(rc, buf.Status(), elapsed)
	})
}

func (p *Pipeline) serve(rc *RequestContext, buf *responseBuffer, next http.Handler) {
	rejected := false
	for _, stage := range p.stages {
		err := stage.Run(rc)
		if err == nil {
			continue
		}
		var he *HTTPError
		if errors.As(err, &he) {
			http.Error(buf, he.Message, he.Status)
			rejected = true
			break
		}
		p.fail(rc, buf, fmt.Errorf("stage %s: %w", stage.Name, err))
		return
	}

	if !rejected {
		p.invoke(rc, buf, next)
		if rc.fault != nil {
			p.fail(rc, buf, rc.fault)
			return
		}
	}

	for _, f := range p.finalizers {
		if rejected && !f.Always {
			continue
		}
		if err := f.Run(rc, buf.Header()); err != nil {
			p.fail(rc, buf, fmt.Errorf("finalizer %s: %w", f.Name, err))
			return
		}
	}
}

func (p *Pipeline) invoke(rc *RequestContext, buf *responseBuffer, next http.Handler) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			rc.fault = fmt.Errorf("panic: %v", v)
		}
	}()
	next.ServeHTTP(buf, rc.Request)
}

// fail replaces whatever was produced with a generic error page. Session
// changes made by the request are not persisted.
func (p *Pipeline) fail(rc *RequestContext, buf *responseBuffer, err error) {
	p.log.Error().Err(err).Str("path", rc.Request.URL.Path).Msg("unhandled handler fault")
	buf.reset()
	http.Error(buf, faultMessage, http.StatusInternalServerError)
}

// HandlerFunc is a handler that may fail. An *HTTPError is written as is;
// any other error is handed to the pipeline as a fault.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

func (fn HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := fn(w, r)
	if err == nil {
		return
	}
	var he *HTTPError
	if errors.As(err, &he) {
		http.Error(w, he.Message, he.Status)
		return
	}
	if rc := FromRequest(r); rc != nil {
		rc.fault = err
		return
	}
	http.Error(w, faultMessage, http.StatusInternalServerError)
}
