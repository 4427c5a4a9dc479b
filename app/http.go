package app

import (
	"context"
	"net/http"
	"time"

	"github.com/cameronmore/go-exams/auth"
	"github.com/cameronmore/go-exams/config"
	"github.com/cameronmore/go-exams/csrf"
	"github.com/cameronmore/go-exams/exams"
	"github.com/cameronmore/go-exams/identity"
	"github.com/cameronmore/go-exams/pipeline"
	"github.com/cameronmore/go-exams/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// NewRouter builds the request pipeline from cfg and mounts every page on it.
func NewRouter(cfg *config.Config, infra *Infra, log zerolog.Logger) (http.Handler, error) {
	secrets := cfg.Secrets()

	manager, err := sessions.NewManager(infra.Sessions, sessions.Options{
		MaxAge:  time.Duration(cfg.SessionMaxAge) * time.Second,
		Secure:  cfg.SecureCookies,
		Secrets: secrets,
	}, log)
	if err != nil {
		return nil, err
	}
	resolver := identity.NewResolver(infra.Users, log)
	guard := csrf.NewGuard(csrf.NewCodec(secrets[0], secrets[1:]...), cfg.CSRFExemptPaths, cfg.SecureCookies)
	p := pipeline.New(manager, resolver, guard, log)
	p.SetAccessRecorder(requestLogRecorder{store: infra.Exams})

	ac := auth.NewAuthContext(infra.Users, auth.NewLoginLimiter(cfg.LoginRatePerMinute), log)
	eh := exams.NewHandlers(exams.NewEngine(infra.Exams, log))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.HTTPTimeout > 0 {
		r.Use(middleware.Timeout(cfg.HTTPTimeout))
	}
	r.Use(p.Middleware)

	r.Method(http.MethodGet, "/register/", pipeline.HandlerFunc(ac.RegisterHandler))
	r.Method(http.MethodPost, "/register/", pipeline.HandlerFunc(ac.RegisterHandler))
	r.Method(http.MethodGet, "/login/", pipeline.HandlerFunc(ac.LoginHandler))
	r.Method(http.MethodPost, "/login/", pipeline.HandlerFunc(ac.LoginHandler))
	r.With(ac.RequireLogin).Method(http.MethodPost, "/logout/", pipeline.HandlerFunc(ac.LogoutHandler))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	eh.Routes(r, ac.RequireLogin, ac.RequireStaff)

	log.Debug().Strs("stages", p.Stages()).Msg("request pipeline ready")
	return r, nil
}

// requestLogRecorder keeps access entries in the request_logs table. Anonymous
// requests are stored without a user.
type requestLogRecorder struct {
	store *exams.SQLStore
}

func (r requestLogRecorder) RecordAccess(ctx context.Context, e pipeline.AccessEntry) error {
	return r.store.InsertRequestLog(ctx, &exams.RequestLog{
		UserId:       e.UserId,
		Method:       e.Method,
		Path:         e.Path,
		StatusCode:   e.Status,
		IPAddress:    e.IP,
		UserAgent:    e.UserAgent,
		Timestamp:    e.At,
		ResponseTime: e.Elapsed.Seconds(),
	})
}
