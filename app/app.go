// Package app wires configuration, storage and the HTTP server together.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cameronmore/go-exams/auth"
	"github.com/cameronmore/go-exams/config"
	"github.com/cameronmore/go-exams/exams"
	"github.com/cameronmore/go-exams/sessions"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const cleanupInterval = 10 * time.Minute

type App struct {
	httpServer *http.Server
	infra      *Infra
	log        zerolog.Logger
	stop       context.CancelFunc
	done       chan struct{}
}

func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	infra, err := setupInfra(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(cfg, infra, log)
	if err != nil {
		infra.Close()
		return nil, err
	}

	cleanupCtx, stop := context.WithCancel(context.Background())
	a := &App{
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		infra: infra,
		log:   log,
		stop:  stop,
		done:  make(chan struct{}),
	}
	go a.cleanupLoop(cleanupCtx)
	return a, nil
}

// Run serves until Shutdown is called.
func (a *App) Run() error {
	err := a.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// cleanupLoop deletes expired sessions until stopped.
func (a *App) cleanupLoop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := a.infra.DeleteExpiredSessions(ctx, now)
			if err != nil {
				a.log.Error().Err(err).Msg("deleting expired sessions")
				continue
			}
			if n > 0 {
				a.log.Info().Int64("deleted", n).Msg("expired sessions deleted")
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.httpServer.Shutdown(ctx)
	a.stop()
	<-a.done
	if cerr := a.infra.Close(); err == nil {
		err = cerr
	}
	return err
}

// Seed loads the sample exams and a demo user with the given password.
func Seed(ctx context.Context, cfg *config.Config, log zerolog.Logger, demoPassword string) error {
	infra, err := setupInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.Close()
	return seed(ctx, infra, log, demoPassword)
}

func seed(ctx context.Context, infra *Infra, log zerolog.Logger, demoPassword string) error {
	n, err := exams.Seed(ctx, infra.Exams)
	if err != nil {
		return err
	}
	log.Info().Int("exams", n).Msg("sample exams seeded")

	hashed, err := auth.HashPassword(demoPassword)
	if err != nil {
		return err
	}
	err = infra.Users.SaveUser(ctx, sessions.User{
		UserId:         ulid.Make().String(),
		Username:       "demo",
		HashedPassword: hashed,
		IsStaff:        true,
	})
	switch {
	case errors.Is(err, sessions.ErrUserAlreadyExists):
		log.Info().Msg("demo user already exists")
	case err != nil:
		return err
	default:
		log.Info().Str("username", "demo").Msg("demo user created")
	}
	return nil
}
