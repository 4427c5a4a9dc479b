package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cameronmore/go-exams/auth"
	"github.com/cameronmore/go-exams/config"
	"github.com/cameronmore/go-exams/exams"
	"github.com/cameronmore/go-exams/sessions"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// expirer is implemented by the SQL session stores; Redis expires keys itself.
type expirer interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type Infra struct {
	DB       *sql.DB
	Redis    *redis.Client
	Users    sessions.UserStore
	Sessions sessions.Store
	Exams    *exams.SQLStore

	expirer expirer
}

func setupInfra(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Infra, error) {
	db, err := sql.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if cfg.DBDriver == exams.DialectSQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s: %w", cfg.DBDriver, err)
	}

	infra, err := NewInfra(db, cfg.DBDriver)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.DBDriver).Msg("database ready")

	if cfg.SessionBackend == config.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		infra.UseRedis(client)
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis ready")
	}

	return infra, nil
}

// NewInfra creates the tables on db and wires the SQL stores. Sessions live in
// the same database until UseRedis moves them.
func NewInfra(db *sql.DB, driver string) (*Infra, error) {
	infra := &Infra{DB: db}

	switch driver {
	case exams.DialectSQLite:
		store, err := auth.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		infra.Users, infra.Sessions, infra.expirer = store, store, store
	case exams.DialectPostgres:
		store, err := auth.NewPostgresAuthStore(db)
		if err != nil {
			return nil, err
		}
		infra.Users, infra.Sessions, infra.expirer = store, store, store
	default:
		return nil, fmt.Errorf("%w: %q", exams.ErrUnknownDialect, driver)
	}

	examStore, err := exams.NewSQLStore(db, driver)
	if err != nil {
		return nil, err
	}
	infra.Exams = examStore
	return infra, nil
}

func (i *Infra) UseRedis(client *redis.Client) {
	i.Redis = client
	i.Sessions = auth.NewRedisSessionStore(client)
	i.expirer = nil
}

// DeleteExpiredSessions removes expired session rows from the SQL store.
func (i *Infra) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	if i.expirer == nil {
		return 0, nil
	}
	return i.expirer.DeleteExpiredSessions(ctx, now)
}

func (i *Infra) Close() error {
	if i.Redis != nil {
		i.Redis.Close()
	}
	return i.DB.Close()
}
