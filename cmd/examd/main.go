package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cameronmore/go-exams/app"
	"github.com/cameronmore/go-exams/config"
	"github.com/cameronmore/go-exams/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		l := logging.New(os.Stderr, "info", false)
		l.Fatal().Err(err).Msg("examd failed")
	}
}

// run serves until ctx is done, or seeds the database and returns when -seed is given.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("examd", flag.ContinueOnError)
	seed := flags.Bool("seed", false, "create the sample exams and the demo user, then exit")
	demoPassword := flags.String("demo-password", "demo-password", "password of the demo user created by -seed")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := logging.New(stdout, cfg.LogLevel, cfg.LogPretty)

	if *seed {
		if err := app.Seed(ctx, cfg, log, *demoPassword); err != nil {
			return fmt.Errorf("seeding: %w", err)
		}
		return nil
	}

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- application.Run()
	}()

	log.Info().Str("addr", cfg.Addr()).Str("mode", cfg.Mode).Msg("examd started")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case serveErr = <-errc:
		log.Error().Err(serveErr).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if serveErr != nil {
		return serveErr
	}

	log.Info().Msg("examd stopped cleanly")
	return nil
}
