package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalq/mailflow/internal/app"
	"github.com/postalq/mailflow/internal/metrics"
	"github.com/postalq/mailflow/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run assembles the pipeline, starts the queue workers and the
// reconciliation sweep, and serves HTTP until a shutdown signal.
func run() error {
	cfg := app.ConfigFromEnv()
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := app.Deps{}
	if cfg.DatabaseURL != "" {
		pg, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		deps.Store = pg
	} else {
		log.Printf("no DATABASE_URL set, using the in-memory store")
	}

	a := app.New(cfg, deps)

	go func() {
		if err := a.Queue.Start(ctx); err != nil {
			log.Printf("queue stopped err=%v", err)
		}
	}()
	go a.Sweeper.RunEvery(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.Handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
