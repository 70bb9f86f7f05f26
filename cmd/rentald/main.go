package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"rentalflow/auth"
	"rentalflow/config"
	"rentalflow/db"
	"rentalflow/processor"
	"rentalflow/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(os.Getenv("RENTAL_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	log.SetLevel(cfg.Level())

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("rentald stopped")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	programID, err := cfg.Program()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.Pool)
	if err != nil {
		return err
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	proc := processor.New(programID).
		WithLogger(log.WithField("component", "processor")).
		WithMetrics(processor.NewMetrics(reg))
	executor := store.NewExecutor(pool, nil, proc, cfg.Rent).
		WithLogger(log.WithField("component", "executor"))

	server := &Server{
		executor: executor,
		reader:   store.NewReader(pool),
		verifier: auth.NewVerifier(5 * time.Second).WithMaxLifetime(cfg.TokenTTL),
		gatherer: reg,
		log:      log,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    cfg.ListenAddr,
			"program": programID.String(),
		}).Info("rentald listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}
