package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cypherspark/smsync/internal/app"
	"github.com/Cypherspark/smsync/internal/config"
	"github.com/Cypherspark/smsync/internal/dlr"
	"github.com/Cypherspark/smsync/internal/logger"
	"github.com/Cypherspark/smsync/internal/metrics"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load("smsync-worker", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		exitCode = 2
		return
	}
	log := logger.New(cfg.Log)

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		exitCode = 1
		return
	}
	defer a.Close()
	// the worker only sees messages the API wrote to a shared ledger
	if err := a.RequireDatabase(); err != nil {
		log.Error().Err(err).Msg("re-drive worker needs a database")
		exitCode = 2
		return
	}

	metrics.MustRegister()
	stopStats := make(chan struct{})
	defer close(stopStats)
	go metrics.NewPGXPoolStats(a.DB.Pool).Start(15*time.Second, stopStats)

	// ---- Health + metrics ----
	health := &http.Server{Addr: cfg.Health.Addr, Handler: a.Server.HealthRouter(), ReadTimeout: 5 * time.Second}
	go func() {
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()
	defer func() {
		ctx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = health.Shutdown(ctx)
	}()

	// ---- Delivery reports ----
	if cfg.AMQP.URL != "" {
		consumer, err := dlr.Dial(dlr.Config{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue, Prefetch: cfg.AMQP.Prefetch},
			dlr.NewHandler(a.Ledger, log), log)
		if err != nil {
			log.Error().Err(err).Msg("delivery report consumer unavailable")
			exitCode = 1
			return
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(rootCtx); err != nil {
				log.Error().Err(err).Msg("delivery report consumer exited")
				cancel()
			}
		}()
	}

	// ---- Re-drive worker ----
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Int("batch", cfg.Worker.BatchSize).Msg("re-drive worker started")
	if err := a.Worker.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker exited")
		exitCode = 1
	}
}
