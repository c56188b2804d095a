package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Cypherspark/smsync/internal/app"
	"github.com/Cypherspark/smsync/internal/config"
	"github.com/Cypherspark/smsync/internal/logger"
	"github.com/Cypherspark/smsync/internal/metrics"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load("smsync-api", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		exitCode = 2
		return
	}
	log := logger.New(cfg.Log)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		exitCode = 1
		return
	}
	defer a.Close()

	metrics.MustRegister()
	stopStats := make(chan struct{})
	defer close(stopStats)
	if a.DB != nil {
		go metrics.NewPGXPoolStats(a.DB.Pool).Start(15*time.Second, stopStats)
	}

	// ---- Background loops ----
	var wg sync.WaitGroup
	if err := a.Scheduler.Start(rootCtx); err != nil {
		log.Error().Err(err).Msg("scheduler start failed")
		exitCode = 1
		return
	}
	defer a.Scheduler.Stop()
	if cfg.Reconcile.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Reconciler.Run(rootCtx, cfg.Reconcile.Interval)
		}()
	}

	// ---- HTTP servers ----
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.Server.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	health := &http.Server{
		Addr:        cfg.Health.Addr,
		Handler:     a.Server.HealthRouter(),
		ReadTimeout: 5 * time.Second,
	}
	for _, s := range []*http.Server{server, health} {
		go func(s *http.Server) {
			log.Info().Str("addr", s.Addr).Msg("HTTP listening")
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", s.Addr).Msg("server stopped")
				cancel()
			}
		}(s)
	}

	// ---- Graceful shutdown ----
	<-rootCtx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	_ = health.Shutdown(shutdownCtx)

	a.Server.Shutdown()
	wg.Wait()
}
