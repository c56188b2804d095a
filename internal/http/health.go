package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Cypherspark/smsync/internal/metrics"
	"github.com/Cypherspark/smsync/internal/retry"
)

type readiness struct {
	Status string       `json:"status"`
	Ledger string       `json:"ledger"`
	Retry  *retry.Stats `json:"retry,omitempty"`
}

func (s *Server) mountHealth(r chi.Router) {
	// Liveness: process is up
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Readiness: the ledger answers within a second. In-flight send retries are reported
	// alongside but never fail the probe.
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		out := readiness{Status: "ready", Ledger: "ok"}
		if s.Dispatcher != nil && s.Dispatcher.Retry != nil {
			st := s.Dispatcher.Retry.Stats()
			out.Retry = &st
		}
		if err := s.Ledger.Ping(ctx); err != nil {
			s.Log.Warn().Err(err).Msg("readiness check failed")
			out.Status, out.Ledger = "not_ready", err.Error()
			writeJSON(w, http.StatusServiceUnavailable, out)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func (s *Server) mountMetrics(r chi.Router) {
	metrics.MustRegister()
	r.Method("GET", "/metrics", promhttp.Handler())
}
