package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Dispatch
	DispatchRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_recipients_total", Help: "Per-recipient dispatch outcomes."},
		[]string{"outcome"}, // sent | failed | skipped
	)
	Campaigns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_campaigns_total", Help: "Finished dispatch runs by final status."},
		[]string{"status"},
	)
	RateLimitDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimit_delay_seconds",
			Help:    "Advisory delay handed out before a send.",
			Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"class"},
	)

	// Retry executor
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "retry_failed_attempts_total", Help: "Failed attempts seen by the retry executor."},
		[]string{"kind"},
	)
	RetryExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "retry_exhausted_total", Help: "Operations that ran out of attempts."},
	)

	// Reconciliation
	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconcile_runs_total", Help: "Reconciliation passes."},
		[]string{"mode"}, // full | incremental
	)
	ReconcileEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconcile_entries_total", Help: "Transport entries by reconciliation outcome."},
		[]string{"outcome"}, // inserted | attached | updated | merged | unchanged | failed
	)

	// Scheduler
	SchedulerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_executions_total", Help: "Scheduled execution results."},
		[]string{"result"}, // completed | failed | noop | recovered
	)
	SchedulerArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_armed_timers", Help: "Timers currently armed in this process."},
	)

	// Worker
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Number of messages returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight messages in this process."},
	)
	TransportSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transport_send_total", Help: "Transport submit outcomes."},
		[]string{"outcome"}, // sent | temp_fail | perm_fail | denied
	)
	TransportSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transport_send_duration_seconds",
			Help:    "Transport submit latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	RetryRedrive = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_redrive_total", Help: "Re-driven failed messages by result."},
		[]string{"result"}, // sent | rescheduled | retired
	)

	// Delivery reports
	DeliveryReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_reports_total", Help: "Delivery reports consumed."},
		[]string{"result"}, // applied | unknown | invalid | error
	)
)

var registerOnce sync.Once

// MustRegister registers the domain collectors once per process. The default registry
// already carries the Go and process collectors.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration,
			DispatchRecipients, Campaigns, RateLimitDelay,
			RetryAttempts, RetryExhausted,
			ReconcileRuns, ReconcileEntries,
			SchedulerExecutions, SchedulerArmed,
			ClaimTotal, ClaimBatchSize, InFlight,
			TransportSendTotal, TransportSendDuration, RetryRedrive,
			DeliveryReports,
		)
	})
}

// PGXPoolStats exports pgxpool counters on an interval.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireSeconds prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		// pgxpool reports cumulative values, so these are gauges mirroring them
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireSeconds)
	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireSeconds.Set(s.AcquireDuration().Seconds())
		}
	}
}
