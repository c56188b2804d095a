// Package worker re-drives Failed messages that still have retry budget.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/smsync/internal/compliance"
	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/metrics"
	"github.com/Cypherspark/smsync/internal/provider"
	"github.com/Cypherspark/smsync/internal/ratelimit"
	"github.com/Cypherspark/smsync/internal/retry"
)

type Options struct {
	BatchSize    int           // how many to claim per poll
	Concurrency  int           // number of sender goroutines
	PollInterval time.Duration // how often to poll when work is found
	IdleSleep    time.Duration // sleep when nothing is due
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration
	Lease        time.Duration // claimed rows stay hidden this long
	SendTimeout  time.Duration // per-send timeout
	MaxRetries   int
	Backoff      retry.Config // spacing between re-drives of one message
	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    50,
		Concurrency:  4,
		PollInterval: 200 * time.Millisecond,
		IdleSleep:    2 * time.Second,
		DBBackoffMin: 200 * time.Millisecond,
		DBBackoffMax: 10 * time.Second,
		Lease:        2 * time.Minute,
		SendTimeout:  10 * time.Second,
		MaxRetries:   3,
		Backoff:      retry.Config{MaxAttempts: 3, InitialBackoff: time.Minute, Multiplier: 2, MaxBackoff: time.Hour},
	}
}

type Ledger interface {
	ClaimRetryEligible(ctx context.Context, maxRetries int, now time.Time, lease time.Duration, limit int) ([]core.Message, error)
	UpdateMessage(ctx context.Context, m *core.Message) error
}

type Submitter interface {
	Submit(ctx context.Context, to, body string) (string, error)
}

type Limiter interface {
	Class(destination string) string
	Delay(destination string) time.Duration
	Record(destination string)
}

type Worker struct {
	ledger    Ledger
	transport Submitter
	limiter   Limiter
	checker   compliance.Checker
	opt       Options
	log       zerolog.Logger
}

// New builds a worker. checker may be nil; when set, recipients who opted out since the
// first attempt are retired instead of re-sent.
func New(ledger Ledger, transport Submitter, limiter Limiter, checker compliance.Checker, opt Options, log zerolog.Logger) *Worker {
	def := DefaultOptions()
	if opt.BatchSize <= 0 {
		opt.BatchSize = def.BatchSize
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = def.Concurrency
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = def.PollInterval
	}
	if opt.IdleSleep <= 0 {
		opt.IdleSleep = def.IdleSleep
	}
	if opt.DBBackoffMin <= 0 {
		opt.DBBackoffMin = def.DBBackoffMin
	}
	if opt.DBBackoffMax < opt.DBBackoffMin {
		opt.DBBackoffMax = def.DBBackoffMax
	}
	if opt.Lease <= 0 {
		opt.Lease = def.Lease
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = def.SendTimeout
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = def.MaxRetries
	}
	if opt.Backoff.InitialBackoff <= 0 {
		opt.Backoff = def.Backoff
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Sleep == nil {
		opt.Sleep = ratelimit.Sleep
	}
	return &Worker{
		ledger:    ledger,
		transport: transport,
		limiter:   limiter,
		checker:   checker,
		opt:       opt,
		log:       log.With().Str("component", "redrive").Logger(),
	}
}

// Run claims due messages and feeds them to a fixed pool until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	jobs := make(chan core.Message, w.opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(w.opt.Concurrency)
	for i := 0; i < w.opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for m := range jobs {
				w.Redrive(ctx, m)
			}
		}()
	}
	stop := func() error {
		close(jobs)
		wg.Wait()
		return ctx.Err()
	}

	dbBackoff := w.opt.DBBackoffMin
	for {
		if ctx.Err() != nil {
			return stop()
		}

		msgs, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stop()
			}
			// exponential + jitter
			sleep := jitter(dbBackoff, 0.20)
			w.log.Error().Err(err).Dur("backoff", sleep).Msg("claim failed")
			_ = w.opt.Sleep(ctx, sleep)
			dbBackoff = minDur(w.opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = w.opt.DBBackoffMin

		if len(msgs) == 0 {
			_ = w.opt.Sleep(ctx, w.opt.IdleSleep)
			continue
		}

		for _, m := range msgs {
			select {
			case <-ctx.Done():
				return stop()
			case jobs <- m:
			}
		}

		_ = w.opt.Sleep(ctx, w.opt.PollInterval)
	}
}

// Poll claims one batch and re-drives it on the calling goroutine.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	msgs, err := w.claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		w.Redrive(ctx, m)
	}
	return len(msgs), nil
}

func (w *Worker) claim(ctx context.Context) ([]core.Message, error) {
	msgs, err := w.ledger.ClaimRetryEligible(ctx, w.opt.MaxRetries, w.opt.Now().UTC(), w.opt.Lease, w.opt.BatchSize)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(msgs) == 0 {
		metrics.ClaimTotal.WithLabelValues("empty").Inc()
	} else {
		metrics.ClaimTotal.WithLabelValues("ok").Inc()
	}
	metrics.ClaimBatchSize.Observe(float64(len(msgs)))
	return msgs, nil
}

// Redrive makes one more attempt for m. The row is leased, so if ctx ends before the
// submit it simply reappears once the lease runs out.
func (w *Worker) Redrive(ctx context.Context, m core.Message) {
	if ctx.Err() != nil {
		return
	}
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	log := w.log.With().Int64("message_id", m.ID).Str("destination", m.Destination).Logger()

	if w.checker != nil {
		v, err := w.checker.Check(ctx, m.Destination, compliance.PurposeCampaign)
		if err != nil {
			log.Warn().Err(err).Msg("compliance check failed, leaving for next lease")
			return
		}
		if !v.Compliant {
			m.NextRetryAt = nil
			m.SetError("not_compliant", v.Reason)
			w.save(ctx, &m, "retired", log)
			return
		}
	}

	delay := w.limiter.Delay(m.Destination)
	metrics.RateLimitDelay.WithLabelValues(w.limiter.Class(m.Destination)).Observe(delay.Seconds())
	if err := w.opt.Sleep(ctx, delay); err != nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, w.opt.SendTimeout)
	start := time.Now()
	extID, err := w.transport.Submit(sctx, m.Destination, m.Body)
	cancel()
	metrics.TransportSendDuration.Observe(time.Since(start).Seconds())
	w.limiter.Record(m.Destination)

	if err != nil && ctx.Err() != nil {
		log.Warn().Err(err).Msg("shutting down mid-send, leaving for next lease")
		return
	}

	now := w.opt.Now().UTC()
	m.RetryCount++
	if err == nil {
		metrics.TransportSendTotal.WithLabelValues("sent").Inc()
		m.Status = core.StatusSent
		m.SentAt = &now
		m.NextRetryAt = nil
		if extID != "" {
			m.ExternalID = &extID
		}
		log.Info().Int("attempt", m.RetryCount).Msg("re-drive succeeded")
		w.save(ctx, &m, "sent", log)
		return
	}

	code, msg := provider.Describe(err)
	m.SetError(code, msg)
	if provider.IsTransient(err) && m.RetryCount < w.opt.MaxRetries {
		metrics.TransportSendTotal.WithLabelValues("temp_fail").Inc()
		next := now.Add(retry.Backoff(w.opt.Backoff, m.RetryCount))
		m.NextRetryAt = &next
		log.Warn().Err(err).Int("attempt", m.RetryCount).Time("next_retry_at", next).Msg("re-drive failed")
		w.save(ctx, &m, "rescheduled", log)
		return
	}

	if provider.IsPermission(err) {
		metrics.TransportSendTotal.WithLabelValues("denied").Inc()
	} else if provider.IsTransient(err) {
		metrics.TransportSendTotal.WithLabelValues("temp_fail").Inc()
	} else {
		metrics.TransportSendTotal.WithLabelValues("perm_fail").Inc()
	}
	m.NextRetryAt = nil
	log.Warn().Err(err).Int("attempt", m.RetryCount).Msg("re-drive gave up")
	w.save(ctx, &m, "retired", log)
}

func (w *Worker) save(ctx context.Context, m *core.Message, result string, log zerolog.Logger) {
	if err := w.ledger.UpdateMessage(context.WithoutCancel(ctx), m); err != nil {
		log.Error().Err(err).Str("status", string(m.Status)).Msg("could not persist re-drive outcome")
		return
	}
	metrics.RetryRedrive.WithLabelValues(result).Inc()
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
