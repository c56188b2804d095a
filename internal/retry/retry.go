// Package retry re-runs fallible operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/smsync/internal/metrics"
)

const recentErrors = 10

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Second, Multiplier: 2.0, MaxBackoff: 30 * time.Second}
}

// ExhaustedError is returned once every attempt has failed. It unwraps to the last error.
type ExhaustedError struct {
	OperationID string
	Attempts    int
	Err         error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.OperationID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ error }

func (p permanentError) Unwrap() error { return p.error }

// Permanent marks err as not worth retrying. Execute returns it after the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// State is the in-flight bookkeeping for one operation id. It lives in memory only.
type State struct {
	Attempts    int
	LastError   string
	NextRetryAt time.Time
}

// Stats is a diagnostic snapshot.
type Stats struct {
	ByKind   map[string]int64 `json:"by_kind"`
	Recent   []string         `json:"recent"`
	InFlight int              `json:"in_flight"`
}

type Option func(*Executor)

// WithSleep swaps the backoff wait, mostly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithKind overrides how errors are bucketed in the per-kind counters.
func WithKind(kind func(error) string) Option {
	return func(e *Executor) { e.kind = kind }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) { e.log = log.With().Str("component", "retry").Logger() }
}

type Executor struct {
	cfg   Config
	sleep func(context.Context, time.Duration) error
	kind  func(error) string
	now   func() time.Time
	log   zerolog.Logger

	states sync.Map // operation id → State
	kinds  sync.Map // kind → *atomic.Int64

	recent [recentErrors]atomic.Pointer[string]
	next   atomic.Uint64
}

func New(cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	e := &Executor{cfg: cfg, sleep: wait, kind: KindOf, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Config() Config { return e.cfg }

// Backoff is the wait after the given failed attempt (1-based).
func (e *Executor) Backoff(attempt int) time.Duration {
	return Backoff(e.cfg, attempt)
}

func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxBackoff) || math.IsInf(d, 0) {
		return cfg.MaxBackoff
	}
	return time.Duration(d)
}

// Execute runs op until it succeeds, returns a Permanent error, or runs out of attempts.
func (e *Executor) Execute(ctx context.Context, opID string, op func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			e.states.Delete(opID)
			return nil
		}
		e.note(err)
		metrics.RetryAttempts.WithLabelValues(e.kind(err)).Inc()

		var perm permanentError
		if errors.As(err, &perm) {
			e.states.Delete(opID)
			return perm.error
		}
		if attempt >= e.cfg.MaxAttempts {
			e.states.Store(opID, State{Attempts: attempt, LastError: err.Error()})
			metrics.RetryExhausted.Inc()
			e.log.Warn().Str("operation", opID).Int("attempts", attempt).Err(err).Msg("retry exhausted")
			return &ExhaustedError{OperationID: opID, Attempts: attempt, Err: err}
		}

		backoff := e.Backoff(attempt)
		e.states.Store(opID, State{Attempts: attempt, LastError: err.Error(), NextRetryAt: e.now().Add(backoff)})
		e.log.Debug().Str("operation", opID).Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("retrying")
		if werr := e.sleep(ctx, backoff); werr != nil {
			e.states.Delete(opID)
			return fmt.Errorf("%s: %w (last error: %v)", opID, werr, err)
		}
	}
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, e *Executor, opID string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, opID, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// State returns the bookkeeping for an operation that is retrying or exhausted.
func (e *Executor) State(opID string) (State, bool) {
	v, ok := e.states.Load(opID)
	if !ok {
		return State{}, false
	}
	return v.(State), true
}

// Forget drops the state an exhausted operation left behind.
func (e *Executor) Forget(opID string) { e.states.Delete(opID) }

func (e *Executor) Stats() Stats {
	s := Stats{ByKind: map[string]int64{}}
	e.kinds.Range(func(k, v any) bool {
		s.ByKind[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	e.states.Range(func(_, _ any) bool {
		s.InFlight++
		return true
	})
	n := e.next.Load()
	start := uint64(0)
	if n > recentErrors {
		start = n - recentErrors
	}
	for i := start; i < n; i++ {
		if msg := e.recent[i%recentErrors].Load(); msg != nil {
			s.Recent = append(s.Recent, *msg)
		}
	}
	return s
}

func (e *Executor) note(err error) {
	k := e.kind(err)
	c, ok := e.kinds.Load(k)
	if !ok {
		c, _ = e.kinds.LoadOrStore(k, new(atomic.Int64))
	}
	c.(*atomic.Int64).Add(1)

	msg := err.Error()
	slot := e.next.Add(1) - 1
	e.recent[slot%recentErrors].Store(&msg)
}

// KindOf buckets an error by its Class() method when one is present in the chain.
func KindOf(err error) string {
	var classed interface{ Class() string }
	switch {
	case errors.As(err, &classed):
		return classed.Class()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsPermanent(err):
		return "permanent"
	default:
		return "other"
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
