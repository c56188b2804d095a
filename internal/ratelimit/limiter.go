// Package ratelimit computes advisory per-carrier send delays.
//
// The limiter never sleeps. Callers ask for Delay, wait it out themselves, then Record
// the attempt. State lives in memory only and starts empty after a restart.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const fallbackLimit = 30

type Config struct {
	DefaultLimit int            // messages per minute for classes without an entry
	Limits       map[string]int // class → messages per minute
}

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

type tracker struct {
	mu     sync.Mutex
	bucket time.Time // start of the minute count belongs to
	count  int
	last   time.Time
}

type Limiter struct {
	cfg      Config
	classify Classifier
	now      func() time.Time
	trackers sync.Map // class → *tracker
}

func New(cfg Config, classify Classifier, opts ...Option) *Limiter {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = fallbackLimit
	}
	if classify == nil {
		classify = NewPrefixClassifier(nil, DefaultClass)
	}
	l := &Limiter{cfg: cfg, classify: classify, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) Class(destination string) string { return l.classify.Classify(destination) }

func (l *Limiter) limit(class string) int {
	if n, ok := l.cfg.Limits[class]; ok && n > 0 {
		return n
	}
	return l.cfg.DefaultLimit
}

func (l *Limiter) tracker(class string) *tracker {
	if t, ok := l.trackers.Load(class); ok {
		return t.(*tracker)
	}
	t, _ := l.trackers.LoadOrStore(class, &tracker{})
	return t.(*tracker)
}

// Delay is how long the caller should wait before sending to destination.
// A full minute bucket waits for the next minute boundary; otherwise sends are
// spaced 60s/limit apart.
func (l *Limiter) Delay(destination string) time.Duration {
	class := l.classify.Classify(destination)
	limit := l.limit(class)
	t := l.tracker(class)
	now := l.now()
	minute := now.Truncate(time.Minute)

	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.count
	if !t.bucket.Equal(minute) {
		count = 0
	}
	if count >= limit {
		return minute.Add(time.Minute).Sub(now)
	}
	if t.last.IsZero() {
		return 0
	}
	spacing := time.Minute / time.Duration(limit)
	if d := spacing - now.Sub(t.last); d > 0 {
		return d
	}
	return 0
}

// Record counts one submit attempt against destination's class.
func (l *Limiter) Record(destination string) {
	t := l.tracker(l.classify.Classify(destination))
	now := l.now()
	minute := now.Truncate(time.Minute)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bucket.Equal(minute) {
		t.bucket = minute
		t.count = 0
	}
	t.count++
	t.last = now
}

// Window reports the current-minute count for a class.
func (l *Limiter) Window(class string) (count int, last time.Time) {
	t := l.tracker(class)
	minute := l.now().Truncate(time.Minute)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bucket.Equal(minute) {
		return 0, t.last
	}
	return t.count, t.last
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
