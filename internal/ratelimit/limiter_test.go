package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestPrefixClassifierLongestMatch(t *testing.T) {
	c := NewPrefixClassifier(map[string]string{
		"+1":    "us",
		"+1201": "carrier-a",
		"44":    "uk",
	}, "")

	require.Equal(t, "carrier-a", c.Classify("+1 (201) 555-0123"))
	require.Equal(t, "us", c.Classify("+14155550100"))
	require.Equal(t, "uk", c.Classify("+447400123456"))
	require.Equal(t, DefaultClass, c.Classify("+33612345678"))
	require.Equal(t, DefaultClass, c.Classify("BANK"))
}

func TestFirstSendHasNoDelay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)}
	l := New(Config{DefaultLimit: 60}, nil, WithClock(clock.Now))
	require.Zero(t, l.Delay("+12015550123"))
}

func TestEvenSpacing(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)}
	l := New(Config{DefaultLimit: 60}, nil, WithClock(clock.Now))

	l.Record("+12015550123")
	require.Equal(t, time.Second, l.Delay("+12015550123"))

	clock.Set(clock.Now().Add(400 * time.Millisecond))
	require.Equal(t, 600*time.Millisecond, l.Delay("+12015550123"))

	clock.Set(clock.Now().Add(5 * time.Second))
	require.Zero(t, l.Delay("+12015550123"))
}

func TestFullBucketWaitsForNextMinute(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 59, 500_000_000, time.UTC)
	clock := &fakeClock{now: start}
	l := New(Config{DefaultLimit: 60}, nil, WithClock(clock.Now))

	for i := 0; i < 60; i++ {
		l.Record("+12015550123")
	}
	d := l.Delay("+12015550123")
	require.Greater(t, d, time.Duration(0))
	require.LessOrEqual(t, d, time.Minute)
	require.Equal(t, 500*time.Millisecond, d)

	// past the boundary the bucket is fresh and only spacing applies
	clock.Set(time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC))
	require.Equal(t, 500*time.Millisecond, l.Delay("+12015550123"))

	count, _ := l.Window(DefaultClass)
	require.Zero(t, count)
	l.Record("+12015550123")
	count, _ = l.Window(DefaultClass)
	require.Equal(t, 1, count)
}

func TestClassesAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	classes := NewPrefixClassifier(map[string]string{"1201": "a", "1415": "b"}, "")
	l := New(Config{DefaultLimit: 10, Limits: map[string]int{"a": 2}}, classes, WithClock(clock.Now))

	l.Record("+12015550123")
	l.Record("+12015550124")
	require.Equal(t, time.Minute, l.Delay("+12015550125"))
	require.Zero(t, l.Delay("+14155550100"))
}

func TestConcurrentRecord(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{DefaultLimit: 1000}, nil, WithClock(clock.Now))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Delay("+12015550123")
			l.Record("+12015550123")
		}()
	}
	wg.Wait()
	count, _ := l.Window(DefaultClass)
	require.Equal(t, 50, count)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
