package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Cypherspark/smsync/internal/core"
)

// Simulator is an in-process transport with a log, used for local runs and tests.
type Simulator struct {
	mu      sync.Mutex
	seq     int
	entries []Entry

	// Latency is slept on each Submit.
	Latency time.Duration
	// FailureRate injects random transient failures, 0..1.
	FailureRate float64
	// Reject, when set, decides the outcome of a submit before it is logged.
	Reject func(to, body string) error
	// Now replaces time.Now.
	Now func() time.Time
	// Async leaves the returned id empty; the entry still appears in the log.
	Async bool
}

func NewSimulator() *Simulator { return &Simulator{Now: time.Now} }

func (s *Simulator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Simulator) Submit(ctx context.Context, to, body string) (string, error) {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.Latency):
		}
	}
	if s.Reject != nil {
		if err := s.Reject(to, body); err != nil {
			return "", err
		}
	}
	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		return "", Errorf(Transient, "no_service", "simulated transport outage")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sim-%d", s.seq)
	s.entries = append(s.entries, Entry{
		ExternalID:  id,
		Destination: to,
		Body:        body,
		Timestamp:   s.now().UTC(),
		Direction:   core.DirectionOutbound,
		Read:        true,
	})
	if s.Async {
		return "", nil
	}
	return id, nil
}

func (s *Simulator) ListEntries(ctx context.Context, since *time.Time) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if since != nil && !e.Timestamp.After(*since) {
			continue
		}
		out = append(out, e)
	}
	// newest first, like a device inbox
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Inject appends a raw log entry, assigning an id when it has none.
func (s *Simulator) Inject(e Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ExternalID == "" {
		s.seq++
		e.ExternalID = fmt.Sprintf("sim-%d", s.seq)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	s.entries = append(s.entries, e)
	return e
}

// MarkDelivered stamps a delivery time on an existing entry.
func (s *Simulator) MarkDelivered(externalID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ExternalID == externalID {
			s.entries[i].DeliveredAt = &at
			return true
		}
	}
	return false
}

func (s *Simulator) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
