package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process Ledger used by tests and by the API when no database is configured.
// Values are copied in and out so callers never alias stored records.
type MemStore struct {
	mu         sync.Mutex
	nextID     int64
	messages   map[int64]Message
	byExternal map[string]int64
	campaigns  map[string]Campaign
	executions map[string]ScheduledExecution
	optOuts    map[string]string
}

var _ Ledger = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		messages:   make(map[int64]Message),
		byExternal: make(map[string]int64),
		campaigns:  make(map[string]Campaign),
		executions: make(map[string]ScheduledExecution),
		optOuts:    make(map[string]string),
	}
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) InsertMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Synced() {
		if _, dup := s.byExternal[*m.ExternalID]; dup {
			return ErrInvalidStatus
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.nextID++
	m.ID = s.nextID
	s.messages[m.ID] = cloneMessage(*m)
	if m.Synced() {
		s.byExternal[*m.ExternalID] = m.ID
	}
	return nil
}

func (s *MemStore) UpdateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.messages[m.ID]
	if !ok {
		return ErrNotFound
	}
	if m.Synced() {
		if owner, taken := s.byExternal[*m.ExternalID]; taken && owner != m.ID {
			return ErrInvalidStatus
		}
	}
	if old.Synced() {
		delete(s.byExternal, *old.ExternalID)
	}
	next := cloneMessage(*m)
	next.CreatedAt = old.CreatedAt
	next.Origin = old.Origin
	if next.RetryCount < old.RetryCount {
		next.RetryCount = old.RetryCount
	}
	s.messages[m.ID] = next
	if next.Synced() {
		s.byExternal[*next.ExternalID] = next.ID
	}
	return nil
}

func (s *MemStore) GetMessage(_ context.Context, id int64) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, nil
	}
	out := cloneMessage(m)
	return &out, true, nil
}

func (s *MemStore) FindByExternalID(_ context.Context, externalID string) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, false, nil
	}
	out := cloneMessage(s.messages[id])
	return &out, true, nil
}

func (s *MemStore) FindUnsynced(_ context.Context, q CandidateQuery) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.Synced() || !directionIn(m.Direction, q.Directions) {
			continue
		}
		if m.CreatedAt.Before(q.From) || m.CreatedAt.After(q.To) {
			continue
		}
		if !destinationIn(m.Destination, q) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func directionIn(d Direction, ds []Direction) bool {
	for _, x := range ds {
		if x == d {
			return true
		}
	}
	return false
}

func destinationIn(dest string, q CandidateQuery) bool {
	for _, d := range q.Destinations {
		if d == dest {
			return true
		}
	}
	return q.TailDigits != "" && strings.HasSuffix(dest, q.TailDigits)
}

func (s *MemStore) MergeMessages(_ context.Context, keep *Message, dropID int64) error {
	if !keep.Synced() {
		return fmt.Errorf("merge into %d: %w", keep.ID, ErrInvalidStatus)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.messages[keep.ID]
	if !ok {
		return ErrNotFound
	}
	if drop, ok := s.messages[dropID]; ok {
		if drop.Synced() {
			delete(s.byExternal, *drop.ExternalID)
		}
		delete(s.messages, dropID)
	}
	if old.Synced() {
		delete(s.byExternal, *old.ExternalID)
	}
	next := cloneMessage(*keep)
	next.CreatedAt = old.CreatedAt
	next.Origin = old.Origin
	if next.RetryCount < old.RetryCount {
		next.RetryCount = old.RetryCount
	}
	s.messages[keep.ID] = next
	s.byExternal[*next.ExternalID] = next.ID
	return nil
}

func (s *MemStore) LatestSyncedAt(context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	found := false
	for _, m := range s.messages {
		if m.Synced() && (!found || m.CreatedAt.After(latest)) {
			latest, found = m.CreatedAt, true
		}
	}
	return latest, found, nil
}

func (s *MemStore) ListMessages(_ context.Context, f MessageFilter) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if f.CampaignID != "" && (m.CampaignID == nil || *m.CampaignID != f.CampaignID) {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Destination != "" && m.Destination != f.Destination {
			continue
		}
		if f.From != nil && m.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !m.CreatedAt.Before(*f.To) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ClaimRetryEligible(_ context.Context, maxRetries int, now time.Time, lease time.Duration, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Message
	for _, m := range s.messages {
		if m.Status == StatusFailed && m.RetryCount < maxRetries && m.NextRetryAt != nil && !m.NextRetryAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	leased := now.Add(lease)
	out := make([]Message, 0, len(due))
	for _, m := range due {
		m.NextRetryAt = &leased
		s.messages[m.ID] = m
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *MemStore) CreateCampaign(_ context.Context, c *Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return ErrInvalidStatus
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.campaigns[c.ID] = cloneCampaign(*c)
	return nil
}

func (s *MemStore) GetCampaign(_ context.Context, id string) (*Campaign, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, false, nil
	}
	out := cloneCampaign(c)
	return &out, true, nil
}

// DeleteCampaign exists for tests that exercise a campaign vanishing before its schedule fires.
func (s *MemStore) DeleteCampaign(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.campaigns, id)
}

func (s *MemStore) UpdateCampaignCounters(_ context.Context, id string, c Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	camp, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if c.Processed() > camp.RecipientCount {
		return ErrInvalidStatus
	}
	camp.SentCount, camp.FailedCount, camp.SkippedCount = c.Sent, c.Failed, c.Skipped
	s.campaigns[id] = camp
	return nil
}

func (s *MemStore) FinishCampaign(_ context.Context, id string, status CampaignStatus, c Counters, at time.Time, lastErr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	camp, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if c.Processed() > camp.RecipientCount {
		return ErrInvalidStatus
	}
	camp.Status = status
	camp.SentCount, camp.FailedCount, camp.SkippedCount = c.Sent, c.Failed, c.Skipped
	camp.CompletedAt = &at
	camp.LastError = lastErr
	s.campaigns[id] = camp
	return nil
}

func (s *MemStore) ListCampaigns(_ context.Context, limit, offset int) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CreateExecution(_ context.Context, e *ScheduledExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.ID]; exists {
		return ErrInvalidStatus
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	s.executions[e.ID] = *e
	return nil
}

func (s *MemStore) GetExecution(_ context.Context, id string) (*ScheduledExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (s *MemStore) TransitionExecution(_ context.Context, id string, from []ExecutionStatus, to ExecutionStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			e.UpdatedAt = at
			s.executions[id] = e
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) SaveExecution(_ context.Context, e *ScheduledExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return ErrNotFound
	}
	e.UpdatedAt = time.Now().UTC()
	s.executions[e.ID] = *e
	return nil
}

func (s *MemStore) ListDueExecutions(_ context.Context, now time.Time, limit int) ([]ScheduledExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledExecution
	for _, e := range s.executions {
		if e.Status == ExecutionPending && !e.NextExecutionTime.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecutionTime.Before(out[j].NextExecutionTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListExecutionsByStatus(_ context.Context, status ExecutionStatus) ([]ScheduledExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledExecution
	for _, e := range s.executions {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecutionTime.Before(out[j].NextExecutionTime) })
	return out, nil
}

func (s *MemStore) AddOptOut(_ context.Context, destination, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optOuts[destination] = reason
	return nil
}

func (s *MemStore) IsOptedOut(_ context.Context, destination string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.optOuts[destination]
	return ok, nil
}

func cloneMessage(m Message) Message {
	m.ExternalID = cloneStr(m.ExternalID)
	m.CampaignID = cloneStr(m.CampaignID)
	m.LastErrorCode = cloneStr(m.LastErrorCode)
	m.LastError = cloneStr(m.LastError)
	m.SentAt = cloneTime(m.SentAt)
	m.DeliveredAt = cloneTime(m.DeliveredAt)
	m.NextRetryAt = cloneTime(m.NextRetryAt)
	return m
}

func cloneCampaign(c Campaign) Campaign {
	if c.Recipients != nil {
		c.Recipients = append([]Recipient(nil), c.Recipients...)
	}
	return c
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
