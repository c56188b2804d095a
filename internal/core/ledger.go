package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not_found")
	ErrInvalidStatus   = errors.New("invalid_status")
	ErrCampaignMissing = errors.New("campaign_missing")
)

// MessageFilter narrows ListMessages. Zero values mean "any".
type MessageFilter struct {
	CampaignID  string
	Status      MessageStatus
	Destination string
	From, To    *time.Time
	Limit       int
	Offset      int
}

// CandidateQuery selects unsynced records that may be the local copy of a transport entry.
type CandidateQuery struct {
	// Directions lists the local directions an entry may correspond to.
	Directions []Direction
	From, To  time.Time
	// Destinations are the normalized forms to match exactly; TailDigits, when set,
	// widens the match to records whose destination ends with the same digits.
	Destinations []string
	TailDigits   string
}

type MessageLedger interface {
	InsertMessage(ctx context.Context, m *Message) error
	UpdateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id int64) (*Message, bool, error)
	FindByExternalID(ctx context.Context, externalID string) (*Message, bool, error)
	FindUnsynced(ctx context.Context, q CandidateQuery) ([]Message, error)
	// MergeMessages deletes dropID and rewrites keep (external id included) in one transaction.
	MergeMessages(ctx context.Context, keep *Message, dropID int64) error
	// LatestSyncedAt is the newest created_at among records carrying an external id.
	LatestSyncedAt(ctx context.Context) (time.Time, bool, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)
	// ClaimRetryEligible returns Failed records with retry budget whose next_retry_at has passed
	// and pushes their next_retry_at forward by lease so concurrent workers skip them.
	ClaimRetryEligible(ctx context.Context, maxRetries int, now time.Time, lease time.Duration, limit int) ([]Message, error)
}

type CampaignLedger interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, bool, error)
	UpdateCampaignCounters(ctx context.Context, id string, c Counters) error
	FinishCampaign(ctx context.Context, id string, status CampaignStatus, c Counters, at time.Time, lastErr *string) error
	ListCampaigns(ctx context.Context, limit, offset int) ([]Campaign, error)
}

type ExecutionLedger interface {
	CreateExecution(ctx context.Context, e *ScheduledExecution) error
	GetExecution(ctx context.Context, id string) (*ScheduledExecution, bool, error)
	// TransitionExecution moves id from one of from to to and reports whether a row changed.
	TransitionExecution(ctx context.Context, id string, from []ExecutionStatus, to ExecutionStatus, at time.Time) (bool, error)
	SaveExecution(ctx context.Context, e *ScheduledExecution) error
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]ScheduledExecution, error)
	ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]ScheduledExecution, error)
}

type OptOutLedger interface {
	AddOptOut(ctx context.Context, destination, reason string) error
	IsOptedOut(ctx context.Context, destination string) (bool, error)
}

// Ledger is the durable record store shared by every component.
type Ledger interface {
	MessageLedger
	CampaignLedger
	ExecutionLedger
	OptOutLedger
	Ping(ctx context.Context) error
}

// DeliveryUpdate is an out-of-band delivery confirmation keyed by external id.
type DeliveryUpdate struct {
	ExternalID string
	Delivered  bool
	ErrorCode  string
	At         time.Time
}

// ApplyDelivery promotes a Sent/Pending record using a delivery confirmation. It never demotes
// a Delivered record and reports false when the external id is unknown.
func ApplyDelivery(ctx context.Context, l MessageLedger, u DeliveryUpdate) (bool, error) {
	m, ok, err := l.FindByExternalID(ctx, u.ExternalID)
	if err != nil || !ok {
		return false, err
	}
	if m.Status != StatusPending && m.Status != StatusSent {
		return true, nil
	}
	at := u.At
	if u.Delivered {
		m.Status = StatusDelivered
		m.DeliveredAt = &at
	} else {
		m.Status = StatusFailed
		m.SetError(u.ErrorCode, "transport reported delivery failure")
	}
	return true, l.UpdateMessage(ctx, m)
}
