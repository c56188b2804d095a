package core

import (
	"time"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusReceived  MessageStatus = "received"
)

// Direction mirrors the transport's box type.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionFailed   Direction = "failed"
)

// Origin records which side first wrote a message row.
type Origin string

const (
	OriginLocal     Origin = "local"
	OriginTransport Origin = "transport"
)

type Message struct {
	ID              int64         `json:"id"`
	ExternalID      *string       `json:"external_id,omitempty"`
	Destination     string        `json:"destination"`
	Body            string        `json:"body"`
	CampaignID      *string       `json:"campaign_id,omitempty"`
	Direction       Direction     `json:"direction"`
	Origin          Origin        `json:"origin"`
	Read            bool          `json:"read"`
	AttachmentCount int           `json:"attachment_count"`
	Status          MessageStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	SentAt          *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt     *time.Time    `json:"delivered_at,omitempty"`
	RetryCount      int           `json:"retry_count"`
	NextRetryAt     *time.Time    `json:"next_retry_at,omitempty"`
	LastErrorCode   *string       `json:"last_error_code,omitempty"`
	LastError       *string       `json:"last_error,omitempty"`
}

// Synced reports whether the transport has confirmed this record.
func (m *Message) Synced() bool { return m.ExternalID != nil && *m.ExternalID != "" }

// SetError records a failure on the message without touching its retry counter.
func (m *Message) SetError(code, msg string) {
	m.LastErrorCode = &code
	m.LastError = &msg
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Recipient is one row of a dispatch list. Fields feed template placeholders.
type Recipient struct {
	Destination string            `json:"destination"`
	Fields      map[string]string `json:"fields,omitempty"`
}

type Campaign struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         CampaignStatus `json:"status"`
	ParentID       *string        `json:"parent_id,omitempty"`
	Template       string         `json:"template,omitempty"`
	Recipients     []Recipient    `json:"recipients,omitempty"`
	RecipientCount int            `json:"recipient_count"`
	SentCount      int            `json:"sent_count"`
	FailedCount    int            `json:"failed_count"`
	SkippedCount   int            `json:"skipped_count"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Counters is the running tally of a dispatch run.
type Counters struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c Counters) Processed() int { return c.Sent + c.Failed + c.Skipped }

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

type RecurrencePattern string

const (
	RecurNone    RecurrencePattern = ""
	RecurMinutes RecurrencePattern = "minutes"
	RecurHourly  RecurrencePattern = "hourly"
	RecurDaily   RecurrencePattern = "daily"
	RecurWeekly  RecurrencePattern = "weekly"
	RecurMonthly RecurrencePattern = "monthly"
)

type ScheduledExecution struct {
	ID                string            `json:"id"`
	CampaignID        string            `json:"campaign_id"`
	ScheduledTime     time.Time         `json:"scheduled_time"`
	Timezone          string            `json:"timezone"`
	Recurring         bool              `json:"recurring"`
	Pattern           RecurrencePattern `json:"pattern,omitempty"`
	Interval          int               `json:"interval,omitempty"`
	MaxOccurrences    *int              `json:"max_occurrences,omitempty"`
	NextExecutionTime time.Time         `json:"next_execution_time"`
	OccurrenceCount   int               `json:"occurrence_count"`
	Status            ExecutionStatus   `json:"status"`
	LastError         *string           `json:"last_error,omitempty"`
	LastCampaignID    *string           `json:"last_campaign_id,omitempty"`
	LastRunAt         *time.Time        `json:"last_run_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// BudgetLeft reports whether a recurring execution may fire again.
func (e *ScheduledExecution) BudgetLeft() bool {
	if !e.Recurring {
		return false
	}
	return e.MaxOccurrences == nil || e.OccurrenceCount < *e.MaxOccurrences
}
