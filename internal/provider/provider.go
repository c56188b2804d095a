package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cypherspark/smsync/internal/core"
)

// Transport is the external message-transport capability.
type Transport interface {
	// Submit hands one message to the transport. The returned id may be empty when the
	// transport assigns ids asynchronously; reconciliation attaches it later.
	Submit(ctx context.Context, to, body string) (externalID string, err error)
	// ListEntries returns the transport log, restricted to entries newer than since when set.
	ListEntries(ctx context.Context, since *time.Time) ([]Entry, error)
}

// Entry is one row of the transport's message log.
type Entry struct {
	ExternalID  string         `json:"id"`
	Destination string         `json:"destination"`
	Body        string         `json:"body"`
	Timestamp   time.Time      `json:"timestamp"`
	Direction   core.Direction `json:"direction"`
	Read        bool           `json:"read"`
	Attachments int            `json:"attachments"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

type Kind string

const (
	Transient  Kind = "transient"  // no service, network, carrier throttling
	Permanent  Kind = "permanent"  // bad input, rejected content
	Permission Kind = "permission" // credentials or sending rights; the whole run is affected
)

// Error is a classified transport failure.
type Error struct {
	Code    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Message) }

// Class feeds the retry executor's per-kind counters.
func (e *Error) Class() string { return string(e.Kind) }

func Errorf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func kindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsTransient treats unclassified errors (network, timeouts) as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	k, ok := kindOf(err)
	return !ok || k == Transient
}

func IsPermanent(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Permanent
}

func IsPermission(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Permission
}

// Describe extracts the error code and message persisted on a failed record.
func Describe(err error) (code, msg string) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code, pe.Message
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", err.Error()
	case errors.Is(err, context.Canceled):
		return "canceled", err.Error()
	}
	return "transport_error", err.Error()
}
