// Package compliance decides whether a destination may be messaged.
package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/phone"
)

const (
	PurposeCampaign      = "campaign"
	PurposeTransactional = "transactional"
)

type Verdict struct {
	Compliant bool   `json:"compliant"`
	Reason    string `json:"reason,omitempty"`
}

var Allowed = Verdict{Compliant: true}

func Denied(reason string) Verdict { return Verdict{Reason: reason} }

type Checker interface {
	Check(ctx context.Context, destination, purpose string) (Verdict, error)
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context, destination, purpose string) (Verdict, error)

func (f CheckFunc) Check(ctx context.Context, destination, purpose string) (Verdict, error) {
	return f(ctx, destination, purpose)
}

// Chain returns the first non-compliant verdict, or Allowed.
func Chain(checkers ...Checker) Checker {
	return CheckFunc(func(ctx context.Context, destination, purpose string) (Verdict, error) {
		for _, c := range checkers {
			v, err := c.Check(ctx, destination, purpose)
			if err != nil || !v.Compliant {
				return v, err
			}
		}
		return Allowed, nil
	})
}

// OptOuts denies campaign traffic to destinations on the ledger's opt-out list.
// Transactional traffic is not subject to opt-outs.
type OptOuts struct {
	Ledger core.OptOutLedger
}

func (o OptOuts) Check(ctx context.Context, destination, purpose string) (Verdict, error) {
	if purpose == PurposeTransactional {
		return Allowed, nil
	}
	out, err := o.Ledger.IsOptedOut(ctx, destination)
	if err != nil {
		return Verdict{}, fmt.Errorf("opt-out lookup: %w", err)
	}
	if out {
		return Denied("opted_out"), nil
	}
	return Allowed, nil
}

// Reachable denies destinations that are not dialable numbers.
type Reachable struct {
	Phones *phone.Normalizer
}

func (r Reachable) Check(_ context.Context, destination, _ string) (Verdict, error) {
	if !r.Phones.Valid(destination) {
		return Denied("invalid_destination"), nil
	}
	return Allowed, nil
}

// BlockedPrefixes denies destinations whose digits start with any listed prefix
// (premium-rate ranges and the like).
type BlockedPrefixes []string

func (b BlockedPrefixes) Check(_ context.Context, destination, _ string) (Verdict, error) {
	d := phone.Digits(destination)
	for _, p := range b {
		if p = phone.Digits(p); p != "" && strings.HasPrefix(d, p) {
			return Denied("blocked_prefix"), nil
		}
	}
	return Allowed, nil
}

// stopWords are inbound replies treated as an opt-out request.
var stopWords = map[string]bool{
	"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true, "CANCEL": true, "END": true, "QUIT": true,
}

func IsStopWord(body string) bool {
	return stopWords[strings.ToUpper(strings.TrimSpace(body))]
}
