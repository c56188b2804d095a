package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/phone"
)

// Policy holds the approximate matching rules used to recognise a locally originated
// record in the transport log. Zero fields take their defaults in New.
type Policy struct {
	// Tolerance is the largest |local.created_at - entry.timestamp| still considered the same message.
	Tolerance time.Duration
	// TailDigits is the suffix length for destination fallback matching; 0 disables it.
	TailDigits int
	// SameDestination compares a local destination with the canonical transport one.
	SameDestination func(local, remote string) bool
	// CompatibleBody compares a local body with the transport body (placeholder applied).
	CompatibleBody func(local, remote string) bool
	// CandidateDirections lists the local directions an entry of the given direction may match.
	CandidateDirections func(entry core.Direction) []core.Direction
}

func DefaultPolicy() Policy {
	return Policy{Tolerance: 60 * time.Second, TailDigits: 7}
}

func (p Policy) withDefaults() Policy {
	if p.Tolerance <= 0 {
		p.Tolerance = 60 * time.Second
	}
	if p.TailDigits < 0 {
		p.TailDigits = 0
	}
	if p.SameDestination == nil {
		tail := p.TailDigits
		p.SameDestination = func(local, remote string) bool {
			return local == remote || (tail > 0 && phone.SameTail(local, remote, tail))
		}
	}
	if p.CompatibleBody == nil {
		p.CompatibleBody = CompatibleBody
	}
	if p.CandidateDirections == nil {
		p.CandidateDirections = CandidateDirections
	}
	return p
}

// CompatibleBody treats bodies as equal after collapsing whitespace. An empty local body or
// an attachment placeholder on the transport side is compatible with anything.
func CompatibleBody(local, remote string) bool {
	l, r := collapse(local), collapse(remote)
	return l == r || l == "" || IsPlaceholder(remote)
}

// CandidateDirections matches an entry in the failed box against local outbound records too:
// a local send is recorded as outbound before the transport decides its fate.
func CandidateDirections(entry core.Direction) []core.Direction {
	if entry == core.DirectionFailed {
		return []core.Direction{core.DirectionFailed, core.DirectionOutbound}
	}
	return []core.Direction{entry}
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

const placeholderPrefix = "["

// Placeholder is the body stored for attachment-only messages.
func Placeholder(attachments int) string {
	if attachments == 1 {
		return "[attachment]"
	}
	return fmt.Sprintf("[%d attachments]", attachments)
}

func IsPlaceholder(body string) bool {
	return strings.HasPrefix(body, placeholderPrefix) && strings.HasSuffix(body, "]") &&
		strings.Contains(body, "attachment")
}
