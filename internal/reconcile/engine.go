// Package reconcile merges the transport's message log into the local ledger.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/smsync/internal/compliance"
	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/metrics"
	"github.com/Cypherspark/smsync/internal/phone"
	"github.com/Cypherspark/smsync/internal/provider"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeFull:
		return ModeFull, nil
	case ModeIncremental, "":
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}

// LogSource is the part of the transport reconciliation reads.
type LogSource interface {
	ListEntries(ctx context.Context, since *time.Time) ([]provider.Entry, error)
}

type outcome string

const (
	outInserted  outcome = "inserted"
	outAttached  outcome = "attached"
	outUpdated   outcome = "updated"
	outMerged    outcome = "merged"
	outUnchanged outcome = "unchanged"
	outFailed    outcome = "failed"
)

// Result summarises one pass. Synced counts entries that changed the ledger; Skipped counts
// entries that were already converged.
type Result struct {
	Mode     Mode `json:"mode"`
	Entries  int  `json:"entries"`
	Synced   int  `json:"synced"`
	Skipped  int  `json:"skipped"`
	Inserted int  `json:"inserted"`
	Attached int  `json:"attached"`
	Updated  int  `json:"updated"`
	Merged   int  `json:"merged"`
	Failed   int  `json:"failed"`
}

func (r *Result) add(o outcome) {
	switch o {
	case outInserted:
		r.Inserted++
	case outAttached:
		r.Attached++
	case outUpdated:
		r.Updated++
	case outMerged:
		r.Merged++
	case outUnchanged:
		r.Skipped++
		return
	case outFailed:
		r.Failed++
		return
	}
	r.Synced++
}

type Engine struct {
	ledger core.MessageLedger
	source LogSource
	phones *phone.Normalizer
	policy Policy
	log    zerolog.Logger
	optOut core.OptOutLedger

	mu sync.Mutex // one pass at a time
}

func New(ledger core.MessageLedger, source LogSource, phones *phone.Normalizer, policy Policy, log zerolog.Logger) *Engine {
	if phones == nil {
		phones = phone.New("")
	}
	return &Engine{
		ledger: ledger,
		source: source,
		phones: phones,
		policy: policy.withDefaults(),
		log:    log.With().Str("component", "reconcile").Logger(),
	}
}

// RecordOptOuts makes newly imported inbound STOP replies land on the opt-out list.
func (e *Engine) RecordOptOuts(l core.OptOutLedger) *Engine {
	e.optOut = l
	return e
}

// Sync pulls the transport log into the ledger. Incremental mode reads only entries newer
// than the latest synced record (less the match tolerance) and falls back to a full pass
// when nothing has been synced yet. Per-entry failures are counted, not returned.
func (e *Engine) Sync(ctx context.Context, mode Mode) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := Result{Mode: mode}
	var since *time.Time
	if mode == ModeIncremental {
		latest, ok, err := e.ledger.LatestSyncedAt(ctx)
		if err != nil {
			return res, fmt.Errorf("latest synced: %w", err)
		}
		if ok {
			from := latest.Add(-e.policy.Tolerance)
			since = &from
		} else {
			res.Mode = ModeFull
		}
	}
	metrics.ReconcileRuns.WithLabelValues(string(res.Mode)).Inc()

	entries, err := e.source.ListEntries(ctx, since)
	if err != nil {
		return res, fmt.Errorf("list transport entries: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ExternalID < entries[j].ExternalID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	res.Entries = len(entries)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o, err := e.apply(ctx, entry)
		if err != nil {
			o = outFailed
			e.log.Error().Err(err).Str("external_id", entry.ExternalID).Str("destination", entry.Destination).
				Msg("reconcile entry failed")
		}
		res.add(o)
		metrics.ReconcileEntries.WithLabelValues(string(o)).Inc()
	}

	e.log.Info().Str("mode", string(res.Mode)).Int("entries", res.Entries).Int("synced", res.Synced).
		Int("skipped", res.Skipped).Int("failed", res.Failed).Msg("reconcile pass done")
	return res, nil
}

// Run syncs incrementally every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sync(ctx, ModeIncremental); err != nil && ctx.Err() == nil {
				e.log.Error().Err(err).Msg("periodic reconcile failed")
			}
		}
	}
}

// view is an entry translated into ledger terms.
type view struct {
	entry       provider.Entry
	destination string
	body        string
	hasText     bool
}

func (e *Engine) view(entry provider.Entry) (view, error) {
	switch entry.Direction {
	case core.DirectionInbound, core.DirectionOutbound, core.DirectionFailed:
	default:
		return view{}, fmt.Errorf("entry %s: unknown direction %q", entry.ExternalID, entry.Direction)
	}
	if entry.ExternalID == "" {
		return view{}, fmt.Errorf("entry without transport id")
	}
	v := view{entry: entry, destination: e.phones.Canonical(entry.Destination), body: entry.Body}
	v.hasText = strings.TrimSpace(entry.Body) != ""
	if !v.hasText && entry.Attachments > 0 {
		v.body = Placeholder(entry.Attachments)
	}
	return v, nil
}

func (e *Engine) apply(ctx context.Context, entry provider.Entry) (outcome, error) {
	v, err := e.view(entry)
	if err != nil {
		return outFailed, err
	}

	existing, ok, err := e.ledger.FindByExternalID(ctx, entry.ExternalID)
	if err != nil {
		return outFailed, fmt.Errorf("lookup %s: %w", entry.ExternalID, err)
	}
	if ok {
		// A row imported from the transport may have raced a local write of the same message.
		if existing.Origin == core.OriginTransport {
			dup, err := e.findDuplicate(ctx, v)
			if err != nil {
				return outFailed, err
			}
			if dup != nil {
				ext := entry.ExternalID
				dup.ExternalID = &ext
				mirror(dup, v)
				if err := e.ledger.MergeMessages(ctx, dup, existing.ID); err != nil {
					return outFailed, fmt.Errorf("merge %d into %d: %w", existing.ID, dup.ID, err)
				}
				e.log.Info().Int64("message_id", dup.ID).Int64("dropped_id", existing.ID).
					Str("external_id", entry.ExternalID).Msg("merged duplicate")
				return outMerged, nil
			}
		}
		if !mirror(existing, v) {
			return outUnchanged, nil
		}
		if err := e.ledger.UpdateMessage(ctx, existing); err != nil {
			return outFailed, fmt.Errorf("update %d: %w", existing.ID, err)
		}
		return outUpdated, nil
	}

	dup, err := e.findDuplicate(ctx, v)
	if err != nil {
		return outFailed, err
	}
	if dup != nil {
		ext := entry.ExternalID
		dup.ExternalID = &ext
		mirror(dup, v)
		if err := e.ledger.UpdateMessage(ctx, dup); err != nil {
			return outFailed, fmt.Errorf("attach %s to %d: %w", ext, dup.ID, err)
		}
		return outAttached, nil
	}

	m := fromEntry(v)
	if err := e.ledger.InsertMessage(ctx, m); err != nil {
		return outFailed, fmt.Errorf("insert %s: %w", entry.ExternalID, err)
	}
	if e.optOut != nil && m.Direction == core.DirectionInbound && compliance.IsStopWord(m.Body) {
		if err := e.optOut.AddOptOut(ctx, m.Destination, "inbound "+strings.TrimSpace(m.Body)); err != nil {
			return outFailed, fmt.Errorf("record opt-out for %s: %w", m.Destination, err)
		}
		e.log.Info().Str("destination", m.Destination).Msg("destination opted out")
	}
	return outInserted, nil
}

// findDuplicate returns the unsynced local record closest in time to the entry, if any.
func (e *Engine) findDuplicate(ctx context.Context, v view) (*core.Message, error) {
	ts := v.entry.Timestamp
	q := core.CandidateQuery{
		Directions:   e.policy.CandidateDirections(v.entry.Direction),
		From:         ts.Add(-e.policy.Tolerance),
		To:           ts.Add(e.policy.Tolerance),
		Destinations: uniq(v.destination, strings.TrimSpace(v.entry.Destination)),
	}
	if e.policy.TailDigits > 0 {
		q.TailDigits = phone.Tail(v.destination, e.policy.TailDigits)
	}
	candidates, err := e.ledger.FindUnsynced(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find unsynced for %s: %w", v.entry.ExternalID, err)
	}

	var best *core.Message
	var bestGap time.Duration
	for i := range candidates {
		c := &candidates[i]
		if !e.policy.SameDestination(c.Destination, v.destination) || !e.policy.CompatibleBody(c.Body, v.body) {
			continue
		}
		gap := absDur(c.CreatedAt.Sub(ts))
		if gap > e.policy.Tolerance {
			continue
		}
		if best == nil || gap < bestGap || (gap == bestGap && c.ID < best.ID) {
			best, bestGap = c, gap
		}
	}
	return best, nil
}

// mirror copies the transport-owned fields onto m and promotes its status. It reports
// whether anything changed.
func mirror(m *core.Message, v view) bool {
	changed := false
	if m.Read != v.entry.Read {
		m.Read = v.entry.Read
		changed = true
	}
	if m.Direction != v.entry.Direction {
		m.Direction = v.entry.Direction
		changed = true
	}
	if v.destination != "" && m.Destination != v.destination {
		m.Destination = v.destination
		changed = true
	}
	// an attachment-only entry must not wipe text the local side already holds
	if (v.hasText || m.Body == "") && m.Body != v.body {
		m.Body = v.body
		changed = true
	}
	if m.AttachmentCount != v.entry.Attachments {
		m.AttachmentCount = v.entry.Attachments
		changed = true
	}
	return promote(m, v.entry) || changed
}

// promote moves m forward to the status the transport reports. It never demotes.
func promote(m *core.Message, entry provider.Entry) bool {
	switch entry.Direction {
	case core.DirectionInbound:
		if m.Status == core.StatusPending {
			m.Status = core.StatusReceived
			return true
		}
	case core.DirectionFailed:
		changed := false
		if m.Status == core.StatusPending || m.Status == core.StatusSent {
			m.Status = core.StatusFailed
			m.SetError("transport_failed", "transport reported the message as failed")
			changed = true
		}
		// the transport has already given up on it; a re-drive would send it twice
		if m.Status == core.StatusFailed && m.NextRetryAt != nil {
			m.NextRetryAt = nil
			changed = true
		}
		return changed
	case core.DirectionOutbound:
		changed := false
		if m.Status == core.StatusPending || m.Status == core.StatusFailed {
			// the transport holds it in the sent box, so a pending re-drive would duplicate it
			m.Status = core.StatusSent
			m.NextRetryAt = nil
			changed = true
		}
		if m.Status == core.StatusSent && m.SentAt == nil {
			at := entry.Timestamp
			m.SentAt = &at
			changed = true
		}
		if entry.DeliveredAt != nil && m.Status == core.StatusSent {
			at := *entry.DeliveredAt
			m.Status = core.StatusDelivered
			m.DeliveredAt = &at
			changed = true
		}
		return changed
	}
	return false
}

func fromEntry(v view) *core.Message {
	ext := v.entry.ExternalID
	m := &core.Message{
		ExternalID:      &ext,
		Destination:     v.destination,
		Body:            v.body,
		Direction:       v.entry.Direction,
		Origin:          core.OriginTransport,
		Read:            v.entry.Read,
		AttachmentCount: v.entry.Attachments,
		CreatedAt:       v.entry.Timestamp,
	}
	switch v.entry.Direction {
	case core.DirectionInbound:
		m.Status = core.StatusReceived
	case core.DirectionFailed:
		m.Status = core.StatusFailed
		m.SetError("transport_failed", "transport reported the message as failed")
	default:
		m.Status = core.StatusSent
		at := v.entry.Timestamp
		m.SentAt = &at
		if v.entry.DeliveredAt != nil {
			d := *v.entry.DeliveredAt
			m.Status = core.StatusDelivered
			m.DeliveredAt = &d
		}
	}
	return m
}

func uniq(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if o == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
