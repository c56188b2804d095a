// Package dispatch runs bulk sends for a campaign.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/smsync/internal/compliance"
	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/metrics"
	"github.com/Cypherspark/smsync/internal/phone"
	"github.com/Cypherspark/smsync/internal/provider"
	"github.com/Cypherspark/smsync/internal/ratelimit"
	"github.com/Cypherspark/smsync/internal/retry"
)

var (
	ErrEmptyTemplate = errors.New("empty_template")
	ErrNoRecipients  = errors.New("no_recipients")
)

// ProgressFunc receives (processed, total) after every recipient, on the dispatching
// goroutine. It must return quickly; queue heavy work elsewhere.
type ProgressFunc func(done, total int)

// BatchError aborts a whole run, e.g. when the transport denies sending rights.
type BatchError struct {
	CampaignID string
	Err        error
}

func (e *BatchError) Error() string { return fmt.Sprintf("campaign %s aborted: %v", e.CampaignID, e.Err) }
func (e *BatchError) Unwrap() error { return e.Err }

type Ledger interface {
	core.MessageLedger
	core.CampaignLedger
}

type Submitter interface {
	Submit(ctx context.Context, to, body string) (string, error)
}

type Limiter interface {
	Class(destination string) string
	Delay(destination string) time.Duration
	Record(destination string)
}

type Request struct {
	Label      string
	Template   string
	Recipients []core.Recipient
	Purpose    string  // compliance purpose; defaults to campaign
	ParentID   *string // draft this run was spawned from
}

type Deps struct {
	Ledger    Ledger
	Transport Submitter
	Limiter   Limiter
	Retry     *retry.Executor
	Checker   compliance.Checker
	Phones    *phone.Normalizer
	Log       zerolog.Logger
}

type Options struct {
	// RedriveAfter is how long a transiently failed recipient waits before the re-drive worker picks it up.
	RedriveAfter time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
	Now          func() time.Time
}

type Dispatcher struct {
	Deps
	opt Options
	log zerolog.Logger
}

func New(deps Deps, opt Options) *Dispatcher {
	if opt.RedriveAfter <= 0 {
		opt.RedriveAfter = time.Minute
	}
	if opt.Sleep == nil {
		opt.Sleep = ratelimit.Sleep
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.DefaultConfig())
	}
	if deps.Phones == nil {
		deps.Phones = phone.New("")
	}
	if deps.Checker == nil {
		deps.Checker = compliance.Chain()
	}
	return &Dispatcher{Deps: deps, opt: opt, log: deps.Log.With().Str("component", "dispatch").Logger()}
}

// Dispatch creates the campaign and sends to every recipient in order.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, progress ProgressFunc) (*core.Campaign, error) {
	c, err := d.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.Run(ctx, c, req, progress)
}

// Prepare persists the Active campaign record. Nothing is sent until Run.
func (d *Dispatcher) Prepare(ctx context.Context, req Request) (*core.Campaign, error) {
	if strings.TrimSpace(req.Template) == "" {
		return nil, ErrEmptyTemplate
	}
	now := d.opt.Now().UTC()
	c := &core.Campaign{
		ID:             uuid.NewString(),
		Name:           req.Label,
		Status:         core.CampaignActive,
		ParentID:       req.ParentID,
		Template:       req.Template,
		Recipients:     req.Recipients,
		RecipientCount: len(req.Recipients),
		CreatedAt:      now,
		StartedAt:      &now,
	}
	if err := d.Ledger.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

// DispatchCampaign runs a stored campaign definition (template and recipients) as a new child run.
func (d *Dispatcher) DispatchCampaign(ctx context.Context, campaignID string) (*core.Campaign, error) {
	req, err := d.RequestFor(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, req, nil)
}

// RequestFor builds the request for a child run of a stored campaign definition.
func (d *Dispatcher) RequestFor(ctx context.Context, campaignID string) (Request, error) {
	def, ok, err := d.Ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		return Request{}, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	if !ok {
		return Request{}, fmt.Errorf("campaign %s: %w", campaignID, core.ErrCampaignMissing)
	}
	if len(def.Recipients) == 0 {
		return Request{}, fmt.Errorf("campaign %s: %w", campaignID, ErrNoRecipients)
	}
	parent := def.ID
	return Request{
		Label:      def.Name,
		Template:   def.Template,
		Recipients: def.Recipients,
		ParentID:   &parent,
	}, nil
}

type outcome string

const (
	outNone    outcome = ""
	outSent    outcome = "sent"
	outFailed  outcome = "failed"
	outSkipped outcome = "skipped"
)

// Run processes recipients for a prepared campaign. Per-recipient failures are counted and
// persisted; only a permission failure (BatchError) or ctx cancellation stops the loop early.
// A cancelled run leaves the campaign Active with its partial counters.
func (d *Dispatcher) Run(ctx context.Context, c *core.Campaign, req Request, progress ProgressFunc) (*core.Campaign, error) {
	purpose := req.Purpose
	if purpose == "" {
		purpose = compliance.PurposeCampaign
	}
	total := len(req.Recipients)
	var counters core.Counters
	log := d.log.With().Str("campaign_id", c.ID).Logger()

	for i, rcpt := range req.Recipients {
		if err := ctx.Err(); err != nil {
			log.Warn().Int("processed", counters.Processed()).Msg("dispatch interrupted")
			c.SentCount, c.FailedCount, c.SkippedCount = counters.Sent, counters.Failed, counters.Skipped
			return c, err
		}

		out, err := d.recipient(ctx, c, i, rcpt, req.Template, purpose, log)
		if out == outNone {
			c.SentCount, c.FailedCount, c.SkippedCount = counters.Sent, counters.Failed, counters.Skipped
			return c, err
		}
		switch out {
		case outSent:
			counters.Sent++
		case outSkipped:
			counters.Skipped++
		default:
			counters.Failed++
		}
		metrics.DispatchRecipients.WithLabelValues(string(out)).Inc()
		d.saveCounters(ctx, c.ID, counters, log)
		if progress != nil {
			progress(counters.Processed(), total)
		}

		if provider.IsPermission(err) {
			msg := err.Error()
			d.finish(ctx, c, core.CampaignCancelled, counters, &msg, log)
			log.Error().Err(err).Msg("dispatch aborted: transport denied sending")
			return c, &BatchError{CampaignID: c.ID, Err: err}
		}
	}

	d.finish(ctx, c, core.CampaignCompleted, counters, nil, log)
	return c, nil
}

// recipient handles one recipient. The returned error is informational except for
// permission and context errors, which the loop acts on.
func (d *Dispatcher) recipient(ctx context.Context, c *core.Campaign, idx int, rcpt core.Recipient, template, purpose string, log zerolog.Logger) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("recipient", idx).Str("destination", rcpt.Destination).Interface("panic", r).Msg("recipient failed")
			out, err = outFailed, fmt.Errorf("recipient %d: panic: %v", idx, r)
		}
	}()

	body := Render(template, rcpt.Fields)
	dest, nerr := d.Phones.Normalize(rcpt.Destination)
	if nerr != nil {
		log.Warn().Str("destination", rcpt.Destination).Msg("invalid destination")
		return outFailed, d.recordRejected(ctx, c, idx, strings.TrimSpace(rcpt.Destination), body, "invalid_destination", "destination is not a dialable number")
	}
	if strings.TrimSpace(body) == "" {
		log.Warn().Str("destination", dest).Msg("empty body")
		return outFailed, d.recordRejected(ctx, c, idx, dest, body, "empty_body", "rendered body is empty")
	}

	verdict, cerr := d.Checker.Check(ctx, dest, purpose)
	if cerr != nil {
		log.Error().Err(cerr).Str("destination", dest).Msg("compliance check failed")
		if rerr := d.recordRejected(ctx, c, idx, dest, body, "compliance_error", cerr.Error()); rerr != nil {
			return outFailed, rerr
		}
		return outFailed, cerr
	}
	if !verdict.Compliant {
		log.Info().Str("destination", dest).Str("reason", verdict.Reason).Msg("recipient skipped")
		return outSkipped, nil
	}

	delay := d.Limiter.Delay(dest)
	metrics.RateLimitDelay.WithLabelValues(d.Limiter.Class(dest)).Observe(delay.Seconds())
	if err := d.opt.Sleep(ctx, delay); err != nil {
		return outNone, err
	}

	campaignID := c.ID
	m := &core.Message{
		Destination: dest,
		Body:        body,
		CampaignID:  &campaignID,
		Direction:   core.DirectionOutbound,
		Origin:      core.OriginLocal,
		Status:      core.StatusPending,
		CreatedAt:   d.opt.Now().UTC(),
	}
	opID := fmt.Sprintf("campaign:%s:%d", c.ID, idx)
	if err := d.Retry.Execute(ctx, opID+":insert", func(ctx context.Context) error {
		return d.Ledger.InsertMessage(ctx, m)
	}); err != nil {
		log.Error().Err(err).Str("destination", dest).Msg("could not persist pending message")
		return outFailed, err
	}

	// transient refusals are retried in place; the last transport error decides the record's fate
	var last error
	extID, serr := retry.Do(ctx, d.Retry, opID+":submit", func(ctx context.Context) (string, error) {
		start := time.Now()
		id, err := d.Transport.Submit(ctx, dest, body)
		metrics.TransportSendDuration.Observe(time.Since(start).Seconds())
		d.Limiter.Record(dest)
		if err != nil {
			last = err
			if provider.IsPermanent(err) || provider.IsPermission(err) {
				return "", retry.Permanent(err)
			}
		}
		return id, err
	})
	d.Retry.Forget(opID + ":submit")

	now := d.opt.Now().UTC()
	if serr == nil {
		metrics.TransportSendTotal.WithLabelValues("sent").Inc()
		m.Status = core.StatusSent
		m.SentAt = &now
		if extID != "" {
			m.ExternalID = &extID
		}
		d.persist(ctx, opID, m, log)
		return outSent, nil
	}
	if last != nil {
		serr = last
	}

	code, msg := provider.Describe(serr)
	m.Status = core.StatusFailed
	m.SetError(code, msg)
	switch {
	case provider.IsPermission(serr):
		metrics.TransportSendTotal.WithLabelValues("denied").Inc()
	case provider.IsTransient(serr):
		metrics.TransportSendTotal.WithLabelValues("temp_fail").Inc()
		next := now.Add(d.opt.RedriveAfter)
		m.NextRetryAt = &next
	default:
		metrics.TransportSendTotal.WithLabelValues("perm_fail").Inc()
	}
	log.Warn().Err(serr).Int64("message_id", m.ID).Str("destination", dest).Msg("submit failed")
	d.persist(ctx, opID, m, log)
	return outFailed, serr
}

// recordRejected stores a Failed record for a recipient that never reached the transport.
func (d *Dispatcher) recordRejected(ctx context.Context, c *core.Campaign, idx int, dest, body, code, msg string) error {
	campaignID := c.ID
	m := &core.Message{
		Destination: dest,
		Body:        body,
		CampaignID:  &campaignID,
		Direction:   core.DirectionOutbound,
		Origin:      core.OriginLocal,
		Status:      core.StatusFailed,
		CreatedAt:   d.opt.Now().UTC(),
	}
	m.SetError(code, msg)
	return d.Retry.Execute(ctx, fmt.Sprintf("campaign:%s:%d:reject", c.ID, idx), func(ctx context.Context) error {
		return d.Ledger.InsertMessage(ctx, m)
	})
}

// persist survives cancellation of ctx so a submitted message never stays Pending.
func (d *Dispatcher) persist(ctx context.Context, opID string, m *core.Message, log zerolog.Logger) {
	err := d.Retry.Execute(context.WithoutCancel(ctx), opID+":update", func(ctx context.Context) error {
		return d.Ledger.UpdateMessage(ctx, m)
	})
	if err != nil {
		log.Error().Err(err).Int64("message_id", m.ID).Str("status", string(m.Status)).Msg("could not persist outcome")
	}
}

func (d *Dispatcher) saveCounters(ctx context.Context, id string, c core.Counters, log zerolog.Logger) {
	err := d.Retry.Execute(ctx, "campaign:"+id+":counters", func(ctx context.Context) error {
		return d.Ledger.UpdateCampaignCounters(ctx, id, c)
	})
	if err != nil {
		log.Error().Err(err).Msg("could not persist counters")
	}
}

func (d *Dispatcher) finish(ctx context.Context, c *core.Campaign, status core.CampaignStatus, counters core.Counters, lastErr *string, log zerolog.Logger) {
	now := d.opt.Now().UTC()
	c.Status = status
	c.SentCount, c.FailedCount, c.SkippedCount = counters.Sent, counters.Failed, counters.Skipped
	c.CompletedAt = &now
	c.LastError = lastErr
	metrics.Campaigns.WithLabelValues(string(status)).Inc()

	err := d.Retry.Execute(ctx, "campaign:"+c.ID+":finish", func(ctx context.Context) error {
		return d.Ledger.FinishCampaign(ctx, c.ID, status, counters, now, lastErr)
	})
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("could not finish campaign")
		return
	}
	log.Info().Str("status", string(status)).Int("sent", counters.Sent).Int("failed", counters.Failed).
		Int("skipped", counters.Skipped).Msg("dispatch finished")
}
