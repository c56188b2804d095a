// Package scheduler turns one-shot and recurring schedules into campaign runs.
//
// Timers only cut latency. The periodic sweep over the ledger is what guarantees that a
// due execution eventually runs, including after a restart, and the conditional
// Pending→Executing transition guarantees it runs once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/metrics"
)

// dueSlack absorbs the gap between a timer firing and the wall clock catching up.
const dueSlack = time.Second

var ErrInvalidSchedule = errors.New("invalid_schedule")

type Ledger interface {
	core.ExecutionLedger
	GetCampaign(ctx context.Context, id string) (*core.Campaign, bool, error)
}

// Runner starts one campaign run for a stored campaign.
type Runner interface {
	DispatchCampaign(ctx context.Context, campaignID string) (*core.Campaign, error)
}

type Options struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
	SweepBatch    int
	Now           func() time.Time
}

type Recurrence struct {
	Pattern        core.RecurrencePattern
	Interval       int
	MaxOccurrences *int
}

type Scheduler struct {
	ledger Ledger
	runner Runner
	opt    Options
	log    zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ledger Ledger, runner Runner, opt Options, log zerolog.Logger) *Scheduler {
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = time.Minute
	}
	if opt.StaleAfter <= 0 {
		opt.StaleAfter = 30 * time.Minute
	}
	if opt.SweepBatch <= 0 {
		opt.SweepBatch = 100
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ledger: ledger,
		runner: runner,
		opt:    opt,
		log:    log.With().Str("component", "scheduler").Logger(),
		timers: make(map[string]*time.Timer),
		base:   base,
		cancel: cancel,
	}
}

// Start recovers executions interrupted by a crash, re-arms pending timers and begins
// sweeping. Executions run on a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.base, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.recoverStale(ctx); err != nil {
		return err
	}
	pending, err := s.ledger.ListExecutionsByStatus(ctx, core.ExecutionPending)
	if err != nil {
		return fmt.Errorf("list pending executions: %w", err)
	}
	for i := range pending {
		s.arm(&pending[i])
	}
	s.log.Info().Int("armed", len(pending)).Msg("scheduler started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opt.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.context().Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(s.context()); err != nil && s.context().Err() == nil {
					s.log.Error().Err(err).Msg("sweep failed")
				}
			}
		}
	}()
	return nil
}

// Stop disarms every timer and waits for running executions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	metrics.SchedulerArmed.Set(0)
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Schedule persists a one-shot execution of campaignID at at, interpreted in timezone.
func (s *Scheduler) Schedule(ctx context.Context, campaignID string, at time.Time, timezone string) (*core.ScheduledExecution, error) {
	return s.schedule(ctx, campaignID, at, timezone, nil)
}

func (s *Scheduler) ScheduleRecurring(ctx context.Context, campaignID string, first time.Time, timezone string, r Recurrence) (*core.ScheduledExecution, error) {
	return s.schedule(ctx, campaignID, first, timezone, &r)
}

func (s *Scheduler) schedule(ctx context.Context, campaignID string, at time.Time, timezone string, r *Recurrence) (*core.ScheduledExecution, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidSchedule, timezone)
	}
	if at.IsZero() {
		return nil, fmt.Errorf("%w: missing time", ErrInvalidSchedule)
	}
	c, ok, err := s.ledger.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, core.ErrCampaignMissing)
	}
	if len(c.Recipients) == 0 {
		return nil, fmt.Errorf("%w: campaign %s has no recipients", ErrInvalidSchedule, campaignID)
	}

	e := &core.ScheduledExecution{
		ID:                uuid.NewString(),
		CampaignID:        campaignID,
		ScheduledTime:     at.UTC(),
		Timezone:          timezone,
		NextExecutionTime: at.UTC(),
		Status:            core.ExecutionPending,
	}
	if r != nil {
		if !validPattern(r.Pattern) {
			return nil, fmt.Errorf("%w: pattern %q", ErrInvalidSchedule, r.Pattern)
		}
		if r.MaxOccurrences != nil && *r.MaxOccurrences < 1 {
			return nil, fmt.Errorf("%w: max_occurrences must be positive", ErrInvalidSchedule)
		}
		e.Recurring = true
		e.Pattern = r.Pattern
		e.Interval = r.Interval
		if e.Interval < 1 {
			e.Interval = 1
		}
		e.MaxOccurrences = r.MaxOccurrences
	}

	if err := s.ledger.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	s.log.Info().Str("execution_id", e.ID).Str("campaign_id", campaignID).Time("at", e.NextExecutionTime).
		Bool("recurring", e.Recurring).Msg("scheduled")
	s.arm(e)
	return e, nil
}

// Cancel moves a Pending execution to Cancelled. Executions that already ran or were
// cancelled are left alone.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.disarm(id)
	ok, err := s.ledger.TransitionExecution(ctx, id, []core.ExecutionStatus{core.ExecutionPending}, core.ExecutionCancelled, s.opt.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if ok {
		s.log.Info().Str("execution_id", id).Msg("cancelled")
		return nil
	}
	if _, found, err := s.ledger.GetExecution(ctx, id); err != nil {
		return err
	} else if !found {
		return core.ErrNotFound
	}
	return nil
}

// Execute runs the execution if it is Pending and due. Concurrent callers race on the
// Pending→Executing transition and all but one return without doing anything.
func (s *Scheduler) Execute(ctx context.Context, id string) error {
	now := s.opt.Now().UTC()
	e, ok, err := s.ledger.GetExecution(ctx, id)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", id, err)
	}
	if !ok || e.Status != core.ExecutionPending || e.NextExecutionTime.After(now.Add(dueSlack)) {
		metrics.SchedulerExecutions.WithLabelValues("noop").Inc()
		return nil
	}
	won, err := s.ledger.TransitionExecution(ctx, id, []core.ExecutionStatus{core.ExecutionPending}, core.ExecutionExecuting, now)
	if err != nil {
		return fmt.Errorf("claim execution %s: %w", id, err)
	}
	if !won {
		metrics.SchedulerExecutions.WithLabelValues("noop").Inc()
		return nil
	}
	s.disarm(id)
	e.Status = core.ExecutionExecuting
	log := s.log.With().Str("execution_id", id).Str("campaign_id", e.CampaignID).Logger()

	_, exists, err := s.ledger.GetCampaign(ctx, e.CampaignID)
	if err == nil && !exists {
		err = core.ErrCampaignMissing
	}
	if errors.Is(err, core.ErrCampaignMissing) {
		// an operator problem, not a transient one: no retry, no next occurrence
		msg := "campaign not found"
		e.Status = core.ExecutionFailed
		e.LastError = &msg
		e.LastRunAt = &now
		log.Error().Msg("scheduled campaign no longer exists")
		metrics.SchedulerExecutions.WithLabelValues("failed").Inc()
		return s.save(ctx, e)
	}
	if err != nil {
		// leave it Executing; stale recovery or an operator picks it up
		return fmt.Errorf("load campaign %s: %w", e.CampaignID, err)
	}

	run, runErr := s.runner.DispatchCampaign(ctx, e.CampaignID)
	finished := s.opt.Now().UTC()
	e.OccurrenceCount++
	e.LastRunAt = &finished
	if run != nil {
		runID := run.ID
		e.LastCampaignID = &runID
	}
	if runErr != nil {
		msg := runErr.Error()
		e.Status = core.ExecutionFailed
		e.LastError = &msg
		log.Error().Err(runErr).Msg("scheduled dispatch failed")
		metrics.SchedulerExecutions.WithLabelValues("failed").Inc()
	} else {
		e.Status = core.ExecutionCompleted
		e.LastError = nil
		log.Info().Int("occurrence", e.OccurrenceCount).Msg("scheduled dispatch completed")
		metrics.SchedulerExecutions.WithLabelValues("completed").Inc()
	}

	missing := errors.Is(runErr, core.ErrCampaignMissing)
	if !missing && e.BudgetLeft() {
		next, err := NextOccurrence(e, finished)
		if err != nil {
			log.Error().Err(err).Msg("cannot compute next occurrence")
		} else {
			e.NextExecutionTime = next
			e.Status = core.ExecutionPending
		}
	}
	if err := s.save(ctx, e); err != nil {
		return err
	}
	s.arm(e)
	return nil
}

func (s *Scheduler) save(ctx context.Context, e *core.ScheduledExecution) error {
	// the run already happened; record it even if the caller gave up
	if err := s.ledger.SaveExecution(context.WithoutCancel(ctx), e); err != nil {
		s.log.Error().Err(err).Str("execution_id", e.ID).Str("status", string(e.Status)).Msg("could not save execution")
		return fmt.Errorf("save execution %s: %w", e.ID, err)
	}
	return nil
}

// Sweep starts every Pending execution whose time has passed. It returns how many it started.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.ledger.ListDueExecutions(ctx, s.opt.Now().UTC(), s.opt.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list due executions: %w", err)
	}
	for _, e := range due {
		s.launch(e.ID)
	}
	if len(due) > 0 {
		s.log.Info().Int("due", len(due)).Msg("sweep found due executions")
	}
	return len(due), nil
}

// recoverStale fails executions left Executing by a process that died mid-run.
func (s *Scheduler) recoverStale(ctx context.Context) error {
	executing, err := s.ledger.ListExecutionsByStatus(ctx, core.ExecutionExecuting)
	if err != nil {
		return fmt.Errorf("list executing: %w", err)
	}
	now := s.opt.Now().UTC()
	for i := range executing {
		e := &executing[i]
		if now.Sub(e.UpdatedAt) < s.opt.StaleAfter {
			continue
		}
		msg := "interrupted"
		e.Status = core.ExecutionFailed
		e.LastError = &msg
		if e.BudgetLeft() {
			if next, err := NextOccurrence(e, now); err == nil {
				e.NextExecutionTime = next
				e.Status = core.ExecutionPending
			}
		}
		if err := s.save(ctx, e); err != nil {
			return err
		}
		metrics.SchedulerExecutions.WithLabelValues("recovered").Inc()
		s.log.Warn().Str("execution_id", e.ID).Str("status", string(e.Status)).Msg("recovered interrupted execution")
	}
	return nil
}

// arm sets a timer for a Pending execution, or launches it now when already due.
func (s *Scheduler) arm(e *core.ScheduledExecution) {
	if e.Status != core.ExecutionPending {
		return
	}
	d := e.NextExecutionTime.Sub(s.opt.Now())
	if d <= 0 {
		s.launch(e.ID)
		return
	}
	id := e.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		metrics.SchedulerArmed.Set(float64(len(s.timers)))
		s.mu.Unlock()
		s.launch(id)
	})
	metrics.SchedulerArmed.Set(float64(len(s.timers)))
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		metrics.SchedulerArmed.Set(float64(len(s.timers)))
	}
}

// Armed reports whether a timer is pending for id.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *Scheduler) launch(id string) {
	ctx := s.context()
	if ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Execute(ctx, id); err != nil {
			s.log.Error().Err(err).Str("execution_id", id).Msg("execution failed")
		}
	}()
}
