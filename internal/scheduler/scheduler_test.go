package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/scheduler"
)

type fakeRunner struct {
	calls atomic.Int32
	err   error
}

func (r *fakeRunner) DispatchCampaign(_ context.Context, campaignID string) (*core.Campaign, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	parent := campaignID
	return &core.Campaign{ID: uuid.NewString(), ParentID: &parent, Status: core.CampaignCompleted}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func setup(t *testing.T, opt scheduler.Options) (*core.MemStore, *fakeRunner, *scheduler.Scheduler, string) {
	t.Helper()
	store := core.NewMemStore()
	c := &core.Campaign{ID: uuid.NewString(), Name: "weekly", Status: core.CampaignDraft, Template: "hi",
		Recipients: []core.Recipient{{Destination: "+12015550123"}}, RecipientCount: 1}
	require.NoError(t, store.CreateCampaign(context.Background(), c))
	runner := &fakeRunner{}
	s := scheduler.New(store, runner, opt, zerolog.Nop())
	t.Cleanup(s.Stop)
	return store, runner, s, c.ID
}

func pending(t *testing.T, store *core.MemStore, campaignID string, at time.Time) *core.ScheduledExecution {
	t.Helper()
	e := &core.ScheduledExecution{ID: uuid.NewString(), CampaignID: campaignID, ScheduledTime: at,
		Timezone: "UTC", NextExecutionTime: at, Status: core.ExecutionPending}
	require.NoError(t, store.CreateExecution(context.Background(), e))
	return e
}

func status(t *testing.T, store *core.MemStore, id string) *core.ScheduledExecution {
	t.Helper()
	e, ok, err := store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return e
}

func TestSchedule_PastTimeRunsImmediately(t *testing.T) {
	store, runner, s, campaignID := setup(t, scheduler.Options{})

	e, err := s.Schedule(context.Background(), campaignID, time.Now().Add(-time.Minute), "")
	require.NoError(t, err)
	require.Equal(t, "UTC", e.Timezone)

	require.Eventually(t, func() bool {
		return status(t, store, e.ID).Status == core.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, runner.calls.Load())

	got := status(t, store, e.ID)
	require.Equal(t, 1, got.OccurrenceCount)
	require.NotNil(t, got.LastCampaignID)
	require.NotNil(t, got.LastRunAt)
}

func TestSchedule_FutureArmsTimer(t *testing.T) {
	_, runner, s, campaignID := setup(t, scheduler.Options{})

	e, err := s.Schedule(context.Background(), campaignID, time.Now().Add(time.Hour), "Europe/Berlin")
	require.NoError(t, err)
	require.True(t, s.Armed(e.ID))
	require.EqualValues(t, 0, runner.calls.Load())
}

func TestSchedule_Validation(t *testing.T) {
	store, _, s, campaignID := setup(t, scheduler.Options{})
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	_, err := s.Schedule(ctx, campaignID, at, "Mars/Olympus")
	require.ErrorIs(t, err, scheduler.ErrInvalidSchedule)

	_, err = s.Schedule(ctx, "nope", at, "UTC")
	require.ErrorIs(t, err, core.ErrCampaignMissing)

	_, err = s.ScheduleRecurring(ctx, campaignID, at, "UTC", scheduler.Recurrence{Pattern: "yearly", Interval: 1})
	require.ErrorIs(t, err, scheduler.ErrInvalidSchedule)

	zero := 0
	_, err = s.ScheduleRecurring(ctx, campaignID, at, "UTC", scheduler.Recurrence{Pattern: core.RecurDaily, MaxOccurrences: &zero})
	require.ErrorIs(t, err, scheduler.ErrInvalidSchedule)

	empty := &core.Campaign{ID: uuid.NewString(), Name: "empty", Status: core.CampaignDraft, Template: "hi"}
	require.NoError(t, store.CreateCampaign(ctx, empty))
	_, err = s.Schedule(ctx, empty.ID, at, "UTC")
	require.ErrorIs(t, err, scheduler.ErrInvalidSchedule)
}

func TestExecute_RunsExactlyOnceUnderRace(t *testing.T) {
	store, runner, s, campaignID := setup(t, scheduler.Options{})
	e := pending(t, store, campaignID, time.Now().Add(-time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Execute(context.Background(), e.ID))
		}()
	}
	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	wg.Wait()
	s.Stop()

	require.EqualValues(t, 1, runner.calls.Load())
	require.Equal(t, core.ExecutionCompleted, status(t, store, e.ID).Status)
}

func TestExecute_NotYetDueIsNoop(t *testing.T) {
	store, runner, s, campaignID := setup(t, scheduler.Options{})
	e := pending(t, store, campaignID, time.Now().Add(time.Hour))

	require.NoError(t, s.Execute(context.Background(), e.ID))
	require.EqualValues(t, 0, runner.calls.Load())
	require.Equal(t, core.ExecutionPending, status(t, store, e.ID).Status)
}

func TestCancel(t *testing.T) {
	store, runner, s, campaignID := setup(t, scheduler.Options{})
	ctx := context.Background()

	e, err := s.Schedule(ctx, campaignID, time.Now().Add(time.Hour), "UTC")
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, e.ID))
	require.False(t, s.Armed(e.ID))
	require.Equal(t, core.ExecutionCancelled, status(t, store, e.ID).Status)

	require.NoError(t, s.Cancel(ctx, e.ID), "cancelling twice is not an error")
	require.ErrorIs(t, s.Cancel(ctx, "missing"), core.ErrNotFound)

	require.NoError(t, s.Execute(ctx, e.ID))
	require.EqualValues(t, 0, runner.calls.Load())
}

func TestExecute_MissingCampaignFailsWithoutRunning(t *testing.T) {
	store, runner, s, campaignID := setup(t, scheduler.Options{})
	e := pending(t, store, campaignID, time.Now().Add(-time.Second))
	store.DeleteCampaign(campaignID)

	require.NoError(t, s.Execute(context.Background(), e.ID))

	got := status(t, store, e.ID)
	require.Equal(t, core.ExecutionFailed, got.Status)
	require.NotNil(t, got.LastError)
	require.Equal(t, "campaign not found", *got.LastError)
	require.EqualValues(t, 0, runner.calls.Load())
}

func TestExecute_RecurringHonoursMaxOccurrences(t *testing.T) {
	t0 := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	clk := &clock{now: t0}
	store, runner, s, campaignID := setup(t, scheduler.Options{Now: clk.Now})

	limit := 2
	e := pending(t, store, campaignID, t0)
	e.Recurring = true
	e.Pattern = core.RecurMinutes
	e.Interval = 5
	e.MaxOccurrences = &limit
	require.NoError(t, store.SaveExecution(context.Background(), e))

	require.NoError(t, s.Execute(context.Background(), e.ID))
	got := status(t, store, e.ID)
	require.Equal(t, core.ExecutionPending, got.Status)
	require.Equal(t, 1, got.OccurrenceCount)
	require.True(t, got.NextExecutionTime.Equal(t0.Add(5*time.Minute)), got.NextExecutionTime)
	require.True(t, s.Armed(e.ID))

	clk.Set(t0.Add(5 * time.Minute))
	require.NoError(t, s.Execute(context.Background(), e.ID))
	got = status(t, store, e.ID)
	require.Equal(t, core.ExecutionCompleted, got.Status)
	require.Equal(t, 2, got.OccurrenceCount)
	require.EqualValues(t, 2, runner.calls.Load())
}

func TestExecute_RecurringContinuesAfterFailedRun(t *testing.T) {
	t0 := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	clk := &clock{now: t0}
	store, runner, s, campaignID := setup(t, scheduler.Options{Now: clk.Now})
	runner.err = errors.New("transport down")

	e := pending(t, store, campaignID, t0)
	e.Recurring = true
	e.Pattern = core.RecurHourly
	e.Interval = 1
	require.NoError(t, store.SaveExecution(context.Background(), e))

	require.NoError(t, s.Execute(context.Background(), e.ID))
	got := status(t, store, e.ID)
	require.Equal(t, core.ExecutionPending, got.Status)
	require.NotNil(t, got.LastError)
	require.Contains(t, *got.LastError, "transport down")
	require.True(t, got.NextExecutionTime.Equal(t0.Add(time.Hour)))
}

func TestStart_RecoversStaleAndRunsDue(t *testing.T) {
	wall := time.Now().UTC()
	clk := &clock{now: wall.Add(2 * time.Hour)}
	store, runner, s, campaignID := setup(t, scheduler.Options{Now: clk.Now, SweepInterval: time.Hour})
	ctx := context.Background()

	stuck := pending(t, store, campaignID, wall.Add(-time.Hour))
	ok, err := store.TransitionExecution(ctx, stuck.ID, []core.ExecutionStatus{core.ExecutionPending}, core.ExecutionExecuting, wall)
	require.NoError(t, err)
	require.True(t, ok)

	due := pending(t, store, campaignID, wall)

	require.NoError(t, s.Start(ctx))

	got := status(t, store, stuck.ID)
	require.Equal(t, core.ExecutionFailed, got.Status)
	require.Equal(t, "interrupted", *got.LastError)

	require.Eventually(t, func() bool {
		return status(t, store, due.ID).Status == core.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, runner.calls.Load())
}
