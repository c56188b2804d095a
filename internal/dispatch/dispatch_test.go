package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/smsync/internal/compliance"
	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/phone"
	"github.com/Cypherspark/smsync/internal/provider"
	"github.com/Cypherspark/smsync/internal/ratelimit"
	"github.com/Cypherspark/smsync/internal/retry"
)

const (
	destA = "+12015550123"
	destB = "+12015550124"
	destC = "+12015550125"
)

type harness struct {
	store  *core.MemStore
	sim    *provider.Simulator
	d      *Dispatcher
	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, checker compliance.Checker) *harness {
	t.Helper()
	h := &harness{store: core.NewMemStore(), sim: provider.NewSimulator()}
	if checker == nil {
		checker = compliance.OptOuts{Ledger: h.store}
	}
	noWait := func(context.Context, time.Duration) error { return nil }
	h.d = New(Deps{
		Ledger:    h.store,
		Transport: h.sim,
		Limiter:   ratelimit.New(ratelimit.Config{DefaultLimit: 30}, nil),
		Retry:     retry.New(retry.DefaultConfig(), retry.WithSleep(noWait)),
		Checker:   checker,
		Phones:    phone.New("US"),
		Log:       zerolog.Nop(),
	}, Options{Sleep: func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}})
	return h
}

func (h *harness) messages(t *testing.T, campaignID string) []core.Message {
	t.Helper()
	out, err := h.store.ListMessages(context.Background(), core.MessageFilter{CampaignID: campaignID, Limit: 100})
	require.NoError(t, err)
	return out
}

func TestDispatchEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.AddOptOut(ctx, destB, "STOP"))

	recipients := []core.Recipient{
		{Destination: destA, Fields: map[string]string{"name": "Ana"}},
		{Destination: destB, Fields: map[string]string{"name": "Bo"}},
		{Destination: destC, Fields: map[string]string{"name": "Cy"}},
	}

	var seen [][2]int
	c, err := h.d.Dispatch(ctx, Request{Label: "spring", Template: "Hi {name}", Recipients: recipients},
		func(done, total int) { seen = append(seen, [2]int{done, total}) })
	require.NoError(t, err)

	require.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, seen)
	require.Equal(t, core.CampaignCompleted, c.Status)

	stored, ok, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, core.CampaignCompleted, stored.Status)
	require.Equal(t, 2, stored.SentCount)
	require.Equal(t, 1, stored.SkippedCount)
	require.Zero(t, stored.FailedCount)
	require.Equal(t, 3, stored.RecipientCount)
	require.NotNil(t, stored.CompletedAt)

	msgs := h.messages(t, c.ID)
	require.Len(t, msgs, 2)
	bodies := map[string]string{}
	for _, m := range msgs {
		require.Equal(t, core.StatusSent, m.Status)
		require.NotNil(t, m.SentAt)
		require.NotNil(t, m.ExternalID)
		bodies[m.Destination] = m.Body
	}
	require.Equal(t, map[string]string{destA: "Hi Ana", destC: "Hi Cy"}, bodies)
	require.Equal(t, 2, h.sim.Len())
}

func TestProgressInvariantHoldsDuringRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	recipients := []core.Recipient{{Destination: destA}, {Destination: "nope"}, {Destination: destC}}

	c, err := h.d.Prepare(ctx, Request{Label: "x", Template: "hello", Recipients: recipients})
	require.NoError(t, err)

	_, err = h.d.Run(ctx, c, Request{Template: "hello", Recipients: recipients}, func(done, total int) {
		cur, _, err := h.store.GetCampaign(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, done, cur.SentCount+cur.FailedCount+cur.SkippedCount)
		require.LessOrEqual(t, done, total)
	})
	require.NoError(t, err)
	require.Equal(t, 2, c.SentCount)
	require.Equal(t, 1, c.FailedCount)
}

func TestTransientFailureIsRetryEligible(t *testing.T) {
	h := newHarness(t, nil)
	attempts := map[string]int{}
	h.sim.Reject = func(to, _ string) error {
		attempts[to]++
		if to == destB {
			return provider.Errorf(provider.Transient, "no_service", "carrier unreachable")
		}
		if to == destC {
			return provider.Errorf(provider.Permanent, "blocked", "content rejected")
		}
		return nil
	}

	c, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}, {Destination: destB}, {Destination: destC}}}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, c.SentCount)
	require.Equal(t, 2, c.FailedCount)
	require.Equal(t, core.CampaignCompleted, c.Status)

	byDest := map[string]core.Message{}
	for _, m := range h.messages(t, c.ID) {
		byDest[m.Destination] = m
	}
	require.Len(t, byDest, 3, "failed submits keep their record")

	require.Equal(t, retry.DefaultConfig().MaxAttempts, attempts[destB], "transient refusals retried in place")
	require.Equal(t, 1, attempts[destC])

	transient := byDest[destB]
	require.Equal(t, core.StatusFailed, transient.Status)
	require.Equal(t, "no_service", *transient.LastErrorCode)
	require.NotNil(t, transient.NextRetryAt)

	permanent := byDest[destC]
	require.Equal(t, core.StatusFailed, permanent.Status)
	require.Equal(t, "blocked", *permanent.LastErrorCode)
	require.Nil(t, permanent.NextRetryAt)
}

func TestTransientSubmitRecoversWithinRun(t *testing.T) {
	h := newHarness(t, nil)
	var calls int
	h.sim.Reject = func(to, _ string) error {
		calls++
		if calls == 1 {
			return provider.Errorf(provider.Transient, "no_service", "carrier unreachable")
		}
		return nil
	}

	c, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}}}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, c.SentCount)
	require.Zero(t, c.FailedCount)

	msgs := h.messages(t, c.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, core.StatusSent, msgs[0].Status)
	require.NotNil(t, msgs[0].ExternalID)
	require.Nil(t, msgs[0].NextRetryAt)
	require.Equal(t, int64(1), h.d.Retry.Stats().ByKind["transient"])
	require.Zero(t, h.d.Retry.Stats().InFlight)
}

func TestPermanentSubmitIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	var calls int
	h.sim.Reject = func(string, string) error {
		calls++
		return provider.Errorf(provider.Permanent, "blocked", "content rejected")
	}

	c, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}}}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, c.FailedCount)
}

func TestPermissionErrorAbortsBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.Reject = func(to, _ string) error {
		if to == destB {
			return provider.Errorf(provider.Permission, "unauthorized", "sending disabled")
		}
		return nil
	}

	c, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}, {Destination: destB}, {Destination: destC}}}, nil)
	var batch *BatchError
	require.ErrorAs(t, err, &batch)
	require.True(t, provider.IsPermission(err))
	require.Equal(t, c.ID, batch.CampaignID)

	stored, _, _ := h.store.GetCampaign(context.Background(), c.ID)
	require.Equal(t, core.CampaignCancelled, stored.Status)
	require.Equal(t, 1, stored.SentCount)
	require.Equal(t, 1, stored.FailedCount)
	require.NotNil(t, stored.LastError)
	require.Len(t, h.messages(t, c.ID), 2, "third recipient never attempted")
}

func TestInvalidDestinationAndEmptyBody(t *testing.T) {
	h := newHarness(t, nil)
	c, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "{greeting}",
		Recipients: []core.Recipient{
			{Destination: "12", Fields: map[string]string{"greeting": "hey"}},
			{Destination: destA},
		}}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, c.FailedCount)

	codes := map[string]string{}
	for _, m := range h.messages(t, c.ID) {
		codes[m.Destination] = *m.LastErrorCode
		require.Nil(t, m.NextRetryAt)
	}
	require.Equal(t, map[string]string{"12": "invalid_destination", destA: "empty_body"}, codes)
	require.Zero(t, h.sim.Len())
}

func TestPanicInOneRecipientDoesNotStopLoop(t *testing.T) {
	checker := compliance.CheckFunc(func(_ context.Context, dest, _ string) (compliance.Verdict, error) {
		if dest == destB {
			panic("bad classifier")
		}
		return compliance.Allowed, nil
	})
	h := newHarness(t, checker)

	c, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}, {Destination: destB}, {Destination: destC}}}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, c.SentCount)
	require.Equal(t, 1, c.FailedCount)
	require.Equal(t, core.CampaignCompleted, c.Status)
}

func TestComplianceErrorCountsAsFailed(t *testing.T) {
	boom := errors.New("opt-out store down")
	h := newHarness(t, compliance.CheckFunc(func(context.Context, string, string) (compliance.Verdict, error) {
		return compliance.Verdict{}, boom
	}))
	c, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}}}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, c.FailedCount)
	msgs := h.messages(t, c.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, "compliance_error", *msgs[0].LastErrorCode)
}

func TestRateLimitDelayIsWaitedOut(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}, {Destination: destC}}}, nil)
	require.NoError(t, err)

	require.Len(t, h.sleeps, 2)
	require.Zero(t, h.sleeps[0])
	// 30/min spacing is 2s; the real clock moved a little between the two sends
	require.Greater(t, h.sleeps[1], time.Second)
	require.LessOrEqual(t, h.sleeps[1], 2*time.Second)
}

func TestCancelledRunStaysActive(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	progress := func(done, _ int) {
		if done == 1 {
			cancel()
		}
	}
	c, err := h.d.Dispatch(ctx, Request{Label: "x", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}, {Destination: destC}}}, progress)
	require.ErrorIs(t, err, context.Canceled)

	stored, _, _ := h.store.GetCampaign(context.Background(), c.ID)
	require.Equal(t, core.CampaignActive, stored.Status)
	require.Equal(t, 1, stored.SentCount)
}

func TestEmptyTemplateRejectedBeforeCampaignExists(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.d.Dispatch(context.Background(), Request{Label: "x", Template: "  "}, nil)
	require.ErrorIs(t, err, ErrEmptyTemplate)
	list, _ := h.store.ListCampaigns(context.Background(), 10, 0)
	require.Empty(t, list)
}

func TestDispatchCampaignFromDraft(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	draft := &core.Campaign{ID: "draft-1", Name: "weekly", Status: core.CampaignDraft, Template: "Hi {name}",
		Recipients: []core.Recipient{{Destination: destA, Fields: map[string]string{"name": "Ana"}}}, RecipientCount: 1}
	require.NoError(t, h.store.CreateCampaign(ctx, draft))

	run, err := h.d.DispatchCampaign(ctx, draft.ID)
	require.NoError(t, err)
	require.NotEqual(t, draft.ID, run.ID)
	require.Equal(t, draft.ID, *run.ParentID)
	require.Equal(t, 1, run.SentCount)

	_, err = h.d.DispatchCampaign(ctx, "missing")
	require.ErrorIs(t, err, core.ErrCampaignMissing)
}

func TestAdHocRunCanBeRerun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first, err := h.d.Dispatch(ctx, Request{Label: "flash", Template: "hi",
		Recipients: []core.Recipient{{Destination: destA}, {Destination: destC}}}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, first.SentCount)

	again, err := h.d.DispatchCampaign(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, *again.ParentID)
	require.Equal(t, 2, again.RecipientCount)
	require.Equal(t, 2, again.SentCount)
	require.Equal(t, 4, h.sim.Len())
}

func TestDispatchCampaignWithoutRecipients(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.CreateCampaign(ctx, &core.Campaign{ID: "empty", Name: "e", Status: core.CampaignDraft, Template: "hi"}))

	_, err := h.d.DispatchCampaign(ctx, "empty")
	require.ErrorIs(t, err, ErrNoRecipients)
	list, _ := h.store.ListCampaigns(ctx, 10, 0)
	require.Len(t, list, 1, "no child run is created")
}

func TestRender(t *testing.T) {
	fields := map[string]string{"name": "Ana", "Code": "42"}
	require.Equal(t, "Hi Ana", Render("Hi {name}", fields))
	require.Equal(t, "Hi Ana, code 42", Render("Hi { name }, code {code}", fields))
	require.Equal(t, "Hi ", Render("Hi {missing}", fields))
	require.Equal(t, "no placeholders", Render("no placeholders", nil))
}
