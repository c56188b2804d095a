package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/smsync/internal/compliance"
	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/dispatch"
	httpapi "github.com/Cypherspark/smsync/internal/http"
	"github.com/Cypherspark/smsync/internal/phone"
	"github.com/Cypherspark/smsync/internal/provider"
	"github.com/Cypherspark/smsync/internal/ratelimit"
	"github.com/Cypherspark/smsync/internal/reconcile"
	"github.com/Cypherspark/smsync/internal/retry"
	"github.com/Cypherspark/smsync/internal/scheduler"
)

type apiEnv struct {
	store *core.MemStore
	sim   *provider.Simulator
	h     http.Handler
}

func startAPI(t *testing.T) *apiEnv {
	t.Helper()
	store := core.NewMemStore()
	sim := provider.NewSimulator()
	phones := phone.New("US")
	noWait := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	d := dispatch.New(dispatch.Deps{
		Ledger:    store,
		Transport: sim,
		Limiter:   ratelimit.New(ratelimit.Config{DefaultLimit: 30}, nil),
		Retry:     retry.New(retry.DefaultConfig(), retry.WithSleep(noWait)),
		Checker:   compliance.OptOuts{Ledger: store},
		Phones:    phones,
		Log:       zerolog.Nop(),
	}, dispatch.Options{Sleep: noWait})
	sched := scheduler.New(store, d, scheduler.Options{}, zerolog.Nop())
	rec := reconcile.New(store, sim, phones, reconcile.DefaultPolicy(), zerolog.Nop())

	srv := httpapi.NewServer(store, d, sched, rec, phones, zerolog.Nop())
	t.Cleanup(func() {
		srv.Shutdown()
		sched.Stop()
	})
	return &apiEnv{store: store, sim: sim, h: srv.Router()}
}

func (e *apiEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type page[T any] struct {
	Items []T `json:"items"`
}

const recipients = `[
	{"destination":"+12015550123","fields":{"name":"Ana"}},
	{"destination":"(201) 555-0124","fields":{"name":"Bo"}},
	{"destination":"+12015550125","fields":{"name":"Cy"}}
]`

func TestDispatchWaitOptOutAndQueries(t *testing.T) {
	e := startAPI(t)

	w := e.do(t, "POST", "/opt-outs", `{"destination":"201-555-0124","reason":"STOP"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "+12015550124", decode[map[string]string](t, w)["destination"])

	w = e.do(t, "POST", "/campaigns/dispatch?wait=true", `{"name":"spring","template":"Hi {name}","recipients":`+recipients+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	c := decode[core.Campaign](t, w)
	require.Equal(t, core.CampaignCompleted, c.Status)
	require.Equal(t, 2, c.SentCount)
	require.Equal(t, 1, c.SkippedCount)
	require.Zero(t, c.FailedCount)

	w = e.do(t, "GET", "/campaigns/"+c.ID+"/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[page[core.Message]](t, w).Items
	require.Len(t, msgs, 2)

	w = e.do(t, "GET", "/messages?status=sent&destination=201-555-0123", "")
	require.Equal(t, http.StatusOK, w.Code)
	sent := decode[page[core.Message]](t, w).Items
	require.Len(t, sent, 1)
	require.Equal(t, "Hi Ana", sent[0].Body)

	w = e.do(t, "GET", "/messages/"+jsonInt(sent[0].ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, "GET", "/messages/999", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestDispatchAsyncCompletesInBackground(t *testing.T) {
	e := startAPI(t)

	w := e.do(t, "POST", "/campaigns/dispatch", `{"template":"Hi {name}","recipients":`+recipients+`}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	c := decode[core.Campaign](t, w)
	require.Equal(t, core.CampaignActive, c.Status)

	require.Eventually(t, func() bool {
		got := decode[core.Campaign](t, e.do(t, "GET", "/campaigns/"+c.ID, ""))
		return got.Status == core.CampaignCompleted && got.SentCount == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchValidation(t *testing.T) {
	e := startAPI(t)

	require.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/campaigns/dispatch", `{"template":"  "}`).Code)
	require.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/campaigns/dispatch", `nope`).Code)
	require.Equal(t, http.StatusNotFound, e.do(t, "POST", "/campaigns/dispatch", `{"campaign_id":"missing"}`).Code)
	require.Equal(t, http.StatusNotFound, e.do(t, "GET", "/campaigns/missing", "").Code)
}

func TestTransportDenialCancelsRun(t *testing.T) {
	e := startAPI(t)
	e.sim.Reject = func(string, string) error {
		return provider.Errorf(provider.Permission, "forbidden", "sending disabled")
	}

	w := e.do(t, "POST", "/campaigns/dispatch?wait=true", `{"template":"Hi","recipients":`+recipients+`}`)
	require.Equal(t, http.StatusConflict, w.Code)
	var out struct {
		Campaign core.Campaign `json:"campaign"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, core.CampaignCancelled, out.Campaign.Status)
	require.Equal(t, 1, out.Campaign.FailedCount)
}

func TestDraftScheduleRunsChildCampaign(t *testing.T) {
	e := startAPI(t)

	w := e.do(t, "POST", "/campaigns", `{"name":"weekly","template":"Hi {name}","recipients":`+recipients+`}`)
	require.Equal(t, http.StatusCreated, w.Code)
	draft := decode[core.Campaign](t, w)
	require.Equal(t, core.CampaignDraft, draft.Status)
	require.Equal(t, 3, draft.RecipientCount)

	at := time.Now().Add(-time.Second).UTC().Format(time.RFC3339)
	w = e.do(t, "POST", "/schedules", `{"campaign_id":"`+draft.ID+`","at":"`+at+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	exec := decode[core.ScheduledExecution](t, w)

	require.Eventually(t, func() bool {
		got := decode[core.ScheduledExecution](t, e.do(t, "GET", "/schedules/"+exec.ID, ""))
		return got.Status == core.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got := decode[core.ScheduledExecution](t, e.do(t, "GET", "/schedules/"+exec.ID, ""))
	require.NotNil(t, got.LastCampaignID)
	child := decode[core.Campaign](t, e.do(t, "GET", "/campaigns/"+*got.LastCampaignID, ""))
	require.Equal(t, draft.ID, *child.ParentID)
	require.Equal(t, 3, child.SentCount)

	list := decode[page[core.Campaign]](t, e.do(t, "GET", "/campaigns", ""))
	require.Len(t, list.Items, 2)
}

func TestScheduleValidationAndCancel(t *testing.T) {
	e := startAPI(t)
	draft := decode[core.Campaign](t, e.do(t, "POST", "/campaigns", `{"template":"Hi","recipients":`+recipients+`}`))
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	w := e.do(t, "POST", "/schedules", `{"campaign_id":"missing","at":"`+future+`"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(t, "POST", "/schedules", `{"campaign_id":"`+draft.ID+`","at":"`+future+`","timezone":"Mars/Base"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, "POST", "/schedules", `{"campaign_id":"`+draft.ID+`","at":"`+future+`","recurrence":{"pattern":"yearly"}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, "POST", "/schedules", `{"campaign_id":"`+draft.ID+`","at":"tomorrow"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/schedules", `{"campaign_id":"`+draft.ID+`","at":"2099-01-05T09:00:00","timezone":"Europe/Berlin","recurrence":{"pattern":"weekly","interval":1,"max_occurrences":4}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	exec := decode[core.ScheduledExecution](t, w)
	require.True(t, exec.Recurring)
	require.True(t, exec.NextExecutionTime.Equal(time.Date(2099, 1, 5, 8, 0, 0, 0, time.UTC)))

	require.Equal(t, http.StatusNoContent, e.do(t, "DELETE", "/schedules/"+exec.ID, "").Code)
	require.Equal(t, http.StatusNoContent, e.do(t, "DELETE", "/schedules/"+exec.ID, "").Code)
	require.Equal(t, http.StatusNotFound, e.do(t, "DELETE", "/schedules/missing", "").Code)

	got := decode[core.ScheduledExecution](t, e.do(t, "GET", "/schedules/"+exec.ID, ""))
	require.Equal(t, core.ExecutionCancelled, got.Status)
}

func TestAdHocRunCanBeScheduledAgain(t *testing.T) {
	e := startAPI(t)
	w := e.do(t, "POST", "/campaigns/dispatch?wait=true", `{"name":"flash","template":"Hi {name}","recipients":`+recipients+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[core.Campaign](t, w)

	at := time.Now().Add(-time.Second).UTC().Format(time.RFC3339)
	w = e.do(t, "POST", "/schedules", `{"campaign_id":"`+run.ID+`","at":"`+at+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	exec := decode[core.ScheduledExecution](t, w)

	require.Eventually(t, func() bool {
		got := decode[core.ScheduledExecution](t, e.do(t, "GET", "/schedules/"+exec.ID, ""))
		return got.Status == core.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
	got := decode[core.ScheduledExecution](t, e.do(t, "GET", "/schedules/"+exec.ID, ""))
	child := decode[core.Campaign](t, e.do(t, "GET", "/campaigns/"+*got.LastCampaignID, ""))
	require.Equal(t, run.RecipientCount, child.RecipientCount)
	require.Equal(t, run.SentCount, child.SentCount)

	empty := decode[core.Campaign](t, e.do(t, "POST", "/campaigns", `{"template":"Hi"}`))
	w = e.do(t, "POST", "/schedules", `{"campaign_id":"`+empty.ID+`","at":"`+at+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, "POST", "/campaigns/dispatch", `{"campaign_id":"`+empty.ID+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncImportsTransportLog(t *testing.T) {
	e := startAPI(t)
	e.sim.Inject(provider.Entry{ExternalID: "in-1", Destination: "+12015550123", Body: "hello back",
		Timestamp: time.Now().UTC(), Direction: core.DirectionInbound})

	w := e.do(t, "POST", "/sync?mode=full", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[reconcile.Result](t, w)
	require.Equal(t, 1, res.Inserted)

	require.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/sync?mode=sideways", "").Code)

	msgs := decode[page[core.Message]](t, e.do(t, "GET", "/messages?status=received", ""))
	require.Len(t, msgs.Items, 1)
}

func TestHealthMetricsAndDocs(t *testing.T) {
	e := startAPI(t)

	require.Equal(t, http.StatusOK, e.do(t, "GET", "/healthz", "").Code)
	w := e.do(t, "GET", "/readyz", "")
	require.Equal(t, http.StatusOK, w.Code)
	ready := decode[map[string]any](t, w)
	require.Equal(t, "ready", ready["status"])
	require.Equal(t, "ok", ready["ledger"])
	require.Contains(t, ready, "retry")

	w = e.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "http_requests_total")

	w = e.do(t, "GET", "/openapi.yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "/campaigns/dispatch")
}

type unreachableLedger struct{ *core.MemStore }

func (unreachableLedger) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyzReportsLedgerOutage(t *testing.T) {
	srv := httpapi.NewServer(unreachableLedger{core.NewMemStore()}, nil, nil, nil, phone.New("US"), zerolog.Nop())
	t.Cleanup(srv.Shutdown)

	w := httptest.NewRecorder()
	srv.HealthRouter().ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	ready := decode[map[string]any](t, w)
	require.Equal(t, "not_ready", ready["status"])
	require.Equal(t, "connection refused", ready["ledger"])
}
