package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/dispatch"
	"github.com/Cypherspark/smsync/internal/phone"
	"github.com/Cypherspark/smsync/internal/reconcile"
	"github.com/Cypherspark/smsync/internal/scheduler"
)

type Server struct {
	Ledger     core.Ledger
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Reconciler *reconcile.Engine
	Phones     *phone.Normalizer
	Log        zerolog.Logger

	// runs parents background dispatches; Shutdown cancels it.
	runs   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(ledger core.Ledger, d *dispatch.Dispatcher, s *scheduler.Scheduler, rec *reconcile.Engine, phones *phone.Normalizer, log zerolog.Logger) *Server {
	runs, cancel := context.WithCancel(context.Background())
	return &Server{
		Ledger:     ledger,
		Dispatcher: d,
		Scheduler:  s,
		Reconciler: rec,
		Phones:     phones,
		Log:        log.With().Str("component", "http").Logger(),
		runs:       runs,
		cancel:     cancel,
	}
}

// Shutdown interrupts background dispatches and waits for them to record their state.
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Post("/campaigns", s.createDraft)
	r.Get("/campaigns", s.listCampaigns)
	r.Post("/campaigns/dispatch", s.dispatch)
	r.Get("/campaigns/{id}", s.getCampaign)
	r.Get("/campaigns/{id}/messages", s.campaignMessages)

	r.Post("/schedules", s.createSchedule)
	r.Get("/schedules/{id}", s.getSchedule)
	r.Delete("/schedules/{id}", s.cancelSchedule)

	r.Post("/sync", s.sync)
	r.Post("/opt-outs", s.addOptOut)

	r.Get("/messages", s.listMessages)
	r.Get("/messages/{id}", s.getMessage)
	return r
}

// HealthRouter serves probes and metrics on the side port.
func (s *Server) HealthRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.mountHealth(r)
	s.mountMetrics(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

type campaignIn struct {
	Name       string           `json:"name"`
	Template   string           `json:"template"`
	Recipients []core.Recipient `json:"recipients"`
	Purpose    string           `json:"purpose"`
	CampaignID string           `json:"campaign_id"`
}

func (s *Server) createDraft(w http.ResponseWriter, r *http.Request) {
	var in campaignIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if strings.TrimSpace(in.Template) == "" {
		writeError(w, http.StatusBadRequest, "empty_template")
		return
	}
	c := &core.Campaign{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Status:         core.CampaignDraft,
		Template:       in.Template,
		Recipients:     in.Recipients,
		RecipientCount: len(in.Recipients),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.Ledger.CreateCampaign(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// dispatch starts a run for inline recipients or for a stored draft. With ?wait=true the
// response carries the finished campaign; otherwise it returns 202 with the Active record.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var in campaignIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	req := dispatch.Request{Label: in.Name, Template: in.Template, Recipients: in.Recipients, Purpose: in.Purpose}
	if in.CampaignID != "" {
		var err error
		req, err = s.Dispatcher.RequestFor(r.Context(), in.CampaignID)
		if errors.Is(err, core.ErrCampaignMissing) {
			writeError(w, http.StatusNotFound, "campaign_not_found")
			return
		}
		if errors.Is(err, dispatch.ErrNoRecipients) {
			writeError(w, http.StatusBadRequest, "no_recipients")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		req.Purpose = in.Purpose
	}

	c, err := s.Dispatcher.Prepare(r.Context(), req)
	if errors.Is(err, dispatch.ErrEmptyTemplate) {
		writeError(w, http.StatusBadRequest, "empty_template")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		done, err := s.Dispatcher.Run(r.Context(), c, req, nil)
		var batch *dispatch.BatchError
		switch {
		case errors.As(err, &batch):
			writeJSON(w, http.StatusConflict, map[string]any{"campaign": done, "error": batch.Error()})
		case err != nil:
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"campaign": done, "error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, done)
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Dispatcher.Run(s.runs, c, req, nil); err != nil {
			s.Log.Warn().Err(err).Str("campaign_id", c.ID).Msg("background dispatch ended early")
		}
	}()
	writeJSON(w, http.StatusAccepted, c)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	items, err := s.Ledger.ListCampaigns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok, err := s.Ledger.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "campaign_not_found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) campaignMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	f := core.MessageFilter{CampaignID: chi.URLParam(r, "id"), Limit: limit, Offset: offset}
	items, err := s.Ledger.ListMessages(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

type scheduleIn struct {
	CampaignID string `json:"campaign_id"`
	// At is RFC3339, or a local wall time ("2006-01-02T15:04:05") read in Timezone.
	At         string `json:"at"`
	Timezone   string `json:"timezone"`
	Recurrence *struct {
		Pattern        core.RecurrencePattern `json:"pattern"`
		Interval       int                    `json:"interval"`
		MaxOccurrences *int                   `json:"max_occurrences"`
	} `json:"recurrence"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.CampaignID == "" || in.At == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_timezone")
		return
	}
	at, err := time.Parse(time.RFC3339, in.At)
	if err != nil {
		at, err = time.ParseInLocation("2006-01-02T15:04:05", in.At, loc)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_time")
		return
	}

	var e *core.ScheduledExecution
	if in.Recurrence != nil {
		e, err = s.Scheduler.ScheduleRecurring(r.Context(), in.CampaignID, at, tz, scheduler.Recurrence{
			Pattern:        in.Recurrence.Pattern,
			Interval:       in.Recurrence.Interval,
			MaxOccurrences: in.Recurrence.MaxOccurrences,
		})
	} else {
		e, err = s.Scheduler.Schedule(r.Context(), in.CampaignID, at, tz)
	}
	switch {
	case errors.Is(err, core.ErrCampaignMissing):
		writeError(w, http.StatusNotFound, "campaign_not_found")
	case errors.Is(err, scheduler.ErrInvalidSchedule):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_schedule", "detail": err.Error()})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, e)
	}
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	e, ok, err := s.Ledger.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "schedule_not_found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	err := s.Scheduler.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, "schedule_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	mode, err := reconcile.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_mode")
		return
	}
	res, err := s.Reconciler.Sync(r.Context(), mode)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"result": res, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) addOptOut(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Destination string `json:"destination"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.Destination) == "" {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	dest := s.Phones.Canonical(in.Destination)
	if err := s.Ledger.AddOptOut(r.Context(), dest, in.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"destination": dest})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.MessageFilter{
		CampaignID: q.Get("campaign_id"),
		Status:     core.MessageStatus(q.Get("status")),
	}
	if v := q.Get("destination"); v != "" {
		f.Destination = s.Phones.Canonical(v)
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}
	f.Limit, f.Offset = paging(r)

	items, err := s.Ledger.ListMessages(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	m, ok, err := s.Ledger.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "message_not_found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func paging(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
