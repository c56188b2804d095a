package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type HTTPOptions struct {
	BaseURL string
	Token   string
	QPS     float64 // sustained submit rate across all carriers
	Burst   int
	Timeout time.Duration
}

// HTTPTransport talks to a transport gateway over JSON/HTTP.
type HTTPTransport struct {
	base    string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPTransport(opt HTTPOptions) *HTTPTransport {
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opt.QPS > 0 {
		limit = rate.Limit(opt.QPS)
	}
	if opt.Burst <= 0 {
		opt.Burst = 1
	}
	return &HTTPTransport{
		base:    strings.TrimRight(opt.BaseURL, "/"),
		token:   opt.Token,
		client:  &http.Client{Timeout: opt.Timeout},
		limiter: rate.NewLimiter(limit, opt.Burst),
	}
}

type submitRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (t *HTTPTransport) Submit(ctx context.Context, to, body string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	payload, err := json.Marshal(submitRequest{To: to, Body: body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out submitResponse
	if err := t.do(req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (t *HTTPTransport) ListEntries(ctx context.Context, since *time.Time) ([]Entry, error) {
	u := t.base + "/messages"
	if since != nil {
		u += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Entries []Entry `json:"entries"`
	}
	if err := t.do(req, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (t *HTTPTransport) do(req *http.Request, into any) error {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return Errorf(Transient, "network", "%v", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return Errorf(Transient, "network", "read body: %v", err)
	}
	if res.StatusCode >= 300 {
		return classifyStatus(res.StatusCode, raw)
	}
	if into == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode transport response: %w", err)
	}
	return nil
}

func classifyStatus(status int, raw []byte) *Error {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)
	code := body.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: code, Kind: Permission, Message: msg}
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &Error{Code: code, Kind: Transient, Message: msg}
	default:
		return &Error{Code: code, Kind: Permanent, Message: msg}
	}
}
