// Package dlr consumes delivery reports from RabbitMQ and applies them to the ledger.
package dlr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/smsync/internal/core"
	"github.com/Cypherspark/smsync/internal/metrics"
)

var ErrClosed = errors.New("delivery channel closed")

// Report is the wire form of one delivery report.
type Report struct {
	ExternalID string    `json:"external_id"`
	Status     string    `json:"status"` // delivered | failed
	ErrorCode  string    `json:"error_code,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Decision int

const (
	Ack     Decision = iota
	Requeue          // ledger trouble, try again later
	Drop             // malformed, never deliverable
)

type Handler struct {
	ledger core.MessageLedger
	log    zerolog.Logger
	now    func() time.Time
}

func NewHandler(ledger core.MessageLedger, log zerolog.Logger) *Handler {
	return &Handler{ledger: ledger, log: log.With().Str("component", "dlr").Logger(), now: time.Now}
}

func (h *Handler) Handle(ctx context.Context, body []byte) Decision {
	var r Report
	if err := json.Unmarshal(body, &r); err != nil {
		h.log.Warn().Err(err).Msg("undecodable delivery report")
		metrics.DeliveryReports.WithLabelValues("invalid").Inc()
		return Drop
	}
	u, err := r.update(h.now)
	if err != nil {
		h.log.Warn().Err(err).Str("external_id", r.ExternalID).Msg("invalid delivery report")
		metrics.DeliveryReports.WithLabelValues("invalid").Inc()
		return Drop
	}

	known, err := core.ApplyDelivery(ctx, h.ledger, u)
	if err != nil {
		h.log.Error().Err(err).Str("external_id", u.ExternalID).Msg("apply delivery report")
		metrics.DeliveryReports.WithLabelValues("error").Inc()
		return Requeue
	}
	if !known {
		// the record may not be reconciled yet; the next sync picks up delivery from the log
		h.log.Info().Str("external_id", u.ExternalID).Msg("delivery report for unknown message")
		metrics.DeliveryReports.WithLabelValues("unknown").Inc()
		return Ack
	}
	metrics.DeliveryReports.WithLabelValues("applied").Inc()
	return Ack
}

func (r Report) update(now func() time.Time) (core.DeliveryUpdate, error) {
	u := core.DeliveryUpdate{ExternalID: strings.TrimSpace(r.ExternalID), ErrorCode: r.ErrorCode, At: r.Timestamp.UTC()}
	if u.ExternalID == "" {
		return u, errors.New("missing external_id")
	}
	switch strings.ToLower(r.Status) {
	case "delivered":
		u.Delivered = true
	case "failed", "undelivered", "rejected", "expired":
		if u.ErrorCode == "" {
			u.ErrorCode = strings.ToLower(r.Status)
		}
	default:
		return u, fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Timestamp.IsZero() {
		u.At = now().UTC()
	}
	return u, nil
}

type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	cfg     Config
	handler *Handler
	log     zerolog.Logger
}

// Dial connects, declares the durable report queue and applies the prefetch limit.
func Dial(cfg Config, handler *Handler, log zerolog.Logger) (*Consumer, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, errors.New("dlr: url and queue are required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, cfg: cfg, handler: handler, log: log.With().Str("queue", cfg.Queue).Logger()}, nil
}

// Run consumes until ctx is done (nil) or the broker closes the channel (ErrClosed).
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.log.Info().Int("prefetch", c.cfg.Prefetch).Msg("delivery report consumer started")
	defer c.log.Info().Msg("delivery report consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrClosed
			}
			var ackErr error
			switch c.handler.Handle(ctx, d.Body) {
			case Ack:
				ackErr = d.Ack(false)
			case Requeue:
				ackErr = d.Nack(false, true)
			default:
				ackErr = d.Nack(false, false)
			}
			if ackErr != nil {
				c.log.Error().Err(ackErr).Msg("acknowledge delivery")
			}
		}
	}
}

// Publish sends r to the queue as a persistent JSON message.
func (c *Consumer) Publish(ctx context.Context, r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return c.ch.PublishWithContext(ctx, "", c.cfg.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
