package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	database "github.com/Cypherspark/smsync/internal/db"
)

// Store is the Postgres ledger.
type Store struct{ DB *database.DB }

var _ Ledger = (*Store)(nil)

const messageColumns = `id, external_id, destination, body, campaign_id, direction, origin, read, attachment_count,
	status, created_at, sent_at, delivered_at, retry_count, next_retry_at, last_error_code, last_error`

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Pool.Ping(ctx) }

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var direction, origin, status string
	err := row.Scan(&m.ID, &m.ExternalID, &m.Destination, &m.Body, &m.CampaignID, &direction, &origin,
		&m.Read, &m.AttachmentCount, &status, &m.CreatedAt, &m.SentAt, &m.DeliveredAt, &m.RetryCount,
		&m.NextRetryAt, &m.LastErrorCode, &m.LastError)
	m.Direction = Direction(direction)
	m.Origin = Origin(origin)
	m.Status = MessageStatus(status)
	return m, err
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.DB.Pool.QueryRow(ctx, `
		INSERT INTO messages(external_id, destination, body, campaign_id, direction, origin, read, attachment_count,
			status, created_at, sent_at, delivered_at, retry_count, next_retry_at, last_error_code, last_error)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id
	`, m.ExternalID, m.Destination, m.Body, m.CampaignID, string(m.Direction), string(m.Origin), m.Read,
		m.AttachmentCount, string(m.Status), m.CreatedAt, m.SentAt, m.DeliveredAt, m.RetryCount, m.NextRetryAt,
		m.LastErrorCode, m.LastError).Scan(&m.ID)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UpdateMessage rewrites every mutable column of m. retry_count never decreases.
func (s *Store) UpdateMessage(ctx context.Context, m *Message) error {
	return updateMessage(ctx, s.DB.Pool, m)
}

func updateMessage(ctx context.Context, db execer, m *Message) error {
	tag, err := db.Exec(ctx, `
		UPDATE messages SET external_id=$2, destination=$3, body=$4, campaign_id=$5, direction=$6, read=$7,
			attachment_count=$8, status=$9, sent_at=$10, delivered_at=$11, retry_count=GREATEST(retry_count, $12),
			next_retry_at=$13, last_error_code=$14, last_error=$15
		WHERE id=$1
	`, m.ID, m.ExternalID, m.Destination, m.Body, m.CampaignID, string(m.Direction), m.Read, m.AttachmentCount,
		string(m.Status), m.SentAt, m.DeliveredAt, m.RetryCount, m.NextRetryAt, m.LastErrorCode, m.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, bool, error) {
	m, err := scanMessage(s.DB.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*Message, bool, error) {
	m, err := scanMessage(s.DB.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_id=$1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

func (s *Store) FindUnsynced(ctx context.Context, q CandidateQuery) ([]Message, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE external_id IS NULL AND direction = ANY($1) AND created_at BETWEEN $2 AND $3
		  AND (destination = ANY($4) OR ($5 <> '' AND right(destination, length($5)) = $5))
		ORDER BY created_at, id
	`, directionStrings(q.Directions), q.From, q.To, q.Destinations, q.TailDigits)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func directionStrings(ds []Direction) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}

func (s *Store) MergeMessages(ctx context.Context, keep *Message, dropID int64) error {
	if !keep.Synced() {
		return fmt.Errorf("merge into %d: %w", keep.ID, ErrInvalidStatus)
	}
	return s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		// the dropped row holds the external id; delete it first
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id=$1`, dropID); err != nil {
			return fmt.Errorf("drop duplicate %d: %w", dropID, err)
		}
		if err := updateMessage(ctx, tx, keep); err != nil {
			return fmt.Errorf("attach %s to %d: %w", *keep.ExternalID, keep.ID, err)
		}
		return nil
	})
}

func (s *Store) LatestSyncedAt(ctx context.Context) (time.Time, bool, error) {
	var at *time.Time
	if err := s.DB.Pool.QueryRow(ctx, `SELECT max(created_at) FROM messages WHERE external_id IS NOT NULL`).Scan(&at); err != nil {
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

// ListMessages basic listing for reports.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE true`
	var args []any
	idx := 1
	add := func(clause string, v any) {
		q += fmt.Sprintf(clause, idx)
		args = append(args, v)
		idx++
	}
	if f.CampaignID != "" {
		add(" AND campaign_id=$%d", f.CampaignID)
	}
	if f.Status != "" {
		add(" AND status=$%d", string(f.Status))
	}
	if f.Destination != "" {
		add(" AND destination=$%d", f.Destination)
	}
	if f.From != nil {
		add(" AND created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add(" AND created_at < $%d", *f.To)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.DB.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ClaimRetryEligible uses SKIP LOCKED so concurrent workers never claim the same row.
func (s *Store) ClaimRetryEligible(ctx context.Context, maxRetries int, now time.Time, lease time.Duration, limit int) ([]Message, error) {
	var out []Message
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH due AS (
				SELECT id FROM messages
				WHERE status='failed' AND retry_count < $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
				ORDER BY next_retry_at
				LIMIT $3 FOR UPDATE SKIP LOCKED
			)
			UPDATE messages m SET next_retry_at = $4
			FROM due WHERE m.id = due.id
			RETURNING `+prefixed("m.", messageColumns), maxRetries, now, limit, now.Add(lease))
		if err != nil {
			return err
		}
		out, err = collectMessages(rows)
		return err
	})
	return out, err
}

func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	_, err = s.DB.Pool.Exec(ctx, `
		INSERT INTO campaigns(id, name, status, parent_id, template, recipients, recipient_count,
			sent_count, failed_count, skipped_count, last_error, created_at, started_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, c.ID, c.Name, string(c.Status), c.ParentID, c.Template, recipients, c.RecipientCount,
		c.SentCount, c.FailedCount, c.SkippedCount, c.LastError, c.CreatedAt, c.StartedAt, c.CompletedAt)
	return err
}

const campaignColumns = `id, name, status, parent_id, template, recipients, recipient_count, sent_count,
	failed_count, skipped_count, last_error, created_at, started_at, completed_at`

func scanCampaign(row pgx.Row) (Campaign, error) {
	var c Campaign
	var status string
	var recipients []byte
	err := row.Scan(&c.ID, &c.Name, &status, &c.ParentID, &c.Template, &recipients, &c.RecipientCount,
		&c.SentCount, &c.FailedCount, &c.SkippedCount, &c.LastError, &c.CreatedAt, &c.StartedAt, &c.CompletedAt)
	if err != nil {
		return c, err
	}
	c.Status = CampaignStatus(status)
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
			return c, fmt.Errorf("decode recipients: %w", err)
		}
	}
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, bool, error) {
	c, err := scanCampaign(s.DB.Pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *Store) UpdateCampaignCounters(ctx context.Context, id string, c Counters) error {
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE campaigns SET sent_count=$2, failed_count=$3, skipped_count=$4 WHERE id=$1
	`, id, c.Sent, c.Failed, c.Skipped)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FinishCampaign(ctx context.Context, id string, status CampaignStatus, c Counters, at time.Time, lastErr *string) error {
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE campaigns SET status=$2, sent_count=$3, failed_count=$4, skipped_count=$5, completed_at=$6, last_error=$7
		WHERE id=$1
	`, id, string(status), c.Sent, c.Failed, c.Skipped, at, lastErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const executionColumns = `id, campaign_id, scheduled_time, timezone, recurring, pattern, interval_count, max_occurrences,
	next_execution_time, occurrence_count, status, last_error, last_campaign_id, last_run_at, created_at, updated_at`

func scanExecution(row pgx.Row) (ScheduledExecution, error) {
	var e ScheduledExecution
	var pattern, status string
	err := row.Scan(&e.ID, &e.CampaignID, &e.ScheduledTime, &e.Timezone, &e.Recurring, &pattern, &e.Interval,
		&e.MaxOccurrences, &e.NextExecutionTime, &e.OccurrenceCount, &status, &e.LastError, &e.LastCampaignID,
		&e.LastRunAt, &e.CreatedAt, &e.UpdatedAt)
	e.Pattern = RecurrencePattern(pattern)
	e.Status = ExecutionStatus(status)
	return e, err
}

func collectExecutions(rows pgx.Rows) ([]ScheduledExecution, error) {
	defer rows.Close()
	var out []ScheduledExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateExecution(ctx context.Context, e *ScheduledExecution) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := s.DB.Pool.Exec(ctx, `
		INSERT INTO scheduled_executions(id, campaign_id, scheduled_time, timezone, recurring, pattern, interval_count,
			max_occurrences, next_execution_time, occurrence_count, status, last_error, last_campaign_id, last_run_at,
			created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, e.ID, e.CampaignID, e.ScheduledTime, e.Timezone, e.Recurring, string(e.Pattern), e.Interval, e.MaxOccurrences,
		e.NextExecutionTime, e.OccurrenceCount, string(e.Status), e.LastError, e.LastCampaignID, e.LastRunAt,
		e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *Store) GetExecution(ctx context.Context, id string) (*ScheduledExecution, bool, error) {
	e, err := scanExecution(s.DB.Pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM scheduled_executions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (s *Store) TransitionExecution(ctx context.Context, id string, from []ExecutionStatus, to ExecutionStatus, at time.Time) (bool, error) {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE scheduled_executions SET status=$2, updated_at=$3 WHERE id=$1 AND status = ANY($4)
	`, id, string(to), at, fromStr)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SaveExecution(ctx context.Context, e *ScheduledExecution) error {
	e.UpdatedAt = time.Now().UTC()
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE scheduled_executions SET next_execution_time=$2, occurrence_count=$3, status=$4, last_error=$5,
			last_campaign_id=$6, last_run_at=$7, updated_at=$8
		WHERE id=$1
	`, e.ID, e.NextExecutionTime, e.OccurrenceCount, string(e.Status), e.LastError, e.LastCampaignID, e.LastRunAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]ScheduledExecution, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT `+executionColumns+` FROM scheduled_executions
		WHERE status=$1 AND next_execution_time <= $2
		ORDER BY next_execution_time LIMIT $3
	`, string(ExecutionPending), now, limit)
	if err != nil {
		return nil, err
	}
	return collectExecutions(rows)
}

func (s *Store) ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]ScheduledExecution, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT `+executionColumns+` FROM scheduled_executions WHERE status=$1 ORDER BY next_execution_time
	`, string(status))
	if err != nil {
		return nil, err
	}
	return collectExecutions(rows)
}

func (s *Store) AddOptOut(ctx context.Context, destination, reason string) error {
	_, err := s.DB.Pool.Exec(ctx, `
		INSERT INTO opt_outs(destination, reason) VALUES($1,$2)
		ON CONFLICT (destination) DO UPDATE SET reason = EXCLUDED.reason
	`, destination, reason)
	return err
}

func (s *Store) IsOptedOut(ctx context.Context, destination string) (bool, error) {
	var exists bool
	err := s.DB.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM opt_outs WHERE destination=$1)`, destination).Scan(&exists)
	return exists, err
}
