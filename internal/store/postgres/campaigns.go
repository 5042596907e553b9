package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const campaignColumns = `
	campaign_id, tenant_id, name, status, template_id, message_body, sender_id,
	total_targeted, total_sent, total_delivered, total_failed, total_skipped,
	batch_size, inter_batch_delay_ms, max_concurrency,
	scheduled_at, started_at, paused_at, completed_at, last_error, created_at, updated_at`

func scanCampaign(row pgx.Row) (models.Campaign, error) {
	var c models.Campaign
	var delayMS int64
	var scheduledAt, startedAt, pausedAt, completedAt sql.NullTime
	err := row.Scan(&c.CampaignID, &c.TenantID, &c.Name, &c.Status, &c.TemplateID, &c.MessageBody, &c.SenderID,
		&c.TotalTargeted, &c.TotalSent, &c.TotalDelivered, &c.TotalFailed, &c.TotalSkipped,
		&c.BatchSize, &delayMS, &c.MaxConcurrency,
		&scheduledAt, &startedAt, &pausedAt, &completedAt, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Campaign{}, err
	}
	c.InterBatchDelay = time.Duration(delayMS) * time.Millisecond
	c.ScheduledAt = nullTimePtr(scheduledAt)
	c.StartedAt = nullTimePtr(startedAt)
	c.PausedAt = nullTimePtr(pausedAt)
	c.CompletedAt = nullTimePtr(completedAt)
	return c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, input store.CreateCampaignInput) (c models.Campaign, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Campaign{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	campaignID := input.CampaignID
	if campaignID == "" {
		campaignID = uuid.NewString()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := input.Status
	if status == "" {
		status = models.CampaignRunning
	}
	var startedAt interface{}
	if status == models.CampaignRunning {
		startedAt = createdAt
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO campaigns (
			campaign_id, tenant_id, name, status, template_id, message_body, sender_id,
			total_targeted, batch_size, inter_batch_delay_ms, max_concurrency,
			scheduled_at, started_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
		RETURNING `+campaignColumns,
		campaignID, input.TenantID, input.Name, status, input.TemplateID, input.MessageBody, input.SenderID,
		len(input.Recipients), input.BatchSize, input.InterBatchDelay.Milliseconds(), input.MaxConcurrency,
		input.ScheduledAt, startedAt, createdAt)
	c, err = scanCampaign(row)
	if err != nil {
		return models.Campaign{}, err
	}

	rows := make([][]interface{}, 0, len(input.Recipients))
	for i, recipient := range input.Recipients {
		variables := recipient.Variables
		if variables == nil {
			variables = map[string]string{}
		}
		variablesJSON, err := json.Marshal(variables)
		if err != nil {
			return models.Campaign{}, err
		}
		rows = append(rows, []interface{}{campaignID, i, recipient.Phone, recipient.Name, variablesJSON, models.AttemptPending})
	}
	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"campaign_recipients"},
			[]string{"campaign_id", "position", "phone", "name", "variables", "status"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return models.Campaign{}, err
		}
	}

	if err = insertOutboxEvent(ctx, tx, input.TenantID, store.CampaignEventType("create"), campaignPayload(c), createdAt); err != nil {
		return models.Campaign{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Campaign{}, err
	}
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, campaignID string) (models.Campaign, error) {
	c, err := scanCampaign(s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE campaign_id = $1`, campaignID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Campaign{}, store.ErrCampaignNotFound
		}
		return models.Campaign{}, err
	}
	return c, nil
}

func (s *Store) TransitionCampaign(ctx context.Context, input store.CampaignTransitionInput) (c models.Campaign, err error) {
	fromStatuses := store.CampaignFromStatuses(input.Action)
	toStatus := store.CampaignTarget(input.Action)
	if len(fromStatuses) == 0 || toStatus == "" {
		return models.Campaign{}, fmt.Errorf("%w: unknown action %s", store.ErrInvalidTransition, input.Action)
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var stamp string
	switch input.Action {
	case "launch":
		stamp = "started_at = COALESCE(started_at, $2)"
	case "pause":
		stamp = "paused_at = $2"
	case "resume":
		stamp = "paused_at = NULL"
	default:
		stamp = "completed_at = $2"
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Campaign{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE campaigns
		SET status = $1, updated_at = $2, `+stamp+`,
			last_error = CASE WHEN $3::text = '' THEN last_error ELSE $3::text END
		WHERE campaign_id = $4 AND status = ANY($5::text[])
		RETURNING `+campaignColumns,
		toStatus, occurredAt, input.LastError, input.CampaignID, fromStatuses)
	c, err = scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var current string
			loadErr := tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE campaign_id = $1`, input.CampaignID).Scan(&current)
			if errors.Is(loadErr, pgx.ErrNoRows) {
				return models.Campaign{}, store.ErrCampaignNotFound
			}
			if loadErr != nil {
				return models.Campaign{}, loadErr
			}
			return models.Campaign{}, store.InvalidTransition(input.Action, current)
		}
		return models.Campaign{}, err
	}

	if err = insertOutboxEvent(ctx, tx, c.TenantID, store.CampaignEventType(input.Action), campaignPayload(c), occurredAt); err != nil {
		return models.Campaign{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Campaign{}, err
	}
	return c, nil
}

func (s *Store) ListCampaignsByStatus(ctx context.Context, status string, limit int) ([]models.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectCampaigns(rows)
}

func (s *Store) ListDueDrafts(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`, models.CampaignDraft, now, limit)
	if err != nil {
		return nil, err
	}
	return collectCampaigns(rows)
}

func collectCampaigns(rows pgx.Rows) ([]models.Campaign, error) {
	defer rows.Close()
	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return campaigns, nil
}

// ClaimBatch moves the next PENDING recipients, by position, to SENDING.
func (s *Store) ClaimBatch(ctx context.Context, campaignID string, limit int) ([]models.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		WITH next AS (
			SELECT position
			FROM campaign_recipients
			WHERE campaign_id = $1 AND status = $3
			ORDER BY position ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE campaign_recipients cr
		SET status = $4
		FROM next, campaigns c
		WHERE cr.campaign_id = $1 AND cr.position = next.position AND c.campaign_id = cr.campaign_id
		RETURNING cr.campaign_id, c.tenant_id, cr.position, cr.phone, cr.name, cr.variables, cr.status
	`, campaignID, limit, models.AttemptPending, models.AttemptSending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var variablesJSON []byte
		if err := rows.Scan(&a.CampaignID, &a.TenantID, &a.Position, &a.Phone, &a.Name, &variablesJSON, &a.Status); err != nil {
			return nil, err
		}
		if len(variablesJSON) > 0 {
			if err := json.Unmarshal(variablesJSON, &a.Variables); err != nil {
				return nil, err
			}
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Position < attempts[j].Position })
	return attempts, nil
}

func (s *Store) RecordSkip(ctx context.Context, campaignID string, position int, reason string) error {
	var n int
	err := s.pool.QueryRow(ctx, `
		WITH a AS (
			UPDATE campaign_recipients
			SET status = $3, error = $4
			WHERE campaign_id = $1 AND position = $2 AND status = $5
			RETURNING 1
		), c AS (
			UPDATE campaigns
			SET total_skipped = total_skipped + (SELECT count(*) FROM a), updated_at = now()
			WHERE campaign_id = $1
		)
		SELECT count(*) FROM a
	`, campaignID, position, models.AttemptSkipped, reason, models.AttemptSending).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAttemptNotFound
	}
	return nil
}

// RecordAttempt stores a gateway outcome and bumps the campaign counters in
// one statement. Failed sends count towards both total_sent and total_failed.
func (s *Store) RecordAttempt(ctx context.Context, result store.AttemptResult) error {
	attemptedAt := result.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = time.Now().UTC()
	}
	status := models.AttemptSent
	failed := 0
	var failedAt interface{}
	if result.Error != "" {
		status = models.AttemptFailed
		failed = 1
		failedAt = attemptedAt
	}

	var n int
	err := s.pool.QueryRow(ctx, `
		WITH a AS (
			UPDATE campaign_recipients
			SET status = $3, message_id = $4, error = $5, attempted_at = $6, failed_at = $7::timestamptz
			WHERE campaign_id = $1 AND position = $2 AND status = $8
			RETURNING 1
		), c AS (
			UPDATE campaigns
			SET total_sent = total_sent + (SELECT count(*) FROM a),
				total_failed = total_failed + $9::bigint * (SELECT count(*) FROM a),
				updated_at = $6
			WHERE campaign_id = $1
		)
		SELECT count(*) FROM a
	`, result.CampaignID, result.Position, status, nullIfEmpty(result.MessageID), result.Error, attemptedAt, failedAt, models.AttemptSending, failed).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAttemptNotFound
	}
	return nil
}

func (s *Store) FailStranded(ctx context.Context, campaignID, reason string, at time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		WITH a AS (
			UPDATE campaign_recipients
			SET status = $2, error = $3, attempted_at = COALESCE(attempted_at, $4), failed_at = $4
			WHERE campaign_id = $1 AND status = $5
			RETURNING 1
		), c AS (
			UPDATE campaigns
			SET total_sent = total_sent + (SELECT count(*) FROM a),
				total_failed = total_failed + (SELECT count(*) FROM a),
				updated_at = $4
			WHERE campaign_id = $1
		)
		SELECT count(*) FROM a
	`, campaignID, models.AttemptFailed, reason, at, models.AttemptSending).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ApplyDeliveryStatus moves a SENT attempt to DELIVERED or FAILED. Any other
// current status leaves the row and counters untouched.
func (s *Store) ApplyDeliveryStatus(ctx context.Context, update store.DeliveryUpdate) (models.Attempt, bool, error) {
	if update.Status != models.AttemptDelivered && update.Status != models.AttemptFailed {
		return models.Attempt{}, false, fmt.Errorf("unsupported delivery status %q", update.Status)
	}
	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	var deliveredAt, failedAt interface{}
	if update.Status == models.AttemptDelivered {
		deliveredAt = occurredAt
	} else {
		failedAt = occurredAt
	}

	row := s.pool.QueryRow(ctx, `
		WITH a AS (
			UPDATE campaign_recipients
			SET status = $2,
				delivered_at = COALESCE($3::timestamptz, delivered_at),
				failed_at = COALESCE($4::timestamptz, failed_at),
				error = CASE WHEN $5::text = '' THEN error ELSE $5::text END
			WHERE message_id = $1 AND status = $6
			RETURNING campaign_id, position, phone, name, status, message_id, error, attempted_at, delivered_at, failed_at
		), c AS (
			UPDATE campaigns
			SET total_delivered = total_delivered + CASE WHEN a.status = $7 THEN 1 ELSE 0 END,
				total_failed = total_failed + CASE WHEN a.status = $8 THEN 1 ELSE 0 END,
				updated_at = now()
			FROM a
			WHERE campaigns.campaign_id = a.campaign_id
		)
		SELECT a.campaign_id, camp.tenant_id, a.position, a.phone, a.name, a.status, a.message_id, a.error, a.attempted_at, a.delivered_at, a.failed_at
		FROM a
		JOIN campaigns camp ON camp.campaign_id = a.campaign_id
	`, update.MessageID, update.Status, deliveredAt, failedAt, update.Error, models.AttemptSent, models.AttemptDelivered, models.AttemptFailed)
	attempt, err := scanAttempt(row)
	if err == nil {
		return attempt, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Attempt{}, false, err
	}

	row = s.pool.QueryRow(ctx, `
		SELECT cr.campaign_id, c.tenant_id, cr.position, cr.phone, cr.name, cr.status, cr.message_id, cr.error, cr.attempted_at, cr.delivered_at, cr.failed_at
		FROM campaign_recipients cr
		JOIN campaigns c ON c.campaign_id = cr.campaign_id
		WHERE cr.message_id = $1
	`, update.MessageID)
	attempt, err = scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Attempt{}, false, store.ErrMessageNotFound
		}
		return models.Attempt{}, false, err
	}
	return attempt, false, nil
}

func scanAttempt(row pgx.Row) (models.Attempt, error) {
	var a models.Attempt
	var messageID sql.NullString
	var attemptedAt, deliveredAt, failedAt sql.NullTime
	if err := row.Scan(&a.CampaignID, &a.TenantID, &a.Position, &a.Phone, &a.Name, &a.Status, &messageID, &a.Error, &attemptedAt, &deliveredAt, &failedAt); err != nil {
		return models.Attempt{}, err
	}
	if messageID.Valid {
		a.MessageID = messageID.String
	}
	a.AttemptedAt = nullTimePtr(attemptedAt)
	a.DeliveredAt = nullTimePtr(deliveredAt)
	a.FailedAt = nullTimePtr(failedAt)
	return a, nil
}

func (s *Store) ListCustomers(ctx context.Context, tenantID string) ([]models.Customer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT customer_id, tenant_id, name, phone
		FROM customers
		WHERE tenant_id = $1
		ORDER BY created_at ASC, customer_id ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []models.Customer
	for rows.Next() {
		var customer models.Customer
		if err := rows.Scan(&customer.CustomerID, &customer.TenantID, &customer.Name, &customer.Phone); err != nil {
			return nil, err
		}
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) Suppressed(ctx context.Context, tenantID string, phones []string) (map[string]string, error) {
	result := make(map[string]string)
	if len(phones) == 0 {
		return result, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT phone, reason
		FROM messaging_suppressions
		WHERE tenant_id = $1 AND phone = ANY($2::text[])
	`, tenantID, phones)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var phone, reason string
		if err := rows.Scan(&phone, &reason); err != nil {
			return nil, err
		}
		result[phone] = reason
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AddSuppression(ctx context.Context, suppression models.Suppression) error {
	createdAt := suppression.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messaging_suppressions (tenant_id, phone, reason, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, phone) DO NOTHING
	`, suppression.TenantID, suppression.Phone, suppression.Reason, createdAt)
	return err
}

func campaignPayload(c models.Campaign) map[string]interface{} {
	return map[string]interface{}{
		"campaign_id":     c.CampaignID,
		"tenant_id":       c.TenantID,
		"name":            c.Name,
		"status":          c.Status,
		"total_targeted":  c.TotalTargeted,
		"total_sent":      c.TotalSent,
		"total_delivered": c.TotalDelivered,
		"total_failed":    c.TotalFailed,
		"total_skipped":   c.TotalSkipped,
		"last_error":      c.LastError,
	}
}
