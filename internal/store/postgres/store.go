package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const reservationColumns = `
	r.reservation_id, r.tenant_id, COALESCE(r.request_id, ''), r.customer_name, r.customer_phone,
	r.reserved_at, r.guest_count, r.arrived_guests, r.status,
	COALESCE(q.qr_token, ''), COALESCE(q.scan_count, 0), q.last_scanned_at,
	r.created_at, r.updated_at`

const reservationJoin = ` LEFT JOIN reservation_qr_codes q ON q.reservation_id = r.reservation_id`

func scanReservation(row pgx.Row) (models.Reservation, error) {
	var res models.Reservation
	var lastScannedNull sql.NullTime
	err := row.Scan(&res.ReservationID, &res.TenantID, &res.RequestID, &res.CustomerName, &res.CustomerPhone,
		&res.ReservedAt, &res.GuestCount, &res.ArrivedGuests, &res.Status,
		&res.QRToken, &res.ScanCount, &lastScannedNull,
		&res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return models.Reservation{}, err
	}
	res.LastScannedAt = nullTimePtr(lastScannedNull)
	return res, nil
}

func (s *Store) CreateReservation(ctx context.Context, input store.CreateReservationInput) (res models.Reservation, created bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, err := findReservationByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return models.Reservation{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Reservation{}, false, err
			}
			return existing, false, nil
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	reservationID := uuid.NewString()

	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (
			reservation_id, tenant_id, request_id, customer_name, customer_phone,
			reserved_at, guest_count, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	`, reservationID, input.TenantID, nullIfEmpty(input.RequestID), input.CustomerName, input.CustomerPhone,
		input.ReservedAt, input.GuestCount, models.ReservationPending, createdAt)
	if err != nil {
		return models.Reservation{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reservation_qr_codes (qr_token, reservation_id, tenant_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, newQRToken(), reservationID, input.TenantID, createdAt)
	if err != nil {
		return models.Reservation{}, false, err
	}

	res, err = getReservation(ctx, tx, input.TenantID, reservationID, false)
	if err != nil {
		return models.Reservation{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, input.TenantID, store.EventReservationCreated, reservationPayload(res), createdAt); err != nil {
		return models.Reservation{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Reservation{}, false, err
	}
	return res, true, nil
}

func (s *Store) GetReservation(ctx context.Context, tenantID, reservationID string) (models.Reservation, error) {
	return getReservation(ctx, s.pool, tenantID, reservationID, false)
}

func (s *Store) ConfirmReservation(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.updateReservationStatus(ctx, input, "confirm", store.EventReservationConfirmed)
}

func (s *Store) CompleteReservation(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.updateReservationStatus(ctx, input, "complete", store.EventReservationCompleted)
}

func (s *Store) CancelReservation(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.updateReservationStatus(ctx, input, "cancel", store.EventReservationCancelled)
}

func (s *Store) updateReservationStatus(ctx context.Context, input store.ReservationActionInput, action, eventType string) (res models.Reservation, applied bool, err error) {
	fromStatuses := store.FromStatuses(action)
	toStatus := store.ReservationTarget(action)
	if len(fromStatuses) == 0 || toStatus == "" {
		return models.Reservation{}, false, store.ErrInvalidState
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, err := findActionRequest(ctx, tx, action, input.RequestID)
		if err != nil {
			return models.Reservation{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Reservation{}, false, err
			}
			return existing, false, nil
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		WITH r AS (
			UPDATE reservations
			SET status = $1, updated_at = $2
			WHERE reservation_id = $3 AND tenant_id = $4 AND status = ANY($5::text[])
			RETURNING *
		)
		SELECT `+reservationColumns+` FROM r`+reservationJoin,
		toStatus, occurredAt, input.ReservationID, input.TenantID, fromStatuses)
	res, err = scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_, exists, loadErr := loadReservationState(ctx, tx, input.ReservationID, input.TenantID)
			if loadErr != nil {
				return models.Reservation{}, false, loadErr
			}
			if !exists {
				return models.Reservation{}, false, store.ErrReservationNotFound
			}
			return models.Reservation{}, false, store.ErrInvalidState
		}
		return models.Reservation{}, false, err
	}

	if err = insertActionRequest(ctx, tx, action, input.RequestID, input.TenantID, res.ReservationID); err != nil {
		return models.Reservation{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, input.TenantID, eventType, reservationPayload(res), occurredAt); err != nil {
		return models.Reservation{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Reservation{}, false, err
	}
	return res, true, nil
}

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (result store.CheckInResult, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CheckInResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, err := findActionRequest(ctx, tx, "check_in", input.RequestID)
		if err != nil {
			return store.CheckInResult{}, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return store.CheckInResult{}, err
			}
			return store.CheckInResult{Reservation: existing, Excess: existing.Excess()}, nil
		}
	}

	scannedAt := input.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now().UTC()
	}

	var reservationID, status string
	var reservedAt time.Time
	row := tx.QueryRow(ctx, `
		SELECT r.reservation_id, r.status, r.reserved_at
		FROM reservation_qr_codes q
		JOIN reservations r ON r.reservation_id = q.reservation_id
		WHERE q.qr_token = $1 AND q.tenant_id = $2
		FOR UPDATE OF q, r
	`, input.QRToken, input.TenantID)
	if err = row.Scan(&reservationID, &status, &reservedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CheckInResult{}, commitRejectedScan(ctx, tx, input, "", "unknown token", scannedAt, store.ErrQRNotFound)
		}
		return store.CheckInResult{}, err
	}

	if windowErr := store.CheckQRWindow(reservedAt, scannedAt); windowErr != nil {
		return store.CheckInResult{}, commitRejectedScan(ctx, tx, input, reservationID, windowErr.Error(), scannedAt, windowErr)
	}

	switch {
	case status == models.ReservationCheckedIn:
		if err = insertScan(ctx, tx, input, reservationID, models.ScanReplay, "", scannedAt); err != nil {
			return store.CheckInResult{}, err
		}
		if err = insertActionRequest(ctx, tx, "check_in", input.RequestID, input.TenantID, reservationID); err != nil {
			return store.CheckInResult{}, err
		}
		res, err := getReservation(ctx, tx, input.TenantID, reservationID, false)
		if err != nil {
			return store.CheckInResult{}, err
		}
		if err = tx.Commit(ctx); err != nil {
			return store.CheckInResult{}, err
		}
		return store.CheckInResult{Reservation: res, Replayed: true, Excess: res.Excess()}, nil
	case !store.ValidTransition("check_in", status):
		return store.CheckInResult{}, commitRejectedScan(ctx, tx, input, reservationID, "status "+status, scannedAt, store.ErrInvalidState)
	}

	_, err = tx.Exec(ctx, `
		UPDATE reservations
		SET status = $1, arrived_guests = GREATEST(arrived_guests, 1), updated_at = $2
		WHERE reservation_id = $3
	`, models.ReservationCheckedIn, scannedAt, reservationID)
	if err != nil {
		return store.CheckInResult{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE reservation_qr_codes
		SET scan_count = scan_count + 1, last_scanned_at = $1
		WHERE qr_token = $2
	`, scannedAt, input.QRToken)
	if err != nil {
		return store.CheckInResult{}, err
	}
	if err = insertScan(ctx, tx, input, reservationID, models.ScanAccepted, "", scannedAt); err != nil {
		return store.CheckInResult{}, err
	}
	if err = insertActionRequest(ctx, tx, "check_in", input.RequestID, input.TenantID, reservationID); err != nil {
		return store.CheckInResult{}, err
	}

	res, err := getReservation(ctx, tx, input.TenantID, reservationID, false)
	if err != nil {
		return store.CheckInResult{}, err
	}
	if err = insertOutboxEvent(ctx, tx, input.TenantID, store.EventReservationCheckedIn, reservationPayload(res), scannedAt); err != nil {
		return store.CheckInResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.CheckInResult{}, err
	}
	return store.CheckInResult{Reservation: res, Excess: res.Excess()}, nil
}

func (s *Store) InspectQR(ctx context.Context, tenantID, qrToken string) (models.Reservation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservation_qr_codes q
		JOIN reservations r ON r.reservation_id = q.reservation_id
		WHERE q.qr_token = $1 AND q.tenant_id = $2
	`, qrToken, tenantID)
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, store.ErrQRNotFound
		}
		return models.Reservation{}, err
	}
	return res, nil
}

func (s *Store) AdmitGuests(ctx context.Context, input store.AdmitInput) (res models.Reservation, err error) {
	if input.Guests <= 0 {
		return models.Reservation{}, store.ErrInvalidState
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, err := findActionRequest(ctx, tx, "admit", input.RequestID)
		if err != nil {
			return models.Reservation{}, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Reservation{}, err
			}
			return existing, nil
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		WITH r AS (
			UPDATE reservations
			SET arrived_guests = arrived_guests + $1, updated_at = $2
			WHERE reservation_id = $3 AND tenant_id = $4 AND status = ANY($5::text[])
			RETURNING *
		)
		SELECT `+reservationColumns+` FROM r`+reservationJoin,
		input.Guests, occurredAt, input.ReservationID, input.TenantID, store.FromStatuses("admit"))
	res, err = scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_, exists, loadErr := loadReservationState(ctx, tx, input.ReservationID, input.TenantID)
			if loadErr != nil {
				return models.Reservation{}, loadErr
			}
			if !exists {
				return models.Reservation{}, store.ErrReservationNotFound
			}
			return models.Reservation{}, store.ErrInvalidState
		}
		return models.Reservation{}, err
	}

	if err = insertActionRequest(ctx, tx, "admit", input.RequestID, input.TenantID, res.ReservationID); err != nil {
		return models.Reservation{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Reservation{}, err
	}
	return res, nil
}

// MarkStaleNoShow closes every open reservation dated before its tenant's
// commercial-day boundary in a single statement. The outbox rows are written
// by the same statement.
func (s *Store) MarkStaleNoShow(ctx context.Context, input store.SweepInput) (int, error) {
	tenantIDs := make([]string, 0, len(input.Boundaries))
	boundaries := make([]time.Time, 0, len(input.Boundaries))
	for tenantID, boundary := range input.Boundaries {
		tenantIDs = append(tenantIDs, tenantID)
		boundaries = append(boundaries, boundary)
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var updated int
	row := s.pool.QueryRow(ctx, `
		WITH bounds AS (
			SELECT b.tenant_id, b.boundary
			FROM unnest($1::text[], $2::timestamptz[]) AS b(tenant_id, boundary)
		), stale AS (
			SELECT r.reservation_id
			FROM reservations r
			LEFT JOIN bounds b ON b.tenant_id = r.tenant_id::text
			WHERE r.status = ANY($4::text[])
				AND r.reserved_at < COALESCE(b.boundary, $3)
		), swept AS (
			UPDATE reservations r
			SET status = $5, guest_count = 0, updated_at = $6
			FROM stale
			WHERE r.reservation_id = stale.reservation_id AND r.status = ANY($4::text[])
			RETURNING r.reservation_id, r.tenant_id, r.reserved_at, r.customer_name
		), events AS (
			INSERT INTO outbox_events (event_id, tenant_id, type, payload_json, created_at)
			SELECT gen_random_uuid(), swept.tenant_id, $7,
				jsonb_build_object(
					'reservation_id', swept.reservation_id,
					'tenant_id', swept.tenant_id,
					'customer_name', swept.customer_name,
					'reserved_at', swept.reserved_at,
					'status', $5::text,
					'guest_count', 0
				),
				$6
			FROM swept
			RETURNING 1
		)
		SELECT count(*) FROM swept
	`, tenantIDs, boundaries, input.DefaultBoundary, store.StaleStatuses, models.ReservationNoShow, occurredAt, store.EventReservationNoShow)
	if err := row.Scan(&updated); err != nil {
		return 0, err
	}
	return updated, nil
}

func (s *Store) PurgeQRCodes(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM reservation_qr_codes q
		USING reservations r
		WHERE q.reservation_id = r.reservation_id AND r.reserved_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getReservation(ctx context.Context, q queryer, tenantID, reservationID string, forUpdate bool) (models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations r` + reservationJoin + `
		WHERE r.reservation_id = $1 AND r.tenant_id = $2`
	if forUpdate {
		query += " FOR UPDATE OF r"
	}
	res, err := scanReservation(q.QueryRow(ctx, query, reservationID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, store.ErrReservationNotFound
		}
		return models.Reservation{}, err
	}
	return res, nil
}

func findReservationByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Reservation, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations r`+reservationJoin+`
		WHERE r.request_id = $1`, requestID)
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, false, nil
		}
		return models.Reservation{}, false, err
	}
	return res, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Reservation, bool, error) {
	var reservationID sql.NullString
	var tenantID string
	row := tx.QueryRow(ctx, `
		SELECT reservation_id, tenant_id
		FROM reservation_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&reservationID, &tenantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, false, nil
		}
		return models.Reservation{}, false, err
	}
	if !reservationID.Valid {
		return models.Reservation{}, false, nil
	}
	res, err := getReservation(ctx, tx, tenantID, reservationID.String, false)
	if err != nil {
		return models.Reservation{}, false, err
	}
	return res, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, tenantID, reservationID string) error {
	if requestID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_action_requests (request_id, action, tenant_id, reservation_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, tenantID, nullIfEmpty(reservationID))
	return err
}

func loadReservationState(ctx context.Context, tx pgx.Tx, reservationID, tenantID string) (string, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `
		SELECT status FROM reservations WHERE reservation_id = $1 AND tenant_id = $2
	`, reservationID, tenantID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}

func insertScan(ctx context.Context, tx pgx.Tx, input store.CheckInInput, reservationID, outcome, reason string, scannedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservation_qr_scans (qr_token, reservation_id, tenant_id, outcome, reason, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, input.QRToken, nullIfEmpty(reservationID), input.TenantID, outcome, reason, scannedAt)
	return err
}

// commitRejectedScan keeps the audit row of a rejected scan and returns
// the rejection to the caller.
func commitRejectedScan(ctx context.Context, tx pgx.Tx, input store.CheckInInput, reservationID, reason string, scannedAt time.Time, rejection error) error {
	if err := insertScan(ctx, tx, input, reservationID, models.ScanRejected, reason, scannedAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return rejection
}

func reservationPayload(res models.Reservation) map[string]interface{} {
	return map[string]interface{}{
		"reservation_id": res.ReservationID,
		"tenant_id":      res.TenantID,
		"customer_name":  res.CustomerName,
		"reserved_at":    res.ReservedAt,
		"status":         res.Status,
		"guest_count":    res.GuestCount,
		"arrived_guests": res.ArrivedGuests,
		"request_id":     res.RequestID,
	}
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, tenantID, eventType string, payload interface{}, createdAt time.Time) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), tenantID, eventType, payloadJSON, createdAt)
	return err
}

func newQRToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
