package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"lealta/venue-service/internal/migrations"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCreateReservationIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	requestID := uuid.NewString()
	first := createReservation(t, ctx, st, tenantID, requestID, time.Now().Add(2*time.Hour))
	second := createReservation(t, ctx, st, tenantID, requestID, time.Now().Add(2*time.Hour))

	if first.ReservationID != second.ReservationID {
		t.Fatalf("expected same reservation for duplicate request")
	}
	if first.QRToken == "" {
		t.Fatalf("expected qr token on new reservation")
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = $1`, store.EventReservationCreated).Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 reservation.created event, got %d", count)
	}
}

func TestCheckInReplay(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	reservedAt := time.Now().UTC().Add(time.Hour)
	res := createReservation(t, ctx, st, tenantID, uuid.NewString(), reservedAt)

	if _, _, err := st.ConfirmReservation(ctx, store.ReservationActionInput{RequestID: uuid.NewString(), TenantID: tenantID, ReservationID: res.ReservationID}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	first, err := st.CheckIn(ctx, store.CheckInInput{RequestID: uuid.NewString(), TenantID: tenantID, QRToken: res.QRToken, ScannedAt: reservedAt})
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if first.Replayed || first.Reservation.Status != models.ReservationCheckedIn || first.Reservation.ScanCount != 1 {
		t.Fatalf("unexpected first scan result %+v", first)
	}

	second, err := st.CheckIn(ctx, store.CheckInInput{RequestID: uuid.NewString(), TenantID: tenantID, QRToken: res.QRToken, ScannedAt: reservedAt.Add(time.Minute)})
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if !second.Replayed || second.Reservation.ScanCount != 1 {
		t.Fatalf("expected replay without increment, got %+v", second)
	}

	var outcomes []string
	rows, err := pool.Query(ctx, `SELECT outcome FROM reservation_qr_scans WHERE qr_token = $1 ORDER BY scan_id`, res.QRToken)
	if err != nil {
		t.Fatalf("query scans: %v", err)
	}
	for rows.Next() {
		var outcome string
		if err := rows.Scan(&outcome); err != nil {
			t.Fatalf("scan outcome: %v", err)
		}
		outcomes = append(outcomes, outcome)
	}
	rows.Close()
	if strings.Join(outcomes, ",") != "accepted,replay" {
		t.Fatalf("unexpected audit outcomes %v", outcomes)
	}
}

func TestCheckInRejectsPending(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantID := uuid.NewString()
	reservedAt := time.Now().UTC()
	res := createReservation(t, ctx, st, tenantID, uuid.NewString(), reservedAt)

	_, err := st.CheckIn(ctx, store.CheckInInput{RequestID: uuid.NewString(), TenantID: tenantID, QRToken: res.QRToken, ScannedAt: reservedAt})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	_, err = st.CheckIn(ctx, store.CheckInInput{TenantID: tenantID, QRToken: res.QRToken, ScannedAt: reservedAt.Add(13 * time.Hour)})
	if !errors.Is(err, store.ErrQRExpired) {
		t.Fatalf("expected ErrQRExpired, got %v", err)
	}
}

func TestMarkStaleNoShow(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	tenantA := uuid.NewString()
	tenantB := uuid.NewString()
	stale := createReservation(t, ctx, st, tenantA, uuid.NewString(), time.Date(2025, 11, 20, 22, 0, 0, 0, time.UTC))
	fresh := createReservation(t, ctx, st, tenantA, uuid.NewString(), time.Date(2025, 11, 21, 10, 0, 0, 0, time.UTC))
	other := createReservation(t, ctx, st, tenantB, uuid.NewString(), time.Date(2025, 11, 21, 7, 0, 0, 0, time.UTC))

	input := store.SweepInput{
		Boundaries:      map[string]time.Time{tenantA: time.Date(2025, 11, 21, 9, 0, 0, 0, time.UTC)},
		DefaultBoundary: time.Date(2025, 11, 21, 9, 0, 0, 0, time.UTC),
	}
	updated, err := st.MarkStaleNoShow(ctx, input)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if updated != 2 {
		t.Fatalf("expected 2 swept, got %d", updated)
	}

	again, err := st.MarkStaleNoShow(ctx, input)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected idempotent sweep, got %d", again)
	}

	got, err := st.GetReservation(ctx, tenantA, stale.ReservationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.ReservationNoShow || got.GuestCount != 0 {
		t.Fatalf("expected NO_SHOW with 0 guests, got %s/%d", got.Status, got.GuestCount)
	}
	got, _ = st.GetReservation(ctx, tenantA, fresh.ReservationID)
	if got.Status != models.ReservationPending {
		t.Fatalf("fresh reservation swept: %s", got.Status)
	}
	got, _ = st.GetReservation(ctx, tenantB, other.ReservationID)
	if got.Status != models.ReservationNoShow {
		t.Fatalf("default boundary not applied: %s", got.Status)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = $1`, store.EventReservationNoShow).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 2 {
		t.Fatalf("expected 2 no_show events, got %d", events)
	}
}

func TestCampaignAttemptCounters(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	c, err := st.CreateCampaign(ctx, store.CreateCampaignInput{
		TenantID:       uuid.NewString(),
		Name:           "weekend",
		MessageBody:    "Hola {{nombre}}",
		BatchSize:      2,
		MaxConcurrency: 2,
		Recipients: []models.Recipient{
			{Phone: "593991111111", Name: "Ana"},
			{Phone: "593992222222", Name: "Luis"},
			{Phone: "593993333333", Name: "Eva"},
		},
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	batch, err := st.ClaimBatch(ctx, c.CampaignID, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(batch) != 2 || batch[0].Position != 0 || batch[1].Position != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}

	if err := st.RecordAttempt(ctx, store.AttemptResult{CampaignID: c.CampaignID, Position: 0, MessageID: "msg-0"}); err != nil {
		t.Fatalf("record sent: %v", err)
	}
	if err := st.RecordSkip(ctx, c.CampaignID, 1, "suppressed"); err != nil {
		t.Fatalf("record skip: %v", err)
	}

	if _, applied, err := st.ApplyDeliveryStatus(ctx, store.DeliveryUpdate{MessageID: "msg-0", Status: models.AttemptDelivered}); err != nil || !applied {
		t.Fatalf("deliver: applied=%v err=%v", applied, err)
	}
	if _, applied, err := st.ApplyDeliveryStatus(ctx, store.DeliveryUpdate{MessageID: "msg-0", Status: models.AttemptDelivered}); err != nil || applied {
		t.Fatalf("repeated delivery should be a no-op: applied=%v err=%v", applied, err)
	}
	if _, _, err := st.ApplyDeliveryStatus(ctx, store.DeliveryUpdate{MessageID: "missing", Status: models.AttemptFailed}); !errors.Is(err, store.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}

	got, err := st.GetCampaign(ctx, c.CampaignID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.TotalTargeted != 3 || got.TotalSent != 1 || got.TotalDelivered != 1 || got.TotalSkipped != 1 {
		t.Fatalf("unexpected counters %+v", got)
	}

	_, err = st.TransitionCampaign(ctx, store.CampaignTransitionInput{CampaignID: c.CampaignID, Action: "resume"})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOutboxHoldsBackEventsBehindRunningTransaction(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	insert := func(q interface {
		Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	}, eventType string) {
		t.Helper()
		if _, err := q.Exec(ctx, `
			INSERT INTO outbox_events (event_id, tenant_id, type, payload_json)
			VALUES ($1, $2, $3, '{}')
		`, uuid.NewString(), uuid.NewString(), eventType); err != nil {
			t.Fatalf("insert outbox event: %v", err)
		}
	}

	slow, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = slow.Rollback(ctx) }()
	insert(slow, "slow")

	fast, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	insert(fast, "fast")
	if err := fast.Commit(ctx); err != nil {
		t.Fatalf("commit fast: %v", err)
	}

	events, err := st.ListOutboxEvents(ctx, store.OutboxPosition{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events committed after a running transaction must wait, got %+v", events)
	}

	if err := slow.Commit(ctx); err != nil {
		t.Fatalf("commit slow: %v", err)
	}
	events, err = st.ListOutboxEvents(ctx, store.OutboxPosition{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Type != "slow" || events[1].Type != "fast" {
		t.Fatalf("expected slow then fast, got %+v", events)
	}

	if err := st.UpdateOffset(ctx, "test", events[1].Position()); err != nil {
		t.Fatalf("update offset: %v", err)
	}
	if err := st.UpdateOffset(ctx, "test", events[0].Position()); err != nil {
		t.Fatalf("update offset: %v", err)
	}
	pos, err := st.GetOffset(ctx, "test")
	if err != nil || pos != events[1].Position() {
		t.Fatalf("offset moved backwards: %+v %v", pos, err)
	}
}

func createReservation(t *testing.T, ctx context.Context, st *Store, tenantID, requestID string, reservedAt time.Time) models.Reservation {
	t.Helper()
	res, _, err := st.CreateReservation(ctx, store.CreateReservationInput{
		RequestID:     requestID,
		TenantID:      tenantID,
		CustomerName:  "Maria",
		CustomerPhone: "593991234567",
		ReservedAt:    reservedAt,
		GuestCount:    4,
	})
	if err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	return res
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if _, err := migrations.Up(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return NewStore(pool), pool, cleanup
}

func execOnce(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}
