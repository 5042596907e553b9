// Package reservations drives the reservation lifecycle on top of a
// ReservationStore and resolves commercial-day boundaries for the sweep.
package reservations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lealta/venue-service/internal/businessday"
	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"
	"lealta/venue-service/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrInvalidInput = errors.New("invalid reservation input")

type SweepResult struct {
	UpdatedCount int       `json:"updated_count"`
	RanAt        time.Time `json:"ran_at"`
}

type Service struct {
	store    store.ReservationStore
	settings store.SettingsStore
	resolver *businessday.Resolver
	log      *logger.Logger

	swept  *telemetry.Counter
	purged *telemetry.Counter
	scans  *telemetry.Counter
}

func NewService(reservations store.ReservationStore, settings store.SettingsStore, resolver *businessday.Resolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:    reservations,
		settings: settings,
		resolver: resolver,
		log:      log.Named("reservations"),
		swept:    telemetry.NewCounter("reservations_swept_total", "Reservations marked NO_SHOW by the stale sweep"),
		purged:   telemetry.NewCounter("reservation_qr_purged_total", "QR codes removed by the purge"),
		scans:    telemetry.NewCounter("reservation_qr_scans_total", "QR check-in attempts by outcome"),
	}
}

// SweepStaleReservations marks every PENDING or CONFIRMED reservation whose
// reserved_at is before its tenant's current commercial-day start as
// NO_SHOW. It issues a single bulk write and is safe to re-run.
func (s *Service) SweepStaleReservations(ctx context.Context) (SweepResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "reservations.sweep")
	defer span.End()

	now := s.resolver.Now()
	input, err := s.sweepInput(ctx, now)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, err
	}

	updated, err := s.store.MarkStaleNoShow(ctx, input)
	if err != nil {
		span.RecordError(err)
		s.log.ErrorContext(ctx, "stale reservation sweep failed", zap.Error(err))
		return SweepResult{}, fmt.Errorf("mark stale reservations: %w", err)
	}

	s.swept.Add(ctx, int64(updated))
	span.SetAttributes(attribute.Int("updated_count", updated))
	s.log.InfoContext(ctx, "stale reservation sweep finished",
		zap.Int("updated_count", updated),
		zap.Int("tenants_with_settings", len(input.Boundaries)),
		zap.Time("default_boundary", input.DefaultBoundary))
	return SweepResult{UpdatedCount: updated, RanAt: now}, nil
}

func (s *Service) sweepInput(ctx context.Context, now time.Time) (store.SweepInput, error) {
	list, err := s.settings.ListBusinessDaySettings(ctx)
	if err != nil {
		return store.SweepInput{}, fmt.Errorf("list business day settings: %w", err)
	}
	boundaries := make(map[string]time.Time, len(list))
	for _, settings := range list {
		boundaries[settings.TenantID] = s.resolver.ComputeFor(settings.TenantID, settings, true, now).Start
	}
	return store.SweepInput{
		Boundaries:      boundaries,
		DefaultBoundary: s.resolver.DefaultBoundary(now),
		OccurredAt:      now,
	}, nil
}

// PurgeQRCodes drops QR tokens of reservations before the cutoff. A zero
// cutoff means the first day of the current month in the default timezone.
func (s *Service) PurgeQRCodes(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = startOfMonth(s.resolver.ComputeFor("", models.BusinessDaySettings{}, false, s.resolver.Now()).Start)
	}
	purged, err := s.store.PurgeQRCodes(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge qr codes: %w", err)
	}
	s.purged.Add(ctx, int64(purged))
	s.log.InfoContext(ctx, "qr codes purged", zap.Int("purged", purged), zap.Time("before", before))
	return purged, nil
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func (s *Service) Create(ctx context.Context, input store.CreateReservationInput) (models.Reservation, bool, error) {
	input.CustomerName = strings.TrimSpace(input.CustomerName)
	if input.TenantID == "" || input.CustomerName == "" || input.ReservedAt.IsZero() || input.GuestCount < 1 {
		return models.Reservation{}, false, ErrInvalidInput
	}
	res, created, err := s.store.CreateReservation(ctx, input)
	if err != nil {
		return res, created, err
	}
	if created {
		s.log.InfoContext(ctx, "reservation created",
			zap.String("tenant_id", res.TenantID), zap.String("reservation_id", res.ReservationID))
	}
	return res, created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, reservationID string) (models.Reservation, error) {
	return s.store.GetReservation(ctx, tenantID, reservationID)
}

func (s *Service) Confirm(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.store.ConfirmReservation(ctx, input)
}

func (s *Service) Complete(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.store.CompleteReservation(ctx, input)
}

func (s *Service) Cancel(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.store.CancelReservation(ctx, input)
}

// CheckIn consumes a QR scan. A repeated scan of a checked-in reservation
// is reported as a replay.
func (s *Service) CheckIn(ctx context.Context, input store.CheckInInput) (store.CheckInResult, error) {
	if input.ScannedAt.IsZero() {
		input.ScannedAt = s.resolver.Now().UTC()
	}
	result, err := s.store.CheckIn(ctx, input)
	outcome := models.ScanAccepted
	switch {
	case err != nil:
		outcome = models.ScanRejected
	case result.Replayed:
		outcome = models.ScanReplay
	}
	s.scans.Inc(ctx, attribute.String("outcome", outcome))
	if err != nil {
		s.log.WarnContext(ctx, "qr check-in rejected", zap.String("tenant_id", input.TenantID), zap.Error(err))
		return result, err
	}
	result.Excess = result.Reservation.Excess()
	return result, nil
}

// InspectQR validates a token without consuming it.
func (s *Service) InspectQR(ctx context.Context, tenantID, qrToken string) (store.CheckInResult, error) {
	res, err := s.store.InspectQR(ctx, tenantID, qrToken)
	if err != nil {
		return store.CheckInResult{}, err
	}
	if err := store.CheckQRWindow(res.ReservedAt, s.resolver.Now()); err != nil {
		return store.CheckInResult{Reservation: res, Excess: res.Excess()}, err
	}
	return store.CheckInResult{Reservation: res, Excess: res.Excess()}, nil
}

func (s *Service) AdmitGuests(ctx context.Context, input store.AdmitInput) (store.CheckInResult, error) {
	if input.Guests < 1 {
		return store.CheckInResult{}, ErrInvalidInput
	}
	res, err := s.store.AdmitGuests(ctx, input)
	if err != nil {
		return store.CheckInResult{}, err
	}
	return store.CheckInResult{Reservation: res, Excess: res.Excess()}, nil
}

// CommercialDay exposes the resolver for callers that only hold the service.
func (s *Service) CommercialDay(ctx context.Context, tenantID string, at *time.Time) (models.CommercialDay, error) {
	return s.resolver.ResolveCommercialDay(ctx, tenantID, at)
}

func (s *Service) PutSettings(ctx context.Context, settings models.BusinessDaySettings) error {
	if err := businessday.ValidateSettings(settings); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	return s.settings.PutBusinessDaySettings(ctx, settings)
}
