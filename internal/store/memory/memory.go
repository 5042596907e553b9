// Package memory is a process-local implementation of the store interfaces.
// It backs the service when no database is configured and the component
// tests that exercise concurrency against a real implementation.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"

	"github.com/google/uuid"
)

type actionKey struct {
	action    string
	requestID string
}

type qrCode struct {
	token         string
	reservationID string
	tenantID      string
	scanCount     int
	lastScannedAt *time.Time
}

type Store struct {
	mu sync.Mutex

	reservations map[string]*models.Reservation
	order        []string
	byRequest    map[string]string
	actions      map[actionKey]string
	qr           map[string]*qrCode
	qrByRes      map[string]string
	scans        []models.QRScan

	settings map[string]models.BusinessDaySettings

	campaigns    map[string]*models.Campaign
	recipients   map[string][]*models.Attempt
	byMessage    map[string]*models.Attempt
	customers    map[string][]models.Customer
	suppressions map[string]map[string]string

	outbox  []store.OutboxEvent
	offsets map[string]store.OutboxPosition
}

func New() *Store {
	return &Store{
		reservations: make(map[string]*models.Reservation),
		byRequest:    make(map[string]string),
		actions:      make(map[actionKey]string),
		qr:           make(map[string]*qrCode),
		qrByRes:      make(map[string]string),
		settings:     make(map[string]models.BusinessDaySettings),
		campaigns:    make(map[string]*models.Campaign),
		recipients:   make(map[string][]*models.Attempt),
		byMessage:    make(map[string]*models.Attempt),
		customers:    make(map[string][]models.Customer),
		suppressions: make(map[string]map[string]string),
		offsets:      make(map[string]store.OutboxPosition),
	}
}

func now(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func (s *Store) appendEvent(tenantID, eventType string, payload interface{}, at time.Time) {
	raw, _ := json.Marshal(payload)
	// writes are serialised by mu, so commit order is seq order
	seq := int64(len(s.outbox) + 1)
	s.outbox = append(s.outbox, store.OutboxEvent{
		Seq:       seq,
		XactID:    seq,
		EventID:   uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: at,
	})
}

// reservation returns a copy with the QR fields filled in. Caller holds mu.
func (s *Store) reservation(id string) models.Reservation {
	res := *s.reservations[id]
	if token, ok := s.qrByRes[id]; ok {
		code := s.qr[token]
		res.QRToken = code.token
		res.ScanCount = code.scanCount
		res.LastScannedAt = code.lastScannedAt
	}
	return res
}

func (s *Store) CreateReservation(ctx context.Context, input store.CreateReservationInput) (models.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if id, ok := s.byRequest[input.RequestID]; ok {
			return s.reservation(id), false, nil
		}
	}
	createdAt := now(input.CreatedAt)
	res := &models.Reservation{
		ReservationID: uuid.NewString(),
		TenantID:      input.TenantID,
		RequestID:     input.RequestID,
		CustomerName:  input.CustomerName,
		CustomerPhone: input.CustomerPhone,
		ReservedAt:    input.ReservedAt,
		GuestCount:    input.GuestCount,
		Status:        models.ReservationPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	s.reservations[res.ReservationID] = res
	s.order = append(s.order, res.ReservationID)
	if input.RequestID != "" {
		s.byRequest[input.RequestID] = res.ReservationID
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	s.qr[token] = &qrCode{token: token, reservationID: res.ReservationID, tenantID: input.TenantID}
	s.qrByRes[res.ReservationID] = token

	out := s.reservation(res.ReservationID)
	s.appendEvent(input.TenantID, store.EventReservationCreated, out, createdAt)
	return out, true, nil
}

func (s *Store) GetReservation(ctx context.Context, tenantID, reservationID string) (models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[reservationID]
	if !ok || res.TenantID != tenantID {
		return models.Reservation{}, store.ErrReservationNotFound
	}
	return s.reservation(reservationID), nil
}

func (s *Store) ConfirmReservation(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.transition(input, "confirm", store.EventReservationConfirmed)
}

func (s *Store) CompleteReservation(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.transition(input, "complete", store.EventReservationCompleted)
}

func (s *Store) CancelReservation(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error) {
	return s.transition(input, "cancel", store.EventReservationCancelled)
}

func (s *Store) transition(input store.ReservationActionInput, action, eventType string) (models.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.actions[actionKey{action, input.RequestID}]; ok && input.RequestID != "" {
		return s.reservation(id), false, nil
	}
	res, ok := s.reservations[input.ReservationID]
	if !ok || res.TenantID != input.TenantID {
		return models.Reservation{}, false, store.ErrReservationNotFound
	}
	if !store.ValidTransition(action, res.Status) {
		return models.Reservation{}, false, store.ErrInvalidState
	}
	at := now(input.OccurredAt)
	res.Status = store.ReservationTarget(action)
	res.UpdatedAt = at
	if input.RequestID != "" {
		s.actions[actionKey{action, input.RequestID}] = res.ReservationID
	}
	out := s.reservation(res.ReservationID)
	s.appendEvent(res.TenantID, eventType, out, at)
	return out, true, nil
}

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (store.CheckInResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.actions[actionKey{"check_in", input.RequestID}]; ok && input.RequestID != "" {
		res := s.reservation(id)
		return store.CheckInResult{Reservation: res, Excess: res.Excess()}, nil
	}
	at := now(input.ScannedAt)
	code, ok := s.qr[input.QRToken]
	if !ok || code.tenantID != input.TenantID {
		s.audit(input, "", models.ScanRejected, "unknown token", at)
		return store.CheckInResult{}, store.ErrQRNotFound
	}
	res := s.reservations[code.reservationID]
	if err := store.CheckQRWindow(res.ReservedAt, at); err != nil {
		s.audit(input, res.ReservationID, models.ScanRejected, err.Error(), at)
		return store.CheckInResult{}, err
	}

	switch {
	case res.Status == models.ReservationCheckedIn:
		s.audit(input, res.ReservationID, models.ScanReplay, "", at)
		s.remember("check_in", input.RequestID, res.ReservationID)
		out := s.reservation(res.ReservationID)
		return store.CheckInResult{Reservation: out, Replayed: true, Excess: out.Excess()}, nil
	case !store.ValidTransition("check_in", res.Status):
		s.audit(input, res.ReservationID, models.ScanRejected, "status "+res.Status, at)
		return store.CheckInResult{}, store.ErrInvalidState
	}

	res.Status = models.ReservationCheckedIn
	if res.ArrivedGuests < 1 {
		res.ArrivedGuests = 1
	}
	res.UpdatedAt = at
	code.scanCount++
	scanned := at
	code.lastScannedAt = &scanned
	s.audit(input, res.ReservationID, models.ScanAccepted, "", at)
	s.remember("check_in", input.RequestID, res.ReservationID)

	out := s.reservation(res.ReservationID)
	s.appendEvent(res.TenantID, store.EventReservationCheckedIn, out, at)
	return store.CheckInResult{Reservation: out, Excess: out.Excess()}, nil
}

func (s *Store) remember(action, requestID, reservationID string) {
	if requestID != "" {
		s.actions[actionKey{action, requestID}] = reservationID
	}
}

func (s *Store) audit(input store.CheckInInput, reservationID, outcome, reason string, at time.Time) {
	s.scans = append(s.scans, models.QRScan{
		ScanID:        uuid.NewString(),
		ReservationID: reservationID,
		TenantID:      input.TenantID,
		QRToken:       input.QRToken,
		Outcome:       outcome,
		Reason:        reason,
		ScannedAt:     at,
	})
}

// Scans returns the QR scan audit log in insertion order.
func (s *Store) Scans() []models.QRScan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QRScan(nil), s.scans...)
}

func (s *Store) InspectQR(ctx context.Context, tenantID, qrToken string) (models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.qr[qrToken]
	if !ok || code.tenantID != tenantID {
		return models.Reservation{}, store.ErrQRNotFound
	}
	return s.reservation(code.reservationID), nil
}

func (s *Store) AdmitGuests(ctx context.Context, input store.AdmitInput) (models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if input.Guests <= 0 {
		return models.Reservation{}, store.ErrInvalidState
	}
	if id, ok := s.actions[actionKey{"admit", input.RequestID}]; ok && input.RequestID != "" {
		return s.reservation(id), nil
	}
	res, ok := s.reservations[input.ReservationID]
	if !ok || res.TenantID != input.TenantID {
		return models.Reservation{}, store.ErrReservationNotFound
	}
	if !store.ValidTransition("admit", res.Status) {
		return models.Reservation{}, store.ErrInvalidState
	}
	res.ArrivedGuests += input.Guests
	res.UpdatedAt = now(input.OccurredAt)
	s.remember("admit", input.RequestID, res.ReservationID)
	return s.reservation(res.ReservationID), nil
}

func (s *Store) MarkStaleNoShow(ctx context.Context, input store.SweepInput) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := now(input.OccurredAt)
	updated := 0
	for _, id := range s.order {
		res := s.reservations[id]
		if !store.ValidTransition("no_show", res.Status) {
			continue
		}
		boundary, ok := input.Boundaries[res.TenantID]
		if !ok {
			boundary = input.DefaultBoundary
		}
		if !res.ReservedAt.Before(boundary) {
			continue
		}
		res.Status = models.ReservationNoShow
		res.GuestCount = 0
		res.UpdatedAt = at
		s.appendEvent(res.TenantID, store.EventReservationNoShow, s.reservation(id), at)
		updated++
	}
	return updated, nil
}

func (s *Store) PurgeQRCodes(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for token, code := range s.qr {
		if s.reservations[code.reservationID].ReservedAt.Before(before) {
			delete(s.qr, token)
			delete(s.qrByRes, code.reservationID)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) GetBusinessDaySettings(ctx context.Context, tenantID string) (models.BusinessDaySettings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.settings[tenantID]
	return settings, ok, nil
}

func (s *Store) ListBusinessDaySettings(ctx context.Context) ([]models.BusinessDaySettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]models.BusinessDaySettings, 0, len(s.settings))
	for _, settings := range s.settings {
		list = append(list, settings)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TenantID < list[j].TenantID })
	return list, nil
}

func (s *Store) PutBusinessDaySettings(ctx context.Context, settings models.BusinessDaySettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.UpdatedAt = now(settings.UpdatedAt)
	s.settings[settings.TenantID] = settings
	return nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.OutboxPosition, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if !event.Position().After(after) {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context, name string) (store.OutboxPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[name], nil
}

func (s *Store) UpdateOffset(ctx context.Context, name string, pos store.OutboxPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.After(s.offsets[name]) {
		s.offsets[name] = pos
	}
	return nil
}
