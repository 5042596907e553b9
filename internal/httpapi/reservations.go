package httpapi

import (
	"net/http"
	"strings"
	"time"

	"lealta/venue-service/internal/compliance"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"
)

type createReservationRequest struct {
	RequestID     string    `json:"request_id"`
	TenantID      string    `json:"tenant_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	ReservedAt    time.Time `json:"reserved_at"`
	GuestCount    int       `json:"guest_count"`
}

type reservationActionRequest struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	Guests    int    `json:"guests"`
}

type qrRequest struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	QRToken   string `json:"qr_token"`
}

type settingsRequest struct {
	TenantID      string `json:"tenant_id"`
	CutoverHour   int    `json:"cutover_hour"`
	CutoverMinute int    `json:"cutover_minute"`
	Timezone      string `json:"timezone"`
}

func (h *Handler) handleBusinessDay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" || !isValidUUID(tenantID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return
	}
	var at *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "at must be RFC3339")
			return
		}
		at = &parsed
	}
	day, err := h.reservations.CommercialDay(r.Context(), tenantID, at)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (h *Handler) handleBusinessDaySettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if !isValidUUID(req.TenantID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return
	}
	settings := models.BusinessDaySettings{
		TenantID:      req.TenantID,
		CutoverHour:   req.CutoverHour,
		CutoverMinute: req.CutoverMinute,
		Timezone:      strings.TrimSpace(req.Timezone),
		UpdatedAt:     h.now().UTC(),
	}
	if err := h.reservations.PutSettings(r.Context(), settings); err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handleReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createReservationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	if !isValidUUID(req.RequestID) || !isValidUUID(req.TenantID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and tenant_id must be UUIDs")
		return
	}
	phone := strings.TrimSpace(req.CustomerPhone)
	if phone != "" {
		normalized, err := compliance.NormalizePhone(phone)
		if err != nil {
			h.fail(w, r, req.RequestID, err)
			return
		}
		phone = normalized
	}

	res, created, err := h.reservations.Create(r.Context(), store.CreateReservationInput{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		CustomerName:  req.CustomerName,
		CustomerPhone: phone,
		ReservedAt:    req.ReservedAt.UTC(),
		GuestCount:    req.GuestCount,
		CreatedAt:     h.now().UTC(),
	})
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleReservationActions(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		h.handleGetReservation(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reservationID, action, ok := splitAction(r.URL.Path, "/api/reservations/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(reservationID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "reservation_id must be a UUID")
		return
	}

	var req reservationActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	if !isValidUUID(req.RequestID) || !isValidUUID(req.TenantID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and tenant_id must be UUIDs")
		return
	}
	input := store.ReservationActionInput{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		ReservationID: reservationID,
		OccurredAt:    h.now().UTC(),
	}

	var (
		res models.Reservation
		err error
	)
	switch action {
	case "confirm":
		res, _, err = h.reservations.Confirm(r.Context(), input)
	case "complete":
		res, _, err = h.reservations.Complete(r.Context(), input)
	case "cancel":
		res, _, err = h.reservations.Cancel(r.Context(), input)
	case "admit":
		result, admitErr := h.reservations.AdmitGuests(r.Context(), store.AdmitInput{
			RequestID:     req.RequestID,
			TenantID:      req.TenantID,
			ReservationID: reservationID,
			Guests:        req.Guests,
			OccurredAt:    input.OccurredAt,
		})
		if admitErr != nil {
			h.fail(w, r, req.RequestID, admitErr)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	reservationID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/reservations/"), "/")
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if !isValidUUID(reservationID) || !isValidUUID(tenantID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "reservation_id and tenant_id must be UUIDs")
		return
	}
	res, err := h.reservations.Get(r.Context(), tenantID, reservationID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) decodeQR(w http.ResponseWriter, r *http.Request) (qrRequest, bool) {
	var req qrRequest
	if !decodeJSON(w, r, &req) {
		return req, false
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.QRToken = strings.TrimSpace(req.QRToken)
	if !isValidUUID(req.TenantID) || req.QRToken == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID and qr_token is required")
		return req, false
	}
	return req, true
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, ok := h.decodeQR(w, r)
	if !ok {
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	result, err := h.reservations.CheckIn(r.Context(), store.CheckInInput{
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
		QRToken:   req.QRToken,
		ScannedAt: h.now().UTC(),
	})
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleInspectQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, ok := h.decodeQR(w, r)
	if !ok {
		return
	}
	result, err := h.reservations.InspectQR(r.Context(), req.TenantID, req.QRToken)
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	result, err := h.reservations.SweepStaleReservations(r.Context())
	if err != nil {
		h.fail(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
