package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"lealta/venue-service/internal/compliance"
	"lealta/venue-service/internal/dispatcher"
	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/reservations"
	"lealta/venue-service/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ReservationService interface {
	Create(ctx context.Context, input store.CreateReservationInput) (models.Reservation, bool, error)
	Get(ctx context.Context, tenantID, reservationID string) (models.Reservation, error)
	Confirm(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error)
	Complete(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error)
	Cancel(ctx context.Context, input store.ReservationActionInput) (models.Reservation, bool, error)
	CheckIn(ctx context.Context, input store.CheckInInput) (store.CheckInResult, error)
	InspectQR(ctx context.Context, tenantID, qrToken string) (store.CheckInResult, error)
	AdmitGuests(ctx context.Context, input store.AdmitInput) (store.CheckInResult, error)
	SweepStaleReservations(ctx context.Context) (reservations.SweepResult, error)
	CommercialDay(ctx context.Context, tenantID string, at *time.Time) (models.CommercialDay, error)
	PutSettings(ctx context.Context, settings models.BusinessDaySettings) error
}

type CampaignService interface {
	StartCampaign(ctx context.Context, tenantID string, cfg dispatcher.CampaignConfig) (string, error)
	PauseCampaign(ctx context.Context, campaignID string) (models.Campaign, error)
	ResumeCampaign(ctx context.Context, campaignID string) (models.Campaign, error)
	CancelCampaign(ctx context.Context, campaignID string) (models.Campaign, error)
	GetCampaignProgress(ctx context.Context, campaignID string) (dispatcher.Progress, error)
	ApplyDelivery(ctx context.Context, report dispatcher.DeliveryReport) (bool, error)
	RecordOptOut(ctx context.Context, tenantID, rawPhone string) error
}

type Handler struct {
	reservations ReservationService
	campaigns    CampaignService
	log          *logger.Logger
	now          func() time.Time
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(res ReservationService, campaigns CampaignService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		reservations: res,
		campaigns:    campaigns,
		log:          log.Named("http"),
		now:          time.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/business-day", h.handleBusinessDay)
	mux.HandleFunc("/api/business-day/settings", h.handleBusinessDaySettings)
	mux.HandleFunc("/api/reservations", h.handleReservations)
	mux.HandleFunc("/api/reservations/checkin", h.handleCheckIn)
	mux.HandleFunc("/api/reservations/qr/inspect", h.handleInspectQR)
	mux.HandleFunc("/api/reservations/sweep", h.handleSweep)
	mux.HandleFunc("/api/reservations/", h.handleReservationActions)
	mux.HandleFunc("/api/campaigns", h.handleCampaigns)
	mux.HandleFunc("/api/campaigns/", h.handleCampaignActions)
	mux.HandleFunc("/api/messaging/webhook", h.handleWebhook)
	mux.HandleFunc("/api/messaging/opt-outs", h.handleOptOut)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// splitAction parses "<prefix><id>/<action>".
func splitAction(path, prefix string) (string, string, bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestIDFromRequest(r *http.Request) string {
	if id, ok := r.Context().Value(logger.RequestIDKey).(string); ok {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrReservationNotFound):
		return http.StatusNotFound, "reservation_not_found", "reservation not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "reservation state does not allow this action"
	case errors.Is(err, store.ErrQRNotFound):
		return http.StatusNotFound, "qr_not_found", "qr token not found"
	case errors.Is(err, store.ErrQRExpired):
		return http.StatusGone, "qr_expired", "qr token expired"
	case errors.Is(err, store.ErrQRNotYetValid):
		return http.StatusConflict, "qr_not_yet_valid", "qr token not yet valid"
	case errors.Is(err, store.ErrCampaignNotFound):
		return http.StatusNotFound, "campaign_not_found", "campaign not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound, "message_not_found", "message not found"
	case errors.Is(err, reservations.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, dispatcher.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_campaign", err.Error()
	case errors.Is(err, dispatcher.ErrContentRejected):
		return http.StatusUnprocessableEntity, "content_rejected", err.Error()
	case errors.Is(err, dispatcher.ErrNoRecipients):
		return http.StatusUnprocessableEntity, "no_recipients", "campaign has no valid recipients"
	case errors.Is(err, dispatcher.ErrUnknownStatus):
		return http.StatusBadRequest, "unknown_status", err.Error()
	case errors.Is(err, compliance.ErrInvalidPhone):
		return http.StatusBadRequest, "invalid_phone", "invalid phone number"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", zap.Error(err))
	}
	writeError(w, requestID, status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
