package store

import (
	"context"
	"encoding/json"
	"time"

	"lealta/venue-service/internal/models"
)

type CreateReservationInput struct {
	RequestID     string
	TenantID      string
	CustomerName  string
	CustomerPhone string
	ReservedAt    time.Time
	GuestCount    int
	CreatedAt     time.Time
}

type ReservationActionInput struct {
	RequestID     string
	TenantID      string
	ReservationID string
	OccurredAt    time.Time
}

type CheckInInput struct {
	RequestID string
	TenantID  string
	QRToken   string
	ScannedAt time.Time
}

type CheckInResult struct {
	Reservation models.Reservation `json:"reservation"`
	Replayed    bool               `json:"replayed"`
	Excess      int                `json:"excess"`
}

type AdmitInput struct {
	RequestID     string
	TenantID      string
	ReservationID string
	Guests        int
	OccurredAt    time.Time
}

// SweepInput carries the commercial-day start boundary of every tenant with
// explicit settings; all other tenants use DefaultBoundary.
type SweepInput struct {
	Boundaries      map[string]time.Time
	DefaultBoundary time.Time
	OccurredAt      time.Time
}

type ReservationStore interface {
	CreateReservation(ctx context.Context, input CreateReservationInput) (models.Reservation, bool, error)
	GetReservation(ctx context.Context, tenantID, reservationID string) (models.Reservation, error)
	ConfirmReservation(ctx context.Context, input ReservationActionInput) (models.Reservation, bool, error)
	CompleteReservation(ctx context.Context, input ReservationActionInput) (models.Reservation, bool, error)
	CancelReservation(ctx context.Context, input ReservationActionInput) (models.Reservation, bool, error)
	CheckIn(ctx context.Context, input CheckInInput) (CheckInResult, error)
	InspectQR(ctx context.Context, tenantID, qrToken string) (models.Reservation, error)
	AdmitGuests(ctx context.Context, input AdmitInput) (models.Reservation, error)
	MarkStaleNoShow(ctx context.Context, input SweepInput) (int, error)
	PurgeQRCodes(ctx context.Context, before time.Time) (int, error)
}

type SettingsStore interface {
	GetBusinessDaySettings(ctx context.Context, tenantID string) (models.BusinessDaySettings, bool, error)
	ListBusinessDaySettings(ctx context.Context) ([]models.BusinessDaySettings, error)
	PutBusinessDaySettings(ctx context.Context, settings models.BusinessDaySettings) error
}

type CreateCampaignInput struct {
	CampaignID      string
	TenantID        string
	Name            string
	Status          string
	TemplateID      string
	MessageBody     string
	SenderID        string
	BatchSize       int
	InterBatchDelay time.Duration
	MaxConcurrency  int
	ScheduledAt     *time.Time
	Recipients      []models.Recipient
	CreatedAt       time.Time
}

type CampaignTransitionInput struct {
	CampaignID string
	Action     string
	LastError  string
	OccurredAt time.Time
}

// AttemptResult records the outcome of one gateway call. An empty Error
// means the gateway accepted the message.
type AttemptResult struct {
	CampaignID  string
	Position    int
	MessageID   string
	Error       string
	Permanent   bool
	AttemptedAt time.Time
}

type DeliveryUpdate struct {
	MessageID  string
	Status     string
	Error      string
	Permanent  bool
	OccurredAt time.Time
}

type CampaignStore interface {
	CreateCampaign(ctx context.Context, input CreateCampaignInput) (models.Campaign, error)
	GetCampaign(ctx context.Context, campaignID string) (models.Campaign, error)
	TransitionCampaign(ctx context.Context, input CampaignTransitionInput) (models.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status string, limit int) ([]models.Campaign, error)
	ListDueDrafts(ctx context.Context, now time.Time, limit int) ([]models.Campaign, error)
	ClaimBatch(ctx context.Context, campaignID string, limit int) ([]models.Attempt, error)
	RecordSkip(ctx context.Context, campaignID string, position int, reason string) error
	RecordAttempt(ctx context.Context, result AttemptResult) error
	FailStranded(ctx context.Context, campaignID, reason string, at time.Time) (int, error)
	ApplyDeliveryStatus(ctx context.Context, update DeliveryUpdate) (models.Attempt, bool, error)
	ListCustomers(ctx context.Context, tenantID string) ([]models.Customer, error)
	Suppressed(ctx context.Context, tenantID string, phones []string) (map[string]string, error)
	AddSuppression(ctx context.Context, suppression models.Suppression) error
}

// OutboxStore lists committed events after a relay position. Only events of
// transactions older than every running one are listed, so a later commit can
// never land behind a stored position.
type OutboxStore interface {
	ListOutboxEvents(ctx context.Context, after OutboxPosition, limit int) ([]OutboxEvent, error)
	GetOffset(ctx context.Context, name string) (OutboxPosition, error)
	UpdateOffset(ctx context.Context, name string, pos OutboxPosition) error
}

// OutboxPosition orders events by writing transaction, then by seq.
type OutboxPosition struct {
	XactID int64 `json:"xact_id"`
	Seq    int64 `json:"seq"`
}

func (p OutboxPosition) After(other OutboxPosition) bool {
	if p.XactID != other.XactID {
		return p.XactID > other.XactID
	}
	return p.Seq > other.Seq
}

type OutboxEvent struct {
	Seq       int64           `json:"seq"`
	XactID    int64           `json:"xact_id"`
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (e OutboxEvent) Position() OutboxPosition {
	return OutboxPosition{XactID: e.XactID, Seq: e.Seq}
}

const (
	EventReservationCreated   = "reservation.created"
	EventReservationConfirmed = "reservation.confirmed"
	EventReservationCheckedIn = "reservation.checked_in"
	EventReservationCompleted = "reservation.completed"
	EventReservationCancelled = "reservation.cancelled"
	EventReservationNoShow    = "reservation.no_show"
	EventCampaignPrefix       = "campaign."
)

// QRValidFrom and QRValidUntil bound the scan window around reserved_at.
const (
	QRValidFrom  = 24 * time.Hour
	QRValidUntil = 12 * time.Hour
)

// CheckQRWindow validates a scan time against the reservation time.
func CheckQRWindow(reservedAt, scannedAt time.Time) error {
	if scannedAt.Before(reservedAt.Add(-QRValidFrom)) {
		return ErrQRNotYetValid
	}
	if scannedAt.After(reservedAt.Add(QRValidUntil)) {
		return ErrQRExpired
	}
	return nil
}

func CampaignEventType(action string) string {
	switch action {
	case "create":
		return EventCampaignPrefix + "created"
	case "launch":
		return EventCampaignPrefix + "started"
	case "pause":
		return EventCampaignPrefix + "paused"
	case "resume":
		return EventCampaignPrefix + "resumed"
	case "cancel":
		return EventCampaignPrefix + "cancelled"
	case "complete":
		return EventCampaignPrefix + "completed"
	case "fail":
		return EventCampaignPrefix + "failed"
	}
	return EventCampaignPrefix + action
}
