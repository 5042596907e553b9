package models

import "time"

type Reservation struct {
	ReservationID string     `json:"reservation_id"`
	TenantID      string     `json:"tenant_id"`
	RequestID     string     `json:"request_id,omitempty"`
	CustomerName  string     `json:"customer_name"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
	ReservedAt    time.Time  `json:"reserved_at"`
	GuestCount    int        `json:"guest_count"`
	ArrivedGuests int        `json:"arrived_guests"`
	Status        string     `json:"status"`
	QRToken       string     `json:"qr_token,omitempty"`
	ScanCount     int        `json:"scan_count"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

const (
	ReservationPending   = "PENDING"
	ReservationConfirmed = "CONFIRMED"
	ReservationCheckedIn = "CHECKED_IN"
	ReservationCompleted = "COMPLETED"
	ReservationCancelled = "CANCELLED"
	ReservationNoShow    = "NO_SHOW"
)

// IsTerminalReservation reports whether no further transition is possible.
func IsTerminalReservation(status string) bool {
	switch status {
	case ReservationCompleted, ReservationCancelled, ReservationNoShow:
		return true
	}
	return false
}

// Excess is the number of arrivals above the booked guest count.
func (r Reservation) Excess() int {
	if r.ArrivedGuests <= r.GuestCount {
		return 0
	}
	return r.ArrivedGuests - r.GuestCount
}

const (
	ScanAccepted = "accepted"
	ScanReplay   = "replay"
	ScanRejected = "rejected"
)

type QRScan struct {
	ScanID        string    `json:"scan_id"`
	ReservationID string    `json:"reservation_id"`
	TenantID      string    `json:"tenant_id"`
	QRToken       string    `json:"qr_token"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	ScannedAt     time.Time `json:"scanned_at"`
}
