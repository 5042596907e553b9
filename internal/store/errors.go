package store

import (
	"errors"
	"fmt"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidState        = errors.New("invalid reservation state")
	ErrQRNotFound          = errors.New("qr token not found")
	ErrQRExpired           = errors.New("qr token expired")
	ErrQRNotYetValid       = errors.New("qr token not yet valid")
	ErrCampaignNotFound    = errors.New("campaign not found")
	ErrInvalidTransition   = errors.New("invalid campaign transition")
	ErrAttemptNotFound     = errors.New("campaign attempt not found")
	ErrMessageNotFound     = errors.New("message not found")
)

// InvalidTransition wraps ErrInvalidTransition with the rejected action and
// the campaign's current status.
func InvalidTransition(action, status string) error {
	return fmt.Errorf("%w: %s campaign in status %s", ErrInvalidTransition, action, status)
}
