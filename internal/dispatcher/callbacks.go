package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lealta/venue-service/internal/compliance"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"

	"go.uber.org/zap"
)

// DeliveryReport is a provider status callback for one message.
type DeliveryReport struct {
	MessageID    string
	Status       string
	ErrorCode    string
	ErrorMessage string
}

// permanentCodes are provider error codes after which the number is
// suppressed for the tenant.
var permanentCodes = map[string]struct{}{
	"21211": {}, // invalid number
	"21610": {}, // unsubscribed recipient
	"21614": {}, // not a mobile number
	"30005": {}, // unknown destination
	"30006": {}, // landline or unreachable carrier
	"63024": {}, // invalid message recipient
}

// maxEarlyCallbacks bounds the ids remembered for the callback grace period.
const maxEarlyCallbacks = 10000

func IsPermanentCode(code string) bool {
	_, ok := permanentCodes[code]
	return ok
}

// OnDeliveryCallback applies a provider status to the attempt that carries
// messageID. Repeated callbacks are no-ops.
func (d *Dispatcher) OnDeliveryCallback(ctx context.Context, messageID, status string) error {
	_, err := d.ApplyDelivery(ctx, DeliveryReport{MessageID: messageID, Status: status})
	return err
}

// ApplyDelivery reports whether the callback changed an attempt.
func (d *Dispatcher) ApplyDelivery(ctx context.Context, report DeliveryReport) (bool, error) {
	var target string
	switch strings.ToLower(strings.TrimSpace(report.Status)) {
	case "delivered", "read":
		target = models.AttemptDelivered
	case "failed", "undelivered":
		target = models.AttemptFailed
	case "sent", "queued", "accepted", "sending":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownStatus, report.Status)
	}
	if report.MessageID == "" {
		return false, ErrMessageNotFound
	}

	permanent := IsPermanentCode(report.ErrorCode)
	errText := report.ErrorMessage
	if errText == "" && report.ErrorCode != "" {
		errText = "provider error " + report.ErrorCode
	}
	attempt, applied, err := d.store.ApplyDeliveryStatus(ctx, store.DeliveryUpdate{
		MessageID:  report.MessageID,
		Status:     target,
		Error:      errText,
		Permanent:  permanent,
		OccurredAt: d.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) && d.withinGrace(report.MessageID) {
			return false, fmt.Errorf("%w: %w", ErrDeliveryNotReady, err)
		}
		return false, err
	}
	d.forgetEarly(report.MessageID)
	if !applied {
		return false, nil
	}
	if target == models.AttemptFailed && permanent {
		d.suppress(ctx, attempt.TenantID, attempt.Phone, models.SuppressionPermanentFailure)
	}
	d.log.Debug("delivery status applied",
		zap.String("message_id", report.MessageID),
		zap.String("campaign_id", attempt.CampaignID),
		zap.String("status", target))
	return true, nil
}

// withinGrace reports whether messageID was first seen unknown less than
// callbackGrace ago. A callback can overtake RecordAttempt because the
// provider answers before the send result is stored.
func (d *Dispatcher) withinGrace(messageID string) bool {
	if d.callbackGrace <= 0 {
		return false
	}
	now := d.now()
	d.earlyMu.Lock()
	defer d.earlyMu.Unlock()
	if first, ok := d.early[messageID]; ok {
		return now.Sub(first) < d.callbackGrace
	}
	expired := now.Add(-10 * d.callbackGrace)
	for id, first := range d.early {
		if first.Before(expired) {
			delete(d.early, id)
		}
	}
	if len(d.early) >= maxEarlyCallbacks {
		return false
	}
	d.early[messageID] = now
	return true
}

func (d *Dispatcher) forgetEarly(messageID string) {
	d.earlyMu.Lock()
	delete(d.early, messageID)
	d.earlyMu.Unlock()
}

// RecordOptOut suppresses a number for a tenant after an opt-out request.
func (d *Dispatcher) RecordOptOut(ctx context.Context, tenantID, rawPhone string) error {
	phone, err := compliance.NormalizePhone(rawPhone)
	if err != nil {
		return err
	}
	return d.store.AddSuppression(ctx, models.Suppression{
		TenantID:  tenantID,
		Phone:     phone,
		Reason:    models.SuppressionOptOut,
		CreatedAt: d.now().UTC(),
	})
}
