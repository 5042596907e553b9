package models

import "time"

type Campaign struct {
	CampaignID      string        `json:"campaign_id"`
	TenantID        string        `json:"tenant_id"`
	Name            string        `json:"name"`
	Status          string        `json:"status"`
	TemplateID      string        `json:"template_id,omitempty"`
	MessageBody     string        `json:"message_body,omitempty"`
	SenderID        string        `json:"sender_id,omitempty"`
	TotalTargeted   int           `json:"total_targeted"`
	TotalSent       int           `json:"total_sent"`
	TotalDelivered  int           `json:"total_delivered"`
	TotalFailed     int           `json:"total_failed"`
	TotalSkipped    int           `json:"total_skipped"`
	BatchSize       int           `json:"batch_size"`
	InterBatchDelay time.Duration `json:"-"`
	MaxConcurrency  int           `json:"max_concurrency"`
	ScheduledAt     *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	PausedAt        *time.Time    `json:"paused_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

const (
	CampaignDraft     = "DRAFT"
	CampaignRunning   = "RUNNING"
	CampaignPaused    = "PAUSED"
	CampaignCompleted = "COMPLETED"
	CampaignFailed    = "FAILED"
	CampaignCancelled = "CANCELLED"
)

func IsTerminalCampaign(status string) bool {
	switch status {
	case CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

// Processed counts recipients that no longer need a send decision.
func (c Campaign) Processed() int {
	return c.TotalSent + c.TotalSkipped
}

type Recipient struct {
	Phone     string            `json:"phone"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Attempt is the per-recipient row of a campaign. Position is the
// persisted dispatch cursor.
type Attempt struct {
	CampaignID  string            `json:"campaign_id"`
	TenantID    string            `json:"tenant_id"`
	Position    int               `json:"position"`
	Phone       string            `json:"phone"`
	Name        string            `json:"name,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Status      string            `json:"status"`
	MessageID   string            `json:"message_id,omitempty"`
	Error       string            `json:"error,omitempty"`
	AttemptedAt *time.Time        `json:"attempted_at,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	FailedAt    *time.Time        `json:"failed_at,omitempty"`
}

const (
	AttemptPending   = "PENDING"
	AttemptSending   = "SENDING"
	AttemptSent      = "SENT"
	AttemptDelivered = "DELIVERED"
	AttemptFailed    = "FAILED"
	AttemptSkipped   = "SKIPPED"
)

const (
	SuppressionOptOut           = "OPT_OUT"
	SuppressionInvalidNumber    = "INVALID_NUMBER"
	SuppressionPermanentFailure = "PERMANENT_FAILURE"
)

type Suppression struct {
	TenantID  string    `json:"tenant_id"`
	Phone     string    `json:"phone"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type Customer struct {
	CustomerID string `json:"customer_id"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
}
