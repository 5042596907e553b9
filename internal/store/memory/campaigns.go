package memory

import (
	"context"
	"time"

	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateCampaign(ctx context.Context, input store.CreateCampaignInput) (models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := input.CampaignID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := now(input.CreatedAt)
	status := input.Status
	if status == "" {
		status = models.CampaignRunning
	}
	c := &models.Campaign{
		CampaignID:      id,
		TenantID:        input.TenantID,
		Name:            input.Name,
		Status:          status,
		TemplateID:      input.TemplateID,
		MessageBody:     input.MessageBody,
		SenderID:        input.SenderID,
		TotalTargeted:   len(input.Recipients),
		BatchSize:       input.BatchSize,
		InterBatchDelay: input.InterBatchDelay,
		MaxConcurrency:  input.MaxConcurrency,
		ScheduledAt:     input.ScheduledAt,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	if status == models.CampaignRunning {
		started := createdAt
		c.StartedAt = &started
	}
	s.campaigns[id] = c

	attempts := make([]*models.Attempt, 0, len(input.Recipients))
	for i, recipient := range input.Recipients {
		attempts = append(attempts, &models.Attempt{
			CampaignID: id,
			TenantID:   input.TenantID,
			Position:   i,
			Phone:      recipient.Phone,
			Name:       recipient.Name,
			Variables:  recipient.Variables,
			Status:     models.AttemptPending,
		})
	}
	s.recipients[id] = attempts
	s.appendEvent(input.TenantID, store.CampaignEventType("create"), *c, createdAt)
	return *c, nil
}

func (s *Store) GetCampaign(ctx context.Context, campaignID string) (models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return models.Campaign{}, store.ErrCampaignNotFound
	}
	return *c, nil
}

func (s *Store) TransitionCampaign(ctx context.Context, input store.CampaignTransitionInput) (models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[input.CampaignID]
	if !ok {
		return models.Campaign{}, store.ErrCampaignNotFound
	}
	if !store.ValidCampaignTransition(input.Action, c.Status) {
		return models.Campaign{}, store.InvalidTransition(input.Action, c.Status)
	}
	at := now(input.OccurredAt)
	c.Status = store.CampaignTarget(input.Action)
	c.UpdatedAt = at
	switch input.Action {
	case "launch":
		if c.StartedAt == nil {
			c.StartedAt = &at
		}
	case "pause":
		c.PausedAt = &at
	case "resume":
		c.PausedAt = nil
	default:
		c.CompletedAt = &at
	}
	if input.LastError != "" {
		c.LastError = input.LastError
	}
	s.appendEvent(c.TenantID, store.CampaignEventType(input.Action), *c, at)
	return *c, nil
}

func (s *Store) ListCampaignsByStatus(ctx context.Context, status string, limit int) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Campaign
	for _, c := range s.campaigns {
		if c.Status == status {
			list = append(list, *c)
		}
	}
	return limitCampaigns(list, limit), nil
}

func (s *Store) ListDueDrafts(ctx context.Context, at time.Time, limit int) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.Campaign
	for _, c := range s.campaigns {
		if c.Status == models.CampaignDraft && c.ScheduledAt != nil && !c.ScheduledAt.After(at) {
			list = append(list, *c)
		}
	}
	return limitCampaigns(list, limit), nil
}

func limitCampaigns(list []models.Campaign, limit int) []models.Campaign {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func (s *Store) ClaimBatch(ctx context.Context, campaignID string, limit int) ([]models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch []models.Attempt
	for _, a := range s.recipients[campaignID] {
		if len(batch) == limit {
			break
		}
		if a.Status != models.AttemptPending {
			continue
		}
		a.Status = models.AttemptSending
		batch = append(batch, *a)
	}
	return batch, nil
}

func (s *Store) attempt(campaignID string, position int) (*models.Attempt, bool) {
	list := s.recipients[campaignID]
	if position < 0 || position >= len(list) {
		return nil, false
	}
	return list[position], true
}

func (s *Store) RecordSkip(ctx context.Context, campaignID string, position int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempt(campaignID, position)
	if !ok || a.Status != models.AttemptSending {
		return store.ErrAttemptNotFound
	}
	a.Status = models.AttemptSkipped
	a.Error = reason
	c := s.campaigns[campaignID]
	c.TotalSkipped++
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, result store.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempt(result.CampaignID, result.Position)
	if !ok || a.Status != models.AttemptSending {
		return store.ErrAttemptNotFound
	}
	at := now(result.AttemptedAt)
	a.AttemptedAt = &at
	a.MessageID = result.MessageID
	c := s.campaigns[result.CampaignID]
	c.TotalSent++
	if result.Error != "" {
		a.Status = models.AttemptFailed
		a.Error = result.Error
		a.FailedAt = &at
		c.TotalFailed++
	} else {
		a.Status = models.AttemptSent
	}
	if a.MessageID != "" {
		s.byMessage[a.MessageID] = a
	}
	c.UpdatedAt = at
	return nil
}

func (s *Store) FailStranded(ctx context.Context, campaignID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, store.ErrCampaignNotFound
	}
	n := 0
	for _, a := range s.recipients[campaignID] {
		if a.Status != models.AttemptSending {
			continue
		}
		failedAt := at
		a.Status = models.AttemptFailed
		a.Error = reason
		a.FailedAt = &failedAt
		if a.AttemptedAt == nil {
			a.AttemptedAt = &failedAt
		}
		n++
	}
	c.TotalSent += n
	c.TotalFailed += n
	return n, nil
}

func (s *Store) ApplyDeliveryStatus(ctx context.Context, update store.DeliveryUpdate) (models.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byMessage[update.MessageID]
	if !ok {
		return models.Attempt{}, false, store.ErrMessageNotFound
	}
	if a.Status != models.AttemptSent {
		return *a, false, nil
	}
	at := now(update.OccurredAt)
	c := s.campaigns[a.CampaignID]
	switch update.Status {
	case models.AttemptDelivered:
		a.Status = models.AttemptDelivered
		a.DeliveredAt = &at
		c.TotalDelivered++
	case models.AttemptFailed:
		a.Status = models.AttemptFailed
		a.FailedAt = &at
		if update.Error != "" {
			a.Error = update.Error
		}
		c.TotalFailed++
	default:
		return *a, false, nil
	}
	c.UpdatedAt = at
	return *a, true, nil
}

// Attempts returns a copy of every recipient row of a campaign.
func (s *Store) Attempts(campaignID string) []models.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Attempt, 0, len(s.recipients[campaignID]))
	for _, a := range s.recipients[campaignID] {
		out = append(out, *a)
	}
	return out
}

// AddCustomer seeds the tenant's customer list.
func (s *Store) AddCustomer(customer models.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if customer.CustomerID == "" {
		customer.CustomerID = uuid.NewString()
	}
	s.customers[customer.TenantID] = append(s.customers[customer.TenantID], customer)
}

func (s *Store) ListCustomers(ctx context.Context, tenantID string) ([]models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Customer(nil), s.customers[tenantID]...), nil
}

func (s *Store) Suppressed(ctx context.Context, tenantID string, phones []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]string)
	for _, phone := range phones {
		if reason, ok := s.suppressions[tenantID][phone]; ok {
			result[phone] = reason
		}
	}
	return result, nil
}

func (s *Store) AddSuppression(ctx context.Context, suppression models.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressions[suppression.TenantID] == nil {
		s.suppressions[suppression.TenantID] = make(map[string]string)
	}
	if _, ok := s.suppressions[suppression.TenantID][suppression.Phone]; !ok {
		s.suppressions[suppression.TenantID][suppression.Phone] = suppression.Reason
	}
	return nil
}
