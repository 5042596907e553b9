package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lealta/venue-service/internal/compliance"
	"lealta/venue-service/internal/dispatcher"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"

	"go.uber.org/zap"
)

type startCampaignRequest struct {
	TenantID               string             `json:"tenant_id"`
	Name                   string             `json:"name"`
	TemplateID             string             `json:"template_id"`
	MessageBody            string             `json:"message_body"`
	SenderID               string             `json:"sender_id"`
	BatchSize              int                `json:"batch_size"`
	InterBatchDelaySeconds int                `json:"inter_batch_delay_seconds"`
	MaxConcurrency         int                `json:"max_concurrency"`
	Recipients             []models.Recipient `json:"recipients"`
	ScheduledAt            *time.Time         `json:"scheduled_at"`
}

type campaignActionRequest struct {
	TenantID string `json:"tenant_id"`
}

type deliveryRequest struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	TenantID     string `json:"tenant_id"`
	From         string `json:"from"`
	Body         string `json:"body"`
}

type optOutRequest struct {
	TenantID string `json:"tenant_id"`
	Phone    string `json:"phone"`
}

type startCampaignResponse struct {
	dispatcher.Progress
	Warnings []string `json:"warnings,omitempty"`
}

func (h *Handler) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req startCampaignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if !isValidUUID(req.TenantID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return
	}
	if req.InterBatchDelaySeconds < 0 {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "inter_batch_delay_seconds must not be negative")
		return
	}

	campaignID, err := h.campaigns.StartCampaign(r.Context(), req.TenantID, dispatcher.CampaignConfig{
		Name:            strings.TrimSpace(req.Name),
		TemplateID:      strings.TrimSpace(req.TemplateID),
		MessageBody:     req.MessageBody,
		SenderID:        strings.TrimSpace(req.SenderID),
		BatchSize:       req.BatchSize,
		InterBatchDelay: time.Duration(req.InterBatchDelaySeconds) * time.Second,
		MaxConcurrency:  req.MaxConcurrency,
		Recipients:      req.Recipients,
		ScheduledAt:     req.ScheduledAt,
	})
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	progress, err := h.campaigns.GetCampaignProgress(r.Context(), campaignID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusAccepted, startCampaignResponse{
		Progress: progress,
		Warnings: compliance.Warnings(req.MessageBody),
	})
}

func (h *Handler) handleCampaignActions(w http.ResponseWriter, r *http.Request) {
	campaignID, action, ok := splitAction(r.URL.Path, "/api/campaigns/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(campaignID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "campaign_id must be a UUID")
		return
	}

	if action == "progress" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		progress, ok := h.ownedCampaign(w, r, campaignID, r.URL.Query().Get("tenant_id"))
		if ok {
			writeJSON(w, http.StatusOK, progress)
		}
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var run func(ctx context.Context, id string) (models.Campaign, error)
	switch action {
	case "pause":
		run = h.campaigns.PauseCampaign
	case "resume":
		run = h.campaigns.ResumeCampaign
	case "cancel":
		run = h.campaigns.CancelCampaign
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req campaignActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, ok := h.ownedCampaign(w, r, campaignID, req.TenantID); !ok {
		return
	}
	campaign, err := run(r.Context(), campaignID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// ownedCampaign loads progress and hides campaigns of other tenants.
func (h *Handler) ownedCampaign(w http.ResponseWriter, r *http.Request, campaignID, tenantID string) (dispatcher.Progress, bool) {
	tenantID = strings.TrimSpace(tenantID)
	if !isValidUUID(tenantID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return dispatcher.Progress{}, false
	}
	progress, err := h.campaigns.GetCampaignProgress(r.Context(), campaignID)
	if err == nil && progress.TenantID != tenantID {
		err = store.ErrCampaignNotFound
	}
	if err != nil {
		h.fail(w, r, "", err)
		return dispatcher.Progress{}, false
	}
	return progress, true
}

// handleWebhook accepts provider delivery callbacks as JSON or as
// Twilio-style form posts. Inbound messages carrying an opt-out keyword
// suppress the sender for the tenant.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req deliveryRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_form", "invalid form payload")
			return
		}
		req = deliveryFromForm(r.PostForm)
	} else if !decodeJSON(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	}

	if req.MessageID == "" || req.Status == "" {
		h.handleInbound(w, r, req)
		return
	}

	applied, err := h.campaigns.ApplyDelivery(r.Context(), dispatcher.DeliveryReport{
		MessageID:    strings.TrimSpace(req.MessageID),
		Status:       req.Status,
		ErrorCode:    strings.TrimSpace(req.ErrorCode),
		ErrorMessage: req.ErrorMessage,
	})
	if errors.Is(err, dispatcher.ErrDeliveryNotReady) {
		w.Header().Set("Retry-After", "5")
		writeError(w, "", http.StatusServiceUnavailable, "message_not_recorded", "message not recorded yet, retry later")
		return
	}
	if errors.Is(err, dispatcher.ErrMessageNotFound) {
		h.log.InfoContext(r.Context(), "delivery callback for unknown message", zap.String("message_id", req.MessageID))
		writeJSON(w, http.StatusOK, map[string]bool{"applied": false})
		return
	}
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request, req deliveryRequest) {
	if req.From == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "message_id and status, or from and body, are required")
		return
	}
	if !compliance.IsOptOut(req.Body) {
		writeJSON(w, http.StatusOK, map[string]bool{"opted_out": false})
		return
	}
	if !isValidUUID(req.TenantID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID")
		return
	}
	if err := h.campaigns.RecordOptOut(r.Context(), req.TenantID, req.From); err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"opted_out": true})
}

func deliveryFromForm(form url.Values) deliveryRequest {
	return deliveryRequest{
		MessageID:    strings.TrimSpace(form.Get("MessageSid")),
		Status:       strings.TrimSpace(form.Get("MessageStatus")),
		ErrorCode:    strings.TrimSpace(form.Get("ErrorCode")),
		ErrorMessage: strings.TrimSpace(form.Get("ErrorMessage")),
		TenantID:     strings.TrimSpace(form.Get("TenantId")),
		From:         strings.TrimSpace(form.Get("From")),
		Body:         form.Get("Body"),
	}
}

func (h *Handler) handleOptOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req optOutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if !isValidUUID(req.TenantID) || strings.TrimSpace(req.Phone) == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "tenant_id must be a UUID and phone is required")
		return
	}
	if err := h.campaigns.RecordOptOut(r.Context(), req.TenantID, req.Phone); err != nil {
		h.fail(w, r, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
