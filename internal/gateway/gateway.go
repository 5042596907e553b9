package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lealta/venue-service/internal/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// ErrPermanent marks failures that will not succeed on retry, such as an
// invalid number or a recipient blocked at the provider.
var ErrPermanent = errors.New("permanent delivery failure")

type Message struct {
	TenantID   string `json:"tenant_id"`
	CampaignID string `json:"campaign_id,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	To         string `json:"to"`
	Body       string `json:"body"`
}

type Receipt struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type Gateway interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Func adapts a function to Gateway.
type Func func(ctx context.Context, msg Message) (Receipt, error)

func (f Func) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}

type Config struct {
	Provider     string
	WebhookURL   string
	WebhookToken string
	Timeout      time.Duration
}

func New(cfg Config, log *logger.Logger) (Gateway, error) {
	if log == nil {
		log = logger.Nop()
	}
	switch cfg.Provider {
	case "", "log":
		return logProvider{log: log.Named("gateway")}, nil
	case "noop":
		return noopProvider{}, nil
	case "fail":
		return failProvider{}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, errors.New("webhook gateway requires a url")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return &webhookProvider{
			url:   cfg.WebhookURL,
			token: cfg.WebhookToken,
			client: &http.Client{
				Timeout:   timeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type logProvider struct {
	log *logger.Logger
}

func (p logProvider) Send(ctx context.Context, msg Message) (Receipt, error) {
	id := newMessageID()
	p.log.InfoContext(ctx, "message sent",
		zap.String("message_id", id),
		zap.String("tenant_id", msg.TenantID),
		zap.String("to", msg.To),
		zap.Int("body_len", len(msg.Body)))
	return Receipt{MessageID: id, Status: "queued"}, nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, msg Message) (Receipt, error) {
	return Receipt{MessageID: newMessageID(), Status: "queued"}, nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, msg Message) (Receipt, error) {
	return Receipt{}, errors.New("provider failure")
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

// permanentStatus lists the answers that reject the recipient itself.
// Throttling, timeouts and auth problems stay transient.
var permanentStatus = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusNotFound:            true,
	http.StatusGone:                true,
	http.StatusUnprocessableEntity: true,
}

// Send posts the message as JSON. 400, 404, 410 and 422 are permanent
// failures; every other non-2xx answer and transport errors are transient.
func (p *webhookProvider) Send(ctx context.Context, msg Message) (Receipt, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case permanentStatus[resp.StatusCode]:
		return Receipt{}, fmt.Errorf("%w: provider returned %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 300:
		return Receipt{}, fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	var receipt Receipt
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &receipt)
	}
	if receipt.MessageID == "" {
		receipt.MessageID = newMessageID()
	}
	if receipt.Status == "" {
		receipt.Status = "queued"
	}
	return receipt, nil
}
