// Package dispatcher sends campaigns in sequential batches with bounded
// concurrency inside each batch. Counters and the recipient cursor live in
// the store; the dispatcher only holds the run loops.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lealta/venue-service/internal/compliance"
	"lealta/venue-service/internal/gateway"
	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"
	"lealta/venue-service/internal/telemetry"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidTransition = store.ErrInvalidTransition
	ErrCampaignNotFound  = store.ErrCampaignNotFound
	ErrMessageNotFound   = store.ErrMessageNotFound
	ErrContentRejected   = errors.New("campaign content rejected")
	ErrNoRecipients      = errors.New("campaign has no valid recipients")
	ErrInvalidConfig     = errors.New("invalid campaign config")
	ErrUnknownStatus     = errors.New("unknown delivery status")
	// ErrDeliveryNotReady wraps ErrMessageNotFound while the message id is
	// still inside the callback grace period; the sender should retry.
	ErrDeliveryNotReady = errors.New("delivery status arrived before its message was recorded")
)

const (
	interruptedReason = "interrupted"
	maxRetryBackoff   = 30 * time.Second
)

type CampaignConfig struct {
	Name            string        `validate:"required,max=200"`
	TemplateID      string        `validate:"max=200"`
	MessageBody     string        `validate:"required_without=TemplateID"`
	SenderID        string        `validate:"max=200"`
	BatchSize       int           `validate:"gte=0,lte=1000"`
	InterBatchDelay time.Duration `validate:"gte=0"`
	MaxConcurrency  int           `validate:"gte=0,lte=100"`
	Recipients      []models.Recipient
	ScheduledAt     *time.Time
}

type Defaults struct {
	BatchSize       int
	InterBatchDelay time.Duration
	MaxConcurrency  int
}

type Progress struct {
	CampaignID                string  `json:"campaign_id"`
	TenantID                  string  `json:"tenant_id"`
	Status                    string  `json:"status"`
	TotalTargeted             int     `json:"total_targeted"`
	TotalSent                 int     `json:"total_sent"`
	TotalDelivered            int     `json:"total_delivered"`
	TotalFailed               int     `json:"total_failed"`
	TotalSkipped              int     `json:"total_skipped"`
	PercentComplete           float64 `json:"percent_complete"`
	CurrentBatch              int     `json:"current_batch"`
	TotalBatches              int     `json:"total_batches"`
	EstimatedRemainingSeconds int64   `json:"estimated_remaining_seconds"`
	LastError                 string  `json:"last_error,omitempty"`
}

// Sleeper waits for d, returning early when wake fires or ctx ends.
type Sleeper func(ctx context.Context, d time.Duration, wake <-chan struct{}) error

type Dispatcher struct {
	store    store.CampaignStore
	gateway  gateway.Gateway
	locker   Locker
	window   compliance.SendWindow
	defaults Defaults
	log      *logger.Logger
	validate *validator.Validate
	now      func() time.Time
	sleep    Sleeper
	onDone   func(campaignID, status string)

	claimRetries int
	retryBackoff time.Duration

	callbackGrace time.Duration
	earlyMu       sync.Mutex
	early         map[string]time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	wakers map[string]chan struct{}

	messages      *telemetry.Counter
	batchDuration *telemetry.Histogram
}

type Option func(*Dispatcher)

func WithLocker(l Locker) Option { return func(d *Dispatcher) { d.locker = l } }

func WithSendWindow(w compliance.SendWindow) Option { return func(d *Dispatcher) { d.window = w } }

func WithDefaults(def Defaults) Option { return func(d *Dispatcher) { d.defaults = def } }

func WithLogger(log *logger.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithSleeper(s Sleeper) Option { return func(d *Dispatcher) { d.sleep = s } }

// WithClaimRetry sets how many consecutive ClaimBatch errors a campaign
// survives and the first backoff between them.
func WithClaimRetry(attempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		d.claimRetries = attempts
		d.retryBackoff = backoff
	}
}

// WithCallbackGrace sets how long a callback for an unknown message id is
// answered with ErrDeliveryNotReady. Zero disables the grace period.
func WithCallbackGrace(grace time.Duration) Option {
	return func(d *Dispatcher) { d.callbackGrace = grace }
}

// WithDoneHook is called whenever a dispatch loop exits, with the status it
// last observed.
func WithDoneHook(fn func(campaignID, status string)) Option {
	return func(d *Dispatcher) { d.onDone = fn }
}

func New(campaigns store.CampaignStore, gw gateway.Gateway, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:         campaigns,
		gateway:       gw,
		locker:        NewLocalLocker(),
		defaults:      Defaults{BatchSize: 10, InterBatchDelay: 3 * time.Minute, MaxConcurrency: 5},
		log:           logger.Nop(),
		validate:      validator.New(),
		now:           time.Now,
		sleep:         sleep,
		claimRetries:  5,
		retryBackoff:  time.Second,
		callbackGrace: 2 * time.Minute,
		early:         make(map[string]time.Time),
		baseCtx:       ctx,
		cancel:        cancel,
		wakers:        make(map[string]chan struct{}),
		messages:      telemetry.NewCounter("campaign_messages_total", "Campaign recipients processed by result"),
		batchDuration: telemetry.NewHistogram("campaign_batch_duration_seconds", "Time to process one campaign batch", "s"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Named("dispatcher")
	return d
}

// StartCampaign validates the config, snapshots the recipients and starts
// dispatching. Campaigns scheduled in the future are stored as DRAFT and
// launched by Recover once due.
func (d *Dispatcher) StartCampaign(ctx context.Context, tenantID string, cfg CampaignConfig) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant id is required", ErrInvalidConfig)
	}
	if err := d.validate.Struct(cfg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.MessageBody != "" {
		if issues := compliance.CheckContent(cfg.MessageBody); len(issues) > 0 {
			msgs := make([]string, 0, len(issues))
			for _, issue := range issues {
				msgs = append(msgs, issue.Message)
			}
			return "", fmt.Errorf("%w: %s", ErrContentRejected, strings.Join(msgs, "; "))
		}
	}

	recipients := cfg.Recipients
	if len(recipients) == 0 {
		customers, err := d.store.ListCustomers(ctx, tenantID)
		if err != nil {
			return "", fmt.Errorf("list customers: %w", err)
		}
		for _, customer := range customers {
			recipients = append(recipients, models.Recipient{Phone: customer.Phone, Name: customer.Name})
		}
	}
	recipients = cleanRecipients(recipients)
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = d.defaults.BatchSize
	}
	delay := cfg.InterBatchDelay
	if delay == 0 {
		delay = d.defaults.InterBatchDelay
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = d.defaults.MaxConcurrency
	}
	if concurrency <= 0 || concurrency > batchSize {
		concurrency = batchSize
	}

	now := d.now().UTC()
	status := models.CampaignRunning
	if cfg.ScheduledAt != nil && cfg.ScheduledAt.After(now) {
		status = models.CampaignDraft
	}

	c, err := d.store.CreateCampaign(ctx, store.CreateCampaignInput{
		TenantID:        tenantID,
		Name:            cfg.Name,
		Status:          status,
		TemplateID:      cfg.TemplateID,
		MessageBody:     cfg.MessageBody,
		SenderID:        cfg.SenderID,
		BatchSize:       batchSize,
		InterBatchDelay: delay,
		MaxConcurrency:  concurrency,
		ScheduledAt:     cfg.ScheduledAt,
		Recipients:      recipients,
		CreatedAt:       now,
	})
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	d.log.InfoContext(ctx, "campaign created",
		zap.String("campaign_id", c.CampaignID),
		zap.String("tenant_id", tenantID),
		zap.String("status", c.Status),
		zap.Int("total_targeted", c.TotalTargeted))

	if c.Status == models.CampaignRunning {
		d.launch(c.CampaignID)
	}
	return c.CampaignID, nil
}

// cleanRecipients normalises phones, drops invalid ones and keeps the first
// occurrence of every number.
func cleanRecipients(in []models.Recipient) []models.Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.Recipient, 0, len(in))
	for _, r := range in {
		phone, err := compliance.NormalizePhone(r.Phone)
		if err != nil {
			continue
		}
		if _, ok := seen[phone]; ok {
			continue
		}
		seen[phone] = struct{}{}
		r.Phone = phone
		out = append(out, r)
	}
	return out
}

func (d *Dispatcher) PauseCampaign(ctx context.Context, campaignID string) (models.Campaign, error) {
	c, err := d.transition(ctx, campaignID, "pause")
	if err != nil {
		return c, err
	}
	d.wake(campaignID)
	return c, nil
}

func (d *Dispatcher) ResumeCampaign(ctx context.Context, campaignID string) (models.Campaign, error) {
	c, err := d.transition(ctx, campaignID, "resume")
	if err != nil {
		return c, err
	}
	d.launch(campaignID)
	return c, nil
}

// CancelCampaign stops a campaign for good. Messages already sent stay sent;
// the in-flight batch completes.
func (d *Dispatcher) CancelCampaign(ctx context.Context, campaignID string) (models.Campaign, error) {
	c, err := d.transition(ctx, campaignID, "cancel")
	if err != nil {
		return c, err
	}
	d.wake(campaignID)
	return c, nil
}

func (d *Dispatcher) transition(ctx context.Context, campaignID, action string) (models.Campaign, error) {
	c, err := d.store.TransitionCampaign(ctx, store.CampaignTransitionInput{
		CampaignID: campaignID,
		Action:     action,
		OccurredAt: d.now().UTC(),
	})
	if err != nil {
		return models.Campaign{}, err
	}
	d.log.InfoContext(ctx, "campaign "+action,
		zap.String("campaign_id", campaignID), zap.String("status", c.Status))
	return c, nil
}

func (d *Dispatcher) GetCampaignProgress(ctx context.Context, campaignID string) (Progress, error) {
	c, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(c), nil
}

func progressOf(c models.Campaign) Progress {
	p := Progress{
		CampaignID:     c.CampaignID,
		TenantID:       c.TenantID,
		Status:         c.Status,
		TotalTargeted:  c.TotalTargeted,
		TotalSent:      c.TotalSent,
		TotalDelivered: c.TotalDelivered,
		TotalFailed:    c.TotalFailed,
		TotalSkipped:   c.TotalSkipped,
		LastError:      c.LastError,
	}
	processed := c.Processed()
	if c.TotalTargeted > 0 {
		p.PercentComplete = float64(processed) * 100 / float64(c.TotalTargeted)
	}
	if c.BatchSize > 0 {
		p.TotalBatches = ceilDiv(c.TotalTargeted, c.BatchSize)
		p.CurrentBatch = ceilDiv(processed, c.BatchSize)
	}
	if !models.IsTerminalCampaign(c.Status) && p.TotalBatches > p.CurrentBatch {
		remaining := p.TotalBatches - p.CurrentBatch
		p.EstimatedRemainingSeconds = int64(time.Duration(remaining) * c.InterBatchDelay / time.Second)
	}
	return p
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// launch starts a dispatch loop unless one already holds the campaign lock.
func (d *Dispatcher) launch(campaignID string) {
	unlock, ok, err := d.locker.TryLock(d.baseCtx, campaignID)
	if err != nil {
		d.log.Warn("campaign lock failed", zap.String("campaign_id", campaignID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	wake := make(chan struct{}, 1)
	d.mu.Lock()
	d.wakers[campaignID] = wake
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		status := d.run(d.baseCtx, campaignID, wake)
		d.mu.Lock()
		if d.wakers[campaignID] == wake {
			delete(d.wakers, campaignID)
		}
		d.mu.Unlock()
		unlock()
		if d.resumedWhileStopping(campaignID, status) {
			d.launch(campaignID)
		}
		if d.onDone != nil {
			d.onDone(campaignID, status)
		}
	}()
}

// resumedWhileStopping covers a resume that raced with the loop exit and
// could not take the lock.
func (d *Dispatcher) resumedWhileStopping(campaignID, status string) bool {
	if d.baseCtx.Err() != nil || status == "" || status == models.CampaignRunning {
		return false
	}
	c, err := d.store.GetCampaign(d.baseCtx, campaignID)
	return err == nil && c.Status == models.CampaignRunning
}

func (d *Dispatcher) wake(campaignID string) {
	d.mu.Lock()
	wake := d.wakers[campaignID]
	d.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// run is the per-campaign loop. It returns the last status it saw.
func (d *Dispatcher) run(ctx context.Context, campaignID string, wake <-chan struct{}) string {
	log := d.log.With(zap.String("campaign_id", campaignID))

	// holding the lock means nobody else is sending; SENDING rows are leftovers
	if n, err := d.store.FailStranded(context.WithoutCancel(ctx), campaignID, interruptedReason, d.now().UTC()); err != nil {
		log.Warn("fail stranded attempts", zap.Error(err))
	} else if n > 0 {
		log.Warn("stranded attempts marked failed", zap.Int("count", n))
	}

	claimFailures := 0
	for batch := 1; ; batch++ {
		if ctx.Err() != nil {
			return ""
		}
		c, err := d.store.GetCampaign(ctx, campaignID)
		if err != nil {
			log.Error("load campaign", zap.Error(err))
			return ""
		}
		if c.Status != models.CampaignRunning {
			log.Info("dispatch loop stopped", zap.String("status", c.Status))
			return c.Status
		}

		if now := d.now(); !d.window.Open(now) {
			next := d.window.NextOpen(now)
			log.Info("outside send window, waiting", zap.Time("until", next))
			if err := d.sleep(ctx, next.Sub(now), wake); err != nil {
				return c.Status
			}
			batch--
			continue
		}

		attempts, err := d.store.ClaimBatch(ctx, campaignID, c.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return c.Status
			}
			claimFailures++
			if claimFailures >= d.claimRetries {
				return d.fail(ctx, c, fmt.Errorf("claim batch: %w", err))
			}
			backoff := d.claimBackoff(claimFailures)
			log.Warn("claim batch failed, retrying",
				zap.Int("failures", claimFailures),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if err := d.sleep(ctx, backoff, wake); err != nil {
				return c.Status
			}
			batch--
			continue
		}
		claimFailures = 0
		if len(attempts) == 0 {
			return d.complete(ctx, c)
		}

		started := time.Now()
		if err := d.processBatch(ctx, c, attempts); err != nil {
			if ctx.Err() != nil {
				return c.Status
			}
			return d.fail(ctx, c, err)
		}
		d.batchDuration.Record(ctx, time.Since(started).Seconds())
		log.Info("batch processed", zap.Int("batch", batch), zap.Int("size", len(attempts)))

		if c.Processed()+len(attempts) >= c.TotalTargeted {
			continue
		}
		if err := d.sleep(ctx, c.InterBatchDelay, wake); err != nil {
			return c.Status
		}
	}
}

func (d *Dispatcher) claimBackoff(failures int) time.Duration {
	backoff := d.retryBackoff
	for i := 1; i < failures && backoff < maxRetryBackoff; i++ {
		backoff *= 2
	}
	return min(backoff, maxRetryBackoff)
}

// processBatch always waits for the sends it started, even when recording a
// skip fails halfway through the batch.
func (d *Dispatcher) processBatch(ctx context.Context, c models.Campaign, attempts []models.Attempt) error {
	phones := make([]string, 0, len(attempts))
	for _, a := range attempts {
		phones = append(phones, a.Phone)
	}
	suppressed, err := d.store.Suppressed(ctx, c.TenantID, phones)
	if err != nil {
		return fmt.Errorf("load suppressions: %w", err)
	}

	// results are persisted even if shutdown starts mid-batch
	recordCtx := context.WithoutCancel(ctx)

	limit := c.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	var skipErr error
	for _, a := range attempts {
		if reason, ok := suppressed[a.Phone]; ok {
			if err := d.store.RecordSkip(recordCtx, c.CampaignID, a.Position, "suppressed: "+reason); err != nil {
				skipErr = fmt.Errorf("record skip: %w", err)
				break
			}
			d.messages.Inc(ctx, attribute.String("result", "skipped"))
			continue
		}
		g.Go(func() error {
			return d.sendOne(gctx, recordCtx, c, a)
		})
	}
	return errors.Join(skipErr, g.Wait())
}

func (d *Dispatcher) sendOne(ctx, recordCtx context.Context, c models.Campaign, a models.Attempt) error {
	msg := gateway.Message{
		TenantID:   c.TenantID,
		CampaignID: c.CampaignID,
		SenderID:   c.SenderID,
		TemplateID: c.TemplateID,
		To:         a.Phone,
		Body:       gateway.Render(c.MessageBody, a.Name, a.Variables),
	}
	receipt, sendErr := d.gateway.Send(ctx, msg)

	result := store.AttemptResult{
		CampaignID:  c.CampaignID,
		Position:    a.Position,
		MessageID:   receipt.MessageID,
		AttemptedAt: d.now().UTC(),
	}
	if sendErr != nil {
		result.Error = sendErr.Error()
		result.Permanent = errors.Is(sendErr, gateway.ErrPermanent)
	}
	if err := d.store.RecordAttempt(recordCtx, result); err != nil {
		return fmt.Errorf("record attempt %d: %w", a.Position, err)
	}

	if sendErr == nil {
		d.messages.Inc(ctx, attribute.String("result", "sent"))
		return nil
	}
	d.messages.Inc(ctx, attribute.String("result", "failed"))
	d.log.Warn("send failed",
		zap.String("campaign_id", c.CampaignID),
		zap.Int("position", a.Position),
		zap.Bool("permanent", result.Permanent),
		zap.Error(sendErr))
	if result.Permanent {
		d.suppress(recordCtx, c.TenantID, a.Phone, models.SuppressionPermanentFailure)
	}
	return nil
}

func (d *Dispatcher) suppress(ctx context.Context, tenantID, phone, reason string) {
	err := d.store.AddSuppression(ctx, models.Suppression{
		TenantID:  tenantID,
		Phone:     phone,
		Reason:    reason,
		CreatedAt: d.now().UTC(),
	})
	if err != nil {
		d.log.Warn("add suppression", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (d *Dispatcher) complete(ctx context.Context, c models.Campaign) string {
	done, err := d.transition(ctx, c.CampaignID, "complete")
	if err != nil {
		// paused or cancelled after the last batch
		if errors.Is(err, ErrInvalidTransition) {
			return c.Status
		}
		d.log.Error("complete campaign", zap.String("campaign_id", c.CampaignID), zap.Error(err))
		return c.Status
	}
	return done.Status
}

func (d *Dispatcher) fail(ctx context.Context, c models.Campaign, cause error) string {
	d.log.Error("campaign failed", zap.String("campaign_id", c.CampaignID), zap.Error(cause))
	failed, err := d.store.TransitionCampaign(context.WithoutCancel(ctx), store.CampaignTransitionInput{
		CampaignID: c.CampaignID,
		Action:     "fail",
		LastError:  cause.Error(),
		OccurredAt: d.now().UTC(),
	})
	if err != nil {
		return c.Status
	}
	return failed.Status
}

// Recover relaunches RUNNING campaigns without a live loop and launches
// DRAFT campaigns whose schedule is due. Stranded SENDING attempts are
// failed by the loop once it owns the campaign.
func (d *Dispatcher) Recover(ctx context.Context) error {
	running, err := d.store.ListCampaignsByStatus(ctx, models.CampaignRunning, 0)
	if err != nil {
		return fmt.Errorf("list running campaigns: %w", err)
	}
	for _, c := range running {
		d.launch(c.CampaignID)
	}

	due, err := d.store.ListDueDrafts(ctx, d.now().UTC(), 100)
	if err != nil {
		return fmt.Errorf("list due drafts: %w", err)
	}
	for _, c := range due {
		if _, err := d.transition(ctx, c.CampaignID, "launch"); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return err
		}
		d.launch(c.CampaignID)
	}
	return nil
}

// Shutdown stops every loop and waits for in-flight batches to be recorded.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}
