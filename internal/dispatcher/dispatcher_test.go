package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lealta/venue-service/internal/compliance"
	"lealta/venue-service/internal/gateway"
	"lealta/venue-service/internal/models"
	"lealta/venue-service/internal/store"
	"lealta/venue-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	d      *Dispatcher
	st     *memory.Store
	clock  *clock
	done   chan string
	sends  atomic.Int64
	mu     sync.Mutex
	sleeps []time.Duration
	phones map[string]int
}

func newHarness(t *testing.T, send func(h *harness, n int64, msg gateway.Message) (gateway.Receipt, error), opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, send, opts...)
}

// newHarnessWithStore lets a test wrap the memory store to inject errors.
func newHarnessWithStore(t *testing.T, wrap func(*memory.Store) store.CampaignStore, send func(h *harness, n int64, msg gateway.Message) (gateway.Receipt, error), opts ...Option) *harness {
	t.Helper()
	h := &harness{
		st:     memory.New(),
		clock:  &clock{now: time.Date(2025, 11, 26, 15, 0, 0, 0, time.UTC)},
		done:   make(chan string, 16),
		phones: make(map[string]int),
	}
	gw := gateway.Func(func(ctx context.Context, msg gateway.Message) (gateway.Receipt, error) {
		n := h.sends.Add(1)
		h.mu.Lock()
		h.phones[msg.To]++
		h.mu.Unlock()
		if send != nil {
			return send(h, n, msg)
		}
		return gateway.Receipt{MessageID: "m-" + msg.To, Status: "queued"}, nil
	})
	base := []Option{
		WithClock(h.clock.Now),
		WithDefaults(Defaults{BatchSize: 10, InterBatchDelay: 2 * time.Minute, MaxConcurrency: 5}),
		WithSleeper(func(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		}),
		WithDoneHook(func(campaignID, status string) { h.done <- status }),
	}
	var campaigns store.CampaignStore = h.st
	if wrap != nil {
		campaigns = wrap(h.st)
	}
	h.d = New(campaigns, gw, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.d.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitDone(t *testing.T) string {
	t.Helper()
	select {
	case status := <-h.done:
		return status
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch loop did not stop")
		return ""
	}
}

func (h *harness) sleepCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sleeps)
}

func recipients(n int) []models.Recipient {
	out := make([]models.Recipient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Recipient{Phone: fmt.Sprintf("593990%06d", i), Name: fmt.Sprintf("Cliente %d", i)})
	}
	return out
}

func assertInvariants(t *testing.T, p Progress) {
	t.Helper()
	assert.LessOrEqual(t, p.TotalSent, p.TotalTargeted)
	assert.LessOrEqual(t, p.TotalDelivered+p.TotalFailed, p.TotalSent)
}

func TestPauseResumeSendsEveryRecipientOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(h *harness, n int64, msg gateway.Message) (gateway.Receipt, error) {
		if n == 30 {
			_, err := h.d.PauseCampaign(context.Background(), msg.CampaignID)
			if err != nil {
				return gateway.Receipt{}, err
			}
		}
		return gateway.Receipt{MessageID: "m-" + msg.To}, nil
	})

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{
		Name:        "fin de semana",
		MessageBody: "Hola {{nombre}}, te esperamos",
		Recipients:  recipients(100),
	})
	require.NoError(t, err)

	assert.Equal(t, models.CampaignPaused, h.waitDone(t))
	p, err := h.d.GetCampaignProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 30, p.TotalSent)
	assert.Equal(t, 3, p.CurrentBatch)
	assert.Equal(t, 10, p.TotalBatches)
	assertInvariants(t, p)

	pending := 0
	for _, a := range h.st.Attempts(id) {
		if a.Status == models.AttemptPending {
			pending++
		}
	}
	assert.Equal(t, 70, pending)

	_, err = h.d.ResumeCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))

	p, err = h.d.GetCampaignProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, p.TotalSent)
	assert.Equal(t, 0, p.TotalSkipped)
	assert.InDelta(t, 100.0, p.PercentComplete, 0.001)
	assert.Equal(t, int64(0), p.EstimatedRemainingSeconds)
	assertInvariants(t, p)

	assert.Equal(t, int64(100), h.sends.Load())
	h.mu.Lock()
	for phone, n := range h.phones {
		assert.Equal(t, 1, n, "phone %s sent %d times", phone, n)
	}
	h.mu.Unlock()
	for _, a := range h.st.Attempts(id) {
		assert.Equal(t, models.AttemptSent, a.Status)
	}

	// one delay after every batch but the last
	assert.Equal(t, 9, h.sleepCount())
	h.mu.Lock()
	for _, d := range h.sleeps {
		assert.Equal(t, 2*time.Minute, d)
	}
	h.mu.Unlock()
}

func TestCancelMidBatchKeepsSentMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(h *harness, n int64, msg gateway.Message) (gateway.Receipt, error) {
		if n == 15 {
			if _, err := h.d.CancelCampaign(context.Background(), msg.CampaignID); err != nil {
				return gateway.Receipt{}, err
			}
		}
		return gateway.Receipt{MessageID: "m-" + msg.To}, nil
	})

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "cancel", MessageBody: "Hola", Recipients: recipients(50)})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCancelled, h.waitDone(t))

	p, err := h.d.GetCampaignProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCancelled, p.Status)
	assert.Equal(t, 20, p.TotalSent, "the in-flight batch completes")
	assertInvariants(t, p)

	statuses := map[string]int{}
	for _, a := range h.st.Attempts(id) {
		statuses[a.Status]++
	}
	assert.Equal(t, map[string]int{models.AttemptSent: 20, models.AttemptPending: 30}, statuses)

	_, err = h.d.ResumeCampaign(ctx, id)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailuresCallbacksAndSuppression(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(h *harness, n int64, msg gateway.Message) (gateway.Receipt, error) {
		switch {
		case strings.HasSuffix(msg.To, "03"):
			return gateway.Receipt{}, fmt.Errorf("%w: invalid number", gateway.ErrPermanent)
		case strings.HasSuffix(msg.To, "07"):
			return gateway.Receipt{}, errors.New("timeout")
		}
		return gateway.Receipt{MessageID: "m-" + msg.To}, nil
	})

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "mix", MessageBody: "Hola", Recipients: recipients(10), BatchSize: 4, MaxConcurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))

	p, err := h.d.GetCampaignProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, p.TotalSent)
	assert.Equal(t, 2, p.TotalFailed)
	assertInvariants(t, p)

	for _, a := range h.st.Attempts(id) {
		if a.Status != models.AttemptSent {
			continue
		}
		require.NoError(t, h.d.OnDeliveryCallback(ctx, a.MessageID, "delivered"))
	}
	// repeated and late callbacks change nothing
	first := h.st.Attempts(id)[0]
	require.NoError(t, h.d.OnDeliveryCallback(ctx, first.MessageID, "delivered"))
	require.NoError(t, h.d.OnDeliveryCallback(ctx, first.MessageID, "failed"))
	require.NoError(t, h.d.OnDeliveryCallback(ctx, first.MessageID, "sent"))

	p, _ = h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 8, p.TotalDelivered)
	assert.Equal(t, 2, p.TotalFailed)
	assertInvariants(t, p)

	assert.ErrorIs(t, h.d.OnDeliveryCallback(ctx, "missing", "delivered"), ErrMessageNotFound)
	assert.ErrorIs(t, h.d.OnDeliveryCallback(ctx, first.MessageID, "exploded"), ErrUnknownStatus)

	suppressed, err := h.st.Suppressed(ctx, "t1", []string{"593990000003", "593990000007"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"593990000003": models.SuppressionPermanentFailure}, suppressed)

	// the permanently failed number is skipped next time
	next, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "again", MessageBody: "Hola", Recipients: recipients(5)})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))
	p, _ = h.d.GetCampaignProgress(ctx, next)
	assert.Equal(t, 1, p.TotalSkipped)
	assert.Equal(t, 4, p.TotalSent)
	assert.InDelta(t, 100.0, p.PercentComplete, 0.001)
}

func TestFailedCallbackWithPermanentCodeSuppresses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "one", MessageBody: "Hola", Recipients: recipients(1)})
	require.NoError(t, err)
	h.waitDone(t)

	applied, err := h.d.ApplyDelivery(ctx, DeliveryReport{MessageID: "m-593990000000", Status: "undelivered", ErrorCode: "21610"})
	require.NoError(t, err)
	assert.True(t, applied)

	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 1, p.TotalFailed)
	suppressed, _ := h.st.Suppressed(ctx, "t1", []string{"593990000000"})
	assert.Len(t, suppressed, 1)
}

func TestCallbackAheadOfRecordedAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	early := DeliveryReport{MessageID: "m-593990000000", Status: "delivered"}

	_, err := h.d.ApplyDelivery(ctx, early)
	require.ErrorIs(t, err, ErrDeliveryNotReady)
	require.ErrorIs(t, err, ErrMessageNotFound)

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "race", MessageBody: "Hola", Recipients: recipients(1)})
	require.NoError(t, err)
	h.waitDone(t)

	// the provider retries once the attempt is stored
	applied, err := h.d.ApplyDelivery(ctx, early)
	require.NoError(t, err)
	assert.True(t, applied)
	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 1, p.TotalDelivered)

	_, err = h.d.ApplyDelivery(ctx, DeliveryReport{MessageID: "m-never", Status: "delivered"})
	require.ErrorIs(t, err, ErrDeliveryNotReady)
	h.clock.Set(h.clock.Now().Add(3 * time.Minute))
	_, err = h.d.ApplyDelivery(ctx, DeliveryReport{MessageID: "m-never", Status: "delivered"})
	require.ErrorIs(t, err, ErrMessageNotFound)
	assert.NotErrorIs(t, err, ErrDeliveryNotReady)
}

func TestCallbackGraceDisabled(t *testing.T) {
	h := newHarness(t, nil, WithCallbackGrace(0))
	_, err := h.d.ApplyDelivery(context.Background(), DeliveryReport{MessageID: "m-x", Status: "read"})
	require.ErrorIs(t, err, ErrMessageNotFound)
	assert.NotErrorIs(t, err, ErrDeliveryNotReady)
}

func TestSuppressedRecipientsAreSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.d.RecordOptOut(ctx, "t1", "0990000001"))

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "skip", MessageBody: "Hola", Recipients: recipients(3)})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))

	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 1, p.TotalSkipped)
	assert.Equal(t, 2, p.TotalSent)
	assert.Equal(t, int64(2), h.sends.Load())
}

func TestThrottledProviderDoesNotSuppress(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	webhook, err := gateway.New(gateway.Config{Provider: "webhook", WebhookURL: srv.URL}, nil)
	require.NoError(t, err)

	h := newHarness(t, func(h *harness, n int64, msg gateway.Message) (gateway.Receipt, error) {
		return webhook.Send(context.Background(), msg)
	})
	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "throttled", MessageBody: "Hola", Recipients: recipients(3)})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))

	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 3, p.TotalFailed)
	suppressed, err := h.st.Suppressed(ctx, "t1", []string{"593990000000", "593990000001", "593990000002"})
	require.NoError(t, err)
	assert.Empty(t, suppressed)
}

type skipFailStore struct {
	*memory.Store
}

func (s skipFailStore) RecordSkip(ctx context.Context, campaignID string, position int, reason string) error {
	return errors.New("connection reset")
}

func TestSkipErrorWaitsForStartedSends(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithStore(t,
		func(st *memory.Store) store.CampaignStore { return skipFailStore{st} },
		func(h *harness, n int64, msg gateway.Message) (gateway.Receipt, error) {
			time.Sleep(50 * time.Millisecond)
			return gateway.Receipt{MessageID: "m-" + msg.To}, nil
		})
	require.NoError(t, h.d.RecordOptOut(ctx, "t1", "0990000002"))

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{
		Name: "skip-error", MessageBody: "Hola", Recipients: recipients(4), BatchSize: 4, MaxConcurrency: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignFailed, h.waitDone(t))

	// both sends started before the skip were recorded before the loop gave up
	statuses := map[string]int{}
	for _, a := range h.st.Attempts(id) {
		statuses[a.Status]++
	}
	assert.Equal(t, 2, statuses[models.AttemptSent])
	assert.Equal(t, int64(2), h.sends.Load())

	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 2, p.TotalSent)
	assert.Contains(t, p.LastError, "record skip")
}

type flakyClaimStore struct {
	*memory.Store
	failures atomic.Int64
	limit    int64
}

func (s *flakyClaimStore) ClaimBatch(ctx context.Context, campaignID string, limit int) ([]models.Attempt, error) {
	if s.failures.Add(1) <= s.limit {
		return nil, errors.New("connection refused")
	}
	return s.Store.ClaimBatch(ctx, campaignID, limit)
}

func TestClaimBatchRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithStore(t,
		func(st *memory.Store) store.CampaignStore { return &flakyClaimStore{Store: st, limit: 2} },
		nil,
		WithClaimRetry(3, time.Second))

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "flaky", MessageBody: "Hola", Recipients: recipients(5)})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))

	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 5, p.TotalSent)
	h.mu.Lock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps[:2])
	h.mu.Unlock()
}

func TestClaimBatchGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithStore(t,
		func(st *memory.Store) store.CampaignStore { return &flakyClaimStore{Store: st, limit: 100} },
		nil,
		WithClaimRetry(3, time.Second))

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "down", MessageBody: "Hola", Recipients: recipients(5)})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignFailed, h.waitDone(t))

	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 0, p.TotalSent)
	assert.Contains(t, p.LastError, "claim batch")
	assert.Equal(t, 2, h.sleepCount())
}

func TestClaimBackoffIsCapped(t *testing.T) {
	d := New(memory.New(), gateway.Func(nil), WithClaimRetry(10, 4*time.Second))
	assert.Equal(t, 4*time.Second, d.claimBackoff(1))
	assert.Equal(t, 16*time.Second, d.claimBackoff(3))
	assert.Equal(t, maxRetryBackoff, d.claimBackoff(9))
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	later := h.clock.Now().Add(time.Hour)
	draft, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "draft", MessageBody: "Hola", Recipients: recipients(2), ScheduledAt: &later})
	require.NoError(t, err)

	_, err = h.d.PauseCampaign(ctx, draft)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.d.ResumeCampaign(ctx, draft)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "resume campaign in status DRAFT")

	done, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "done", MessageBody: "Hola", Recipients: recipients(2)})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))
	_, err = h.d.ResumeCampaign(ctx, done)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "resume campaign in status COMPLETED")
	_, err = h.d.CancelCampaign(ctx, done)
	require.ErrorIs(t, err, ErrInvalidTransition)

	c, err := h.d.CancelCampaign(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCancelled, c.Status)

	_, err = h.d.PauseCampaign(ctx, "missing")
	require.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestStartCampaignValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{MessageBody: "Hola", Recipients: recipients(1)})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = h.d.StartCampaign(ctx, "", CampaignConfig{Name: "x", MessageBody: "Hola", Recipients: recipients(1)})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "x", Recipients: recipients(1)})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "x", MessageBody: "Premio garantizado para ti", Recipients: recipients(1)})
	require.ErrorIs(t, err, ErrContentRejected)
	_, err = h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "x", MessageBody: "Hola", Recipients: []models.Recipient{{Phone: "123"}}})
	require.ErrorIs(t, err, ErrNoRecipients)

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "dedupe", MessageBody: "Hola", Recipients: []models.Recipient{
		{Phone: "0991234567"}, {Phone: "+593 99 123 4567"}, {Phone: "bad"},
	}})
	require.NoError(t, err)
	h.waitDone(t)
	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 1, p.TotalTargeted)
}

func TestStartCampaignUsesCustomerList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.st.AddCustomer(models.Customer{TenantID: "t1", Name: "Ana", Phone: "0991111111"})
	h.st.AddCustomer(models.Customer{TenantID: "t1", Name: "Luis", Phone: "0992222222"})
	h.st.AddCustomer(models.Customer{TenantID: "t2", Name: "Otro", Phone: "0993333333"})

	id, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "all", MessageBody: "Hola {{nombre}}"})
	require.NoError(t, err)
	h.waitDone(t)
	p, _ := h.d.GetCampaignProgress(ctx, id)
	assert.Equal(t, 2, p.TotalTargeted)
	assert.Equal(t, 2, p.TotalSent)
}

func TestRecoverLaunchesDueDraftsAndFailsStranded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	at := h.clock.Now().Add(time.Hour)
	draft, err := h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "later", MessageBody: "Hola", Recipients: recipients(3), ScheduledAt: &at})
	require.NoError(t, err)

	stranded, err := h.st.CreateCampaign(ctx, store.CreateCampaignInput{
		TenantID: "t1", Name: "crashed", MessageBody: "Hola", BatchSize: 2, MaxConcurrency: 2,
		Recipients: recipients(5),
	})
	require.NoError(t, err)
	_, err = h.st.ClaimBatch(ctx, stranded.CampaignID, 2)
	require.NoError(t, err)

	h.clock.Set(at.Add(time.Minute))
	require.NoError(t, h.d.Recover(ctx))
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))

	p, _ := h.d.GetCampaignProgress(ctx, draft)
	assert.Equal(t, 3, p.TotalSent)

	p, _ = h.d.GetCampaignProgress(ctx, stranded.CampaignID)
	assert.Equal(t, 5, p.TotalSent)
	assert.Equal(t, 2, p.TotalFailed)
	assertInvariants(t, p)
	attempts := h.st.Attempts(stranded.CampaignID)
	assert.Equal(t, models.AttemptFailed, attempts[0].Status)
	assert.Equal(t, interruptedReason, attempts[1].Error)
	assert.Equal(t, int64(6), h.sends.Load())
}

func TestSendWindowDefersBatches(t *testing.T) {
	ctx := context.Background()
	loc, err := time.LoadLocation("America/Guayaquil")
	require.NoError(t, err)

	h := newHarness(t, nil, WithSendWindow(compliance.NewSendWindow(8, 0, 21, 0, loc)))
	h.clock.Set(time.Date(2025, 11, 26, 6, 0, 0, 0, loc))
	h.d.sleep = func(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		h.clock.Set(h.clock.Now().Add(d))
		return nil
	}

	_, err = h.d.StartCampaign(ctx, "t1", CampaignConfig{Name: "morning", MessageBody: "Hola", Recipients: recipients(3)})
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, h.waitDone(t))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.sleeps, 1)
	assert.Equal(t, 2*time.Hour, h.sleeps[0])
}

func TestProgressOf(t *testing.T) {
	p := progressOf(models.Campaign{
		Status:          models.CampaignRunning,
		TotalTargeted:   25,
		TotalSent:       8,
		TotalSkipped:    2,
		BatchSize:       10,
		InterBatchDelay: time.Minute,
	})
	assert.InDelta(t, 40.0, p.PercentComplete, 0.001)
	assert.Equal(t, 1, p.CurrentBatch)
	assert.Equal(t, 3, p.TotalBatches)
	assert.Equal(t, int64(120), p.EstimatedRemainingSeconds)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	unlock, ok, err := l.TryLock(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = l.TryLock(context.Background(), "c1")
	assert.False(t, ok)
	unlock()
	_, ok, _ = l.TryLock(context.Background(), "c1")
	assert.True(t, ok)
}
