package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"lealta/venue-service/internal/dispatcher"
	"lealta/venue-service/internal/store"
	"lealta/venue-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	failAt    int
	published []store.OutboxEvent
}

func (p *fakePublisher) Publish(_ context.Context, event store.OutboxEvent) error {
	if p.failAt > 0 && len(p.published)+1 == p.failAt {
		return errors.New("broker down")
	}
	p.published = append(p.published, event)
	return nil
}

func seedEvents(t *testing.T, mem *memory.Store, n int) {
	t.Helper()
	at := time.Date(2025, 11, 27, 20, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, _, err := mem.CreateReservation(context.Background(), store.CreateReservationInput{
			RequestID:    fmt.Sprintf("req-%d", i),
			TenantID:     "tenant-1",
			CustomerName: "Ana",
			ReservedAt:   at,
			GuestCount:   2,
			CreatedAt:    at,
		})
		require.NoError(t, err)
	}
}

func TestRelayAdvancesOffsetOnlyPastPublished(t *testing.T) {
	mem := memory.New()
	seedEvents(t, mem, 5)
	pub := &fakePublisher{failAt: 4}
	relay := NewRelay(mem, pub, RelayConfig{BatchSize: 10}, nil)
	ctx := context.Background()

	n, err := relay.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, n)
	offset, _ := mem.GetOffset(ctx, DefaultRelayName)
	assert.Equal(t, pub.published[2].Position(), offset)

	pub.failAt = 0
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.published, 5)
	for i, event := range pub.published {
		assert.Equal(t, int64(i+1), event.Seq)
		assert.Equal(t, store.EventReservationCreated, event.Type)
	}

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayBatchSize(t *testing.T) {
	mem := memory.New()
	seedEvents(t, mem, 3)
	pub := &fakePublisher{}
	relay := NewRelay(mem, pub, RelayConfig{Name: "test", BatchSize: 2}, nil)

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// orderedOutbox lists events by position, like the Postgres store does once
// their transactions are older than every running one.
type orderedOutbox struct {
	events  []store.OutboxEvent
	offsets map[string]store.OutboxPosition
}

func (o *orderedOutbox) ListOutboxEvents(_ context.Context, after store.OutboxPosition, limit int) ([]store.OutboxEvent, error) {
	var out []store.OutboxEvent
	for _, e := range o.events {
		if e.Position().After(after) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Position().After(out[i].Position()) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *orderedOutbox) GetOffset(_ context.Context, name string) (store.OutboxPosition, error) {
	return o.offsets[name], nil
}

func (o *orderedOutbox) UpdateOffset(_ context.Context, name string, pos store.OutboxPosition) error {
	if pos.After(o.offsets[name]) {
		o.offsets[name] = pos
	}
	return nil
}

func TestRelayPublishesLateCommitWithLowerSeq(t *testing.T) {
	ctx := context.Background()
	outbox := &orderedOutbox{offsets: map[string]store.OutboxPosition{}}
	pub := &fakePublisher{}
	relay := NewRelay(outbox, pub, RelayConfig{}, nil)

	// seq 11 committed first by transaction 7
	outbox.events = append(outbox.events, store.OutboxEvent{Seq: 11, XactID: 7, Type: "campaign.paused"})
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// seq 10 belongs to transaction 8, which took its seq earlier but committed later
	outbox.events = append(outbox.events, store.OutboxEvent{Seq: 10, XactID: 8, Type: "reservation.checked_in"})
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.published, 2)
	assert.Equal(t, int64(10), pub.published[1].Seq)
	assert.Equal(t, store.OutboxPosition{XactID: 8, Seq: 10}, outbox.offsets[DefaultRelayName])
}

type fakeDeliveryHandler struct {
	err     error
	reports []dispatcher.DeliveryReport
}

func (h *fakeDeliveryHandler) ApplyDelivery(_ context.Context, report dispatcher.DeliveryReport) (bool, error) {
	h.reports = append(h.reports, report)
	return h.err == nil, h.err
}

func TestDeliveryConsumerHandle(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		err     error
		want    ackAction
		applied bool
	}{
		{"delivered", `{"message_id":"msg_1","status":"delivered"}`, nil, ack, true},
		{"unknown message", `{"message_id":"msg_x","status":"delivered"}`, dispatcher.ErrMessageNotFound, ack, true},
		{"message not recorded yet", `{"message_id":"msg_y","status":"delivered"}`, fmt.Errorf("%w: %w", dispatcher.ErrDeliveryNotReady, dispatcher.ErrMessageNotFound), retryLater, true},
		{"unknown status", `{"message_id":"msg_1","status":"bounced"}`, fmt.Errorf("%w: bounced", dispatcher.ErrUnknownStatus), reject, true},
		{"store down", `{"message_id":"msg_1","status":"failed","error_code":"30005"}`, errors.New("db down"), requeue, true},
		{"bad json", `{"message_id":`, nil, reject, false},
		{"missing id", `{"status":"delivered"}`, nil, reject, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &fakeDeliveryHandler{err: tc.err}
			c := NewDeliveryConsumer("", h, nil)
			assert.Equal(t, tc.want, c.handle(context.Background(), []byte(tc.body)))
			assert.Equal(t, tc.applied, len(h.reports) == 1)
		})
	}
}

func TestDeliveryConsumerPassesErrorCode(t *testing.T) {
	h := &fakeDeliveryHandler{}
	c := NewDeliveryConsumer("", h, nil)
	c.handle(context.Background(), []byte(`{"message_id":"msg_9","status":"failed","error_code":"21610","error_message":"unsubscribed"}`))
	require.Len(t, h.reports, 1)
	assert.Equal(t, dispatcher.DeliveryReport{MessageID: "msg_9", Status: "failed", ErrorCode: "21610", ErrorMessage: "unsubscribed"}, h.reports[0])
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		NewDeliveryConsumer("amqp://127.0.0.1:1/", &fakeDeliveryHandler{}, nil).Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}
}
