// Package events moves domain events out of the outbox table onto the
// broker and feeds provider delivery reports back into the dispatcher.
package events

import (
	"context"
	"fmt"
	"time"

	"lealta/venue-service/internal/logger"
	"lealta/venue-service/internal/store"

	"go.uber.org/zap"
)

const DefaultRelayName = "amqp-relay"

type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
}

type Relay struct {
	store     store.OutboxStore
	publisher Publisher
	name      string
	batchSize int
	log       *logger.Logger
}

type RelayConfig struct {
	Name      string
	BatchSize int
}

func NewRelay(outbox store.OutboxStore, publisher Publisher, cfg RelayConfig, log *logger.Logger) *Relay {
	if cfg.Name == "" {
		cfg.Name = DefaultRelayName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{store: outbox, publisher: publisher, name: cfg.Name, batchSize: cfg.BatchSize, log: log.Named("relay")}
}

// RunOnce publishes the next batch after the stored position. The position
// only moves past events that were published; a failure stops the batch so
// ordering is kept.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	last, err := r.store.GetOffset(ctx, r.name)
	if err != nil {
		return 0, fmt.Errorf("load offset: %w", err)
	}
	events, err := r.store.ListOutboxEvents(ctx, last, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list outbox events: %w", err)
	}

	published := 0
	var publishErr error
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			publishErr = fmt.Errorf("publish %s seq %d: %w", event.Type, event.Seq, err)
			break
		}
		last = event.Position()
		published++
	}

	if published > 0 {
		if err := r.store.UpdateOffset(ctx, r.name, last); err != nil {
			return published, fmt.Errorf("update offset: %w", err)
		}
	}
	return published, publishErr
}

// StartRelay polls until ctx is done. A full batch is followed immediately
// by the next one.
func StartRelay(ctx context.Context, interval time.Duration, r *Relay) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := r.RunOnce(ctx)
				if err != nil {
					r.log.Warn("outbox relay error", zap.Error(err))
					break
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}
