package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lealta/venue-service/internal/dispatcher"
	"lealta/venue-service/internal/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const DeliveryStatusQueue = "messaging.delivery-status"

type DeliveryHandler interface {
	ApplyDelivery(ctx context.Context, report dispatcher.DeliveryReport) (bool, error)
}

type deliveryMessage struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type ackAction int

const (
	ack ackAction = iota
	reject
	requeue
	// retryLater requeues after retryDelay; used while a callback may have
	// overtaken the send it reports on.
	retryLater
)

type DeliveryConsumer struct {
	url        string
	queue      string
	handler    DeliveryHandler
	log        *logger.Logger
	retryDelay time.Duration
}

func NewDeliveryConsumer(url string, handler DeliveryHandler, log *logger.Logger) *DeliveryConsumer {
	if log == nil {
		log = logger.Nop()
	}
	return &DeliveryConsumer{
		url:        url,
		queue:      DeliveryStatusQueue,
		handler:    handler,
		log:        log.Named("delivery-consumer"),
		retryDelay: time.Second,
	}
}

// Run consumes until ctx is done, reconnecting with exponential backoff.
func (c *DeliveryConsumer) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("dial broker failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !wait(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !wait(ctx, 2*time.Second) {
			return
		}
	}
}

func (c *DeliveryConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("set qos failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		switch c.handle(ctx, d.Body) {
		case ack:
			_ = d.Ack(false)
		case reject:
			_ = d.Nack(false, false)
		case requeue:
			_ = d.Nack(false, true)
		case retryLater:
			wait(ctx, c.retryDelay)
			_ = d.Nack(false, true)
		}
	}
	return errors.New("deliveries channel closed")
}

func (c *DeliveryConsumer) handle(ctx context.Context, body []byte) ackAction {
	var msg deliveryMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.MessageID == "" {
		c.log.Warn("bad delivery payload", zap.ByteString("body", body), zap.Error(err))
		return reject
	}
	_, err := c.handler.ApplyDelivery(ctx, dispatcher.DeliveryReport{
		MessageID:    msg.MessageID,
		Status:       msg.Status,
		ErrorCode:    msg.ErrorCode,
		ErrorMessage: msg.ErrorMessage,
	})
	switch {
	case err == nil:
		return ack
	case errors.Is(err, dispatcher.ErrDeliveryNotReady):
		c.log.Debug("delivery status ahead of its message, retrying", zap.String("message_id", msg.MessageID))
		return retryLater
	case errors.Is(err, dispatcher.ErrMessageNotFound):
		c.log.Info("delivery status for unknown message", zap.String("message_id", msg.MessageID))
		return ack
	case errors.Is(err, dispatcher.ErrUnknownStatus):
		c.log.Warn("unknown delivery status", zap.String("message_id", msg.MessageID), zap.String("status", msg.Status))
		return reject
	}
	c.log.Error("apply delivery status", zap.String("message_id", msg.MessageID), zap.Error(err))
	return requeue
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
