package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/infra/metrics"
	"auditledger/internal/usecase"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	deliveryCountHeader = "x-delivery-count"
	consumerTag         = "audit-ledger"

	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

type DeliveryHandler interface {
	Handle(ctx context.Context, d usecase.Delivery) usecase.IngestResult
}

type ConsumerConfig struct {
	URL        string
	Service    string
	Handler    DeliveryHandler
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Consumer drains the central audit queue one delivery at a time. It
// reconnects on broker loss and gives up only on credential errors.
type Consumer struct {
	cfg    ConsumerConfig
	logger *slog.Logger
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, logger: logger}
}

// Run consumes until ctx is cancelled, returning nil, or until the broker
// refuses the credentials, returning an error wrapping ErrBrokerCredentials.
func (c *Consumer) Run(ctx context.Context) error {
	if c.cfg.Handler == nil {
		return errors.New("delivery handler required")
	}
	backoff := c.cfg.MinBackoff
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if IsFatal(err) {
			return fmt.Errorf("%w: %v", domain.ErrBrokerCredentials, err)
		}
		if connected {
			backoff = c.cfg.MinBackoff
		}
		c.logger.Warn("audit consumer disconnected; retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context) (bool, error) {
	props := amqp.NewConnectionProperties()
	if c.cfg.Service != "" {
		props.SetClientConnectionName(c.cfg.Service)
	}
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Dial:       amqp.DefaultDial(defaultDialTimeout),
		Properties: props,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := DeclareTopology(ch); err != nil {
		return false, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return false, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(
		domain.AuditQueue,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", domain.AuditQueue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("audit consumer connected", "queue", domain.AuditQueue)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(consumerTag, false); err != nil {
				c.logger.Debug("cancel consumer", "error", err)
			}
			return true, nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return true, errors.New("broker connection closed")
			}
			return true, amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return true, errors.New("delivery channel closed")
			}
			// The delivery runs to completion even if a stop signal
			// arrives meanwhile.
			c.process(context.WithoutCancel(ctx), d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) usecase.IngestResult {
	res := c.cfg.Handler.Handle(ctx, usecase.Delivery{
		Body:          d.Body,
		DeliveryCount: deliveryCount(d),
		Redelivered:   d.Redelivered,
	})
	c.cfg.Metrics.ObserveDelivery(res.Outcome.String())

	var err error
	switch res.Outcome {
	case usecase.OutcomeAck, usecase.OutcomeDuplicate:
		err = d.Ack(false)
	case usecase.OutcomeRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.Error("acknowledge delivery", "outcome", res.Outcome.String(), "message_id", d.MessageId, "error", err)
	}
	switch res.Outcome {
	case usecase.OutcomeAck:
		c.cfg.Metrics.ObserveAppend("appended")
		c.logger.Debug("audit record appended", "id", res.Record.ID, "tenant", res.Record.Tenant)
	case usecase.OutcomeDuplicate:
		c.cfg.Metrics.ObserveAppend("duplicate")
	}
	return res
}

// deliveryCount reads the broker's redelivery counter. A first delivery has
// no header; a redelivery without one reports -1 (unknown).
func deliveryCount(d amqp.Delivery) int {
	raw, ok := d.Headers[deliveryCountHeader]
	if !ok {
		if d.Redelivered {
			return -1
		}
		return 0
	}
	switch v := raw.(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int16:
		return int(v)
	case int:
		return v
	case uint8:
		return int(v)
	default:
		return -1
	}
}

// IsFatal reports whether err means the broker will never accept this
// consumer's credentials.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) || errors.Is(err, amqp.ErrVhost) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused
}
