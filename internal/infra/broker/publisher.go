package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auditledger/internal/domain"
	"auditledger/internal/infra/metrics"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 30 * time.Second
)

var errNacked = errors.New("broker nacked publish")

// Session is one open publishing channel. Publish returns once the broker
// has confirmed the message.
type Session interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Closed() bool
	Close() error
}

type Dialer func(ctx context.Context) (Session, error)

type PublisherConfig struct {
	URL     string
	Service string
	// Dial overrides the AMQP dialer; tests use it to inject fakes.
	Dial            Dialer
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Publisher sends audit events to the audit exchange over a pooled confirm
// channel. It never retries; a failed publish resets the channel so the
// next call dials again.
type Publisher struct {
	service string
	dial    Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]
	clock   func() time.Time

	mu      sync.Mutex
	session Session
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dial
	if dial == nil {
		url, service := cfg.URL, cfg.Service
		dial = func(ctx context.Context) (Session, error) {
			return DialSession(ctx, url, service)
		}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	openDelay := cfg.BreakerTimeout
	if openDelay == 0 {
		openDelay = defaultBreakerOpenDelay
	}
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "audit-publisher",
		MaxRequests: 1,
		Timeout:     openDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Publisher{
		service: cfg.Service,
		dial:    dial,
		metrics: cfg.Metrics,
		logger:  logger,
		breaker: breaker,
		clock:   time.Now,
	}
}

// Publish sends one event. Invalid or unencodable events are permanent
// failures; everything the broker or network causes is transient.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) (domain.PublishResult, error) {
	result, err := p.publish(ctx, event)
	p.metrics.ObservePublish(result.String())
	return result, err
}

func (p *Publisher) publish(ctx context.Context, event domain.Event) (domain.PublishResult, error) {
	verb, ok := domain.ParseVerb(string(event.Verb))
	if !ok {
		return domain.PublishPermanent, fmt.Errorf("%w: unsupported verb %q", domain.ErrPublishPermanent, event.Verb)
	}
	event.Verb = verb
	body, err := json.Marshal(event)
	if err != nil {
		return domain.PublishPermanent, fmt.Errorf("%w: encode event: %v", domain.ErrPublishPermanent, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.clock().UTC(),
		AppId:        event.Service,
		Body:         body,
	}

	_, err = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.send(ctx, verb.RoutingKey(), msg)
	})
	if err != nil {
		return domain.PublishTransient, fmt.Errorf("%w: %w", domain.ErrPublishTransient, err)
	}
	return domain.PublishOK, nil
}

func (p *Publisher) send(ctx context.Context, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil && p.session.Closed() {
		p.resetLocked()
	}
	if p.session == nil {
		session, err := p.dial(ctx)
		if err != nil {
			return fmt.Errorf("dial broker: %w", err)
		}
		p.session = session
	}
	if err := p.session.Publish(ctx, domain.AuditExchange, key, msg); err != nil {
		p.resetLocked()
		return err
	}
	return nil
}

func (p *Publisher) resetLocked() {
	if p.session == nil {
		return
	}
	if err := p.session.Close(); err != nil {
		p.logger.Debug("close broker session", "error", err)
	}
	p.session = nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialSession opens a connection and a confirm-mode channel and makes sure
// the audit exchange exists.
func DialSession(ctx context.Context, url, service string) (Session, error) {
	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	props := amqp.NewConnectionProperties()
	if service != "" {
		props.SetClientConnectionName(service)
	}
	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := DeclareExchange(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &amqpSession{conn: conn, ch: ch}, nil
}

func (s *amqpSession) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNacked
	}
	return nil
}

func (s *amqpSession) Closed() bool {
	return s.conn.IsClosed() || s.ch.IsClosed()
}

func (s *amqpSession) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
