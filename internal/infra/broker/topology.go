package broker

import (
	"fmt"

	"auditledger/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DeadLetterExchange = domain.AuditExchange + ".dlx"
	DeadLetterQueue    = domain.AuditQueue + ".dead"
)

// declarer is the part of *amqp.Channel that sets up topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareExchange declares the durable topic exchange producers publish to.
func DeclareExchange(ch declarer) error {
	if err := ch.ExchangeDeclare(
		domain.AuditExchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", domain.AuditExchange, err)
	}
	return nil
}

// DeclareTopology declares everything the consumer depends on: the audit
// exchange, the central queue and its binding, and the dead-letter pair that
// rejected deliveries land in.
//
// The central queue is a quorum queue so the broker tracks redeliveries in
// the x-delivery-count header.
func DeclareTopology(ch declarer) error {
	if err := DeclareExchange(ch); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "#", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}
	if _, err := ch.QueueDeclare(
		domain.AuditQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			amqp.QueueTypeArg:        amqp.QueueTypeQuorum,
			"x-dead-letter-exchange": DeadLetterExchange,
		},
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", domain.AuditQueue, err)
	}
	if err := ch.QueueBind(domain.AuditQueue, domain.AuditBindingKey, domain.AuditExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", domain.AuditQueue, err)
	}
	return nil
}
