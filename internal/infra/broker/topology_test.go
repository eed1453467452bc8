package broker

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declaredExchange struct {
	name    string
	kind    string
	durable bool
}

type declaredQueue struct {
	name    string
	durable bool
	args    amqp.Table
}

type binding struct {
	queue, key, exchange string
}

type recordingChannel struct {
	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []binding
	failOn    string
}

func (c *recordingChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if name == c.failOn {
		return errors.New("precondition failed")
	}
	c.exchanges = append(c.exchanges, declaredExchange{name: name, kind: kind, durable: durable})
	return nil
}

func (c *recordingChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == c.failOn {
		return amqp.Queue{}, errors.New("precondition failed")
	}
	c.queues = append(c.queues, declaredQueue{name: name, durable: durable, args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *recordingChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.bindings = append(c.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func TestDeclareTopology(t *testing.T) {
	ch := &recordingChannel{}
	if err := DeclareTopology(ch); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if len(ch.exchanges) != 2 || ch.exchanges[0] != (declaredExchange{"audit_logs", "topic", true}) {
		t.Fatalf("unexpected exchanges: %+v", ch.exchanges)
	}
	if ch.exchanges[1].name != "audit_logs.dlx" {
		t.Fatalf("expected dead-letter exchange, got %+v", ch.exchanges[1])
	}
	var central *declaredQueue
	for i := range ch.queues {
		if ch.queues[i].name == "central_audit_queue" {
			central = &ch.queues[i]
		}
	}
	if central == nil || !central.durable {
		t.Fatalf("expected durable central queue, got %+v", ch.queues)
	}
	if central.args["x-dead-letter-exchange"] != "audit_logs.dlx" {
		t.Fatalf("central queue should dead-letter to the dlx, got %v", central.args)
	}
	found := false
	for _, b := range ch.bindings {
		if b == (binding{"central_audit_queue", "audit.#", "audit_logs"}) {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing central binding: %+v", ch.bindings)
	}
}

func TestDeclareTopology_PropagatesErrors(t *testing.T) {
	ch := &recordingChannel{failOn: "central_audit_queue"}
	if err := DeclareTopology(ch); err == nil {
		t.Fatal("expected error")
	}
}
