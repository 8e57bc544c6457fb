package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names.
const (
	// ExchangeTasks routes control-plane frames to agents. Direct
	// exchange; the routing key is the target name.
	ExchangeTasks = "directord.tasks"

	// ExchangeInbound routes agent frames back to the control plane.
	ExchangeInbound = "directord.inbound"
)

// QueueInbound collects every agent frame for the control plane.
const QueueInbound = "directord.inbound"

// RoutingKeyInbound is the single routing key on the inbound exchange.
const RoutingKeyInbound = "inbound"

// AgentQueue returns the per-target queue name. Frames published to
// ExchangeTasks with the target as routing key land here.
func AgentQueue(target string) string {
	return "directord.agent." + target
}

// declareTopology declares the shared exchanges and the inbound queue.
// Declarations are idempotent; both sides run this on startup.
func declareTopology(ch *amqp.Channel) error {
	for _, name := range []string{ExchangeTasks, ExchangeInbound} {
		err := ch.ExchangeDeclare(
			name,     // name
			"direct", // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	if _, err := ch.QueueDeclare(
		QueueInbound, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueInbound, err)
	}
	if err := ch.QueueBind(QueueInbound, RoutingKeyInbound, ExchangeInbound, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", QueueInbound, err)
	}
	return nil
}

// declareAgentQueue declares and binds the queue for one target.
func declareAgentQueue(ch *amqp.Channel, target string) error {
	queue := AgentQueue(target)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, target, ExchangeTasks, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return nil
}
