// Package mq implements the AMQP transport using rabbitmq/amqp091-go.
//
// Unlike the WebSocket transport this one is store-and-forward: frames
// for an offline agent wait in its durable queue, and Send succeeds
// whether or not the agent is connected. Each agent consumes the queue
// "directord.agent.<target>" bound to the directord.tasks exchange with
// its target as routing key; everything the agents send flows through
// the directord.inbound queue.
//
// The hello/welcome handshake works as over WebSocket, except that the
// transport always speaks JSON and only connect events are observable.
// An agent that dies leaves no trace on the broker, so the control
// plane detects its absence through heartbeat staleness rather than a
// disconnect event.
package mq
