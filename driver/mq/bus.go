package mq

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/wire"
)

// DefaultPrefetch is the inbound consumer prefetch for the control
// plane side.
const DefaultPrefetch = 64

// Bus is the control-plane side of the AMQP transport.
type Bus struct {
	conn              *Connection
	auth              wire.Authenticator
	logger            *slog.Logger
	heartbeatInterval time.Duration
	prefetch          int

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	workers map[string]id.WorkerID // target → session id
	closed  bool

	inbound   chan driver.Message
	events    chan driver.Event
	done      chan struct{}
	pushers   sync.WaitGroup
	consuming sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithAuth sets the authenticator for agent hellos.
func WithAuth(auth wire.Authenticator) Option {
	return func(b *Bus) { b.auth = auth }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithHeartbeatInterval sets the heartbeat interval handed to agents in
// the welcome frame.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.heartbeatInterval = d
		}
	}
}

// WithPrefetch sets the inbound consumer prefetch.
func WithPrefetch(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.prefetch = n
		}
	}
}

// NewBus connects to the broker, declares the topology, and starts
// consuming inbound frames.
func NewBus(url string, opts ...Option) (*Bus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:            slog.Default(),
		heartbeatInterval: 10 * time.Second,
		prefetch:          DefaultPrefetch,
		baseCtx:           ctx,
		cancel:            cancel,
		workers:           make(map[string]id.WorkerID),
		inbound:           make(chan driver.Message, 256),
		events:            make(chan driver.Event, 64),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.auth == nil {
		b.auth = wire.NoopAuthenticator{}
	}

	conn, err := NewConnection(url, b.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	b.conn = conn

	if err := declareTopology(conn.Channel()); err != nil {
		conn.Close()
		cancel()
		return nil, err
	}

	b.consuming.Add(1)
	go b.consume(ctx)
	return b, nil
}

// consume keeps an inbound consumer alive across reconnects.
func (b *Bus) consume(ctx context.Context) {
	defer b.consuming.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := b.setupConsume()
		if err != nil {
			b.logger.Error("inbound consume setup failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-b.conn.ReconnectNotify():
				continue
			}
		}

		b.processDeliveries(ctx, deliveries)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("inbound deliveries closed, awaiting reconnect")
		select {
		case <-ctx.Done():
			return
		case <-b.conn.ReconnectNotify():
		}
	}
}

func (b *Bus) setupConsume() (<-chan amqp.Delivery, error) {
	ch := b.conn.Channel()
	if ch == nil {
		return nil, directord.ErrNotConnected
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return nil, err
	}
	return ch.Consume(
		QueueInbound, // queue
		"",           // consumer tag (auto-generated)
		false,        // auto-ack (we ack manually)
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
}

func (b *Bus) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			b.handleDelivery(ctx, raw)
		}
	}
}

func (b *Bus) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var frame wire.Frame
	if err := json.Unmarshal(raw.Body, &frame); err != nil {
		b.logger.Warn("undecodable inbound frame", slog.String("error", err.Error()))
		_ = raw.Nack(false, false)
		return
	}

	if frame.Method == wire.MethodHello {
		b.handleHello(ctx, &frame)
		_ = raw.Ack(false)
		return
	}

	b.mu.RLock()
	workerID := b.workers[frame.Target]
	b.mu.RUnlock()

	b.pushInbound(driver.Message{WorkerID: workerID, Target: frame.Target, Frame: &frame})
	_ = raw.Ack(false)
}

// handleHello authenticates an agent and replies with a welcome on its
// task queue. A second hello from the same target replaces the session.
func (b *Bus) handleHello(ctx context.Context, frame *wire.Frame) {
	var hello wire.Hello
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &hello); err != nil {
			b.logger.Warn("invalid hello data", slog.String("error", err.Error()))
			return
		}
	}
	if hello.Target == "" {
		hello.Target = frame.Target
	}
	if hello.Target == "" {
		b.logger.Warn("hello without target dropped")
		return
	}

	identity, err := b.auth.Authenticate(b.baseCtx, frame.Token)
	if err != nil {
		b.reject(ctx, hello.Target, frame.ID, wire.ErrCodeUnauthorized, "authentication failed")
		return
	}
	if !identity.HasScope(wire.ScopeWorker) {
		b.reject(ctx, hello.Target, frame.ID, wire.ErrCodeForbidden, "worker scope required")
		return
	}

	workerID := id.NewWorkerID()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.workers[hello.Target] = workerID
	b.mu.Unlock()

	welcome, err := wire.NewResponseFrame(frame.ID, wire.Welcome{
		SessionID:         workerID.String(),
		Format:            wire.CodecNameJSON,
		HeartbeatInterval: b.heartbeatInterval,
	})
	if err != nil {
		return
	}
	if err := b.publish(ctx, ExchangeTasks, hello.Target, welcome); err != nil {
		b.logger.Warn("failed to publish welcome",
			slog.String("target", hello.Target),
			slog.String("error", err.Error()),
		)
		return
	}

	b.logger.Info("agent connected",
		slog.String("target", hello.Target),
		slog.String("worker_id", workerID.String()),
	)
	b.pushEvent(driver.Event{
		Type:         driver.EventConnected,
		WorkerID:     workerID,
		Target:       hello.Target,
		Labels:       hello.Labels,
		Capabilities: hello.Capabilities,
		At:           time.Now().UTC(),
	})
}

func (b *Bus) reject(ctx context.Context, target, correlID string, code int, msg string) {
	if err := b.publish(ctx, ExchangeTasks, target, wire.NewErrorFrame(correlID, code, msg)); err != nil {
		b.logger.Warn("failed to publish rejection",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	}
}

// publish marshals a frame and publishes it persistently.
func (b *Bus) publish(ctx context.Context, exchange, key string, f *wire.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ch := b.conn.Channel()
	if ch == nil {
		return directord.ErrNotConnected
	}
	return ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    f.ID,
		Timestamp:    f.Timestamp,
		Body:         body,
	})
}

// ── Driver interface ────────────────────────────────

// Send publishes a frame to the target's queue. The agent does not have
// to be connected; frames wait in its durable queue. ErrNotConnected
// here means the broker link itself is down.
func (b *Bus) Send(ctx context.Context, target string, f *wire.Frame) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return directord.ErrDriverClosed
	}
	return b.publish(ctx, ExchangeTasks, target, f)
}

func (b *Bus) Inbound() <-chan driver.Message { return b.inbound }

func (b *Bus) Events() <-chan driver.Event { return b.events }

// Close stops the inbound consumer and closes the broker connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	close(b.done)
	err := b.conn.Close()
	b.consuming.Wait()
	b.pushers.Wait()
	close(b.inbound)
	close(b.events)
	return err
}

func (b *Bus) pushInbound(m driver.Message) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.pushers.Add(1)
	b.mu.RUnlock()
	defer b.pushers.Done()

	select {
	case b.inbound <- m:
	case <-b.done:
	}
}

func (b *Bus) pushEvent(e driver.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.pushers.Add(1)
	b.mu.RUnlock()
	defer b.pushers.Done()

	select {
	case b.events <- e:
	case <-b.done:
	}
}

var _ driver.Driver = (*Bus)(nil)
