package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/wire"
)

// DefaultAgentPrefetch bounds how many frames an agent takes off its
// queue before acking.
const DefaultAgentPrefetch = 8

// Dialer establishes one agent session over AMQP. The hello is
// published to the inbound exchange and the welcome arrives on the
// agent's own task queue; if the control plane is down, Dial times out
// and the caller retries.
type Dialer struct {
	// URL is the broker endpoint, e.g. "amqp://user:pass@mq:5672/".
	URL string

	// Token authenticates the hello frame.
	Token string

	// Prefetch bounds unacked deliveries. Zero means DefaultAgentPrefetch.
	Prefetch int

	// HandshakeTimeout bounds the wait for the welcome frame.
	// Zero means 10 seconds.
	HandshakeTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Dial connects to the broker, declares the agent's queue, and performs
// the hello/welcome handshake.
func (d *Dialer) Dial(ctx context.Context, hello wire.Hello) (driver.Conn, *wire.Welcome, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if hello.Target == "" {
		return nil, nil, fmt.Errorf("amqp dial: hello target required")
	}

	conn, err := NewConnection(d.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	ch := conn.Channel()
	if ch == nil {
		conn.Close()
		return nil, nil, directord.ErrNotConnected
	}
	if err := declareTopology(ch); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := declareAgentQueue(ch, hello.Target); err != nil {
		conn.Close()
		return nil, nil, err
	}

	helloFrame, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodHello, hello)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	helloFrame.Target = hello.Target
	helloFrame.Token = d.Token

	consumeCtx, cancel := context.WithCancel(context.Background())
	c := &mqConn{
		conn:      conn,
		target:    hello.Target,
		helloID:   helloFrame.ID,
		prefetch:  max(d.Prefetch, 0),
		logger:    logger,
		cancel:    cancel,
		recv:      make(chan *wire.Frame, 256),
		welcomeCh: make(chan *wire.Frame, 1),
	}
	if c.prefetch == 0 {
		c.prefetch = DefaultAgentPrefetch
	}
	c.consuming.Add(1)
	go c.consume(consumeCtx)

	// The queue exists before the hello goes out, so the welcome cannot
	// be dropped as unroutable.
	if err := c.publish(ctx, ExchangeInbound, RoutingKeyInbound, helloFrame); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("publish hello: %w", err)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case frame := <-c.welcomeCh:
		if frame.Type == wire.FrameErr {
			c.Close()
			msg := "unknown error"
			if frame.Error != nil {
				msg = frame.Error.Message
			}
			return nil, nil, fmt.Errorf("handshake rejected: %s", msg)
		}
		var welcome wire.Welcome
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &welcome); err != nil {
				c.Close()
				return nil, nil, fmt.Errorf("unmarshal welcome: %w", err)
			}
		}
		logger.Info("connected to control plane",
			slog.String("session_id", welcome.SessionID),
			slog.String("target", hello.Target),
		)
		return c, &welcome, nil
	case <-ctx.Done():
		c.Close()
		return nil, nil, ctx.Err()
	case <-time.After(timeout):
		c.Close()
		return nil, nil, fmt.Errorf("handshake timeout after %s", timeout)
	}
}

// mqConn is the agent side of an AMQP session.
type mqConn struct {
	conn     *Connection
	target   string
	helloID  string
	prefetch int
	logger   *slog.Logger
	cancel   context.CancelFunc

	recv      chan *wire.Frame
	welcomeCh chan *wire.Frame

	closed    atomic.Bool
	consuming sync.WaitGroup
}

func (c *mqConn) Send(ctx context.Context, f *wire.Frame) error {
	if c.closed.Load() {
		return directord.ErrDriverClosed
	}
	if f.Target == "" {
		f.Target = c.target
	}
	return c.publish(ctx, ExchangeInbound, RoutingKeyInbound, f)
}

func (c *mqConn) Recv() <-chan *wire.Frame { return c.recv }

func (c *mqConn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.cancel()
	err := c.conn.Close()
	c.consuming.Wait()
	close(c.recv)
	return err
}

func (c *mqConn) publish(ctx context.Context, exchange, key string, f *wire.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ch := c.conn.Channel()
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

// consume keeps the agent queue consumer alive across reconnects.
func (c *mqConn) consume(ctx context.Context) {
	defer c.consuming.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := c.setupConsume()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("agent consume setup failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-c.conn.ReconnectNotify():
				continue
			}
		}

		c.processDeliveries(ctx, deliveries)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.conn.ReconnectNotify():
		}
	}
}

func (c *mqConn) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, directord.ErrNotConnected
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, err
	}
	return ch.Consume(AgentQueue(c.target), "", false, false, false, false, nil)
}

func (c *mqConn) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			var frame wire.Frame
			if err := json.Unmarshal(raw.Body, &frame); err != nil {
				c.logger.Warn("undecodable frame", slog.String("error", err.Error()))
				_ = raw.Nack(false, false)
				continue
			}

			// The welcome (or rejection) answers the hello; everything
			// else is session traffic.
			if frame.CorrelID == c.helloID && (frame.Type == wire.FrameResponse || frame.Type == wire.FrameErr) {
				select {
				case c.welcomeCh <- &frame:
				default:
				}
				_ = raw.Ack(false)
				continue
			}

			select {
			case c.recv <- &frame:
				_ = raw.Ack(false)
			case <-ctx.Done():
				// Unacked: the broker requeues it for the next session.
				return
			}
		}
	}
}

var (
	_ driver.Dialer = (*Dialer)(nil)
	_ driver.Conn   = (*mqConn)(nil)
)
