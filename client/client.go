// Package client is the Go control client for a directord control
// plane. It dials the WebSocket hub, authenticates with a token, and
// exposes the job, fleet, and subscription operations over a single
// multiplexed session. All request methods are safe for concurrent
// use.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/wire"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")

	// ErrConnLost is returned when the session drops while a request
	// is in flight. The request may or may not have been processed.
	ErrConnLost = errors.New("client: connection lost")

	// ErrTimeout is returned when the control plane does not answer a
	// request within the request timeout.
	ErrTimeout = errors.New("client: request timed out")
)

// APIError is an error frame returned by the control plane. Code uses
// HTTP-style semantics (404 not found, 409 conflict, ...).
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane error %d: %s", e.Code, e.Message)
}

// Client is a connection to the control plane's WebSocket hub.
type Client struct {
	url              string
	token            string
	format           string
	logger           *slog.Logger
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	eventBuffer      int
	reconnect        bool
	maxRetries       int
	retry            backoff.Strategy

	// conn, codec, op, and lost are replaced wholesale on reconnect.
	mu        sync.RWMutex
	conn      net.Conn
	codec     wire.Codec
	op        ws.OpCode
	lost      chan struct{}
	sessionID string

	wmu     sync.Mutex // serializes socket writes
	pending sync.Map   // frame ID -> chan *wire.Frame
	subs    sync.Map   // topic -> *Subscription
	closed  atomic.Bool
}

// Dial connects to a control plane hub at url (e.g.
// "ws://ctl.example.com/ws").
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects with a context bounding the dial and handshake.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:              url,
		format:           wire.CodecNameJSON,
		logger:           slog.Default(),
		handshakeTimeout: 10 * time.Second,
		requestTimeout:   30 * time.Second,
		eventBuffer:      64,
		retry:            backoff.NewExponentialWithJitter(time.Second, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// SessionID returns the session identifier assigned by the hub during
// the handshake. It changes after a reconnect.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Close tears down the session. In-flight requests fail with
// ErrConnLost.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// connect dials the hub, performs the hello/welcome handshake, and
// starts the read loop for the new session.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	helloFrame, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodHello, wire.Hello{
		Format: c.format,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("marshal hello: %w", err)
	}
	// No target: the hub routes targetless hellos to the control
	// path instead of registering a worker session.
	helloFrame.Token = c.token

	// The handshake is always JSON; the negotiated codec applies to
	// every frame after the welcome.
	data, err := json.Marshal(helloFrame)
	if err != nil {
		conn.Close()
		return fmt.Errorf("marshal hello frame: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		conn.Close()
		return fmt.Errorf("write hello frame: %w", err)
	}

	welcome, err := c.readWelcome(ctx, conn, helloFrame.ID)
	if err != nil {
		conn.Close()
		return err
	}

	codec := wire.GetCodec(welcome.Format)
	lost := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.codec = codec
	c.op = opFor(codec)
	c.lost = lost
	c.sessionID = welcome.SessionID
	c.mu.Unlock()

	go c.readLoop(conn, codec, lost)

	c.logger.Info("connected to control plane",
		slog.String("session_id", welcome.SessionID),
		slog.String("codec", welcome.Format),
	)
	return nil
}

// readWelcome reads the handshake response directly; the read loop has
// not started yet.
func (c *Client) readWelcome(ctx context.Context, conn net.Conn, helloID string) (*wire.Welcome, error) {
	deadline := time.Now().Add(c.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return nil, fmt.Errorf("read welcome frame: %w", err)
	}
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode welcome frame: %w", err)
	}
	if f.Type == wire.FrameErr && f.Error != nil {
		return nil, &APIError{Code: f.Error.Code, Message: f.Error.Message}
	}
	if f.CorrelID != helloID {
		return nil, fmt.Errorf("welcome correlates to %q, sent hello %q", f.CorrelID, helloID)
	}
	var welcome wire.Welcome
	if err := json.Unmarshal(f.Data, &welcome); err != nil {
		return nil, fmt.Errorf("decode welcome payload: %w", err)
	}
	return &welcome, nil
}

// readLoop routes inbound frames until the connection ends: responses
// and errors to the pending request, events to their subscription.
func (c *Client) readLoop(conn net.Conn, codec wire.Codec, lost chan struct{}) {
	defer close(lost)
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("session read error", slog.String("error", err.Error()))
			}
			break
		}
		f, err := codec.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame", slog.String("error", err.Error()))
			continue
		}
		switch f.Type {
		case wire.FrameResponse, wire.FrameErr:
			if ch, ok := c.pending.Load(f.CorrelID); ok {
				select {
				case ch.(chan *wire.Frame) <- f:
				default:
				}
			}
		case wire.FrameEvent:
			c.deliverEvent(f)
		case wire.FramePing:
			pong := &wire.Frame{
				Version:   wire.ProtocolVersion,
				ID:        wire.GenerateFrameID(),
				Type:      wire.FramePong,
				CorrelID:  f.ID,
				Timestamp: time.Now().UTC(),
			}
			_ = c.writeFrame(pong)
		}
	}

	if c.closed.Load() || !c.reconnect {
		return
	}
	c.redial()
}

// redial re-establishes the session after a drop, then re-issues every
// active subscription so events keep flowing on their channels.
func (c *Client) redial() {
	for attempt := 0; ; attempt++ {
		if c.closed.Load() {
			return
		}
		if c.maxRetries > 0 && attempt >= c.maxRetries {
			c.logger.Error("reconnect attempts exhausted",
				slog.Int("attempts", attempt),
			)
			return
		}
		time.Sleep(c.retry.Delay(attempt))

		ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect failed",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.resubscribe()
		return
	}
}

func (c *Client) resubscribe() {
	c.subs.Range(func(topic, _ any) bool {
		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		defer cancel()
		_, err := c.request(ctx, wire.MethodSubscribe, wire.SubscribeRequest{
			Channel: topic.(string),
			Credits: int(initialCredits),
		})
		if err != nil {
			c.logger.Warn("resubscribe failed",
				slog.String("channel", topic.(string)),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, payload any) (*wire.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	f, err := wire.NewRequestFrame(wire.GenerateFrameID(), method, payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan *wire.Frame, 1)
	c.pending.Store(f.ID, ch)
	defer c.pending.Delete(f.ID)

	c.mu.RLock()
	lost := c.lost
	c.mu.RUnlock()

	if err := c.writeFrame(f); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Type == wire.FrameErr && resp.Error != nil {
			return nil, &APIError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp, nil
	case <-lost:
		return nil, ErrConnLost
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
	}
}

func (c *Client) writeFrame(f *wire.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.RLock()
	conn, codec, op := c.conn, c.codec, c.op
	c.mu.RUnlock()
	if conn == nil {
		return ErrConnLost
	}
	data, err := codec.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientMessage(conn, op, data)
}

// decodeResponse unmarshals a response frame's payload. Payloads are
// JSON regardless of the session codec.
func decodeResponse[T any](f *wire.Frame) (*T, error) {
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return nil, fmt.Errorf("decode response payload: %w", err)
	}
	return &v, nil
}

func opFor(codec wire.Codec) ws.OpCode {
	if codec.Name() == wire.CodecNameMsgpack {
		return ws.OpBinary
	}
	return ws.OpText
}
