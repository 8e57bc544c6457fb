package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/wire"
)

// Dialer establishes one agent session with a Hub. Reconnecting after a
// dropped session is the caller's job; each Dial is a fresh handshake.
type Dialer struct {
	// URL is the hub endpoint, e.g. "ws://ctl.example.com/ws".
	URL string

	// Token authenticates the hello frame.
	Token string

	// HandshakeTimeout bounds the wait for the welcome frame.
	// Zero means 10 seconds.
	HandshakeTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Dial connects to the hub, performs the hello/welcome handshake, and
// returns the established session.
func (d *Dialer) Dial(ctx context.Context, hello wire.Hello) (driver.Conn, *wire.Welcome, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, _, err := ws.Dial(ctx, d.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("websocket dial: %w", err)
	}

	helloFrame, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodHello, hello)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("marshal hello: %w", err)
	}
	helloFrame.Target = hello.Target
	helloFrame.Token = d.Token

	// The whole handshake is JSON; the negotiated codec applies to
	// every frame after the welcome.
	data, err := json.Marshal(helloFrame)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("marshal hello frame: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("write hello frame: %w", err)
	}

	welcome, err := d.readWelcome(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	codec := wire.GetCodec(welcome.Format)
	c := &clientConn{
		conn:   conn,
		codec:  codec,
		op:     opFor(codec),
		recv:   make(chan *wire.Frame, 256),
		logger: logger,
	}
	go c.readLoop()

	logger.Info("connected to control plane",
		slog.String("session_id", welcome.SessionID),
		slog.String("codec", welcome.Format),
	)
	return c, welcome, nil
}

// readWelcome reads the handshake response directly; the read loop has
// not started yet.
func (d *Dialer) readWelcome(ctx context.Context, conn net.Conn) (*wire.Welcome, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	type readResult struct {
		frame *wire.Frame
		err   error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			resultCh <- readResult{err: fmt.Errorf("read welcome: %w", err)}
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			resultCh <- readResult{err: fmt.Errorf("unmarshal welcome: %w", err)}
			return
		}
		resultCh <- readResult{frame: &frame}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		frame := result.frame
		if frame.Type == wire.FrameErr {
			msg := "unknown error"
			if frame.Error != nil {
				msg = frame.Error.Message
			}
			return nil, fmt.Errorf("handshake rejected: %s", msg)
		}
		var welcome wire.Welcome
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &welcome); err != nil {
				return nil, fmt.Errorf("unmarshal welcome data: %w", err)
			}
		}
		return &welcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("handshake timeout after %s", timeout)
	}
}

// clientConn is the agent side of an established WebSocket session.
type clientConn struct {
	conn   net.Conn
	codec  wire.Codec
	op     ws.OpCode
	recv   chan *wire.Frame
	logger *slog.Logger

	wmu    sync.Mutex
	closed atomic.Bool
}

func (c *clientConn) Send(_ context.Context, f *wire.Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientMessage(c.conn, c.op, data)
}

func (c *clientConn) Recv() <-chan *wire.Frame { return c.recv }

func (c *clientConn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	return c.conn.Close()
}

// readLoop pumps frames from the socket into the receive channel until
// the connection ends.
func (c *clientConn) readLoop() {
	defer close(c.recv)
	for {
		data, _, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("session read error", slog.String("error", err.Error()))
			}
			return
		}
		frame, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame", slog.String("error", err.Error()))
			continue
		}
		c.recv <- frame
	}
}

var _ driver.Conn = (*clientConn)(nil)
