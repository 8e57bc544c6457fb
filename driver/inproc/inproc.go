// Package inproc provides an in-process transport that wires agents
// directly to the control plane without sockets. It backs single-binary
// deployments and tests.
//
// Frames still pass through the wire codec on every hop, so the
// value-isolation and field-compatibility behavior of the real
// transports is preserved.
package inproc

import (
	"context"
	"sync"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/wire"
)

// Network is both halves of an in-process transport: the control plane
// uses it as a driver.Driver, agents dial it as a driver.Dialer.
type Network struct {
	codec             wire.Codec
	heartbeatInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	inbound chan driver.Message
	events  chan driver.Event
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Network.
type Option func(*Network)

// WithHeartbeatInterval sets the heartbeat interval handed to agents in
// the welcome frame.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(n *Network) {
		if d > 0 {
			n.heartbeatInterval = d
		}
	}
}

// New creates an empty in-process network.
func New(opts ...Option) *Network {
	n := &Network{
		codec:             &wire.JSONCodec{},
		heartbeatInterval: 10 * time.Second,
		sessions:          make(map[string]*session),
		inbound:           make(chan driver.Message, 256),
		events:            make(chan driver.Event, 64),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ── Control-plane side ──────────────────────────────

func (n *Network) Send(ctx context.Context, target string, f *wire.Frame) error {
	n.mu.RLock()
	s, ok := n.sessions[target]
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return directord.ErrDriverClosed
	}
	if !ok {
		return directord.ErrNotConnected
	}

	clone, err := n.reencode(f)
	if err != nil {
		return err
	}
	return s.deliver(ctx, n, clone)
}

func (n *Network) Inbound() <-chan driver.Message { return n.inbound }

func (n *Network) Events() <-chan driver.Event { return n.events }

// Close drops every session and closes the inbound and event streams.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	sessions := make([]*session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	close(n.done)
	for _, s := range sessions {
		s.close()
	}
	n.wg.Wait()
	close(n.inbound)
	close(n.events)
	return nil
}

// Drop severs the agent session for a target the way a transport
// fault would: the agent sees its receive channel close and goes
// through its reconnect path. Reports whether a session existed.
func (n *Network) Drop(target string) bool {
	n.mu.RLock()
	s := n.sessions[target]
	n.mu.RUnlock()
	if s == nil {
		return false
	}
	s.close()
	return true
}

// ── Agent side ──────────────────────────────────────

// Dial establishes an agent session. A second session for the same
// target replaces the first.
func (n *Network) Dial(_ context.Context, hello wire.Hello) (driver.Conn, *wire.Welcome, error) {
	workerID := id.NewWorkerID()
	s := &session{
		net:      n,
		workerID: workerID,
		target:   hello.Target,
		recv:     make(chan *wire.Frame, 256),
		gone:     make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, nil, directord.ErrDriverClosed
	}
	prev := n.sessions[hello.Target]
	n.sessions[hello.Target] = s
	n.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	n.emit(driver.Event{
		Type:         driver.EventConnected,
		WorkerID:     workerID,
		Target:       hello.Target,
		Labels:       hello.Labels,
		Capabilities: hello.Capabilities,
		At:           time.Now().UTC(),
	})

	welcome := &wire.Welcome{
		SessionID:         workerID.String(),
		Format:            n.codec.Name(),
		HeartbeatInterval: n.heartbeatInterval,
	}
	return s, welcome, nil
}

type session struct {
	net      *Network
	workerID id.WorkerID
	target   string
	recv     chan *wire.Frame
	gone     chan struct{}
	once     sync.Once

	mu      sync.RWMutex
	closing bool
	senders sync.WaitGroup
}

// deliver hands a frame to the agent's receive channel, refusing once
// the session has started closing.
func (s *session) deliver(ctx context.Context, n *Network, f *wire.Frame) error {
	s.mu.RLock()
	if s.closing {
		s.mu.RUnlock()
		return directord.ErrNotConnected
	}
	s.senders.Add(1)
	s.mu.RUnlock()
	defer s.senders.Done()

	select {
	case s.recv <- f:
		return nil
	case <-s.gone:
		return directord.ErrNotConnected
	case <-n.done:
		return directord.ErrDriverClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Send(ctx context.Context, f *wire.Frame) error {
	n := s.net

	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return directord.ErrDriverClosed
	}
	n.wg.Add(1)
	n.mu.RUnlock()
	defer n.wg.Done()

	clone, err := n.reencode(f)
	if err != nil {
		return err
	}
	select {
	case n.inbound <- driver.Message{WorkerID: s.workerID, Target: s.target, Frame: clone}:
		return nil
	case <-s.gone:
		return directord.ErrNotConnected
	case <-n.done:
		return directord.ErrDriverClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Recv() <-chan *wire.Frame { return s.recv }

func (s *session) Close() error {
	s.close()
	return nil
}

func (s *session) close() {
	s.once.Do(func() {
		n := s.net

		n.mu.Lock()
		current := n.sessions[s.target] == s
		if current {
			delete(n.sessions, s.target)
		}
		closed := n.closed
		n.mu.Unlock()

		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		close(s.gone)
		s.senders.Wait()
		close(s.recv)

		// A replaced session does not report the target as gone; the
		// replacement is already live.
		if current && !closed {
			n.emit(driver.Event{
				Type:     driver.EventDisconnected,
				WorkerID: s.workerID,
				Target:   s.target,
				At:       time.Now().UTC(),
			})
		}
	})
}

func (n *Network) emit(e driver.Event) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	n.wg.Add(1)
	n.mu.RUnlock()
	defer n.wg.Done()

	select {
	case n.events <- e:
	case <-n.done:
	}
}

// reencode passes a frame through the codec so neither side can reach
// the other's memory.
func (n *Network) reencode(f *wire.Frame) (*wire.Frame, error) {
	raw, err := n.codec.Encode(f)
	if err != nil {
		return nil, err
	}
	return n.codec.Decode(raw)
}

var (
	_ driver.Driver = (*Network)(nil)
	_ driver.Dialer = (*Network)(nil)
	_ driver.Conn   = (*session)(nil)
)
