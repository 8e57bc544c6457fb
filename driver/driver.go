// Package driver defines the transport seam between the control plane
// and worker agents.
//
// A Driver is the control-plane half: it delivers frames to named
// targets and surfaces inbound frames and session lifecycle events. A
// Conn is the agent half of one established session. Implementations
// live in the websocket (primary), mq (AMQP store-and-forward), and
// inproc (single process, tests) subpackages.
//
// Transports are assumed unreliable: frames may be dropped or
// duplicated, and Send failing with ErrNotConnected is an ordinary
// condition the caller retries later.
package driver

import (
	"context"
	"time"

	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/wire"
)

// Driver is the control-plane side of a transport.
type Driver interface {
	// Send delivers a frame to the named target. It returns
	// directord.ErrNotConnected when no session exists for the target
	// on connection-oriented transports; store-and-forward transports
	// accept the frame regardless.
	Send(ctx context.Context, target string, f *wire.Frame) error

	// Inbound returns the stream of frames arriving from agents. The
	// channel is closed by Close.
	Inbound() <-chan Message

	// Events returns the stream of session lifecycle events. The
	// channel is closed by Close.
	Events() <-chan Event

	// Close tears down all sessions and releases transport resources.
	Close() error
}

// Dialer is the agent side of a transport: it establishes one session
// with the control plane.
type Dialer interface {
	// Dial connects, performs the hello/welcome handshake, and returns
	// the established session.
	Dial(ctx context.Context, hello wire.Hello) (Conn, *wire.Welcome, error)
}

// Conn is one established agent session.
type Conn interface {
	// Send delivers a frame to the control plane.
	Send(ctx context.Context, f *wire.Frame) error

	// Recv returns the stream of frames from the control plane. The
	// channel is closed when the session ends.
	Recv() <-chan *wire.Frame

	// Close ends the session.
	Close() error
}

// Message is an inbound frame tagged with its origin session.
type Message struct {
	WorkerID id.WorkerID
	Target   string
	Frame    *wire.Frame
}

// EventType classifies session lifecycle events.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event reports an agent session starting or ending.
type Event struct {
	Type         EventType
	WorkerID     id.WorkerID
	Target       string
	Labels       map[string]string
	Capabilities []string
	At           time.Time
}

// RequestHandler serves control-client request frames (job.submit,
// fleet.list, and friends). Returning nil suppresses the response.
type RequestHandler func(ctx context.Context, ident *wire.Identity, f *wire.Frame) *wire.Frame
