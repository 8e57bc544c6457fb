// Package websocket implements the primary transport over WebSocket
// using gobwas/ws.
//
// The Hub is the control-plane side: mounted on an HTTP router, it
// serves worker-agent sessions (hello with a target) and control-client
// sessions (hello without one). The Dialer is the agent side.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/stream"
	"github.com/sshnaidm/directord/wire"
)

// Hub accepts WebSocket connections and bridges them to the control
// plane. Agent frames surface on Inbound; control-client requests go to
// the configured RequestHandler; subscriptions are fed from the stream
// broker.
type Hub struct {
	auth              wire.Authenticator
	handler           driver.RequestHandler
	broker            *stream.Broker
	logger            *slog.Logger
	heartbeatInterval time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*wsSession // agent sessions by target
	conns    map[net.Conn]struct{} // every live connection, for Close
	closed   bool

	inbound chan driver.Message
	events  chan driver.Event
	done    chan struct{}
	pushers sync.WaitGroup
	serving sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithAuth sets the authenticator. If not set, NoopAuthenticator is
// used (development mode).
func WithAuth(auth wire.Authenticator) Option {
	return func(h *Hub) { h.auth = auth }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithRequestHandler sets the handler for control-client request
// frames. Without one, every request is answered method-not-found.
func WithRequestHandler(handler driver.RequestHandler) Option {
	return func(h *Hub) { h.handler = handler }
}

// WithBroker attaches a stream broker, enabling subscribe/unsubscribe
// for control clients.
func WithBroker(b *stream.Broker) Option {
	return func(h *Hub) { h.broker = b }
}

// WithHeartbeatInterval sets the heartbeat interval handed to agents in
// the welcome frame.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeatInterval = d
		}
	}
}

// NewHub creates a WebSocket hub.
func NewHub(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:            slog.Default(),
		heartbeatInterval: 10 * time.Second,
		baseCtx:           ctx,
		cancel:            cancel,
		sessions:          make(map[string]*wsSession),
		conns:             make(map[net.Conn]struct{}),
		inbound:           make(chan driver.Message, 256),
		events:            make(chan driver.Event, 64),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.auth == nil {
		h.auth = wire.NoopAuthenticator{}
	}
	return h
}

// ServeHTTP upgrades the request and serves the session until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[conn] = struct{}{}
	h.serving.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.serving.Done()
		defer func() {
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		h.serve(conn)
	}()
}

// serve runs the handshake and then the frame loop for one connection.
func (h *Hub) serve(conn net.Conn) {
	// The hello frame is always JSON, before codec negotiation.
	data, _, err := wsutil.ReadClientData(conn)
	if err != nil {
		return
	}
	var helloFrame wire.Frame
	if err := json.Unmarshal(data, &helloFrame); err != nil {
		h.writeJSON(conn, wire.NewErrorFrame("", wire.ErrCodeBadRequest, "invalid hello frame"))
		return
	}
	if helloFrame.Method != wire.MethodHello {
		h.writeJSON(conn, wire.NewErrorFrame(helloFrame.ID, wire.ErrCodeBadRequest, "first frame must be hello"))
		return
	}

	var hello wire.Hello
	if len(helloFrame.Data) > 0 {
		if err := json.Unmarshal(helloFrame.Data, &hello); err != nil {
			h.writeJSON(conn, wire.NewErrorFrame(helloFrame.ID, wire.ErrCodeBadRequest, "invalid hello data"))
			return
		}
	}
	if hello.Target == "" {
		hello.Target = helloFrame.Target
	}

	identity, err := h.auth.Authenticate(h.baseCtx, helloFrame.Token)
	if err != nil {
		h.writeJSON(conn, wire.NewErrorFrame(helloFrame.ID, wire.ErrCodeUnauthorized, "authentication failed"))
		return
	}

	codec := wire.GetCodec(hello.Format)

	if hello.Target != "" {
		h.serveAgent(conn, codec, identity, &helloFrame, hello)
		return
	}
	h.serveControl(conn, codec, identity, &helloFrame)
}

// ── Agent sessions ──────────────────────────────────

func (h *Hub) serveAgent(conn net.Conn, codec wire.Codec, identity *wire.Identity, helloFrame *wire.Frame, hello wire.Hello) {
	if !identity.HasScope(wire.ScopeWorker) {
		h.writeJSON(conn, wire.NewErrorFrame(helloFrame.ID, wire.ErrCodeForbidden, "worker scope required"))
		return
	}

	s := &wsSession{
		workerID: id.NewWorkerID(),
		target:   hello.Target,
		conn:     conn,
		codec:    codec,
		op:       opFor(codec),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	prev := h.sessions[s.target]
	h.sessions[s.target] = s
	h.mu.Unlock()

	// A reconnecting agent replaces its old session; close the stale
	// connection so its read loop ends.
	if prev != nil {
		prev.conn.Close()
	}

	// The welcome is still JSON; the negotiated codec applies to every
	// frame after it.
	welcome, err := wire.NewResponseFrame(helloFrame.ID, wire.Welcome{
		SessionID:         s.workerID.String(),
		Format:            codec.Name(),
		HeartbeatInterval: h.heartbeatInterval,
	})
	if err != nil || h.writeJSONChecked(conn, welcome) != nil {
		h.dropAgent(s)
		return
	}

	h.logger.Info("agent connected",
		slog.String("target", s.target),
		slog.String("worker_id", s.workerID.String()),
		slog.String("codec", codec.Name()),
	)
	h.pushEvent(driver.Event{
		Type:         driver.EventConnected,
		WorkerID:     s.workerID,
		Target:       s.target,
		Labels:       hello.Labels,
		Capabilities: hello.Capabilities,
		At:           time.Now().UTC(),
	})
	defer h.dropAgent(s)

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		frame, err := codec.Decode(data)
		if err != nil {
			h.logger.Warn("undecodable agent frame",
				slog.String("target", s.target),
				slog.String("error", err.Error()),
			)
			continue
		}
		if frame.Type == wire.FramePing {
			_ = s.writeFrame(pongFor(frame))
			continue
		}
		h.pushInbound(driver.Message{WorkerID: s.workerID, Target: s.target, Frame: frame})
	}
}

// dropAgent deregisters an agent session and reports the target gone,
// unless a replacement session has already taken over.
func (h *Hub) dropAgent(s *wsSession) {
	h.mu.Lock()
	current := h.sessions[s.target] == s
	if current {
		delete(h.sessions, s.target)
	}
	closed := h.closed
	h.mu.Unlock()

	if !current || closed {
		return
	}
	h.logger.Info("agent disconnected",
		slog.String("target", s.target),
		slog.String("worker_id", s.workerID.String()),
	)
	h.pushEvent(driver.Event{
		Type:     driver.EventDisconnected,
		WorkerID: s.workerID,
		Target:   s.target,
		At:       time.Now().UTC(),
	})
}

// ── Control-client sessions ─────────────────────────

func (h *Hub) serveControl(conn net.Conn, codec wire.Codec, identity *wire.Identity, helloFrame *wire.Frame) {
	connID := wire.GenerateFrameID()
	s := &wsSession{target: connID, conn: conn, codec: codec, op: opFor(codec)}

	welcome, err := wire.NewResponseFrame(helloFrame.ID, wire.Welcome{
		SessionID: connID,
		Format:    codec.Name(),
	})
	if err != nil || h.writeJSONChecked(conn, welcome) != nil {
		return
	}

	h.logger.Info("control client connected",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
	)

	var sub *stream.Subscriber
	if h.broker != nil {
		sub = h.broker.Subscribe(connID)
		defer h.broker.RemoveSubscriber(connID)
		go h.forwardEvents(s, sub)
	}

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		frame, err := codec.Decode(data)
		if err != nil {
			h.writeControl(s, wire.NewErrorFrame("", wire.ErrCodeBadRequest, "invalid frame: "+err.Error()))
			continue
		}

		if frame.Type == wire.FramePing {
			_ = s.writeFrame(pongFor(frame))
			continue
		}
		if frame.Credits > 0 && sub != nil {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		if scope := wire.RequiredScope(frame.Method); scope != "" && !identity.HasScope(scope) {
			h.writeControl(s, wire.NewErrorFrame(frame.ID, wire.ErrCodeForbidden, "insufficient permissions"))
			continue
		}

		switch frame.Method {
		case wire.MethodSubscribe:
			h.writeControl(s, h.handleSubscribe(connID, sub, frame))
		case wire.MethodUnsubscribe:
			h.writeControl(s, h.handleUnsubscribe(connID, frame))
		default:
			if h.handler == nil {
				h.writeControl(s, wire.NewErrorFrame(frame.ID, wire.ErrCodeMethodNotFound, "unknown method: "+frame.Method))
				continue
			}
			if resp := h.handler(h.baseCtx, identity, frame); resp != nil {
				h.writeControl(s, resp)
			}
		}
	}
}

// writeControl writes a frame to a control client, logging failures.
func (h *Hub) writeControl(s *wsSession, f *wire.Frame) {
	if err := s.writeFrame(f); err != nil {
		h.logger.Warn("failed to write response frame",
			slog.String("conn_id", s.target),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Hub) handleSubscribe(connID string, sub *stream.Subscriber, frame *wire.Frame) *wire.Frame {
	if h.broker == nil || sub == nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeMethodNotFound, "subscriptions not enabled")
	}
	var req wire.SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid subscribe request")
	}
	if err := stream.ValidateTopic(req.Channel); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, err.Error())
	}
	h.broker.SubscribeTo(connID, req.Channel)
	if req.Credits > 0 {
		sub.AddCredits(int64(req.Credits))
	}
	resp, err := wire.NewResponseFrame(frame.ID, map[string]string{"channel": req.Channel})
	if err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeInternal, err.Error())
	}
	return resp
}

func (h *Hub) handleUnsubscribe(connID string, frame *wire.Frame) *wire.Frame {
	if h.broker == nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeMethodNotFound, "subscriptions not enabled")
	}
	var req wire.UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeBadRequest, "invalid unsubscribe request")
	}
	h.broker.Unsubscribe(connID, req.Channel)
	resp, err := wire.NewResponseFrame(frame.ID, map[string]string{"channel": req.Channel})
	if err != nil {
		return wire.NewErrorFrame(frame.ID, wire.ErrCodeInternal, err.Error())
	}
	return resp
}

// forwardEvents pumps broker events to a control client as event
// frames on the subscribed channel.
func (h *Hub) forwardEvents(s *wsSession, sub *stream.Subscriber) {
	for evt := range sub.C() {
		frame, err := wire.NewEventFrame(string(evt.Type), evt)
		if err != nil {
			continue
		}
		frame.Channel = evt.Topic
		if s.writeFrame(frame) != nil {
			return // connection gone
		}
	}
}

// ── Driver interface ────────────────────────────────

func (h *Hub) Send(ctx context.Context, target string, f *wire.Frame) error {
	h.mu.RLock()
	s, ok := h.sessions[target]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return directord.ErrDriverClosed
	}
	if !ok {
		return directord.ErrNotConnected
	}
	return s.writeFrame(f)
}

func (h *Hub) Inbound() <-chan driver.Message { return h.inbound }

func (h *Hub) Events() <-chan driver.Event { return h.events }

// Close tears down every connection and closes the inbound and event
// streams.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]net.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.cancel()
	close(h.done)
	for _, c := range conns {
		c.Close()
	}
	h.serving.Wait()
	h.pushers.Wait()
	close(h.inbound)
	close(h.events)
	return nil
}

func (h *Hub) pushInbound(m driver.Message) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.pushers.Add(1)
	h.mu.RUnlock()
	defer h.pushers.Done()

	select {
	case h.inbound <- m:
	case <-h.done:
	}
}

func (h *Hub) pushEvent(e driver.Event) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.pushers.Add(1)
	h.mu.RUnlock()
	defer h.pushers.Done()

	select {
	case h.events <- e:
	case <-h.done:
	}
}

// writeJSONChecked writes a frame as JSON during the handshake phase.
func (h *Hub) writeJSONChecked(conn net.Conn, f *wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return wsutil.WriteServerMessage(conn, ws.OpText, data)
}

// writeJSON is the best-effort variant for error responses right before
// a disconnect.
func (h *Hub) writeJSON(conn net.Conn, f *wire.Frame) {
	_ = h.writeJSONChecked(conn, f)
}

// ── Session ─────────────────────────────────────────

type wsSession struct {
	workerID id.WorkerID
	target   string
	conn     net.Conn
	codec    wire.Codec
	op       ws.OpCode
	wmu      sync.Mutex
}

func (s *wsSession) writeFrame(f *wire.Frame) error {
	data, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wsutil.WriteServerMessage(s.conn, s.op, data)
}

func opFor(codec wire.Codec) ws.OpCode {
	if codec.Name() == wire.CodecNameJSON {
		return ws.OpText
	}
	return ws.OpBinary
}

func pongFor(ping *wire.Frame) *wire.Frame {
	return &wire.Frame{
		Version:   wire.ProtocolVersion,
		ID:        wire.GenerateFrameID(),
		Type:      wire.FramePong,
		CorrelID:  ping.ID,
		Timestamp: ping.Timestamp,
	}
}

var _ driver.Driver = (*Hub)(nil)
