package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/middleware"
	"github.com/sshnaidm/directord/task"
	"github.com/sshnaidm/directord/wire"
)

// Agent is a worker agent bound to one target node.
type Agent struct {
	target  string
	labels  map[string]string
	dialer  driver.Dialer
	runners *Registry
	mw      middleware.Middleware
	logger  *slog.Logger

	format            string
	heartbeatInterval time.Duration
	ackMissFactor     int
	reconnect         backoff.Strategy
	queueDepth        int
	outboxCap         int
	extraMW           []middleware.Middleware

	outbox *outbox
	seen   *seenSet
	taskCh chan *task.Task

	mu   sync.Mutex
	conn driver.Conn

	lastAck  atomic.Int64
	draining atomic.Bool

	inflightMu     sync.Mutex
	inflightID     string
	inflightCancel context.CancelFunc
}

// Option configures an Agent.
type Option func(*Agent)

// WithLabels sets the labels announced at registration, matched by job
// selectors.
func WithLabels(labels map[string]string) Option {
	return func(a *Agent) { a.labels = labels }
}

// WithRunner registers a runner for a payload kind.
func WithRunner(kind string, r Runner) Option {
	return func(a *Agent) { a.runners.Register(kind, r) }
}

// WithMiddleware appends middleware around task execution, inside the
// default recover/logging/deadline stack.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(a *Agent) { a.extraMW = append(a.extraMW, mws...) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithCodec selects the wire codec requested in the hello frame
// ("json" or "msgpack").
func WithCodec(format string) Option {
	return func(a *Agent) { a.format = format }
}

// WithHeartbeatInterval sets the fallback heartbeat cadence used when
// the welcome frame does not name one.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.heartbeatInterval = d
		}
	}
}

// WithReconnectBackoff sets the delay curve between dial attempts.
func WithReconnectBackoff(s backoff.Strategy) Option {
	return func(a *Agent) {
		if s != nil {
			a.reconnect = s
		}
	}
}

// WithOutboxCapacity bounds the undelivered-result buffer.
func WithOutboxCapacity(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.outboxCap = n
		}
	}
}

// New creates an Agent for the given target.
func New(target string, dialer driver.Dialer, opts ...Option) *Agent {
	a := &Agent{
		target:            target,
		dialer:            dialer,
		runners:           NewRegistry(),
		logger:            slog.Default(),
		format:            wire.CodecNameJSON,
		heartbeatInterval: 10 * time.Second,
		ackMissFactor:     3,
		reconnect:         backoff.NewExponentialWithJitter(time.Second, 30*time.Second),
		queueDepth:        64,
		outboxCap:         256,
		seen:              newSeenSet(1024),
	}
	a.runners.Register("echo", EchoRunner())
	a.runners.Register("sleep", SleepRunner())

	for _, opt := range opts {
		opt(a)
	}

	a.outbox = newOutbox(a.outboxCap)
	a.taskCh = make(chan *task.Task, a.queueDepth)

	base := []middleware.Middleware{
		middleware.Recover(a.logger),
		middleware.Logging(a.logger),
		middleware.Deadline(a.logger),
	}
	a.mw = middleware.Chain(append(base, a.extraMW...)...)
	return a
}

// Target returns the agent's target identity.
func (a *Agent) Target() string { return a.target }

// Draining reports whether the agent has stopped accepting new tasks
// because the control plane went silent.
func (a *Agent) Draining() bool { return a.draining.Load() }

// Run connects to the control plane and processes tasks until ctx is
// cancelled. Dropped sessions are re-established with backoff; the
// in-flight task keeps executing across reconnects and its result is
// delivered from the outbox.
func (a *Agent) Run(ctx context.Context) error {
	go a.executeLoop(ctx)

	dialAttempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, welcome, err := a.dialer.Dial(ctx, wire.Hello{
			Target:       a.target,
			Labels:       a.labels,
			Capabilities: a.runners.Kinds(),
			Format:       a.format,
		})
		if err != nil {
			dialAttempt++
			delay := a.reconnect.Delay(dialAttempt)
			a.logger.Warn("dial failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		dialAttempt = 0

		hb := welcome.HeartbeatInterval
		if hb <= 0 {
			hb = a.heartbeatInterval
		}

		a.setConn(conn)
		a.lastAck.Store(time.Now().UnixNano())
		a.draining.Store(false)
		a.flushOutbox(ctx)

		a.session(ctx, conn, hb)

		a.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("session ended, reconnecting", slog.String("target", a.target))
	}
}

// session processes one established connection until it drops.
func (a *Agent) session(ctx context.Context, conn driver.Conn, hb time.Duration) {
	ticker := time.NewTicker(hb)
	defer ticker.Stop()

	ackDeadline := time.Duration(a.ackMissFactor) * hb

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeat(ctx, ackDeadline)
		case f, ok := <-conn.Recv():
			if !ok {
				return
			}
			a.handleFrame(ctx, f)
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, f *wire.Frame) {
	switch f.Method {
	case wire.MethodTask:
		a.onTask(ctx, f)
	case wire.MethodHeartbeatAck:
		a.lastAck.Store(time.Now().UnixNano())
		if a.draining.CompareAndSwap(true, false) {
			a.logger.Info("control plane answering again, accepting tasks")
		}
	case wire.MethodCancel:
		a.onCancel(f)
	default:
		a.logger.Debug("unhandled frame method", slog.String("method", f.Method))
	}
}

func (a *Agent) onTask(ctx context.Context, f *wire.Frame) {
	var tm wire.TaskMessage
	if err := json.Unmarshal(f.Data, &tm); err != nil {
		a.logger.Warn("malformed task frame", slog.String("error", err.Error()))
		return
	}

	// Duplicate delivery: re-acknowledge, never re-execute.
	if a.seen.has(tm.TaskID, tm.Attempt) {
		a.ack(ctx, tm)
		return
	}

	if a.draining.Load() {
		a.logger.Warn("draining, task refused",
			slog.String("task_id", tm.TaskID),
		)
		return
	}

	taskID, err := id.ParseTaskID(tm.TaskID)
	if err != nil {
		a.logger.Warn("task frame with invalid id", slog.String("task_id", tm.TaskID))
		return
	}
	jobID, _ := id.ParseJobID(tm.JobID)

	t := &task.Task{
		ID:       taskID,
		JobID:    jobID,
		Target:   a.target,
		StepName: tm.StepName,
		Payload:  task.Payload{Kind: tm.Kind, Parameters: tm.Parameters},
		Attempt:  tm.Attempt,
		Deadline: tm.Deadline,
	}

	select {
	case a.taskCh <- t:
		a.seen.remember(tm.TaskID, tm.Attempt)
		a.ack(ctx, tm)
	default:
		// Queue full; no ack, so the control plane redispatches after
		// the deadline.
		a.logger.Warn("task queue full, task refused",
			slog.String("task_id", tm.TaskID),
		)
	}
}

func (a *Agent) onCancel(f *wire.Frame) {
	var cm wire.CancelMessage
	if err := json.Unmarshal(f.Data, &cm); err != nil {
		return
	}

	a.inflightMu.Lock()
	defer a.inflightMu.Unlock()
	if a.inflightID == cm.TaskID && a.inflightCancel != nil {
		a.logger.Info("cancelling in-flight task", slog.String("task_id", cm.TaskID))
		a.inflightCancel()
	}
}

func (a *Agent) ack(ctx context.Context, tm wire.TaskMessage) {
	frame, err := wire.NewEventFrame(wire.MethodAck, wire.AckMessage{
		TaskID:  tm.TaskID,
		Attempt: tm.Attempt,
	})
	if err != nil {
		return
	}
	frame.Target = a.target
	// Acks are not buffered: a lost ack only delays the running
	// transition, and the result frame carries the authoritative state.
	a.deliver(ctx, frame, false)
}

func (a *Agent) heartbeat(ctx context.Context, ackDeadline time.Duration) {
	a.inflightMu.Lock()
	inflight := a.inflightID
	a.inflightMu.Unlock()

	frame, err := wire.NewEventFrame(wire.MethodHeartbeat, wire.HeartbeatMessage{
		Target:   a.target,
		InFlight: inflight,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return
	}
	frame.Target = a.target
	a.deliver(ctx, frame, false)

	silent := time.Since(time.Unix(0, a.lastAck.Load()))
	if silent > ackDeadline && a.draining.CompareAndSwap(false, true) {
		a.logger.Warn("no heartbeat ack, draining",
			slog.Duration("silent", silent),
		)
	}
}

// ── Execution ───────────────────────────────────────

// executeLoop runs tasks strictly one at a time in arrival order.
func (a *Agent) executeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-a.taskCh:
			a.execute(ctx, t)
		}
	}
}

func (a *Agent) execute(ctx context.Context, t *task.Task) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.inflightMu.Lock()
	a.inflightID = t.ID.String()
	a.inflightCancel = cancel
	a.inflightMu.Unlock()

	defer func() {
		a.inflightMu.Lock()
		a.inflightID = ""
		a.inflightCancel = nil
		a.inflightMu.Unlock()
	}()

	start := time.Now()
	var output []byte

	err := a.mw(runCtx, t, func(ctx context.Context) error {
		runner, ok := a.runners.Get(t.Payload.Kind)
		if !ok {
			return &unknownKindError{kind: t.Payload.Kind}
		}
		out, runErr := runner.Run(ctx, t.Payload.Parameters)
		output = out
		return runErr
	})
	elapsed := time.Since(start)

	rm := wire.ResultMessage{
		TaskID:   t.ID.String(),
		Attempt:  t.Attempt,
		Status:   string(task.ExitSuccess),
		Output:   output,
		Duration: elapsed,
	}
	if err != nil {
		rm.Status = string(task.ExitFailure)
		rm.Error = err.Error()
	}

	frame, ferr := wire.NewEventFrame(wire.MethodResult, rm)
	if ferr != nil {
		a.logger.Error("result frame build failed", slog.String("error", ferr.Error()))
		return
	}
	frame.Target = a.target
	a.deliver(ctx, frame, true)
}

type unknownKindError struct {
	kind string
}

func (e *unknownKindError) Error() string {
	return "no runner registered for kind " + e.kind
}

// ── Delivery ────────────────────────────────────────

func (a *Agent) setConn(c driver.Conn) {
	a.mu.Lock()
	a.conn = c
	a.mu.Unlock()
}

func (a *Agent) getConn() driver.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// deliver sends a frame to the control plane. Buffered frames survive
// disconnects and are flushed after the next handshake.
func (a *Agent) deliver(ctx context.Context, f *wire.Frame, buffer bool) {
	conn := a.getConn()
	if conn == nil {
		if buffer {
			if evicted := a.outbox.push(f); evicted > 0 {
				a.logger.Error("outbox overflow, oldest result dropped",
					slog.Int("evicted", evicted),
				)
			}
		}
		return
	}

	if err := conn.Send(ctx, f); err != nil {
		if buffer {
			a.outbox.push(f)
			a.logger.Warn("result buffered for redelivery",
				slog.String("error", err.Error()),
			)
		}
	}
}

// flushOutbox resends buffered results after a reconnect, oldest first.
func (a *Agent) flushOutbox(ctx context.Context) {
	frames := a.outbox.drain()
	if len(frames) == 0 {
		return
	}

	a.logger.Info("flushing buffered results", slog.Int("count", len(frames)))

	conn := a.getConn()
	for i, f := range frames {
		if conn == nil {
			a.outbox.requeue(frames[i:])
			return
		}
		if err := conn.Send(ctx, f); err != nil {
			a.outbox.requeue(frames[i:])
			a.logger.Warn("outbox flush interrupted",
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// ── Duplicate tracking ──────────────────────────────

// seenSet remembers recently accepted (task, attempt) pairs so
// duplicate deliveries are re-acked instead of re-executed. Bounded
// FIFO; retries arrive with a higher attempt and are accepted.
type seenSet struct {
	mu    sync.Mutex
	m     map[string]int
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		m:   make(map[string]int, capacity),
		cap: capacity,
	}
}

func (s *seenSet) remember(taskID string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.m[taskID]; !exists {
		for len(s.order) >= s.cap {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.m, oldest)
		}
		s.order = append(s.order, taskID)
	}
	s.m[taskID] = attempt
}

func (s *seenSet) has(taskID string, attempt int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.m[taskID]
	return ok && last >= attempt
}
