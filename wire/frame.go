// Package wire implements the control-plane ↔ worker-agent message
// protocol. Frames travel over WebSocket (primary) or AMQP, encoded as
// JSON or MessagePack negotiated per session.
//
// Frames carry an explicit protocol version and every decoder ignores
// unknown fields, so agents and control planes can upgrade
// independently of each other.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped into every frame this build produces.
// Receivers accept any version and skip fields they do not know.
const ProtocolVersion = 1

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the wire message envelope. Every message exchanged between
// the control plane, worker agents, and control clients is a Frame.
type Frame struct {
	// Version is the protocol version of the sender.
	Version int `json:"v" msgpack:"v"`

	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation or message kind (e.g., "task",
	// "result", "job.submit").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Target tags the frame with the sending or receiving node name.
	Target string `json:"target,omitempty" msgpack:"target,omitempty"`

	// Token carries auth credentials (typically only on the hello frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel identifies the subscription channel for event/subscribe
	// frames.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Session establishment.
	MethodHello = "hello"

	// Agent flow (fire-and-forget events).
	MethodTask         = "task"
	MethodAck          = "ack"
	MethodResult       = "result"
	MethodHeartbeat    = "heartbeat"
	MethodHeartbeatAck = "heartbeat_ack"
	MethodCancel       = "cancel"

	// Control client methods.
	MethodJobSubmit  = "job.submit"
	MethodJobGet     = "job.get"
	MethodJobList    = "job.list"
	MethodJobCancel  = "job.cancel"
	MethodJobRedrive = "job.redrive"
	MethodFleetList  = "fleet.list"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeInternal       = 500
)

// ── Message payloads ────────────────────────────────

// Hello is the first frame an agent (or control client) sends after
// connecting. For agents it announces the target identity, labels, and
// preferred codec; the session is unusable until a Welcome arrives.
type Hello struct {
	Target       string            `json:"target,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Format       string            `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// Welcome is the control plane's reply to a Hello.
type Welcome struct {
	SessionID string `json:"session_id"`
	Format    string `json:"format"`

	// HeartbeatInterval tells the agent how often to heartbeat.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// TaskMessage dispatches one task to an agent.
type TaskMessage struct {
	TaskID     string          `json:"task_id"`
	JobID      string          `json:"job_id"`
	StepName   string          `json:"step_name,omitempty"`
	Kind       string          `json:"kind"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Attempt    int             `json:"attempt"`
	Deadline   time.Time       `json:"deadline"`
}

// AckMessage confirms task receipt. Dispatch of a task the agent has
// already seen is re-acked, not re-executed.
type AckMessage struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// ResultMessage reports the outcome of one execution attempt.
type ResultMessage struct {
	TaskID   string        `json:"task_id"`
	Attempt  int           `json:"attempt"`
	Status   string        `json:"status"` // "success" or "failure"
	Output   []byte        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HeartbeatMessage keeps a session alive and reports what the agent is
// working on.
type HeartbeatMessage struct {
	Target   string    `json:"target"`
	InFlight string    `json:"in_flight,omitempty"`
	At       time.Time `json:"at"`
}

// CancelMessage advises an agent that a task's job was cancelled. The
// agent may finish the current execution; its result will be ignored.
type CancelMessage struct {
	TaskID string `json:"task_id"`
}

// SubscribeRequest subscribes a control client to a topic channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	Credits int    `json:"credits,omitempty"` // initial credits (0 = use default)
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// ── Frame constructors ──────────────────────────────

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version:   ProtocolVersion,
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version:   ProtocolVersion,
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		Version:  ProtocolVersion,
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates a fire-and-forget event frame.
func NewEventFrame(method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version:   ProtocolVersion,
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID.
func GenerateFrameID() string {
	return uuid.NewString()
}
