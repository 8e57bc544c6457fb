package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sshnaidm/directord"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/driver/websocket"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/stream"
	"github.com/sshnaidm/directord/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHub starts a hub behind an httptest server and returns a dialer
// pointed at it.
func newTestHub(t *testing.T, opts ...websocket.Option) (*websocket.Hub, *websocket.Dialer) {
	t.Helper()
	opts = append([]websocket.Option{websocket.WithLogger(testLogger())}, opts...)
	hub := websocket.NewHub(opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { hub.Close() })
	dialer := &websocket.Dialer{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Logger: testLogger(),
	}
	return hub, dialer
}

func waitEvent(t *testing.T, ch <-chan driver.Event) driver.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for driver event")
		return driver.Event{}
	}
}

func waitMessage(t *testing.T, ch <-chan driver.Message) driver.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return driver.Message{}
	}
}

func waitFrame(t *testing.T, ch <-chan *wire.Frame) *wire.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("receive channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestDialHandshake(t *testing.T) {
	hub, dialer := newTestHub(t, websocket.WithHeartbeatInterval(42*time.Second))

	conn, welcome, err := dialer.Dial(context.Background(), wire.Hello{
		Target:       "node-1",
		Labels:       map[string]string{"zone": "us-east"},
		Capabilities: []string{"echo", "sleep"},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if welcome.SessionID == "" {
		t.Fatal("welcome carries no session id")
	}
	if _, err := id.ParseWorkerID(welcome.SessionID); err != nil {
		t.Errorf("SessionID = %q, want a worker id", welcome.SessionID)
	}
	if welcome.Format != wire.CodecNameJSON {
		t.Errorf("Format = %q, want %q", welcome.Format, wire.CodecNameJSON)
	}
	if welcome.HeartbeatInterval != 42*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 42s", welcome.HeartbeatInterval)
	}

	evt := waitEvent(t, hub.Events())
	if evt.Type != driver.EventConnected {
		t.Fatalf("event type = %q, want connected", evt.Type)
	}
	if evt.Target != "node-1" {
		t.Errorf("event target = %q, want node-1", evt.Target)
	}
	if evt.Labels["zone"] != "us-east" {
		t.Errorf("event labels = %v, want zone=us-east", evt.Labels)
	}
	if len(evt.Capabilities) != 2 {
		t.Errorf("event capabilities = %v, want 2 entries", evt.Capabilities)
	}
}

func TestHubSendReachesAgent(t *testing.T) {
	hub, dialer := newTestHub(t)

	conn, _, err := dialer.Dial(context.Background(), wire.Hello{Target: "node-1"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitEvent(t, hub.Events())

	frame, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodTask, wire.TaskMessage{
		TaskID:   id.NewTaskID().String(),
		StepName: "install",
		Kind:     "echo",
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if err := hub.Send(context.Background(), "node-1", frame); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := waitFrame(t, conn.Recv())
	if got.ID != frame.ID {
		t.Errorf("frame id = %q, want %q", got.ID, frame.ID)
	}
	if got.Method != wire.MethodTask {
		t.Errorf("method = %q, want %q", got.Method, wire.MethodTask)
	}
	var msg wire.TaskMessage
	if err := json.Unmarshal(got.Data, &msg); err != nil {
		t.Fatalf("unmarshal task message: %v", err)
	}
	if msg.StepName != "install" {
		t.Errorf("step name = %q, want install", msg.StepName)
	}
}

func TestAgentFramesSurfaceInbound(t *testing.T) {
	hub, dialer := newTestHub(t)

	conn, welcome, err := dialer.Dial(context.Background(), wire.Hello{Target: "node-2"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitEvent(t, hub.Events())

	ack, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodAck, wire.AckMessage{
		TaskID:  id.NewTaskID().String(),
		Attempt: 1,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if err := conn.Send(context.Background(), ack); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	m := waitMessage(t, hub.Inbound())
	if m.Target != "node-2" {
		t.Errorf("message target = %q, want node-2", m.Target)
	}
	if m.WorkerID.String() != welcome.SessionID {
		t.Errorf("message worker id = %q, want %q", m.WorkerID, welcome.SessionID)
	}
	if m.Frame.Method != wire.MethodAck {
		t.Errorf("method = %q, want %q", m.Frame.Method, wire.MethodAck)
	}
}

func TestSendToUnknownTarget(t *testing.T) {
	hub, _ := newTestHub(t)

	frame := wire.NewErrorFrame("", wire.ErrCodeInternal, "probe")
	if err := hub.Send(context.Background(), "ghost", frame); !errors.Is(err, directord.ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestAuthRejected(t *testing.T) {
	auth := wire.NewTokenAuthenticator()
	auth.AddToken("agent-secret", "agents", wire.ScopeWorker)
	auth.AddToken("viewer-secret", "viewer", wire.ScopeJobRead)

	_, dialer := newTestHub(t, websocket.WithAuth(auth))

	t.Run("bad token", func(t *testing.T) {
		dialer.Token = "wrong"
		_, _, err := dialer.Dial(context.Background(), wire.Hello{Target: "node-1"})
		if err == nil || !strings.Contains(err.Error(), "handshake rejected") {
			t.Fatalf("Dial() error = %v, want handshake rejected", err)
		}
	})

	t.Run("missing worker scope", func(t *testing.T) {
		dialer.Token = "viewer-secret"
		_, _, err := dialer.Dial(context.Background(), wire.Hello{Target: "node-1"})
		if err == nil || !strings.Contains(err.Error(), "handshake rejected") {
			t.Fatalf("Dial() error = %v, want handshake rejected", err)
		}
	})

	t.Run("worker token accepted", func(t *testing.T) {
		dialer.Token = "agent-secret"
		conn, _, err := dialer.Dial(context.Background(), wire.Hello{Target: "node-1"})
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		conn.Close()
	})
}

func TestMsgpackNegotiation(t *testing.T) {
	hub, dialer := newTestHub(t)

	conn, welcome, err := dialer.Dial(context.Background(), wire.Hello{
		Target: "node-1",
		Format: wire.CodecNameMsgpack,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitEvent(t, hub.Events())

	if welcome.Format != wire.CodecNameMsgpack {
		t.Fatalf("Format = %q, want %q", welcome.Format, wire.CodecNameMsgpack)
	}

	// Both directions must speak the negotiated codec.
	out, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodTask, wire.TaskMessage{Kind: "echo"})
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if err := hub.Send(context.Background(), "node-1", out); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := waitFrame(t, conn.Recv()); got.Method != wire.MethodTask {
		t.Errorf("method = %q, want %q", got.Method, wire.MethodTask)
	}

	back, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodHeartbeat, wire.HeartbeatMessage{Target: "node-1"})
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if err := conn.Send(context.Background(), back); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if m := waitMessage(t, hub.Inbound()); m.Frame.Method != wire.MethodHeartbeat {
		t.Errorf("method = %q, want %q", m.Frame.Method, wire.MethodHeartbeat)
	}
}

func TestRedialReplacesSession(t *testing.T) {
	hub, dialer := newTestHub(t)

	conn1, _, err := dialer.Dial(context.Background(), wire.Hello{Target: "node-1"})
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	waitEvent(t, hub.Events())

	conn2, welcome2, err := dialer.Dial(context.Background(), wire.Hello{Target: "node-1"})
	if err != nil {
		t.Fatalf("second Dial() error = %v", err)
	}
	defer conn2.Close()
	waitEvent(t, hub.Events())

	// The replaced session's receive stream ends.
	select {
	case _, ok := <-conn1.Recv():
		if ok {
			t.Fatal("unexpected frame on replaced session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replaced session still open")
	}

	frame, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodTask, wire.TaskMessage{Kind: "echo"})
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if err := hub.Send(context.Background(), "node-1", frame); err != nil {
		t.Fatalf("Send() after redial error = %v", err)
	}
	waitFrame(t, conn2.Recv())

	// Closing the live session reports a disconnect for it; the replaced
	// session must not have produced one.
	conn2.Close()
	evt := waitEvent(t, hub.Events())
	if evt.Type != driver.EventDisconnected {
		t.Fatalf("event type = %q, want disconnected", evt.Type)
	}
	if evt.WorkerID.String() != welcome2.SessionID {
		t.Errorf("disconnect for worker %q, want %q", evt.WorkerID, welcome2.SessionID)
	}
}

func TestHubClose(t *testing.T) {
	hub, dialer := newTestHub(t)

	conn, _, err := dialer.Dial(context.Background(), wire.Hello{Target: "node-1"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitEvent(t, hub.Events())

	if err := hub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	frame := wire.NewErrorFrame("", wire.ErrCodeInternal, "probe")
	if err := hub.Send(context.Background(), "node-1", frame); !errors.Is(err, directord.ErrDriverClosed) {
		t.Errorf("Send() after close error = %v, want ErrDriverClosed", err)
	}

	select {
	case _, ok := <-conn.Recv():
		if ok {
			t.Fatal("unexpected frame after hub close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent session still open after hub close")
	}

	if _, ok := <-hub.Inbound(); ok {
		t.Error("inbound channel still open after close")
	}
	if _, ok := <-hub.Events(); ok {
		t.Error("events channel still open after close")
	}
}

// ── Control-client sessions ─────────────────────────

func TestControlRequestDispatch(t *testing.T) {
	handler := func(_ context.Context, ident *wire.Identity, f *wire.Frame) *wire.Frame {
		resp, _ := wire.NewResponseFrame(f.ID, map[string]string{
			"method":  f.Method,
			"subject": ident.Subject,
		})
		return resp
	}
	_, dialer := newTestHub(t, websocket.WithRequestHandler(handler))

	// No target makes this a control session.
	conn, welcome, err := dialer.Dial(context.Background(), wire.Hello{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if welcome.SessionID == "" {
		t.Fatal("control welcome carries no session id")
	}

	req, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodJobList, nil)
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if err := conn.Send(context.Background(), req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	resp := waitFrame(t, conn.Recv())
	if resp.CorrelID != req.ID {
		t.Fatalf("correl id = %q, want %q", resp.CorrelID, req.ID)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["method"] != wire.MethodJobList {
		t.Errorf("handler saw method %q, want %q", body["method"], wire.MethodJobList)
	}
}

func TestControlScopeEnforced(t *testing.T) {
	auth := wire.NewTokenAuthenticator()
	auth.AddToken("viewer-secret", "viewer", wire.ScopeJobRead)

	var handled atomic.Bool
	handler := func(_ context.Context, _ *wire.Identity, f *wire.Frame) *wire.Frame {
		handled.Store(true)
		resp, _ := wire.NewResponseFrame(f.ID, nil)
		return resp
	}
	_, dialer := newTestHub(t, websocket.WithAuth(auth), websocket.WithRequestHandler(handler))
	dialer.Token = "viewer-secret"

	conn, _, err := dialer.Dial(context.Background(), wire.Hello{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	req, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodJobSubmit, nil)
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if err := conn.Send(context.Background(), req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	resp := waitFrame(t, conn.Recv())
	if resp.Type != wire.FrameErr {
		t.Fatalf("frame type = %q, want error", resp.Type)
	}
	if resp.Error == nil || resp.Error.Code != wire.ErrCodeForbidden {
		t.Fatalf("error = %+v, want code %d", resp.Error, wire.ErrCodeForbidden)
	}
	if handled.Load() {
		t.Error("handler ran despite missing scope")
	}
}

func TestControlSubscribeReceivesEvents(t *testing.T) {
	broker := stream.NewBroker(testLogger())
	_, dialer := newTestHub(t, websocket.WithBroker(broker))

	conn, _, err := dialer.Dial(context.Background(), wire.Hello{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	sub, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodSubscribe, wire.SubscribeRequest{
		Channel: stream.TopicJobs,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if err := conn.Send(context.Background(), sub); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp := waitFrame(t, conn.Recv()); resp.CorrelID != sub.ID || resp.Type == wire.FrameErr {
		t.Fatalf("subscribe response = %+v", resp)
	}

	j := &job.Job{ID: id.NewJobID(), Name: "deploy", Status: job.StatusPending}
	if err := broker.OnJobSubmitted(context.Background(), j); err != nil {
		t.Fatalf("OnJobSubmitted() error = %v", err)
	}

	evt := waitFrame(t, conn.Recv())
	if evt.Type != wire.FrameEvent {
		t.Fatalf("frame type = %q, want event", evt.Type)
	}
	if evt.Method != string(stream.EventJobSubmitted) {
		t.Errorf("event method = %q, want %q", evt.Method, stream.EventJobSubmitted)
	}
	if evt.Channel != stream.TopicJobs {
		t.Errorf("channel = %q, want %q", evt.Channel, stream.TopicJobs)
	}
	var streamEvt stream.Event
	if err := json.Unmarshal(evt.Data, &streamEvt); err != nil {
		t.Fatalf("unmarshal stream event: %v", err)
	}
	var data stream.JobEventData
	if err := json.Unmarshal(streamEvt.Data, &data); err != nil {
		t.Fatalf("unmarshal job event data: %v", err)
	}
	if data.JobID != j.ID.String() {
		t.Errorf("event job id = %q, want %q", data.JobID, j.ID)
	}
}
