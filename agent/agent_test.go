package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sshnaidm/directord/agent"
	"github.com/sshnaidm/directord/driver"
	"github.com/sshnaidm/directord/driver/inproc"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/task"
	"github.com/sshnaidm/directord/wire"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Harness ─────────────────────────────────────────

// plane plays the control-plane side of an inproc network with one
// agent attached.
type plane struct {
	t   *testing.T
	net *inproc.Network
}

func newPlane(t *testing.T, target string, opts ...agent.Option) *plane {
	t.Helper()

	net := inproc.New(inproc.WithHeartbeatInterval(25 * time.Millisecond))
	t.Cleanup(func() { _ = net.Close() })

	opts = append([]agent.Option{agent.WithLogger(discard())}, opts...)
	a := agent.New(target, net, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	p := &plane{t: t, net: net}
	// The dial shows up as a connect event before anything else.
	if evt := p.nextEvent(); evt.Type != driver.EventConnected || evt.Target != target {
		t.Fatalf("first event = %+v, want connect for %s", evt, target)
	}
	return p
}

func (p *plane) nextEvent() driver.Event {
	p.t.Helper()
	select {
	case evt := <-p.net.Events():
		return evt
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for session event")
		return driver.Event{}
	}
}

// sendTask dispatches a task frame to the agent.
func (p *plane) sendTask(target string, tm wire.TaskMessage) {
	p.t.Helper()
	frame, err := wire.NewEventFrame(wire.MethodTask, tm)
	if err != nil {
		p.t.Fatalf("build task frame: %v", err)
	}
	frame.Target = target
	if err := p.net.Send(context.Background(), target, frame); err != nil {
		p.t.Fatalf("send task: %v", err)
	}
}

func (p *plane) sendCancel(target, taskID string) {
	p.t.Helper()
	frame, err := wire.NewEventFrame(wire.MethodCancel, wire.CancelMessage{TaskID: taskID})
	if err != nil {
		p.t.Fatalf("build cancel frame: %v", err)
	}
	frame.Target = target
	if err := p.net.Send(context.Background(), target, frame); err != nil {
		p.t.Fatalf("send cancel: %v", err)
	}
}

// await reads inbound frames until one matches the method, skipping
// heartbeats and other chatter.
func (p *plane) await(method string) *wire.Frame {
	p.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-p.net.Inbound():
			if msg.Frame != nil && msg.Frame.Method == method {
				return msg.Frame
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s frame", method)
			return nil
		}
	}
}

func taskMsg(kind string, params string) wire.TaskMessage {
	return wire.TaskMessage{
		TaskID:     id.NewTaskID().String(),
		JobID:      id.NewJobID().String(),
		StepName:   "run",
		Kind:       kind,
		Parameters: json.RawMessage(params),
		Attempt:    1,
	}
}

func decodeResult(t *testing.T, f *wire.Frame) wire.ResultMessage {
	t.Helper()
	var rm wire.ResultMessage
	if err := json.Unmarshal(f.Data, &rm); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return rm
}

func decodeAck(t *testing.T, f *wire.Frame) wire.AckMessage {
	t.Helper()
	var am wire.AckMessage
	if err := json.Unmarshal(f.Data, &am); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return am
}

// ── Execution ───────────────────────────────────────

func TestExecutesTaskAndReportsResult(t *testing.T) {
	t.Parallel()
	p := newPlane(t, "node-a")

	tm := taskMsg("echo", `{"msg":"hi"}`)
	p.sendTask("node-a", tm)

	ack := decodeAck(t, p.await(wire.MethodAck))
	if ack.TaskID != tm.TaskID || ack.Attempt != 1 {
		t.Errorf("ack = %+v", ack)
	}

	rm := decodeResult(t, p.await(wire.MethodResult))
	if rm.TaskID != tm.TaskID || rm.Attempt != 1 {
		t.Errorf("result = %+v", rm)
	}
	if rm.Status != string(task.ExitSuccess) {
		t.Errorf("status = %s, want success", rm.Status)
	}
	if string(rm.Output) != `{"msg":"hi"}` {
		t.Errorf("output = %s", rm.Output)
	}
}

func TestUnknownKindReportsFailure(t *testing.T) {
	t.Parallel()
	p := newPlane(t, "node-a")

	tm := taskMsg("terraform", `{}`)
	p.sendTask("node-a", tm)

	rm := decodeResult(t, p.await(wire.MethodResult))
	if rm.Status != string(task.ExitFailure) {
		t.Fatalf("status = %s, want failure", rm.Status)
	}
	if !strings.Contains(rm.Error, "terraform") {
		t.Errorf("error = %q, want the unknown kind named", rm.Error)
	}
}

func TestRunnerErrorReportsFailure(t *testing.T) {
	t.Parallel()
	p := newPlane(t, "node-a", agent.WithRunner("flaky",
		agent.RunnerFunc(func(context.Context, json.RawMessage) ([]byte, error) {
			return []byte("partial"), context.DeadlineExceeded
		}),
	))

	p.sendTask("node-a", taskMsg("flaky", `{}`))

	rm := decodeResult(t, p.await(wire.MethodResult))
	if rm.Status != string(task.ExitFailure) || rm.Error == "" {
		t.Errorf("result = %+v, want failure with error text", rm)
	}
}

func TestDuplicateDeliveryReackedNotReexecuted(t *testing.T) {
	t.Parallel()
	var executions atomic.Int32
	p := newPlane(t, "node-a", agent.WithRunner("count",
		agent.RunnerFunc(func(context.Context, json.RawMessage) ([]byte, error) {
			executions.Add(1)
			return nil, nil
		}),
	))

	tm := taskMsg("count", `{}`)
	p.sendTask("node-a", tm)
	p.await(wire.MethodAck)
	p.await(wire.MethodResult)

	// Redelivery of the same attempt: a fresh ack, no second run.
	p.sendTask("node-a", tm)
	ack := decodeAck(t, p.await(wire.MethodAck))
	if ack.TaskID != tm.TaskID {
		t.Errorf("re-ack task = %s, want %s", ack.TaskID, tm.TaskID)
	}

	time.Sleep(50 * time.Millisecond)
	if n := executions.Load(); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
}

func TestRetryAttemptIsExecuted(t *testing.T) {
	t.Parallel()
	var executions atomic.Int32
	p := newPlane(t, "node-a", agent.WithRunner("count",
		agent.RunnerFunc(func(context.Context, json.RawMessage) ([]byte, error) {
			executions.Add(1)
			return nil, nil
		}),
	))

	tm := taskMsg("count", `{}`)
	p.sendTask("node-a", tm)
	p.await(wire.MethodResult)

	// A higher attempt is new work, not a duplicate.
	tm.Attempt = 2
	p.sendTask("node-a", tm)
	rm := decodeResult(t, p.await(wire.MethodResult))
	if rm.Attempt != 2 {
		t.Errorf("result attempt = %d, want 2", rm.Attempt)
	}
	if n := executions.Load(); n != 2 {
		t.Errorf("executions = %d, want 2", n)
	}
}

func TestTasksRunSeriallyInOrder(t *testing.T) {
	t.Parallel()
	order := make(chan string, 4)
	p := newPlane(t, "node-a", agent.WithRunner("mark",
		agent.RunnerFunc(func(_ context.Context, params json.RawMessage) ([]byte, error) {
			var m struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(params, &m)
			order <- m.Name
			return nil, nil
		}),
	))

	p.sendTask("node-a", taskMsg("mark", `{"name":"first"}`))
	p.sendTask("node-a", taskMsg("mark", `{"name":"second"}`))
	p.await(wire.MethodResult)
	p.await(wire.MethodResult)

	if a, b := <-order, <-order; a != "first" || b != "second" {
		t.Errorf("execution order = %s, %s", a, b)
	}
}

// ── Cancellation ────────────────────────────────────

func TestCancelInterruptsRunningTask(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	p := newPlane(t, "node-a", agent.WithRunner("block",
		agent.RunnerFunc(func(ctx context.Context, _ json.RawMessage) ([]byte, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	))

	tm := taskMsg("block", `{}`)
	p.sendTask("node-a", tm)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	p.sendCancel("node-a", tm.TaskID)

	rm := decodeResult(t, p.await(wire.MethodResult))
	if rm.Status != string(task.ExitFailure) {
		t.Errorf("status = %s, want failure after cancel", rm.Status)
	}
}

// ── Heartbeats ──────────────────────────────────────

func TestHeartbeatsFlow(t *testing.T) {
	t.Parallel()
	p := newPlane(t, "node-a")

	f := p.await(wire.MethodHeartbeat)
	var hb wire.HeartbeatMessage
	if err := json.Unmarshal(f.Data, &hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.Target != "node-a" {
		t.Errorf("heartbeat target = %s", hb.Target)
	}
	if hb.InFlight != "" {
		t.Errorf("in flight = %q, want idle", hb.InFlight)
	}
}

// ── Built-in runners ────────────────────────────────

func TestSleepRunnerHonorsDuration(t *testing.T) {
	t.Parallel()
	p := newPlane(t, "node-a")

	start := time.Now()
	p.sendTask("node-a", taskMsg("sleep", `{"duration":"30ms"}`))
	rm := decodeResult(t, p.await(wire.MethodResult))

	if rm.Status != string(task.ExitSuccess) {
		t.Fatalf("status = %s: %s", rm.Status, rm.Error)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("finished in %s, want at least the sleep duration", elapsed)
	}
}
