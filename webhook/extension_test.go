package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sshnaidm/directord/fleet"
	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
	"github.com/sshnaidm/directord/webhook"
)

// captureSender collects sent events for inspection.
type captureSender struct {
	events []*webhook.Event
}

func (s *captureSender) Send(_ context.Context, evt *webhook.Event) error {
	s.events = append(s.events, evt)
	return nil
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:      id.NewJobID(),
		Name:    "rollout",
		Targets: []string{"node-1", "node-2"},
		Status:  job.StatusRunning,
	}
}

func newTestTask() *task.Task {
	return &task.Task{
		ID:       id.NewTaskID(),
		JobID:    id.NewJobID(),
		Target:   "node-1",
		StepName: "pull",
		State:    task.StateDispatched,
	}
}

func TestExtension_Name(t *testing.T) {
	h := webhook.New(&captureSender{})
	if h.Name() != "webhook" {
		t.Errorf("expected name %q, got %q", "webhook", h.Name())
	}
}

func TestExtension_EmitsTypedEvents(t *testing.T) {
	sender := &captureSender{}
	h := webhook.New(sender)
	ctx := context.Background()
	j := newTestJob()
	tk := newTestTask()
	res := &task.Result{ID: id.NewResultID(), TaskID: tk.ID, Status: task.ExitSuccess, Attempt: 1}
	s := &fleet.Session{WorkerID: id.NewWorkerID(), Target: "node-1"}

	steps := []struct {
		emit func() error
		want string
	}{
		{func() error { return h.OnJobSubmitted(ctx, j) }, webhook.EventJobSubmitted},
		{func() error { return h.OnJobFinished(ctx, j, time.Second) }, webhook.EventJobFinished},
		{func() error { return h.OnJobCancelled(ctx, j) }, webhook.EventJobCancelled},
		{func() error { return h.OnTaskDispatched(ctx, tk) }, webhook.EventTaskDispatched},
		{func() error { return h.OnTaskSucceeded(ctx, tk, res) }, webhook.EventTaskSucceeded},
		{func() error { return h.OnTaskFailed(ctx, tk, res) }, webhook.EventTaskFailed},
		{func() error { return h.OnTaskRetrying(ctx, tk, 2, time.Now()) }, webhook.EventTaskRetrying},
		{func() error { return h.OnTaskSkipped(ctx, tk) }, webhook.EventTaskSkipped},
		{func() error { return h.OnDedupHit(ctx, tk, res) }, webhook.EventDedupHit},
		{func() error { return h.OnWorkerConnected(ctx, s) }, webhook.EventWorkerConnected},
		{func() error { return h.OnWorkerLost(ctx, s) }, webhook.EventWorkerLost},
		{func() error { return h.OnScheduleFired(ctx, "nightly", id.NewJobID()) }, webhook.EventScheduleFired},
	}
	for _, st := range steps {
		if err := st.emit(); err != nil {
			t.Fatalf("%s: unexpected error: %v", st.want, err)
		}
	}

	if len(sender.events) != len(steps) {
		t.Fatalf("expected %d events, got %d", len(steps), len(sender.events))
	}
	for i, st := range steps {
		if sender.events[i].Type != st.want {
			t.Errorf("event %d: want type %q, got %q", i, st.want, sender.events[i].Type)
		}
		if sender.events[i].OccurredAt.IsZero() {
			t.Errorf("event %d: OccurredAt not stamped", i)
		}
	}
}

func TestExtension_WithEvents_Filters(t *testing.T) {
	sender := &captureSender{}
	h := webhook.New(sender, webhook.WithEvents(webhook.EventTaskFailed))
	ctx := context.Background()
	tk := newTestTask()
	res := &task.Result{ID: id.NewResultID(), TaskID: tk.ID, Status: task.ExitFailure}

	if err := h.OnJobSubmitted(ctx, newTestJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.OnTaskFailed(ctx, tk, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.events) != 1 {
		t.Fatalf("expected 1 event after filtering, got %d", len(sender.events))
	}
	if sender.events[0].Type != webhook.EventTaskFailed {
		t.Errorf("type: want %q, got %q", webhook.EventTaskFailed, sender.events[0].Type)
	}
}

func TestExtension_WithPayloadFunc(t *testing.T) {
	sender := &captureSender{}
	h := webhook.New(sender,
		webhook.WithPayloadFunc(webhook.EventJobSubmitted, func(_ any) (any, error) {
			return map[string]string{"custom": "payload"}, nil
		}),
	)

	if err := h.OnJobSubmitted(context.Background(), newTestJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, ok := sender.events[0].Data.(map[string]string)
	if !ok {
		t.Fatalf("expected custom payload map, got %T", sender.events[0].Data)
	}
	if data["custom"] != "payload" {
		t.Errorf("custom payload not applied: %v", data)
	}
}

func TestHTTPSender_DeliversSignedJSON(t *testing.T) {
	const secret = "s3cret"

	var (
		gotBody   []byte
		gotEvent  string
		gotSig    string
		gotHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotEvent = r.Header.Get(webhook.HeaderEvent)
		gotSig = r.Header.Get(webhook.HeaderSignature)
		gotHeader = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := webhook.NewHTTPSender(srv.URL,
		webhook.WithSecret(secret),
		webhook.WithHeader("Authorization", "Bearer token"),
	)

	evt := &webhook.Event{Type: webhook.EventJobFinished, OccurredAt: time.Now().UTC(), Data: map[string]string{"k": "v"}}
	if err := sender.Send(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotEvent != webhook.EventJobFinished {
		t.Errorf("event header: want %q, got %q", webhook.EventJobFinished, gotEvent)
	}
	if gotHeader != "Bearer token" {
		t.Errorf("authorization header: want bearer token, got %q", gotHeader)
	}
	if want := webhook.Sign([]byte(secret), gotBody); gotSig != want {
		t.Errorf("signature: want %q, got %q", want, gotSig)
	}

	var decoded webhook.Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if decoded.Type != webhook.EventJobFinished {
		t.Errorf("decoded type: want %q, got %q", webhook.EventJobFinished, decoded.Type)
	}
}

func TestHTTPSender_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := webhook.NewHTTPSender(srv.URL)
	evt := &webhook.Event{Type: webhook.EventJobSubmitted, OccurredAt: time.Now()}
	if err := sender.Send(context.Background(), evt); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
