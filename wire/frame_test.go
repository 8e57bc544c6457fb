package wire_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sshnaidm/directord/wire"
)

func TestNewRequestFrame(t *testing.T) {
	f, err := wire.NewRequestFrame("frame-1", wire.MethodJobSubmit, map[string]string{"name": "deploy"})
	if err != nil {
		t.Fatalf("NewRequestFrame() error = %v", err)
	}
	if f.Version != wire.ProtocolVersion {
		t.Errorf("Version = %d, want %d", f.Version, wire.ProtocolVersion)
	}
	if f.ID != "frame-1" {
		t.Errorf("ID = %q, want %q", f.ID, "frame-1")
	}
	if f.Type != wire.FrameRequest {
		t.Errorf("Type = %q, want %q", f.Type, wire.FrameRequest)
	}
	if f.Method != wire.MethodJobSubmit {
		t.Errorf("Method = %q, want %q", f.Method, wire.MethodJobSubmit)
	}
	if f.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestNewResponseFrame(t *testing.T) {
	f, err := wire.NewResponseFrame("req-9", map[string]int{"count": 3})
	if err != nil {
		t.Fatalf("NewResponseFrame() error = %v", err)
	}
	if f.Type != wire.FrameResponse {
		t.Errorf("Type = %q, want %q", f.Type, wire.FrameResponse)
	}
	if f.CorrelID != "req-9" {
		t.Errorf("CorrelID = %q, want %q", f.CorrelID, "req-9")
	}
	if f.ID == "" {
		t.Error("ID should be generated")
	}
}

func TestNewErrorFrame(t *testing.T) {
	f := wire.NewErrorFrame("req-2", wire.ErrCodeNotFound, "no such job")
	if f.Type != wire.FrameErr {
		t.Errorf("Type = %q, want %q", f.Type, wire.FrameErr)
	}
	if f.Error == nil {
		t.Fatal("Error should be set")
	}
	if f.Error.Code != wire.ErrCodeNotFound {
		t.Errorf("Error.Code = %d, want %d", f.Error.Code, wire.ErrCodeNotFound)
	}
	if f.Error.Message != "no such job" {
		t.Errorf("Error.Message = %q, want %q", f.Error.Message, "no such job")
	}
}

func TestNewEventFrame(t *testing.T) {
	msg := wire.AckMessage{TaskID: "task_01h", Attempt: 2}
	f, err := wire.NewEventFrame(wire.MethodAck, msg)
	if err != nil {
		t.Fatalf("NewEventFrame() error = %v", err)
	}
	if f.Type != wire.FrameEvent {
		t.Errorf("Type = %q, want %q", f.Type, wire.FrameEvent)
	}
	var got wire.AckMessage
	if err := json.Unmarshal(f.Data, &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if got.TaskID != msg.TaskID || got.Attempt != msg.Attempt {
		t.Errorf("decoded ack = %+v, want %+v", got, msg)
	}
}

func TestGenerateFrameIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := wire.GenerateFrameID()
		if seen[id] {
			t.Fatalf("duplicate frame ID: %s", id)
		}
		seen[id] = true
	}
}

func TestCodecRoundTrip(t *testing.T) {
	original, err := wire.NewEventFrame(wire.MethodResult, wire.ResultMessage{
		TaskID:   "task_01h455vb4pex5vsknk084sn02q",
		Attempt:  1,
		Status:   "success",
		Output:   []byte("done"),
		Duration: 250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEventFrame() error = %v", err)
	}
	original.Target = "web-1"

	for _, name := range []string{wire.CodecNameJSON, wire.CodecNameMsgpack} {
		t.Run(name, func(t *testing.T) {
			codec := wire.GetCodec(name)
			raw, err := codec.Encode(original)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			decoded, err := codec.Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if decoded.ID != original.ID {
				t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
			}
			if decoded.Method != original.Method {
				t.Errorf("Method = %q, want %q", decoded.Method, original.Method)
			}
			if decoded.Target != original.Target {
				t.Errorf("Target = %q, want %q", decoded.Target, original.Target)
			}
			var msg wire.ResultMessage
			if err := json.Unmarshal(decoded.Data, &msg); err != nil {
				t.Fatalf("unmarshal data: %v", err)
			}
			if msg.Status != "success" {
				t.Errorf("Status = %q, want %q", msg.Status, "success")
			}
		})
	}
}

// A frame from a newer protocol revision may carry fields this build
// does not know about; decoding must not reject them.
func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{
		"v": 7,
		"id": "future-frame",
		"type": "event",
		"method": "heartbeat",
		"ts": "2026-08-23T10:00:00Z",
		"shiny_new_field": {"nested": true},
		"another_addition": [1, 2, 3]
	}`)

	f, err := wire.GetCodec(wire.CodecNameJSON).Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Version != 7 {
		t.Errorf("Version = %d, want 7", f.Version)
	}
	if f.ID != "future-frame" {
		t.Errorf("ID = %q, want %q", f.ID, "future-frame")
	}
	if f.Method != wire.MethodHeartbeat {
		t.Errorf("Method = %q, want %q", f.Method, wire.MethodHeartbeat)
	}
}

func TestGetCodec(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{wire.CodecNameJSON, wire.CodecNameJSON},
		{wire.CodecNameMsgpack, wire.CodecNameMsgpack},
		{"", wire.CodecNameJSON},
		{"protobuf", wire.CodecNameJSON},
	}
	for _, tt := range tests {
		if got := wire.GetCodec(tt.name).Name(); got != tt.want {
			t.Errorf("GetCodec(%q).Name() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
