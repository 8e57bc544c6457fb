package job_test

import (
	"strings"
	"testing"
	"time"

	"github.com/sshnaidm/directord/job"
)

const sampleOrchestration = `
version: 1
jobs:
  - name: roll-web-tier
    targets: [web-1, web-2]
    labels:
      role: web
    steps:
      - name: pull
        kind: image_pull
        parameters:
          image: "nginx:1.27"
        retries: 2
        timeout: 5m
        dedup:
          enabled: true
          ttl: 1h
      - kind: sleep
        barrier: true
        optional: true
`

func TestParseOrchestration(t *testing.T) {
	defs, err := job.ParseOrchestration([]byte(sampleOrchestration))
	if err != nil {
		t.Fatalf("ParseOrchestration failed: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}

	def := defs[0]
	if def.Name != "roll-web-tier" {
		t.Errorf("name = %q", def.Name)
	}
	if got, want := len(def.Selector.Targets), 2; got != want {
		t.Errorf("targets = %d, want %d", got, want)
	}
	if def.Selector.Labels["role"] != "web" {
		t.Errorf("labels = %v", def.Selector.Labels)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(def.Steps))
	}

	pull := def.Steps[0]
	if pull.Payload.Kind != "image_pull" {
		t.Errorf("kind = %q", pull.Payload.Kind)
	}
	if !strings.Contains(string(pull.Payload.Parameters), "nginx:1.27") {
		t.Errorf("parameters not carried: %s", pull.Payload.Parameters)
	}
	if pull.MaxRetries != 2 {
		t.Errorf("retries = %d, want 2", pull.MaxRetries)
	}
	if pull.Timeout != 5*time.Minute {
		t.Errorf("timeout = %v, want 5m", pull.Timeout)
	}
	if !pull.Dedup.Enabled || pull.Dedup.TTL != time.Hour {
		t.Errorf("dedup = %+v", pull.Dedup)
	}

	settle := def.Steps[1]
	if settle.Name != "sleep" {
		t.Errorf("unnamed step should take its kind as name, got %q", settle.Name)
	}
	if !settle.Barrier || !settle.Optional {
		t.Errorf("barrier/optional flags lost: %+v", settle)
	}
	if settle.MaxRetries != -1 {
		t.Errorf("unset retries should inherit engine default, got %d", settle.MaxRetries)
	}
}

func TestParseOrchestrationIgnoresUnknownKeys(t *testing.T) {
	doc := `
version: 7
future_field: whatever
jobs:
  - name: ok
    targets: [a]
    annotations: {ignored: yes}
    steps:
      - kind: echo
        color: blue
`
	defs, err := job.ParseOrchestration([]byte(doc))
	if err != nil {
		t.Fatalf("unknown keys should be ignored: %v", err)
	}
	if len(defs) != 1 || len(defs[0].Steps) != 1 {
		t.Fatalf("unexpected parse result: %+v", defs)
	}
}

func TestParseOrchestrationErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no jobs", "version: 1\njobs: []"},
		{"missing kind", "jobs:\n  - targets: [a]\n    steps:\n      - name: x"},
		{"bad timeout", "jobs:\n  - targets: [a]\n    steps:\n      - kind: echo\n        timeout: soon"},
		{"not yaml", "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := job.ParseOrchestration([]byte(tt.doc)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
