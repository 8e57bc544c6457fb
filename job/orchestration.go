package job

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sshnaidm/directord/backoff"
	"github.com/sshnaidm/directord/task"
)

// Orchestration is the YAML document operators submit: one or more job
// definitions to run against the fleet. Unknown keys are ignored so
// documents written for newer control planes still parse.
//
//	version: 1
//	jobs:
//	  - name: roll-web-tier
//	    targets: [web-1, web-2]
//	    steps:
//	      - name: pull
//	        kind: image_pull
//	        parameters: {image: "nginx:1.27"}
//	        retries: 2
//	        timeout: 5m
//	        dedup: {enabled: true, ttl: 1h}
//	      - name: settle
//	        kind: sleep
//	        barrier: true
type Orchestration struct {
	Version int             `yaml:"version"`
	Jobs    []orchestration `yaml:"jobs"`
}

type orchestration struct {
	Name    string              `yaml:"name"`
	Targets []string            `yaml:"targets"`
	Labels  map[string]string   `yaml:"labels"`
	Steps   []orchestrationStep `yaml:"steps"`
}

type orchestrationStep struct {
	Name       string         `yaml:"name"`
	Kind       string         `yaml:"kind"`
	Parameters map[string]any `yaml:"parameters"`
	Retries    *int           `yaml:"retries"`
	Backoff    *struct {
		Curve   string `yaml:"curve"`
		Initial string `yaml:"initial"`
		Max     string `yaml:"max"`
	} `yaml:"backoff"`
	Timeout string `yaml:"timeout"`
	Barrier    bool           `yaml:"barrier"`
	Optional   bool           `yaml:"optional"`
	Dedup      *struct {
		Enabled bool   `yaml:"enabled"`
		TTL     string `yaml:"ttl"`
	} `yaml:"dedup"`
}

// ParseOrchestration parses a YAML orchestration document into job
// definitions ready for submission.
func ParseOrchestration(data []byte) ([]*Definition, error) {
	var doc Orchestration
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("job: parse orchestration: %w", err)
	}
	if len(doc.Jobs) == 0 {
		return nil, fmt.Errorf("job: parse orchestration: no jobs declared")
	}

	defs := make([]*Definition, 0, len(doc.Jobs))
	for ji, oj := range doc.Jobs {
		if oj.Name == "" {
			oj.Name = fmt.Sprintf("orchestration-%d", ji)
		}

		def := &Definition{
			Name: oj.Name,
			Selector: Selector{
				Targets: oj.Targets,
				Labels:  oj.Labels,
			},
		}

		for si, os := range oj.Steps {
			step, err := os.toStep()
			if err != nil {
				return nil, fmt.Errorf("job %q step %d: %w", oj.Name, si, err)
			}
			def.Steps = append(def.Steps, step)
		}

		defs = append(defs, def)
	}

	return defs, nil
}

func (o orchestrationStep) toStep() (Step, error) {
	if o.Kind == "" {
		return Step{}, fmt.Errorf("missing kind")
	}

	name := o.Name
	if name == "" {
		name = o.Kind
	}

	var params json.RawMessage
	if len(o.Parameters) > 0 {
		data, err := json.Marshal(o.Parameters)
		if err != nil {
			return Step{}, fmt.Errorf("encode parameters: %w", err)
		}
		params = data
	}

	opts := []StepOption{}
	if o.Retries != nil {
		opts = append(opts, WithRetries(*o.Retries))
	}
	if o.Backoff != nil {
		cfg := backoff.Config{Curve: o.Backoff.Curve}
		if o.Backoff.Initial != "" {
			d, err := time.ParseDuration(o.Backoff.Initial)
			if err != nil {
				return Step{}, fmt.Errorf("parse backoff initial %q: %w", o.Backoff.Initial, err)
			}
			cfg.Initial = d
		}
		if o.Backoff.Max != "" {
			d, err := time.ParseDuration(o.Backoff.Max)
			if err != nil {
				return Step{}, fmt.Errorf("parse backoff max %q: %w", o.Backoff.Max, err)
			}
			cfg.Max = d
		}
		opts = append(opts, WithBackoff(cfg))
	}
	if o.Timeout != "" {
		d, err := time.ParseDuration(o.Timeout)
		if err != nil {
			return Step{}, fmt.Errorf("parse timeout %q: %w", o.Timeout, err)
		}
		opts = append(opts, WithStepTimeout(d))
	}
	if o.Barrier {
		opts = append(opts, WithBarrier())
	}
	if o.Optional {
		opts = append(opts, WithOptional())
	}
	if o.Dedup != nil && o.Dedup.Enabled {
		var ttl time.Duration
		if o.Dedup.TTL != "" {
			d, err := time.ParseDuration(o.Dedup.TTL)
			if err != nil {
				return Step{}, fmt.Errorf("parse dedup ttl %q: %w", o.Dedup.TTL, err)
			}
			ttl = d
		}
		opts = append(opts, WithDedup(ttl))
	}

	return NewStep(name, task.Payload{Kind: o.Kind, Parameters: params}, opts...), nil
}
