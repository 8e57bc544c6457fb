// Package job defines the job entity, its steps and target selection,
// status computation, decomposition into tasks, and the store interface.
//
// # Job Entity
//
// A [Job] is a submitted unit of orchestration: an ordered list of
// [Step] values applied to every target matched by its [Selector]. It
// embeds [directord.Entity] for timestamps. Job status is never stored
// authoritatively; it is a pure aggregate recomputed from task states
// by [ComputeStatus], so status and tasks cannot diverge:
//
//	pending          nothing dispatched yet
//	running          at least one task live
//	succeeded        every task succeeded (or optional and tolerated)
//	partially-failed some tasks failed or were skipped, some succeeded
//	failed           every non-optional task failed or was skipped
//	cancelled        cancellation requested before the job finished
//
// # Steps
//
// Each Step applies one opaque payload to every target. Build steps
// with [NewStep] and options:
//
//	job.NewStep("restart", task.Payload{Kind: "service_restart"},
//	    job.WithRetries(2),
//	    job.WithStepTimeout(2*time.Minute),
//	)
//
// A Barrier step waits for every task of the previous step across the
// whole fleet, not just its own target. An Optional step's failures and
// skips do not count against job status.
//
// # Decomposition
//
// [Materialize] turns a job into tasks, one per step per target, wiring
// the per-target dependency chain (and barrier fan-in) and computing
// fingerprints. Step zero tasks start queued; everything else starts
// pending until its dependencies succeed.
//
// # Orchestration Files
//
// [ParseOrchestration] reads YAML documents describing one or more job
// definitions, the form in which operators usually hand work to the
// control plane. Unknown keys are ignored for forward compatibility.
package job
