// Package audit is a directord extension that bridges lifecycle events
// to an audit trail backend.
//
// Every job, task, fleet, and schedule lifecycle hook emits a
// structured audit event through the [Recorder] interface. The
// extension assigns severity levels (info for normal operations,
// warning for retries and lost workers, critical for terminal
// failures) and rich metadata (job name, target, attempt counts,
// errors).
//
// The built-in [SlogRecorder] writes events to a structured log.
// Production deployments typically inject a RecorderFunc that forwards
// to their audit store:
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return trail.Append(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
//
// To restrict which actions are recorded:
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionTaskFailed,
//	        audit.ActionJobFinished,
//	    ),
//	)
package audit
