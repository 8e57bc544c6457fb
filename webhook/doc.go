// Package webhook bridges directord lifecycle events to external HTTP
// endpoints. When registered as an extension, it emits typed webhook
// events (directord.job.finished, directord.task.failed, etc.) at
// every lifecycle point.
//
// Usage:
//
//	sender := webhook.NewHTTPSender("https://hooks.example.com/directord",
//	    webhook.WithSecret("s3cret"))
//	hook := webhook.New(sender)
//
// To restrict which events are emitted:
//
//	hook := webhook.New(sender,
//	    webhook.WithEvents(
//	        webhook.EventJobFinished,
//	        webhook.EventTaskFailed,
//	    ),
//	)
package webhook
