// Package middleware provides composable middleware around task
// execution on the worker agent.
//
// A [Middleware] is a function that wraps a task handler. Middleware
// run synchronously around the runner call and can recover from
// panics, log, enforce the dispatch deadline, or record telemetry.
// Compose them with [Chain]; the first middleware listed is the
// outermost wrapper.
package middleware
