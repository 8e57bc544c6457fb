// Package observability provides an OpenTelemetry metrics extension
// for directord. The MetricsExtension implements lifecycle hooks to
// record system-wide counters for job submission, task outcomes, dedup
// cache hits, fleet membership, and schedule fires.
//
// For per-attempt execution metrics and tracing on the worker side, see
// the middleware package: middleware.Tracing() and middleware.Metrics().
package observability
