// Package directord provides a task distribution and execution engine for
// fleets of remote workers. A control plane accepts jobs, decomposes them
// into per-target tasks, dispatches the tasks to connected worker agents
// over an asynchronous transport, and aggregates results with retries,
// timeouts, and content-based deduplication.
//
// Directord is designed as a library, not a service. Import it, configure a
// store and a transport driver, and submit jobs as ordinary Go values.
//
// # Quick Start
//
//	d, err := directord.New(
//	    directord.WithStore(pgStore),
//	    directord.WithMaxInFlight(64),
//	)
//
// # Architecture
//
// Directord follows a composable store pattern where each subsystem (job,
// task, dedup, schedule) defines its own store interface. A single backend
// implements all of them. The engine package wires the dispatcher, result
// aggregator, fleet registry, and transport driver together.
//
// Worker agents hold no authoritative state: registrations are ephemeral,
// agents re-announce themselves on every connection, and the control plane
// is the single source of truth for task state.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package directord
