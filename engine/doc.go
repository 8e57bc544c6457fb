// Package engine wires all Directord subsystems together: it builds
// the extension registry, fleet registry, dispatcher, aggregator,
// scheduler, and redrive service around a Director and a transport
// driver, and exposes the operator-facing operations (Submit, Status,
// Cancel, Watch, Redrive, schedules, fleet inspection).
//
// This package exists to break the import cycle: the root directord
// package defines Entity and Config (imported by job, task, fleet,
// and the rest) and so cannot import those packages back. The engine
// sits above every subsystem package and below the API and client
// layers.
package engine
