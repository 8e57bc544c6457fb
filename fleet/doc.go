// Package fleet tracks the worker agents currently connected to the
// control plane.
//
// Registrations are ephemeral by design: a [Session] is created when an
// agent completes its hello exchange, refreshed by heartbeats, and
// removed on disconnect or heartbeat timeout. Nothing here is ever
// persisted — after a control-plane restart the fleet view rebuilds
// itself from the agents' reconnects, which avoids a whole class of
// stale-reference bugs.
//
// Each session records at most one in-flight task. That single slot is
// what preserves per-target step ordering end-to-end: the dispatcher
// only hands a target new work once the slot is free, and the agent
// executes serially on its side.
//
// # Selector Resolution
//
// [Registry.ResolveSelector] turns a job's target selection into a
// concrete target list at submission time. Explicit target names pass
// through whether or not the node is currently connected (its tasks
// wait for it); label queries match only connected agents, since labels
// are announced in the hello exchange.
package fleet
