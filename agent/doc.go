// Package agent implements the worker agent resident on each managed
// node. An agent dials the control plane, announces its target identity
// and capabilities, and executes dispatched tasks strictly one at a
// time, in arrival order. That serial execution is what preserves
// per-target step ordering end to end.
//
// Agents hold no authoritative state. Results that cannot be delivered
// during a disconnect are buffered and resent after the next handshake,
// and an agent that stops hearing heartbeat acknowledgments finishes
// its current task but accepts no new ones until the control plane
// answers again.
//
// Task payloads are opaque tagged variants: the payload kind selects a
// registered Runner and the parameters pass through uninterpreted. An
// unknown kind produces a failure result, not a protocol error.
package agent
