// Package dispatcher implements the control-plane dispatch loop: it
// pulls ready tasks from the store in FIFO order, matches them against
// idle connected workers, enforces fleet-wide and per-target
// concurrency limits, consults the deduplication cache, and hands the
// survivors to the transport.
//
// The dispatcher is also authoritative for timeout detection. An agent
// that is partitioned cannot report its own timeout, so a watchdog
// scans dispatched and running tasks against their deadlines and fails
// the overdue ones through the aggregator's retry logic.
//
// A task with no eligible worker is not an error: it stays queued and
// is re-evaluated on the next cycle.
package dispatcher
