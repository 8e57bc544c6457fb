// Package aggregator implements the control-plane result path. It
// consumes inbound frames and session events from the transport,
// applies task state transitions (acks, results, retries, timeouts,
// skip cascades), writes deduplication entries, keeps the fleet
// registry current, and recomputes job status after every terminal
// transition.
//
// Frames are processed on a single goroutine, so results for one
// target are applied in the order they arrive, and replays of a result
// for an already-terminal task are dropped without side effects.
package aggregator
