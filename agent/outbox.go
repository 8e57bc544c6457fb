package agent

import (
	"sync"

	"github.com/sshnaidm/directord/wire"
)

// outbox buffers result frames that could not be delivered. Results
// must never be silently dropped, so a full outbox evicts the oldest
// entry with a warning rather than refusing the newest.
type outbox struct {
	mu      sync.Mutex
	frames  []*wire.Frame
	cap     int
	dropped int
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = 256
	}
	return &outbox{cap: capacity}
}

// push buffers a frame for redelivery. Returns the number of frames
// evicted to make room (normally zero).
func (o *outbox) push(f *wire.Frame) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	evicted := 0
	for len(o.frames) >= o.cap {
		o.frames = o.frames[1:]
		evicted++
	}
	o.dropped += evicted
	o.frames = append(o.frames, f)
	return evicted
}

// drain removes and returns all buffered frames in arrival order.
func (o *outbox) drain() []*wire.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()

	frames := o.frames
	o.frames = nil
	return frames
}

// requeue returns undelivered frames to the front of the buffer after
// a failed flush.
func (o *outbox) requeue(frames []*wire.Frame) {
	if len(frames) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(frames, o.frames...)
}

// len returns the number of buffered frames.
func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}
