package audio

import (
	"sync"
)

// Default backlog watermarks, in samples. 12800 samples is 800 ms of
// accumulated capture audio; once crossed, the oldest samples are dropped
// until 6400 (400 ms) remain. Freshness of the surviving audio matters more
// to recognition quality than completeness of a stale stretch.
const (
	BacklogHighWater = 12800
	BacklogLowWater  = 6400
)

// Backlog is a thread-safe sample queue sitting between capture and a
// cadence-driven sender. It absorbs bursts when the transport stalls and
// sheds the oldest audio when it falls too far behind real time.
type Backlog struct {
	samples   []float32
	highWater int
	lowWater  int
	dropped   uint64
	mu        sync.Mutex
}

// NewBacklog creates a backlog with the given watermarks. Non-positive
// arguments fall back to the defaults.
func NewBacklog(highWater, lowWater int) *Backlog {
	if highWater <= 0 {
		highWater = BacklogHighWater
	}
	if lowWater <= 0 || lowWater >= highWater {
		lowWater = BacklogLowWater
	}
	return &Backlog{
		samples:   make([]float32, 0, highWater),
		highWater: highWater,
		lowWater:  lowWater,
	}
}

// Push appends a capture chunk. If the queue exceeds the high watermark the
// oldest samples are discarded down to the low watermark. Returns the number
// of samples dropped by this call.
func (b *Backlog) Push(chunk []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, chunk...)
	if len(b.samples) <= b.highWater {
		return 0
	}

	drop := len(b.samples) - b.lowWater
	kept := make([]float32, b.lowWater, b.highWater)
	copy(kept, b.samples[drop:])
	b.samples = kept
	b.dropped += uint64(drop)
	return drop
}

// PopFrame removes and returns the oldest n samples. Returns false when
// fewer than n samples are queued; nothing is removed in that case.
func (b *Backlog) PopFrame(n int) ([]float32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) < n {
		return nil, false
	}

	frame := make([]float32, n)
	copy(frame, b.samples[:n])
	b.samples = append(b.samples[:0], b.samples[n:]...)
	return frame, true
}

// Len returns the number of queued samples.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Dropped returns the total number of samples shed since creation.
func (b *Backlog) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear empties the queue without touching the drop counter.
func (b *Backlog) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = b.samples[:0]
}
