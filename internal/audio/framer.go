package audio

import (
	"sync"
	"time"
)

// Frame is one fixed-size unit of capture audio ready for transport.
type Frame struct {
	Data     []byte // PCM16LE payload, always FrameBytes long
	Samples  int
	Captured time.Time
}

// Framer is a thread-safe accumulator that slices variable-size capture
// chunks into fixed 640-sample frames. Chunks arriving from the capture
// source rarely align with the frame boundary, so a partial tail is held
// back until the next chunk completes it.
type Framer struct {
	pending []float32
	mu      sync.Mutex
}

// NewFramer creates a new framer with an empty pending buffer.
func NewFramer() *Framer {
	return &Framer{
		pending: make([]float32, 0, FrameSamples*4),
	}
}

// Push appends a capture chunk and returns every complete frame it unlocked.
// Returns nil when the accumulated samples still fall short of one frame.
func (f *Framer) Push(chunk []float32) []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = append(f.pending, chunk...)
	if len(f.pending) < FrameSamples {
		return nil
	}

	now := time.Now()
	frames := make([]Frame, 0, len(f.pending)/FrameSamples)
	for len(f.pending) >= FrameSamples {
		frames = append(frames, Frame{
			Data:     FloatToPCM16(f.pending[:FrameSamples]),
			Samples:  FrameSamples,
			Captured: now,
		})
		f.pending = f.pending[FrameSamples:]
	}

	// Reclaim capacity so the slice does not creep forward forever.
	if len(f.pending) > 0 {
		tail := make([]float32, len(f.pending), FrameSamples*4)
		copy(tail, f.pending)
		f.pending = tail
	} else {
		f.pending = f.pending[:0:cap(f.pending)]
	}

	return frames
}

// Pending returns the number of samples held back awaiting frame completion.
func (f *Framer) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Reset discards any partial frame, for use between sessions.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = f.pending[:0]
}
