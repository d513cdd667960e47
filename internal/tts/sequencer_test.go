package tts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/audio"
)

// captureSink records every segment it is asked to play. An optional gate
// channel holds playback open so the queue can accumulate.
type captureSink struct {
	mu       sync.Mutex
	segments [][]float32
	gate     chan struct{}
}

func (s *captureSink) Play(ctx context.Context, samples []float32) error {
	s.mu.Lock()
	seg := make([]float32, len(samples))
	copy(seg, samples)
	s.segments = append(s.segments, seg)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

func (s *captureSink) segment(i int) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments[i]
}

func pcmChunk(values ...float32) []byte {
	return audio.FloatToPCM16(values)
}

func TestSequencer_PlaysPushedChunk(t *testing.T) {
	sink := &captureSink{}
	seq := NewSequencer(sink, nil, zerolog.Nop())
	defer seq.Close()

	seq.Push(pcmChunk(0.5, -0.5))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := seq.WaitForCompletion(ctx); err != nil {
		t.Fatalf("WaitForCompletion failed: %v", err)
	}

	if sink.count() != 1 {
		t.Fatalf("Expected 1 segment, got %d", sink.count())
	}
	seg := sink.segment(0)
	if len(seg) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(seg))
	}
	if seg[0] < 0.49 || seg[0] > 0.51 {
		t.Errorf("Expected ~0.5, got %f", seg[0])
	}
}

func TestSequencer_ConcatenatesWhilePlaying(t *testing.T) {
	gate := make(chan struct{})
	sink := &captureSink{gate: gate}
	seq := NewSequencer(sink, nil, zerolog.Nop())
	defer seq.Close()

	seq.Push(pcmChunk(0.1))

	// Wait for the first segment to enter the sink, then queue two more
	// chunks behind it.
	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatal("First segment never started playing")
	}

	seq.Push(pcmChunk(0.2))
	seq.Push(pcmChunk(0.3, 0.4))
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := seq.WaitForCompletion(ctx); err != nil {
		t.Fatalf("WaitForCompletion failed: %v", err)
	}

	if sink.count() != 2 {
		t.Fatalf("Expected queued chunks in one segment, got %d segments", sink.count())
	}
	if got := len(sink.segment(1)); got != 3 {
		t.Errorf("Expected concatenated 3-sample segment, got %d samples", got)
	}
}

func TestSequencer_CompletionFiresAfterDrain(t *testing.T) {
	sink := &captureSink{}
	seq := NewSequencer(sink, nil, zerolog.Nop())
	defer seq.Close()

	done := make(chan struct{}, 4)
	seq.SetOnComplete(func() { done <- struct{}{} })

	seq.Push(pcmChunk(0.1, 0.2))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Completion callback never fired")
	}
	if seq.Busy() {
		t.Error("Sequencer still busy after completion")
	}
}

func TestSequencer_StopClearsQueue(t *testing.T) {
	gate := make(chan struct{})
	sink := &captureSink{gate: gate}
	seq := NewSequencer(sink, nil, zerolog.Nop())
	defer seq.Close()

	seq.Push(pcmChunk(0.1))
	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	seq.Push(pcmChunk(0.2))

	seq.Stop()
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := seq.WaitForCompletion(ctx); err != nil {
		t.Fatalf("WaitForCompletion after Stop failed: %v", err)
	}

	// Only the interrupted first segment reached the sink.
	if sink.count() != 1 {
		t.Errorf("Expected queued chunk to be dropped, got %d segments", sink.count())
	}

	// The sequencer stays usable after Stop.
	seq.Push(pcmChunk(0.3))
	if err := seq.WaitForCompletion(ctx); err != nil {
		t.Fatalf("WaitForCompletion after restart failed: %v", err)
	}
	if sink.count() != 2 {
		t.Errorf("Expected playback to resume after Stop, got %d segments", sink.count())
	}
}

func TestSequencer_ClosedDropsPushes(t *testing.T) {
	sink := &captureSink{}
	seq := NewSequencer(sink, nil, zerolog.Nop())

	seq.Close()
	seq.Push(pcmChunk(0.1))

	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Errorf("Expected no playback after Close, got %d segments", sink.count())
	}
}

func TestSequencer_WaitForCompletionHonorsContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	sink := &captureSink{gate: gate}
	seq := NewSequencer(sink, nil, zerolog.Nop())
	defer seq.Close()

	seq.Push(pcmChunk(0.1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := seq.WaitForCompletion(ctx); err == nil {
		t.Error("Expected a context error while playback is gated")
	}
}
