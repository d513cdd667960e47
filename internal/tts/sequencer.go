// Package tts turns synthesized PCM16 chunks into gapless playback and
// drives the synthesis session against the vendor gateway.
package tts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/audio"
	"github.com/meetscribe/voicelink/internal/observability"
)

// Sink renders decoded audio. Play blocks until the segment has finished or
// ctx is cancelled; the sequencer never calls it concurrently.
type Sink interface {
	Play(ctx context.Context, samples []float32) error
}

// completionPollInterval paces the WaitForCompletion check.
const completionPollInterval = 100 * time.Millisecond

// Sequencer queues synthesized PCM16 chunks and plays them back to back.
// Chunks that arrive while a segment is playing are concatenated into one
// segment for the next play, so playback never gaps between small network
// chunks. Completion fires only once the queue is empty and nothing is
// playing.
type Sequencer struct {
	sink    Sink
	metrics *observability.SessionMetrics
	logger  zerolog.Logger

	mu         sync.Mutex
	queue      [][]byte
	playing    bool
	closed     bool
	onComplete func()

	playCtx    context.Context
	cancelPlay context.CancelFunc
}

// NewSequencer creates a sequencer over the given sink.
func NewSequencer(sink Sink, metrics *observability.SessionMetrics, logger zerolog.Logger) *Sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		playCtx:    ctx,
		cancelPlay: cancel,
	}
}

// SetOnComplete registers the playback-complete callback. It fires each time
// the sequencer drains fully, not per chunk.
func (s *Sequencer) SetOnComplete(fn func()) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// Push queues one PCM16 chunk. Playback starts immediately when idle.
func (s *Sequencer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, chunk)
	start := !s.playing
	if start {
		s.playing = true
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPlaybackChunk(len(chunk))
	}
	if start {
		go s.playLoop()
	}
}

// playLoop drains the queue one concatenated segment at a time.
func (s *Sequencer) playLoop() {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.playing = false
			drained := len(s.queue) == 0 && !s.closed
			fn := s.onComplete
			s.mu.Unlock()

			if drained {
				s.logger.Debug().Msg("Playback queue drained")
				if fn != nil {
					fn()
				}
			}
			return
		}

		total := 0
		for _, c := range s.queue {
			total += len(c)
		}
		segment := make([]byte, 0, total)
		for _, c := range s.queue {
			segment = append(segment, c...)
		}
		s.queue = s.queue[:0]
		ctx := s.playCtx
		s.mu.Unlock()

		samples, err := audio.PCM16ToFloat(segment)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable playback segment")
			continue
		}

		s.logger.Debug().
			Int("bytes", total).
			Int("samples", len(samples)).
			Msg("Playing segment")

		if err := s.sink.Play(ctx, samples); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Playback sink failed")
			}
			continue
		}
	}
}

// Stop interrupts the current segment and clears the queue. The sequencer
// stays usable for later pushes.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	s.queue = nil
	s.cancelPlay()
	ctx, cancel := context.WithCancel(context.Background())
	s.playCtx = ctx
	s.cancelPlay = cancel
	s.mu.Unlock()
}

// Busy reports whether a segment is playing or queued.
func (s *Sequencer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing || len(s.queue) > 0
}

// WaitForCompletion blocks until the queue is empty and nothing is playing,
// bounded by ctx.
func (s *Sequencer) WaitForCompletion(ctx context.Context) error {
	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()

	for {
		if !s.Busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops playback permanently; later pushes are dropped.
func (s *Sequencer) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cancelPlay()
	s.mu.Unlock()
}
