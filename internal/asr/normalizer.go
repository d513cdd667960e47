package asr

import (
	"sync"
	"time"
)

// Normalizer funnels vendor result fragments into the shared Result shape
// and tracks conversational context: who spoke last and when speech text was
// last produced. Empty-text fragments are dropped before they reach the
// handler.
type Normalizer struct {
	handler      ResultHandler
	lastSpeaker  string
	lastSpeechAt time.Time
	mu           sync.Mutex
}

// NewNormalizer creates a normalizer delivering to handler. A nil handler is
// allowed; results are then tracked but not delivered.
func NewNormalizer(handler ResultHandler) *Normalizer {
	return &Normalizer{handler: handler}
}

// SetHandler replaces the delivery target.
func (n *Normalizer) SetHandler(handler ResultHandler) {
	n.mu.Lock()
	n.handler = handler
	n.mu.Unlock()
}

// Emit normalizes one vendor fragment. ts is the vendor-reported event time;
// pass the zero value to stamp with local time. Fragments with empty text
// are discarded.
func (n *Normalizer) Emit(text string, isFinal bool, ts time.Time, speaker string, confidence float64) {
	if text == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	n.mu.Lock()
	if speaker != "" {
		n.lastSpeaker = speaker
	}
	n.lastSpeechAt = time.Now()
	handler := n.handler
	n.mu.Unlock()

	if handler != nil {
		handler(Result{
			Text:       text,
			IsFinal:    isFinal,
			Timestamp:  ts,
			Speaker:    speaker,
			Confidence: confidence,
		})
	}
}

// CurrentSpeaker returns the most recent non-empty speaker id.
func (n *Normalizer) CurrentSpeaker() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastSpeaker
}

// SilenceDuration returns the time since the last non-empty result, or zero
// when no speech has been recognized yet.
func (n *Normalizer) SilenceDuration() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.lastSpeechAt.IsZero() {
		return 0
	}
	return time.Since(n.lastSpeechAt)
}

// Reset clears the speaker and speech-time context between sessions.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastSpeaker = ""
	n.lastSpeechAt = time.Time{}
}

// EpochMillis converts a vendor millisecond epoch timestamp, returning the
// zero time for non-positive input.
func EpochMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
