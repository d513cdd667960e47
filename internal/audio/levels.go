package audio

import (
	"sync"
	"time"
)

// Level describes the loudness of one capture chunk.
type Level struct {
	Peak float64
	RMS  float64
}

// LevelMeterConfig holds configuration for the capture level meter.
type LevelMeterConfig struct {
	SilenceThreshold float64 // RMS below this counts as silence
}

// DefaultLevelMeterConfig returns a default level meter configuration.
func DefaultLevelMeterConfig() *LevelMeterConfig {
	return &LevelMeterConfig{
		SilenceThreshold: 0.01,
	}
}

// LevelMeter observes capture chunks and tracks when speech energy was last
// present. It is purely diagnostic: it feeds visualization callbacks and
// silence-duration queries, and never gates frame delivery.
type LevelMeter struct {
	config     *LevelMeterConfig
	lastActive time.Time
	active     bool
	mu         sync.Mutex
}

// NewLevelMeter creates a new level meter.
func NewLevelMeter(config *LevelMeterConfig) *LevelMeter {
	if config == nil {
		config = DefaultLevelMeterConfig()
	}
	return &LevelMeter{config: config}
}

// Process measures one chunk and updates the activity clock.
func (m *LevelMeter) Process(chunk []float32) Level {
	lvl := Level{
		Peak: CalculatePeak(chunk),
		RMS:  CalculateRMS(chunk),
	}

	m.mu.Lock()
	m.active = lvl.RMS >= m.config.SilenceThreshold
	if m.active {
		m.lastActive = time.Now()
	}
	m.mu.Unlock()

	return lvl
}

// IsActive reports whether the most recent chunk carried speech energy.
func (m *LevelMeter) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SilenceDuration returns how long the input has been below the silence
// threshold. Returns zero if no active audio has been seen yet.
func (m *LevelMeter) SilenceDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastActive.IsZero() {
		return 0
	}
	return time.Since(m.lastActive)
}

// Reset clears the activity clock, for use between sessions.
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.lastActive = time.Time{}
}
