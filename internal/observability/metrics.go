package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicelink_active_sessions",
		Help: "Number of active streaming sessions",
	}, []string{"kind"}) // kind: "recognition" or "synthesis"

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_sessions_total",
		Help: "Total number of streaming sessions started",
	}, []string{"kind", "provider"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicelink_session_duration_seconds",
		Help:    "Duration of streaming sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
	})

	// Frame metrics
	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_frames_sent_total",
		Help: "Total audio frames sent to a vendor",
	}, []string{"provider"})

	backlogDroppedSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_backlog_dropped_samples_total",
		Help: "Capture samples shed by the backlog overflow policy",
	}, []string{"provider"})

	sendDrift = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicelink_send_drift_seconds",
		Help:    "Drift between the ideal send cadence and wall clock",
		Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.04, 0.08, 0.2, 1.0},
	})

	// Recognition metrics
	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_recognition_results_total",
		Help: "Normalized recognition results delivered",
	}, []string{"provider", "finality"}) // finality: "interim" or "final"

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_reconnects_total",
		Help: "Vendor socket reconnect attempts",
	}, []string{"provider"})

	// Synthesis metrics
	playbackChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_playback_chunks_total",
		Help: "Synthesized audio chunks accepted for playback",
	})

	playbackBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_playback_bytes_total",
		Help: "Synthesized audio bytes accepted for playback",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single streaming session
type SessionMetrics struct {
	sessionID string
	kind      string
	provider  string
	startTime time.Time
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID, kind, provider string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		kind:      kind,
		provider:  provider,
		startTime: time.Now(),
	}
}

// RecordStart records the start of a session
func (m *SessionMetrics) RecordStart() {
	activeSessions.WithLabelValues(m.kind).Inc()
	totalSessions.WithLabelValues(m.kind, m.provider).Inc()
}

// RecordEnd records the end of a session
func (m *SessionMetrics) RecordEnd() {
	activeSessions.WithLabelValues(m.kind).Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFrameSent counts one frame handed to the vendor socket
func (m *SessionMetrics) RecordFrameSent(bytes int) {
	framesSent.WithLabelValues(m.provider).Inc()
	audioBytesProcessed.WithLabelValues("out").Add(float64(bytes))
}

// RecordBacklogDrop counts capture samples shed under backpressure
func (m *SessionMetrics) RecordBacklogDrop(samples int) {
	backlogDroppedSamples.WithLabelValues(m.provider).Add(float64(samples))
}

// RecordSendDrift records one cadence drift observation
func (m *SessionMetrics) RecordSendDrift(d time.Duration) {
	if d < 0 {
		d = -d
	}
	sendDrift.Observe(d.Seconds())
}

// RecordResult counts a delivered recognition result
func (m *SessionMetrics) RecordResult(isFinal bool) {
	finality := "interim"
	if isFinal {
		finality = "final"
	}
	resultsTotal.WithLabelValues(m.provider, finality).Inc()
}

// RecordReconnect counts one redial attempt
func (m *SessionMetrics) RecordReconnect() {
	reconnectsTotal.WithLabelValues(m.provider).Inc()
}

// RecordPlaybackChunk counts a synthesized chunk queued for playback
func (m *SessionMetrics) RecordPlaybackChunk(bytes int) {
	playbackChunks.Inc()
	playbackBytes.Add(float64(bytes))
	audioBytesProcessed.WithLabelValues("in").Add(float64(bytes))
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
