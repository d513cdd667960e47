package aliyun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/asr"
	"github.com/meetscribe/voicelink/internal/auth"
	"github.com/meetscribe/voicelink/internal/observability"
	"github.com/meetscribe/voicelink/internal/tts"
)

// Config holds one synthesis session's settings.
type Config struct {
	GatewayURL string
	AppKey     string
	Token      string

	Voice      string
	Format     string
	SampleRate int
	Volume     int
	SpeechRate int
	PitchRate  int

	StartTimeout time.Duration
}

// Synthesizer streams text to the NLS flowing synthesizer and feeds the
// returned PCM16 chunks into a playback sequencer. A socket close does not
// stop playback; only a gateway fault does.
type Synthesizer struct {
	config    Config
	conn      *websocket.Conn
	session   *asr.Session
	sequencer *tts.Sequencer
	metrics   *observability.SessionMetrics
	logger    zerolog.Logger

	taskID       string
	started      chan struct{} // closed on SynthesisStarted
	completed    chan struct{} // closed on SynthesisCompleted
	failed       chan struct{} // closed on the first terminal error
	errorHandler func(error)
	onComplete   func()

	writeMu sync.Mutex
	mu      sync.Mutex
}

// NewSynthesizer creates a synthesizer playing through sink; the connection
// is not dialed until Start.
func NewSynthesizer(config Config, sink tts.Sink) *Synthesizer {
	if config.Voice == "" {
		config.Voice = "longxiaochun"
	}
	if config.Format == "" {
		config.Format = "PCM"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 24000
	}
	if config.Volume <= 0 {
		config.Volume = 100
	}

	session := asr.NewSession()
	metrics := observability.NewSessionMetrics(session.ID(), "synthesis", "aliyun")
	logger := observability.WithSession("aliyun_tts", session.ID())
	return &Synthesizer{
		config:    config,
		session:   session,
		sequencer: tts.NewSequencer(sink, metrics, logger),
		metrics:   metrics,
		logger:    logger,
		started:   make(chan struct{}),
		completed: make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

// SetErrorHandler registers the terminal error callback.
func (s *Synthesizer) SetErrorHandler(h func(error)) {
	s.mu.Lock()
	s.errorHandler = h
	s.mu.Unlock()
}

// SetCompleteHandler registers the callback for SynthesisCompleted. All text
// has been synthesized at that point; playback may still be running.
func (s *Synthesizer) SetCompleteHandler(fn func()) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// SetPlaybackCompleteHandler fires once the playback queue fully drains.
func (s *Synthesizer) SetPlaybackCompleteHandler(fn func()) {
	s.sequencer.SetOnComplete(fn)
}

// State returns the session lifecycle state.
func (s *Synthesizer) State() asr.State {
	return s.session.State()
}

// Start dials the gateway, sends StartSynthesis and blocks until the gateway
// confirms with SynthesisStarted, bounded by the start timeout and ctx.
func (s *Synthesizer) Start(ctx context.Context) error {
	if err := s.session.To(asr.StateConnecting); err != nil {
		return err
	}

	wsURL := fmt.Sprintf("%s?token=%s", s.config.GatewayURL, s.config.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		dialErr := fmt.Errorf("failed to connect to NLS gateway: %w", err)
		s.session.Fail(dialErr)
		return dialErr
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.taskID = auth.HexID()

	if err := s.session.To(asr.StateSessionStarting); err != nil {
		conn.Close()
		return err
	}

	payload := startPayload(s.config.Voice, s.config.Format, s.config.SampleRate,
		s.config.Volume, s.config.SpeechRate, s.config.PitchRate)
	if err := s.writeJSON(s.command(nameStartSynthesis, payload)); err != nil {
		startErr := fmt.Errorf("failed to send StartSynthesis: %w", err)
		s.fail(startErr)
		return startErr
	}

	s.metrics.RecordStart()
	go s.readLoop(conn)

	timeout := s.config.StartTimeout
	if timeout <= 0 {
		timeout = asr.DefaultStartTimeout
	}
	select {
	case <-s.started:
	case <-s.failed:
		return s.session.Err()
	case <-time.After(timeout):
		err := fmt.Errorf("no SynthesisStarted within %v", timeout)
		s.fail(err)
		return err
	case <-ctx.Done():
		s.fail(ctx.Err())
		return ctx.Err()
	}

	s.logger.Info().
		Str("task_id", s.taskID).
		Str("voice", s.config.Voice).
		Int("sample_rate", s.config.SampleRate).
		Msg("Synthesis session started")
	return nil
}

// SendText submits one text segment for synthesis.
func (s *Synthesizer) SendText(text string) error {
	if !s.session.Streaming() {
		return fmt.Errorf("synthesis has not started")
	}
	return s.writeJSON(s.command(nameRunSynthesis, map[string]any{"text": text}))
}

// Stop sends StopSynthesis and waits for the gateway to finish synthesizing
// queued text, bounded by ctx. Playback continues after the socket closes.
func (s *Synthesizer) Stop(ctx context.Context) error {
	if err := s.session.To(asr.StateStopping); err != nil {
		return err
	}

	if err := s.writeJSON(&command{Header: s.header(nameStopSynthesis)}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send StopSynthesis")
		return s.Close()
	}

	select {
	case <-s.completed:
	case <-ctx.Done():
		s.logger.Warn().Msg("Timed out waiting for SynthesisCompleted")
	}
	return s.Close()
}

// StopPlayback halts and clears the playback queue without touching the
// gateway session.
func (s *Synthesizer) StopPlayback() {
	s.sequencer.Stop()
}

// WaitForPlayback blocks until the sequencer has fully drained.
func (s *Synthesizer) WaitForPlayback(ctx context.Context) error {
	return s.sequencer.WaitForCompletion(ctx)
}

// Close drops the connection. Queued audio keeps playing; call StopPlayback
// to silence it.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	_ = s.session.To(asr.StateClosed)
	s.metrics.RecordEnd()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Synthesizer) header(name string) header {
	return header{
		AppKey:    s.config.AppKey,
		MessageID: auth.HexID(),
		TaskID:    s.taskID,
		Namespace: namespaceSynthesizer,
		Name:      name,
	}
}

func (s *Synthesizer) command(name string, payload map[string]any) *command {
	return &command{Header: s.header(name), Payload: payload}
}

func (s *Synthesizer) writeJSON(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Synthesizer) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			state := s.session.State()
			if state == asr.StateStopping || state == asr.StateClosed || s.session.Failed() {
				return
			}
			// The gateway may close the socket after SynthesisCompleted
			// while audio is still playing.
			select {
			case <-s.completed:
				return
			default:
			}
			s.fail(fmt.Errorf("gateway connection lost: %w", err))
			return
		}

		if msgType == websocket.BinaryMessage {
			s.handleAudio(data)
			continue
		}
		s.handleMessage(data)
	}
}

func (s *Synthesizer) handleAudio(data []byte) {
	if s.session.Failed() {
		return
	}
	s.sequencer.Push(data)
}

func (s *Synthesizer) handleMessage(data []byte) {
	if s.session.Failed() {
		return
	}

	e, err := decodeEvent(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Skipping undecodable gateway message")
		return
	}

	if fault := e.fault(); fault != nil {
		s.fail(fault)
		return
	}

	switch e.Header.Name {
	case eventSynthesisStarted:
		if err := s.session.To(asr.StateStreaming); err != nil {
			s.logger.Warn().Err(err).Msg("Unexpected SynthesisStarted")
			return
		}
		select {
		case <-s.started:
		default:
			close(s.started)
		}

	case eventSynthesisCompleted:
		s.logger.Info().Msg("Synthesis completed")
		s.mu.Lock()
		fn := s.onComplete
		s.mu.Unlock()
		select {
		case <-s.completed:
		default:
			close(s.completed)
		}
		if fn != nil {
			fn()
		}

	case eventSentenceSynthesis:
		// Per-sentence subtitle timing, not needed for playback.

	default:
		s.logger.Debug().Str("event", e.Header.Name).Msg("Ignoring gateway event")
	}
}

// fail records the terminal error once, halts playback, drops the connection
// and notifies the handler. Later messages and audio are suppressed.
func (s *Synthesizer) fail(err error) {
	if !s.session.Fail(err) {
		return
	}

	s.logger.Error().Err(err).Msg("Synthesis session failed")
	s.metrics.RecordError("session_failure", "aliyun_tts")
	s.sequencer.Stop()
	close(s.failed)

	s.mu.Lock()
	handler := s.errorHandler
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if handler != nil {
		handler(err)
	}
}
