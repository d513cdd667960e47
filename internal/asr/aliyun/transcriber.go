package aliyun

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/asr"
	"github.com/meetscribe/voicelink/internal/audio"
	"github.com/meetscribe/voicelink/internal/auth"
	"github.com/meetscribe/voicelink/internal/observability"
)

// Mode selects how the transcriber reaches the gateway.
type Mode int

const (
	// ModeToken dials the public NLS gateway with an STS token and sends the
	// full appkey/task_id header on every command.
	ModeToken Mode = iota
	// ModeGateway dials a pre-signed meeting join URL; commands carry only
	// name and namespace.
	ModeGateway
)

// Config holds everything one transcription session needs.
type Config struct {
	Mode Mode

	// ModeToken
	GatewayURL string
	AppKey     string
	Token      string

	// ModeGateway
	JoinURL string

	StartTimeout     time.Duration
	FrameInterval    time.Duration
	BacklogHighWater int
	BacklogLowWater  int
}

// driftLogEvery is how many frames pass between cadence drift log lines.
const driftLogEvery = 250

// Transcriber streams capture audio to the NLS gateway and normalizes its
// transcription events. It implements asr.Recognizer.
type Transcriber struct {
	config     Config
	conn       *websocket.Conn
	session    *asr.Session
	normalizer *asr.Normalizer
	backlog    *audio.Backlog
	metrics    *observability.SessionMetrics
	logger     zerolog.Logger

	taskID       string
	errorHandler asr.ErrorHandler
	completed    chan struct{} // closed on TranscriptionCompleted
	cancelSend   context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
}

// NewTranscriber creates a transcriber; the connection is not dialed until
// Start.
func NewTranscriber(config Config) *Transcriber {
	if config.FrameInterval <= 0 {
		config.FrameInterval = 40 * time.Millisecond
	}
	session := asr.NewSession()
	return &Transcriber{
		config:     config,
		session:    session,
		normalizer: asr.NewNormalizer(nil),
		backlog:    audio.NewBacklog(config.BacklogHighWater, config.BacklogLowWater),
		metrics:    observability.NewSessionMetrics(session.ID(), "recognition", "aliyun"),
		logger:     observability.WithSession("aliyun_asr", session.ID()),
		completed:  make(chan struct{}),
	}
}

// SetResultHandler registers the normalized result callback.
func (t *Transcriber) SetResultHandler(h asr.ResultHandler) {
	t.normalizer.SetHandler(func(r asr.Result) {
		t.metrics.RecordResult(r.IsFinal)
		h(r)
	})
}

// SetErrorHandler registers the terminal error callback.
func (t *Transcriber) SetErrorHandler(h asr.ErrorHandler) {
	t.mu.Lock()
	t.errorHandler = h
	t.mu.Unlock()
}

// State returns the session lifecycle state.
func (t *Transcriber) State() asr.State {
	return t.session.State()
}

// Start dials the gateway, sends StartTranscription and launches the send
// and receive loops. Audio is held in the backlog until the gateway confirms
// with TranscriptionStarted; the session fails if confirmation does not
// arrive within the start timeout.
func (t *Transcriber) Start(ctx context.Context) error {
	if err := t.session.To(asr.StateConnecting); err != nil {
		return err
	}

	wsURL := t.config.JoinURL
	if t.config.Mode == ModeToken {
		wsURL = fmt.Sprintf("%s?token=%s", t.config.GatewayURL, t.config.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		dialErr := fmt.Errorf("failed to connect to NLS gateway: %w", err)
		t.session.Fail(dialErr)
		return dialErr
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.taskID = auth.HexID()

	if err := t.session.To(asr.StateSessionStarting); err != nil {
		conn.Close()
		return err
	}

	if err := t.sendStartTranscription(); err != nil {
		t.fail(err)
		return err
	}

	t.metrics.RecordStart()
	t.session.ArmStartTimeout(t.config.StartTimeout, func() {
		t.fail(fmt.Errorf("no TranscriptionStarted within %v", t.startTimeout()))
	})

	sendCtx, cancel := context.WithCancel(context.Background())
	t.cancelSend = cancel
	go t.readLoop(conn)
	go t.sendLoop(sendCtx)

	t.logger.Info().
		Str("task_id", t.taskID).
		Bool("gateway_mode", t.config.Mode == ModeGateway).
		Msg("Transcription session starting")
	return nil
}

// WriteChunk queues capture samples for the cadence-driven sender.
func (t *Transcriber) WriteChunk(samples []float32) error {
	if t.session.Failed() {
		return fmt.Errorf("session failed: %w", t.session.Err())
	}

	if dropped := t.backlog.Push(samples); dropped > 0 {
		t.metrics.RecordBacklogDrop(dropped)
		t.logger.Warn().
			Int("dropped_samples", dropped).
			Int("backlog_samples", t.backlog.Len()).
			Msg("Backlog over high watermark, shed oldest audio")
	}
	return nil
}

// Stop sends StopTranscription and waits for the gateway to flush its final
// results, bounded by ctx.
func (t *Transcriber) Stop(ctx context.Context) error {
	if err := t.session.To(asr.StateStopping); err != nil {
		return err
	}

	if err := t.writeJSON(t.command(nameStopTranscription, map[string]any{})); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to send StopTranscription")
		return t.Close()
	}

	select {
	case <-t.completed:
	case <-ctx.Done():
		t.logger.Warn().Msg("Timed out waiting for TranscriptionCompleted")
	}
	return t.Close()
}

// Close tears the connection down unconditionally.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	if t.cancelSend != nil {
		t.cancelSend()
		t.cancelSend = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	_ = t.session.To(asr.StateClosed)
	t.metrics.RecordEnd()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Normalizer exposes speaker and silence context for the session.
func (t *Transcriber) Normalizer() *asr.Normalizer {
	return t.normalizer
}

func (t *Transcriber) startTimeout() time.Duration {
	if t.config.StartTimeout > 0 {
		return t.config.StartTimeout
	}
	return asr.DefaultStartTimeout
}

// command builds an outbound control message for the configured mode.
func (t *Transcriber) command(name string, payload map[string]any) *command {
	h := header{
		Namespace: namespaceTranscriber,
		Name:      name,
	}
	if t.config.Mode == ModeToken {
		h.AppKey = t.config.AppKey
		h.TaskID = t.taskID
		h.MessageID = auth.HexID()
	}
	return &command{Header: h, Payload: payload}
}

func (t *Transcriber) sendStartTranscription() error {
	cmd := t.command(nameStartTranscription, startPayload(t.config.Mode == ModeToken))
	if err := t.writeJSON(cmd); err != nil {
		return fmt.Errorf("failed to send StartTranscription: %w", err)
	}
	return nil
}

func (t *Transcriber) writeJSON(v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transcriber) writeBinary(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// sendLoop drains the backlog one frame per tick once the gateway has
// confirmed the session. Drift between the ideal cadence and wall clock is
// measured and reported, never compensated by bursting.
func (t *Transcriber) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.FrameInterval)
	defer ticker.Stop()

	var sent int
	expected := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expected = expected.Add(t.config.FrameInterval)
			if !t.session.Streaming() {
				expected = now
				continue
			}

			samples, ok := t.backlog.PopFrame(audio.FrameSamples)
			if !ok {
				continue
			}

			frame := audio.FloatToPCM16(samples)
			if err := t.writeBinary(frame); err != nil {
				t.fail(fmt.Errorf("failed to send audio frame: %w", err))
				return
			}

			t.metrics.RecordFrameSent(len(frame))
			t.metrics.RecordSendDrift(now.Sub(expected))

			sent++
			if sent%driftLogEvery == 0 {
				t.logger.Debug().
					Int("frames_sent", sent).
					Dur("drift", now.Sub(expected)).
					Int("backlog_samples", t.backlog.Len()).
					Msg("Send cadence check")
			}
		}
	}
}

func (t *Transcriber) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			state := t.session.State()
			if state == asr.StateStopping || state == asr.StateClosed || t.session.Failed() {
				return
			}
			t.fail(fmt.Errorf("gateway connection lost: %w", err))
			return
		}

		// Binary messages on this socket are audio acknowledgements with no
		// transcription content.
		if msgType != websocket.TextMessage {
			continue
		}

		t.handleMessage(data)
	}
}

func (t *Transcriber) handleMessage(data []byte) {
	if t.session.Failed() {
		return
	}

	e, err := decodeEvent(data)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Skipping undecodable gateway message")
		return
	}

	if fault := e.fault(); fault != nil {
		t.fail(fault)
		return
	}

	switch e.Header.Name {
	case eventTranscriptionStarted:
		if err := t.session.To(asr.StateStreaming); err != nil {
			t.logger.Warn().Err(err).Msg("Unexpected TranscriptionStarted")
			return
		}
		t.logger.Info().Str("task_id", e.Header.TaskID).Msg("Transcription started")

	case eventSentenceBegin:
		t.logger.Debug().Int("sentence", e.Payload.Index).Msg("Sentence begin")

	case eventResultChanged:
		t.normalizer.Emit(e.Payload.Result, false, asr.EpochMillis(e.Payload.Time), e.Payload.speaker(), e.Payload.Confidence)

	case eventSentenceEnd:
		text := strings.TrimSpace(e.Payload.Result)
		t.normalizer.Emit(text, true, asr.EpochMillis(e.Payload.Time), e.Payload.speaker(), e.Payload.Confidence)

	case eventTranscriptionCompleted:
		t.logger.Info().Msg("Transcription completed")
		select {
		case <-t.completed:
		default:
			close(t.completed)
		}

	case eventResultTranslated:
		// Translation side-channel, not part of the transcript.

	default:
		t.logger.Debug().Str("event", e.Header.Name).Msg("Ignoring gateway event")
	}
}

// fail records the terminal error once, notifies the handler and drops the
// connection. Later inbound messages and audio writes are suppressed.
func (t *Transcriber) fail(err error) {
	if !t.session.Fail(err) {
		return
	}

	t.logger.Error().Err(err).Msg("Transcription session failed")
	t.metrics.RecordError("session_failure", "aliyun_asr")

	t.mu.Lock()
	handler := t.errorHandler
	if t.cancelSend != nil {
		t.cancelSend()
		t.cancelSend = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if handler != nil {
		handler(err)
	}
}
