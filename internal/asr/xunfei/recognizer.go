package xunfei

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/asr"
	"github.com/meetscribe/voicelink/internal/audio"
	"github.com/meetscribe/voicelink/internal/auth"
	"github.com/meetscribe/voicelink/internal/observability"
	"github.com/meetscribe/voicelink/internal/resilience"
)

// Close code 1006 is how the gateway surfaces a rejected signature; redialing
// with the same credentials would fail the same way.
const closeCodeAuthFailure = 1006

// Config holds one recognition session's settings.
type Config struct {
	URL         string
	Credentials auth.Credentials
	RoleType    int // 0 disables diarization, 1 enables it

	FrameInterval    time.Duration
	ReconnectDelay   time.Duration
	BacklogHighWater int
	BacklogLowWater  int
}

const sendLogEvery = 100

// Recognizer streams capture audio to the signed-URL gateway. Unlike the NLS
// adapter there is no start confirmation: the session is streaming as soon
// as the handshake completes, and abnormal disconnects redial after a fixed
// pause unless the close code marks an authentication failure.
type Recognizer struct {
	config     Config
	session    *asr.Session
	normalizer *asr.Normalizer
	backlog    *audio.Backlog
	policy     *resilience.ReconnectPolicy
	metrics    *observability.SessionMetrics
	logger     zerolog.Logger

	conn         *websocket.Conn
	errorHandler asr.ErrorHandler
	cancelLoops  context.CancelFunc
	stopping     bool

	writeMu sync.Mutex
	mu      sync.Mutex
}

// NewRecognizer creates a recognizer; the connection is not dialed until
// Start.
func NewRecognizer(config Config) *Recognizer {
	if config.FrameInterval <= 0 {
		config.FrameInterval = 40 * time.Millisecond
	}
	policy := resilience.DefaultReconnectPolicy(closeCodeAuthFailure)
	if config.ReconnectDelay > 0 {
		policy.Delay = config.ReconnectDelay
	}

	session := asr.NewSession()
	return &Recognizer{
		config:     config,
		session:    session,
		normalizer: asr.NewNormalizer(nil),
		backlog:    audio.NewBacklog(config.BacklogHighWater, config.BacklogLowWater),
		policy:     policy,
		metrics:    observability.NewSessionMetrics(session.ID(), "recognition", "xunfei"),
		logger:     observability.WithSession("xunfei_asr", session.ID()),
	}
}

// SetResultHandler registers the normalized result callback.
func (r *Recognizer) SetResultHandler(h asr.ResultHandler) {
	r.normalizer.SetHandler(func(res asr.Result) {
		r.metrics.RecordResult(res.IsFinal)
		h(res)
	})
}

// SetErrorHandler registers the terminal error callback.
func (r *Recognizer) SetErrorHandler(h asr.ErrorHandler) {
	r.mu.Lock()
	r.errorHandler = h
	r.mu.Unlock()
}

// State returns the session lifecycle state.
func (r *Recognizer) State() asr.State {
	return r.session.State()
}

// handshakeURL signs the connection parameters and assembles the websocket
// URL. A fresh nonce and timestamp are generated per dial, so reconnects get
// a new signature.
func (r *Recognizer) handshakeURL() string {
	params := map[string]string{
		"accessKeyId":  r.config.Credentials.AccessKeyID,
		"appId":        r.config.Credentials.AppID,
		"uuid":         auth.NonceUUID(),
		"utc":          auth.Timestamp(time.Now()),
		"pd":           "edu",
		"audio_encode": "pcm_s16le",
		"lang":         "autodialect",
		"samplerate":   "16000",
		"role_type":    strconv.Itoa(r.config.RoleType),
	}
	signature := auth.Sign(params, r.config.Credentials.AccessKeySecret)

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("signature", signature)

	return fmt.Sprintf("%s?%s", r.config.URL, query.Encode())
}

// Start dials the gateway and launches the send and receive loops. The
// session streams as soon as the handshake completes.
func (r *Recognizer) Start(ctx context.Context) error {
	if err := r.session.To(asr.StateConnecting); err != nil {
		return err
	}

	if err := r.dial(ctx); err != nil {
		r.session.Fail(err)
		return err
	}

	r.metrics.RecordStart()

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancelLoops = cancel
	r.mu.Unlock()

	go r.readLoop(loopCtx)
	go r.sendLoop(loopCtx)

	r.logger.Info().Int("role_type", r.config.RoleType).Msg("Recognition session streaming")
	return nil
}

func (r *Recognizer) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.handshakeURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to recognition gateway: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	if err := r.session.To(asr.StateSessionStarting); err != nil {
		conn.Close()
		return err
	}
	if err := r.session.To(asr.StateStreaming); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// WriteChunk queues capture samples for the cadence-driven sender.
func (r *Recognizer) WriteChunk(samples []float32) error {
	if r.session.Failed() {
		return fmt.Errorf("session failed: %w", r.session.Err())
	}

	if dropped := r.backlog.Push(samples); dropped > 0 {
		r.metrics.RecordBacklogDrop(dropped)
		r.logger.Warn().
			Int("dropped_samples", dropped).
			Int("backlog_samples", r.backlog.Len()).
			Msg("Backlog over high watermark, shed oldest audio")
	}
	return nil
}

// Stop sends the end-of-stream marker and closes the connection.
func (r *Recognizer) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	if err := r.session.To(asr.StateStopping); err != nil {
		return err
	}

	end := audioEnvelope{Data: audioData{Audio: "", Status: 1}}
	if err := r.writeEnvelope(&end); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to send end-of-stream marker")
	}
	return r.Close()
}

// Close tears the connection down unconditionally.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	r.stopping = true
	if r.cancelLoops != nil {
		r.cancelLoops()
		r.cancelLoops = nil
	}
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	_ = r.session.To(asr.StateClosed)
	r.metrics.RecordEnd()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Normalizer exposes speaker and silence context for the session.
func (r *Recognizer) Normalizer() *asr.Normalizer {
	return r.normalizer
}

func (r *Recognizer) writeEnvelope(env *audioEnvelope) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendLoop drains the backlog one frame per tick. Frames that fail to send
// while a reconnect is in flight stay in the backlog; the overflow policy
// bounds how stale the queue can get.
func (r *Recognizer) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.FrameInterval)
	defer ticker.Stop()

	var sent int
	expected := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expected = expected.Add(r.config.FrameInterval)
			if !r.session.Streaming() {
				expected = now
				continue
			}

			samples, ok := r.backlog.PopFrame(audio.FrameSamples)
			if !ok {
				continue
			}

			frame := audio.FloatToPCM16(samples)
			env := audioEnvelope{Data: audioData{
				Audio:  base64.StdEncoding.EncodeToString(frame),
				Status: 0,
			}}
			if err := r.writeEnvelope(&env); err != nil {
				// The read loop is responsible for the reconnect decision;
				// keep ticking and let the backlog absorb the gap.
				continue
			}

			r.metrics.RecordFrameSent(len(frame))
			r.metrics.RecordSendDrift(now.Sub(expected))

			sent++
			if sent%sendLogEvery == 0 {
				r.logger.Debug().
					Int("frames_sent", sent).
					Dur("drift", now.Sub(expected)).
					Int("backlog_samples", r.backlog.Len()).
					Msg("Send cadence check")
			}
		}
	}
}

// readLoop consumes inbound messages and drives the reconnect policy when
// the socket drops.
func (r *Recognizer) readLoop(ctx context.Context) {
	attempt := 0
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err == nil {
			attempt = 0
			r.handleMessage(data)
			continue
		}

		r.mu.Lock()
		stopping := r.stopping
		r.mu.Unlock()
		if stopping || r.session.Failed() || ctx.Err() != nil {
			return
		}

		closeCode, wasClean := closeDetails(err)
		if wasClean {
			// Server-initiated normal closure ends the session without an
			// error.
			r.logger.Info().Msg("Gateway closed the session")
			_ = r.session.To(asr.StateClosed)
			return
		}
		if !r.policy.ShouldReconnect(closeCode, wasClean) {
			r.fail(fmt.Errorf("gateway rejected the connection (close code %d), check signing credentials", closeCode))
			return
		}

		attempt++
		if r.policy.Exhausted(attempt) {
			r.fail(fmt.Errorf("gave up reconnecting after %d attempts: %w", attempt, err))
			return
		}

		r.logger.Warn().
			Err(err).
			Int("close_code", closeCode).
			Int("attempt", attempt).
			Dur("delay", r.policy.Delay).
			Msg("Connection lost, reconnecting")
		r.metrics.RecordReconnect()

		_ = r.session.To(asr.StateClosed)
		if waitErr := r.policy.Wait(ctx); waitErr != nil {
			return
		}
		if err := r.session.To(asr.StateConnecting); err != nil {
			return
		}
		if err := r.dial(ctx); err != nil {
			r.fail(err)
			return
		}
	}
}

func (r *Recognizer) handleMessage(data []byte) {
	if r.session.Failed() {
		return
	}

	frag, err := decodeMessage(data)
	if errors.Is(err, errMalformed) {
		r.logger.Warn().Err(err).Msg("Skipping undecodable gateway message")
		return
	}
	if err != nil {
		r.fail(err)
		return
	}
	if frag == nil {
		return
	}

	r.normalizer.Emit(frag.Text, frag.IsFinal, time.Time{}, frag.Speaker, frag.Confidence)
}

// closeDetails unpacks a websocket close error. A missing close frame reads
// as code 0, not clean.
func closeDetails(err error) (code int, wasClean bool) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Code == websocket.CloseNormalClosure
	}
	return 0, false
}

// fail records the terminal error once, notifies the handler and drops the
// connection.
func (r *Recognizer) fail(err error) {
	if !r.session.Fail(err) {
		return
	}

	r.logger.Error().Err(err).Msg("Recognition session failed")
	r.metrics.RecordError("session_failure", "xunfei_asr")

	r.mu.Lock()
	handler := r.errorHandler
	if r.cancelLoops != nil {
		r.cancelLoops()
		r.cancelLoops = nil
	}
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if handler != nil {
		handler(err)
	}
}
