package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/asr"
	"github.com/meetscribe/voicelink/internal/audio"
	"github.com/meetscribe/voicelink/internal/observability"
)

// Config holds the backend channel settings for one session.
type Config struct {
	// URL is the backend event-channel endpoint.
	URL string
	// AuthToken, when set, is sent as a Bearer token on the handshake.
	AuthToken string

	// MeetingID scopes every event on the channel.
	MeetingID string
	// StreamURL optionally tells the backend to pull audio from an ingest
	// URL instead of the relayed frames.
	StreamURL string

	StartTimeout     time.Duration
	FrameInterval    time.Duration
	BacklogHighWater int
	BacklogLowWater  int
}

const driftLogEvery = 250

// Client relays capture audio to the owned backend and normalizes the
// transcript events it sends back. It implements asr.Recognizer.
type Client struct {
	config     Config
	conn       *websocket.Conn
	session    *asr.Session
	normalizer *asr.Normalizer
	backlog    *audio.Backlog
	metrics    *observability.SessionMetrics
	logger     zerolog.Logger

	errorHandler asr.ErrorHandler
	stopped      chan struct{} // closed on recognition_stopped
	cancelSend   context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
}

// NewClient creates a relay client; the channel is not dialed until Start.
func NewClient(config Config) *Client {
	if config.FrameInterval <= 0 {
		config.FrameInterval = 40 * time.Millisecond
	}
	session := asr.NewSession()
	return &Client{
		config:     config,
		session:    session,
		normalizer: asr.NewNormalizer(nil),
		backlog:    audio.NewBacklog(config.BacklogHighWater, config.BacklogLowWater),
		metrics:    observability.NewSessionMetrics(session.ID(), "recognition", "relay"),
		logger:     observability.WithSession("relay_asr", session.ID()),
		stopped:    make(chan struct{}),
	}
}

// SetResultHandler registers the normalized result callback.
func (c *Client) SetResultHandler(h asr.ResultHandler) {
	c.normalizer.SetHandler(func(r asr.Result) {
		c.metrics.RecordResult(r.IsFinal)
		h(r)
	})
}

// SetErrorHandler registers the terminal error callback.
func (c *Client) SetErrorHandler(h asr.ErrorHandler) {
	c.mu.Lock()
	c.errorHandler = h
	c.mu.Unlock()
}

// State returns the session lifecycle state.
func (c *Client) State() asr.State {
	return c.session.State()
}

// Start dials the backend channel, joins the meeting room and asks the
// backend to open the vendor session. Audio is held in the backlog until the
// backend confirms with recognition_started; the session fails if
// confirmation does not arrive within the start timeout.
func (c *Client) Start(ctx context.Context) error {
	if err := c.session.To(asr.StateConnecting); err != nil {
		return err
	}

	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		dialErr := fmt.Errorf("failed to connect to backend channel: %w", err)
		c.session.Fail(dialErr)
		return dialErr
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.session.To(asr.StateSessionStarting); err != nil {
		conn.Close()
		return err
	}

	if err := c.sendEvent(eventJoinMeeting, joinPayload{MeetingID: c.config.MeetingID}); err != nil {
		c.fail(err)
		return err
	}
	start := startPayload{MeetingID: c.config.MeetingID, StreamURL: c.config.StreamURL}
	if err := c.sendEvent(eventStartRecognition, start); err != nil {
		c.fail(err)
		return err
	}

	c.metrics.RecordStart()
	c.session.ArmStartTimeout(c.config.StartTimeout, func() {
		c.fail(fmt.Errorf("no recognition_started within %v", c.startTimeout()))
	})

	sendCtx, cancel := context.WithCancel(context.Background())
	c.cancelSend = cancel
	go c.readLoop(conn)
	go c.sendLoop(sendCtx)

	c.logger.Info().
		Str("meeting_id", c.config.MeetingID).
		Bool("stream_url", c.config.StreamURL != "").
		Msg("Backend recognition session starting")
	return nil
}

// WriteChunk queues capture samples for the cadence-driven sender.
func (c *Client) WriteChunk(samples []float32) error {
	if c.session.Failed() {
		return fmt.Errorf("session failed: %w", c.session.Err())
	}

	if dropped := c.backlog.Push(samples); dropped > 0 {
		c.metrics.RecordBacklogDrop(dropped)
		c.logger.Warn().
			Int("dropped_samples", dropped).
			Int("backlog_samples", c.backlog.Len()).
			Msg("Backlog over high watermark, shed oldest audio")
	}
	return nil
}

// Stop asks the backend to close the vendor session and waits for its
// confirmation, bounded by ctx. The meeting room is left before the channel
// closes.
func (c *Client) Stop(ctx context.Context) error {
	if err := c.session.To(asr.StateStopping); err != nil {
		return err
	}

	if err := c.sendEvent(eventStopRecognition, joinPayload{MeetingID: c.config.MeetingID}); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send stop_recognition")
		return c.Close()
	}

	select {
	case <-c.stopped:
	case <-ctx.Done():
		c.logger.Warn().Msg("Timed out waiting for recognition_stopped")
	}

	if err := c.sendEvent(eventLeaveMeeting, joinPayload{MeetingID: c.config.MeetingID}); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send leave_meeting")
	}
	return c.Close()
}

// Close tears the channel down unconditionally.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancelSend != nil {
		c.cancelSend()
		c.cancelSend = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	_ = c.session.To(asr.StateClosed)
	c.metrics.RecordEnd()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Normalizer exposes speaker and silence context for the session.
func (c *Client) Normalizer() *asr.Normalizer {
	return c.normalizer
}

func (c *Client) startTimeout() time.Duration {
	if c.config.StartTimeout > 0 {
		return c.config.StartTimeout
	}
	return asr.DefaultStartTimeout
}

func (c *Client) sendEvent(event string, data any) error {
	env, err := newEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel closed")
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// sendLoop drains the backlog one frame per tick once the backend has
// confirmed the session. Drift between the ideal cadence and wall clock is
// measured and reported, never compensated by bursting.
func (c *Client) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.FrameInterval)
	defer ticker.Stop()

	var sent int
	expected := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expected = expected.Add(c.config.FrameInterval)
			if !c.session.Streaming() {
				expected = now
				continue
			}

			samples, ok := c.backlog.PopFrame(audio.FrameSamples)
			if !ok {
				continue
			}

			frame := audio.FloatToPCM16(samples)
			payload := audioPayload{
				MeetingID: c.config.MeetingID,
				AudioData: base64.StdEncoding.EncodeToString(frame),
				Format:    "pcm",
			}
			if err := c.sendEvent(eventAudioData, payload); err != nil {
				c.fail(fmt.Errorf("failed to relay audio frame: %w", err))
				return
			}

			c.metrics.RecordFrameSent(len(frame))
			c.metrics.RecordSendDrift(now.Sub(expected))

			sent++
			if sent%driftLogEvery == 0 {
				c.logger.Debug().
					Int("frames_sent", sent).
					Dur("drift", now.Sub(expected)).
					Int("backlog_samples", c.backlog.Len()).
					Msg("Send cadence check")
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			state := c.session.State()
			if state == asr.StateStopping || state == asr.StateClosed || c.session.Failed() {
				return
			}
			c.fail(fmt.Errorf("backend channel lost: %w", err))
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	if c.session.Failed() {
		return
	}

	e, err := decodeEnvelope(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Skipping undecodable backend message")
		return
	}

	switch e.Event {
	case eventConnected:
		c.logger.Debug().Msg("Backend channel confirmed")

	case eventRecognitionStarted:
		if err := c.session.To(asr.StateStreaming); err != nil {
			c.logger.Warn().Err(err).Msg("Unexpected recognition_started")
			return
		}
		c.logger.Info().Str("meeting_id", c.config.MeetingID).Msg("Recognition started")

	case eventTranscriptUpdate:
		var p transcriptPayload
		if err := decodePayload(e, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping malformed transcript")
			return
		}
		c.normalizer.Emit(p.Text, p.IsFinal, asr.EpochMillis(p.Timestamp), p.Speaker, p.Confidence)

	case eventRecognitionStopped:
		c.logger.Info().Msg("Recognition stopped")
		select {
		case <-c.stopped:
		default:
			close(c.stopped)
		}

	case eventError:
		var p errorPayload
		if err := decodePayload(e, &p); err != nil || p.Message == "" {
			c.fail(fmt.Errorf("backend reported an unspecified error"))
			return
		}
		c.fail(fmt.Errorf("backend error: %s", p.Message))

	default:
		c.logger.Debug().Str("event", e.Event).Msg("Ignoring backend event")
	}
}

// fail records the terminal error once, notifies the handler and drops the
// channel. Later inbound messages and audio writes are suppressed.
func (c *Client) fail(err error) {
	if !c.session.Fail(err) {
		return
	}

	c.logger.Error().Err(err).Msg("Backend recognition session failed")
	c.metrics.RecordError("session_failure", "relay_asr")

	c.mu.Lock()
	handler := c.errorHandler
	if c.cancelSend != nil {
		c.cancelSend()
		c.cancelSend = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if handler != nil {
		handler(err)
	}
}
