// Package pipeline is the facade over the capture, recognition, synthesis
// and enrollment paths. Callers hand it a capture source and callbacks; the
// pipeline picks the configured vendor adapter and wires the audio plumbing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/asr"
	asraliyun "github.com/meetscribe/voicelink/internal/asr/aliyun"
	"github.com/meetscribe/voicelink/internal/asr/relay"
	"github.com/meetscribe/voicelink/internal/asr/xunfei"
	"github.com/meetscribe/voicelink/internal/audio"
	"github.com/meetscribe/voicelink/internal/auth"
	"github.com/meetscribe/voicelink/internal/backend"
	"github.com/meetscribe/voicelink/internal/config"
	"github.com/meetscribe/voicelink/internal/observability"
	"github.com/meetscribe/voicelink/internal/resilience"
	"github.com/meetscribe/voicelink/internal/tts"
	ttsaliyun "github.com/meetscribe/voicelink/internal/tts/aliyun"
	"github.com/meetscribe/voicelink/internal/voiceprint"
)

// Source delivers capture audio in variable-size float32 chunks. ReadChunk
// blocks until audio is available and returns io.EOF when capture ends.
type Source interface {
	ReadChunk(ctx context.Context) ([]float32, error)
}

// SessionParams carries the per-session identifiers a recognition run needs.
type SessionParams struct {
	// MeetingID scopes relay-channel events.
	MeetingID string
	// JoinURL is the pre-signed gateway URL for aliyun gateway mode.
	JoinURL string
	// StreamURL optionally points the relay backend at an ingest stream.
	StreamURL string
}

// RecognitionCallbacks are the consumer hooks for one recognition session.
// OnLevel and OnFrame are optional visualization taps.
type RecognitionCallbacks struct {
	OnResult asr.ResultHandler
	OnError  asr.ErrorHandler
	OnLevel  func(audio.Level)
	OnFrame  func(audio.Frame)
}

// SynthesisCallbacks are the consumer hooks for one synthesis session.
type SynthesisCallbacks struct {
	// OnComplete fires when the gateway has synthesized all submitted text.
	OnComplete func()
	// OnPlaybackComplete fires when the playback queue fully drains.
	OnPlaybackComplete func()
	OnError            func(error)
}

// EnrollmentParams describes one voiceprint enrollment.
type EnrollmentParams struct {
	AudioType   string // raw, speex or opus-ogg; empty means raw
	UID         string
	FeatureID   string // update this feature instead of registering a new one
	TeacherID   string
	TeacherName string
	Subject     string
}

// Pipeline owns at most one recognition and one synthesis session at a time.
type Pipeline struct {
	cfg     *config.Config
	backend *backend.Client
	logger  zerolog.Logger

	mu            sync.Mutex
	recognizer    asr.Recognizer
	meter         *audio.LevelMeter
	cancelCapture context.CancelFunc
	synthesizer   *ttsaliyun.Synthesizer
}

// New creates a pipeline. The backend client is only built when a backend
// URL is configured.
func New(cfg *config.Config) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		logger: observability.WithComponent("pipeline"),
	}
	if cfg.BackendURL != "" {
		p.backend = backend.NewClient(backend.Config{
			BaseURL:   cfg.BackendURL,
			AuthToken: cfg.BackendAuthToken,
			Retry:     p.retryConfig(),
		})
	}
	return p
}

func (p *Pipeline) retryConfig() *resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if p.cfg.RetryMaxAttempts > 0 {
		rc.MaxAttempts = p.cfg.RetryMaxAttempts
	}
	if p.cfg.RetryInitialBackoff > 0 {
		rc.InitialBackoff = time.Duration(p.cfg.RetryInitialBackoff) * time.Millisecond
	}
	return rc
}

// StartRecognition opens a recognition session against the configured
// provider and starts pumping source audio into it.
func (p *Pipeline) StartRecognition(ctx context.Context, source Source, params SessionParams, cb RecognitionCallbacks) error {
	if cb.OnResult == nil {
		return errors.New("a result callback is required")
	}
	if err := p.cfg.ValidateASR(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.recognizer != nil {
		p.mu.Unlock()
		return errors.New("recognition already running")
	}
	p.mu.Unlock()

	rec, err := p.buildRecognizer(ctx, params)
	if err != nil {
		return err
	}

	rec.SetResultHandler(cb.OnResult)
	if cb.OnError != nil {
		rec.SetErrorHandler(cb.OnError)
	}

	if err := rec.Start(ctx); err != nil {
		return err
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	meter := audio.NewLevelMeter(&audio.LevelMeterConfig{SilenceThreshold: p.cfg.SilenceThreshold})

	p.mu.Lock()
	if p.recognizer != nil {
		p.mu.Unlock()
		cancel()
		rec.Close()
		return errors.New("recognition already running")
	}
	p.recognizer = rec
	p.meter = meter
	p.cancelCapture = cancel
	p.mu.Unlock()

	go p.captureLoop(captureCtx, source, rec, meter, cb)

	p.logger.Info().
		Str("provider", p.cfg.ASRProvider).
		Str("meeting_id", params.MeetingID).
		Msg("Recognition started")
	return nil
}

// buildRecognizer assembles the adapter the configured provider needs,
// provisioning gateway credentials from the backend when they are not set
// locally.
func (p *Pipeline) buildRecognizer(ctx context.Context, params SessionParams) (asr.Recognizer, error) {
	frameInterval := time.Duration(p.cfg.FrameIntervalMs) * time.Millisecond
	startTimeout := time.Duration(p.cfg.StartTimeoutSec) * time.Second

	switch p.cfg.ASRProvider {
	case "aliyun":
		if p.cfg.AliyunGateway {
			if params.JoinURL == "" {
				return nil, errors.New("a pre-signed join URL is required in gateway mode")
			}
			return asraliyun.NewTranscriber(asraliyun.Config{
				Mode:             asraliyun.ModeGateway,
				JoinURL:          params.JoinURL,
				StartTimeout:     startTimeout,
				FrameInterval:    frameInterval,
				BacklogHighWater: p.cfg.BacklogHighWater,
				BacklogLowWater:  p.cfg.BacklogLowWater,
			}), nil
		}

		token, appKey, err := p.nlsCredentials(ctx)
		if err != nil {
			return nil, err
		}
		return asraliyun.NewTranscriber(asraliyun.Config{
			Mode:             asraliyun.ModeToken,
			GatewayURL:       p.cfg.AliyunNLSURL,
			AppKey:           appKey,
			Token:            token,
			StartTimeout:     startTimeout,
			FrameInterval:    frameInterval,
			BacklogHighWater: p.cfg.BacklogHighWater,
			BacklogLowWater:  p.cfg.BacklogLowWater,
		}), nil

	case "xunfei":
		return xunfei.NewRecognizer(xunfei.Config{
			URL: p.cfg.XunfeiASRURL,
			Credentials: auth.Credentials{
				AppID:           p.cfg.XunfeiAppID,
				AccessKeyID:     p.cfg.XunfeiAccessKeyID,
				AccessKeySecret: p.cfg.XunfeiAccessKeySecret,
			},
			RoleType:         p.cfg.XunfeiRoleType,
			FrameInterval:    frameInterval,
			ReconnectDelay:   time.Duration(p.cfg.ReconnectDelayMs) * time.Millisecond,
			BacklogHighWater: p.cfg.BacklogHighWater,
			BacklogLowWater:  p.cfg.BacklogLowWater,
		}), nil

	case "relay":
		if params.MeetingID == "" {
			return nil, errors.New("a meeting id is required for the relay provider")
		}
		return relay.NewClient(relay.Config{
			URL:              channelURL(p.cfg.BackendURL),
			AuthToken:        p.cfg.BackendAuthToken,
			MeetingID:        params.MeetingID,
			StreamURL:        params.StreamURL,
			StartTimeout:     startTimeout,
			FrameInterval:    frameInterval,
			BacklogHighWater: p.cfg.BacklogHighWater,
			BacklogLowWater:  p.cfg.BacklogLowWater,
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", p.cfg.ASRProvider)
	}
}

// nlsCredentials resolves the NLS token and appkey, asking the backend when
// the environment does not provide them.
func (p *Pipeline) nlsCredentials(ctx context.Context) (token, appKey string, err error) {
	token = p.cfg.AliyunToken
	appKey = p.cfg.AliyunAppKey
	if token != "" && appKey != "" {
		return token, appKey, nil
	}
	if p.backend == nil {
		return "", "", errors.New("NLS credentials are incomplete and no backend is configured to provision them")
	}

	fetched, err := p.backend.FetchToken(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to provision NLS credentials: %w", err)
	}
	if token == "" {
		token = fetched.Token
	}
	if appKey == "" {
		appKey = fetched.AppKey
	}
	return token, appKey, nil
}

// channelURL maps the backend's HTTP base to its WebSocket event channel.
func channelURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// captureLoop pumps source chunks into the recognizer, metering levels and
// emitting frame-aligned taps along the way.
func (p *Pipeline) captureLoop(ctx context.Context, source Source, rec asr.Recognizer, meter *audio.LevelMeter, cb RecognitionCallbacks) {
	framer := audio.NewFramer()

	for {
		chunk, err := source.ReadChunk(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("Capture source failed")
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}

		level := meter.Process(chunk)
		if cb.OnLevel != nil {
			cb.OnLevel(level)
		}
		if cb.OnFrame != nil {
			for _, frame := range framer.Push(chunk) {
				cb.OnFrame(frame)
			}
		}

		if err := rec.WriteChunk(chunk); err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("Dropping capture audio, session is down")
			}
			return
		}
	}
}

// StopRecognition ends the active recognition session, flushing final
// results bounded by ctx. Calling it without an active session is a no-op.
func (p *Pipeline) StopRecognition(ctx context.Context) error {
	p.mu.Lock()
	rec := p.recognizer
	cancel := p.cancelCapture
	p.recognizer = nil
	p.cancelCapture = nil
	p.meter = nil
	p.mu.Unlock()

	if rec == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	err := rec.Stop(ctx)
	if err != nil {
		// The session may already be failed or closed; make sure the
		// connection is gone either way.
		rec.Close()
	}
	p.logger.Info().Msg("Recognition stopped")
	return err
}

// SilenceDuration reports how long capture audio has been below the silence
// threshold. Zero without an active session.
func (p *Pipeline) SilenceDuration() time.Duration {
	p.mu.Lock()
	meter := p.meter
	p.mu.Unlock()
	if meter == nil {
		return 0
	}
	return meter.SilenceDuration()
}

// CurrentSpeaker returns the most recent speaker tag from the active
// session, if the provider reports one.
func (p *Pipeline) CurrentSpeaker() string {
	p.mu.Lock()
	rec := p.recognizer
	p.mu.Unlock()
	if rec == nil {
		return ""
	}
	n, ok := rec.(interface{ Normalizer() *asr.Normalizer })
	if !ok {
		return ""
	}
	return n.Normalizer().CurrentSpeaker()
}

// StartSynthesis opens a synthesis session playing through sink. Credentials
// come from the environment or the backend token endpoint.
func (p *Pipeline) StartSynthesis(ctx context.Context, sink tts.Sink, cb SynthesisCallbacks) error {
	if err := p.cfg.ValidateTTS(); err != nil {
		return err
	}

	p.mu.Lock()
	if synthesisActive(p.synthesizer) {
		p.mu.Unlock()
		return errors.New("synthesis already running")
	}
	p.mu.Unlock()

	token, appKey, err := p.nlsCredentials(ctx)
	if err != nil {
		return err
	}

	s := ttsaliyun.NewSynthesizer(ttsaliyun.Config{
		GatewayURL:   p.cfg.AliyunNLSURL,
		AppKey:       appKey,
		Token:        token,
		Voice:        p.cfg.TTSVoice,
		SampleRate:   p.cfg.TTSSampleRate,
		Volume:       p.cfg.TTSVolume,
		SpeechRate:   p.cfg.TTSSpeechRate,
		PitchRate:    p.cfg.TTSPitchRate,
		StartTimeout: time.Duration(p.cfg.StartTimeoutSec) * time.Second,
	}, sink)

	if cb.OnError != nil {
		s.SetErrorHandler(cb.OnError)
	}
	if cb.OnComplete != nil {
		s.SetCompleteHandler(cb.OnComplete)
	}
	if cb.OnPlaybackComplete != nil {
		s.SetPlaybackCompleteHandler(cb.OnPlaybackComplete)
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	if synthesisActive(p.synthesizer) {
		p.mu.Unlock()
		s.Close()
		return errors.New("synthesis already running")
	}
	p.synthesizer = s
	p.mu.Unlock()

	p.logger.Info().Str("voice", p.cfg.TTSVoice).Msg("Synthesis started")
	return nil
}

// SendText submits text to the active synthesis session.
func (p *Pipeline) SendText(text string) error {
	p.mu.Lock()
	s := p.synthesizer
	p.mu.Unlock()
	if s == nil {
		return errors.New("synthesis is not running")
	}
	return s.SendText(text)
}

// StopSynthesis ends the active synthesis session. Queued audio keeps
// playing; WaitForPlayback still observes it and the playback-complete
// callback still fires when the queue drains.
func (p *Pipeline) StopSynthesis(ctx context.Context) error {
	p.mu.Lock()
	s := p.synthesizer
	p.mu.Unlock()

	if s == nil || !synthesisActive(s) {
		return nil
	}
	err := s.Stop(ctx)
	p.logger.Info().Msg("Synthesis stopped")
	return err
}

// synthesisActive reports whether s holds a session a new start would
// conflict with. A stopped synthesizer is kept around so playback can be
// awaited after StopSynthesis.
func synthesisActive(s *ttsaliyun.Synthesizer) bool {
	if s == nil {
		return false
	}
	switch s.State() {
	case asr.StateClosed, asr.StateError:
		return false
	}
	return true
}

// WaitForPlayback blocks until synthesized audio has finished playing.
func (p *Pipeline) WaitForPlayback(ctx context.Context) error {
	p.mu.Lock()
	s := p.synthesizer
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.WaitForPlayback(ctx)
}

// RegisterVoiceprint enrolls (or refreshes) a voiceprint feature from
// capture samples and records it in the local store.
func (p *Pipeline) RegisterVoiceprint(ctx context.Context, samples []float32, params EnrollmentParams) (*voiceprint.Registration, error) {
	if err := p.cfg.ValidateVoiceprint(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.New("no enrollment audio")
	}

	client := voiceprint.NewClient(voiceprint.Config{
		BaseURL: p.cfg.VoiceprintBaseURL,
		Credentials: auth.Credentials{
			AppID:           p.cfg.XunfeiAppID,
			AccessKeyID:     p.cfg.XunfeiAccessKeyID,
			AccessKeySecret: p.cfg.XunfeiAccessKeySecret,
		},
		Retry: p.retryConfig(),
	})

	var reg *voiceprint.Registration
	var err error
	if params.FeatureID != "" {
		reg, err = client.Update(ctx, params.FeatureID, samples, params.AudioType)
	} else {
		reg, err = client.Register(ctx, samples, params.AudioType, params.UID)
	}
	if err != nil {
		return nil, err
	}

	store, err := voiceprint.OpenStore(p.cfg.VoiceprintStorePath)
	if err != nil {
		return nil, err
	}
	record := voiceprint.Record{
		FeatureID:   reg.FeatureID,
		TeacherID:   params.TeacherID,
		TeacherName: params.TeacherName,
		Subject:     params.Subject,
		SID:         reg.SID,
		Code:        reg.Code,
		Desc:        reg.Desc,
	}
	if err := store.SaveRecord(record); err != nil {
		return nil, fmt.Errorf("voiceprint enrolled but not recorded locally: %w", err)
	}
	return reg, nil
}
