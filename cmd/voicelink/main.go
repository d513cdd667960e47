package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meetscribe/voicelink/internal/asr"
	"github.com/meetscribe/voicelink/internal/audio"
	"github.com/meetscribe/voicelink/internal/config"
	"github.com/meetscribe/voicelink/internal/observability"
	"github.com/meetscribe/voicelink/internal/pipeline"
	"github.com/meetscribe/voicelink/internal/tts"
)

func main() {
	var (
		inputPath   = flag.String("input", "-", "PCM16LE 16kHz mono input, - for stdin")
		outputPath  = flag.String("output", "-", "PCM16LE synthesis output, - for stdout")
		meetingID   = flag.String("meeting", "", "meeting id for the relay provider")
		joinURL     = flag.String("join-url", "", "pre-signed gateway URL (aliyun gateway mode)")
		streamURL   = flag.String("stream-url", "", "ingest stream URL forwarded to the relay backend")
		uid         = flag.String("uid", "", "vendor uid for voiceprint enrollment")
		featureID   = flag.String("feature-id", "", "existing feature to update instead of registering")
		teacherID   = flag.String("teacher-id", "", "local teacher id to attach the voiceprint to")
		teacherName = flag.String("teacher-name", "", "teacher display name")
		subject     = flag.String("subject", "", "teacher subject")
		audioType   = flag.String("audio-type", "raw", "enrollment audio container: raw, speex or opus-ogg")
	)
	flag.Parse()

	mode := flag.Arg(0)
	if mode == "" {
		fmt.Fprintln(os.Stderr, "usage: voicelink [flags] recognize|synthesize|enroll")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("mode", mode).
		Str("provider", cfg.ASRProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("VoiceLink agent starting")

	shutdownHTTP := startHTTPServer(cfg)
	defer shutdownHTTP()

	// Root context ends on SIGINT/SIGTERM so every mode can tear down its
	// vendor session before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(cfg)

	switch mode {
	case "recognize":
		err = runRecognize(ctx, p, cfg, *inputPath, pipeline.SessionParams{
			MeetingID: *meetingID,
			JoinURL:   *joinURL,
			StreamURL: *streamURL,
		})
	case "synthesize":
		err = runSynthesize(ctx, p, *outputPath)
	case "enroll":
		err = runEnroll(ctx, p, *inputPath, pipeline.EnrollmentParams{
			AudioType:   *audioType,
			UID:         *uid,
			FeatureID:   *featureID,
			TeacherID:   *teacherID,
			TeacherName: *teacherName,
			Subject:     *subject,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("mode", mode).Msg("Agent run failed")
	}

	logger.Info().Msg("Agent exited")
}

// startHTTPServer serves health, readiness and metrics on cfg.Port and
// returns a graceful shutdown func.
func startHTTPServer(cfg *config.Config) func() {
	logger := observability.GetLogger()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", observability.HealthCheckHandler())
	mux.HandleFunc("/readyz", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"asr_config": func(ctx context.Context) (bool, error) {
			if err := cfg.ValidateASR(); err != nil {
				return false, err
			}
			return true, nil
		},
		"tts_config": func(ctx context.Context) (bool, error) {
			if err := cfg.ValidateTTS(); err != nil {
				return false, err
			}
			return true, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Health endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed to start")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("HTTP server forced to shutdown")
		}
	}
}

// runRecognize streams input audio through the configured recognizer and
// prints normalized results as JSON lines until the input ends or a signal
// arrives.
func runRecognize(ctx context.Context, p *pipeline.Pipeline, cfg *config.Config, inputPath string, params pipeline.SessionParams) error {
	in, closeIn, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer closeIn()

	source := newPCMSource(in, time.Duration(cfg.FrameIntervalMs)*time.Millisecond)

	out := json.NewEncoder(os.Stdout)
	sessionErr := make(chan error, 1)

	err = p.StartRecognition(ctx, source, params, pipeline.RecognitionCallbacks{
		OnResult: func(r asr.Result) {
			out.Encode(map[string]any{
				"text":       r.Text,
				"is_final":   r.IsFinal,
				"timestamp":  r.Timestamp.UnixMilli(),
				"speaker":    r.Speaker,
				"confidence": r.Confidence,
			})
		},
		OnError: func(err error) {
			select {
			case sessionErr <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	var runErr error
	select {
	case <-source.Done():
	case <-ctx.Done():
	case runErr = <-sessionErr:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.StopRecognition(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// runSynthesize reads text lines from stdin, synthesizes them and writes the
// PCM stream to the output.
func runSynthesize(ctx context.Context, p *pipeline.Pipeline, outputPath string) error {
	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer closeOut()

	sessionErr := make(chan error, 1)
	err = p.StartSynthesis(ctx, &writerSink{w: out}, pipeline.SynthesisCallbacks{
		OnError: func(err error) {
			select {
			case sessionErr <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := p.SendText(line); err != nil {
			break
		}
		select {
		case err := <-sessionErr:
			return err
		case <-ctx.Done():
			return p.StopSynthesis(context.Background())
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read synthesis text: %w", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.StopSynthesis(stopCtx); err != nil {
		return err
	}
	return p.WaitForPlayback(stopCtx)
}

// runEnroll reads the whole input as enrollment audio and registers (or
// updates) a voiceprint feature.
func runEnroll(ctx context.Context, p *pipeline.Pipeline, inputPath string, params pipeline.EnrollmentParams) error {
	in, closeIn, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer closeIn()

	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read enrollment audio: %w", err)
	}
	samples, err := audio.PCM16ToFloat(raw)
	if err != nil {
		return fmt.Errorf("invalid enrollment audio: %w", err)
	}

	reg, err := p.RegisterVoiceprint(ctx, samples, params)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]string{
		"feature_id": reg.FeatureID,
		"sid":        reg.SID,
	})
}

func openInput(path string) (io.Reader, func() error, error) {
	if path == "-" || path == "" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, f.Close, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" || path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output: %w", err)
	}
	return f, f.Close, nil
}

// pcmSource paces frame-sized reads from a PCM16LE stream so file input
// feeds the pipeline at capture cadence instead of all at once.
type pcmSource struct {
	r        *bufio.Reader
	interval time.Duration
	done     chan struct{}
}

func newPCMSource(r io.Reader, interval time.Duration) *pcmSource {
	if interval <= 0 {
		interval = 40 * time.Millisecond
	}
	return &pcmSource{
		r:        bufio.NewReaderSize(r, audio.FrameBytes*4),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Done closes when the stream is exhausted.
func (s *pcmSource) Done() <-chan struct{} { return s.done }

func (s *pcmSource) ReadChunk(ctx context.Context) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}

	buf := make([]byte, audio.FrameBytes)
	n, err := io.ReadFull(s.r, buf)
	if err == io.ErrUnexpectedEOF {
		// Trailing partial frame still counts as capture audio.
		return audio.PCM16ToFloat(buf[:n-n%2])
	}
	if err != nil {
		close(s.done)
		return nil, io.EOF
	}
	return audio.PCM16ToFloat(buf)
}

// writerSink plays synthesized audio by writing PCM16 to an output stream.
type writerSink struct {
	w io.Writer
}

var _ tts.Sink = (*writerSink)(nil)

func (s *writerSink) Play(ctx context.Context, samples []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.w.Write(audio.FloatToPCM16(samples))
	return err
}
