package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voicelink agent
type Config struct {
	// Debug server (health + metrics)
	Port string `envconfig:"PORT" default:"8080"`

	// Transcription provider selection: aliyun, xunfei or relay
	ASRProvider string `envconfig:"ASR_PROVIDER" default:"aliyun"`

	// Owned backend configuration (token provisioning + relay channel)
	BackendURL       string `envconfig:"BACKEND_URL" default:""`
	BackendAuthToken string `envconfig:"BACKEND_AUTH_TOKEN" default:""`

	// Aliyun NLS configuration. Token and AppKey may be left empty when the
	// backend token endpoint provisions them at session start.
	AliyunNLSURL  string `envconfig:"ALIYUN_NLS_URL" default:"wss://nls-gateway-cn-beijing.aliyuncs.com/ws/v1"`
	AliyunAppKey  string `envconfig:"ALIYUN_APP_KEY" default:""`
	AliyunToken   string `envconfig:"ALIYUN_TOKEN" default:""`
	AliyunGateway bool   `envconfig:"ALIYUN_GATEWAY" default:"false"` // join via pre-signed meeting URL

	// Aliyun TTS configuration
	TTSVoice      string `envconfig:"TTS_VOICE" default:"longxiaochun"`
	TTSSampleRate int    `envconfig:"TTS_SAMPLE_RATE" default:"24000"`
	TTSVolume     int    `envconfig:"TTS_VOLUME" default:"100"`
	TTSSpeechRate int    `envconfig:"TTS_SPEECH_RATE" default:"0"`
	TTSPitchRate  int    `envconfig:"TTS_PITCH_RATE" default:"0"`

	// Xunfei realtime transcription configuration
	XunfeiASRURL          string `envconfig:"XUNFEI_ASR_URL" default:"wss://office-api-ast-dx.iflyaisol.com/ast/communicate/v1"`
	XunfeiAppID           string `envconfig:"XUNFEI_APP_ID" default:""`
	XunfeiAccessKeyID     string `envconfig:"XUNFEI_ACCESS_KEY_ID" default:""`
	XunfeiAccessKeySecret string `envconfig:"XUNFEI_ACCESS_KEY_SECRET" default:""`
	XunfeiRoleType        int    `envconfig:"XUNFEI_ROLE_TYPE" default:"0"` // 0 off, 1 diarization on

	// Xunfei voiceprint configuration
	VoiceprintBaseURL   string `envconfig:"VOICEPRINT_BASE_URL" default:""`
	VoiceprintStorePath string `envconfig:"VOICEPRINT_STORE_PATH" default:"voiceprints.json"`

	// Audio pipeline configuration
	FrameIntervalMs  int     `envconfig:"FRAME_INTERVAL_MS" default:"40"`      // send cadence
	BacklogHighWater int     `envconfig:"BACKLOG_HIGH_WATER" default:"12800"`  // samples before shedding
	BacklogLowWater  int     `envconfig:"BACKLOG_LOW_WATER" default:"6400"`    // samples kept after shedding
	SilenceThreshold float64 `envconfig:"SILENCE_THRESHOLD" default:"0.01"`    // RMS treated as silence
	StartTimeoutSec  int     `envconfig:"SESSION_START_TIMEOUT" default:"10"`  // seconds to wait for vendor confirmation
	ReconnectDelayMs int     `envconfig:"RECONNECT_DELAY" default:"3000"`      // fixed redial pause

	// Resilience configuration for REST calls
	RetryMaxAttempts    int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	switch cfg.ASRProvider {
	case "aliyun", "xunfei", "relay":
	default:
		return nil, fmt.Errorf("unknown ASR_PROVIDER %q (want aliyun, xunfei or relay)", cfg.ASRProvider)
	}

	if cfg.BacklogLowWater >= cfg.BacklogHighWater {
		return nil, fmt.Errorf("BACKLOG_LOW_WATER (%d) must be below BACKLOG_HIGH_WATER (%d)",
			cfg.BacklogLowWater, cfg.BacklogHighWater)
	}

	return &cfg, nil
}

// ValidateASR checks that the credentials the selected transcription
// provider needs are present. Called when a recognition session is about to
// start rather than at load time so that synthesis-only and enrollment-only
// runs do not demand unrelated credentials.
func (c *Config) ValidateASR() error {
	switch c.ASRProvider {
	case "aliyun":
		if c.AliyunGateway {
			if c.BackendURL == "" {
				return fmt.Errorf("BACKEND_URL is required to obtain a meeting join URL")
			}
			return nil
		}
		if c.AliyunAppKey == "" && c.BackendURL == "" {
			return fmt.Errorf("ALIYUN_APP_KEY or BACKEND_URL is required")
		}
	case "xunfei":
		if c.XunfeiAppID == "" || c.XunfeiAccessKeyID == "" || c.XunfeiAccessKeySecret == "" {
			return fmt.Errorf("XUNFEI_APP_ID, XUNFEI_ACCESS_KEY_ID and XUNFEI_ACCESS_KEY_SECRET are required")
		}
	case "relay":
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required for the relay provider")
		}
	}
	return nil
}

// ValidateTTS checks synthesis credentials.
func (c *Config) ValidateTTS() error {
	if c.AliyunAppKey == "" && c.BackendURL == "" {
		return fmt.Errorf("ALIYUN_APP_KEY or BACKEND_URL is required for synthesis")
	}
	return nil
}

// ValidateVoiceprint checks enrollment credentials.
func (c *Config) ValidateVoiceprint() error {
	if c.VoiceprintBaseURL == "" {
		return fmt.Errorf("VOICEPRINT_BASE_URL is required for enrollment")
	}
	if c.XunfeiAppID == "" || c.XunfeiAccessKeyID == "" || c.XunfeiAccessKeySecret == "" {
		return fmt.Errorf("XUNFEI_APP_ID, XUNFEI_ACCESS_KEY_ID and XUNFEI_ACCESS_KEY_SECRET are required")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
