package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Recognition engines a session can be driven by
const (
	EngineBrowser  = "browser"
	EngineDeepgram = "deepgram"
)

// Config holds all configuration for the voice capture service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind a tunnel).
	// Used for logging the WebSocket endpoint; optional.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// AllowedOrigins lists the page origins allowed to open the recognition
	// stream. Empty allows same-host only.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Engine selects who recognizes speech: the tab's native engine or Deepgram
	Engine string `envconfig:"ENGINE" default:"browser"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`   // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"` // Default recognition language

	// Reminder storage. Empty keeps reminders in memory.
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	// Recorder timing
	StopGrace            time.Duration `envconfig:"STOP_GRACE" default:"1s"`              // Wait for trailing results after stop
	WarmStreamTTL        time.Duration `envconfig:"WARM_STREAM_TTL" default:"30s"`        // Keep the microphone open between sessions
	ProcessingErrorReset time.Duration `envconfig:"PROCESSING_ERROR_RESET" default:"5s"` // Auto-reset after a processing error
	ProcessTimeout       time.Duration `envconfig:"PROCESS_TIMEOUT" default:"10s"`       // Reminder extraction timeout

	// Audio processing configuration
	AudioBufferSize    int     `envconfig:"AUDIO_BUFFER_SIZE" default:"64000"`    // Bytes buffered while the engine connects
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"40"`      // Frames of silence to mark speech end

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum connect attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"250"`        // Initial backoff in milliseconds

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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine {
	case EngineBrowser:
	case EngineDeepgram:
		if c.DeepgramAPIKey == "" {
			errs = append(errs, errors.New("DEEPGRAM_API_KEY is required when ENGINE=deepgram"))
		}
	default:
		errs = append(errs, fmt.Errorf("ENGINE must be %q or %q, got %q", EngineBrowser, EngineDeepgram, c.Engine))
	}
	if c.CircuitBreakerMaxFailures < 1 {
		errs = append(errs, errors.New("CIRCUIT_BREAKER_MAX_FAILURES must be at least 1"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// UsesDeepgram reports whether sessions are recognized server-side
func (c *Config) UsesDeepgram() bool {
	return c.Engine == EngineDeepgram
}
