package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/audio"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/bridge"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/config"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/extraction"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/observability"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/reminders"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/resilience"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/stt"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("engine", cfg.Engine).
		Str("log_level", cfg.LogLevel).
		Bool("database", cfg.DatabaseURL != "").
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice capture service starting")

	ctx := context.Background()

	// Reminder storage
	var (
		store reminders.Store
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = reminders.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to reminder database")
		}
		defer pool.Close()

		pg := reminders.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to migrate reminder database")
		}
		store = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set, reminders are kept in memory")
		store = reminders.NewMemStore(nil)
	}

	bridgeCfg := bridge.Config{
		Processor:      extraction.NewKeywordProcessor(nil),
		Store:          store,
		DefaultLang:    cfg.DeepgramLanguage,
		StopGrace:      cfg.StopGrace,
		WarmStreamTTL:  cfg.WarmStreamTTL,
		AutoResetDelay: cfg.ProcessingErrorReset,
		ProcessTimeout: cfg.ProcessTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	if cfg.UsesDeepgram() {
		bridgeCfg.NewEngine = deepgramEngineFactory(cfg)
	}
	streams := bridge.NewServer(bridgeCfg)

	mux := http.NewServeMux()

	// Recognition stream, one recorder per tab
	mux.Handle("/streams/recognition", streams)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	var checks []observability.Check
	if pool != nil {
		checks = append(checks, observability.Check{
			Name: "database",
			Fn: func(ctx context.Context) (bool, error) {
				if err := pool.Ping(ctx); err != nil {
					return false, err
				}
				return true, nil
			},
		})
	}
	if cfg.UsesDeepgram() {
		// Config only; a live connection would be billed.
		checks = append(checks, observability.Check{
			Name: "deepgram",
			Fn: func(ctx context.Context) (bool, error) {
				if cfg.DeepgramAPIKey == "" {
					return false, fmt.Errorf("DEEPGRAM_API_KEY is not set")
				}
				return true, nil
			},
		})
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No read/write timeouts: the recognition stream is long-lived and sets
	// its own deadlines.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		endpoint := fmt.Sprintf("ws://localhost:%s/streams/recognition", cfg.Port)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + "/streams/recognition"
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not closed by server.Shutdown
	if err := streams.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("sessions", streams.Sessions()).Msg("Recognition streams did not close in time")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// deepgramEngineFactory builds one Deepgram engine per connection. The
// circuit breaker is shared so an outage trips once for every tab.
func deepgramEngineFactory(cfg *config.Config) func(string, zerolog.Logger) bridge.AudioEngine {
	breaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		resilience.WithStateChange(func(name string, from, to resilience.CircuitState) {
			logger := observability.GetLogger()
			logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		}),
	)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	vad := audio.DefaultVADConfig()
	vad.EnergyThreshold = cfg.VADEnergyThreshold
	vad.SilenceFrames = cfg.VADSilenceFrames

	return func(sessionID string, logger zerolog.Logger) bridge.AudioEngine {
		return stt.NewDeepgramEngine(stt.Options{
			Dialer:     stt.NewDeepgramDialer(cfg.DeepgramAPIKey, cfg.DeepgramModel, logger),
			Breaker:    breaker,
			Retry:      retry,
			VAD:        vad,
			BufferSize: cfg.AudioBufferSize,
			Metrics:    observability.NewSessionMetrics(sessionID),
			Logger:     logger,
		})
	}
}
