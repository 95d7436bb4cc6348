package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_capture_active_sessions",
		Help: "Number of connected recorder sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_capture_sessions_total",
		Help: "Total number of recorder sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_capture_session_duration_seconds",
		Help:    "Duration of recorder sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_state_transitions_total",
		Help: "Recorder state transitions",
	}, []string{"from", "to"})

	// Recognition metrics
	recoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_recovery_actions_total",
		Help: "Recovery actions decided by the error recovery policy",
	}, []string{"action", "tier"})

	engineRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_engine_restarts_total",
		Help: "Recognition engine restarts by reason",
	}, []string{"reason"})

	engineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_engine_errors_total",
		Help: "Errors reported by the recognition engine",
	}, []string{"code"})

	recognitionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_results_total",
		Help: "Recognition results accepted by the transcript accumulator",
	}, []string{"type"}) // type: "final" or "interim"

	streamAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_stream_acquisitions_total",
		Help: "Microphone stream requests",
	}, []string{"status"})

	// Processing metrics
	processingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_processing_requests_total",
		Help: "Total number of transcript extraction requests",
	}, []string{"status"})

	processingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_capture_processing_latency_seconds",
		Help:    "Transcript extraction latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_capture_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_capture_audio_bytes_total",
		Help: "Total audio bytes forwarded to the server engine",
	}, []string{"direction"}) // direction: "in" or "dropped"
)

// Metrics tracks metrics for a single recorder session
type Metrics struct {
	sessionID           string
	startTime           time.Time
	processingStartTime time.Time
	mu                  sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStateTransition records a recorder state change
func (m *Metrics) RecordStateTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordProcessingStart records the start of transcript extraction
func (m *Metrics) RecordProcessingStart() {
	m.mu.Lock()
	m.processingStartTime = time.Now()
	m.mu.Unlock()
}

// RecordProcessingEnd records the end of transcript extraction
func (m *Metrics) RecordProcessingEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.processingStartTime.IsZero() {
		processingLatency.Observe(time.Since(m.processingStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	processingRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes forwarded or dropped
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordRecoveryAction counts a policy decision
func RecordRecoveryAction(action, tier string) {
	recoveryActions.WithLabelValues(action, tier).Inc()
}

// RecordEngineRestart counts an engine restart
func RecordEngineRestart(reason string) {
	engineRestarts.WithLabelValues(reason).Inc()
}

// RecordEngineError counts an engine error event
func RecordEngineError(code string) {
	engineErrors.WithLabelValues(code).Inc()
}

// RecordResult counts an accepted recognition result
func RecordResult(final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	recognitionResults.WithLabelValues(kind).Inc()
}

// RecordStreamAcquisition counts a getUserMedia request by outcome
func RecordStreamAcquisition(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	streamAcquisitions.WithLabelValues(status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
