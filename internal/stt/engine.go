package stt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/audio"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/observability"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/resilience"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

var (
	ErrAlreadyStarted = errors.New("recognition has already started")
	ErrNotStarted     = errors.New("recognition is not running")
	ErrEngineClosed   = errors.New("engine is closed")
)

// DefaultBufferSize is the audio buffered while a connection is opening:
// two seconds of 16 kHz linear16.
const DefaultBufferSize = 2 * audio.TargetSampleRate * 2

// Options configure a DeepgramEngine. Only Dialer is required.
type Options struct {
	Dialer     Dialer
	Breaker    *resilience.CircuitBreaker
	Retry      *resilience.RetryConfig
	VAD        *audio.VADConfig
	BufferSize int
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// session is one Start..end cycle
type session struct {
	id       uint64
	ctx      context.Context
	cancel   context.CancelFunc
	settings speech.Settings

	// writeMu orders the buffered flush before live writes
	writeMu sync.Mutex

	conn     Conn
	buffer   *audio.RingBuffer
	vad      *audio.VADDetector
	finals   []speech.Result
	stopping bool
	ended    bool
}

// DeepgramEngine implements speech.Engine over a streaming connection.
// Audio arrives through SendAudio; events are delivered in order from a
// single dispatch goroutine, so handlers may call back into the engine.
type DeepgramEngine struct {
	dialer     Dialer
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	vadConfig  *audio.VADConfig
	bufferSize int
	metrics    *observability.Metrics
	logger     zerolog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	settings    speech.Settings
	session     *session
	sessions    uint64
	subscribers map[int]func(speech.Event)
	nextID      int
	queue       []speech.Event
	closed      bool
	done        chan struct{}
}

var _ speech.Engine = (*DeepgramEngine)(nil)

// NewDeepgramEngine creates an engine and starts its dispatch goroutine.
// Call Close to stop it.
func NewDeepgramEngine(opts Options) *DeepgramEngine {
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	e := &DeepgramEngine{
		dialer:      opts.Dialer,
		breaker:     opts.Breaker,
		retry:       opts.Retry,
		vadConfig:   opts.VAD,
		bufferSize:  opts.BufferSize,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "stt_engine").Logger(),
		settings:    speech.Settings{InterimResults: true, MaxAlternatives: 1},
		subscribers: make(map[int]func(speech.Event)),
		done:        make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.dispatch()
	return e
}

// Configure stores settings for the next Start
func (e *DeepgramEngine) Configure(settings speech.Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = settings
}

// Start opens a new session. The connection is dialed in the background;
// audio sent meanwhile is buffered and audiostart fires once it is open.
func (e *DeepgramEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.session != nil {
		return ErrAlreadyStarted
	}

	e.sessions++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:       e.sessions,
		ctx:      ctx,
		cancel:   cancel,
		settings: e.settings,
		buffer:   audio.NewRingBuffer(e.bufferSize),
		vad:      audio.NewVADDetector(e.vadConfig),
	}
	e.session = s

	e.logger.Debug().Uint64("session", s.id).Str("lang", s.settings.Lang).Msg("Starting recognition session")
	go e.connect(s)
	return nil
}

// Stop ends the session once pending results are delivered
func (e *DeepgramEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.session; s != nil {
		e.stopLocked(s)
	}
}

// Abort ends the session immediately, discarding pending results
func (e *DeepgramEngine) Abort() {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return
	}
	conn := s.conn
	e.endLocked(s)
	e.mu.Unlock()

	if conn != nil {
		go conn.Finish()
	}
}

// Subscribe registers a handler for engine events
func (e *DeepgramEngine) Subscribe(handler func(speech.Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers[id] = handler
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// SendAudio forwards a linear16 frame captured at sampleRate. Frames sent
// while the connection is opening are buffered.
func (e *DeepgramEngine) SendAudio(pcm []byte, sampleRate int) error {
	data, samples, err := audio.ToTargetRate(pcm, sampleRate)
	if err != nil {
		return fmt.Errorf("invalid audio frame: %w", err)
	}

	e.mu.Lock()
	s := e.session
	if s == nil || s.stopping {
		e.mu.Unlock()
		return ErrNotStarted
	}
	for _, t := range s.vad.Process(samples) {
		e.emitLocked(s, speech.Event{Type: t})
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordAudioBytes("inbound", int64(len(data)))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e.mu.Lock()
	conn, ended := s.conn, s.ended
	if conn == nil && !ended {
		if dropped := s.buffer.Write(data); dropped > 0 {
			e.logger.Warn().Int("dropped", dropped).Msg("Audio buffer full while connecting")
		}
	}
	e.mu.Unlock()

	if conn == nil || ended {
		return nil
	}
	if err := e.write(conn, data); err != nil {
		e.fail(s, err)
		return err
	}
	return nil
}

// Close aborts the current session and waits for queued events to be
// delivered. It must not be called from an event handler.
func (e *DeepgramEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	var conn Conn
	if s := e.session; s != nil {
		conn = s.conn
		e.endLocked(s)
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	if conn != nil {
		conn.Finish()
	}
	<-e.done
}

func (e *DeepgramEngine) connect(s *session) {
	var conn Conn
	err := resilience.Retry(s.ctx, func() error {
		return e.breaker.Call(func() error {
			c, err := e.dialer.Dial(s.ctx, DialOptions{Language: s.settings.Lang}, e.callbacks(s))
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
	}, e.retry, retryableDial)
	observability.UpdateCircuitBreakerState(e.breaker.Name(), int(e.breaker.GetState()))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e.mu.Lock()
	if s.ended {
		e.mu.Unlock()
		if conn != nil {
			conn.Finish()
		}
		return
	}
	if err != nil {
		observability.IncrementCircuitBreakerFailures(e.breaker.Name())
		e.logger.Warn().Err(err).Uint64("session", s.id).Msg("Failed to open recognition connection")
		e.emitLocked(s, errorEvent(err))
		e.endLocked(s)
		e.mu.Unlock()
		return
	}

	s.conn = conn
	pending := s.buffer.Drain()
	e.emitLocked(s, speech.Event{Type: speech.EventAudioStart})
	stopping := s.stopping
	e.mu.Unlock()

	if len(pending) > 0 {
		if err := e.write(conn, pending); err != nil {
			e.fail(s, err)
			return
		}
	}
	if stopping {
		e.mu.Lock()
		e.finishLocked(s)
		e.mu.Unlock()
	}
}

func (e *DeepgramEngine) write(conn Conn, data []byte) error {
	err := e.breaker.Call(func() error {
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("failed to send audio: %w", err)
		}
		return nil
	})
	observability.UpdateCircuitBreakerState(e.breaker.Name(), int(e.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(e.breaker.Name())
	}
	return err
}

func (e *DeepgramEngine) callbacks(s *session) Callbacks {
	return Callbacks{
		OnTranscript: func(t Transcript) { e.handleTranscript(s, t) },
		OnUtteranceEnd: func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if !s.settings.Continuous && len(s.finals) > 0 {
				e.stopLocked(s)
			}
		},
		OnError: func(err error) {
			e.breaker.RecordResult(false)
			e.fail(s, err)
		},
		OnClose: func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.endLocked(s)
		},
	}
}

func (e *DeepgramEngine) handleTranscript(s *session, t Transcript) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.ended || t.Text == "" {
		return
	}
	if !t.IsFinal && !s.settings.InterimResults {
		return
	}

	r := speech.Result{
		IsFinal:      t.IsFinal,
		Alternatives: []speech.Alternative{{Transcript: t.Text, Confidence: t.Confidence}},
	}
	index := len(s.finals)
	results := append(slices.Clone(s.finals), r)
	if t.IsFinal {
		s.finals = append(s.finals, r)
	}
	e.emitLocked(s, speech.Event{
		Type:   speech.EventResult,
		Result: &speech.ResultEvent{ResultIndex: index, Results: results},
	})

	if t.IsFinal && !s.settings.Continuous {
		e.stopLocked(s)
	}
}

// fail reports err as a network error and ends the session
func (e *DeepgramEngine) fail(s *session, err error) {
	e.mu.Lock()
	if s.ended {
		e.mu.Unlock()
		return
	}
	e.logger.Warn().Err(err).Uint64("session", s.id).Msg("Recognition connection failed")
	conn := s.conn
	e.emitLocked(s, errorEvent(err))
	e.endLocked(s)
	e.mu.Unlock()

	if conn != nil {
		go conn.Finish()
	}
}

// stopLocked stops accepting audio. A connected session is finished in
// the background; one still dialing is finished once connected.
func (e *DeepgramEngine) stopLocked(s *session) {
	if s.stopping || s.ended {
		return
	}
	s.stopping = true
	if s.conn != nil {
		e.finishLocked(s)
	}
}

func (e *DeepgramEngine) finishLocked(s *session) {
	conn := s.conn
	go func() {
		conn.Finish()
		e.mu.Lock()
		e.endLocked(s)
		e.mu.Unlock()
	}()
}

// endLocked emits the session's single end event
func (e *DeepgramEngine) endLocked(s *session) {
	if s.ended {
		return
	}
	s.ended = true
	s.cancel()
	if e.session == s {
		e.session = nil
	}
	e.enqueueLocked(speech.Event{Type: speech.EventEnd})
	e.logger.Debug().Uint64("session", s.id).Msg("Recognition session ended")
}

func (e *DeepgramEngine) emitLocked(s *session, ev speech.Event) {
	if s.ended {
		return
	}
	e.enqueueLocked(ev)
}

func (e *DeepgramEngine) enqueueLocked(ev speech.Event) {
	e.queue = append(e.queue, ev)
	e.cond.Signal()
}

func (e *DeepgramEngine) dispatch() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		handlers := make([]func(speech.Event), 0, len(e.subscribers))
		for id := 0; id < e.nextID; id++ {
			if h, ok := e.subscribers[id]; ok {
				handlers = append(handlers, h)
			}
		}
		e.mu.Unlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}

func retryableDial(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return resilience.IsRetryable(err) || resilience.IsRetryableNetworkError(err)
}

func errorEvent(err error) speech.Event {
	msg := "Speech service connection failed"
	if errors.Is(err, resilience.ErrCircuitOpen) {
		msg = "Speech service is temporarily unavailable"
	}
	return speech.Event{Type: speech.EventError, Code: speech.CodeNetwork, Message: msg}
}
