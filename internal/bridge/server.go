package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/environment"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/extraction"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/lifecycle"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/observability"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/recorder"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/reminders"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

const (
	helloTimeout = 10 * time.Second
	writeWait    = 10 * time.Second
	actionQueue  = 16

	msgSaveFailed = "Couldn't save the reminder. Please try again."
)

// ErrShuttingDown is returned to connections arriving during shutdown
var ErrShuttingDown = errors.New("server is shutting down")

// AudioEngine is a server-side engine fed with PCM forwarded by the tab
type AudioEngine interface {
	speech.Engine
	SendAudio(pcm []byte, sampleRate int) error
	Close()
}

// Config configures a Server
type Config struct {
	Processor extraction.Processor
	Store     reminders.Store

	// NewDetector builds the environment detector for a tab's hello
	// signals. Nil uses environment.UserAgentDetector.
	NewDetector func(signals environment.Signals) environment.Detector

	// NewEngine creates a server-side engine per connection. Nil uses the
	// tab's native recognizer.
	NewEngine func(sessionID string, logger zerolog.Logger) AudioEngine

	Clock          lifecycle.Clock
	DefaultLang    string
	StopGrace      time.Duration
	WarmStreamTTL  time.Duration
	AutoResetDelay time.Duration
	ProcessTimeout time.Duration

	// AllowedOrigins lists accepted Origin headers. Empty accepts same-host only.
	AllowedOrigins []string

	Logger zerolog.Logger
}

// Server serves the recognition stream: one Recorder per WebSocket connection
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewServer creates a server
func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = lifecycle.RealClock{}
	}
	if cfg.DefaultLang == "" {
		cfg.DefaultLang = "en-US"
	}
	if cfg.NewDetector == nil {
		cfg.NewDetector = func(signals environment.Signals) environment.Detector {
			return environment.UserAgentDetector{Signals: signals}
		}
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "bridge").Logger(),
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if len(cfg.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return slices.Contains(cfg.AllowedOrigins, r.Header.Get("Origin"))
		}
	}
	return s
}

// ServeHTTP upgrades the request and runs the session until the tab disconnects
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := s.cfg.Logger.With().Str("correlation_id", correlationID).Logger()

	hello, err := readHello(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("Closing connection without hello")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected hello"),
			time.Now().Add(writeWait))
		return
	}

	sess := s.newSession(conn, hello, logger)
	if !s.track(sess) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ErrShuttingDown.Error()),
			time.Now().Add(writeWait))
		sess.close()
		return
	}
	defer s.untrack(sess)

	sess.logger.Info().
		Str("tier", string(sess.rec.Environment().Tier())).
		Bool("server_engine", sess.audioEngine != nil).
		Msg("Recognition stream connected")
	sess.run()
	sess.logger.Info().Msg("Recognition stream closed")
}

// Sessions returns the number of connected tabs
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every connection and waits for their sessions to end
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, sess := range s.sessions {
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		sess.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.rec.ID()] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.rec.ID())
	s.mu.Unlock()
	s.wg.Done()
}

func readHello(conn *websocket.Conn) (Message, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		return Message{}, fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Type != TypeHello || hello.Signals == nil {
		return Message{}, fmt.Errorf("expected %s message, got %q", TypeHello, hello.Type)
	}
	return hello, nil
}

// Session is one connected tab
type Session struct {
	conn        *websocket.Conn
	rec         *recorder.Recorder
	remote      *RemoteEngine
	audioEngine AudioEngine
	devices     *RemoteMediaDevices
	sampleRate  int
	logger      zerolog.Logger

	writeMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	actions chan string
	done    chan struct{}
}

func (s *Server) newSession(conn *websocket.Conn, hello Message, logger zerolog.Logger) *Session {
	profile := s.cfg.NewDetector(*hello.Signals).Detect()
	lang := hello.Lang
	if lang == "" {
		lang = s.cfg.DefaultLang
	}

	id := uuid.New().String()
	sessLogger := observability.WithSession(logger, id)

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		conn:       conn,
		sampleRate: hello.SampleRate,
		ctx:        ctx,
		cancel:     cancel,
		actions:    make(chan string, actionQueue),
		done:       make(chan struct{}),
	}
	sess.devices = NewRemoteMediaDevices(sess.send)

	var engine speech.Engine
	if s.cfg.NewEngine != nil {
		sess.audioEngine = s.cfg.NewEngine(id, sessLogger)
		engine = sess.audioEngine
	} else {
		sess.remote = NewRemoteEngine(sess.send)
		engine = sess.remote
	}

	sess.rec = recorder.New(recorder.Options{
		Profile:        profile,
		Engine:         engine,
		Devices:        sess.devices,
		Processor:      s.cfg.Processor,
		Store:          s.cfg.Store,
		Clock:          s.cfg.Clock,
		Logger:         logger,
		SessionID:      id,
		Lang:           lang,
		StopGrace:      s.cfg.StopGrace,
		WarmStreamTTL:  s.cfg.WarmStreamTTL,
		AutoResetDelay: s.cfg.AutoResetDelay,
		ProcessTimeout: s.cfg.ProcessTimeout,
	})
	sess.logger = sessLogger.With().Str("component", "bridge").Logger()

	sess.rec.Subscribe(recorder.Listener{
		OnState: func(prev, next recorder.State) {
			sess.send(Message{Type: TypeState, State: &next})
		},
		OnTranscript: func(transcript, interim string) {
			sess.send(Message{Type: TypeTranscript, Transcript: transcript, Interim: interim})
		},
		OnNotice: func(msg string) {
			sess.send(Message{Type: TypeNotice, Message: msg})
		},
	})
	go sess.processActions()
	return sess
}

func (s *Session) run() {
	profile := s.rec.Environment()
	state := s.rec.State()
	s.send(Message{Type: TypeEnvironment, Profile: &profile})
	s.send(Message{Type: TypeState, State: &state})

	s.processIncomingMessages()
	s.close()
}

// processIncomingMessages reads until the connection fails
func (s *Session) processIncomingMessages() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if mt == websocket.BinaryMessage {
			s.handleAudio(data)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client message")
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg Message) {
	if ev, ok := msg.engineEvent(); ok {
		if s.remote == nil {
			s.logger.Debug().Str("event", msg.Type).Msg("Ignoring tab engine event, server engine in use")
			return
		}
		s.remote.Deliver(ev)
		return
	}

	switch msg.Type {
	case TypeAction:
		select {
		case s.actions <- msg.Action:
		default:
			s.logger.Warn().Str("action", msg.Action).Msg("Action queue full, dropping action")
		}

	case TypeMedia:
		s.devices.Resolve(msg.ID, msg.Error)

	case TypeTrackEnded:
		s.logger.Info().Str("stream", msg.ID).Msg("Microphone track ended")
		s.devices.TrackEnded(msg.ID)

	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Unknown client message")
	}
}

func (s *Session) handleAudio(data []byte) {
	if s.audioEngine == nil {
		return
	}
	if err := s.audioEngine.SendAudio(data, s.sampleRate); err != nil {
		s.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Audio frame not forwarded")
	}
}

// processActions runs recorder actions in order, off the read loop, so
// engine events keep flowing while an action waits on them.
func (s *Session) processActions() {
	defer close(s.done)
	for action := range s.actions {
		s.runAction(action)
	}
}

func (s *Session) runAction(action string) {
	var err error
	switch action {
	case ActionStart:
		err = s.rec.StartRecording(s.ctx)
	case ActionStop:
		_, err = s.rec.StopRecording(s.ctx)
	case ActionCancel:
		err = s.rec.CancelRecording(s.ctx)
	case ActionReset:
		s.rec.Reset()
	case ActionResetTranscript:
		s.rec.ResetTranscript()
	case ActionConfirm:
		var rem reminders.Reminder
		rem, err = s.rec.Confirm(s.ctx)
		if err != nil {
			s.send(Message{Type: TypeNotice, Message: msgSaveFailed})
		} else {
			s.send(Message{Type: TypeReminder, Reminder: &rem})
		}
	default:
		s.logger.Warn().Str("action", action).Msg("Unknown action")
		return
	}

	if err != nil {
		s.logger.Debug().Err(err).Str("action", action).Msg("Action did not complete")
	}
}

// send writes one message. Safe for concurrent use.
func (s *Session) send(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// close tears the session down. Pending media requests fail first so an
// action blocked on the microphone can finish.
func (s *Session) close() {
	s.cancel()
	s.devices.Close()
	s.rec.Close()
	close(s.actions)
	<-s.done
	if s.audioEngine != nil {
		s.audioEngine.Close()
	}
}
