package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/audio"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/environment"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/extraction"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/lifecycle"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/observability"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/recognition"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/reminders"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

var (
	// ErrNotIdle is returned by StartRecording outside the idle state
	ErrNotIdle = errors.New("recorder is not idle")

	// ErrNotRecording is returned by StopRecording when nothing is being recorded
	ErrNotRecording = errors.New("recorder is not recording")

	// ErrNotConfirming is returned by Confirm when there is no reminder to save
	ErrNotConfirming = errors.New("recorder has no reminder to confirm")

	// ErrNoStore is returned by Confirm when the recorder has no reminder store
	ErrNoStore = errors.New("no reminder store configured")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("recorder closed")
)

const (
	msgNothingHeard     = "No speech was detected. Please try again."
	msgProcessingFailed = "Couldn't create a reminder from that. Please try again."

	defaultProcessTimeout = 10 * time.Second
)

// Listener receives recorder output. Any field may be nil.
type Listener struct {
	OnState      func(prev, next State)
	OnTranscript func(transcript, interim string)
	OnNotice     func(message string)
}

// Options configure a Recorder
type Options struct {
	Profile   environment.Profile
	Engine    speech.Engine
	Devices   audio.MediaDevices
	Processor extraction.Processor
	Store     reminders.Store // optional; required by Confirm
	Clock     lifecycle.Clock
	Logger    zerolog.Logger

	SessionID      string
	Lang           string
	StopGrace      time.Duration
	WarmStreamTTL  time.Duration
	AutoResetDelay time.Duration
	ProcessTimeout time.Duration
}

// Recorder ties one client's recognition controller to the recorder state
// machine. StartRecording, StopRecording and CancelRecording are
// serialized; everything else may be called at any time.
type Recorder struct {
	id             string
	profile        environment.Profile
	machine        *Machine
	controller     *recognition.Controller
	audio          *audio.Manager
	processor      extraction.Processor
	store          reminders.Store
	logger         zerolog.Logger
	metrics        *observability.Metrics
	processTimeout time.Duration

	opMu sync.Mutex
	wg   sync.WaitGroup

	mu         sync.Mutex
	transcript string
	interim    string
	listeners  map[int]Listener
	nextID     int
	closed     bool
}

// New creates an idle recorder
func New(opts Options) *Recorder {
	id := opts.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	processTimeout := opts.ProcessTimeout
	if processTimeout <= 0 {
		processTimeout = defaultProcessTimeout
	}
	logger := opts.Logger.With().Str("session_id", id).Logger()

	r := &Recorder{
		id:             id,
		profile:        opts.Profile,
		machine:        NewMachine(opts.Clock, opts.AutoResetDelay, logger),
		audio:          audio.NewManager(opts.Devices, opts.Clock, logger),
		processor:      opts.Processor,
		store:          opts.Store,
		logger:         logger.With().Str("component", "recorder").Logger(),
		metrics:        observability.NewSessionMetrics(id),
		processTimeout: processTimeout,
		listeners:      make(map[int]Listener),
	}

	r.controller = recognition.New(recognition.Options{
		Profile:       opts.Profile,
		Engine:        opts.Engine,
		Audio:         r.audio,
		Clock:         opts.Clock,
		Logger:        logger,
		Lang:          opts.Lang,
		StopGrace:     opts.StopGrace,
		WarmStreamTTL: opts.WarmStreamTTL,
		Hooks: recognition.Hooks{
			OnTranscript:       r.onTranscript,
			OnRecoveryStart:    r.onRecoveryStart,
			OnRecoveryComplete: r.onRecoveryComplete,
			OnError:            r.onError,
			OnNotice:           r.onNotice,
			OnAutoStop:         r.onAutoStop,
		},
	})

	r.machine.Subscribe(func(prev, next State, ev Event) {
		r.metrics.RecordStateTransition(string(prev.Status), string(next.Status))
		for _, l := range r.snapshotListeners() {
			if l.OnState != nil {
				l.OnState(prev, next)
			}
		}
	})
	r.metrics.RecordSessionStart()

	return r
}

// ID returns the recorder's session id
func (r *Recorder) ID() string {
	return r.id
}

// StartRecording requests the microphone and starts recognition. A
// microphone failure moves the recorder to the error state and is returned.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.isClosed() {
		return ErrClosed
	}
	if _, ok := r.machine.Send(Event{Type: EventStartRecording}); !ok {
		return ErrNotIdle
	}
	r.setTranscript("", "")

	if err := r.controller.Start(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to start recording")
		r.metrics.RecordError(string(speech.KindOf(err)), "recorder")
		r.machine.Send(Event{Type: EventPermissionDenied, Message: permissionMessage(err)})
		return err
	}

	r.machine.Send(Event{Type: EventPermissionGranted})
	r.logger.Info().Str("tier", string(r.profile.Tier())).Msg("Recording")
	return nil
}

// StopRecording stops recognition, reads the complete transcript once and
// runs extraction on it. The returned state is confirming on success and
// error otherwise.
func (r *Recorder) StopRecording(ctx context.Context) (State, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if !r.machine.State().Status.IsCapturing() {
		return r.machine.State(), ErrNotRecording
	}

	if err := r.controller.Stop(ctx, true); err != nil {
		r.logger.Warn().Err(err).Msg("Recognition did not stop cleanly")
	}
	text := r.controller.CompleteTranscript()
	r.setTranscript(text, "")

	if _, ok := r.machine.Send(Event{Type: EventStopRecording, Transcript: text}); !ok {
		// An engine failure got there first.
		return r.machine.State(), ErrNotRecording
	}

	return r.process(ctx, text)
}

func (r *Recorder) process(ctx context.Context, text string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, r.processTimeout)
	defer cancel()

	r.metrics.RecordProcessingStart()
	res, err := r.processor.Process(ctx, text)
	r.metrics.RecordProcessingEnd(err == nil)

	if err != nil {
		msg := msgProcessingFailed
		if errors.Is(err, extraction.ErrEmptyTranscript) {
			msg = msgNothingHeard
		}
		r.logger.Warn().Err(err).Int("transcript_length", len(text)).Msg("Reminder extraction failed")
		r.metrics.RecordError(string(speech.KindProcessingFailure), "extraction")
		st, _ := r.machine.Send(Event{Type: EventProcessingError, Message: msg})
		return st, speech.NewError(speech.KindProcessingFailure, msg, err)
	}

	r.logger.Info().
		Float64("confidence", res.Confidence).
		Strs("entities", res.DetectedEntities).
		Msg("Reminder extracted")
	st, _ := r.machine.Send(Event{Type: EventProcessingComplete, Result: &res})
	return st, nil
}

// CancelRecording abandons the current recording without processing it
func (r *Recorder) CancelRecording(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	st := r.machine.State().Status
	if st != StatusRequestingPermission && !st.IsCapturing() {
		return nil
	}
	if err := r.controller.Stop(ctx, true); err != nil {
		return err
	}
	r.controller.ResetTranscript()
	r.machine.Send(Event{Type: EventCancelRecording})
	return nil
}

// ResetTranscript clears the transcript of the current recording
func (r *Recorder) ResetTranscript() {
	r.controller.ResetTranscript()
}

// Reset returns to idle from confirming or error
func (r *Recorder) Reset() State {
	st, _ := r.machine.Send(Event{Type: EventReset})
	return st
}

// Confirm saves the reminder awaiting confirmation and returns to idle
func (r *Recorder) Confirm(ctx context.Context) (reminders.Reminder, error) {
	st := r.machine.State()
	if st.Status != StatusConfirming || st.Result == nil {
		return reminders.Reminder{}, ErrNotConfirming
	}
	if r.store == nil {
		return reminders.Reminder{}, ErrNoStore
	}

	rem, err := r.store.Create(ctx, reminders.FromExtraction(*st.Result, st.Transcript))
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to save reminder")
		return reminders.Reminder{}, err
	}
	r.machine.Send(Event{Type: EventReset})
	r.logger.Info().Str("reminder_id", rem.ID).Msg("Reminder saved")
	return rem, nil
}

// State returns the recorder state
func (r *Recorder) State() State {
	return r.machine.State()
}

// Transcript returns the latest transcript, including text carried across
// engine restarts
func (r *Recorder) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript
}

// InterimTranscript returns the current interim text
func (r *Recorder) InterimTranscript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interim
}

// Environment returns the client profile the recorder adapts to
func (r *Recorder) Environment() environment.Profile {
	return r.profile
}

// Subscribe registers a listener and returns its unsubscribe function
func (r *Recorder) Subscribe(l Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Close tears down recognition, releases the microphone and waits for an
// in-flight auto-stop to finish.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.controller.Teardown()
	r.wg.Wait()
	r.machine.Close()
	r.metrics.RecordSessionEnd()
	r.logger.Debug().Msg("Recorder closed")
}

func (r *Recorder) onTranscript(u recognition.Update) {
	r.setTranscript(u.Transcript, u.Interim)
}

func (r *Recorder) onRecoveryStart(reason string) {
	r.logger.Info().Str("reason", reason).Msg("Reconnecting speech recognition")
	r.machine.Send(Event{Type: EventRecoveryStarted})
}

func (r *Recorder) onRecoveryComplete() {
	r.machine.Send(Event{Type: EventRecoveryCompleted})
}

func (r *Recorder) onError(err *speech.Error) {
	r.metrics.RecordError(string(err.Kind), "recognition")
	if r.machine.State().Status == StatusRequestingPermission {
		r.machine.Send(Event{Type: EventPermissionDenied, Message: permissionMessage(err)})
		return
	}
	r.machine.Send(Event{Type: EventRecognitionError, Message: err.Message})
}

func (r *Recorder) onNotice(msg string) {
	for _, l := range r.snapshotListeners() {
		if l.OnNotice != nil {
			l.OnNotice(msg)
		}
	}
}

func (r *Recorder) onAutoStop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if _, err := r.StopRecording(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
			r.logger.Warn().Err(err).Msg("Auto-stop did not produce a reminder")
		}
	}()
}

func (r *Recorder) setTranscript(transcript, interim string) {
	r.mu.Lock()
	r.transcript = transcript
	r.interim = interim
	r.mu.Unlock()

	for _, l := range r.snapshotListeners() {
		if l.OnTranscript != nil {
			l.OnTranscript(transcript, interim)
		}
	}
}

func (r *Recorder) snapshotListeners() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Listener, 0, len(r.listeners))
	for id := 0; id < r.nextID; id++ {
		if l, ok := r.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (r *Recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// permissionMessage returns the PERMISSION_DENIED message for err. A plain
// denial uses the state machine's default text.
func permissionMessage(err error) string {
	if speech.KindOf(err) == speech.KindPermissionDenied {
		return ""
	}
	return speech.UserMessage(err)
}
