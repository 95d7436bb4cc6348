// Package recognition runs a speech engine as one continuous recording,
// restarting engine sessions as the platform ends, stalls or fails them.
package recognition

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/environment"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/lifecycle"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/observability"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/resilience"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/transcript"
)

var (
	// ErrAlreadyActive is returned by Start while a recording is in progress
	ErrAlreadyActive = errors.New("recognition already active")

	// ErrTornDown is returned by Start after Teardown
	ErrTornDown = errors.New("recognition controller torn down")

	// ErrStoppedDuringStart is returned by Start when Stop won the race
	ErrStoppedDuringStart = errors.New("recognition stopped while starting")
)

// State is the controller's engine-level state
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateRestarting State = "restarting"
	StateEnding     State = "ending"
)

const defaultEndTimeout = 2 * time.Second

// Restart reasons, used in logs, metrics and OnRecoveryStart
const (
	ReasonError      = "error"
	ReasonEnd        = "unexpected-end"
	ReasonStall      = "stall"
	ReasonNoResult   = "no-result"
	ReasonRefresh    = "refresh"
	ReasonDiagnostic = "diagnostic"
)

// AudioResources is the microphone stream the controller keeps alive
type AudioResources interface {
	EnsureActiveStream(ctx context.Context) (bool, error)
	Release()
	ReleaseAfter(d time.Duration)
}

// Update is the transcript after an accepted result
type Update struct {
	Transcript string // accumulated + final
	Interim    string
}

// Hooks are invoked outside the controller's lock. Any of them may be nil.
type Hooks struct {
	OnTranscript       func(Update)
	OnRecoveryStart    func(reason string)
	OnRecoveryComplete func()
	OnError            func(*speech.Error)
	OnNotice           func(message string)

	// OnAutoStop is called when the recording hits its duration ceiling.
	// The owner is expected to stop the recording; when nil the controller
	// stops itself.
	OnAutoStop func()
}

// Options configure a Controller
type Options struct {
	Profile environment.Profile
	Engine  speech.Engine
	Audio   AudioResources
	Clock   lifecycle.Clock
	Logger  zerolog.Logger
	Hooks   Hooks

	Lang string

	// StopGrace is how long a manual stop waits for the engine's final
	// results and end event. Zero means don't wait.
	StopGrace time.Duration

	// WarmStreamTTL is how long the microphone is kept after a stop on
	// platforms that don't release it immediately.
	WarmStreamTTL time.Duration

	// EndTimeout bounds the wait for end after a stop or abort issued for
	// a restart.
	EndTimeout time.Duration
}

type restartPlan struct {
	delay    time.Duration
	reason   string
	recovery bool
	abort    bool // results from the ending session are dropped
}

// Controller owns one engine and its subscription for the lifetime of a
// recorder. All decisions are made under mu; engine, audio and hook calls
// happen after it is released.
type Controller struct {
	profile    environment.Profile
	engine     speech.Engine
	audio      AudioResources
	hooks      Hooks
	logger     zerolog.Logger
	tracker    *lifecycle.Tracker
	acc        *transcript.Accumulator
	stopGrace  time.Duration
	warmTTL    time.Duration
	endTimeout time.Duration

	mu              sync.Mutex
	state           State
	manualStop      bool
	gen             uint64
	attempts        int
	settings        speech.Settings
	diagnosed       bool
	recovering      bool
	engineRunning   bool
	pending         *restartPlan
	ended           chan struct{}
	unsubscribe     func()
	lastEvent       time.Time
	sessionActivity bool
	sessionResults  int
	totalResults    int

	cancelStart     lifecycle.CancelFunc
	cancelEndWait   lifecycle.CancelFunc
	cancelKeepAlive lifecycle.CancelFunc
	cancelAutoStop  lifecycle.CancelFunc
	cancelDiag      lifecycle.CancelFunc
	cancelRefresh   lifecycle.CancelFunc
	cancelNoResult  lifecycle.CancelFunc
}

// New creates a stopped controller
func New(opts Options) *Controller {
	endTimeout := opts.EndTimeout
	if endTimeout <= 0 {
		endTimeout = defaultEndTimeout
	}
	lang := opts.Lang
	if lang == "" {
		lang = "en-US"
	}
	cfg := opts.Profile.Config
	return &Controller{
		profile:    opts.Profile,
		engine:     opts.Engine,
		audio:      opts.Audio,
		hooks:      opts.Hooks,
		logger:     opts.Logger.With().Str("component", "recognition").Str("tier", string(opts.Profile.Tier())).Logger(),
		tracker:    lifecycle.NewTracker(opts.Clock),
		acc:        transcript.NewAccumulator(),
		stopGrace:  opts.StopGrace,
		warmTTL:    opts.WarmStreamTTL,
		endTimeout: endTimeout,
		state:      StateStopped,
		manualStop: true,
		settings: speech.Settings{
			Continuous:      cfg.Continuous,
			InterimResults:  cfg.InterimResults,
			MaxAlternatives: cfg.MaxAlternatives,
			Lang:            lang,
		},
	}
}

// Start begins a recording: it makes sure the microphone is available,
// resets the transcript, subscribes to the engine and starts it after the
// platform's restart delay. Start returns once the engine start is
// scheduled; a microphone failure is returned as a *speech.Error.
func (c *Controller) Start(ctx context.Context) error {
	if !c.tracker.Mounted() {
		return ErrTornDown
	}

	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.state = StateStarting
	c.manualStop = false
	c.attempts = 0
	c.totalResults = 0
	c.diagnosed = false
	c.recovering = false
	c.pending = nil
	c.settings.Continuous = c.profile.Config.Continuous
	c.gen++
	g := c.gen
	c.mu.Unlock()

	if _, err := c.audio.EnsureActiveStream(ctx); err != nil {
		c.mu.Lock()
		current := c.gen == g
		if current {
			c.state = StateStopped
			c.manualStop = true
		}
		c.mu.Unlock()
		if !current {
			return ErrStoppedDuringStart
		}
		c.logger.Warn().Err(err).Msg("Microphone unavailable, recording not started")
		return err
	}

	c.acc.Reset()
	unsubscribe := c.engine.Subscribe(c.handleEvent)

	c.mu.Lock()
	if c.gen != g || c.manualStop {
		c.mu.Unlock()
		unsubscribe()
		// The stream arrived after Stop or Teardown released audio.
		if c.tracker.Mounted() {
			c.releaseAudio()
		} else {
			c.audio.Release()
		}
		return ErrStoppedDuringStart
	}
	c.unsubscribe = unsubscribe
	cfg := c.profile.Config
	if cfg.KeepAliveInterval > 0 {
		c.cancelKeepAlive = c.tracker.Every(cfg.KeepAliveInterval, c.checkStall)
	}
	if cfg.AutoStopAfter > 0 {
		c.cancelAutoStop = c.tracker.AfterFunc(cfg.AutoStopAfter, c.autoStop)
	}
	if cfg.DiagnosticTimeout > 0 {
		c.cancelDiag = c.tracker.AfterFunc(cfg.DiagnosticTimeout, c.diagnose)
	}
	c.scheduleStartLocked(restartPlan{delay: cfg.RestartDelay, reason: "start"})
	continuous := c.settings.Continuous
	c.mu.Unlock()

	c.logger.Info().
		Bool("continuous", continuous).
		Dur("restart_delay", cfg.RestartDelay).
		Dur("max_session", cfg.MaxSessionDuration).
		Msg("Recording started")
	return nil
}

// Stop ends the recording. With manual=true no timer or event restarts the
// engine afterwards; the engine is stopped gracefully, trailing results
// are accepted until it reports end or StopGrace elapses, and the
// microphone is released (immediately on iOS, after the warm TTL
// elsewhere). With manual=false the current engine session is refreshed:
// stopped gracefully and restarted with its transcript carried over.
func (c *Controller) Stop(ctx context.Context, manual bool) error {
	if !manual {
		c.refresh(0, false)
		return nil
	}

	c.mu.Lock()
	if c.state == StateStopped {
		c.manualStop = true
		c.mu.Unlock()
		return nil
	}
	c.manualStop = true
	c.pending = nil
	c.recovering = false
	c.cancelAllLocked()
	running := c.engineRunning
	var ended chan struct{}
	if running {
		ended = make(chan struct{})
		c.ended = ended
	}
	c.state = StateEnding
	c.mu.Unlock()

	if running {
		c.engine.Stop()
		c.awaitEnd(ctx, ended)
	}

	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.ended = nil
	c.engineRunning = false
	c.state = StateStopped
	c.gen++
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.releaseAudio()

	c.logger.Info().Msg("Recording stopped")
	return nil
}

// Teardown unmounts the controller: every pending timer is cancelled, the
// engine is aborted and the microphone released. Later callbacks are no-ops.
func (c *Controller) Teardown() {
	c.tracker.Teardown()

	c.mu.Lock()
	c.manualStop = true
	c.pending = nil
	c.cancelAllLocked()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	wasStopped := c.state == StateStopped
	c.engineRunning = false
	c.state = StateStopped
	c.gen++
	if c.ended != nil {
		close(c.ended)
		c.ended = nil
	}
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if !wasStopped {
		c.engine.Abort()
	}
	c.audio.Release()
}

// CompleteTranscript returns the recording's full transcript and clears
// the part carried across restarts. Call it once per stop.
func (c *Controller) CompleteTranscript() string {
	return c.acc.CompleteTranscript()
}

// Transcript returns the full transcript without clearing anything
func (c *Controller) Transcript() string {
	return c.acc.Transcript()
}

// Interim returns the current interim text
func (c *Controller) Interim() string {
	return c.acc.Interim()
}

// ResetTranscript clears the transcript of the current recording
func (c *Controller) ResetTranscript() {
	c.acc.Reset()
	if c.hooks.OnTranscript != nil {
		c.tracker.Guard(func() { c.hooks.OnTranscript(Update{}) })
	}
}

// State returns the controller state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the retries spent in the current recording
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Settings returns the engine settings applied on the next start
func (c *Controller) Settings() speech.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Profile returns the environment the controller was built for
func (c *Controller) Profile() environment.Profile {
	return c.profile
}

func (c *Controller) handleEvent(ev speech.Event) {
	if !c.tracker.Mounted() {
		return
	}

	if ev.Type == speech.EventResult {
		c.handleResult(ev)
		return
	}

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.lastEvent = c.tracker.Now()

	var effects []func()
	switch ev.Type {
	case speech.EventAudioStart, speech.EventSpeechStart:
		c.sessionActivity = true

	case speech.EventError:
		effects = c.onErrorLocked(ev)

	case speech.EventEnd:
		effects = c.onEndLocked()
	}
	c.mu.Unlock()

	run(effects)
}

func (c *Controller) handleResult(ev speech.Event) {
	if ev.Result == nil {
		return
	}

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.lastEvent = c.tracker.Now()
	if c.pending != nil && c.pending.abort {
		c.mu.Unlock()
		c.logger.Debug().Msg("Dropping result from aborted engine session")
		return
	}
	c.mu.Unlock()

	_, ok := c.acc.ProcessResult(*ev.Result)
	if !ok {
		return
	}
	observability.RecordResult(hasFinal(*ev.Result))

	c.mu.Lock()
	c.sessionActivity = true
	c.sessionResults++
	c.totalResults++
	c.attempts = 0
	cancel(&c.cancelNoResult)
	c.mu.Unlock()

	if c.hooks.OnTranscript != nil {
		c.hooks.OnTranscript(Update{Transcript: c.acc.Transcript(), Interim: c.acc.Interim()})
	}
}

func (c *Controller) onErrorLocked(ev speech.Event) []func() {
	observability.RecordEngineError(string(ev.Code))

	// Errors after a stop or abort we issued ourselves ("aborted" in
	// particular) are expected.
	if c.manualStop || c.pending != nil {
		c.logger.Debug().Str("code", string(ev.Code)).Msg("Ignoring engine error during shutdown")
		return nil
	}

	action := resilience.Decide(ev.Code, c.profile, c.attempts)
	c.logger.Warn().
		Str("code", string(ev.Code)).
		Str("message", ev.Message).
		Int("attempt", c.attempts).
		Str("action", action.String()).
		Msg("Engine error")
	return c.executeLocked(action, ev.Code, ReasonError, true)
}

func (c *Controller) onEndLocked() []func() {
	c.engineRunning = false
	c.acc.ClearInterim()

	if c.manualStop {
		if c.ended != nil {
			close(c.ended)
			c.ended = nil
		}
		return nil
	}

	if plan := c.pending; plan != nil {
		c.pending = nil
		cancel(&c.cancelEndWait)
		c.scheduleStartLocked(*plan)
		return nil
	}

	if c.state != StateActive {
		return nil
	}

	counted := !c.sessionActivity
	action := resilience.DecideEnd(c.profile, c.attempts, counted)
	c.logger.Info().
		Bool("counted", counted).
		Int("attempt", c.attempts).
		Str("action", action.String()).
		Msg("Engine session ended unexpectedly")
	return c.executeLocked(action, "", ReasonEnd, counted)
}

// executeLocked carries out a policy decision and returns the side effects
// to run once the lock is released.
func (c *Controller) executeLocked(action resilience.Action, code speech.ErrorCode, reason string, counted bool) []func() {
	observability.RecordRecoveryAction(string(action.Kind), string(c.profile.Tier()))

	switch action.Kind {
	case resilience.ActionIgnore:
		if action.Notice != "" && c.hooks.OnNotice != nil {
			notice := action.Notice
			return []func(){func() { c.hooks.OnNotice(notice) }}
		}
		return nil

	case resilience.ActionTerminal:
		return c.failLocked(action.Error(code))

	default:
		if counted {
			c.attempts++
		}
		plan := restartPlan{delay: action.Delay, reason: reason, recovery: true}
		return c.restartLocked(plan, action.Kind == resilience.ActionForceRestart)
	}
}

// restartLocked ends the current engine session and schedules the next one.
// If the engine is still running it is stopped (or aborted) first and the
// restart waits for its end event.
func (c *Controller) restartLocked(plan restartPlan, abort bool) []func() {
	var effects []func()
	if plan.recovery && !c.recovering {
		c.recovering = true
		if c.hooks.OnRecoveryStart != nil {
			reason := plan.reason
			effects = append(effects, func() { c.hooks.OnRecoveryStart(reason) })
		}
	}

	c.acc.AccumulateAcrossRestart()
	c.cancelSessionTimersLocked()
	c.state = StateRestarting

	if !c.engineRunning {
		c.scheduleStartLocked(plan)
		return effects
	}

	plan.abort = abort
	c.pending = &plan
	g := c.gen
	c.cancelEndWait = c.tracker.AfterFunc(c.endTimeout, func() { c.endTimedOut(g) })
	if abort {
		effects = append(effects, c.engine.Abort)
	} else {
		effects = append(effects, c.engine.Stop)
	}
	return effects
}

func (c *Controller) endTimedOut(g uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != g || c.pending == nil || c.manualStop {
		return
	}
	c.logger.Warn().Dur("timeout", c.endTimeout).Msg("Engine did not report end, restarting anyway")
	plan := *c.pending
	c.pending = nil
	c.engineRunning = false
	c.cancelEndWait = nil
	c.scheduleStartLocked(plan)
}

func (c *Controller) scheduleStartLocked(plan restartPlan) {
	cancel(&c.cancelStart)
	c.gen++
	g := c.gen
	if plan.reason != "start" {
		observability.RecordEngineRestart(plan.reason)
	}
	c.cancelStart = c.tracker.AfterFunc(plan.delay, func() { c.startEngine(g, plan) })
}

func (c *Controller) startEngine(g uint64, plan restartPlan) {
	c.mu.Lock()
	if c.gen != g || c.manualStop {
		c.mu.Unlock()
		return
	}
	c.cancelStart = nil
	settings := c.settings
	c.mu.Unlock()

	if _, err := c.audio.EnsureActiveStream(context.Background()); err != nil {
		c.mu.Lock()
		if c.gen != g || c.manualStop {
			c.mu.Unlock()
			return
		}
		effects := c.failLocked(asSpeechError(err))
		c.mu.Unlock()
		run(effects)
		return
	}

	c.engine.Configure(settings)
	err := c.engine.Start()

	c.mu.Lock()
	if c.gen != g || c.manualStop {
		// Stopped while the engine was starting; it was never seen as running.
		c.mu.Unlock()
		if err == nil {
			c.engine.Abort()
		}
		return
	}

	var effects []func()
	if err != nil {
		code := speech.CodeAborted
		var se *speech.Error
		if errors.As(err, &se) && se.Code != "" {
			code = se.Code
		}
		action := resilience.Decide(code, c.profile, c.attempts)
		c.logger.Warn().Err(err).Str("action", action.String()).Msg("Engine failed to start")
		effects = c.executeLocked(action, code, ReasonError, true)
		c.mu.Unlock()
		run(effects)
		return
	}

	c.engineRunning = true
	c.state = StateActive
	c.lastEvent = c.tracker.Now()
	c.sessionActivity = false
	c.sessionResults = 0

	cfg := c.profile.Config
	if cfg.MaxSessionDuration > 0 && cfg.MaxSessionDuration < cfg.AutoStopAfter {
		c.cancelRefresh = c.tracker.AfterFunc(cfg.MaxSessionDuration, func() { c.refresh(g, true) })
	}
	if cfg.NoResultTimeout > 0 {
		c.cancelNoResult = c.tracker.AfterFunc(cfg.NoResultTimeout, func() { c.noResult(g) })
	}

	if c.recovering {
		c.recovering = false
		if c.hooks.OnRecoveryComplete != nil {
			effects = append(effects, c.hooks.OnRecoveryComplete)
		}
	}
	c.mu.Unlock()

	c.logger.Debug().Str("reason", plan.reason).Bool("continuous", settings.Continuous).Msg("Engine session started")
	run(effects)
}

// refresh proactively ends the engine session before the platform kills
// it. When checkGen is set, g must still be the current session.
func (c *Controller) refresh(g uint64, checkGen bool) {
	c.mu.Lock()
	if (checkGen && c.gen != g) || c.manualStop || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.logger.Debug().Msg("Refreshing engine session")
	effects := c.restartLocked(restartPlan{delay: c.profile.Config.RestartDelay, reason: ReasonRefresh}, false)
	c.mu.Unlock()
	run(effects)
}

func (c *Controller) noResult(g uint64) {
	c.mu.Lock()
	if c.gen != g || c.manualStop || c.state != StateActive || c.sessionResults > 0 {
		c.mu.Unlock()
		return
	}
	action := resilience.DecideStall(c.profile, c.attempts)
	c.logger.Warn().Int("attempt", c.attempts).Str("action", action.String()).Msg("No results from engine session")
	effects := c.executeLocked(action, "", ReasonNoResult, true)
	c.mu.Unlock()
	run(effects)
}

func (c *Controller) checkStall() {
	c.mu.Lock()
	if c.manualStop || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	silent := c.tracker.Now().Sub(c.lastEvent)
	if silent <= c.profile.Config.StallThreshold {
		c.mu.Unlock()
		return
	}
	action := resilience.DecideStall(c.profile, c.attempts)
	c.logger.Warn().Dur("silent_for", silent).Int("attempt", c.attempts).Str("action", action.String()).Msg("Engine session stalled")
	effects := c.executeLocked(action, "", ReasonStall, true)
	c.mu.Unlock()
	run(effects)
}

// diagnose flips continuous mode and restarts once if a recording has
// produced nothing at all.
func (c *Controller) diagnose() {
	c.mu.Lock()
	if c.manualStop || c.diagnosed || c.totalResults > 0 || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.diagnosed = true
	c.settings.Continuous = !c.settings.Continuous
	c.logger.Warn().Bool("continuous", c.settings.Continuous).Msg("No results yet, restarting with flipped continuous mode")
	effects := c.restartLocked(restartPlan{delay: c.profile.Config.RestartDelay, reason: ReasonDiagnostic, recovery: true}, true)
	c.mu.Unlock()
	run(effects)
}

func (c *Controller) autoStop() {
	c.mu.Lock()
	stopped := c.manualStop
	c.mu.Unlock()
	if stopped {
		return
	}

	c.logger.Info().Dur("after", c.profile.Config.AutoStopAfter).Msg("Recording reached its duration limit")
	if c.hooks.OnAutoStop != nil {
		c.hooks.OnAutoStop()
		return
	}
	go c.Stop(context.Background(), true)
}

// failLocked reports a terminal failure and leaves the controller stopped
func (c *Controller) failLocked(err *speech.Error) []func() {
	c.manualStop = true
	c.pending = nil
	c.recovering = false
	c.cancelAllLocked()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.engineRunning = false
	c.state = StateStopped
	c.gen++

	c.logger.Error().Str("kind", string(err.Kind)).Str("code", string(err.Code)).Msg(err.Message)

	effects := []func(){c.engine.Abort, c.audio.Release}
	if unsubscribe != nil {
		effects = append(effects, unsubscribe)
	}
	if c.hooks.OnError != nil {
		effects = append(effects, func() { c.hooks.OnError(err) })
	}
	return effects
}

func (c *Controller) awaitEnd(ctx context.Context, ended chan struct{}) {
	if c.stopGrace <= 0 || !c.tracker.Mounted() {
		return
	}
	grace := make(chan struct{})
	cancelGrace := c.tracker.AfterFunc(c.stopGrace, func() { close(grace) })
	defer cancelGrace()

	select {
	case <-ended:
	case <-grace:
		c.logger.Debug().Dur("grace", c.stopGrace).Msg("Engine did not end within the stop grace period")
	case <-ctx.Done():
	}
}

func (c *Controller) releaseAudio() {
	if c.profile.Config.ReleaseAudioOnStop {
		c.audio.Release()
		return
	}
	c.audio.ReleaseAfter(c.warmTTL)
}

func (c *Controller) cancelSessionTimersLocked() {
	cancel(&c.cancelRefresh)
	cancel(&c.cancelNoResult)
}

func (c *Controller) cancelAllLocked() {
	c.cancelSessionTimersLocked()
	cancel(&c.cancelStart)
	cancel(&c.cancelEndWait)
	cancel(&c.cancelKeepAlive)
	cancel(&c.cancelAutoStop)
	cancel(&c.cancelDiag)
}

func cancel(f *lifecycle.CancelFunc) {
	if *f != nil {
		(*f)()
		*f = nil
	}
}

func run(effects []func()) {
	for _, f := range effects {
		f()
	}
}

func hasFinal(ev speech.ResultEvent) bool {
	for i := ev.ResultIndex; i >= 0 && i < len(ev.Results); i++ {
		if ev.Results[i].IsFinal {
			return true
		}
	}
	return false
}

func asSpeechError(err error) *speech.Error {
	var se *speech.Error
	if errors.As(err, &se) {
		return se
	}
	return speech.NewError(speech.KindNoAudioDevice, "No microphone was found", err)
}
