package recognition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/audio"
	audiomock "github.com/MangoMatcha08/tempo-app-sub000/internal/audio/mock"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/environment"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/lifecycle"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech/mock"
)

const (
	uaDesktop = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	uaIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
)

func desktopProfile() environment.Profile {
	return environment.Detect(environment.Signals{UserAgent: uaDesktop})
}

func iosPWAProfile() environment.Profile {
	return environment.Detect(environment.Signals{UserAgent: uaIPhone, DisplayModeStandalone: true})
}

// quiet disables the watchdogs so a test can drive one of them in isolation
func quiet(p environment.Profile) environment.Profile {
	p.Config.KeepAliveInterval = 0
	p.Config.NoResultTimeout = 0
	p.Config.DiagnosticTimeout = 0
	p.Config.AutoStopAfter = 0
	return p
}

type hookLog struct {
	mu                sync.Mutex
	recoveryStarts    []string
	recoveryCompletes int
	errors            []*speech.Error
	notices           []string
	autoStops         int
	updates           []Update
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnTranscript: func(u Update) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.updates = append(h.updates, u)
		},
		OnRecoveryStart: func(reason string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.recoveryStarts = append(h.recoveryStarts, reason)
		},
		OnRecoveryComplete: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.recoveryCompletes++
		},
		OnError: func(err *speech.Error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errors = append(h.errors, err)
		},
		OnNotice: func(msg string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notices = append(h.notices, msg)
		},
		OnAutoStop: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.autoStops++
		},
	}
}

type harness struct {
	c       *Controller
	engine  *mock.Engine
	devices *audiomock.Devices
	audio   *audio.Manager
	clock   *lifecycle.ManualClock
	log     *hookLog
}

func newHarness(profile environment.Profile, stopGrace time.Duration) *harness {
	clock := lifecycle.NewManualClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	devices := audiomock.NewDevices()
	manager := audio.NewManager(devices, clock, zerolog.Nop())
	engine := mock.NewEngine()
	log := &hookLog{}

	c := New(Options{
		Profile:       profile,
		Engine:        engine,
		Audio:         manager,
		Clock:         clock,
		Logger:        zerolog.Nop(),
		Hooks:         log.hooks(),
		StopGrace:     stopGrace,
		WarmStreamTTL: 10 * time.Second,
		EndTimeout:    2 * time.Second,
	})
	return &harness{c: c, engine: engine, devices: devices, audio: manager, clock: clock, log: log}
}

// startActive starts a recording and advances past the restart delay
func (h *harness) startActive(t *testing.T) {
	t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.clock.Advance(h.c.Profile().Config.RestartDelay)
	if h.c.State() != StateActive {
		t.Fatalf("Expected active after restart delay, got %s", h.c.State())
	}
}

func TestController_StartWaitsForRestartDelay(t *testing.T) {
	h := newHarness(desktopProfile(), 0)

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.c.State() != StateStarting {
		t.Errorf("Expected starting, got %s", h.c.State())
	}

	h.clock.Advance(99 * time.Millisecond)
	if start, _, _ := h.engine.Calls(); start != 0 {
		t.Fatal("Expected engine not started before the restart delay")
	}
	h.clock.Advance(time.Millisecond)
	if start, _, _ := h.engine.Calls(); start != 1 {
		t.Fatalf("Expected engine started once, got %d", start)
	}

	settings := h.engine.LastSettings()
	if !settings.Continuous || !settings.InterimResults || settings.MaxAlternatives != 1 || settings.Lang != "en-US" {
		t.Errorf("Unexpected engine settings: %+v", settings)
	}
	if h.devices.Calls() != 1 {
		t.Errorf("Expected one microphone request, got %d", h.devices.Calls())
	}
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Expected ErrAlreadyActive, got %v", err)
	}
}

func TestController_StartPermissionDenied(t *testing.T) {
	h := newHarness(desktopProfile(), 0)
	h.devices.Err = audio.ErrPermissionDenied

	err := h.c.Start(context.Background())
	if speech.KindOf(err) != speech.KindPermissionDenied {
		t.Fatalf("Expected permission denied, got %v", err)
	}
	if h.c.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", h.c.State())
	}
	h.clock.Advance(time.Minute)
	if start, _, _ := h.engine.Calls(); start != 0 {
		t.Error("Expected engine never started")
	}
}

func TestController_CrossRestartContinuity(t *testing.T) {
	h := newHarness(quiet(desktopProfile()), 0)
	h.startActive(t)

	h.engine.EmitFinal(0, "buy milk")
	h.engine.EmitInterim(1, "and")
	h.engine.EmitEnd() // platform ended the session on its own

	if h.c.State() != StateRestarting {
		t.Fatalf("Expected restarting after unexpected end, got %s", h.c.State())
	}
	h.clock.Advance(100 * time.Millisecond)
	if start, _, _ := h.engine.Calls(); start != 2 {
		t.Fatalf("Expected engine restarted, got %d starts", start)
	}

	h.engine.EmitFinal(0, "and eggs")

	if got := h.c.CompleteTranscript(); got != "buy milk and eggs" {
		t.Errorf("Expected no words lost across the restart, got %q", got)
	}
	if h.c.Attempts() != 0 {
		t.Errorf("Expected an end after activity not to count, got %d attempts", h.c.Attempts())
	}
	if len(h.log.recoveryStarts) != 1 || h.log.recoveryStarts[0] != ReasonEnd || h.log.recoveryCompletes != 1 {
		t.Errorf("Expected one recovery cycle, got starts=%v completes=%d", h.log.recoveryStarts, h.log.recoveryCompletes)
	}
}

func TestController_RetryBound(t *testing.T) {
	profile := quiet(desktopProfile())
	h := newHarness(profile, 0)
	h.startActive(t)

	budget := profile.Config.MaxRetries
	for i := 0; i < budget; i++ {
		h.engine.EmitError(speech.CodeNetwork)
		if _, stop, _ := h.engine.Calls(); stop != i+1 {
			t.Fatalf("Expected graceful stop for delayed retry %d, got %d stops", i, stop)
		}
		h.engine.EmitEnd()
		h.clock.Advance(5 * time.Second)
		if start, _, _ := h.engine.Calls(); start != i+2 {
			t.Fatalf("Expected restart %d, got %d starts", i+1, start)
		}
		if h.c.Attempts() > budget {
			t.Fatalf("Attempts %d exceeded budget %d", h.c.Attempts(), budget)
		}
	}

	h.engine.EmitError(speech.CodeNetwork)
	h.clock.Advance(time.Minute)

	if start, _, _ := h.engine.Calls(); start != budget+1 {
		t.Errorf("Expected %d engine starts, got %d", budget+1, start)
	}
	if len(h.log.errors) != 1 || h.log.errors[0].Kind != speech.KindTransientEngineFailure {
		t.Fatalf("Expected one terminal transient failure, got %v", h.log.errors)
	}
	if h.c.State() != StateStopped {
		t.Errorf("Expected stopped after terminal failure, got %s", h.c.State())
	}
	if _, _, abort := h.engine.Calls(); abort == 0 {
		t.Error("Expected engine aborted on terminal failure")
	}
	if h.audio.Active() {
		t.Error("Expected microphone released on terminal failure")
	}
}

func TestController_PermissionErrorsNeverRetry(t *testing.T) {
	for _, code := range []speech.ErrorCode{speech.CodeNotAllowed, speech.CodeAudioCapture} {
		t.Run(string(code), func(t *testing.T) {
			h := newHarness(desktopProfile(), 0)
			h.startActive(t)

			h.engine.EmitError(code)
			h.clock.Advance(time.Minute)

			if start, stop, _ := h.engine.Calls(); start != 1 || stop != 0 {
				t.Errorf("Expected no retry, got start=%d stop=%d", start, stop)
			}
			if len(h.log.errors) != 1 {
				t.Fatalf("Expected one error, got %d", len(h.log.errors))
			}
			if len(h.log.recoveryStarts) != 0 {
				t.Error("Expected no recovery for a permission error")
			}
			if h.c.Attempts() != 0 {
				t.Errorf("Expected zero attempts, got %d", h.c.Attempts())
			}
		})
	}
}

func TestController_CancellationSafety(t *testing.T) {
	h := newHarness(iosPWAProfile(), 0)
	h.startActive(t)

	h.engine.EmitFinal(0, "hello")
	h.engine.EmitError(speech.CodeNetwork) // iOS PWA: abort and restart later
	h.engine.EmitEnd()

	if err := h.c.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	start, stop, abort := h.engine.Calls()
	updates := len(h.log.updates)
	h.clock.Advance(10 * time.Minute)
	h.engine.EmitFinal(0, "late")
	h.engine.EmitEnd()

	s2, st2, a2 := h.engine.Calls()
	if s2 != start || st2 != stop || a2 != abort {
		t.Errorf("Expected no engine calls after stop, got start %d->%d stop %d->%d abort %d->%d", start, s2, stop, st2, abort, a2)
	}
	if len(h.log.updates) != updates {
		t.Error("Expected no transcript updates after stop")
	}
	if h.c.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", h.c.State())
	}
	if h.engine.Subscribers() != 0 {
		t.Errorf("Expected engine unsubscribed, got %d subscribers", h.engine.Subscribers())
	}
	if h.audio.Active() {
		t.Error("Expected iOS to release the microphone immediately")
	}
	if got := h.c.Transcript(); got != "hello" {
		t.Errorf("Expected transcript preserved, got %q", got)
	}
}

func TestController_StopWaitsForTrailingResults(t *testing.T) {
	h := newHarness(quiet(desktopProfile()), time.Hour)
	h.startActive(t)
	h.engine.EmitFinal(0, "call the")

	go func() {
		for {
			if _, stop, _ := h.engine.Calls(); stop > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		h.engine.EmitFinal(1, "dentist")
		h.engine.EmitEnd()
	}()

	if err := h.c.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := h.c.CompleteTranscript(); got != "call the dentist" {
		t.Errorf("Expected trailing final accepted, got %q", got)
	}
	if !h.audio.Active() {
		t.Error("Expected desktop to keep the microphone warm")
	}
	h.clock.Advance(10 * time.Second)
	if h.audio.Active() {
		t.Error("Expected microphone released after the warm TTL")
	}
}

func TestController_StallForcesRestart(t *testing.T) {
	profile := desktopProfile()
	profile.Config.NoResultTimeout = 0
	profile.Config.DiagnosticTimeout = 0
	profile.Config.AutoStopAfter = 0
	h := newHarness(profile, 0)
	h.startActive(t) // t = 100ms

	h.clock.Advance(900 * time.Millisecond)
	h.engine.EmitFinal(0, "remind me") // last event at t = 1s

	h.clock.Advance(8 * time.Second) // tick at 9s: silent for exactly 8s
	if _, _, abort := h.engine.Calls(); abort != 0 {
		t.Fatal("Expected no restart at the threshold")
	}

	h.clock.Advance(3 * time.Second) // tick at 12s
	if _, _, abort := h.engine.Calls(); abort != 1 {
		t.Fatalf("Expected stalled engine aborted, got %d aborts", abort)
	}
	if len(h.log.recoveryStarts) != 1 || h.log.recoveryStarts[0] != ReasonStall {
		t.Errorf("Expected stall recovery, got %v", h.log.recoveryStarts)
	}

	h.engine.EmitEnd()
	h.clock.Advance(100 * time.Millisecond)
	if start, _, _ := h.engine.Calls(); start != 2 {
		t.Errorf("Expected restart after stall, got %d starts", start)
	}
	if h.c.Attempts() != 1 {
		t.Errorf("Expected stall to count as an attempt, got %d", h.c.Attempts())
	}
	if got := h.c.Transcript(); got != "remind me" {
		t.Errorf("Expected transcript kept across the stall, got %q", got)
	}
}

func TestController_ForceRestartDropsLateResults(t *testing.T) {
	profile := desktopProfile()
	profile.Config.NoResultTimeout = 0
	profile.Config.DiagnosticTimeout = 0
	profile.Config.AutoStopAfter = 0
	h := newHarness(profile, 0)
	h.startActive(t)

	h.clock.Advance(900 * time.Millisecond)
	h.engine.EmitFinal(0, "remind me")
	h.clock.Advance(11 * time.Second) // stalled, aborted
	if _, _, abort := h.engine.Calls(); abort != 1 {
		t.Fatalf("Expected stalled engine aborted, got %d aborts", abort)
	}

	h.engine.EmitFinal(1, "garbled tail")
	h.engine.EmitEnd()
	h.clock.Advance(100 * time.Millisecond)

	if got := h.c.Transcript(); got != "remind me" {
		t.Errorf("Expected results after the abort dropped, got %q", got)
	}

	h.engine.EmitFinal(0, "to call mom")
	if got := h.c.Transcript(); got != "remind me to call mom" {
		t.Errorf("Expected the restarted session accepted, got %q", got)
	}
}

func TestController_NoResultTimeout(t *testing.T) {
	profile := quiet(desktopProfile())
	profile.Config.NoResultTimeout = 8 * time.Second
	h := newHarness(profile, 0)
	h.startActive(t)

	h.engine.Emit(speech.Event{Type: speech.EventAudioStart})
	h.clock.Advance(8 * time.Second)

	if _, _, abort := h.engine.Calls(); abort != 1 {
		t.Fatalf("Expected restart when a session yields no results, got %d aborts", abort)
	}

	// Without an end event the restart proceeds after the end timeout.
	h.clock.Advance(2*time.Second + 100*time.Millisecond)
	if start, _, _ := h.engine.Calls(); start != 2 {
		t.Errorf("Expected restart after end timeout, got %d starts", start)
	}
}

func TestController_SessionRefresh(t *testing.T) {
	profile := iosPWAProfile()
	profile.Config.KeepAliveInterval = 0
	profile.Config.DiagnosticTimeout = 0
	h := newHarness(profile, 0)
	h.startActive(t) // t = 1s

	h.engine.EmitFinal(0, "first part")
	h.clock.Advance(10 * time.Second)

	if _, stop, abort := h.engine.Calls(); stop != 1 || abort != 0 {
		t.Fatalf("Expected graceful refresh stop, got stop=%d abort=%d", stop, abort)
	}

	h.engine.EmitFinal(1, "trailing")
	h.engine.EmitEnd()
	h.clock.Advance(time.Second)
	if start, _, _ := h.engine.Calls(); start != 2 {
		t.Fatalf("Expected engine restarted after refresh, got %d starts", start)
	}
	h.engine.EmitFinal(0, "second part")

	if got := h.c.CompleteTranscript(); got != "first part trailing second part" {
		t.Errorf("Expected transcript carried across refresh, got %q", got)
	}
	if len(h.log.recoveryStarts) != 0 {
		t.Errorf("Expected planned refresh not to show recovery, got %v", h.log.recoveryStarts)
	}
	if h.c.Attempts() != 0 {
		t.Errorf("Expected refresh not to count, got %d", h.c.Attempts())
	}
}

func TestController_DesktopHasNoRefreshTimer(t *testing.T) {
	h := newHarness(quiet(desktopProfile()), 0)
	h.startActive(t)

	h.clock.Advance(time.Minute)
	if _, stop, abort := h.engine.Calls(); stop != 0 || abort != 0 {
		t.Errorf("Expected no refresh when the session ceiling is not below auto-stop, got stop=%d abort=%d", stop, abort)
	}
}

func TestController_DiagnosticFlipsContinuous(t *testing.T) {
	profile := quiet(desktopProfile())
	profile.Config.DiagnosticTimeout = 15 * time.Second
	h := newHarness(profile, 0)
	h.startActive(t)

	h.clock.Advance(15 * time.Second)
	if _, _, abort := h.engine.Calls(); abort != 1 {
		t.Fatalf("Expected diagnostic restart, got %d aborts", abort)
	}

	h.engine.EmitEnd()
	h.clock.Advance(100 * time.Millisecond)

	if h.engine.LastSettings().Continuous {
		t.Error("Expected continuous mode flipped off for the restarted session")
	}
	if start, _, _ := h.engine.Calls(); start != 2 {
		t.Errorf("Expected one diagnostic restart, got %d starts", start)
	}

	h.clock.Advance(time.Minute)
	if _, _, abort := h.engine.Calls(); abort != 1 {
		t.Error("Expected the diagnostic watchdog to fire only once")
	}
}

func TestController_AutoStop(t *testing.T) {
	profile := quiet(desktopProfile())
	profile.Config.AutoStopAfter = 30 * time.Second
	h := newHarness(profile, 0)
	h.startActive(t)

	h.clock.Advance(30 * time.Second)
	if h.log.autoStops != 1 {
		t.Errorf("Expected auto-stop hook once, got %d", h.log.autoStops)
	}
}

func TestController_NoSpeechNotice(t *testing.T) {
	h := newHarness(quiet(desktopProfile()), 0)
	h.startActive(t)

	h.engine.EmitError(speech.CodeNoSpeech)

	if len(h.log.notices) != 1 {
		t.Errorf("Expected one notice, got %v", h.log.notices)
	}
	if len(h.log.errors) != 0 || h.c.State() != StateActive {
		t.Error("Expected no-speech to leave the session untouched")
	}
}

func TestController_RepeatedBareEndsExhaustBudget(t *testing.T) {
	profile := quiet(desktopProfile())
	h := newHarness(profile, 0)
	h.startActive(t)

	for i := 0; i < profile.Config.MaxRetries; i++ {
		h.engine.EmitEnd()
		h.clock.Advance(profile.Config.RestartDelay)
	}
	h.engine.EmitEnd()

	if len(h.log.errors) != 1 {
		t.Fatalf("Expected terminal error after repeated empty sessions, got %d", len(h.log.errors))
	}
	if start, _, _ := h.engine.Calls(); start != profile.Config.MaxRetries+1 {
		t.Errorf("Expected %d starts, got %d", profile.Config.MaxRetries+1, start)
	}
}

func TestController_ResultResetsAttempts(t *testing.T) {
	h := newHarness(quiet(desktopProfile()), 0)
	h.startActive(t)

	h.engine.EmitError(speech.CodeAborted)
	h.engine.EmitEnd()
	h.clock.Advance(time.Second)
	if h.c.Attempts() != 1 {
		t.Fatalf("Expected 1 attempt, got %d", h.c.Attempts())
	}

	h.engine.EmitFinal(0, "ok")
	if h.c.Attempts() != 0 {
		t.Errorf("Expected an accepted result to reset attempts, got %d", h.c.Attempts())
	}
}

func TestController_Teardown(t *testing.T) {
	h := newHarness(desktopProfile(), 0)
	h.startActive(t)

	h.c.Teardown()
	_, _, abort := h.engine.Calls()
	if abort != 1 {
		t.Errorf("Expected engine aborted on teardown, got %d", abort)
	}
	if h.audio.Active() {
		t.Error("Expected microphone released on teardown")
	}

	h.clock.Advance(time.Hour)
	if start, _, _ := h.engine.Calls(); start != 1 {
		t.Errorf("Expected no restart after teardown, got %d starts", start)
	}
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrTornDown) {
		t.Errorf("Expected ErrTornDown, got %v", err)
	}
}

func TestController_TeardownDuringPermissionPrompt(t *testing.T) {
	h := newHarness(desktopProfile(), 0)
	h.devices.Gate = make(chan struct{})
	h.devices.Entered = make(chan struct{}, 1)

	errs := make(chan error, 1)
	go func() { errs <- h.c.Start(context.Background()) }()

	<-h.devices.Entered
	h.c.Teardown()
	close(h.devices.Gate)

	if err := <-errs; !errors.Is(err, ErrStoppedDuringStart) {
		t.Errorf("Expected ErrStoppedDuringStart, got %v", err)
	}
	if h.audio.Active() {
		t.Error("Expected no microphone held after teardown")
	}
	if stream := h.devices.Last(); stream == nil || !stream.TrackList[0].Stopped() {
		t.Error("Expected the stream granted after teardown to be stopped")
	}
	if start, _, _ := h.engine.Calls(); start != 0 {
		t.Errorf("Expected the engine never started, got %d", start)
	}
}

func TestController_ResetTranscriptAfterTeardown(t *testing.T) {
	h := newHarness(desktopProfile(), 0)
	h.startActive(t)

	h.c.ResetTranscript()
	h.c.Teardown()
	h.c.ResetTranscript()

	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	if len(h.log.updates) != 1 {
		t.Errorf("Expected only the mounted reset to notify, got %d updates", len(h.log.updates))
	}
}

func TestController_StartFailureIsRetried(t *testing.T) {
	h := newHarness(quiet(desktopProfile()), 0)
	h.engine.StartError = errors.New("InvalidStateError")

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.clock.Advance(100 * time.Millisecond)
	if h.c.State() != StateRestarting {
		t.Fatalf("Expected restarting after a failed engine start, got %s", h.c.State())
	}

	h.clock.Advance(time.Second)
	if h.c.State() != StateActive {
		t.Errorf("Expected active after retry, got %s", h.c.State())
	}
}
