package resilience

import (
	"fmt"
	"time"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/environment"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

// ActionKind is what the session controller should do about a failure
type ActionKind string

const (
	// ActionIgnore: not a failure, keep the session as it is
	ActionIgnore ActionKind = "ignore"
	// ActionImmediateRetry: restart without backoff after the platform restart delay
	ActionImmediateRetry ActionKind = "immediate-retry"
	// ActionDelayedRetry: stop gracefully and restart after an exponential backoff
	ActionDelayedRetry ActionKind = "delayed-retry"
	// ActionForceRestart: abort the engine, discarding pending results, and restart after a fixed delay
	ActionForceRestart ActionKind = "force-restart"
	// ActionTerminal: give up and surface Message to the user
	ActionTerminal ActionKind = "terminal"
)

// MaxRetryDelay caps the exponential backoff
const MaxRetryDelay = 30 * time.Second

const (
	msgPermissionDenied = "Microphone access was denied. Please enable microphone access in your browser settings and try again."
	msgAudioCapture     = "No microphone was found or it is being used by another application. Please check your microphone and try again."
	msgRetriesExhausted = "Voice recognition kept disconnecting. Please check your connection and try again."
	msgEndedRepeatedly  = "Voice recognition stopped unexpectedly. Please try again."
	msgStalled          = "Voice recognition stopped responding. Please try again."
	msgUnknown          = "Something went wrong with voice recognition. Please try again."
	noticeNoSpeech      = "No speech detected. Try speaking closer to the microphone."
)

// Action is a recovery decision
type Action struct {
	Kind    ActionKind
	Delay   time.Duration
	Message string // user-facing text, set for ActionTerminal
	Notice  string // low-severity hint, only ever set for ActionIgnore
	ErrKind speech.Kind
}

// Restarts reports whether the action schedules another engine session
func (a Action) Restarts() bool {
	switch a.Kind {
	case ActionImmediateRetry, ActionDelayedRetry, ActionForceRestart:
		return true
	}
	return false
}

// Error returns the classified error carried by a terminal action, or nil
func (a Action) Error(code speech.ErrorCode) *speech.Error {
	if a.Kind != ActionTerminal {
		return nil
	}
	return &speech.Error{Kind: a.ErrKind, Code: code, Message: a.Message}
}

func (a Action) String() string {
	if a.Delay > 0 {
		return fmt.Sprintf("%s(%s)", a.Kind, a.Delay)
	}
	return string(a.Kind)
}

// Decide maps an engine error code to a recovery action. attempt is the
// number of retries already spent in the current recording. Decide is a
// pure function: the caller performs whatever the action says.
func Decide(code speech.ErrorCode, profile environment.Profile, attempt int) Action {
	if attempt < 0 {
		attempt = 0
	}
	cfg := profile.Config

	switch code {
	case speech.CodeNoSpeech:
		a := Action{Kind: ActionIgnore, ErrKind: speech.KindNoSpeechDetected}
		if !profile.IsIOS && profile.Tier() == environment.TierBrowser {
			a.Notice = noticeNoSpeech
		}
		return a

	case speech.CodeNotAllowed:
		return terminal(speech.KindPermissionDenied, msgPermissionDenied)

	case speech.CodeAudioCapture:
		return terminal(speech.KindNoAudioDevice, msgAudioCapture)

	case speech.CodeNetwork, speech.CodeAborted, speech.CodeServiceNotAllowed:
		if attempt >= cfg.MaxRetries {
			return terminal(speech.KindTransientEngineFailure, msgRetriesExhausted)
		}
		if profile.IsIOSPWA {
			// A graceful stop does not reliably release the engine in a
			// standalone iOS app.
			return Action{Kind: ActionForceRestart, Delay: cfg.BaseRetryDelay, ErrKind: speech.KindTransientEngineFailure}
		}
		return Action{
			Kind:    ActionDelayedRetry,
			Delay:   CalculateBackoff(attempt, cfg.BaseRetryDelay, MaxRetryDelay, 2.0),
			ErrKind: speech.KindTransientEngineFailure,
		}

	default:
		return terminal(speech.KindUnknownEngineError, msgUnknown)
	}
}

// DecideEnd handles an engine session that ended without being asked to.
// counted is false for ends that follow activity or a planned refresh;
// those never exhaust the retry budget.
func DecideEnd(profile environment.Profile, attempt int, counted bool) Action {
	cfg := profile.Config
	if counted && attempt >= cfg.MaxRetries {
		return terminal(speech.KindTransientEngineFailure, msgEndedRepeatedly)
	}
	if profile.IsIOSPWA {
		return Action{Kind: ActionForceRestart, Delay: cfg.RestartDelay, ErrKind: speech.KindTransientEngineFailure}
	}
	return Action{Kind: ActionImmediateRetry, Delay: cfg.RestartDelay, ErrKind: speech.KindTransientEngineFailure}
}

// DecideStall handles a session that produced no events for longer than
// the stall threshold, or no results before the no-result timeout.
func DecideStall(profile environment.Profile, attempt int) Action {
	cfg := profile.Config
	if attempt >= cfg.MaxRetries {
		return terminal(speech.KindSilentStall, msgStalled)
	}
	return Action{Kind: ActionForceRestart, Delay: cfg.RestartDelay, ErrKind: speech.KindSilentStall}
}

func terminal(kind speech.Kind, message string) Action {
	return Action{Kind: ActionTerminal, Message: message, ErrKind: kind}
}
