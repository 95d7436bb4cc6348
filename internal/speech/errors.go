package speech

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how they must be handled, independent of
// the engine-specific error code that produced them.
type Kind string

const (
	KindPermissionDenied       Kind = "permission_denied"
	KindNoAudioDevice          Kind = "no_audio_device"
	KindTransientEngineFailure Kind = "transient_engine_failure"
	KindSilentStall            Kind = "silent_stall"
	KindNoSpeechDetected       Kind = "no_speech_detected"
	KindProcessingFailure      Kind = "processing_failure"
	KindUnknownEngineError     Kind = "unknown_engine_error"
)

// Retryable reports whether failures of this kind are recovered locally
// before being surfaced.
func (k Kind) Retryable() bool {
	return k == KindTransientEngineFailure || k == KindSilentStall
}

// Error is a classified recognition failure. Message is the human-readable
// text shown to the user; Code is the engine code when one exists.
type Error struct {
	Kind    Kind
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error may be recovered by restarting the engine
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// NewError creates a classified error
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindUnknownEngineError if err is not
// a classified error. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknownEngineError
}

// UserMessage returns the message to show for err
func UserMessage(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	if err == nil {
		return ""
	}
	return "Something went wrong with voice recording. Please try again."
}
