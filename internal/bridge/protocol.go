// Package bridge connects a browser tab to a server-side Recorder over a
// WebSocket. The tab forwards its native recognizer's events and
// getUserMedia outcomes; the server drives both through commands and
// pushes recorder state back.
package bridge

import (
	"github.com/MangoMatcha08/tempo-app-sub000/internal/environment"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/recorder"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/reminders"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

// Client → server message types. Engine events use the speech.EventType
// names (result, error, end, audiostart, speechstart, speechend, nomatch).
const (
	TypeHello      = "hello"
	TypeAction     = "action"
	TypeMedia      = "media"
	TypeTrackEnded = "track-ended"
)

// Server → client message types
const (
	TypeEnvironment  = "environment"
	TypeConfigure    = "configure"
	TypeStart        = "start"
	TypeStop         = "stop"
	TypeAbort        = "abort"
	TypeGetUserMedia = "getUserMedia"
	TypeReleaseMedia = "releaseMedia"
	TypeState        = "state"
	TypeTranscript   = "transcript"
	TypeNotice       = "notice"
	TypeReminder     = "reminder"
)

// Recorder actions carried by TypeAction
const (
	ActionStart           = "start"
	ActionStop            = "stop"
	ActionCancel          = "cancel"
	ActionReset           = "reset"
	ActionResetTranscript = "reset-transcript"
	ActionConfirm         = "confirm"
)

// Message is the JSON envelope used in both directions. Only the fields
// of the given Type are set.
type Message struct {
	Type string `json:"type"`

	// hello
	Signals    *environment.Signals `json:"signals,omitempty"`
	Lang       string               `json:"lang,omitempty"`
	SampleRate int                  `json:"sampleRate,omitempty"`

	// action
	Action string `json:"action,omitempty"`

	// getUserMedia, media, track-ended, releaseMedia
	ID string `json:"id,omitempty"`

	// engine events; media carries the DOMException name in Error
	Result  *speech.ResultEvent `json:"result,omitempty"`
	Code    speech.ErrorCode    `json:"code,omitempty"`
	Error   string              `json:"error,omitempty"`
	Message string              `json:"message,omitempty"`

	// server → client payloads
	Settings   *speech.Settings     `json:"settings,omitempty"`
	Profile    *environment.Profile `json:"profile,omitempty"`
	State      *recorder.State      `json:"state,omitempty"`
	Transcript string               `json:"transcript,omitempty"`
	Interim    string               `json:"interim,omitempty"`
	Reminder   *reminders.Reminder  `json:"reminder,omitempty"`
}

// engineEvent returns the engine event carried by m, if any
func (m Message) engineEvent() (speech.Event, bool) {
	switch speech.EventType(m.Type) {
	case speech.EventResult, speech.EventError, speech.EventEnd, speech.EventAudioStart,
		speech.EventSpeechStart, speech.EventSpeechEnd, speech.EventNoMatch:
		return speech.Event{
			Type:    speech.EventType(m.Type),
			Result:  m.Result,
			Code:    m.Code,
			Message: m.Message,
		}, true
	}
	return speech.Event{}, false
}
