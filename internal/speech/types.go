package speech

// EventType identifies an event emitted by a recognition engine
type EventType string

const (
	EventResult      EventType = "result"
	EventError       EventType = "error"
	EventEnd         EventType = "end"
	EventAudioStart  EventType = "audiostart"
	EventSpeechStart EventType = "speechstart"
	EventSpeechEnd   EventType = "speechend"
	EventNoMatch     EventType = "nomatch"
)

// ErrorCode is the engine-reported error code (the browser's SpeechRecognitionErrorEvent.error)
type ErrorCode string

const (
	CodeNoSpeech             ErrorCode = "no-speech"
	CodeAborted              ErrorCode = "aborted"
	CodeAudioCapture         ErrorCode = "audio-capture"
	CodeNetwork              ErrorCode = "network"
	CodeNotAllowed           ErrorCode = "not-allowed"
	CodeServiceNotAllowed    ErrorCode = "service-not-allowed"
	CodeBadGrammar           ErrorCode = "bad-grammar"
	CodeLanguageNotSupported ErrorCode = "language-not-supported"
)

// Alternative is one recognition hypothesis
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Result is a single entry of a result event
type Result struct {
	IsFinal      bool          `json:"isFinal"`
	Alternatives []Alternative `json:"alternatives"`
}

// Transcript returns the best alternative's text, or "" if there is none
func (r Result) Transcript() string {
	if len(r.Alternatives) == 0 {
		return ""
	}
	return r.Alternatives[0].Transcript
}

// ResultEvent mirrors the engine's result event: the full result list
// plus the index of the first entry that changed.
type ResultEvent struct {
	ResultIndex int      `json:"resultIndex"`
	Results     []Result `json:"results"`
}

// Event is a single engine notification. Result is set for EventResult,
// Code and Message for EventError.
type Event struct {
	Type    EventType    `json:"type"`
	Result  *ResultEvent `json:"result,omitempty"`
	Code    ErrorCode    `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Settings are the engine configuration fields applied before start
type Settings struct {
	Continuous      bool   `json:"continuous"`
	InterimResults  bool   `json:"interimResults"`
	MaxAlternatives int    `json:"maxAlternatives"`
	Lang            string `json:"lang"`
}

// Engine is a continuous speech-recognition engine.
//
// Start, Stop and Abort return immediately; the engine reports progress
// through events delivered to subscribers. Stop ends the session
// gracefully (pending results are still delivered), Abort discards them.
type Engine interface {
	Configure(settings Settings)
	Start() error
	Stop()
	Abort()

	// Subscribe registers a handler for engine events and returns a
	// function that removes it. Handlers may be invoked from any goroutine.
	Subscribe(handler func(Event)) (unsubscribe func())
}
