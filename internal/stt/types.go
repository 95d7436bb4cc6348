// Package stt is a server-side speech.Engine backed by a streaming
// transcription service. The browser forwards microphone PCM and the
// engine reports results, speech boundaries and errors with the same
// event semantics as the browser's native recognizer.
package stt

import (
	"context"
)

// Transcript is one transcription update from a streaming connection
type Transcript struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates if this is a final transcription (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64
}

// Callbacks receive connection events. They may be invoked from any goroutine.
type Callbacks struct {
	OnTranscript   func(Transcript)
	OnUtteranceEnd func()
	OnError        func(error)
	OnClose        func()
}

// DialOptions configure a streaming connection
type DialOptions struct {
	Language string
}

// Conn is an open streaming connection. Audio is 16 kHz mono linear16.
type Conn interface {
	// Write sends an audio chunk to the service
	Write(p []byte) (int, error)

	// Finish flushes pending audio and closes the connection
	Finish()
}

// Dialer opens streaming connections
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions, cb Callbacks) (Conn, error)
}

// DialerFunc adapts a function to a Dialer
type DialerFunc func(ctx context.Context, opts DialOptions, cb Callbacks) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, opts DialOptions, cb Callbacks) (Conn, error) {
	return f(ctx, opts, cb)
}
