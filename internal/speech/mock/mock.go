// Package mock provides a scriptable speech.Engine for tests.
package mock

import (
	"sync"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

// Engine records every call and lets tests inject engine events with Emit.
// All methods are safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	// StartError, when set, is returned by the next Start call and then cleared.
	StartError error

	Settings    []speech.Settings
	StartCalls  int
	StopCalls   int
	AbortCalls  int
	running     bool
	nextID      int
	subscribers map[int]func(speech.Event)
}

// NewEngine creates an idle mock engine
func NewEngine() *Engine {
	return &Engine{subscribers: make(map[int]func(speech.Event))}
}

func (e *Engine) Configure(settings speech.Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Settings = append(e.Settings, settings)
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StartCalls++
	if e.StartError != nil {
		err := e.StartError
		e.StartError = nil
		return err
	}
	e.running = true
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StopCalls++
	e.running = false
}

func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AbortCalls++
	e.running = false
}

func (e *Engine) Subscribe(handler func(speech.Event)) func() {
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

// Emit delivers ev synchronously to every current subscriber
func (e *Engine) Emit(ev speech.Event) {
	e.mu.Lock()
	handlers := make([]func(speech.Event), 0, len(e.subscribers))
	for _, h := range e.subscribers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// EmitFinal emits a result event carrying a single final entry
func (e *Engine) EmitFinal(index int, text string) {
	e.Emit(speech.Event{Type: speech.EventResult, Result: &speech.ResultEvent{
		ResultIndex: index,
		Results:     resultsUpTo(index, speech.Result{IsFinal: true, Alternatives: []speech.Alternative{{Transcript: text, Confidence: 0.9}}}),
	}})
}

// EmitInterim emits a result event carrying a single non-final entry
func (e *Engine) EmitInterim(index int, text string) {
	e.Emit(speech.Event{Type: speech.EventResult, Result: &speech.ResultEvent{
		ResultIndex: index,
		Results:     resultsUpTo(index, speech.Result{Alternatives: []speech.Alternative{{Transcript: text}}}),
	}})
}

// EmitError emits an error event with the given code
func (e *Engine) EmitError(code speech.ErrorCode) {
	e.Emit(speech.Event{Type: speech.EventError, Code: code})
}

// EmitEnd emits an end event
func (e *Engine) EmitEnd() {
	e.Emit(speech.Event{Type: speech.EventEnd})
}

// Running reports whether the engine was started and not since stopped
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Calls returns a consistent snapshot of the start/stop/abort counters
func (e *Engine) Calls() (start, stop, abort int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.StartCalls, e.StopCalls, e.AbortCalls
}

// Subscribers returns the number of registered handlers
func (e *Engine) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}

// LastSettings returns the most recent Configure argument
func (e *Engine) LastSettings() speech.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Settings) == 0 {
		return speech.Settings{}
	}
	return e.Settings[len(e.Settings)-1]
}

// resultsUpTo pads the list with already-final placeholders so that the
// entry at index is the one that changed, as a continuous engine would.
func resultsUpTo(index int, r speech.Result) []speech.Result {
	out := make([]speech.Result, index+1)
	for i := 0; i < index; i++ {
		out[i] = speech.Result{IsFinal: true, Alternatives: []speech.Alternative{{Transcript: ""}}}
	}
	out[index] = r
	return out
}
