package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

// ErrEngineRunning mirrors the browser's InvalidStateError on a second start()
var ErrEngineRunning = errors.New("remote recognizer already started")

// RemoteEngine is the tab's native recognizer, driven by commands sent
// over the connection. Events reach it through Deliver.
type RemoteEngine struct {
	send func(Message) error

	mu          sync.Mutex
	running     bool
	subscribers map[int]func(speech.Event)
	nextID      int
}

var _ speech.Engine = (*RemoteEngine)(nil)

// NewRemoteEngine creates an engine that sends its commands with send
func NewRemoteEngine(send func(Message) error) *RemoteEngine {
	return &RemoteEngine{
		send:        send,
		subscribers: make(map[int]func(speech.Event)),
	}
}

func (e *RemoteEngine) Configure(settings speech.Settings) {
	s := settings
	e.send(Message{Type: TypeConfigure, Settings: &s})
}

func (e *RemoteEngine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrEngineRunning
	}
	e.running = true
	e.mu.Unlock()

	if err := e.send(Message{Type: TypeStart}); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("failed to start remote recognizer: %w", err)
	}
	return nil
}

func (e *RemoteEngine) Stop() {
	e.send(Message{Type: TypeStop})
}

// Abort discards the tab's recognizer. A hung recognizer may never report
// end, so the next Start is allowed without waiting for it.
func (e *RemoteEngine) Abort() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.send(Message{Type: TypeAbort})
}

func (e *RemoteEngine) Subscribe(handler func(speech.Event)) func() {
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

// Deliver hands an event reported by the tab to every subscriber
func (e *RemoteEngine) Deliver(ev speech.Event) {
	e.mu.Lock()
	if ev.Type == speech.EventEnd {
		e.running = false
	}
	handlers := make([]func(speech.Event), 0, len(e.subscribers))
	for id := 0; id < e.nextID; id++ {
		if h, ok := e.subscribers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Running reports whether a start was sent without a matching end
func (e *RemoteEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
