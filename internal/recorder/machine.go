// Package recorder is the UI-facing side of a voice recording: a total
// state machine over recorder events and the Recorder facade that drives
// recognition, extraction and persistence from it.
package recorder

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/extraction"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/lifecycle"
)

// Status is the active recorder state
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusRequestingPermission Status = "requesting-permission"
	StatusRecording            Status = "recording"
	StatusRecovering           Status = "recovering"
	StatusProcessing           Status = "processing"
	StatusConfirming           Status = "confirming"
	StatusError                Status = "error"
)

// IsCapturing reports whether the microphone is in use in this status
func (s Status) IsCapturing() bool {
	return s == StatusRecording || s == StatusRecovering
}

// EventType names a recorder event
type EventType string

const (
	EventStartRecording     EventType = "START_RECORDING"
	EventPermissionGranted  EventType = "PERMISSION_GRANTED"
	EventPermissionDenied   EventType = "PERMISSION_DENIED"
	EventRecoveryStarted    EventType = "RECOVERY_STARTED"
	EventRecoveryCompleted  EventType = "RECOVERY_COMPLETED"
	EventRecognitionError   EventType = "RECOGNITION_ERROR"
	EventStopRecording      EventType = "STOP_RECORDING"
	EventProcessingComplete EventType = "PROCESSING_COMPLETE"
	EventProcessingError    EventType = "PROCESSING_ERROR"
	EventReset              EventType = "RESET"
	EventCancelRecording    EventType = "CANCEL_RECORDING"
)

// PermissionDeniedMessage is the error shown when PERMISSION_DENIED carries no message
const PermissionDeniedMessage = "Microphone access was denied"

// DefaultAutoResetDelay is how long a processing error stays on screen
const DefaultAutoResetDelay = 5 * time.Second

// Event is a recorder event. Transcript is used by STOP_RECORDING, Result
// by PROCESSING_COMPLETE and Message by the error events.
type Event struct {
	Type       EventType
	Transcript string
	Result     *extraction.Result
	Message    string
}

// State is the recorder state. Only the fields of the active status are set.
type State struct {
	Status     Status             `json:"status"`
	Transcript string             `json:"transcript,omitempty"`
	Result     *extraction.Result `json:"result,omitempty"`
	Message    string             `json:"message,omitempty"`

	// AutoReset is set on errors that return to idle on their own
	AutoReset bool `json:"autoReset,omitempty"`
}

// Idle returns the initial state
func Idle() State {
	return State{Status: StatusIdle}
}

// Transition returns the state after ev. Pairs not in the table leave the
// state unchanged.
func Transition(s State, ev Event) State {
	switch s.Status {
	case StatusIdle:
		if ev.Type == EventStartRecording {
			return State{Status: StatusRequestingPermission}
		}

	case StatusRequestingPermission:
		switch ev.Type {
		case EventPermissionGranted:
			return State{Status: StatusRecording}
		case EventPermissionDenied:
			msg := ev.Message
			if msg == "" {
				msg = PermissionDeniedMessage
			}
			return State{Status: StatusError, Message: msg}
		case EventCancelRecording:
			return Idle()
		}

	case StatusRecording, StatusRecovering:
		switch ev.Type {
		case EventRecoveryStarted:
			if s.Status == StatusRecording {
				return State{Status: StatusRecovering}
			}
		case EventRecoveryCompleted:
			if s.Status == StatusRecovering {
				return State{Status: StatusRecording}
			}
		case EventRecognitionError:
			return State{Status: StatusError, Message: ev.Message}
		case EventStopRecording:
			return State{Status: StatusProcessing, Transcript: ev.Transcript}
		case EventCancelRecording:
			return Idle()
		}

	case StatusProcessing:
		switch ev.Type {
		case EventProcessingComplete:
			return State{Status: StatusConfirming, Transcript: s.Transcript, Result: ev.Result}
		case EventProcessingError:
			return State{Status: StatusError, Message: ev.Message, AutoReset: true}
		}

	case StatusConfirming, StatusError:
		if ev.Type == EventReset {
			return Idle()
		}
	}
	return s
}

// Observer is notified after every transition that changed the state.
// Observers run in transition order and must not call Send.
type Observer func(prev, next State, ev Event)

// Machine holds a recorder state and applies events to it
type Machine struct {
	tracker        *lifecycle.Tracker
	autoResetDelay time.Duration
	logger         zerolog.Logger

	// sendMu orders transitions and their notifications
	sendMu sync.Mutex

	mu              sync.Mutex
	state           State
	gen             uint64
	observers       map[int]Observer
	nextID          int
	cancelAutoReset lifecycle.CancelFunc
}

// NewMachine creates an idle machine. A delay <= 0 uses DefaultAutoResetDelay.
func NewMachine(clock lifecycle.Clock, autoResetDelay time.Duration, logger zerolog.Logger) *Machine {
	if autoResetDelay <= 0 {
		autoResetDelay = DefaultAutoResetDelay
	}
	return &Machine{
		tracker:        lifecycle.NewTracker(clock),
		autoResetDelay: autoResetDelay,
		logger:         logger.With().Str("component", "recorder_state").Logger(),
		state:          Idle(),
		observers:      make(map[int]Observer),
	}
}

// Send applies ev and reports whether the state changed
func (m *Machine) Send(ev Event) (State, bool) {
	if !m.tracker.Mounted() {
		return m.State(), false
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	prev := m.state
	next := Transition(prev, ev)
	// Every row of the table changes the status.
	if next.Status == prev.Status {
		m.mu.Unlock()
		m.logger.Debug().Str("state", string(prev.Status)).Str("event", string(ev.Type)).Msg("Event ignored")
		return prev, false
	}

	m.state = next
	m.gen++
	if m.cancelAutoReset != nil {
		m.cancelAutoReset()
		m.cancelAutoReset = nil
	}
	if next.AutoReset {
		g := m.gen
		m.cancelAutoReset = m.tracker.AfterFunc(m.autoResetDelay, func() { m.autoReset(g) })
	}
	observers := make([]Observer, 0, len(m.observers))
	for id := 0; id < m.nextID; id++ {
		if o, ok := m.observers[id]; ok {
			observers = append(observers, o)
		}
	}
	m.mu.Unlock()

	m.logger.Debug().
		Str("from", string(prev.Status)).
		Str("to", string(next.Status)).
		Str("event", string(ev.Type)).
		Msg("State transition")

	for _, o := range observers {
		o(prev, next, ev)
	}
	return next, true
}

func (m *Machine) autoReset(g uint64) {
	m.mu.Lock()
	current := m.gen == g
	m.mu.Unlock()
	if current {
		m.Send(Event{Type: EventReset})
	}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an observer and returns its unsubscribe function
func (m *Machine) Subscribe(o Observer) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = o
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Close cancels the pending auto-reset; later events are ignored
func (m *Machine) Close() {
	m.tracker.Teardown()
}
