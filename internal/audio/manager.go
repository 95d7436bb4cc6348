package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/lifecycle"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/observability"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

var (
	// ErrPermissionDenied is returned by MediaDevices when the user or the
	// browser refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrNoDevice is returned by MediaDevices when no usable input device exists
	ErrNoDevice = errors.New("no audio input device")

	// ErrReleased is returned by EnsureActiveStream when Release was called
	// while the request was pending. The stream that arrived is stopped.
	ErrReleased = errors.New("microphone released during request")
)

// Track is one audio track of a media stream
type Track interface {
	Live() bool
	Stop()
}

// Stream is an acquired microphone stream
type Stream interface {
	Tracks() []Track
}

// MediaDevices requests microphone streams, prompting for permission if needed
type MediaDevices interface {
	GetUserMedia(ctx context.Context) (Stream, error)
}

// ClassifyMediaError maps a getUserMedia DOMException name to ErrPermissionDenied
// or ErrNoDevice. Unknown names are treated as a device problem.
func ClassifyMediaError(name string) error {
	switch name {
	case "NotAllowedError", "PermissionDeniedError", "SecurityError":
		return ErrPermissionDenied
	default:
		return ErrNoDevice
	}
}

const streamKey = "microphone"

// Manager owns the microphone stream shared by every engine session of a
// recorder. A stream is requested at most once at a time: concurrent
// EnsureActiveStream calls wait for the same request, so the user never
// sees two permission prompts.
type Manager struct {
	devices MediaDevices
	clock   lifecycle.Clock
	logger  zerolog.Logger
	group   singleflight.Group

	mu           sync.Mutex
	stream       Stream
	acquisitions int
	releaseGen   uint64
	releaseTimer lifecycle.Timer

	// releases counts Release calls, so a request that resolves after one
	// does not keep its stream.
	releases uint64
}

// NewManager creates a manager over devices. A nil clock means the wall clock.
func NewManager(devices MediaDevices, clock lifecycle.Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = lifecycle.RealClock{}
	}
	return &Manager{
		devices: devices,
		clock:   clock,
		logger:  logger.With().Str("component", "audio").Logger(),
	}
}

// EnsureActiveStream returns true when a stream with a live track is held,
// requesting a new one if necessary. Failures return false and a
// *speech.Error of kind PermissionDenied or NoAudioDevice.
func (m *Manager) EnsureActiveStream(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.cancelReleaseLocked()
	if hasLiveTrack(m.stream) {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	_, err, _ := m.group.Do(streamKey, func() (interface{}, error) {
		return nil, m.acquire(ctx)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) acquire(ctx context.Context) error {
	m.mu.Lock()
	if hasLiveTrack(m.stream) {
		m.mu.Unlock()
		return nil
	}
	stale := m.stream
	m.stream = nil
	releases := m.releases
	m.mu.Unlock()

	stopTracks(stale)

	stream, err := m.devices.GetUserMedia(ctx)
	if err == nil && !hasLiveTrack(stream) {
		stopTracks(stream)
		err = fmt.Errorf("stream has no live audio track: %w", ErrNoDevice)
	}
	observability.RecordStreamAcquisition(err == nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.logger.Warn().Err(err).Msg("Failed to acquire microphone stream")
		return classify(err)
	}

	m.mu.Lock()
	if m.releases != releases {
		m.mu.Unlock()
		stopTracks(stream)
		m.logger.Debug().Msg("Microphone released while requesting, dropping stream")
		return ErrReleased
	}
	m.stream = stream
	m.acquisitions++
	n := m.acquisitions
	m.mu.Unlock()

	m.logger.Debug().Int("acquisitions", n).Msg("Microphone stream acquired")
	return nil
}

// Release stops every track of the held stream. A request still waiting
// on the device is dropped when it resolves.
func (m *Manager) Release() {
	m.mu.Lock()
	m.releases++
	m.cancelReleaseLocked()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream != nil {
		stopTracks(stream)
		m.logger.Debug().Msg("Microphone stream released")
	}
}

// ReleaseAfter keeps the stream warm for d and then releases it, unless
// EnsureActiveStream or Release is called first.
func (m *Manager) ReleaseAfter(d time.Duration) {
	if d <= 0 {
		m.Release()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelReleaseLocked()
	if m.stream == nil {
		return
	}
	gen := m.releaseGen
	m.releaseTimer = m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		if m.releaseGen != gen {
			m.mu.Unlock()
			return
		}
		stream := m.stream
		m.stream = nil
		m.releaseTimer = nil
		m.mu.Unlock()

		stopTracks(stream)
		m.logger.Debug().Dur("warm_for", d).Msg("Warm microphone stream released")
	})
}

// Active reports whether a stream with a live track is held
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return hasLiveTrack(m.stream)
}

// Acquisitions returns how many streams have been obtained from the device
func (m *Manager) Acquisitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquisitions
}

func (m *Manager) cancelReleaseLocked() {
	m.releaseGen++
	if m.releaseTimer != nil {
		m.releaseTimer.Stop()
		m.releaseTimer = nil
	}
}

func classify(err error) error {
	var se *speech.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, ErrPermissionDenied) {
		return speech.NewError(speech.KindPermissionDenied, "Microphone access was denied", err)
	}
	return speech.NewError(speech.KindNoAudioDevice, "No microphone was found", err)
}

func hasLiveTrack(s Stream) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tracks() {
		if t.Live() {
			return true
		}
	}
	return false
}

func stopTracks(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
