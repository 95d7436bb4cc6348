// Package mock provides in-memory audio.MediaDevices for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/audio"
)

// Track is a controllable audio track
type Track struct {
	mu      sync.Mutex
	ended   bool
	stopped bool
}

func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended && !t.stopped
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// End simulates the platform ending the track (device unplugged, audio focus lost)
func (t *Track) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
}

// Stopped reports whether Stop was called
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is a stream with a fixed set of tracks
type Stream struct {
	TrackList []*Track
}

func (s *Stream) Tracks() []audio.Track {
	out := make([]audio.Track, len(s.TrackList))
	for i, t := range s.TrackList {
		out[i] = t
	}
	return out
}

// Devices hands out single-track streams and records every request
type Devices struct {
	mu sync.Mutex

	// Err, when set, is returned by every GetUserMedia call
	Err error

	// Gate, when set, blocks GetUserMedia until it is closed
	Gate chan struct{}

	// Entered receives a value each time GetUserMedia is entered, if set
	Entered chan struct{}

	calls   int
	streams []*Stream
}

// NewDevices creates devices that grant every request
func NewDevices() *Devices {
	return &Devices{}
}

func (d *Devices) GetUserMedia(ctx context.Context) (audio.Stream, error) {
	d.mu.Lock()
	d.calls++
	gate, entered, err := d.Gate, d.Entered, d.Err
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &Stream{TrackList: []*Track{{}}}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// SetErr changes the error returned by later requests
func (d *Devices) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

// Calls returns the number of GetUserMedia calls
func (d *Devices) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Last returns the most recently granted stream, or nil
func (d *Devices) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}
