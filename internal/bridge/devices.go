package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/audio"
)

// ErrDisconnected is returned for media requests pending when the tab went away
var ErrDisconnected = errors.New("client disconnected")

// RemoteMediaDevices asks the tab for getUserMedia and waits for its reply
type RemoteMediaDevices struct {
	send func(Message) error

	mu      sync.Mutex
	pending map[string]chan string
	tracks  map[string]*remoteTrack
	closed  bool
}

var _ audio.MediaDevices = (*RemoteMediaDevices)(nil)

// NewRemoteMediaDevices creates devices that send requests with send
func NewRemoteMediaDevices(send func(Message) error) *RemoteMediaDevices {
	return &RemoteMediaDevices{
		send:    send,
		pending: make(map[string]chan string),
		tracks:  make(map[string]*remoteTrack),
	}
}

// GetUserMedia sends a getUserMedia request and blocks until the tab
// answers, ctx is done or the connection closes. A reply carrying a
// DOMException name is classified with audio.ClassifyMediaError.
func (d *RemoteMediaDevices) GetUserMedia(ctx context.Context) (audio.Stream, error) {
	id := uuid.New().String()
	reply := make(chan string, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDisconnected
	}
	d.pending[id] = reply
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	if err := d.send(Message{Type: TypeGetUserMedia, ID: id}); err != nil {
		return nil, err
	}

	select {
	case name, ok := <-reply:
		if !ok {
			return nil, ErrDisconnected
		}
		if name != "" {
			return nil, audio.ClassifyMediaError(name)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t := &remoteTrack{id: id, devices: d, live: true}
	d.mu.Lock()
	d.tracks[id] = t
	d.mu.Unlock()
	return remoteStream{track: t}, nil
}

// Resolve completes the request id with the tab's reply. errName is
// empty on success.
func (d *RemoteMediaDevices) Resolve(id, errName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reply, ok := d.pending[id]; ok {
		select {
		case reply <- errName:
		default:
		}
	}
}

// TrackEnded marks the stream id as ended by the browser
func (d *RemoteMediaDevices) TrackEnded(id string) {
	d.mu.Lock()
	t, ok := d.tracks[id]
	delete(d.tracks, id)
	d.mu.Unlock()
	if ok {
		t.end()
	}
}

// Close fails every pending request. Later requests fail immediately.
func (d *RemoteMediaDevices) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, reply := range d.pending {
		close(reply)
		delete(d.pending, id)
	}
}

func (d *RemoteMediaDevices) release(t *remoteTrack) {
	d.mu.Lock()
	delete(d.tracks, t.id)
	closed := d.closed
	d.mu.Unlock()
	if !closed {
		d.send(Message{Type: TypeReleaseMedia, ID: t.id})
	}
}

type remoteStream struct {
	track *remoteTrack
}

func (s remoteStream) Tracks() []audio.Track {
	return []audio.Track{s.track}
}

type remoteTrack struct {
	id      string
	devices *RemoteMediaDevices

	mu   sync.Mutex
	live bool
}

func (t *remoteTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	wasLive := t.live
	t.live = false
	t.mu.Unlock()
	if wasLive {
		t.devices.release(t)
	}
}

func (t *remoteTrack) end() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
}
