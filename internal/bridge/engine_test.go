package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/audio"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/speech"
)

type outbox struct {
	mu   sync.Mutex
	msgs []Message
	err  error
	sent chan Message
}

func newOutbox() *outbox {
	return &outbox{sent: make(chan Message, 16)}
}

func (o *outbox) send(m Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, m)
	select {
	case o.sent <- m:
	default:
	}
	return nil
}

func (o *outbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.msgs))
	for i, m := range o.msgs {
		out[i] = m.Type
	}
	return out
}

func TestRemoteEngine_Commands(t *testing.T) {
	out := newOutbox()
	e := NewRemoteEngine(out.send)

	e.Configure(speech.Settings{Continuous: true, InterimResults: true, Lang: "en-US"})
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrEngineRunning) {
		t.Errorf("Expected ErrEngineRunning, got %v", err)
	}
	e.Stop()
	e.Abort()

	want := []string{TypeConfigure, TypeStart, TypeStop, TypeAbort}
	got := out.types()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Message %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if s := out.msgs[0].Settings; s == nil || !s.Continuous || s.Lang != "en-US" {
		t.Errorf("Expected settings in configure, got %+v", s)
	}
}

func TestRemoteEngine_Deliver(t *testing.T) {
	e := NewRemoteEngine(newOutbox().send)

	var got []speech.EventType
	unsubscribe := e.Subscribe(func(ev speech.Event) { got = append(got, ev.Type) })

	e.Start()
	e.Deliver(speech.Event{Type: speech.EventAudioStart})
	e.Deliver(speech.Event{Type: speech.EventEnd})

	if e.Running() {
		t.Error("Expected end to clear the running flag")
	}
	if err := e.Start(); err != nil {
		t.Errorf("Expected a restart after end, got %v", err)
	}

	unsubscribe()
	e.Deliver(speech.Event{Type: speech.EventEnd})
	if len(got) != 2 {
		t.Errorf("Expected 2 delivered events, got %v", got)
	}
}

func TestRemoteEngine_AbortAllowsRestart(t *testing.T) {
	out := newOutbox()
	e := NewRemoteEngine(out.send)

	e.Start()
	e.Stop()
	if err := e.Start(); !errors.Is(err, ErrEngineRunning) {
		t.Errorf("Expected a stopped engine to wait for end, got %v", err)
	}

	e.Abort()
	if e.Running() {
		t.Error("Expected abort to clear the running flag")
	}
	if err := e.Start(); err != nil {
		t.Errorf("Expected a start after abort without end, got %v", err)
	}
}

func TestRemoteEngine_StartSendFailure(t *testing.T) {
	out := newOutbox()
	out.err = errors.New("connection closed")
	e := NewRemoteEngine(out.send)

	if err := e.Start(); err == nil {
		t.Fatal("Expected Start to fail when the command cannot be sent")
	}
	if e.Running() {
		t.Error("Expected a failed start to leave the engine idle")
	}
}

func TestEngineEventMessages(t *testing.T) {
	for _, typ := range []string{"result", "error", "end", "audiostart", "speechstart", "speechend", "nomatch"} {
		if _, ok := (Message{Type: typ}).engineEvent(); !ok {
			t.Errorf("Expected %q to be an engine event", typ)
		}
	}
	for _, typ := range []string{TypeHello, TypeAction, TypeMedia, TypeTrackEnded, "bogus"} {
		if _, ok := (Message{Type: typ}).engineEvent(); ok {
			t.Errorf("Expected %q not to be an engine event", typ)
		}
	}

	ev, _ := Message{Type: "error", Code: speech.CodeNetwork, Message: "offline"}.engineEvent()
	if ev.Code != speech.CodeNetwork || ev.Message != "offline" {
		t.Errorf("Expected code and message carried over, got %+v", ev)
	}
}

func requestMedia(ctx context.Context, d *RemoteMediaDevices) (chan audio.Stream, chan error) {
	streams := make(chan audio.Stream, 1)
	errs := make(chan error, 1)
	go func() {
		s, err := d.GetUserMedia(ctx)
		streams <- s
		errs <- err
	}()
	return streams, errs
}

func nextSent(t *testing.T, out *outbox) Message {
	t.Helper()
	select {
	case m := <-out.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a message")
	}
	return Message{}
}

func TestRemoteMediaDevices_Granted(t *testing.T) {
	out := newOutbox()
	d := NewRemoteMediaDevices(out.send)

	streams, errs := requestMedia(context.Background(), d)
	req := nextSent(t, out)
	if req.Type != TypeGetUserMedia || req.ID == "" {
		t.Fatalf("Expected a getUserMedia request, got %+v", req)
	}

	d.Resolve(req.ID, "")
	stream := <-streams
	if err := <-errs; err != nil {
		t.Fatalf("GetUserMedia failed: %v", err)
	}
	tracks := stream.Tracks()
	if len(tracks) != 1 || !tracks[0].Live() {
		t.Fatalf("Expected one live track, got %v", tracks)
	}

	d.TrackEnded(req.ID)
	if tracks[0].Live() {
		t.Error("Expected the track to end when the tab reports it")
	}
}

func TestRemoteMediaDevices_StopReleases(t *testing.T) {
	out := newOutbox()
	d := NewRemoteMediaDevices(out.send)

	streams, _ := requestMedia(context.Background(), d)
	req := nextSent(t, out)
	d.Resolve(req.ID, "")
	track := (<-streams).Tracks()[0]

	track.Stop()
	track.Stop()
	rel := nextSent(t, out)
	if rel.Type != TypeReleaseMedia || rel.ID != req.ID {
		t.Errorf("Expected releaseMedia for %s, got %+v", req.ID, rel)
	}
	select {
	case m := <-out.sent:
		t.Errorf("Expected a single release, got %+v", m)
	default:
	}
}

func TestRemoteMediaDevices_Errors(t *testing.T) {
	tests := []struct {
		name    string
		errName string
		want    error
	}{
		{"not allowed", "NotAllowedError", audio.ErrPermissionDenied},
		{"security", "SecurityError", audio.ErrPermissionDenied},
		{"not found", "NotFoundError", audio.ErrNoDevice},
		{"unknown", "AbortError", audio.ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newOutbox()
			d := NewRemoteMediaDevices(out.send)

			_, errs := requestMedia(context.Background(), d)
			req := nextSent(t, out)
			d.Resolve(req.ID, tt.errName)

			if err := <-errs; !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRemoteMediaDevices_CancelAndClose(t *testing.T) {
	out := newOutbox()
	d := NewRemoteMediaDevices(out.send)

	ctx, cancel := context.WithCancel(context.Background())
	_, errs := requestMedia(ctx, d)
	nextSent(t, out)
	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	_, errs = requestMedia(context.Background(), d)
	req := nextSent(t, out)
	d.Close()
	if err := <-errs; !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}

	// A late reply after close is dropped.
	d.Resolve(req.ID, "")

	if _, err := d.GetUserMedia(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected requests after close to fail, got %v", err)
	}
}
