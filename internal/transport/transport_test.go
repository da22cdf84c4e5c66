package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"

	"github.com/1ureka/joinix/internal/util"
)

// recorder is an Observer that exposes the interesting callbacks as channels.
type recorder struct {
	candidates chan webrtc.ICECandidateInit
	connected  chan struct{}
	bye        chan struct{}

	connectedOnce sync.Once
	byeOnce       sync.Once
}

func newRecorder() *recorder {
	return &recorder{
		candidates: make(chan webrtc.ICECandidateInit, 64),
		connected:  make(chan struct{}),
		bye:        make(chan struct{}),
	}
}

func (r *recorder) OnConnectionState(state webrtc.PeerConnectionState) {
	if state == webrtc.PeerConnectionStateConnected {
		r.connectedOnce.Do(func() { close(r.connected) })
	}
}

func (r *recorder) OnLocalCandidate(c webrtc.ICECandidateInit) {
	select {
	case r.candidates <- c:
	default:
	}
}

func (r *recorder) OnNegotiationNeeded()                               {}
func (r *recorder) OnTrack(*webrtc.TrackRemote, *webrtc.RTPReceiver) {}
func (r *recorder) OnBye()                                             { r.byeOnce.Do(func() { close(r.bye) }) }

func loopbackOptions(stats *util.Stats) Options {
	return Options{
		PingEvery:       20 * time.Millisecond,
		Stats:           stats,
		IncludeLoopback: true,
	}
}

func forward(ctx context.Context, from *recorder, to *Transport) {
	for {
		select {
		case c := <-from.candidates:
			_ = to.AddICECandidate(c)
		case <-ctx.Done():
			return
		}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestTransportLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback ICE test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statsA := &util.Stats{}
	recA, recB := newRecorder(), newRecorder()

	a, err := New(ctx, loopbackOptions(statsA), recA)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	defer a.Close()
	b, err := New(ctx, loopbackOptions(&util.Stats{}), recB)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	defer b.Close()

	if a.ID() == b.ID() {
		t.Fatal("two transports share an id")
	}

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatalf("a.SetLocalDescription: %v", err)
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		t.Fatalf("b.SetRemoteDescription: %v", err)
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := b.SetLocalDescription(answer); err != nil {
		t.Fatalf("b.SetLocalDescription: %v", err)
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		t.Fatalf("a.SetRemoteDescription: %v", err)
	}

	go forward(ctx, recA, b)
	go forward(ctx, recB, a)

	waitClosed(t, recA.connected, "a to connect")
	waitClosed(t, recB.connected, "b to connect")
	waitClosed(t, a.Ready(), "a's control channel")
	waitClosed(t, b.Ready(), "b's control channel")

	deadline := time.Now().Add(5 * time.Second)
	for statsA.RTT() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no RTT sample recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	waitClosed(t, recB.bye, "bye to reach b")

	if err := a.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}); err != nil {
		t.Errorf("AddICECandidate after Close = %v, want nil", err)
	}
	select {
	case <-a.Done():
	default:
		t.Error("Done() not closed after Close")
	}
}

func TestTransportRollback(t *testing.T) {
	tr, err := New(context.Background(), Options{}, newRecorder())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	if err := tr.Rollback(); !errors.Is(err, ErrNothingToRollback) {
		t.Fatalf("Rollback while stable = %v, want ErrNothingToRollback", err)
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if got := tr.SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("SignalingState = %s, want have-local-offer", got)
	}

	// pion refuses have-local-offer -> stable; the coordinator relies on the
	// refusal leaving the offer in place.
	err = tr.Rollback()
	if err == nil {
		t.Fatal("Rollback succeeded; pion now supports rollback and the replace-on-refusal path can go")
	}
	var invalid *rtcerr.InvalidModificationError
	if !errors.As(err, &invalid) {
		t.Errorf("Rollback error = %v, want an InvalidModificationError", err)
	}
	if got := tr.SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
		t.Errorf("SignalingState after refused rollback = %s, want have-local-offer", got)
	}
}

func TestTransportCloseTwice(t *testing.T) {
	tr, err := New(context.Background(), Options{}, newRecorder())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := tr.Close()
	second := tr.Close()
	if first != second {
		t.Errorf("second Close = %v, want the first result %v", second, first)
	}
	if got := tr.ConnectionState(); got == webrtc.PeerConnectionStateConnected {
		t.Errorf("ConnectionState after Close = %s", got)
	}
}
