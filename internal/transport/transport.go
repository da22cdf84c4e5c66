// Package transport wraps one pion PeerConnection together with its local
// media senders and the in-call control channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/protocol"
	"github.com/1ureka/joinix/internal/util"
)

// ErrNothingToRollback is returned by Rollback when no local offer is pending.
var ErrNothingToRollback = errors.New("no pending local offer")

// Observer receives the lifecycle signals of one Transport. Callbacks run on
// pion goroutines and must return quickly.
type Observer interface {
	OnConnectionState(state webrtc.PeerConnectionState)
	OnLocalCandidate(candidate webrtc.ICECandidateInit)
	OnNegotiationNeeded()
	OnTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnBye()
}

// Options configures a Transport.
type Options struct {
	ICEServers      []config.ICEServer
	Tracks          []webrtc.TrackLocal // attached before the first offer
	Debounce        time.Duration       // coalescing window for negotiation-needed
	PingEvery       time.Duration       // control channel ping interval, 0 disables pings
	Stats           *util.Stats         // receives RTT samples, may be nil
	IncludeLoopback bool                // gather loopback candidates (tests)
}

// Transport wraps a single PeerConnection and the negotiated control
// channel. It is replaced, never reused, after a connectivity failure.
//
// The PeerConnection's own signaling state is exposed for diagnostics only;
// callers keep their own negotiation state.
type Transport struct {
	id string
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	senders    []*webrtc.RTPSender
	control    *sender
	openSignal chan struct{}
	seq        atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc

	obs   Observer
	stats *util.Stats
	log   util.Logger

	mu        sync.RWMutex
	pcState   webrtc.PeerConnectionState
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Transport, attaches opts.Tracks and wires every pion
// callback to obs. The Transport lives until Close is called or ctx is
// cancelled.
func New(ctx context.Context, opts Options, obs Observer) (*Transport, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	dc, err := newControlChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating control channel: %w", err)
	}

	tCtx, tCancel := context.WithCancel(ctx)
	id := uuid.NewString()

	t := &Transport{
		id:         id,
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		obs:        obs,
		stats:      opts.Stats,
		log:        util.Scoped("transport " + id[:8]),
		pcState:    webrtc.PeerConnectionStateNew,
	}

	for _, track := range opts.Tracks {
		rtpSender, err := pc.AddTrack(track)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("adding %s track %q: %w", track.Kind(), track.ID(), err)
		}
		t.senders = append(t.senders, rtpSender)
		go drainRTCP(tCtx, rtpSender)
	}

	t.wirePeerConnection(opts.Debounce)
	t.wireControlChannel(opts.PingEvery)

	return t, nil
}

// wirePeerConnection republishes the PeerConnection callbacks to the observer.
func (t *Transport) wirePeerConnection(window time.Duration) {
	debounced := debounce.New(window)

	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debugf("PeerConnection state: %s", state)
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if t.alive() {
			t.obs.OnConnectionState(state)
		}
	})

	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !t.alive() {
			return
		}
		t.obs.OnLocalCandidate(c.ToJSON())
	})

	t.pc.OnNegotiationNeeded(func() {
		debounced(func() {
			if t.alive() {
				t.obs.OnNegotiationNeeded()
			}
		})
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.log.Infof("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
		if t.alive() {
			t.obs.OnTrack(track, receiver)
		}
	})
}

// drainRTCP reads incoming RTCP for a sender so the interceptors keep running.
func drainRTCP(ctx context.Context, s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// ID returns the unique id of this transport instance.
func (t *Transport) ID() string {
	return t.id
}

// Ready returns a channel that is closed once the control channel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close sends a best-effort Bye, stops the local senders and closes the
// control channel and the PeerConnection. Repeated calls return the result
// of the first one.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		if t.dc.ReadyState() == webrtc.DataChannelStateOpen {
			bye := &protocol.Packet{Type: protocol.TypeBye, SeqNum: t.seq.Add(1)}
			if err := t.dc.Send(protocol.Encode(bye)); err != nil {
				t.log.Debugf("sending bye: %v", err)
			}
		}
		t.cancel()

		errs := make([]error, 0, len(t.senders)+2)
		for _, s := range t.senders {
			errs = append(errs, s.Stop())
		}
		errs = append(errs, t.dc.Close(), t.pc.Close())
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

func (t *Transport) alive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// SignalingState returns pion's view of the offer/answer exchange.
func (t *Transport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// Rollback discards the pending local offer and returns to stable. pion v4
// rejects this transition and leaves the offer in place, so callers must be
// ready to replace the transport instead.
func (t *Transport) Rollback() error {
	pending := t.pc.PendingLocalDescription()
	if pending == nil || pending.Type != webrtc.SDPTypeOffer {
		return ErrNothingToRollback
	}
	err := t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
		SDP:  pending.SDP,
	})
	if err != nil {
		return fmt.Errorf("rolling back local offer: %w", err)
	}
	return nil
}

// AddICECandidate adds a remote ICE candidate received through signaling.
// It is a no-op once the Transport is closed.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if !t.alive() {
		return nil
	}
	return t.pc.AddICECandidate(candidate)
}
