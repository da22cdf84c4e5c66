package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/signaling"
	"github.com/1ureka/joinix/internal/transport"
)

// ---------------------------------------------------------------------------
// Fake signaling channel
// ---------------------------------------------------------------------------

// fakeSignaler records outbound traffic and lets tests deliver inbound
// events. Linked pairs forward offers, answers and candidates to each
// other; hold() parks forwarded messages until release().
type fakeSignaler struct {
	mu          sync.Mutex
	handlers    map[signaling.Event]signaling.Handler
	sent        []signaling.Message
	joins       int
	checks      int
	leaves      int
	disconnects int
	connectErr  error

	peer    *fakeSignaler
	holding bool
	held    []signaling.Message
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[signaling.Event]signaling.Handler)}
}

func link(a, b *fakeSignaler) {
	a.peer = b
	b.peer = a
}

func (f *fakeSignaler) Connect(context.Context) error { return f.connectErr }

func (f *fakeSignaler) Join(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	return nil
}

func (f *fakeSignaler) CheckPeers(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return nil
}

func (f *fakeSignaler) Leave(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeSignaler) Send(msg signaling.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	forward := f.peer != nil && !f.holding
	if f.peer != nil && f.holding {
		f.held = append(f.held, msg)
	}
	f.mu.Unlock()

	if forward {
		f.peer.receive(msg)
	}
	return nil
}

func (f *fakeSignaler) Subscribe(event signaling.Event, h signaling.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeSignaler) Unsubscribe(event signaling.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeSignaler) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSignaler) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holding = true
}

func (f *fakeSignaler) release() {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.holding = false
	f.mu.Unlock()

	for _, msg := range held {
		f.peer.receive(msg)
	}
}

func (f *fakeSignaler) receive(msg signaling.Message) {
	f.mu.Lock()
	h := f.handlers[msg.Event]
	f.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// deliver hands an inbound event to the subscribed handler.
func (f *fakeSignaler) deliver(t *testing.T, event signaling.Event, payload any) {
	t.Helper()
	msg, err := signaling.NewMessage(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler subscribed for %s", event)
	}
	h(msg)
}

func (f *fakeSignaler) sentOf(event signaling.Event) []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Message
	for _, m := range f.sent {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaler) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// ---------------------------------------------------------------------------
// Fake transport
// ---------------------------------------------------------------------------

// fakeTransport enforces the offer/answer state table so that an illegal
// call sequence surfaces as an error.
type fakeTransport struct {
	id  string
	obs transport.Observer

	mu          sync.Mutex
	sigState    webrtc.SignalingState
	connState   webrtc.PeerConnectionState
	offers      int
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	rollbacks   int
	rollbackErr error
	closed      bool
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s #%d", f.id, f.offers)}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sigState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateAnswer in %s", f.sigState)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + f.id}, nil
}

func (f *fakeTransport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case sdp.Type == webrtc.SDPTypeOffer && f.sigState == webrtc.SignalingStateStable:
		f.sigState = webrtc.SignalingStateHaveLocalOffer
	case sdp.Type == webrtc.SDPTypeAnswer && f.sigState == webrtc.SignalingStateHaveRemoteOffer:
		f.sigState = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("SetLocalDescription(%s) in %s", sdp.Type, f.sigState)
	}
	f.local = append(f.local, sdp)
	return nil
}

func (f *fakeTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case sdp.Type == webrtc.SDPTypeOffer && f.sigState == webrtc.SignalingStateStable:
		f.sigState = webrtc.SignalingStateHaveRemoteOffer
	case sdp.Type == webrtc.SDPTypeAnswer && f.sigState == webrtc.SignalingStateHaveLocalOffer:
		f.sigState = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("SetRemoteDescription(%s) in %s", sdp.Type, f.sigState)
	}
	f.remote = append(f.remote, sdp)
	return nil
}

func (f *fakeTransport) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	if f.sigState != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("nothing to roll back")
	}
	f.sigState = webrtc.SignalingStateStable
	f.rollbacks++
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	if len(f.remote) == 0 {
		return errors.New("candidate before remote description")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connState = webrtc.PeerConnectionStateClosed
	return nil
}

// setState records a connectivity change and reports it like pion would.
func (f *fakeTransport) setState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.connState = s
	f.mu.Unlock()
	f.obs.OnConnectionState(s)
}

func (f *fakeTransport) snapshot() (sig webrtc.SignalingState, remote, local, cands int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigState, len(f.remote), len(f.local), len(f.candidates), f.closed
}

func (f *fakeTransport) candidateList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.candidates))
	for i, c := range f.candidates {
		out[i] = c.Candidate
	}
	return out
}

// fakeFactory builds fakeTransports with sequential ids.
type fakeFactory struct {
	prefix      string
	rollbackErr error

	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) build(obs transport.Observer) (PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{
		id:          fmt.Sprintf("%s-transport-%d", f.prefix, len(f.created)+1),
		obs:         obs,
		sigState:    webrtc.SignalingStateStable,
		connState:   webrtc.PeerConnectionStateNew,
		rollbackErr: f.rollbackErr,
	}
	f.created = append(f.created, tr)
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) get(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const testRoom = "R1"

type peer struct {
	c   *Coordinator
	sig *fakeSignaler
	fac *fakeFactory
}

func startPeer(t *testing.T, name string, role config.Role, tweak func(*Options)) *peer {
	t.Helper()
	p := &peer{sig: newFakeSignaler(), fac: &fakeFactory{prefix: name}}
	opts := Options{
		RoomID:       testRoom,
		Role:         role,
		RestartDelay: 20 * time.Millisecond,
		MaxRestarts:  3,
	}
	if tweak != nil {
		tweak(&opts)
	}

	c, err := New(p.sig, p.fac.build, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Close)
	p.c = c

	waitStatus(t, c, WaitingForPeer)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, c *Coordinator, want Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool {
		got, _ := c.Status()
		return got == want
	})
}

// do runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) do(fn func()) {
	done := make(chan struct{})
	c.queue.push(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-c.done:
	}
}

// settle waits until every queued event of c has been processed.
func settle(c *Coordinator) {
	c.do(func() {})
}

func (p *peer) state() NegotiationState {
	var st NegotiationState
	p.c.do(func() { st = p.c.state })
	return st
}

func offerFrom(t *testing.T, msgs []signaling.Message, i int) signaling.Offer {
	t.Helper()
	if len(msgs) <= i {
		t.Fatalf("only %d offers sent, want index %d", len(msgs), i)
	}
	var o signaling.Offer
	if err := msgs[i].Decode(&o); err != nil {
		t.Fatal(err)
	}
	return o
}

func candidate(id, transportID string) signaling.Candidate {
	return signaling.Candidate{
		RoomID:      testRoom,
		Candidate:   webrtc.ICECandidateInit{Candidate: id},
		TransportID: transportID,
	}
}
