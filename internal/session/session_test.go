package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/media"
	"github.com/1ureka/joinix/internal/negotiation"
	"github.com/1ureka/joinix/internal/signaling"
)

// ---------------------------------------------------------------------------
// In-memory relay
// ---------------------------------------------------------------------------

// memRelay forwards messages between the signalers of one room the way the
// relay does: joins are broadcast, checkPeers is answered, leaves notify.
type memRelay struct {
	mu      sync.Mutex
	members []*memSignaler
}

func (r *memRelay) signaler() *memSignaler {
	s := &memSignaler{relay: r, handlers: make(map[signaling.Event]signaling.Handler)}
	r.mu.Lock()
	r.members = append(r.members, s)
	r.mu.Unlock()
	return s
}

// others returns the joined members other than s.
func (r *memRelay) others(s *memSignaler) []*memSignaler {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*memSignaler
	for _, m := range r.members {
		if m != s && m.isJoined() {
			out = append(out, m)
		}
	}
	return out
}

type memSignaler struct {
	relay *memRelay

	mu          sync.Mutex
	handlers    map[signaling.Event]signaling.Handler
	joined      bool
	disconnects int
}

func (s *memSignaler) isJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *memSignaler) dispatch(event signaling.Event, payload any) {
	msg, _ := signaling.NewMessage(event, payload)
	s.receive(msg)
}

func (s *memSignaler) receive(msg signaling.Message) {
	s.mu.Lock()
	h := s.handlers[msg.Event]
	s.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (s *memSignaler) Connect(context.Context) error { return nil }

func (s *memSignaler) Join(roomID string) error {
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	for _, o := range s.relay.others(s) {
		o.dispatch(signaling.EventUserJoined, signaling.Presence{RoomID: roomID})
	}
	return nil
}

func (s *memSignaler) CheckPeers(roomID string) error {
	if len(s.relay.others(s)) > 0 {
		s.dispatch(signaling.EventUserJoined, signaling.Presence{RoomID: roomID, Existing: true})
	}
	return nil
}

func (s *memSignaler) Leave(roomID string) error {
	s.mu.Lock()
	was := s.joined
	s.joined = false
	s.mu.Unlock()
	if was {
		for _, o := range s.relay.others(s) {
			o.dispatch(signaling.EventUserLeft, signaling.Departure{RoomID: roomID})
		}
	}
	return nil
}

func (s *memSignaler) Send(msg signaling.Message) error {
	for _, o := range s.relay.others(s) {
		o.receive(msg)
	}
	return nil
}

func (s *memSignaler) Subscribe(event signaling.Event, h signaling.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = h
}

func (s *memSignaler) Unsubscribe(event signaling.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

func (s *memSignaler) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *memSignaler) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ICEServers = nil
	cfg.StatsEvery = 0
	cfg.PingEvery = 100 * time.Millisecond
	cfg.Media = config.MediaConfig{Audio: true}
	return cfg
}

func waitStatus(t *testing.T, m *Manager, want negotiation.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		got, err := m.Status()
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s (%v), want %s", got, err, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// blockingMedia parks Acquire until release is closed, ignoring ctx when
// ignoreCtx is set.
type blockingMedia struct {
	ignoreCtx bool
	entered   chan struct{}
	release   chan struct{}

	mu  sync.Mutex
	src *media.Source
}

func newBlockingMedia(ignoreCtx bool) *blockingMedia {
	return &blockingMedia{ignoreCtx: ignoreCtx, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingMedia) Acquire(ctx context.Context, req media.Request) (*media.Source, error) {
	close(b.entered)
	if b.ignoreCtx {
		<-b.release
	} else {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	src, err := media.Acquire(context.Background(), req)
	b.mu.Lock()
	b.src = src
	b.mu.Unlock()
	return src, err
}

func (b *blockingMedia) source() *media.Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewValidatesOptions(t *testing.T) {
	testCases := []struct {
		name string
		opts Options
	}{
		{"empty room", Options{Role: config.RolePolite}},
		{"bad role", Options{RoomID: "R1", Role: "observer"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}

func TestMediaFailureIsFatal(t *testing.T) {
	sig := (&memRelay{}).signaler()
	denied := media.AcquireFunc(func(context.Context, media.Request) (*media.Source, error) {
		return nil, media.ErrDeviceUnavailable
	})

	m, err := New(Options{RoomID: "R1", Role: config.RoleImpolite, Config: testConfig(), Media: denied, Channel: sig})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Start(context.Background()); !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	status, cause := m.Status()
	if status != negotiation.Failed || !errors.Is(cause, media.ErrDeviceUnavailable) {
		t.Errorf("Status = %s (%v), want Failed with the media error", status, cause)
	}

	m.Close()
	m.Close()
	if got := sig.disconnectCount(); got != 1 {
		t.Errorf("Disconnect called %d times, want 1", got)
	}
	if sig.isJoined() {
		t.Error("joined the room without media")
	}
}

func TestCloseInterruptsAcquisition(t *testing.T) {
	sig := (&memRelay{}).signaler()
	acq := newBlockingMedia(false)
	m, err := New(Options{RoomID: "R1", Role: config.RoleImpolite, Config: testConfig(), Media: acq, Channel: sig})
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- m.Start(context.Background()) }()
	<-acq.entered

	m.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Start = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Start = %v, want ErrClosed", err)
	}
}

func TestLateAcquisitionIsReleased(t *testing.T) {
	sig := (&memRelay{}).signaler()
	acq := newBlockingMedia(true)
	m, err := New(Options{RoomID: "R1", Role: config.RoleImpolite, Config: testConfig(), Media: acq, Channel: sig})
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- m.Start(context.Background()) }()
	<-acq.entered

	m.Close()
	close(acq.release)

	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("Start = %v, want ErrClosed", err)
	}
	src := acq.source()
	if src == nil {
		t.Fatal("acquirer produced no source")
	}
	select {
	case <-src.Stopped():
	default:
		t.Fatal("source acquired after Close was not stopped")
	}
	if sig.isJoined() {
		t.Error("joined the room after Close")
	}
}

func TestStartContextCancelsAcquisition(t *testing.T) {
	acq := newBlockingMedia(false)
	m, err := New(Options{RoomID: "R1", Role: config.RolePolite, Config: testConfig(), Media: acq, Channel: (&memRelay{}).signaler()})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Start(ctx) }()
	<-acq.entered
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Start = %v, want context.Canceled", err)
	}
	if status, _ := m.Status(); status != negotiation.Failed {
		t.Errorf("status = %s, want Failed", status)
	}
}

func TestStartAndClose(t *testing.T) {
	sig := (&memRelay{}).signaler()
	acq := newBlockingMedia(false)
	close(acq.release)

	m, err := New(Options{RoomID: "R1", Role: config.RoleImpolite, Config: testConfig(), Media: acq, Channel: sig})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, m, negotiation.WaitingForPeer, 2*time.Second)
	if !sig.isJoined() {
		t.Fatal("room not joined")
	}

	m.Close()
	m.Close()

	if got := sig.disconnectCount(); got != 1 {
		t.Errorf("Disconnect called %d times, want 1", got)
	}
	if sig.isJoined() {
		t.Error("room not left on Close")
	}
	select {
	case <-acq.source().Stopped():
	default:
		t.Error("local media not stopped on Close")
	}
	for range m.Updates() {
	}
}

func TestSessionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("real PeerConnections")
	}

	relay := &memRelay{}
	tracks := make(chan *webrtc.TrackRemote, 4)

	newManager := func(role config.Role, onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) *Manager {
		m, err := New(Options{
			RoomID:   "R1",
			Role:     role,
			Config:   testConfig(),
			Channel:  relay.signaler(),
			OnTrack:  onTrack,
			Loopback: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		return m
	}

	creator := newManager(config.RoleImpolite, nil)
	defer creator.Close()
	waitStatus(t, creator, negotiation.WaitingForPeer, 2*time.Second)

	joiner := newManager(config.RolePolite, func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		select {
		case tracks <- tr:
		default:
		}
	})
	defer joiner.Close()

	waitStatus(t, creator, negotiation.Connected, 15*time.Second)
	waitStatus(t, joiner, negotiation.Connected, 15*time.Second)

	select {
	case tr := <-tracks:
		if tr.Kind() != webrtc.RTPCodecTypeAudio {
			t.Errorf("remote track kind = %s, want audio", tr.Kind())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no remote track received")
	}

	if got := creator.Stats().OffersSent.Load(); got < 1 {
		t.Errorf("creator sent %d offers", got)
	}
	if got := joiner.Stats().AnswersSent.Load(); got < 1 {
		t.Errorf("joiner sent %d answers", got)
	}

	creator.Close()
	waitStatus(t, joiner, negotiation.WaitingForPeer, 5*time.Second)
}
