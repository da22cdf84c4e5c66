// Package negotiation drives one peer transport through offer/answer
// exchange, collision resolution, ICE restart and teardown.
//
// Every transition runs on a single goroutine fed by a FIFO queue. Channel
// handlers and transport callbacks only enqueue, so events that arrive while
// an operation is in progress are applied after it, in arrival order.
package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/signaling"
	"github.com/1ureka/joinix/internal/transport"
	"github.com/1ureka/joinix/internal/util"
)

// Signaler is the signaling channel as used by the coordinator.
type Signaler interface {
	Connect(ctx context.Context) error
	Join(roomID string) error
	CheckPeers(roomID string) error
	Leave(roomID string) error
	Send(msg signaling.Message) error
	Subscribe(event signaling.Event, h signaling.Handler)
	Unsubscribe(event signaling.Event)
	Disconnect()
}

// PeerTransport is the transport as used by the coordinator.
type PeerTransport interface {
	ID() string
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// TransportFactory builds a transport reporting to obs, with local tracks
// already attached.
type TransportFactory func(obs transport.Observer) (PeerTransport, error)

// Options configures a Coordinator.
type Options struct {
	RoomID       string
	Role         config.Role
	RestartDelay time.Duration // wait before checking a failed transport again
	MaxRestarts  int           // ICE restarts allowed per session
	Stats        *util.Stats

	// OnTrack is called on the coordinator goroutine for every remote
	// track and must not block.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Coordinator owns the negotiation state machine of one session.
type Coordinator struct {
	roomID       string
	role         config.Role
	opts         Options
	sig          Signaler
	newTransport TransportFactory
	stats        *util.Stats
	log          util.Logger
	queue        *eventQueue

	// Owned by the run goroutine.
	state            NegotiationState
	tr               PeerTransport
	gen              uint64
	remoteID         string // remote transport the current one negotiated with
	remoteApplied    bool   // a remote description is set on tr
	negotiated       bool   // tr completed at least one offer/answer exchange
	buffer           CandidateBuffer
	restartTimer     *time.Timer
	episodeRestarted bool // restarted since the last Connected
	restarts         int
	failed           bool

	mu      sync.Mutex
	status  Status
	err     error
	updates chan StatusUpdate

	lifeMu  sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Coordinator for one room. Nothing happens until Start.
func New(sig Signaler, factory TransportFactory, opts Options) (*Coordinator, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("negotiation: empty room id")
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("negotiation: invalid role %q", opts.Role)
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 2 * time.Second
	}
	if opts.Stats == nil {
		opts.Stats = &util.Stats{}
	}

	return &Coordinator{
		roomID:       opts.RoomID,
		role:         opts.Role,
		opts:         opts,
		sig:          sig,
		newTransport: factory,
		stats:        opts.Stats,
		log:          util.Scoped("negotiation " + opts.RoomID),
		queue:        newEventQueue(),
		state:        NegotiationState{SubState: Stable, Role: opts.Role},
		status:       Connecting,
		updates:      make(chan StatusUpdate, 16),
		done:         make(chan struct{}),
	}, nil
}

// Start subscribes to the channel and launches the coordinator goroutine,
// which connects, joins the room and then processes events until Close.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.started:
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.subscribe()
	go c.run(runCtx)
	return nil
}

// Close tears the session down: the restart timer is stopped, the transport
// closed, the room left and the channel disconnected. It runs once; later
// calls return immediately. The Updates channel is closed afterwards.
func (c *Coordinator) Close() {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	c.lifeMu.Unlock()

	if started {
		c.cancel()
		<-c.done
	} else {
		c.teardown()
		close(c.done)
	}
	close(c.updates)
}

// Done is closed once the coordinator has fully torn down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Status returns the current status and, for Failed, its cause.
func (c *Coordinator) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.err
}

// Updates delivers status changes. Slow readers lose the oldest updates.
func (c *Coordinator) Updates() <-chan StatusUpdate {
	return c.updates
}

// Stats returns the session counters.
func (c *Coordinator) Stats() *util.Stats {
	return c.stats
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	if err := c.open(ctx); err != nil && ctx.Err() == nil {
		c.fail(err)
	}

	for {
		ev, ok := c.queue.pop(ctx)
		if !ok {
			return
		}
		c.handle(ev)
	}
}

// open connects the channel and announces the room.
func (c *Coordinator) open(ctx context.Context) error {
	if err := c.sig.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	if err := c.sig.Join(c.roomID); err != nil {
		return fmt.Errorf("joining room %s: %w", c.roomID, err)
	}
	if err := c.sig.CheckPeers(c.roomID); err != nil {
		return fmt.Errorf("checking peers in %s: %w", c.roomID, err)
	}
	c.setStatus(WaitingForPeer, nil)
	return nil
}

// teardown releases everything the session holds. Every step tolerates
// resources that are already gone.
func (c *Coordinator) teardown() {
	c.closeTransport()
	if err := c.sig.Leave(c.roomID); err != nil {
		c.log.Debugf("leave: %v", err)
	}
	c.unsubscribe()
	c.sig.Disconnect()
	c.log.Debugf("torn down")
}

// setStatus publishes a status change. Failed is terminal.
func (c *Coordinator) setStatus(s Status, err error) {
	c.mu.Lock()
	if c.status == Failed || c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.err = err
	c.mu.Unlock()

	if err != nil {
		c.log.Infof("status: %s (%v)", s, err)
	} else {
		c.log.Infof("status: %s", s)
	}

	u := StatusUpdate{Status: s, Err: err}
	select {
	case c.updates <- u:
	default:
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- u:
		default:
		}
	}
}

func (c *Coordinator) currentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// fail moves to the terminal Failed status and releases the transport.
func (c *Coordinator) fail(err error) {
	if c.failed {
		return
	}
	c.failed = true
	c.log.Errorf("%v", err)
	c.closeTransport()
	c.setStatus(Failed, err)
}

// send emits one signaling message. Delivery failures are logged only; the
// channel re-announces the room after a reconnect.
func (c *Coordinator) send(event signaling.Event, payload any) {
	msg, err := signaling.NewMessage(event, payload)
	if err != nil {
		c.log.Errorf("%v", err)
		return
	}
	if err := c.sig.Send(msg); err != nil {
		c.log.Warningf("send %s: %v", event, err)
	}
}
