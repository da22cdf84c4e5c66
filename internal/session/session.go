// Package session owns everything one call needs: the local media, the
// signaling channel and the negotiation coordinator. A Manager is started
// once and closed once.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/media"
	"github.com/1ureka/joinix/internal/negotiation"
	"github.com/1ureka/joinix/internal/signaling"
	"github.com/1ureka/joinix/internal/transport"
	"github.com/1ureka/joinix/internal/util"
)

// ErrClosed is returned by Start once Close has been called.
var ErrClosed = errors.New("session closed")

// Options configures a Manager.
type Options struct {
	RoomID string
	Role   config.Role
	Config *config.Config

	// Media acquires the local tracks. Defaults to media.Default.
	Media media.Acquirer

	// Channel is the signaling channel. Defaults to a signaling.Channel
	// dialling Config.RelayURL with Header.
	Channel negotiation.Signaler
	Header  http.Header

	// OnTrack receives remote tracks. It must not block.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// Loopback gathers loopback candidates, for single-host calls.
	Loopback bool
}

// Manager runs one call session.
type Manager struct {
	opts  Options
	cfg   *config.Config
	sig   negotiation.Signaler
	stats *util.Stats
	log   util.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	mu      sync.Mutex
	started bool
	closed  bool
	status  negotiation.Status
	err     error
	source  *media.Source
	coord   *negotiation.Coordinator
	updates chan negotiation.StatusUpdate

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New prepares a session. Nothing is acquired or dialled until Start.
func New(opts Options) (*Manager, error) {
	if opts.RoomID == "" {
		return nil, errors.New("session: empty room id")
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("session: invalid role %q", opts.Role)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Media == nil {
		opts.Media = media.Default
	}

	sig := opts.Channel
	if sig == nil {
		ch := signaling.NewChannel(opts.Config.RelayURL, opts.Config.Reconnect)
		ch.SetHeader(opts.Header)
		sig = ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		cfg:       opts.Config,
		sig:       sig,
		stats:     &util.Stats{},
		log:       util.Scoped("session " + opts.RoomID),
		ctx:       ctx,
		cancel:    cancel,
		stopWatch: func() bool { return false },
		status:    negotiation.Connecting,
		updates:   make(chan negotiation.StatusUpdate, 16),
	}, nil
}

// Start acquires local media and starts negotiating. It blocks only while
// media is acquired; cancelling ctx or calling Close interrupts that. Once
// Start returns nil the session runs until ctx is cancelled or Close.
//
// On failure the session is left in Failed with the cause. Close must still
// be called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.started:
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.stopWatch = context.AfterFunc(ctx, m.cancel)
	m.mu.Unlock()

	src, err := m.opts.Media.Acquire(m.ctx, media.RequestFrom(m.cfg.Media))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		if src != nil {
			m.log.Debugf("media acquired after close, releasing it")
			src.Stop()
		}
		return ErrClosed
	}
	if err != nil {
		err = fmt.Errorf("acquiring local media: %w", err)
		m.failLocked(err)
		return err
	}
	m.source = src
	m.log.Infof("acquired %d local track(s)", len(src.Tracks()))

	coord, err := negotiation.New(m.sig, m.transportFactory(src.Tracks()), negotiation.Options{
		RoomID:       m.opts.RoomID,
		Role:         m.opts.Role,
		RestartDelay: m.cfg.ICERestart.Delay,
		MaxRestarts:  m.cfg.ICERestart.MaxRestarts,
		Stats:        m.stats,
		OnTrack:      m.opts.OnTrack,
	})
	if err != nil {
		m.failLocked(err)
		return err
	}
	if err := coord.Start(m.ctx); err != nil {
		m.failLocked(err)
		return err
	}
	m.coord = coord

	m.wg.Add(1)
	go m.forward(coord)

	if m.cfg.StatsEvery > 0 {
		util.StartStatsReporter(m.ctx, m.stats, m.cfg.StatsEvery)
	}
	return nil
}

// transportFactory builds pion transports carrying tracks. Every transport
// shares the session's tracks; closing one unbinds only its own senders.
func (m *Manager) transportFactory(tracks []webrtc.TrackLocal) negotiation.TransportFactory {
	opts := transport.Options{
		ICEServers:      m.cfg.ICEServers,
		Tracks:          tracks,
		Debounce:        m.cfg.Debounce,
		PingEvery:       m.cfg.PingEvery,
		Stats:           m.stats,
		IncludeLoopback: m.opts.Loopback,
	}
	return func(obs transport.Observer) (negotiation.PeerTransport, error) {
		tr, err := transport.New(m.ctx, opts, obs)
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
}

// forward mirrors coordinator status updates until the session ends.
func (m *Manager) forward(coord *negotiation.Coordinator) {
	defer m.wg.Done()
	for {
		select {
		case u, ok := <-coord.Updates():
			if !ok {
				return
			}
			m.mu.Lock()
			m.setStatusLocked(u.Status, u.Err)
			m.mu.Unlock()

		case <-m.ctx.Done():
			return
		}
	}
}

// Close tears the session down: the coordinator closes the transport,
// leaves the room and disconnects the channel, then the local tracks stop.
// It runs once and is safe after a partial Start.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		coord, src, stopWatch := m.coord, m.source, m.stopWatch
		m.mu.Unlock()

		stopWatch()
		m.cancel()

		if coord != nil {
			coord.Close()
		} else {
			m.sig.Disconnect()
		}
		m.wg.Wait()

		if src != nil {
			src.Stop()
		}

		m.mu.Lock()
		close(m.updates)
		m.mu.Unlock()
		m.log.Debugf("closed")
	})
}

// Status returns the current status and, when Failed, its cause.
func (m *Manager) Status() (negotiation.Status, error) {
	m.mu.Lock()
	coord, status, err := m.coord, m.status, m.err
	m.mu.Unlock()

	if coord != nil {
		return coord.Status()
	}
	return status, err
}

// Updates delivers status changes and is closed by Close. Slow readers lose
// the oldest updates.
func (m *Manager) Updates() <-chan negotiation.StatusUpdate {
	return m.updates
}

// Stats returns the negotiation counters of this session.
func (m *Manager) Stats() *util.Stats {
	return m.stats
}

func (m *Manager) failLocked(err error) {
	m.log.Errorf("%v", err)
	m.setStatusLocked(negotiation.Failed, err)
}

func (m *Manager) setStatusLocked(s negotiation.Status, err error) {
	if m.closed || m.status == negotiation.Failed {
		return
	}
	m.status = s
	m.err = err

	u := negotiation.StatusUpdate{Status: s, Err: err}
	select {
	case m.updates <- u:
	default:
		select {
		case <-m.updates:
		default:
		}
		select {
		case m.updates <- u:
		default:
		}
	}
}
