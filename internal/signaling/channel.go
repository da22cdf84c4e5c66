package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/util"
)

var (
	// ErrClosed is returned by operations on a disconnected Channel.
	ErrClosed = errors.New("signaling channel closed")
	// ErrNotConnected is returned by Send while the relay connection is down.
	ErrNotConnected = errors.New("signaling channel not connected")
	// ErrReconnectExhausted reports that every dial attempt failed.
	ErrReconnectExhausted = errors.New("signaling connection attempts exhausted")
)

// Handler receives one event. Handlers run on the channel's read goroutine,
// in arrival order, and must not block.
type Handler func(Message)

// Channel is a bidirectional connection to the relay. It keeps at most one
// handler per event, re-dials with exponential backoff when the connection
// drops and re-announces the active room after every successful re-dial.
type Channel struct {
	url    string
	policy config.ReconnectConfig
	dialer *websocket.Dialer
	header http.Header
	log    util.Logger

	mu       sync.Mutex
	handlers map[Event]Handler
	sender   *sender // nil while no connection is attached
	room     string  // room to re-announce after a reconnect
	joined   bool    // joinRoom sent on the current connection
	started  bool
	closed   bool

	ctx       context.Context // cancelled by Disconnect, stops pending dials
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewChannel returns a Channel for the relay at url. Nothing is dialed until
// Connect is called.
func NewChannel(url string, policy config.ReconnectConfig) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:      url,
		policy:   policy,
		dialer:   websocket.DefaultDialer,
		log:      util.Scoped("signaling"),
		handlers: make(map[Event]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetHeader sets headers sent with every dial, e.g. an Authorization bearer.
// It must be called before Connect.
func (c *Channel) SetHeader(h http.Header) {
	c.header = h
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect dials the relay, retrying with backoff, and starts the read loop.
// A connect event is delivered once the connection is up. Calling Connect
// on a connected Channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	conn, err := c.dial(dialCtx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		if c.isClosed() {
			return ErrClosed
		}
		return err
	}
	if !c.attach(conn) {
		return ErrClosed
	}

	c.log.Infof("connected to %s", c.url)
	c.dispatch(Message{Event: EventConnect})
	go c.supervise(conn)
	return nil
}

// Disconnect closes the connection, stops any pending reconnection and
// drops every handler. It is safe to call more than once.
func (c *Channel) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		s := c.sender
		c.sender = nil
		c.handlers = make(map[Event]Handler)
		c.mu.Unlock()

		c.cancel()
		if s != nil {
			_ = s.close()
		}
	})
}

// supervise runs the read loop and replaces the connection whenever it
// breaks, until Disconnect is called or dialing gives up.
func (c *Channel) supervise(conn *websocket.Conn) {
	for {
		err := c.receive(conn)
		c.detach()
		if c.isClosed() {
			return
		}
		c.log.Warningf("relay connection lost: %v", err)
		c.dispatch(Message{Event: EventDisconnect})

		next, err := c.dial(c.ctx)
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Errorf("giving up on relay: %v", err)
			failure, _ := NewMessage(EventReconnectFailed, ErrorPayload{Error: err.Error()})
			c.dispatch(failure)
			return
		}
		if !c.attach(next) {
			return
		}
		conn = next

		c.log.Infof("reconnected to %s", c.url)
		c.dispatch(Message{Event: EventConnect})
		c.rejoin()
	}
}

// dial opens one relay connection. Failed attempts are retried with
// exponential backoff; a 4xx handshake response is not retried.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	attempts := max(c.policy.MaxAttempts, 1)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.policy.BaseDelay
	if c.policy.MaxDelay > 0 {
		expo.MaxInterval = c.policy.MaxDelay
	}
	expo.Multiplier = 2
	expo.MaxElapsedTime = 0
	expo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		attempt++
		ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("relay rejected handshake: %s", resp.Status))
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.Warningf("dial %s failed (attempt %d/%d): %v, retrying in %s",
			c.url, attempt, attempts, err, next.Round(time.Millisecond))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %d attempt(s): %v", ErrReconnectExhausted, attempt, err)
	}
	return conn, nil
}

// attach makes conn the current connection. It reports false, closing conn,
// when the Channel was disconnected in the meantime.
func (c *Channel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return false
	}
	c.sender = &sender{conn: conn}
	c.joined = false
	return true
}

func (c *Channel) detach() {
	c.mu.Lock()
	s := c.sender
	c.sender = nil
	c.joined = false
	c.mu.Unlock()
	if s != nil {
		_ = s.close()
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// rejoin re-announces the active room so the peer can be rediscovered.
func (c *Channel) rejoin() {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == "" {
		return
	}
	if err := c.Join(room); err != nil {
		c.log.Warningf("rejoin %s: %v", room, err)
		return
	}
	if err := c.CheckPeers(room); err != nil {
		c.log.Warningf("checkPeers %s: %v", room, err)
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe registers h for event, replacing any previous handler.
func (c *Channel) Subscribe(event Event, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.handlers[event] = h
}

// Unsubscribe removes the handler for event. Unknown events are ignored.
func (c *Channel) Unsubscribe(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send delivers msg to the relay.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	s, closed := c.sender, c.closed
	c.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case s == nil:
		return ErrNotConnected
	}
	if err := s.send(msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Event, err)
	}
	return nil
}

// Join announces roomID and remembers it for re-announcement after a
// reconnect. Joining the same room twice on one connection sends nothing.
func (c *Channel) Join(roomID string) error {
	c.mu.Lock()
	if c.room == roomID && c.joined {
		c.mu.Unlock()
		return nil
	}
	c.room = roomID
	c.mu.Unlock()

	if err := c.sendRoom(EventJoinRoom, roomID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.room == roomID && c.sender != nil {
		c.joined = true
	}
	c.mu.Unlock()
	return nil
}

// CheckPeers asks the relay whether another participant is already in
// roomID. The relay answers with a user-joined event when there is one.
func (c *Channel) CheckPeers(roomID string) error {
	return c.sendRoom(EventCheckPeers, roomID)
}

// Leave announces departure from roomID and stops re-announcing it.
func (c *Channel) Leave(roomID string) error {
	c.mu.Lock()
	if c.room == roomID {
		c.room = ""
		c.joined = false
	}
	c.mu.Unlock()
	return c.sendRoom(EventLeave, roomID)
}

func (c *Channel) sendRoom(event Event, roomID string) error {
	msg, err := NewMessage(event, roomID)
	if err != nil {
		return err
	}
	return c.Send(msg)
}
