package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/joinix/internal/signaling"
	"github.com/1ureka/joinix/internal/util"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	maxMessageSize  = 64 << 10
	sendBuffer      = 256
	maxParticipants = 2
	lookupTimeout   = 5 * time.Second
)

// Hub routes signaling messages between the participants of each room.
// A room holds at most two participants.
type Hub struct {
	store Store
	limit rate.Limit
	burst int
	log   util.Logger

	mu      sync.Mutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
}

// client is one websocket connection. room and the membership maps are
// guarded by Hub.mu; send is closed only after the client left the hub.
type client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	room    string
}

// NewHub returns a hub validating rooms against store and allowing each
// client limit messages per second with the given burst.
func NewHub(store Store, limit float64, burst int) *Hub {
	l := rate.Limit(limit)
	if limit <= 0 {
		l = rate.Inf
	}
	return &Hub{
		store:   store,
		limit:   l,
		burst:   burst,
		log:     util.Scoped("relay"),
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// Attach takes ownership of conn and serves it until it closes.
func (h *Hub) Attach(conn *websocket.Conn) {
	c := &client{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(h.limit, h.burst),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.Debugf("client %s connected from %s", c.id[:8], conn.RemoteAddr())
	go c.writePump()
	go c.readPump()
}

// Count returns the number of participants currently in roomID.
func (h *Hub) Count(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

func (h *Hub) handle(c *client, msg signaling.Message) {
	switch msg.Event {
	case signaling.EventJoinRoom, signaling.EventCheckPeers, signaling.EventLeave:
		roomID, err := msg.RoomID()
		if err != nil || roomID == "" {
			c.sendError("", signaling.CodeBadMessage, "missing room id")
			return
		}
		switch msg.Event {
		case signaling.EventJoinRoom:
			h.join(c, roomID)
		case signaling.EventCheckPeers:
			h.checkPeers(c, roomID)
		default:
			h.leave(c, roomID)
		}

	case signaling.EventOffer, signaling.EventAnswer, signaling.EventCandidate:
		h.forward(c, msg)

	default:
		c.sendError("", signaling.CodeBadMessage, "unknown event "+string(msg.Event))
	}
}

func (h *Hub) join(c *client, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	room, err := h.store.Get(ctx, roomID)
	cancel()
	if err != nil || room.ID != roomID {
		c.sendError(roomID, signaling.CodeRoomNotFound, ErrRoomNotFound.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c.room == roomID {
		h.log.Debugf("client %s repeated join of %s", c.id[:8], roomID)
		return
	}
	if c.room != "" {
		h.removeLocked(c, false)
	}

	members := h.rooms[roomID]
	if len(members) >= maxParticipants {
		c.sendError(roomID, signaling.CodeRoomFull, ErrRoomFull.Error())
		return
	}
	if members == nil {
		members = make(map[*client]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
	c.room = roomID
	h.log.Infof("client %s joined %s (%d/%d)", c.id[:8], roomID, len(members), maxParticipants)

	h.broadcastLocked(c, roomID, signaling.EventUserJoined, signaling.Presence{RoomID: roomID})
}

func (h *Hub) checkPeers(c *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.room != roomID {
		c.sendError(roomID, signaling.CodeBadMessage, "not a participant of this room")
		return
	}
	if len(h.rooms[roomID]) > 1 {
		c.sendEvent(signaling.EventUserJoined, signaling.Presence{RoomID: roomID, Existing: true})
	}
}

func (h *Hub) leave(c *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.room == roomID {
		h.removeLocked(c, false)
	}
}

// forward relays an offer, answer or candidate to the other participant of
// the sender's room. Messages scoped to any other room are refused.
func (h *Hub) forward(c *client, msg signaling.Message) {
	roomID, err := msg.RoomID()
	if err != nil {
		c.sendError("", signaling.CodeBadMessage, err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c.room == "" || roomID != c.room {
		c.sendError(roomID, signaling.CodeBadMessage, "not a participant of this room")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for other := range h.rooms[roomID] {
		if other != c {
			other.enqueue(data)
		}
	}
}

// disconnect removes c from the hub after its socket closed.
func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.room != "" {
		h.removeLocked(c, true)
	}
	delete(h.clients, c)
	close(c.send)
	h.log.Debugf("client %s disconnected", c.id[:8])
}

// removeLocked takes c out of its room and tells the remaining participant,
// marking the departure dropped when c's socket went away without a leave.
func (h *Hub) removeLocked(c *client, dropped bool) {
	roomID := c.room
	members := h.rooms[roomID]
	delete(members, c)
	c.room = ""
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
	h.log.Infof("client %s left %s (dropped=%v)", c.id[:8], roomID, dropped)
	h.broadcastLocked(c, roomID, signaling.EventUserLeft, signaling.Departure{RoomID: roomID, Dropped: dropped})
}

func (h *Hub) broadcastLocked(from *client, roomID string, event signaling.Event, payload any) {
	for other := range h.rooms[roomID] {
		if other != from {
			other.sendEvent(event, payload)
		}
	}
}

// ---------------------------------------------------------------------------
// Client pumps
// ---------------------------------------------------------------------------

func (c *client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warningf("client %s: %v", c.id[:8], err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("", signaling.CodeRateLimited, "too many messages")
			continue
		}

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", signaling.CodeBadMessage, "malformed frame")
			continue
		}
		c.hub.handle(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debugf("client %s write: %v", c.id[:8], err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands data to the write pump, dropping it when the buffer is full.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.log.Warningf("client %s send buffer full, dropping message", c.id[:8])
	}
}

func (c *client) sendEvent(event signaling.Event, payload any) {
	msg, err := signaling.NewMessage(event, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) sendError(roomID, code, text string) {
	c.sendEvent(signaling.EventError, signaling.ErrorPayload{RoomID: roomID, Code: code, Error: text})
}
