package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// pongWait bounds the silence tolerated from the relay, which pings every 54s.
const pongWait = 60 * time.Second

// receive reads messages from conn and dispatches them until the connection
// breaks. Malformed frames are logged and skipped.
func (c *Channel) receive(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading relay message: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warningf("dropping malformed relay frame: %v", err)
			continue
		}
		switch msg.Event {
		case EventConnect, EventDisconnect, EventReconnectFailed:
			c.log.Warningf("dropping relay frame using reserved event %q", msg.Event)
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch hands msg to the handler subscribed to its event, if any.
func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	h := c.handlers[msg.Event]
	c.mu.Unlock()

	if h == nil {
		c.log.Debugf("no subscriber for %s", msg.Event)
		return
	}
	h(msg)
}
