// Package signaling implements the client side of the relay protocol used to
// exchange session descriptions and ICE candidates between the two
// participants of a room.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Event names a signaling message or a channel lifecycle notification.
type Event string

// Wire events.
const (
	EventJoinRoom   Event = "joinRoom"
	EventCheckPeers Event = "checkPeers"
	EventUserJoined Event = "user-joined"
	EventUserLeft   Event = "user-left"
	EventOffer      Event = "offer"
	EventAnswer     Event = "answer"
	EventCandidate  Event = "ice-candidate"
	EventLeave      Event = "leave"
	EventError      Event = "error"
)

// Lifecycle events. They are delivered to subscribers but never sent.
const (
	EventConnect         Event = "connect"
	EventDisconnect      Event = "disconnect"
	EventReconnectFailed Event = "reconnect_failed"
)

// Error codes carried by EventError.
const (
	CodeRoomFull     = "room_full"
	CodeRoomNotFound = "room_not_found"
	CodeRateLimited  = "rate_limited"
	CodeBadMessage   = "bad_message"
)

// Message is the JSON envelope exchanged with the relay.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes payload as the data of a message of the given event.
func NewMessage(event Event, payload any) (Message, error) {
	if payload == nil {
		return Message{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Message{Event: event, Data: data}, nil
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Event, err)
	}
	return nil
}

// RoomID extracts the room scope of a message. joinRoom, checkPeers and
// leave carry the bare room id; every other payload carries a roomId field.
func (m Message) RoomID() (string, error) {
	switch m.Event {
	case EventJoinRoom, EventCheckPeers, EventLeave:
		var id string
		if err := m.Decode(&id); err != nil {
			return "", err
		}
		return id, nil
	default:
		var scoped RoomPayload
		if err := m.Decode(&scoped); err != nil {
			return "", err
		}
		return scoped.RoomID, nil
	}
}

// RoomPayload is the common prefix of every room-scoped payload.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// Departure is the data of user-left. Dropped is set when the relay lost the
// participant's socket instead of receiving a leave; the participant may
// still be reachable peer to peer and come back after reconnecting.
type Departure struct {
	RoomID  string `json:"roomId"`
	Dropped bool   `json:"dropped,omitempty"`
}

// Presence is the data of user-joined. Existing is set when the relay
// answers a checkPeers query about a participant that was already in the
// room, and unset when a newcomer has just joined.
type Presence struct {
	RoomID   string `json:"roomId"`
	Existing bool   `json:"existing"`
}

// Offer carries a session description offer together with the sender's
// negotiation role and the id of the transport that produced it.
type Offer struct {
	RoomID      string                    `json:"roomId"`
	Offer       webrtc.SessionDescription `json:"offer"`
	Polite      bool                      `json:"polite"`
	TransportID string                    `json:"transportId"`
}

// Answer carries a session description answer.
type Answer struct {
	RoomID      string                    `json:"roomId"`
	Answer      webrtc.SessionDescription `json:"answer"`
	TransportID string                    `json:"transportId"`
}

// Candidate carries one trickled ICE candidate.
type Candidate struct {
	RoomID      string                  `json:"roomId"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
	TransportID string                  `json:"transportId"`
}

// ErrorPayload is the data of an error event from the relay.
type ErrorPayload struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}
