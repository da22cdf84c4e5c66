package negotiation

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/signaling"
)

// Events processed by the coordinator goroutine. Transport events carry the
// generation of the transport that raised them; stale generations are dropped.
type (
	presenceEvent  struct{ existing bool }
	offerEvent     struct{ signaling.Offer }
	answerEvent    struct{ signaling.Answer }
	candidateEvent struct{ signaling.Candidate }
	peerLeftEvent  struct {
		gen     uint64 // 0 when announced by the relay
		dropped bool   // the relay lost the peer's socket
	}
	channelEvent       struct{ up bool }
	channelFailedEvent struct{ reason string }
	relayErrorEvent    struct{ signaling.ErrorPayload }

	stateEvent struct {
		gen   uint64
		state webrtc.PeerConnectionState
	}
	localCandidateEvent struct {
		gen       uint64
		candidate webrtc.ICECandidateInit
	}
	negotiationNeededEvent struct{ gen uint64 }
	trackEvent             struct {
		gen      uint64
		track    *webrtc.TrackRemote
		receiver *webrtc.RTPReceiver
	}
	restartEvent struct{ gen uint64 }
)

// observer forwards one transport's callbacks into the queue.
type observer struct {
	q   *eventQueue
	gen uint64
}

func (o observer) OnConnectionState(state webrtc.PeerConnectionState) {
	o.q.push(stateEvent{gen: o.gen, state: state})
}

func (o observer) OnLocalCandidate(candidate webrtc.ICECandidateInit) {
	o.q.push(localCandidateEvent{gen: o.gen, candidate: candidate})
}

func (o observer) OnNegotiationNeeded() {
	o.q.push(negotiationNeededEvent{gen: o.gen})
}

func (o observer) OnTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	o.q.push(trackEvent{gen: o.gen, track: track, receiver: receiver})
}

func (o observer) OnBye() {
	o.q.push(peerLeftEvent{gen: o.gen})
}

// subscribedEvents lists every channel event the coordinator listens to.
var subscribedEvents = []signaling.Event{
	signaling.EventConnect,
	signaling.EventDisconnect,
	signaling.EventReconnectFailed,
	signaling.EventUserJoined,
	signaling.EventUserLeft,
	signaling.EventOffer,
	signaling.EventAnswer,
	signaling.EventCandidate,
	signaling.EventError,
}

// subscribe registers a handler per channel event. Handlers only decode and
// enqueue; all decisions happen on the coordinator goroutine.
func (c *Coordinator) subscribe() {
	c.sig.Subscribe(signaling.EventConnect, func(signaling.Message) {
		c.queue.push(channelEvent{up: true})
	})
	c.sig.Subscribe(signaling.EventDisconnect, func(signaling.Message) {
		c.queue.push(channelEvent{up: false})
	})
	c.sig.Subscribe(signaling.EventReconnectFailed, func(m signaling.Message) {
		var p signaling.ErrorPayload
		_ = m.Decode(&p)
		c.queue.push(channelFailedEvent{reason: p.Error})
	})

	c.sig.Subscribe(signaling.EventUserJoined, func(m signaling.Message) {
		var p signaling.Presence
		if c.decodeScoped(m, &p, func() string { return p.RoomID }) {
			c.queue.push(presenceEvent{existing: p.Existing})
		}
	})
	c.sig.Subscribe(signaling.EventUserLeft, func(m signaling.Message) {
		var p signaling.Departure
		if c.decodeScoped(m, &p, func() string { return p.RoomID }) {
			c.queue.push(peerLeftEvent{dropped: p.Dropped})
		}
	})
	c.sig.Subscribe(signaling.EventOffer, func(m signaling.Message) {
		var p signaling.Offer
		if c.decodeScoped(m, &p, func() string { return p.RoomID }) {
			c.queue.push(offerEvent{p})
		}
	})
	c.sig.Subscribe(signaling.EventAnswer, func(m signaling.Message) {
		var p signaling.Answer
		if c.decodeScoped(m, &p, func() string { return p.RoomID }) {
			c.queue.push(answerEvent{p})
		}
	})
	c.sig.Subscribe(signaling.EventCandidate, func(m signaling.Message) {
		var p signaling.Candidate
		if c.decodeScoped(m, &p, func() string { return p.RoomID }) {
			c.queue.push(candidateEvent{p})
		}
	})
	c.sig.Subscribe(signaling.EventError, func(m signaling.Message) {
		var p signaling.ErrorPayload
		if err := m.Decode(&p); err != nil {
			c.log.Warningf("%v", err)
			return
		}
		if p.RoomID == "" || p.RoomID == c.roomID {
			c.queue.push(relayErrorEvent{p})
		}
	})
}

func (c *Coordinator) unsubscribe() {
	for _, ev := range subscribedEvents {
		c.sig.Unsubscribe(ev)
	}
}

// decodeScoped decodes m into v and reports whether it belongs to our room.
func (c *Coordinator) decodeScoped(m signaling.Message, v any, room func() string) bool {
	if err := m.Decode(v); err != nil {
		c.log.Warningf("%v", err)
		return false
	}
	if id := room(); id != c.roomID {
		c.log.Debugf("dropping %s for room %q", m.Event, id)
		return false
	}
	return true
}
