package negotiation

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/signaling"
)

// handle applies one event. Closures run in queue order even after a
// failure; every other event is dropped once failed.
func (c *Coordinator) handle(ev any) {
	if fn, ok := ev.(func()); ok {
		fn()
		return
	}
	if c.failed {
		return
	}

	switch ev := ev.(type) {
	case presenceEvent:
		c.onPresence(ev.existing)
	case offerEvent:
		c.onOffer(ev.Offer)
	case answerEvent:
		c.onAnswer(ev.Answer)
	case candidateEvent:
		c.onCandidate(ev.Candidate)
	case peerLeftEvent:
		c.onPeerLeft(ev.gen, ev.dropped)
	case channelEvent:
		c.onChannel(ev.up)
	case channelFailedEvent:
		c.log.Errorf("relay: %s", ev.reason)
		c.fail(fmt.Errorf("relay unreachable: %w", signaling.ErrReconnectExhausted))
	case relayErrorEvent:
		c.onRelayError(ev.ErrorPayload)
	case stateEvent:
		c.onTransportState(ev.gen, ev.state)
	case localCandidateEvent:
		c.onLocalCandidate(ev.gen, ev.candidate)
	case negotiationNeededEvent:
		c.onNegotiationNeeded(ev.gen)
	case trackEvent:
		if ev.gen == c.gen && c.opts.OnTrack != nil {
			c.opts.OnTrack(ev.track, ev.receiver)
		}
	case restartEvent:
		c.onRestartTimer(ev.gen)
	default:
		c.log.Warningf("unhandled event %T", ev)
	}
}

// ---------------------------------------------------------------------------
// Transport ownership
// ---------------------------------------------------------------------------

// createTransport builds a new transport generation. Candidates buffered
// before any transport existed are kept.
func (c *Coordinator) createTransport() error {
	c.gen++
	tr, err := c.newTransport(observer{q: c.queue, gen: c.gen})
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	c.tr = tr
	c.state = NegotiationState{SubState: Stable, Role: c.role}
	c.remoteID = ""
	c.remoteApplied = false
	c.negotiated = false
	c.log.Debugf("transport %s created (generation %d)", shortID(tr.ID()), c.gen)
	return nil
}

// closeTransport closes the current transport, if any, and forgets
// everything scoped to it.
func (c *Coordinator) closeTransport() {
	c.cancelRestart()
	if c.tr != nil {
		if err := c.tr.Close(); err != nil {
			c.log.Debugf("closing transport %s: %v", shortID(c.tr.ID()), err)
		}
		c.tr = nil
	}
	c.buffer.Clear()
	c.state = NegotiationState{SubState: Stable, Role: c.role}
	c.remoteID = ""
	c.remoteApplied = false
	c.negotiated = false
}

// replaceTransport closes the current transport before building its successor.
func (c *Coordinator) replaceTransport() error {
	c.closeTransport()
	return c.createTransport()
}

// ---------------------------------------------------------------------------
// Offer / answer
// ---------------------------------------------------------------------------

func (c *Coordinator) onPresence(existing bool) {
	if c.tr != nil {
		c.log.Debugf("peer presence with a live transport, ignoring")
		return
	}
	if err := c.createTransport(); err != nil {
		c.fail(err)
		return
	}
	if !existing {
		c.makeOffer()
	}
}

// makeOffer creates and applies a local offer, then emits it.
func (c *Coordinator) makeOffer() {
	c.state.MakingOffer = true
	defer func() { c.state.MakingOffer = false }()

	offer, err := c.tr.CreateOffer()
	if err != nil {
		c.fail(fmt.Errorf("creating offer: %w", err))
		return
	}
	if err := c.tr.SetLocalDescription(offer); err != nil {
		c.fail(fmt.Errorf("applying local offer: %w", err))
		return
	}
	c.state.SubState = HaveLocalOffer

	c.send(signaling.EventOffer, signaling.Offer{
		RoomID:      c.roomID,
		Offer:       offer,
		Polite:      c.role == config.RolePolite,
		TransportID: c.tr.ID(),
	})
	c.stats.AddOffer()
}

func (c *Coordinator) onOffer(o signaling.Offer) {
	if o.Polite == (c.role == config.RolePolite) {
		c.fail(fmt.Errorf("%w: both peers are %s", ErrRoleMismatch, c.role))
		return
	}

	switch {
	case c.tr == nil:
		if err := c.createTransport(); err != nil {
			c.fail(err)
			return
		}
	case c.remoteID != "" && o.TransportID != c.remoteID:
		c.log.Infof("peer moved to transport %s, replacing ours", shortID(o.TransportID))
		if err := c.replaceTransport(); err != nil {
			c.fail(err)
			return
		}
	}

	collision := c.state.MakingOffer || c.state.SubState != Stable
	if collision {
		if c.role == config.RoleImpolite {
			c.stats.AddIgnoredOffer()
			c.log.Debugf("ignoring colliding offer from %s", shortID(o.TransportID))
			return
		}
		if err := c.rollback(); err != nil {
			c.fail(err)
			return
		}
	}

	if err := c.tr.SetRemoteDescription(o.Offer); err != nil {
		c.fail(fmt.Errorf("applying remote offer: %w", err))
		return
	}
	c.state.SubState = HaveRemoteOffer
	c.remoteApplied = true
	c.remoteID = o.TransportID

	answer, err := c.tr.CreateAnswer()
	if err != nil {
		c.fail(fmt.Errorf("creating answer: %w", err))
		return
	}
	if err := c.tr.SetLocalDescription(answer); err != nil {
		c.fail(fmt.Errorf("applying local answer: %w", err))
		return
	}
	c.state.SubState = Stable
	c.negotiated = true

	c.send(signaling.EventAnswer, signaling.Answer{
		RoomID:      c.roomID,
		Answer:      answer,
		TransportID: c.tr.ID(),
	})
	c.stats.AddAnswer()
	c.flush()
}

// rollback abandons the local offer. A transport that refuses to roll back
// is replaced when it never completed a negotiation, since a fresh one is
// equivalent; otherwise the refusal is fatal.
func (c *Coordinator) rollback() error {
	c.stats.AddRollback()
	err := c.tr.Rollback()
	if err == nil {
		c.state.SubState = Stable
		c.log.Debugf("rolled back local offer")
		return nil
	}
	if c.negotiated {
		return fmt.Errorf("rolling back local offer: %w", err)
	}
	c.log.Debugf("rollback refused (%v), starting over on a fresh transport", err)
	return c.replaceTransport()
}

func (c *Coordinator) onAnswer(a signaling.Answer) {
	stale := c.tr == nil ||
		c.state.SubState != HaveLocalOffer ||
		(c.remoteID != "" && a.TransportID != c.remoteID)
	if stale {
		c.stats.AddStaleAnswer()
		c.log.Debugf("discarding stale answer from %s in %s", shortID(a.TransportID), c.state.SubState)
		return
	}

	if err := c.tr.SetRemoteDescription(a.Answer); err != nil {
		c.fail(fmt.Errorf("applying remote answer: %w", err))
		return
	}
	c.state.SubState = Stable
	c.remoteApplied = true
	c.remoteID = a.TransportID
	c.negotiated = true
	c.flush()
}

func (c *Coordinator) onNegotiationNeeded(gen uint64) {
	if gen != c.gen || c.tr == nil {
		return
	}
	if !c.negotiated || c.state.SubState != Stable || c.state.MakingOffer {
		c.log.Debugf("negotiation-needed deferred in %s", c.state.SubState)
		return
	}
	c.makeOffer()
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

func (c *Coordinator) onCandidate(cand signaling.Candidate) {
	pending := PendingCandidate{Candidate: cand.Candidate, TransportID: cand.TransportID}
	if c.tr == nil || !c.remoteApplied {
		c.buffer.Push(pending)
		c.stats.AddQueued()
		return
	}
	if cand.TransportID != c.remoteID {
		c.log.Debugf("dropping candidate from stale transport %s", shortID(cand.TransportID))
		return
	}
	c.applyCandidate(pending)
}

// flush applies buffered candidates in arrival order, dropping those
// gathered by a remote transport other than the one just negotiated with.
func (c *Coordinator) flush() {
	for _, p := range c.buffer.Drain() {
		if p.TransportID != c.remoteID {
			c.log.Debugf("dropping buffered candidate from stale transport %s", shortID(p.TransportID))
			continue
		}
		c.applyCandidate(p)
	}
}

func (c *Coordinator) applyCandidate(p PendingCandidate) {
	if err := c.tr.AddICECandidate(p.Candidate); err != nil {
		c.log.Warningf("adding remote candidate: %v", err)
	}
}

func (c *Coordinator) onLocalCandidate(gen uint64, cand webrtc.ICECandidateInit) {
	if gen != c.gen || c.tr == nil {
		return
	}
	c.send(signaling.EventCandidate, signaling.Candidate{
		RoomID:      c.roomID,
		Candidate:   cand,
		TransportID: c.tr.ID(),
	})
}

// ---------------------------------------------------------------------------
// Presence and channel
// ---------------------------------------------------------------------------

// onPeerLeft closes the transport once the peer is gone. A relay-side socket
// loss does not end a connected call: media never crossed the relay, and a
// peer that is really gone shows up as Bye or as transport failure.
func (c *Coordinator) onPeerLeft(gen uint64, dropped bool) {
	if gen != 0 && gen != c.gen {
		return
	}
	if dropped && c.tr != nil && c.tr.ConnectionState() == webrtc.PeerConnectionStateConnected {
		c.log.Infof("peer lost its relay connection, keeping transport %s", shortID(c.tr.ID()))
		return
	}
	if c.tr != nil {
		c.log.Infof("peer left, closing transport %s", shortID(c.tr.ID()))
		c.closeTransport()
	}
	c.episodeRestarted = false
	c.setStatus(WaitingForPeer, nil)
}

func (c *Coordinator) onChannel(up bool) {
	status := c.currentStatus()
	if up {
		if status == Connecting || (status == Disconnected && c.tr == nil) {
			c.setStatus(WaitingForPeer, nil)
		}
		return
	}
	if status != Connected {
		c.setStatus(Disconnected, nil)
	}
}

func (c *Coordinator) onRelayError(p signaling.ErrorPayload) {
	switch p.Code {
	case signaling.CodeRoomFull, signaling.CodeRoomNotFound:
		c.fail(fmt.Errorf("%w: %s", ErrRoomRejected, p.Error))
	default:
		c.log.Warningf("relay error %s: %s", p.Code, p.Error)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
