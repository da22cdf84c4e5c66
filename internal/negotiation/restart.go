package negotiation

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// onTransportState maps connectivity changes to status and arms the ICE
// restart timer on failure.
func (c *Coordinator) onTransportState(gen uint64, state webrtc.PeerConnectionState) {
	if gen != c.gen || c.tr == nil {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.episodeRestarted = false
		c.cancelRestart()
		c.setStatus(Connected, nil)

	case webrtc.PeerConnectionStateDisconnected:
		c.setStatus(Disconnected, nil)

	case webrtc.PeerConnectionStateFailed:
		c.setStatus(Disconnected, nil)
		if c.episodeRestarted {
			c.fail(fmt.Errorf("%w: transport failed again before reconnecting", ErrRestartExhausted))
			return
		}
		c.scheduleRestart()
	}
}

// scheduleRestart arms a single restart check for the current generation.
func (c *Coordinator) scheduleRestart() {
	if c.restartTimer != nil {
		return
	}
	gen := c.gen
	c.log.Warningf("transport failed, checking again in %s", c.opts.RestartDelay)
	c.restartTimer = time.AfterFunc(c.opts.RestartDelay, func() {
		c.queue.push(restartEvent{gen: gen})
	})
}

func (c *Coordinator) cancelRestart() {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
}

// onRestartTimer replaces the transport and offers again when it is still
// failed after the delay.
func (c *Coordinator) onRestartTimer(gen uint64) {
	if gen != c.gen || c.tr == nil {
		return
	}
	c.restartTimer = nil
	if state := c.tr.ConnectionState(); state != webrtc.PeerConnectionStateFailed {
		c.log.Infof("transport recovered (%s), no restart needed", state)
		return
	}
	if c.restarts >= c.opts.MaxRestarts {
		c.fail(fmt.Errorf("%w: %d restart(s) used", ErrRestartExhausted, c.restarts))
		return
	}

	c.restarts++
	c.stats.AddRestart()
	c.log.Warningf("ICE restart %d/%d", c.restarts, c.opts.MaxRestarts)

	if err := c.replaceTransport(); err != nil {
		c.fail(err)
		return
	}
	c.episodeRestarted = true
	c.makeOffer()
}
