package transport

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/protocol"
)

// wireControlChannel opens the control gate, starts the ping loop and
// dispatches inbound control packets.
func (t *Transport) wireControlChannel(pingEvery time.Duration) {
	var openOnce sync.Once
	t.dc.OnOpen(func() {
		openOnce.Do(func() {
			t.log.Debugf("control channel open")
			close(t.openSignal)
		})
	})

	t.dc.OnClose(func() {
		t.log.Debugf("control channel closed")
	})

	t.control = newSender(t.ctx, t.dc, t.openSignal, func(err error) {
		t.log.Debugf("control send failed: %v", err)
	})

	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		pkt, err := protocol.Decode(msg.Data)
		if err != nil {
			t.log.Warningf("dropping control packet: %v", err)
			return
		}
		t.handleControl(pkt)
	})

	if pingEvery > 0 {
		go t.pingLoop(pingEvery)
	}
}

func (t *Transport) handleControl(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypePing:
		t.control.send(protocol.PongFor(pkt))

	case protocol.TypePong:
		sent, err := pkt.Stamp()
		if err != nil {
			t.log.Warningf("bad pong: %v", err)
			return
		}
		rtt := time.Since(sent)
		if t.stats != nil {
			t.stats.SetRTT(rtt)
		}
		t.log.Debugf("pong #%d rtt=%s", pkt.SeqNum, rtt)

	case protocol.TypeBye:
		t.log.Infof("peer said bye")
		if t.alive() {
			t.obs.OnBye()
		}
	}
}

// pingLoop sends a ping every interval once the control channel is open.
func (t *Transport) pingLoop(interval time.Duration) {
	select {
	case <-t.openSignal:
	case <-t.ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.control.send(protocol.NewPing(t.seq.Add(1), time.Now()))
	for {
		select {
		case <-ticker.C:
			t.control.send(protocol.NewPing(t.seq.Add(1), time.Now()))
		case <-t.ctx.Done():
			return
		}
	}
}
