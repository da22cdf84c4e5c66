package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/joinix/internal/protocol"
)

const (
	highWaterMark  = 64 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 16 * 1024 // resume sending when bufferedAmount drops below this
	sendBufferSize = 16        // outgoing packet channel capacity
)

// sender is a goroutine-based packet writer that serializes all writes to
// the control channel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan *protocol.Packet
	drainSignal chan struct{}
	onError     func(error)
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, onError func(error)) *sender {
	s := &sender{
		inbox:       make(chan *protocol.Packet, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		onError:     onError,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the channel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case pkt := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(protocol.Encode(pkt)); err != nil {
				s.onError(err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a packet without blocking and reports whether it was queued.
func (s *sender) send(pkt *protocol.Packet) bool {
	select {
	case s.inbox <- pkt:
		return true
	default:
		return false
	}
}
