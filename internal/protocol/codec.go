package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Encode serializes a Packet into a byte slice for DataChannel transmission.
func Encode(pkt *Packet) []byte {
	size := HeaderSize + len(pkt.Payload)
	buf := make([]byte, size)
	buf[0] = pkt.Type
	binary.BigEndian.PutUint32(buf[1:5], pkt.SeqNum)
	if len(pkt.Payload) > 0 {
		copy(buf[HeaderSize:], pkt.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	pkt := &Packet{
		Type:   data[0],
		SeqNum: binary.BigEndian.Uint32(data[1:5]),
	}
	switch pkt.Type {
	case TypePing, TypePong, TypeBye:
	default:
		return nil, fmt.Errorf("unknown packet type 0x%02x", pkt.Type)
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}

// NewPing builds a ping stamped with t.
func NewPing(seq uint32, t time.Time) *Packet {
	stamp := make([]byte, StampSize)
	binary.BigEndian.PutUint64(stamp, uint64(t.UnixNano()))
	return &Packet{Type: TypePing, SeqNum: seq, Payload: stamp}
}

// PongFor builds the reply to ping.
func PongFor(ping *Packet) *Packet {
	return &Packet{Type: TypePong, SeqNum: ping.SeqNum, Payload: ping.Payload}
}

// Stamp returns the timestamp carried by a ping or pong.
func (p *Packet) Stamp() (time.Time, error) {
	if len(p.Payload) != StampSize {
		return time.Time{}, fmt.Errorf("packet 0x%02x carries %d payload bytes, want %d", p.Type, len(p.Payload), StampSize)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(p.Payload))), nil
}
