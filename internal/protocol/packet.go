// Package protocol defines the packet format carried on the in-call control
// data channel.
package protocol

// Packet type constants.
const (
	TypePing uint8 = 0x01 // liveness probe, payload is the sender's timestamp
	TypePong uint8 = 0x02 // reply to a ping, echoes the ping payload
	TypeBye  uint8 = 0x03 // sender is leaving the call
)

// HeaderSize is the fixed header size: Type(1) + SeqNum(4).
const HeaderSize = 5

// StampSize is the size of the timestamp carried by ping and pong packets.
const StampSize = 8

// Packet represents one control message on the data channel.
type Packet struct {
	Type    uint8  // TypePing, TypePong or TypeBye
	SeqNum  uint32 // per-sender sequence number, pongs echo the ping's
	Payload []byte // ping/pong: 8-byte big-endian unix nanos
}
