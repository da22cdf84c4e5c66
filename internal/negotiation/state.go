package negotiation

import (
	"errors"

	"github.com/1ureka/joinix/internal/config"
)

var (
	// ErrRoleMismatch reports that both peers claim the same politeness.
	ErrRoleMismatch = errors.New("negotiation role mismatch")
	// ErrRestartExhausted reports that ICE restarts did not restore connectivity.
	ErrRestartExhausted = errors.New("ICE restart attempts exhausted")
	// ErrRoomRejected reports that the relay refused the room.
	ErrRoomRejected = errors.New("room rejected by relay")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("coordinator closed")
)

// Status is the connection status shown to the user.
type Status int

const (
	Connecting Status = iota
	WaitingForPeer
	Connected
	Disconnected
	Failed
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case WaitingForPeer:
		return "WaitingForPeer"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StatusUpdate is published on every status change. Err is set for Failed.
type StatusUpdate struct {
	Status Status
	Err    error
}

// SignalingSubState is the offer/answer progress of the current transport.
type SignalingSubState int

const (
	Stable SignalingSubState = iota
	HaveLocalOffer
	HaveRemoteOffer
)

func (s SignalingSubState) String() string {
	switch s {
	case Stable:
		return "stable"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "unknown"
	}
}

// NegotiationState is owned by the coordinator and only changes through its
// transitions. MakingOffer is true only while an offer is being created and
// applied locally.
type NegotiationState struct {
	SubState    SignalingSubState
	MakingOffer bool
	Role        config.Role
}
