package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/negotiation"
	"github.com/1ureka/joinix/internal/rooms"
	"github.com/1ureka/joinix/internal/session"
	"github.com/1ureka/joinix/internal/util"
)

// Call describes one participant run.
type Call struct {
	Config *config.Config
	Creds  Credentials

	// Room is the id or code to join. Empty creates a new room.
	Room string
	// Role overrides the creator/joiner rule when set.
	Role config.Role

	Loopback bool
}

// Run orchestrates the full participant lifecycle:
//  1. Resolve the room through the rooms API
//  2. Start the session (local media, signaling, negotiation)
//  3. Render status changes until ctx is cancelled or the call fails
//  4. Leave the room and release everything
func Run(ctx context.Context, call Call) error {
	if call.Config == nil {
		call.Config = config.Default()
	}

	target, err := ResolveRoom(ctx, rooms.New(call.Config.APIURL), call.Creds, call.Room, call.Role)
	if err != nil {
		return err
	}
	announce(target)

	m, err := session.New(session.Options{
		RoomID:   target.Room.ID,
		Role:     target.Role,
		Config:   call.Config,
		OnTrack:  receiveTrack,
		Loopback: call.Loopback,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Start(ctx); err != nil {
		return err
	}
	return watch(ctx, m)
}

// statusSource is the part of a session the status view reads.
type statusSource interface {
	Status() (negotiation.Status, error)
	Updates() <-chan negotiation.StatusUpdate
}

// watch renders status updates. It returns nil once ctx is cancelled or the
// updates end, and the cause once the session fails.
func watch(ctx context.Context, src statusSource) error {
	status, err := src.Status()
	render(negotiation.StatusUpdate{Status: status, Err: err})
	if status == negotiation.Failed {
		return failure(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-src.Updates():
			if !ok {
				return nil
			}
			render(u)
			if u.Status == negotiation.Failed {
				return failure(u.Err)
			}
		}
	}
}

func failure(err error) error {
	if err == nil {
		return errors.New("call failed")
	}
	return err
}

func render(u negotiation.StatusUpdate) {
	switch u.Status {
	case negotiation.Connecting:
		util.LogInfo("connecting to the relay...")
	case negotiation.WaitingForPeer:
		util.LogInfo("waiting for peer...")
	case negotiation.Connected:
		util.LogSuccess("connected")
	case negotiation.Disconnected:
		util.LogWarning("disconnected, trying to recover")
	case negotiation.Failed:
		util.LogError("call failed: %v", u.Err)
	}
}

// announce prints the room the participant is in.
func announce(t Target) {
	verb := "Joined"
	if t.Created {
		verb = "Created"
	}
	body := fmt.Sprintf("Room : %s\nCode : %s\nRole : %s", t.Room.ID, t.Room.Code, t.Role)
	if t.Created {
		body += "\n\nShare the code with the other participant."
	}
	pterm.DefaultBox.WithTitle(verb + " room").Println(body)
	pterm.Println()
}

// receiveTrack consumes a remote track until it ends.
func receiveTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	util.LogSuccess("receiving %s (%s)", track.Kind(), track.Codec().MimeType)
	go func() {
		var packets int
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				util.LogDebug("%s track ended after %d packets: %v", track.Kind(), packets, err)
				return
			}
			packets++
		}
	}()
}
