// Package app contains the top-level orchestration of a call participant:
// resolving the room, running the session and rendering its status.
package app

import (
	"context"
	"fmt"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/rooms"
)

// RoomService is the part of the rooms API a participant needs.
type RoomService interface {
	Login(ctx context.Context, username, password string) error
	Create(ctx context.Context) (rooms.Room, error)
	Join(ctx context.Context, idOrCode string) (rooms.Room, error)
}

var _ RoomService = (*rooms.Client)(nil)

// Credentials identify the user to the rooms API.
type Credentials struct {
	Username string
	Password string
}

// Target is the room a participant enters and the role it negotiates with.
type Target struct {
	Room    rooms.Room
	Role    config.Role
	Created bool
}

// ResolveRoom creates a room when ref is empty and joins the room with id or
// code ref otherwise. The creator is impolite and the joiner polite; a
// non-empty override replaces that rule.
func ResolveRoom(ctx context.Context, api RoomService, creds Credentials, ref string, override config.Role) (Target, error) {
	if override != "" && !override.Valid() {
		return Target{}, fmt.Errorf("invalid role %q: must be polite or impolite", override)
	}

	var t Target
	if ref == "" {
		if err := api.Login(ctx, creds.Username, creds.Password); err != nil {
			return Target{}, err
		}
		room, err := api.Create(ctx)
		if err != nil {
			return Target{}, err
		}
		t = Target{Room: room, Role: config.RoleImpolite, Created: true}
	} else {
		room, err := api.Join(ctx, ref)
		if err != nil {
			return Target{}, err
		}
		t = Target{Room: room, Role: config.RolePolite}
	}

	if override != "" {
		t.Role = override
	}
	return t, nil
}
