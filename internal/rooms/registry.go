// Package rooms owns room member lists. Registry is the only writer of
// persisted memberships; everything else reads through it.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"synctext/internal/database"
	"synctext/internal/models"
)

const maxRoomNameLen = 64

var ErrInvalidRoom = errors.New("invalid room name")

// Store is the persistence a Registry needs.
type Store interface {
	database.RoomStore
	database.Membership
}

type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Normalize trims a room name and rejects empty or oversized names.
func Normalize(room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" || len(room) > maxRoomNameLen {
		return "", ErrInvalidRoom
	}
	return room, nil
}

// EnsureRoom returns the room, creating it empty on first use.
func (r *Registry) EnsureRoom(ctx context.Context, room string) (*models.Room, error) {
	created, err := r.store.EnsureRoom(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("ensure room %q: %w", room, err)
	}
	return created, nil
}

// AddMember adds identity to room, creating the room if needed, and records
// the room in the identity's joined rooms in the same write. It returns the
// resulting member list. Adding an existing member changes nothing. An
// identity without a record yields database.ErrNotFound.
func (r *Registry) AddMember(ctx context.Context, room, identity string) ([]string, error) {
	members, err := r.store.JoinRoom(ctx, identity, room)
	if err != nil {
		return nil, fmt.Errorf("add %s to room %q: %w", identity, room, err)
	}
	return members, nil
}

// RemoveMember removes identity from room and the room from the identity's
// joined rooms, and returns the remaining members. exists is false when the
// room has never been created. The room is kept even when its member list
// becomes empty.
func (r *Registry) RemoveMember(ctx context.Context, room, identity string) (members []string, exists bool, err error) {
	members, exists, err = r.store.LeaveRoom(ctx, identity, room)
	if err != nil {
		return nil, false, fmt.Errorf("remove %s from room %q: %w", identity, room, err)
	}
	return members, exists, nil
}

// Members returns the room's member list; unknown rooms have no members.
func (r *Registry) Members(ctx context.Context, room string) ([]string, error) {
	members, err := r.store.RoomMembers(ctx, room)
	if errors.Is(err, database.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("members of room %q: %w", room, err)
	}
	return members, nil
}
