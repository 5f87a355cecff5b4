package database

import (
	"context"
	"errors"

	"synctext/internal/models"
)

var (
	// ErrNotFound is returned when a user or room has no record.
	ErrNotFound = errors.New("not found")

	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username taken")
)

// IdentityStore holds credentials and each user's joined-room list.
type IdentityStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
}

// RoomStore holds rooms and their member lists, ordered by join time.
type RoomStore interface {
	EnsureRoom(ctx context.Context, name string) (*models.Room, error)
	// RoomMembers returns ErrNotFound when the room does not exist.
	RoomMembers(ctx context.Context, room string) ([]string, error)
}

// Membership writes both sides of a room membership, the user's joined
// rooms and the room's members, as one change. Readers see both sides or
// neither.
type Membership interface {
	// JoinRoom creates the room if needed and records the membership on both
	// sides. It returns the room's member list. ErrNotFound when the user has
	// no record; nothing is written then. Joining twice changes nothing.
	JoinRoom(ctx context.Context, username, room string) ([]string, error)
	// LeaveRoom removes the membership from both sides and returns the
	// remaining members. exists is false when the room was never created. A
	// user without a record only loses the room side.
	LeaveRoom(ctx context.Context, username, room string) (members []string, exists bool, err error)
}

// MessageLog is the append-only store of room messages.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	// FetchMessages returns a room's messages oldest-first. Unknown rooms yield an empty list.
	FetchMessages(ctx context.Context, room string) ([]models.Message, error)
}

type Database interface {
	IdentityStore
	RoomStore
	Membership
	MessageLog
	Migrate(ctx context.Context) error
	Close() error
}
