// Package coordinator runs room join and leave as multi-step operations that
// keep a user's joined-room list and the room's member list in agreement.
//
// Each operation holds a lock on its (identity, room) pair for its whole
// sequence, so concurrent requests for the same pair never interleave.
// Requests for different pairs run in parallel, except that the membership
// write and the roster broadcast of one room happen one operation at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"synctext/internal/database"
	"synctext/internal/models"
	"synctext/internal/rooms"
	"synctext/pkg/logger"
)

// ErrUnknownIdentity is returned by Join when the identity has no record.
var ErrUnknownIdentity = errors.New("identity has no record")

// Router is the delivery side the coordinator drives.
type Router interface {
	Subscribe(connID, room string) bool
	Unsubscribe(connID, room string)
	SendTo(connID string, ev models.Event)
	BroadcastRoom(room string, ev models.Event, except string)
}

type Identities interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
}

type History interface {
	FetchMessages(ctx context.Context, room string) ([]models.Message, error)
}

type Coordinator struct {
	identities Identities
	registry   *rooms.Registry
	history    History
	router     Router
	locks      *keyLock // (identity, room) sequences
	roomLocks  *keyLock // one room's membership write and roster broadcast
}

func New(identities Identities, registry *rooms.Registry, history History, router Router) *Coordinator {
	return &Coordinator{
		identities: identities,
		registry:   registry,
		history:    history,
		router:     router,
		locks:      newKeyLock(),
		roomLocks:  newKeyLock(),
	}
}

func lockKey(identity, room string) string {
	return identity + "\x00" + room
}

// Join subscribes the connection to room, records the membership on both
// sides, then sends the requester its room list, the room its new roster and
// the requester the room history. On error nothing is written or delivered.
func (c *Coordinator) Join(ctx context.Context, connID, identity, room string) error {
	release, err := c.locks.Lock(ctx, lockKey(identity, room))
	if err != nil {
		return fmt.Errorf("join %s/%s: %w", identity, room, err)
	}
	defer release()

	members, err := c.commitJoin(ctx, connID, identity, room)
	if err != nil {
		return err
	}

	history, err := c.history.FetchMessages(ctx, room)
	if err != nil {
		logger.Error("Error loading history for room %s: %v", room, err)
		return nil
	}
	c.router.SendTo(connID, models.HistoryEvent(history))

	logger.Info("%s joined room %s (%d members)", identity, room, len(members))
	return nil
}

func (c *Coordinator) commitJoin(ctx context.Context, connID, identity, room string) ([]string, error) {
	release, err := c.roomLocks.Lock(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("join %s/%s: %w", identity, room, err)
	}
	defer release()

	subscribed := c.router.Subscribe(connID, room)

	members, err := c.registry.AddMember(ctx, room, identity)
	if err != nil {
		if subscribed {
			c.router.Unsubscribe(connID, room)
		}
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrUnknownIdentity
		}
		return nil, fmt.Errorf("join %s/%s: %w", identity, room, err)
	}

	c.sendMyRooms(ctx, connID, identity)
	// Broadcast under the room lock so successive rosters reach subscribers
	// in mutation order.
	c.router.BroadcastRoom(room, models.RoomMembersEvent(room, members), "")
	return members, nil
}

// Leave removes the membership on both sides, unsubscribes the connection,
// sends the requester its room list and the remaining subscribers the new
// roster. A missing identity record yields an empty room list.
func (c *Coordinator) Leave(ctx context.Context, connID, identity, room string) error {
	release, err := c.locks.Lock(ctx, lockKey(identity, room))
	if err != nil {
		return fmt.Errorf("leave %s/%s: %w", identity, room, err)
	}
	defer release()

	releaseRoom, err := c.roomLocks.Lock(ctx, room)
	if err != nil {
		return fmt.Errorf("leave %s/%s: %w", identity, room, err)
	}
	defer releaseRoom()

	members, exists, err := c.registry.RemoveMember(ctx, room, identity)
	if err != nil {
		return fmt.Errorf("leave %s/%s: %w", identity, room, err)
	}

	c.router.Unsubscribe(connID, room)
	c.sendMyRooms(ctx, connID, identity)
	if exists {
		c.router.BroadcastRoom(room, models.RoomMembersEvent(room, members), "")
	}

	logger.Info("%s left room %s", identity, room)
	return nil
}

func (c *Coordinator) sendMyRooms(ctx context.Context, connID, identity string) {
	joined := []string{}
	user, err := c.identities.FindByUsername(ctx, identity)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		logger.Error("Error reloading rooms for %s: %v", identity, err)
		return
	default:
		joined = user.JoinedRooms
	}
	c.router.SendTo(connID, models.MyRoomsEvent(joined))
}
