package services

import (
	"context"
	"fmt"

	"synctext/internal/database"
	"synctext/internal/models"
	"synctext/internal/presence"
	"synctext/internal/rooms"
)

// ConnectionCounter reports how many transport connections are attached.
type ConnectionCounter interface {
	ConnectionCount() int
}

// RoomService answers read-only room and presence queries for the HTTP API.
type RoomService struct {
	registry    *rooms.Registry
	messages    database.MessageLog
	directory   *presence.Directory
	connections ConnectionCounter
}

func NewRoomService(registry *rooms.Registry, messages database.MessageLog, directory *presence.Directory, connections ConnectionCounter) *RoomService {
	return &RoomService{registry: registry, messages: messages, directory: directory, connections: connections}
}

func (s *RoomService) GetRoomMembers(ctx context.Context, room string) (*models.RoomMembers, error) {
	room, err := rooms.Normalize(room)
	if err != nil {
		return nil, err
	}

	members, err := s.registry.Members(ctx, room)
	if err != nil {
		return nil, err
	}
	return &models.RoomMembers{Room: room, Members: members}, nil
}

func (s *RoomService) GetHistory(ctx context.Context, room string) ([]models.Message, error) {
	room, err := rooms.Normalize(room)
	if err != nil {
		return nil, err
	}

	messages, err := s.messages.FetchMessages(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("history of room %q: %w", room, err)
	}
	return messages, nil
}

func (s *RoomService) OnlineUsers() []string {
	return s.directory.Online()
}

// Connections counts attached connections, logged in or not.
func (s *RoomService) Connections() int {
	return s.connections.ConnectionCount()
}
