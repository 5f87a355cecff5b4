package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"synctext/internal/coordinator"
	"synctext/internal/database"
	"synctext/internal/models"
	"synctext/internal/presence"
	"synctext/internal/rooms"
	ws "synctext/internal/websocket"
	"synctext/pkg/logger"
)

// ChatService turns inbound connection events into Session Directory,
// Membership Coordinator and Broadcast Router calls. It implements
// websocket.EventHandler.
type ChatService struct {
	hub         *ws.Hub
	directory   *presence.Directory
	coordinator *coordinator.Coordinator
	messages    database.MessageLog
	opTimeout   time.Duration
}

func NewChatService(hub *ws.Hub, directory *presence.Directory, coord *coordinator.Coordinator, messages database.MessageLog, opTimeout time.Duration) *ChatService {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &ChatService{
		hub:         hub,
		directory:   directory,
		coordinator: coord,
		messages:    messages,
		opTimeout:   opTimeout,
	}
}

func (s *ChatService) Connect(c *ws.Client) {
	s.directory.Open(c.ID())
	logger.Info("Socket connected: %s %s", c.ID(), c.RemoteAddr())
}

func (s *ChatService) Disconnect(c *ws.Client) {
	s.hub.Detach(c)
	s.directory.Close(c.ID())
	logger.Info("Socket disconnected: %s", c.ID())
}

// opContext bounds store work for one event. It is detached from the
// connection so a disconnect mid-operation does not abort persisted writes.
func (s *ChatService) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

func (s *ChatService) HandleEvent(c *ws.Client, env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic handling %s on %s: %v", env.Type, c.ID(), r)
		}
	}()

	var err error
	switch env.Type {
	case models.EventLogin:
		err = s.handleLogin(c, env)
	case models.EventLogout:
		s.handleLogout(c)
	case models.EventJoinRoom:
		err = s.handleJoin(c, env)
	case models.EventLeaveRoom:
		err = s.handleLeave(c, env)
	case models.EventSendMessage:
		err = s.handleSend(c, env)
	case models.EventTyping:
		err = s.handleTyping(c, env)
	case models.EventStopTyping:
		err = s.handleStopTyping(c, env)
	default:
		logger.Debug("Ignoring unknown event %q from %s", env.Type, c.ID())
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, errDropped), errors.Is(err, models.ErrMalformedPayload), errors.Is(err, rooms.ErrInvalidRoom):
		logger.Debug("Dropped %s from %s: %v", env.Type, c.ID(), err)
	case errors.Is(err, presence.ErrAlreadyBound), errors.Is(err, coordinator.ErrUnknownIdentity):
		logger.Warn("Rejected %s from %s: %v", env.Type, c.ID(), err)
	default:
		logger.Error("Error handling %s from %s: %v", env.Type, c.ID(), err)
	}
}

var errDropped = errors.New("event not allowed for this connection")

// identityFor returns the connection's bound identity, rejecting events whose
// claimed user disagrees with it.
func (s *ChatService) identityFor(c *ws.Client, claimed string) (string, error) {
	identity, ok := s.directory.Identity(c.ID())
	if !ok {
		return "", errDropped
	}
	if claimed = strings.TrimSpace(claimed); claimed != "" && claimed != identity {
		return "", errDropped
	}
	return identity, nil
}

func (s *ChatService) handleLogin(c *ws.Client, env models.Envelope) error {
	var req models.LoginPayload
	if len(env.Data) > 0 {
		// Older clients send the username as a bare string.
		if json.Unmarshal(env.Data, &req.Username) != nil {
			if err := env.Decode(&req); err != nil {
				return err
			}
		}
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = c.TokenUser()
	}
	if username == "" {
		return models.ErrMalformedPayload
	}
	if tokenUser := c.TokenUser(); tokenUser != "" && tokenUser != username {
		return errDropped
	}

	ctx, cancel := s.opContext()
	defer cancel()

	joined, ok, err := s.directory.Register(ctx, c.ID(), username)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.hub.SendTo(c.ID(), models.MyRoomsEvent(joined))
	return nil
}

func (s *ChatService) handleLogout(c *ws.Client) {
	s.directory.Unregister(c.ID())
	for _, room := range s.hub.Rooms(c.ID()) {
		s.hub.Unsubscribe(c.ID(), room)
	}
}

func (s *ChatService) decodeRoomRequest(c *ws.Client, env models.Envelope) (identity, room string, err error) {
	var req models.RoomRequest
	if err := env.Decode(&req); err != nil {
		return "", "", err
	}
	if room, err = rooms.Normalize(req.Room); err != nil {
		return "", "", err
	}
	if identity, err = s.identityFor(c, req.Username); err != nil {
		return "", "", err
	}
	return identity, room, nil
}

func (s *ChatService) handleJoin(c *ws.Client, env models.Envelope) error {
	identity, room, err := s.decodeRoomRequest(c, env)
	if err != nil {
		return err
	}

	ctx, cancel := s.opContext()
	defer cancel()
	return s.coordinator.Join(ctx, c.ID(), identity, room)
}

func (s *ChatService) handleLeave(c *ws.Client, env models.Envelope) error {
	identity, room, err := s.decodeRoomRequest(c, env)
	if err != nil {
		return err
	}

	ctx, cancel := s.opContext()
	defer cancel()
	return s.coordinator.Leave(ctx, c.ID(), identity, room)
}

// handleSend persists the message before any other member can see it.
func (s *ChatService) handleSend(c *ws.Client, env models.Envelope) error {
	var msg models.ChatMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	room, err := rooms.Normalize(msg.Room)
	if err != nil {
		return err
	}
	if strings.TrimSpace(msg.Body) == "" {
		return models.ErrMalformedPayload
	}
	identity, err := s.identityFor(c, msg.Author)
	if err != nil {
		return err
	}
	if !s.hub.IsSubscribed(c.ID(), room) {
		return errDropped
	}

	msg.Room = room
	msg.Author = identity
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().Format(time.RFC3339)
	}

	ctx, cancel := s.opContext()
	defer cancel()

	saved, err := s.messages.AppendMessage(ctx, models.Message{
		Room:      msg.Room,
		Author:    msg.Author,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		s.hub.SendTo(c.ID(), models.ErrorEvent(models.EventSendMessage, "message could not be saved"))
		return err
	}

	s.hub.BroadcastRoom(room, models.MessageEvent(msg), c.ID())
	s.hub.SendTo(c.ID(), models.MessageSentEvent(*saved))
	return nil
}

func (s *ChatService) handleTyping(c *ws.Client, env models.Envelope) error {
	var req models.TypingPayload
	if err := env.Decode(&req); err != nil {
		return err
	}
	room, err := rooms.Normalize(req.Room)
	if err != nil {
		return err
	}
	identity, err := s.identityFor(c, req.User)
	if err != nil {
		return err
	}
	if !s.hub.IsSubscribed(c.ID(), room) {
		return errDropped
	}

	s.hub.BroadcastRoom(room, models.TypingStartedEvent(room, identity), c.ID())
	return nil
}

func (s *ChatService) handleStopTyping(c *ws.Client, env models.Envelope) error {
	room, err := env.DecodeRoomName()
	if err != nil {
		return err
	}
	if room, err = rooms.Normalize(room); err != nil {
		return err
	}
	identity, err := s.identityFor(c, "")
	if err != nil {
		return err
	}
	if !s.hub.IsSubscribed(c.ID(), room) {
		return errDropped
	}

	s.hub.BroadcastRoom(room, models.TypingStoppedEvent(room, identity), c.ID())
	return nil
}
