package models

import (
	"encoding/json"
	"errors"
	"strings"
)

type EventType string

// Client to server.
const (
	EventLogin       EventType = "login"
	EventLogout      EventType = "logout"
	EventJoinRoom    EventType = "join_room"
	EventLeaveRoom   EventType = "leave_room"
	EventSendMessage EventType = "send_message"
	EventTyping      EventType = "typing"
	EventStopTyping  EventType = "stop_typing"
)

// Server to client.
const (
	EventPresence      EventType = "presence"
	EventMyRooms       EventType = "my_rooms"
	EventRoomMembers   EventType = "room_members"
	EventMessage       EventType = "message"
	EventHistory       EventType = "history"
	EventTypingStarted EventType = "typing_started"
	EventTypingStopped EventType = "typing_stopped"
	EventMessageSent   EventType = "message_sent"
	EventError         EventType = "error"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Envelope is the inbound wire frame; Data is decoded per Type.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is the outbound wire frame.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// Droppable reports whether the event may be discarded under backpressure.
func (e Event) Droppable() bool {
	return e.Type == EventTypingStarted || e.Type == EventTypingStopped
}

type LoginPayload struct {
	Username string `json:"username"`
}

type RoomRequest struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

type ChatMessage struct {
	Room      string `json:"room"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

type TypingPayload struct {
	Room string `json:"room"`
	User string `json:"user"`
}

type ErrorPayload struct {
	Op      EventType `json:"op"`
	Message string    `json:"message"`
}

// Decode unmarshals the envelope data into v, reporting ErrMalformedPayload on failure.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrMalformedPayload
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	return nil
}

// DecodeRoomName accepts either a bare JSON string or an object with a room field.
func (e Envelope) DecodeRoomName() (string, error) {
	var room string
	if err := json.Unmarshal(e.Data, &room); err == nil {
		return requireRoom(room)
	}
	var obj struct {
		Room string `json:"room"`
	}
	if err := e.Decode(&obj); err != nil {
		return "", err
	}
	return requireRoom(obj.Room)
}

func requireRoom(room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return "", ErrMalformedPayload
	}
	return room, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func PresenceEvent(online []string) Event {
	return Event{Type: EventPresence, Data: nonNil(online)}
}

func MyRoomsEvent(rooms []string) Event {
	return Event{Type: EventMyRooms, Data: nonNil(rooms)}
}

func RoomMembersEvent(room string, members []string) Event {
	return Event{Type: EventRoomMembers, Data: RoomMembers{Room: room, Members: nonNil(members)}}
}

func MessageEvent(msg ChatMessage) Event {
	return Event{Type: EventMessage, Data: msg}
}

func HistoryEvent(messages []Message) Event {
	if messages == nil {
		messages = []Message{}
	}
	return Event{Type: EventHistory, Data: messages}
}

func TypingStartedEvent(room, user string) Event {
	return Event{Type: EventTypingStarted, Data: TypingPayload{Room: room, User: user}}
}

func TypingStoppedEvent(room, user string) Event {
	return Event{Type: EventTypingStopped, Data: TypingPayload{Room: room, User: user}}
}

func MessageSentEvent(msg Message) Event {
	return Event{Type: EventMessageSent, Data: msg}
}

func ErrorEvent(op EventType, message string) Event {
	return Event{Type: EventError, Data: ErrorPayload{Op: op, Message: message}}
}
