package models

import "time"

type Room struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry of a room's append-only log. Timestamp is the
// client-supplied display time and is stored verbatim.
type Message struct {
	ID        int64     `json:"id,omitempty"`
	Room      string    `json:"room"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Timestamp string    `json:"timestamp"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type RoomMembers struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
}
